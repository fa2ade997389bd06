// Package aggregation implements the buffering, trigger evaluation, and
// flush semantics for aggregation nodes: tokens accumulate per node until a
// COUNT, TIMEOUT, END_OF_SOURCE, or CUSTOM trigger fires, at which point the
// buffered batch is handed to the plugin's Process in one call. The executor
// also serializes and restores its own state as a checkpoint, independent of
// the landscape's per-row audit trail, so a crash mid-buffer does not lose
// buffered tokens.
package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/elspeth/elspeth/internal/elspethlog"
	"github.com/elspeth/elspeth/pkg/contracts"
)

// maxCheckpointBytes is the hard size bound on a serialized checkpoint (§4.7).
const maxCheckpointBytes = 10 * 1024 * 1024

// warnCheckpointBytes is the size past which a checkpoint logs a warning but
// still succeeds.
const warnCheckpointBytes = 1 * 1024 * 1024

// TokenInfo is the full metadata an aggregation buffer keeps per token, not
// just its ID, so a checkpoint can restore without a database round trip.
type TokenInfo struct {
	TokenID    string                 `json:"token_id"`
	RowID      string                 `json:"row_id"`
	BranchName string                 `json:"branch_name,omitempty"`
	RowData    map[string]interface{} `json:"row_data"`
}

// IncompleteRestorationError reports that a buffer's row and token slices
// fell out of sync, normally only reachable via a corrupted checkpoint.
type IncompleteRestorationError struct {
	NodeID     string
	RowCount   int
	TokenCount int
}

func (e *IncompleteRestorationError) Error() string {
	return fmt.Sprintf("aggregation: node %s has %d buffered rows but %d tokens", e.NodeID, e.RowCount, e.TokenCount)
}

// CheckpointOverSizeError reports that a serialized checkpoint exceeded
// maxCheckpointBytes.
type CheckpointOverSizeError struct {
	SizeBytes int
	TotalRows int
	NodeCount int
}

func (e *CheckpointOverSizeError) Error() string {
	return fmt.Sprintf("aggregation: checkpoint state is %d bytes across %d nodes and %d rows, exceeds %d byte limit",
		e.SizeBytes, e.NodeCount, e.TotalRows, maxCheckpointBytes)
}

// InvalidCheckpointFormatError reports that a checkpoint blob does not match
// the current wire format; there is no backward-compatible reader for
// earlier formats.
type InvalidCheckpointFormatError struct {
	NodeID string
	Reason string
}

func (e *InvalidCheckpointFormatError) Error() string {
	return fmt.Sprintf("aggregation: invalid checkpoint format for node %s: %s", e.NodeID, e.Reason)
}

// nodeCheckpoint is the wire shape of one node's buffer inside a checkpoint.
type nodeCheckpoint struct {
	Tokens  []TokenInfo `json:"tokens"`
	BatchID string      `json:"batch_id"`
}

// triggerState tracks the evaluation state for one node's trigger.
type triggerState struct {
	config      contracts.TriggerConfig
	bufferedAt  time.Time
	hasBuffered bool
}

func (t *triggerState) shouldFlush(bufferLen int) bool {
	switch t.config.Type {
	case contracts.TriggerTypeCount:
		return bufferLen >= t.config.Threshold
	case contracts.TriggerTypeTimeout:
		if !t.hasBuffered {
			return false
		}
		return time.Since(t.bufferedAt) >= time.Duration(t.config.Timeout)*time.Millisecond
	case contracts.TriggerTypeEndOfSource, contracts.TriggerTypeCustom:
		// END_OF_SOURCE is flushed explicitly by the orchestrator when the
		// source is exhausted; CUSTOM is evaluated by the caller's own
		// policy and flushed via an explicit ExecuteFlush call.
		return false
	default:
		return false
	}
}

// BatchStatusSetter records a Batch's lifecycle transition; satisfied by
// *landscape.Recorder without this package importing it directly. A
// non-empty triggerReason is persisted onto the batch record.
type BatchStatusSetter interface {
	UpdateBatchStatus(ctx context.Context, batchID string, status contracts.BatchStatus, triggerReason string) error
}

// Executor owns the buffering and flush state for every aggregation node in
// a run.
type Executor struct {
	mu       sync.Mutex
	buffers  map[string][]map[string]interface{}
	tokens   map[string][]TokenInfo
	batchIDs map[string]string
	triggers map[string]*triggerState
	recorder BatchStatusSetter
	log      *elspethlog.ContextLogger
}

// NewExecutor builds an empty executor. recorder may be nil (e.g. dry-run
// with no landscape backend), in which case batch status transitions are
// tracked only in memory.
func NewExecutor(recorder BatchStatusSetter, logger *elspethlog.ContextLogger) *Executor {
	return &Executor{
		buffers:  make(map[string][]map[string]interface{}),
		tokens:   make(map[string][]TokenInfo),
		batchIDs: make(map[string]string),
		triggers: make(map[string]*triggerState),
		recorder: recorder,
		log:      logger,
	}
}

// RegisterTrigger configures (or reconfigures) the trigger evaluator for a
// node. Call once per node before the first BufferRow.
func (e *Executor) RegisterTrigger(nodeID string, trigger contracts.TriggerConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers[nodeID] = &triggerState{config: trigger}
}

// BufferRow appends row/token to nodeID's buffer, assigning a batch ID if
// this is the first row since the last flush, and reports whether the
// node's trigger now wants a flush.
func (e *Executor) BufferRow(nodeID string, token TokenInfo, newBatchID func() string) (shouldFlush bool, batchID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.batchIDs[nodeID] == "" {
		e.batchIDs[nodeID] = newBatchID()
	}
	e.buffers[nodeID] = append(e.buffers[nodeID], token.RowData)
	e.tokens[nodeID] = append(e.tokens[nodeID], token)

	t, ok := e.triggers[nodeID]
	if !ok {
		t = &triggerState{config: contracts.TriggerConfig{Type: contracts.TriggerTypeEndOfSource}}
		e.triggers[nodeID] = t
	}
	if !t.hasBuffered {
		t.hasBuffered = true
		t.bufferedAt = time.Now()
	}
	return t.shouldFlush(len(e.buffers[nodeID])), e.batchIDs[nodeID]
}

// PendingCount reports how many rows are buffered for nodeID.
func (e *Executor) PendingCount(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffers[nodeID])
}

// BatchID reports nodeID's currently open batch ID, or "" if nothing is
// buffered. Callers that need to attribute a flush's outputs to the batch
// (RecordBatchOutput) must read this before calling ExecuteFlush, which
// clears the buffer and its batch ID on return.
func (e *Executor) BatchID(nodeID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batchIDs[nodeID]
}

// ExecuteFlush invokes agg.Process on nodeID's buffered rows, transitions
// the batch through TRIGGERED and EXECUTING to COMPLETED or FAILED
// (persisting reason as the batch's trigger_reason), and clears the buffer.
// It returns the plugin's result and the consumed tokens in original
// buffering order.
func (e *Executor) ExecuteFlush(ctx contracts.PluginContext, nodeID string, agg contracts.Aggregation, reason string) (contracts.TransformResult, []TokenInfo, error) {
	e.mu.Lock()
	rows := e.buffers[nodeID]
	toks := e.tokens[nodeID]
	batchID := e.batchIDs[nodeID]
	e.mu.Unlock()

	if len(rows) != len(toks) {
		return contracts.TransformResult{}, nil, &IncompleteRestorationError{NodeID: nodeID, RowCount: len(rows), TokenCount: len(toks)}
	}
	if len(rows) == 0 {
		return contracts.SuccessMulti(nil), nil, nil
	}

	if e.recorder != nil && batchID != "" {
		if err := e.recorder.UpdateBatchStatus(ctx.Context, batchID, contracts.BatchStatusTriggered, reason); err != nil {
			return contracts.TransformResult{}, nil, fmt.Errorf("aggregation: transition batch %s to TRIGGERED: %w", batchID, err)
		}
		if err := e.recorder.UpdateBatchStatus(ctx.Context, batchID, contracts.BatchStatusExecuting, reason); err != nil {
			return contracts.TransformResult{}, nil, fmt.Errorf("aggregation: transition batch %s to EXECUTING: %w", batchID, err)
		}
	}

	result := agg.Process(ctx, rows)

	finalStatus := contracts.BatchStatusCompleted
	if !result.IsSuccess() {
		finalStatus = contracts.BatchStatusFailed
	}
	if e.recorder != nil && batchID != "" {
		if err := e.recorder.UpdateBatchStatus(ctx.Context, batchID, finalStatus, ""); err != nil {
			return result, nil, fmt.Errorf("aggregation: transition batch %s to %s: %w", batchID, finalStatus, err)
		}
	}
	if e.log != nil && reason != "" {
		e.log.WithField("node_id", nodeID).WithField("reason", reason).Debug("aggregation flush triggered")
	}

	e.mu.Lock()
	delete(e.buffers, nodeID)
	delete(e.tokens, nodeID)
	delete(e.batchIDs, nodeID)
	if t, ok := e.triggers[nodeID]; ok {
		t.hasBuffered = false
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.WithField("node_id", nodeID).WithField("batch_id", batchID).WithField("rows", len(rows)).Infof("aggregation flush completed (%s)", finalStatus)
	}

	return result, toks, nil
}

// CheckpointState serializes every non-empty buffer to the current wire
// format, enforcing the size bound.
func (e *Executor) CheckpointState() ([]byte, error) {
	e.mu.Lock()
	state := make(map[string]nodeCheckpoint, len(e.tokens))
	totalRows := 0
	for nodeID, toks := range e.tokens {
		if len(toks) == 0 {
			continue
		}
		state[nodeID] = nodeCheckpoint{Tokens: toks, BatchID: e.batchIDs[nodeID]}
		totalRows += len(toks)
	}
	e.mu.Unlock()

	if len(state) == 0 {
		return []byte("{}"), nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("aggregation: serialize checkpoint: %w", err)
	}
	if len(data) > maxCheckpointBytes {
		return nil, &CheckpointOverSizeError{SizeBytes: len(data), TotalRows: totalRows, NodeCount: len(state)}
	}
	if len(data) > warnCheckpointBytes && e.log != nil {
		e.log.WithField("size_bytes", len(data)).WithField("nodes", len(state)).Warn("aggregation checkpoint is large")
	}
	return data, nil
}

// RestoreFromCheckpoint reconstructs every node's buffer directly from a
// serialized checkpoint, with no database query. It rejects any blob that
// does not match the current wire format (tokens/batch_id keys with full
// TokenID/RowID/RowData per entry) rather than attempting to interpret an
// earlier format.
func (e *Executor) RestoreFromCheckpoint(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("aggregation: restore checkpoint: %w", err)
	}

	restored := make(map[string]nodeCheckpoint, len(raw))
	for nodeID, nodeRaw := range raw {
		dec := json.NewDecoder(bytes.NewReader(nodeRaw))
		dec.DisallowUnknownFields()
		var nc nodeCheckpoint
		if err := dec.Decode(&nc); err != nil {
			return &InvalidCheckpointFormatError{NodeID: nodeID, Reason: err.Error()}
		}
		for i, tok := range nc.Tokens {
			if tok.TokenID == "" || tok.RowID == "" || tok.RowData == nil {
				return &InvalidCheckpointFormatError{NodeID: nodeID, Reason: fmt.Sprintf("token %d missing required field(s)", i)}
			}
		}
		restored[nodeID] = nc
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for nodeID, nc := range restored {
		rows := make([]map[string]interface{}, len(nc.Tokens))
		for i, tok := range nc.Tokens {
			rows[i] = tok.RowData
		}
		e.buffers[nodeID] = rows
		e.tokens[nodeID] = nc.Tokens
		e.batchIDs[nodeID] = nc.BatchID
		if t, ok := e.triggers[nodeID]; ok {
			t.hasBuffered = len(nc.Tokens) > 0
			t.bufferedAt = time.Now()
		}
	}
	return nil
}
