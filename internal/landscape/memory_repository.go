package landscape

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elspeth/elspeth/pkg/contracts"
)

// MemoryRepository is an in-process Repository used by tests and by
// `elspeth run --dry-run` when no landscape backend is configured.
type MemoryRepository struct {
	mu sync.Mutex

	runs            map[string]*contracts.Run
	nodes           map[string]*contracts.Node
	edges           map[string]*contracts.Edge
	edgeByFromLabel map[string]string // runID|fromNodeID|label -> edgeID
	rows            map[string]*contracts.Row
	tokens          map[string]*contracts.Token
	nodeStates      map[string]*contracts.NodeState
	calls           []*contracts.Call
	routingEvents   []*contracts.RoutingEvent
	batches         map[string]*contracts.Batch
	batchMembers    []*contracts.BatchMember
	batchOutputs    []*contracts.BatchOutput
	validationErrs  []*contracts.ValidationError
	artifacts       []*contracts.Artifact
	checkpoints     map[string]*contracts.Checkpoint // runID|nodeID -> checkpoint
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		runs:            make(map[string]*contracts.Run),
		nodes:           make(map[string]*contracts.Node),
		edges:           make(map[string]*contracts.Edge),
		edgeByFromLabel: make(map[string]string),
		rows:            make(map[string]*contracts.Row),
		tokens:          make(map[string]*contracts.Token),
		nodeStates:      make(map[string]*contracts.NodeState),
		batches:         make(map[string]*contracts.Batch),
		checkpoints:     make(map[string]*contracts.Checkpoint),
	}
}

func edgeKey(runID, fromNodeID, label string) string {
	return runID + "|" + fromNodeID + "|" + label
}

func checkpointKey(runID, nodeID string) string {
	return runID + "|" + nodeID
}

func (r *MemoryRepository) InsertRun(ctx context.Context, run *contracts.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	r.runs[run.RunID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateRunSchemaContract(ctx context.Context, runID, contractJSON, contractHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return &AuditIntegrityError{Reason: fmt.Sprintf("update schema contract: run %q not found", runID)}
	}
	run.SchemaContractJSON = contractJSON
	run.SchemaContractHash = contractHash
	return nil
}

func (r *MemoryRepository) UpdateRunExport(ctx context.Context, runID string, status contracts.ExportStatus, exportErr string, exportedAt time.Time, format, sink string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return &AuditIntegrityError{Reason: fmt.Sprintf("update export status: run %q not found", runID)}
	}
	run.ExportStatus = &status
	run.ExportError = exportErr
	run.ExportedAt = &exportedAt
	run.ExportFormat = format
	run.ExportSink = sink
	return nil
}

func (r *MemoryRepository) UpdateRunStatus(ctx context.Context, runID string, status contracts.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return &AuditIntegrityError{Reason: fmt.Sprintf("update run status: run %q not found", runID)}
	}
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	return nil
}

func (r *MemoryRepository) GetRun(ctx context.Context, runID string) (*contracts.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("run %q not found", runID)}
	}
	cp := *run
	return &cp, nil
}

func (r *MemoryRepository) InsertNode(ctx context.Context, node *contracts.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *node
	r.nodes[node.NodeID] = &cp
	return nil
}

func (r *MemoryRepository) GetNode(ctx context.Context, nodeID string) (*contracts.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("node %q not found", nodeID)}
	}
	cp := *n
	return &cp, nil
}

func (r *MemoryRepository) InsertEdge(ctx context.Context, edge *contracts.Edge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := edgeKey(edge.RunID, edge.FromNodeID, edge.Label)
	if _, exists := r.edgeByFromLabel[key]; exists {
		return &AuditIntegrityError{Reason: fmt.Sprintf("duplicate edge label %q from node %q", edge.Label, edge.FromNodeID)}
	}
	cp := *edge
	r.edges[edge.EdgeID] = &cp
	r.edgeByFromLabel[key] = edge.EdgeID
	return nil
}

func (r *MemoryRepository) EdgeExists(ctx context.Context, runID, fromNodeID, label string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.edgeByFromLabel[edgeKey(runID, fromNodeID, label)]
	return ok, nil
}

func (r *MemoryRepository) ListEdges(ctx context.Context, runID string) ([]*contracts.Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*contracts.Edge
	for _, e := range r.edges {
		if e.RunID == runID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) InsertRow(ctx context.Context, row *contracts.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *row
	r.rows[row.RowID] = &cp
	return nil
}

func (r *MemoryRepository) GetRow(ctx context.Context, rowID string) (*contracts.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[rowID]
	if !ok {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("row %q not found", rowID)}
	}
	cp := *row
	return &cp, nil
}

func (r *MemoryRepository) InsertToken(ctx context.Context, token *contracts.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *token
	cp.Parents = append([]contracts.TokenParent(nil), token.Parents...)
	r.tokens[token.TokenID] = &cp
	return nil
}

func (r *MemoryRepository) GetToken(ctx context.Context, tokenID string) (*contracts.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("token %q not found", tokenID)}
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) InsertNodeState(ctx context.Context, state *contracts.NodeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *state
	r.nodeStates[state.StateID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateNodeState(ctx context.Context, state *contracts.NodeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodeStates[state.StateID]; !ok {
		return &AuditIntegrityError{Reason: fmt.Sprintf("node state %q not found", state.StateID)}
	}
	cp := *state
	r.nodeStates[state.StateID] = &cp
	return nil
}

func (r *MemoryRepository) GetNodeState(ctx context.Context, stateID string) (*contracts.NodeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.nodeStates[stateID]
	if !ok {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("node state %q not found", stateID)}
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) InsertCall(ctx context.Context, call *contracts.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *call
	r.calls = append(r.calls, &cp)
	return nil
}

func (r *MemoryRepository) InsertRoutingEvent(ctx context.Context, event *contracts.RoutingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.routingEvents = append(r.routingEvents, &cp)
	return nil
}

func (r *MemoryRepository) InsertBatch(ctx context.Context, batch *contracts.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *batch
	r.batches[batch.BatchID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateBatchStatus(ctx context.Context, batchID string, status contracts.BatchStatus, triggerReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return &AuditIntegrityError{Reason: fmt.Sprintf("batch %q not found", batchID)}
	}
	if !contracts.CanTransitionBatch(b.Status, status) {
		return &AuditIntegrityError{Reason: fmt.Sprintf("illegal batch transition %s -> %s", b.Status, status)}
	}
	b.Status = status
	if triggerReason != "" {
		b.TriggerReason = triggerReason
	}
	return nil
}

func (r *MemoryRepository) GetBatch(ctx context.Context, batchID string) (*contracts.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("batch %q not found", batchID)}
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) InsertBatchMember(ctx context.Context, member *contracts.BatchMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *member
	r.batchMembers = append(r.batchMembers, &cp)
	return nil
}

func (r *MemoryRepository) InsertBatchOutput(ctx context.Context, output *contracts.BatchOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *output
	r.batchOutputs = append(r.batchOutputs, &cp)
	return nil
}

func (r *MemoryRepository) InsertValidationError(ctx context.Context, ve *contracts.ValidationError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ve
	r.validationErrs = append(r.validationErrs, &cp)
	return nil
}

// ListValidationErrors returns every recorded validation error for a run,
// in insertion order. Memory-backend-only inspection surface for tests and
// --dry-run reporting.
func (r *MemoryRepository) ListValidationErrors(runID string) []*contracts.ValidationError {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*contracts.ValidationError
	for _, ve := range r.validationErrs {
		if ve.RunID == runID {
			cp := *ve
			out = append(out, &cp)
		}
	}
	return out
}

// ListRoutingEvents returns every recorded routing event, in insertion
// order. Memory-backend-only inspection surface.
func (r *MemoryRepository) ListRoutingEvents() []*contracts.RoutingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*contracts.RoutingEvent, 0, len(r.routingEvents))
	for _, ev := range r.routingEvents {
		cp := *ev
		out = append(out, &cp)
	}
	return out
}

func (r *MemoryRepository) InsertArtifact(ctx context.Context, artifact *contracts.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *artifact
	r.artifacts = append(r.artifacts, &cp)
	return nil
}

func (r *MemoryRepository) UpsertCheckpoint(ctx context.Context, checkpoint *contracts.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *checkpoint
	r.checkpoints[checkpointKey(checkpoint.RunID, checkpoint.NodeID)] = &cp
	return nil
}

func (r *MemoryRepository) GetCheckpoint(ctx context.Context, runID, nodeID string) (*contracts.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.checkpoints[checkpointKey(runID, nodeID)]
	if !ok {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("checkpoint for run %q node %q not found", runID, nodeID)}
	}
	cp := *c
	return &cp, nil
}

var _ Repository = (*MemoryRepository)(nil)
