package landscape

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth/elspeth/pkg/codec"
	"github.com/elspeth/elspeth/pkg/contracts"
)

// Recorder is the single write surface for the audit trail. It never
// exposes the Repository directly so every caller goes through the
// invariant checks named here (edge label uniqueness, batch transition
// legality, terminal-status idempotence).
type Recorder struct {
	repo Repository
}

// NewRecorder wraps repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

// BeginRun creates the Run record that owns every downstream audit row.
func (r *Recorder) BeginRun(ctx context.Context, configHash, settingsJSON, canonicalVersion string) (*contracts.Run, error) {
	run := &contracts.Run{
		RunID:            uuid.NewString(),
		StartedAt:        time.Now().UTC(),
		ConfigHash:       configHash,
		SettingsJSON:     settingsJSON,
		CanonicalVersion: canonicalVersion,
		Status:           contracts.RunStatusRunning,
	}
	if err := r.repo.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("landscape: begin run: %w", err)
	}
	return run, nil
}

// ContractSnapshot is the narrow view of a schema contract this package
// needs to persist one: its stable version hash and its canonical map form.
// *schema.SchemaContract satisfies it without this package importing
// pkg/schema (which would invert the leaf-first dependency order).
type ContractSnapshot interface {
	VersionHash() (string, error)
	CanonicalMap() map[string]interface{}
}

// UpdateRunContract sets the run's schema contract, usually after the
// contract locks on the first row.
func (r *Recorder) UpdateRunContract(ctx context.Context, runID string, contract ContractSnapshot) error {
	hash, err := contract.VersionHash()
	if err != nil {
		return fmt.Errorf("landscape: compute contract version hash: %w", err)
	}
	contractBytes, err := codec.CanonicalBytes(contract.CanonicalMap())
	if err != nil {
		return fmt.Errorf("landscape: encode contract: %w", err)
	}
	return r.repo.UpdateRunSchemaContract(ctx, runID, string(contractBytes), hash)
}

// RegisterNode records one plugin instance within the run.
func (r *Recorder) RegisterNode(ctx context.Context, node *contracts.Node) error {
	if node.NodeID == "" {
		node.NodeID = uuid.NewString()
	}
	node.RegisteredAt = time.Now().UTC()
	if err := r.repo.InsertNode(ctx, node); err != nil {
		return fmt.Errorf("landscape: register node: %w", err)
	}
	return nil
}

// RegisterEdge records an edge; duplicate (from, label) pairs are rejected
// by the backing repository as an AuditIntegrityError.
func (r *Recorder) RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label string, mode contracts.RoutingMode) (*contracts.Edge, error) {
	edge := &contracts.Edge{
		EdgeID:      uuid.NewString(),
		RunID:       runID,
		FromNodeID:  fromNodeID,
		ToNodeID:    toNodeID,
		Label:       label,
		DefaultMode: mode,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.repo.InsertEdge(ctx, edge); err != nil {
		return nil, err
	}
	return edge, nil
}

// CreateRow records one ingested source record.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, sourceDataHash, sourceDataRef string) (*contracts.Row, error) {
	row := &contracts.Row{
		RowID:          uuid.NewString(),
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: sourceDataHash,
		SourceDataRef:  sourceDataRef,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.repo.InsertRow(ctx, row); err != nil {
		return nil, fmt.Errorf("landscape: create row: %w", err)
	}
	return row, nil
}

// CreateToken records one token for a row, optionally with parents
// (fork/join/expand ancestry).
func (r *Recorder) CreateToken(ctx context.Context, rowID string, step int, branchName string, parents []contracts.TokenParent) (*contracts.Token, error) {
	token := &contracts.Token{
		TokenID:        uuid.NewString(),
		RowID:          rowID,
		BranchName:     branchName,
		StepInPipeline: step,
		CreatedAt:      time.Now().UTC(),
		Parents:        parents,
	}
	if err := r.repo.InsertToken(ctx, token); err != nil {
		return nil, fmt.Errorf("landscape: create token: %w", err)
	}
	return token, nil
}

// BeginNodeState opens a node_state in the OPEN status.
func (r *Recorder) BeginNodeState(ctx context.Context, tokenID, nodeID string, step, attempt int, inputHash, inputDataRef string) (string, error) {
	stateID := uuid.NewString()
	state := &contracts.NodeState{
		StateID:      stateID,
		TokenID:      tokenID,
		NodeID:       nodeID,
		StepIndex:    step,
		Attempt:      attempt,
		Status:       contracts.NodeStateOpen,
		InputHash:    inputHash,
		InputDataRef: inputDataRef,
		StartedAt:    time.Now().UTC(),
	}
	if err := r.repo.InsertNodeState(ctx, state); err != nil {
		return "", fmt.Errorf("landscape: begin node state: %w", err)
	}
	return stateID, nil
}

// CompleteNodeState transitions a node_state OPEN -> COMPLETED.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID, outputHash, outputDataRef, contextBeforeJSON, contextAfterJSON string, duration time.Duration) error {
	state, err := r.repo.GetNodeState(ctx, stateID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ms := duration.Milliseconds()
	state.Status = contracts.NodeStateCompleted
	state.OutputHash = outputHash
	state.OutputDataRef = outputDataRef
	state.ContextBeforeJSON = contextBeforeJSON
	state.ContextAfterJSON = contextAfterJSON
	state.CompletedAt = &now
	state.DurationMS = &ms
	if err := r.repo.UpdateNodeState(ctx, state); err != nil {
		return fmt.Errorf("landscape: complete node state: %w", err)
	}
	return nil
}

// FailNodeState transitions a node_state OPEN -> FAILED.
func (r *Recorder) FailNodeState(ctx context.Context, stateID, errorJSON string, duration time.Duration) error {
	state, err := r.repo.GetNodeState(ctx, stateID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ms := duration.Milliseconds()
	state.Status = contracts.NodeStateFailed
	state.ErrorJSON = errorJSON
	state.CompletedAt = &now
	state.DurationMS = &ms
	if err := r.repo.UpdateNodeState(ctx, state); err != nil {
		return fmt.Errorf("landscape: fail node state: %w", err)
	}
	return nil
}

// RecordCall records one external call made inside a node state.
func (r *Recorder) RecordCall(ctx context.Context, stateID string, callIndex int, callType contracts.CallType, status contracts.CallStatus, requestHash, requestRef string) (*contracts.Call, error) {
	call := &contracts.Call{
		CallID:      uuid.NewString(),
		StateID:     stateID,
		CallIndex:   callIndex,
		CallType:    callType,
		Status:      status,
		RequestHash: requestHash,
		RequestRef:  requestRef,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.repo.InsertCall(ctx, call); err != nil {
		return nil, fmt.Errorf("landscape: record call: %w", err)
	}
	return call, nil
}

// RecordRoutingEvent records a single routing decision.
func (r *Recorder) RecordRoutingEvent(ctx context.Context, stateID, edgeID string, mode contracts.RoutingMode, reasonHash, reasonRef string) (*contracts.RoutingEvent, error) {
	event := &contracts.RoutingEvent{
		EventID:    uuid.NewString(),
		StateID:    stateID,
		EdgeID:     edgeID,
		Ordinal:    0,
		Mode:       mode,
		ReasonHash: reasonHash,
		ReasonRef:  reasonRef,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.repo.InsertRoutingEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("landscape: record routing event: %w", err)
	}
	return event, nil
}

// RouteTarget names one edge/reason pair for a multi-route emission.
type RouteTarget struct {
	EdgeID     string
	ReasonHash string
	ReasonRef  string
}

// RecordRoutingEvents records every route of a fork atomically under one
// routing_group_id, ordered by their position in routes.
func (r *Recorder) RecordRoutingEvents(ctx context.Context, stateID string, routes []RouteTarget, mode contracts.RoutingMode) ([]*contracts.RoutingEvent, error) {
	groupID := uuid.NewString()
	now := time.Now().UTC()
	events := make([]*contracts.RoutingEvent, 0, len(routes))
	for i, route := range routes {
		event := &contracts.RoutingEvent{
			EventID:        uuid.NewString(),
			StateID:        stateID,
			EdgeID:         route.EdgeID,
			RoutingGroupID: groupID,
			Ordinal:        i,
			Mode:           mode,
			ReasonHash:     route.ReasonHash,
			ReasonRef:      route.ReasonRef,
			CreatedAt:      now,
		}
		if err := r.repo.InsertRoutingEvent(ctx, event); err != nil {
			return nil, fmt.Errorf("landscape: record routing events: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// CreateBatch opens a new batch in OPEN status.
func (r *Recorder) CreateBatch(ctx context.Context, runID, aggregationNodeID string, attempt int) (*contracts.Batch, error) {
	batch := &contracts.Batch{
		BatchID:           uuid.NewString(),
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Attempt:           attempt,
		Status:            contracts.BatchStatusOpen,
		CreatedAt:         time.Now().UTC(),
	}
	if err := r.repo.InsertBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("landscape: create batch: %w", err)
	}
	return batch, nil
}

// UpdateBatchStatus transitions a batch, rejecting illegal transitions.
// triggerReason, when non-empty, is persisted onto batches.trigger_reason —
// normally supplied on the TRIGGERED/EXECUTING transitions and left empty
// for the terminal one.
func (r *Recorder) UpdateBatchStatus(ctx context.Context, batchID string, status contracts.BatchStatus, triggerReason string) error {
	if err := r.repo.UpdateBatchStatus(ctx, batchID, status, triggerReason); err != nil {
		return err
	}
	return nil
}

// RecordBatchMember appends one consumed token to a batch.
func (r *Recorder) RecordBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	return r.repo.InsertBatchMember(ctx, &contracts.BatchMember{BatchID: batchID, TokenID: tokenID, Ordinal: ordinal})
}

// RecordBatchOutput records one output (token or artifact) of a batch flush.
func (r *Recorder) RecordBatchOutput(ctx context.Context, batchID, outputType, outputID string) error {
	return r.repo.InsertBatchOutput(ctx, &contracts.BatchOutput{BatchID: batchID, OutputType: outputType, OutputID: outputID})
}

// RecordValidationError records a schema-contract violation found on a
// source row.
func (r *Recorder) RecordValidationError(ctx context.Context, ve *contracts.ValidationError) error {
	if ve.ErrorID == "" {
		ve.ErrorID = uuid.NewString()
	}
	ve.CreatedAt = time.Now().UTC()
	if err := r.repo.InsertValidationError(ctx, ve); err != nil {
		return fmt.Errorf("landscape: record validation error: %w", err)
	}
	return nil
}

// RecordArtifact records one sink's terminal output for a token.
func (r *Recorder) RecordArtifact(ctx context.Context, runID, producedByState, sinkNodeID string, descriptor contracts.ArtifactDescriptor) (*contracts.Artifact, error) {
	artifact := &contracts.Artifact{
		ArtifactID:      uuid.NewString(),
		RunID:           runID,
		ProducedByState: producedByState,
		SinkNodeID:      sinkNodeID,
		ArtifactType:    descriptor.ArtifactType,
		PathOrURI:       descriptor.PathOrURI,
		ContentHash:     descriptor.ContentHash,
		SizeBytes:       descriptor.SizeBytes,
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.repo.InsertArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("landscape: record artifact: %w", err)
	}
	return artifact, nil
}

// SetExportStatus updates a run's export bookkeeping fields.
func (r *Recorder) SetExportStatus(ctx context.Context, runID string, status contracts.ExportStatus, exportErr, format, sink string) error {
	if err := r.repo.UpdateRunExport(ctx, runID, status, exportErr, time.Now().UTC(), format, sink); err != nil {
		return fmt.Errorf("landscape: set export status: %w", err)
	}
	return nil
}

// CompleteRun transitions a run to a terminal status. Re-emitting the same
// terminal status is idempotent; conflicting with an existing different
// terminal status returns ErrTerminalStatusConflict.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status contracts.RunStatus) error {
	run, err := r.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == status {
		return nil
	}
	if isTerminalRunStatus(run.Status) {
		return ErrTerminalStatusConflict
	}
	if err := r.repo.UpdateRunStatus(ctx, runID, status); err != nil {
		return fmt.Errorf("landscape: complete run: %w", err)
	}
	return nil
}

// RecordCheckpoint upserts the audit-side checkpoint row for one
// aggregation node. This is the durable record of
// aggregation.Executor.CheckpointState, keyed by (run_id, node_id); it is
// distinct from internal/checkpoint's local bbolt blob, which exists only
// for the --dry-run path with no landscape backend configured.
func (r *Recorder) RecordCheckpoint(ctx context.Context, runID, tokenID, nodeID string, sequenceNumber int64, aggregationStateJSON string) error {
	checkpoint := &contracts.Checkpoint{
		CheckpointID:         uuid.NewString(),
		RunID:                runID,
		TokenID:              tokenID,
		NodeID:               nodeID,
		SequenceNumber:       sequenceNumber,
		CreatedAt:            time.Now().UTC(),
		AggregationStateJSON: aggregationStateJSON,
	}
	if err := r.repo.UpsertCheckpoint(ctx, checkpoint); err != nil {
		return fmt.Errorf("landscape: record checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves the last recorded checkpoint for a node in a run.
func (r *Recorder) GetCheckpoint(ctx context.Context, runID, nodeID string) (*contracts.Checkpoint, error) {
	return r.repo.GetCheckpoint(ctx, runID, nodeID)
}

// ExplainRow resolves a row's lineage (scenario S4): its source hash, whether
// its payload is available, and the payload bytes when they are.
func (r *Recorder) ExplainRow(ctx context.Context, rowID string, store interface {
	ExplainErr(ctx context.Context, ref string) (contracts.RowDataResult, error)
}) (*contracts.RowLineage, error) {
	row, err := r.repo.GetRow(ctx, rowID)
	if err != nil {
		return nil, err
	}
	result, err := store.ExplainErr(ctx, row.SourceDataRef)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain row %s: %w", rowID, err)
	}
	lineage := &contracts.RowLineage{
		RowID:            rowID,
		SourceDataHash:   row.SourceDataHash,
		PayloadAvailable: result.State == contracts.RowDataAvailable,
	}
	if result.State == contracts.RowDataAvailable {
		lineage.SourceData = result.Data
	}
	return lineage, nil
}

func isTerminalRunStatus(s contracts.RunStatus) bool {
	switch s {
	case contracts.RunStatusCompleted, contracts.RunStatusFailed:
		return true
	default:
		return false
	}
}
