// Package landscape is the tamper-evident audit store: a Recorder exposes
// the append-only write API described by the audit schema, and a
// Repository interface abstracts the backing store (PostgreSQL via pgx in
// production, an in-memory implementation for tests and dry runs).
//
// Reads return strict contract records; any row whose enum column holds a
// value outside the known vocabulary is an audit-integrity violation, not
// a soft-parse default, and is reported as an AuditIntegrityError.
package landscape

import (
	"context"
	"fmt"
	"time"

	"github.com/elspeth/elspeth/pkg/contracts"
)

// AuditIntegrityError wraps a violation serious enough that the caller
// should treat the whole audit trail as untrustworthy: an unknown enum
// variant read back from storage, a broken foreign-key invariant, or a
// terminal-status conflict on CompleteRun.
type AuditIntegrityError struct {
	Reason string
	Cause  error
}

func (e *AuditIntegrityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("landscape: audit integrity violation: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("landscape: audit integrity violation: %s", e.Reason)
}

func (e *AuditIntegrityError) Unwrap() error { return e.Cause }

// ErrTerminalStatusConflict is returned by CompleteRun when a run already
// holds a different terminal status. Re-emitting the SAME terminal status
// is treated as idempotent and returns no error.
var ErrTerminalStatusConflict = &AuditIntegrityError{Reason: "run already holds a different terminal status"}

// Repository is the storage-facing interface the Recorder drives. One
// concrete implementation (PostgresRepository) is backed by pgx/v5 and
// pgxpool; MemoryRepository backs tests and --dry-run local execution.
type Repository interface {
	InsertRun(ctx context.Context, run *contracts.Run) error
	UpdateRunSchemaContract(ctx context.Context, runID, contractJSON, contractHash string) error
	UpdateRunStatus(ctx context.Context, runID string, status contracts.RunStatus) error
	UpdateRunExport(ctx context.Context, runID string, status contracts.ExportStatus, exportErr string, exportedAt time.Time, format, sink string) error
	GetRun(ctx context.Context, runID string) (*contracts.Run, error)

	InsertNode(ctx context.Context, node *contracts.Node) error
	GetNode(ctx context.Context, nodeID string) (*contracts.Node, error)

	InsertEdge(ctx context.Context, edge *contracts.Edge) error
	EdgeExists(ctx context.Context, runID, fromNodeID, label string) (bool, error)
	ListEdges(ctx context.Context, runID string) ([]*contracts.Edge, error)

	InsertRow(ctx context.Context, row *contracts.Row) error
	GetRow(ctx context.Context, rowID string) (*contracts.Row, error)

	InsertToken(ctx context.Context, token *contracts.Token) error
	GetToken(ctx context.Context, tokenID string) (*contracts.Token, error)

	InsertNodeState(ctx context.Context, state *contracts.NodeState) error
	UpdateNodeState(ctx context.Context, state *contracts.NodeState) error
	GetNodeState(ctx context.Context, stateID string) (*contracts.NodeState, error)

	InsertCall(ctx context.Context, call *contracts.Call) error

	InsertRoutingEvent(ctx context.Context, event *contracts.RoutingEvent) error

	InsertBatch(ctx context.Context, batch *contracts.Batch) error
	UpdateBatchStatus(ctx context.Context, batchID string, status contracts.BatchStatus, triggerReason string) error
	GetBatch(ctx context.Context, batchID string) (*contracts.Batch, error)
	InsertBatchMember(ctx context.Context, member *contracts.BatchMember) error
	InsertBatchOutput(ctx context.Context, output *contracts.BatchOutput) error

	InsertValidationError(ctx context.Context, ve *contracts.ValidationError) error

	InsertArtifact(ctx context.Context, artifact *contracts.Artifact) error

	UpsertCheckpoint(ctx context.Context, checkpoint *contracts.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID, nodeID string) (*contracts.Checkpoint, error)
}
