package landscape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elspeth/elspeth/pkg/contracts"
	"github.com/elspeth/elspeth/pkg/payloadstore"
	"github.com/elspeth/elspeth/pkg/schema"
)

func newTestRecorder(t *testing.T) (*Recorder, *MemoryRepository, *contracts.Run) {
	t.Helper()
	repo := NewMemoryRepository()
	rec := NewRecorder(repo)
	run, err := rec.BeginRun(context.Background(), "cfg-hash", "{}", "v1")
	require.NoError(t, err)
	return rec, repo, run
}

func TestRegisterEdgeRejectsDuplicateLabel(t *testing.T) {
	rec, _, run := newTestRecorder(t)
	ctx := context.Background()

	_, err := rec.RegisterEdge(ctx, run.RunID, "n1", "n2", "continue", contracts.RoutingModeMove)
	require.NoError(t, err)

	_, err = rec.RegisterEdge(ctx, run.RunID, "n1", "n3", "continue", contracts.RoutingModeMove)
	require.Error(t, err)
	var integrity *AuditIntegrityError
	require.ErrorAs(t, err, &integrity)
}

func TestCompleteRunIdempotentInSameTerminalState(t *testing.T) {
	rec, repo, run := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, rec.CompleteRun(ctx, run.RunID, contracts.RunStatusCompleted))
	require.NoError(t, rec.CompleteRun(ctx, run.RunID, contracts.RunStatusCompleted))

	err := rec.CompleteRun(ctx, run.RunID, contracts.RunStatusFailed)
	require.ErrorIs(t, err, ErrTerminalStatusConflict)

	stored, err := repo.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, contracts.RunStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestNodeStateTransitionsOnceOpenToCompleted(t *testing.T) {
	rec, repo, run := newTestRecorder(t)
	ctx := context.Background()

	row, err := rec.CreateRow(ctx, run.RunID, "source-node", 0, "hash", "")
	require.NoError(t, err)
	token, err := rec.CreateToken(ctx, row.RowID, 0, "", nil)
	require.NoError(t, err)

	stateID, err := rec.BeginNodeState(ctx, token.TokenID, "node-1", 0, 1, "input-hash", "")
	require.NoError(t, err)

	state, err := repo.GetNodeState(ctx, stateID)
	require.NoError(t, err)
	require.Equal(t, contracts.NodeStateOpen, state.Status)

	require.NoError(t, rec.CompleteNodeState(ctx, stateID, "output-hash", "", "", "", 0))
	state, err = repo.GetNodeState(ctx, stateID)
	require.NoError(t, err)
	require.Equal(t, contracts.NodeStateCompleted, state.Status)
	require.NotNil(t, state.CompletedAt)
	require.Equal(t, "output-hash", state.OutputHash)
}

func TestRecordRoutingEventsSharesGroupAndOrdinals(t *testing.T) {
	rec, repo, _ := newTestRecorder(t)
	ctx := context.Background()

	events, err := rec.RecordRoutingEvents(ctx, "state-1", []RouteTarget{
		{EdgeID: "edge-a"},
		{EdgeID: "edge-b"},
		{EdgeID: "edge-c"},
	}, contracts.RoutingModeCopy)
	require.NoError(t, err)
	require.Len(t, events, 3)

	group := events[0].RoutingGroupID
	require.NotEmpty(t, group)
	for i, ev := range events {
		require.Equal(t, group, ev.RoutingGroupID)
		require.Equal(t, i, ev.Ordinal)
		require.Equal(t, contracts.RoutingModeCopy, ev.Mode)
	}

	stored := repo.ListRoutingEvents()
	require.Len(t, stored, 3)
}

func TestBatchTransitionLegality(t *testing.T) {
	rec, repo, run := newTestRecorder(t)
	ctx := context.Background()

	batch, err := rec.CreateBatch(ctx, run.RunID, "agg-node", 1)
	require.NoError(t, err)
	require.Equal(t, contracts.BatchStatusOpen, batch.Status)

	// skipping TRIGGERED is illegal
	err = rec.UpdateBatchStatus(ctx, batch.BatchID, contracts.BatchStatusExecuting, "")
	require.Error(t, err)

	require.NoError(t, rec.UpdateBatchStatus(ctx, batch.BatchID, contracts.BatchStatusTriggered, "COUNT threshold reached"))
	require.NoError(t, rec.UpdateBatchStatus(ctx, batch.BatchID, contracts.BatchStatusExecuting, "COUNT threshold reached"))
	require.NoError(t, rec.UpdateBatchStatus(ctx, batch.BatchID, contracts.BatchStatusCompleted, ""))

	stored, err := repo.GetBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	require.Equal(t, contracts.BatchStatusCompleted, stored.Status)
	require.Equal(t, "COUNT threshold reached", stored.TriggerReason)

	err = rec.UpdateBatchStatus(ctx, batch.BatchID, contracts.BatchStatusFailed, "")
	require.Error(t, err, "terminal batch status must never transition again")
}

func TestUpdateRunContractStoresJSONAndHash(t *testing.T) {
	rec, repo, run := newTestRecorder(t)
	ctx := context.Background()

	contract := &schema.SchemaContract{
		Mode:   schema.ModeObserved,
		Locked: true,
		Fields: []schema.FieldContract{
			{NormalizedName: "id", OriginalName: "id", GoType: "int64", Required: true, Source: schema.SourceInferred},
		},
	}
	require.NoError(t, rec.UpdateRunContract(ctx, run.RunID, contract))

	stored, err := repo.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.SchemaContractJSON)

	wantHash, err := contract.VersionHash()
	require.NoError(t, err)
	require.Equal(t, wantHash, stored.SchemaContractHash)
}

// TestExplainRowPurgedPayload mirrors scenario S4: the row's payload ref
// exists but the store reports it gone; lineage carries the hash, no bytes.
func TestExplainRowPurgedPayload(t *testing.T) {
	rec, _, run := newTestRecorder(t)
	ctx := context.Background()

	backend := payloadstore.NewMemoryStore()
	ref, err := backend.Store(ctx, []byte("source row payload"))
	require.NoError(t, err)

	row, err := rec.CreateRow(ctx, run.RunID, "source-node", 0, "source-hash", ref)
	require.NoError(t, err)

	backend.Purge(ref)
	retention := payloadstore.NewRetentionStore(backend)

	lineage, err := rec.ExplainRow(ctx, row.RowID, retention)
	require.NoError(t, err)
	require.False(t, lineage.PayloadAvailable)
	require.Nil(t, lineage.SourceData)
	require.Equal(t, "source-hash", lineage.SourceDataHash)
}

func TestExplainRowAvailablePayload(t *testing.T) {
	rec, _, run := newTestRecorder(t)
	ctx := context.Background()

	backend := payloadstore.NewMemoryStore()
	data := []byte("source row payload")
	ref, err := backend.Store(ctx, data)
	require.NoError(t, err)

	row, err := rec.CreateRow(ctx, run.RunID, "source-node", 0, "source-hash", ref)
	require.NoError(t, err)

	lineage, err := rec.ExplainRow(ctx, row.RowID, payloadstore.NewRetentionStore(backend))
	require.NoError(t, err)
	require.True(t, lineage.PayloadAvailable)
	require.Equal(t, data, lineage.SourceData)
}

func TestSetExportStatusUpdatesRunRow(t *testing.T) {
	rec, repo, run := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, rec.SetExportStatus(ctx, run.RunID, contracts.ExportStatusCompleted, "", "jsonl", "archive"))

	stored, err := repo.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExportStatus)
	require.Equal(t, contracts.ExportStatusCompleted, *stored.ExportStatus)
	require.Equal(t, "jsonl", stored.ExportFormat)
	require.Equal(t, "archive", stored.ExportSink)
	require.NotNil(t, stored.ExportedAt)
}
