package aggregation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elspeth/elspeth/pkg/contracts"
)

type fakeBatchRecorder struct {
	transitions []contracts.BatchStatus
	reasons     []string
}

func (f *fakeBatchRecorder) UpdateBatchStatus(ctx context.Context, batchID string, status contracts.BatchStatus, triggerReason string) error {
	f.transitions = append(f.transitions, status)
	f.reasons = append(f.reasons, triggerReason)
	return nil
}

func sequentialBatchID(n *int) func() string {
	return func() string {
		*n++
		return "batch-x"
	}
}

func TestExecutor_CountTriggerFlushesAtThreshold(t *testing.T) {
	exec := NewExecutor(nil, nil)
	exec.RegisterTrigger("agg1", contracts.TriggerConfig{Type: contracts.TriggerTypeCount, Threshold: 3})

	var calls int
	newID := sequentialBatchID(&calls)

	for i := 0; i < 2; i++ {
		flush, _ := exec.BufferRow("agg1", TokenInfo{TokenID: "t", RowID: "r", RowData: map[string]interface{}{"i": i}}, newID)
		require.False(t, flush)
	}
	flush, _ := exec.BufferRow("agg1", TokenInfo{TokenID: "t3", RowID: "r3", RowData: map[string]interface{}{"i": 2}}, newID)
	require.True(t, flush)
	require.Equal(t, 3, exec.PendingCount("agg1"))
}

type passthroughAgg struct{}

func (passthroughAgg) Name() string                     { return "passthrough" }
func (passthroughAgg) PluginVersion() string            { return "1.0.0" }
func (passthroughAgg) Trigger() contracts.TriggerConfig { return contracts.TriggerConfig{} }
func (passthroughAgg) OutputMode() contracts.OutputMode { return contracts.OutputModePassthrough }
func (passthroughAgg) Process(ctx contracts.PluginContext, rows []map[string]interface{}) contracts.TransformResult {
	return contracts.SuccessMulti(rows)
}

func TestExecutor_ExecuteFlush_EmptiesBufferAndTransitionsBatch(t *testing.T) {
	rec := &fakeBatchRecorder{}
	exec := NewExecutor(rec, nil)
	exec.RegisterTrigger("agg1", contracts.TriggerConfig{Type: contracts.TriggerTypeCount, Threshold: 2})

	var calls int
	newID := sequentialBatchID(&calls)
	exec.BufferRow("agg1", TokenInfo{TokenID: "t1", RowID: "r1", RowData: map[string]interface{}{"i": 1}}, newID)
	exec.BufferRow("agg1", TokenInfo{TokenID: "t2", RowID: "r2", RowData: map[string]interface{}{"i": 2}}, newID)

	pctx := contracts.PluginContext{Context: context.Background()}
	result, toks, err := exec.ExecuteFlush(pctx, "agg1", passthroughAgg{}, "COUNT threshold reached")
	require.NoError(t, err)
	require.True(t, result.IsSuccess())
	require.Len(t, toks, 2)
	require.Equal(t, 0, exec.PendingCount("agg1"))
	require.Equal(t, []contracts.BatchStatus{contracts.BatchStatusTriggered, contracts.BatchStatusExecuting, contracts.BatchStatusCompleted}, rec.transitions)
	require.Equal(t, []string{"COUNT threshold reached", "COUNT threshold reached", ""}, rec.reasons)
}

func TestExecutor_ExecuteFlush_IncompleteRestorationGuard(t *testing.T) {
	exec := NewExecutor(nil, nil)
	exec.buffers["agg1"] = []map[string]interface{}{{"i": 1}, {"i": 2}}
	exec.tokens["agg1"] = []TokenInfo{{TokenID: "t1", RowID: "r1", RowData: map[string]interface{}{"i": 1}}}

	pctx := contracts.PluginContext{Context: context.Background()}
	_, _, err := exec.ExecuteFlush(pctx, "agg1", passthroughAgg{}, "")
	require.Error(t, err)
	var target *IncompleteRestorationError
	require.ErrorAs(t, err, &target)
}

func TestExecutor_CheckpointRoundTrip(t *testing.T) {
	exec := NewExecutor(nil, nil)
	var calls int
	newID := sequentialBatchID(&calls)
	exec.BufferRow("agg1", TokenInfo{TokenID: "t1", RowID: "r1", BranchName: "b", RowData: map[string]interface{}{"i": 1}}, newID)
	exec.BufferRow("agg1", TokenInfo{TokenID: "t2", RowID: "r2", RowData: map[string]interface{}{"i": 2}}, newID)

	data, err := exec.CheckpointState()
	require.NoError(t, err)

	restored := NewExecutor(nil, nil)
	require.NoError(t, restored.RestoreFromCheckpoint(data))
	require.Equal(t, 2, restored.PendingCount("agg1"))

	pctx := contracts.PluginContext{Context: context.Background()}
	result, toks, err := restored.ExecuteFlush(pctx, "agg1", passthroughAgg{}, "resume")
	require.NoError(t, err)
	require.True(t, result.IsSuccess())
	require.Equal(t, []TokenInfo{
		{TokenID: "t1", RowID: "r1", BranchName: "b", RowData: map[string]interface{}{"i": float64(1)}},
		{TokenID: "t2", RowID: "r2", RowData: map[string]interface{}{"i": float64(2)}},
	}, toks)
}

func TestExecutor_RestoreFromCheckpoint_RejectsLegacyFormat(t *testing.T) {
	legacy := map[string]interface{}{
		"agg1": map[string]interface{}{
			"rows":      []interface{}{map[string]interface{}{"i": 1}},
			"token_ids": []string{"t1"},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)

	exec := NewExecutor(nil, nil)
	err = exec.RestoreFromCheckpoint(data)
	require.Error(t, err)
	var target *InvalidCheckpointFormatError
	require.ErrorAs(t, err, &target)
	require.Equal(t, 0, exec.PendingCount("agg1"))
}

func TestExecutor_CheckpointState_EmptyWhenNoBuffers(t *testing.T) {
	exec := NewExecutor(nil, nil)
	data, err := exec.CheckpointState()
	require.NoError(t, err)
	require.Equal(t, "{}", string(data))
}
