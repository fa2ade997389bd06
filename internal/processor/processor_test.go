package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elspeth/elspeth/internal/aggregation"
	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/internal/graph"
	"github.com/elspeth/elspeth/internal/landscape"
	"github.com/elspeth/elspeth/pkg/contracts"
)

// buildGraph assembles a small execution graph with one sink named "out"
// via graph.FromConfig, returning the graph and the sink's generated node ID.
func buildGraph(t *testing.T, rowPlugins []config.RowPluginConfig, sinks map[string]config.SinkConfig) (*graph.ExecutionGraph, string) {
	t.Helper()
	if sinks == nil {
		sinks = map[string]config.SinkConfig{"out": {Plugin: "memory"}}
	}
	settings := &config.Settings{
		Datasource: config.DatasourceConfig{Plugin: "memory"},
		RowPlugins: rowPlugins,
		Sinks:      sinks,
		OutputSink: "out",
	}
	g, err := graph.FromConfig(settings)
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	return g, g.SinkIDMap()["out"]
}

type passthroughTransform struct {
	closed bool
}

func (t *passthroughTransform) Name() string { return "passthrough" }
func (t *passthroughTransform) Determinism() contracts.Determinism {
	return contracts.DeterminismDeterministic
}
func (t *passthroughTransform) PluginVersion() string { return "1.0.0" }
func (t *passthroughTransform) IsBatchAware() bool    { return false }
func (t *passthroughTransform) Process(ctx contracts.PluginContext, row map[string]interface{}) contracts.TransformResult {
	row["touched"] = true
	return contracts.Success(row)
}
func (t *passthroughTransform) Close() error { t.closed = true; return nil }

type failingTransform struct {
	category contracts.TransformErrorCategory
	attempts int
	failFor  int // how many attempts fail before succeeding; 0 means always fail
}

func (t *failingTransform) Name() string { return "failing" }
func (t *failingTransform) Determinism() contracts.Determinism {
	return contracts.DeterminismDeterministic
}
func (t *failingTransform) PluginVersion() string { return "1.0.0" }
func (t *failingTransform) IsBatchAware() bool    { return false }
func (t *failingTransform) Process(ctx contracts.PluginContext, row map[string]interface{}) contracts.TransformResult {
	t.attempts++
	if t.failFor > 0 && t.attempts > t.failFor {
		return contracts.Success(row)
	}
	return contracts.Failure(contracts.TransformErrorReason{Category: t.category, Message: "boom"})
}
func (t *failingTransform) Close() error { return nil }

type continueGate struct {
	label string
}

func (g *continueGate) Name() string                       { return "gate" }
func (g *continueGate) Determinism() contracts.Determinism { return contracts.DeterminismDeterministic }
func (g *continueGate) PluginVersion() string              { return "1.0.0" }
func (g *continueGate) Evaluate(ctx contracts.PluginContext, row map[string]interface{}) contracts.GateResult {
	if g.label == "" {
		return contracts.GateResult{Row: row, Action: contracts.ContinueAction()}
	}
	return contracts.GateResult{Row: row, Action: contracts.RouteAction(g.label, contracts.RoutingReason{})}
}
func (g *continueGate) Close() error { return nil }

type recordingSink struct {
	rows [][]map[string]interface{}
}

func (s *recordingSink) Name() string { return "memory" }
func (s *recordingSink) Write(ctx contracts.PluginContext, rows []map[string]interface{}) (contracts.ArtifactDescriptor, error) {
	s.rows = append(s.rows, rows)
	return contracts.ArtifactDescriptor{ArtifactType: "row", PathOrURI: "mem://sink", ContentHash: "hash", SizeBytes: 1}, nil
}
func (s *recordingSink) Close() error { return nil }

func newTestProcessor(t *testing.T, g *graph.ExecutionGraph, plugins PluginSet, outputSinkID string) (*Processor, *landscape.Recorder) {
	t.Helper()
	repo := landscape.NewMemoryRepository()
	rec := landscape.NewRecorder(repo)
	run, err := rec.BeginRun(context.Background(), "cfg-hash", "{}", "v1")
	require.NoError(t, err)

	agg := aggregation.NewExecutor(rec, nil)
	p := New(g, plugins, rec, nil, agg, DefaultRetryPolicy(), outputSinkID, nil, nil, nil)
	_ = run
	return p, rec
}

func pluginContext(runID string) contracts.PluginContext {
	return contracts.PluginContext{Context: context.Background(), RunID: runID}
}

func TestProcessor_TransformThenSink_CompletesRow(t *testing.T) {
	g, outSink := buildGraph(t, []config.RowPluginConfig{
		{Plugin: "passthrough", Type: config.RowPluginTransform},
	}, nil)
	transformID := g.TransformIDMap()[0]

	plugins := PluginSet{
		Transforms: map[string]contracts.Transform{transformID: &passthroughTransform{}},
		Sinks:      map[string]contracts.Sink{outSink: &recordingSink{}},
	}
	p, _ := newTestProcessor(t, g, plugins, outSink)

	pctx := pluginContext("run-1")
	row := &contracts.Row{RowID: "row-1"}
	outcome, err := p.ProcessRow(pctx, row, g.Source(), map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.Equal(t, contracts.RowOutcomeCompleted, outcome)

	sink := plugins.Sinks[outSink].(*recordingSink)
	require.Len(t, sink.rows, 1)
	require.Equal(t, true, sink.rows[0][0]["touched"])
}

func TestProcessor_RetryableFailure_SucceedsAfterRetries(t *testing.T) {
	g, outSink := buildGraph(t, []config.RowPluginConfig{
		{Plugin: "flaky", Type: config.RowPluginTransform},
	}, nil)
	transformID := g.TransformIDMap()[0]

	ft := &failingTransform{category: contracts.CategoryTransientNetwork, failFor: 2}
	plugins := PluginSet{
		Transforms: map[string]contracts.Transform{transformID: ft},
		Sinks:      map[string]contracts.Sink{outSink: &recordingSink{}},
	}
	p, _ := newTestProcessor(t, g, plugins, outSink)

	pctx := pluginContext("run-1")
	row := &contracts.Row{RowID: "row-1"}
	outcome, err := p.ProcessRow(pctx, row, g.Source(), map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.Equal(t, contracts.RowOutcomeCompleted, outcome)
	require.Equal(t, 3, ft.attempts)
}

func TestProcessor_NonRetryableFailure_FailsRowImmediately(t *testing.T) {
	g, outSink := buildGraph(t, []config.RowPluginConfig{
		{Plugin: "broken", Type: config.RowPluginTransform},
	}, nil)
	transformID := g.TransformIDMap()[0]

	ft := &failingTransform{category: contracts.CategoryValidation}
	plugins := PluginSet{
		Transforms: map[string]contracts.Transform{transformID: ft},
		Sinks:      map[string]contracts.Sink{outSink: &recordingSink{}},
	}
	p, _ := newTestProcessor(t, g, plugins, outSink)

	pctx := pluginContext("run-1")
	row := &contracts.Row{RowID: "row-1"}
	outcome, err := p.ProcessRow(pctx, row, g.Source(), map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.Equal(t, contracts.RowOutcomeFailed, outcome)
	require.Equal(t, 1, ft.attempts)
}

func TestProcessor_GateRoute_SendsRowToRoutedSink(t *testing.T) {
	g, outSink := buildGraph(t, []config.RowPluginConfig{
		{Plugin: "gate", Type: config.RowPluginGate, Routes: map[string]string{"quarantine": "quarantine"}},
	}, map[string]config.SinkConfig{
		"out":        {Plugin: "memory"},
		"quarantine": {Plugin: "memory"},
	})
	gateID := g.TransformIDMap()[0]
	quarantineSinkID := g.SinkIDMap()["quarantine"]
	outSinkPlugin := g.SinkIDMap()["out"]

	plugins := PluginSet{
		Gates: map[string]contracts.Gate{gateID: &continueGate{label: "quarantine"}},
		Sinks: map[string]contracts.Sink{
			outSinkPlugin:    &recordingSink{},
			quarantineSinkID: &recordingSink{},
		},
	}
	p, _ := newTestProcessor(t, g, plugins, outSink)

	pctx := pluginContext("run-1")
	row := &contracts.Row{RowID: "row-1"}
	outcome, err := p.ProcessRow(pctx, row, g.Source(), map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.Equal(t, contracts.RowOutcomeRouted, outcome)

	quarantineSink := plugins.Sinks[quarantineSinkID].(*recordingSink)
	require.Len(t, quarantineSink.rows, 1)
	outSinkDouble := plugins.Sinks[outSinkPlugin].(*recordingSink)
	require.Empty(t, outSinkDouble.rows)
}

func TestProcessor_Aggregation_BuffersUntilCountThreshold(t *testing.T) {
	g, outSink := buildGraph(t, []config.RowPluginConfig{
		{Plugin: "batcher", Type: config.RowPluginAggregation},
	}, nil)
	aggID := g.TransformIDMap()[0]

	agg := &countAgg{threshold: 2}
	plugins := PluginSet{
		Aggregations: map[string]contracts.Aggregation{aggID: agg},
		Sinks:        map[string]contracts.Sink{outSink: &recordingSink{}},
	}
	p, _ := newTestProcessor(t, g, plugins, outSink)
	p.agg.RegisterTrigger(aggID, contracts.TriggerConfig{Type: contracts.TriggerTypeCount, Threshold: 2})

	pctx := pluginContext("run-1")

	row1 := &contracts.Row{RowID: "row-1"}
	outcome, err := p.ProcessRow(pctx, row1, g.Source(), map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.Equal(t, contracts.RowOutcomeDiscarded, outcome)

	row2 := &contracts.Row{RowID: "row-2"}
	outcome, err = p.ProcessRow(pctx, row2, g.Source(), map[string]interface{}{"v": 2})
	require.NoError(t, err)
	require.Equal(t, contracts.RowOutcomeCompleted, outcome)

	sink := plugins.Sinks[outSink].(*recordingSink)
	require.Len(t, sink.rows, 2)
}

func TestProcessor_FlushAggregation_AtEndOfSource(t *testing.T) {
	g, outSink := buildGraph(t, []config.RowPluginConfig{
		{Plugin: "batcher", Type: config.RowPluginAggregation},
	}, nil)
	aggID := g.TransformIDMap()[0]

	agg := &countAgg{threshold: 10}
	plugins := PluginSet{
		Aggregations: map[string]contracts.Aggregation{aggID: agg},
		Sinks:        map[string]contracts.Sink{outSink: &recordingSink{}},
	}
	p, _ := newTestProcessor(t, g, plugins, outSink)
	p.agg.RegisterTrigger(aggID, contracts.TriggerConfig{Type: contracts.TriggerTypeEndOfSource})

	pctx := pluginContext("run-1")
	row1 := &contracts.Row{RowID: "row-1"}
	outcome, err := p.ProcessRow(pctx, row1, g.Source(), map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.Equal(t, contracts.RowOutcomeDiscarded, outcome)

	outcome, err = p.FlushAggregation(pctx, aggID, "END_OF_SOURCE")
	require.NoError(t, err)
	require.Equal(t, contracts.RowOutcomeCompleted, outcome)

	sink := plugins.Sinks[outSink].(*recordingSink)
	require.Len(t, sink.rows, 1)
}

type countAgg struct {
	threshold int
}

func (a *countAgg) Name() string          { return "batcher" }
func (a *countAgg) PluginVersion() string { return "1.0.0" }
func (a *countAgg) Trigger() contracts.TriggerConfig {
	return contracts.TriggerConfig{Type: contracts.TriggerTypeCount, Threshold: a.threshold}
}
func (a *countAgg) OutputMode() contracts.OutputMode { return contracts.OutputModePassthrough }
func (a *countAgg) Process(ctx contracts.PluginContext, rows []map[string]interface{}) contracts.TransformResult {
	return contracts.SuccessMulti(rows)
}

func TestProcessor_GateRouteToContinueLabel_CompletesRow(t *testing.T) {
	g, outSink := buildGraph(t, []config.RowPluginConfig{
		{Plugin: "gate", Type: config.RowPluginGate, Routes: map[string]string{"ok": "continue"}},
	}, nil)
	gateID := g.TransformIDMap()[0]

	plugins := PluginSet{
		Gates: map[string]contracts.Gate{gateID: &continueGate{label: "ok"}},
		Sinks: map[string]contracts.Sink{outSink: &recordingSink{}},
	}
	p, _ := newTestProcessor(t, g, plugins, outSink)

	pctx := pluginContext("run-1")
	row := &contracts.Row{RowID: "row-1"}
	outcome, err := p.ProcessRow(pctx, row, g.Source(), map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.Equal(t, contracts.RowOutcomeCompleted, outcome)

	sink := plugins.Sinks[outSink].(*recordingSink)
	require.Len(t, sink.rows, 1)
}
