package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/internal/elspethlog"
	"github.com/elspeth/elspeth/internal/export"
	"github.com/elspeth/elspeth/internal/graph"
	"github.com/elspeth/elspeth/internal/landscape"
	"github.com/elspeth/elspeth/internal/processor"
	"github.com/elspeth/elspeth/pkg/contracts"
	"github.com/elspeth/elspeth/pkg/payloadstore"
	"github.com/elspeth/elspeth/pkg/schema"
)

// memorySource replays a fixed slice of rows, matching the shape of the
// teacher's simplest fixture sources: a closed channel signals completion.
type memorySource struct {
	rows []map[string]interface{}
}

func (s *memorySource) Load(ctx context.Context) (<-chan map[string]interface{}, <-chan error) {
	rowsCh := make(chan map[string]interface{}, len(s.rows))
	errCh := make(chan error)
	for _, r := range s.rows {
		rowsCh <- r
	}
	close(rowsCh)
	close(errCh)
	return rowsCh, errCh
}

func (s *memorySource) SchemaContract() interface{} { return nil }

type sentimentGate struct{}

func (g *sentimentGate) Name() string { return "sentiment_gate" }
func (g *sentimentGate) Determinism() contracts.Determinism {
	return contracts.DeterminismDeterministic
}
func (g *sentimentGate) PluginVersion() string { return "1.0.0" }
func (g *sentimentGate) Close() error          { return nil }
func (g *sentimentGate) Evaluate(ctx contracts.PluginContext, row map[string]interface{}) contracts.GateResult {
	text, _ := row["text"].(string)
	switch text {
	case "love":
		return contracts.GateResult{Row: row, Action: contracts.RouteAction("positive", contracts.RoutingReason{})}
	case "hate":
		return contracts.GateResult{Row: row, Action: contracts.RouteAction("negative", contracts.RoutingReason{})}
	default:
		return contracts.GateResult{Row: row, Action: contracts.ContinueAction()}
	}
}

type recordingSink struct {
	rows []map[string]interface{}
}

func (s *recordingSink) Name() string { return "sink" }
func (s *recordingSink) Write(ctx contracts.PluginContext, rows []map[string]interface{}) (contracts.ArtifactDescriptor, error) {
	s.rows = append(s.rows, rows...)
	return contracts.ArtifactDescriptor{ArtifactType: "test", PathOrURI: "memory://sink"}, nil
}
func (s *recordingSink) Close() error { return nil }

// TestGateRoutingFork mirrors scenario S1: two rows land in distinct routed
// sinks via a single gate, and the default sink stays empty.
func TestGateRoutingFork(t *testing.T) {
	settings := &config.Settings{
		Datasource: config.DatasourceConfig{Plugin: "memory"},
		RowPlugins: []config.RowPluginConfig{
			{
				Plugin: "sentiment_gate",
				Type:   config.RowPluginGate,
				Routes: map[string]string{"positive": "praise_sink", "negative": "review_sink"},
			},
		},
		Sinks: map[string]config.SinkConfig{
			"praise_sink":  {Plugin: "memory"},
			"review_sink":  {Plugin: "memory"},
			"archive_sink": {Plugin: "memory"},
		},
		OutputSink: "archive_sink",
	}

	g, err := graph.FromConfig(settings)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	gateID := g.TransformIDMap()[0]
	praiseSinkID := g.SinkIDMap()["praise_sink"]
	reviewSinkID := g.SinkIDMap()["review_sink"]
	archiveSinkID := g.SinkIDMap()["archive_sink"]

	praiseSink := &recordingSink{}
	reviewSink := &recordingSink{}
	archiveSink := &recordingSink{}

	build := &Build{
		Graph:    g,
		Settings: settings,
		Source: &memorySource{rows: []map[string]interface{}{
			{"id": int64(1), "text": "love"},
			{"id": int64(2), "text": "hate"},
		}},
		Plugins: processor.PluginSet{
			Gates: map[string]contracts.Gate{gateID: &sentimentGate{}},
			Sinks: map[string]contracts.Sink{
				praiseSinkID:  praiseSink,
				reviewSinkID:  reviewSink,
				archiveSinkID: archiveSink,
			},
		},
		Meta: map[string]NodeMeta{
			gateID: {Determinism: contracts.DeterminismDeterministic, Version: "1.0.0"},
		},
	}

	repo := landscape.NewMemoryRepository()
	recorder := landscape.NewRecorder(repo)
	payloads := payloadstore.NewMemoryStore()
	logger := elspethlog.NewContextLogger(elspethlog.New(elspethlog.Config{}), nil)

	orch := New(build, recorder, payloads, nil, logger, "test-v1")
	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, contracts.RunStatusCompleted, result.Run.Status)

	require.Len(t, praiseSink.rows, 1)
	require.Len(t, reviewSink.rows, 1)
	require.Empty(t, archiveSink.rows)
	require.Equal(t, 2, result.Counts[contracts.RowOutcomeRouted])

	edges, err := repo.ListEdges(context.Background(), result.Run.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, edges)
}

type fakePublisher struct {
	notifications []export.ExportNotification
}

func (f *fakePublisher) Publish(n export.ExportNotification) error {
	f.notifications = append(f.notifications, n)
	return nil
}
func (f *fakePublisher) Close() error { return nil }

// TestExportPublisherAnnouncesCompletion covers the export-status wiring: a
// completed run publishes exactly one COMPLETED notification and records it
// on the run row.
func TestExportPublisherAnnouncesCompletion(t *testing.T) {
	settings := &config.Settings{
		Datasource: config.DatasourceConfig{Plugin: "memory"},
		Sinks:      map[string]config.SinkConfig{"out": {Plugin: "memory"}},
		OutputSink: "out",
	}
	g, err := graph.FromConfig(settings)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	build := &Build{
		Graph:    g,
		Settings: settings,
		Source:   &memorySource{rows: []map[string]interface{}{{"id": int64(1)}}},
		Plugins:  processor.PluginSet{Sinks: map[string]contracts.Sink{g.SinkIDMap()["out"]: &recordingSink{}}},
		Meta:     map[string]NodeMeta{},
	}

	repo := landscape.NewMemoryRepository()
	recorder := landscape.NewRecorder(repo)
	payloads := payloadstore.NewMemoryStore()
	logger := elspethlog.NewContextLogger(elspethlog.New(elspethlog.Config{}), nil)
	pub := &fakePublisher{}

	orch := New(build, recorder, payloads, nil, logger, "test-v1", WithExportPublisher(pub))
	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, contracts.RunStatusCompleted, result.Run.Status)

	require.Len(t, pub.notifications, 1)
	require.Equal(t, contracts.ExportStatusCompleted, pub.notifications[0].Status)

	run, err := repo.GetRun(context.Background(), result.Run.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.ExportStatus)
	require.Equal(t, contracts.ExportStatusCompleted, *run.ExportStatus)
}

type identityTransform struct{}

func (identityTransform) Name() string { return "identity" }
func (identityTransform) Determinism() contracts.Determinism {
	return contracts.DeterminismDeterministic
}
func (identityTransform) PluginVersion() string { return "1.0.0" }
func (identityTransform) IsBatchAware() bool    { return false }
func (identityTransform) Close() error          { return nil }
func (identityTransform) Process(ctx contracts.PluginContext, row map[string]interface{}) contracts.TransformResult {
	return contracts.Success(row)
}

// contractSource is a memorySource with a declared schema contract.
type contractSource struct {
	memorySource
	contract *schema.SchemaContract
}

func (s *contractSource) SchemaContract() interface{} { return s.contract }

// TestContractViolationQuarantine mirrors scenario S6: a FIXED-contract
// source sees a type-mismatched row, records a validation error, routes the
// row to the quarantine sink, and the run still completes.
func TestContractViolationQuarantine(t *testing.T) {
	settings := &config.Settings{
		Datasource: config.DatasourceConfig{Plugin: "memory"},
		RowPlugins: []config.RowPluginConfig{
			{Plugin: "identity", Type: config.RowPluginTransform},
		},
		Sinks: map[string]config.SinkConfig{
			"out":        {Plugin: "memory"},
			"quarantine": {Plugin: "memory"},
		},
		OutputSink: "out",
		OnError:    config.OnErrorConfig{Policy: config.OnErrorQuarantine, Sink: "quarantine"},
	}

	g, err := graph.FromConfig(settings)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	transformID := g.TransformIDMap()[0]
	outSinkID := g.SinkIDMap()["out"]
	quarantineSinkID := g.SinkIDMap()["quarantine"]

	outSink := &recordingSink{}
	quarantineSink := &recordingSink{}

	contract := &schema.SchemaContract{
		Mode: schema.ModeFixed,
		Fields: []schema.FieldContract{
			{NormalizedName: "id", OriginalName: "id", GoType: "int64", Required: true, Source: schema.SourceDeclared},
			{NormalizedName: "amount", OriginalName: "amount", GoType: "int64", Required: true, Source: schema.SourceDeclared},
		},
	}

	build := &Build{
		Graph:    g,
		Settings: settings,
		Source: &contractSource{
			memorySource: memorySource{rows: []map[string]interface{}{
				{"id": int64(1), "amount": int64(10)},
				{"id": int64(2), "amount": "nope"},
			}},
			contract: contract,
		},
		Plugins: processor.PluginSet{
			Transforms: map[string]contracts.Transform{transformID: identityTransform{}},
			Sinks: map[string]contracts.Sink{
				outSinkID:        outSink,
				quarantineSinkID: quarantineSink,
			},
		},
		Meta: map[string]NodeMeta{
			transformID: {Determinism: contracts.DeterminismDeterministic, Version: "1.0.0"},
		},
	}

	repo := landscape.NewMemoryRepository()
	recorder := landscape.NewRecorder(repo)
	logger := elspethlog.NewContextLogger(elspethlog.New(elspethlog.Config{}), nil)

	orch := New(build, recorder, payloadstore.NewMemoryStore(), nil, logger, "test-v1")
	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, contracts.RunStatusCompleted, result.Run.Status)
	require.Equal(t, 1, result.Counts[contracts.RowOutcomeCompleted])
	require.Equal(t, 1, result.Counts[contracts.RowOutcomeQuarantined])

	require.Len(t, outSink.rows, 1)
	require.Len(t, quarantineSink.rows, 1)
	require.Equal(t, "nope", quarantineSink.rows[0]["amount"])

	validationErrs := repo.ListValidationErrors(result.Run.RunID)
	require.Len(t, validationErrs, 1)
	require.Equal(t, "type_mismatch", validationErrs[0].ViolationType)
	require.Equal(t, "int64", validationErrs[0].ExpectedType)
	require.Equal(t, "string", validationErrs[0].ActualType)
	require.Equal(t, "quarantine", validationErrs[0].Destination)

	node, err := repo.GetNode(context.Background(), transformID)
	require.NoError(t, err)
	require.NotEmpty(t, node.InputContractJSON)

	run, err := repo.GetRun(context.Background(), result.Run.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, run.SchemaContractJSON)
	require.NotEmpty(t, run.SchemaContractHash)
}

// TestRunAbortsOnViolationWithAbortPolicy covers the abort arm of the
// on_error policy: the run fails with FAILED status and a completed_at.
func TestRunAbortsOnViolationWithAbortPolicy(t *testing.T) {
	settings := &config.Settings{
		Datasource: config.DatasourceConfig{Plugin: "memory"},
		Sinks:      map[string]config.SinkConfig{"out": {Plugin: "memory"}},
		OutputSink: "out",
		OnError:    config.OnErrorConfig{Policy: config.OnErrorAbort},
	}
	g, err := graph.FromConfig(settings)
	require.NoError(t, err)

	contract := &schema.SchemaContract{
		Mode: schema.ModeFixed,
		Fields: []schema.FieldContract{
			{NormalizedName: "id", OriginalName: "id", GoType: "int64", Required: true, Source: schema.SourceDeclared},
		},
	}
	build := &Build{
		Graph:    g,
		Settings: settings,
		Source: &contractSource{
			memorySource: memorySource{rows: []map[string]interface{}{{"id": "not-an-int"}}},
			contract:     contract,
		},
		Plugins: processor.PluginSet{Sinks: map[string]contracts.Sink{g.SinkIDMap()["out"]: &recordingSink{}}},
		Meta:    map[string]NodeMeta{},
	}

	repo := landscape.NewMemoryRepository()
	recorder := landscape.NewRecorder(repo)
	logger := elspethlog.NewContextLogger(elspethlog.New(elspethlog.Config{}), nil)

	orch := New(build, recorder, payloadstore.NewMemoryStore(), nil, logger, "test-v1")
	result, err := orch.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, contracts.RunStatusFailed, result.Run.Status)

	run, getErr := repo.GetRun(context.Background(), result.Run.RunID)
	require.NoError(t, getErr)
	require.Equal(t, contracts.RunStatusFailed, run.Status)
	require.NotNil(t, run.CompletedAt)
}
