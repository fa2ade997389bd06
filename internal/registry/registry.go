// Package registry resolves plugin names from a pipeline settings file onto
// constructed Source/Transform/Gate/Aggregation/Sink instances. Concrete
// data-plane plugins (CSV, JSON, LLM, web-scrape) are external
// collaborators per spec.md's scope note; this package owns only the
// explicit-mapping seam the orchestrator needs plus the "memory" plugin
// family used by `elspeth run --dry-run` and the test suite, never a
// string-matching dispatch inside the core itself.
package registry

import (
	"context"
	"fmt"

	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/pkg/contracts"
)

// SourceFactory constructs a Source from a datasource config entry.
type SourceFactory func(cfg config.DatasourceConfig) (contracts.Source, error)

// TransformFactory constructs a Transform from a row_plugins entry.
type TransformFactory func(cfg config.RowPluginConfig) (contracts.Transform, error)

// GateFactory constructs a Gate from a row_plugins entry.
type GateFactory func(cfg config.RowPluginConfig) (contracts.Gate, error)

// AggregationFactory constructs an Aggregation from a row_plugins entry plus
// its matched AggregationConfig (trigger, output mode).
type AggregationFactory func(cfg config.RowPluginConfig, agg config.AggregationConfig) (contracts.Aggregation, error)

// SinkFactory constructs a Sink from a sinks entry.
type SinkFactory func(name string, cfg config.SinkConfig) (contracts.Sink, error)

// Registry maps plugin names to factories, one map per plugin kind (§9:
// dispatch is a tagged sum type, never hasattr-style duck typing).
type Registry struct {
	sources      map[string]SourceFactory
	transforms   map[string]TransformFactory
	gates        map[string]GateFactory
	aggregations map[string]AggregationFactory
	sinks        map[string]SinkFactory
}

// New returns an empty registry. Built-in "memory" plugins are registered
// separately by RegisterMemoryPlugins so a caller assembling a production
// registry can opt out of them entirely.
func New() *Registry {
	return &Registry{
		sources:      make(map[string]SourceFactory),
		transforms:   make(map[string]TransformFactory),
		gates:        make(map[string]GateFactory),
		aggregations: make(map[string]AggregationFactory),
		sinks:        make(map[string]SinkFactory),
	}
}

func (r *Registry) RegisterSource(name string, f SourceFactory)           { r.sources[name] = f }
func (r *Registry) RegisterTransform(name string, f TransformFactory)     { r.transforms[name] = f }
func (r *Registry) RegisterGate(name string, f GateFactory)               { r.gates[name] = f }
func (r *Registry) RegisterAggregation(name string, f AggregationFactory) { r.aggregations[name] = f }
func (r *Registry) RegisterSink(name string, f SinkFactory)               { r.sinks[name] = f }

// UnregisteredPluginError reports a plugin name in settings that has no
// matching factory — a configuration error caught before the run begins
// (§7 Taxonomy).
type UnregisteredPluginError struct {
	Kind   string
	Plugin string
}

func (e *UnregisteredPluginError) Error() string {
	return fmt.Sprintf("registry: no %s plugin registered for %q", e.Kind, e.Plugin)
}

func (r *Registry) Source(cfg config.DatasourceConfig) (contracts.Source, error) {
	f, ok := r.sources[cfg.Plugin]
	if !ok {
		return nil, &UnregisteredPluginError{Kind: "source", Plugin: cfg.Plugin}
	}
	return f(cfg)
}

func (r *Registry) Transform(cfg config.RowPluginConfig) (contracts.Transform, error) {
	f, ok := r.transforms[cfg.Plugin]
	if !ok {
		return nil, &UnregisteredPluginError{Kind: "transform", Plugin: cfg.Plugin}
	}
	return f(cfg)
}

func (r *Registry) Gate(cfg config.RowPluginConfig) (contracts.Gate, error) {
	f, ok := r.gates[cfg.Plugin]
	if !ok {
		return nil, &UnregisteredPluginError{Kind: "gate", Plugin: cfg.Plugin}
	}
	return f(cfg)
}

func (r *Registry) Aggregation(cfg config.RowPluginConfig, agg config.AggregationConfig) (contracts.Aggregation, error) {
	f, ok := r.aggregations[cfg.Plugin]
	if !ok {
		return nil, &UnregisteredPluginError{Kind: "aggregation", Plugin: cfg.Plugin}
	}
	return f(cfg, agg)
}

func (r *Registry) Sink(name string, cfg config.SinkConfig) (contracts.Sink, error) {
	f, ok := r.sinks[cfg.Plugin]
	if !ok {
		return nil, &UnregisteredPluginError{Kind: "sink", Plugin: cfg.Plugin}
	}
	return f(name, cfg)
}

// MemorySource replays rows supplied directly in options["rows"], used by
// `elspeth run --dry-run` against a settings file that embeds its fixture
// data rather than pointing at a real collaborator plugin.
type MemorySource struct {
	rows []map[string]interface{}
}

func (s *MemorySource) Load(ctx context.Context) (<-chan map[string]interface{}, <-chan error) {
	rowsCh := make(chan map[string]interface{}, len(s.rows))
	errCh := make(chan error)
	for _, row := range s.rows {
		rowsCh <- row
	}
	close(rowsCh)
	close(errCh)
	return rowsCh, errCh
}

func (s *MemorySource) SchemaContract() interface{} { return nil }

// MemorySink buffers every row it is given in-process; `elspeth run
// --dry-run` reports its row counts rather than writing anywhere durable.
type MemorySink struct {
	Rows []map[string]interface{}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(ctx contracts.PluginContext, rows []map[string]interface{}) (contracts.ArtifactDescriptor, error) {
	s.Rows = append(s.Rows, rows...)
	return contracts.ArtifactDescriptor{ArtifactType: "memory", PathOrURI: fmt.Sprintf("memory://%s", ctx.NodeID)}, nil
}

func (s *MemorySink) Close() error { return nil }

// RegisterMemoryPlugins adds the "memory" source/sink family used for
// --dry-run and local smoke testing. memorySinks, keyed by node name, lets
// the caller inspect what each sink collected after the run completes.
func RegisterMemoryPlugins(r *Registry, memorySinks map[string]*MemorySink) {
	r.RegisterSource("memory", func(cfg config.DatasourceConfig) (contracts.Source, error) {
		raw, _ := cfg.Options["rows"].([]interface{})
		rows := make([]map[string]interface{}, 0, len(raw))
		for _, item := range raw {
			if m, ok := item.(map[string]interface{}); ok {
				rows = append(rows, m)
			}
		}
		return &MemorySource{rows: rows}, nil
	})
	r.RegisterSink("memory", func(name string, cfg config.SinkConfig) (contracts.Sink, error) {
		sink := &MemorySink{}
		if memorySinks != nil {
			memorySinks[name] = sink
		}
		return sink, nil
	})
}
