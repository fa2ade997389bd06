package main

import (
	"fmt"

	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/internal/graph"
	"github.com/elspeth/elspeth/internal/orchestrator"
	"github.com/elspeth/elspeth/internal/processor"
	"github.com/elspeth/elspeth/internal/registry"
	"github.com/elspeth/elspeth/pkg/contracts"
)

// buildPipeline resolves every plugin named in settings through reg,
// assigning each constructed instance onto the node ID the graph gave its
// config entry (graph.TransformIDMap/SinkIDMap — never a string match
// against the opaque node ID itself).
func buildPipeline(settings *config.Settings, g *graph.ExecutionGraph, reg *registry.Registry) (*orchestrator.Build, error) {
	source, err := reg.Source(settings.Datasource)
	if err != nil {
		return nil, err
	}

	plugins := processor.PluginSet{
		Transforms:   make(map[string]contracts.Transform),
		Gates:        make(map[string]contracts.Gate),
		Aggregations: make(map[string]contracts.Aggregation),
		Sinks:        make(map[string]contracts.Sink),
	}
	meta := make(map[string]orchestrator.NodeMeta)

	aggByNode := make(map[string]config.AggregationConfig)
	for _, a := range settings.Aggregations {
		aggByNode[a.Node] = a
	}

	transformIDs := g.TransformIDMap()
	for i, rp := range settings.RowPlugins {
		nodeID, ok := transformIDs[i]
		if !ok {
			return nil, fmt.Errorf("elspeth: graph has no node for row_plugins[%d]", i)
		}
		switch rp.Type {
		case config.RowPluginTransform:
			t, err := reg.Transform(rp)
			if err != nil {
				return nil, err
			}
			plugins.Transforms[nodeID] = t
			meta[nodeID] = orchestrator.NodeMeta{Determinism: t.Determinism(), Version: t.PluginVersion()}
		case config.RowPluginGate:
			gt, err := reg.Gate(rp)
			if err != nil {
				return nil, err
			}
			plugins.Gates[nodeID] = gt
			meta[nodeID] = orchestrator.NodeMeta{Determinism: gt.Determinism(), Version: gt.PluginVersion()}
		case config.RowPluginAggregation:
			aggCfg, ok := aggByNode[rp.Plugin]
			if !ok {
				return nil, fmt.Errorf("elspeth: row_plugins entry %q has no matching aggregations[] entry", rp.Plugin)
			}
			a, err := reg.Aggregation(rp, aggCfg)
			if err != nil {
				return nil, err
			}
			plugins.Aggregations[nodeID] = a
			meta[nodeID] = orchestrator.NodeMeta{Determinism: contracts.DeterminismDeterministic, Version: a.PluginVersion()}
		default:
			return nil, fmt.Errorf("elspeth: unknown row_plugins type %q", rp.Type)
		}
	}

	for name, sinkCfg := range settings.Sinks {
		nodeID, ok := g.SinkIDMap()[name]
		if !ok {
			return nil, fmt.Errorf("elspeth: graph has no node for sink %q", name)
		}
		sink, err := reg.Sink(name, sinkCfg)
		if err != nil {
			return nil, err
		}
		plugins.Sinks[nodeID] = sink
	}

	return &orchestrator.Build{
		Graph:    g,
		Settings: settings,
		Source:   source,
		Plugins:  plugins,
		Meta:     meta,
	}, nil
}
