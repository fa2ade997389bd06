package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elspeth/elspeth/internal/config"
)

func linearSettings() *config.Settings {
	return &config.Settings{
		Datasource: config.DatasourceConfig{Plugin: "csv"},
		RowPlugins: []config.RowPluginConfig{
			{Plugin: "uppercase", Type: config.RowPluginTransform},
		},
		Sinks: map[string]config.SinkConfig{
			"main": {Plugin: "jsonl"},
		},
		OutputSink: "main",
	}
}

func TestFromConfigBuildsLinearChain(t *testing.T) {
	g, err := FromConfig(linearSettings())
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 3) // source, transform, sink
	require.Equal(t, g.Source(), order[0])
}

func TestFromConfigWithGateRoutes(t *testing.T) {
	settings := linearSettings()
	settings.Sinks["archive"] = config.SinkConfig{Plugin: "jsonl"}
	settings.RowPlugins = append(settings.RowPlugins, config.RowPluginConfig{
		Plugin: "suspicious_gate",
		Type:   config.RowPluginGate,
		Routes: map[string]string{
			"flagged": "archive",
		},
	})

	g, err := FromConfig(settings)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	sinkIDs := g.SinkIDMap()
	var gateEdgeFound bool
	for _, e := range g.Edges() {
		if e.Label == "flagged" {
			require.Equal(t, sinkIDs["archive"], e.ToID)
			gateEdgeFound = true
		}
	}
	require.True(t, gateEdgeFound, "gate route edge to archive sink must exist")
}

func TestFromConfigRejectsUndeclaredRouteTarget(t *testing.T) {
	settings := linearSettings()
	settings.RowPlugins = append(settings.RowPlugins, config.RowPluginConfig{
		Plugin: "gate",
		Type:   config.RowPluginGate,
		Routes: map[string]string{"flagged": "nonexistent_sink"},
	})

	_, err := FromConfig(settings)
	require.Error(t, err)
	var gerr *GraphValidationError
	require.ErrorAs(t, err, &gerr)
}

func TestValidateRejectsDuplicateEdgeLabel(t *testing.T) {
	g := &ExecutionGraph{
		nodes:   map[string]NodeInfo{"a": {ID: "a"}, "b": {ID: "b"}, "c": {ID: "c"}},
		order:   []string{"a", "b", "c"},
		sinkIDs: map[string]string{"s": "c"},
	}
	g.sourceID = "a"
	g.addEdge(Edge{FromID: "a", ToID: "b", Label: "continue"})
	g.addEdge(Edge{FromID: "a", ToID: "c", Label: "continue"})

	err := g.Validate()
	require.Error(t, err)
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	g := &ExecutionGraph{
		nodes:   map[string]NodeInfo{"a": {ID: "a"}, "b": {ID: "b"}},
		order:   []string{"a", "b"},
		sinkIDs: map[string]string{"s": "b"},
	}
	g.sourceID = "a"
	g.addEdge(Edge{FromID: "a", ToID: "b", Label: "continue"})
	g.addEdge(Edge{FromID: "b", ToID: "a", Label: "back"})

	_, err := g.TopologicalOrder()
	require.Error(t, err)
}

func TestFromConfigRouteToContinueStaysOnChain(t *testing.T) {
	settings := linearSettings()
	settings.RowPlugins = append(settings.RowPlugins, config.RowPluginConfig{
		Plugin: "threshold_gate",
		Type:   config.RowPluginGate,
		Routes: map[string]string{"ok": "continue"},
	})

	g, err := FromConfig(settings)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	gateID := g.TransformIDMap()[1]
	var continueTo, okTo string
	for _, e := range g.Edges() {
		if e.FromID != gateID {
			continue
		}
		switch e.Label {
		case "continue":
			continueTo = e.ToID
		case "ok":
			okTo = e.ToID
		}
	}
	require.NotEmpty(t, continueTo)
	require.Equal(t, continueTo, okTo, "a route targeting \"continue\" must share the chain's next node")
}
