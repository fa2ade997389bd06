// Package graph builds and validates the execution DAG: an acyclic directed
// multigraph of source, transform, gate, aggregation, and sink nodes, with
// edge labels unique per source node and gate route targets checked against
// the graph's declared sinks.
package graph

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/pkg/contracts"
)

// NodeInfo is everything downstream code needs about a node without ever
// substring-matching its ID.
type NodeInfo struct {
	ID       string
	Type     contracts.NodeType
	Plugin   string
	Sequence int // position in the linear chain; -1 for sinks
}

// Edge is one edge of the multigraph: Label is unique among edges sharing
// FromID.
type Edge struct {
	FromID string
	ToID   string
	Label  string
}

// ExecutionGraph is the validated node/edge structure built from a pipeline
// Settings value.
type ExecutionGraph struct {
	nodes        map[string]NodeInfo
	order        []string // declaration order; topological order computed separately
	edges        []Edge
	sourceID     string
	sinkIDs      map[string]string // sink name -> node ID
	transformIDs map[int]string    // sequence -> node ID
}

// GraphValidationError reports a structural defect found by Validate: a
// cycle, a duplicate edge label on one source node, or a gate route whose
// target sink was never declared.
type GraphValidationError struct {
	Reason string
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("graph: %s", e.Reason)
}

func newNodeID(kind, plugin string) string {
	short := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%s_%s", kind, plugin, short)
}

// FromConfig builds an ExecutionGraph from settings: a node for the source,
// one node per row_plugins entry in order, one node per sink, and edges for
// the linear chain plus every gate route. The returned graph has not yet
// been validated; callers must call Validate.
func FromConfig(settings *config.Settings) (*ExecutionGraph, error) {
	g := &ExecutionGraph{
		nodes:        make(map[string]NodeInfo),
		sinkIDs:      make(map[string]string),
		transformIDs: make(map[int]string),
	}

	sourceID := newNodeID("source", settings.Datasource.Plugin)
	g.sourceID = sourceID
	g.addNode(NodeInfo{ID: sourceID, Type: contracts.NodeTypeSource, Plugin: settings.Datasource.Plugin, Sequence: -1})

	for name, sink := range settings.Sinks {
		sinkID := newNodeID("sink", name)
		g.sinkIDs[name] = sinkID
		g.addNode(NodeInfo{ID: sinkID, Type: contracts.NodeTypeSink, Plugin: sink.Plugin, Sequence: -1})
	}

	chainIDs := make([]string, 0, len(settings.RowPlugins)+1)
	chainIDs = append(chainIDs, sourceID)

	// Routes whose target is the literal "continue" stay on the main chain
	// under their own label; their edges are added in a second pass once the
	// chain's next node is known.
	type continueRoute struct {
		chainPos int
		label    string
	}
	var continueRoutes []continueRoute

	for i, rp := range settings.RowPlugins {
		nodeType, err := rowPluginNodeType(rp.Type)
		if err != nil {
			return nil, err
		}
		nodeID := newNodeID(string(rp.Type), rp.Plugin)
		g.transformIDs[i] = nodeID
		g.addNode(NodeInfo{ID: nodeID, Type: nodeType, Plugin: rp.Plugin, Sequence: i})
		chainIDs = append(chainIDs, nodeID)

		for label, target := range rp.Routes {
			if target == "continue" {
				continueRoutes = append(continueRoutes, continueRoute{chainPos: len(chainIDs) - 1, label: label})
				continue
			}
			sinkID, ok := g.sinkIDs[target]
			if !ok {
				return nil, &GraphValidationError{Reason: fmt.Sprintf("plugin %q routes label %q to undeclared sink %q", rp.Plugin, label, target)}
			}
			g.addEdge(Edge{FromID: nodeID, ToID: sinkID, Label: label})
		}
	}

	outputSinkID, ok := g.sinkIDs[settings.OutputSink]
	if !ok {
		return nil, &GraphValidationError{Reason: fmt.Sprintf("output_sink %q is not declared in sinks", settings.OutputSink)}
	}
	chainIDs = append(chainIDs, outputSinkID)

	for i := 0; i < len(chainIDs)-1; i++ {
		g.addEdge(Edge{FromID: chainIDs[i], ToID: chainIDs[i+1], Label: "continue"})
	}
	for _, cr := range continueRoutes {
		g.addEdge(Edge{FromID: chainIDs[cr.chainPos], ToID: chainIDs[cr.chainPos+1], Label: cr.label})
	}

	return g, nil
}

func rowPluginNodeType(t config.RowPluginType) (contracts.NodeType, error) {
	switch t {
	case config.RowPluginTransform:
		return contracts.NodeTypeTransform, nil
	case config.RowPluginGate:
		return contracts.NodeTypeGate, nil
	case config.RowPluginAggregation:
		return contracts.NodeTypeAggregation, nil
	default:
		return "", &GraphValidationError{Reason: fmt.Sprintf("unknown row plugin type %q", t)}
	}
}

func (g *ExecutionGraph) addNode(n NodeInfo) {
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
}

func (g *ExecutionGraph) addEdge(e Edge) {
	g.edges = append(g.edges, e)
}

// Validate checks acyclicity, exactly one source, at least one sink, unique
// edge labels per source node, and that every edge's endpoints exist.
func (g *ExecutionGraph) Validate() error {
	if g.sourceID == "" {
		return &GraphValidationError{Reason: "graph has no source node"}
	}
	if len(g.sinkIDs) == 0 {
		return &GraphValidationError{Reason: "graph has no sink nodes"}
	}

	labelsPerSource := make(map[string]map[string]bool)
	for _, e := range g.edges {
		if _, ok := g.nodes[e.FromID]; !ok {
			return &GraphValidationError{Reason: fmt.Sprintf("edge references unknown source node %q", e.FromID)}
		}
		if _, ok := g.nodes[e.ToID]; !ok {
			return &GraphValidationError{Reason: fmt.Sprintf("edge references unknown target node %q", e.ToID)}
		}
		if labelsPerSource[e.FromID] == nil {
			labelsPerSource[e.FromID] = make(map[string]bool)
		}
		if labelsPerSource[e.FromID][e.Label] {
			return &GraphValidationError{Reason: fmt.Sprintf("duplicate edge label %q on node %q", e.Label, e.FromID)}
		}
		labelsPerSource[e.FromID][e.Label] = true
	}

	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}

	return nil
}

// TopologicalOrder returns node IDs in Kahn's-algorithm topological order,
// or a GraphValidationError if the graph contains a cycle.
func (g *ExecutionGraph) TopologicalOrder() ([]string, error) {
	adjacency := make(map[string][]string)
	inDegree := make(map[string]int)
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for _, e := range g.edges {
		adjacency[e.FromID] = append(adjacency[e.FromID], e.ToID)
		inDegree[e.ToID]++
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, next := range adjacency[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &GraphValidationError{Reason: "cycle detected in execution graph"}
	}
	return result, nil
}

// Source returns the source node ID.
func (g *ExecutionGraph) Source() string {
	return g.sourceID
}

// Sinks returns all sink node IDs.
func (g *ExecutionGraph) Sinks() []string {
	ids := make([]string, 0, len(g.sinkIDs))
	for _, id := range g.sinkIDs {
		ids = append(ids, id)
	}
	return ids
}

// SinkIDMap returns the sink-name -> node-ID map.
func (g *ExecutionGraph) SinkIDMap() map[string]string {
	return g.sinkIDs
}

// TransformIDMap returns the row_plugins sequence -> node-ID map (covers
// transforms, gates, and aggregations — "transform" names the chain
// position, not the node type).
func (g *ExecutionGraph) TransformIDMap() map[int]string {
	return g.transformIDs
}

// Edges returns all edges of the graph.
func (g *ExecutionGraph) Edges() []Edge {
	return g.edges
}

// NodeInfo looks up a node by ID.
func (g *ExecutionGraph) NodeInfo(nodeID string) (NodeInfo, bool) {
	n, ok := g.nodes[nodeID]
	return n, ok
}
