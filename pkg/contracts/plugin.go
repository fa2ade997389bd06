package contracts

import "context"

// PluginKind names the five plugin kinds. The processor does not switch on
// it; it dispatches each step on the node's NodeType.
type PluginKind string

const (
	PluginKindSource      PluginKind = "SOURCE"
	PluginKindTransform   PluginKind = "TRANSFORM"
	PluginKindGate        PluginKind = "GATE"
	PluginKindAggregation PluginKind = "AGGREGATION"
	PluginKindSink        PluginKind = "SINK"
)

// PluginContext carries the call's context.Context, the run and node IDs and
// a free-form Extra map into every plugin call. It has no dedicated fields for
// a fingerprint key, rate limiters, a logger or a payload store.
type PluginContext struct {
	Context context.Context
	RunID   string
	NodeID  string
	Extra   map[string]interface{}
}

// Source loads rows lazily and optionally declares its own schema contract.
type Source interface {
	Load(ctx context.Context) (<-chan map[string]interface{}, <-chan error)
	SchemaContract() interface{} // *schema.SchemaContract; interface{} avoids an import cycle
}

// Transform is a synchronous, per-row plugin. Batch-aware transforms still
// satisfy this exact interface; concurrency is hidden behind Process.
type Transform interface {
	Name() string
	Determinism() Determinism
	PluginVersion() string
	IsBatchAware() bool
	Process(ctx PluginContext, row map[string]interface{}) TransformResult
	Close() error
}

// Gate evaluates a row into a RoutingAction.
type Gate interface {
	Name() string
	Determinism() Determinism
	PluginVersion() string
	Evaluate(ctx PluginContext, row map[string]interface{}) GateResult
	Close() error
}

// TriggerConfig configures when an aggregation node flushes its buffer.
type TriggerConfig struct {
	Type      TriggerType
	Threshold int
	Timeout   int64 // milliseconds
}

// OutputMode selects whether an aggregation flush preserves row arity
// (passthrough) or reduces the batch to one record (reduce).
type OutputMode string

const (
	OutputModePassthrough OutputMode = "passthrough"
	OutputModeReduce      OutputMode = "reduce"
)

// Aggregation buffers rows until its trigger fires, then reduces or passes
// them through. It has no Close method, and the orchestrator's plugin
// cleanup does not visit aggregations.
type Aggregation interface {
	Name() string
	PluginVersion() string
	Trigger() TriggerConfig
	OutputMode() OutputMode
	Process(ctx PluginContext, rows []map[string]interface{}) TransformResult
}

// ArtifactDescriptor is what a Sink reports after writing rows.
type ArtifactDescriptor struct {
	ArtifactType string
	PathOrURI    string
	ContentHash  string
	SizeBytes    int64
}

// Sink is the terminal plugin for a DAG branch.
type Sink interface {
	Name() string
	Write(ctx PluginContext, rows []map[string]interface{}) (ArtifactDescriptor, error)
	Close() error
}
