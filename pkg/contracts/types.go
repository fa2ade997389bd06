package contracts

import "time"

// Run is one pipeline execution; it owns every downstream audit record.
type Run struct {
	RunID                string
	StartedAt            time.Time
	CompletedAt          *time.Time
	ConfigHash           string
	SettingsJSON         string
	CanonicalVersion     string
	Status               RunStatus
	ReproducibilityGrade string
	SourceSchemaJSON     string
	SchemaContractJSON   string
	SchemaContractHash   string
	ExportStatus         *ExportStatus
	ExportError          string
	ExportedAt           *time.Time
	ExportFormat         string
	ExportSink           string
}

// Node is a plugin instance registered within one run. Nodes are created at
// registration and never mutated afterward.
type Node struct {
	NodeID             string
	RunID              string
	PluginName         string
	NodeType           NodeType
	PluginVersion      string
	Determinism        Determinism
	ConfigHash         string
	ConfigJSON         string
	SchemaHash         string
	SequenceInPipeline *int
	RegisteredAt       time.Time
	SchemaMode         string
	SchemaFieldsJSON   string
	InputContractJSON  string
	OutputContractJSON string
}

// Edge is a directed, labelled connection between two nodes in a run. Labels
// are unique per FromNodeID.
type Edge struct {
	EdgeID      string
	RunID       string
	FromNodeID  string
	ToNodeID    string
	Label       string
	DefaultMode RoutingMode
	CreatedAt   time.Time
}

// Row is one ingested source record.
type Row struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int
	SourceDataHash string
	SourceDataRef  string
	CreatedAt      time.Time
}

// Token is one instance of a row flowing a particular path through the DAG.
type Token struct {
	TokenID        string
	RowID          string
	ForkGroupID    string
	JoinGroupID    string
	ExpandGroupID  string
	BranchName     string
	StepInPipeline int
	CreatedAt      time.Time
	Parents        []TokenParent
}

// TokenParent records one edge of a token's (possibly multi-parent)
// ancestry, ordered by Ordinal.
type TokenParent struct {
	TokenID       string
	ParentTokenID string
	Ordinal       int
}

// NodeState is the atomic record of one invocation of one node on one token
// attempt. It transitions exactly once, Open to Completed or Failed.
type NodeState struct {
	StateID           string
	TokenID           string
	NodeID            string
	StepIndex         int
	Attempt           int
	Status            NodeStateStatus
	InputHash         string
	OutputHash        string
	StartedAt         time.Time
	CompletedAt       *time.Time
	DurationMS        *int64
	ErrorJSON         string
	ContextBeforeJSON string
	ContextAfterJSON  string
	InputDataRef      string
	OutputDataRef     string
}

// Call is an external request made inside a node state.
type Call struct {
	CallID       string
	StateID      string
	CallIndex    int
	CallType     CallType
	Status       CallStatus
	RequestHash  string
	RequestRef   string
	ResponseHash string
	ResponseRef  string
	ErrorJSON    string
	LatencyMS    *int64
	CreatedAt    time.Time
}

// RoutingEvent is a recorded routing decision at a gate.
type RoutingEvent struct {
	EventID        string
	StateID        string
	EdgeID         string
	RoutingGroupID string
	Ordinal        int
	Mode           RoutingMode
	ReasonHash     string
	ReasonRef      string
	CreatedAt      time.Time
}

// Batch is the aggregation record for one buffered group of tokens.
type Batch struct {
	BatchID            string
	RunID              string
	AggregationNodeID  string
	Attempt            int
	Status             BatchStatus
	AggregationStateID string
	TriggerReason      string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// BatchMember lists one token consumed by a batch, in consumption order.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// BatchOutput references one token or artifact produced by a batch flush.
type BatchOutput struct {
	BatchID    string
	OutputType string
	OutputID   string
}

// Artifact is sink output: the terminal record of a token reaching a sink.
type Artifact struct {
	ArtifactID      string
	RunID           string
	ProducedByState string
	SinkNodeID      string
	ArtifactType    string
	PathOrURI       string
	ContentHash     string
	SizeBytes       int64
	CreatedAt       time.Time
}

// ValidationError records a schema-contract violation on a source row.
type ValidationError struct {
	ErrorID             string
	RunID               string
	NodeID              string
	RowHash             string
	RowDataJSON         string
	Error               string
	SchemaMode          string
	Destination         string
	ViolationType       string
	OriginalFieldName   string
	NormalizedFieldName string
	ExpectedType        string
	ActualType          string
	CreatedAt           time.Time
}

// Checkpoint is a crash-recovery snapshot at a row/transform boundary.
type Checkpoint struct {
	CheckpointID         string
	RunID                string
	TokenID              string
	NodeID               string
	SequenceNumber       int64
	CreatedAt            time.Time
	AggregationStateJSON string
}
