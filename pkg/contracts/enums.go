// Package contracts defines the types that cross subsystem boundaries:
// enums, the audit record shapes, and the result/routing sum types produced
// by plugin dispatch. Every enum here decodes strictly — an unknown variant
// read back from storage is an audit-integrity failure, never a default.
package contracts

import "fmt"

// RunStatus is the terminal state of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// ParseRunStatus decodes a stored string into a RunStatus, failing on any
// value outside the known vocabulary (audit integrity, invariant 5 of the
// data model).
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return RunStatus(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "RunStatus", Value: s}
	}
}

// NodeType classifies a plugin instance within a run's DAG.
type NodeType string

const (
	NodeTypeSource      NodeType = "SOURCE"
	NodeTypeTransform   NodeType = "TRANSFORM"
	NodeTypeGate        NodeType = "GATE"
	NodeTypeAggregation NodeType = "AGGREGATION"
	NodeTypeSink        NodeType = "SINK"
)

func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeTypeSource, NodeTypeTransform, NodeTypeGate, NodeTypeAggregation, NodeTypeSink:
		return NodeType(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "NodeType", Value: s}
	}
}

// Determinism classifies whether re-running a node on the same input is
// expected to reproduce the same output.
type Determinism string

const (
	DeterminismDeterministic    Determinism = "DETERMINISTIC"
	DeterminismNonDeterministic Determinism = "NON_DETERMINISTIC"
	DeterminismIORead           Determinism = "IO_READ"
)

func ParseDeterminism(s string) (Determinism, error) {
	switch Determinism(s) {
	case DeterminismDeterministic, DeterminismNonDeterministic, DeterminismIORead:
		return Determinism(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "Determinism", Value: s}
	}
}

// RoutingMode describes whether a token moves onto an edge exclusively
// (MOVE) or is duplicated across it (COPY).
type RoutingMode string

const (
	RoutingModeMove RoutingMode = "MOVE"
	RoutingModeCopy RoutingMode = "COPY"
)

func ParseRoutingMode(s string) (RoutingMode, error) {
	switch RoutingMode(s) {
	case RoutingModeMove, RoutingModeCopy:
		return RoutingMode(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "RoutingMode", Value: s}
	}
}

// RoutingKind is the gate decision's tag: whether it continues on the
// default edge, routes to exactly one labelled edge, or forks across several.
type RoutingKind string

const (
	RoutingKindContinue RoutingKind = "CONTINUE"
	RoutingKindRoute    RoutingKind = "ROUTE"
	RoutingKindFork     RoutingKind = "FORK"
)

// NodeStateStatus is the lifecycle of one NodeState: Open transitions exactly
// once to Completed or Failed, never back.
type NodeStateStatus string

const (
	NodeStateOpen      NodeStateStatus = "OPEN"
	NodeStateCompleted NodeStateStatus = "COMPLETED"
	NodeStateFailed    NodeStateStatus = "FAILED"
)

func ParseNodeStateStatus(s string) (NodeStateStatus, error) {
	switch NodeStateStatus(s) {
	case NodeStateOpen, NodeStateCompleted, NodeStateFailed:
		return NodeStateStatus(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "NodeStateStatus", Value: s}
	}
}

// CallType classifies an external call recorded inside a node state.
type CallType string

const (
	CallTypeHTTP  CallType = "HTTP"
	CallTypeLLM   CallType = "LLM"
	CallTypeDB    CallType = "DB"
	CallTypeOther CallType = "OTHER"
)

func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallTypeHTTP, CallTypeLLM, CallTypeDB, CallTypeOther:
		return CallType(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "CallType", Value: s}
	}
}

// CallStatus is the outcome of an external call.
type CallStatus string

const (
	CallStatusOK          CallStatus = "OK"
	CallStatusError       CallStatus = "ERROR"
	CallStatusTimeout     CallStatus = "TIMEOUT"
	CallStatusRateLimited CallStatus = "RATE_LIMITED"
)

func ParseCallStatus(s string) (CallStatus, error) {
	switch CallStatus(s) {
	case CallStatusOK, CallStatusError, CallStatusTimeout, CallStatusRateLimited:
		return CallStatus(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "CallStatus", Value: s}
	}
}

// BatchStatus is the lifecycle of an aggregation Batch:
// OPEN -> TRIGGERED -> EXECUTING -> (COMPLETED|FAILED).
type BatchStatus string

const (
	BatchStatusOpen      BatchStatus = "OPEN"
	BatchStatusTriggered BatchStatus = "TRIGGERED"
	BatchStatusExecuting BatchStatus = "EXECUTING"
	BatchStatusCompleted BatchStatus = "COMPLETED"
	BatchStatusFailed    BatchStatus = "FAILED"
)

func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchStatusOpen, BatchStatusTriggered, BatchStatusExecuting, BatchStatusCompleted, BatchStatusFailed:
		return BatchStatus(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "BatchStatus", Value: s}
	}
}

// ValidBatchTransitions enumerates the allowed BatchStatus transitions,
// mirroring the coordinator's phase adjacency map: batch membership is
// append-only within OPEN and the state machine never transitions backward.
var ValidBatchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusOpen:      {BatchStatusTriggered, BatchStatusFailed},
	BatchStatusTriggered: {BatchStatusExecuting, BatchStatusFailed},
	BatchStatusExecuting: {BatchStatusCompleted, BatchStatusFailed},
}

// CanTransitionBatch reports whether moving a batch from `from` to `to` is a
// legal transition.
func CanTransitionBatch(from, to BatchStatus) bool {
	for _, candidate := range ValidBatchTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ExportStatus tracks a run's asynchronous export pipeline.
type ExportStatus string

const (
	ExportStatusPending   ExportStatus = "PENDING"
	ExportStatusRunning   ExportStatus = "RUNNING"
	ExportStatusCompleted ExportStatus = "COMPLETED"
	ExportStatusFailed    ExportStatus = "FAILED"
)

func ParseExportStatus(s string) (ExportStatus, error) {
	switch ExportStatus(s) {
	case ExportStatusPending, ExportStatusRunning, ExportStatusCompleted, ExportStatusFailed:
		return ExportStatus(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "ExportStatus", Value: s}
	}
}

// RowOutcome is the terminal classification of one row's journey through the
// pipeline, preserved on the token's terminal state.
type RowOutcome string

const (
	RowOutcomeCompleted   RowOutcome = "COMPLETED"
	RowOutcomeRouted      RowOutcome = "ROUTED"
	RowOutcomeFailed      RowOutcome = "FAILED"
	RowOutcomeQuarantined RowOutcome = "QUARANTINED"
	RowOutcomeDiscarded   RowOutcome = "DISCARDED"
)

func ParseRowOutcome(s string) (RowOutcome, error) {
	switch RowOutcome(s) {
	case RowOutcomeCompleted, RowOutcomeRouted, RowOutcomeFailed, RowOutcomeQuarantined, RowOutcomeDiscarded:
		return RowOutcome(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "RowOutcome", Value: s}
	}
}

// TriggerType selects how an aggregation node decides to flush its buffer.
type TriggerType string

const (
	TriggerTypeCount       TriggerType = "COUNT"
	TriggerTypeTimeout     TriggerType = "TIMEOUT"
	TriggerTypeEndOfSource TriggerType = "END_OF_SOURCE"
	TriggerTypeCustom      TriggerType = "CUSTOM"
)

func ParseTriggerType(s string) (TriggerType, error) {
	switch TriggerType(s) {
	case TriggerTypeCount, TriggerTypeTimeout, TriggerTypeEndOfSource, TriggerTypeCustom:
		return TriggerType(s), nil
	default:
		return "", &UnknownEnumVariantError{Enum: "TriggerType", Value: s}
	}
}

// UnknownEnumVariantError is the audit-integrity failure raised when a
// stored enum column does not decode to any known variant. It is always
// fatal — repositories never fall back to a default value.
type UnknownEnumVariantError struct {
	Enum  string
	Value string
}

func (e *UnknownEnumVariantError) Error() string {
	return fmt.Sprintf("audit integrity: column encodes unknown %s variant %q", e.Enum, e.Value)
}
