package landscape

import (
	"fmt"
	"time"

	"github.com/elspeth/elspeth/pkg/contracts"
)

// AuditEvent is a human-readable, Schema.org-flavored side channel alongside
// the strict relational audit rows, adapted from semantic/runtime/event.go's
// Event/NewActionSuccessEvent family. Operators tail these via
// internal/elspethlog; they are never consulted for audit-integrity
// decisions and never substitute for the strict records the Recorder writes.
type AuditEvent struct {
	Context     string                 `json:"@context"`
	Type        string                 `json:"@type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	StartDate   time.Time              `json:"startDate"`
	About       map[string]interface{} `json:"about,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
}

func newAuditEvent(name, description string) AuditEvent {
	return AuditEvent{
		Context:     "https://schema.org",
		Type:        "Event",
		Name:        name,
		Description: description,
		StartDate:   time.Now().UTC(),
	}
}

// NewRunCompletedEvent describes a run reaching a terminal RunStatus.
func NewRunCompletedEvent(runID string, status contracts.RunStatus, duration time.Duration) AuditEvent {
	ev := newAuditEvent("Run Completed", fmt.Sprintf("run %s finished as %s in %s", runID, status, duration))
	ev.About = map[string]interface{}{"@type": "Action", "identifier": runID}
	ev.Result = map[string]interface{}{"@type": "Thing", "status": string(status), "durationMs": duration.Milliseconds()}
	return ev
}

// NewGateRoutedEvent describes a single routing decision at a gate.
func NewGateRoutedEvent(nodeID, edgeID, label string, mode contracts.RoutingMode) AuditEvent {
	ev := newAuditEvent("Gate Routed", fmt.Sprintf("gate %s routed to edge %s (%s)", nodeID, edgeID, label))
	ev.About = map[string]interface{}{"@type": "Action", "identifier": nodeID}
	ev.Result = map[string]interface{}{"@type": "Thing", "edgeId": edgeID, "label": label, "mode": string(mode)}
	return ev
}

// NewBatchTransitionEvent describes an aggregation Batch moving between
// lifecycle states.
func NewBatchTransitionEvent(batchID string, from, to contracts.BatchStatus, reason string) AuditEvent {
	ev := newAuditEvent("Batch Transitioned", fmt.Sprintf("batch %s moved %s -> %s: %s", batchID, from, to, reason))
	ev.About = map[string]interface{}{"@type": "Action", "identifier": batchID}
	ev.Result = map[string]interface{}{"@type": "Thing", "from": string(from), "to": string(to)}
	return ev
}

// NewNodeStateFailedEvent describes a node state transitioning to FAILED.
func NewNodeStateFailedEvent(stateID, nodeID, message string) AuditEvent {
	ev := newAuditEvent("Node State Failed", fmt.Sprintf("node %s failed: %s", nodeID, message))
	ev.About = map[string]interface{}{"@type": "Action", "identifier": stateID}
	ev.Result = map[string]interface{}{"@type": "Thing", "error": message}
	return ev
}
