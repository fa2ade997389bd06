package contracts

// RoutingAction is the discriminated result of a gate's Evaluate call: either
// continue on the default edge, route to exactly one labelled edge, or fork
// across several in deterministic order.
type RoutingAction struct {
	Kind   RoutingKind
	Labels []string // single entry for Route, one or more for Fork
	Reason RoutingReason
}

// ContinueAction builds the Continue variant.
func ContinueAction() RoutingAction {
	return RoutingAction{Kind: RoutingKindContinue}
}

// RouteAction builds the Route(label) variant.
func RouteAction(label string, reason RoutingReason) RoutingAction {
	return RoutingAction{Kind: RoutingKindRoute, Labels: []string{label}, Reason: reason}
}

// ForkAction builds the Fork(labels) variant. Labels are recorded with
// ordinals 0..N-1 in the order given.
func ForkAction(labels []string, reason RoutingReason) RoutingAction {
	return RoutingAction{Kind: RoutingKindFork, Labels: labels, Reason: reason}
}

// RoutingReason is the discriminated explanation attached to a routing
// decision. Exactly one of ConfigGate or PluginGate is non-nil, or neither.
type RoutingReason struct {
	ConfigGate *ConfigGateReason
	PluginGate *PluginGateReason
}

// ConfigGateReason explains a routing decision driven by a declarative
// condition in configuration.
type ConfigGateReason struct {
	Condition string
	Result    bool
}

// PluginGateReason explains a routing decision made by plugin logic.
type PluginGateReason struct {
	Rule         string
	MatchedValue interface{}
	Threshold    interface{}
	Field        string
	Comparison   string
}

// CanonicalMap renders the reason as the plain map shape the canonical codec
// accepts, for hashing onto routing_events.reason_hash. An empty reason
// (neither variant set) returns nil so callers can skip the hash entirely.
func (r RoutingReason) CanonicalMap() map[string]interface{} {
	switch {
	case r.ConfigGate != nil:
		return map[string]interface{}{
			"kind":      "config_gate",
			"condition": r.ConfigGate.Condition,
			"result":    r.ConfigGate.Result,
		}
	case r.PluginGate != nil:
		return map[string]interface{}{
			"kind":          "plugin_gate",
			"rule":          r.PluginGate.Rule,
			"matched_value": r.PluginGate.MatchedValue,
			"threshold":     r.PluginGate.Threshold,
			"field":         r.PluginGate.Field,
			"comparison":    r.PluginGate.Comparison,
		}
	default:
		return nil
	}
}

// GateResult is the outcome of evaluating a gate on one row.
type GateResult struct {
	Row    map[string]interface{}
	Action RoutingAction
}
