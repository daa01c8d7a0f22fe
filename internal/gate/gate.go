// Package gate evaluates routing conditions over a row and compiles the
// resulting action into concrete graph edges the orchestrator feeds tokens
// through.
package gate

import (
	"context"
	"fmt"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/elspetherr"
	"github.com/correlator-io/elspeth/internal/graph"
)

// Condition is a Go-native predicate over a row, evaluated instead of a
// sandboxed expression language: no expression-evaluator library appears
// anywhere in the plugin ecosystem this repository draws on, so a closure
// is the grounded choice.
type Condition func(row canonical.Value) (bool, error)

// ActionKind distinguishes the four shapes a gate's decision can take.
type ActionKind int

const (
	ActionContinue ActionKind = iota
	ActionRouteTo
	ActionForkTo
	ActionReject
)

// RoutingAction is a gate's decision for one row: keep going on the default
// path, move to one or more labeled routes, fork to several routes at
// once, or reject the row outright.
type RoutingAction struct {
	Kind   ActionKind
	Labels []string
	Err    error
}

// Continue keeps the row on its default path.
func Continue() RoutingAction { return RoutingAction{Kind: ActionContinue} }

// RouteTo moves the row to the named route. Compile resolves every label
// given, so passing several labels moves the row down each of them.
func RouteTo(labels ...string) RoutingAction { return RoutingAction{Kind: ActionRouteTo, Labels: labels} }

// ForkTo fans the row out to every named route concurrently.
func ForkTo(labels ...string) RoutingAction { return RoutingAction{Kind: ActionForkTo, Labels: labels} }

// Reject fails the row with err rather than routing it anywhere.
func Reject(err error) RoutingAction { return RoutingAction{Kind: ActionReject, Err: err} }

// Rule pairs a condition with the action to take when it matches. Rules on
// a Gate are evaluated in order; the first match wins.
type Rule struct {
	When Condition
	Then RoutingAction
}

// Gate evaluates its rules in order against a row and decides how to route
// it. If no rule matches, the row continues on its default path.
type Gate struct {
	NodeID string
	Rules  []Rule
}

// NewGate builds a gate that evaluates rules in order, first match wins.
func NewGate(nodeID string, rules ...Rule) *Gate {
	return &Gate{NodeID: nodeID, Rules: rules}
}

// Decide runs the gate's rules against row in order. A panicking condition
// is recovered and surfaced as a quarantine-worthy error rather than
// crashing the run, preserving the "any runtime error marks the row as
// quarantined" behavior without an actual sandboxed interpreter.
func (g *Gate) Decide(ctx context.Context, row canonical.Value) (action RoutingAction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = elspetherr.NewTyped(elspetherr.KindTransformPermanent, "gate_condition_panic",
				fmt.Sprintf("gate: condition panicked: %v", r), nil)
		}
	}()

	for _, rule := range g.Rules {
		matched, condErr := rule.When(row)
		if condErr != nil {
			return RoutingAction{}, elspetherr.NewTyped(elspetherr.KindTransformPermanent, "gate_condition_error",
				"gate: condition error", condErr)
		}

		if matched {
			return rule.Then, nil
		}
	}

	return Continue(), nil
}

// EdgeMode is how a resolved edge carries its token: moved (consumed from
// the parent path) or copied (the parent token also continues elsewhere,
// as fork_to produces one copy per named route).
type EdgeMode string

const (
	EdgeMove EdgeMode = "move"
	EdgeCopy EdgeMode = "copy"
)

// ResolvedEdge is one concrete edge a RoutingAction compiles to, paired
// with the mode the orchestrator should move or copy the token under.
type ResolvedEdge struct {
	Edge graph.Edge
	Mode EdgeMode
}

// Compile turns action into the graph edges it selects. continue selects
// the single "continue" edge and route_to every named edge, each as a
// moved edge; fork_to selects every named edge as a copy since every
// branch fires independently.
func Compile(g *graph.Graph, nodeID string, action RoutingAction) ([]ResolvedEdge, error) {
	switch action.Kind {
	case ActionContinue:
		return edgesForLabels(g, nodeID, []string{"continue"}, EdgeMove)
	case ActionRouteTo:
		return edgesForLabels(g, nodeID, action.Labels, EdgeMove)
	case ActionForkTo:
		return edgesForLabels(g, nodeID, action.Labels, EdgeCopy)
	case ActionReject:
		return nil, action.Err
	default:
		return nil, fmt.Errorf("gate: unknown action kind %d", action.Kind)
	}
}

func edgesForLabels(g *graph.Graph, nodeID string, labels []string, mode EdgeMode) ([]ResolvedEdge, error) {
	wanted := make(map[string]bool, len(labels))
	for _, l := range labels {
		wanted[l] = true
	}

	var resolved []ResolvedEdge

	for _, e := range g.EdgesFrom(nodeID) {
		if !wanted[e.Label] {
			continue
		}

		resolved = append(resolved, ResolvedEdge{Edge: e, Mode: mode})
	}

	if len(resolved) != len(labels) {
		return nil, fmt.Errorf("gate: route label set %v did not resolve to an edge on node %q", labels, nodeID)
	}

	return resolved, nil
}
