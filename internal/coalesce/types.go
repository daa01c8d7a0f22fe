// Package coalesce implements the coalesce executor: a state machine that
// merges parallel branches arriving at a named join point back into one
// token, per spec.md §4.8's policy and merge-strategy rules.
package coalesce

import "time"

// PolicyKind selects when a coalesce merges its pending arrivals.
type PolicyKind string

const (
	PolicyRequireAll  PolicyKind = "require_all"
	PolicyFirst       PolicyKind = "first"
	PolicyQuorum      PolicyKind = "quorum"
	PolicyBestEffort  PolicyKind = "best_effort"
)

// Policy is require_all, first, best_effort, or quorum(n) with N set.
type Policy struct {
	Kind PolicyKind
	N    int
}

// MergeStrategy selects how arrived branch data combines into one row.
type MergeStrategy string

const (
	MergeUnion  MergeStrategy = "union"
	MergeNested MergeStrategy = "nested"
	MergeSelect MergeStrategy = "select"
)

// Clock abstracts time.Now so tests can drive timeouts deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production clock source.
var RealClock Clock = realClock{}

// Failure reasons spec.md §4.8 names explicitly.
const (
	ReasonIncompleteBranches      = "incomplete_branches"
	ReasonLateArrivalAfterMerge   = "late_arrival_after_merge"
	ReasonSelectBranchNotArrived  = "select_branch_not_arrived"
	ReasonQuorumNotMet            = "quorum_not_met"
	ReasonQuorumNotMetAtTimeout   = "quorum_not_met_at_timeout"
)

// Spec registers one named coalesce join point.
type Spec struct {
	Name         string
	NodeID       string
	Branches     []string
	Policy       Policy
	Timeout      time.Duration // 0 disables the timeout
	Merge        MergeStrategy
	SelectBranch string
	Clock        Clock
}

func (s Spec) clock() Clock {
	if s.Clock != nil {
		return s.Clock
	}

	return RealClock
}
