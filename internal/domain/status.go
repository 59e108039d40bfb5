package domain

import "strings"

// RunStatus is the state-machine variable of a Run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusCloning   RunStatus = "CLONING"
	RunStatusDebugging RunStatus = "DEBUGGING"
	RunStatusReporting RunStatus = "REPORTING"
	RunStatusComplete  RunStatus = "COMPLETE"
	RunStatusFailed    RunStatus = "FAILED"
)

// RunStatuses lists every status in lifecycle order.
var RunStatuses = []RunStatus{
	RunStatusQueued,
	RunStatusCloning,
	RunStatusDebugging,
	RunStatusReporting,
	RunStatusComplete,
	RunStatusFailed,
}

// NormalizeRunStatus maps free-form input to a canonical status, or "" when unknown.
func NormalizeRunStatus(value string) RunStatus {
	switch RunStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case RunStatusQueued:
		return RunStatusQueued
	case RunStatusCloning:
		return RunStatusCloning
	case RunStatusDebugging:
		return RunStatusDebugging
	case RunStatusReporting:
		return RunStatusReporting
	case RunStatusComplete:
		return RunStatusComplete
	case RunStatusFailed:
		return RunStatusFailed
	default:
		return ""
	}
}

func (s RunStatus) Valid() bool {
	return s.Order() > 0
}

// Terminal reports whether s has no outgoing transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed
}

// Order ranks statuses for monotonic progression. COMPLETE and FAILED share the top rank.
func (s RunStatus) Order() int {
	switch s {
	case RunStatusQueued:
		return 1
	case RunStatusCloning:
		return 2
	case RunStatusDebugging:
		return 3
	case RunStatusReporting:
		return 4
	case RunStatusComplete, RunStatusFailed:
		return 5
	default:
		return 0
	}
}

// Successor returns the next happy-path status, or "" for terminal and unknown statuses.
func (s RunStatus) Successor() RunStatus {
	switch s {
	case RunStatusQueued:
		return RunStatusCloning
	case RunStatusCloning:
		return RunStatusDebugging
	case RunStatusDebugging:
		return RunStatusReporting
	case RunStatusReporting:
		return RunStatusComplete
	default:
		return ""
	}
}

// CanTransition reports whether from -> to is a legal single step.
// Staying in the same status is not a transition and returns false.
func CanTransition(from, to RunStatus) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == RunStatusFailed {
		return true
	}
	return from.Successor() == to
}

// Regresses reports whether moving from prev to next would be observed as a regression.
func Regresses(prev, next RunStatus) bool {
	if prev == "" {
		return false
	}
	if prev.Terminal() {
		return true
	}
	return next.Order() < prev.Order()
}
