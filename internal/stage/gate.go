package stage

import (
	"strings"
	"time"
)

// Decision is the tag of a GateOutcome.
type Decision string

const (
	DecisionAllowed  Decision = "allowed"
	DecisionBlocked  Decision = "blocked"
	DecisionBypassed Decision = "bypassed"
)

// Actor is the identity attempting a stage transition. CanOverride is true
// when the actor's role carries gate override capability.
type Actor struct {
	ID          string
	CanOverride bool
}

// GateOutcome is the result of one gate decision. Exactly one decision is
// set per invocation; Missing accompanies Blocked, and the bypass fields
// accompany Bypassed. The outcome itself is never persisted — a Bypassed
// outcome must be durably recorded by the caller before the stage moves.
type GateOutcome struct {
	Decision Decision     `json:"decision"`
	Missing  MissingItems `json:"missing"`

	BypassReason string    `json:"bypass_reason,omitempty"`
	BypassedBy   string    `json:"bypassed_by,omitempty"`
	BypassedAt   time.Time `json:"bypassed_at,omitempty"`
}

// Allowed reports whether the transition may proceed.
func (o GateOutcome) Allowed() bool {
	return o.Decision == DecisionAllowed || o.Decision == DecisionBypassed
}

// Decide combines missing items with the actor's capability and bypass
// reason:
//
//   - nothing missing → Allowed
//   - missing and no override capability → Blocked
//   - missing, override capability, blank reason → Blocked (a bypass needs
//     an explicit, non-empty trimmed justification)
//   - missing, override capability, non-blank reason → Bypassed
//
// Blocked outcomes always carry the specific missing items so callers can
// show them instead of a generic failure.
func Decide(missing MissingItems, actor Actor, reason string, now time.Time) GateOutcome {
	if missing.Empty() {
		return GateOutcome{Decision: DecisionAllowed, Missing: missing}
	}
	reason = TrimReason(reason)
	if !actor.CanOverride || reason == "" {
		return GateOutcome{Decision: DecisionBlocked, Missing: missing}
	}
	return GateOutcome{
		Decision:     DecisionBypassed,
		Missing:      missing,
		BypassReason: reason,
		BypassedBy:   actor.ID,
		BypassedAt:   now,
	}
}

// TrimReason collapses a bypass justification to its validated form: leading
// and trailing whitespace removed. Empty means rejected.
func TrimReason(reason string) string {
	return strings.TrimSpace(reason)
}
