// Package stage implements the production pipeline gating model: a fixed
// ordered stage enumeration, per-stage requirement sets, a completion
// evaluator, the gate decision, and the approval progress aggregator.
// Everything here is a pure computation over caller-supplied state; all
// persistence belongs to the engine and repo layers.
package stage

import (
	"errors"
	"fmt"
)

// Stage is one step in the fixed production pipeline.
type Stage string

const (
	StageInProgress   Stage = "in_progress"
	StageWorkStarted  Stage = "work_started"
	StageQualityCheck Stage = "quality_check"
	StageCompleted    Stage = "completed"
	StageInvoiced     Stage = "invoiced"
)

// Pipeline is the total order of production stages.
var Pipeline = []Stage{
	StageInProgress,
	StageWorkStarted,
	StageQualityCheck,
	StageCompleted,
	StageInvoiced,
}

var (
	// ErrInvalidStage reports a stage key outside the closed enumeration or
	// absent from the requirement catalog. Callers must treat the gate as
	// fully blocked.
	ErrInvalidStage = errors.New("invalid stage")

	// ErrEmptyBypassReason reports a bypass attempt with a blank reason.
	ErrEmptyBypassReason = errors.New("bypass reason must not be empty")
)

// ParseStage validates a stage key against the closed enumeration.
func ParseStage(s string) (Stage, error) {
	for _, st := range Pipeline {
		if Stage(s) == st {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStage, s)
}

// Index returns the stage's position in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range Pipeline {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the following stage. ok is false at the end of the pipeline
// or for an unknown stage.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(Pipeline) {
		return "", false
	}
	return Pipeline[i+1], true
}

// GateKey identifies the checkpoint guarding entry into a stage.
type GateKey string

const (
	GatePreWork      GateKey = "pre_work"
	GateQualityCheck GateKey = "quality_check"
	GateCompletion   GateKey = "completion"
)

// GateKeyFor maps a target stage to its gate. The mapping is exhaustive over
// the stage enumeration; an unmapped key is a configuration error, never a
// silent default.
func GateKeyFor(target Stage) (GateKey, error) {
	switch target {
	case StageInProgress, StageWorkStarted:
		return GatePreWork, nil
	case StageQualityCheck:
		return GateQualityCheck, nil
	case StageCompleted, StageInvoiced:
		return GateCompletion, nil
	default:
		return "", fmt.Errorf("%w: no gate for %q", ErrInvalidStage, string(target))
	}
}

// RequirementSet lists the artifact kinds a job must have before entering a
// stage. Order is catalog order and drives the order of missing-item output;
// kinds are unique within each list.
type RequirementSet struct {
	Documents  []string
	Photos     []string
	Checklists []string
}

// IsZero reports whether the set requires nothing.
func (r RequirementSet) IsZero() bool {
	return len(r.Documents) == 0 && len(r.Photos) == 0 && len(r.Checklists) == 0
}

// Snapshot carries the identifiers a job currently satisfies per category.
// It is read-only input sourced from storage by the caller; evaluation never
// mutates or retains it.
type Snapshot struct {
	Documents  map[string]bool
	Photos     map[string]bool
	Checklists map[string]bool
}

// NewSnapshot builds a Snapshot from satisfied kind slices.
func NewSnapshot(documents, photos, checklists []string) Snapshot {
	return Snapshot{
		Documents:  toSet(documents),
		Photos:     toSet(photos),
		Checklists: toSet(checklists),
	}
}

func toSet(kinds []string) map[string]bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// MissingItems is the per-category set difference requirements − snapshot,
// in catalog order with no duplicates.
type MissingItems struct {
	Documents  []string `json:"documents"`
	Photos     []string `json:"photos"`
	Checklists []string `json:"checklists"`
}

// Empty reports whether every requirement is satisfied.
func (m MissingItems) Empty() bool {
	return len(m.Documents) == 0 && len(m.Photos) == 0 && len(m.Checklists) == 0
}

// Catalog maps each stage to its requirement set for one job kind.
type Catalog map[Stage]RequirementSet

// Requirements returns the requirement set guarding entry into target.
// A stage missing from the catalog is ErrInvalidStage; callers treat the
// transition as fully blocked.
func (c Catalog) Requirements(target Stage) (RequirementSet, error) {
	if _, err := ParseStage(string(target)); err != nil {
		return RequirementSet{}, err
	}
	reqs, ok := c[target]
	if !ok {
		return RequirementSet{}, fmt.Errorf("%w: %q not in requirement catalog", ErrInvalidStage, string(target))
	}
	return reqs, nil
}

// Evaluate computes the missing items for a target stage. It is a pure
// function: identical inputs always yield identical output, and the result
// preserves catalog order with duplicates removed.
func Evaluate(reqs RequirementSet, snap Snapshot) MissingItems {
	return MissingItems{
		Documents:  missing(reqs.Documents, snap.Documents),
		Photos:     missing(reqs.Photos, snap.Photos),
		Checklists: missing(reqs.Checklists, snap.Checklists),
	}
}

func missing(required []string, present map[string]bool) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, kind := range required {
		if seen[kind] || present[kind] {
			continue
		}
		seen[kind] = true
		out = append(out, kind)
	}
	return out
}
