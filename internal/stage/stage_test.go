package stage_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"roofline/internal/stage"
)

func TestParseStage(t *testing.T) {
	for _, s := range stage.Pipeline {
		got, err := stage.ParseStage(string(s))
		if err != nil || got != s {
			t.Fatalf("parse %s: %v", s, err)
		}
	}
	if _, err := stage.ParseStage("demolition"); !errors.Is(err, stage.ErrInvalidStage) {
		t.Fatalf("expected ErrInvalidStage, got %v", err)
	}
}

func TestNextMovesForwardOneStep(t *testing.T) {
	for i, s := range stage.Pipeline {
		next, ok := s.Next()
		if i == len(stage.Pipeline)-1 {
			if ok {
				t.Fatalf("%s should have no next stage", s)
			}
			continue
		}
		if !ok || next != stage.Pipeline[i+1] {
			t.Fatalf("next of %s: got %s", s, next)
		}
	}
}

func TestGateKeyMappingIsExhaustive(t *testing.T) {
	want := map[stage.Stage]stage.GateKey{
		stage.StageInProgress:   stage.GatePreWork,
		stage.StageWorkStarted:  stage.GatePreWork,
		stage.StageQualityCheck: stage.GateQualityCheck,
		stage.StageCompleted:    stage.GateCompletion,
		stage.StageInvoiced:     stage.GateCompletion,
	}
	for _, s := range stage.Pipeline {
		key, err := stage.GateKeyFor(s)
		if err != nil {
			t.Fatalf("gate key for %s: %v", s, err)
		}
		if key != want[s] {
			t.Fatalf("gate key for %s: got %s want %s", s, key, want[s])
		}
	}
	if _, err := stage.GateKeyFor("demolition"); !errors.Is(err, stage.ErrInvalidStage) {
		t.Fatalf("expected ErrInvalidStage for unmapped stage, got %v", err)
	}
}

func TestEvaluate(t *testing.T) {
	reqs := stage.RequirementSet{
		Documents:  []string{"contract", "permit"},
		Photos:     []string{"pre_work"},
		Checklists: []string{"safety"},
	}
	cases := []struct {
		name string
		snap stage.Snapshot
		want stage.MissingItems
	}{
		{
			name: "nothing satisfied",
			snap: stage.NewSnapshot(nil, nil, nil),
			want: stage.MissingItems{
				Documents:  []string{"contract", "permit"},
				Photos:     []string{"pre_work"},
				Checklists: []string{"safety"},
			},
		},
		{
			name: "partially satisfied keeps catalog order",
			snap: stage.NewSnapshot([]string{"permit"}, nil, []string{"safety"}),
			want: stage.MissingItems{
				Documents:  []string{"contract"},
				Photos:     []string{"pre_work"},
				Checklists: []string{},
			},
		},
		{
			name: "superset snapshot is fully satisfied",
			snap: stage.NewSnapshot(
				[]string{"contract", "permit", "warranty"},
				[]string{"pre_work", "completion"},
				[]string{"safety"},
			),
			want: stage.MissingItems{Documents: []string{}, Photos: []string{}, Checklists: []string{}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := stage.Evaluate(reqs, tc.snap)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
			if got.Empty() != (len(tc.want.Documents)+len(tc.want.Photos)+len(tc.want.Checklists) == 0) {
				t.Fatalf("Empty() inconsistent with contents")
			}
			// idempotence: same inputs, same output
			again := stage.Evaluate(reqs, tc.snap)
			if !reflect.DeepEqual(got, again) {
				t.Fatalf("evaluate is not idempotent: %+v vs %+v", got, again)
			}
		})
	}
}

func TestEvaluateDeduplicatesRequirements(t *testing.T) {
	reqs := stage.RequirementSet{Documents: []string{"contract", "contract", "permit"}}
	got := stage.Evaluate(reqs, stage.NewSnapshot(nil, nil, nil))
	want := []string{"contract", "permit"}
	if !reflect.DeepEqual(got.Documents, want) {
		t.Fatalf("got %v want %v", got.Documents, want)
	}
}

func TestCatalogRequirements(t *testing.T) {
	cat := stage.Catalog{
		stage.StageWorkStarted: {Documents: []string{"contract"}},
	}
	reqs, err := cat.Requirements(stage.StageWorkStarted)
	if err != nil || len(reqs.Documents) != 1 {
		t.Fatalf("requirements: %v %+v", err, reqs)
	}
	if _, err := cat.Requirements(stage.StageQualityCheck); !errors.Is(err, stage.ErrInvalidStage) {
		t.Fatalf("stage missing from catalog should be ErrInvalidStage, got %v", err)
	}
	if _, err := cat.Requirements("demolition"); !errors.Is(err, stage.ErrInvalidStage) {
		t.Fatalf("unknown stage should be ErrInvalidStage, got %v", err)
	}
}

func TestDecide(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	missing := stage.MissingItems{Documents: []string{"contract"}, Photos: []string{}, Checklists: []string{}}
	none := stage.MissingItems{Documents: []string{}, Photos: []string{}, Checklists: []string{}}

	cases := []struct {
		name   string
		miss   stage.MissingItems
		actor  stage.Actor
		reason string
		want   stage.Decision
	}{
		{"satisfied is allowed", none, stage.Actor{ID: "crew-1"}, "", stage.DecisionAllowed},
		{"satisfied ignores reason", none, stage.Actor{ID: "mgr-1", CanOverride: true}, "irrelevant", stage.DecisionAllowed},
		{"missing without override blocks", missing, stage.Actor{ID: "crew-1"}, "", stage.DecisionBlocked},
		{"missing without override ignores reason", missing, stage.Actor{ID: "crew-1"}, "please", stage.DecisionBlocked},
		{"override without reason blocks", missing, stage.Actor{ID: "mgr-1", CanOverride: true}, "", stage.DecisionBlocked},
		{"override with whitespace reason blocks", missing, stage.Actor{ID: "mgr-1", CanOverride: true}, "   \t", stage.DecisionBlocked},
		{"override with reason bypasses", missing, stage.Actor{ID: "mgr-1", CanOverride: true}, "approved by manager per phone call", stage.DecisionBypassed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := stage.Decide(tc.miss, tc.actor, tc.reason, now)
			if got.Decision != tc.want {
				t.Fatalf("decision %s, want %s", got.Decision, tc.want)
			}
			if got.Decision == stage.DecisionBlocked && !reflect.DeepEqual(got.Missing, tc.miss) {
				t.Fatalf("blocked outcome lost missing items: %+v", got.Missing)
			}
			if got.Decision == stage.DecisionBypassed {
				if got.BypassedBy != tc.actor.ID || got.BypassedAt != now {
					t.Fatalf("bypass audit fields wrong: %+v", got)
				}
				if got.BypassReason != stage.TrimReason(tc.reason) {
					t.Fatalf("bypass reason %q", got.BypassReason)
				}
			}
		})
	}
}

func TestDecideNeverAllowsWithMissingItems(t *testing.T) {
	missing := stage.MissingItems{Checklists: []string{"safety"}}
	for _, actor := range []stage.Actor{{ID: "a"}, {ID: "b", CanOverride: true}} {
		for _, reason := range []string{"", "  ", "documented"} {
			got := stage.Decide(missing, actor, reason, time.Now())
			if got.Decision == stage.DecisionAllowed {
				t.Fatalf("allowed with missing items (actor=%+v reason=%q)", actor, reason)
			}
		}
	}
}

func TestDecideBypassTrimsReason(t *testing.T) {
	missing := stage.MissingItems{Documents: []string{"contract"}}
	got := stage.Decide(missing, stage.Actor{ID: "mgr", CanOverride: true}, "  customer signed on site  ", time.Now())
	if got.Decision != stage.DecisionBypassed || got.BypassReason != "customer signed on site" {
		t.Fatalf("got %+v", got)
	}
}

// Scenario A/B/C from the gate contract: one missing contract document.
func TestGateScenarios(t *testing.T) {
	reqs := stage.RequirementSet{Documents: []string{"contract"}}
	missing := stage.Evaluate(reqs, stage.NewSnapshot(nil, nil, nil))
	if !reflect.DeepEqual(missing.Documents, []string{"contract"}) {
		t.Fatalf("missing %v", missing.Documents)
	}
	now := time.Now()
	if got := stage.Decide(missing, stage.Actor{ID: "crew"}, "", now); got.Decision != stage.DecisionBlocked {
		t.Fatalf("scenario A: %s", got.Decision)
	}
	got := stage.Decide(missing, stage.Actor{ID: "mgr", CanOverride: true}, "approved by manager per phone call", now)
	if got.Decision != stage.DecisionBypassed {
		t.Fatalf("scenario B: %s", got.Decision)
	}
	if got := stage.Decide(missing, stage.Actor{ID: "mgr", CanOverride: true}, "", now); got.Decision != stage.DecisionBlocked {
		t.Fatalf("scenario C: %s", got.Decision)
	}
}

func TestAggregateProgress(t *testing.T) {
	cases := []struct {
		name  string
		flags []stage.ApprovalFlag
		want  stage.Progress
	}{
		{
			name: "all complete",
			flags: []stage.ApprovalFlag{
				{Name: "contract", Done: true},
				{Name: "estimate", Done: true},
				{Name: "materials", Done: true},
				{Name: "labor", Done: true},
			},
			want: stage.Progress{Count: 4, Total: 4, Percent: 100, AllComplete: true},
		},
		{
			name: "one of four",
			flags: []stage.ApprovalFlag{
				{Name: "contract", Done: true},
				{Name: "estimate"},
				{Name: "materials"},
				{Name: "labor"},
			},
			want: stage.Progress{Count: 1, Total: 4, Percent: 25, AllComplete: false},
		},
		{
			name:  "empty checklist is vacuously complete",
			flags: nil,
			want:  stage.Progress{Count: 0, Total: 0, Percent: 100, AllComplete: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := stage.AggregateProgress(tc.flags)
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestAggregateProgressOrderIndependent(t *testing.T) {
	flags := []stage.ApprovalFlag{
		{Name: "contract", Done: true},
		{Name: "estimate", Done: false},
		{Name: "materials", Done: true},
	}
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	want := stage.AggregateProgress(flags)
	for _, p := range perms {
		shuffled := []stage.ApprovalFlag{flags[p[0]], flags[p[1]], flags[p[2]]}
		if got := stage.AggregateProgress(shuffled); got != want {
			t.Fatalf("order %v changed aggregate: %+v vs %+v", p, got, want)
		}
	}
}

func TestAggregateProgressRecomputed(t *testing.T) {
	flags := []stage.ApprovalFlag{{Name: "contract", Done: true}, {Name: "estimate"}}
	if stage.AggregateProgress(flags).AllComplete {
		t.Fatal("not all complete")
	}
	flags[1].Done = true
	if !stage.AggregateProgress(flags).AllComplete {
		t.Fatal("aggregate did not follow flag change")
	}
}
