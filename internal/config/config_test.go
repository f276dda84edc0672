package config

import (
	"strings"
	"testing"

	"roofline/internal/stage"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("acme-roofing")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "acme-roofing" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if !cfg.RoleCanOverride([]string{"production_manager"}) {
		t.Fatal("production_manager should carry gate.override")
	}
	if cfg.RoleCanOverride([]string{"crew_lead"}) {
		t.Fatal("crew_lead should not carry gate.override")
	}
}

func TestValidateRejectsUnknownStage(t *testing.T) {
	cfg := Default("p")
	cfg.Gates.Requirements["roof_replacement"]["demolition"] = RequirementSpec{Photos: []string{"pre_work"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown stage key")
	}
	if !strings.Contains(err.Error(), "demolition") {
		t.Fatalf("error should name the stage: %v", err)
	}
}

func TestValidateRejectsUnknownArtifactKind(t *testing.T) {
	cfg := Default("p")
	cfg.Gates.Requirements["repair"]["quality_check"] = RequirementSpec{Documents: []string{"blueprints"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown document kind")
	}
}

func TestValidateRejectsDuplicateKind(t *testing.T) {
	cfg := Default("p")
	cfg.Gates.Requirements["repair"]["quality_check"] = RequirementSpec{Photos: []string{"in_progress", "in_progress"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for repeated kind")
	}
}

func TestCatalogForFillsAllStages(t *testing.T) {
	cfg := Default("p")
	cat, err := cfg.CatalogFor("roof_replacement")
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range stage.Pipeline {
		if _, ok := cat[st]; !ok {
			t.Fatalf("catalog missing stage %s", st)
		}
	}
	reqs, err := cat.Requirements(stage.StageWorkStarted)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs.Documents) != 2 || reqs.Documents[0] != "contract" {
		t.Fatalf("unexpected work_started documents: %v", reqs.Documents)
	}
	// in_progress has no configured requirements for roof_replacement
	reqs, err = cat.Requirements(stage.StageInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if !reqs.IsZero() {
		t.Fatalf("in_progress should require nothing, got %+v", reqs)
	}
}

func TestCatalogForUnknownKindFallsBackToDefault(t *testing.T) {
	cfg := Default("p")
	cat, err := cfg.CatalogFor("skylight_install")
	if err != nil {
		t.Fatal(err)
	}
	reqs, _ := cat.Requirements(stage.StageWorkStarted)
	if len(reqs.Documents) == 0 {
		t.Fatal("fallback catalog should match the default job kind")
	}
}

func TestFromYAMLRejectsMissingProjectID(t *testing.T) {
	_, err := FromYAML([]byte("project:\n  kind: roofing-company\ngates:\n  requirements:\n    repair:\n      completed: {}\n"))
	if err == nil {
		t.Fatal("expected error for missing project id")
	}
}

func TestValidateRequiresOwnerRole(t *testing.T) {
	cfg := Default("p")
	delete(cfg.RBAC.Roles, "owner")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when owner role is missing")
	}
}
