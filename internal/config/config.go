package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"roofline/internal/stage"
)

// Config models roofline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Artifacts struct {
		Documents  map[string]ArtifactKind `yaml:"documents"`
		Photos     map[string]ArtifactKind `yaml:"photos"`
		Checklists map[string]ArtifactKind `yaml:"checklists"`
	} `yaml:"artifacts"`
	Gates struct {
		// Requirements maps job kind -> target stage -> required artifact
		// kinds. Stages left out of a job kind require nothing.
		Requirements map[string]map[string]RequirementSpec `yaml:"requirements"`
		Defaults     struct {
			JobKind string `yaml:"job_kind"`
		} `yaml:"defaults"`
	} `yaml:"gates"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ArtifactKind struct {
	Description string `yaml:"description"`
}

type RequirementSpec struct {
	Documents  []string `yaml:"documents"`
	Photos     []string `yaml:"photos"`
	Checklists []string `yaml:"checklists"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Every stage key in
// the gate requirements must be a member of the pipeline enumeration and
// must map to a gate key; unmapped stages are rejected here instead of
// falling back to a default gate.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "roofing-company" {
		return fmt.Errorf("config.project.kind must be 'roofing-company'")
	}
	if len(c.Gates.Requirements) == 0 {
		return fmt.Errorf("config.gates.requirements is required")
	}
	for jobKind, stages := range c.Gates.Requirements {
		if jobKind == "" {
			return fmt.Errorf("config.gates.requirements contains empty job kind")
		}
		for stageKey, spec := range stages {
			st, err := stage.ParseStage(stageKey)
			if err != nil {
				return fmt.Errorf("job kind %s: %w", jobKind, err)
			}
			if _, err := stage.GateKeyFor(st); err != nil {
				return fmt.Errorf("job kind %s: %w", jobKind, err)
			}
			if err := c.checkKinds(jobKind, stageKey, spec.Documents, c.Artifacts.Documents, "documents"); err != nil {
				return err
			}
			if err := c.checkKinds(jobKind, stageKey, spec.Photos, c.Artifacts.Photos, "photos"); err != nil {
				return err
			}
			if err := c.checkKinds(jobKind, stageKey, spec.Checklists, c.Artifacts.Checklists, "checklists"); err != nil {
				return err
			}
		}
	}
	if c.Gates.Defaults.JobKind != "" {
		if _, ok := c.Gates.Requirements[c.Gates.Defaults.JobKind]; !ok {
			return fmt.Errorf("default job kind %s has no gate requirements", c.Gates.Defaults.JobKind)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func (c *Config) checkKinds(jobKind, stageKey string, kinds []string, catalog map[string]ArtifactKind, category string) error {
	seen := map[string]bool{}
	for _, kind := range kinds {
		if kind == "" {
			return fmt.Errorf("job kind %s stage %s has empty %s kind", jobKind, stageKey, category)
		}
		if seen[kind] {
			return fmt.Errorf("job kind %s stage %s repeats %s kind %s", jobKind, stageKey, category, kind)
		}
		seen[kind] = true
		if len(catalog) > 0 {
			if _, ok := catalog[kind]; !ok {
				return fmt.Errorf("job kind %s stage %s requires unknown %s kind %s", jobKind, stageKey, category, kind)
			}
		}
	}
	return nil
}

// CatalogFor builds the full stage catalog for a job kind. Stages without
// configured requirements get an empty set (the gate passes trivially).
// Unknown job kinds fall back to the configured default kind.
func (c *Config) CatalogFor(jobKind string) (stage.Catalog, error) {
	stages, ok := c.Gates.Requirements[jobKind]
	if !ok {
		fallback := c.Gates.Defaults.JobKind
		if fallback == "" {
			return nil, fmt.Errorf("no gate requirements for job kind %s", jobKind)
		}
		stages, ok = c.Gates.Requirements[fallback]
		if !ok {
			return nil, fmt.Errorf("no gate requirements for job kind %s", jobKind)
		}
	}
	cat := stage.Catalog{}
	for _, st := range stage.Pipeline {
		spec := stages[string(st)]
		cat[st] = stage.RequirementSet{
			Documents:  spec.Documents,
			Photos:     spec.Photos,
			Checklists: spec.Checklists,
		}
	}
	return cat, nil
}

// RoleCanOverride reports whether any of the actor's roles carries the gate
// override permission according to the config's role definitions.
func (c *Config) RoleCanOverride(roles []string) bool {
	for _, roleID := range roles {
		role, ok := c.RBAC.Roles[roleID]
		if !ok {
			continue
		}
		for _, perm := range role.Permissions {
			if perm == PermGateOverride {
				return true
			}
		}
	}
	return false
}

// Permission identifiers used across the engine and server.
const (
	PermGateOverride = "gate.override"
	PermJobApprove   = "job.approve"
)

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "roofline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "roofing-company"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: roofing-company

artifacts:
  documents:
    contract:
      description: "Signed customer contract"
    permit:
      description: "Building permit on file"
    material_order:
      description: "Material order confirmation"
    warranty:
      description: "Warranty registration"
  photos:
    pre_work:
      description: "Roof condition before work"
    in_progress:
      description: "Deck and underlayment during work"
    completion:
      description: "Finished roof and cleanup"
  checklists:
    safety_briefing:
      description: "Crew safety briefing held"
    punch_list:
      description: "Punch list walked with supervisor"
    cleanup:
      description: "Site cleaned, magnet sweep done"

gates:
  defaults:
    job_kind: roof_replacement
  requirements:
    roof_replacement:
      work_started:
        documents: [contract, permit]
        photos: [pre_work]
        checklists: [safety_briefing]
      quality_check:
        photos: [in_progress]
        checklists: [punch_list]
      completed:
        photos: [completion]
        checklists: [cleanup]
      invoiced:
        documents: [warranty]
    repair:
      work_started:
        documents: [contract]
        photos: [pre_work]
      completed:
        photos: [completion]

rbac:
  roles:
    owner:
      description: "Company owner"
      permissions: [project.read, project.config.read, project.config.import, job.create, job.read, job.list, job.update, job.advance, job.approve, gate.override, artifact.add, events.read, rbac.manage]
    production_manager:
      description: "Runs production; may bypass gates with a reason"
      permissions: [project.read, project.config.read, job.create, job.read, job.list, job.update, job.advance, job.approve, gate.override, artifact.add, events.read]
    crew_lead:
      description: "Field crew lead"
      permissions: [project.read, job.read, job.list, job.advance, artifact.add]
`
