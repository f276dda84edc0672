package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"roofline/internal/config"
	"roofline/internal/domain"
	"roofline/internal/engine/auth"
	"roofline/internal/events"
	"roofline/internal/repo"
	"roofline/internal/stage"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// GateBlockedError reports a refused stage transition together with the
// specific items still missing, so callers can present an actionable list
// instead of a generic failure.
type GateBlockedError struct {
	JobID   string
	Target  stage.Stage
	GateKey stage.GateKey
	Missing stage.MissingItems
}

func (e GateBlockedError) Error() string {
	var parts []string
	if len(e.Missing.Documents) > 0 {
		parts = append(parts, "documents: "+strings.Join(e.Missing.Documents, ", "))
	}
	if len(e.Missing.Photos) > 0 {
		parts = append(parts, "photos: "+strings.Join(e.Missing.Photos, ", "))
	}
	if len(e.Missing.Checklists) > 0 {
		parts = append(parts, "checklists: "+strings.Join(e.Missing.Checklists, ", "))
	}
	return fmt.Sprintf("gate %s blocked for stage %s (%s)", e.GateKey, e.Target, strings.Join(parts, "; "))
}

// InitProject initializes a new project with migrations already run. The
// default config is stored and its roles seeded into the RBAC tables; the
// creating actor gets the owner role.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "roofing-company",
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := config.Default(p.ID)
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.seedRBAC(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, err
	}
	if actorID != "" {
		if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
			return domain.Project{}, err
		}
		if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "owner"); err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ImportConfig replaces a project's config and re-seeds roles and permissions.
func (e Engine) ImportConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.seedRBAC(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeConfigImported, projectID, "project", projectID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) seedRBAC(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

// JobCreateOptions are parameters for creating a job.
type JobCreateOptions struct {
	ID           string
	ProjectID    string
	Kind         string
	Title        string
	Address      string
	CustomerName string
	AssigneeID   string
	ActorID      string
}

func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	if e.Config == nil {
		return domain.Job{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Job{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Job{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Job{}, err
	}
	if opts.Kind == "" {
		opts.Kind = e.Config.Gates.Defaults.JobKind
	}
	if opts.Kind == "" {
		return domain.Job{}, errors.New("job kind is required and no default is configured")
	}
	if _, err := e.Config.CatalogFor(opts.Kind); err != nil {
		return domain.Job{}, err
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	j := domain.Job{
		ID:           id,
		ProjectID:    opts.ProjectID,
		Kind:         opts.Kind,
		Title:        opts.Title,
		Address:      opts.Address,
		CustomerName: opts.CustomerName,
		Stage:        string(stage.StageInProgress),
		Status:       "open",
		AssigneeID:   optionalString(opts.AssigneeID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeJobCreated, j.ProjectID, "job", j.ID, opts.ActorID, events.EventPayload{"title": j.Title, "stage": j.Stage}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// JobUpdateOptions encapsulates allowed updates. The stage is deliberately
// absent: stage moves only through AdvanceJob.
type JobUpdateOptions struct {
	ID           string
	Title        string
	Address      *string
	CustomerName *string
	Status       string
	Assign       *string
	ActorID      string
}

func (e Engine) UpdateJob(ctx context.Context, opts JobUpdateOptions) (domain.Job, error) {
	if e.Config == nil {
		return domain.Job{}, errors.New("config not loaded")
	}
	j, err := e.Repo.GetJob(ctx, opts.ID)
	if err != nil {
		return j, err
	}
	if opts.Title != "" {
		j.Title = opts.Title
	}
	if opts.Address != nil {
		j.Address = *opts.Address
	}
	if opts.CustomerName != nil {
		j.CustomerName = *opts.CustomerName
	}
	if opts.Status != "" {
		j.Status = opts.Status
	}
	if opts.Assign != nil {
		if *opts.Assign == "" {
			j.AssigneeID = nil
		} else {
			j.AssigneeID = opts.Assign
		}
	}
	j.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeJobUpdated, j.ProjectID, "job", j.ID, opts.ActorID, events.EventPayload{"status": j.Status}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

func (e Engine) artifactKindKnown(kind string, catalog map[string]config.ArtifactKind) error {
	if kind == "" {
		return errors.New("kind is required")
	}
	if len(catalog) > 0 {
		if _, ok := catalog[kind]; !ok {
			return fmt.Errorf("unknown artifact kind %q", kind)
		}
	}
	return nil
}

// AttachDocument records a document artifact against a job.
func (e Engine) AttachDocument(ctx context.Context, jobID, kind, name, actorID string) (domain.Document, error) {
	if e.Config == nil {
		return domain.Document{}, errors.New("config not loaded")
	}
	if err := e.artifactKindKnown(kind, e.Config.Artifacts.Documents); err != nil {
		return domain.Document{}, err
	}
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Document{}, err
	}
	d := domain.Document{
		ID:        uuid.New().String(),
		ProjectID: j.ProjectID,
		JobID:     j.ID,
		Kind:      kind,
		Name:      name,
		ActorID:   actorID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeArtifactAdded, j.ProjectID, "document", d.ID, actorID, events.EventPayload{"job_id": j.ID, "kind": kind}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

// AttachPhoto records a photo artifact against a job.
func (e Engine) AttachPhoto(ctx context.Context, jobID, kind, caption, actorID string) (domain.Photo, error) {
	if e.Config == nil {
		return domain.Photo{}, errors.New("config not loaded")
	}
	if err := e.artifactKindKnown(kind, e.Config.Artifacts.Photos); err != nil {
		return domain.Photo{}, err
	}
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Photo{}, err
	}
	p := domain.Photo{
		ID:        uuid.New().String(),
		ProjectID: j.ProjectID,
		JobID:     j.ID,
		Kind:      kind,
		Caption:   caption,
		ActorID:   actorID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPhoto(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeArtifactAdded, j.ProjectID, "photo", p.ID, actorID, events.EventPayload{"job_id": j.ID, "kind": kind}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// SetChecklistItem marks a checklist entry done or not done.
func (e Engine) SetChecklistItem(ctx context.Context, jobID, kind string, done bool, note, actorID string) (domain.ChecklistItem, error) {
	if e.Config == nil {
		return domain.ChecklistItem{}, errors.New("config not loaded")
	}
	if err := e.artifactKindKnown(kind, e.Config.Artifacts.Checklists); err != nil {
		return domain.ChecklistItem{}, err
	}
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	item := domain.ChecklistItem{
		JobID:     j.ID,
		Kind:      kind,
		Done:      done,
		Note:      note,
		ActorID:   actorID,
		UpdatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertChecklistItem(ctx, tx, item); err != nil {
		return item, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeChecklistSet, j.ProjectID, "job", j.ID, actorID, events.EventPayload{"kind": kind, "done": done}); err != nil {
		return item, err
	}
	return item, tx.Commit()
}

func (e Engine) snapshotTx(ctx context.Context, tx *sql.Tx, jobID string) (stage.Snapshot, error) {
	docs, err := e.Repo.SatisfiedDocumentKinds(ctx, tx, jobID)
	if err != nil {
		return stage.Snapshot{}, err
	}
	photos, err := e.Repo.SatisfiedPhotoKinds(ctx, tx, jobID)
	if err != nil {
		return stage.Snapshot{}, err
	}
	checks, err := e.Repo.SatisfiedChecklistKinds(ctx, tx, jobID)
	if err != nil {
		return stage.Snapshot{}, err
	}
	return stage.NewSnapshot(docs, photos, checks), nil
}

// GateStatusResult describes the gate guarding a job's next stage.
type GateStatusResult struct {
	JobID        string             `json:"job_id"`
	CurrentStage stage.Stage        `json:"current_stage"`
	TargetStage  stage.Stage        `json:"target_stage"`
	GateKey      stage.GateKey      `json:"gate_key"`
	Missing      stage.MissingItems `json:"missing"`
	Satisfied    bool               `json:"satisfied"`
}

// GateStatus evaluates the gate for a job's next stage without moving it.
func (e Engine) GateStatus(ctx context.Context, jobID string) (GateStatusResult, error) {
	return e.GateStatusFor(ctx, jobID, "")
}

// GateStatusFor evaluates the gate against an explicit target stage, or the
// job's next stage when targetStage is empty.
func (e Engine) GateStatusFor(ctx context.Context, jobID, targetStage string) (GateStatusResult, error) {
	if e.Config == nil {
		return GateStatusResult{}, errors.New("config not loaded")
	}
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return GateStatusResult{}, err
	}
	cur, err := stage.ParseStage(j.Stage)
	if err != nil {
		return GateStatusResult{}, err
	}
	var target stage.Stage
	if targetStage != "" {
		if target, err = stage.ParseStage(targetStage); err != nil {
			return GateStatusResult{}, err
		}
	} else {
		var ok bool
		if target, ok = cur.Next(); !ok {
			return GateStatusResult{}, fmt.Errorf("job %s is already at the final stage %s", j.ID, cur)
		}
	}
	gateKey, err := stage.GateKeyFor(target)
	if err != nil {
		return GateStatusResult{}, err
	}
	catalog, err := e.Config.CatalogFor(j.Kind)
	if err != nil {
		return GateStatusResult{}, err
	}
	reqs, err := catalog.Requirements(target)
	if err != nil {
		return GateStatusResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return GateStatusResult{}, err
	}
	defer tx.Rollback()
	snap, err := e.snapshotTx(ctx, tx, j.ID)
	if err != nil {
		return GateStatusResult{}, err
	}
	missing := stage.Evaluate(reqs, snap)
	return GateStatusResult{
		JobID:        j.ID,
		CurrentStage: cur,
		TargetStage:  target,
		GateKey:      gateKey,
		Missing:      missing,
		Satisfied:    missing.Empty(),
	}, nil
}

// AdvanceOptions are parameters for moving a job forward one stage.
// BypassReason nil means no bypass was requested; a non-nil blank reason is
// an explicit bypass attempt with a missing justification and is rejected.
type AdvanceOptions struct {
	JobID        string
	ActorID      string
	BypassReason *string
}

// AdvanceResult carries the moved job plus the gate outcome and, for a
// bypass, the persisted audit record.
type AdvanceResult struct {
	Job     domain.Job         `json:"job"`
	Outcome stage.GateOutcome  `json:"outcome"`
	Bypass  *domain.GateBypass `json:"bypass,omitempty"`
}

// AdvanceJob moves a job forward exactly one stage if the gate allows it.
// A blocked gate returns GateBlockedError with the missing items. When the
// actor holds gate.override and supplies a non-blank reason, the gate is
// bypassed: the audit record, the stage change and the events commit in one
// transaction, so a failed audit write leaves the stage untouched. A blank
// reason from an override-capable actor is stage.ErrEmptyBypassReason so the
// caller can re-prompt instead of silently blocking.
func (e Engine) AdvanceJob(ctx context.Context, opts AdvanceOptions) (AdvanceResult, error) {
	if e.Config == nil {
		return AdvanceResult{}, errors.New("config not loaded")
	}
	j, err := e.Repo.GetJob(ctx, opts.JobID)
	if err != nil {
		return AdvanceResult{}, err
	}
	cur, err := stage.ParseStage(j.Stage)
	if err != nil {
		return AdvanceResult{}, err
	}
	target, ok := cur.Next()
	if !ok {
		return AdvanceResult{}, fmt.Errorf("job %s is already at the final stage %s", j.ID, cur)
	}
	gateKey, err := stage.GateKeyFor(target)
	if err != nil {
		return AdvanceResult{}, err
	}
	catalog, err := e.Config.CatalogFor(j.Kind)
	if err != nil {
		return AdvanceResult{}, err
	}
	reqs, err := catalog.Requirements(target)
	if err != nil {
		return AdvanceResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer tx.Rollback()

	snap, err := e.snapshotTx(ctx, tx, j.ID)
	if err != nil {
		return AdvanceResult{}, err
	}
	missing := stage.Evaluate(reqs, snap)

	canOverride, err := e.Auth.ActorHasPermission(ctx, tx, j.ProjectID, opts.ActorID, config.PermGateOverride)
	if err != nil {
		return AdvanceResult{}, err
	}
	reason := ""
	if opts.BypassReason != nil {
		reason = stage.TrimReason(*opts.BypassReason)
		if !missing.Empty() && canOverride && reason == "" {
			return AdvanceResult{}, stage.ErrEmptyBypassReason
		}
	}

	now := e.now().UTC()
	outcome := stage.Decide(missing, stage.Actor{ID: opts.ActorID, CanOverride: canOverride}, reason, now)
	if outcome.Decision == stage.DecisionBlocked {
		return AdvanceResult{Outcome: outcome}, GateBlockedError{
			JobID:   j.ID,
			Target:  target,
			GateKey: gateKey,
			Missing: missing,
		}
	}

	var bypass *domain.GateBypass
	if outcome.Decision == stage.DecisionBypassed {
		b := domain.GateBypass{
			ID:         uuid.New().String(),
			ProjectID:  j.ProjectID,
			JobID:      j.ID,
			GateKey:    string(gateKey),
			Stage:      string(target),
			Reason:     outcome.BypassReason,
			RecordedBy: outcome.BypassedBy,
			RecordedAt: outcome.BypassedAt.Format(time.RFC3339),
		}
		if err := e.Repo.InsertGateBypass(ctx, tx, b); err != nil {
			return AdvanceResult{}, fmt.Errorf("record gate bypass: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.TypeGateBypassed, j.ProjectID, "job", j.ID, opts.ActorID, events.EventPayload{
			"gate_key": b.GateKey,
			"stage":    b.Stage,
			"reason":   b.Reason,
		}); err != nil {
			return AdvanceResult{}, err
		}
		bypass = &b
	}

	j.Stage = string(target)
	j.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return AdvanceResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeJobAdvanced, j.ProjectID, "job", j.ID, opts.ActorID, events.EventPayload{
		"from_stage": string(cur),
		"to_stage":   string(target),
		"bypassed":   outcome.Decision == stage.DecisionBypassed,
	}); err != nil {
		return AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, err
	}
	return AdvanceResult{Job: j, Outcome: outcome, Bypass: bypass}, nil
}

// Approval checklist flag names, in display order.
var ApprovalFlagNames = []string{"contract", "estimate", "materials", "labor"}

func approvalFlags(j domain.Job) []stage.ApprovalFlag {
	return []stage.ApprovalFlag{
		{Name: "contract", Done: j.HasContract},
		{Name: "estimate", Done: j.HasEstimate},
		{Name: "materials", Done: j.HasMaterials},
		{Name: "labor", Done: j.HasLabor},
	}
}

// ApprovalStatusResult carries the per-flag state and the aggregate.
type ApprovalStatusResult struct {
	JobID    string               `json:"job_id"`
	Flags    []stage.ApprovalFlag `json:"flags"`
	Progress stage.Progress       `json:"progress"`
}

// ApprovalStatus recomputes approval progress from the job's current flags.
func (e Engine) ApprovalStatus(ctx context.Context, jobID string) (ApprovalStatusResult, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return ApprovalStatusResult{}, err
	}
	flags := approvalFlags(j)
	return ApprovalStatusResult{
		JobID:    j.ID,
		Flags:    flags,
		Progress: stage.AggregateProgress(flags),
	}, nil
}

// SetApprovalFlag updates one approval checklist flag on a job.
func (e Engine) SetApprovalFlag(ctx context.Context, jobID, name string, value bool, actorID string) (ApprovalStatusResult, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return ApprovalStatusResult{}, err
	}
	switch name {
	case "contract":
		j.HasContract = value
	case "estimate":
		j.HasEstimate = value
	case "materials":
		j.HasMaterials = value
	case "labor":
		j.HasLabor = value
	default:
		return ApprovalStatusResult{}, fmt.Errorf("unknown approval flag %q", name)
	}
	j.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApprovalStatusResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return ApprovalStatusResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeApprovalFlag, j.ProjectID, "job", j.ID, actorID, events.EventPayload{"flag": name, "value": value}); err != nil {
		return ApprovalStatusResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApprovalStatusResult{}, err
	}
	flags := approvalFlags(j)
	return ApprovalStatusResult{JobID: j.ID, Flags: flags, Progress: stage.AggregateProgress(flags)}, nil
}

// ApproveJob marks a job approved. The approval checklist is re-read from
// storage and must be fully complete; a stale all-complete display never
// authorizes approval on its own.
func (e Engine) ApproveJob(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	flags := approvalFlags(j)
	progress := stage.AggregateProgress(flags)
	if !progress.AllComplete {
		return j, fmt.Errorf("approval checklist incomplete (%d/%d)", progress.Count, progress.Total)
	}
	failed, err := e.Repo.HasFailedInspection(ctx, j.ID)
	if err != nil {
		return j, err
	}
	if failed {
		return j, fmt.Errorf("job has a failed inspection; resolve it before approval")
	}
	now := e.now().UTC().Format(time.RFC3339)
	j.Approved = true
	j.ApprovedBy = optionalString(actorID)
	j.ApprovedAt = &now
	j.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeJobApproved, j.ProjectID, "job", j.ID, actorID, events.EventPayload{"approved_at": now}); err != nil {
		return j, err
	}
	return j, tx.Commit()
}

// RecordInspection files a quality inspection outcome against a job.
func (e Engine) RecordInspection(ctx context.Context, jobID, kind, status, summary string, issues []string, url, actorID string) (domain.Inspection, error) {
	if kind == "" {
		return domain.Inspection{}, errors.New("kind is required")
	}
	if status != "passed" && status != "failed" {
		return domain.Inspection{}, fmt.Errorf("invalid inspection status %q", status)
	}
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Inspection{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	in := domain.Inspection{
		ID:        uuid.New().String(),
		ProjectID: j.ProjectID,
		JobID:     j.ID,
		Kind:      kind,
		Status:    status,
		Summary:   summary,
		Issues:    issues,
		URL:       url,
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInspection(ctx, tx, in); err != nil {
		return in, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeInspection, j.ProjectID, "inspection", in.ID, actorID, events.EventPayload{"job_id": j.ID, "kind": kind, "status": status}); err != nil {
		return in, err
	}
	return in, tx.Commit()
}

// UpdateInspection amends an inspection, typically flipping failed to passed
// after rework.
func (e Engine) UpdateInspection(ctx context.Context, id, status, summary string, issues []string, url, actorID string) (domain.Inspection, error) {
	in, err := e.Repo.GetInspection(ctx, id)
	if err != nil {
		return in, err
	}
	if status != "" {
		if status != "passed" && status != "failed" {
			return in, fmt.Errorf("invalid inspection status %q", status)
		}
		in.Status = status
	}
	if summary != "" {
		in.Summary = summary
	}
	if issues != nil {
		in.Issues = issues
	}
	if url != "" {
		in.URL = url
	}
	in.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInspection(ctx, tx, in); err != nil {
		return in, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeInspection, in.ProjectID, "inspection", in.ID, actorID, events.EventPayload{"job_id": in.JobID, "status": in.Status}); err != nil {
		return in, err
	}
	return in, tx.Commit()
}

// SetCrewProfile upserts a crew directory entry for an actor.
func (e Engine) SetCrewProfile(ctx context.Context, projectID, actorID, specialty, phone, byActorID string) (domain.CrewProfile, error) {
	if actorID == "" {
		return domain.CrewProfile{}, errors.New("actor_id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CrewProfile{}, err
	}
	defer tx.Rollback()
	cp, err := e.Repo.UpsertCrewProfileTx(ctx, tx, projectID, actorID, specialty, phone)
	if err != nil {
		return cp, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeCrewProfileSet, projectID, "actor", actorID, byActorID, events.EventPayload{"specialty": specialty}); err != nil {
		return cp, err
	}
	return cp, tx.Commit()
}

// GrantRole assigns a config-defined role to an actor within a project.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, roleID, byActorID string) error {
	if e.Config != nil {
		if _, ok := e.Config.RBAC.Roles[roleID]; !ok && len(e.Config.RBAC.Roles) > 0 {
			return fmt.Errorf("unknown role %q", roleID)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRoleGranted, projectID, "actor", actorID, byActorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role from an actor within a project.
func (e Engine) RevokeRole(ctx context.Context, projectID, actorID, roleID, byActorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRoleRevoked, projectID, "actor", actorID, byActorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// WhoAmI returns an actor's roles and effective permissions for a project.
func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (domain.ActorProfile, error) {
	roles, err := e.Repo.ActorRoles(ctx, projectID, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	perms, err := e.Repo.ActorPermissions(ctx, projectID, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return domain.ActorProfile{
		ProjectID:   projectID,
		ActorID:     actorID,
		Roles:       roles,
		Permissions: perms,
	}, nil
}

// CreateAPIKey mints a raw key, stores its hash and returns the raw key once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	raw := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return key, "", err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return key, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return key, "", err
	}
	if err := tx.Commit(); err != nil {
		return key, "", err
	}
	return key, raw, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
