package server

import (
	"encoding/json"

	"roofline/internal/config"
	"roofline/internal/domain"
	"roofline/internal/engine"
	"roofline/internal/stage"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type ImportConfigRequest struct {
	ConfigYAML string `json:"config_yaml"`
}

type CreateJobRequest struct {
	ID           *string `json:"id,omitempty"`
	Kind         string  `json:"kind,omitempty"`
	Title        string  `json:"title"`
	Address      *string `json:"address,omitempty"`
	CustomerName *string `json:"customer_name,omitempty"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
}

type UpdateJobRequest struct {
	Title        *string `json:"title,omitempty"`
	Address      *string `json:"address,omitempty"`
	CustomerName *string `json:"customer_name,omitempty"`
	Status       *string `json:"status,omitempty"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
}

type AdvanceJobRequest struct {
	BypassReason *string `json:"bypass_reason,omitempty"`
}

type AttachDocumentRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
}

type AttachPhotoRequest struct {
	Kind    string `json:"kind"`
	Caption string `json:"caption,omitempty"`
}

type SetChecklistItemRequest struct {
	Kind string `json:"kind"`
	Done bool   `json:"done"`
	Note string `json:"note,omitempty"`
}

type SetApprovalFlagRequest struct {
	Flag  string `json:"flag" enum:"contract,estimate,materials,labor"`
	Value bool   `json:"value"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type JobResponse struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Kind         string  `json:"kind"`
	Title        string  `json:"title"`
	Address      string  `json:"address,omitempty"`
	CustomerName string  `json:"customer_name,omitempty"`
	Stage        string  `json:"stage" enum:"in_progress,work_started,quality_check,completed,invoiced"`
	Status       string  `json:"status"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
	HasContract  bool    `json:"has_contract"`
	HasEstimate  bool    `json:"has_estimate"`
	HasMaterials bool    `json:"has_materials"`
	HasLabor     bool    `json:"has_labor"`
	Approved     bool    `json:"approved"`
	ApprovedBy   *string `json:"approved_by,omitempty"`
	ApprovedAt   *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type MissingItemsResponse struct {
	Documents  []string `json:"documents"`
	Photos     []string `json:"photos"`
	Checklists []string `json:"checklists"`
}

type GateStatusResponse struct {
	JobID        string               `json:"job_id"`
	CurrentStage string               `json:"current_stage"`
	TargetStage  string               `json:"target_stage"`
	GateKey      string               `json:"gate_key" enum:"pre_work,quality_check,completion"`
	Missing      MissingItemsResponse `json:"missing"`
	Satisfied    bool                 `json:"satisfied"`
}

type BypassResponse struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	JobID      string `json:"job_id"`
	GateKey    string `json:"gate_key" enum:"pre_work,quality_check,completion"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
	RecordedBy string `json:"recorded_by"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

type AdvanceJobResponse struct {
	Job          JobResponse     `json:"job"`
	Decision     string          `json:"decision" enum:"allowed,bypassed"`
	BypassReason string          `json:"bypass_reason,omitempty"`
	Bypass       *BypassResponse `json:"bypass,omitempty"`
}

type DocumentResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type PhotoResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Caption   string `json:"caption,omitempty"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ChecklistItemResponse struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Done      bool   `json:"done"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actor_id"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ApprovalFlagResponse struct {
	Name string `json:"name"`
	Done bool   `json:"done"`
}

type ApprovalResponse struct {
	JobID       string                 `json:"job_id"`
	Flags       []ApprovalFlagResponse `json:"flags"`
	Count       int                    `json:"count"`
	Total       int                    `json:"total"`
	Percent     float64                `json:"percent"`
	AllComplete bool                   `json:"all_complete"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the raw key, returned only on create.
	Key string `json:"key,omitempty"`
}

type ProjectConfigResponse struct {
	Project   projectConfigSection   `json:"project"`
	Artifacts artifactsConfigSection `json:"artifacts"`
	Gates     gatesConfigSection     `json:"gates"`
	Roles     map[string]roleSection `json:"roles"`
}

type projectConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type artifactsConfigSection struct {
	Documents  map[string]artifactKindSection `json:"documents"`
	Photos     map[string]artifactKindSection `json:"photos"`
	Checklists map[string]artifactKindSection `json:"checklists"`
}

type artifactKindSection struct {
	Description string `json:"description"`
}

type gatesConfigSection struct {
	DefaultJobKind string                                    `json:"default_job_kind,omitempty"`
	Requirements   map[string]map[string]requirementsSection `json:"requirements"`
}

type requirementsSection struct {
	Documents  []string `json:"documents,omitempty"`
	Photos     []string `json:"photos,omitempty"`
	Checklists []string `json:"checklists,omitempty"`
}

type roleSection struct {
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type RecordInspectionRequest struct {
	Kind    string   `json:"kind"`
	Status  string   `json:"status" enum:"passed,failed"`
	Summary string   `json:"summary,omitempty"`
	Issues  []string `json:"issues,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type UpdateInspectionRequest struct {
	Status  string   `json:"status,omitempty" enum:",passed,failed"`
	Summary string   `json:"summary,omitempty"`
	Issues  []string `json:"issues,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type InspectionResponse struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	JobID     string   `json:"job_id"`
	Kind      string   `json:"kind"`
	Status    string   `json:"status" enum:"passed,failed"`
	Summary   string   `json:"summary,omitempty"`
	Issues    []string `json:"issues,omitempty"`
	URL       string   `json:"url,omitempty"`
	CreatedBy string   `json:"created_by"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

type SetCrewProfileRequest struct {
	Specialty string `json:"specialty,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type CrewProfileResponse struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Specialty string `json:"specialty,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type paginatedJobs struct {
	Items      []JobResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse(j)
}

func missingResponse(m stage.MissingItems) MissingItemsResponse {
	return MissingItemsResponse{
		Documents:  nonNilSlice(m.Documents),
		Photos:     nonNilSlice(m.Photos),
		Checklists: nonNilSlice(m.Checklists),
	}
}

func gateStatusResponse(res engine.GateStatusResult) GateStatusResponse {
	return GateStatusResponse{
		JobID:        res.JobID,
		CurrentStage: string(res.CurrentStage),
		TargetStage:  string(res.TargetStage),
		GateKey:      string(res.GateKey),
		Missing:      missingResponse(res.Missing),
		Satisfied:    res.Satisfied,
	}
}

func bypassResponse(b domain.GateBypass) BypassResponse {
	return BypassResponse(b)
}

func advanceResponse(res engine.AdvanceResult) AdvanceJobResponse {
	out := AdvanceJobResponse{
		Job:          jobResponse(res.Job),
		Decision:     string(res.Outcome.Decision),
		BypassReason: res.Outcome.BypassReason,
	}
	if res.Bypass != nil {
		b := bypassResponse(*res.Bypass)
		out.Bypass = &b
	}
	return out
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse(d)
}

func photoResponse(p domain.Photo) PhotoResponse {
	return PhotoResponse(p)
}

func checklistItemResponse(item domain.ChecklistItem) ChecklistItemResponse {
	return ChecklistItemResponse(item)
}

func inspectionResponse(in domain.Inspection) InspectionResponse {
	return InspectionResponse(in)
}

func crewProfileResponse(cp domain.CrewProfile) CrewProfileResponse {
	return CrewProfileResponse(cp)
}

func approvalResponse(res engine.ApprovalStatusResult) ApprovalResponse {
	flags := make([]ApprovalFlagResponse, 0, len(res.Flags))
	for _, f := range res.Flags {
		flags = append(flags, ApprovalFlagResponse(f))
	}
	return ApprovalResponse{
		JobID:       res.JobID,
		Flags:       flags,
		Count:       res.Progress.Count,
		Total:       res.Progress.Total,
		Percent:     res.Progress.Percent,
		AllComplete: res.Progress.AllComplete,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey, raw string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		Key:       raw,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	res := ProjectConfigResponse{
		Project: projectConfigSection{
			ID:   cfg.Project.ID,
			Kind: cfg.Project.Kind,
		},
		Artifacts: artifactsConfigSection{
			Documents:  artifactSection(cfg.Artifacts.Documents),
			Photos:     artifactSection(cfg.Artifacts.Photos),
			Checklists: artifactSection(cfg.Artifacts.Checklists),
		},
		Gates: gatesConfigSection{
			DefaultJobKind: cfg.Gates.Defaults.JobKind,
			Requirements:   map[string]map[string]requirementsSection{},
		},
		Roles: map[string]roleSection{},
	}
	for jobKind, stages := range cfg.Gates.Requirements {
		kindReqs := map[string]requirementsSection{}
		for stageKey, spec := range stages {
			kindReqs[stageKey] = requirementsSection{
				Documents:  spec.Documents,
				Photos:     spec.Photos,
				Checklists: spec.Checklists,
			}
		}
		res.Gates.Requirements[jobKind] = kindReqs
	}
	for roleID, role := range cfg.RBAC.Roles {
		res.Roles[roleID] = roleSection{
			Description: role.Description,
			Permissions: nonNilSlice(role.Permissions),
		}
	}
	return res
}

func artifactSection(catalog map[string]config.ArtifactKind) map[string]artifactKindSection {
	res := map[string]artifactKindSection{}
	for kind, meta := range catalog {
		res[kind] = artifactKindSection{Description: meta.Description}
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
