package domain

// Job is one roofing job moving through the production pipeline.
type Job struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Kind         string  `json:"kind"`
	Title        string  `json:"title"`
	Address      string  `json:"address,omitempty"`
	CustomerName string  `json:"customer_name,omitempty"`
	Stage        string  `json:"stage" enum:"in_progress,work_started,quality_check,completed,invoiced"`
	Status       string  `json:"status"`
	AssigneeID   *string `json:"assignee_id,omitempty"`

	HasContract  bool `json:"has_contract"`
	HasEstimate  bool `json:"has_estimate"`
	HasMaterials bool `json:"has_materials"`
	HasLabor     bool `json:"has_labor"`

	Approved   bool    `json:"approved"`
	ApprovedBy *string `json:"approved_by,omitempty"`
	ApprovedAt *string `json:"approved_at,omitempty" format:"date-time"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Document is an attached document artifact (metadata only; blobs live in
// external storage).
type Document struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Photo is an attached photo artifact.
type Photo struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Caption   string `json:"caption,omitempty"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ChecklistItem is one answered checklist entry on a job. Done items count
// toward gate completion.
type ChecklistItem struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Done      bool   `json:"done"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actor_id"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// GateBypass is the audit record written when a gate is force-passed.
type GateBypass struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	JobID      string `json:"job_id"`
	GateKey    string `json:"gate_key" enum:"pre_work,quality_check,completion"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
	RecordedBy string `json:"recorded_by"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

// Inspection is a quality inspection outcome recorded against a job. A
// failed inspection holds final approval until it is resolved.
type Inspection struct {
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

// CrewProfile is the crew directory entry for an actor within a project.
type CrewProfile struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Specialty string `json:"specialty,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Event is one row in the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Project groups jobs under one tenant.
type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActorProfile is the whoami readout: roles and effective permissions.
type ActorProfile struct {
	ProjectID   string   `json:"project_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
