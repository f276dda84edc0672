package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the engine. Webhook subscriptions filter on these.
const (
	TypeJobCreated     = "job.created"
	TypeJobUpdated     = "job.updated"
	TypeJobAdvanced    = "job.advanced"
	TypeJobApproved    = "job.approved"
	TypeGateBypassed   = "gate.bypassed"
	TypeArtifactAdded  = "artifact.added"
	TypeChecklistSet   = "checklist.set"
	TypeApprovalFlag   = "approval.flag_set"
	TypeInspection     = "inspection.recorded"
	TypeCrewProfileSet = "crew.profile_set"
	TypeRoleGranted    = "rbac.role_granted"
	TypeRoleRevoked    = "rbac.role_revoked"
	TypeProjectCreated = "project.created"
	TypeConfigImported = "config.imported"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside the caller's transaction so the event
// commits or rolls back together with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
