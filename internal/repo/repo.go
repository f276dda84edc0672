package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"roofline/internal/config"
	"roofline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,COALESCE(description,'') AS description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,'') AS description,created_at FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,'') AS description,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

const jobColumns = `id,project_id,kind,title,address,customer_name,stage,status,assignee_id,
has_contract,has_estimate,has_materials,has_labor,approved,approved_by,approved_at,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var address, customer, assignee, approvedBy, approvedAt sql.NullString
	err := scan(&j.ID, &j.ProjectID, &j.Kind, &j.Title, &address, &customer, &j.Stage, &j.Status, &assignee,
		&j.HasContract, &j.HasEstimate, &j.HasMaterials, &j.HasLabor, &j.Approved, &approvedBy, &approvedAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if address.Valid {
		j.Address = address.String
	}
	if customer.Valid {
		j.CustomerName = customer.String
	}
	if assignee.Valid {
		j.AssigneeID = &assignee.String
	}
	if approvedBy.Valid {
		j.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		j.ApprovedAt = &approvedAt.String
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ProjectID, j.Kind, j.Title, nullable(j.Address), nullable(j.CustomerName), j.Stage, j.Status,
		nullableStringPtr(j.AssigneeID), j.HasContract, j.HasEstimate, j.HasMaterials, j.HasLabor,
		j.Approved, nullableStringPtr(j.ApprovedBy), nullableStringPtr(j.ApprovedAt), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET kind=?, title=?, address=?, customer_name=?, stage=?, status=?, assignee_id=?,
has_contract=?, has_estimate=?, has_materials=?, has_labor=?, approved=?, approved_by=?, approved_at=?, updated_at=? WHERE id=?`,
		j.Kind, j.Title, nullable(j.Address), nullable(j.CustomerName), j.Stage, j.Status, nullableStringPtr(j.AssigneeID),
		j.HasContract, j.HasEstimate, j.HasMaterials, j.HasLabor, j.Approved, nullableStringPtr(j.ApprovedBy), nullableStringPtr(j.ApprovedAt),
		j.UpdatedAt, j.ID)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

type JobFilters struct {
	ProjectID       string
	Stage           string
	Status          string
	Kind            string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, nil
}

func (r Repo) CountJobsByStage(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, count(*) FROM jobs WHERE project_id=? GROUP BY stage`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var st string
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, err
		}
		res[st] = count
	}
	return res, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,project_id,job_id,kind,name,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.JobID, d.Kind, nullable(d.Name), d.ActorID, d.CreatedAt)
	return err
}

func (r Repo) ListDocuments(ctx context.Context, jobID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,job_id,kind,COALESCE(name,''),actor_id,created_at FROM documents WHERE job_id=? ORDER BY created_at DESC, id DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.JobID, &d.Kind, &d.Name, &d.ActorID, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

func (r Repo) InsertPhoto(ctx context.Context, tx *sql.Tx, p domain.Photo) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO photos(id,project_id,job_id,kind,caption,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.JobID, p.Kind, nullable(p.Caption), p.ActorID, p.CreatedAt)
	return err
}

func (r Repo) ListPhotos(ctx context.Context, jobID string) ([]domain.Photo, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,job_id,kind,COALESCE(caption,''),actor_id,created_at FROM photos WHERE job_id=? ORDER BY created_at DESC, id DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Photo
	for rows.Next() {
		var p domain.Photo
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.JobID, &p.Kind, &p.Caption, &p.ActorID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) UpsertChecklistItem(ctx context.Context, tx *sql.Tx, item domain.ChecklistItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checklist_items(job_id,kind,done,note,actor_id,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(job_id,kind) DO UPDATE SET done=excluded.done, note=excluded.note, actor_id=excluded.actor_id, updated_at=excluded.updated_at`,
		item.JobID, item.Kind, item.Done, nullable(item.Note), item.ActorID, item.UpdatedAt)
	return err
}

func (r Repo) ListChecklistItems(ctx context.Context, jobID string) ([]domain.ChecklistItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,kind,done,COALESCE(note,''),actor_id,updated_at FROM checklist_items WHERE job_id=? ORDER BY kind`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		var item domain.ChecklistItem
		if err := rows.Scan(&item.JobID, &item.Kind, &item.Done, &item.Note, &item.ActorID, &item.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, nil
}

// SatisfiedDocumentKinds returns the distinct document kinds attached to a job.
func (r Repo) SatisfiedDocumentKinds(ctx context.Context, tx *sql.Tx, jobID string) ([]string, error) {
	return distinctKinds(ctx, tx, r.DB, `SELECT DISTINCT kind FROM documents WHERE job_id=?`, jobID)
}

// SatisfiedPhotoKinds returns the distinct photo kinds attached to a job.
func (r Repo) SatisfiedPhotoKinds(ctx context.Context, tx *sql.Tx, jobID string) ([]string, error) {
	return distinctKinds(ctx, tx, r.DB, `SELECT DISTINCT kind FROM photos WHERE job_id=?`, jobID)
}

// SatisfiedChecklistKinds returns the checklist kinds marked done on a job.
func (r Repo) SatisfiedChecklistKinds(ctx context.Context, tx *sql.Tx, jobID string) ([]string, error) {
	return distinctKinds(ctx, tx, r.DB, `SELECT kind FROM checklist_items WHERE job_id=? AND done=1`, jobID)
}

func distinctKinds(ctx context.Context, tx *sql.Tx, db *sql.DB, query, jobID string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, jobID)
	} else {
		rows, err = db.QueryContext(ctx, query, jobID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
}

func (r Repo) InsertGateBypass(ctx context.Context, tx *sql.Tx, b domain.GateBypass) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gate_bypasses(id,project_id,job_id,gate_key,stage,reason,recorded_by,recorded_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.ProjectID, b.JobID, b.GateKey, b.Stage, b.Reason, b.RecordedBy, b.RecordedAt)
	return err
}

type BypassFilters struct {
	ProjectID string
	JobID     string
	GateKey   string
	Limit     int
}

func (r Repo) ListGateBypasses(ctx context.Context, f BypassFilters) ([]domain.GateBypass, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.JobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, f.JobID)
	}
	if f.GateKey != "" {
		clauses = append(clauses, "gate_key=?")
		args = append(args, f.GateKey)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,project_id,job_id,gate_key,stage,reason,recorded_by,recorded_at FROM gate_bypasses ` + where + ` ORDER BY recorded_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateBypass
	for rows.Next() {
		var b domain.GateBypass
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.JobID, &b.GateKey, &b.Stage, &b.Reason, &b.RecordedBy, &b.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
