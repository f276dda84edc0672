package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"roofline/internal/domain"
)

func (r Repo) InsertInspection(ctx context.Context, tx *sql.Tx, in domain.Inspection) error {
	issues, err := json.Marshal(in.Issues)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO inspections(id, project_id, job_id, kind, status, summary, issues_json, url, created_by, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.ProjectID, in.JobID, in.Kind, in.Status, nullable(in.Summary), string(issues), nullable(in.URL), in.CreatedBy, in.CreatedAt, in.UpdatedAt)
	return err
}

func (r Repo) UpdateInspection(ctx context.Context, tx *sql.Tx, in domain.Inspection) error {
	issues, err := json.Marshal(in.Issues)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE inspections SET kind=?, status=?, summary=?, issues_json=?, url=?, updated_at=? WHERE id=?`,
		in.Kind, in.Status, nullable(in.Summary), string(issues), nullable(in.URL), in.UpdatedAt, in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetInspection(ctx context.Context, id string) (domain.Inspection, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, project_id, job_id, kind, status, summary, issues_json, url, created_by, created_at, updated_at
FROM inspections WHERE id=?`, id)
	return scanInspection(row.Scan)
}

func (r Repo) GetInspectionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Inspection, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, project_id, job_id, kind, status, summary, issues_json, url, created_by, created_at, updated_at
FROM inspections WHERE id=?`, id)
	return scanInspection(row.Scan)
}

func (r Repo) ListInspections(ctx context.Context, jobID string) ([]domain.Inspection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, project_id, job_id, kind, status, summary, issues_json, url, created_by, created_at, updated_at
FROM inspections WHERE job_id=? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Inspection
	for rows.Next() {
		in, err := scanInspection(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// HasFailedInspection reports whether the job carries a failed inspection
// that has not been superseded by an update.
func (r Repo) HasFailedInspection(ctx context.Context, jobID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM inspections WHERE job_id=? AND status='failed' LIMIT 1`, jobID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func scanInspection(scan func(dest ...any) error) (domain.Inspection, error) {
	var in domain.Inspection
	var summary, issuesJSON, url sql.NullString
	err := scan(&in.ID, &in.ProjectID, &in.JobID, &in.Kind, &in.Status, &summary, &issuesJSON, &url, &in.CreatedBy, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if summary.Valid {
		in.Summary = summary.String
	}
	if url.Valid {
		in.URL = url.String
	}
	if issuesJSON.Valid && issuesJSON.String != "" {
		_ = json.Unmarshal([]byte(issuesJSON.String), &in.Issues)
	}
	return in, nil
}
