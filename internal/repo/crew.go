package repo

import (
	"context"
	"database/sql"
	"time"

	"roofline/internal/domain"
)

func (r Repo) UpsertCrewProfile(ctx context.Context, projectID, actorID, specialty, phone string) (domain.CrewProfile, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CrewProfile{}, err
	}
	defer tx.Rollback()
	cp, err := r.UpsertCrewProfileTx(ctx, tx, projectID, actorID, specialty, phone)
	if err != nil {
		return domain.CrewProfile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CrewProfile{}, err
	}
	return cp, nil
}

func (r Repo) UpsertCrewProfileTx(ctx context.Context, tx *sql.Tx, projectID, actorID, specialty, phone string) (domain.CrewProfile, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.CrewProfile{}, err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO crew_profiles(project_id, actor_id, specialty, phone, created_at, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id, actor_id) DO UPDATE SET specialty=excluded.specialty, phone=excluded.phone, updated_at=excluded.updated_at`,
		projectID, actorID, nullable(specialty), nullable(phone), now, now)
	if err != nil {
		return domain.CrewProfile{}, err
	}
	return r.GetCrewProfileTx(ctx, tx, projectID, actorID)
}

func (r Repo) GetCrewProfile(ctx context.Context, projectID, actorID string) (domain.CrewProfile, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_id, actor_id, specialty, phone, created_at, updated_at FROM crew_profiles WHERE project_id=? AND actor_id=?`,
		projectID, actorID)
	return scanCrewProfile(row.Scan)
}

func (r Repo) GetCrewProfileTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.CrewProfile, error) {
	row := tx.QueryRowContext(ctx, `SELECT project_id, actor_id, specialty, phone, created_at, updated_at FROM crew_profiles WHERE project_id=? AND actor_id=?`,
		projectID, actorID)
	return scanCrewProfile(row.Scan)
}

func (r Repo) ListCrewProfiles(ctx context.Context, projectID, actorID string) ([]domain.CrewProfile, error) {
	query := `SELECT project_id, actor_id, specialty, phone, created_at, updated_at FROM crew_profiles WHERE project_id=?`
	args := []any{projectID}
	if actorID != "" {
		query += " AND actor_id=?"
		args = append(args, actorID)
	}
	query += " ORDER BY actor_id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CrewProfile
	for rows.Next() {
		cp, err := scanCrewProfile(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

func (r Repo) DeleteCrewProfile(ctx context.Context, projectID, actorID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM crew_profiles WHERE project_id=? AND actor_id=?`, projectID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCrewProfile(scan func(dest ...any) error) (domain.CrewProfile, error) {
	var cp domain.CrewProfile
	var specialty, phone sql.NullString
	err := scan(&cp.ProjectID, &cp.ActorID, &specialty, &phone, &cp.CreatedAt, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if specialty.Valid {
		cp.Specialty = specialty.String
	}
	if phone.Valid {
		cp.Phone = phone.String
	}
	return cp, nil
}
