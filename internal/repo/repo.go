package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"harvestline/internal/db"
	"harvestline/internal/domain"
)

// Repo persists activities in a SQL database.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

const activityColumns = `id,agent,opts,status,COALESCE(error,'') AS error,start_time,end_time,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(row scanner) (domain.Activity, error) {
	var (
		a          domain.Activity
		status     string
		start, end sql.NullString
		created    string
	)
	err := row.Scan(&a.ID, &a.Agent, &a.Opts, &status, &a.Error, &start, &end, &created)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.Status(status)
	if a.StartTime, err = parseNullTime(start); err != nil {
		return a, err
	}
	if a.EndTime, err = parseNullTime(end); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) q(query string) string { return r.Dialect.Rebind(query) }

// InsertActivity stores a new pending activity and returns it with its id.
func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) (domain.Activity, error) {
	if a.Status == "" {
		a.Status = domain.StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := r.DB.QueryRowContext(ctx, r.q(`INSERT INTO activities(agent,opts,status,created_at) VALUES (?,?,?,?) RETURNING id`),
		a.Agent, a.Opts, string(a.Status), formatTime(a.CreatedAt)).Scan(&a.ID)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	return a, nil
}

func (r Repo) GetActivity(ctx context.Context, id int64) (domain.Activity, error) {
	return scanActivity(r.DB.QueryRowContext(ctx, r.q(`SELECT `+activityColumns+` FROM activities WHERE id=?`), id))
}

// ActivityFilters narrows ListActivities.
type ActivityFilters struct {
	Agent  string
	Status string
	Limit  int
	// BeforeID pages backwards from an id (exclusive).
	BeforeID int64
}

func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Agent != "" {
		clauses = append(clauses, "agent=?")
		args = append(args, f.Agent)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT ` + activityColumns + ` FROM activities`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateActivityRun writes the run window and outcome of an activity.
func (r Repo) UpdateActivityRun(ctx context.Context, a domain.Activity) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE activities SET status=?, error=?, start_time=?, end_time=? WHERE id=?`),
		string(a.Status), nullable(a.Error), nullableTime(a.StartTime), nullableTime(a.EndTime), a.ID)
	if err != nil {
		return fmt.Errorf("update activity %d: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
