// Package queue moves activity ids from enqueuers to workers.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"harvestline/internal/db"
	"harvestline/internal/domain"
)

// Queue is a set of named FIFO queues of activity ids.
type Queue interface {
	Push(ctx context.Context, queue string, activityID int64) (domain.Job, error)
	// Pop removes the oldest message; ok is false when the queue is empty.
	Pop(ctx context.Context, queue string) (job domain.Job, ok bool, err error)
	Len(ctx context.Context, queue string) (int, error)
}

// SQL keeps messages in the jobs table next to the activities they point at.
type SQL struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

func NewSQL(conn *sql.DB, dialect db.Dialect) *SQL {
	return &SQL{DB: conn, Dialect: dialect, Now: time.Now}
}

func (q *SQL) Push(ctx context.Context, queue string, activityID int64) (domain.Job, error) {
	job := domain.Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		ActivityID: activityID,
		EnqueuedAt: q.Now().UTC(),
	}
	_, err := q.DB.ExecContext(ctx, q.Dialect.Rebind(`INSERT INTO jobs(id,queue,activity_id,enqueued_at) VALUES (?,?,?,?)`),
		job.ID, job.Queue, job.ActivityID, job.EnqueuedAt.Format(time.RFC3339Nano))
	if err != nil {
		return domain.Job{}, fmt.Errorf("push %s: %w", queue, err)
	}
	return job, nil
}

func (q *SQL) Pop(ctx context.Context, queue string) (domain.Job, bool, error) {
	lock := ""
	if q.Dialect == db.Postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	query := `DELETE FROM jobs WHERE seq = (SELECT seq FROM jobs WHERE queue=? ORDER BY seq LIMIT 1` + lock + `) RETURNING id,queue,activity_id,enqueued_at`
	var (
		job      domain.Job
		enqueued string
	)
	err := q.DB.QueryRowContext(ctx, q.Dialect.Rebind(query), queue).Scan(&job.ID, &job.Queue, &job.ActivityID, &enqueued)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("pop %s: %w", queue, err)
	}
	if job.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueued); err != nil {
		return domain.Job{}, false, fmt.Errorf("pop %s: %w", queue, err)
	}
	return job, true, nil
}

func (q *SQL) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx, q.Dialect.Rebind(`SELECT COUNT(*) FROM jobs WHERE queue=?`), queue).Scan(&n)
	return n, err
}
