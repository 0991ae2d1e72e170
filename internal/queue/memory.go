package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"harvestline/internal/domain"
)

type memJob struct {
	// Key orders messages: a zero-padded sequence number.
	Key   string
	Queue string
	Job   domain.Job
}

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"jobs": {
			Name: "jobs",
			Indexes: map[string]*memdb.IndexSchema{
				"id":    {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
				"queue": {Name: "queue", Indexer: &memdb.StringFieldIndex{Field: "Queue"}},
			},
		},
	},
}

// Memory is a process-local queue, for single-process runs and tests.
type Memory struct {
	db  *memdb.MemDB
	seq atomic.Uint64
	Now func() time.Time
}

func NewMemory() (*Memory, error) {
	mdb, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, err
	}
	return &Memory{db: mdb, Now: time.Now}, nil
}

func (m *Memory) Push(_ context.Context, queue string, activityID int64) (domain.Job, error) {
	job := domain.Job{ID: uuid.NewString(), Queue: queue, ActivityID: activityID, EnqueuedAt: m.Now().UTC()}
	txn := m.db.Txn(true)
	defer txn.Abort()
	rec := &memJob{Key: fmt.Sprintf("%020d", m.seq.Add(1)), Queue: queue, Job: job}
	if err := txn.Insert("jobs", rec); err != nil {
		return domain.Job{}, fmt.Errorf("push %s: %w", queue, err)
	}
	txn.Commit()
	return job, nil
}

func (m *Memory) Pop(_ context.Context, queue string) (domain.Job, bool, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("jobs", "queue", queue)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("pop %s: %w", queue, err)
	}
	if raw == nil {
		return domain.Job{}, false, nil
	}
	if err := txn.Delete("jobs", raw); err != nil {
		return domain.Job{}, false, fmt.Errorf("pop %s: %w", queue, err)
	}
	txn.Commit()
	return raw.(*memJob).Job, true, nil
}

func (m *Memory) Len(_ context.Context, queue string) (int, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get("jobs", "queue", queue)
	if err != nil {
		return 0, err
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n, nil
}
