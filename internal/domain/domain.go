package domain

import "time"

// Status is the explicit outcome of an activity's latest run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Activity is one persisted execution record of a software agent.
type Activity struct {
	ID        int64      `json:"id"`
	Agent     string     `json:"agent"`
	Opts      string     `json:"opts"`
	Status    Status     `json:"status" enum:"pending,running,succeeded,failed"`
	Error     string     `json:"error,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty" format:"date-time"`
	EndTime   *time.Time `json:"end_time,omitempty" format:"date-time"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
}

// Ended reports whether the execution window has been closed.
func (a Activity) Ended() bool { return a.EndTime != nil }

// Job is a queue message. It carries nothing but the activity id.
type Job struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	ActivityID int64     `json:"activity_id"`
	EnqueuedAt time.Time `json:"enqueued_at" format:"date-time"`
}

// StoredResource is a resource row held by the graph store.
type StoredResource struct {
	URI          string
	ContentType  string
	Body         []byte
	ETag         string
	LastModified time.Time
	DeletedAt    *time.Time
}

// Gone reports whether the resource was deleted.
func (r StoredResource) Gone() bool { return r.DeletedAt != nil }
