package server

import (
	"encoding/json"
	"time"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
	"harvestline/internal/domain"
)

// Request payloads

type EnqueueRequest struct {
	Queue string         `json:"queue,omitempty" doc:"Queue to push to; defaults to the agent's own queue"`
	Opts  map[string]any `json:"opts,omitempty" doc:"Agent options"`
}

type RequeueRequest struct {
	Queue string `json:"queue,omitempty"`
}

// Response payloads

type AgentResponse struct {
	Name              string `json:"name"`
	Queue             string `json:"queue,omitempty"`
	Summary           string `json:"summary,omitempty"`
	GeneratesEntities bool   `json:"generates_entities"`
}

type ActivityResponse struct {
	ID        int64          `json:"id"`
	URI       string         `json:"uri"`
	Agent     string         `json:"agent"`
	Opts      map[string]any `json:"opts"`
	Status    string         `json:"status" enum:"pending,running,succeeded,failed"`
	Error     string         `json:"error,omitempty"`
	StartTime *time.Time     `json:"start_time,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Ended     bool           `json:"ended"`
	CreatedAt time.Time      `json:"created_at"`
}

type JobResponse struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	ActivityID int64     `json:"activity_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type EnqueueResponse struct {
	Activity ActivityResponse `json:"activity"`
	Job      JobResponse      `json:"job"`
}

type paginatedActivities struct {
	Items      []ActivityResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type EntitiesResponse struct {
	Activity string   `json:"activity"`
	Items    []string `json:"items"`
	// NextOffset is set when more URIs may follow.
	NextOffset int `json:"next_offset,omitempty"`
}

func agentResponse(d agent.Definition) AgentResponse {
	return AgentResponse{Name: d.Name, Queue: d.Queue, Summary: d.Summary, GeneratesEntities: d.Behavior != nil}
}

func activityResponse(a *activity.Activity) ActivityResponse {
	opts := map[string]any{}
	_ = json.Unmarshal([]byte(a.Opts), &opts)
	return ActivityResponse{
		ID:        a.ID,
		URI:       a.URI(),
		Agent:     a.Activity.Agent,
		Opts:      opts,
		Status:    string(a.Status),
		Error:     a.Error,
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Ended:     a.Ended(),
		CreatedAt: a.CreatedAt,
	}
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{ID: j.ID, Queue: j.Queue, ActivityID: j.ActivityID, EnqueuedAt: j.EnqueuedAt}
}
