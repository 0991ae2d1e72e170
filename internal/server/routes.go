package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"harvestline/internal/dispatch"
	"harvestline/internal/repo"
)

func registerAgents(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		items := []AgentResponse{}
		for _, def := range d.Activities.Registry.Definitions() {
			items = append(items, agentResponse(def))
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-agent",
		Method:        http.MethodPost,
		Path:          "/agents/{name}/enqueue",
		Summary:       "Create an activity for an agent and queue it",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body EnqueueRequest
	}) (*struct {
		Body EnqueueResponse `json:"body"`
	}, error) {
		opts := json.RawMessage("{}")
		if input.Body.Opts != nil {
			raw, err := json.Marshal(input.Body.Opts)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "opts must be a JSON object", nil)
			}
			opts = raw
		}
		a, job, err := d.Enqueue(ctx, input.Name, input.Body.Queue, opts)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body EnqueueResponse `json:"body"`
		}{Body: EnqueueResponse{Activity: activityResponse(a), Job: jobResponse(job)}}, nil
	})
}

func registerActivities(api huma.API, d *dispatch.Dispatcher) {
	svc := d.Activities

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "List activities, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Agent  string `query:"agent"`
		Status string `query:"status" enum:"pending,running,succeeded,failed"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedActivities `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit, 50, 200)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := svc.List(ctx, repo.ActivityFilters{Agent: input.Agent, Status: input.Status, Limit: limit + 1, BeforeID: before})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedActivities{Items: []ActivityResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, a := range items {
			resp.Items = append(resp.Items, activityResponse(a))
		}
		return &struct {
			Body paginatedActivities `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/activities/{id}",
		Summary:     "Show an activity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		a, err := svc.Find(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-activity",
		Method:      http.MethodGet,
		Path:        "/activities/resolve",
		Summary:     "Resolve an activity URI",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		URI string `query:"uri" required:"true"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		a, err := svc.FromURI(ctx, input.URI)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "requeue-activity",
		Method:        http.MethodPost,
		Path:          "/activities/{id}/requeue",
		Summary:       "Queue an activity to run again",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body *RequeueRequest `required:"false"`
	}) (*struct {
		Body EnqueueResponse `json:"body"`
	}, error) {
		queue := ""
		if input.Body != nil {
			queue = input.Body.Queue
		}
		a, job, err := d.Requeue(ctx, input.ID, queue)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body EnqueueResponse `json:"body"`
		}{Body: EnqueueResponse{Activity: activityResponse(a), Job: jobResponse(job)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activity-entities",
		Method:      http.MethodGet,
		Path:        "/activities/{id}/entities",
		Summary:     "List the URIs an activity generated",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID                 int64 `path:"id"`
		IncludeInvalidated bool  `query:"include_invalidated"`
		Limit              int   `query:"limit" default:"100"`
		Offset             int   `query:"offset" minimum:"0"`
	}) (*struct {
		Body EntitiesResponse `json:"body"`
	}, error) {
		a, err := svc.Find(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		limit := normalizeLimit(input.Limit, 100, 1000)
		resp := EntitiesResponse{Activity: a.URI(), Items: []string{}}
		seen := 0
		for uri, err := range a.EntityURIs(ctx, input.IncludeInvalidated) {
			if err != nil {
				return nil, handleError(ctx, err)
			}
			seen++
			if seen <= input.Offset {
				continue
			}
			if len(resp.Items) == limit {
				resp.NextOffset = input.Offset + limit
				break
			}
			resp.Items = append(resp.Items, uri)
		}
		return &struct {
			Body EntitiesResponse `json:"body"`
		}{Body: resp}, nil
	})
}
