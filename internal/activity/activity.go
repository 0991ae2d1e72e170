package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"runtime/debug"

	"github.com/qmuntal/stateless"

	"harvestline/internal/agent"
	"harvestline/internal/ctxlog"
	"harvestline/internal/domain"
)

// RunFunc is the unit of work wrapped by Run.
type RunFunc func(ctx context.Context, a agent.Agent, activityURI string) error

// Activity is a loaded execution record. The agent instance is built once
// per handle.
type Activity struct {
	domain.Activity
	svc      *Service
	instance agent.Agent
}

// URI is the provenance anchor of the activity.
func (a *Activity) URI() string { return a.svc.URI(a.ID) }

// Definition returns the type-level description of the activity's agent.
func (a *Activity) Definition() (agent.Definition, error) {
	return a.svc.Registry.Lookup(a.Activity.Agent)
}

// Instance builds the agent from the persisted name and options.
func (a *Activity) Instance(ctx context.Context) (agent.Agent, error) {
	if a.instance != nil {
		return a.instance, nil
	}
	inst, err := a.svc.Registry.Build(a.Activity.Agent, json.RawMessage(a.Opts))
	if err != nil {
		return nil, err
	}
	a.instance = inst
	return inst, nil
}

const (
	triggerStart   = "start"
	triggerSucceed = "succeed"
	triggerFail    = "fail"
)

func (a *Activity) machine() *stateless.StateMachine {
	m := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			if a.Status == "" {
				return domain.StatusPending, nil
			}
			return a.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			a.Status = s.(domain.Status)
			return nil
		},
		stateless.FiringImmediate,
	)
	m.Configure(domain.StatusPending).
		Permit(triggerStart, domain.StatusRunning)
	// a worker that died mid-run leaves the record running
	m.Configure(domain.StatusRunning).
		PermitReentry(triggerStart).
		Permit(triggerSucceed, domain.StatusSucceeded).
		Permit(triggerFail, domain.StatusFailed)
	m.Configure(domain.StatusSucceeded).
		Permit(triggerStart, domain.StatusRunning)
	m.Configure(domain.StatusFailed).
		Permit(triggerStart, domain.StatusRunning)
	return m
}

// Run executes fn inside the activity's execution window. A stale end time
// is cleared and the start time set before fn runs; the end time, status and
// error are written on every exit path, panics included. The error from fn
// is returned unchanged and panics are re-raised after the window closes.
func (a *Activity) Run(ctx context.Context, fn RunFunc) (err error) {
	ctx = ctxlog.With(ctx, "activity", a.URI(), "agent", a.Activity.Agent)
	log := ctxlog.FromContext(ctx)

	fsm := a.machine()
	if err := fsm.FireCtx(ctx, triggerStart); err != nil {
		return fmt.Errorf("start activity %d: %w", a.ID, err)
	}
	start := a.svc.now()
	a.StartTime = &start
	a.EndTime = nil
	a.Error = ""
	if err := a.svc.Repo.UpdateActivityRun(ctx, a.Activity); err != nil {
		return fmt.Errorf("start activity %d: %w", a.ID, err)
	}
	log.Info("activity started", "opts", a.Opts)

	defer func() {
		rec := recover()
		if rec != nil {
			err = fmt.Errorf("activity %d panicked: %v", a.ID, rec)
		}
		end := a.svc.now()
		if end.Before(start) {
			end = start
		}
		a.EndTime = &end
		trigger := triggerSucceed
		if err != nil {
			trigger = triggerFail
			a.Error = err.Error()
		}
		if ferr := fsm.FireCtx(ctx, trigger); ferr != nil {
			log.Error("activity state transition failed", "trigger", trigger, "error", ferr)
		}
		if perr := a.svc.Repo.UpdateActivityRun(context.WithoutCancel(ctx), a.Activity); perr != nil {
			log.Error("closing activity window failed", "error", perr)
		}
		duration := end.Sub(start)
		a.svc.recordRun(ctx, a.Activity.Agent, a.Status, duration)
		switch {
		case rec != nil:
			log.Error("activity panicked", "error", err, "duration", duration, "stack", string(debug.Stack()))
			panic(rec)
		case err != nil:
			log.Error("activity failed", "error", err, "duration", duration, "stack", string(debug.Stack()))
		default:
			log.Info("activity finished", "duration", duration)
		}
	}()

	inst, err := a.Instance(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, inst, a.URI())
}

// EntityURIs yields the URIs of resources generated by this activity.
func (a *Activity) EntityURIs(ctx context.Context, includeInvalidated bool) iter.Seq2[string, error] {
	return a.svc.Lineage.FindGeneratedBy(ctx, a.URI(), includeInvalidated)
}

// Entities loads the generated resources through the producing agent's
// entity behavior.
func (a *Activity) Entities(ctx context.Context, includeInvalidated bool) iter.Seq2[agent.Entity, error] {
	def, err := a.Definition()
	if err == nil && def.Behavior == nil {
		err = fmt.Errorf("agent %s does not generate entities", def.Name)
	}
	if err != nil {
		return func(yield func(agent.Entity, error) bool) { yield(nil, err) }
	}
	return def.Behavior.Entities(ctx, a, includeInvalidated)
}
