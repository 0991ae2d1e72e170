// Package agent defines runnable software agents and the registry that maps
// persisted agent names back to constructors.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
)

var (
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrInvalidOptions = errors.New("invalid options")
)

// Agent is one runnable unit of work. Run receives the URI of the activity
// wrapping it so that everything it writes can carry that provenance.
type Agent interface {
	Run(ctx context.Context, activityURI string) error
}

// Entity is a typed, loaded resource from an activity's output set.
type Entity interface {
	URI() string
}

// EntityError is a failure to load one entity of an output set. Consumers
// skip the entity; any other error in the sequence ends it.
type EntityError struct {
	URI string
	Err error
}

func (e *EntityError) Error() string { return fmt.Sprintf("load %s: %v", e.URI, e.Err) }

func (e *EntityError) Unwrap() error { return e.Err }

// EntitySource yields the URIs an activity generated.
type EntitySource interface {
	EntityURIs(ctx context.Context, includeInvalidated bool) iter.Seq2[string, error]
}

// EntityBehavior turns an activity's output URIs into entities.
type EntityBehavior interface {
	Entities(ctx context.Context, src EntitySource, includeInvalidated bool) iter.Seq2[Entity, error]
}

// Definition is the type-level side of an agent.
type Definition struct {
	Name  string
	Queue string
	// New decodes and validates the agent's typed options.
	New func(opts json.RawMessage) (Agent, error)
	// Behavior describes the entities the agent generates; nil when it
	// generates none.
	Behavior EntityBehavior
	Summary  string
}

// Registry is the closed set of agents a process can run.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Register adds a definition. Duplicate or incomplete definitions are
// programming errors and panic.
func (r *Registry) Register(d Definition) {
	if d.Name == "" || d.New == nil {
		panic("agent: definition needs a name and a constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[d.Name]; dup {
		panic(fmt.Sprintf("agent: %q registered twice", d.Name))
	}
	r.defs[d.Name] = d
}

func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return d, nil
}

// Build constructs the named agent from its serialized options.
func (r *Registry) Build(name string, opts json.RawMessage) (Agent, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	a, err := d.New(opts)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", name, err)
	}
	return a, nil
}

// Names lists registered agents, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions lists registered definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	names := r.Names()
	out := make([]Definition, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		out = append(out, r.defs[n])
	}
	return out
}

// DecodeOptions unmarshals opts into a typed options struct, rejecting
// unknown keys, and runs its Validate method when it has one.
func DecodeOptions[T any](opts json.RawMessage) (T, error) {
	var v T
	if len(opts) == 0 {
		opts = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(opts))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if val, ok := any(&v).(interface{ Validate() error }); ok {
		if err := val.Validate(); err != nil {
			return v, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
	}
	return v, nil
}
