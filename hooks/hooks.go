// Package hooks is an ordered, versioned registry of callbacks invoked
// around plan and migration execution.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Event names the execution points hooks can attach to.
type Event string

const (
	BeforePlan      Event = "before_plan"
	AfterPlan       Event = "after_plan"
	BeforeMigration Event = "before_migration"
	AfterMigration  Event = "after_migration"
)

// VersionRange bounds the migration ids a hook applies to. A zero Max means
// unbounded; plan-level events (migration id 0) match every range with a
// zero Min.
type VersionRange struct {
	Min uint64
	Max uint64
}

func (r VersionRange) Contains(id uint64) bool {
	if id < r.Min {
		return false
	}
	return r.Max == 0 || id <= r.Max
}

// Kind tags how a hook is dispatched: awaited in place, or fire-and-forget.
// The tag replaces runtime reflection over arbitrary callables.
type Kind uint

const (
	KindSync Kind = iota
	KindAsync
)

// Context is the payload delivered to a hook.
type Context struct {
	Event       Event
	MigrationID uint64 // zero for plan-level events
	Description string
	Err         error // set on after_* events when the step failed
}

// Hook is one registered callback.
type Hook struct {
	Name string
	Kind Kind
	// Blocking makes a failing sync hook abort the surrounding step.
	// Ignored for async hooks, which are never awaited.
	Blocking bool
	Fn       func(ctx context.Context, hctx Context) error
}

// Result reports one hook invocation. Async hooks are reported as dispatched;
// their eventual error is logged, not returned.
type Result struct {
	Hook  string
	Async bool
	Err   error
}

type entry struct {
	versions VersionRange
	hook     Hook
}

// Registry stores hooks per event in registration order.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	hooks map[Event][]entry
	wg    sync.WaitGroup
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		hooks:  make(map[Event][]entry),
	}
}

// Register appends a hook for the event. Hooks fire in registration order.
func (r *Registry) Register(event Event, versions VersionRange, hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[event] = append(r.hooks[event], entry{versions: versions, hook: hook})
}

// Trigger invokes every matching hook in order. A failing hook records its
// error in the result list; only a failing sync hook registered as blocking
// aborts the caller, by returning an error.
func (r *Registry) Trigger(ctx context.Context, event Event, hctx Context) ([]Result, error) {
	r.mu.RLock()
	entries := make([]entry, len(r.hooks[event]))
	copy(entries, r.hooks[event])
	r.mu.RUnlock()

	hctx.Event = event

	var results []Result
	for _, e := range entries {
		if !e.versions.Contains(hctx.MigrationID) {
			continue
		}

		if e.hook.Kind == KindAsync {
			r.dispatch(e.hook, hctx)
			results = append(results, Result{Hook: e.hook.Name, Async: true})
			continue
		}

		err := e.hook.Fn(ctx, hctx)
		results = append(results, Result{Hook: e.hook.Name, Err: err})

		if err != nil {
			if e.hook.Blocking {
				return results, fmt.Errorf("blocking hook %q failed: %w", e.hook.Name, err)
			}
			r.logger.Warn("hook failed", "hook", e.hook.Name, "event", string(event), "error", err)
		}
	}

	return results, nil
}

// dispatch runs an async hook without awaiting it. The hook gets a fresh
// context so it outlives the caller's cancellation.
func (r *Registry) dispatch(hook Hook, hctx Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := hook.Fn(context.Background(), hctx); err != nil {
			r.logger.Warn("async hook failed",
				"hook", hook.Name, "event", string(hctx.Event), "error", err)
		}
	}()
}

// Wait blocks until every dispatched async hook has returned. Meant for
// shutdown paths and tests.
func (r *Registry) Wait() {
	r.wg.Wait()
}
