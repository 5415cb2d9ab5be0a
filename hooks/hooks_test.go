package hooks_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/drift/hooks"
)

var ErrAny = errors.New("test error") // nolint:gochecknoglobals

var versionRangeTestTable = []struct { // nolint:gochecknoglobals
	name     string
	r        hooks.VersionRange
	id       uint64
	expected bool
}{
	/* s0 */ {name: "test s0: zero range matches everything", r: hooks.VersionRange{}, id: 20260827120000001, expected: true},
	/* s1 */ {name: "test s1: zero range matches plan-level events", r: hooks.VersionRange{}, id: 0, expected: true},
	/* s2 */ {name: "test s2: id inside bounds", r: hooks.VersionRange{Min: 10, Max: 20}, id: 15, expected: true},
	/* s3 */ {name: "test s3: id on the bounds", r: hooks.VersionRange{Min: 10, Max: 20}, id: 20, expected: true},
	/* s4 */ {name: "test s4: id below min", r: hooks.VersionRange{Min: 10, Max: 20}, id: 9, expected: false},
	/* s5 */ {name: "test s5: id above max", r: hooks.VersionRange{Min: 10, Max: 20}, id: 21, expected: false},
	/* s6 */ {name: "test s6: zero max is unbounded", r: hooks.VersionRange{Min: 10}, id: 1 << 60, expected: true},
}

func TestVersionRangeContains(t *testing.T) {
	t.Parallel()

	for _, test := range versionRangeTestTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.expected, test.r.Contains(test.id))
		})
	}
}

func TestTriggerRunsHooksInRegistrationOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := hooks.NewRegistry(nil)

	var order []string
	record := func(name string) hooks.Hook {
		return hooks.Hook{
			Name: name,
			Fn: func(context.Context, hooks.Context) error {
				order = append(order, name)
				return nil
			},
		}
	}

	registry.Register(hooks.BeforeMigration, hooks.VersionRange{}, record("first"))
	registry.Register(hooks.BeforeMigration, hooks.VersionRange{}, record("second"))
	registry.Register(hooks.BeforeMigration, hooks.VersionRange{}, record("third"))

	results, err := registry.Trigger(ctx, hooks.BeforeMigration, hooks.Context{MigrationID: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Len(t, results, 3)
}

func TestTriggerFiltersByVersionRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := hooks.NewRegistry(nil)

	var called bool
	registry.Register(hooks.BeforeMigration, hooks.VersionRange{Min: 100, Max: 200}, hooks.Hook{
		Name: "ranged",
		Fn: func(context.Context, hooks.Context) error {
			called = true
			return nil
		},
	})

	results, err := registry.Trigger(ctx, hooks.BeforeMigration, hooks.Context{MigrationID: 50})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.False(t, called)

	results, err = registry.Trigger(ctx, hooks.BeforeMigration, hooks.Context{MigrationID: 150})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.True(t, called)
}

func TestTriggerOnlyFiresRegisteredEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := hooks.NewRegistry(nil)

	var called bool
	registry.Register(hooks.AfterPlan, hooks.VersionRange{}, hooks.Hook{
		Name: "after-only",
		Fn: func(context.Context, hooks.Context) error {
			called = true
			return nil
		},
	})

	_, err := registry.Trigger(ctx, hooks.BeforePlan, hooks.Context{})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestTriggerNonBlockingFailureIsRecordedNotReturned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := hooks.NewRegistry(nil)

	var reached bool
	registry.Register(hooks.BeforeMigration, hooks.VersionRange{}, hooks.Hook{
		Name: "flaky",
		Fn:   func(context.Context, hooks.Context) error { return ErrAny },
	})
	registry.Register(hooks.BeforeMigration, hooks.VersionRange{}, hooks.Hook{
		Name: "next",
		Fn: func(context.Context, hooks.Context) error {
			reached = true
			return nil
		},
	})

	results, err := registry.Trigger(ctx, hooks.BeforeMigration, hooks.Context{MigrationID: 1})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, ErrAny)
	assert.NoError(t, results[1].Err)
	assert.True(t, reached)
}

func TestTriggerBlockingFailureAbortsTheStep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := hooks.NewRegistry(nil)

	var reached bool
	registry.Register(hooks.BeforeMigration, hooks.VersionRange{}, hooks.Hook{
		Name:     "gatekeeper",
		Blocking: true,
		Fn:       func(context.Context, hooks.Context) error { return ErrAny },
	})
	registry.Register(hooks.BeforeMigration, hooks.VersionRange{}, hooks.Hook{
		Name: "never",
		Fn: func(context.Context, hooks.Context) error {
			reached = true
			return nil
		},
	})

	results, err := registry.Trigger(ctx, hooks.BeforeMigration, hooks.Context{MigrationID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAny)
	assert.Len(t, results, 1)
	assert.False(t, reached)
}

func TestTriggerAsyncHooksAreNotAwaited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := hooks.NewRegistry(nil)

	started := make(chan struct{})
	release := make(chan struct{})
	registry.Register(hooks.AfterMigration, hooks.VersionRange{}, hooks.Hook{
		Name: "slow-notifier",
		Kind: hooks.KindAsync,
		Fn: func(context.Context, hooks.Context) error {
			close(started)
			<-release
			return nil
		},
	})

	results, err := registry.Trigger(ctx, hooks.AfterMigration, hooks.Context{MigrationID: 1})
	require.NoError(t, err)

	// Trigger returned while the hook is still blocked
	require.Len(t, results, 1)
	assert.True(t, results[0].Async)
	<-started

	close(release)
	registry.Wait()
}

func TestTriggerAsyncFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := hooks.NewRegistry(nil)

	registry.Register(hooks.AfterMigration, hooks.VersionRange{}, hooks.Hook{
		Name:     "doomed",
		Kind:     hooks.KindAsync,
		Blocking: true, // ignored for async hooks
		Fn:       func(context.Context, hooks.Context) error { return ErrAny },
	})

	_, err := registry.Trigger(ctx, hooks.AfterMigration, hooks.Context{MigrationID: 1})
	assert.NoError(t, err)
	registry.Wait()
}

func TestTriggerDeliversEventAndPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := hooks.NewRegistry(nil)

	var got hooks.Context
	registry.Register(hooks.AfterMigration, hooks.VersionRange{}, hooks.Hook{
		Name: "inspector",
		Fn: func(_ context.Context, hctx hooks.Context) error {
			got = hctx
			return nil
		},
	})

	_, err := registry.Trigger(ctx, hooks.AfterMigration, hooks.Context{
		MigrationID: 7,
		Description: "ADD_TABLE users",
		Err:         ErrAny,
	})
	require.NoError(t, err)

	assert.Equal(t, hooks.AfterMigration, got.Event)
	assert.Equal(t, uint64(7), got.MigrationID)
	assert.Equal(t, "ADD_TABLE users", got.Description)
	assert.ErrorIs(t, got.Err, ErrAny)
}

func TestRegisterIsSafeForConcurrentUse(t *testing.T) {
	t.Parallel()
	registry := hooks.NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.Register(hooks.BeforePlan, hooks.VersionRange{}, hooks.Hook{
				Name: "concurrent",
				Fn:   func(context.Context, hooks.Context) error { return nil },
			})
		}()
	}
	wg.Wait()

	results, err := registry.Trigger(context.Background(), hooks.BeforePlan, hooks.Context{})
	require.NoError(t, err)
	assert.Len(t, results, 16)
}
