package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/root-talis/drift/driver"
)

// Advisory locks through the database's native advisory-lock facility. The
// key is a stable hash of the validated lock name; the driver keeps the lock
// pinned to one session for its whole lifetime.
type Advisory struct {
	locker driver.AdvisoryLocker
	name   string
	key    int64
	logger *slog.Logger

	mu    sync.Mutex
	depth int
}

func NewAdvisory(locker driver.AdvisoryLocker, name string, logger *slog.Logger) (*Advisory, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisory{
		locker: locker,
		name:   name,
		key:    keyFor(name),
		logger: logger,
	}, nil
}

func (l *Advisory) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth > 0 {
		l.depth++
		return true, nil
	}

	got, err := poll(ctx, timeout, func(ctx context.Context) (bool, error) {
		return l.locker.TryAdvisoryLock(ctx, l.key)
	})
	if err != nil || !got {
		return false, err
	}

	l.depth = 1
	l.logger.Debug("advisory lock acquired", "lock", l.name, "key", l.key)
	return true, nil
}

func (l *Advisory) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		return ErrNotHeld
	}

	l.depth--
	if l.depth > 0 {
		return nil
	}

	if err := l.locker.AdvisoryUnlock(ctx, l.key); err != nil {
		return err
	}
	l.logger.Debug("advisory lock released", "lock", l.name)
	return nil
}
