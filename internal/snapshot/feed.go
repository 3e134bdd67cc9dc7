// Package snapshot implements the eventually-consistent "latest value"
// feeds (design note 9): allocation and escrow state pushed by a periodic
// refresh against the network/escrow subgraphs, consumed by the rest of
// the system as a watched cell rather than a message queue.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("snapshot", "github.com/graphprotocol/tap-agent/internal/snapshot")

// Feed holds the single latest published value of type T and wakes any
// reader blocked in Next when a newer value is published. Writers replace
// the value atomically; readers that are not actively waiting simply see
// the latest value on their next Current() call, possibly skipping
// several intermediate publishes (coalescing is intentional, see design
// note 9 — this is not a queue).
type Feed[T any] struct {
	mu      sync.Mutex
	value   T
	hasValue bool
	waiters chan struct{}
}

// NewFeed creates an empty feed. Current returns the zero value of T and
// Next blocks until the first Publish.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{waiters: make(chan struct{})}
}

// Current returns the most recently published value. If nothing has been
// published yet it returns the zero value of T; callers that require a
// value should use Next on startup instead.
func (f *Feed[T]) Current() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Ready reports whether at least one value has been published.
func (f *Feed[T]) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasValue
}

// Publish replaces the current value and wakes every reader blocked in
// Next. Only the feed's own refresh loop should call this.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	f.value = v
	f.hasValue = true
	closing := f.waiters
	f.waiters = make(chan struct{})
	f.mu.Unlock()
	close(closing)
}

// Next blocks until the next Publish after the call, or until ctx is
// done. A value published before the call does not wake it; use Ready
// and Current to read a value that is already there.
func (f *Feed[T]) Next(ctx context.Context) (T, error) {
	f.mu.Lock()
	ch := f.waiters
	f.mu.Unlock()

	select {
	case <-ch:
		return f.Current(), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Refresher produces a fresh T from upstream, or an error if upstream is
// unreachable. Errors never clear the previously published value — the
// feed continues to serve stale data until a successful refresh replaces
// it (SnapshotStale, §7).
type Refresher[T any] func(ctx context.Context) (T, error)

// Run drives the feed's periodic refresh loop until ctx is done. On
// success it publishes the new value and waits interval before refreshing
// again; on error it logs a warning, leaves the published value untouched,
// and retries after interval/2.
func Run[T any](ctx context.Context, feed *Feed[T], name string, interval time.Duration, refresh Refresher[T]) {
	for {
		value, err := refresh(ctx)
		if err != nil {
			zlog.Warn("snapshot refresh failed, serving last known value",
				zap.String("feed", name),
				zap.Error(err),
			)
			select {
			case <-time.After(interval / 2):
			case <-ctx.Done():
				return
			}
			continue
		}

		feed.Publish(value)

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}
