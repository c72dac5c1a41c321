// Package bridge provides the synchronous entry point from SQLite's blocking
// read path into the HTTP client. Work is dispatched to a tracked background
// goroutine and the caller blocks until it completes, so the bridge is safe
// to drive from any thread the engine happens to call on. Shutdown is
// idempotent and leaves outstanding work unwinding in the background.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// ErrClosed is returned by Do after Shutdown. It is distinct from any failure
// of the submitted work itself.
var ErrClosed = errors.New("bridge is shut down")

// Bridge owns one HTTP client and a tracked set of worker goroutines.
// The zero value is not usable; create bridges with New.
type Bridge struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	shutdownOnce sync.Once
	workers      conc.WaitGroup
}

// New creates a Bridge around client. A nil client selects a default client
// shared-nothing with anyone else. When timeout is positive every unit of
// work runs under a context deadline of that duration.
func New(client *http.Client, timeout time.Duration) *Bridge {
	if client == nil {
		client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:  client,
		timeout: timeout,
		logger:  slog.Default().With("component", "bridge"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Do runs fn on a background worker goroutine and blocks until it completes,
// returning fn's error. After Shutdown, Do returns ErrClosed without running
// fn. If Shutdown happens while fn is in flight, Do stops waiting and returns
// ErrClosed; fn unwinds in the background via its cancelled context.
func (b *Bridge) Do(fn func(ctx context.Context, client *http.Client) error) error {
	ctx := b.ctx
	cancel := context.CancelFunc(func() {})
	if b.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
	}

	done := make(chan error, 1)

	// The spawn happens under the read lock so Shutdown can never observe a
	// half-submitted unit of work.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		cancel()
		return ErrClosed
	}
	b.workers.Go(func() {
		defer cancel()
		done <- fn(ctx, b.client)
	})
	b.mu.RUnlock()

	select {
	case err := <-done:
		// Work cancelled by shutdown reports the bridge as unavailable, not
		// the context error it happened to unwind with.
		if err != nil && errors.Is(err, context.Canceled) && b.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	case <-b.ctx.Done():
		return ErrClosed
	}
}

// Shutdown marks the bridge closed and cancels the root context so any
// outstanding work unwinds in the background. It is idempotent and never
// blocks on in-flight work.
func (b *Bridge) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.cancel()

		go func() {
			if p := b.workers.WaitAndRecover(); p != nil {
				b.logger.Error("Worker panicked during shutdown drain", "panic", p.Value)
			}
		}()
	})
}
