package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/datamill/datamill/pkg/telemetry"
)

// DefaultBridgeSize is the number of concurrent calls a bridge admits when no
// explicit size is configured.
const DefaultBridgeSize = 5

// ErrBridgeClosed is returned for submissions after Close.
var ErrBridgeClosed = errors.New("bridge is closed")

// Bridge funnels calls into a bounded set of slots so that a blocking backend
// never sees more than size concurrent invocations. Submissions never block
// the caller; each call runs on its own goroutine and parks until a slot
// frees up. Calls already running cannot be cancelled, so a hung backend call
// occupies its slot until it returns.
type Bridge struct {
	slots   chan struct{}
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewBridge creates a bridge admitting size concurrent calls. A zero or
// negative size falls back to DefaultBridgeSize.
func NewBridge(size int, log *telemetry.Logger, metrics *telemetry.Metrics) *Bridge {
	if size <= 0 {
		size = DefaultBridgeSize
	}
	if log == nil {
		log = telemetry.Nop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Bridge{
		slots:   make(chan struct{}, size),
		log:     log,
		metrics: metrics,
	}
}

// Future is the awaitable result of a submitted call.
type Future struct {
	name string
	done chan struct{}
	err  error
}

// Wait blocks until the call completes or ctx is done. Waiting does not
// cancel the underlying call; an abandoned call still runs to completion and
// releases its slot. Wait may be called any number of times.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the call completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Submit schedules fn and returns a future for its result. The call starts as
// soon as a slot is available.
func (b *Bridge) Submit(name string, fn func() error) *Future {
	f := &Future{name: name, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		f.err = ErrBridgeClosed
		close(f.done)
		return f
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.slots <- struct{}{}
		b.metrics.BridgeCallStarted()
		defer func() {
			b.metrics.BridgeCallFinished()
			<-b.slots
		}()
		f.err = b.invoke(name, fn)
		close(f.done)
	}()
	return f
}

// Call submits fn and waits for its result.
func (b *Bridge) Call(ctx context.Context, name string, fn func() error) error {
	return b.Submit(name, fn).Wait(ctx)
}

func (b *Bridge) invoke(name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("call %s panicked: %v", name, rec)
			b.log.WithOp(name).Error("bridged call panicked")
		}
	}()
	return fn()
}

// Close marks the bridge closed and waits for in-flight calls to finish.
// Submissions after Close fail with ErrBridgeClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

// InFlight returns the number of occupied slots.
func (b *Bridge) InFlight() int {
	return len(b.slots)
}
