package guard

import (
	"context"
	"errors"
	"sync"
	"time"
)

type debounceResult struct {
	value any
	err   error
}

type pendingCall struct {
	timer   *time.Timer
	cancel  context.CancelFunc
	result  chan debounceResult
	resolve sync.Once
}

func (p *pendingCall) finish(value any, err error) {
	p.resolve.Do(func() {
		p.result <- debounceResult{value: value, err: err}
	})
}

// Debouncer collapses rapid-fire calls: a call arriving within the
// delay supersedes the pending one. Superseded callers get a nil
// result rather than hanging, and the superseded call's context is
// cancelled.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	pending *pendingCall
}

// NewDebouncer builds a debouncer with the given delay.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Do schedules fn after the debounce delay and blocks until fn
// completes or the call is superseded. Cancellation errors resolve to
// a nil result; other errors from fn propagate to the caller of the
// surviving call.
func (d *Debouncer) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	d.mu.Lock()
	if prev := d.pending; prev != nil {
		prev.timer.Stop()
		prev.cancel()
		prev.finish(nil, nil)
	}

	callCtx, cancel := context.WithCancel(ctx)
	p := &pendingCall{
		cancel: cancel,
		result: make(chan debounceResult, 1),
	}
	p.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.pending == p {
			d.pending = nil
		}
		d.mu.Unlock()

		if callCtx.Err() != nil {
			p.finish(nil, nil)
			return
		}
		value, err := fn(callCtx)
		if errors.Is(err, context.Canceled) {
			p.finish(nil, nil)
			return
		}
		p.finish(value, err)
	})
	d.pending = p
	d.mu.Unlock()

	select {
	case r := <-p.result:
		return r.value, r.err
	case <-ctx.Done():
		p.timer.Stop()
		cancel()
		p.finish(nil, nil)
		return nil, ctx.Err()
	}
}

// Flush cancels any pending call, resolving its caller with nil.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p := d.pending; p != nil {
		p.timer.Stop()
		p.cancel()
		p.finish(nil, nil)
		d.pending = nil
	}
}
