package subrpc

import (
	"context"
	"sync"
	"time"
)

type waiterResult struct {
	resp *Response
	err  error
}

// Waiter holds one pending request until its id-matched response arrives
// or the controller times it out.
type Waiter struct {
	ch  chan waiterResult
	ttl time.Time
}

func newWaiter(ttl time.Time) *Waiter {
	return &Waiter{ch: make(chan waiterResult, 1), ttl: ttl}
}

func (w *Waiter) timeouted(now time.Time) bool {
	return now.After(w.ttl)
}

func (w *Waiter) setData(resp *Response) {
	select {
	case w.ch <- waiterResult{resp: resp}:
	default:
	}
}

func (w *Waiter) setError(err error) {
	select {
	case w.ch <- waiterResult{err: err}:
	default:
	}
}

// Wait blocks for the response, the controller timeout, or context
// cancellation, whichever comes first.
func (w *Waiter) Wait(ctx context.Context) (*Response, error) {
	select {
	case r := <-w.ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FlowController correlates responses to outstanding requests by id and
// expires waiters that never get one.
type FlowController struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
	timeout time.Duration
	stopCh  chan struct{}
	stopped bool
}

// NewFlowController starts a controller whose waiters expire after the
// given timeout.
func NewFlowController(timeout time.Duration) *FlowController {
	fc := &FlowController{
		waiters: make(map[string]*Waiter),
		timeout: timeout,
		stopCh:  make(chan struct{}),
	}
	go fc.checkTimeouts()
	return fc
}

func (fc *FlowController) checkTimeouts() {
	ticker := time.NewTicker(fc.timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			fc.mu.Lock()
			for key, w := range fc.waiters {
				if w.timeouted(now) {
					delete(fc.waiters, key)
					w.setError(ErrTimeout)
				}
			}
			fc.mu.Unlock()
		case <-fc.stopCh:
			return
		}
	}
}

// NewWaiter registers a waiter under the given correlation key.
func (fc *FlowController) NewWaiter(key string) *Waiter {
	w := newWaiter(time.Now().Add(fc.timeout))
	fc.mu.Lock()
	fc.waiters[key] = w
	fc.mu.Unlock()
	return w
}

// GetWaiter removes and returns the waiter for a key, or nil.
func (fc *FlowController) GetWaiter(key string) *Waiter {
	fc.mu.Lock()
	w := fc.waiters[key]
	delete(fc.waiters, key)
	fc.mu.Unlock()
	return w
}

// FailAll rejects every outstanding waiter with err. Used on connection
// loss so pending calls fail instead of waiting out their timeout.
func (fc *FlowController) FailAll(err error) {
	fc.mu.Lock()
	waiters := fc.waiters
	fc.waiters = make(map[string]*Waiter)
	fc.mu.Unlock()
	for _, w := range waiters {
		w.setError(err)
	}
}

// Close stops the timeout sweeper and rejects outstanding waiters.
func (fc *FlowController) Close() {
	fc.mu.Lock()
	if fc.stopped {
		fc.mu.Unlock()
		return
	}
	fc.stopped = true
	fc.mu.Unlock()
	close(fc.stopCh)
	fc.FailAll(ErrClosedConn)
}
