package subrpc

import (
	"context"
	"fmt"
	"sync"
)

// SubscriptionState is the client-side lifecycle state of one
// subscription.
type SubscriptionState int32

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionActive
	SubscriptionInactive
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionActive:
		return "active"
	case SubscriptionInactive:
		return "inactive"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// subscriptionWire is the transport-internal surface a subscription uses
// to reach its peer.
type subscriptionWire interface {
	Request(ctx context.Context, req *Request) (*Response, error)
	sendStop(id interface{}) error
}

// ClientSubscription tracks one subscription's pending/active/inactive
// state on the client side. Constructed pending; it becomes active when
// the remote confirms with {type:started} and inactive on error, stop or
// connection loss.
type ClientSubscription struct {
	id      interface{}
	msg     *Request
	wire    subscriptionWire
	onData  ResponseHandler
	onState StateHandler

	mu          sync.Mutex
	state       SubscriptionState
	stopSent    bool
	lastEventID string
}

func newClientSubscription(req *Request, wire subscriptionWire, onData ResponseHandler, onState StateHandler) *ClientSubscription {
	return &ClientSubscription{
		id:      req.ID,
		msg:     req,
		wire:    wire,
		onData:  onData,
		onState: onState,
		state:   SubscriptionPending,
	}
}

// ID returns the subscription's correlation id.
func (s *ClientSubscription) ID() interface{} { return s.id }

// Message returns the outgoing request envelope that (re)starts the
// subscription.
func (s *ClientSubscription) Message() *Request { return s.msg }

// State returns the current lifecycle state.
func (s *ClientSubscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// mark forces a state change without sending anything on the wire.
// Transport-internal: used on connection loss and during recovery.
func (s *ClientSubscription) mark(state SubscriptionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	cb := s.onState
	s.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

// register sends the initiating request and awaits the started
// confirmation. An error reply or any other result type is fatal: the
// subscription goes inactive and the failure is returned.
func (s *ClientSubscription) register(ctx context.Context) error {
	s.mu.Lock()
	req := s.msg
	if s.lastEventID != "" && req.Params != nil {
		// recovering: tell the remote where we left off
		params := *req.Params
		params.LastEventID = s.lastEventID
		req = &Request{ID: req.ID, Method: req.Method, Params: &params}
	}
	s.mu.Unlock()

	s.mark(SubscriptionPending)
	resp, err := s.wire.Request(ctx, req)
	if err != nil {
		s.mark(SubscriptionInactive)
		return &SubscriptionError{Reason: "registration failed", Cause: err}
	}
	if resp.Error != nil {
		s.mark(SubscriptionInactive)
		return &SubscriptionError{Reason: "rejected by remote", Cause: clientError(resp.Error)}
	}
	if resp.Result == nil || resp.Result.Type != ResultStarted {
		s.mark(SubscriptionInactive)
		got := "<missing result>"
		if resp.Result != nil {
			got = resp.Result.Type
		}
		return &SubscriptionError{Reason: fmt.Sprintf("unexpected result type %q", got)}
	}
	s.mark(SubscriptionActive)
	return nil
}

// HandleResponse routes a push response to the caller callback. A no-op
// once the subscription is inactive. Returns true when the response was
// terminal (error or stopped), so the transport can drop its tracking.
func (s *ClientSubscription) HandleResponse(resp *Response) (terminal bool) {
	if s.State() == SubscriptionInactive {
		return false
	}
	switch {
	case resp.Error != nil:
		s.mark(SubscriptionInactive)
		terminal = true
	case resp.Result != nil && resp.Result.Type == ResultStopped:
		s.mark(SubscriptionInactive)
		terminal = true
	case resp.Result != nil && resp.Result.Type == ResultData:
		if resp.Result.EventID != "" {
			s.mu.Lock()
			s.lastEventID = resp.Result.EventID
			s.mu.Unlock()
		}
	}
	if s.onData != nil {
		s.onData(resp)
	}
	return terminal
}

// subscriptionTable tracks live subscriptions by correlation key. Both
// transports walk a snapshot during recovery so re-registration never
// mutates the map it is iterating.
type subscriptionTable struct {
	mu   sync.Mutex
	subs map[string]*ClientSubscription
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{subs: make(map[string]*ClientSubscription)}
}

func (st *subscriptionTable) track(key string, sub *ClientSubscription) {
	st.mu.Lock()
	st.subs[key] = sub
	st.mu.Unlock()
}

func (st *subscriptionTable) untrack(key string) {
	st.mu.Lock()
	delete(st.subs, key)
	st.mu.Unlock()
}

func (st *subscriptionTable) get(key string) *ClientSubscription {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.subs[key]
}

func (st *subscriptionTable) snapshot() []*ClientSubscription {
	st.mu.Lock()
	defer st.mu.Unlock()
	subs := make([]*ClientSubscription, 0, len(st.subs))
	for _, sub := range st.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (st *subscriptionTable) markAll(state SubscriptionState) {
	for _, sub := range st.snapshot() {
		sub.mark(state)
	}
}

// Unsubscribe sends the stop request (at most once across repeated calls)
// and marks the subscription inactive.
func (s *ClientSubscription) Unsubscribe() {
	s.mu.Lock()
	sendStop := !s.stopSent
	s.stopSent = true
	s.mu.Unlock()
	if sendStop {
		if err := s.wire.sendStop(s.id); err != nil {
			// best effort: the remote cleans up on its own timeline
			_ = err
		}
	}
	s.mark(SubscriptionInactive)
}
