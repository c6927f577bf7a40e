package subrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"
)

// StreamState is the connection state of a stream transport. Exactly one
// state holds at any time.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// InfiniteReconnects makes the reconnection loop unbounded.
const InfiniteReconnects = -1

// StreamOptions configures a stream transport. Zero values get defaults
// in NewStreamTransport.
type StreamOptions struct {
	// InstanceID distinguishes this process lifetime to the peer. A
	// fresh one is generated when empty.
	InstanceID string
	// RequestTimeout bounds one-shot calls and registration handshakes.
	RequestTimeout time.Duration
	// InitialBackoffDelay seeds the reconnect backoff; it doubles per
	// failed attempt up to MaxBackoffDelay, jittered ±15%.
	InitialBackoffDelay time.Duration
	MaxBackoffDelay     time.Duration
	// MaxReconnectAttempts bounds the reconnection loop. 0 disables
	// reconnection entirely; InfiniteReconnects removes the bound.
	MaxReconnectAttempts int
	// KeepaliveTimeout closes the connection when no inbound traffic
	// arrives within it.
	KeepaliveTimeout time.Duration
	WriteTimeout     time.Duration
	Dialer           *websocket.Dialer
	Logger           Logger
}

func (o *StreamOptions) defaults() {
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewV4().String()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.InitialBackoffDelay <= 0 {
		o.InitialBackoffDelay = time.Second
	}
	if o.MaxBackoffDelay <= 0 {
		o.MaxBackoffDelay = 30 * time.Second
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = NopLogger
	}
}

// StreamTransport implements the Transport contract over a persistent
// ordered websocket connection, with reconnection and a keepalive
// watchdog.
type StreamTransport struct {
	responseRouter

	url  string
	opts StreamOptions

	nextID atomic.Uint64

	mu    sync.Mutex
	conn  *websocket.Conn
	state StreamState
	gen   int

	wlock sync.Mutex

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewStreamTransport creates a transport for the given websocket URL.
// No connection is attempted until Connect.
func NewStreamTransport(url string, opts StreamOptions) *StreamTransport {
	opts.defaults()
	return &StreamTransport{
		responseRouter: responseRouter{
			flow: NewFlowController(opts.RequestTimeout),
			subs: newSubscriptionTable(),
			log:  opts.Logger,
		},
		url:      url,
		opts:     opts,
		state:    StreamDisconnected,
		closedCh: make(chan struct{}),
	}
}

// InstanceID returns the identifier attached to every outgoing frame.
func (t *StreamTransport) InstanceID() string { return t.opts.InstanceID }

// State returns the current connection state.
func (t *StreamTransport) State() StreamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *StreamTransport) setState(s StreamState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Connect makes one connection attempt. On failure it enters the
// reconnection loop when reconnection is enabled, otherwise the failure
// is surfaced to the caller.
func (t *StreamTransport) Connect(ctx context.Context) error {
	t.setState(StreamConnecting)
	err := t.dial(ctx)
	if err == nil {
		t.recoverSubscriptions()
		return nil
	}
	if t.opts.MaxReconnectAttempts == 0 {
		t.setState(StreamDisconnected)
		return err
	}
	return t.reconnectLoop(ctx, err)
}

func (t *StreamTransport) dial(ctx context.Context) error {
	conn, _, err := t.opts.Dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	select {
	case <-t.closedCh:
		t.mu.Unlock()
		conn.Close()
		return ErrClosedConn
	default:
	}
	t.conn = conn
	t.gen++
	gen := t.gen
	t.state = StreamConnected
	t.mu.Unlock()

	go t.readLoop(conn, gen)
	go t.pingLoop(conn, gen)
	return nil
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds, the attempt bound is exhausted, or the transport is closed.
// Every successful connection resets backoff state (the loop exits and a
// later disconnect starts a fresh one at attempt 1).
func (t *StreamTransport) reconnectLoop(ctx context.Context, lastErr error) error {
	max := t.opts.MaxReconnectAttempts
	for attempt := 1; max < 0 || attempt <= max; attempt++ {
		t.setState(StreamConnecting)
		delay := t.backoffDelay(attempt)
		t.log.Debugf("reconnect attempt %d to %s in %s", attempt, t.url, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			t.setState(StreamDisconnected)
			return ctx.Err()
		case <-t.closedCh:
			return ErrClosedConn
		}
		if err := t.dial(ctx); err != nil {
			lastErr = err
			continue
		}
		t.log.Infof("reconnected to %s after %d attempts", t.url, attempt)
		t.recoverSubscriptions()
		return nil
	}
	t.setState(StreamDisconnected)
	return &ReconnectError{Attempts: max, Cause: lastErr}
}

// backoffDelay doubles the initial delay per failed attempt, jitters it
// ±15% and caps it at the configured maximum.
func (t *StreamTransport) backoffDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := t.opts.InitialBackoffDelay << uint(shift)
	if d <= 0 || d > t.opts.MaxBackoffDelay<<1 {
		d = t.opts.MaxBackoffDelay
	}
	jittered := time.Duration(float64(d) * (0.85 + 0.3*rand.Float64()))
	if jittered > t.opts.MaxBackoffDelay {
		jittered = t.opts.MaxBackoffDelay
	}
	return jittered
}

// recoverSubscriptions re-registers every tracked subscription in
// parallel. One failed recovery drops that subscription only.
func (t *StreamTransport) recoverSubscriptions() {
	subs := t.subs.snapshot()
	if len(subs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *ClientSubscription) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.RequestTimeout)
			defer cancel()
			if err := sub.register(ctx); err != nil {
				t.log.Warningf("subscription %v recovery failed: %s", sub.ID(), err)
				t.subs.untrack(idKey(sub.ID()))
			}
		}(sub)
	}
	wg.Wait()
}

func (t *StreamTransport) readLoop(conn *websocket.Conn, gen int) {
	pongWait := t.opts.KeepaliveTimeout
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// answer peer probes immediately; application request timers are
	// untouched
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.opts.WriteTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		frame, err := parseFrame(raw)
		if err != nil {
			t.log.Warningf("unparsable frame: %s", err)
			continue
		}
		switch {
		case frame.Ping:
			if err := t.writeFrame(pongFrame(t.opts.InstanceID)); err != nil {
				t.log.Warningf("pong send failed: %s", err)
			}
		case frame.Pong:
		default:
			t.handleBody(frame.Body)
		}
	}
}

func (t *StreamTransport) pingLoop(conn *websocket.Conn, gen int) {
	// probe just often enough to keep the peer's deadline fresh
	rp := time.Duration(rand.Intn(20) + 70)
	ticker := time.NewTicker(t.opts.KeepaliveTimeout * rp / 100)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			stale := gen != t.gen
			t.mu.Unlock()
			if stale {
				return
			}
			deadline := time.Now().Add(t.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}
		case <-t.closedCh:
			return
		}
	}
}

// handleDisconnect runs once per lost connection: pending calls are
// rejected, subscriptions go inactive but stay tracked, and the
// reconnection loop starts when enabled.
func (t *StreamTransport) handleDisconnect(gen int, cause error) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	select {
	case <-t.closedCh:
		t.mu.Unlock()
		return
	default:
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.state = StreamDisconnected
	t.mu.Unlock()

	t.log.Warningf("connection to %s lost: %s", t.url, cause)
	t.flow.FailAll(ErrDisconnected)
	t.subs.markAll(SubscriptionInactive)

	if t.opts.MaxReconnectAttempts != 0 {
		go func() {
			if err := t.reconnectLoop(context.Background(), cause); err != nil {
				t.log.Errorf("reconnection abandoned: %s", err)
			}
		}()
	}
}

// Request sends over the open connection and resolves on the first
// id-matching reply. No automatic retry on timeout.
func (t *StreamTransport) Request(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == nil {
		req.ID = t.nextID.Add(1)
	}
	key := idKey(req.ID)
	w := t.flow.NewWaiter(key)
	if err := t.send(req); err != nil {
		t.flow.GetWaiter(key)
		return nil, err
	}
	resp, err := w.Wait(ctx)
	if err != nil {
		t.flow.GetWaiter(key)
		return nil, err
	}
	return resp, nil
}

// Subscribe registers a subscription with the peer and tracks it for
// recovery across reconnects.
func (t *StreamTransport) Subscribe(req *Request, onData ResponseHandler, onState StateHandler) (*ClientSubscription, error) {
	if req.ID == nil {
		req.ID = t.nextID.Add(1)
	}
	sub := newClientSubscription(req, t, onData, onState)
	key := idKey(req.ID)
	t.subs.track(key, sub)

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.RequestTimeout)
	defer cancel()
	if err := sub.register(ctx); err != nil {
		t.subs.untrack(key)
		return nil, err
	}
	return sub, nil
}

// Close tears the connection down for good; no reconnection follows.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closedCh)
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.state = StreamDisconnected
		t.mu.Unlock()
		if conn != nil {
			t.wlock.Lock()
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			t.wlock.Unlock()
			conn.Close()
		}
		t.flow.Close()
		t.subs.markAll(SubscriptionInactive)
	})
	return nil
}

func (t *StreamTransport) send(req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return t.writeFrame(messageFrame(t.opts.InstanceID, body))
}

func (t *StreamTransport) sendStop(id interface{}) error {
	t.subs.untrack(idKey(id))
	body, err := json.Marshal(&Request{ID: id, Method: MethodSubscriptionStop})
	if err != nil {
		return err
	}
	return t.writeFrame(messageFrame(t.opts.InstanceID, body))
}

func (t *StreamTransport) writeFrame(f *Frame) error {
	payload, err := f.dump()
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	t.wlock.Lock()
	defer t.wlock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
