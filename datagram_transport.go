package subrpc

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"
)

// DatagramOptions configures a datagram transport. Zero values get
// defaults in NewDatagramTransport.
type DatagramOptions struct {
	// InstanceID distinguishes this process lifetime to the peer. A
	// fresh one is generated when empty.
	InstanceID string
	// RequestTimeout bounds one-shot calls and registration handshakes.
	RequestTimeout time.Duration
	// PingInterval is the liveness probe period.
	PingInterval time.Duration
	// PingWindow is how long the transport tolerates no inbound traffic
	// after a probe before flipping to disconnected.
	PingWindow time.Duration
	Logger     Logger
}

func (o *DatagramOptions) defaults() {
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewV4().String()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 5 * time.Second
	}
	if o.PingWindow <= 0 {
		o.PingWindow = 3 * o.PingInterval
	}
	if o.Logger == nil {
		o.Logger = NopLogger
	}
}

// DatagramTransport implements the Transport contract over an unreliable
// addressed datagram primitive. It adds liveness probing and peer-restart
// detection; it never retries a timed-out request.
type DatagramTransport struct {
	responseRouter

	conn DatagramConn
	peer string
	opts DatagramOptions

	nextID atomic.Uint64

	mu          sync.Mutex
	peerIID     string
	connected   bool
	lastInbound time.Time

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewDatagramTransport starts a transport talking to the peer at the
// given address over conn.
func NewDatagramTransport(conn DatagramConn, peerAddr string, opts DatagramOptions) *DatagramTransport {
	opts.defaults()
	t := &DatagramTransport{
		responseRouter: responseRouter{
			flow: NewFlowController(opts.RequestTimeout),
			subs: newSubscriptionTable(),
			log:  opts.Logger,
		},
		conn:     conn,
		peer:     peerAddr,
		opts:     opts,
		closedCh: make(chan struct{}),
	}
	go t.readLoop()
	go t.pingLoop()
	return t
}

// InstanceID returns the identifier attached to every outgoing frame.
func (t *DatagramTransport) InstanceID() string { return t.opts.InstanceID }

// Connected reports the last liveness verdict.
func (t *DatagramTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Request sends the envelope once and waits for an id-matching reply
// within the request timeout. No retry happens at this layer.
func (t *DatagramTransport) Request(ctx context.Context, req *Request) (*Response, error) {
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
// restart-driven recovery.
func (t *DatagramTransport) Subscribe(req *Request, onData ResponseHandler, onState StateHandler) (*ClientSubscription, error) {
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

// Close stops the loops and rejects everything pending.
func (t *DatagramTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closedCh)
		err = t.conn.Close()
		t.flow.Close()
		t.subs.markAll(SubscriptionInactive)
	})
	return err
}

func (t *DatagramTransport) send(req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload, err := messageFrame(t.opts.InstanceID, body).dump()
	if err != nil {
		return err
	}
	return t.conn.WriteTo(payload, t.peer)
}

func (t *DatagramTransport) sendStop(id interface{}) error {
	t.subs.untrack(idKey(id))
	body, err := json.Marshal(&Request{ID: id, Method: MethodSubscriptionStop})
	if err != nil {
		return err
	}
	payload, err := messageFrame(t.opts.InstanceID, body).dump()
	if err != nil {
		return err
	}
	return t.conn.WriteTo(payload, t.peer)
}

func (t *DatagramTransport) sendFrame(f *Frame) error {
	payload, err := f.dump()
	if err != nil {
		return err
	}
	return t.conn.WriteTo(payload, t.peer)
}

func (t *DatagramTransport) readLoop() {
	for {
		payload, addr, err := t.conn.ReadFrom()
		if err != nil {
			select {
			case <-t.closedCh:
			default:
				t.log.Errorf("datagram read failed: %s", err)
				t.flow.FailAll(ErrClosedConn)
			}
			return
		}
		if addr != t.peer {
			t.log.Debugf("dropping datagram from unknown peer %s", addr)
			continue
		}
		frame, err := parseFrame(payload)
		if err != nil {
			t.log.Warningf("unparsable datagram from %s: %s", addr, err)
			continue
		}
		t.touch(frame.IID)
		switch {
		case frame.Ping:
			if err := t.sendFrame(pongFrame(t.opts.InstanceID)); err != nil {
				t.log.Warningf("pong send failed: %s", err)
			}
		case frame.Pong:
			// inbound timestamp already refreshed by touch
		default:
			t.handleBody(frame.Body)
		}
	}
}

// touch records inbound traffic: it refreshes the liveness clock, flips
// the transport back to connected, and detects a peer restart through an
// instance identifier change between two consecutive messages.
func (t *DatagramTransport) touch(peerIID string) {
	t.mu.Lock()
	t.lastInbound = time.Now()
	wasConnected := t.connected
	t.connected = true
	prev := t.peerIID
	if peerIID != "" {
		t.peerIID = peerIID
	}
	t.mu.Unlock()

	if !wasConnected {
		t.log.Debugf("peer %s reachable", t.peer)
	}
	if prev != "" && peerIID != "" && prev != peerIID {
		t.log.Infof("peer %s restarted (instance %s -> %s)", t.peer, prev, peerIID)
		go t.recoverSubscriptions()
	}
}

// recoverSubscriptions re-registers every tracked subscription after a
// peer restart wiped the remote's in-memory state. A subscription whose
// recovery fails is dropped without aborting the others.
func (t *DatagramTransport) recoverSubscriptions() {
	for _, sub := range t.subs.snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.RequestTimeout)
		err := sub.register(ctx)
		cancel()
		if err != nil {
			t.log.Warningf("subscription %v recovery failed: %s", sub.ID(), err)
			t.subs.untrack(idKey(sub.ID()))
		}
	}
}

func (t *DatagramTransport) pingLoop() {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.sendFrame(pingFrame(t.opts.InstanceID)); err != nil {
				t.log.Warningf("ping send failed: %s", err)
			}
			t.checkLiveness()
		case <-t.closedCh:
			return
		}
	}
}

// checkLiveness flips to disconnected when nothing arrived within the
// window. Active subscriptions go inactive but stay registered so a
// restart or recovered peer can revive them.
func (t *DatagramTransport) checkLiveness() {
	t.mu.Lock()
	silent := !t.lastInbound.IsZero() && time.Since(t.lastInbound) > t.opts.PingWindow
	if !silent || !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.mu.Unlock()

	t.log.Warningf("peer %s silent for more than %s, marking disconnected", t.peer, t.opts.PingWindow)
	t.subs.markAll(SubscriptionInactive)
}

// UDPDatagramConn is the DatagramConn implementation over UDP.
type UDPDatagramConn struct {
	conn *net.UDPConn
	mtu  int
}

// NewUDPDatagramConn binds a UDP socket on listenAddr (":0" for an
// ephemeral port).
func NewUDPDatagramConn(listenAddr string, mtu int) (*UDPDatagramConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if mtu <= 0 {
		mtu = 64 * 1024
	}
	return &UDPDatagramConn{conn: conn, mtu: mtu}, nil
}

// LocalAddr returns the bound address.
func (c *UDPDatagramConn) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

func (c *UDPDatagramConn) ReadFrom() ([]byte, string, error) {
	buf := make([]byte, c.mtu)
	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, "", err
	}
	return buf[:n], addr.String(), nil
}

func (c *UDPDatagramConn) WriteTo(payload []byte, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = c.conn.WriteToUDP(payload, udpAddr)
	return err
}

func (c *UDPDatagramConn) Close() error {
	return c.conn.Close()
}
