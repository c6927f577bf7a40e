package subrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// --------------------------------------------
// simple procedure tree used across tests

type addReq struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addResp struct {
	Sum int `json:"sum"`
}

func testTree() Tree {
	return Tree{
		"math": Tree{
			"add": Query(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
				var req addReq
				if err := DecodeInput(input, &req); err != nil {
					return nil, err
				}
				return &addResp{Sum: req.A + req.B}, nil
			}),
		},
		"greeting": Query(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
			var name string
			if err := DecodeInput(input, &name); err != nil {
				return nil, err
			}
			return "Hello " + name + "!", nil
		}),
		"echo": Mutation(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
			var msg string
			if err := DecodeInput(input, &msg); err != nil {
				return nil, err
			}
			return msg, nil
		}),
		"boom": Query(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
			return nil, NewError(CodeForbidden, "nope")
		}),
		// never emits, never terminates; cancelled externally
		"feed": SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
			return NewObservable(func(sink Sink) Teardown { return nil }), nil
		}),
		"count": SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
			var n int
			if err := DecodeInput(input, &n); err != nil {
				return nil, err
			}
			return NewObservable(func(sink Sink) Teardown {
				for i := 1; i <= n; i++ {
					sink.Next(i)
				}
				sink.Complete()
				return nil
			}), nil
		}),
	}
}

func testRouter(t *testing.T, opts ...RouterOption) *Router {
	t.Helper()
	r, err := BuildRouter(testTree(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// --------------------------------------------
// fake datagram conn: a bidirectional in-memory pair

type fakePacket struct {
	payload []byte
	addr    string
}

type fakeDatagramConn struct {
	addr string
	in   chan fakePacket

	mu     sync.Mutex
	peer   *fakeDatagramConn
	closed bool
	drop   bool
}

func newFakeConnPair(clientAddr, serverAddr string) (*fakeDatagramConn, *fakeDatagramConn) {
	c := &fakeDatagramConn{addr: clientAddr, in: make(chan fakePacket, 64)}
	s := &fakeDatagramConn{addr: serverAddr, in: make(chan fakePacket, 64)}
	c.peer = s
	s.peer = c
	return c, s
}

func (c *fakeDatagramConn) ReadFrom() ([]byte, string, error) {
	p, ok := <-c.in
	if !ok {
		return nil, "", fmt.Errorf("simulated close")
	}
	return p.payload, p.addr, nil
}

func (c *fakeDatagramConn) WriteTo(payload []byte, addr string) error {
	c.mu.Lock()
	peer := c.peer
	drop := c.drop
	c.mu.Unlock()
	if drop || peer == nil {
		return nil
	}
	// copy: real datagrams never alias the sender's buffer
	dup := make([]byte, len(payload))
	copy(dup, payload)
	peer.deliver(fakePacket{payload: dup, addr: c.addr})
	return nil
}

func (c *fakeDatagramConn) deliver(p fakePacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.in <- p:
	default:
	}
}

func (c *fakeDatagramConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.in)
	return nil
}

// setPeer redirects outgoing traffic, simulating a restarted remote
// behind the same address.
func (c *fakeDatagramConn) setPeer(peer *fakeDatagramConn) {
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
}

// setDrop simulates packet loss on everything sent from this side.
func (c *fakeDatagramConn) setDrop(drop bool) {
	c.mu.Lock()
	c.drop = drop
	c.mu.Unlock()
}

// --------------------------------------------
// reply capture for dispatcher-level tests

type replyRecorder struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *replyRecorder) send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *replyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

// replies decodes the idx-th captured frame into response envelopes.
func (r *replyRecorder) replies(t *testing.T, idx int) []*Response {
	t.Helper()
	r.mu.Lock()
	if idx >= len(r.payloads) {
		r.mu.Unlock()
		t.Fatalf("no captured payload %d", idx)
	}
	payload := r.payloads[idx]
	r.mu.Unlock()

	frame, err := parseFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	raws, perr := splitBatch(frame.Body)
	if perr != nil {
		t.Fatal(perr)
	}
	resps := make([]*Response, 0, len(raws))
	for _, raw := range raws {
		resp := &Response{}
		if err := json.Unmarshal(raw, resp); err != nil {
			t.Fatal(err)
		}
		resps = append(resps, resp)
	}
	return resps
}

// generous deadline for asynchronous assertions
const testWait = 2 * time.Second

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
