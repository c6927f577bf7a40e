package subrpc

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *peerSession, *replyRecorder) {
	t.Helper()
	srv := NewServer(testRouter(t), ServerOptions{InstanceID: "srv-1"})
	rec := &replyRecorder{}
	sess := srv.session("test-peer", rec.send)
	return srv, sess, rec
}

func TestDispatchQuery(t *testing.T) {
	srv, sess, rec := newTestServer(t)
	srv.dispatch(context.Background(), sess, []byte(`{"id":1,"method":"query","params":{"path":"math.add","input":{"a":2,"b":3}}}`))

	resps := rec.replies(t, 0)
	if len(resps) != 1 {
		t.Fatal("expected one reply")
	}
	resp := resps[0]
	if resp.Error != nil || resp.Result.Type != ResultData {
		t.Fatal("unexpected reply", resp)
	}
	var out addResp
	if err := json.Unmarshal(resp.Result.Data, &out); err != nil || out.Sum != 5 {
		t.Error("unexpected result", string(resp.Result.Data))
	}

	srv.dispatch(context.Background(), sess, []byte(`{"id":2,"method":"query","params":{"path":"greeting","input":"X"}}`))
	if resp := rec.replies(t, 1)[0]; string(resp.Result.Data) != `"Hello X!"` {
		t.Error("unexpected greeting", string(resp.Result.Data))
	}
}

func TestDispatchErrors(t *testing.T) {
	srv, sess, rec := newTestServer(t)
	ctx := context.Background()

	// unknown path
	srv.dispatch(ctx, sess, []byte(`{"id":1,"method":"query","params":{"path":"nope"}}`))
	if resp := rec.replies(t, 0)[0]; resp.Error == nil || resp.Error.Data.Code != "NOT_FOUND" {
		t.Error("unknown path:", resp.Error)
	}

	// handler error keeps its code and the path lands in the shape
	srv.dispatch(ctx, sess, []byte(`{"id":2,"method":"query","params":{"path":"boom"}}`))
	if resp := rec.replies(t, 1)[0]; resp.Error == nil || resp.Error.Data.Code != "FORBIDDEN" || resp.Error.Data.Path != "boom" {
		t.Error("handler error:", resp.Error)
	}

	// unparsable payload: id null, no procedure lookup
	srv.dispatch(ctx, sess, []byte(`{"id":3,`))
	if resp := rec.replies(t, 2)[0]; resp.ID != nil || resp.Error == nil || resp.Error.Data.Code != "PARSE_ERROR" {
		t.Error("parse error:", resp.ID, resp.Error)
	}

	// valid json, invalid envelope
	srv.dispatch(ctx, sess, []byte(`{"id":4,"method":"query"}`))
	if resp := rec.replies(t, 3)[0]; resp.Error == nil || resp.Error.Data.Code != "BAD_REQUEST" {
		t.Error("invalid envelope:", resp.Error)
	}
}

func TestDispatchBatch(t *testing.T) {
	srv, sess, rec := newTestServer(t)
	srv.dispatch(context.Background(), sess, []byte(
		`[{"id":1,"method":"query","params":{"path":"math.add","input":{"a":1,"b":1}}},`+
			`{"id":2,"method":"query","params":{"path":"nope"}}]`))

	resps := rec.replies(t, 0)
	if len(resps) != 2 {
		t.Fatal("batch reply count", len(resps))
	}
	if resps[0].Result == nil || resps[1].Error == nil {
		t.Error("batch replies scrambled")
	}
}

func TestSubscriptionStartedBeforeData(t *testing.T) {
	tree := testTree()
	tree["pair"] = SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		return NewObservable(func(sink Sink) Teardown {
			sink.Next(3)
			sink.Next(7)
			sink.Complete()
			return nil
		}), nil
	})
	r, err := BuildRouter(tree)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(r, ServerOptions{InstanceID: "srv-1"})
	rec := &replyRecorder{}
	sess := srv.session("p", rec.send)
	srv.dispatch(context.Background(), sess, []byte(
		`{"id":2,"method":"subscription","params":{"path":"pair"}}`))

	// synchronous producer: started reply, two data pushes, stopped
	waitFor(t, testWait, func() bool { return rec.count() >= 4 })
	if resp := rec.replies(t, 0)[0]; resp.Result == nil || resp.Result.Type != ResultStarted {
		t.Fatal("first reply not started:", resp)
	}
	for i, want := range []int{3, 7} {
		resp := rec.replies(t, i+1)[0]
		if resp.Result == nil || resp.Result.Type != ResultData {
			t.Fatalf("reply %d not data: %+v", i+1, resp)
		}
		var v int
		json.Unmarshal(resp.Result.Data, &v)
		if v != want {
			t.Errorf("data out of order: got %d, want %d", v, want)
		}
	}
	if resp := rec.replies(t, 3)[0]; resp.Result == nil || resp.Result.Type != ResultStopped {
		t.Error("missing terminal stopped:", resp)
	}
	// completed subscriptions are forgotten
	if sess.hasSub(idKey(float64(2))) {
		t.Error("finished subscription still tracked")
	}
}

func TestSubscriptionStop(t *testing.T) {
	var torn int32
	tree := testTree()
	tree["feed"] = SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		return NewObservable(func(sink Sink) Teardown {
			return func() { atomic.AddInt32(&torn, 1) }
		}), nil
	})
	r, err := BuildRouter(tree)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(r, ServerOptions{InstanceID: "srv-1"})
	rec := &replyRecorder{}
	sess := srv.session("p", rec.send)
	ctx := context.Background()

	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription","params":{"path":"feed"}}`))
	if resp := rec.replies(t, 0)[0]; resp.Result == nil || resp.Result.Type != ResultStarted {
		t.Fatal("subscription not started:", resp)
	}

	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription.stop"}`))
	waitFor(t, testWait, func() bool { return rec.count() >= 2 })
	if resp := rec.replies(t, 1)[0]; resp.Result == nil || resp.Result.Type != ResultStopped {
		t.Fatal("stop did not produce stopped:", resp)
	}
	if atomic.LoadInt32(&torn) != 1 {
		t.Error("teardown runs:", torn)
	}

	// stopping again is a no-op: no extra reply
	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription.stop"}`))
	srv.dispatch(ctx, sess, []byte(`{"id":"unknown","method":"subscription.stop"}`))
	if rec.count() != 2 {
		t.Error("redundant stop produced replies:", rec.count())
	}
}

func TestDuplicateSubscriptionID(t *testing.T) {
	var torn int32
	tree := testTree()
	tree["feed"] = SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		return NewObservable(func(sink Sink) Teardown {
			return func() { atomic.AddInt32(&torn, 1) }
		}), nil
	})
	r, err := BuildRouter(tree)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(r, ServerOptions{InstanceID: "srv-1"})
	rec := &replyRecorder{}
	sess := srv.session("p", rec.send)
	ctx := context.Background()

	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription","params":{"path":"feed"}}`))
	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription","params":{"path":"feed"}}`))

	if resp := rec.replies(t, 1)[0]; resp.Error == nil || resp.Error.Data.Code != "BAD_REQUEST" {
		t.Fatal("duplicate id not rejected:", resp)
	}
	// the original subscription is untouched
	if !sess.hasSub(idKey("s1")) {
		t.Error("original subscription lost")
	}
	if atomic.LoadInt32(&torn) != 0 {
		t.Error("original subscription torn down")
	}
}

func TestPeerInstanceChange(t *testing.T) {
	var torn int32
	tree := testTree()
	tree["feed"] = SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		return NewObservable(func(sink Sink) Teardown {
			return func() { atomic.AddInt32(&torn, 1) }
		}), nil
	})
	r, err := BuildRouter(tree)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(r, ServerOptions{InstanceID: "srv-1"})
	rec := &replyRecorder{}
	sess := srv.session("p", rec.send)

	srv.observeInstance(sess, "client-a")
	srv.dispatch(context.Background(), sess, []byte(`{"id":"s1","method":"subscription","params":{"path":"feed"}}`))

	// a restarted peer behind the same endpoint must not disturb state;
	// recovery is driven by the client re-subscribing
	srv.observeInstance(sess, "client-b")
	if !sess.hasSub(idKey("s1")) {
		t.Error("instance change dropped a subscription")
	}
	if atomic.LoadInt32(&torn) != 0 {
		t.Error("instance change tore down a subscription")
	}
}

func TestDropSession(t *testing.T) {
	var torn int32
	tree := testTree()
	tree["feed"] = SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		return NewObservable(func(sink Sink) Teardown {
			return func() { atomic.AddInt32(&torn, 1) }
		}), nil
	})
	r, err := BuildRouter(tree)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(r, ServerOptions{InstanceID: "srv-1"})
	rec := &replyRecorder{}
	sess := srv.session("p", rec.send)

	srv.dispatch(context.Background(), sess, []byte(`{"id":"s1","method":"subscription","params":{"path":"feed"}}`))
	before := rec.count()
	srv.dropSession("p")

	if atomic.LoadInt32(&torn) != 1 {
		t.Error("dropped session did not cancel subscriptions")
	}
	// the peer is gone, no terminal reply goes out
	if rec.count() != before {
		t.Error("reply sent to a dropped session")
	}
}

func TestSessionSendRebind(t *testing.T) {
	tree := testTree()
	tree["ticks"] = SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		return NewObservable(func(sink Sink) Teardown {
			done := make(chan struct{})
			go func() {
				ticker := time.NewTicker(time.Millisecond)
				defer ticker.Stop()
				for i := 0; ; i++ {
					select {
					case <-ticker.C:
						sink.Next(i)
					case <-done:
						return
					}
				}
			}()
			return func() { close(done) }
		}), nil
	})
	r, err := BuildRouter(tree)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(r, ServerOptions{InstanceID: "srv-1"})
	recA := &replyRecorder{}
	sess := srv.session("udp:p", recA.send)
	ctx := context.Background()

	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription","params":{"path":"ticks"}}`))
	waitFor(t, testWait, func() bool { return recA.count() >= 3 })

	// every inbound datagram rebinds the outgoing path while pushes
	// keep flowing
	recB := &replyRecorder{}
	for i := 0; i < 50; i++ {
		srv.session("udp:p", recB.send)
		time.Sleep(time.Millisecond)
	}
	waitFor(t, testWait, func() bool { return recB.count() >= 1 })

	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription.stop"}`))
	if recA.count() == 0 || recB.count() == 0 {
		t.Error("pushes did not follow the rebound path:", recA.count(), recB.count())
	}
}

func TestCloseStopsDispatch(t *testing.T) {
	srv, sess, rec := newTestServer(t)
	srv.Close()

	// frames read after shutdown are dropped, never dispatched
	srv.pool.Process(dispatchJob{ctx: context.Background(), sess: sess,
		body: []byte(`{"id":1,"method":"query","params":{"path":"math.add","input":{"a":1,"b":2}}}`)})
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("reply sent after close:", rec.count())
	}

	srv.Close()
}

func TestStopReplyBatchedInOrder(t *testing.T) {
	srv, sess, rec := newTestServer(t)
	ctx := context.Background()

	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription","params":{"path":"feed"}}`))
	if resp := rec.replies(t, 0)[0]; resp.Result == nil || resp.Result.Type != ResultStarted {
		t.Fatal("subscription not started:", resp)
	}

	// a stop inside a batch replies together with its neighbours, in
	// envelope order
	srv.dispatch(ctx, sess, []byte(
		`[{"id":9,"method":"query","params":{"path":"math.add","input":{"a":1,"b":2}}},`+
			`{"id":"s1","method":"subscription.stop"}]`))
	batch := rec.replies(t, 1)
	if len(batch) != 2 {
		t.Fatal("expected two batched replies, got", len(batch))
	}
	if batch[0].Result == nil || batch[0].Result.Type != ResultData {
		t.Error("first batched reply not the query result:", batch[0])
	}
	if batch[1].Result == nil || batch[1].Result.Type != ResultStopped {
		t.Error("second batched reply not stopped:", batch[1])
	}
}

func TestSubscriptionCallFailureFreesID(t *testing.T) {
	tree := testTree()
	tree["badstart"] = SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		return nil, NewError(CodeForbidden, "nope")
	})
	r, err := BuildRouter(tree)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(r, ServerOptions{InstanceID: "srv-1"})
	rec := &replyRecorder{}
	sess := srv.session("p", rec.send)
	ctx := context.Background()

	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription","params":{"path":"badstart"}}`))
	if resp := rec.replies(t, 0)[0]; resp.Error == nil || resp.Error.Data.Code != "FORBIDDEN" {
		t.Fatal("expected handler error reply:", resp)
	}
	if sess.hasSub(idKey("s1")) {
		t.Error("failed subscription left its id tracked")
	}

	// the id is free for a later subscription
	srv.dispatch(ctx, sess, []byte(`{"id":"s1","method":"subscription","params":{"path":"feed"}}`))
	if resp := rec.replies(t, 1)[0]; resp.Result == nil || resp.Result.Type != ResultStarted {
		t.Error("reused id rejected after failed start:", resp)
	}
}
