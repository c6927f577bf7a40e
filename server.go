package subrpc

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"
)

// ServerOptions configures a server dispatcher.
type ServerOptions struct {
	// InstanceID distinguishes this server lifetime to its peers. A
	// fresh one is generated when empty.
	InstanceID string
	// KeepaliveTimeout is the per-connection read deadline on stream
	// peers; pings go out at a fraction of it.
	KeepaliveTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           Logger
}

func (o *ServerOptions) defaults() {
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewV4().String()
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = NopLogger
	}
}

// Server dispatches inbound envelopes against a built router and streams
// subscription values back to peers. One server serves both transports.
type Server struct {
	router *Router
	opts   ServerOptions
	log    Logger
	pool   *workersPool

	mu       sync.Mutex
	sessions map[string]*peerSession
	closed   bool
}

// NewServer creates a dispatcher for the router.
func NewServer(router *Router, opts ServerOptions) *Server {
	opts.defaults()
	s := &Server{
		router:   router,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*peerSession),
	}
	s.pool = newWorkersPool(s.dispatch, s.log)
	return s
}

// Close drains the dispatch pool and cancels every peer's subscriptions.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	s.pool.Close()
	for _, key := range keys {
		s.dropSession(key)
	}
}

// InstanceID returns the identifier attached to every outgoing frame.
func (s *Server) InstanceID() string { return s.opts.InstanceID }

// peerSession is the per-remote-endpoint state: the last seen peer
// instance id and the cancellation handles of its live subscriptions.
type peerSession struct {
	key       string
	serverIID string

	mu       sync.Mutex
	send     func(payload []byte) error
	instance string
	subs     map[string]*serverSubscription
}

// setSend rebinds the outgoing path; datagram peers get a fresh one per
// inbound packet while push goroutines may be writing.
func (p *peerSession) setSend(send func(payload []byte) error) {
	p.mu.Lock()
	p.send = send
	p.mu.Unlock()
}

func (p *peerSession) sendPayload(payload []byte) error {
	p.mu.Lock()
	send := p.send
	p.mu.Unlock()
	return send(payload)
}

func (p *peerSession) reply(resps ...*Response) error {
	body, err := EncodeResponses(resps)
	if err != nil {
		return err
	}
	payload, err := messageFrame(p.serverIID, body).dump()
	if err != nil {
		return err
	}
	return p.sendPayload(payload)
}

func (p *peerSession) sendFrame(f *Frame) error {
	payload, err := f.dump()
	if err != nil {
		return err
	}
	return p.sendPayload(payload)
}

func (p *peerSession) hasSub(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[key]
	return ok
}

// track registers a subscription slot; false when the id is taken.
func (p *peerSession) track(key string, sub *serverSubscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[key]; ok {
		return false
	}
	p.subs[key] = sub
	return true
}

func (p *peerSession) untrack(key string) {
	p.mu.Lock()
	delete(p.subs, key)
	p.mu.Unlock()
}

func (p *peerSession) takeSub(key string) *serverSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := p.subs[key]
	delete(p.subs, key)
	return sub
}

func (p *peerSession) drainSubs() []*serverSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := make([]*serverSubscription, 0, len(p.subs))
	for key, sub := range p.subs {
		subs = append(subs, sub)
		delete(p.subs, key)
	}
	return subs
}

// serverSubscription guards one push loop so that exactly one terminal
// reply leaves the server, no matter how the loop ends.
type serverSubscription struct {
	id   interface{}
	path string

	mu     sync.Mutex
	done   bool
	handle *ObservableSubscription
}

// finish reports whether the caller won the right to emit the terminal
// reply.
func (s *serverSubscription) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	return true
}

func (s *serverSubscription) setHandle(h *ObservableSubscription) {
	s.mu.Lock()
	s.handle = h
	done := s.done
	s.mu.Unlock()
	if done && h != nil {
		h.Unsubscribe()
	}
}

func (s *serverSubscription) unsubscribe() {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		h.Unsubscribe()
	}
}

func (s *Server) session(key string, send func([]byte) error) *peerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.setSend(send)
		return sess
	}
	sess := &peerSession{
		key:       key,
		serverIID: s.opts.InstanceID,
		send:      send,
		subs:      make(map[string]*serverSubscription),
	}
	s.sessions[key] = sess
	return sess
}

// dropSession cancels every subscription of a departed peer.
func (s *Server) dropSession(key string) {
	s.mu.Lock()
	sess := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if sess == nil {
		return
	}
	for _, sub := range sess.drainSubs() {
		if sub.finish() {
			sub.unsubscribe()
		}
	}
}

// observeInstance tracks the peer's instance id. A change means the peer
// restarted; recovery is client-driven, so the server only logs it and
// leaves existing subscriptions alone.
func (s *Server) observeInstance(sess *peerSession, iid string) {
	if iid == "" {
		return
	}
	sess.mu.Lock()
	prev := sess.instance
	sess.instance = iid
	sess.mu.Unlock()
	if prev != "" && prev != iid {
		s.log.Infof("peer %s restarted (instance %s -> %s)", sess.key, prev, iid)
	}
}

// dispatch handles the body of one inbound frame: a single request
// envelope or a batch. Replies for the whole payload go out together;
// subscription push loops start after the started replies are sent.
func (s *Server) dispatch(ctx context.Context, sess *peerSession, body []byte) {
	envelopes, perr := splitBatch(body)
	if perr != nil {
		s.replyOrLog(sess, errorResponse(nil, perr, "", s.router.errorFormatter))
		return
	}
	var resps []*Response
	var starts []func()
	for _, raw := range envelopes {
		resp, start := s.handleRequest(ctx, sess, raw)
		if resp != nil {
			resps = append(resps, resp)
		}
		if start != nil {
			starts = append(starts, start)
		}
	}
	if len(resps) > 0 {
		s.replyOrLog(sess, resps...)
	}
	for _, start := range starts {
		start()
	}
}

func (s *Server) replyOrLog(sess *peerSession, resps ...*Response) {
	if err := sess.reply(resps...); err != nil {
		s.log.Warningf("can't send reply to %s: %s", sess.key, err)
	}
}

func kindFromMethod(method string) ProcedureKind {
	switch method {
	case MethodQuery:
		return KindQuery
	case MethodMutation:
		return KindMutation
	default:
		return KindSubscription
	}
}

// handleRequest processes one request envelope and returns the immediate
// reply (nil for no-op stop requests) plus a deferred push starter for
// subscriptions.
func (s *Server) handleRequest(ctx context.Context, sess *peerSession, raw json.RawMessage) (*Response, func()) {
	req := &Request{}
	if err := json.Unmarshal(raw, req); err != nil {
		// no procedure lookup on undecodable envelopes
		return errorResponse(nil, NewError(CodeParseError, "malformed message: "+err.Error()), "", s.router.errorFormatter), nil
	}
	if perr := validateRequest(req); perr != nil {
		var id interface{}
		if idKey(req.ID) != "" {
			id = req.ID
		}
		path := ""
		if req.Params != nil {
			path = req.Params.Path
		}
		return errorResponse(id, perr, path, s.router.errorFormatter), nil
	}

	switch req.Method {
	case MethodSubscriptionStop:
		return s.stopSubscription(sess, idKey(req.ID)), nil
	case MethodSubscription:
		return s.startSubscription(ctx, sess, req)
	default:
		return s.callProcedure(ctx, req), nil
	}
}

func (s *Server) callProcedure(ctx context.Context, req *Request) *Response {
	path := req.Params.Path
	result, err := s.router.Call(ctx, CallOptions{
		Path:  path,
		Kind:  kindFromMethod(req.Method),
		Input: req.Params.Input,
	})
	if err != nil {
		return errorResponse(req.ID, err, path, s.router.errorFormatter)
	}
	resp, err := dataResponse(req.ID, result, s.router.transformers.Output)
	if err != nil {
		serr := Errorf(CodeInternalServerError, "can't serialize result: %v", err)
		return errorResponse(req.ID, serr, path, s.router.errorFormatter)
	}
	return resp
}

// stopSubscription cancels and removes the matching tracked subscription
// if present; unknown ids are a no-op. The single {type:stopped} terminal
// reply goes out with the rest of the payload's responses, in envelope
// order.
func (s *Server) stopSubscription(sess *peerSession, key string) *Response {
	sub := sess.takeSub(key)
	if sub == nil {
		return nil
	}
	if !sub.finish() {
		return nil
	}
	sub.unsubscribe()
	return stoppedResponse(sub.id)
}

func (s *Server) startSubscription(ctx context.Context, sess *peerSession, req *Request) (*Response, func()) {
	path := req.Params.Path
	key := idKey(req.ID)
	// win the id slot before invoking the handler, so a losing racer
	// never holds an observable nothing will tear down
	ssub := &serverSubscription{id: req.ID, path: path}
	if !sess.track(key, ssub) {
		// the prior subscription stays untouched
		dup := NewError(CodeBadRequest, "duplicate subscription id")
		return errorResponse(req.ID, dup, path, s.router.errorFormatter), nil
	}
	result, err := s.router.Call(ctx, CallOptions{
		Path:  path,
		Kind:  KindSubscription,
		Input: req.Params.Input,
	})
	if err != nil {
		sess.untrack(key)
		if !ssub.finish() {
			// a concurrent stop already replied for this id
			return nil, nil
		}
		return errorResponse(req.ID, err, path, s.router.errorFormatter), nil
	}
	obs := result.(*Observable)
	start := func() { s.startPush(sess, key, ssub, obs) }
	return startedResponse(req.ID), start
}

// startPush subscribes to the handler's observable and forwards each
// produced value as {type:data}, a failure as one error reply, and
// completion as one {type:stopped}.
func (s *Server) startPush(sess *peerSession, key string, ssub *serverSubscription, obs *Observable) {
	out := s.router.transformers.Output
	handle := obs.Subscribe(
		func(v interface{}) {
			resp, err := dataResponse(ssub.id, v, out)
			if err != nil {
				if ssub.finish() {
					sess.untrack(key)
					serr := Errorf(CodeInternalServerError, "can't serialize value: %v", err)
					s.replyOrLog(sess, errorResponse(ssub.id, serr, ssub.path, s.router.errorFormatter))
					ssub.unsubscribe()
				}
				return
			}
			if err := sess.reply(resp); err != nil {
				s.log.Debugf("push to %s failed: %s", sess.key, err)
			}
		},
		func(err error) {
			if ssub.finish() {
				sess.untrack(key)
				s.replyOrLog(sess, errorResponse(ssub.id, err, ssub.path, s.router.errorFormatter))
			}
		},
		func() {
			if ssub.finish() {
				sess.untrack(key)
				s.replyOrLog(sess, stoppedResponse(ssub.id))
			}
		},
	)
	ssub.setHandle(handle)
}

// --------------------------------------------------------------------
// stream serving

type wsHandler struct {
	srv      *Server
	ctx      context.Context
	upgrader websocket.Upgrader
}

// WSHandler returns an http.Handler upgrading inbound websocket peers
// and serving them until ctx is done.
func (s *Server) WSHandler(ctx context.Context) http.Handler {
	return &wsHandler{
		srv: s,
		ctx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.srv.log.Warningf("websocket upgrade failed: %s", err)
		return
	}
	go h.srv.serveWSConn(h.ctx, conn)
}

// ListenAndServeWS serves the router over websocket on addr/path until
// ctx is done.
func (s *Server) ListenAndServeWS(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s.WSHandler(ctx))
	srv := &http.Server{Handler: mux, Addr: addr}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) serveWSConn(ctx context.Context, conn *websocket.Conn) {
	key := "ws:" + conn.RemoteAddr().String()
	var wlock sync.Mutex
	send := func(payload []byte) error {
		wlock.Lock()
		defer wlock.Unlock()
		conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, payload)
	}
	sess := s.session(key, send)
	defer s.dropSession(key)
	defer conn.Close()

	pongWait := s.opts.KeepaliveTimeout
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		rp := time.Duration(rand.Intn(20) + 70)
		ticker := time.NewTicker(pongWait * rp / 100)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(s.opts.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			case <-stopPing:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Debugf("peer %s disconnected: %s", key, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		frame, err := parseFrame(raw)
		if err != nil {
			s.replyOrLog(sess, errorResponse(nil, NewError(CodeParseError, "malformed frame: "+err.Error()), "", s.router.errorFormatter))
			continue
		}
		s.observeInstance(sess, frame.IID)
		switch {
		case frame.Ping:
			if err := sess.sendFrame(pongFrame(s.opts.InstanceID)); err != nil {
				s.log.Debugf("pong to %s failed: %s", key, err)
			}
		case frame.Pong:
		default:
			s.pool.Process(dispatchJob{ctx: ctx, sess: sess, body: frame.Body})
		}
	}
}

// --------------------------------------------------------------------
// datagram serving

// ServeDatagram serves the router over an addressed datagram primitive
// until ctx is done or the conn fails. Peers are keyed by source
// address.
func (s *Server) ServeDatagram(ctx context.Context, conn DatagramConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		payload, addr, err := conn.ReadFrom()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		peer := addr
		sess := s.session("udp:"+peer, func(p []byte) error {
			return conn.WriteTo(p, peer)
		})
		frame, err := parseFrame(payload)
		if err != nil {
			s.replyOrLog(sess, errorResponse(nil, NewError(CodeParseError, "malformed frame: "+err.Error()), "", s.router.errorFormatter))
			continue
		}
		s.observeInstance(sess, frame.IID)
		switch {
		case frame.Ping:
			if err := sess.sendFrame(pongFrame(s.opts.InstanceID)); err != nil {
				s.log.Debugf("pong to %s failed: %s", peer, err)
			}
		case frame.Pong:
		default:
			s.pool.Process(dispatchJob{ctx: ctx, sess: sess, body: frame.Body})
		}
	}
}
