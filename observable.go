package subrpc

import "sync"

// Sink receives values from a push source. Next may be called any number
// of times; Error and Complete are terminal and at most one of them is
// delivered.
type Sink interface {
	Next(v interface{})
	Error(err error)
	Complete()
}

// Teardown releases the resources of one push subscription. May be nil.
type Teardown func()

// Observable is a cancellable, potentially unbounded producer of values.
// The producer function receives a sink and returns a teardown callback
// which runs exactly once, after the terminal event or on unsubscribe.
type Observable struct {
	producer func(Sink) Teardown
}

// NewObservable wraps a producer function.
func NewObservable(producer func(Sink) Teardown) *Observable {
	return &Observable{producer: producer}
}

// ObservableSubscription is one active consumption of an observable.
type ObservableSubscription struct {
	sink     *gatedSink
	mu       sync.Mutex
	teardown Teardown
	torn     bool
}

// Subscribe starts the producer. Events are delivered to the callbacks in
// production order; after a terminal event every further emission is
// dropped. Nil callbacks are allowed.
func (o *Observable) Subscribe(onNext func(interface{}), onError func(error), onComplete func()) *ObservableSubscription {
	sub := &ObservableSubscription{}
	sub.sink = &gatedSink{
		onNext:     onNext,
		onError:    onError,
		onComplete: onComplete,
		onDone:     sub.runTeardown,
	}
	td := o.producer(sub.sink)

	sub.mu.Lock()
	sub.teardown = td
	alreadyDone := sub.sink.isDone()
	sub.mu.Unlock()
	if alreadyDone {
		// producer finished synchronously before the teardown was known
		sub.runTeardown()
	}
	return sub
}

// Unsubscribe cancels the subscription without a terminal callback. Safe
// to call multiple times.
func (s *ObservableSubscription) Unsubscribe() {
	s.sink.close()
	s.runTeardown()
}

func (s *ObservableSubscription) runTeardown() {
	if !s.sink.isDone() {
		return
	}
	s.mu.Lock()
	td := s.teardown
	if s.torn || td == nil {
		s.mu.Unlock()
		return
	}
	s.torn = true
	s.mu.Unlock()
	td()
}

// gatedSink serializes emissions and drops everything after the terminal
// event.
type gatedSink struct {
	mu         sync.Mutex
	done       bool
	onNext     func(interface{})
	onError    func(error)
	onComplete func()
	onDone     func()
}

func (g *gatedSink) isDone() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

func (g *gatedSink) close() {
	g.mu.Lock()
	g.done = true
	g.mu.Unlock()
}

func (g *gatedSink) Next(v interface{}) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	cb := g.onNext
	g.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}

func (g *gatedSink) Error(err error) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	cb := g.onError
	g.mu.Unlock()
	if cb != nil {
		cb(err)
	}
	if g.onDone != nil {
		g.onDone()
	}
}

func (g *gatedSink) Complete() {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	cb := g.onComplete
	g.mu.Unlock()
	if cb != nil {
		cb()
	}
	if g.onDone != nil {
		g.onDone()
	}
}
