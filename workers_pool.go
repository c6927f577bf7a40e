package subrpc

import (
	"context"
	"sync"
)

type dispatchJob struct {
	ctx  context.Context
	sess *peerSession
	body []byte
}

// workersPool runs dispatch jobs off the connection read loops so a slow
// handler never stalls inbound traffic. The pool grows on demand: a job
// that finds no idle worker spawns one.
type workersPool struct {
	jobs chan dispatchJob
	wg   sync.WaitGroup
	run  func(ctx context.Context, sess *peerSession, body []byte)
	log  Logger

	mu     sync.Mutex
	closed bool
}

func newWorkersPool(run func(ctx context.Context, sess *peerSession, body []byte), log Logger) *workersPool {
	return &workersPool{jobs: make(chan dispatchJob), run: run, log: log}
}

func (wp *workersPool) worker() {
	wp.log.Debugf("starting new worker")
	defer wp.wg.Done()

	for j := range wp.jobs {
		wp.run(j.ctx, j.sess, j.body)
	}
	wp.log.Debugf("worker stopped")
}

// Process hands the job to an idle worker, spawning one when none is
// free. Jobs arriving after Close are dropped.
func (wp *workersPool) Process(j dispatchJob) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return
	}
	select {
	case wp.jobs <- j:
	default:
		wp.wg.Add(1)
		go wp.worker()
		wp.jobs <- j
	}
}

func (wp *workersPool) Close() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobs)
	wp.mu.Unlock()
	wp.wg.Wait()
}
