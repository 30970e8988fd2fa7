package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// Task is one background unit of work. Its error is only logged.
type Task func(ctx context.Context) error

// Pool runs fire-and-forget tasks, each behind its own recover boundary.
// With maxInFlight > 0 at most that many tasks run at once; the rest wait for
// a slot inside their own goroutine so Submit never blocks the caller.
type Pool struct {
	slots    chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	stopChan chan struct{}
}

func NewPool(maxInFlight int) *Pool {
	p := &Pool{stopChan: make(chan struct{})}
	if maxInFlight > 0 {
		p.slots = make(chan struct{}, maxInFlight)
	}
	return p
}

// Submit starts task in the background. It returns false once the pool has
// been stopped.
func (p *Pool) Submit(ctx context.Context, name string, task Task) bool {
	return p.SubmitFunc(ctx, name, task, nil)
}

// SubmitFunc is Submit with an exit hook. onExit runs exactly once after the
// task returns or is dropped before starting; it does not run when
// SubmitFunc returns false.
func (p *Pool) SubmitFunc(ctx context.Context, name string, task Task, onExit func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	p.wg.Add(1)
	go p.run(ctx, name, task, onExit)
	return true
}

func (p *Pool) run(ctx context.Context, name string, task Task, onExit func()) {
	defer p.wg.Done()
	if onExit != nil {
		defer onExit()
	}

	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
			defer func() { <-p.slots }()
		case <-ctx.Done():
			log.Printf("Task %s dropped before start: %v", name, ctx.Err())
			return
		case <-p.stopChan:
			log.Printf("Task %s dropped: pool stopping", name)
			return
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Task %s panicked: %v\n%s", name, r, debug.Stack())
		}
	}()

	if err := task(ctx); err != nil {
		log.Printf("Task %s failed: %v", name, err)
	}
}

// Stop refuses new tasks and waits up to timeout for running ones.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stopChan)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool did not drain within %s", timeout)
	}
}
