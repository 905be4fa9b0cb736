// Package pool runs recurring tasks, such as the rebuilds of watch mode, in
// order of their deadlines on a fixed number of goroutines.
package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Pool executes tasks in order of their deadlines, using a fixed number of
// goroutines. A task returns its next deadline, or the zero time to leave
// the pool. Adding or triggering a task wakes up a waiting goroutine.
type Pool struct {
	mu    sync.Mutex
	queue []*task
	reg   map[string]*task
	wait  chan struct{}
	wg    sync.WaitGroup
}

type task struct {
	name     string
	fn       func(context.Context) time.Time
	deadline time.Time
	rerun    bool
}

// New starts the workers. They stop once ctx is done; a running task sees
// the cancellation through its context.
func New(ctx context.Context, workers int) *Pool {
	pool := &Pool{reg: make(map[string]*task)}

	for range workers {
		pool.wg.Add(1)
		go pool.work(ctx)
	}

	return pool
}

// Add queues a task to run now.
func (p *Pool) Add(name string, fn func(context.Context) time.Time) {
	p.enqueue(&task{name: name, fn: fn, deadline: time.Now()})
}

// Wait blocks until the workers have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Len is the number of tasks in the pool, queued or running.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reg)
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		t := p.dequeue(ctx)
		if t == nil {
			return
		}
		p.enqueue(t.Execute(ctx))
	}
}

// Trigger runs the named task now. A queued task is pulled to the front of
// the queue. A running task runs again right after its current run; later
// runs use the deadline returned by the task.
func (p *Pool) Trigger(n string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := slices.IndexFunc(p.queue, func(t *task) bool { return t.name == n }); i != -1 {
		p.queue[i].deadline = time.Now()
		p.sortAndWake()
		return nil
	}
	// not queued, so it is running
	if t, ok := p.reg[n]; ok {
		t.rerun = true
		return nil
	}

	return fmt.Errorf("no task with name %s", n)
}

// sortAndWake must be called with p.mu held.
func (p *Pool) sortAndWake() {
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})

	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) enqueue(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.deadline.IsZero() {
		delete(p.reg, t.name)
		return
	}
	if t.rerun {
		t.rerun = false
		t.deadline = time.Now()
	}

	p.reg[t.name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
}

// dequeue waits for the first task to become due. It returns nil once ctx
// is done.
func (p *Pool) dequeue(ctx context.Context) *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}

		var wait time.Duration
		if len(p.queue) == 0 {
			wait = 24 * time.Hour
		} else if wait = time.Until(p.queue[0].deadline); wait <= 0 {
			break
		}

		if p.wait == nil {
			p.wait = make(chan struct{})
		}
		woken := p.wait

		p.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-woken:
		case <-ctx.Done():
		}
		timer.Stop()

		p.mu.Lock()
	}

	var t *task
	t, p.queue = p.queue[0], p.queue[1:]
	return t
}

func (t *task) Execute(ctx context.Context) *task {
	t.deadline = t.fn(ctx)
	return t
}
