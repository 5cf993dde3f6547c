package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Handler processes one claimed task. The handler is responsible for
// acking or nacking the task on the queue.
type Handler func(ctx context.Context, task *Task)

// Pool runs a fixed set of workers that poll the queue for due tasks.
type Pool struct {
	queue    *Queue
	workers  int
	interval time.Duration
	claimTTL time.Duration
	handler  Handler
	wg       sync.WaitGroup
}

// NewPool creates a worker pool over the queue. interval is the idle poll
// period; claimTTL bounds how long a claim protects a task.
func NewPool(q *Queue, workers int, interval, claimTTL time.Duration, handler Handler) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Pool{
		queue:    q,
		workers:  workers,
		interval: interval,
		claimTTL: claimTTL,
		handler:  handler,
	}
}

// Start launches the workers. They stop when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Drain everything due before going back to sleep.
		for {
			if ctx.Err() != nil {
				return
			}
			task, err := p.queue.Claim(id, time.Now().UTC(), p.claimTTL)
			if err != nil {
				p.queue.log.Error().Err(err).Str("worker", id).Msg("claim failed")
				break
			}
			if task == nil {
				break
			}
			p.handler(ctx, task)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
