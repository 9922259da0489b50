package crawler

import (
	"context"
	"sync"
)

// Task runs on a pool worker with the pool context.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan Task
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool starts concurrency workers whose context derives from parent.
func NewPool(parent context.Context, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(parent)
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan Task),
	}

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task(p.ctx)
	}
}

// Submit blocks until a worker picks up the task or ctx is done. It must not
// be called after Close.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- task:
		return nil
	}
}

// Close waits for running tasks to finish.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
	p.cancel()
}
