package session

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	key   string
	value string
}

// persistJob is one ordered storage write. Jobs run one at a time in the
// order they were queued.
type persistJob struct {
	set    []entry
	delete []string
	done   chan struct{}
}

// persister applies session writes to storage on a single background
// drainer. Enqueue never blocks, so callers holding the session lock keep
// storage order identical to in memory order.
type persister struct {
	storage Storage
	logger  Logger
	timeout time.Duration

	mu      sync.Mutex
	queue   []persistJob
	running bool
}

func (p *persister) enqueue(job persistJob) <-chan struct{} {
	if job.done == nil {
		job.done = make(chan struct{})
	}

	p.mu.Lock()
	p.queue = append(p.queue, job)
	if !p.running {
		p.running = true
		go p.drain()
	}
	p.mu.Unlock()

	return job.done
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.apply(job)
		close(job.done)
	}
}

func (p *persister) apply(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if len(job.delete) > 0 {
		if err := p.storage.Delete(ctx, job.delete...); err != nil {
			p.logger.Error("failed to clear %v: %v", job.delete, err)
		}
	}

	for _, e := range job.set {
		if err := p.storage.Set(ctx, e.key, e.value); err != nil {
			p.logger.Error("failed to persist %s: %v", e.key, err)
		}
	}
}

// barrier returns a channel closed once every job queued before it ran.
func (p *persister) barrier() <-chan struct{} {
	return p.enqueue(persistJob{})
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
