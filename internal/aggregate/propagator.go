package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/PancyStudios/DiggerBotGo/pkg/errors"
	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/metrics"
)

var (
	ErrQueueFull        = errors.New("aggregate: propagation queue full")
	ErrPropagatorClosed = errors.New("aggregate: propagator closed")
)

// Job asks for one user's aggregate to be raised to Value.
type Job struct {
	UserID      int64
	Value       int64
	DisplayName string
}

// ApplyFunc writes one job to the store.
type ApplyFunc func(ctx context.Context, job Job) error

// Propagator is a bounded queue drained by a fixed pool of workers.
type Propagator struct {
	queue      chan Job
	apply      ApplyFunc
	jobTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPropagator starts workers goroutines reading from a queue of size jobs.
func NewPropagator(size, workers int, apply ApplyFunc) *Propagator {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	p := &Propagator{
		queue:      make(chan Job, size),
		apply:      apply,
		jobTimeout: 5 * time.Second,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues job without blocking.
func (p *Propagator) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPropagatorClosed
	}
	select {
	case p.queue <- job:
		metrics.AggregateQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of queued jobs.
func (p *Propagator) Len() int {
	return len(p.queue)
}

// Close stops intake and waits until the queue is drained or ctx is done.
func (p *Propagator) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
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
	case <-ctx.Done():
		return fmt.Errorf("drain propagation queue: %w", ctx.Err())
	}
}

func (p *Propagator) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		metrics.AggregateQueueDepth.Set(float64(len(p.queue)))
		p.process(job)
	}
}

func (p *Propagator) process(job Job) {
	defer apperrors.RecoverMiddleware()()

	ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
	defer cancel()

	if err := p.apply(ctx, job); err != nil {
		metrics.AggregateJobs.WithLabelValues("failed").Inc()
		logger.Warn(fmt.Sprintf("No se pudo propagar el agregado de %d: %v", job.UserID, err), "Aggregate")
		return
	}
	metrics.AggregateJobs.WithLabelValues("applied").Inc()
}
