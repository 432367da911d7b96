package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrDispatcherClosed is returned by Submit after Shutdown.
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// Job is a unit of orchestration work run by the Dispatcher.
type Job func(ctx context.Context) (*ServiceRecord, error)

// Future is the pending outcome of a submitted job.
type Future struct {
	ID     string
	done   chan struct{}
	record *ServiceRecord
	err    error
}

// Done is closed when the job has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finishes or ctx is done. Giving up on the wait
// does not cancel the job.
func (f *Future) Wait(ctx context.Context) (*ServiceRecord, error) {
	select {
	case <-f.done:
		return f.record, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatcher runs jobs off the caller's goroutine with bounded parallelism.
type Dispatcher struct {
	sem      *semaphore.Weighted
	recorder Recorder
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
	queued int
	active int
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher running at most maxParallel jobs at once.
func NewDispatcher(maxParallel int, recorder Recorder, logger zerolog.Logger) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = 10 // Default to 10 concurrent workers
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Dispatcher{
		sem:      semaphore.NewWeighted(int64(maxParallel)),
		recorder: recorder,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Submit schedules job. The job runs on a context detached from ctx's
// cancellation, so a dispatched operation is never aborted mid-flight.
func (d *Dispatcher) Submit(ctx context.Context, name, id string, job Job) (*Future, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.queued++
	d.wg.Add(1)
	d.reportLocked()
	d.mu.Unlock()

	f := &Future{ID: id, done: make(chan struct{})}
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer d.wg.Done()
		defer close(f.done)

		// Acquire cannot fail on a context without cancellation.
		_ = d.sem.Acquire(runCtx, 1)
		d.move(-1, 1)
		defer func() {
			d.sem.Release(1)
			d.move(0, -1)
		}()

		f.record, f.err = job(runCtx)
		if f.err != nil {
			d.logger.Warn().Err(f.err).Str("job", name).Str("task_id", id).Msg("job failed")
			return
		}
		d.logger.Debug().Str("job", name).Str("task_id", id).Msg("job finished")
	}()
	return f, nil
}

// Shutdown stops accepting jobs and waits for running ones until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) move(queued, active int) {
	d.mu.Lock()
	d.queued += queued
	d.active += active
	d.reportLocked()
	d.mu.Unlock()
}

func (d *Dispatcher) reportLocked() {
	d.recorder.QueueDepth(d.queued, d.active)
}
