package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the default number of plans executed concurrently.
const DefaultWorkers = 4

// Job is the work submitted for one plan. It must return when ctx is done.
type Job func(ctx context.Context)

// planLocks hands out one mutex per plan ID. An entry lives only while some
// job holds or waits on it.
type planLocks struct {
	mu    sync.Mutex
	locks map[string]*planLock
}

type planLock struct {
	mu   sync.Mutex
	refs int
}

func newPlanLocks() *planLocks {
	return &planLocks{locks: make(map[string]*planLock)}
}

// acquire blocks until the caller holds the lock for planID.
func (l *planLocks) acquire(planID string) {
	l.mu.Lock()
	pl, ok := l.locks[planID]
	if !ok {
		pl = &planLock{}
		l.locks[planID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
}

// release unlocks planID and drops the entry once nobody references it.
func (l *planLocks) release(planID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pl := l.locks[planID]
	pl.mu.Unlock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, planID)
	}
}

func (l *planLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// worker is the bookkeeping for one submitted job.
type worker struct {
	cancel context.CancelFunc
}

// WorkerPool runs plan jobs in the background. At most one job per plan ID
// is in flight; a job submitted while a cancelled job for the same plan is
// still winding down waits for it to finish.
type WorkerPool struct {
	sem    *semaphore.Weighted
	locks  *planLocks
	logger zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool that runs up to size jobs at once.
func NewWorkerPool(size int, logger zerolog.Logger) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &WorkerPool{
		sem:     semaphore.NewWeighted(int64(size)),
		locks:   newPlanLocks(),
		logger:  logger.With().Str("component", "workers").Logger(),
		workers: make(map[string]*worker),
	}
}

// Submit starts job for planID. It returns a conflict error if a job for the
// plan is already running and a permanent error after Shutdown.
func (p *WorkerPool) Submit(ctx context.Context, planID string, job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return NewPermanentError("worker pool is shut down", nil).WithResource(planID)
	}
	if _, ok := p.workers[planID]; ok {
		p.mu.Unlock()
		return NewConflictError("plan is already executing", nil).
			WithCode(ErrCodeConflict).
			WithResource(planID)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &worker{cancel: cancel}
	p.workers[planID] = w
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(jobCtx, planID, w, job)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, planID string, w *worker, job Job) {
	defer p.wg.Done()
	defer p.release(planID, w)

	logger := p.logger.With().Str("plan_id", planID).Logger()

	p.locks.acquire(planID)
	defer p.locks.release(planID)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		logger.Debug().Msg("Job cancelled before it started")
		return
	}
	defer p.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Plan job panicked")
		}
	}()

	logger.Debug().Msg("Plan job started")
	job(ctx)
	logger.Debug().Msg("Plan job finished")
}

// release drops the worker entry if it still belongs to w.
func (p *WorkerPool) release(planID string, w *worker) {
	w.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.workers[planID]; ok && cur == w {
		delete(p.workers, planID)
	}
}

// Cancel signals the job for planID to stop. The job observes the signal
// between steps. It reports whether a job was running.
func (p *WorkerPool) Cancel(planID string) bool {
	p.mu.Lock()
	w, ok := p.workers[planID]
	if ok {
		delete(p.workers, planID)
	}
	p.mu.Unlock()

	if ok {
		w.cancel()
		p.logger.Info().Str("plan_id", planID).Msg("Plan job cancelled")
	}
	return ok
}

// Running reports whether a job for planID is in flight.
func (p *WorkerPool) Running(planID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.workers[planID]
	return ok
}

// Active returns the IDs of plans with a job in flight.
func (p *WorkerPool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every submitted job has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new jobs, cancels running ones and waits for them to
// return or for ctx to end.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	for _, w := range p.workers {
		w.cancel()
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
		return NewTransientError("timed out waiting for plan jobs", ctx.Err()).WithCode(ErrCodeTimeout)
	}
}
