package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/models"
)

// Handler executes one job type.
type Handler interface {
	Handle(ctx context.Context, job *models.ProcessingJob) (map[string]any, error)
	// Failed runs exactly once, after the job has been recorded as FAILED.
	Failed(ctx context.Context, job *models.ProcessingJob, cause error)
}

type Options struct {
	Workers      int
	JobTimeout   time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	// StaleAfter is how long a job may stay PROCESSING before recovery treats
	// its worker as gone. Defaults to JobTimeout plus one minute.
	StaleAfter time.Duration
}

// Queue runs durable ProcessingJob records on a bounded ants pool.
// Every state change goes through the store first, so a restarted process can
// pick up where the previous one stopped.
type Queue struct {
	db       core.DbClient
	log      *zap.Logger
	pool     *ants.Pool
	opts     Options
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(db core.DbClient, log *zap.Logger, opts Options) (*Queue, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = opts.JobTimeout + time.Minute
	}

	pool, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(p any) {
		log.Error("job worker panicked outside handler", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		db:       db,
		log:      log.Named("jobqueue"),
		pool:     pool,
		opts:     opts,
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
	}, nil
}

// Register binds a handler to a job type. Call before Enqueue or Recover.
func (q *Queue) Register(jobType string, h Handler) {
	q.handlers[jobType] = h
}

// NewJob builds a PENDING job record without persisting it.
func (q *Queue) NewJob(entityType, entityID, jobType string, cfg map[string]any, priority int) *models.ProcessingJob {
	return &models.ProcessingJob{
		ID:          ulid.Make().String(),
		JobType:     jobType,
		EntityType:  entityType,
		EntityID:    entityID,
		Config:      cfg,
		Priority:    priority,
		Status:      models.StatusPending,
		MaxAttempts: q.opts.MaxAttempts,
	}
}

// Enqueue persists a PENDING job and schedules it on the pool.
func (q *Queue) Enqueue(ctx context.Context, entityType, entityID, jobType string, cfg map[string]any, priority int) (*models.ProcessingJob, error) {
	job := q.NewJob(entityType, entityID, jobType, cfg, priority)
	if err := q.db.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create %s job: %w", jobType, err)
	}
	q.Schedule(job)
	return job, nil
}

// Schedule runs a job that is already persisted as PENDING.
func (q *Queue) Schedule(job *models.ProcessingJob) {
	q.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.String("entity_id", job.EntityID),
	)
	q.schedule(job.ID, 0)
}

// RunJob executes a PENDING job. Jobs in any other state, or claimed by another
// worker first, are left untouched.
func (q *Queue) RunJob(ctx context.Context, id string) error {
	job, err := q.db.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	if job == nil {
		return fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	if job.Status != models.StatusPending {
		q.log.Debug("job not pending, skipping", zap.String("job_id", id), zap.String("status", job.Status))
		return nil
	}

	claimed, err := q.db.ClaimJob(ctx, id)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", id, err)
	}
	if !claimed {
		return nil
	}
	job.Status = models.StatusProcessing
	job.Attempts++

	log := q.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.String("entity_id", job.EntityID),
		zap.Int("attempt", job.Attempts),
	)

	h, ok := q.handlers[job.JobType]
	if !ok {
		cause := fmt.Errorf("no handler registered for job type %s", job.JobType)
		return q.fail(ctx, log, job, nil, cause, cause.Error())
	}

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	result, detail, err := invoke(runCtx, h, job)
	cancel()

	if err == nil {
		if err := q.db.CompleteJob(ctx, job.ID, result); err != nil {
			return fmt.Errorf("record job completion: %w", err)
		}
		log.Info("job completed", zap.Duration("took", time.Since(started)))
		return nil
	}

	// interrupted by shutdown: leave it for Recover on the next boot
	if errors.Is(err, context.Canceled) && q.ctx.Err() != nil {
		log.Warn("job interrupted by shutdown", zap.Error(err))
		return q.db.RequeueJob(context.WithoutCancel(ctx), job.ID, "interrupted by shutdown")
	}

	if IsRetryable(err) && job.Attempts < q.maxAttempts(job) {
		backoff := q.opts.RetryBackoff << (job.Attempts - 1)
		log.Warn("job failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		if err := q.db.RequeueJob(ctx, job.ID, err.Error()); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		q.schedule(job.ID, backoff)
		return nil
	}

	return q.fail(ctx, log, job, h, err, detail)
}

func (q *Queue) fail(ctx context.Context, log *zap.Logger, job *models.ProcessingJob, h Handler, cause error, detail string) error {
	log.Error("job failed", zap.Error(cause))

	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := q.db.FailJob(hookCtx, job.ID, cause.Error(), detail); err != nil {
		return fmt.Errorf("record job failure: %w", err)
	}
	job.Status = models.StatusFailed
	if h != nil {
		h.Failed(hookCtx, job, cause)
	}
	return nil
}

func (q *Queue) maxAttempts(job *models.ProcessingJob) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return q.opts.MaxAttempts
}

// invoke runs the handler and turns a panic into an error carrying the stack.
func invoke(ctx context.Context, h Handler, job *models.ProcessingJob) (result map[string]any, detail string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			detail = string(debug.Stack())
		}
	}()
	result, err = h.Handle(ctx, job)
	if err != nil {
		detail = fmt.Sprintf("%+v", err)
	}
	return result, detail, err
}

// Recover requeues PROCESSING jobs whose lease has run out and schedules every
// PENDING job. Jobs claimed within StaleAfter are left to their worker, which
// may belong to another replica.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	requeued, err := q.db.RequeueStaleJobs(ctx, time.Now().Add(-q.opts.StaleAfter), "requeued after worker lease expired")
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}

	pending, err := q.db.ListJobsByStatus(ctx, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, j := range pending {
		q.schedule(j.ID, 0)
	}
	q.log.Info("job recovery done", zap.Int("requeued", len(requeued)), zap.Int("scheduled", len(pending)))
	return len(pending), nil
}

// Sweep requeues and schedules stale jobs every interval until ctx ends or the
// queue closes. It picks up work orphaned by a replica that died without restarting.
func (q *Queue) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = q.opts.StaleAfter
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-t.C:
		}
		ids, err := q.db.RequeueStaleJobs(ctx, time.Now().Add(-q.opts.StaleAfter), "requeued after worker lease expired")
		if err != nil {
			q.log.Warn("stale job sweep failed", zap.Error(err))
			continue
		}
		for _, id := range ids {
			q.log.Warn("requeued stale job", zap.String("job_id", id))
			q.schedule(id, 0)
		}
	}
}

func (q *Queue) schedule(id string, delay time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Warn("queue closed, job left pending", zap.String("job_id", id))
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-q.stop:
				return
			}
		}

		done := make(chan struct{})
		err := q.pool.Submit(func() {
			defer close(done)
			if err := q.RunJob(q.ctx, id); err != nil {
				q.log.Error("run job", zap.String("job_id", id), zap.Error(err))
			}
		})
		if err != nil {
			q.log.Warn("could not submit job, left pending", zap.String("job_id", id), zap.Error(err))
			return
		}
		<-done
	}()
}

// Wait blocks until every scheduled job, including pending retries, has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close stops scheduling, waits up to timeout for running jobs, then cancels the rest.
func (q *Queue) Close(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		q.cancel()
		<-done
	}
	q.cancel()
	return q.pool.ReleaseTimeout(timeout)
}
