package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/markdave123-py/contractdocs/internal/core"
	db "github.com/markdave123-py/contractdocs/internal/core/database"
	"github.com/markdave123-py/contractdocs/internal/models"
)

type fakeHandler struct {
	calls    atomic.Int32
	failed   atomic.Int32
	handle   func(call int32) (map[string]any, error)
	failedMu sync.Mutex
	cause    error
}

func (h *fakeHandler) Handle(ctx context.Context, job *models.ProcessingJob) (map[string]any, error) {
	n := h.calls.Add(1)
	if h.handle == nil {
		return map[string]any{"ok": true}, nil
	}
	return h.handle(n)
}

func (h *fakeHandler) Failed(ctx context.Context, job *models.ProcessingJob, cause error) {
	h.failed.Add(1)
	h.failedMu.Lock()
	h.cause = cause
	h.failedMu.Unlock()
}

func newQueue(t *testing.T, store core.DbClient, maxAttempts int) *Queue {
	t.Helper()
	q, err := New(store, zaptest.NewLogger(t), Options{
		Workers:      2,
		JobTimeout:   5 * time.Second,
		MaxAttempts:  maxAttempts,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(time.Second) })
	return q
}

func TestEnqueueRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q := newQueue(t, store, 1)
	h := &fakeHandler{}
	q.Register(models.JobTextExtraction, h)

	job, err := q.Enqueue(ctx, "document", "doc-1", models.JobTextExtraction, map[string]any{"source": "test"}, 0)
	require.NoError(t, err)
	q.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, true, got.Result["ok"])
	assert.Equal(t, 1, got.Attempts)
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestRunJobIsNoopUnlessPending(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q := newQueue(t, store, 1)
	h := &fakeHandler{}
	q.Register(models.JobTextExtraction, h)

	job, err := q.Enqueue(ctx, "document", "doc-1", models.JobTextExtraction, nil, 0)
	require.NoError(t, err)
	q.Wait()

	require.NoError(t, q.RunJob(ctx, job.ID))
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestConcurrentRunJobExecutesOnce(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q := newQueue(t, store, 1)
	h := &fakeHandler{}
	q.Register(models.JobTextExtraction, h)

	require.NoError(t, store.CreateJob(ctx, &models.ProcessingJob{
		ID: "j1", JobType: models.JobTextExtraction, Status: models.StatusPending,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.RunJob(ctx, "j1")
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestHandlerErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q := newQueue(t, store, 3)
	h := &fakeHandler{handle: func(int32) (map[string]any, error) {
		return nil, errors.New("all extraction tiers failed")
	}}
	q.Register(models.JobTextExtraction, h)

	job, err := q.Enqueue(ctx, "document", "doc-1", models.JobTextExtraction, nil, 0)
	require.NoError(t, err)
	q.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "all extraction tiers failed", *got.ErrorMessage)
	assert.Equal(t, 1, got.Attempts, "non-retryable errors are not retried")
	assert.EqualValues(t, 1, h.failed.Load())
}

func TestPanicIsRecordedWithStack(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q := newQueue(t, store, 1)
	h := &fakeHandler{handle: func(int32) (map[string]any, error) { panic("boom") }}
	q.Register(models.JobTextExtraction, h)

	job, err := q.Enqueue(ctx, "document", "doc-1", models.JobTextExtraction, nil, 0)
	require.NoError(t, err)
	q.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "panic: boom")
	assert.Contains(t, *got.ErrorDetail, "goroutine")
	assert.EqualValues(t, 1, h.failed.Load())
}

func TestRetryableErrorRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q := newQueue(t, store, 3)
	h := &fakeHandler{handle: func(call int32) (map[string]any, error) {
		if call == 1 {
			return nil, Retryable(errors.New("file not readable yet"))
		}
		return map[string]any{"pages": 1}, nil
	}}
	q.Register(models.JobTextExtraction, h)

	job, err := q.Enqueue(ctx, "document", "doc-1", models.JobTextExtraction, nil, 0)
	require.NoError(t, err)
	q.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.EqualValues(t, 0, h.failed.Load())
}

func TestRetryableErrorExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q := newQueue(t, store, 2)
	h := &fakeHandler{handle: func(int32) (map[string]any, error) {
		return nil, Retryable(errors.New("still busy"))
	}}
	q.Register(models.JobTextExtraction, h)

	job, err := q.Enqueue(ctx, "document", "doc-1", models.JobTextExtraction, nil, 0)
	require.NoError(t, err)
	q.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.EqualValues(t, 2, h.calls.Load())
	assert.EqualValues(t, 1, h.failed.Load())
	assert.True(t, IsRetryable(h.cause))
}

func TestJobTimeoutReachesTerminalState(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q, err := New(store, zaptest.NewLogger(t), Options{Workers: 1, JobTimeout: 20 * time.Millisecond, MaxAttempts: 1})
	require.NoError(t, err)
	defer q.Close(time.Second)

	q.Register(models.JobTextExtraction, handlerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	job, err := q.Enqueue(ctx, "document", "doc-1", models.JobTextExtraction, nil, 0)
	require.NoError(t, err)
	q.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "deadline exceeded")
}

func TestUnknownJobTypeFails(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q := newQueue(t, store, 1)

	job, err := q.Enqueue(ctx, "document", "doc-1", models.JobPageAnalysis, nil, 0)
	require.NoError(t, err)
	q.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestRunJobUnknownID(t *testing.T) {
	q := newQueue(t, db.NewMemoryClient(), 1)
	assert.ErrorIs(t, q.RunJob(context.Background(), "missing"), core.ErrNotFound)
}

func claim(t *testing.T, store *db.MemoryClient, id string) {
	t.Helper()
	require.NoError(t, store.CreateJob(context.Background(), &models.ProcessingJob{ID: id, JobType: models.JobTextExtraction, Status: models.StatusPending}))
	ok, err := store.ClaimJob(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
}

func newStaleQueue(t *testing.T, store core.DbClient, staleAfter time.Duration) *Queue {
	t.Helper()
	q, err := New(store, zaptest.NewLogger(t), Options{
		Workers:     2,
		JobTimeout:  5 * time.Second,
		MaxAttempts: 3,
		StaleAfter:  staleAfter,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(time.Second) })
	return q
}

func TestRecoverResumesInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()

	claim(t, store, "stuck")
	time.Sleep(150 * time.Millisecond)
	// claimed by a live worker elsewhere
	claim(t, store, "live")
	require.NoError(t, store.CreateJob(ctx, &models.ProcessingJob{ID: "waiting", JobType: models.JobTextExtraction, Status: models.StatusPending}))

	q := newStaleQueue(t, store, 100*time.Millisecond)
	h := &fakeHandler{}
	q.Register(models.JobTextExtraction, h)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	q.Wait()

	for _, id := range []string{"stuck", "waiting"} {
		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status, id)
	}
	live, err := store.GetJob(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, live.Status, "a job inside its lease is not run twice")
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestSweepRequeuesExpiredLeases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := db.NewMemoryClient()
	claim(t, store, "orphan")

	q := newStaleQueue(t, store, 50*time.Millisecond)
	h := &fakeHandler{}
	q.Register(models.JobTextExtraction, h)
	go q.Sweep(ctx, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := store.GetJob(ctx, "orphan")
		return err == nil && got.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestScheduleRunsPersistedJob(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryClient()
	q := newQueue(t, store, 1)
	h := &fakeHandler{}
	q.Register(models.JobTextExtraction, h)

	job := q.NewJob("document", "doc-2", models.JobTextExtraction, map[string]any{"filePath": "/x"}, 0)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 1, job.MaxAttempts)
	require.NoError(t, store.CreateJob(ctx, job))

	q.Schedule(job)
	q.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

type handlerFunc func(ctx context.Context) error

func (f handlerFunc) Handle(ctx context.Context, job *models.ProcessingJob) (map[string]any, error) {
	return nil, f(ctx)
}

func (f handlerFunc) Failed(context.Context, *models.ProcessingJob, error) {}
