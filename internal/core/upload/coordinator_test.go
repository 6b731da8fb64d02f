package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/chunkstore"
	db "github.com/markdave123-py/contractdocs/internal/core/database"
	"github.com/markdave123-py/contractdocs/internal/core/jobqueue"
	"github.com/markdave123-py/contractdocs/internal/models"
)

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeEnqueuer) NewJob(entityType, entityID, jobType string, cfg map[string]any, priority int) *models.ProcessingJob {
	return &models.ProcessingJob{
		ID: "job-" + entityID, JobType: jobType, EntityType: entityType, EntityID: entityID,
		Config: cfg, Priority: priority, Status: models.StatusPending, MaxAttempts: 1,
	}
}

func (f *fakeEnqueuer) Schedule(job *models.ProcessingJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job.EntityID)
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recordingNotifier) Publish(ctx context.Context, evt core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fakeObjects struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func (f *fakeObjects) UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = map[string][]byte{}
	}
	f.keys[key] = b
	return "https://" + bucket + ".example/" + key, nil
}

func (f *fakeObjects) DeleteFile(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

type harness struct {
	store    *db.MemoryClient
	chunks   *chunkstore.Store
	jobs     *fakeEnqueuer
	notifier *recordingNotifier
	coord    *Coordinator
}

func newHarness(t *testing.T, chunkSize int64) *harness {
	t.Helper()
	cs, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	h := &harness{
		store:    db.NewMemoryClient(),
		chunks:   cs,
		jobs:     &fakeEnqueuer{},
		notifier: &recordingNotifier{},
	}
	h.coord = NewCoordinator(h.store, cs, h.jobs, h.notifier, nil, zaptest.NewLogger(t), Options{ChunkSize: chunkSize})
	return h
}

func payload(size int, seed int64) []byte {
	b := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func slice(data []byte, chunkSize int64, n int) []byte {
	start := int64(n) * chunkSize
	end := min(start+chunkSize, int64(len(data)))
	return data[start:end]
}

func (h *harness) initiate(t *testing.T, data []byte, name string) *InitiateResult {
	t.Helper()
	res, err := h.coord.InitiateUpload(context.Background(), "contract-1", FileInfo{
		FileName:   name,
		Size:       int64(len(data)),
		MimeType:   "application/pdf",
		UploadedBy: "user-1",
	})
	require.NoError(t, err)
	return res
}

func TestTwelveMegabyteUploadOutOfOrder(t *testing.T) {
	ctx := context.Background()
	const chunkSize = 5 * 1024 * 1024
	h := newHarness(t, chunkSize)
	data := payload(12*1024*1024, 1)

	up := h.initiate(t, data, "Master Agreement.pdf")
	assert.Equal(t, 3, up.TotalChunks)
	assert.EqualValues(t, chunkSize, up.ChunkSize)

	var last *ChunkResult
	for i, n := range []int{2, 0, 1} {
		res, err := h.coord.SubmitChunk(ctx, up.DocumentID, n, slice(data, chunkSize, n))
		require.NoError(t, err)
		assert.Equal(t, i+1, res.ChunksUploaded)
		assert.Equal(t, i == 2, res.IsComplete)
		last = res
	}
	assert.Equal(t, 100, last.Progress)

	doc, err := h.store.GetDocumentByID(ctx, up.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadCompleted, doc.UploadStatus)
	assert.Equal(t, 100, doc.UploadProgress)
	assert.NotEmpty(t, doc.FileHash)
	assert.Regexp(t, `^contract-1-PRIMARY-\d+-[0-9a-f]{8}-Master_Agreement\.pdf$`, doc.StorageName)

	got, err := os.ReadFile(doc.FilePath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "consolidated file must equal the original")

	staged, err := os.ReadDir(filepath.Join(h.chunks.Root(), "chunks"))
	require.NoError(t, err)
	assert.Empty(t, staged)
	records, err := h.store.ListChunks(ctx, up.DocumentID)
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.Equal(t, 1, h.jobs.count())
	assert.Equal(t, []string{
		core.EventUploadStarted,
		core.EventChunkUploaded, core.EventChunkUploaded, core.EventChunkUploaded,
		core.EventConsolidated,
	}, h.notifier.types())
}

func TestAnySubmissionOrderReassemblesByIndex(t *testing.T) {
	ctx := context.Background()
	const chunkSize = 7
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 25; trial++ {
		h := newHarness(t, chunkSize)
		data := payload(50+trial, int64(trial))
		up := h.initiate(t, data, "exhibit.txt")

		for _, n := range rng.Perm(up.TotalChunks) {
			_, err := h.coord.SubmitChunk(ctx, up.DocumentID, n, slice(data, chunkSize, n))
			require.NoError(t, err)
		}

		doc, err := h.store.GetDocumentByID(ctx, up.DocumentID)
		require.NoError(t, err)
		got, err := os.ReadFile(doc.FilePath)
		require.NoError(t, err)
		require.Equal(t, data, got, "trial %d", trial)
	}
}

func TestResubmittedChunkIsNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	data := payload(25, 3)
	up := h.initiate(t, data, "a.pdf")

	first, err := h.coord.SubmitChunk(ctx, up.DocumentID, 0, slice(data, 10, 0))
	require.NoError(t, err)
	again, err := h.coord.SubmitChunk(ctx, up.DocumentID, 0, slice(data, 10, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, first.ChunksUploaded)
	assert.Equal(t, 1, again.ChunksUploaded)
	assert.False(t, again.IsComplete)

	for _, n := range []int{1, 2} {
		_, err := h.coord.SubmitChunk(ctx, up.DocumentID, n, slice(data, 10, n))
		require.NoError(t, err)
	}
	res, err := h.coord.SubmitChunk(ctx, up.DocumentID, 2, slice(data, 10, 2))
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	assert.Equal(t, 3, res.ChunksUploaded)
	assert.Equal(t, 1, h.jobs.count(), "resubmission after completion must not consolidate again")
}

func TestConcurrentFinalChunksConsolidateOnce(t *testing.T) {
	ctx := context.Background()
	for trial := 0; trial < 20; trial++ {
		h := newHarness(t, 16)
		data := payload(48, int64(trial))
		up := h.initiate(t, data, "race.pdf")

		_, err := h.coord.SubmitChunk(ctx, up.DocumentID, 0, slice(data, 16, 0))
		require.NoError(t, err)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, n := range []int{1, 2, 1, 2} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := h.coord.SubmitChunk(ctx, up.DocumentID, n, slice(data, 16, n))
				assert.NoError(t, err)
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, h.jobs.count(), "trial %d", trial)
		doc, err := h.store.GetDocumentByID(ctx, up.DocumentID)
		require.NoError(t, err)
		assert.Equal(t, models.UploadCompleted, doc.UploadStatus)
		assert.Equal(t, 3, doc.ChunksUploaded)
		got, err := os.ReadFile(doc.FilePath)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestConsolidateRequiresEveryChunk(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	data := payload(30, 9)
	up := h.initiate(t, data, "gate.pdf")

	for _, n := range []int{0, 2} {
		_, err := h.coord.SubmitChunk(ctx, up.DocumentID, n, slice(data, 10, n))
		require.NoError(t, err)
	}

	err := h.coord.Consolidate(ctx, up.DocumentID)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrIncomplete)
	assert.Contains(t, err.Error(), "chunk 1 is PENDING")

	doc, err := h.store.GetDocumentByID(ctx, up.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadFailed, doc.UploadStatus)
	require.NotNil(t, doc.ErrorMessage)

	records, err := h.store.ListChunks(ctx, up.DocumentID)
	require.NoError(t, err)
	assert.Len(t, records, 3, "chunk records stay for diagnostics")

	entries, err := os.ReadDir(h.chunks.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.IsDir(), "no output file may remain, found %s", e.Name())
	}
	assert.Zero(t, h.jobs.count())
}

func TestCorruptedChunkFailsConsolidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	data := payload(30, 11)
	up := h.initiate(t, data, "tampered.pdf")

	for _, n := range []int{0, 1} {
		_, err := h.coord.SubmitChunk(ctx, up.DocumentID, n, slice(data, 10, n))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(h.chunks.ChunkPath(up.DocumentID, 0), bytes.Repeat([]byte{'x'}, 10), 0o600))

	_, err := h.coord.SubmitChunk(ctx, up.DocumentID, 2, slice(data, 10, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	doc, err := h.store.GetDocumentByID(ctx, up.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadFailed, doc.UploadStatus)
	assert.Empty(t, doc.FilePath)

	_, err = h.coord.SubmitChunk(ctx, up.DocumentID, 2, slice(data, 10, 2))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestSubmitChunkValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	data := payload(25, 5)
	up := h.initiate(t, data, "v.pdf")

	_, err := h.coord.SubmitChunk(ctx, "missing", 0, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = h.coord.SubmitChunk(ctx, up.DocumentID, 3, slice(data, 10, 0))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = h.coord.SubmitChunk(ctx, up.DocumentID, -1, slice(data, 10, 0))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = h.coord.SubmitChunk(ctx, up.DocumentID, 2, slice(data, 10, 0))
	assert.ErrorIs(t, err, core.ErrInvalidArgument, "last chunk is 5 bytes, not 10")
}

func TestStagingFailureLeavesChunkRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	data := payload(20, 8)
	up := h.initiate(t, data, "retry.pdf")

	chunksDir := filepath.Join(h.chunks.Root(), "chunks")
	require.NoError(t, os.RemoveAll(chunksDir))

	_, err := h.coord.SubmitChunk(ctx, up.DocumentID, 0, slice(data, 10, 0))
	require.Error(t, err)

	chunk, err := h.store.GetChunk(ctx, up.DocumentID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, chunk.Status)
	doc, err := h.store.GetDocumentByID(ctx, up.DocumentID)
	require.NoError(t, err)
	assert.Zero(t, doc.ChunksUploaded)

	require.NoError(t, os.MkdirAll(chunksDir, 0o750))
	res, err := h.coord.SubmitChunk(ctx, up.DocumentID, 0, slice(data, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksUploaded)
}

func TestInitiateUploadValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)

	_, err := h.coord.InitiateUpload(ctx, "", FileInfo{FileName: "a.pdf", Size: 1, MimeType: "application/pdf"})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = h.coord.InitiateUpload(ctx, "c1", FileInfo{FileName: "a.pdf", Size: 0, MimeType: "application/pdf"})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	orphan := "no-such-parent"
	_, err = h.coord.InitiateUpload(ctx, "c1", FileInfo{FileName: "a.pdf", Size: 5, MimeType: "application/pdf", ParentDocumentID: &orphan})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestInitiateUploadCreatesPlaceholders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)

	res, err := h.coord.InitiateUpload(ctx, "c1", FileInfo{
		FileName: "amendment.docx", Size: 25, MimeType: "application/msword", DocumentType: "amendment",
	})
	require.NoError(t, err)

	doc, err := h.store.GetDocumentByID(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentTypeAmendment, doc.DocumentType)
	assert.Equal(t, "amendment.docx", doc.Title)
	assert.Equal(t, models.UploadUploading, doc.UploadStatus)
	assert.Equal(t, models.StatusPending, doc.ProcessingStatus)

	chunks, err := h.store.ListChunks(ctx, res.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.EqualValues(t, []int64{10, 10, 5}, []int64{chunks[0].Size, chunks[1].Size, chunks[2].Size})
}

func TestTotalChunks(t *testing.T) {
	assert.Equal(t, 3, TotalChunks(12*1024*1024, 5*1024*1024))
	assert.Equal(t, 2, TotalChunks(10, 5))
	assert.Equal(t, 1, TotalChunks(1, 5))
}

func TestMirrorUploadsFinalFile(t *testing.T) {
	ctx := context.Background()
	cs, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	store := db.NewMemoryClient()
	objects := &fakeObjects{}
	coord := NewCoordinator(store, cs, &fakeEnqueuer{}, nil, objects, zaptest.NewLogger(t), Options{ChunkSize: 8, Bucket: "docs"})

	data := payload(12, 4)
	up, err := coord.InitiateUpload(ctx, "c9", FileInfo{FileName: "m.pdf", Size: 12, MimeType: "application/pdf"})
	require.NoError(t, err)
	for n := 0; n < up.TotalChunks; n++ {
		_, err := coord.SubmitChunk(ctx, up.DocumentID, n, slice(data, 8, n))
		require.NoError(t, err)
	}

	doc, err := store.GetDocumentByID(ctx, up.DocumentID)
	require.NoError(t, err)
	assert.Contains(t, doc.StorageURL, "https://docs.example/contracts/c9/documents/"+doc.ID+"/")
	require.Len(t, objects.keys, 1)
	for _, b := range objects.keys {
		assert.Equal(t, data, b)
	}
}

func TestCancelledFinalChunkStillConsolidates(t *testing.T) {
	h := newHarness(t, 10)
	data := payload(25, 11)
	up := h.initiate(t, data, "late.pdf")

	for n := 0; n < up.TotalChunks-1; n++ {
		_, err := h.coord.SubmitChunk(context.Background(), up.DocumentID, n, slice(data, 10, n))
		require.NoError(t, err)
	}

	// the client goes away while the last chunk is being handled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	last := up.TotalChunks - 1
	res, err := h.coord.SubmitChunk(ctx, up.DocumentID, last, slice(data, 10, last))
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	assert.Equal(t, 100, res.Progress)

	doc, err := h.store.GetDocumentByID(context.Background(), up.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadCompleted, doc.UploadStatus)
	got, err := os.ReadFile(doc.FilePath)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, h.jobs.count())

	// a retry of the same chunk sees the finished upload
	res, err = h.coord.SubmitChunk(context.Background(), up.DocumentID, last, slice(data, 10, last))
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	assert.Equal(t, 1, h.jobs.count())
}

type failingCompleteStore struct {
	*db.MemoryClient
	err error
}

func (s *failingCompleteStore) CompleteUpload(ctx context.Context, documentID, filePath, storageName, fileHash string, job *models.ProcessingJob) error {
	return s.err
}

func TestCompleteUploadFailureMarksDocumentFailed(t *testing.T) {
	ctx := context.Background()
	cs, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	store := &failingCompleteStore{MemoryClient: db.NewMemoryClient(), err: errors.New("connection reset")}
	jobs := &fakeEnqueuer{}
	coord := NewCoordinator(store, cs, jobs, nil, nil, zaptest.NewLogger(t), Options{ChunkSize: 8})

	data := payload(12, 5)
	up, err := coord.InitiateUpload(ctx, "c1", FileInfo{FileName: "x.pdf", Size: 12, MimeType: "application/pdf"})
	require.NoError(t, err)
	_, err = coord.SubmitChunk(ctx, up.DocumentID, 0, slice(data, 8, 0))
	require.NoError(t, err)
	_, err = coord.SubmitChunk(ctx, up.DocumentID, 1, slice(data, 8, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	doc, err := store.GetDocumentByID(ctx, up.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadFailed, doc.UploadStatus)
	require.NotNil(t, doc.ErrorMessage)
	assert.Contains(t, *doc.ErrorMessage, "connection reset")
	assert.Zero(t, jobs.count())

	entries, err := os.ReadDir(cs.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.IsDir(), "no output file may remain, found %s", e.Name())
	}

	// resubmission reports the failure instead of a completed upload
	_, err = coord.SubmitChunk(ctx, up.DocumentID, 1, slice(data, 8, 1))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

type lostSchedule struct{ fakeEnqueuer }

func (*lostSchedule) Schedule(*models.ProcessingJob) {}

type recordingHandler struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingHandler) Handle(ctx context.Context, job *models.ProcessingJob) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, job.EntityID)
	return nil, nil
}

func (r *recordingHandler) Failed(context.Context, *models.ProcessingJob, error) {}

func TestCompletedUploadJobSurvivesLostSchedule(t *testing.T) {
	ctx := context.Background()
	cs, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	store := db.NewMemoryClient()
	coord := NewCoordinator(store, cs, &lostSchedule{}, nil, nil, zaptest.NewLogger(t), Options{ChunkSize: 8})

	data := payload(8, 6)
	up, err := coord.InitiateUpload(ctx, "c1", FileInfo{FileName: "y.pdf", Size: 8, MimeType: "application/pdf"})
	require.NoError(t, err)
	_, err = coord.SubmitChunk(ctx, up.DocumentID, 0, data)
	require.NoError(t, err)

	job, err := store.GetJob(ctx, "job-"+up.DocumentID)
	require.NoError(t, err)
	require.NotNil(t, job, "the extraction job is stored with the completed upload")
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, models.JobTextExtraction, job.JobType)

	q, err := jobqueue.New(store, zaptest.NewLogger(t), jobqueue.Options{Workers: 1, JobTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(time.Second) })
	h := &recordingHandler{}
	q.Register(models.JobTextExtraction, h)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	q.Wait()

	job, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, []string{up.DocumentID}, h.ids)
}
