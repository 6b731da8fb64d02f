package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/models"
)

type chunkKey struct {
	doc   string
	index int
}

// MemoryClient is an in-process DbClient used by tests and local runs without Postgres.
// It gives the same atomicity guarantees as the SQL client under a single mutex.
type MemoryClient struct {
	mu     sync.Mutex
	docs   map[string]*models.Document
	chunks map[chunkKey]*models.Chunk
	jobs   map[string]*models.ProcessingJob
	pages  map[string][]models.Page
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		docs:   make(map[string]*models.Document),
		chunks: make(map[chunkKey]*models.Chunk),
		jobs:   make(map[string]*models.ProcessingJob),
		pages:  make(map[string][]models.Page),
	}
}

func (m *MemoryClient) Close() error { return nil }

func (m *MemoryClient) CreateDocumentWithChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	if doc == nil {
		return fmt.Errorf("nil document")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	now := time.Now()
	d := *doc
	d.CreatedAt, d.UpdatedAt = now, now
	m.docs[doc.ID] = &d
	for i := range chunks {
		c := chunks[i]
		m.chunks[chunkKey{c.DocumentID, c.Index}] = &c
	}
	return nil
}

func (m *MemoryClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	out := *d
	return &out, nil
}

func (m *MemoryClient) ListDocumentsByContract(ctx context.Context, contractID string) ([]models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Document
	for _, d := range m.docs {
		if d.ContractID == contractID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceOrder != out[j].SequenceOrder {
			return out[i].SequenceOrder < out[j].SequenceOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryClient) CountDocumentsByContract(ctx context.Context, contractID string) (int, error) {
	docs, err := m.ListDocumentsByContract(ctx, contractID)
	return len(docs), err
}

func (m *MemoryClient) GetChunk(ctx context.Context, documentID string, index int) (*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chunks[chunkKey{documentID, index}]
	if !ok {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (m *MemoryClient) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Chunk
	for k, c := range m.chunks {
		if k.doc == documentID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *MemoryClient) CompleteChunk(ctx context.Context, documentID string, index int, hash, stagedPath string) (*core.ChunkProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	c, ok := m.chunks[chunkKey{documentID, index}]
	if !ok {
		return nil, fmt.Errorf("chunk %d of %s: %w", index, documentID, core.ErrNotFound)
	}

	applied := false
	if c.Status != models.StatusCompleted {
		now := time.Now()
		c.Status = models.StatusCompleted
		c.Hash = hash
		c.StagedPath = stagedPath
		c.UploadedAt = &now

		d.ChunksUploaded++
		d.BytesUploaded += c.Size
		d.UploadProgress = progressPercent(d.BytesUploaded, d.FileSize)
		d.UpdatedAt = now
		applied = true
	}

	return &core.ChunkProgress{
		ChunksUploaded: d.ChunksUploaded,
		TotalChunks:    d.TotalChunks,
		BytesUploaded:  d.BytesUploaded,
		Progress:       d.UploadProgress,
		Applied:        applied,
	}, nil
}

func (m *MemoryClient) DeleteChunks(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.chunks {
		if k.doc == documentID {
			delete(m.chunks, k)
		}
	}
	return nil
}

func (m *MemoryClient) ClaimConsolidation(ctx context.Context, documentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[documentID]
	if !ok {
		return false, fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	if d.UploadStatus != models.UploadUploading || d.ChunksUploaded != d.TotalChunks {
		return false, nil
	}
	d.UploadStatus = models.UploadCompleting
	d.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryClient) CompleteUpload(ctx context.Context, documentID, filePath, storageName, fileHash string, job *models.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[documentID]
	if !ok {
		return fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	now := time.Now()
	if job != nil {
		if _, dup := m.jobs[job.ID]; dup {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		j := *job
		j.CreatedAt, j.UpdatedAt = now, now
		m.jobs[job.ID] = &j
	}
	d.UploadStatus = models.UploadCompleted
	d.FilePath = filePath
	d.StorageName = storageName
	d.FileHash = fileHash
	d.UploadProgress = 100
	d.ErrorMessage = nil
	d.UpdatedAt = now
	return nil
}

func (m *MemoryClient) MarkUploadFailed(ctx context.Context, documentID, message string) error {
	return m.updateDoc(documentID, func(d *models.Document) {
		d.UploadStatus = models.UploadFailed
		d.ErrorMessage = &message
	})
}

func (m *MemoryClient) SetStorageURL(ctx context.Context, documentID, url string) error {
	return m.updateDoc(documentID, func(d *models.Document) { d.StorageURL = url })
}

func (m *MemoryClient) StartProcessing(ctx context.Context, documentID string) error {
	return m.updateDoc(documentID, func(d *models.Document) {
		now := time.Now()
		d.ProcessingStatus = models.StatusProcessing
		d.ExtractionStartedAt = &now
		d.ExtractionCompletedAt = nil
		d.ErrorMessage = nil
	})
}

func (m *MemoryClient) CompleteProcessing(ctx context.Context, documentID string, pageCount, wordCount int) error {
	return m.updateDoc(documentID, func(d *models.Document) {
		now := time.Now()
		d.ProcessingStatus = models.StatusCompleted
		d.ExtractionCompletedAt = &now
		d.PageCount = pageCount
		d.WordCount = wordCount
	})
}

func (m *MemoryClient) FailProcessing(ctx context.Context, documentID, message string) error {
	return m.updateDoc(documentID, func(d *models.Document) {
		now := time.Now()
		d.ProcessingStatus = models.StatusFailed
		d.ExtractionCompletedAt = &now
		d.ErrorMessage = &message
	})
}

func (m *MemoryClient) updateDoc(id string, fn func(d *models.Document)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	fn(d)
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryClient) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	if job == nil {
		return fmt.Errorf("nil job")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	j := *job
	j.CreatedAt, j.UpdatedAt = now, now
	m.jobs[job.ID] = &j
	return nil
}

func (m *MemoryClient) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	out := *j
	return &out, nil
}

func (m *MemoryClient) ClaimJob(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusPending {
		return false, nil
	}
	now := time.Now()
	j.Status = models.StatusProcessing
	j.Attempts++
	j.StartedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryClient) CompleteJob(ctx context.Context, id string, result map[string]any) error {
	return m.finishJob(id, func(j *models.ProcessingJob) {
		j.Status = models.StatusCompleted
		j.Result = result
		j.ErrorMessage, j.ErrorDetail = nil, nil
	})
}

func (m *MemoryClient) FailJob(ctx context.Context, id, message, detail string) error {
	return m.finishJob(id, func(j *models.ProcessingJob) {
		j.Status = models.StatusFailed
		j.ErrorMessage = &message
		j.ErrorDetail = &detail
	})
}

func (m *MemoryClient) RequeueJob(ctx context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	if j.Status != models.StatusProcessing {
		return fmt.Errorf("job %s is %s, not %s", id, j.Status, models.StatusProcessing)
	}
	j.Status = models.StatusPending
	if message != "" {
		j.ErrorMessage = &message
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryClient) RequeueStaleJobs(ctx context.Context, startedBefore time.Time, message string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	now := time.Now()
	for _, j := range m.jobs {
		if j.Status != models.StatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(startedBefore) {
			continue
		}
		j.Status = models.StatusPending
		if message != "" {
			msg := message
			j.ErrorMessage = &msg
		}
		j.UpdatedAt = now
		ids = append(ids, j.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// finishJob only moves PROCESSING jobs; terminal jobs never change again.
func (m *MemoryClient) finishJob(id string, fn func(j *models.ProcessingJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	if j.Status != models.StatusProcessing {
		return fmt.Errorf("job %s is %s, not %s", id, j.Status, models.StatusProcessing)
	}
	now := time.Now()
	fn(j)
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *MemoryClient) ListJobsByStatus(ctx context.Context, status string) ([]models.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ProcessingJob
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (m *MemoryClient) InsertPages(ctx context.Context, pages []models.Page) error {
	if len(pages) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, p := range pages {
		for _, existing := range m.pages[p.DocumentID] {
			if existing.PageNumber == p.PageNumber {
				return fmt.Errorf("page %d of %s already exists", p.PageNumber, p.DocumentID)
			}
		}
	}
	for _, p := range pages {
		p.CreatedAt = now
		m.pages[p.DocumentID] = append(m.pages[p.DocumentID], p)
	}
	return nil
}

func (m *MemoryClient) DeletePages(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, documentID)
	return nil
}

func (m *MemoryClient) ListPages(ctx context.Context, documentID string) ([]models.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]models.Page(nil), m.pages[documentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func progressPercent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}
