package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/contractdocs/internal/models"
)

// ChunkProgress is the document counter state after a chunk write.
type ChunkProgress struct {
	ChunksUploaded int
	TotalChunks    int
	BytesUploaded  int64
	Progress       int
	// Applied is false when the chunk was already COMPLETED and nothing changed.
	Applied bool
}

// DbClient defines all persistence operations the pipeline needs.
// It abstracts Postgres so higher layers never depend on a specific DB.
type DbClient interface {
	// CreateDocumentWithChunks stores the document and all of its chunk placeholders atomically.
	CreateDocumentWithChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByContract(ctx context.Context, contractID string) ([]models.Document, error)
	CountDocumentsByContract(ctx context.Context, contractID string) (int, error)

	GetChunk(ctx context.Context, documentID string, index int) (*models.Chunk, error)
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
	// CompleteChunk marks a PENDING chunk COMPLETED and bumps the document counters in one transaction.
	CompleteChunk(ctx context.Context, documentID string, index int, hash, stagedPath string) (*ChunkProgress, error)
	DeleteChunks(ctx context.Context, documentID string) error

	// ClaimConsolidation swaps UPLOADING to COMPLETING when every chunk is in. Only one caller wins.
	ClaimConsolidation(ctx context.Context, documentID string) (bool, error)
	// CompleteUpload marks the upload COMPLETED and, when job is non-nil, inserts it in the same transaction.
	CompleteUpload(ctx context.Context, documentID, filePath, storageName, fileHash string, job *models.ProcessingJob) error
	MarkUploadFailed(ctx context.Context, documentID, message string) error
	SetStorageURL(ctx context.Context, documentID, url string) error

	StartProcessing(ctx context.Context, documentID string) error
	CompleteProcessing(ctx context.Context, documentID string, pageCount, wordCount int) error
	FailProcessing(ctx context.Context, documentID, message string) error

	CreateJob(ctx context.Context, job *models.ProcessingJob) error
	GetJob(ctx context.Context, id string) (*models.ProcessingJob, error)
	// ClaimJob swaps PENDING to PROCESSING and bumps attempts. Only one caller wins.
	ClaimJob(ctx context.Context, id string) (bool, error)
	CompleteJob(ctx context.Context, id string, result map[string]any) error
	FailJob(ctx context.Context, id, message, detail string) error
	RequeueJob(ctx context.Context, id, message string) error
	// RequeueStaleJobs returns PROCESSING jobs started before cutoff to PENDING and reports their ids.
	RequeueStaleJobs(ctx context.Context, startedBefore time.Time, message string) ([]string, error)
	ListJobsByStatus(ctx context.Context, status string) ([]models.ProcessingJob, error)

	InsertPages(ctx context.Context, pages []models.Page) error
	DeletePages(ctx context.Context, documentID string) error
	ListPages(ctx context.Context, documentID string) ([]models.Page, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
}

// Event is a pipeline notification for the real-time channel.
type Event struct {
	Type       string
	DocumentID string
	Title      string
	UserID     string
	Data       map[string]any
}

// Notification event types.
const (
	EventUploadStarted    = "document.upload-started"
	EventChunkUploaded    = "document.chunk-uploaded"
	EventConsolidated     = "document.consolidated"
	EventProcessingStart  = "document.processing-started"
	EventTextExtracted    = "document.text-extracted"
	EventExtractionFailed = "document.extraction-failed"
)

// Notifier publishes events to a bus. Publishing is best-effort.
type Notifier interface {
	Publish(ctx context.Context, evt Event) error
}

// OCRResult is what an OCR provider recognised on one image.
type OCRResult struct {
	Text       string
	Confidence float64
	Blocks     int
	HasTables  bool
	HasForms   bool
}

// OCRProvider recognises text in a single page image.
type OCRProvider interface {
	Recognize(ctx context.Context, image []byte) (*OCRResult, error)
}
