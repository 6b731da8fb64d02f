package models

import (
	"time"
)

// Upload lifecycle of a Document.
const (
	UploadUploading  = "UPLOADING"
	UploadCompleting = "COMPLETING" // held by the submitter that won the consolidation claim
	UploadCompleted  = "COMPLETED"
	UploadFailed     = "FAILED"
)

// Processing lifecycle shared by documents, pages and jobs.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Document classification.
const (
	DocumentTypePrimary   = "PRIMARY"
	DocumentTypeAmendment = "AMENDMENT"
	DocumentTypeExhibit   = "EXHIBIT"
	DocumentTypeOther     = "OTHER"
)

// Job types.
const (
	JobTextExtraction = "TEXT_EXTRACTION"
	JobPageAnalysis   = "PAGE_ANALYSIS" // reserved
)

// Extraction methods recorded on pages.
const (
	MethodPlainText = "PLAIN_TEXT"
	MethodWord      = "WORD"
	MethodNative    = "PDF_NATIVE"
	MethodCLI       = "PDFTOTEXT"
	MethodOCR       = "OCR"
)

// Document is one uploaded contract file and its upload/extraction state.
type Document struct {
	ID               string  `db:"id" json:"id"`
	ContractID       string  `db:"contract_id" json:"contractId"`
	Title            string  `db:"title" json:"title"`
	OriginalName     string  `db:"original_name" json:"originalName"`
	StorageName      string  `db:"storage_name" json:"storageName"`
	DocumentType     string  `db:"document_type" json:"documentType"`
	SequenceOrder    int     `db:"sequence_order" json:"sequenceOrder"`
	ParentDocumentID *string `db:"parent_document_id" json:"parentDocumentId,omitempty"`
	FileSize         int64   `db:"file_size" json:"fileSize"`
	MimeType         string  `db:"mime_type" json:"mimeType"`
	FilePath         string  `db:"file_path" json:"filePath,omitempty"`
	FileHash         string  `db:"file_hash" json:"fileHash,omitempty"`
	StorageURL       string  `db:"storage_url" json:"storageUrl,omitempty"` // S3 mirror, when enabled
	UploadedBy       string  `db:"uploaded_by" json:"uploadedBy"`

	UploadStatus   string `db:"upload_status" json:"uploadStatus"`
	ChunksUploaded int    `db:"chunks_uploaded" json:"chunksUploaded"`
	TotalChunks    int    `db:"total_chunks" json:"totalChunks"`
	BytesUploaded  int64  `db:"bytes_uploaded" json:"bytesUploaded"`
	UploadProgress int    `db:"upload_progress" json:"uploadProgress"`

	ProcessingStatus      string     `db:"processing_status" json:"processingStatus"`
	ExtractionStartedAt   *time.Time `db:"extraction_started_at" json:"extractionStartedAt,omitempty"`
	ExtractionCompletedAt *time.Time `db:"extraction_completed_at" json:"extractionCompletedAt,omitempty"`
	PageCount             int        `db:"page_count" json:"pageCount"`
	WordCount             int        `db:"word_count" json:"wordCount"`
	ErrorMessage          *string    `db:"error_message" json:"errorMessage,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Chunk is the placeholder and staging record for one byte range of a Document.
type Chunk struct {
	DocumentID string     `db:"document_id" json:"documentId"`
	Index      int        `db:"chunk_index" json:"chunkIndex"`
	Size       int64      `db:"size" json:"size"`
	Hash       string     `db:"hash" json:"hash,omitempty"`
	Status     string     `db:"status" json:"status"`
	StagedPath string     `db:"staged_path" json:"stagedPath,omitempty"`
	UploadedAt *time.Time `db:"uploaded_at" json:"uploadedAt,omitempty"`
}

// ProcessingJob is a durable unit of asynchronous work.
type ProcessingJob struct {
	ID           string         `db:"id" json:"id"`
	JobType      string         `db:"job_type" json:"jobType"`
	EntityType   string         `db:"entity_type" json:"entityType"`
	EntityID     string         `db:"entity_id" json:"entityId"`
	Config       map[string]any `db:"config" json:"config,omitempty"`
	Priority     int            `db:"priority" json:"priority"`
	Status       string         `db:"status" json:"status"`
	Attempts     int            `db:"attempts" json:"attempts"`
	MaxAttempts  int            `db:"max_attempts" json:"maxAttempts"`
	Result       map[string]any `db:"result" json:"result,omitempty"`
	ErrorMessage *string        `db:"error_message" json:"errorMessage,omitempty"`
	ErrorDetail  *string        `db:"error_detail" json:"errorDetail,omitempty"`
	StartedAt    *time.Time     `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updatedAt"`
}

// Page is the extraction result for one page of a Document.
type Page struct {
	DocumentID       string            `db:"document_id" json:"documentId"`
	PageNumber       int               `db:"page_number" json:"pageNumber"`
	Text             string            `db:"text" json:"text"`
	WordCount        int               `db:"word_count" json:"wordCount"`
	CharCount        int               `db:"char_count" json:"charCount"`
	Method           string            `db:"method" json:"method"`
	Confidence       *float64          `db:"confidence" json:"confidence,omitempty"` // OCR only
	Status           string            `db:"status" json:"status"`
	ErrorMessage     *string           `db:"error_message" json:"errorMessage,omitempty"`
	HasTables        bool              `db:"has_tables" json:"hasTables"`
	HasImages        bool              `db:"has_images" json:"hasImages"`
	ProcessingTimeMs int64             `db:"processing_time_ms" json:"processingTimeMs"`
	Warnings         []string          `db:"warnings" json:"warnings,omitempty"`
	Metadata         map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"createdAt"`
}

// DocumentStats aggregates the Page records of one document.
type DocumentStats struct {
	PageCount         int      `json:"pageCount"`
	CompletedPages    int      `json:"completedPages"`
	FailedPages       int      `json:"failedPages"`
	WordCount         int      `json:"wordCount"`
	CharCount         int      `json:"charCount"`
	AverageConfidence *float64 `json:"averageConfidence,omitempty"`
	Methods           []string `json:"methods"`
}

// DocumentSummary is a Document as listed for its contract, with children nested.
type DocumentSummary struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	OriginalName     string             `json:"originalName"`
	DocumentType     string             `json:"documentType"`
	SequenceOrder    int                `json:"sequenceOrder"`
	ParentDocumentID *string            `json:"parentDocumentId,omitempty"`
	UploadStatus     string             `json:"uploadStatus"`
	ProcessingStatus string             `json:"processingStatus"`
	PageCount        int                `json:"pageCount"`
	WordCount        int                `json:"wordCount"`
	CreatedAt        time.Time          `json:"createdAt"`
	Children         []*DocumentSummary `json:"children,omitempty"`
}

// DocumentStatus is the progress view of one Document.
type DocumentStatus struct {
	DocumentID       string  `json:"documentId"`
	UploadStatus     string  `json:"uploadStatus"`
	ProcessingStatus string  `json:"processingStatus"`
	Progress         int     `json:"progress"`
	ChunksUploaded   int     `json:"chunksUploaded"`
	TotalChunks      int     `json:"totalChunks"`
	PagesProcessed   int     `json:"pagesProcessed"`
	TotalPages       int     `json:"totalPages"`
	ErrorMessage     *string `json:"errorMessage,omitempty"`
}
