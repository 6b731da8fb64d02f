package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/chunkstore"
	"github.com/markdave123-py/contractdocs/internal/core/integrity"
	"github.com/markdave123-py/contractdocs/internal/core/notify"
	"github.com/markdave123-py/contractdocs/internal/models"
)

// DefaultChunkSize is used when Options.ChunkSize is zero.
const DefaultChunkSize int64 = 5 * 1024 * 1024

// DefaultConsolidateTimeout is used when Options.ConsolidateTimeout is zero.
const DefaultConsolidateTimeout = 10 * time.Minute

// Enqueuer builds follow-up jobs and schedules them once they are persisted.
type Enqueuer interface {
	NewJob(entityType, entityID, jobType string, cfg map[string]any, priority int) *models.ProcessingJob
	Schedule(job *models.ProcessingJob)
}

type Options struct {
	ChunkSize int64
	// Bucket enables mirroring finalized documents to object storage when set.
	Bucket string
	// ConsolidateTimeout bounds a consolidation run. It is detached from the
	// request that completed the chunk set.
	ConsolidateTimeout time.Duration
}

// Coordinator runs the chunked upload protocol and hands complete uploads to consolidation.
type Coordinator struct {
	db        core.DbClient
	store     *chunkstore.Store
	jobs      Enqueuer
	notifier  core.Notifier
	objects   core.ObjectClient
	bucket    string
	chunkSize int64
	timeout   time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewCoordinator(db core.DbClient, store *chunkstore.Store, jobs Enqueuer, notifier core.Notifier, objects core.ObjectClient, log *zap.Logger, opts Options) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ConsolidateTimeout <= 0 {
		opts.ConsolidateTimeout = DefaultConsolidateTimeout
	}
	return &Coordinator{
		db:        db,
		store:     store,
		jobs:      jobs,
		notifier:  notifier,
		objects:   objects,
		bucket:    opts.Bucket,
		chunkSize: opts.ChunkSize,
		timeout:   opts.ConsolidateTimeout,
		log:       log.Named("upload"),
		now:       time.Now,
	}
}

// FileInfo is the caller-validated description of a file about to be uploaded.
type FileInfo struct {
	FileName         string
	Size             int64
	MimeType         string
	DocumentType     string
	SequenceOrder    int
	ParentDocumentID *string
	Title            string
	UploadedBy       string
}

type InitiateResult struct {
	DocumentID  string `json:"documentId"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSize"`
}

type ChunkResult struct {
	ChunksUploaded int  `json:"chunksUploaded"`
	TotalChunks    int  `json:"totalChunks"`
	Progress       int  `json:"progress"`
	IsComplete     bool `json:"isComplete"`
}

// TotalChunks is ceil(size / chunkSize).
func TotalChunks(size, chunkSize int64) int {
	return int((size + chunkSize - 1) / chunkSize)
}

// InitiateUpload creates the document and all of its chunk placeholders in one atomic write.
func (c *Coordinator) InitiateUpload(ctx context.Context, contractID string, info FileInfo) (*InitiateResult, error) {
	switch {
	case strings.TrimSpace(contractID) == "":
		return nil, fmt.Errorf("contract id is required: %w", core.ErrInvalidArgument)
	case strings.TrimSpace(info.FileName) == "":
		return nil, fmt.Errorf("file name is required: %w", core.ErrInvalidArgument)
	case info.Size <= 0:
		return nil, fmt.Errorf("file size must be positive, got %d: %w", info.Size, core.ErrInvalidArgument)
	case info.MimeType == "":
		return nil, fmt.Errorf("mime type is required: %w", core.ErrInvalidArgument)
	}

	if info.ParentDocumentID != nil {
		parent, err := c.db.GetDocumentByID(ctx, *info.ParentDocumentID)
		if err != nil {
			return nil, fmt.Errorf("load parent document: %w", err)
		}
		if parent == nil || parent.ContractID != contractID {
			return nil, fmt.Errorf("parent document %s not in contract %s: %w", *info.ParentDocumentID, contractID, core.ErrInvalidArgument)
		}
	}

	docType := strings.ToUpper(strings.TrimSpace(info.DocumentType))
	if docType == "" {
		docType = models.DocumentTypePrimary
	}
	title := strings.TrimSpace(info.Title)
	if title == "" {
		title = info.FileName
	}

	total := TotalChunks(info.Size, c.chunkSize)
	doc := &models.Document{
		ID:               uuid.NewString(),
		ContractID:       contractID,
		Title:            title,
		OriginalName:     info.FileName,
		DocumentType:     docType,
		SequenceOrder:    info.SequenceOrder,
		ParentDocumentID: info.ParentDocumentID,
		FileSize:         info.Size,
		MimeType:         info.MimeType,
		UploadedBy:       info.UploadedBy,
		UploadStatus:     models.UploadUploading,
		TotalChunks:      total,
		ProcessingStatus: models.StatusPending,
	}

	chunks := make([]models.Chunk, total)
	remaining := info.Size
	for i := range chunks {
		size := min(c.chunkSize, remaining)
		chunks[i] = models.Chunk{DocumentID: doc.ID, Index: i, Size: size, Status: models.StatusPending}
		remaining -= size
	}

	if err := c.db.CreateDocumentWithChunks(ctx, doc, chunks); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	c.log.Info("upload initiated",
		zap.String("document_id", doc.ID),
		zap.String("contract_id", contractID),
		zap.Int64("size", info.Size),
		zap.Int("total_chunks", total),
	)
	notify.Emit(ctx, c.notifier, c.log, core.Event{
		Type:       core.EventUploadStarted,
		DocumentID: doc.ID,
		Title:      doc.Title,
		UserID:     doc.UploadedBy,
		Data:       map[string]any{"contractId": contractID, "totalChunks": total},
	})

	return &InitiateResult{DocumentID: doc.ID, TotalChunks: total, ChunkSize: c.chunkSize}, nil
}

// SubmitChunk stages one chunk and records it. Re-submitting a completed chunk changes nothing.
// The submission that completes the set and wins the UPLOADING to COMPLETING swap consolidates inline.
func (c *Coordinator) SubmitChunk(ctx context.Context, documentID string, chunkNumber int, data []byte) (*ChunkResult, error) {
	doc, err := c.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	if chunkNumber < 0 || chunkNumber >= doc.TotalChunks {
		return nil, fmt.Errorf("chunk %d outside [0, %d): %w", chunkNumber, doc.TotalChunks, core.ErrInvalidArgument)
	}

	log := c.log.With(zap.String("document_id", documentID), zap.Int("chunk", chunkNumber))

	if res, done, err := settledResult(doc); done {
		return res, err
	}

	chunk, err := c.db.GetChunk(ctx, documentID, chunkNumber)
	if err != nil {
		return nil, fmt.Errorf("load chunk: %w", err)
	}
	if chunk == nil {
		// records are dropped once consolidation finishes
		return c.afterConsolidation(ctx, documentID, chunkNumber)
	}

	var progress *core.ChunkProgress
	if chunk.Status == models.StatusCompleted {
		log.Debug("chunk already received")
		progress = &core.ChunkProgress{
			ChunksUploaded: doc.ChunksUploaded,
			TotalChunks:    doc.TotalChunks,
			BytesUploaded:  doc.BytesUploaded,
			Progress:       doc.UploadProgress,
		}
	} else {
		if int64(len(data)) != chunk.Size {
			return nil, fmt.Errorf("chunk %d has %d bytes, expected %d: %w", chunkNumber, len(data), chunk.Size, core.ErrInvalidArgument)
		}

		hash := integrity.HashBytes(data)
		path, err := c.store.WriteChunk(documentID, chunkNumber, data)
		if err != nil {
			log.Error("staging chunk failed", zap.Error(err))
			return nil, fmt.Errorf("stage chunk: %w", err)
		}

		progress, err = c.db.CompleteChunk(ctx, documentID, chunkNumber, hash, path)
		if errors.Is(err, core.ErrNotFound) {
			_ = os.Remove(path)
			return c.afterConsolidation(ctx, documentID, chunkNumber)
		}
		if err != nil {
			return nil, fmt.Errorf("record chunk: %w", err)
		}
		if !progress.Applied {
			c.dropStrayChunk(ctx, documentID, path)
		}
		log.Debug("chunk stored",
			zap.Int("chunks_uploaded", progress.ChunksUploaded),
			zap.Int("total_chunks", progress.TotalChunks),
			zap.Bool("applied", progress.Applied),
		)
	}

	notify.Emit(ctx, c.notifier, log, core.Event{
		Type:       core.EventChunkUploaded,
		DocumentID: documentID,
		Title:      doc.Title,
		UserID:     doc.UploadedBy,
		Data: map[string]any{
			"chunkNumber":    chunkNumber,
			"chunksUploaded": progress.ChunksUploaded,
			"totalChunks":    progress.TotalChunks,
			"progress":       progress.Progress,
		},
	})

	result := &ChunkResult{
		ChunksUploaded: progress.ChunksUploaded,
		TotalChunks:    progress.TotalChunks,
		Progress:       progress.Progress,
		IsComplete:     progress.ChunksUploaded == progress.TotalChunks,
	}
	if !result.IsComplete {
		return result, nil
	}

	won, err := c.db.ClaimConsolidation(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("claim consolidation: %w", err)
	}
	if !won {
		return result, nil
	}

	// The claim is ours; a client disconnect must not strand the document in COMPLETING.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if err := c.Consolidate(cctx, documentID); err != nil {
		return nil, fmt.Errorf("consolidate document %s: %w", documentID, err)
	}
	result.Progress = 100
	return result, nil
}

// settledResult answers submissions for uploads that already left UPLOADING.
func settledResult(doc *models.Document) (*ChunkResult, bool, error) {
	switch doc.UploadStatus {
	case models.UploadCompleted, models.UploadCompleting:
		return &ChunkResult{
			ChunksUploaded: doc.ChunksUploaded,
			TotalChunks:    doc.TotalChunks,
			Progress:       doc.UploadProgress,
			IsComplete:     true,
		}, true, nil
	case models.UploadFailed:
		return nil, true, fmt.Errorf("upload of %s already failed: %w", doc.ID, core.ErrInvalidArgument)
	}
	return nil, false, nil
}

// afterConsolidation resolves a submission that raced with a finishing consolidation.
func (c *Coordinator) afterConsolidation(ctx context.Context, documentID string, chunkNumber int) (*ChunkResult, error) {
	doc, err := c.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("reload document: %w", err)
	}
	if doc != nil {
		if res, done, err := settledResult(doc); done {
			return res, err
		}
	}
	return nil, fmt.Errorf("chunk %d of %s: %w", chunkNumber, documentID, core.ErrNotFound)
}

// dropStrayChunk removes a duplicate staged write that landed after consolidation cleaned up.
func (c *Coordinator) dropStrayChunk(ctx context.Context, documentID, path string) {
	doc, err := c.db.GetDocumentByID(ctx, documentID)
	if err != nil || doc == nil || doc.UploadStatus != models.UploadCompleted {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("could not remove stray chunk", zap.String("path", path), zap.Error(err))
	}
}
