package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/chunkstore"
	"github.com/markdave123-py/contractdocs/internal/core/jobqueue"
	"github.com/markdave123-py/contractdocs/internal/core/notify"
	"github.com/markdave123-py/contractdocs/internal/core/pagestore"
	"github.com/markdave123-py/contractdocs/internal/models"
)

var _ jobqueue.Handler = (*Dispatcher)(nil)

// Strategies is the set of extractors the dispatcher chooses from.
// Image may be nil when no OCR provider is configured. PDF is tried in order.
type Strategies struct {
	PlainText core.ExtractionStrategy
	Word      core.ExtractionStrategy
	Image     core.ExtractionStrategy
	PDF       []core.ExtractionStrategy
}

// Dispatcher picks an extraction strategy by MIME type and drives the PDF fallback chain.
type Dispatcher struct {
	db         core.DbClient
	store      *chunkstore.Store
	pages      *pagestore.Store
	notifier   core.Notifier
	log        *zap.Logger
	strategies Strategies
}

func NewDispatcher(db core.DbClient, store *chunkstore.Store, pages *pagestore.Store, notifier core.Notifier, log *zap.Logger, strategies Strategies) *Dispatcher {
	return &Dispatcher{
		db:         db,
		store:      store,
		pages:      pages,
		notifier:   notifier,
		log:        log.Named("extraction"),
		strategies: strategies,
	}
}

// Handle runs a TEXT_EXTRACTION job.
func (d *Dispatcher) Handle(ctx context.Context, job *models.ProcessingJob) (map[string]any, error) {
	ext, err := d.ExtractDocumentText(ctx, job.EntityID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"method":     ext.Method,
		"pageCount":  ext.PageCount,
		"wordCount":  ext.WordCount,
		"pagesSaved": len(ext.Pages),
	}, nil
}

// Failed mirrors a terminal job failure onto the document unless extraction already did.
func (d *Dispatcher) Failed(ctx context.Context, job *models.ProcessingJob, cause error) {
	doc, err := d.db.GetDocumentByID(ctx, job.EntityID)
	if err != nil || doc == nil || doc.ProcessingStatus == models.StatusFailed {
		return
	}
	d.fail(ctx, doc, cause)
}

// Result is a finished extraction with the document totals that were recorded.
type Result struct {
	*core.Extraction
	PageCount int
	WordCount int
}

// ExtractDocumentText extracts a consolidated document into page records and
// records the outcome on the document. Errors that may clear up on a later
// attempt, such as an unreadable file, are returned as retryable and leave
// the document PROCESSING.
func (d *Dispatcher) ExtractDocumentText(ctx context.Context, documentID string) (*Result, error) {
	doc, err := d.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	if doc.UploadStatus != models.UploadCompleted {
		return nil, fmt.Errorf("document %s upload is %s: %w", documentID, doc.UploadStatus, core.ErrIncomplete)
	}
	log := d.log.With(zap.String("document_id", documentID), zap.String("mime_type", doc.MimeType))

	if err := d.db.StartProcessing(ctx, documentID); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	if err := d.pages.Reset(ctx, documentID); err != nil {
		return nil, fmt.Errorf("clear previous pages: %w", err)
	}
	notify.Emit(ctx, d.notifier, log, core.Event{
		Type:       core.EventProcessingStart,
		DocumentID: documentID,
		Title:      doc.Title,
		UserID:     doc.UploadedBy,
	})

	if _, err := os.Stat(doc.FilePath); err != nil {
		return nil, jobqueue.Retryable(fmt.Errorf("consolidated file: %w", err))
	}

	kind := mediaType(doc.MimeType, doc.OriginalName)
	prefix := "extract"
	if kind == "application/pdf" {
		prefix = "pdf"
	}
	workDir, release, err := d.store.ScratchDir(prefix, doc.ID)
	if err != nil {
		return nil, jobqueue.Retryable(fmt.Errorf("scratch dir: %w", err))
	}
	defer release()

	src := core.Source{DocumentID: doc.ID, Path: doc.FilePath, MimeType: kind, WorkDir: workDir}
	ext, err := d.dispatch(ctx, log, src)
	if err != nil {
		// cancelled and retryable jobs are settled by the queue, not here
		if ctx.Err() != nil || jobqueue.IsRetryable(err) {
			return nil, err
		}
		if ext != nil && len(ext.Pages) > 0 {
			if saveErr := d.pages.Save(context.WithoutCancel(ctx), documentID, ext.Pages); saveErr != nil {
				log.Error("could not save pages of failed extraction", zap.Error(saveErr))
			}
		}
		d.fail(ctx, doc, err)
		return nil, err
	}

	if err := d.pages.Save(ctx, documentID, ext.Pages); err != nil {
		return nil, err
	}
	pageCount := max(ext.TotalPages, len(ext.Pages))
	wordCount := 0
	for _, p := range ext.Pages {
		wordCount += p.WordCount
	}
	if err := d.db.CompleteProcessing(ctx, documentID, pageCount, wordCount); err != nil {
		return nil, fmt.Errorf("mark processing completed: %w", err)
	}

	log.Info("text extracted",
		zap.String("method", ext.Method),
		zap.Int("page_count", pageCount),
		zap.Int("word_count", wordCount),
	)
	notify.Emit(ctx, d.notifier, log, core.Event{
		Type:       core.EventTextExtracted,
		DocumentID: documentID,
		Title:      doc.Title,
		UserID:     doc.UploadedBy,
		Data: map[string]any{
			"method":    ext.Method,
			"pageCount": pageCount,
			"wordCount": wordCount,
		},
	})
	return &Result{Extraction: ext, PageCount: pageCount, WordCount: wordCount}, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, log *zap.Logger, src core.Source) (*core.Extraction, error) {
	kind := src.MimeType
	switch {
	case kind == "text/plain" || kind == "application/json" || kind == "text/csv" || kind == "text/markdown":
		return run(ctx, d.strategies.PlainText, src)
	case kind == mimeDocx || kind == mimeDoc:
		return run(ctx, d.strategies.Word, src)
	case strings.HasPrefix(kind, "image/"):
		if d.strategies.Image == nil {
			return nil, fmt.Errorf("%s needs OCR, which is not configured: %w", kind, core.ErrUnsupportedType)
		}
		return run(ctx, d.strategies.Image, src)
	case kind == "application/pdf":
		return d.pdfChain(ctx, log, src)
	default:
		return nil, fmt.Errorf("%s: %w", kind, core.ErrUnsupportedType)
	}
}

// pdfChain tries each PDF tier in order and stops at the first success.
func (d *Dispatcher) pdfChain(ctx context.Context, log *zap.Logger, src core.Source) (*core.Extraction, error) {
	if len(d.strategies.PDF) == 0 {
		return nil, fmt.Errorf("no pdf extractors configured: %w", core.ErrUnsupportedType)
	}

	var errs []error
	var last *core.Extraction
	for _, s := range d.strategies.PDF {
		ext, err := run(ctx, s, src)
		if err == nil {
			return ext, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("pdf extraction tier failed", zap.String("tier", s.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		if ext != nil {
			last = ext
		}
	}
	return last, fmt.Errorf("all pdf extraction tiers failed: %w", errors.Join(errs...))
}

// run bounds one strategy by its own timeout.
func run(ctx context.Context, s core.ExtractionStrategy, src core.Source) (*core.Extraction, error) {
	if s == nil {
		return nil, fmt.Errorf("%s: %w", src.MimeType, core.ErrUnsupportedType)
	}
	if t := s.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return s.Extract(ctx, src)
}

func (d *Dispatcher) fail(ctx context.Context, doc *models.Document, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := d.log.With(zap.String("document_id", doc.ID))
	msg := fmt.Sprintf("text extraction failed: %v", cause)

	log.Error("text extraction failed", zap.Error(cause))
	if err := d.db.FailProcessing(ctx, doc.ID, msg); err != nil {
		log.Error("could not mark processing failed", zap.Error(err))
	}
	notify.Emit(ctx, d.notifier, log, core.Event{
		Type:       core.EventExtractionFailed,
		DocumentID: doc.ID,
		Title:      doc.Title,
		UserID:     doc.UploadedBy,
		Data:       map[string]any{"error": msg},
	})
}

var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".json": "application/json",
	".docx": mimeDocx,
	".doc":  mimeDoc,
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// mediaType strips parameters from the declared type and falls back to the
// file extension when the client sent a generic type.
func mediaType(declared, name string) string {
	kind := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(kind); err == nil {
		kind = parsed
	}
	if kind == "" || kind == "application/octet-stream" {
		if t, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]; ok {
			return t
		}
	}
	return kind
}
