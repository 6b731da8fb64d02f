package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"go.uber.org/zap"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/integrity"
	"github.com/markdave123-py/contractdocs/internal/core/notify"
	"github.com/markdave123-py/contractdocs/internal/models"
)

// Consolidate appends every staged chunk in ascending index order into the final
// document file. Missing, pending or corrupted chunks abort the run, the partial
// output is removed, and the document is marked FAILED with chunk records kept.
// The COMPLETED flip and the extraction job are written together, so a
// completed upload always has its job.
func (c *Coordinator) Consolidate(ctx context.Context, documentID string) error {
	doc, err := c.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	log := c.log.With(zap.String("document_id", documentID))

	finalPath, storageName, fileHash, err := c.assemble(ctx, doc)
	if err != nil {
		c.markFailed(ctx, log, documentID, err)
		return err
	}

	job := c.jobs.NewJob("document", documentID, models.JobTextExtraction, map[string]any{
		"filePath": finalPath,
		"mimeType": doc.MimeType,
	}, 0)
	if err := c.db.CompleteUpload(ctx, documentID, finalPath, storageName, fileHash, job); err != nil {
		_ = os.Remove(finalPath)
		c.markFailed(ctx, log, documentID, err)
		return fmt.Errorf("complete upload: %w", err)
	}
	log.Info("document consolidated",
		zap.String("file_path", finalPath),
		zap.String("sha256", fileHash),
		zap.Int("chunks", doc.TotalChunks),
		zap.String("job_id", job.ID),
	)
	c.jobs.Schedule(job)

	if err := c.store.RemoveChunks(ctx, documentID, doc.TotalChunks); err != nil {
		log.Warn("staged chunk cleanup incomplete", zap.Error(err))
	}
	if err := c.db.DeleteChunks(ctx, documentID); err != nil {
		log.Warn("chunk record cleanup failed", zap.Error(err))
	}

	c.mirror(ctx, log, doc, finalPath, storageName)

	notify.Emit(ctx, c.notifier, log, core.Event{
		Type:       core.EventConsolidated,
		DocumentID: documentID,
		Title:      doc.Title,
		UserID:     doc.UploadedBy,
		Data: map[string]any{
			"fileName": storageName,
			"sha256":   fileHash,
			"jobId":    job.ID,
		},
	})
	return nil
}

func (c *Coordinator) markFailed(ctx context.Context, log *zap.Logger, documentID string, cause error) {
	log.Error("consolidation failed", zap.Error(cause))
	msg := fmt.Sprintf("consolidation failed: %v", cause)
	if err := c.db.MarkUploadFailed(context.WithoutCancel(ctx), documentID, msg); err != nil {
		log.Error("could not mark upload failed", zap.Error(err))
	}
}

// assemble writes the ordered chunks to {root}/{storageName} via a .partial file.
func (c *Coordinator) assemble(ctx context.Context, doc *models.Document) (finalPath, storageName, fileHash string, err error) {
	chunks, err := c.db.ListChunks(ctx, doc.ID)
	if err != nil {
		return "", "", "", fmt.Errorf("list chunks: %w", err)
	}
	if err := checkComplete(doc, chunks); err != nil {
		return "", "", "", err
	}

	storageName, err = integrity.StorageName(doc.ContractID, doc.DocumentType, doc.OriginalName, c.now())
	if err != nil {
		return "", "", "", err
	}
	finalPath = c.store.FinalPath(storageName)
	partial := finalPath + ".partial"

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", "", "", fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(partial)
		}
	}()

	w := bufio.NewWriterSize(out, 1<<20)
	var written int64
	for _, ch := range chunks {
		if err = ctx.Err(); err != nil {
			return "", "", "", err
		}
		if err = appendChunk(c.store.OpenChunk, w, ch); err != nil {
			return "", "", "", err
		}
		written += ch.Size
	}
	if written != doc.FileSize {
		err = fmt.Errorf("assembled %d bytes, declared %d: %w", written, doc.FileSize, core.ErrIncomplete)
		return "", "", "", err
	}
	if err = w.Flush(); err != nil {
		return "", "", "", fmt.Errorf("flush output: %w", err)
	}
	if err = out.Sync(); err != nil {
		return "", "", "", fmt.Errorf("sync output: %w", err)
	}
	if err = out.Close(); err != nil {
		return "", "", "", fmt.Errorf("close output: %w", err)
	}
	if err = os.Rename(partial, finalPath); err != nil {
		return "", "", "", fmt.Errorf("commit output: %w", err)
	}

	fileHash, err = integrity.HashFile(finalPath)
	if err != nil {
		_ = os.Remove(finalPath)
		return "", "", "", err
	}
	return finalPath, storageName, fileHash, nil
}

func appendChunk(open func(string) (io.ReadCloser, error), w io.Writer, ch models.Chunk) error {
	rc, err := open(ch.StagedPath)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", ch.Index, err)
	}
	defer rc.Close()

	sum, n, err := integrity.HashReader(io.TeeReader(rc, w))
	if err != nil {
		return fmt.Errorf("append chunk %d: %w", ch.Index, err)
	}
	if n != ch.Size {
		return fmt.Errorf("chunk %d has %d bytes, expected %d: %w", ch.Index, n, ch.Size, core.ErrIncomplete)
	}
	if sum != ch.Hash {
		return fmt.Errorf("chunk %d content hash mismatch", ch.Index)
	}
	return nil
}

// checkComplete sorts chunks by index and requires 0..N-1 all COMPLETED.
func checkComplete(doc *models.Document, chunks []models.Chunk) error {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	var missing []error
	next := 0
	for _, ch := range chunks {
		for ; next < ch.Index && next < doc.TotalChunks; next++ {
			missing = append(missing, fmt.Errorf("chunk %d missing", next))
		}
		if ch.Status != models.StatusCompleted {
			missing = append(missing, fmt.Errorf("chunk %d is %s", ch.Index, ch.Status))
		}
		next = ch.Index + 1
	}
	for ; next < doc.TotalChunks; next++ {
		missing = append(missing, fmt.Errorf("chunk %d missing", next))
	}
	if len(chunks) > doc.TotalChunks {
		missing = append(missing, fmt.Errorf("%d chunks recorded, expected %d", len(chunks), doc.TotalChunks))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %w", core.ErrIncomplete, errors.Join(missing...))
	}
	return nil
}

// mirror copies the finalized file to object storage. Failures only log.
func (c *Coordinator) mirror(ctx context.Context, log *zap.Logger, doc *models.Document, finalPath, storageName string) {
	if c.objects == nil || c.bucket == "" {
		return
	}
	f, err := os.Open(finalPath)
	if err != nil {
		log.Warn("mirror skipped", zap.Error(err))
		return
	}
	defer f.Close()

	key := path.Join("contracts", doc.ContractID, "documents", doc.ID, storageName)
	url, err := c.objects.UploadFile(ctx, c.bucket, key, f, doc.MimeType)
	if err != nil {
		log.Warn("mirror upload failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.db.SetStorageURL(ctx, doc.ID, url); err != nil {
		log.Warn("could not record mirror url, removing object", zap.Error(err))
		if err := c.objects.DeleteFile(ctx, c.bucket, key); err != nil {
			log.Warn("orphaned mirror object", zap.String("key", key), zap.Error(err))
		}
	}
}
