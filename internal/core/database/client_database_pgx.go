package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/contractdocs/internal/config"
	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Documents

const documentColumns = `
	id, contract_id, title, original_name, storage_name, document_type, sequence_order,
	parent_document_id, file_size, mime_type, file_path, file_hash, storage_url, uploaded_by,
	upload_status, chunks_uploaded, total_chunks, bytes_uploaded, upload_progress,
	processing_status, extraction_started_at, extraction_completed_at, page_count, word_count,
	error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d                  models.Document
		parent, errMsg     sql.NullString
		started, completed sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.ContractID, &d.Title, &d.OriginalName, &d.StorageName, &d.DocumentType, &d.SequenceOrder,
		&parent, &d.FileSize, &d.MimeType, &d.FilePath, &d.FileHash, &d.StorageURL, &d.UploadedBy,
		&d.UploadStatus, &d.ChunksUploaded, &d.TotalChunks, &d.BytesUploaded, &d.UploadProgress,
		&d.ProcessingStatus, &started, &completed, &d.PageCount, &d.WordCount,
		&errMsg, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ParentDocumentID = nullString(parent)
	d.ErrorMessage = nullString(errMsg)
	d.ExtractionStartedAt = nullTime(started)
	d.ExtractionCompletedAt = nullTime(completed)
	return &d, nil
}

// CreateDocumentWithChunks inserts the document and its chunk placeholders in a single transaction.
func (c *DatabaseClient) CreateDocumentWithChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	if doc == nil {
		return errors.New("nil document")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const qDoc = `
		INSERT INTO documents
			(id, contract_id, title, original_name, storage_name, document_type, sequence_order,
			 parent_document_id, file_size, mime_type, uploaded_by, upload_status, total_chunks,
			 processing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	if _, err := tx.ExecContext(ctx, qDoc,
		doc.ID, doc.ContractID, doc.Title, doc.OriginalName, doc.StorageName, doc.DocumentType, doc.SequenceOrder,
		doc.ParentDocumentID, doc.FileSize, doc.MimeType, doc.UploadedBy, doc.UploadStatus, doc.TotalChunks,
		doc.ProcessingStatus,
	); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks (document_id, chunk_index, size, status)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		if _, err := stmt.ExecContext(ctx, ch.DocumentID, ch.Index, ch.Size, ch.Status); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.Index, err)
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (c *DatabaseClient) ListDocumentsByContract(ctx context.Context, contractID string) ([]models.Document, error) {
	q := `SELECT ` + documentColumns + `
		FROM documents
		WHERE contract_id = $1
		ORDER BY sequence_order ASC, created_at ASC`
	rows, err := c.db.QueryContext(ctx, q, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) CountDocumentsByContract(ctx context.Context, contractID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM documents WHERE contract_id = $1`, contractID).Scan(&n)
	return n, err
}

// Chunks

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var (
		ch       models.Chunk
		uploaded sql.NullTime
	)
	if err := row.Scan(&ch.DocumentID, &ch.Index, &ch.Size, &ch.Hash, &ch.Status, &ch.StagedPath, &uploaded); err != nil {
		return nil, err
	}
	ch.UploadedAt = nullTime(uploaded)
	return &ch, nil
}

func (c *DatabaseClient) GetChunk(ctx context.Context, documentID string, index int) (*models.Chunk, error) {
	const q = `
		SELECT document_id, chunk_index, size, hash, status, staged_path, uploaded_at
		FROM document_chunks
		WHERE document_id = $1 AND chunk_index = $2
	`
	ch, err := scanChunk(c.db.QueryRowContext(ctx, q, documentID, index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ch, err
}

func (c *DatabaseClient) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	const q = `
		SELECT document_id, chunk_index, size, hash, status, staged_path, uploaded_at
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

// CompleteChunk flips the chunk row and increments the document counters in one transaction.
// The conditional chunk update takes the row lock, so a concurrent duplicate sees COMPLETED and applies nothing.
func (c *DatabaseClient) CompleteChunk(ctx context.Context, documentID string, index int, hash, stagedPath string) (*core.ChunkProgress, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var size int64
	err = tx.QueryRowContext(ctx, `
		UPDATE document_chunks
		SET status = $3, hash = $4, staged_path = $5, uploaded_at = now()
		WHERE document_id = $1 AND chunk_index = $2 AND status <> $3
		RETURNING size
	`, documentID, index, models.StatusCompleted, hash, stagedPath).Scan(&size)

	progress := &core.ChunkProgress{}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM document_chunks WHERE document_id = $1 AND chunk_index = $2)`,
			documentID, index).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("chunk %d of %s: %w", index, documentID, core.ErrNotFound)
		}
		err = tx.QueryRowContext(ctx, `
			SELECT chunks_uploaded, total_chunks, bytes_uploaded, upload_progress
			FROM documents WHERE id = $1
		`, documentID).Scan(&progress.ChunksUploaded, &progress.TotalChunks, &progress.BytesUploaded, &progress.Progress)
	case err != nil:
		return nil, fmt.Errorf("complete chunk: %w", err)
	default:
		progress.Applied = true
		err = tx.QueryRowContext(ctx, `
			UPDATE documents
			SET chunks_uploaded = chunks_uploaded + 1,
			    bytes_uploaded  = bytes_uploaded + $2,
			    upload_progress = LEAST(100, ((bytes_uploaded + $2) * 100 / GREATEST(file_size, 1)))::int,
			    updated_at      = now()
			WHERE id = $1
			RETURNING chunks_uploaded, total_chunks, bytes_uploaded, upload_progress
		`, documentID, size).Scan(&progress.ChunksUploaded, &progress.TotalChunks, &progress.BytesUploaded, &progress.Progress)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit chunk: %w", err)
	}
	return progress, nil
}

func (c *DatabaseClient) DeleteChunks(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	return err
}

// Upload state

func (c *DatabaseClient) ClaimConsolidation(ctx context.Context, documentID string) (bool, error) {
	const q = `
		UPDATE documents
		SET upload_status = $2, updated_at = now()
		WHERE id = $1 AND upload_status = $3 AND chunks_uploaded = total_chunks
	`
	res, err := c.db.ExecContext(ctx, q, documentID, models.UploadCompleting, models.UploadUploading)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (c *DatabaseClient) CompleteUpload(ctx context.Context, documentID, filePath, storageName, fileHash string, job *models.ProcessingJob) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET upload_status = $2, file_path = $3, storage_name = $4, file_hash = $5,
		    upload_progress = 100, error_message = NULL, updated_at = now()
		WHERE id = $1
	`, documentID, models.UploadCompleted, filePath, storageName, fileHash)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}

	if job != nil {
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) MarkUploadFailed(ctx context.Context, documentID, message string) error {
	return c.execOne(ctx, `
		UPDATE documents SET upload_status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`, documentID, models.UploadFailed, message)
}

func (c *DatabaseClient) SetStorageURL(ctx context.Context, documentID, url string) error {
	return c.execOne(ctx, `UPDATE documents SET storage_url = $2, updated_at = now() WHERE id = $1`, documentID, url)
}

// Processing state

func (c *DatabaseClient) StartProcessing(ctx context.Context, documentID string) error {
	return c.execOne(ctx, `
		UPDATE documents
		SET processing_status = $2, extraction_started_at = now(), extraction_completed_at = NULL,
		    error_message = NULL, updated_at = now()
		WHERE id = $1
	`, documentID, models.StatusProcessing)
}

func (c *DatabaseClient) CompleteProcessing(ctx context.Context, documentID string, pageCount, wordCount int) error {
	return c.execOne(ctx, `
		UPDATE documents
		SET processing_status = $2, extraction_completed_at = now(), page_count = $3, word_count = $4,
		    updated_at = now()
		WHERE id = $1
	`, documentID, models.StatusCompleted, pageCount, wordCount)
}

func (c *DatabaseClient) FailProcessing(ctx context.Context, documentID, message string) error {
	return c.execOne(ctx, `
		UPDATE documents
		SET processing_status = $2, extraction_completed_at = now(), error_message = $3, updated_at = now()
		WHERE id = $1
	`, documentID, models.StatusFailed, message)
}

func (c *DatabaseClient) execOne(ctx context.Context, q string, args ...any) error {
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document %v: %w", args[0], core.ErrNotFound)
	}
	return nil
}

// Jobs

const jobColumns = `
	id, job_type, entity_type, entity_id, config, priority, status, attempts, max_attempts,
	result, error_message, error_detail, started_at, completed_at, created_at, updated_at`

func scanJob(row rowScanner) (*models.ProcessingJob, error) {
	var (
		j                  models.ProcessingJob
		cfg, result        []byte
		errMsg, errDetail  sql.NullString
		started, completed sql.NullTime
	)
	if err := row.Scan(
		&j.ID, &j.JobType, &j.EntityType, &j.EntityID, &cfg, &j.Priority, &j.Status, &j.Attempts, &j.MaxAttempts,
		&result, &errMsg, &errDetail, &started, &completed, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &j.Config); err != nil {
			return nil, fmt.Errorf("decode job config: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
	}
	j.ErrorMessage = nullString(errMsg)
	j.ErrorDetail = nullString(errDetail)
	j.StartedAt = nullTime(started)
	j.CompletedAt = nullTime(completed)
	return &j, nil
}

func (c *DatabaseClient) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	return insertJob(ctx, c.db, job)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, ex execer, job *models.ProcessingJob) error {
	if job == nil {
		return errors.New("nil job")
	}
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO processing_jobs (id, job_type, entity_type, entity_id, config, priority, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.JobType, job.EntityType, job.EntityID, cfg, job.Priority, job.Status, job.MaxAttempts); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (c *DatabaseClient) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	j, err := scanJob(c.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (c *DatabaseClient) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = $2, attempts = attempts + 1, started_at = now(), updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (c *DatabaseClient) CompleteJob(ctx context.Context, id string, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	return c.transitionJob(ctx, `
		UPDATE processing_jobs
		SET status = $2, result = $4, error_message = NULL, error_detail = NULL,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCompleted, models.StatusProcessing, payload)
}

func (c *DatabaseClient) FailJob(ctx context.Context, id, message, detail string) error {
	return c.transitionJob(ctx, `
		UPDATE processing_jobs
		SET status = $2, error_message = $4, error_detail = $5, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.StatusFailed, models.StatusProcessing, message, detail)
}

func (c *DatabaseClient) RequeueJob(ctx context.Context, id, message string) error {
	return c.transitionJob(ctx, `
		UPDATE processing_jobs
		SET status = $2, error_message = COALESCE(NULLIF($4, ''), error_message), updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.StatusPending, models.StatusProcessing, message)
}

// transitionJob only moves PROCESSING jobs; terminal jobs never change again.
func (c *DatabaseClient) RequeueStaleJobs(ctx context.Context, startedBefore time.Time, message string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		UPDATE processing_jobs
		SET status = $1, error_message = COALESCE(NULLIF($4, ''), error_message), updated_at = now()
		WHERE status = $2 AND started_at < $3
		RETURNING id
	`, models.StatusPending, models.StatusProcessing, startedBefore, message)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *DatabaseClient) transitionJob(ctx context.Context, q string, args ...any) error {
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %v is not %s", args[0], models.StatusProcessing)
	}
	return nil
}

func (c *DatabaseClient) ListJobsByStatus(ctx context.Context, status string) ([]models.ProcessingJob, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM processing_jobs
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Pages

// InsertPages inserts page records in a single transaction.
func (c *DatabaseClient) InsertPages(ctx context.Context, pages []models.Page) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO document_pages
			(document_id, page_number, text, word_count, char_count, method, confidence, status,
			 error_message, has_tables, has_images, processing_time_ms, warnings, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range pages {
		p := &pages[i]
		warnings, err := json.Marshal(nonNilStrings(p.Warnings))
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		meta, err := json.Marshal(nonNilMap(p.Metadata))
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			p.DocumentID, p.PageNumber, p.Text, p.WordCount, p.CharCount, p.Method, p.Confidence, p.Status,
			p.ErrorMessage, p.HasTables, p.HasImages, p.ProcessingTimeMs, warnings, meta,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert page %d: %w", p.PageNumber, err)
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) DeletePages(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM document_pages WHERE document_id = $1`, documentID)
	return err
}

func (c *DatabaseClient) ListPages(ctx context.Context, documentID string) ([]models.Page, error) {
	const q = `
		SELECT document_id, page_number, text, word_count, char_count, method, confidence, status,
		       error_message, has_tables, has_images, processing_time_ms, warnings, metadata, created_at
		FROM document_pages
		WHERE document_id = $1
		ORDER BY page_number ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Page
	for rows.Next() {
		var (
			p              models.Page
			confidence     sql.NullFloat64
			errMsg         sql.NullString
			warnings, meta []byte
		)
		if err := rows.Scan(
			&p.DocumentID, &p.PageNumber, &p.Text, &p.WordCount, &p.CharCount, &p.Method, &confidence, &p.Status,
			&errMsg, &p.HasTables, &p.HasImages, &p.ProcessingTimeMs, &warnings, &meta, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		if confidence.Valid {
			p.Confidence = &confidence.Float64
		}
		p.ErrorMessage = nullString(errMsg)
		if err := json.Unmarshal(warnings, &p.Warnings); err != nil {
			return nil, fmt.Errorf("decode page warnings: %w", err)
		}
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode page metadata: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
