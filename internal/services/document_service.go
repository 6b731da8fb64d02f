package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/pagestore"
	"github.com/markdave123-py/contractdocs/internal/core/upload"
	"github.com/markdave123-py/contractdocs/internal/models"
)

// Uploader is the part of the upload coordinator the service drives.
type Uploader interface {
	InitiateUpload(ctx context.Context, contractID string, info upload.FileInfo) (*upload.InitiateResult, error)
	SubmitChunk(ctx context.Context, documentID string, chunkNumber int, data []byte) (*upload.ChunkResult, error)
}

// Policy holds the caller-side limits applied before an upload is accepted.
type Policy struct {
	MaxFileSize         int64
	MaxFilesPerContract int
	MimeAllowed         func(mimeType string) bool
}

type DocumentService struct {
	db       core.DbClient
	uploader Uploader
	pages    *pagestore.Store
	policy   Policy
}

func NewDocumentService(db core.DbClient, uploader Uploader, pages *pagestore.Store, policy Policy) *DocumentService {
	return &DocumentService{db: db, uploader: uploader, pages: pages, policy: policy}
}

// InitiateUpload enforces the upload policy, then opens a chunked upload.
func (s *DocumentService) InitiateUpload(ctx context.Context, contractID string, info upload.FileInfo) (*upload.InitiateResult, error) {
	mimeType := strings.ToLower(strings.TrimSpace(info.MimeType))
	if s.policy.MimeAllowed != nil && mimeType != "" && !s.policy.MimeAllowed(mimeType) {
		return nil, fmt.Errorf("%s uploads are not accepted: %w", info.MimeType, core.ErrUnsupportedType)
	}
	if s.policy.MaxFileSize > 0 && info.Size > s.policy.MaxFileSize {
		return nil, fmt.Errorf("file is %d bytes, limit is %d: %w", info.Size, s.policy.MaxFileSize, core.ErrInvalidArgument)
	}
	if s.policy.MaxFilesPerContract > 0 {
		n, err := s.db.CountDocumentsByContract(ctx, contractID)
		if err != nil {
			return nil, fmt.Errorf("count contract documents: %w", err)
		}
		if n >= s.policy.MaxFilesPerContract {
			return nil, fmt.Errorf("contract %s already has %d documents: %w", contractID, n, core.ErrInvalidArgument)
		}
	}
	info.MimeType = mimeType
	return s.uploader.InitiateUpload(ctx, contractID, info)
}

func (s *DocumentService) SubmitChunk(ctx context.Context, documentID string, chunkNumber int, data []byte) (*upload.ChunkResult, error) {
	return s.uploader.SubmitChunk(ctx, documentID, chunkNumber, data)
}

func (s *DocumentService) getDocument(ctx context.Context, documentID string) (*models.Document, error) {
	doc, err := s.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	return doc, nil
}

// GetDocumentStatus reports upload and extraction progress. Progress is the
// upload byte percentage; pagesProcessed counts stored page records.
func (s *DocumentService) GetDocumentStatus(ctx context.Context, documentID string) (*models.DocumentStatus, error) {
	doc, err := s.getDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	pages, err := s.pages.Pages(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load pages: %w", err)
	}

	total := doc.PageCount
	if total < len(pages) {
		total = len(pages)
	}
	return &models.DocumentStatus{
		DocumentID:       doc.ID,
		UploadStatus:     doc.UploadStatus,
		ProcessingStatus: doc.ProcessingStatus,
		Progress:         doc.UploadProgress,
		ChunksUploaded:   doc.ChunksUploaded,
		TotalChunks:      doc.TotalChunks,
		PagesProcessed:   len(pages),
		TotalPages:       total,
		ErrorMessage:     doc.ErrorMessage,
	}, nil
}

// GetContractDocuments lists a contract's documents as a tree. Siblings are
// ordered by sequence, then creation time. A document whose parent is not in
// the contract is listed at the top level.
func (s *DocumentService) GetContractDocuments(ctx context.Context, contractID string) ([]*models.DocumentSummary, error) {
	docs, err := s.db.ListDocumentsByContract(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("list contract documents: %w", err)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].SequenceOrder != docs[j].SequenceOrder {
			return docs[i].SequenceOrder < docs[j].SequenceOrder
		}
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})

	byID := make(map[string]*models.DocumentSummary, len(docs))
	for i := range docs {
		byID[docs[i].ID] = summarize(&docs[i])
	}

	roots := []*models.DocumentSummary{}
	for i := range docs {
		sum := byID[docs[i].ID]
		if p := docs[i].ParentDocumentID; p != nil {
			if parent, ok := byID[*p]; ok && *p != docs[i].ID {
				parent.Children = append(parent.Children, sum)
				continue
			}
		}
		roots = append(roots, sum)
	}
	return roots, nil
}

func summarize(d *models.Document) *models.DocumentSummary {
	return &models.DocumentSummary{
		ID:               d.ID,
		Title:            d.Title,
		OriginalName:     d.OriginalName,
		DocumentType:     d.DocumentType,
		SequenceOrder:    d.SequenceOrder,
		ParentDocumentID: d.ParentDocumentID,
		UploadStatus:     d.UploadStatus,
		ProcessingStatus: d.ProcessingStatus,
		PageCount:        d.PageCount,
		WordCount:        d.WordCount,
		CreatedAt:        d.CreatedAt,
	}
}

// DocumentPages is the page-level view of one document.
type DocumentPages struct {
	DocumentID string               `json:"documentId"`
	Pages      []models.Page        `json:"pages"`
	Stats      models.DocumentStats `json:"stats"`
}

func (s *DocumentService) GetDocumentPages(ctx context.Context, documentID string) (*DocumentPages, error) {
	if _, err := s.getDocument(ctx, documentID); err != nil {
		return nil, err
	}
	pages, err := s.pages.Pages(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load pages: %w", err)
	}
	if pages == nil {
		pages = []models.Page{}
	}
	return &DocumentPages{DocumentID: documentID, Pages: pages, Stats: pagestore.Aggregate(pages)}, nil
}

func (s *DocumentService) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	job, err := s.db.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrNotFound)
	}
	return job, nil
}
