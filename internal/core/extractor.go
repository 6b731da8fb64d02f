package core

import (
	"context"
	"time"

	"github.com/markdave123-py/contractdocs/internal/models"
)

// Source describes a consolidated file handed to an extraction strategy.
type Source struct {
	DocumentID string
	Path       string
	MimeType   string
	// WorkDir is a scratch directory owned by the caller and removed after extraction.
	WorkDir string
}

// Extraction is the result of one strategy run.
// Pages are numbered from 1 and not yet persisted.
type Extraction struct {
	Method     string
	Pages      []models.Page
	TotalPages int
}

// ExtractionStrategy turns a file into page records.
// Callers run Extract under a context bounded by Timeout; implementations must
// stop external work when that context is done. A failed run may still return
// the page records it produced.
type ExtractionStrategy interface {
	Name() string
	Timeout() time.Duration
	Extract(ctx context.Context, src Source) (*Extraction, error)
}
