package pagestore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/models"
)

// Store persists page records and derives document-level statistics from them.
type Store struct {
	db core.DbClient
}

func New(db core.DbClient) *Store {
	return &Store{db: db}
}

// Save writes one extraction pass. Pages must be numbered 1..N without gaps.
func (s *Store) Save(ctx context.Context, documentID string, pages []models.Page) error {
	for i := range pages {
		if pages[i].PageNumber != i+1 {
			return fmt.Errorf("page %d stored at position %d: %w", pages[i].PageNumber, i+1, core.ErrInvalidArgument)
		}
		pages[i].DocumentID = documentID
	}
	if err := s.db.InsertPages(ctx, pages); err != nil {
		return fmt.Errorf("insert pages: %w", err)
	}
	return nil
}

// Reset drops the pages of a previous, unfinished pass.
func (s *Store) Reset(ctx context.Context, documentID string) error {
	return s.db.DeletePages(ctx, documentID)
}

func (s *Store) Pages(ctx context.Context, documentID string) ([]models.Page, error) {
	return s.db.ListPages(ctx, documentID)
}

func (s *Store) Stats(ctx context.Context, documentID string) (*models.DocumentStats, error) {
	pages, err := s.db.ListPages(ctx, documentID)
	if err != nil {
		return nil, err
	}
	stats := Aggregate(pages)
	return &stats, nil
}

// Aggregate sums page counters. Average confidence covers OCR pages only.
func Aggregate(pages []models.Page) models.DocumentStats {
	stats := models.DocumentStats{PageCount: len(pages), Methods: []string{}}
	seen := map[string]bool{}
	var confSum float64
	var confN int

	for _, p := range pages {
		switch p.Status {
		case models.StatusCompleted:
			stats.CompletedPages++
		case models.StatusFailed:
			stats.FailedPages++
		}
		stats.WordCount += p.WordCount
		stats.CharCount += p.CharCount
		if p.Confidence != nil {
			confSum += *p.Confidence
			confN++
		}
		if !seen[p.Method] {
			seen[p.Method] = true
			stats.Methods = append(stats.Methods, p.Method)
		}
	}
	if confN > 0 {
		avg := confSum / float64(confN)
		stats.AverageConfidence = &avg
	}
	sort.Strings(stats.Methods)
	return stats
}

// NewPage builds a COMPLETED page record from extracted text.
func NewPage(number int, method, text string, elapsed time.Duration) models.Page {
	return models.Page{
		PageNumber:       number,
		Text:             text,
		WordCount:        len(strings.Fields(text)),
		CharCount:        utf8.RuneCountInString(text),
		Method:           method,
		Status:           models.StatusCompleted,
		HasTables:        LooksTabular(text),
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}

// FailedPage builds an empty page record carrying err.
func FailedPage(number int, method string, err error, elapsed time.Duration) models.Page {
	msg := err.Error()
	return models.Page{
		PageNumber:       number,
		Method:           method,
		Status:           models.StatusFailed,
		ErrorMessage:     &msg,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}

var columnGap = regexp.MustCompile(`\t| {3,}`)

// LooksTabular reports whether at least three lines split into three or more columns.
func LooksTabular(text string) bool {
	rows := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(columnGap.FindAllStringIndex(line, -1)) >= 2 {
			rows++
			if rows >= 3 {
				return true
			}
		}
	}
	return false
}
