package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"code.sajari.com/docconv"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/pagestore"
	"github.com/markdave123-py/contractdocs/internal/models"
)

const (
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeDoc  = "application/msword"
)

var (
	_ core.ExtractionStrategy = (*PlainTextStrategy)(nil)
	_ core.ExtractionStrategy = (*WordStrategy)(nil)
)

// PlainTextStrategy takes the file content verbatim as a single page.
type PlainTextStrategy struct {
	timeout time.Duration
}

func NewPlainTextStrategy(timeout time.Duration) *PlainTextStrategy {
	return &PlainTextStrategy{timeout: timeout}
}

func (s *PlainTextStrategy) Name() string           { return models.MethodPlainText }
func (s *PlainTextStrategy) Timeout() time.Duration { return s.timeout }

func (s *PlainTextStrategy) Extract(ctx context.Context, src core.Source) (*core.Extraction, error) {
	started := time.Now()
	raw, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("read text file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := string(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf")))
	page := pagestore.NewPage(1, models.MethodPlainText, text, time.Since(started))
	return &core.Extraction{Method: models.MethodPlainText, Pages: []models.Page{page}, TotalPages: 1}, nil
}

// WordStrategy maps DOCX (and legacy DOC, when wvText is installed) to one text page using docconv.
type WordStrategy struct {
	timeout time.Duration
}

func NewWordStrategy(timeout time.Duration) *WordStrategy {
	return &WordStrategy{timeout: timeout}
}

func (s *WordStrategy) Name() string           { return models.MethodWord }
func (s *WordStrategy) Timeout() time.Duration { return s.timeout }

func (s *WordStrategy) Extract(ctx context.Context, src core.Source) (*core.Extraction, error) {
	started := time.Now()
	f, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("open word file: %w", err)
	}
	defer f.Close()

	type converted struct {
		text string
		meta map[string]string
		err  error
	}
	done := make(chan converted, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- converted{err: fmt.Errorf("docconv panic: %v", r)}
			}
		}()
		var c converted
		if src.MimeType == mimeDoc {
			c.text, c.meta, c.err = docconv.ConvertDoc(f)
		} else {
			c.text, c.meta, c.err = docconv.ConvertDocx(f)
		}
		done <- c
	}()

	var c converted
	select {
	case c = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, fmt.Errorf("docconv: %w", c.err)
	}

	text := strings.TrimSpace(c.text)
	page := pagestore.NewPage(1, models.MethodWord, text, time.Since(started))
	page.Metadata = c.meta
	if text == "" {
		page.Warnings = append(page.Warnings, "document contains no extractable text")
	}
	if strings.ContainsRune(text, '�') {
		page.Warnings = append(page.Warnings, "text contains characters that could not be decoded")
	}
	return &core.Extraction{Method: models.MethodWord, Pages: []models.Page{page}, TotalPages: 1}, nil
}
