package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/pagestore"
	"github.com/markdave123-py/contractdocs/internal/models"
)

var (
	_ core.ExtractionStrategy = (*NativePDFStrategy)(nil)
	_ core.ExtractionStrategy = (*PdftotextStrategy)(nil)
)

// PageCounter returns the number of pages in a PDF file.
type PageCounter func(path string) (int, error)

// CountPages reads the page tree with pdfcpu.
func CountPages(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("pdfcpu page count: %w", err)
	}
	return n, nil
}

// NativePDFStrategy reads the embedded text layer. Page/text correlation is not
// kept at this tier: all text lands in one page record that carries the true
// page count in its metadata.
type NativePDFStrategy struct {
	timeout time.Duration
	count   PageCounter
}

func NewNativePDFStrategy(timeout time.Duration) *NativePDFStrategy {
	return &NativePDFStrategy{timeout: timeout, count: CountPages}
}

func (s *NativePDFStrategy) Name() string           { return models.MethodNative }
func (s *NativePDFStrategy) Timeout() time.Duration { return s.timeout }

func (s *NativePDFStrategy) Extract(ctx context.Context, src core.Source) (*core.Extraction, error) {
	started := time.Now()

	type layer struct {
		text  string
		pages int
		err   error
	}
	done := make(chan layer, 1)
	go func() {
		text, pages, err := readTextLayer(src.Path)
		done <- layer{text: text, pages: pages, err: err}
	}()

	var l layer
	select {
	case l = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if l.err != nil {
		return nil, l.err
	}

	text := strings.TrimSpace(l.text)
	if text == "" {
		return nil, fmt.Errorf("pdf text layer is empty: %w", core.ErrNoText)
	}

	total := l.pages
	if n, err := s.count(src.Path); err == nil && n > 0 {
		total = n
	}

	page := pagestore.NewPage(1, models.MethodNative, text, time.Since(started))
	page.Metadata = map[string]string{"pageCount": strconv.Itoa(total)}
	return &core.Extraction{Method: models.MethodNative, Pages: []models.Page{page}, TotalPages: total}, nil
}

// readTextLayer recovers from parser panics, which malformed files can trigger.
func readTextLayer(path string) (text string, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", 0, fmt.Errorf("read text layer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", 0, fmt.Errorf("read text layer: %w", err)
	}
	return buf.String(), r.NumPage(), nil
}

// PdftotextStrategy runs poppler's pdftotext and splits its output on form feeds.
type PdftotextStrategy struct {
	bin     string
	timeout time.Duration
}

func NewPdftotextStrategy(bin string, timeout time.Duration) *PdftotextStrategy {
	if bin == "" {
		bin = "pdftotext"
	}
	return &PdftotextStrategy{bin: bin, timeout: timeout}
}

func (s *PdftotextStrategy) Name() string           { return models.MethodCLI }
func (s *PdftotextStrategy) Timeout() time.Duration { return s.timeout }

func (s *PdftotextStrategy) Extract(ctx context.Context, src core.Source) (*core.Extraction, error) {
	started := time.Now()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.bin, "-layout", "-enc", "UTF-8", src.Path, "-")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("pdftotext: %w", ctxErr)
		}
		return nil, fmt.Errorf("pdftotext: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	raw := splitPages(stdout.String())
	elapsed := time.Since(started)

	var pages []models.Page
	for i, text := range raw {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		p := pagestore.NewPage(len(pages)+1, models.MethodCLI, text, elapsed)
		p.Metadata = map[string]string{"sourcePage": strconv.Itoa(i + 1)}
		pages = append(pages, p)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftotext produced no text: %w", core.ErrNoText)
	}
	return &core.Extraction{Method: models.MethodCLI, Pages: pages, TotalPages: len(raw)}, nil
}

// splitPages cuts pdftotext output at form feeds. The trailing feed after the
// last page does not start a new page.
func splitPages(out string) []string {
	out = strings.TrimSuffix(out, "\f")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\f")
}
