package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/pagestore"
	"github.com/markdave123-py/contractdocs/internal/models"
)

var (
	_ core.ExtractionStrategy = (*ImageStrategy)(nil)
	_ core.ExtractionStrategy = (*OCRPDFStrategy)(nil)
	_ Rasterizer              = (*PdftoppmRasterizer)(nil)
)

// ocrPage runs the provider on one image. A provider failure becomes an
// empty FAILED page carrying the error instead of an error return.
func ocrPage(ctx context.Context, provider core.OCRProvider, number int, image []byte) models.Page {
	started := time.Now()
	res, err := provider.Recognize(ctx, image)
	if err != nil {
		p := pagestore.FailedPage(number, models.MethodOCR, err, time.Since(started))
		p.HasImages = true
		return p
	}

	p := pagestore.NewPage(number, models.MethodOCR, res.Text, time.Since(started))
	conf := res.Confidence
	p.Confidence = &conf
	p.HasImages = true
	p.HasTables = p.HasTables || res.HasTables
	if res.HasForms {
		p.Metadata = map[string]string{"hasForms": "true"}
	}
	if strings.TrimSpace(res.Text) == "" {
		p.Warnings = append(p.Warnings, "ocr found no text")
	}
	return p
}

// ImageStrategy sends an uploaded image straight to OCR as a single page.
type ImageStrategy struct {
	provider core.OCRProvider
	timeout  time.Duration
}

func NewImageStrategy(provider core.OCRProvider, timeout time.Duration) *ImageStrategy {
	return &ImageStrategy{provider: provider, timeout: timeout}
}

func (s *ImageStrategy) Name() string           { return models.MethodOCR }
func (s *ImageStrategy) Timeout() time.Duration { return s.timeout }

func (s *ImageStrategy) Extract(ctx context.Context, src core.Source) (*core.Extraction, error) {
	image, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	page := ocrPage(ctx, s.provider, 1, image)
	ext := &core.Extraction{Method: models.MethodOCR, Pages: []models.Page{page}, TotalPages: 1}
	if page.Status == models.StatusFailed {
		return ext, fmt.Errorf("ocr image: %s", *page.ErrorMessage)
	}
	return ext, nil
}

// Rasterizer renders one PDF page to an image file inside dir and returns its path.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath string, page int, dir string) (string, error)
}

// PdftoppmRasterizer renders pages to PNG with poppler's pdftoppm.
type PdftoppmRasterizer struct {
	Bin     string
	DPI     int
	Timeout time.Duration
}

func (r *PdftoppmRasterizer) Rasterize(ctx context.Context, pdfPath string, page int, dir string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	bin := r.Bin
	if bin == "" {
		bin = "pdftoppm"
	}
	n := strconv.Itoa(page)
	prefix := filepath.Join(dir, "page-"+n)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-f", n, "-l", n, "-r", strconv.Itoa(r.DPI), "-png", "-singlefile", pdfPath, prefix)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("pdftoppm page %d: %w", page, ctxErr)
		}
		return "", fmt.Errorf("pdftoppm page %d: %w: %s", page, err, strings.TrimSpace(stderr.String()))
	}
	return prefix + ".png", nil
}

// OCRPDFStrategy rasterizes every page and runs OCR on each, writing one page
// record per page whatever its outcome. Rendered images are deleted as soon as
// their page is done.
type OCRPDFStrategy struct {
	provider    core.OCRProvider
	raster      Rasterizer
	count       PageCounter
	concurrency int
	timeout     time.Duration
}

func NewOCRPDFStrategy(provider core.OCRProvider, raster Rasterizer, concurrency int, timeout time.Duration) *OCRPDFStrategy {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &OCRPDFStrategy{
		provider:    provider,
		raster:      raster,
		count:       CountPages,
		concurrency: concurrency,
		timeout:     timeout,
	}
}

func (s *OCRPDFStrategy) Name() string           { return models.MethodOCR }
func (s *OCRPDFStrategy) Timeout() time.Duration { return s.timeout }

func (s *OCRPDFStrategy) Extract(ctx context.Context, src core.Source) (*core.Extraction, error) {
	total, err := s.count(src.Path)
	if err != nil {
		return nil, err
	}
	if total <= 0 {
		return nil, fmt.Errorf("pdf has no pages: %w", core.ErrNoText)
	}
	dir := src.WorkDir
	if dir == "" {
		return nil, fmt.Errorf("ocr needs a work dir: %w", core.ErrInvalidArgument)
	}

	pages := make([]models.Page, total)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := 0; i < total; i++ {
		number := i + 1
		g.Go(func() error {
			page, err := s.page(gctx, src.Path, number, dir)
			if err != nil {
				return err
			}
			pages[number-1] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, p := range pages {
		if p.Status == models.StatusFailed {
			failed++
		}
	}
	ext := &core.Extraction{Method: models.MethodOCR, Pages: pages, TotalPages: total}
	if failed == total {
		return ext, fmt.Errorf("ocr failed on all %d pages", total)
	}
	return ext, nil
}

// page only returns an error when the run itself was cancelled.
func (s *OCRPDFStrategy) page(ctx context.Context, pdfPath string, number int, dir string) (models.Page, error) {
	if err := ctx.Err(); err != nil {
		return models.Page{}, err
	}
	started := time.Now()

	imgPath, err := s.raster.Rasterize(ctx, pdfPath, number, dir)
	if err != nil {
		if ctx.Err() != nil {
			return models.Page{}, ctx.Err()
		}
		p := pagestore.FailedPage(number, models.MethodOCR, err, time.Since(started))
		p.HasImages = true
		return p, nil
	}
	defer os.Remove(imgPath)

	image, err := os.ReadFile(imgPath)
	if err != nil {
		p := pagestore.FailedPage(number, models.MethodOCR, fmt.Errorf("read page image: %w", err), time.Since(started))
		p.HasImages = true
		return p, nil
	}

	p := ocrPage(ctx, s.provider, number, image)
	if ctx.Err() != nil {
		return models.Page{}, ctx.Err()
	}
	p.ProcessingTimeMs = time.Since(started).Milliseconds()
	return p, nil
}
