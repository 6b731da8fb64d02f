package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/markdave123-py/contractdocs/internal/core"
)

var _ core.OCRProvider = (*TextractProvider)(nil)

// TextractAPI is the slice of the Textract client the provider uses.
type TextractAPI interface {
	AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

// TextractProvider runs synchronous AnalyzeDocument calls with table and form detection.
type TextractProvider struct {
	api     TextractAPI
	timeout time.Duration
}

func NewTextractProvider(api TextractAPI, timeout time.Duration) *TextractProvider {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &TextractProvider{api: api, timeout: timeout}
}

func NewTextractFromConfig(awsCfg aws.Config, timeout time.Duration) *TextractProvider {
	return NewTextractProvider(textract.NewFromConfig(awsCfg), timeout)
}

func (p *TextractProvider) Recognize(ctx context.Context, image []byte) (*core.OCRResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image: %w", core.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.api.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: image},
		FeatureTypes: []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms},
	})
	if err != nil {
		return nil, fmt.Errorf("textract analyze: %w", err)
	}
	return summarize(out.Blocks), nil
}

// summarize joins LINE blocks into text and averages the confidence of every text-bearing block.
func summarize(blocks []types.Block) *core.OCRResult {
	res := &core.OCRResult{}
	var (
		lines []string
		sum   float64
		n     int
	)
	for _, b := range blocks {
		switch b.BlockType {
		case types.BlockTypeLine:
			lines = append(lines, aws.ToString(b.Text))
		case types.BlockTypeTable:
			res.HasTables = true
		case types.BlockTypeKeyValueSet:
			res.HasForms = true
		}
		if b.Text != nil && b.Confidence != nil {
			sum += float64(*b.Confidence)
			n++
		}
	}
	res.Text = strings.Join(lines, "\n")
	res.Blocks = n
	if n > 0 {
		res.Confidence = sum / float64(n)
	}
	return res
}
