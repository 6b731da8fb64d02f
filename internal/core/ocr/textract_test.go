package ocr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contractdocs/internal/core"
)

type fakeTextract struct {
	in       *textract.AnalyzeDocumentInput
	deadline bool
	out      *textract.AnalyzeDocumentOutput
	err      error
}

func (f *fakeTextract) AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, _ ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error) {
	f.in = in
	_, f.deadline = ctx.Deadline()
	return f.out, f.err
}

func block(t types.BlockType, text string, conf float32) types.Block {
	b := types.Block{BlockType: t, Confidence: aws.Float32(conf)}
	if text != "" {
		b.Text = aws.String(text)
	}
	return b
}

func TestRecognizeAveragesConfidence(t *testing.T) {
	api := &fakeTextract{out: &textract.AnalyzeDocumentOutput{Blocks: []types.Block{
		{BlockType: types.BlockTypePage},
		block(types.BlockTypeLine, "TERM SHEET", 90),
		block(types.BlockTypeWord, "TERM", 80),
		block(types.BlockTypeLine, "Rent: 1,000", 70),
		block(types.BlockTypeTable, "", 99),
		block(types.BlockTypeKeyValueSet, "", 95),
	}}}
	p := NewTextractProvider(api, time.Second)

	res, err := p.Recognize(context.Background(), []byte("png"))
	require.NoError(t, err)

	assert.Equal(t, "TERM SHEET\nRent: 1,000", res.Text)
	assert.InDelta(t, 80.0, res.Confidence, 0.001)
	assert.Equal(t, 3, res.Blocks)
	assert.True(t, res.HasTables)
	assert.True(t, res.HasForms)

	assert.True(t, api.deadline, "calls must be bounded")
	assert.ElementsMatch(t, []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms}, api.in.FeatureTypes)
}

func TestRecognizePropagatesProviderError(t *testing.T) {
	p := NewTextractProvider(&fakeTextract{err: errors.New("throttled")}, time.Second)
	_, err := p.Recognize(context.Background(), []byte("png"))
	assert.ErrorContains(t, err, "throttled")
}

func TestRecognizeRejectsEmptyImage(t *testing.T) {
	p := NewTextractProvider(&fakeTextract{}, time.Second)
	_, err := p.Recognize(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestSummarizeWithoutText(t *testing.T) {
	res := summarize(nil)
	assert.Empty(t, res.Text)
	assert.Zero(t, res.Confidence)
}
