package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/markdave123-py/contractdocs/internal/config"
	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		UploadRoot:          t.TempDir(),
		ChunkSize:           16,
		MaxFileSize:         1 << 20,
		MaxFilesPerContract: 5,
		AllowedMimeTypes:    config.DefaultAllowedMimeTypes,
		JobWorkers:          1,
		JobTimeout:          5 * time.Second,
		JobMaxAttempts:      1,
		ToolTimeout:         time.Second,
		OCRTimeout:          time.Second,
		OCRDPI:              150,
		OCRProvider:         "none",
		OCRConcurrency:      1,
		Port:                "0",
		CORSOrigins:         []string{"*"},
	}
}

func TestNewAppServesRoutes(t *testing.T) {
	a, err := NewApp(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NoError(t, a.Recover(context.Background()))

	rec := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body, _ := json.Marshal(map[string]any{"fileName": "a.txt", "fileSize": 5, "mimeType": "text/plain"})
	req := httptest.NewRequest(http.MethodPost, "/api/contracts/c-1/documents", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "u-1")
	rec = httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res struct {
		DocumentID string `json:"documentId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	doc, err := a.DBClient.GetDocumentByID(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "u-1", doc.UploadedBy)
	assert.Equal(t, models.UploadUploading, doc.UploadStatus)
}

type stubOCR struct{}

func (stubOCR) Recognize(context.Context, []byte) (*core.OCRResult, error) {
	return &core.OCRResult{}, nil
}

func TestStrategiesFollowOCRProvider(t *testing.T) {
	cfg := testConfig(t)

	s := Strategies(cfg, nil)
	assert.Nil(t, s.Image)
	require.Len(t, s.PDF, 2)
	assert.Equal(t, models.MethodNative, s.PDF[0].Name())
	assert.Equal(t, models.MethodCLI, s.PDF[1].Name())

	s = Strategies(cfg, stubOCR{})
	assert.NotNil(t, s.Image)
	require.Len(t, s.PDF, 3)
	assert.Equal(t, models.MethodOCR, s.PDF[2].Name())
}
