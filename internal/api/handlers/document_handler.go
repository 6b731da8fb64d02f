package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	middleware "github.com/markdave123-py/contractdocs/internal/api/middlewares"
	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/upload"
	"github.com/markdave123-py/contractdocs/internal/services"
)

type DocumentHandler struct {
	docs      *services.DocumentService
	chunkSize int64
	log       *zap.Logger
}

func NewDocumentHandler(docs *services.DocumentService, chunkSize int64, log *zap.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, chunkSize: chunkSize, log: log.Named("http")}
}

// Routes mounts the document endpoints on r.
func (h *DocumentHandler) Routes(r chi.Router) {
	r.Post("/contracts/{contractID}/documents", h.InitiateUpload)
	r.Get("/contracts/{contractID}/documents", h.GetContractDocuments)
	r.Put("/documents/{documentID}/chunks/{chunkNumber}", h.SubmitChunk)
	r.Get("/documents/{documentID}/status", h.GetDocumentStatus)
	r.Get("/documents/{documentID}/pages", h.GetDocumentPages)
	r.Get("/jobs/{jobID}", h.GetJob)
}

type initiateRequest struct {
	FileName         string  `json:"fileName"`
	FileSize         int64   `json:"fileSize"`
	MimeType         string  `json:"mimeType"`
	DocumentType     string  `json:"documentType"`
	SequenceOrder    int     `json:"sequenceOrder"`
	ParentDocumentID *string `json:"parentDocumentId"`
	Title            string  `json:"title"`
}

// InitiateUpload opens a chunked upload for a new contract document.
func (h *DocumentHandler) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	res, err := h.docs.InitiateUpload(r.Context(), chi.URLParam(r, "contractID"), upload.FileInfo{
		FileName:         req.FileName,
		Size:             req.FileSize,
		MimeType:         req.MimeType,
		DocumentType:     req.DocumentType,
		SequenceOrder:    req.SequenceOrder,
		ParentDocumentID: req.ParentDocumentID,
		Title:            req.Title,
		UploadedBy:       middleware.UserID(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// SubmitChunk takes the raw chunk bytes as the request body.
func (h *DocumentHandler) SubmitChunk(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "chunkNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk number must be an integer")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.chunkSize))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "chunk larger than chunk size")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read chunk")
		return
	}

	res, err := h.docs.SubmitChunk(r.Context(), chi.URLParam(r, "documentID"), n, data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *DocumentHandler) GetDocumentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.docs.GetDocumentStatus(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *DocumentHandler) GetContractDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.docs.GetContractDocuments(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) GetDocumentPages(w http.ResponseWriter, r *http.Request) {
	view, err := h.docs.GetDocumentPages(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *DocumentHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.docs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// fail maps pipeline errors to HTTP status codes. Internal errors are logged, not echoed.
func (h *DocumentHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, core.ErrIncomplete):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
