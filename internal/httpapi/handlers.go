// Package httpapi exposes the service over HTTP. Delta streams are
// NDJSON: one JSON object per line, flushed as produced.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/fault"
	"github.com/tessellate-ai/ragcore/internal/generation"
	"github.com/tessellate-ai/ragcore/internal/ingestion"
	"github.com/tessellate-ai/ragcore/internal/session"
	"github.com/tessellate-ai/ragcore/internal/vectorstore"
)

// Handler serves the public API.
type Handler struct {
	sessions  *session.Manager
	generator *generation.Service
	ingestor  *ingestion.Service
	store     vectorstore.Store
	logger    *zap.Logger
}

// NewHandler wires the API surface.
func NewHandler(sessions *session.Manager, generator *generation.Service, ingestor *ingestion.Service, store vectorstore.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions:  sessions,
		generator: generator,
		ingestor:  ingestor,
		store:     store,
		logger:    logger,
	}
}

// RegisterRoutes registers all public routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.handleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/prompts", h.handlePrompt)
	mux.HandleFunc("POST /api/v1/sessions/{id}/prompts/{promptId}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/v1/ingest", h.handleIngest)
	mux.HandleFunc("GET /api/v1/documents", h.handleListDocuments)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.handleGetDocument)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", h.handleDeleteDocument)
}

type createSessionRequest struct {
	Owner string `json:"owner,omitempty"`
}

// handleCreateSession creates a session and returns its record.
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFault(w, fault.New(fault.CodeInvalidRequest, "malformed request body"))
			return
		}
	}
	s := h.sessions.CreateSession(req.Owner)
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		if err == session.ErrSessionExpired {
			writeFault(w, fault.Wrap(fault.CodeSessionExpired, err, "session expired"))
			return
		}
		writeFault(w, fault.Wrap(fault.CodeInvalidRequest, err, "unknown session"))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type promptRequest struct {
	Prompt         string        `json:"prompt"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	TopK           int           `json:"topK,omitempty"`
	Model          string        `json:"model,omitempty"`
	Filter         *promptFilter `json:"filter,omitempty"`
}

type promptFilter struct {
	RepoURL          string `json:"repoUrl,omitempty"`
	FilePath         string `json:"filePath,omitempty"`
	FileType         string `json:"fileType,omitempty"`
	IsCode           *bool  `json:"isCode,omitempty"`
	IsImplementation *bool  `json:"isImplementation,omitempty"`
}

// handlePrompt starts a generation and streams its deltas as NDJSON.
// The prompt ID arrives in the X-Prompt-Id response header before the
// first line.
func (h *Handler) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.CodeInvalidRequest, "malformed request body"))
		return
	}

	opts := generation.Options{
		TopK:           req.TopK,
		IdempotencyKey: req.IdempotencyKey,
		Model:          req.Model,
	}
	if f := req.Filter; f != nil {
		opts.Filter = &vectorstore.Filter{
			RepoURL:          f.RepoURL,
			FilePath:         f.FilePath,
			FileType:         f.FileType,
			IsCode:           f.IsCode,
			IsImplementation: f.IsImplementation,
		}
	}

	prompt, deltas, err := h.generator.Generate(r.Context(), r.PathValue("id"), req.Prompt, opts)
	if err != nil {
		writeFault(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFault(w, fault.New(fault.CodeInvalidRequest, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Prompt-Id", prompt.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for d := range deltas {
		if err := enc.Encode(d); err != nil {
			h.logger.Info("Client disconnected mid-stream",
				zap.String("prompt_id", prompt.ID), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

// handleCancel stops an in-flight prompt. Cancelling a finished prompt
// is a no-op reported as cancelled=false.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.generator.Cancel(r.PathValue("id"), r.PathValue("promptId"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestion.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.CodeInvalidRequest, "malformed request body"))
		return
	}
	result, err := h.ingestor.Ingest(r.Context(), req)
	if err != nil {
		writeFault(w, err)
		return
	}
	// Partial failures still return the full report.
	status := http.StatusOK
	if result.FailureCount > 0 && result.SuccessCount == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (h *Handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 50)
	repoURL := r.URL.Query().Get("repoUrl")

	chunks, total, err := h.store.List(r.Context(), page, pageSize, repoURL)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunks":   chunks,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if c == nil {
		writeFault(w, fault.New(fault.CodeInvalidRequest, "unknown document"))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, def int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
