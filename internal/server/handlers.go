package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/embedding"
	"github.com/kioku-ai/kioku/internal/service/llm"
	"github.com/kioku-ai/kioku/internal/service/memory"
	"github.com/kioku-ai/kioku/internal/storage"
)

// Ingester runs the full ingestion pipeline for one run payload.
type Ingester interface {
	Ingest(ctx context.Context, payload model.RunPayload) (memory.IngestOutcome, error)
}

// Retriever answers similarity queries against stored runs.
type Retriever interface {
	Retrieve(ctx context.Context, req model.RetrievalRequest) (model.RetrievalResponse, error)
	RetrieveAll(ctx context.Context, userID, agentID string, limit int) (model.RetrieveAllResponse, error)
}

// StatsSource reports graph statistics and store health.
type StatsSource interface {
	Stats(ctx context.Context) (model.Stats, error)
	Ping(ctx context.Context) error
}

// IndexChecker reports reachability of the optional vector index.
type IndexChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	ingester  Ingester
	retriever Retriever
	stats     StatsSource
	index     IndexChecker
	logger    *slog.Logger

	version   string
	dbInfo    string
	provider  string
	dimension int
	runIndex  string
}

// HandlersDeps holds the dependencies for NewHandlers.
type HandlersDeps struct {
	Ingester  Ingester
	Retriever Retriever
	Stats     StatsSource
	Index     IndexChecker // nil when the run index is disabled
	Logger    *slog.Logger

	Version            string
	MaskedDatabaseURL  string
	Provider           string
	EmbeddingDimension int
	RunIndexCollection string // empty when the run index is disabled
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handlers{
		ingester:  d.Ingester,
		retriever: d.Retriever,
		stats:     d.Stats,
		index:     d.Index,
		logger:    d.Logger,
		version:   d.Version,
		dbInfo:    d.MaskedDatabaseURL,
		provider:  d.Provider,
		dimension: d.EmbeddingDimension,
		runIndex:  d.RunIndexCollection,
	}
}

// HandleHealth handles GET /. An unreachable run index degrades the payload
// but not the status: the index is an accelerator, Postgres answers without
// it.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.stats.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	indexStatus := ""
	if h.index != nil {
		indexStatus = "connected"
		if err := h.index.Healthy(r.Context()); err != nil {
			indexStatus = "disconnected"
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:         status,
		Version:        h.version,
		Postgres:       pgStatus,
		Database:       h.dbInfo,
		Provider:       h.provider,
		Dimension:      h.dimension,
		RunIndex:       h.runIndex,
		RunIndexStatus: indexStatus,
	})
}

// HandleIngestRun handles POST /runs: the full ingestion pipeline, ending in
// an admission decision. Rejected runs still return 200 with status
// "rejected" so clients can distinguish policy rejection from failure.
func (h *Handlers) HandleIngestRun(w http.ResponseWriter, r *http.Request) {
	var payload model.RunPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if err := payload.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	outcome, err := h.ingester.Ingest(r.Context(), payload)
	if err != nil {
		h.writeServiceError(w, r, "ingest run", err, model.ErrCodeInternal)
		return
	}

	if !outcome.Admitted {
		writeJSON(w, r, http.StatusOK, model.Envelope{
			Status:  "rejected",
			Message: outcome.Reject.Reason,
			Data:    outcome.Reject,
		})
		return
	}

	writeJSON(w, r, http.StatusOK, model.Envelope{
		Status: "success",
		Data:   outcome.Ingest,
	})
}

// HandleRetrieve handles POST /retrieve.
func (h *Handlers) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req model.RetrievalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if req.TaskText == "" && req.Context == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "task_text or context is required")
		return
	}

	resp, err := h.retriever.Retrieve(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "retrieve", err, model.ErrCodeInternal)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleRetrieveAll handles GET /retrieve_all. Partition filters and an
// optional result limit come from query parameters.
func (h *Handlers) HandleRetrieveAll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	resp, err := h.retriever.RetrieveAll(r.Context(), q.Get("user_id"), q.Get("agent_id"), limit)
	if err != nil {
		h.writeServiceError(w, r, "retrieve all", err, model.ErrCodeStoreError)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleStats handles GET /stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "stats", err, model.ErrCodeStoreError)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// writeServiceError maps service errors to HTTP status codes. fallback is
// the code for unclassified errors; handlers whose pipeline only touches the
// store pass ErrCodeStoreError, mixed pipelines pass ErrCodeInternal.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error, fallback string) {
	h.logger.Error(op+" failed", "error", err, "request_id", RequestIDFromContext(r.Context()))

	switch {
	case errors.Is(err, embedding.ErrEmptyInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, embedding.ErrProviderBusy), errors.Is(err, llm.ErrProviderBusy):
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "provider is rate limited, retry later")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, fallback, op+" failed")
	}
}
