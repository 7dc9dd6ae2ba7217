package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kiseki-ai/kiseki/api"
	"github.com/kiseki-ai/kiseki/internal/model"
	"github.com/kiseki-ai/kiseki/internal/sink"
	"github.com/kiseki-ai/kiseki/internal/storage"
)

// Handlers implements the collector's HTTP endpoints.
type Handlers struct {
	store   storage.Store
	buffer  sink.Sink
	logger  *slog.Logger
	version string
	maxBody int64
}

// HandleIngest accepts a batch of finalized traces from a client and hands
// them to the export buffer. Responds 202 once every trace is queued;
// durability follows asynchronously.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var batch []model.CompletedTrace
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(batch) == 0 {
		writeError(w, r, http.StatusBadRequest, "empty batch")
		return
	}

	for i, ct := range batch {
		if ct.Trace.ID == "" {
			writeError(w, r, http.StatusBadRequest, "trace "+strconv.Itoa(i)+" has no id")
			return
		}
		if err := h.buffer.Enqueue(r.Context(), ct); err != nil {
			// Backpressure: the client keeps the batch and retries.
			writeError(w, r, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	writeJSON(w, r, http.StatusAccepted, map[string]int{"accepted": len(batch)})
}

// HandleGetTrace returns one stored trace with all its spans.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := model.TraceID(r.PathValue("trace_id"))
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "trace_id is required")
		return
	}

	ct, err := h.store.GetTrace(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "trace not found")
		return
	}
	if err != nil {
		h.logger.Error("get trace failed", "trace_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusOK, ct)
}

// HandleListTraces returns summaries of recently stored traces, newest first.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	sums, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("list traces failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	if sums == nil {
		sums = []model.TraceSummary{}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"traces": sums})
}

// HandleOpenAPI serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

// HandleHealth reports liveness and storage connectivity.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]string{
		"status":  status,
		"version": h.version,
	})
}
