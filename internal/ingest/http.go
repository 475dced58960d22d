package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"alertflow/internal/domain"
)

// ErrUnavailable means the engine cannot process events right now (store or rules not loaded).
var ErrUnavailable = errors.New("engine unavailable")

// BatchProcessor runs the per-event pipeline over one decoded batch.
// Params: context and events in arrival order.
// Returns: per-event results or a batch-level error.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, events []domain.Event) (domain.BatchResponse, error)
}

// HTTPHandler decodes JSON events and returns per-event results.
// Params: processor, max body size, and logger.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	processor   BatchProcessor
	maxBodySize int64
	logger      *slog.Logger
}

// NewHTTPHandler creates ingest HTTP handler.
func NewHTTPHandler(processor BatchProcessor, maxBodySize int64, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{processor: processor, maxBodySize: maxBodySize, logger: logger}
}

// ServeHTTP handles one ingest request.
// Params: HTTP request/response writer pair.
// Returns: 200 with results, 400 for malformed payload, 413 for oversized body, 503 when unavailable.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.maxBodySize > 0 {
		request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	}
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(writer, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(writer, http.StatusBadRequest, err)
		return
	}

	events, err := domain.DecodeEvents(body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}

	response, err := h.processor.ProcessBatch(request.Context(), events)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Error("ingest batch failed", "events", len(events), "error", err.Error())
		writeError(writer, status, err)
		return
	}
	WriteJSON(writer, http.StatusOK, response)
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(writer http.ResponseWriter, status int, v interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(v)
}

func writeError(writer http.ResponseWriter, status int, err error) {
	WriteJSON(writer, status, map[string]string{"error": err.Error()})
}
