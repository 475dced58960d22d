package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"alertflow/internal/config"
	"alertflow/internal/domain"
	"alertflow/internal/lifecycle"
	"alertflow/internal/state"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultActor = "operator"

// AlertOperator applies manual status transitions.
type AlertOperator interface {
	Acknowledge(ctx context.Context, alertID, actor string) (domain.AlertInstance, error)
	Resolve(ctx context.Context, alertID, actor string) (domain.AlertInstance, error)
}

// AlertReader loads alert state for the read endpoint.
type AlertReader interface {
	GetAlert(ctx context.Context, alertID string) (domain.AlertInstance, error)
	ListAlertEvents(ctx context.Context, alertID string) ([]domain.AlertEvent, error)
	ListNotifications(ctx context.Context, alertID string) ([]domain.AlertNotification, error)
}

// Routes groups handlers mounted on the service listener.
// Params: nil handlers are not mounted.
// Returns: router inputs.
type Routes struct {
	Ingest   http.Handler
	Metrics  http.Handler
	Realtime http.Handler
	Operator AlertOperator
	Reader   AlertReader
	Ready    func(ctx context.Context) error
	Logger   *slog.Logger
}

// NewRouter builds the chi router for every HTTP endpoint.
// Params: HTTP paths, realtime websocket path, and handlers.
// Returns: root handler.
func NewRouter(httpCfg config.HTTPIngestConfig, wsPath string, routes Routes) http.Handler {
	logger := routes.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(httpCfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	r.Get(httpCfg.ReadyPath, func(w http.ResponseWriter, req *http.Request) {
		if routes.Ready != nil {
			if err := routes.Ready(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ready")
	})
	if routes.Ingest != nil {
		r.Method(http.MethodPost, httpCfg.IngestPath, routes.Ingest)
	}
	if routes.Metrics != nil {
		r.Method(http.MethodGet, httpCfg.MetricsPath, routes.Metrics)
	}
	if routes.Realtime != nil && wsPath != "" {
		r.Method(http.MethodGet, wsPath, routes.Realtime)
	}
	if routes.Operator != nil || routes.Reader != nil {
		h := &alertHandlers{operator: routes.Operator, reader: routes.Reader, logger: logger}
		r.Route(httpCfg.AlertsPath, func(r chi.Router) {
			if h.reader != nil {
				r.Get("/{id}", h.get)
			}
			if h.operator != nil {
				r.Post("/{id}/ack", h.ack)
				r.Post("/{id}/resolve", h.resolve)
			}
		})
	}
	return r
}

type alertHandlers struct {
	operator AlertOperator
	reader   AlertReader
	logger   *slog.Logger
}

type alertDetail struct {
	Alert         domain.AlertInstance       `json:"alert"`
	Events        []domain.AlertEvent        `json:"events"`
	Notifications []domain.AlertNotification `json:"notifications"`
}

func (h *alertHandlers) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alert, err := h.reader.GetAlert(r.Context(), id)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	events, err := h.reader.ListAlertEvents(r.Context(), id)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	notifications, err := h.reader.ListNotifications(r.Context(), id)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, alertDetail{Alert: alert, Events: events, Notifications: notifications})
}

func (h *alertHandlers) ack(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, h.operator.Acknowledge)
}

func (h *alertHandlers) resolve(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, h.operator.Resolve)
}

func (h *alertHandlers) operate(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, alertID, actor string) (domain.AlertInstance, error),
) {
	id := chi.URLParam(r, "id")
	alert, err := action(r.Context(), id, actorFrom(r))
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// fail maps store and lifecycle errors to HTTP status codes.
func (h *alertHandlers) fail(w http.ResponseWriter, alertID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, state.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, state.ErrConflict):
		status = http.StatusConflict
	default:
		h.logger.Error("alert request failed", "alert_id", alertID, "error", err.Error())
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// actorFrom reads the operator name from X-Actor or a JSON body {"actor": "..."}.
func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	var body struct {
		Actor string `json:"actor"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body)
	}
	if actor := strings.TrimSpace(body.Actor); actor != "" {
		return actor
	}
	return defaultActor
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
