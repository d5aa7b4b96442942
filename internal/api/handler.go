package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/nidhogg/warmth-engine/internal/jobs"
	"github.com/nidhogg/warmth-engine/internal/service"
	"github.com/nidhogg/warmth-engine/internal/warmth"
	"go.uber.org/zap"
)

const cronSecretHeader = "X-Cron-Secret"

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc        *service.Service
	recomputer *jobs.Recomputer
	snapshots  *jobs.SnapshotRecorder
	cronSecret string
	ping       func(context.Context) error
	logger     *zap.Logger
}

// NewHandler creates a new API handler. An empty cronSecret leaves the cron
// endpoints open.
func NewHandler(
	svc *service.Service,
	recomputer *jobs.Recomputer,
	snapshots *jobs.SnapshotRecorder,
	cronSecret string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		svc:        svc,
		recomputer: recomputer,
		snapshots:  snapshots,
		cronSecret: cronSecret,
		logger:     logger,
	}
}

// SetHealthCheck installs the dependency check behind /api/health.
func (h *Handler) SetHealthCheck(ping func(context.Context) error) {
	h.ping = ping
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/warmth/modes", h.listModes)
		r.Get("/warmth/summary", h.summary)

		r.Route("/contacts/{id}", func(r chi.Router) {
			r.Post("/warmth", h.createState)
			r.Get("/warmth/mode", h.getMode)
			r.Patch("/warmth/mode", h.switchMode)
			r.Get("/warmth/history", h.history)
			r.Get("/warmth/mode-changes", h.modeChanges)
			r.Post("/interactions", h.recordInteraction)
			r.Put("/watch", h.watch)
			r.Delete("/watch", h.unwatch)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireCronSecret)
			r.Post("/cron/recompute", h.runRecompute)
			r.Post("/cron/snapshot", h.runSnapshot)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "warmth"})
}

func (h *Handler) listModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Modes())
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Summary(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) createState(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.CreateState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) getMode(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetWarmthMode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type switchModeRequest struct {
	Mode string `json:"mode"`
}

func (h *Handler) switchMode(w http.ResponseWriter, r *http.Request) {
	var req switchModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	mode, err := warmth.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.svc.SwitchMode(r.Context(), chi.URLParam(r, "id"), mode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type interactionRequest struct {
	AmplitudeDelta *float64   `json:"amplitude_delta,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	At             *time.Time `json:"at,omitempty"`
}

func (h *Handler) recordInteraction(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if (req.AmplitudeDelta == nil) == (req.Kind == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exactly one of amplitude_delta or kind is required"})
		return
	}
	var at time.Time
	if req.At != nil {
		at = req.At.UTC()
	}

	id := chi.URLParam(r, "id")
	var (
		res service.InteractionResult
		err error
	)
	if req.AmplitudeDelta != nil {
		res, err = h.svc.ApplyInteraction(r.Context(), id, *req.AmplitudeDelta, at)
	} else {
		res, err = h.svc.RecordInteraction(r.Context(), id, req.Kind, at)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.svc.History(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if snaps == nil {
		snaps = []warmth.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *Handler) modeChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := h.svc.ModeChanges(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if changes == nil {
		changes = []warmth.ModeChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

type watchRequest struct {
	Status    string  `json:"status"`
	Threshold float64 `json:"threshold"`
}

func (h *Handler) watch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	status, err := alert.ParseWatchStatus(req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	watch, err := h.svc.Watch(r.Context(), chi.URLParam(r, "id"), status, req.Threshold)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, watch)
}

func (h *Handler) unwatch(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unwatch(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) runRecompute(w http.ResponseWriter, r *http.Request) {
	rep, err := h.recomputer.Run(r.Context())
	if err != nil {
		h.logger.Warn("cron recompute failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error(), "report": rep})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) runSnapshot(w http.ResponseWriter, r *http.Request) {
	rep, err := h.snapshots.Run(r.Context())
	if err != nil {
		h.logger.Warn("cron snapshot failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error(), "report": rep})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cronSecret != "" {
			got := r.Header.Get(cronSecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.cronSecret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid cron secret"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// writeError maps engine errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, warmth.ErrInvalidContactID),
		errors.Is(err, warmth.ErrInvalidAmplitude),
		errors.Is(err, warmth.ErrUnknownMode),
		errors.Is(err, alert.ErrInvalidWatch):
		status = http.StatusBadRequest
	case errors.Is(err, warmth.ErrNotFound),
		errors.Is(err, alert.ErrNotWatched):
		status = http.StatusNotFound
	case errors.Is(err, warmth.ErrAlreadyExists),
		errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
