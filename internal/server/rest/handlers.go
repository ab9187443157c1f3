package rest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/fimd/internal/diff"
	"github.com/tripwire/fimd/internal/monitor"
	"github.com/tripwire/fimd/internal/store"
)

// TimeLayout renders event timestamps in listings.
const TimeLayout = "2006-01-02 15:04:05"

// maxLimit caps the page size of GET /api/v1/events.
const maxLimit = 1000

// maxBody bounds request bodies.
const maxBody = 1 << 16

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store   Store
	ctrl    Controller
	logger  *slog.Logger
	metrics http.Handler
}

// NewServer creates a Server over the audit store and session controller.
// metrics serves GET /metrics; nil leaves the route unregistered.
func NewServer(st Store, ctrl Controller, logger *slog.Logger, metrics http.Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, ctrl: ctrl, logger: logger, metrics: metrics}
}

// EventView is the JSON representation of an audit event.
type EventView struct {
	ID        int64      `json:"id"`
	Kind      string     `json:"kind"`
	Path      string     `json:"path"`
	Timestamp string     `json:"timestamp"`
	DiffBytes int        `json:"diff_bytes"`
	Stat      *diff.Stat `json:"stat,omitempty"`
}

func newEventView(ev store.EventRecord, withStat bool) EventView {
	v := EventView{
		ID:        ev.ID,
		Kind:      ev.Kind.String(),
		Path:      ev.Path,
		Timestamp: ev.Timestamp.UTC().Format(TimeLayout),
		DiffBytes: len(ev.Diff),
	}
	if withStat {
		if st, err := diff.Summarize(ev.Diff); err == nil {
			v.Stat = &st
		}
	}
	return v
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 so load
// balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": s.ctrl.Health().Status})
}

// handleGetState responds to GET /api/v1/state.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Health())
}

// rootRequest is the body of POST /api/v1/roots.
type rootRequest struct {
	Path string `json:"path"`
}

// handleAddRoot responds to POST /api/v1/roots.
//
// Returns 201 with the canonical root and any roots it replaced, 400 for a
// malformed body, 404 for a missing path, 409 while a session is active, and
// 422 when the root fails admission.
func (s *Server) handleAddRoot(w http.ResponseWriter, r *http.Request) {
	var req rootRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "body must be a JSON object with a 'path' field")
		return
	}
	if req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "'path' is required")
		return
	}

	root, superseded, err := s.ctrl.AddRoot(req.Path)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	if superseded == nil {
		superseded = []string{}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"root":       root,
		"superseded": superseded,
	})
}

// handleRemoveRoot responds to DELETE /api/v1/roots?path=...
func (s *Server) handleRemoveRoot(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, "query parameter 'path' is required")
		return
	}
	if err := s.ctrl.RemoveRoot(path); err != nil {
		s.writeControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStart responds to POST /api/v1/start. Starting an active session is
// a no-op and still returns 202 with the current state.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(); err != nil {
		s.logger.Error("rest: start session", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to start monitoring session")
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Health())
}

// handleStop responds to POST /api/v1/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusAccepted, s.ctrl.Health())
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrActive):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, monitor.ErrRootNotFound), errors.Is(err, fs.ErrNotExist):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, monitor.ErrRootOverlap),
		errors.Is(err, monitor.ErrSelfReferential),
		errors.Is(err, monitor.ErrNotDirectory):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("rest: control request failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleListEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	kind    one of CREATE, DELETE, MODIFY, MOVED_FROM, MOVED_TO (optional)
//	limit   maximum number of results (default 100, max 1000)
//	offset  pagination offset (default 0)
//
// Returns HTTP 200 with a JSON array ordered newest first.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var eq store.EventQuery

	if k := q.Get("kind"); k != "" {
		kind, err := store.ParseEventKind(k)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'kind' must be one of CREATE, DELETE, MODIFY, MOVED_FROM, MOVED_TO")
			return
		}
		eq.Kind = &kind
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		eq.Limit = min(limit, maxLimit)
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeJSONError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		eq.Offset = offset
	}

	events, err := s.store.ListEvents(r.Context(), eq)
	if err != nil {
		s.logger.Error("rest: list events", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	// Always a JSON array, never null.
	views := make([]EventView, 0, len(events))
	for _, ev := range events {
		views = append(views, newEventView(ev, false))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetEvent responds to GET /api/v1/events/{id} with the event and its
// diff statistics.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.lookupEvent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newEventView(ev, true))
}

// handleGetDiff responds to GET /api/v1/events/{id}/diff with the raw stored
// diff.
func (s *Server) handleGetDiff(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.lookupEvent(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(ev.Diff)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ev.Diff)
}

func (s *Server) lookupEvent(w http.ResponseWriter, r *http.Request) (store.EventRecord, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "event id must be a positive integer")
		return store.EventRecord{}, false
	}

	ev, err := s.store.GetEvent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "event not found")
		return store.EventRecord{}, false
	}
	if err != nil {
		s.logger.Error("rest: get event", slog.Int64("id", id), slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to load event")
		return store.EventRecord{}, false
	}
	return ev, true
}
