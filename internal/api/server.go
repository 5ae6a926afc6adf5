// Package api exposes the operator HTTP surface: scene and job inspection,
// failure listings with captured diagnostics, and administrative resets.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/remotesensinginfo/eodatadown/internal/config"
	"github.com/remotesensinginfo/eodatadown/internal/store"
	"github.com/remotesensinginfo/eodatadown/internal/telemetry"
)

// Server wires HTTP handlers for the operator API.
type Server struct {
	cfg   config.Config
	store *store.Store
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store) *Server {
	return &Server{cfg: cfg, store: st}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/scenes/{sensor}", s.handleListScenes)
	r.Get("/scenes/{sensor}/{id}", s.handleGetScene)
	r.Post("/scenes/{sensor}/{id}/reset", s.handleResetScene)
	r.Post("/scenes/{sensor}/{id}/archive", s.handleArchiveScene)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/failures", s.handleFailures)
	r.Post("/sensors/{sensor}/resume", s.handleResumeSensor)
	return r
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	sensor := chi.URLParam(r, "sensor")
	status := r.URL.Query().Get("status")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	scenes, err := s.store.ListScenes(r.Context(), sensor, status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenes": scenes})
}

func (s *Server) handleGetScene(w http.ResponseWriter, r *http.Request) {
	scene, err := s.store.GetScene(r.Context(), chi.URLParam(r, "sensor"), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrSceneNotFound) {
		http.Error(w, "scene not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scene)
}

// handleResetScene is the administrative escape hatch: a scene in a terminal
// failure state re-enters the pipeline with a fresh job.
func (s *Server) handleResetScene(w http.ResponseWriter, r *http.Request) {
	sensor := chi.URLParam(r, "sensor")
	id := chi.URLParam(r, "id")
	err := s.store.ResetScene(r.Context(), sensor, id)
	switch {
	case errors.Is(err, store.ErrSceneNotFound):
		http.Error(w, "scene not found", http.StatusNotFound)
	case errors.Is(err, store.ErrIllegalTransition):
		http.Error(w, "scene is not in a resettable state", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
	}
}

func (s *Server) handleArchiveScene(w http.ResponseWriter, r *http.Request) {
	err := s.store.ArchiveScene(r.Context(), chi.URLParam(r, "sensor"), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrIllegalTransition):
		http.Error(w, "scene is not processed", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleFailures lists terminal job failures with their diagnostics.
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	jobs, err := s.store.ListFailedJobs(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": jobs})
}

// handleResumeSensor clears a suspension once credentials are fixed; the
// poller picks the sensor back up on its next restart.
func (s *Server) handleResumeSensor(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ResumeSensor(r.Context(), chi.URLParam(r, "sensor")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
