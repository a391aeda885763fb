package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/BadgerOps/sitesync/internal/engine"
	"github.com/BadgerOps/sitesync/internal/store"
)

type statusResponse struct {
	engine.Status
	Version string `json:"version,omitempty"`
}

// pauseRequest selects what to pause. An empty request targets the whole
// server; item_id with site sets the stored pause marker of a record.
type pauseRequest struct {
	Project string `json:"project"`
	ItemID  string `json:"item_id"`
	Site    string `json:"site"`
}

// handleAPIStatus returns the scheduler state, pause flags and progress.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: s.engine.Status(), Version: s.version})
}

// handleAPICycles lists recent cycles when the store keeps a history.
func (s *Server) handleAPICycles(w http.ResponseWriter, r *http.Request) {
	recorder, ok := s.engine.Store().(store.CycleRecorder)
	if !ok {
		jsonError(w, http.StatusNotImplemented, "status store keeps no cycle history")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := recorder.ListCycles(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list cycles", "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.CycleRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleAPIResetTimer(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetTimer()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset"})
}

func (s *Server) handleAPIPause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleAPIUnpause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	var req pauseRequest
	if err := decodeOptional(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	pauses := s.engine.Pauses()
	switch {
	case req.Site != "":
		if req.Project == "" || req.ItemID == "" {
			jsonError(w, http.StatusBadRequest, "site requires project and item_id")
			return
		}
		if err := s.engine.PauseSite(r.Context(), req.Project, req.ItemID, req.Site, paused); err != nil {
			writeEngineError(w, err)
			return
		}
	case req.ItemID != "":
		if req.Project == "" {
			jsonError(w, http.StatusBadRequest, "item_id requires project")
			return
		}
		pauses.SetItem(req.Project, req.ItemID, paused)
	case req.Project != "":
		pauses.SetProject(req.Project, paused)
	case paused:
		s.engine.Pause()
	default:
		s.engine.Resume()
	}

	s.logger.Info("pause updated", "paused", paused, "project", req.Project, "item_id", req.ItemID, "site", req.Site)
	writeJSON(w, http.StatusOK, pauses.Snapshot())
}

// decodeOptional decodes a JSON body into v. An empty body is allowed.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeEngineError maps engine and store errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var cfgErr *engine.ConfigurationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrSiteAlreadyPresent):
		jsonError(w, http.StatusConflict, err.Error())
	case errors.As(err, &cfgErr):
		jsonError(w, http.StatusUnprocessableEntity, err.Error())
	case store.IsTransient(err):
		jsonError(w, http.StatusServiceUnavailable, err.Error())
	default:
		jsonError(w, http.StatusInternalServerError, err.Error())
	}
}
