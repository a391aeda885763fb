package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/BadgerOps/sitesync/internal/engine"
	"github.com/BadgerOps/sitesync/internal/status"
)

type addSiteRequest struct {
	Force    bool          `json:"force"`
	Priority *int          `json:"priority"`
	Files    []status.File `json:"files"`
}

type presenceResponse struct {
	Present   bool `json:"present"`
	Exhausted bool `json:"exhausted"`
}

func (s *Server) handleAPIPublish(w http.ResponseWriter, r *http.Request) {
	var item status.Item
	if err := decodeOptional(r, &item); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if item.ID == "" || len(item.Files) == 0 {
		jsonError(w, http.StatusBadRequest, "id and files are required")
		return
	}
	if err := s.engine.Publish(r.Context(), r.PathValue("project"), item); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "published", "id": item.ID})
}

func (s *Server) handleAPISyncSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.engine.ComputeSyncSites(r.PathValue("project"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make(map[string]string, len(sites))
	for site, st := range sites {
		out[site] = st.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetSite(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Store().Get(r.Context(), r.PathValue("project"), r.PathValue("item"), r.PathValue("site"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAPIAddSite(w http.ResponseWriter, r *http.Request) {
	var req addSiteRequest
	if err := decodeOptional(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	err := s.engine.AddSite(r.Context(), r.PathValue("project"), r.PathValue("item"), r.PathValue("site"), engine.AddSiteOptions{
		Force:    req.Force,
		Priority: req.Priority,
		Files:    req.Files,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (s *Server) handleAPIRemoveSite(w http.ResponseWriter, r *http.Request) {
	removeLocal, _ := strconv.ParseBool(r.URL.Query().Get("remove_local_files"))
	if err := s.engine.RemoveSite(r.Context(), r.PathValue("project"), r.PathValue("item"), r.PathValue("site"), removeLocal); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIResetSite(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetSite(r.Context(), r.PathValue("project"), r.PathValue("item"), r.PathValue("site")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleAPIIsOnSite(w http.ResponseWriter, r *http.Request) {
	maxRetries := 0
	if v := r.URL.Query().Get("max_retries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, "max_retries must be a non-negative integer")
			return
		}
		maxRetries = n
	}

	present, err := s.engine.IsOnSite(r.Context(), r.PathValue("project"), r.PathValue("item"), r.PathValue("site"), maxRetries)
	switch {
	case errors.Is(err, engine.ErrRetriesExhausted):
		writeJSON(w, http.StatusOK, presenceResponse{Exhausted: true})
	case err != nil:
		writeEngineError(w, err)
	default:
		writeJSON(w, http.StatusOK, presenceResponse{Present: present})
	}
}
