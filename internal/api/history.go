package api

import (
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-voice/internal/history"
)

func limitParam(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.History.Runs(r.Context(), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.History.Entries(r.Context(), r.PathValue("id"), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
