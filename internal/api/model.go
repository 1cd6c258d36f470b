package api

import (
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/gateway"
)

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	capability, err := s.deps.Gateway.CheckCapability(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, capability)
}

type loadStatus struct {
	Loaded   bool                 `json:"loaded"`
	Progress gateway.LoadSnapshot `json:"progress"`
	Error    string               `json:"error,omitempty"`
}

func (s *Server) status() loadStatus {
	st := loadStatus{
		Loaded:   s.deps.Gateway.IsLoaded(),
		Progress: s.deps.Gateway.Progress(),
	}
	s.mu.Lock()
	if s.loadErr != nil {
		st.Error = s.loadErr.Error()
	}
	s.mu.Unlock()
	return st
}

// handleLoad starts a model load in the background; clients poll progress.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway.IsLoaded() {
		writeJSON(w, http.StatusOK, s.status())
		return
	}
	s.mu.Lock()
	s.loadErr = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.deps.Gateway.Load(s.ctx)
		s.mu.Lock()
		s.loadErr = err
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("model load failed", slogError(err))
			return
		}
		s.logger.Info("model loaded", slog.Bool("healthy", s.deps.Gateway.Healthy()))
	}()
	writeJSON(w, http.StatusAccepted, s.status())
}

func (s *Server) handleLoadProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}
