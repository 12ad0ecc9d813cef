package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tannus-ai/tannus/optimizer"
	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/runner"
)

func (s *Server) statusCacheKey(r *http.Request) string {
	id := chi.URLParam(r, "sessionId")
	if !plan.ValidID(id) {
		return ""
	}
	return optimizer.StatusKey(id)
}

type startSessionRequest struct {
	Task      string `json:"task"`
	PlanID    string `json:"plan_id"`
	SessionID string `json:"session_id"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !s.decode(w, r, startSessionSchema, &req) {
		return
	}
	if req.SessionID != "" && !plan.ValidID(req.SessionID) {
		writeValidation(w, []ValidationError{{Field: "session_id", Message: "invalid session id"}})
		return
	}
	snap, err := s.deps.Runner.Start(r.Context(), runner.StartRequest{
		Task:      req.Task,
		PlanID:    req.PlanID,
		SessionID: req.SessionID,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Indefinite agent started", snap)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.Runner.List(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, snaps)
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Runner.Status(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, snap)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Runner.Pause, "Agent paused")
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Runner.Resume, "Agent resumed")
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Runner.Stop, "Agent stopped")
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (runner.Snapshot, error), msg string) {
	snap, err := fn(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, msg, snap)
}
