package server

import (
	"context"
	"net/http"

	"github.com/tannus-ai/tannus/updater"
)

// ensurePlan answers 404 unless plan id exists.
func (s *Server) ensurePlan(w http.ResponseWriter, r *http.Request, id string) bool {
	p, err := s.deps.Plans.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return false
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Plan not found")
		return false
	}
	return true
}

type markCompletedRequest struct {
	StepDescription string `json:"step_description"`
}

func (s *Server) updaterMarkCompleted(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	var req markCompletedRequest
	if !s.decode(w, r, requireText("step_description"), &req) {
		return
	}
	if !s.ensurePlan(w, r, id) {
		return
	}
	updated := s.deps.Updater.MarkStepCompleted(r.Context(), id, req.StepDescription)
	writeData(w, http.StatusOK, map[string]bool{"updated": updated})
}

// updaterOp serves one model-driven rewrite. field names the body property
// carrying the operation's description, if it takes one. The rewrite runs in
// the background and reports through the bus unless ?wait=true is given.
func (s *Server) updaterOp(op updater.Operation, field string) http.HandlerFunc {
	var schema map[string]any
	if field != "" {
		schema = requireText(field)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := planID(w, r)
		if !ok {
			return
		}
		var body map[string]any
		if !s.decode(w, r, schema, &body) {
			return
		}
		var arg string
		if field != "" {
			arg, _ = body[field].(string)
		}
		if !s.ensurePlan(w, r, id) {
			return
		}

		if r.URL.Query().Get("wait") == "true" {
			updated := s.deps.Updater.Run(r.Context(), op, id, arg)
			writeData(w, http.StatusOK, map[string]any{"updated": updated, "operation": op})
			return
		}

		ctx := context.WithoutCancel(r.Context())
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			s.deps.Updater.Run(ctx, op, id, arg)
		}()
		writeMessage(w, http.StatusAccepted, "Plan update started", map[string]any{
			"accepted":  true,
			"operation": op,
			"plan_id":   id,
		})
	}
}
