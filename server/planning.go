package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tannus-ai/tannus/optimizer"
	"github.com/tannus-ai/tannus/plan"
)

func (s *Server) planCacheKey(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if !plan.ValidID(id) {
		return ""
	}
	return optimizer.PlanKey(id)
}

type createPlanRequest struct {
	Task        string   `json:"task"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
}

// createPlan creates a plan from explicit steps, or from the default
// template when none are given.
func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if !s.decode(w, r, createPlanSchema, &req) {
		return
	}
	var (
		p   *plan.Plan
		err error
	)
	if req.Steps == nil {
		p, err = s.tracker.CreateFromTemplate(r.Context(), uuid.NewString(), req.Task, "")
	} else {
		p, err = s.deps.Plans.Create(r.Context(), req.Task, req.Description, req.Steps)
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Plan created successfully", p)
}

type importRequest struct {
	ID       string `json:"id"`
	Markdown string `json:"markdown"`
}

func (s *Server) importPlan(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decode(w, r, importSchema, &req) {
		return
	}
	if req.ID != "" && !plan.ValidID(req.ID) {
		writeValidation(w, []ValidationError{{Field: "id", Message: "invalid plan id"}})
		return
	}
	p, err := s.deps.Plans.Import(r.Context(), req.ID, req.Markdown)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Plan imported successfully", p)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.deps.Plans.List(r.Context()))
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Plans.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Plan not found")
		return
	}
	writeData(w, http.StatusOK, p)
}

type updatePlanRequest struct {
	Updates plan.Patch `json:"updates"`
}

func (s *Server) updatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	var req updatePlanRequest
	if !s.decode(w, r, updatePlanSchema, &req) {
		return
	}
	p, err := s.deps.Plans.Update(r.Context(), id, req.Updates)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Plan not found")
		return
	}
	writeMessage(w, http.StatusOK, "Plan updated successfully", p)
}

func (s *Server) analyzePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Plans.Analyze(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "Plan not found")
		return
	}
	writeData(w, http.StatusOK, a)
}

type reorderRequest struct {
	Order []int `json:"order"`
}

func (s *Server) reorderSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	var req reorderRequest
	if !s.decode(w, r, reorderSchema, &req) {
		return
	}
	p, err := s.deps.Plans.ReorderSteps(r.Context(), id, req.Order)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Plan not found")
		return
	}
	writeMessage(w, http.StatusOK, "Steps reordered successfully", p)
}

func (s *Server) deletePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	if !s.deps.Plans.Delete(r.Context(), id) {
		writeError(w, http.StatusNotFound, "Plan not found")
		return
	}
	writeMessage(w, http.StatusOK, "Plan deleted successfully", nil)
}

func (s *Server) planMarkdown(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	md, found, err := s.deps.Plans.Markdown(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Plan not found")
		return
	}
	if r.URL.Query().Get("raw") == "true" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(md))
		return
	}
	writeData(w, http.StatusOK, map[string]string{"plan_id": id, "markdown": md})
}
