package server

import (
	"errors"
	"net/http"

	"github.com/tannus-ai/tannus/plan"
)

func (s *Server) trackingList(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.tracker.List(r.Context()))
}

func (s *Server) trackingGet(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	md, err := s.tracker.Content(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	progress, err := s.tracker.Progress(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"plan_id":  id,
		"content":  md,
		"progress": progress,
	})
}

func (s *Server) trackingHTML(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	html, err := s.tracker.HTML(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"plan_id": id, "html": html})
}

func (s *Server) trackingSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	steps, err := s.tracker.Steps(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, steps)
}

func (s *Server) trackingProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	progress, err := s.tracker.Progress(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, progress)
}

func (s *Server) markCompletedAt(w http.ResponseWriter, r *http.Request) {
	s.toggleAt(w, r, true)
}

func (s *Server) markUncompletedAt(w http.ResponseWriter, r *http.Request) {
	s.toggleAt(w, r, false)
}

func (s *Server) toggleAt(w http.ResponseWriter, r *http.Request, done bool) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	index, ok := stepIndex(w, r)
	if !ok {
		return
	}
	toggle, msg := s.tracker.MarkUncompletedAt, "Step marked as uncompleted"
	if done {
		toggle, msg = s.tracker.MarkCompletedAt, "Step marked as completed"
	}
	changed, err := toggle(r.Context(), id, index)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !changed {
		writeError(w, http.StatusNotFound, "Step not found")
		return
	}
	writeMessage(w, http.StatusOK, msg, nil)
}

type addStepRequest struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

func (s *Server) addStep(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	var req addStepRequest
	if !s.decode(w, r, addStepSchema, &req) {
		return
	}
	if _, err := s.tracker.AddStep(r.Context(), id, req.Description, req.Completed); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Step added successfully", nil)
}

type addNoteRequest struct {
	Note string `json:"note"`
}

func (s *Server) addNote(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	var req addNoteRequest
	if !s.decode(w, r, requireText("note"), &req) {
		return
	}
	if _, err := s.tracker.AddNote(r.Context(), id, req.Note); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Note added successfully", nil)
}

type createFromTemplateRequest struct {
	Task     string `json:"task"`
	Template string `json:"template"`
}

func (s *Server) createFromTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	var req createFromTemplateRequest
	if !s.decode(w, r, createFromTemplateSchema, &req) {
		return
	}
	p, err := s.tracker.CreateFromTemplate(r.Context(), id, req.Task, req.Template)
	if errors.Is(err, plan.ErrExists) {
		writeError(w, http.StatusConflict, "Plan already exists")
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Plan created successfully", p)
}

type updateContentRequest struct {
	Content string `json:"content"`
}

func (s *Server) updateContent(w http.ResponseWriter, r *http.Request) {
	id, ok := planID(w, r)
	if !ok {
		return
	}
	var req updateContentRequest
	if !s.decode(w, r, requireText("content"), &req) {
		return
	}
	p, err := s.tracker.UpdateContent(r.Context(), id, req.Content)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Plan updated successfully", p)
}
