package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tannus-ai/tannus/comms"
	"github.com/tannus-ai/tannus/runner"
	"github.com/tannus-ai/tannus/task"
)

type submitTaskRequest struct {
	Task string `json:"task"`
}

// submitTask records a task, creates its plan and starts a session on it.
// The plan and session ids are fixed before the session starts so status
// events can be matched to the task from the first one.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if !s.decode(w, r, submitTaskSchema, &req) {
		return
	}
	ctx := r.Context()

	p, err := s.tracker.CreateFromTemplate(ctx, uuid.NewString(), req.Task, "")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	t := &task.Task{
		Text:      req.Task,
		PlanID:    p.ID,
		SessionID: uuid.NewString(),
	}
	if _, err := s.deps.Tasks.Create(ctx, t); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	snap, err := s.deps.Runner.Start(ctx, runner.StartRequest{
		Task:      req.Task,
		PlanID:    t.PlanID,
		SessionID: t.SessionID,
	})
	if err != nil {
		t.Status = task.StatusFailed
		t.Error = err.Error()
		if uerr := s.deps.Tasks.Update(ctx, t); uerr != nil {
			s.logger.Warn("record task failure", "task_id", t.ID, "error", uerr)
		}
		s.writeFailure(w, r, err)
		return
	}
	if current, err := s.deps.Tasks.Get(ctx, t.ID); err == nil {
		t = current
	}

	s.publish(ctx, &comms.Event{
		Type:      comms.EventTaskUpdate,
		PlanID:    t.PlanID,
		SessionID: t.SessionID,
		Data:      map[string]any{"task_id": t.ID, "status": t.Status},
	})
	writeMessage(w, http.StatusCreated, "Task submitted successfully", map[string]any{
		"task":       t,
		"plan_id":    t.PlanID,
		"session_id": t.SessionID,
		"session":    snap,
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		PlanID:    q.Get("plan_id"),
		SessionID: q.Get("session_id"),
	}
	if st := q.Get("status"); st != "" {
		status := task.Status(st)
		filter.Status = &status
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := s.deps.Tasks.List(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeData(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, t)
}
