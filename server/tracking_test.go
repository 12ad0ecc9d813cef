package server

import (
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/tannus-ai/tannus/plan"
)

func TestTracking_TemplateAndSteps(t *testing.T) {
	env := newTestEnv(t, testConfig())

	var p plan.Plan
	env.call(t, http.MethodPost, "/api/tracking/create/garden", `{"task":"Plan a garden"}`, http.StatusCreated).into(t, &p)
	if p.ID != "garden" || p.Title != "Plan for: Plan a garden" {
		t.Fatalf("unexpected plan: %+v", p)
	}
	resp := env.call(t, http.MethodPost, "/api/tracking/create/garden", `{"task":"Plan a garden"}`, http.StatusConflict)
	if resp.Message != "Plan already exists" {
		t.Errorf("unexpected message %q", resp.Message)
	}

	env.call(t, http.MethodPost, "/api/tracking/add-step/garden", `{"description":"Buy seeds"}`, http.StatusOK)

	var steps []plan.Step
	env.call(t, http.MethodGet, "/api/tracking/steps/garden", "", http.StatusOK).into(t, &steps)
	if len(steps) == 0 || steps[len(steps)-1].Description != "Buy seeds" {
		t.Fatalf("added step missing: %+v", steps)
	}
	last := len(steps) - 1

	resp = env.call(t, http.MethodPost, "/api/tracking/mark-completed/garden/"+strconv.Itoa(last), "", http.StatusOK)
	if resp.Message != "Step marked as completed" {
		t.Errorf("unexpected message %q", resp.Message)
	}
	var progress plan.Progress
	env.call(t, http.MethodGet, "/api/tracking/progress/garden", "", http.StatusOK).into(t, &progress)
	if progress.CompletedSteps != 1 || progress.TotalSteps != len(steps) {
		t.Errorf("unexpected progress: %+v", progress)
	}

	env.call(t, http.MethodPost, "/api/tracking/mark-uncompleted/garden/"+strconv.Itoa(last), "", http.StatusOK)
	env.call(t, http.MethodGet, "/api/tracking/progress/garden", "", http.StatusOK).into(t, &progress)
	if progress.CompletedSteps != 0 {
		t.Errorf("step still completed: %+v", progress)
	}

	env.call(t, http.MethodPost, "/api/tracking/mark-completed/garden/99", "", http.StatusNotFound)
	env.call(t, http.MethodPost, "/api/tracking/mark-completed/garden/x", "", http.StatusNotFound)
	env.call(t, http.MethodPost, "/api/tracking/mark-completed/missing/0", "", http.StatusNotFound)
}

func TestTracking_ContentAndNotes(t *testing.T) {
	env := newTestEnv(t, testConfig())
	p := env.createPlan(t, "Write a blog post", "Draft outline")

	env.call(t, http.MethodPost, "/api/tracking/add-note/"+p.ID, `{"note":"Outline is on paper"}`, http.StatusOK)
	env.call(t, http.MethodPost, "/api/tracking/add-note/"+p.ID, `{"note":""}`, http.StatusUnprocessableEntity)

	var got struct {
		PlanID   string        `json:"plan_id"`
		Content  string        `json:"content"`
		Progress plan.Progress `json:"progress"`
	}
	env.call(t, http.MethodGet, "/api/tracking/get/"+p.ID, "", http.StatusOK).into(t, &got)
	if !strings.Contains(got.Content, "Outline is on paper") {
		t.Errorf("note missing from content: %q", got.Content)
	}
	if got.Progress.TotalSteps != 1 {
		t.Errorf("unexpected progress: %+v", got.Progress)
	}

	var html map[string]string
	env.call(t, http.MethodGet, "/api/tracking/html/"+p.ID, "", http.StatusOK).into(t, &html)
	if !strings.Contains(html["html"], "<h1>") {
		t.Errorf("html not rendered: %q", html["html"])
	}

	replaced := strings.Replace(got.Content, "[ ] Draft outline", "[x] Draft outline", 1)
	body := `{"content":` + quote(replaced) + `}`
	env.call(t, http.MethodPost, "/api/tracking/update/"+p.ID, body, http.StatusOK)
	var progress plan.Progress
	env.call(t, http.MethodGet, "/api/tracking/progress/"+p.ID, "", http.StatusOK).into(t, &progress)
	if progress.CompletedSteps != 1 {
		t.Errorf("content update not applied: %+v", progress)
	}

	env.call(t, http.MethodPost, "/api/tracking/update/"+p.ID, `{"content":"no heading here"}`, http.StatusUnprocessableEntity)
	env.call(t, http.MethodPost, "/api/tracking/update/missing", `{"content":"# Title\n\n## Steps\n\n1. [ ] One\n"}`, http.StatusNotFound)

	var list []plan.Summary
	env.call(t, http.MethodGet, "/api/tracking/list", "", http.StatusOK).into(t, &list)
	if len(list) != 1 || list[0].ID != p.ID {
		t.Errorf("unexpected list: %+v", list)
	}
}
