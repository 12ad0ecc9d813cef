package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tannus-ai/tannus/comms"
	"github.com/tannus-ai/tannus/config"
	"github.com/tannus-ai/tannus/optimizer"
	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/provider/mock"
	"github.com/tannus-ai/tannus/runner"
	"github.com/tannus-ai/tannus/server/ws"
	"github.com/tannus-ai/tannus/task"
	"github.com/tannus-ai/tannus/updater"
)

const waitFor = 2 * time.Second

// testEnv is a server wired to in-process stores. The updater and the
// runner get separate scripted providers so one cannot consume the
// other's replies.
type testEnv struct {
	srv    *Server
	plans  *plan.Manager
	bus    *comms.InMemoryBus
	runner *runner.Runner
	tasks  *task.MemoryStore
	llm    *mock.Provider
}

// apiResponse mirrors the response envelope with a raw data payload.
type apiResponse struct {
	Status           string            `json:"status"`
	Data             json.RawMessage   `json:"data"`
	Message          string            `json:"message"`
	ValidationErrors []ValidationError `json:"validationErrors"`
	Timestamp        string            `json:"timestamp"`
}

func testConfig() config.Config {
	cfg := *config.DefaultConfig()
	cfg.Server.Addr = ":0"
	cfg.Cache.MaxRequestsPerMinute = 10000
	return cfg
}

func newTestEnv(t *testing.T, cfg config.Config, script ...mock.Reply) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := plan.NewFileStore(filepath.Join(t.TempDir(), "plans"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	bus := comms.NewInMemoryBus()
	plans := plan.NewManager(store, plan.WithBus(bus))

	llm := mock.New(script...)
	upd := updater.New(llm, plans, updater.WithBus(bus), updater.WithLogger(logger))

	run := runner.New(mock.New(), plans, runner.Config{
		Interval:           10 * time.Millisecond,
		MaxRuntime:         time.Hour,
		CheckpointInterval: time.Hour,
		StallTimeout:       30 * time.Minute,
		WorkspaceDir:       filepath.Join(t.TempDir(), "workspace"),
		MaxToolRounds:      2,
	}, runner.WithBus(bus), runner.WithLogger(logger))

	metrics := optimizer.NewMetrics(prometheus.NewRegistry())
	opt := optimizer.New(optimizer.Config{
		DefaultTTL:           cfg.Cache.DefaultTTL,
		PlanTTL:              cfg.Cache.PlanTTL,
		StatusTTL:            cfg.Cache.StatusTTL,
		CleanupInterval:      cfg.Cache.CleanupInterval,
		MaxRequestsPerMinute: cfg.Cache.MaxRequestsPerMinute,
	}, optimizer.WithMetrics(metrics), optimizer.WithLogger(logger))
	t.Cleanup(opt.InvalidateOn(bus))

	tasks := task.NewMemoryStore()
	t.Cleanup(task.Follow(bus, tasks, logger))

	hub := ws.NewHub(logger)
	t.Cleanup(hub.Attach(bus))

	srv := New(cfg, Deps{
		Plans:     plans,
		Updater:   upd,
		Runner:    run,
		Tasks:     tasks,
		Bus:       bus,
		Optimizer: opt,
		Metrics:   metrics,
		Hub:       hub,
	}, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
		if err := run.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return &testEnv{srv: srv, plans: plans, bus: bus, runner: run, tasks: tasks, llm: llm}
}

// do sends a request through the router. An empty body sends none.
func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

// call sends a request, checks the status code and decodes the envelope.
func (e *testEnv) call(t *testing.T, method, path, body string, want int) apiResponse {
	t.Helper()
	rr := e.do(t, method, path, body)
	if rr.Code != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, rr.Code, rr.Body.String())
	}
	return decodeEnvelope(t, rr)
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope: %v: %s", err, rr.Body.String())
	}
	if resp.Timestamp == "" {
		t.Errorf("envelope has no timestamp: %s", rr.Body.String())
	}
	return resp
}

func (r apiResponse) into(t *testing.T, dst any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, dst); err != nil {
		t.Fatalf("decode data: %v: %s", err, r.Data)
	}
}

// createPlan creates a plan through the API and returns it.
func (e *testEnv) createPlan(t *testing.T, title string, steps ...string) plan.Plan {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"task": title, "description": "A post about Go.", "steps": steps})
	resp := e.call(t, http.MethodPost, "/api/planning/create", string(body), http.StatusCreated)
	var p plan.Plan
	resp.into(t, &p)
	if p.ID == "" {
		t.Fatal("created plan has no id")
	}
	return p
}

// eventually polls cond until it holds or waitFor elapses.
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

// quote returns s as a JSON string literal.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
