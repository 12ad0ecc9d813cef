package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannus-ai/tannus/comms"
	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/provider"
	"github.com/tannus-ai/tannus/provider/mock"
)

const waitFor = 2 * time.Second

type fixture struct {
	runner      *Runner
	plans       *plan.Manager
	bus         *comms.InMemoryBus
	checkpoints *MemoryCheckpointer
	plan        *plan.Plan
}

func testConfig(t *testing.T) Config {
	return Config{
		Interval:           10 * time.Millisecond,
		MaxRuntime:         time.Hour,
		CheckpointInterval: time.Hour,
		StallTimeout:       30 * time.Minute,
		WorkspaceDir:       filepath.Join(t.TempDir(), "workspace"),
		MaxToolRounds:      4,
	}
}

func newFixture(t *testing.T, p provider.Provider, opts ...func(*Config, *[]Option)) *fixture {
	t.Helper()
	store, err := plan.NewFileStore(filepath.Join(t.TempDir(), "plans"))
	require.NoError(t, err)
	bus := comms.NewInMemoryBus()
	plans := plan.NewManager(store, plan.WithBus(bus))
	pl, err := plans.Create(context.Background(), "Write a blog post", "A post about Go.",
		[]string{"Draft outline", "Write first draft"})
	require.NoError(t, err)

	cfg := testConfig(t)
	cp := NewMemoryCheckpointer()
	ropts := []Option{WithBus(bus), WithCheckpointer(cp)}
	for _, o := range opts {
		o(&cfg, &ropts)
	}
	r := New(p, plans, cfg, ropts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
	})
	return &fixture{runner: r, plans: plans, bus: bus, checkpoints: cp, plan: pl}
}

func (f *fixture) current(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := f.plans.Get(context.Background(), f.plan.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func (f *fixture) waitStatus(t *testing.T, id string, want Status) *Snapshot {
	t.Helper()
	var snap *Snapshot
	require.Eventually(t, func() bool {
		s, err := f.runner.Status(context.Background(), id)
		if err != nil {
			return false
		}
		snap = s
		return s.Status == want
	}, waitFor, 5*time.Millisecond, "session %s never reached %s", id, want)
	return snap
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// blockingProvider never answers; each call waits for cancellation.
type blockingProvider struct {
	mu    sync.Mutex
	calls int
}

func (b *blockingProvider) Name() string { return "blocking" }

func (b *blockingProvider) Chat(ctx context.Context, _ []provider.Message, _ []provider.ToolDef) (*provider.Response, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingProvider) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestRunner_CompletesWhenAllStepsDone(t *testing.T) {
	p := mock.New(
		mock.Call(ToolMarkStepCompleted, map[string]any{"step_description": "Draft outline"}),
		mock.Call(ToolMarkStepCompleted, map[string]any{"step_description": "first draft"}),
		mock.Text("Both steps are done."),
	)
	f := newFixture(t, p)

	snap, err := f.runner.Start(context.Background(), StartRequest{PlanID: f.plan.ID, SessionID: "blog"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, "Write a blog post", snap.Task, "task defaults to the plan title")

	done := f.waitStatus(t, "blog", StatusCompleted)
	assert.Equal(t, 1, done.Iterations)
	assert.Equal(t, 100.0, done.Progress)
	assert.True(t, f.current(t).AllStepsCompleted())

	first := p.Request(0)
	require.Len(t, first, 2)
	assert.Equal(t, provider.RoleSystem, first[0].Role)
	assert.Contains(t, first[0].Content, "1. [ ] Draft outline")
	assert.Equal(t, "Write a blog post", first[1].Content)

	// The third call carries the assistant tool calls and their results.
	third := p.Request(2)
	require.Len(t, third, 6)
	assert.Equal(t, provider.RoleAssistant, third[2].Role)
	require.Len(t, third[2].ToolCalls, 1)
	assert.Equal(t, provider.RoleTool, third[3].Role)
	assert.Equal(t, "call_"+ToolMarkStepCompleted, third[3].ToolCallID)
	assert.Equal(t, "Step marked as completed: Draft outline", third[3].Content)

	res, ok := f.checkpoints.LatestResult("blog")
	require.True(t, ok)
	assert.Equal(t, "Both steps are done.", res.FinalOutput)
	assert.Equal(t, 1, res.Iteration)

	var events []*comms.Event
	require.Eventually(t, func() bool {
		events, _ = f.bus.History(string(comms.EventTaskCompleted), 10)
		return len(events) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "blog", events[0].SessionID)
}

func TestRunner_CompletesOnMarker(t *testing.T) {
	f := newFixture(t, mock.New(mock.Text("Everything is finished. TASK_COMPLETE")))

	snap, err := f.runner.Start(context.Background(), StartRequest{Task: "Write a haiku"})
	require.NoError(t, err)
	require.NotEmpty(t, snap.SessionID)
	assert.NotEqual(t, f.plan.ID, snap.PlanID, "a plan is created for the task")

	done := f.waitStatus(t, snap.SessionID, StatusCompleted)
	assert.Equal(t, 0.0, done.Progress)

	created, err := f.plans.Get(context.Background(), snap.PlanID)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "Plan for: Write a haiku", created.Title)
	assert.Len(t, created.Steps, 6)
}

func TestRunner_FreshConversationEachIteration(t *testing.T) {
	p := mock.New(mock.Text("still working"))
	f := newFixture(t, p)

	snap, err := f.runner.Start(context.Background(), StartRequest{PlanID: f.plan.ID, Task: "Blog"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Calls() >= 3 }, waitFor, 5*time.Millisecond)

	_, err = f.runner.Stop(context.Background(), snap.SessionID)
	require.NoError(t, err)

	assert.Equal(t, "Blog", p.Request(0)[1].Content)
	for i := 1; i < 3; i++ {
		req := p.Request(i)
		require.Len(t, req, 2, "iteration %d starts a new conversation", i)
		assert.Equal(t, continuePrompt, req[1].Content)
	}
}

func TestRunner_PauseResumeStop(t *testing.T) {
	p := mock.New(mock.Text("working"))
	f := newFixture(t, p)
	ctx := context.Background()

	_, err := f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID, SessionID: "s1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Calls() >= 1 }, waitFor, 5*time.Millisecond)

	snap, err := f.runner.Pause(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, snap.Status)

	_, err = f.runner.Pause(ctx, "s1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// At most the in-flight iteration finishes after a pause.
	time.Sleep(50 * time.Millisecond)
	paused := p.Calls()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, paused, p.Calls(), "no iterations while paused")

	snap, err = f.runner.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	require.Eventually(t, func() bool { return p.Calls() > paused }, waitFor, 5*time.Millisecond)

	snap, err = f.runner.Stop(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, snap.Status)

	for _, op := range []func(context.Context, string) (Snapshot, error){
		f.runner.Pause, f.runner.Resume, f.runner.Stop,
	} {
		_, err = op(ctx, "s1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
}

func TestRunner_UnknownSession(t *testing.T) {
	f := newFixture(t, mock.New())
	ctx := context.Background()

	_, err := f.runner.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.runner.Pause(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.runner.Resume(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.runner.Stop(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRunner_StartErrors(t *testing.T) {
	f := newFixture(t, mock.New(mock.Text("working")))
	ctx := context.Background()

	_, err := f.runner.Start(ctx, StartRequest{})
	assert.ErrorIs(t, err, ErrTaskRequired)

	_, err = f.runner.Start(ctx, StartRequest{PlanID: "missing", Task: "x"})
	assert.ErrorIs(t, err, plan.ErrNotFound)

	_, err = f.runner.Start(ctx, StartRequest{Task: "x", SessionID: "../bad"})
	assert.Error(t, err)

	_, err = f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID, SessionID: "dup"})
	require.NoError(t, err)
	_, err = f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID, SessionID: "dup"})
	assert.ErrorIs(t, err, ErrSessionExists)

	// A finished session id can be reused.
	_, err = f.runner.Stop(ctx, "dup")
	require.NoError(t, err)
	snap, err := f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID, SessionID: "dup"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, 0, snap.Iterations)
}

func TestRunner_ProviderFailure(t *testing.T) {
	f := newFixture(t, mock.New(mock.Fail(errors.New("upstream unavailable"))))
	ctx := context.Background()

	_, err := f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID, SessionID: "s1"})
	require.NoError(t, err)
	snap := f.waitStatus(t, "s1", StatusError)
	assert.Contains(t, snap.Error, "upstream unavailable")
	assert.Equal(t, f.plan.Steps[0].Description, f.current(t).Steps[0].Description, "plan untouched")

	stopped, err := f.runner.Stop(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
}

func TestRunner_MaxRuntime(t *testing.T) {
	f := newFixture(t, mock.New(mock.Text("working")), func(c *Config, _ *[]Option) {
		c.MaxRuntime = 30 * time.Millisecond
	})
	_, err := f.runner.Start(context.Background(), StartRequest{PlanID: f.plan.ID, SessionID: "s1"})
	require.NoError(t, err)
	f.waitStatus(t, "s1", StatusTimeout)
}

func TestRunner_MaxRuntimeWhilePaused(t *testing.T) {
	f := newFixture(t, mock.New(mock.Text("working")), func(c *Config, _ *[]Option) {
		c.MaxRuntime = 60 * time.Millisecond
	})
	ctx := context.Background()
	_, err := f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID, SessionID: "s1"})
	require.NoError(t, err)
	_, err = f.runner.Pause(ctx, "s1")
	require.NoError(t, err)
	f.waitStatus(t, "s1", StatusTimeout)
}

func TestRunner_AutoCheckpoint(t *testing.T) {
	f := newFixture(t, mock.New(mock.Text("TASK_COMPLETE")), func(c *Config, _ *[]Option) {
		c.CheckpointInterval = time.Nanosecond
	})
	_, err := f.runner.Start(context.Background(), StartRequest{PlanID: f.plan.ID, SessionID: "s1"})
	require.NoError(t, err)
	snap := f.waitStatus(t, "s1", StatusCompleted)
	require.NotNil(t, snap.LastCheckpoint)

	cp, err := f.checkpoints.LoadCheckpoint(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.Iterations)
	assert.Equal(t, f.plan.ID, cp.PlanID)
}

func TestRunner_CheckStalled(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	bp := &blockingProvider{}
	f := newFixture(t, bp, func(_ *Config, o *[]Option) {
		*o = append(*o, WithClock(clock.Now))
	})

	_, err := f.runner.Start(context.Background(), StartRequest{PlanID: f.plan.ID, SessionID: "s1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bp.Calls() == 1 }, waitFor, 5*time.Millisecond)

	assert.Empty(t, f.runner.CheckStalled(clock.Now()), "not stalled yet")

	clock.Advance(31 * time.Minute)
	assert.Equal(t, []string{"s1"}, f.runner.CheckStalled(clock.Now()))
	require.Eventually(t, func() bool { return bp.Calls() == 2 }, waitFor, 5*time.Millisecond)

	snap, err := f.runner.Status(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.True(t, snap.LastUpdate.Equal(clock.Now()))

	var sawStalled bool
	events, err := f.bus.History(string(comms.EventAgentStatus), 100)
	require.NoError(t, err)
	for _, e := range events {
		if e.Data["status"] == StatusStalled {
			sawStalled = true
		}
	}
	assert.True(t, sawStalled, "a stalled status is published before the restart")
}

func TestRunner_ListAndPersistedStatus(t *testing.T) {
	store := NewMemoryStatusStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, mock.New(mock.Text("working")), func(_ *Config, o *[]Option) {
		*o = append(*o, WithStatusStore(store), WithClock(clock.Now))
	})
	ctx := context.Background()

	_, err := f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID, SessionID: "first"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID, SessionID: "second"})
	require.NoError(t, err)

	list, err := f.runner.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].SessionID)
	assert.Equal(t, "first", list[1].SessionID)

	_, err = f.runner.Stop(ctx, "first")
	require.NoError(t, err)
	stored, err := store.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stored.Status)
}

func TestRunner_Shutdown(t *testing.T) {
	f := newFixture(t, &blockingProvider{})
	ctx := context.Background()
	_, err := f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID, SessionID: "s1"})
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, f.runner.Shutdown(sctx))

	snap, err := f.runner.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, snap.Status)

	_, err = f.runner.Start(ctx, StartRequest{PlanID: f.plan.ID})
	assert.Error(t, err)
}
