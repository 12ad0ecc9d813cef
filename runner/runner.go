package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tannus-ai/tannus/comms"
	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/plugin"
	"github.com/tannus-ai/tannus/provider"
)

// ErrTaskRequired is returned by Start when neither a task nor a plan is given.
var ErrTaskRequired = errors.New("task is required")

var errShutdown = errors.New("runner is shut down")

// Config controls session pacing and budgets.
type Config struct {
	Interval           time.Duration // pause between iterations
	MaxRuntime         time.Duration // zero means unlimited
	CheckpointInterval time.Duration
	StallTimeout       time.Duration // zero disables stall detection
	WorkspaceDir       string
	MaxToolRounds      int // model turns per iteration
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		MaxRuntime:         24 * time.Hour,
		CheckpointInterval: 15 * time.Minute,
		StallTimeout:       30 * time.Minute,
		WorkspaceDir:       "./data/workspace",
		MaxToolRounds:      8,
	}
}

// StartRequest describes a session to start. A session without PlanID gets
// a new plan built from the default template for Task.
type StartRequest struct {
	Task      string `json:"task"`
	PlanID    string `json:"plan_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type session struct {
	mu     sync.Mutex
	snap   Snapshot
	fsm    *sessionFSM
	tools  *plugin.Registry
	seen   string // plan markdown as the model last saw it
	cancel context.CancelFunc
	wake   chan struct{}
	gen    int // bumped on every launch; older loops stop touching the session
}

func (s *session) sawPlan(md string) {
	s.mu.Lock()
	s.seen = md
	s.mu.Unlock()
}

func (s *session) planSeen() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Runner owns the indefinite sessions of one process.
type Runner struct {
	cfg         Config
	provider    provider.Provider
	plans       *plan.Manager
	tracker     *plan.Tracker
	checkpoints Checkpointer
	store       StatusStore
	bus         comms.Bus
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithCheckpointer sets where checkpoints and results are written.
func WithCheckpointer(c Checkpointer) Option { return func(r *Runner) { r.checkpoints = c } }

// WithStatusStore sets where snapshots are persisted.
func WithStatusStore(s StatusStore) Option { return func(r *Runner) { r.store = s } }

// WithBus publishes an agent_status_update event on every state change.
func WithBus(b comms.Bus) Option { return func(r *Runner) { r.bus = b } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// New creates a Runner. Checkpoints and snapshots stay in memory unless
// stores are given.
func New(p provider.Provider, plans *plan.Manager, cfg Config, opts ...Option) *Runner {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = def.MaxToolRounds
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = def.WorkspaceDir
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:         cfg,
		provider:    p,
		plans:       plans,
		tracker:     plan.NewTracker(plans),
		checkpoints: NewMemoryCheckpointer(),
		store:       NewMemoryStatusStore(),
		logger:      slog.Default(),
		now:         time.Now,
		sessions:    make(map[string]*session),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start creates a session and begins its loop. Starting an id whose
// previous session ended replaces it.
func (r *Runner) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	if r.ctx.Err() != nil {
		return Snapshot{}, errShutdown
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if !plan.ValidID(req.SessionID) {
		return Snapshot{}, fmt.Errorf("invalid session id %q", req.SessionID)
	}
	if s, err := r.active(req.SessionID); err == nil && !s.status().Terminal() {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionExists, req.SessionID)
	}

	planID, task, err := r.resolvePlan(ctx, req)
	if err != nil {
		return Snapshot{}, err
	}

	fsm, err := newSessionFSM(req.SessionID, StatusIdle)
	if err != nil {
		return Snapshot{}, err
	}
	if err := fsm.Fire(eventStart); err != nil {
		return Snapshot{}, err
	}
	now := r.now()
	s := &session{
		snap: Snapshot{
			SessionID:          req.SessionID,
			PlanID:             planID,
			Task:               task,
			Status:             fsm.Current(),
			StartTime:          now,
			LastUpdate:         now,
			MaxRuntime:         int64(r.cfg.MaxRuntime / time.Second),
			CheckpointInterval: int64(r.cfg.CheckpointInterval / time.Second),
		},
		fsm:  fsm,
		wake: make(chan struct{}, 1),
	}
	if s.tools, err = r.sessionTools(s); err != nil {
		return Snapshot{}, err
	}
	if p, _ := r.plans.Get(ctx, planID); p != nil {
		s.snap.Progress = p.Progress().ProgressPercentage
	}

	r.mu.Lock()
	if old, ok := r.sessions[req.SessionID]; ok && !old.status().Terminal() {
		r.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionExists, req.SessionID)
	}
	r.sessions[req.SessionID] = s
	r.mu.Unlock()

	snap := s.snapshot()
	r.persist(ctx, snap)
	r.logger.Info("session started", "session_id", snap.SessionID, "plan_id", snap.PlanID)
	r.launch(s)
	return snap, nil
}

func (r *Runner) resolvePlan(ctx context.Context, req StartRequest) (planID, task string, err error) {
	if req.PlanID == "" {
		if req.Task == "" {
			return "", "", ErrTaskRequired
		}
		p, err := r.tracker.CreateFromTemplate(ctx, uuid.NewString(), req.Task, "")
		if err != nil {
			return "", "", fmt.Errorf("create plan: %w", err)
		}
		return p.ID, req.Task, nil
	}
	p, err := r.plans.Get(ctx, req.PlanID)
	if err != nil {
		return "", "", err
	}
	if p == nil {
		return "", "", fmt.Errorf("%w: %s", plan.ErrNotFound, req.PlanID)
	}
	task = req.Task
	if task == "" {
		task = p.Title
	}
	return p.ID, task, nil
}

// Pause asks a running session to wait after its current iteration.
func (r *Runner) Pause(ctx context.Context, id string) (Snapshot, error) {
	return r.control(ctx, id, eventPause)
}

// Resume continues a paused session.
func (r *Runner) Resume(ctx context.Context, id string) (Snapshot, error) {
	return r.control(ctx, id, eventResume)
}

// Stop ends a session. An in-flight model call is cancelled; plan edits it
// already made are kept.
func (r *Runner) Stop(ctx context.Context, id string) (Snapshot, error) {
	return r.control(ctx, id, eventStop)
}

func (r *Runner) control(ctx context.Context, id, event string) (Snapshot, error) {
	s, err := r.active(id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			if _, serr := r.store.Get(ctx, id); serr == nil {
				return Snapshot{}, fmt.Errorf("%w: cannot %s a session that is no longer loaded", ErrInvalidTransition, event)
			}
		}
		return Snapshot{}, err
	}
	s.mu.Lock()
	if err := s.fsm.Fire(event); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.snap.Status = s.fsm.Current()
	s.snap.LastUpdate = r.now()
	if event == eventStop && s.cancel != nil {
		s.cancel()
	}
	snap := s.snap
	s.mu.Unlock()
	s.signal()

	r.persist(ctx, snap)
	r.logger.Info("session "+string(snap.Status), "session_id", id)
	return snap, nil
}

// Status returns the last recorded snapshot of a session.
func (r *Runner) Status(ctx context.Context, id string) (*Snapshot, error) {
	if s, err := r.active(id); err == nil {
		snap := s.snapshot()
		return &snap, nil
	}
	return r.store.Get(ctx, id)
}

// List returns every known session, most recently started first.
func (r *Runner) List(ctx context.Context) ([]Snapshot, error) {
	stored, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Snapshot, len(stored))
	for _, s := range stored {
		byID[s.SessionID] = s
	}
	r.mu.Lock()
	for id, s := range r.sessions {
		byID[id] = s.snapshot()
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// CheckStalled restarts running sessions that have not reported progress
// within the stall timeout. It returns the restarted session ids.
func (r *Runner) CheckStalled(now time.Time) []string {
	if r.cfg.StallTimeout <= 0 {
		return nil
	}
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var restarted []string
	for _, s := range sessions {
		s.mu.Lock()
		if s.fsm.Current() != StatusRunning || now.Sub(s.snap.LastUpdate) <= r.cfg.StallTimeout {
			s.mu.Unlock()
			continue
		}
		if err := s.fsm.Fire(eventStall); err != nil {
			s.mu.Unlock()
			continue
		}
		s.snap.Status = s.fsm.Current()
		stalled := s.snap
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.fsm.Fire(eventRestart)
		s.snap.Status = s.fsm.Current()
		s.snap.LastUpdate = now
		running := s.snap
		s.mu.Unlock()

		r.logger.Warn("session stalled, restarting", "session_id", stalled.SessionID,
			"idle", now.Sub(stalled.LastUpdate).String())
		r.persist(r.ctx, stalled)
		r.persist(r.ctx, running)
		r.launch(s)
		restarted = append(restarted, stalled.SessionID)
	}
	sort.Strings(restarted)
	return restarted
}

// Shutdown stops every active session and waits for their loops to exit.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if !s.status().Terminal() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		if _, err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrInvalidTransition) {
			r.logger.Warn("stop session on shutdown", "session_id", id, "error", err)
		}
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) active(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (r *Runner) launch(s *session) {
	ctx, cancel := context.WithCancel(r.ctx)
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx, s, gen)
}

// loop runs iterations until the session leaves the running state or its
// context is cancelled.
func (r *Runner) loop(ctx context.Context, s *session, gen int) {
	defer r.wg.Done()
	id := s.snapshot().SessionID
	log := r.logger.With("session_id", id)

	for {
		if !r.waitRunnable(ctx, s, gen) {
			return
		}
		if r.overRuntime(s) {
			log.Info("session reached max runtime")
			r.transition(ctx, s, gen, eventTimeout, "")
			return
		}

		output, messages, err := r.iterate(ctx, s)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("session iteration failed", "error", err)
			r.transition(ctx, s, gen, eventFail, err.Error())
			return
		}
		if r.finishIteration(ctx, s, gen, output, messages) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(r.cfg.Interval):
		}
	}
}

// waitRunnable blocks while the session is paused. It reports false when
// the loop should exit.
func (r *Runner) waitRunnable(ctx context.Context, s *session, gen int) bool {
	for {
		s.mu.Lock()
		st, stale := s.fsm.Current(), s.gen != gen
		s.mu.Unlock()
		if stale || ctx.Err() != nil {
			return false
		}
		switch st {
		case StatusRunning:
			return true
		case StatusPaused:
			if r.overRuntime(s) {
				r.transition(ctx, s, gen, eventTimeout, "")
				return false
			}
			select {
			case <-ctx.Done():
				return false
			case <-s.wake:
			case <-time.After(r.cfg.Interval):
			}
		default:
			return false
		}
	}
}

func (r *Runner) overRuntime(s *session) bool {
	if r.cfg.MaxRuntime <= 0 {
		return false
	}
	return r.now().Sub(s.snapshot().StartTime) >= r.cfg.MaxRuntime
}

// iterate runs one fresh conversation: the model works through tool calls
// until it answers without any, or the round limit is hit.
func (r *Runner) iterate(ctx context.Context, s *session) (string, []provider.Message, error) {
	snap := s.snapshot()
	md, ok, err := r.plans.Markdown(ctx, snap.PlanID)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", plan.ErrNotFound, snap.PlanID)
	}
	s.sawPlan(md)
	prompt := continuePrompt
	if snap.Iterations == 0 {
		prompt = snap.Task
	}
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: systemPrompt(snap.Task, md)},
		{Role: provider.RoleUser, Content: prompt},
	}
	defs := s.tools.Definitions()

	var output string
	guard := newLoopGuard()
	for round := 0; round < r.cfg.MaxToolRounds; round++ {
		resp, err := r.provider.Chat(ctx, messages, defs)
		if err != nil {
			return "", messages, fmt.Errorf("%s: %w", r.provider.Name(), err)
		}
		if resp == nil {
			resp = &provider.Response{}
		}
		output = resp.Content
		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if len(resp.ToolCalls) == 0 {
			break
		}
		var stop string
		for _, tc := range resp.ToolCalls {
			result, err := s.tools.Execute(ctx, tc)
			if err != nil {
				r.logger.Warn("tool call failed", "session_id", snap.SessionID, "tool", tc.Name, "error", err)
				result = "Error: " + err.Error()
			}
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
			if reason := guard.observe(tc, result, err != nil); reason != "" && stop == "" {
				stop = reason
			}
		}
		if stop != "" {
			r.logger.Warn("tool loop detected, ending iteration", "session_id", snap.SessionID, "reason", stop)
			break
		}
	}
	return output, messages, nil
}

// finishIteration records the iteration and reports whether the session is
// done.
func (r *Runner) finishIteration(ctx context.Context, s *session, gen int, output string, messages []provider.Message) bool {
	snap := s.snapshot()
	p, err := r.plans.Get(ctx, snap.PlanID)
	if err != nil {
		r.logger.Warn("read plan after iteration", "session_id", snap.SessionID, "error", err)
	}
	now := r.now()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return true
	}
	s.snap.Iterations++
	s.snap.LastUpdate = now
	if p != nil {
		s.snap.Progress = p.Progress().ProgressPercentage
	}
	last := s.snap.StartTime
	if s.snap.LastCheckpoint != nil {
		last = *s.snap.LastCheckpoint
	}
	snap = s.snap
	s.mu.Unlock()

	if err := r.checkpoints.SaveResult(ctx, Result{
		SessionID:   snap.SessionID,
		PlanID:      snap.PlanID,
		Iteration:   snap.Iterations,
		Timestamp:   now,
		Messages:    messages,
		FinalOutput: output,
	}); err != nil {
		r.logger.Warn("save session result", "session_id", snap.SessionID, "error", err)
	}
	if r.cfg.CheckpointInterval > 0 && now.Sub(last) >= r.cfg.CheckpointInterval {
		if err := r.checkpoint(ctx, s, nil); err != nil {
			r.logger.Warn("auto checkpoint", "session_id", snap.SessionID, "error", err)
		}
	}

	complete := strings.Contains(output, completionMarker) || (p != nil && p.AllStepsCompleted())
	s.mu.Lock()
	if complete && s.gen == gen && s.fsm.Fire(eventComplete) == nil {
		s.snap.Status = s.fsm.Current()
	} else {
		complete = false
	}
	snap = s.snap
	s.mu.Unlock()

	r.persist(ctx, snap)
	if complete {
		r.logger.Info("session completed", "session_id", snap.SessionID, "iterations", snap.Iterations)
		r.publish(ctx, comms.EventTaskCompleted, snap, map[string]any{"final_output": output})
	}
	return complete
}

// checkpoint saves the session state. Nil data keeps whatever the model
// saved last.
func (r *Runner) checkpoint(ctx context.Context, s *session, data map[string]any) error {
	snap := s.snapshot()
	if data == nil {
		prev, err := r.checkpoints.LoadCheckpoint(ctx, snap.SessionID)
		if err != nil {
			return err
		}
		if prev != nil {
			data = prev.Data
		}
	}
	now := r.now()
	if err := r.checkpoints.SaveCheckpoint(ctx, Checkpoint{
		SessionID:  snap.SessionID,
		PlanID:     snap.PlanID,
		Status:     snap.Status,
		Iterations: snap.Iterations,
		Progress:   snap.Progress,
		Data:       data,
		Timestamp:  now,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.snap.LastCheckpoint = &now
	s.mu.Unlock()
	return nil
}

func (r *Runner) transition(ctx context.Context, s *session, gen int, event, errMsg string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if err := s.fsm.Fire(event); err != nil {
		s.mu.Unlock()
		return
	}
	s.snap.Status = s.fsm.Current()
	s.snap.LastUpdate = r.now()
	if errMsg != "" {
		s.snap.Error = errMsg
	}
	snap := s.snap
	s.mu.Unlock()
	r.persist(ctx, snap)
}

// persist saves snap and announces it. It outlives ctx so that a stopping
// session still records its final state.
func (r *Runner) persist(ctx context.Context, snap Snapshot) {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.Save(ctx, snap); err != nil {
		r.logger.Warn("save session status", "session_id", snap.SessionID, "error", err)
	}
	data := map[string]any{
		"status":     snap.Status,
		"progress":   snap.Progress,
		"iterations": snap.Iterations,
	}
	if snap.Error != "" {
		data["error"] = snap.Error
	}
	r.publish(ctx, comms.EventAgentStatus, snap, data)
}

func (r *Runner) publish(ctx context.Context, typ comms.EventType, snap Snapshot, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, &comms.Event{
		Type:      typ,
		PlanID:    snap.PlanID,
		SessionID: snap.SessionID,
		Data:      data,
	}); err != nil {
		r.logger.Warn("publish session event", "session_id", snap.SessionID, "error", err)
	}
}
