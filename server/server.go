// Package server implements the Tannus HTTP API: planning, tracking, plan
// updates, indefinite sessions, performance figures and live events.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tannus-ai/tannus/comms"
	"github.com/tannus-ai/tannus/config"
	"github.com/tannus-ai/tannus/optimizer"
	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/runner"
	"github.com/tannus-ai/tannus/server/ws"
	"github.com/tannus-ai/tannus/task"
	"github.com/tannus-ai/tannus/updater"
)

// Deps are the components the server exposes. Plans, Updater and Runner are
// required.
type Deps struct {
	Plans     *plan.Manager
	Updater   *updater.Updater
	Runner    *runner.Runner
	Tasks     task.Store
	Bus       comms.Bus
	Optimizer *optimizer.Optimizer
	Metrics   *optimizer.Metrics
	Hub       *ws.Hub
}

// Server is the Tannus HTTP server.
type Server struct {
	cfg     config.Config
	deps    Deps
	tracker *plan.Tracker
	handler http.Handler
	httpSrv *http.Server
	logger  *slog.Logger

	// background plan updates started by the updater routes
	pending sync.WaitGroup

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
}

// New creates a Server and builds its routes.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Tasks == nil {
		deps.Tasks = task.NewMemoryStore()
	}
	if deps.Optimizer == nil {
		deps.Optimizer = optimizer.New(optimizer.Config{}, optimizer.WithLogger(logger))
	}
	if deps.Hub == nil {
		deps.Hub = ws.NewHub(logger)
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		tracker:   plan.NewTracker(deps.Plans),
		logger:    logger,
		startTime: time.Now(),
	}
	s.handler = s.routes()
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening and blocks until the server stops. A clean
// shutdown returns nil.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":5000"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and waits for background plan
// updates to finish.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.deps.Optimizer.Middleware)

	// Public routes
	r.Get("/api/health", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	if s.cfg.Auth.Enabled {
		r.Post("/api/auth/login", s.handleLogin)
	}

	r.Group(func(r chi.Router) {
		if s.cfg.Auth.Enabled {
			r.Use(s.authMiddleware)
			r.Get("/api/auth/me", s.handleMe)
		}

		r.Get("/ws", s.deps.Hub.ServeWS)
		r.Get("/events", s.deps.Hub.ServeSSE)

		r.Route("/api", func(r chi.Router) {
			r.Get("/performance", s.performance)

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", s.listTasks)
				r.Post("/", s.submitTask)
				r.Get("/{id}", s.getTask)
			})

			r.Route("/planning", func(r chi.Router) {
				r.Get("/list", s.listPlans)
				r.Post("/create", s.createPlan)
				r.Post("/import", s.importPlan)
				r.Get("/get/{id}", s.deps.Optimizer.Cached(s.planCacheKey, s.deps.Optimizer.Config().PlanTTL, s.getPlan))
				r.Post("/update/{id}", s.updatePlan)
				r.Get("/analyze/{id}", s.analyzePlan)
				r.Post("/update-for-changes/{id}", s.updaterOp(updater.OpUpdateForGoalChange, "changes"))
				r.Post("/reorder/{id}", s.reorderSteps)
				r.Delete("/delete/{id}", s.deletePlan)
				r.Get("/markdown/{id}", s.planMarkdown)
			})

			r.Route("/tracking", func(r chi.Router) {
				r.Get("/list", s.trackingList)
				r.Get("/get/{id}", s.trackingGet)
				r.Get("/html/{id}", s.trackingHTML)
				r.Get("/steps/{id}", s.trackingSteps)
				r.Get("/progress/{id}", s.trackingProgress)
				r.Post("/mark-completed/{id}/{index}", s.markCompletedAt)
				r.Post("/mark-uncompleted/{id}/{index}", s.markUncompletedAt)
				r.Post("/add-step/{id}", s.addStep)
				r.Post("/add-note/{id}", s.addNote)
				r.Post("/create/{id}", s.createFromTemplate)
				r.Post("/update/{id}", s.updateContent)
			})

			r.Route("/updater", func(r chi.Router) {
				r.Post("/mark-completed/{id}", s.updaterMarkCompleted)
				r.Post("/add-steps/{id}", s.updaterOp(updater.OpAddSteps, "progress_description"))
				r.Post("/update-for-challenges/{id}", s.updaterOp(updater.OpUpdateForChallenges, "challenge_description"))
				r.Post("/update-for-goal-change/{id}", s.updaterOp(updater.OpUpdateForGoalChange, "new_goal_description"))
				r.Post("/reorganize/{id}", s.updaterOp(updater.OpReorganize, ""))
				r.Post("/simplify/{id}", s.updaterOp(updater.OpSimplify, ""))
				r.Post("/expand/{id}", s.updaterOp(updater.OpExpand, ""))
			})

			r.Route("/indefinite", func(r chi.Router) {
				r.Post("/start", s.startSession)
				r.Get("/sessions", s.listSessions)
				r.Get("/status/{sessionId}", s.deps.Optimizer.Cached(s.statusCacheKey, s.deps.Optimizer.Config().StatusTTL, s.sessionStatus))
				r.Post("/pause/{sessionId}", s.pauseSession)
				r.Post("/resume/{sessionId}", s.resumeSession)
				r.Post("/stop/{sessionId}", s.stopSession)
			})
		})
	})
	return r
}

// requestLogger logs each request at debug level with its request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

// publish announces evt on the bus when one is configured.
func (s *Server) publish(ctx context.Context, evt *comms.Event) {
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish event", "type", evt.Type, "error", err)
	}
}
