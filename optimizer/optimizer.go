// Package optimizer caches read-heavy responses, throttles clients by IP and
// keeps per-endpoint latency figures.
//
// The throttle uses a fixed window: a client may burst up to twice the
// limit across a window boundary.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tannus-ai/tannus/comms"
)

// ThrottleMessage is the error returned to throttled clients.
const ThrottleMessage = "Too many requests. Please try again later."

const throttleWindow = time.Minute

// Config controls cache lifetimes and the throttle limit.
type Config struct {
	DefaultTTL           time.Duration
	PlanTTL              time.Duration
	StatusTTL            time.Duration
	CleanupInterval      time.Duration
	MaxRequestsPerMinute int
}

// DefaultConfig returns the default cache and throttle settings.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:           5 * time.Minute,
		PlanTTL:              time.Minute,
		StatusTTL:            10 * time.Second,
		CleanupInterval:      time.Minute,
		MaxRequestsPerMinute: 60,
	}
}

// PlanKey is the cache key of a plan's get response.
func PlanKey(id string) string { return "plan_content_" + id }

// StatusKey is the cache key of a session's status response.
func StatusKey(id string) string { return "agent_status_" + id }

// EndpointStats summarises the latency of one endpoint, in seconds.
type EndpointStats struct {
	Count         int     `json:"count"`
	TotalDuration float64 `json:"total_duration"`
	AvgDuration   float64 `json:"avg_duration"`
	MinDuration   float64 `json:"min_duration"`
	MaxDuration   float64 `json:"max_duration"`
}

// Optimizer combines the response cache, the request throttle and endpoint
// metrics. Its state lives in the Store, so several instances sharing a
// RedisStore throttle and cache together.
type Optimizer struct {
	cfg     Config
	store   Store
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	lastCleanup time.Time
	endpoints   map[string]*EndpointStats
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithStore replaces the in-memory store.
func WithStore(s Store) Option { return func(o *Optimizer) { o.store = s } }

// WithMetrics exports request metrics to Prometheus.
func WithMetrics(m *Metrics) Option { return func(o *Optimizer) { o.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Optimizer) { o.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Optimizer) { o.now = now } }

// New creates an Optimizer. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Optimizer {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.PlanTTL <= 0 {
		cfg.PlanTTL = def.PlanTTL
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = def.StatusTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = def.MaxRequestsPerMinute
	}
	o := &Optimizer{
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		endpoints: make(map[string]*EndpointStats),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		ms := NewMemoryStore()
		ms.now = o.now
		o.store = ms
	}
	o.lastCleanup = o.now()
	return o
}

// Config returns the effective settings.
func (o *Optimizer) Config() Config { return o.cfg }

// CacheResult stores v as JSON under key. A ttl of zero or less uses the
// default.
func (o *Optimizer) CacheResult(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = o.cfg.DefaultTTL
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return o.store.Set(ctx, key, data, ttl)
}

// CachedResult decodes the live entry for key into dst. It reports false on
// a miss; an expired entry is a miss.
func (o *Optimizer) CachedResult(ctx context.Context, key string, dst any) (bool, error) {
	data, ok, err := o.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

// Invalidate drops the entry for key.
func (o *Optimizer) Invalidate(ctx context.Context, key string) error {
	return o.store.Delete(ctx, key)
}

// Cleanup sweeps expired entries when at least CleanupInterval has passed
// since the last sweep, and returns how many were removed.
func (o *Optimizer) Cleanup(now time.Time) int {
	o.mu.Lock()
	if now.Sub(o.lastCleanup) < o.cfg.CleanupInterval {
		o.mu.Unlock()
		return 0
	}
	o.lastCleanup = now
	o.mu.Unlock()

	sw, ok := o.store.(Sweeper)
	if !ok {
		return 0
	}
	n := sw.Sweep(now)
	if n > 0 {
		o.logger.Debug("cache cleanup", "removed", n)
	}
	return n
}

// Throttle counts a request from ip and reports whether it exceeds the
// per-minute limit. Store failures let the request through.
func (o *Optimizer) Throttle(ctx context.Context, ip string) bool {
	n, err := o.store.Incr(ctx, "throttle_"+ip, throttleWindow)
	if err != nil {
		o.logger.Warn("throttle counter", "ip", ip, "error", err)
		return false
	}
	return n > int64(o.cfg.MaxRequestsPerMinute)
}

// RecordEndpoint adds one request of duration d to the endpoint's figures.
func (o *Optimizer) RecordEndpoint(endpoint string, d time.Duration) {
	secs := d.Seconds()
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.endpoints[endpoint]
	if !ok {
		st = &EndpointStats{MinDuration: math.Inf(1)}
		o.endpoints[endpoint] = st
	}
	st.Count++
	st.TotalDuration += secs
	st.MinDuration = math.Min(st.MinDuration, secs)
	st.MaxDuration = math.Max(st.MaxDuration, secs)
}

// EndpointMetrics returns a copy of the figures for every endpoint that has
// served at least one request.
func (o *Optimizer) EndpointMetrics() map[string]EndpointStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]EndpointStats, len(o.endpoints))
	for name, st := range o.endpoints {
		if st.Count == 0 {
			continue
		}
		s := *st
		s.AvgDuration = s.TotalDuration / float64(s.Count)
		out[name] = s
	}
	return out
}

// Endpoints returns the names of recorded endpoints, sorted.
func (o *Optimizer) Endpoints() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.endpoints))
	for n := range o.endpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InvalidateOn drops cached plan and status responses whenever the bus
// reports a change to them. It returns the unsubscribe function.
func (o *Optimizer) InvalidateOn(bus comms.Bus) func() {
	return bus.Subscribe(comms.AllEvents, func(ctx context.Context, evt *comms.Event) error {
		switch evt.Type {
		case comms.EventPlanUpdated, comms.EventStepCompleted:
			if evt.PlanID != "" {
				return o.Invalidate(ctx, PlanKey(evt.PlanID))
			}
		case comms.EventAgentStatus, comms.EventTaskCompleted:
			if evt.SessionID != "" {
				return o.Invalidate(ctx, StatusKey(evt.SessionID))
			}
		}
		return nil
	})
}
