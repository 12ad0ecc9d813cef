package optimizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusRecorder captures the response code and stamps X-Response-Time
// before the header is written.
type statusRecorder struct {
	http.ResponseWriter
	start       time.Time
	now         func() time.Time
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = code
		w.Header().Set("X-Response-Time", strconv.FormatFloat(w.now().Sub(w.start).Seconds(), 'f', 6, 64))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps streaming handlers working behind the middleware.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.wroteHeader = true
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware sweeps the cache when due, rejects throttled clients with 429
// and records the latency of every other request under its route pattern.
func (o *Optimizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := o.now()
		o.Cleanup(start)

		if o.Throttle(r.Context(), clientIP(r)) {
			if o.metrics != nil {
				o.metrics.Throttled.Inc()
			}
			writeError(w, http.StatusTooManyRequests, ThrottleMessage, start)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, start: start, now: o.now, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		d := o.now().Sub(start)
		name := endpointName(r)
		o.RecordEndpoint(name, d)
		if o.metrics != nil {
			o.metrics.Requests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			o.metrics.RequestDuration.WithLabelValues(name).Observe(d.Seconds())
		}
	})
}

// Cached serves successful responses of h from the cache for ttl. key
// derives the cache key from the request; an empty key bypasses the cache.
func (o *Optimizer) Cached(key func(*http.Request) string, ttl time.Duration, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k := key(r)
		if k == "" {
			h(w, r)
			return
		}
		var body json.RawMessage
		if ok, err := o.CachedResult(r.Context(), k, &body); err == nil && ok {
			if o.metrics != nil {
				o.metrics.CacheHits.WithLabelValues(endpointName(r)).Inc()
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(restamp(body, o.now()))
			return
		}
		if o.metrics != nil {
			o.metrics.CacheMisses.WithLabelValues(endpointName(r)).Inc()
		}

		buf := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
		h(buf, r)
		if buf.status == http.StatusOK && json.Valid(buf.body) {
			if err := o.CacheResult(r.Context(), k, json.RawMessage(buf.body), ttl); err != nil {
				o.logger.Warn("cache response", "key", k, "error", err)
			}
		}
		for name, vals := range buf.header {
			w.Header()[name] = vals
		}
		w.Header().Set("X-Cache", "MISS")
		w.WriteHeader(buf.status)
		_, _ = w.Write(buf.body)
	}
}

// restamp sets the envelope timestamp of a cached body to now. Bodies that
// are not envelopes are returned unchanged.
func restamp(body []byte, now time.Time) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if _, ok := env["timestamp"]; !ok {
		return body
	}
	ts, _ := json.Marshal(now.UTC().Format(time.RFC3339))
	env["timestamp"] = ts
	out, err := json.Marshal(env)
	if err != nil {
		return body
	}
	return append(out, '\n')
}

// bufferedWriter holds a response so it can be cached before it is sent.
type bufferedWriter struct {
	header http.Header
	status int
	body   []byte
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) { b.status = code }

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.body = append(b.body, p...)
	return len(p), nil
}

func endpointName(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return r.Method + " " + p
		}
	}
	return "unknown"
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, msg string, now time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "error",
		"message":   msg,
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}
