// Package httpapi is the inbound HTTP adapter: a resource router that
// projects the store through the access engine for anonymous read.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/alfred-project/alfred/internal/domain/access"
)

// DataSource is the store surface the router reads through.
type DataSource interface {
	Get(path []string, held access.RoleSet) any
}

// HandlerFunc serves one registered resource. rest holds the path keys after
// the resource's subspace. The returned status selects the response code and
// body is encoded as JSON.
type HandlerFunc func(r *http.Request, rest []string) (status int, body any)

type route struct {
	subspace []string
	methods  map[string]struct{}
	fn       HandlerFunc
}

// Router dispatches requests to resources registered by subspace path. The
// wrapper around every resource renders 503 once the store is detached, 405
// on a method outside the registered set, and adds the CORS header to 2xx
// responses.
type Router struct {
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu     sync.RWMutex
	source DataSource

	routes []route
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics attaches request metrics.
func WithMetrics(m *Metrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

// WithTracer spans store reads on the data path.
func WithTracer(t trace.Tracer) Option {
	return func(rt *Router) { rt.tracer = t }
}

// NewRouter creates the router with the built-in resources: the catch-all
// 404 and GET /data/<path...>, projected under the anonymous role set.
func NewRouter(logger *slog.Logger, source DataSource, opts ...Option) *Router {
	rt := &Router{
		logger: logger.With("component", "HttpApi"),
		tracer: noop.NewTracerProvider().Tracer(""),
		source: source,
	}
	for _, opt := range opts {
		opt(rt)
	}

	rt.Register(nil, nil, func(*http.Request, []string) (int, any) {
		return http.StatusNotFound, map[string]any{"message": "No such resource defined"}
	})
	rt.Register([]string{"data"}, []string{http.MethodGet}, rt.handleData)
	return rt
}

// Register adds a resource at the given subspace. A nil method list accepts
// any method; a nil subspace is the catch-all.
func (rt *Router) Register(subspace, methods []string, fn HandlerFunc) {
	r := route{subspace: subspace, fn: fn}
	if len(methods) > 0 {
		r.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			r.methods[m] = struct{}{}
		}
	}
	rt.routes = append(rt.routes, r)
}

// Detach drops the store reference; subsequent requests get 503. Used during
// shutdown.
func (rt *Router) Detach() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.source = nil
}

func (rt *Router) handleData(r *http.Request, rest []string) (int, any) {
	_, span := rt.tracer.Start(r.Context(), "store.get",
		trace.WithAttributes(attribute.StringSlice("store.path", rest)))
	defer span.End()

	rt.mu.RLock()
	source := rt.source
	rt.mu.RUnlock()
	if source == nil {
		return http.StatusServiceUnavailable, map[string]any{"message": "Service shutting down"}
	}
	return http.StatusOK, source.Get(rest, access.NewRoleSet("public"))
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	segments, err := splitPath(r.URL)
	if err != nil {
		rt.finish(w, r, start, http.StatusBadRequest, map[string]any{"message": "Malformed path"})
		return
	}

	best := -1
	for i, candidate := range rt.routes {
		if !hasPrefix(segments, candidate.subspace) {
			continue
		}
		if best < 0 || len(candidate.subspace) > len(rt.routes[best].subspace) {
			best = i
		}
	}
	if best < 0 {
		rt.finish(w, r, start, http.StatusNotFound, map[string]any{"message": "No such resource defined"})
		return
	}
	matched := rt.routes[best]

	rt.mu.RLock()
	gone := rt.source == nil
	rt.mu.RUnlock()
	if gone {
		rt.finish(w, r, start, http.StatusServiceUnavailable, map[string]any{"message": "Service shutting down"})
		return
	}

	if matched.methods != nil {
		if _, ok := matched.methods[r.Method]; !ok {
			rt.finish(w, r, start, http.StatusMethodNotAllowed, map[string]any{"message": "Method not allowed"})
			return
		}
	}

	status, body := matched.fn(r, segments[len(matched.subspace):])
	rt.finish(w, r, start, status, body)
}

// finish writes the JSON response and records metrics. The CORS header goes
// on 2xx responses only.
func (rt *Router) finish(w http.ResponseWriter, r *http.Request, start time.Time, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	if status >= 200 && status < 300 {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rt.logger.Warn("failed to write response", "error", err)
	}

	if rt.metrics != nil {
		rt.metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		rt.metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	}
	rt.logger.Debug("request served", "method", r.Method, "path", r.URL.Path, "status", status)
}

// splitPath turns the escaped request path into decoded key segments, so a
// key containing "/" can be addressed with %2F.
func splitPath(u *url.URL) ([]string, error) {
	raw := strings.Trim(u.EscapedPath(), "/")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		decoded, err := url.PathUnescape(p)
		if err != nil {
			return nil, err
		}
		segments = append(segments, decoded)
	}
	return segments, nil
}

func hasPrefix(segments, prefix []string) bool {
	if len(prefix) > len(segments) {
		return false
	}
	for i, p := range prefix {
		if segments[i] != p {
			return false
		}
	}
	return true
}
