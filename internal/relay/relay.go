// Package relay is the core request-forwarding and response-normalization
// pipeline.
//
// Each inbound request is resolved against the route table, the caller's
// bearer credential is extracted and forwarded, and the upstream response is
// returned either as buffered JSON or as a normalized SSE stream.
//
// Key design constraints:
//   - The route table is read-only after construction; requests share no
//     mutable state.
//   - The credential is request-local and never logged or stored.
//   - One forwarding attempt per request — no retries, no failover.
//   - Streaming consumption is decoupled from outbound writes via the stream
//     bridge, so a slow client applies backpressure instead of buffering.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
)

// DefaultUpstreamTimeout bounds buffered upstream calls. Streaming calls are
// unbounded — a long generation is not an error.
const DefaultUpstreamTimeout = 30 * time.Second

// Options holds optional tuning parameters for a Relay. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// UpstreamTimeout is the per-request timeout for buffered dispatches.
	// Default: DefaultUpstreamTimeout.
	UpstreamTimeout time.Duration

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry
}

// Relay is the proxy core — dependencies are injected via the constructor so
// they can be replaced with doubles in unit tests.
type Relay struct {
	table   *Table
	clients map[string]*upstream.Client
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	upstreamTimeout time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string
}

// New creates a Relay serving the given route table. One upstream client is
// built per route, keyed by prefix, so connections are pooled per target.
func New(baseCtx context.Context, table *Table, opts Options) *Relay {
	if baseCtx == nil {
		panic("relay: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}

	clients := make(map[string]*upstream.Client, table.Len())
	for i := range table.routes {
		r := &table.routes[i]
		clients[r.Prefix] = upstream.New(r.Target, r.Headers)
	}

	return &Relay{
		table:           table,
		clients:         clients,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		upstreamTimeout: timeout,
	}
}

// SetRateLimiter injects the RPM rate limiter.
func (r *Relay) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	r.rpmLimiter = rpm
}

// SetLogger injects the async request logger.
func (r *Relay) SetLogger(l *logger.Logger) {
	r.reqLogger = l
}

// SetCORSOrigins configures the allowed CORS origins.
func (r *Relay) SetCORSOrigins(origins []string) {
	r.corsOrigins = origins
}
