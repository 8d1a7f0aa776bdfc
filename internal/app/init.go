package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/normalize"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/relay"
)

// initInfra establishes optional external connections.
// Redis is only required when rate limiting is enabled.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initRoutes builds the ordered route table. At least one route must be
// configured — this is enforced by config validation before we reach here.
func (a *App) initRoutes(_ context.Context) error {
	routes := make([]relay.Route, 0, len(a.cfg.Routes))
	for _, rc := range a.cfg.Routes {
		r := relay.Route{
			Prefix:  rc.Prefix,
			Target:  rc.Target,
			Headers: rc.Headers,
		}
		if rc.Normalize {
			r.TransformCompletion = normalize.Completion
			r.TransformChunk = normalize.Chunk
		}
		routes = append(routes, r)
	}

	a.table = relay.NewTable(routes)

	prefixes := make([]string, 0, len(routes))
	for _, r := range routes {
		prefixes = append(prefixes, r.Prefix)
	}
	a.log.Info("routes loaded", slog.Any("prefixes", prefixes))

	return nil
}

// initServices creates the Prometheus metrics registry and the async request
// logger.
func (a *App) initServices(ctx context.Context) error {
	if a.cfg.MetricsEnabled {
		a.prom = metrics.New()
		a.prom.SetBuildInfo(a.version)
	}

	rl, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = rl

	return nil
}

// initRelay wires together the Relay with all configured subsystems.
func (a *App) initRelay(_ context.Context) error {
	rl := relay.New(a.baseCtx, a.table, relay.Options{
		Logger:          a.log,
		UpstreamTimeout: a.cfg.UpstreamTimeout,
		Metrics:         a.prom,
	})

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		rl.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	rl.SetLogger(a.reqLogger)
	rl.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &relay.ManagementRoutes{}
	if a.prom != nil {
		a.mgmt.Metrics = a.prom.Handler()
	}

	a.rl = rl

	return nil
}
