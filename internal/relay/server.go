package relay

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management API handler functions
// registered alongside the proxy fallback.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") in proxy-only mode.
func (r *Relay) Start(addr string) error {
	return r.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// Prefix matching for proxied paths is owned by the route table, so the
// dispatch handler is registered as the router's NotFound fallback rather
// than as explicit router patterns.
func (r *Relay) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	rt := router.New()

	rt.GET("/health", r.handleHealth)
	rt.GET("/readiness", r.handleReadiness)
	if mgmt != nil && mgmt.Metrics != nil {
		rt.GET("/metrics", mgmt.Metrics)
	}
	rt.NotFound = r.dispatch

	handler := applyMiddleware(rt.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(r.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// No write timeout: streamed responses run as long as the upstream
		// keeps producing.
		StreamRequestBody: false,
	}

	return srv.ListenAndServe(addr)
}

// Handler returns the fully wrapped request handler. Exposed for serving on
// custom listeners (used by tests).
func (r *Relay) Handler() fasthttp.RequestHandler {
	return applyMiddleware(r.dispatch,
		recovery,
		requestID,
		timing,
		corsHandler(r.corsOrigins),
		securityHeaders,
	)
}

func (r *Relay) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status": "ok",
		"routes": r.table.Len(),
	})
}

func (r *Relay) handleReadiness(ctx *fasthttp.RequestCtx) {
	if r.table.Len() > 0 {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
