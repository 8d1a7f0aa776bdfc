package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/stream"
	"github.com/nulpointcorp/llm-relay/internal/upstream"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
	"github.com/valyala/fasthttp"
)

var (
	trueLiteral  = json.RawMessage("true")
	falseLiteral = json.RawMessage("false")
)

// prepareBody parses the inbound body far enough to decide the dispatch mode,
// pins the stream flag to that mode, and re-encodes. Every other field passes
// through with its original bytes. Only a strict boolean true selects
// streaming. A body that is not a JSON object is a malformed-body failure.
func prepareBody(body []byte) (out []byte, streaming bool, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, false, fmt.Errorf("parse request body: %w", err)
	}

	if raw, ok := fields["stream"]; ok {
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			streaming = b
		}
	}

	if streaming {
		fields["stream"] = trueLiteral
	} else {
		fields["stream"] = falseLiteral
	}

	out, err = json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("encode request body: %w", err)
	}
	return out, streaming, nil
}

// dispatch is the core handler: resolve → extract credential → forward →
// normalize. Registered as the router's fallback so the route table, not the
// HTTP router, owns prefix matching.
func (r *Relay) dispatch(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	method := string(ctx.Method())
	reqBytes := len(ctx.PostBody())
	routeLabel := "unmatched"
	streaming := false
	respBytes := -1

	if r.metrics != nil {
		r.metrics.IncInFlight()
	}
	defer func() {
		if r.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		r.metrics.DecInFlight()
		r.metrics.ObserveHTTP(routeLabel, ctx.Response.StatusCode(), time.Since(start), reqBytes, respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Resolve the route. First prefix match wins.
	route, ok := r.table.Resolve(path)
	if !ok {
		r.log.InfoContext(ctx, "route_not_found",
			slog.String("request_id", reqID),
			slog.String("path", path),
		)
		apierr.WriteNotFound(ctx, path)
		return
	}
	routeLabel = route.Prefix

	// 2. Extract the caller's credential. Used for one outbound call, never
	// logged or retained.
	credential := ExtractCredential(string(ctx.Request.Header.Peek("Authorization")))

	// 3. Decide dispatch mode and pin the stream flag. A malformed body is
	// surfaced like any other dispatch failure.
	body, wantStream, err := prepareBody(ctx.PostBody())
	if err != nil {
		r.log.WarnContext(ctx, "malformed_body",
			slog.String("request_id", reqID),
			slog.String("route", route.Prefix),
			slog.String("error", err.Error()),
		)
		r.writeUpstreamFailure(ctx, err)
		r.logRequest(reqID, route.Prefix, method, fasthttp.StatusBadGateway, false, time.Since(start))
		return
	}

	r.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("route", route.Prefix),
		slog.String("method", method),
		slog.Bool("stream", wantStream),
	)

	// 4. Rate limit check.
	if r.rpmLimiter != nil {
		allowed, err := r.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if r.metrics != nil {
				r.metrics.RecordRateLimit("blocked")
			}
			r.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("route", route.Prefix),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if r.metrics != nil {
			if err != nil {
				r.metrics.RecordRateLimit("error")
			} else {
				r.metrics.RecordRateLimit("allowed")
			}
		}
	}

	client := r.clients[route.Prefix]
	remainder := path[len(route.Prefix):]

	if wantStream {
		streaming = true
		r.dispatchStream(ctx, route, client, method, remainder, body, credential, reqID, start, reqBytes)
		return
	}
	r.dispatchBuffered(ctx, route, client, method, remainder, body, credential, reqID, start)
	respBytes = len(ctx.Response.Body())
}

// dispatchBuffered forwards one non-streaming request and returns the
// upstream's JSON body, normalized when the route configures a transform.
func (r *Relay) dispatchBuffered(
	ctx *fasthttp.RequestCtx,
	route *Route,
	client *upstream.Client,
	method, remainder string,
	body []byte,
	credential, reqID string,
	start time.Time,
) {
	upCtx, cancel := context.WithTimeout(ctx, r.upstreamTimeout)
	defer cancel()

	upStart := time.Now()
	raw, err := client.Complete(upCtx, method, remainder, body, credential)
	if r.metrics != nil {
		r.metrics.ObserveUpstreamAttempt(route.Prefix, outcomeLabel(err), time.Since(upStart))
	}
	if err != nil {
		r.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("route", route.Prefix),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		r.writeUpstreamFailure(ctx, err)
		r.logRequest(reqID, route.Prefix, method, ctx.Response.StatusCode(), false, time.Since(start))
		return
	}

	if route.TransformCompletion != nil {
		raw, err = route.TransformCompletion(raw)
		if err != nil {
			r.log.ErrorContext(ctx, "normalize_error",
				slog.String("request_id", reqID),
				slog.String("route", route.Prefix),
				slog.String("error", err.Error()),
			)
			r.writeUpstreamFailure(ctx, err)
			r.logRequest(reqID, route.Prefix, method, ctx.Response.StatusCode(), false, time.Since(start))
			return
		}
	}

	r.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("route", route.Prefix),
		slog.Int("bytes", len(raw)),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(raw)

	r.logRequest(reqID, route.Prefix, method, fasthttp.StatusOK, false, time.Since(start))
}

// dispatchStream forwards one streaming request. The upstream sequence is
// consumed by the bridge's detached producer; this side only copies framed
// records to the client, flushing per record.
func (r *Relay) dispatchStream(
	ctx *fasthttp.RequestCtx,
	route *Route,
	client *upstream.Client,
	method, remainder string,
	body []byte,
	credential, reqID string,
	start time.Time,
	reqBytes int,
) {
	// The stream outlives the handler return, so it is bound to the process
	// context rather than the request. A client disconnect surfaces as a write
	// failure that unwinds the bridge and closes the upstream stream.
	events, err := client.Stream(r.baseCtx, method, remainder, body, credential)
	if r.metrics != nil {
		r.metrics.ObserveUpstreamAttempt(route.Prefix, outcomeLabel(err), time.Since(start))
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.DecInFlight()
			r.metrics.ObserveHTTP(route.Prefix, statusForUpstreamErr(err), time.Since(start), reqBytes, -1)
		}
		r.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("route", route.Prefix),
			slog.String("error", err.Error()),
		)
		r.writeUpstreamFailure(ctx, err)
		r.logRequest(reqID, route.Prefix, method, ctx.Response.StatusCode(), true, time.Since(start))
		return
	}

	bridge := stream.Bridge(events, route.TransformChunk)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	log := r.log
	mets := r.metrics
	prefix := route.Prefix
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer bridge.Close()

		var streamErr error
		buf := make([]byte, 4096)
		for {
			n, err := bridge.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					streamErr = werr
					break
				}
				// Flush per record so the client sees chunks as they arrive.
				if werr := w.Flush(); werr != nil {
					streamErr = werr
					break
				}
				if mets != nil {
					mets.AddStreamBytes(prefix, n)
				}
			}
			if err != nil {
				if err != io.EOF {
					streamErr = err
				}
				break
			}
		}

		dur := time.Since(start)
		status := fasthttp.StatusOK
		if streamErr != nil {
			// Aborted mid-stream: the client never received [DONE].
			status = fasthttp.StatusBadGateway
			if mets != nil {
				mets.RecordStreamAbort(prefix)
			}
			log.Error("stream_aborted",
				slog.String("request_id", reqID),
				slog.String("route", prefix),
				slog.String("error", streamErr.Error()),
				slog.Duration("elapsed", dur),
			)
		} else {
			log.Debug("stream_complete",
				slog.String("request_id", reqID),
				slog.String("route", prefix),
				slog.Duration("elapsed", dur),
			)
		}

		if mets != nil {
			mets.DecInFlight()
			mets.ObserveHTTP(prefix, status, dur, reqBytes, -1)
		}
		r.logRequest(reqID, prefix, method, status, true, dur)
	})
}

// writeUpstreamFailure maps a dispatch error to the client-facing response.
//
//	statusCoder (upstream returned an HTTP error) → remapped passthrough
//	context.DeadlineExceeded                      → 504 Gateway Timeout
//	everything else (transport, malformed body)   → 502 Bad Gateway
func (r *Relay) writeUpstreamFailure(ctx *fasthttp.RequestCtx, err error) {
	type statusCoder interface{ HTTPStatus() int }

	var sc statusCoder
	if errors.As(err, &sc) {
		apierr.WriteUpstreamError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeUpstreamError, apierr.CodeUpstreamError)
}

func statusForUpstreamErr(err error) int {
	type statusCoder interface{ HTTPStatus() int }
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == fasthttp.StatusTooManyRequests {
		return fasthttp.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fasthttp.StatusGatewayTimeout
	}
	return fasthttp.StatusBadGateway
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// logRequest enqueues an entry to the async request logger. Never blocks.
// Only routing metadata is recorded — never the credential or body.
func (r *Relay) logRequest(requestID, route, method string, status int, streaming bool, latency time.Duration) {
	if r.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	r.reqLogger.Log(logger.RequestLog{
		ID:        reqUUID,
		Route:     route,
		Method:    method,
		Status:    uint16(status),
		Streaming: streaming,
		LatencyMs: clampLatency(latency),
		CreatedAt: time.Now(),
	})
}

func clampLatency(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}
