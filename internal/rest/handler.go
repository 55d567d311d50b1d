// Package rest executes REST calls through per-route rate limit buckets and
// the client-wide global throttle.
package rest

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/events"
	"github.com/luciancaetano/relaynet/internal/metrics"
	"github.com/luciancaetano/relaynet/internal/ratelimit"
)

const (
	DefaultBaseURL          = "https://discord.com/api/v10"
	DefaultTimeout          = 15 * time.Second
	DefaultLatencyThreshold = 30 * time.Second

	maxBadGatewayAttempts = 4
	sharedRetryFloor      = time.Second
	reactionResetWindow   = 250 * time.Millisecond

	tracerName = "github.com/luciancaetano/relaynet/internal/rest"
)

var validMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Options configures a Handler. Zero values fall back to defaults.
type Options struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration

	// LatencyThreshold is the clock offset above which a drift warning is
	// emitted.
	LatencyThreshold time.Duration

	// RatelimiterOffset seeds the latency estimate buckets wait on.
	RatelimiterOffset time.Duration

	Host        string
	Fingerprint string

	HTTPClient     *http.Client
	Events         *events.Emitter
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// Handler implements relaynet.Requester.
type Handler struct {
	opts    Options
	client  *http.Client
	events  *events.Emitter
	metrics *metrics.Metrics
	tracer  trace.Tracer

	latency *ratelimit.LatencyRef
	global  *ratelimit.GlobalThrottle

	mu      sync.Mutex
	buckets map[string]*ratelimit.SequentialBucket

	now        func() time.Time
	retryDelay func() time.Duration
}

var _ relaynet.Requester = (*Handler)(nil)

// NewHandler creates a handler.
func NewHandler(opts Options) *Handler {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LatencyThreshold <= 0 {
		opts.LatencyThreshold = DefaultLatencyThreshold
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "DiscordBot (https://github.com/luciancaetano/relaynet, " + relaynet.Version + ")"
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	emitter := opts.Events
	if emitter == nil {
		emitter = events.New(zerolog.Nop())
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Handler{
		opts:       opts,
		client:     client,
		events:     emitter,
		metrics:    opts.Metrics,
		tracer:     tp.Tracer(tracerName),
		latency:    ratelimit.NewLatencyRef(opts.RatelimiterOffset),
		global:     ratelimit.NewGlobalThrottle(),
		buckets:    make(map[string]*ratelimit.SequentialBucket),
		now:        time.Now,
		retryDelay: badGatewayDelay,
	}
}

// badGatewayDelay returns a random delay between 100ms and 2s.
func badGatewayDelay() time.Duration {
	return time.Duration(100+rand.Intn(1900)) * time.Millisecond
}

type result struct {
	resp *relaynet.Response
	err  error
}

// request is one logical call; it survives across retried attempts.
type request struct {
	ctx      context.Context
	opts     *relaynet.RequestOptions
	method   string
	route    Route
	bucket   *ratelimit.SequentialBucket
	body     encodedBody
	attempts int

	once sync.Once
	done chan result
}

func (r *request) finish(resp *relaynet.Response, err error) {
	r.once.Do(func() {
		r.done <- result{resp: resp, err: err}
	})
}

func (r *request) label() string {
	return r.method + " " + r.route.Key
}

// Request queues the call on its route bucket and waits for the final
// outcome, including internal retries. A 204 response returns (nil, nil).
func (h *Handler) Request(ctx context.Context, opts *relaynet.RequestOptions) (*relaynet.Response, error) {
	if opts == nil || opts.Path == "" {
		return nil, errors.New(relaynet.ErrMissingPath)
	}
	method := strings.ToUpper(opts.Method)
	if !validMethods[method] {
		return nil, errors.Errorf("%s: %q", relaynet.ErrInvalidMethod, opts.Method)
	}

	body, err := encodeBody(opts.Body, opts.Files)
	if err != nil {
		return nil, err
	}

	route := RouteKey(method, opts.Path, h.now().Add(-h.latency.Latency()))
	if opts.Route != "" {
		route = Route{Key: opts.Route}
	}

	req := &request{
		ctx:    ctx,
		opts:   opts,
		method: method,
		route:  route,
		bucket: h.bucket(route.Bucket()),
		body:   body,
		done:   make(chan result, 1),
	}
	h.schedule(req, opts.Priority)

	select {
	case res := <-req.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handler) bucket(id string) *ratelimit.SequentialBucket {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buckets[id]
	if !ok {
		b = ratelimit.NewSequentialBucket(ratelimit.DefaultLimit, h.latency)
		h.buckets[id] = b
	}
	return b
}

// Bucket returns the bucket of a route, or nil when no request used it yet.
func (h *Handler) Bucket(route Route) *ratelimit.SequentialBucket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buckets[route.Bucket()]
}

// GlobalBlocked reports whether the global throttle is active.
func (h *Handler) GlobalBlocked() bool {
	return h.global.Blocked()
}

// Latency returns the rolling REST round trip estimate.
func (h *Handler) Latency() time.Duration {
	return h.latency.Latency()
}

// schedule queues req on its bucket, parking it on the global throttle
// first when the throttle is active for authenticated calls.
func (h *Handler) schedule(req *request, priority bool) {
	task := ratelimit.NewHeldTask(req.label(), func(release func()) {
		h.attempt(req, release)
	})
	if req.opts.Auth {
		enter := ratelimit.NewTask(req.label(), func() {
			req.bucket.Queue(task, priority)
		})
		if h.global.Park(enter, priority) {
			return
		}
	}
	req.bucket.Queue(task, priority)
}

func (h *Handler) attempt(req *request, release func()) {
	if err := req.ctx.Err(); err != nil {
		release()
		req.finish(nil, err)
		return
	}
	if req.opts.Auth && h.global.Blocked() {
		release()
		h.schedule(req, true)
		return
	}
	req.attempts++

	timeout := req.opts.Timeout
	if timeout <= 0 {
		timeout = h.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(req.ctx, timeout)
	defer cancel()

	ctx, span := h.tracer.Start(ctx, "rest "+req.label(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.method),
			attribute.String("relaynet.route", req.route.Key),
			attribute.Int("relaynet.attempt", req.attempts),
		),
	)
	defer span.End()

	httpReq, err := h.newRequest(ctx, req)
	if err != nil {
		release()
		req.finish(nil, err)
		return
	}

	h.events.Emit(relaynet.Event{
		Type:    relaynet.EventRequest,
		ShardID: relaynet.NoShard,
		Request: &relaynet.RequestInfo{
			ID:     uuid.NewString(),
			Method: req.method,
			Path:   req.opts.Path,
			Route:  req.route.Key,
			Body:   req.body.data,
		},
	})

	start := h.now()
	resp, err := h.client.Do(httpReq)
	var body []byte
	if err == nil {
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			err = errors.Wrap(err, relaynet.ErrReadResponse)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		release()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && req.ctx.Err() == nil {
			req.finish(nil, errors.Wrapf(relaynet.ErrRequestTimeout, "%s %s (>%s)", req.method, req.opts.Path, timeout))
			return
		}
		req.finish(nil, errors.Wrapf(err, "%s %s", req.method, req.opts.Path))
		return
	}

	now := h.now()
	sample := now.Sub(start)
	h.latency.Observe(sample)
	h.checkClock(resp.Header, now)

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	h.metrics.ObserveRequest(req.route.Key, resp.StatusCode)

	h.updateBucket(req, resp.Header, now)
	h.complete(req, resp.StatusCode, resp.Header, body, release)
}

func (h *Handler) newRequest(ctx context.Context, req *request) (*http.Request, error) {
	target := h.opts.BaseURL + req.opts.Path
	if len(req.opts.Query) > 0 {
		target += "?" + req.opts.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, req.body.reader())
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s", req.method, req.opts.Path)
	}

	httpReq.Header.Set("User-Agent", h.opts.UserAgent)
	if req.opts.Auth && h.opts.Token != "" {
		httpReq.Header.Set("Authorization", h.opts.Token)
	}
	if req.opts.Reason != "" {
		httpReq.Header.Set("X-Audit-Log-Reason", strings.ReplaceAll(url.QueryEscape(req.opts.Reason), "+", "%20"))
	}
	if req.body.contentType != "" {
		httpReq.Header.Set("Content-Type", req.body.contentType)
	}
	if h.opts.Fingerprint != "" {
		httpReq.Header.Set("X-Fingerprint", h.opts.Fingerprint)
	}
	if h.opts.Host != "" {
		httpReq.Host = h.opts.Host
	}
	return httpReq, nil
}

// checkClock compares the server Date header with the local clock.
func (h *Handler) checkClock(header http.Header, now time.Time) {
	date := header.Get("Date")
	if date == "" {
		return
	}
	serverTime, err := http.ParseTime(date)
	if err != nil {
		return
	}
	check := h.latency.ObserveServerTime(serverTime, now, h.opts.LatencyThreshold)
	if check.Drift {
		h.events.Warn(relaynet.NoShard, "local clock is %s behind the server, rate limits may be exceeded", check.Offset.Round(time.Millisecond))
	}
}

func headerSeconds(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// updateBucket applies the x-ratelimit-* headers of a response.
func (h *Handler) updateBucket(req *request, header http.Header, now time.Time) {
	b := req.bucket
	limit := b.Limit()
	remaining := 1
	reset := now

	limitHeader := header.Get("X-Ratelimit-Limit")
	if n, err := strconv.Atoi(limitHeader); err == nil {
		limit = n
	} else if req.method != http.MethodGet && limit != ratelimit.DefaultLimit {
		h.events.Debug(relaynet.NoShard, "%s for %s (bucket %d/%d)", relaynet.ErrMissingRLHeader, req.label(), b.Remaining(), limit)
	}
	if n, err := strconv.Atoi(header.Get("X-Ratelimit-Remaining")); err == nil {
		remaining = n
	}

	retryAfter, hasRetry := headerSeconds(header.Get("X-Ratelimit-Reset-After"))
	if !hasRetry {
		retryAfter, hasRetry = headerSeconds(header.Get("Retry-After"))
	}

	switch {
	case hasRetry:
		wait := retryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}
		if strings.EqualFold(header.Get("X-Ratelimit-Global"), "true") {
			h.global.Block(wait)
			reset = b.Reset()
		} else {
			reset = now.Add(wait)
		}
	case header.Get("X-Ratelimit-Reset") != "":
		at, _ := headerSeconds(header.Get("X-Ratelimit-Reset"))
		server := time.Unix(0, 0).Add(at)
		if date, err := http.ParseTime(header.Get("Date")); err == nil &&
			strings.HasPrefix(req.route.Key, "MODIFY") && strings.HasSuffix(req.route.Key, "/reactions") &&
			server.Sub(date) == time.Second {
			reset = now.Add(reactionResetWindow)
		} else if local := server.Add(-h.latency.TimeOffset()); local.After(now) {
			reset = local
		}
	}

	b.Update(limit, remaining, reset)
}

// complete settles an attempt: it resolves the call or schedules a retry.
func (h *Handler) complete(req *request, status int, header http.Header, body []byte, release func()) {
	switch {
	case status == http.StatusNoContent:
		release()
		req.finish(nil, nil)

	case status >= 200 && status < 300:
		release()
		resp := &relaynet.Response{StatusCode: status, Header: header, Body: body}
		if isJSON(header) && len(body) > 0 {
			var data any
			if err := json.Unmarshal(body, &data); err != nil {
				h.events.Warn(relaynet.NoShard, "invalid JSON in %d response to %s: %v", status, req.label(), err)
			} else {
				resp.Data = data
			}
		}
		req.finish(resp, nil)

	case status == http.StatusTooManyRequests:
		scope := header.Get("X-Ratelimit-Scope")
		h.metrics.ObserveRateLimit(scope)
		delay := h.retryAfter(req, header, body, scope)

		kind := "unexpected"
		if strings.EqualFold(header.Get("X-Ratelimit-Global"), "true") {
			kind = "global"
		}
		h.events.Debug(relaynet.NoShard, "%s 429 on %s, retrying in %s (scope %q, %d/%d left)",
			kind, req.label(), delay, scope, req.bucket.Remaining(), req.bucket.Limit())

		// The bucket stays held until the retry is queued again.
		time.AfterFunc(delay, func() {
			release()
			h.schedule(req, true)
		})

	case status == http.StatusBadGateway && req.attempts < maxBadGatewayAttempts:
		release()
		delay := h.retryDelay()
		h.events.Debug(relaynet.NoShard, "502 on %s (attempt %d), retrying in %s", req.label(), req.attempts, delay)
		time.AfterFunc(delay, func() {
			h.schedule(req, true)
		})

	default:
		release()
		req.finish(nil, parseError(req, status, header, body))
	}
}

// retryAfter returns how long a 429 waits before the retry. Shared limits
// carry the delay in the body.
func (h *Handler) retryAfter(req *request, header http.Header, body []byte, scope string) time.Duration {
	delay, ok := headerSeconds(header.Get("X-Ratelimit-Reset-After"))
	if !ok {
		delay, _ = headerSeconds(header.Get("Retry-After"))
	}
	if scope != "shared" {
		return delay
	}

	var payload struct {
		RetryAfter *float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter != nil {
		return time.Duration(*payload.RetryAfter * float64(time.Second))
	}
	if delay < sharedRetryFloor {
		delay = sharedRetryFloor
	}
	h.events.Warn(relaynet.NoShard, "shared 429 on %s without retry_after in body, retrying in %s", req.label(), delay)
	return delay
}
