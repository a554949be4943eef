package esimaccess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the production eSIM Access open API root.
	DefaultBaseURL   = "https://api.esimaccess.com/api/v1/open"
	AccessCodeHeader = "RT-AccessCode"

	defaultTimeout  = 15 * time.Second
	maxResponseSize = 8 << 20
	instrumentation = "github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
)

// Upstream paths.
const (
	PathPackageList   = "/package/list"
	PathOrderProfiles = "/esim/order/profiles"
	PathQueryProfiles = "/esim/query"
	PathQueryUsage    = "/esim/usage/query"
	PathQueryBalance  = "/balance/query"
)

// Config configures the wholesale API client.
type Config struct {
	BaseURL    string
	AccessCode string
	// Timeout bounds each call in addition to the caller's context.
	Timeout time.Duration
	// RatePerSec and Burst throttle outgoing calls. Zero disables throttling.
	RatePerSec float64
	Burst      int
	UserAgent  string
}

// Client is the low-level transport to the eSIM Access wholesale API. It attaches the
// access credential, unwraps the response envelope and classifies failures. It never
// retries.
type Client struct {
	baseURL    string
	accessCode string
	userAgent  string
	timeout    time.Duration
	http       *http.Client
	limiter    *rate.Limiter
	tracer     trace.Tracer
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithMeter records request metrics on the given meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) {
		if meter != nil {
			c.instrument(meter)
		}
	}
}

// WithTracerProvider overrides the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(instrumentation)
		}
	}
}

// New constructs a client. A missing access code is a configuration error.
func New(cfg Config, opts ...Option) (*Client, error) {
	accessCode := strings.TrimSpace(cfg.AccessCode)
	if accessCode == "" {
		return nil, &ConfigurationError{Field: "AccessCode", Reason: "required"}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &ConfigurationError{Field: "BaseURL", Reason: fmt.Sprintf("invalid url %q", baseURL)}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    baseURL,
		accessCode: accessCode,
		userAgent:  strings.TrimSpace(cfg.UserAgent),
		timeout:    timeout,
		http:       &http.Client{},
		tracer:     otel.Tracer(instrumentation),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	c.instrument(otel.Meter(instrumentation))
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Client) instrument(meter metric.Meter) {
	// Instrument creation only fails on invalid names; a nil instrument is skipped.
	c.requests, _ = meter.Int64Counter("esimaccess.requests",
		metric.WithDescription("Upstream eSIM Access calls by path and outcome"))
	c.latency, _ = meter.Float64Histogram("esimaccess.request.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Upstream eSIM Access call latency"))
}

// Call POSTs body as JSON to path and returns the envelope's obj field, or the raw
// body when the response has no obj key.
func (c *Client) Call(ctx context.Context, path string, body any) (json.RawMessage, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "esimaccess "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("esimaccess.path", path)))
	defer span.End()

	result, err := c.call(ctx, path, body)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		var upstream *Error
		if errors.As(err, &upstream) {
			outcome = string(upstream.Kind)
			if upstream.Code != "" {
				span.SetAttributes(attribute.String("esimaccess.error_code", upstream.Code))
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	attrs := metric.WithAttributes(attribute.String("path", path), attribute.String("outcome", outcome))
	if c.requests != nil {
		c.requests.Add(ctx, 1, attrs)
	}
	if c.latency != nil {
		c.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
	}
	return result, err
}

func (c *Client) call(ctx context.Context, path string, body any) (json.RawMessage, error) {
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Path: path, Err: fmt.Errorf("encode request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTimeout, Path: path, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Path: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(AccessCodeHeader, c.accessCode)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(ctx, err), Path: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Kind: classifyTransport(ctx, err), Path: path, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstream := &Error{Kind: KindHTTPStatus, Path: path, Status: resp.StatusCode}
		if env, ok := parseEnvelope(raw); ok {
			upstream.Code, upstream.Message = env.code, env.message
		}
		if upstream.Message == "" {
			upstream.Message = snippet(raw)
		}
		return nil, upstream
	}

	if !json.Valid(raw) {
		return nil, &Error{Kind: KindDecode, Path: path, Status: resp.StatusCode, Message: snippet(raw)}
	}

	env, ok := parseEnvelope(raw)
	if !ok {
		// Not an envelope (bare array or scalar); hand it back untouched.
		return json.RawMessage(raw), nil
	}
	if env.failed() {
		return nil, &Error{Kind: KindBusiness, Path: path, Status: resp.StatusCode, Code: env.code, Message: env.message}
	}
	if env.obj != nil {
		return env.obj, nil
	}
	return json.RawMessage(raw), nil
}

func classifyTransport(ctx context.Context, err error) Kind {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransport
}

func snippet(raw []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
