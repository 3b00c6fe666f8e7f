// Package api is a cache-aware HTTP client for the upstream REST API.
//
// GET requests consult the cache, join identical in-flight requests, and go
// to the network through a retry loop; successful responses are cached per
// the resolved policy. Mutations use a smaller retry budget and invalidate
// cached GETs by pattern. Failures surface as *errors.ReqCacheError with a
// stable Code.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unisearch/reqcache/pkg/errors"
	"github.com/unisearch/reqcache/pkg/health"
	"github.com/unisearch/reqcache/pkg/retry"
	"github.com/unisearch/reqcache/pkg/types"
)

const (
	// RequestIDHeader carries a unique id on every outgoing request.
	RequestIDHeader = "X-Request-ID"

	tracerName  = "github.com/unisearch/reqcache/pkg/api"
	maxBodySize = 10 << 20
)

// Cache is the part of the cache service the client needs.
type Cache interface {
	GenerateKey(resource string, params map[string]any) string
	Lookup(ctx context.Context, key string, order ...types.Tier) ([]byte, types.Tier, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration, tier types.Tier)
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
}

// PolicyResolver picks the cache policy for a request path.
type PolicyResolver func(path string) types.Policy

// BreakerConfig configures the circuit breaker around network dispatch.
type BreakerConfig struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
}

// GetOptions controls a single GET.
type GetOptions struct {
	Params map[string]any
	// NoCache bypasses the cache for both lookup and write.
	NoCache bool
	// Policy overrides the resolved cache policy.
	Policy *types.Policy
	// ForceRefresh skips the lookup but still caches the response.
	ForceRefresh bool
}

// MutateOptions controls a POST, PUT or DELETE.
type MutateOptions struct {
	Params map[string]any
	// InvalidateCache lists regular expressions of cache keys to drop.
	InvalidateCache []string
}

// Result is a decoded response.
type Result[T any] struct {
	Data      T
	FromCache bool
	// Tier is the cache tier that served Data, empty for network results.
	Tier types.Tier
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthenticator sets the bearer token source.
func WithAuthenticator(a Authenticator) Option {
	return func(c *Client) { c.auth = a }
}

// WithGetRetry sets the retry policy for GET requests.
func WithGetRetry(cfg retry.Config) Option {
	return func(c *Client) { c.getRetry = cfg }
}

// WithMutationRetry sets the retry policy for POST, PUT and DELETE.
func WithMutationRetry(cfg retry.Config) Option {
	return func(c *Client) { c.mutationRetry = cfg }
}

// WithDedupGrace sets how long a settled GET stays joinable.
func WithDedupGrace(d time.Duration) Option {
	return func(c *Client) { c.dedupGrace = d }
}

// WithSharedFetchTimeout bounds a deduplicated GET, retries included.
// d <= 0 leaves only the HTTP client's own timeout.
func WithSharedFetchTimeout(d time.Duration) Option {
	return func(c *Client) { c.sharedFetchTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r types.MetricsRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithTracerProvider sets the provider used for request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

// WithCircuitBreaker wraps network dispatch in a circuit breaker.
func WithCircuitBreaker(cfg BreakerConfig) Option {
	return func(c *Client) { c.breakerConfig = &cfg }
}

// WithInvalidateOnFailure makes mutations invalidate their patterns even
// when the request fails.
func WithInvalidateOnFailure(enabled bool) Option {
	return func(c *Client) { c.invalidateOnFailure = enabled }
}

// WithDefaultPolicy caches every GET with p.
func WithDefaultPolicy(p types.Policy) Option {
	return func(c *Client) { c.policies = func(string) types.Policy { return p } }
}

// WithPolicies resolves policies by longest matching path prefix.
func WithPolicies(set types.PolicySet) Option {
	return func(c *Client) { c.policies = set.Resolve }
}

// WithPolicyResolver sets a custom policy resolver.
func WithPolicyResolver(fn PolicyResolver) Option {
	return func(c *Client) { c.policies = fn }
}

// WithOnAuthFailure registers a hook fired after credentials are cleared
// on a terminal authentication failure.
func WithOnAuthFailure(fn func(err error)) Option {
	return func(c *Client) { c.onAuthFailure = fn }
}

// WithHealthTracker reports every network exchange to t under
// health.ComponentUpstream.
func WithHealthTracker(t *health.Tracker) Option {
	return func(c *Client) { c.health = t }
}

// Client issues requests against the upstream API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      Cache
	auth       Authenticator

	getRetry      retry.Config
	mutationRetry retry.Config

	dedupGrace          time.Duration
	sharedFetchTimeout  time.Duration
	invalidateOnFailure bool
	policies            PolicyResolver
	onAuthFailure       func(err error)

	breakerConfig *BreakerConfig
	breaker       *gobreaker.CircuitBreaker

	inflight *inflight
	health   *health.Tracker
	logger   *slog.Logger
	recorder types.MetricsRecorder
	tracer   trace.Tracer
}

// DefaultGetRetry returns the retry policy used for GET requests.
func DefaultGetRetry() retry.Config {
	return retry.DefaultConfig()
}

// DefaultMutationRetry returns the retry policy used for mutations.
func DefaultMutationRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2
	return cfg
}

// New creates a client for baseURL. cache may be nil, which disables caching
// but keeps request deduplication.
func New(baseURL string, cache Cache, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		cache:         cache,
		getRetry:      DefaultGetRetry(),
		mutationRetry: DefaultMutationRetry(),
		dedupGrace:    DefaultDedupGrace,

		sharedFetchTimeout: DefaultSharedFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "api")
	if c.recorder == nil {
		c.recorder = types.NoopRecorder{}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.policies == nil {
		c.policies = func(string) types.Policy { return types.Policy{Tier: types.TierMemory} }
	}
	if c.breakerConfig != nil {
		c.breaker = c.newBreaker(*c.breakerConfig)
	}
	c.inflight = newInflight(c.dedupGrace, c.sharedFetchTimeout)

	return c
}

// BaseURL returns the upstream base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: breakerSuccess,
	})
}

// breakerSuccess counts only upstream and transport failures against the breaker.
func breakerSuccess(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNetworkError, errors.ErrCodeOperationTimeout,
		errors.ErrCodeServerError, errors.ErrCodeServiceUnavailable:
		return false
	}
	return true
}

// Get fetches path and decodes the response data into T.
func Get[T any](ctx context.Context, c *Client, path string, opts GetOptions) (Result[T], error) {
	var res Result[T]
	raw, tier, err := c.get(ctx, path, opts)
	if err != nil {
		return res, err
	}
	if err := decodeData(raw, &res.Data); err != nil {
		return Result[T]{}, err
	}
	res.FromCache = tier != ""
	res.Tier = tier
	return res, nil
}

// Post sends body to path.
func Post[T any](ctx context.Context, c *Client, path string, body any, opts MutateOptions) (Result[T], error) {
	return mutate[T](ctx, c, http.MethodPost, path, body, opts)
}

// Put sends body to path.
func Put[T any](ctx context.Context, c *Client, path string, body any, opts MutateOptions) (Result[T], error) {
	return mutate[T](ctx, c, http.MethodPut, path, body, opts)
}

// Delete issues a DELETE for path. body may be nil.
func Delete[T any](ctx context.Context, c *Client, path string, body any, opts MutateOptions) (Result[T], error) {
	return mutate[T](ctx, c, http.MethodDelete, path, body, opts)
}

func mutate[T any](ctx context.Context, c *Client, method, path string, body any, opts MutateOptions) (Result[T], error) {
	var res Result[T]
	raw, err := c.mutate(ctx, method, path, body, opts)
	if err != nil {
		return res, err
	}
	if err := decodeData(raw, &res.Data); err != nil {
		return Result[T]{}, err
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, path string, opts GetOptions) (json.RawMessage, types.Tier, error) {
	ctx, span := c.tracer.Start(ctx, "api.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", http.MethodGet),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	key := c.RequestKey(path, opts.Params)
	useCache := c.cache != nil && !opts.NoCache

	if useCache && !opts.ForceRefresh {
		if raw, tier, ok := c.cache.Lookup(ctx, key); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true), attribute.String("cache.tier", string(tier)))
			return raw, tier, nil
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	raw, shared, err := c.inflight.do(ctx, key, func(fetchCtx context.Context) (json.RawMessage, error) {
		raw, err := c.do(fetchCtx, http.MethodGet, path, opts.Params, nil, c.getRetry)
		if err == nil && useCache {
			policy := c.policyFor(path, opts.Policy)
			c.cache.Set(fetchCtx, key, raw, policy.TTL, policy.Tier)
		}
		return raw, err
	})
	if shared {
		c.recorder.RecordDedupJoin()
		span.SetAttributes(attribute.Bool("dedup.joined", true))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", err
	}
	return raw, "", nil
}

func (c *Client) mutate(ctx context.Context, method, path string, body any, opts MutateOptions) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "api."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, errors.Wrap(errors.ErrCodeSerializationFailed, "failed to encode request body", err).
				WithComponent("api").
				WithOperation(method)
		}
	}

	raw, err := c.do(ctx, method, path, opts.Params, payload, c.mutationRetry)
	if err == nil || c.invalidateOnFailure {
		c.invalidate(ctx, opts.InvalidateCache)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return raw, nil
}

func (c *Client) invalidate(ctx context.Context, patterns []string) {
	if c.cache == nil {
		return
	}
	for _, pattern := range patterns {
		n, err := c.cache.InvalidatePattern(ctx, pattern)
		if err != nil {
			c.logger.Warn("Skipping invalid cache pattern", "pattern", pattern, "error", err)
			continue
		}
		c.logger.Debug("Invalidated cached responses", "pattern", pattern, "removed", n)
	}
}

func (c *Client) policyFor(path string, override *types.Policy) types.Policy {
	if override != nil {
		return *override
	}
	return c.policies(path)
}

// RequestKey returns the cache and dedup key for a GET of path with params.
func (c *Client) RequestKey(path string, params map[string]any) string {
	if c.cache != nil {
		return c.cache.GenerateKey(path, params)
	}
	if len(params) == 0 {
		return path
	}
	return path + "?" + queryValues(params).Encode()
}

// do sends a request through the retry loop. A 401 triggers one token
// refresh per call; a second 401 or a failed refresh is terminal.
func (c *Client) do(ctx context.Context, method, path string, params map[string]any, body []byte, policy retry.Config) (json.RawMessage, error) {
	target, err := c.resolveURL(path, params)
	if err != nil {
		return nil, err
	}

	hook := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.recorder.RecordRetry(method, attempt)
		c.logger.Debug("Retrying request", "method", method, "path", path,
			"attempt", attempt, "delay", delay, "error", err)
		if hook != nil {
			hook(attempt, err, delay)
		}
	}

	refreshed := false
	return retry.Do(ctx, retry.New(policy), func(ctx context.Context) (json.RawMessage, error) {
		raw, err := c.send(ctx, method, target, body)
		if !errors.IsCode(err, errors.ErrCodeAuthenticationFailed) {
			return raw, err
		}
		if c.auth == nil || refreshed {
			return nil, c.authFailed(err)
		}

		refreshed = true
		if rerr := c.auth.Refresh(ctx); rerr != nil {
			return nil, c.authFailed(rerr)
		}
		raw, err = c.send(ctx, method, target, body)
		if errors.IsCode(err, errors.ErrCodeAuthenticationFailed) {
			return nil, c.authFailed(err)
		}
		return raw, err
	})
}

func (c *Client) authFailed(cause error) error {
	if c.auth != nil {
		c.auth.Clear()
	}

	var e *errors.ReqCacheError
	if rcErr, ok := errors.As(cause); ok && rcErr.Code == errors.ErrCodeAuthenticationFailed {
		e = rcErr
	} else {
		e = errors.Wrap(errors.ErrCodeAuthenticationFailed, "authentication failed", cause).
			WithComponent("api")
		e.HTTPStatus = http.StatusUnauthorized
	}
	e.WithRetryable(false)

	c.logger.Warn("Authentication failed, credentials cleared", "error", cause)
	if c.onAuthFailure != nil {
		c.onAuthFailure(e)
	}
	return e
}

// send performs one HTTP exchange, through the circuit breaker if configured.
func (c *Client) send(ctx context.Context, method, target string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidationFailed, "failed to build request", err).
			WithComponent("api")
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeAuthenticationFailed, "failed to read access token", err).
				WithComponent("api")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if c.breaker == nil {
		raw, err := c.roundTrip(req, requestID)
		c.recordHealth(err)
		return raw, err
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(req, requestID)
	})
	if stderr.Is(err, gobreaker.ErrOpenState) || stderr.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrap(errors.ErrCodeServiceUnavailable, "circuit breaker is open", err).
			WithComponent("api").
			WithOperation(method).
			WithRequestID(requestID).
			WithRetryable(false)
	}
	c.recordHealth(err)
	raw, _ := out.(json.RawMessage)
	return raw, err
}

// recordHealth feeds the upstream component with the same failures the
// breaker counts. Canceled requests say nothing about the upstream.
func (c *Client) recordHealth(err error) {
	if c.health == nil || errors.IsCode(err, errors.ErrCodeOperationCanceled) {
		return
	}
	if breakerSuccess(err) {
		c.health.RecordSuccess(health.ComponentUpstream)
	} else {
		c.health.RecordError(health.ComponentUpstream, err)
	}
}

func (c *Client) roundTrip(req *http.Request, requestID string) (json.RawMessage, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recorder.RecordHTTPRequest(req.Method, 0, time.Since(start))
		return nil, transportError(err).
			WithOperation(req.Method).
			WithRequestID(requestID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	c.recorder.RecordHTTPRequest(req.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, transportError(err).
			WithOperation(req.Method).
			WithRequestID(requestID)
	}

	raw, err := decodeResponse(resp.StatusCode, resp.Header, body)
	if rcErr, ok := errors.As(err); ok {
		rcErr.WithOperation(req.Method).WithRequestID(requestID)
		c.logger.Debug("Request failed", "method", req.Method, "url", req.URL.Path,
			"status", resp.StatusCode, "code", rcErr.Code, "request_id", requestID)
	}
	return raw, err
}

func transportError(err error) *errors.ReqCacheError {
	var netErr net.Error
	switch {
	case stderr.Is(err, context.Canceled):
		return errors.Wrap(errors.ErrCodeOperationCanceled, "request canceled", err).
			WithComponent("api")
	case stderr.Is(err, context.DeadlineExceeded), stderr.As(err, &netErr) && netErr.Timeout():
		return errors.Wrap(errors.ErrCodeOperationTimeout, "request timed out", err).
			WithComponent("api")
	default:
		return errors.Wrap(errors.ErrCodeNetworkError, "request failed", err).
			WithComponent("api")
	}
}

func (c *Client) resolveURL(path string, params map[string]any) (string, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeValidationFailed, "invalid request URL", err).
			WithComponent("api").
			WithDetail("url", target)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range queryValues(params) {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func queryValues(params map[string]any) url.Values {
	q := make(url.Values, len(params))
	for k, v := range params {
		switch vv := v.(type) {
		case nil:
		case []string:
			for _, s := range vv {
				q.Add(k, s)
			}
		case []any:
			for _, s := range vv {
				q.Add(k, fmt.Sprint(s))
			}
		default:
			q.Set(k, fmt.Sprint(vv))
		}
	}
	return q
}
