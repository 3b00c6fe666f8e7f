package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unisearch/reqcache/internal/cache"
	"github.com/unisearch/reqcache/internal/logging"
	"github.com/unisearch/reqcache/pkg/errors"
	"github.com/unisearch/reqcache/pkg/health"
	"github.com/unisearch/reqcache/pkg/retry"
	"github.com/unisearch/reqcache/pkg/types"
)

type university struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type upstream struct {
	*httptest.Server
	calls atomic.Int32
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(data any) map[string]any {
	return map[string]any{"success": true, "data": data}
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) (*Client, *cache.Service) {
	t.Helper()
	svc := cache.NewService(cache.Config{}, cache.WithLogger(logging.Discard()))
	base := []Option{
		WithLogger(logging.Discard()),
		WithGetRetry(fastRetry(3)),
		WithMutationRetry(fastRetry(2)),
	}
	return New(baseURL, svc, append(base, opts...)...), svc
}

// countingRecorder records the client-side events tests care about.
type countingRecorder struct {
	types.NoopRecorder
	joins   atomic.Int32
	retries atomic.Int32
	http    atomic.Int32
}

func (r *countingRecorder) RecordDedupJoin()                             { r.joins.Add(1) }
func (r *countingRecorder) RecordRetry(string, int)                      { r.retries.Add(1) }
func (r *countingRecorder) RecordHTTPRequest(string, int, time.Duration) { r.http.Add(1) }

func TestGet_CachesResponse(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ok(university{ID: 1, Name: "MIT"}))
	})
	c, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	first, err := Get[university](ctx, c, "/api/universities/1", GetOptions{})
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, "MIT", first.Data.Name)

	second, err := Get[university](ctx, c, "/api/universities/1", GetOptions{})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, types.TierMemory, second.Tier)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestGet_NoCacheAndForceRefresh(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ok([]int{1, 2, 3}))
	})
	c, svc := newTestClient(t, srv.URL, WithDedupGrace(0))
	ctx := context.Background()

	_, err := Get[[]int](ctx, c, "/api/rankings", GetOptions{NoCache: true})
	require.NoError(t, err)
	_, _, hit := svc.Lookup(ctx, svc.GenerateKey("/api/rankings", nil))
	assert.False(t, hit, "NoCache responses are not written")

	_, err = Get[[]int](ctx, c, "/api/rankings", GetOptions{})
	require.NoError(t, err)
	res, err := Get[[]int](ctx, c, "/api/rankings", GetOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, []int{1, 2, 3}, res.Data)
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestGet_ParamsAndPolicy(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CA", r.URL.Query().Get("state"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		writeJSON(w, http.StatusOK, ok([]university{{ID: 7, Name: "Stanford"}}))
	})
	c, svc := newTestClient(t, srv.URL, WithPolicies(types.PolicySet{
		Default: types.Policy{TTL: time.Minute, Tier: types.TierMemory},
		Rules: map[string]types.Policy{
			"/api/search": {Tier: types.TierHybrid},
		},
	}))
	ctx := context.Background()

	_, err := Get[[]university](ctx, c, "/api/search", GetOptions{
		Params: map[string]any{"state": "CA", "page": 2},
	})
	require.NoError(t, err)

	key := svc.GenerateKey("/api/search", map[string]any{"page": 2, "state": "CA"})
	svc.Clear(ctx, types.TierMemory)
	_, tier, hit := svc.Lookup(ctx, key)
	require.True(t, hit)
	assert.Equal(t, types.TierDurable, tier, "hybrid policy writes through to durable")
}

func TestGet_DeduplicatesConcurrentRequests(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		writeJSON(w, http.StatusOK, ok(university{ID: 3, Name: "Caltech"}))
	})
	rec := &countingRecorder{}
	c, _ := newTestClient(t, srv.URL, WithRecorder(rec))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result[university], 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = Get[university](ctx, c, "/api/universities/3", GetOptions{})
	}()
	<-arrived

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = Get[university](ctx, c, "/api/universities/3", GetOptions{})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Data, results[1].Data)
	assert.Equal(t, int32(1), srv.calls.Load())
	assert.Equal(t, int32(1), rec.joins.Load())
}

func TestGet_DedupGraceWindow(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ok(r.URL.Path))
	})
	c, _ := newTestClient(t, srv.URL, WithDedupGrace(30*time.Millisecond))
	ctx := context.Background()

	_, err := Get[string](ctx, c, "/api/stats", GetOptions{NoCache: true})
	require.NoError(t, err)
	_, err = Get[string](ctx, c, "/api/stats", GetOptions{NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.calls.Load(), "settled call is shared during the grace period")

	require.Eventually(t, func() bool { return c.inflight.pending() == 0 }, time.Second, 5*time.Millisecond)
	_, err = Get[string](ctx, c, "/api/stats", GetOptions{NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestGet_LeaderCancellationSparesJoinedCallers(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		writeJSON(w, http.StatusOK, ok(university{ID: 4, Name: "Yale"}))
	})
	c, svc := newTestClient(t, srv.URL)
	path := "/api/universities/4"

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := Get[university](leaderCtx, c, path, GetOptions{})
		leaderErr <- err
	}()
	<-arrived

	type outcome struct {
		res Result[university]
		err error
	}
	joined := make(chan outcome, 1)
	go func() {
		res, err := Get[university](context.Background(), c, path, GetOptions{})
		joined <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	err := <-leaderErr
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))

	close(release)
	got := <-joined
	require.NoError(t, got.err)
	assert.Equal(t, "Yale", got.res.Data.Name)
	assert.Equal(t, int32(1), srv.calls.Load())

	_, _, hit := svc.Lookup(context.Background(), c.RequestKey(path, nil))
	assert.True(t, hit, "the shared fetch still populates the cache")
}

func TestGet_BareJSONBody(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []string{"a", "b"})
	})
	c, _ := newTestClient(t, srv.URL)

	res, err := Get[[]string](context.Background(), c, "/api/tags", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Data)
}

func TestRequest_Headers(t *testing.T) {
	seen := make(chan http.Header, 2)
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		writeJSON(w, http.StatusOK, ok(nil))
	})
	c, _ := newTestClient(t, srv.URL, WithAuthenticator(NewStaticTokens("tok", "", nil)))
	ctx := context.Background()

	_, err := Get[any](ctx, c, "/a", GetOptions{NoCache: true})
	require.NoError(t, err)
	_, err = Post[any](ctx, c, "/b", map[string]string{"x": "y"}, MutateOptions{})
	require.NoError(t, err)

	h1, h2 := <-seen, <-seen
	assert.Equal(t, "Bearer tok", h1.Get("Authorization"))
	assert.NotEmpty(t, h1.Get(RequestIDHeader))
	assert.NotEqual(t, h1.Get(RequestIDHeader), h2.Get(RequestIDHeader))
	assert.Equal(t, "application/json", h2.Get("Content-Type"))
}

func TestAuth_RefreshOnce(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, ok("profile"))
	})

	refreshes := 0
	tokens := NewStaticTokens("stale", "r1", func(ctx context.Context, refresh string) (string, string, error) {
		refreshes++
		assert.Equal(t, "r1", refresh)
		return "fresh", "r2", nil
	})
	c, _ := newTestClient(t, srv.URL, WithAuthenticator(tokens))

	res, err := Get[string](context.Background(), c, "/api/me", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "profile", res.Data)
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, int32(2), srv.calls.Load())

	token, _ := tokens.Token(context.Background())
	assert.Equal(t, "fresh", token)
}

func TestAuth_SecondUnauthorizedIsTerminal(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "nope"})
	})

	tokens := NewStaticTokens("stale", "r1", func(ctx context.Context, refresh string) (string, string, error) {
		return "still-bad", "", nil
	})
	var hookErr error
	c, _ := newTestClient(t, srv.URL,
		WithAuthenticator(tokens),
		WithOnAuthFailure(func(err error) { hookErr = err }),
	)

	_, err := Get[string](context.Background(), c, "/api/me", GetOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthenticationFailed, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))
	assert.Equal(t, int32(2), srv.calls.Load(), "one refresh, no retries")
	assert.Equal(t, err, hookErr)

	token, _ := tokens.Token(context.Background())
	assert.Empty(t, token, "credentials are cleared")
}

func TestAuth_RefreshFailure(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	tokens := NewStaticTokens("stale", "r1", func(ctx context.Context, refresh string) (string, string, error) {
		return "", "", fmt.Errorf("refresh token revoked")
	})
	c, _ := newTestClient(t, srv.URL, WithAuthenticator(tokens))

	_, err := Get[string](context.Background(), c, "/api/me", GetOptions{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthenticationFailed))
	assert.True(t, errors.IsCode(err, errors.ErrCodeTokenExpired))
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestRateLimited_RetryAfterHint(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "error": "slow down"})
	})
	c, _ := newTestClient(t, srv.URL, WithGetRetry(fastRetry(1)))

	_, err := Get[string](context.Background(), c, "/api/search", GetOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRateLimited))
	assert.Equal(t, 7*time.Second, errors.RetryAfterOf(err))
}

func TestRateLimited_RetriedThenSucceeds(t *testing.T) {
	var srv *upstream
	srv = newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if srv.calls.Load() == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, ok("done"))
	})
	rec := &countingRecorder{}
	c, _ := newTestClient(t, srv.URL, WithRecorder(rec))

	res, err := Get[string](context.Background(), c, "/api/search", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Data)
	assert.Equal(t, int32(2), srv.calls.Load())
	assert.Equal(t, int32(1), rec.retries.Load())
	assert.Equal(t, int32(2), rec.http.Load())
}

func TestValidationFailure_NotRetried(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "invalid profile",
			"code":    "VALIDATION_ERROR",
			"details": map[string]string{"gpa": "must be between 0 and 4"},
		})
	})
	c, _ := newTestClient(t, srv.URL, WithMutationRetry(fastRetry(5)))

	_, err := Put[any](context.Background(), c, "/api/profile", map[string]any{"gpa": 5}, MutateOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), srv.calls.Load())

	rcErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeValidationFailed, rcErr.Code)
	assert.Equal(t, "invalid profile", rcErr.Message)
	assert.Equal(t, "must be between 0 and 4", rcErr.FieldErrors["gpa"])
	assert.Equal(t, "VALIDATION_ERROR", rcErr.Details["server_code"])
	assert.Equal(t, http.StatusBadRequest, rcErr.HTTPStatus)
	assert.NotEmpty(t, rcErr.RequestID)
}

func TestServiceUnavailable_RetriedToExhaustion(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c, svc := newTestClient(t, srv.URL)

	_, err := Get[string](context.Background(), c, "/api/recommendations", GetOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(3), srv.calls.Load())
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetryExhausted))
	assert.True(t, errors.IsCode(err, errors.ErrCodeServiceUnavailable))
	assert.Equal(t, 3, retry.Attempts(err))

	_, _, hit := svc.Lookup(context.Background(), "/api/recommendations")
	assert.False(t, hit, "failures are not cached")
}

func TestEnvelopeFailureWithOKStatus(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "no such school", "code": "NOT_FOUND"})
	})
	c, _ := newTestClient(t, srv.URL)

	_, err := Get[university](context.Background(), c, "/api/universities/999", GetOptions{})
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestNetworkError_Retried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := newTestClient(t, url, WithGetRetry(fastRetry(2)))
	_, err := Get[string](context.Background(), c, "/api/x", GetOptions{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetryExhausted))
	assert.True(t, errors.IsCode(err, errors.ErrCodeNetworkError))
	assert.Equal(t, 2, retry.Attempts(err))
}

func TestMutation_InvalidatesOnSuccess(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ok([]int{1}))
	})
	c, svc := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := Get[[]int](ctx, c, "/api/bookmarks", GetOptions{Params: map[string]any{"page": 1}})
	require.NoError(t, err)
	_, err = Get[[]int](ctx, c, "/api/universities", GetOptions{})
	require.NoError(t, err)

	_, err = Post[any](ctx, c, "/api/bookmarks", map[string]int{"id": 4}, MutateOptions{
		InvalidateCache: []string{"^/api/bookmarks", "("},
	})
	require.NoError(t, err)

	_, _, hit := svc.Lookup(ctx, svc.GenerateKey("/api/bookmarks", map[string]any{"page": 1}))
	assert.False(t, hit)
	_, _, hit = svc.Lookup(ctx, "/api/universities")
	assert.True(t, hit, "unrelated entries survive")
}

func TestMutation_FailureInvalidation(t *testing.T) {
	tests := []struct {
		name     string
		opt      Option
		wantKept bool
	}{
		{"kept by default", WithInvalidateOnFailure(false), true},
		{"dropped when configured", WithInvalidateOnFailure(true), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodDelete {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, ok("saved"))
			})
			c, svc := newTestClient(t, srv.URL, tt.opt)
			ctx := context.Background()

			_, err := Get[string](ctx, c, "/api/bookmarks", GetOptions{})
			require.NoError(t, err)

			_, err = Delete[any](ctx, c, "/api/bookmarks/4", nil, MutateOptions{InvalidateCache: []string{"^/api/bookmarks"}})
			require.Error(t, err)
			assert.Equal(t, 2, retry.Attempts(err), "mutations use the smaller budget")

			_, _, hit := svc.Lookup(ctx, "/api/bookmarks")
			assert.Equal(t, tt.wantKept, hit)
		})
	}
}

func TestCircuitBreaker_Opens(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, _ := newTestClient(t, srv.URL,
		WithGetRetry(fastRetry(1)),
		WithDedupGrace(0),
		WithCircuitBreaker(BreakerConfig{FailureThreshold: 2, Timeout: time.Minute}),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := Get[string](ctx, c, "/api/x", GetOptions{})
		require.True(t, errors.IsCode(err, errors.ErrCodeServerError))
	}

	_, err := Get[string](ctx, c, "/api/x", GetOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeServiceUnavailable))
	assert.Equal(t, int32(2), srv.calls.Load(), "open breaker does not dispatch")
}

func TestCircuitBreaker_IgnoresClientErrors(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c, _ := newTestClient(t, srv.URL,
		WithDedupGrace(0),
		WithCircuitBreaker(BreakerConfig{FailureThreshold: 1}),
	)

	for i := 0; i < 3; i++ {
		_, err := Get[string](context.Background(), c, "/api/missing", GetOptions{})
		assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
	}
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestHealthTracker_Upstream(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, ok("fine"))
	})

	tracker := health.NewTracker(health.TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 5})
	tracker.RegisterComponent(health.ComponentUpstream, nil)
	c, _ := newTestClient(t, srv.URL, WithHealthTracker(tracker), WithDedupGrace(0))
	ctx := context.Background()

	_, err := Get[string](ctx, c, "/api/x", GetOptions{NoCache: true})
	require.Error(t, err)
	assert.Equal(t, health.StateDegraded, tracker.GetState(health.ComponentUpstream))

	failing.Store(false)
	for i := 0; i < 3; i++ {
		_, err = Get[string](ctx, c, "/api/x", GetOptions{NoCache: true})
		require.NoError(t, err)
	}
	assert.Equal(t, health.StateHealthy, tracker.GetState(health.ComponentUpstream))
}
