package retry

import (
	"context"
	stderr "errors"
	"io"
	"testing"
	"time"

	"github.com/unisearch/reqcache/pkg/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_Success(t *testing.T) {
	calls := 0
	err := New(fastConfig(3)).Do(func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetryer_RetryableThenSuccess(t *testing.T) {
	calls := 0
	err := New(fastConfig(3)).Do(func() error {
		calls++
		if calls < 3 {
			return errors.FromHTTPStatus(503, "unavailable")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryer_TerminalError(t *testing.T) {
	calls := 0
	terminal := errors.FromHTTPStatus(400, "bad request")
	err := New(fastConfig(5)).Do(func() error {
		calls++
		return terminal
	})

	if calls != 1 {
		t.Errorf("Expected 1 call for terminal error, got %d", calls)
	}
	if err != terminal {
		t.Errorf("Expected terminal error to propagate unchanged, got %v", err)
	}
	if Attempts(err) != 0 {
		t.Errorf("Terminal errors should not carry an attempt count")
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	calls := 0
	last := errors.FromHTTPStatus(503, "still down")
	err := New(fastConfig(4)).Do(func() error {
		calls++
		return last
	})

	if calls != 4 {
		t.Errorf("Expected 4 calls, got %d", calls)
	}
	if !errors.IsCode(err, errors.ErrCodeRetryExhausted) {
		t.Fatalf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if Attempts(err) != 4 {
		t.Errorf("Attempts = %d, want 4", Attempts(err))
	}
	if !stderr.Is(err, last) {
		t.Error("exhausted error should wrap the last failure")
	}
	if LastError(err) != last {
		t.Errorf("LastError = %v, want the final failure", LastError(err))
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	config := fastConfig(5)
	config.InitialDelay = time.Second
	config.MaxDelay = time.Second

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- New(config).DoWithContext(ctx, func(ctx context.Context) error {
			calls++
			return errors.NewError(errors.ErrCodeNetworkError, "offline")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.IsCode(err, errors.ErrCodeOperationCanceled) {
			t.Errorf("Expected OPERATION_CANCELED, got %v", err)
		}
		if !stderr.Is(err, context.Canceled) {
			t.Error("canceled error should wrap context.Canceled")
		}
		if Attempts(err) != 1 {
			t.Errorf("Attempts = %d, want 1", Attempts(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not stop on cancellation")
	}
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 4
	config.InitialDelay = 10 * time.Millisecond
	config.MaxDelay = time.Second

	delays := []time.Duration{}
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	_ = New(config).Do(func() error {
		return errors.NewError(errors.ErrCodeNetworkError, "network error")
	})

	// baseDelay * 2^(n-1): 10ms, 20ms, 40ms
	expectedDelays := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}

	if len(delays) != len(expectedDelays) {
		t.Fatalf("Expected %d delays, got %d", len(expectedDelays), len(delays))
	}
	for i, expected := range expectedDelays {
		if delays[i] != expected {
			t.Errorf("Delay %d: expected %v, got %v", i, expected, delays[i])
		}
	}
}

func TestRetryer_ElapsedTimeGrowsGeometrically(t *testing.T) {
	config := fastConfig(3)
	config.InitialDelay = 30 * time.Millisecond
	config.MaxDelay = time.Second

	var stamps []time.Time
	calls := 0
	err := New(config).Do(func() error {
		stamps = append(stamps, time.Now())
		calls++
		if calls < 3 {
			return errors.NewError(errors.ErrCodeServerError, "boom")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	if second < first*3/2 {
		t.Errorf("second gap %v should be roughly twice the first %v", second, first)
	}
}

func TestRetryer_MaxDelayCap(t *testing.T) {
	config := fastConfig(5)
	config.InitialDelay = 4 * time.Millisecond
	config.MaxDelay = 8 * time.Millisecond

	var delays []time.Duration
	config.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }

	_ = New(config).Do(func() error { return errors.NewError(errors.ErrCodeNetworkError, "x") })

	for i, d := range delays {
		if d > 8*time.Millisecond {
			t.Errorf("Delay %d = %v exceeds cap", i, d)
		}
	}
}

func TestRetryer_RetryAfterHint(t *testing.T) {
	config := fastConfig(2)
	config.MaxDelay = 50 * time.Millisecond

	var got time.Duration
	config.OnRetry = func(_ int, _ error, d time.Duration) { got = d }

	_ = New(config).Do(func() error {
		return errors.FromHTTPStatus(429, "slow down").WithRetryAfter(25 * time.Millisecond)
	})

	if got != 25*time.Millisecond {
		t.Errorf("Delay = %v, want the 25ms retry-after hint", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", errors.NewError(errors.ErrCodeNetworkError, "x"), true},
		{"server", errors.FromHTTPStatus(500, ""), true},
		{"rate limited", errors.FromHTTPStatus(429, ""), true},
		{"validation", errors.FromHTTPStatus(422, ""), false},
		{"auth", errors.FromHTTPStatus(401, ""), false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"plain", stderr.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryer_CustomClassifier(t *testing.T) {
	config := fastConfig(3)
	config.Classifier = func(err error) bool { return true }

	calls := 0
	_ = New(config).Do(func() error {
		calls++
		return stderr.New("plain")
	})

	if calls != 3 {
		t.Errorf("Expected classifier to force 3 calls, got %d", calls)
	}
}

func TestRetryer_WithMethods(t *testing.T) {
	base := New(fastConfig(3))

	if got := base.WithMaxAttempts(7).Config().MaxAttempts; got != 7 {
		t.Errorf("WithMaxAttempts = %d, want 7", got)
	}
	if got := base.WithInitialDelay(5 * time.Millisecond).Config().InitialDelay; got != 5*time.Millisecond {
		t.Errorf("WithInitialDelay = %v, want 5ms", got)
	}
	if got := base.WithMaxDelay(time.Second).Config().MaxDelay; got != time.Second {
		t.Errorf("WithMaxDelay = %v, want 1s", got)
	}
	if base.Config().MaxAttempts != 3 {
		t.Error("With* methods must not mutate the receiver")
	}
}

func TestDo_Generic(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), New(fastConfig(3)), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.NewError(errors.ErrCodeNetworkError, "blip")
		}
		return "ok", nil
	})

	if err != nil || v != "ok" {
		t.Errorf("Do = (%q, %v), want (ok, nil)", v, err)
	}
}

func TestRetryWithBackoff_Convenience(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), 2, time.Millisecond, func(ctx context.Context) error {
		calls++
		return errors.NewError(errors.ErrCodeNetworkError, "down")
	})

	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if Attempts(err) != 2 {
		t.Errorf("Attempts = %d, want 2", Attempts(err))
	}
}
