// Package retry provides retry logic with exponential backoff for upstream calls
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/unisearch/reqcache/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes retried even when the error is not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// Classifier overrides the default retryable/terminal decision
	Classifier func(err error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry configuration used for idempotent reads
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Config returns a copy of the retryer's effective configuration
func (r *Retryer) Config() Config {
	return r.config
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn until it succeeds, fails terminally, or attempts run out.
// Terminal errors are returned unchanged. Exhaustion returns a RETRY_EXHAUSTED
// error whose cause is the last failure.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(attempt-1, err, lastErr)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.isRetryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delayFor(attempt, err)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(attempt, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return errors.Wrap(errors.ErrCodeRetryExhausted,
		fmt.Sprintf("max retry attempts (%d) exceeded", r.config.MaxAttempts), lastErr).
		WithDetail("attempts", r.config.MaxAttempts).
		WithComponent("retry")
}

func canceled(attempts int, ctxErr, lastErr error) error {
	e := errors.Wrap(errors.ErrCodeOperationCanceled,
		fmt.Sprintf("operation canceled after %d attempts", attempts), ctxErr).
		WithDetail("attempts", attempts).
		WithComponent("retry")
	if lastErr != nil {
		e.WithDetail("last_error", lastErr.Error())
	}
	return e
}

// isRetryable determines if an error is retryable
func (r *Retryer) isRetryable(err error) bool {
	if r.config.Classifier != nil {
		return r.config.Classifier(err)
	}
	if len(r.config.RetryableErrors) > 0 {
		code := errors.CodeOf(err)
		for _, c := range r.config.RetryableErrors {
			if c == code {
				return true
			}
		}
	}
	return IsTransient(err)
}

// IsTransient is the default classification: network failures, 5xx and 429
// are transient; everything else, including context cancellation, is terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		// A deadline inside a ReqCacheError is classified by its code below.
		if _, ok := errors.As(err); !ok {
			return false
		}
	}
	if rcErr, ok := errors.As(err); ok {
		return rcErr.Retryable
	}
	var netErr net.Error
	if stderr.As(err, &netErr) {
		return true
	}
	return stderr.Is(err, io.ErrUnexpectedEOF)
}

// delayFor calculates the delay before attempt+1: initialDelay * multiplier^(attempt-1).
// A larger server retry-after hint replaces the computed delay.
func (r *Retryer) delayFor(attempt int, err error) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	if hint := errors.RetryAfterOf(err); hint > 0 && float64(hint) > delay {
		delay = float64(hint)
		if delay > float64(r.config.MaxDelay) {
			delay = float64(r.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithInitialDelay returns a new Retryer with modified initial delay
func (r *Retryer) WithInitialDelay(delay time.Duration) *Retryer {
	newConfig := r.config
	newConfig.InitialDelay = delay
	return New(newConfig)
}

// WithMaxDelay returns a new Retryer with modified max delay
func (r *Retryer) WithMaxDelay(delay time.Duration) *Retryer {
	newConfig := r.config
	newConfig.MaxDelay = delay
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

// Do runs fn under r and returns its value on success.
func Do[T any](ctx context.Context, r *Retryer, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// RetryWithBackoff is a convenience function for simple retry scenarios
func RetryWithBackoff(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(context.Context) error) error {
	cfg := DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.InitialDelay = baseDelay
	return New(cfg).DoWithContext(ctx, fn)
}

// Attempts returns how many attempts were made before err was returned by an
// exhausted or canceled retry loop. It returns 0 for any other error.
func Attempts(err error) int {
	rcErr, ok := errors.As(err)
	if !ok {
		return 0
	}
	if rcErr.Code != errors.ErrCodeRetryExhausted && rcErr.Code != errors.ErrCodeOperationCanceled {
		return 0
	}
	n, _ := rcErr.Details["attempts"].(int)
	return n
}

// LastError unwraps an exhausted retry error to the final underlying failure.
func LastError(err error) error {
	if rcErr, ok := errors.As(err); ok && rcErr.Code == errors.ErrCodeRetryExhausted && rcErr.Cause != nil {
		return rcErr.Cause
	}
	return err
}
