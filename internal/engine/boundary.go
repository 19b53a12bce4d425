package engine

import (
	"context"
	"fmt"
	"time"
)

// ErrorBoundary wraps fallible operations with bounded retry and an
// optional fallback. Nothing routed through it may crash the host process:
// panics are recovered and reported as errors.
type ErrorBoundary struct {
	maxAttempts int
	retryDelay  time.Duration
	logger      Logger
}

func NewErrorBoundary(maxAttempts int, retryDelay time.Duration, logger Logger) *ErrorBoundary {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 250 * time.Millisecond
	}
	return &ErrorBoundary{maxAttempts: maxAttempts, retryDelay: retryDelay, logger: logger}
}

// Run executes fn up to maxAttempts times. If all attempts fail and a
// fallback is supplied, the fallback runs once and its result is returned.
func (b *ErrorBoundary) Run(ctx context.Context, name string, fn, fallback func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		lastErr = b.safeCall(ctx, name, fn)
		if lastErr == nil {
			return nil
		}
		b.logf("%s attempt %d/%d failed: %v", name, attempt, b.maxAttempts, lastErr)
		if attempt == b.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay):
		}
	}
	if fallback != nil {
		if fbErr := b.safeCall(ctx, name+" fallback", fallback); fbErr != nil {
			return fmt.Errorf("%s: %w (fallback failed: %v)", name, lastErr, fbErr)
		}
		b.logf("%s degraded to fallback after %d attempts", name, b.maxAttempts)
		return nil
	}
	return fmt.Errorf("%s: %w", name, lastErr)
}

// Go runs fn on its own goroutine behind the boundary.
func (b *ErrorBoundary) Go(ctx context.Context, name string, fn func(context.Context) error) {
	go func() {
		if err := b.safeCall(ctx, name, fn); err != nil {
			b.logf("%s: %v", name, err)
		}
	}()
}

func (b *ErrorBoundary) safeCall(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (b *ErrorBoundary) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
