package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"
)

// Backoff computes exponential delays with deterministic jitter.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// DefaultBackoff is used for startup connection retries.
var DefaultBackoff = Backoff{Base: 250 * time.Millisecond, Max: 10 * time.Second, MaxJitter: 250 * time.Millisecond}

// Delay returns the wait before attempt (0-based). The jitter is derived from
// key and attempt, so the same inputs always produce the same delay.
func (b Backoff) Delay(key string, attempt int) time.Duration {
	shift := attempt
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	d := b.Base * time.Duration(int64(1)<<shift)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	return d + b.jitter(key, attempt)
}

func (b Backoff) jitter(key string, attempt int) time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	return time.Duration(binary.BigEndian.Uint64(sum[:8]) % uint64(b.MaxJitter))
}

// Retry calls fn until it succeeds, attempts are exhausted, or ctx ends. It
// returns the last error from fn.
func Retry(ctx context.Context, b Backoff, key string, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		delay := b.Delay(key, attempt)
		slog.Default().WarnContext(ctx, "retrying", "operation", key, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %w)", key, ctx.Err(), err)
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", key, attempts, err)
}
