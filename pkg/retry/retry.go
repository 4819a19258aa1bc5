// Package retry provides exponential backoff for reconnect loops.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds backoff configuration.
type Config struct {
	MaxAttempts int           // Retries after the first attempt (0 = infinite)
	InitialWait time.Duration // First delay
	MaxWait     time.Duration // Delay cap
	Multiplier  float64       // Growth per attempt
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig matches the reconnect pacing of the peer client.
func DefaultConfig() Config {
	return Config{
		InitialWait: 1 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// PermanentError ends a retry sequence.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	return e.Err.Error()
}

func (e PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p PermanentError
	return errors.As(err, &p)
}

// Backoff yields successive delays for one retry sequence.
type Backoff struct {
	cfg     Config
	attempt int
}

// NewBackoff starts a sequence.
func NewBackoff(cfg Config) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	wait := float64(b.cfg.InitialWait) * math.Pow(b.cfg.Multiplier, float64(b.attempt))
	if b.cfg.MaxWait > 0 && wait > float64(b.cfg.MaxWait) {
		wait = float64(b.cfg.MaxWait)
	}
	if b.cfg.Jitter > 0 {
		wait += wait * b.cfg.Jitter * (rand.Float64()*2 - 1)
	}
	b.attempt++
	return time.Duration(wait)
}

// Reset restarts the sequence after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Exhausted reports whether MaxAttempts delays were handed out.
func (b *Backoff) Exhausted() bool {
	return b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
