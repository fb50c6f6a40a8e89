// Package retry provides backoff and retry logic for reconnecting broker streams
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Policy selects how the delay grows between attempts.
type Policy int

const (
	// Fixed waits InitialDelay between every attempt.
	Fixed Policy = iota
	// Exponential multiplies the delay by Multiplier after each attempt, capped at MaxDelay.
	Exponential
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case Fixed:
		return "fixed"
	case Exponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "fixed" or "exponential". The empty string means Fixed.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "fixed":
		return Fixed, nil
	case "exponential":
		return Exponential, nil
	default:
		return Fixed, fmt.Errorf("unknown retry policy %q", s)
	}
}

// Config provides retry configuration
type Config struct {
	Policy       Policy        // Fixed or Exponential growth
	MaxAttempts  int           // Maximum number of attempts for Do (0 = run once)
	InitialDelay time.Duration // Initial delay between attempts
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Backoff multiplier for Exponential (typically 2.0)
	AddJitter    bool          // Add up to 25% randomness to prevent thundering herd
}

// DefaultConfig returns sensible defaults for retry operations
func DefaultConfig() Config {
	return Config{
		Policy:       Exponential,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Interval returns a fixed-interval config, the default for endpoint reconnection.
func Interval(d time.Duration) Config {
	return Config{
		Policy:       Fixed,
		InitialDelay: d,
		MaxDelay:     d,
		Multiplier:   1,
	}
}

// normalize validates cfg and fills zero values.
func (cfg Config) normalize() (Config, error) {
	if cfg.InitialDelay < 0 {
		return cfg, errors.New("retry: InitialDelay cannot be negative")
	}
	if cfg.MaxDelay < 0 {
		return cfg, errors.New("retry: MaxDelay cannot be negative")
	}
	if cfg.Multiplier < 0 {
		return cfg, errors.New("retry: Multiplier cannot be negative")
	}
	// Prevent overflow with extremely large multipliers
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = cfg.InitialDelay
		if cfg.Policy == Exponential {
			cfg.MaxDelay = 5 * time.Second
		}
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return cfg, nil
}

// Backoff produces successive delays for one retry sequence. It is not safe
// for concurrent use; each reconnecting worker owns its own Backoff.
type Backoff struct {
	cfg     Config
	attempt int
	next    time.Duration
}

// NewBackoff creates a Backoff from cfg.
func NewBackoff(cfg Config) (*Backoff, error) {
	n, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &Backoff{cfg: n, next: n.InitialDelay}, nil
}

// Next returns the delay to wait before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	delay := b.next
	b.attempt++

	if b.cfg.Policy == Exponential {
		grown := float64(b.next) * b.cfg.Multiplier
		if grown > float64(b.cfg.MaxDelay) || grown > float64(time.Duration(1<<63-1)) {
			b.next = b.cfg.MaxDelay
		} else {
			b.next = time.Duration(grown)
		}
	}

	if b.cfg.AddJitter && delay >= 4 {
		randMu.Lock()
		jitter := time.Duration(randSource.Int63n(int64(delay / 4)))
		randMu.Unlock()
		delay += jitter
	}
	return delay
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset restarts the sequence after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.next = b.cfg.InitialDelay
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes fn with backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}
	backoff := &Backoff{cfg: cfg, next: cfg.InitialDelay}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}

		// Don't sleep after the last attempt
		if attempt == cfg.MaxAttempts {
			break
		}

		if err := Sleep(ctx, backoff.Next()); err != nil {
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, err)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
