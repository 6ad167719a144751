package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do executes fn with exponential backoff retries. Errors wrapped with
// Permanent stop immediately and are returned unwrapped.
func Do(ctx context.Context, config Config, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialBackoff
	b.MaxInterval = config.MaxBackoff
	b.Multiplier = config.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var lastErr error
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(fmt.Errorf("retry cancelled: %w", err))
		}
		lastErr = fn()
		return lastErr
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(config.MaxRetries)), ctx))

	var perm *backoff.PermanentError
	switch {
	case err == nil:
		return nil
	case errors.As(lastErr, &perm):
		return perm.Err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if !strings.HasPrefix(err.Error(), "retry cancelled") {
			return fmt.Errorf("retry cancelled: %w", err)
		}
		return err
	default:
		return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, err)
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network errors and temporary failures are retryable
	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
