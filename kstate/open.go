package kstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the attempts made to reach the store.
type RetryConfig struct {
	Attempts uint64
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetryConfig is used when a zero RetryConfig is passed.
var DefaultRetryConfig = RetryConfig{
	Attempts: 5,
	Initial:  500 * time.Millisecond,
	Max:      10 * time.Second,
}

// OpenWithRetry calls open with exponential backoff until it succeeds or the
// attempts are exhausted. The returned error wraps ErrPersistence; callers
// are expected to terminate rather than run without bookkeeping.
func OpenWithRetry(ctx context.Context, log *slog.Logger, cfg RetryConfig, open func(ctx context.Context) (Store, error)) (Store, error) {
	if cfg.Attempts == 0 {
		cfg = DefaultRetryConfig
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.Initial
	if cfg.Max > 0 {
		eb.MaxInterval = cfg.Max
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, cfg.Attempts-1), ctx)

	var store Store
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		s, err := open(ctx)
		if err != nil {
			return err
		}
		store = s
		return nil
	}, b, func(err error, next time.Duration) {
		log.Warn("Status store unavailable, retrying", "attempt", attempt, "next", next, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrPersistence, attempt, err)
	}
	return store, nil
}
