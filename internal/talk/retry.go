package talk

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ent0n29/pagevoice/internal/reliability"
)

// Retryable reports whether err is worth a fresh attempt: connection
// failures, transient API statuses and session codes that do not repeat
// deterministically.
func Retryable(err error) bool {
	var se *ServerError
	if errors.As(err, &se) {
		return reliability.IsRetryableSessionCode(se.Code)
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return reliability.IsRetryableHTTPStatus(ae.Status)
	}
	return errors.Is(err, ErrConnect)
}

type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are spent. Backoff doubles from Base up to Max.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)
	if logger == nil {
		logger = slog.Default()
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, p.Base, p.Max)
			logger.Info("retrying", "attempt", attempt+1, "attempts", attempts, "backoff", wait, "error", err)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
		err = fn(ctx)
		if err == nil || !Retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
