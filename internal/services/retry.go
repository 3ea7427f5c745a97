package services

import (
	"context"
	"time"

	"CampusPay/internal/apperr"
	"CampusPay/internal/chain"
)

// RetryPolicy bounds verification retries. Only retryable errors are retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	RPCTimeout     time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// verifyWithRetry calls VerifyTransaction until it succeeds, fails with a
// non-retryable error, or runs out of attempts.
func verifyWithRetry(ctx context.Context, client chain.Client, hash string, p RetryPolicy, sleep func(context.Context, time.Duration) error) (*chain.Transfer, int, error) {
	if sleep == nil {
		sleep = sleepCtx
	}
	limit := p.attempts()
	for attempt := 1; ; attempt++ {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if p.RPCTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, p.RPCTimeout)
		}
		t, err := client.VerifyTransaction(rctx, hash)
		cancel()
		if err == nil {
			return t, attempt, nil
		}
		if _, ok := apperr.As(err); !ok {
			err = apperr.Wrap(apperr.ErrVerificationNetwork, err)
		}
		if !apperr.IsRetryable(err) || attempt >= limit {
			return nil, attempt, err
		}
		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return nil, attempt, apperr.Wrap(apperr.ErrVerificationNetwork, serr)
		}
	}
}
