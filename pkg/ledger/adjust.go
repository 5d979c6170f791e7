package ledger

import (
	"context"
	"math/rand"
	"time"

	"tap-ledger/pkg/money"
)

// RetryPolicy bounds the optimistic read-check-adjust loop.
type RetryPolicy struct {
	// MaxAttempts is the number of conditional writes tried before giving up
	// with ErrContention. Default: 8
	MaxAttempts int

	// Backoff is the base delay between attempts; attempt n waits n*Backoff
	// plus jitter. Default: 2ms
	Backoff time.Duration

	// MaxBackoff caps the delay between attempts. Default: 50ms
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the retry policy used by the engines.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		Backoff:     2 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff == 0 {
		return 0
	}
	d := p.Backoff * time.Duration(attempt)
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// AdjustResult describes a completed AdjustWithRetry call.
type AdjustResult struct {
	Snapshot  Snapshot
	Attempts  int
	Conflicts int
}

// AdjustWithRetry reads the balance, checks that balance+delta stays
// non-negative and applies ConditionalAdjust against the value it read. A
// conflict restarts from the read, at most policy.MaxAttempts times, after
// which ErrContention is returned.
func AdjustWithRetry(ctx context.Context, store AccountStore, accountID string, delta money.Amount, policy RetryPolicy) (AdjustResult, error) {
	policy = policy.withDefaults()
	var res AdjustResult

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return res, err
		}

		balance, err := store.GetBalance(ctx, accountID)
		if err != nil {
			return res, err
		}
		next, err := balance.Add(delta)
		if err != nil {
			return res, err
		}
		if next.IsNegative() {
			return res, ErrInsufficientFunds
		}

		snap, err := store.ConditionalAdjust(ctx, accountID, delta, balance)
		if err == nil {
			res.Snapshot = snap
			return res, nil
		}
		if !IsConflict(err) {
			return res, err
		}
		res.Conflicts++

		if attempt < policy.MaxAttempts {
			if err := sleep(ctx, policy.delay(attempt)); err != nil {
				return res, err
			}
		}
	}

	return res, ErrContention
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
