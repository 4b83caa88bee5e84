package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures a bounded retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// Backoff is the delay before the first retry.
	Backoff time.Duration
	// Multiplier grows the delay between retries. Values <= 1 keep it fixed.
	Multiplier float64
	// MaxBackoff caps the computed delay, before jitter. Zero means no cap.
	MaxBackoff time.Duration
	// Jitter adds a uniformly random delay in [0, Jitter) to each retry.
	Jitter time.Duration

	// jitterFn replaces the random source in tests.
	jitterFn func(max time.Duration) time.Duration
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// StructuringPolicy retries document structuring three times with a fixed
// one minute delay.
func StructuringPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: 60 * time.Second, Multiplier: 1}
}

// ScoringPolicy retries match scoring three times with only a small jitter.
func ScoringPolicy() Policy {
	return Policy{MaxAttempts: 3, Jitter: 2 * time.Second}
}

// Decide reports whether a failure of the given kind on attempt (1-based)
// should be retried, and how long to wait first.
func (p Policy) Decide(attempt int, kind Kind) Decision {
	if kind != KindTransient || attempt >= p.maxAttempts() {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.delay(attempt)}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.Backoff
	if d > 0 && p.Multiplier > 1 && attempt > 1 {
		scaled := float64(d) * math.Pow(p.Multiplier, float64(attempt-1))
		if scaled > float64(math.MaxInt64) {
			scaled = float64(math.MaxInt64)
		}
		d = time.Duration(scaled)
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter > 0 {
		if p.jitterFn != nil {
			d += p.jitterFn(p.Jitter)
		} else {
			d += rand.N(p.Jitter)
		}
	}
	return d
}

// OnRetry is called before sleeping ahead of a retry.
type OnRetry func(attempt int, err error, delay time.Duration)

// Do runs op until it succeeds, fails with a non-transient error, or the
// policy runs out of attempts. The last error is returned unchanged. It
// returns the number of attempts made.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, onRetry OnRetry) (int, error) {
	attempt := 0
	for {
		attempt++
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}

		decision := p.Decide(attempt, Classify(err))
		if !decision.Retry {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err, decision.Delay)
		}
		if err := sleep(ctx, decision.Delay); err != nil {
			return attempt, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
