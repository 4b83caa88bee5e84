package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"loanmatch-backend/internal/documents"
)

// RateLimited throttles calls to the wrapped client across all callers.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited returns next unchanged when perSecond is not positive.
func NewRateLimited(next Client, perSecond float64, burst int) Client {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) ExtractStructured(ctx context.Context, rawText string, kind documents.Kind) (map[string]any, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.ExtractStructured(ctx, rawText, kind)
}

func (r *RateLimited) ScoreMatch(ctx context.Context, application, lender map[string]any) (float64, map[string]any, error) {
	if err := r.wait(ctx); err != nil {
		return 0, nil, err
	}
	return r.next.ScoreMatch(ctx, application, lender)
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("llm rate limit wait: %w", ctxErr)
		}
		// The wait would outlast the context deadline.
		return fmt.Errorf("llm rate limit wait: %w", context.DeadlineExceeded)
	}
	return nil
}
