package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanmatch-backend/internal/documents"
)

func TestNewRateLimitedDisabled(t *testing.T) {
	next := &Fake{}
	assert.Same(t, Client(next), NewRateLimited(next, 0, 5))
}

func TestRateLimitedHonorsContext(t *testing.T) {
	client := NewRateLimited(&Fake{}, 0.001, 1)

	_, err := client.ExtractStructured(context.Background(), "first call uses the burst", documents.KindLender)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = client.ScoreMatch(ctx, map[string]any{"a": 1}, map[string]any{"b": 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFakeIsDeterministic(t *testing.T) {
	f := &Fake{}
	app, err := f.ExtractStructured(context.Background(), "home loan 500000", documents.KindApplication)
	require.NoError(t, err)
	lender, err := f.ExtractStructured(context.Background(), "home loans up to 1000000", documents.KindLender)
	require.NoError(t, err)

	s1, a1, err := f.ScoreMatch(context.Background(), app, lender)
	require.NoError(t, err)
	s2, _, err := f.ScoreMatch(context.Background(), app, lender)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.GreaterOrEqual(t, s1, 0.0)
	assert.LessOrEqual(t, s1, 100.0)
	assert.Equal(t, Category(s1), a1["match_category"])
}
