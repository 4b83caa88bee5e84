package llm

import (
	"context"
	"hash/fnv"
	"strings"

	"loanmatch-backend/internal/documents"
)

// Fake is a deterministic Client used by tests and the "fake" provider.
// Either function may be set to override the default behavior.
type Fake struct {
	ExtractFunc func(ctx context.Context, rawText string, kind documents.Kind) (map[string]any, error)
	ScoreFunc   func(ctx context.Context, application, lender map[string]any) (float64, map[string]any, error)
}

func (f *Fake) ExtractStructured(ctx context.Context, rawText string, kind documents.Kind) (map[string]any, error) {
	if f != nil && f.ExtractFunc != nil {
		return f.ExtractFunc(ctx, rawText, kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(rawText)
	if len(text) > 200 {
		text = text[:200]
	}
	return map[string]any{
		"kind":    string(kind),
		"excerpt": text,
		"words":   len(strings.Fields(rawText)),
	}, nil
}

// ScoreMatch derives a stable score from the two excerpts.
func (f *Fake) ScoreMatch(ctx context.Context, application, lender map[string]any) (float64, map[string]any, error) {
	if f != nil && f.ScoreFunc != nil {
		return f.ScoreFunc(ctx, application, lender)
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(excerpt(application)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(excerpt(lender)))
	score := float64(h.Sum32() % 101)
	return score, map[string]any{
		"match_score":    score,
		"match_category": Category(score),
		"summary":        "deterministic score",
	}, nil
}

func excerpt(data map[string]any) string {
	if s, ok := data["excerpt"].(string); ok {
		return s
	}
	return ""
}

var _ Client = (*Fake)(nil)
