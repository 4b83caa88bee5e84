package llm

import (
	"context"
	"errors"

	"loanmatch-backend/internal/documents"
)

// Client is the text-model collaborator used by document processing and
// match scoring.
type Client interface {
	// ExtractStructured turns extracted document text into a JSON object.
	ExtractStructured(ctx context.Context, rawText string, kind documents.Kind) (map[string]any, error)
	// ScoreMatch scores an application against a lender. The score is in
	// [0,100] and analysis carries the model's breakdown.
	ScoreMatch(ctx context.Context, application, lender map[string]any) (float64, map[string]any, error)
}

// Request is one prompt sent to a provider.
type Request struct {
	Operation string
	System    string
	User      string
}

// Completer sends a prompt to a provider and returns the raw text response.
// Implementations classify provider failures with the retry package.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Model() string
}

var (
	// ErrInvalidOutput is returned when the model output is not valid JSON or
	// does not match the expected shape.
	ErrInvalidOutput = errors.New("invalid model output")
	// ErrEmptyInput is returned when there is nothing to send to the model.
	ErrEmptyInput = errors.New("empty model input")
)

const (
	OperationStructure = "structure"
	OperationScore     = "score"
)

// Category buckets a match score.
func Category(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "very_good"
	case score >= 60:
		return "good"
	case score >= 40:
		return "fair"
	case score >= 20:
		return "poor"
	default:
		return "very_poor"
	}
}
