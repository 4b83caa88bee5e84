package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/retry"
	"loanmatch-backend/internal/shared/telemetry"
)

// JSONClient implements Client on top of any provider Completer. It owns the
// prompts, one JSON repair round trip and output validation.
type JSONClient struct {
	completer Completer
}

// NewJSONClient wraps a provider.
func NewJSONClient(completer Completer) *JSONClient {
	return &JSONClient{completer: completer}
}

// ExtractStructured implements Client.
func (c *JSONClient) ExtractStructured(ctx context.Context, rawText string, kind documents.Kind) (map[string]any, error) {
	if strings.TrimSpace(rawText) == "" {
		return nil, retry.Input(ErrEmptyInput)
	}
	out, err := c.completeObject(ctx, StructureRequest(rawText, kind))
	if err != nil {
		return nil, err
	}
	if err := validate(structuredSchema, out); err != nil {
		return nil, retry.Permanent(err)
	}
	out["_metadata"] = map[string]any{"model": c.completer.Model()}
	telemetry.Debug("llm.structured", map[string]any{
		"kind":   string(kind),
		"model":  c.completer.Model(),
		"fields": len(out),
	})
	return out, nil
}

// ScoreMatch implements Client. A missing match_category is derived from the
// score.
func (c *JSONClient) ScoreMatch(ctx context.Context, application, lender map[string]any) (float64, map[string]any, error) {
	if len(application) == 0 || len(lender) == 0 {
		return 0, nil, retry.Input(ErrEmptyInput)
	}
	appJSON, err := json.MarshalIndent(application, "", "  ")
	if err != nil {
		return 0, nil, retry.Input(fmt.Errorf("encode application: %w", err))
	}
	lenderJSON, err := json.MarshalIndent(lender, "", "  ")
	if err != nil {
		return 0, nil, retry.Input(fmt.Errorf("encode lender: %w", err))
	}

	out, err := c.completeObject(ctx, MatchRequest(string(appJSON), string(lenderJSON)))
	if err != nil {
		return 0, nil, err
	}
	if err := validate(matchSchema, out); err != nil {
		return 0, nil, retry.Permanent(err)
	}
	score, ok := out["match_score"].(float64)
	if !ok {
		return 0, nil, retry.Permanent(fmt.Errorf("%w: match_score is not a number", ErrInvalidOutput))
	}
	if category, _ := out["match_category"].(string); category == "" {
		out["match_category"] = Category(score)
	}
	return score, out, nil
}

func (c *JSONClient) completeObject(ctx context.Context, req Request) (map[string]any, error) {
	raw, err := c.completer.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if obj, ok := decodeObject(raw); ok {
		return obj, nil
	}

	telemetry.Warn("llm.fix_json", map[string]any{
		"operation": req.Operation,
		"model":     c.completer.Model(),
	})
	raw, err = c.completer.Complete(ctx, fixRequest(req.Operation, raw))
	if err != nil {
		return nil, err
	}
	if obj, ok := decodeObject(raw); ok {
		return obj, nil
	}
	return nil, retry.Permanent(fmt.Errorf("%w: response is not a JSON object", ErrInvalidOutput))
}

func decodeObject(raw string) (map[string]any, bool) {
	raw = stripFence(raw)
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// stripFence removes a surrounding markdown code fence.
func stripFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	if idx := strings.IndexByte(raw, '\n'); idx >= 0 {
		raw = raw[idx+1:]
	} else {
		return ""
	}
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}

var _ Client = (*JSONClient)(nil)
