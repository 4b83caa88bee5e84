package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/llm"
	"loanmatch-backend/internal/matches"
	"loanmatch-backend/internal/retry"
	"loanmatch-backend/internal/shared/metrics"
	"loanmatch-backend/internal/shared/telemetry"
	"loanmatch-backend/internal/shared/util"
)

var errLenderUnavailable = errors.New("lender is no longer available for matching")

// runUnit scores one record. Every outcome, including a panic, is recorded
// on the record itself.
func (c *Coordinator) runUnit(ctx context.Context, app documents.Document, rec matches.Record, lender *documents.Document) {
	startedAt := time.Now()
	claimed := false
	metrics.MatchUnitsInFlight.Inc()
	defer metrics.MatchUnitsInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			if !claimed {
				claimed = c.claimUnit(ctx, rec)
			}
			if claimed {
				c.settleFailed(ctx, rec, fmt.Errorf("panic: %v", r), 0, startedAt)
			}
		}
	}()

	if claimed = c.claimUnit(ctx, rec); !claimed {
		return
	}
	if lender == nil {
		c.settleFailed(ctx, rec, errLenderUnavailable, 0, startedAt)
		return
	}

	var (
		score    float64
		analysis map[string]any
	)
	attempts, err := retry.Do(ctx, c.Options.ScorePolicy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.Options.ScoreTimeout)
		defer cancel()
		s, a, err := c.LLM.ScoreMatch(callCtx, app.StructuredData, lender.StructuredData)
		if err != nil {
			return err
		}
		if math.IsNaN(s) || s < 0 || s > 100 {
			return retry.Permanent(fmt.Errorf("score %v out of range", s))
		}
		score, analysis = s, a
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		metrics.IncRetry(llm.OperationScore)
		telemetry.Warn("match.unit.retry", map[string]any{
			"match_id":  rec.ID,
			"lender_id": rec.LenderID,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
			"error":     util.SanitizeError(err),
		})
	})
	if err != nil {
		c.settleFailed(ctx, rec, err, attempts, startedAt)
		return
	}

	if analysis == nil {
		analysis = map[string]any{}
	}
	if _, ok := analysis["match_category"]; !ok {
		analysis["match_category"] = llm.Category(score)
	}
	won, err := c.Manager.TransitionTo(ctx, rec.ID, matches.StatusCompleted, matches.Payload{
		Score:    &score,
		Analysis: analysis,
		Attempts: attempts,
	})
	if err != nil {
		c.logPersistError(rec, err)
		return
	}
	if !won {
		return
	}
	elapsed := time.Since(startedAt)
	metrics.ObserveMatchUnit("completed", elapsed)
	telemetry.Info("match.unit.completed", map[string]any{
		"match_id":       rec.ID,
		"application_id": rec.ApplicationID,
		"lender_id":      rec.LenderID,
		"run_token":      rec.RunToken,
		"score":          score,
		"attempts":       attempts,
		"duration_ms":    elapsed.Milliseconds(),
	})
}

func (c *Coordinator) claimUnit(ctx context.Context, rec matches.Record) bool {
	won, err := c.Manager.TransitionTo(ctx, rec.ID, matches.StatusProcessing, matches.Payload{})
	if err != nil {
		c.logPersistError(rec, err)
		return false
	}
	return won
}

func (c *Coordinator) settleFailed(ctx context.Context, rec matches.Record, cause error, attempts int, startedAt time.Time) {
	msg := util.SanitizeError(cause)
	won, err := c.Manager.TransitionTo(ctx, rec.ID, matches.StatusFailed, matches.Payload{
		ErrorMessage: &msg,
		Attempts:     attempts,
	})
	if err != nil {
		c.logPersistError(rec, err)
		return
	}
	if !won {
		return
	}
	elapsed := time.Since(startedAt)
	metrics.ObserveMatchUnit("failed", elapsed)
	telemetry.Warn("match.unit.failed", map[string]any{
		"match_id":       rec.ID,
		"application_id": rec.ApplicationID,
		"lender_id":      rec.LenderID,
		"run_token":      rec.RunToken,
		"attempts":       attempts,
		"error_kind":     retry.Classify(cause).String(),
		"error":          msg,
		"duration_ms":    elapsed.Milliseconds(),
	})
}

func (c *Coordinator) logPersistError(rec matches.Record, err error) {
	telemetry.Error("match.unit.persist_failed", map[string]any{
		"match_id":  rec.ID,
		"run_token": rec.RunToken,
		"error":     util.SanitizeError(err),
	})
}
