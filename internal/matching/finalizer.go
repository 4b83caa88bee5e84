package matching

import (
	"context"
	"errors"
	"fmt"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/matches"
	"loanmatch-backend/internal/shared/metrics"
	"loanmatch-backend/internal/shared/telemetry"
)

// Finalizer folds a settled run into the application's terminal state.
type Finalizer struct {
	Docs    documents.Repo
	Manager *matches.Manager
}

// Finalize counts the run's outcomes and moves the application out of
// PROCESSING. It is a no-op, with Summary.Skipped set, when the application
// is gone, no longer points at runToken, is not PROCESSING, or still has
// unsettled records.
func (f *Finalizer) Finalize(ctx context.Context, applicationID, runToken string) (Summary, error) {
	summary := Summary{ApplicationID: applicationID, RunToken: runToken}

	app, err := f.Docs.GetByID(ctx, applicationID)
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			summary.Skipped = true
			f.logSkip(applicationID, runToken, "application deleted")
			return summary, nil
		}
		return summary, fmt.Errorf("load application: %w", err)
	}
	if app.RunToken != runToken || app.Status != documents.StatusProcessing {
		summary.Skipped = true
		summary.Status = app.Status
		f.logSkip(applicationID, runToken, "run no longer current")
		return summary, nil
	}

	records, err := f.Manager.ListByRun(ctx, applicationID, runToken)
	if err != nil {
		return summary, fmt.Errorf("list run: %w", err)
	}
	summary.Total = len(records)
	for _, rec := range records {
		switch rec.Status {
		case matches.StatusCompleted:
			summary.Succeeded++
		case matches.StatusFailed:
			summary.Failed++
		default:
			summary.Skipped = true
		}
	}
	if summary.Skipped {
		f.logSkip(applicationID, runToken, "run not settled")
		return summary, nil
	}

	next := documents.StatusCompleted
	var upd documents.Update
	var aggregate error
	if summary.Succeeded == 0 && summary.Failed > 0 {
		next = documents.StatusFailed
		msg := fmt.Sprintf("all %d lender matches failed", summary.Failed)
		upd.ErrorMessage = &msg
		aggregate = fmt.Errorf("%w: %d of %d", ErrAllMatchesFailed, summary.Failed, summary.Total)
	}

	won, err := f.Docs.CompareAndSwapStatus(ctx, applicationID, documents.StatusProcessing, next, upd)
	if err != nil {
		return summary, fmt.Errorf("finalize application: %w", err)
	}
	if !won {
		summary.Skipped = true
		f.logSkip(applicationID, runToken, "finalize lost")
		return summary, nil
	}

	summary.Status = next
	outcome := "completed"
	switch {
	case next == documents.StatusFailed:
		outcome = "failed"
	case summary.Failed > 0:
		outcome = "partial"
	case summary.Total == 0:
		outcome = "empty"
	}
	metrics.IncMatchRun(outcome)
	telemetry.Info("match.run.finalized", map[string]any{
		"application_id":    applicationID,
		"run_token":         runToken,
		"total":             summary.Total,
		"succeeded":         summary.Succeeded,
		"failed":            summary.Failed,
		"outcome":           outcome,
		"status_transition": "processing->" + string(next),
	})
	return summary, aggregate
}

func (f *Finalizer) logSkip(applicationID, runToken, reason string) {
	telemetry.Debug("match.run.finalize_skipped", map[string]any{
		"application_id": applicationID,
		"run_token":      runToken,
		"reason":         reason,
	})
}
