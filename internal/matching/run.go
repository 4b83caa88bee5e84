package matching

import (
	"context"
	"time"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/retry"
)

const (
	defaultMaxInFlight  = 20
	defaultScoreTimeout = 120 * time.Second
)

// Options tunes fan-out and scoring.
type Options struct {
	// MaxInFlight bounds concurrent units per run.
	MaxInFlight  int
	ScoreTimeout time.Duration
	ScorePolicy  retry.Policy
}

// DefaultOptions returns the scoring profile with at most 20 units in flight.
func DefaultOptions() Options {
	return Options{
		MaxInFlight:  defaultMaxInFlight,
		ScoreTimeout: defaultScoreTimeout,
		ScorePolicy:  retry.ScoringPolicy(),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = defaultMaxInFlight
	}
	if o.ScoreTimeout <= 0 {
		o.ScoreTimeout = defaultScoreTimeout
	}
	if o.ScorePolicy.MaxAttempts <= 0 {
		o.ScorePolicy = retry.ScoringPolicy()
	}
	return o
}

// RunOptions selects the token and lenders of a run.
type RunOptions struct {
	// RunToken identifies the run. A fresh token is generated when empty.
	RunToken string
	// LenderIDs restricts the run to these lenders. Empty means every
	// COMPLETED lender.
	LenderIDs []string
}

// Summary is the settled outcome of a run.
type Summary struct {
	ApplicationID string
	RunToken      string
	Total         int
	Succeeded     int
	Failed        int
	// Status is the application status the finalizer wrote.
	Status documents.Status
	// Skipped is true when the run or its finalization was owned elsewhere.
	Skipped bool
}

// RunHandle tracks a scheduled run.
type RunHandle struct {
	ApplicationID string
	RunToken      string
	// Duplicate is true when the run had already been started with this token.
	Duplicate bool
	// Skipped is true when nothing was scheduled.
	Skipped bool
	// Settled is true when the token names a run that had already finished.
	Settled bool

	done    chan struct{}
	summary Summary
	err     error
}

func newHandle(applicationID, runToken string) *RunHandle {
	return &RunHandle{ApplicationID: applicationID, RunToken: runToken, done: make(chan struct{})}
}

func skippedHandle(applicationID, runToken string) *RunHandle {
	h := newHandle(applicationID, runToken)
	h.Skipped = true
	h.finish(Summary{ApplicationID: applicationID, RunToken: runToken, Skipped: true}, nil)
	return h
}

func (h *RunHandle) finish(summary Summary, err error) {
	h.summary = summary
	h.err = err
	close(h.done)
}

// Done is closed once the run is finalized.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run is finalized or ctx ends. A run whose lenders all
// failed returns its summary with an error wrapping ErrAllMatchesFailed.
func (h *RunHandle) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-h.done:
		return h.summary, h.err
	case <-ctx.Done():
		return Summary{ApplicationID: h.ApplicationID, RunToken: h.RunToken}, ctx.Err()
	}
}
