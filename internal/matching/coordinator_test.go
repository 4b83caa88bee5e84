package matching

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/matches"
	"loanmatch-backend/internal/retry"
)

func TestRunMatchingThreeLenderScenario(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-a", "A", documents.StatusCompleted)
	h.addLender(t, "l-b", "B", documents.StatusCompleted)
	h.addLender(t, "l-c", "C", documents.StatusCompleted)

	var cCalls atomic.Int32
	h.llm.ScoreFunc = func(ctx context.Context, app, lender map[string]any) (float64, map[string]any, error) {
		switch lenderName(lender) {
		case "A":
			return 82, map[string]any{"summary": "strong"}, nil
		case "B":
			return 0, nil, retry.Transient(errors.New("rate limited"))
		default:
			if cCalls.Add(1) == 1 {
				return 0, nil, retry.Transient(errors.New("openai http status 503"))
			}
			return 45, map[string]any{"summary": "fair"}, nil
		}
	}

	handle, summary, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", handle.RunToken)
	assert.Equal(t, Summary{
		ApplicationID: "app-1",
		RunToken:      "run-1",
		Total:         3,
		Succeeded:     2,
		Failed:        1,
		Status:        documents.StatusCompleted,
	}, summary)

	app := h.app(t, "app-1")
	assert.Equal(t, documents.StatusCompleted, app.Status)
	assert.Equal(t, "run-1", app.RunToken)
	assert.Nil(t, app.ErrorMessage)

	recs := h.byLender(t, "app-1", "run-1")
	require.Len(t, recs, 3)

	require.NotNil(t, recs["l-a"].Score)
	assert.Equal(t, 82.0, *recs["l-a"].Score)
	assert.Equal(t, matches.StatusCompleted, recs["l-a"].Status)
	assert.Equal(t, "very_good", recs["l-a"].Analysis["match_category"])
	assert.Equal(t, 1, recs["l-a"].Attempts)

	assert.Equal(t, matches.StatusFailed, recs["l-b"].Status)
	assert.Nil(t, recs["l-b"].Score)
	require.NotNil(t, recs["l-b"].ErrorMessage)
	assert.Equal(t, "rate limited", *recs["l-b"].ErrorMessage)
	assert.Equal(t, 3, recs["l-b"].Attempts)

	require.NotNil(t, recs["l-c"].Score)
	assert.Equal(t, 45.0, *recs["l-c"].Score)
	assert.Equal(t, "fair", recs["l-c"].Analysis["match_category"])
	assert.Equal(t, 2, recs["l-c"].Attempts)
}

func TestRunMatchingAllFailedFailsApplication(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	for _, id := range []string{"l-1", "l-2", "l-3"} {
		h.addLender(t, id, id, documents.StatusCompleted)
	}
	h.llm.ScoreFunc = func(context.Context, map[string]any, map[string]any) (float64, map[string]any, error) {
		return 0, nil, retry.Input(errors.New("application data is empty"))
	}

	_, summary, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.ErrorIs(t, err, ErrAllMatchesFailed)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, documents.StatusFailed, summary.Status)

	app := h.app(t, "app-1")
	assert.Equal(t, documents.StatusFailed, app.Status)
	require.NotNil(t, app.ErrorMessage)
	assert.Equal(t, "all 3 lender matches failed", *app.ErrorMessage)

	for _, rec := range h.byLender(t, "app-1", "run-1") {
		require.NotNil(t, rec.ErrorMessage)
		assert.Equal(t, "application data is empty", *rec.ErrorMessage)
	}
}

func TestRunMatchingZeroLendersCompletes(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-pending", "pending", documents.StatusUploaded)

	handle, err := h.coord.RunMatching(context.Background(), "app-1", RunOptions{})
	require.NoError(t, err)
	select {
	case <-handle.Done():
	default:
		t.Fatalf("expected a zero-lender run to be finalized before returning")
	}
	summary, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, documents.StatusCompleted, summary.Status)
	assert.NotEmpty(t, handle.RunToken)
	assert.Equal(t, documents.StatusCompleted, h.app(t, "app-1").Status)
}

func TestRunMatchingSameTokenDoesNotDuplicateRecords(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-1", "one", documents.StatusCompleted)
	h.addLender(t, "l-2", "two", documents.StatusCompleted)

	release := make(chan struct{})
	var calls atomic.Int32
	h.llm.ScoreFunc = func(ctx context.Context, app, lender map[string]any) (float64, map[string]any, error) {
		calls.Add(1)
		<-release
		return 70, nil, nil
	}

	first, err := h.coord.RunMatching(context.Background(), "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	second, err := h.coord.RunMatching(context.Background(), "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s1, err := first.Wait(ctx)
	require.NoError(t, err)
	s2, err := second.Wait(ctx)
	require.NoError(t, err)

	// Exactly one of the two invocations finalizes the run.
	assert.True(t, s1.Skipped != s2.Skipped, "s1=%+v s2=%+v", s1, s2)
	assert.Len(t, h.byLender(t, "app-1", "run-1"), 2)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, documents.StatusCompleted, h.app(t, "app-1").Status)

	// Redelivery after the run settled is still idempotent.
	_, _, err = h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	assert.Len(t, h.byLender(t, "app-1", "run-1"), 2)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunMatchingConflictReturnsSkippedHandle(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	token := "other-run"
	won, err := h.docs.CompareAndSwapStatus(context.Background(), "app-1", documents.StatusCompleted, documents.StatusProcessing, documents.Update{RunToken: &token})
	require.NoError(t, err)
	require.True(t, won)

	handle, err := h.coord.RunMatching(context.Background(), "app-1", RunOptions{RunToken: "run-2"})
	require.NoError(t, err)
	assert.True(t, handle.Skipped)
	summary, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, "other-run", h.app(t, "app-1").RunToken)
}

func TestRunMatchingRequiresStructuredApplication(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusUploaded)
	h.addLender(t, "l-1", "one", documents.StatusCompleted)

	_, err := h.coord.RunMatching(context.Background(), "app-1", RunOptions{})
	require.ErrorIs(t, err, ErrNotReady)

	_, err = h.coord.RunMatching(context.Background(), "l-1", RunOptions{})
	require.ErrorIs(t, err, ErrNotApplication)

	_, err = h.coord.RunMatching(context.Background(), "missing", RunOptions{})
	require.ErrorIs(t, err, documents.ErrNotFound)
}

func TestRunMatchingRetriesFailedApplicationWithData(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-1", "one", documents.StatusCompleted)

	fail := atomic.Bool{}
	fail.Store(true)
	h.llm.ScoreFunc = func(context.Context, map[string]any, map[string]any) (float64, map[string]any, error) {
		if fail.Load() {
			return 0, nil, retry.Permanent(errors.New("nope"))
		}
		return 91, nil, nil
	}
	_, _, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.ErrorIs(t, err, ErrAllMatchesFailed)

	fail.Store(false)
	_, summary, err := h.run(t, "app-1", RunOptions{RunToken: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	app := h.app(t, "app-1")
	assert.Equal(t, documents.StatusCompleted, app.Status)
	assert.Equal(t, "run-2", app.RunToken)
	assert.Nil(t, app.ErrorMessage)

	// The earlier run is left as it was.
	old := h.byLender(t, "app-1", "run-1")
	assert.Equal(t, matches.StatusFailed, old["l-1"].Status)
}

func TestRunMatchingSnapshotAndLenderFilter(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-1", "one", documents.StatusCompleted)
	h.addLender(t, "l-2", "two", documents.StatusCompleted)
	h.addLender(t, "l-3", "three", documents.StatusFailed)

	_, summary, err := h.run(t, "app-1", RunOptions{RunToken: "run-1", LenderIDs: []string{"l-2", "l-3"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	recs := h.byLender(t, "app-1", "run-1")
	assert.Contains(t, recs, "l-2")
	assert.NotContains(t, recs, "l-1")
	assert.NotContains(t, recs, "l-3")
}

func TestRunMatchingBoundsInFlightUnits(t *testing.T) {
	h := newHarness(t)
	h.coord.Options.MaxInFlight = 2
	h.addApplication(t, "app-1", documents.StatusCompleted)
	for _, id := range []string{"l-1", "l-2", "l-3", "l-4", "l-5", "l-6"} {
		h.addLender(t, id, id, documents.StatusCompleted)
	}

	var current, peak atomic.Int32
	h.llm.ScoreFunc = func(context.Context, map[string]any, map[string]any) (float64, map[string]any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return 50, nil, nil
	}

	_, summary, err := h.run(t, "app-1", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunMatchingRecordsPanicAsFailure(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-ok", "ok", documents.StatusCompleted)
	h.addLender(t, "l-boom", "boom", documents.StatusCompleted)
	h.llm.ScoreFunc = func(ctx context.Context, app, lender map[string]any) (float64, map[string]any, error) {
		if lenderName(lender) == "boom" {
			panic("nil analysis")
		}
		return 66, nil, nil
	}

	_, summary, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	rec := h.byLender(t, "app-1", "run-1")["l-boom"]
	assert.Equal(t, matches.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "panic: nil analysis", *rec.ErrorMessage)
}

func TestRunMatchingOutOfRangeScoreFails(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-1", "one", documents.StatusCompleted)
	h.llm.ScoreFunc = func(context.Context, map[string]any, map[string]any) (float64, map[string]any, error) {
		return 120, nil, nil
	}

	_, _, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.ErrorIs(t, err, ErrAllMatchesFailed)
	assert.Equal(t, 1, h.byLender(t, "app-1", "run-1")["l-1"].Attempts)
}

func TestDeletedApplicationOrphansRunningUnits(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-1", "one", documents.StatusCompleted)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.llm.ScoreFunc = func(context.Context, map[string]any, map[string]any) (float64, map[string]any, error) {
		once.Do(func() { close(started) })
		<-release
		return 88, nil, nil
	}

	handle, err := h.coord.RunMatching(context.Background(), "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	<-started

	require.NoError(t, h.docs.SoftDelete(context.Background(), "app-1"))
	recs := h.byLender(t, "app-1", "run-1")
	close(release)

	summary, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Skipped)

	// The unit's completion was dropped as an orphan.
	rec, err := h.records.Get(context.Background(), recs["l-1"].ID)
	require.NoError(t, err)
	assert.Equal(t, matches.StatusProcessing, rec.Status)
	assert.Nil(t, rec.Score)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-1", "one", documents.StatusCompleted)

	_, summary, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	require.False(t, summary.Skipped)
	before := h.app(t, "app-1")

	again, err := h.coord.Finalizer.Finalize(context.Background(), "app-1", "run-1")
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, before, h.app(t, "app-1"))

	stale, err := h.coord.Finalizer.Finalize(context.Background(), "app-1", "run-0")
	require.NoError(t, err)
	assert.True(t, stale.Skipped)
}

func TestFinalizeWaitsForUnsettledRecords(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	token := "run-1"
	_, err := h.docs.CompareAndSwapStatus(context.Background(), "app-1", documents.StatusCompleted, documents.StatusProcessing, documents.Update{RunToken: &token})
	require.NoError(t, err)
	_, err = h.manager.CreatePending(context.Background(), "app-1", []string{"l-1"}, token)
	require.NoError(t, err)

	summary, err := h.coord.Finalizer.Finalize(context.Background(), "app-1", token)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, documents.StatusProcessing, h.app(t, "app-1").Status)
}

func TestConcurrentUnitClaimsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	token := "run-1"
	_, err := h.docs.CompareAndSwapStatus(context.Background(), "app-1", documents.StatusCompleted, documents.StatusProcessing, documents.Update{RunToken: &token})
	require.NoError(t, err)
	recs, err := h.manager.CreatePending(context.Background(), "app-1", []string{"l-1"}, token)
	require.NoError(t, err)

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.coord.claimUnit(context.Background(), recs[0]) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestRunMatchingSettledTokenLeavesRunsUntouched(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-1", "one", documents.StatusCompleted)

	var calls atomic.Int32
	h.llm.ScoreFunc = func(context.Context, map[string]any, map[string]any) (float64, map[string]any, error) {
		calls.Add(1)
		return 75, nil, nil
	}
	_, _, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)

	// A lender completes after run-1 and is picked up by run-2 only.
	h.addLender(t, "l-2", "two", documents.StatusCompleted)
	_, _, err = h.run(t, "app-1", RunOptions{RunToken: "run-2"})
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
	settled := h.app(t, "app-1")
	require.Equal(t, "run-2", settled.RunToken)

	// Redelivering the older token reports run-1 as it was.
	handle, summary, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	assert.True(t, handle.Settled)
	assert.True(t, handle.Skipped)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Empty(t, summary.Status)
	assert.Len(t, h.byLender(t, "app-1", "run-1"), 1)

	// Redelivering the current token is a no-op as well.
	handle, summary, err = h.run(t, "app-1", RunOptions{RunToken: "run-2"})
	require.NoError(t, err)
	assert.True(t, handle.Settled)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, documents.StatusCompleted, summary.Status)

	app := h.app(t, "app-1")
	assert.Equal(t, "run-2", app.RunToken)
	assert.Equal(t, documents.StatusCompleted, app.Status)
	assert.Equal(t, settled.UpdatedAt, app.UpdatedAt)
	assert.Len(t, h.byLender(t, "app-1", "run-2"), 2)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRunMatchingSettledFailedRunIsNotRetriedUnderSameToken(t *testing.T) {
	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	h.addLender(t, "l-1", "one", documents.StatusCompleted)
	h.llm.ScoreFunc = func(context.Context, map[string]any, map[string]any) (float64, map[string]any, error) {
		return 0, nil, retry.Permanent(errors.New("nope"))
	}
	_, _, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.ErrorIs(t, err, ErrAllMatchesFailed)

	handle, summary, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	assert.True(t, handle.Settled)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, documents.StatusFailed, summary.Status)
	assert.Equal(t, documents.StatusFailed, h.app(t, "app-1").Status)
}

func TestRunMatchingSnapshotReadsEveryLenderPage(t *testing.T) {
	prev := lenderPageSize
	lenderPageSize = 2
	t.Cleanup(func() { lenderPageSize = prev })

	h := newHarness(t)
	h.addApplication(t, "app-1", documents.StatusCompleted)
	for _, id := range []string{"l-1", "l-2", "l-3", "l-4", "l-5"} {
		h.addLender(t, id, id, documents.StatusCompleted)
	}

	_, summary, err := h.run(t, "app-1", RunOptions{RunToken: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.Len(t, h.byLender(t, "app-1", "run-1"), 5)
}
