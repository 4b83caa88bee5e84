package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/llm"
	"loanmatch-backend/internal/matches"
	"loanmatch-backend/internal/shared/telemetry"
	"loanmatch-backend/internal/shared/util"
)

// lenderPageSize is how many lenders snapshotLenders reads per query.
var lenderPageSize = 500

// Coordinator fans an application out to one scoring unit per lender and
// hands the settled run to the Finalizer.
type Coordinator struct {
	Docs      documents.Repo
	Manager   *matches.Manager
	LLM       llm.Client
	Finalizer *Finalizer
	Options   Options
	// Go starts the background part of a run. Defaults to a bare goroutine.
	Go func(fn func())
}

// NewCoordinator wires a Coordinator and its Finalizer.
func NewCoordinator(docs documents.Repo, manager *matches.Manager, client llm.Client, opts Options) *Coordinator {
	return &Coordinator{
		Docs:      docs,
		Manager:   manager,
		LLM:       client,
		Finalizer: &Finalizer{Docs: docs, Manager: manager},
		Options:   opts.withDefaults(),
	}
}

// RunMatching claims the application for a run and schedules its units. It
// returns once the units are scheduled; use the handle to wait for the
// summary. A redelivery of a run already in flight continues it. A token
// whose run has settled returns a settled handle and writes nothing. Any
// other lost claim returns a skipped handle.
func (c *Coordinator) RunMatching(ctx context.Context, applicationID string, opts RunOptions) (*RunHandle, error) {
	app, err := c.Docs.GetByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Kind != documents.KindApplication {
		return nil, fmt.Errorf("%w: %s", ErrNotApplication, applicationID)
	}

	token := opts.RunToken
	if token == "" {
		token = uuid.NewString()
	}

	duplicate, err := c.claim(ctx, app, token)
	if err != nil {
		if errors.Is(err, ErrRunSettled) {
			return c.settledHandle(ctx, applicationID, token)
		}
		if errors.Is(err, ErrRunInProgress) {
			telemetry.Info("match.run.conflict", map[string]any{
				"request_id":     util.RequestIDFromContext(ctx),
				"application_id": applicationID,
				"run_token":      token,
			})
			return skippedHandle(applicationID, token), nil
		}
		return nil, err
	}
	// Reload so the units see the structured data the claim was made on.
	if app, err = c.Docs.GetByID(ctx, applicationID); err != nil {
		return nil, fmt.Errorf("reload application: %w", err)
	}

	lenders, err := c.snapshotLenders(ctx, opts.LenderIDs)
	if err != nil {
		return nil, err
	}
	lenderIDs := make([]string, 0, len(lenders))
	for id := range lenders {
		lenderIDs = append(lenderIDs, id)
	}
	if _, err := c.Manager.CreatePending(ctx, applicationID, lenderIDs, token); err != nil {
		return nil, err
	}
	// A redelivered run may already hold records for lenders outside the
	// current snapshot; every record of the run must settle.
	records, err := c.Manager.ListByRun(ctx, applicationID, token)
	if err != nil {
		return nil, fmt.Errorf("list run: %w", err)
	}

	handle := newHandle(applicationID, token)
	handle.Duplicate = duplicate
	telemetry.Info("match.run.started", map[string]any{
		"request_id":     util.RequestIDFromContext(ctx),
		"application_id": applicationID,
		"run_token":      token,
		"lenders":        len(records),
		"duplicate":      duplicate,
	})

	runCtx := context.WithoutCancel(ctx)
	if len(records) == 0 {
		summary, err := c.Finalizer.Finalize(runCtx, applicationID, token)
		handle.finish(summary, err)
		return handle, nil
	}

	c.spawn(func() {
		c.execute(runCtx, app, records, lenders)
		summary, err := c.Finalizer.Finalize(runCtx, applicationID, token)
		if err != nil && !errors.Is(err, ErrAllMatchesFailed) {
			telemetry.Error("match.run.finalize_failed", map[string]any{
				"application_id": applicationID,
				"run_token":      token,
				"error":          util.SanitizeError(err),
			})
		}
		handle.finish(summary, err)
	})
	return handle, nil
}

// claim moves the application into PROCESSING under token. It reports
// duplicate when the application already runs under the same token, and
// ErrRunSettled when token names a run that has already finished.
func (c *Coordinator) claim(ctx context.Context, app documents.Document, token string) (bool, error) {
	if app.Status == documents.StatusProcessing && app.RunToken == token {
		return true, nil
	}
	if err := c.checkUnused(ctx, app, token); err != nil {
		return false, err
	}
	switch {
	case app.Status == documents.StatusCompleted:
	case app.Status == documents.StatusFailed && app.StructuredData != nil:
	case app.Status == documents.StatusProcessing:
		return false, ErrRunInProgress
	default:
		return false, fmt.Errorf("%w: status %s", ErrNotReady, app.Status)
	}

	won, err := c.Docs.CompareAndSwapStatus(ctx, app.ID, app.Status, documents.StatusProcessing, documents.Update{RunToken: &token})
	if err != nil {
		return false, fmt.Errorf("claim application: %w", err)
	}
	if won {
		return false, nil
	}

	current, err := c.Docs.GetByID(ctx, app.ID)
	if err != nil {
		return false, err
	}
	if current.Status == documents.StatusProcessing && current.RunToken == token {
		return true, nil
	}
	if err := c.checkUnused(ctx, current, token); err != nil {
		return false, err
	}
	return false, ErrRunInProgress
}

// checkUnused returns ErrRunSettled when a terminal application already
// carries token or holds records under it. Only fresh tokens reopen a
// terminal application.
func (c *Coordinator) checkUnused(ctx context.Context, app documents.Document, token string) error {
	if app.Status != documents.StatusCompleted && app.Status != documents.StatusFailed {
		return nil
	}
	if app.RunToken == token {
		return ErrRunSettled
	}
	records, err := c.Manager.ListByRun(ctx, app.ID, token)
	if err != nil {
		return fmt.Errorf("list run: %w", err)
	}
	if len(records) > 0 {
		return ErrRunSettled
	}
	return nil
}

// settledHandle reports a finished run from its records without touching it.
func (c *Coordinator) settledHandle(ctx context.Context, applicationID, token string) (*RunHandle, error) {
	app, err := c.Docs.GetByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	records, err := c.Manager.ListByRun(ctx, applicationID, token)
	if err != nil {
		return nil, fmt.Errorf("list run: %w", err)
	}
	summary := Summary{ApplicationID: applicationID, RunToken: token, Total: len(records), Skipped: true}
	for _, rec := range records {
		switch rec.Status {
		case matches.StatusCompleted:
			summary.Succeeded++
		case matches.StatusFailed:
			summary.Failed++
		}
	}
	if app.RunToken == token {
		summary.Status = app.Status
	}
	telemetry.Info("match.run.settled", map[string]any{
		"request_id":     util.RequestIDFromContext(ctx),
		"application_id": applicationID,
		"run_token":      token,
		"current_run":    app.RunToken == token,
		"total":          summary.Total,
	})

	h := newHandle(applicationID, token)
	h.Skipped = true
	h.Settled = true
	h.finish(summary, nil)
	return h, nil
}

// snapshotLenders returns the COMPLETED lenders eligible for this run.
func (c *Coordinator) snapshotLenders(ctx context.Context, ids []string) (map[string]documents.Document, error) {
	var all []documents.Document
	for offset := 0; ; offset += lenderPageSize {
		page, err := c.Docs.List(ctx, documents.ListFilter{
			Kind:   documents.KindLender,
			Status: documents.StatusCompleted,
			Limit:  lenderPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list lenders: %w", err)
		}
		all = append(all, page...)
		if len(page) < lenderPageSize {
			break
		}
	}
	var wanted map[string]bool
	if len(ids) > 0 {
		wanted = make(map[string]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
	}
	out := make(map[string]documents.Document, len(all))
	for _, lender := range all {
		if wanted != nil && !wanted[lender.ID] {
			continue
		}
		out[lender.ID] = lender
	}
	return out, nil
}

// execute runs every unsettled record with at most W units in flight, where
// W = min(records, MaxInFlight). Units never return errors to the group.
func (c *Coordinator) execute(ctx context.Context, app documents.Document, records []matches.Record, lenders map[string]documents.Document) {
	limit := min(len(records), c.Options.MaxInFlight)
	var g errgroup.Group
	g.SetLimit(limit)
	for _, rec := range records {
		if rec.Status.Terminal() {
			continue
		}
		lender, ok := lenders[rec.LenderID]
		if !ok {
			lender, ok = c.lookupLender(ctx, rec.LenderID)
		}
		var lenderPtr *documents.Document
		if ok {
			lenderPtr = &lender
		}
		g.Go(func() error {
			c.runUnit(ctx, app, rec, lenderPtr)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) lookupLender(ctx context.Context, id string) (documents.Document, bool) {
	lender, err := c.Docs.GetByID(ctx, id)
	if err != nil || lender.Status != documents.StatusCompleted {
		return documents.Document{}, false
	}
	return lender, true
}

func (c *Coordinator) spawn(fn func()) {
	if c.Go != nil {
		c.Go(fn)
		return
	}
	go fn()
}
