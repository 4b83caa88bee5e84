package matching

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/processor"
	"loanmatch-backend/internal/shared/telemetry"
	"loanmatch-backend/internal/shared/util"
)

// Dispatcher hands work to whatever executes it: this process or a queue.
type Dispatcher interface {
	DispatchDocument(ctx context.Context, documentID string) error
	DispatchRun(ctx context.Context, applicationID, runToken string) error
}

// Engine connects the document processor to matching runs and tracks the
// background work it starts so shutdown can drain it.
type Engine struct {
	Processor   *processor.Processor
	Coordinator *Coordinator
	Dispatcher  Dispatcher

	// mu orders wg.Add against Shutdown so nothing is added once closed.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine wires the processor's completion hook to matching and defaults
// to in-process dispatch.
func NewEngine(proc *processor.Processor, coord *Coordinator) *Engine {
	e := &Engine{Processor: proc, Coordinator: coord}
	e.Dispatcher = inlineDispatcher{engine: e}
	proc.OnCompleted = e.onApplicationCompleted
	coord.Go = e.spawn
	return e
}

// OnDocumentUploaded processes the document in the background.
func (e *Engine) OnDocumentUploaded(ctx context.Context, documentID string) {
	ctx = util.Detach(ctx)
	e.track(func() {
		if _, err := e.Processor.Process(ctx, documentID); err != nil {
			telemetry.Error("engine.process_failed", map[string]any{
				"request_id":  util.RequestIDFromContext(ctx),
				"document_id": documentID,
				"error":       util.SanitizeError(err),
			})
		}
	})
}

// OnApplicationStructured starts a matching run with a fresh token in the
// background.
func (e *Engine) OnApplicationStructured(ctx context.Context, applicationID string) {
	e.startRunAsync(ctx, applicationID, uuid.NewString())
}

// ProcessDocument runs the processor synchronously.
func (e *Engine) ProcessDocument(ctx context.Context, documentID string) (processor.Result, error) {
	return e.Processor.Process(ctx, documentID)
}

// ReprocessDocument resets a FAILED document and processes it synchronously.
func (e *Engine) ReprocessDocument(ctx context.Context, documentID string) (processor.Result, error) {
	return e.Processor.Reprocess(ctx, documentID)
}

// StartRun starts a run and returns its handle without waiting. It fails
// with ErrShuttingDown once Shutdown has been called.
func (e *Engine) StartRun(ctx context.Context, applicationID string, opts RunOptions) (*RunHandle, error) {
	if !e.acquire() {
		return nil, ErrShuttingDown
	}
	defer e.wg.Done()
	return e.Coordinator.RunMatching(ctx, applicationID, opts)
}

// Submit implements documents.Pipeline.
func (e *Engine) Submit(ctx context.Context, documentID string) error {
	return e.Dispatcher.DispatchDocument(ctx, documentID)
}

// Resubmit implements documents.Pipeline. The reset happens synchronously so
// callers see a conflict; processing is dispatched.
func (e *Engine) Resubmit(ctx context.Context, documentID string) error {
	if err := e.Processor.Reset(ctx, documentID); err != nil {
		return err
	}
	return e.Dispatcher.DispatchDocument(ctx, documentID)
}

// Shutdown stops accepting background work and waits for running work to
// finish or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) onApplicationCompleted(ctx context.Context, doc documents.Document) {
	if err := e.Dispatcher.DispatchRun(ctx, doc.ID, uuid.NewString()); err != nil {
		telemetry.Error("engine.dispatch_run_failed", map[string]any{
			"request_id":     util.RequestIDFromContext(ctx),
			"application_id": doc.ID,
			"error":          util.SanitizeError(err),
		})
	}
}

func (e *Engine) startRunAsync(ctx context.Context, applicationID, runToken string) {
	ctx = util.Detach(ctx)
	e.track(func() {
		handle, err := e.Coordinator.RunMatching(ctx, applicationID, RunOptions{RunToken: runToken})
		if err != nil {
			level := telemetry.Error
			if isConflict(err) || errors.Is(err, documents.ErrNotFound) {
				level = telemetry.Warn
			}
			level("engine.run_failed", map[string]any{
				"request_id":     util.RequestIDFromContext(ctx),
				"application_id": applicationID,
				"run_token":      runToken,
				"error":          util.SanitizeError(err),
			})
			return
		}
		_, _ = handle.Wait(ctx)
	})
}

// acquire counts one unit of work unless Shutdown has started.
func (e *Engine) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// track runs fn on a goroutine counted by Shutdown. Work offered after
// Shutdown is dropped.
func (e *Engine) track(fn func()) {
	if !e.acquire() {
		telemetry.Warn("engine.work_dropped", map[string]any{"reason": "shutting down"})
		return
	}
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// spawn is track without the shutdown check. A run that has claimed its
// application must be allowed to settle. It is only reached from inside
// StartRun or tracked work, which already hold a count, so the counter is
// never zero here.
func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

type inlineDispatcher struct {
	engine *Engine
}

func (d inlineDispatcher) DispatchDocument(ctx context.Context, documentID string) error {
	d.engine.OnDocumentUploaded(ctx, documentID)
	return nil
}

func (d inlineDispatcher) DispatchRun(ctx context.Context, applicationID, runToken string) error {
	d.engine.startRunAsync(ctx, applicationID, runToken)
	return nil
}

var _ documents.Pipeline = (*Engine)(nil)
