package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/llm"
	"loanmatch-backend/internal/retry"
	"loanmatch-backend/internal/shared/metrics"
	"loanmatch-backend/internal/shared/storage/object"
	"loanmatch-backend/internal/shared/telemetry"
	"loanmatch-backend/internal/shared/util"
)

const (
	defaultStructureTimeout = 120 * time.Second
	defaultMaxFileBytes     = 25 << 20
	failureWriteTimeout     = 10 * time.Second
)

// ErrEmptyText is recorded when extraction succeeds but yields only whitespace.
var ErrEmptyText = errors.New("extracted text is empty")

// TextExtractor turns stored file bytes into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte, mimeType string, fileName string) (string, error)
}

// Options tunes the structuring call.
type Options struct {
	StructureTimeout time.Duration
	StructurePolicy  retry.Policy
	MaxFileBytes     int64
}

// DefaultOptions returns the structuring profile: three attempts one minute
// apart, each bounded by two minutes.
func DefaultOptions() Options {
	return Options{
		StructureTimeout: defaultStructureTimeout,
		StructurePolicy:  retry.StructuringPolicy(),
		MaxFileBytes:     defaultMaxFileBytes,
	}
}

// Result describes what one Process call did.
type Result struct {
	DocumentID string
	// Skipped is true when the call made no changes because another
	// processor owns the document or it is not UPLOADED.
	Skipped  bool
	Status   documents.Status
	Attempts int
	Error    string
}

// Processor drives a document from UPLOADED to a terminal state.
type Processor struct {
	Docs      documents.Repo
	Store     object.ObjectStore
	Extractor TextExtractor
	LLM       llm.Client
	Options   Options
	// OnCompleted is called after an application reaches COMPLETED.
	OnCompleted func(ctx context.Context, doc documents.Document)
}

// New wires a Processor.
func New(docs documents.Repo, store object.ObjectStore, extractor TextExtractor, client llm.Client, opts Options) *Processor {
	if opts.StructureTimeout <= 0 {
		opts.StructureTimeout = defaultStructureTimeout
	}
	if opts.StructurePolicy.MaxAttempts <= 0 {
		opts.StructurePolicy = retry.StructuringPolicy()
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	return &Processor{Docs: docs, Store: store, Extractor: extractor, LLM: client, Options: opts}
}

// Process runs extraction and structuring for one document. Collaborator
// failures are recorded on the document and reported in Result; the returned
// error is reserved for persistence failures.
func (p *Processor) Process(ctx context.Context, documentID string) (Result, error) {
	res := Result{DocumentID: documentID}
	doc, err := p.Docs.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			res.Skipped = true
			p.logSkip(ctx, documentID, "not_found")
			return res, nil
		}
		return res, fmt.Errorf("load document %s: %w", documentID, err)
	}
	res.Status = doc.Status
	if doc.Status != documents.StatusUploaded {
		res.Skipped = true
		p.logSkip(ctx, documentID, "status_"+strings.ToLower(string(doc.Status)))
		metrics.ObserveDocument(string(doc.Kind), "skipped", 0)
		return res, nil
	}

	won, err := p.Docs.CompareAndSwapStatus(ctx, doc.ID, documents.StatusUploaded, documents.StatusProcessing, documents.Update{})
	if err != nil {
		return res, fmt.Errorf("claim document %s: %w", doc.ID, err)
	}
	if !won {
		res.Skipped = true
		p.logSkip(ctx, documentID, "claim_lost")
		metrics.ObserveDocument(string(doc.Kind), "skipped", 0)
		return res, nil
	}
	startedAt := time.Now()
	res.Status = documents.StatusProcessing
	telemetry.Info("document.status", map[string]any{
		"request_id":        util.RequestIDFromContext(ctx),
		"document_id":       doc.ID,
		"kind":              string(doc.Kind),
		"status":            documents.StatusProcessing,
		"status_transition": "uploaded->processing",
	})

	rawText := doc.RawText
	if strings.TrimSpace(rawText) == "" {
		text, err := p.extract(ctx, doc)
		if err != nil {
			return p.fail(ctx, doc, res, nil, fmt.Errorf("extract text: %w", err), startedAt)
		}
		rawText = text
	}

	var structured map[string]any
	attempts, err := retry.Do(ctx, p.Options.StructurePolicy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.Options.StructureTimeout)
		defer cancel()
		out, err := p.LLM.ExtractStructured(callCtx, rawText, doc.Kind)
		if err != nil {
			return err
		}
		structured = out
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		metrics.IncRetry(llm.OperationStructure)
		telemetry.Warn("document.structure.retry", map[string]any{
			"request_id":  util.RequestIDFromContext(ctx),
			"document_id": doc.ID,
			"attempt":     attempt,
			"delay_ms":    delay.Milliseconds(),
			"error":       util.SanitizeError(err),
		})
	})
	res.Attempts = attempts
	if err != nil {
		return p.fail(ctx, doc, res, &rawText, fmt.Errorf("structure text: %w", err), startedAt)
	}

	won, err = p.Docs.CompareAndSwapStatus(ctx, doc.ID, documents.StatusProcessing, documents.StatusCompleted, documents.Update{
		RawText:        &rawText,
		StructuredData: structured,
	})
	if err != nil {
		return res, fmt.Errorf("complete document %s: %w", doc.ID, err)
	}
	if !won {
		// Deleted or reset while we were working.
		res.Skipped = true
		p.logSkip(ctx, doc.ID, "complete_lost")
		return res, nil
	}

	elapsed := time.Since(startedAt)
	res.Status = documents.StatusCompleted
	metrics.ObserveDocument(string(doc.Kind), "completed", elapsed)
	telemetry.Info("document.status", map[string]any{
		"request_id":        util.RequestIDFromContext(ctx),
		"document_id":       doc.ID,
		"kind":              string(doc.Kind),
		"status":            documents.StatusCompleted,
		"status_transition": "processing->completed",
		"attempts":          attempts,
		"duration_ms":       elapsed.Milliseconds(),
	})

	if doc.Kind == documents.KindApplication && p.OnCompleted != nil {
		completed, err := p.Docs.GetByID(ctx, doc.ID)
		if err != nil {
			telemetry.Error("document.on_completed.lookup_failed", map[string]any{
				"document_id": doc.ID,
				"error":       util.SanitizeError(err),
			})
			return res, nil
		}
		p.OnCompleted(ctx, completed)
	}
	return res, nil
}

// Reprocess moves a FAILED document back to UPLOADED and processes it again.
func (p *Processor) Reprocess(ctx context.Context, documentID string) (Result, error) {
	if err := p.Reset(ctx, documentID); err != nil {
		return Result{DocumentID: documentID}, err
	}
	return p.Process(ctx, documentID)
}

// Reset moves a FAILED document back to UPLOADED and clears its error.
// Applications keep their extracted text; lenders are extracted again. It
// wraps documents.ErrConflict when the document is not FAILED.
func (p *Processor) Reset(ctx context.Context, documentID string) error {
	doc, err := p.Docs.GetByID(ctx, documentID)
	if err != nil {
		return err
	}
	upd := documents.Update{}
	if doc.Kind == documents.KindLender {
		empty := ""
		upd.RawText = &empty
	}
	won, err := p.Docs.CompareAndSwapStatus(ctx, documentID, documents.StatusFailed, documents.StatusUploaded, upd)
	if err != nil {
		return fmt.Errorf("reset document %s: %w", documentID, err)
	}
	if !won {
		return fmt.Errorf("%w: document %s is not FAILED", documents.ErrConflict, documentID)
	}
	telemetry.Info("document.status", map[string]any{
		"request_id":        util.RequestIDFromContext(ctx),
		"document_id":       documentID,
		"kind":              string(doc.Kind),
		"status":            documents.StatusUploaded,
		"status_transition": "failed->uploaded",
	})
	return nil
}

func (p *Processor) extract(ctx context.Context, doc documents.Document) (string, error) {
	if doc.StorageKey == "" {
		return "", retry.Input(errors.New("document has no stored file"))
	}
	data, err := object.ReadAll(ctx, p.Store, doc.StorageKey, p.Options.MaxFileBytes)
	if err != nil {
		return "", err
	}
	text, err := p.Extractor.ExtractText(ctx, data, doc.MimeType, doc.OriginalFilename)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", retry.Input(ErrEmptyText)
	}
	return text, nil
}

// fail records the terminal FAILED transition. rawText, when set, is kept so
// a later reprocess can skip extraction.
func (p *Processor) fail(ctx context.Context, doc documents.Document, res Result, rawText *string, cause error, startedAt time.Time) (Result, error) {
	msg := util.SanitizeError(cause)
	writeCtx, cancel := context.WithTimeout(util.Detach(ctx), failureWriteTimeout)
	defer cancel()

	won, err := p.Docs.CompareAndSwapStatus(writeCtx, doc.ID, documents.StatusProcessing, documents.StatusFailed, documents.Update{
		RawText:      rawText,
		ErrorMessage: &msg,
	})
	if err != nil {
		return res, fmt.Errorf("fail document %s: %w (cause: %v)", doc.ID, err, cause)
	}
	if !won {
		res.Skipped = true
		p.logSkip(ctx, doc.ID, "fail_lost")
		return res, nil
	}

	elapsed := time.Since(startedAt)
	res.Status = documents.StatusFailed
	res.Error = msg
	metrics.ObserveDocument(string(doc.Kind), "failed", elapsed)
	telemetry.Error("document.status", map[string]any{
		"request_id":        util.RequestIDFromContext(ctx),
		"document_id":       doc.ID,
		"kind":              string(doc.Kind),
		"status":            documents.StatusFailed,
		"status_transition": "processing->failed",
		"error_kind":        retry.Classify(cause).String(),
		"error":             msg,
		"duration_ms":       elapsed.Milliseconds(),
	})
	return res, nil
}

func (p *Processor) logSkip(ctx context.Context, documentID, reason string) {
	telemetry.Debug("document.process.skipped", map[string]any{
		"request_id":  util.RequestIDFromContext(ctx),
		"document_id": documentID,
		"reason":      reason,
	})
}
