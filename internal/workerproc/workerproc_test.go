package workerproc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/llm"
	"loanmatch-backend/internal/matches"
	"loanmatch-backend/internal/matching"
	"loanmatch-backend/internal/processor"
	"loanmatch-backend/internal/queue"
	"loanmatch-backend/internal/retry"
	"loanmatch-backend/internal/shared/util"
)

type fakeEngine struct {
	coord      *matching.Coordinator
	processErr error
	processed  []string
	requestID  string
}

func (f *fakeEngine) ProcessDocument(ctx context.Context, documentID string) (processor.Result, error) {
	f.processed = append(f.processed, documentID)
	f.requestID = util.RequestIDFromContext(ctx)
	if f.processErr != nil {
		return processor.Result{DocumentID: documentID}, f.processErr
	}
	return processor.Result{DocumentID: documentID, Status: documents.StatusCompleted}, nil
}

func (f *fakeEngine) StartRun(ctx context.Context, applicationID string, opts matching.RunOptions) (*matching.RunHandle, error) {
	return f.coord.RunMatching(ctx, applicationID, opts)
}

func newEngine(t *testing.T) (*fakeEngine, *documents.MemoryRepo) {
	t.Helper()
	docs := documents.NewMemoryRepo()
	manager := matches.NewManager(matches.NewMemoryRepo(), docs)
	coord := matching.NewCoordinator(docs, manager, &llm.Fake{}, matching.Options{
		MaxInFlight:  4,
		ScoreTimeout: time.Second,
		ScorePolicy:  retry.Policy{MaxAttempts: 1},
	})
	return &fakeEngine{coord: coord}, docs
}

func TestParseMessage(t *testing.T) {
	_, _, err := ParseMessage("  ")
	assert.ErrorAs(t, err, &ErrEmptyBody{})

	_, meta, err := ParseMessage("{not json")
	var decodeErr ErrDecode
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, 9, meta.BodyLen)
	assert.Len(t, meta.BodySHA, 64)

	_, _, err = ParseMessage(`{"event":"application.structured","documentId":"app-1","requestId":"r"}`)
	var invalid ErrInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "r", invalid.RequestID)
	assert.ErrorIs(t, err, queue.ErrMissingRunToken)

	msg, _, err := ParseMessage(`{"event":"document.uploaded","documentId":"doc-1"}`)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", msg.DocumentID)
}

func TestHandleUploadedProcessesDocument(t *testing.T) {
	engine, _ := newEngine(t)
	out, err := HandleMessage(context.Background(), engine, queue.Message{
		Event:      queue.EventDocumentUploaded,
		DocumentID: "doc-1",
		RequestID:  "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, out.Status)
	assert.Equal(t, []string{"doc-1"}, engine.processed)
	assert.Equal(t, "req-1", engine.requestID)
}

func TestHandleUploadedPersistenceErrorIsRetryable(t *testing.T) {
	engine, _ := newEngine(t)
	engine.processErr = errors.New("db down")
	_, err := HandleMessage(context.Background(), engine, queue.Message{Event: queue.EventDocumentUploaded, DocumentID: "doc-1"})
	var procErr ErrProcess
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "doc-1", procErr.DocumentID)
}

func TestHandleStructuredWaitsForRun(t *testing.T) {
	engine, docs := newEngine(t)
	ctx := context.Background()
	require.NoError(t, docs.Create(ctx, documents.Document{
		ID: "lender-1", Kind: documents.KindLender, Status: documents.StatusCompleted,
		StructuredData: map[string]any{"name": "Acme"},
	}))
	require.NoError(t, docs.Create(ctx, documents.Document{
		ID: "app-1", Kind: documents.KindApplication, Status: documents.StatusCompleted,
		StructuredData: map[string]any{"loan_type": "home"},
	}))

	msg := queue.Message{Event: queue.EventApplicationStructured, DocumentID: "app-1", RunToken: "tok-1"}
	out, err := HandleMessage(ctx, engine, msg)
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, out.Status)

	app, err := docs.GetByID(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", app.RunToken)
	assert.Equal(t, documents.StatusCompleted, app.Status)

	// Redelivery after settle is acknowledged without a second run.
	out, err = HandleMessage(ctx, engine, msg)
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, out.Status)
	assert.True(t, out.Skipped)
}

func TestHandleStructuredDropsUnrecoverable(t *testing.T) {
	engine, docs := newEngine(t)
	ctx := context.Background()
	require.NoError(t, docs.Create(ctx, documents.Document{ID: "lender-1", Kind: documents.KindLender, Status: documents.StatusCompleted}))
	require.NoError(t, docs.Create(ctx, documents.Document{ID: "app-2", Kind: documents.KindApplication, Status: documents.StatusUploaded}))

	cases := map[string]string{
		"missing":  "not_found",
		"lender-1": "not_application",
		"app-2":    "not_ready",
	}
	for id, want := range cases {
		out, err := HandleMessage(ctx, engine, queue.Message{Event: queue.EventApplicationStructured, DocumentID: id, RunToken: "t"})
		require.NoError(t, err, id)
		assert.Equal(t, want, out.Dropped, id)
	}
}

func TestHandleRequiresEngine(t *testing.T) {
	_, err := HandleMessage(context.Background(), nil, queue.Message{Event: queue.EventDocumentUploaded, DocumentID: "d"})
	assert.Error(t, err)
}
