package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/llm"
	"loanmatch-backend/internal/matches"
	"loanmatch-backend/internal/retry"
)

type harness struct {
	docs    *documents.MemoryRepo
	records *matches.MemoryRepo
	manager *matches.Manager
	llm     *llm.Fake
	coord   *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		docs:    documents.NewMemoryRepo(),
		records: matches.NewMemoryRepo(),
		llm:     &llm.Fake{},
	}
	h.manager = matches.NewManager(h.records, h.docs)
	h.coord = NewCoordinator(h.docs, h.manager, h.llm, Options{
		MaxInFlight:  20,
		ScoreTimeout: time.Second,
		ScorePolicy:  retry.Policy{MaxAttempts: 3},
	})
	return h
}

func (h *harness) addLender(t *testing.T, id, name string, status documents.Status) {
	t.Helper()
	require.NoError(t, h.docs.Create(context.Background(), documents.Document{
		ID:             id,
		Kind:           documents.KindLender,
		Name:           name,
		Status:         status,
		StructuredData: map[string]any{"name": name},
	}))
}

func (h *harness) addApplication(t *testing.T, id string, status documents.Status) {
	t.Helper()
	require.NoError(t, h.docs.Create(context.Background(), documents.Document{
		ID:             id,
		Kind:           documents.KindApplication,
		Name:           "Applicant " + id,
		Status:         status,
		StructuredData: map[string]any{"loan_type": "home"},
	}))
}

func (h *harness) app(t *testing.T, id string) documents.Document {
	t.Helper()
	doc, err := h.docs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func (h *harness) run(t *testing.T, appID string, opts RunOptions) (*RunHandle, Summary, error) {
	t.Helper()
	handle, err := h.coord.RunMatching(context.Background(), appID, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := handle.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return handle, summary, err
}

func (h *harness) byLender(t *testing.T, appID, token string) map[string]matches.Record {
	t.Helper()
	recs, err := h.records.ListByRun(context.Background(), appID, token)
	require.NoError(t, err)
	out := make(map[string]matches.Record, len(recs))
	for _, rec := range recs {
		out[rec.LenderID] = rec
	}
	return out
}

func lenderName(data map[string]any) string {
	name, _ := data["name"].(string)
	return name
}
