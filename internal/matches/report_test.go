package matches

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"loanmatch-backend/internal/documents"
)

func seedRun(t *testing.T) *Reporter {
	t.Helper()
	ctx := context.Background()
	docs := documents.NewMemoryRepo()
	for _, d := range []documents.Document{
		{ID: "app-1", Kind: documents.KindApplication, Name: "Jane", Status: documents.StatusCompleted, RunToken: "run-1"},
		{ID: "l1", Kind: documents.KindLender, Name: "Acme Bank", Status: documents.StatusCompleted},
		{ID: "l2", Kind: documents.KindLender, Name: "Beta Credit", Status: documents.StatusCompleted},
		{ID: "l3", Kind: documents.KindLender, Name: "Gamma Loans", Status: documents.StatusCompleted},
	} {
		require.NoError(t, docs.Create(ctx, d))
	}

	m := NewManager(NewMemoryRepo(), docs)
	recs, err := m.CreatePending(ctx, "app-1", []string{"l1", "l2", "l3"}, "run-1")
	require.NoError(t, err)
	for _, rec := range recs {
		ok, err := m.TransitionTo(ctx, rec.ID, StatusProcessing, Payload{})
		require.NoError(t, err)
		require.True(t, ok)
	}

	high, low := 82.0, 45.0
	msg := "scoring failed"
	_, err = m.TransitionTo(ctx, recs[0].ID, StatusCompleted, Payload{Score: &high, Analysis: map[string]any{
		"match_category":  "very_good",
		"summary":         "strong fit",
		"strengths":       []any{"income", "credit"},
		"criteria_scores": map[string]any{"income": 9.0, "tenure": 7.0},
	}})
	require.NoError(t, err)
	_, err = m.TransitionTo(ctx, recs[1].ID, StatusFailed, Payload{ErrorMessage: &msg})
	require.NoError(t, err)
	_, err = m.TransitionTo(ctx, recs[2].ID, StatusCompleted, Payload{Score: &low, Analysis: map[string]any{"match_category": "fair"}})
	require.NoError(t, err)

	return &Reporter{Manager: m, Documents: docs}
}

func TestReporterOrdersByScore(t *testing.T) {
	reporter := seedRun(t)

	report, err := reporter.Build(context.Background(), "app-1", "")
	require.NoError(t, err)
	require.Len(t, report.Rows, 3)
	assert.Equal(t, "run-1", report.RunToken)
	assert.Equal(t, "Acme Bank", report.Rows[0].LenderName)
	assert.Equal(t, "very_good", report.Rows[0].Category())
	assert.Equal(t, "Gamma Loans", report.Rows[1].LenderName)
	assert.Equal(t, "Beta Credit", report.Rows[2].LenderName)
	assert.Equal(t, StatusFailed, report.Rows[2].Status)
}

func TestReporterRejectsLender(t *testing.T) {
	reporter := seedRun(t)
	_, err := reporter.Build(context.Background(), "l1", "")
	assert.ErrorIs(t, err, documents.ErrNotFound)
}

func TestReportXLSX(t *testing.T) {
	reporter := seedRun(t)
	report, err := reporter.Build(context.Background(), "app-1", "")
	require.NoError(t, err)

	data, err := report.XLSX()
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(matchesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Lender", rows[0][0])
	assert.Equal(t, "Acme Bank", rows[1][0])
	assert.Equal(t, "82", rows[1][2])
	assert.Equal(t, "income\ncredit", rows[1][5])

	criteriaRows, err := f.GetRows(criteriaSheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"Lender", "income", "tenure"}, criteriaRows[0])
}

func TestReportFilter(t *testing.T) {
	reporter := seedRun(t)
	report, err := reporter.Build(context.Background(), "app-1", "")
	require.NoError(t, err)

	completed := report.Filter(Filter{Status: StatusCompleted})
	assert.Len(t, completed.Rows, 2)
	assert.Len(t, report.Rows, 3, "filter must not modify the source report")

	floor := 50.0
	high := report.Filter(Filter{MinScore: &floor})
	require.Len(t, high.Rows, 1)
	assert.Equal(t, "Acme Bank", high.Rows[0].LenderName)

	assert.Empty(t, report.Filter(Filter{Status: StatusFailed, MinScore: &floor}).Rows)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("completed")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)

	_, err = ParseStatus("done")
	require.ErrorIs(t, err, ErrInvalidInput)
}
