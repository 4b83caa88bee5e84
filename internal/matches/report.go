package matches

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"loanmatch-backend/internal/documents"
)

// Row is one record of a report joined with its lender's name.
type Row struct {
	Record
	LenderName string
}

// Category returns the match category stored in the analysis, if any.
func (r Row) Category() string {
	if v, ok := r.Analysis["match_category"].(string); ok {
		return v
	}
	return ""
}

// Report is one run of an application, best matches first.
type Report struct {
	Application documents.Document
	RunToken    string
	Rows        []Row
}

// Filter narrows the rows of a report. Zero values match everything.
type Filter struct {
	Status Status
	// MinScore drops rows scored below it, and unscored rows.
	MinScore *float64
}

// Filter returns a copy of rep holding only the rows f accepts.
func (rep Report) Filter(f Filter) Report {
	out := rep
	out.Rows = make([]Row, 0, len(rep.Rows))
	for _, row := range rep.Rows {
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		if f.MinScore != nil && (row.Score == nil || *row.Score < *f.MinScore) {
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// Reporter assembles reports from records and documents.
type Reporter struct {
	Manager   *Manager
	Documents Applications
}

// Build loads the run identified by runToken, or the application's current
// run when runToken is empty.
func (r *Reporter) Build(ctx context.Context, applicationID, runToken string) (Report, error) {
	app, err := r.Documents.GetByID(ctx, applicationID)
	if err != nil {
		return Report{}, err
	}
	if app.Kind != documents.KindApplication {
		return Report{}, documents.ErrNotFound
	}
	if runToken == "" {
		runToken = app.RunToken
	}
	report := Report{Application: app, RunToken: runToken, Rows: []Row{}}
	if runToken == "" {
		return report, nil
	}

	records, err := r.Manager.ListByRun(ctx, applicationID, runToken)
	if err != nil {
		return Report{}, fmt.Errorf("list run: %w", err)
	}
	names := map[string]string{}
	for _, rec := range records {
		name, ok := names[rec.LenderID]
		if !ok {
			lender, err := r.Documents.GetByID(ctx, rec.LenderID)
			switch {
			case err == nil:
				name = lender.Name
			case errors.Is(err, documents.ErrNotFound):
				name = "(deleted lender)"
			default:
				return Report{}, fmt.Errorf("load lender %s: %w", rec.LenderID, err)
			}
			names[rec.LenderID] = name
		}
		report.Rows = append(report.Rows, Row{Record: rec, LenderName: name})
	}
	SortByScore(report.Rows)
	return report, nil
}

// SortByScore orders rows by score descending. Unscored rows go last.
func SortByScore(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Score, rows[j].Score
		switch {
		case a != nil && b != nil:
			return *a > *b
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return rows[i].LenderName < rows[j].LenderName
	})
}
