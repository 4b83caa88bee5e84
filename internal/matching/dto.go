package matching

import (
	"time"

	"loanmatch-backend/internal/matches"
)

// MatchResponse is one lender row of a run.
type MatchResponse struct {
	ID            string         `json:"id"`
	LenderID      string         `json:"lenderId"`
	LenderName    string         `json:"lenderName"`
	Status        matches.Status `json:"status"`
	Score         *float64       `json:"score,omitempty"`
	MatchCategory string         `json:"matchCategory,omitempty"`
	Analysis      map[string]any `json:"analysis,omitempty"`
	ErrorMessage  *string        `json:"errorMessage,omitempty"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// ReportResponse lists one run of an application, best matches first.
type ReportResponse struct {
	ApplicationID     string          `json:"applicationId"`
	ApplicationStatus string          `json:"applicationStatus"`
	RunToken          string          `json:"runToken"`
	Matches           []MatchResponse `json:"matches"`
}

// RunResponse acknowledges a scheduled run.
type RunResponse struct {
	ApplicationID string `json:"applicationId"`
	RunToken      string `json:"runToken"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Settled       bool   `json:"settled,omitempty"`
}

type runRequest struct {
	RunToken  string   `json:"runToken"`
	LenderIDs []string `json:"lenderIds"`
}

func toReportResponse(rep matches.Report) ReportResponse {
	out := ReportResponse{
		ApplicationID:     rep.Application.ID,
		ApplicationStatus: string(rep.Application.Status),
		RunToken:          rep.RunToken,
		Matches:           make([]MatchResponse, 0, len(rep.Rows)),
	}
	for _, row := range rep.Rows {
		out.Matches = append(out.Matches, MatchResponse{
			ID:            row.ID,
			LenderID:      row.LenderID,
			LenderName:    row.LenderName,
			Status:        row.Status,
			Score:         row.Score,
			MatchCategory: row.Category(),
			Analysis:      row.Analysis,
			ErrorMessage:  row.ErrorMessage,
			Attempts:      row.Attempts,
			CreatedAt:     row.CreatedAt,
			UpdatedAt:     row.UpdatedAt,
		})
	}
	return out
}
