package matches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/shared/telemetry"
)

// Applications resolves the application that owns a run.
type Applications interface {
	GetByID(ctx context.Context, id string) (documents.Document, error)
}

// Manager creates match records and guards their state transitions.
type Manager struct {
	Repo         Repo
	Applications Applications
	Now          func() time.Time
}

// NewManager constructs a Manager.
func NewManager(repo Repo, apps Applications) *Manager {
	return &Manager{Repo: repo, Applications: apps, Now: func() time.Time { return time.Now().UTC() }}
}

// CreatePending creates one PENDING record per lender for the run. Pairs
// that already exist are kept as they are. Every record of the run for
// the given lenders is returned, in lender order.
func (m *Manager) CreatePending(ctx context.Context, applicationID string, lenderIDs []string, runToken string) ([]Record, error) {
	if applicationID == "" || runToken == "" {
		return nil, ErrInvalidInput
	}
	out := make([]Record, 0, len(lenderIDs))
	created := 0
	for _, lenderID := range lenderIDs {
		now := m.Now()
		rec, isNew, err := m.Repo.CreateIfAbsent(ctx, Record{
			ID:            uuid.NewString(),
			ApplicationID: applicationID,
			LenderID:      lenderID,
			RunToken:      runToken,
			Status:        StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return nil, fmt.Errorf("create pending match for lender %s: %w", lenderID, err)
		}
		if isNew {
			created++
		}
		out = append(out, rec)
	}

	telemetry.Info("match.records.pending", map[string]any{
		"application_id": applicationID,
		"run_token":      runToken,
		"lenders":        len(lenderIDs),
		"created":        created,
		"existing":       len(lenderIDs) - created,
	})
	return out, nil
}

// TransitionTo moves a record to next. It returns false without error when
// the edge is illegal, another caller won the race, or the record is an
// orphan: deleted, or belonging to a run its application no longer points to.
func (m *Manager) TransitionTo(ctx context.Context, matchID string, next Status, p Payload) (bool, error) {
	rec, err := m.Repo.Get(ctx, matchID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logOrphan(matchID, "", "record deleted")
			return false, nil
		}
		return false, err
	}

	if orphan, reason, err := m.isOrphan(ctx, rec); err != nil {
		return false, err
	} else if orphan {
		m.logOrphan(matchID, rec.ApplicationID, reason)
		return false, nil
	}

	if !CanTransition(rec.Status, next) {
		telemetry.Warn("match.transition.rejected", map[string]any{
			"match_id":          matchID,
			"status_transition": string(rec.Status) + "->" + string(next),
		})
		return false, nil
	}

	ok, err := m.Repo.CompareAndSwapStatus(ctx, matchID, rec.Status, next, p)
	if err != nil {
		return false, err
	}
	if !ok {
		telemetry.Debug("match.transition.lost", map[string]any{
			"match_id":          matchID,
			"status_transition": string(rec.Status) + "->" + string(next),
		})
		return false, nil
	}
	telemetry.Info("match.status", map[string]any{
		"match_id":          matchID,
		"application_id":    rec.ApplicationID,
		"lender_id":         rec.LenderID,
		"run_token":         rec.RunToken,
		"status_transition": string(rec.Status) + "->" + string(next),
	})
	return true, nil
}

// Get returns one record.
func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	return m.Repo.Get(ctx, id)
}

// ListByRun returns every record of one run.
func (m *Manager) ListByRun(ctx context.Context, applicationID, runToken string) ([]Record, error) {
	return m.Repo.ListByRun(ctx, applicationID, runToken)
}

// ListByApplication returns every record of an application.
func (m *Manager) ListByApplication(ctx context.Context, applicationID string) ([]Record, error) {
	return m.Repo.ListByApplication(ctx, applicationID)
}

// DeleteByApplication drops every record of an application. Units still
// running for it become orphans.
func (m *Manager) DeleteByApplication(ctx context.Context, applicationID string) (int, error) {
	n, err := m.Repo.DeleteByApplication(ctx, applicationID)
	if err != nil {
		return 0, err
	}
	telemetry.Info("match.records.deleted", map[string]any{
		"application_id": applicationID,
		"deleted":        n,
	})
	return n, nil
}

func (m *Manager) isOrphan(ctx context.Context, rec Record) (bool, string, error) {
	if m.Applications == nil {
		return false, "", nil
	}
	app, err := m.Applications.GetByID(ctx, rec.ApplicationID)
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			return true, "application deleted", nil
		}
		return false, "", err
	}
	if app.RunToken != rec.RunToken {
		return true, "stale run token", nil
	}
	return false, "", nil
}

func (m *Manager) logOrphan(matchID, applicationID, reason string) {
	telemetry.Info("match.orphan.ignored", map[string]any{
		"match_id":       matchID,
		"application_id": applicationID,
		"reason":         reason,
	})
}
