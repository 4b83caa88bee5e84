package matches

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const recordColumns = `id, application_id, lender_id, run_token, score, analysis, status, error_message, attempts, created_at, updated_at`

// CreateIfAbsent relies on the natural key constraint; a conflicting insert
// returns no row and the existing record is read back.
func (r *PGRepo) CreateIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	query := `
INSERT INTO match_records (id, application_id, lender_id, run_token, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
ON CONFLICT ON CONSTRAINT match_records_natural_key DO NOTHING
RETURNING ` + recordColumns

	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	created, err := scanRecord(r.DB.QueryRowContext(ctx, query,
		rec.ID, rec.ApplicationID, rec.LenderID, rec.RunToken, string(status), rec.CreatedAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, fmt.Errorf("insert match record: %w", err)
	}

	existingQuery := `
SELECT ` + recordColumns + `
FROM match_records
WHERE application_id = $1 AND lender_id = $2 AND run_token = $3`
	existing, err := scanRecord(r.DB.QueryRowContext(ctx, existingQuery, rec.ApplicationID, rec.LenderID, rec.RunToken))
	if err != nil {
		return Record{}, false, fmt.Errorf("load existing match record: %w", err)
	}
	return existing, false, nil
}

// Get returns a record by ID.
func (r *PGRepo) Get(ctx context.Context, id string) (Record, error) {
	query := `
SELECT ` + recordColumns + `
FROM match_records
WHERE id = $1`
	rec, err := scanRecord(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// CompareAndSwapStatus performs the transition as one conditional UPDATE.
func (r *PGRepo) CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, p Payload) (bool, error) {
	const query = `
UPDATE match_records
SET status = $1,
    score = COALESCE($2, score),
    analysis = COALESCE($3::jsonb, analysis),
    error_message = $4,
    attempts = GREATEST(attempts, $5),
    updated_at = GREATEST(now(), updated_at)
WHERE id = $6 AND status = $7`

	var score, analysis, errorMessage any
	switch next {
	case StatusCompleted:
		if p.Score != nil {
			score = *p.Score
		}
		if p.Analysis != nil {
			payload, err := json.Marshal(p.Analysis)
			if err != nil {
				return false, fmt.Errorf("marshal analysis: %w", err)
			}
			analysis = payload
		}
	case StatusFailed:
		if p.ErrorMessage != nil {
			errorMessage = *p.ErrorMessage
		}
	}

	res, err := r.DB.ExecContext(ctx, query, string(next), score, analysis, errorMessage, p.Attempts, id, string(expected))
	if err != nil {
		return false, fmt.Errorf("update match status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListByRun returns every record of one run.
func (r *PGRepo) ListByRun(ctx context.Context, applicationID, runToken string) ([]Record, error) {
	query := `
SELECT ` + recordColumns + `
FROM match_records
WHERE application_id = $1 AND run_token = $2
ORDER BY created_at, lender_id`
	return r.query(ctx, query, applicationID, runToken)
}

// ListByApplication returns the records of every run of an application.
func (r *PGRepo) ListByApplication(ctx context.Context, applicationID string) ([]Record, error) {
	query := `
SELECT ` + recordColumns + `
FROM match_records
WHERE application_id = $1
ORDER BY created_at, lender_id`
	return r.query(ctx, query, applicationID)
}

// DeleteByApplication removes all records of an application.
func (r *PGRepo) DeleteByApplication(ctx context.Context, applicationID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM match_records WHERE application_id = $1`, applicationID)
	if err != nil {
		return 0, fmt.Errorf("delete match records: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

func (r *PGRepo) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list match records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status string
	var score sql.NullFloat64
	var analysis []byte
	var errorMessage sql.NullString
	if err := row.Scan(
		&rec.ID,
		&rec.ApplicationID,
		&rec.LenderID,
		&rec.RunToken,
		&score,
		&analysis,
		&status,
		&errorMessage,
		&rec.Attempts,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if score.Valid {
		v := score.Float64
		rec.Score = &v
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		rec.ErrorMessage = &msg
	}
	if len(analysis) > 0 {
		if err := json.Unmarshal(analysis, &rec.Analysis); err != nil {
			return Record{}, fmt.Errorf("decode analysis for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

var _ Repo = (*PGRepo)(nil)
