package documents

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

const documentColumns = `id, kind, name, applicant_email, applicant_phone, original_filename, mime_type, size_bytes,
    storage_key, raw_text, structured_data, status, error_message, run_token, created_by, created_at, updated_at`

// Create inserts a new document.
func (r *PGRepo) Create(ctx context.Context, doc Document) error {
	const query = `
INSERT INTO documents (
    id,
    kind,
    name,
    applicant_email,
    applicant_phone,
    original_filename,
    mime_type,
    size_bytes,
    storage_key,
    status,
    created_by,
    created_at,
    updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`

	if doc.ID == "" || !doc.Kind.Valid() {
		return ErrInvalidInput
	}
	status := doc.Status
	if status == "" {
		status = StatusUploaded
	}

	_, err := r.DB.ExecContext(
		ctx,
		query,
		doc.ID,
		string(doc.Kind),
		doc.Name,
		nullIfEmpty(doc.ApplicantEmail),
		nullIfEmpty(doc.ApplicantPhone),
		doc.OriginalFilename,
		doc.MimeType,
		doc.SizeBytes,
		doc.StorageKey,
		string(status),
		nullIfEmpty(doc.CreatedBy),
		doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetByID fetches a live document by ID.
func (r *PGRepo) GetByID(ctx context.Context, id string) (Document, error) {
	query := `
SELECT ` + documentColumns + `
FROM documents
WHERE id = $1 AND deleted_at IS NULL
LIMIT 1`

	doc, err := scanDocument(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

// List lists documents ordered newest-first.
func (r *PGRepo) List(ctx context.Context, filter ListFilter) ([]Document, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	offset := max(filter.Offset, 0)

	query := `
SELECT ` + documentColumns + `
FROM documents
WHERE deleted_at IS NULL
  AND ($1 = '' OR kind = $1)
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id
LIMIT $3 OFFSET $4`

	rows, err := r.DB.QueryContext(ctx, query, string(filter.Kind), string(filter.Status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// CompareAndSwapStatus performs the transition as a single conditional UPDATE.
func (r *PGRepo) CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, upd Update) (bool, error) {
	const query = `
UPDATE documents
SET status = $1,
    raw_text = COALESCE($2, raw_text),
    structured_data = COALESCE($3::jsonb, structured_data),
    run_token = COALESCE($4, run_token),
    error_message = $5,
    updated_at = GREATEST(now(), updated_at)
WHERE id = $6 AND status = $7 AND deleted_at IS NULL`

	var structured any
	if upd.StructuredData != nil {
		payload, err := json.Marshal(upd.StructuredData)
		if err != nil {
			return false, fmt.Errorf("marshal structured data: %w", err)
		}
		structured = payload
	}
	var errorMessage any
	if next == StatusFailed && upd.ErrorMessage != nil {
		errorMessage = *upd.ErrorMessage
	}

	res, err := r.DB.ExecContext(
		ctx,
		query,
		string(next),
		nullString(upd.RawText),
		structured,
		nullString(upd.RunToken),
		errorMessage,
		id,
		string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("update document status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SoftDelete marks the document deleted.
func (r *PGRepo) SoftDelete(ctx context.Context, id string) error {
	const query = `
UPDATE documents
SET deleted_at = now(), updated_at = GREATEST(now(), updated_at)
WHERE id = $1 AND deleted_at IS NULL`
	res, err := r.DB.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var kind, status string
	var email, phone, rawText, errorMessage, runToken, createdBy sql.NullString
	var structured []byte
	if err := row.Scan(
		&doc.ID,
		&kind,
		&doc.Name,
		&email,
		&phone,
		&doc.OriginalFilename,
		&doc.MimeType,
		&doc.SizeBytes,
		&doc.StorageKey,
		&rawText,
		&structured,
		&status,
		&errorMessage,
		&runToken,
		&createdBy,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	); err != nil {
		return Document{}, err
	}
	doc.Kind = Kind(kind)
	doc.Status = Status(status)
	doc.ApplicantEmail = email.String
	doc.ApplicantPhone = phone.String
	doc.RawText = rawText.String
	doc.RunToken = runToken.String
	doc.CreatedBy = createdBy.String
	if errorMessage.Valid {
		msg := errorMessage.String
		doc.ErrorMessage = &msg
	}
	if len(structured) > 0 {
		if err := json.Unmarshal(structured, &doc.StructuredData); err != nil {
			return Document{}, fmt.Errorf("decode structured data for %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

var _ Repo = (*PGRepo)(nil)
