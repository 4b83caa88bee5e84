package documents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"loanmatch-backend/internal/shared/storage/object"
	"loanmatch-backend/internal/shared/telemetry"
)

// UploadInput describes a new lender or application upload.
type UploadInput struct {
	Kind           Kind
	Name           string
	ApplicantEmail string
	ApplicantPhone string
	FileName       string
	CreatedBy      string
}

// Service contains business logic for documents.
type Service struct {
	Store object.ObjectStore
	Repo  Repo
	// OnDelete runs after a document is soft-deleted, e.g. to drop its matches.
	OnDelete func(ctx context.Context, doc Document) error
}

// Upload saves the file to object storage and records the document as UPLOADED.
func (s *Service) Upload(ctx context.Context, in UploadInput, r io.Reader) (Document, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.ApplicantEmail = strings.TrimSpace(in.ApplicantEmail)
	in.ApplicantPhone = strings.TrimSpace(in.ApplicantPhone)
	if err := validateUpload(in); err != nil {
		return Document{}, err
	}

	br := bufio.NewReader(r)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, fmt.Errorf("%w: file is empty", ErrInvalidInput)
		}
		return Document{}, fmt.Errorf("read upload: %w", err)
	}

	storageKey, size, mimeType, err := s.Store.Save(ctx, string(in.Kind), in.FileName, br)
	if err != nil {
		return Document{}, fmt.Errorf("store upload: %w", err)
	}

	now := time.Now().UTC()
	doc := Document{
		ID:               uuid.NewString(),
		Kind:             in.Kind,
		Name:             in.Name,
		ApplicantEmail:   in.ApplicantEmail,
		ApplicantPhone:   in.ApplicantPhone,
		OriginalFilename: in.FileName,
		MimeType:         mimeType,
		SizeBytes:        size,
		StorageKey:       storageKey,
		Status:           StatusUploaded,
		CreatedBy:        in.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Repo.Create(ctx, doc); err != nil {
		return Document{}, err
	}

	telemetry.Info("document.uploaded", map[string]any{
		"document_id": doc.ID,
		"kind":        string(doc.Kind),
		"size_bytes":  doc.SizeBytes,
		"mime_type":   doc.MimeType,
	})
	return doc, nil
}

// Get returns a document of the given kind.
func (s *Service) Get(ctx context.Context, kind Kind, id string) (Document, error) {
	doc, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if kind != "" && doc.Kind != kind {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// List returns documents matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Document, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	return s.Repo.List(ctx, filter)
}

// Delete soft-deletes a document of the given kind and runs OnDelete.
func (s *Service) Delete(ctx context.Context, kind Kind, id string) error {
	doc, err := s.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	if err := s.Repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	telemetry.Info("document.deleted", map[string]any{
		"document_id": id,
		"kind":        string(doc.Kind),
		"status":      string(doc.Status),
	})
	if s.OnDelete != nil {
		if err := s.OnDelete(ctx, doc); err != nil {
			return fmt.Errorf("cleanup after delete: %w", err)
		}
	}
	return nil
}

func validateUpload(in UploadInput) error {
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, in.Kind)
	}
	if strings.TrimSpace(in.FileName) == "" {
		return fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.Kind == KindLender && (in.ApplicantEmail != "" || in.ApplicantPhone != "") {
		return fmt.Errorf("%w: applicant contact only applies to applications", ErrInvalidInput)
	}
	if in.ApplicantEmail != "" {
		if _, err := mail.ParseAddress(in.ApplicantEmail); err != nil {
			return fmt.Errorf("%w: invalid applicant email", ErrInvalidInput)
		}
	}
	return nil
}
