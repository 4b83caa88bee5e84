package documents

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory implementation of Repo.
type MemoryRepo struct {
	mu   sync.RWMutex
	data map[string]Document
	now  func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		data: make(map[string]Document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new document.
func (r *MemoryRepo) Create(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc.ID == "" || !doc.Kind.Valid() {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[doc.ID]; exists {
		return ErrConflict
	}
	r.data[doc.ID] = clone(doc)
	return nil
}

// GetByID returns a document by ID.
func (r *MemoryRepo) GetByID(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.data[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return clone(doc), nil
}

// List returns documents newest first, honoring the filter.
func (r *MemoryRepo) List(ctx context.Context, filter ListFilter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	docs := make([]Document, 0, len(r.data))
	for _, doc := range r.data {
		if filter.Kind != "" && doc.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		docs = append(docs, clone(doc))
	}
	r.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})

	offset := max(filter.Offset, 0)
	if offset >= len(docs) {
		return []Document{}, nil
	}
	end := len(docs)
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return docs[offset:end], nil
}

// CompareAndSwapStatus atomically transitions a document under the write lock.
func (r *MemoryRepo) CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, upd Update) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.data[id]
	if !ok || doc.Status != expected {
		return false, nil
	}

	doc.Status = next
	if upd.RawText != nil {
		doc.RawText = *upd.RawText
	}
	if upd.StructuredData != nil {
		doc.StructuredData = maps.Clone(upd.StructuredData)
	}
	if upd.RunToken != nil {
		doc.RunToken = *upd.RunToken
	}
	doc.ErrorMessage = nil
	if next == StatusFailed && upd.ErrorMessage != nil {
		msg := *upd.ErrorMessage
		doc.ErrorMessage = &msg
	}
	now := r.now()
	if now.Before(doc.UpdatedAt) {
		now = doc.UpdatedAt
	}
	doc.UpdatedAt = now

	r.data[id] = doc
	return true, nil
}

// SoftDelete removes the document from view.
func (r *MemoryRepo) SoftDelete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return ErrNotFound
	}
	delete(r.data, id)
	return nil
}

func clone(doc Document) Document {
	if doc.StructuredData != nil {
		doc.StructuredData = maps.Clone(doc.StructuredData)
	}
	if doc.ErrorMessage != nil {
		msg := *doc.ErrorMessage
		doc.ErrorMessage = &msg
	}
	return doc
}

var _ Repo = (*MemoryRepo)(nil)
