package matches

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

type naturalKey struct {
	applicationID string
	lenderID      string
	runToken      string
}

// MemoryRepo is an in-memory implementation of Repo.
type MemoryRepo struct {
	mu    sync.RWMutex
	byID  map[string]Record
	byKey map[naturalKey]string
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:  make(map[string]Record),
		byKey: make(map[naturalKey]string),
	}
}

// CreateIfAbsent stores rec unless its natural key is taken.
func (r *MemoryRepo) CreateIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	key := naturalKey{rec.ApplicationID, rec.LenderID, rec.RunToken}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[key]; ok {
		return clone(r.byID[id]), false, nil
	}
	r.byID[rec.ID] = clone(rec)
	r.byKey[key] = rec.ID
	return clone(rec), true, nil
}

// Get returns a record by ID.
func (r *MemoryRepo) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(rec), nil
}

// CompareAndSwapStatus transitions a record under the write lock.
func (r *MemoryRepo) CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, p Payload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = next
	rec.ErrorMessage = nil
	switch next {
	case StatusCompleted:
		if p.Score != nil {
			score := *p.Score
			rec.Score = &score
		}
		if p.Analysis != nil {
			rec.Analysis = maps.Clone(p.Analysis)
		}
	case StatusFailed:
		if p.ErrorMessage != nil {
			msg := *p.ErrorMessage
			rec.ErrorMessage = &msg
		}
	}
	if p.Attempts > 0 {
		rec.Attempts = p.Attempts
	}
	now := time.Now().UTC()
	if now.Before(rec.UpdatedAt) {
		now = rec.UpdatedAt
	}
	rec.UpdatedAt = now
	r.byID[id] = rec
	return true, nil
}

// ListByRun returns every record of one run, oldest first.
func (r *MemoryRepo) ListByRun(ctx context.Context, applicationID, runToken string) ([]Record, error) {
	return r.list(ctx, func(rec Record) bool {
		return rec.ApplicationID == applicationID && rec.RunToken == runToken
	})
}

// ListByApplication returns every record of every run of an application.
func (r *MemoryRepo) ListByApplication(ctx context.Context, applicationID string) ([]Record, error) {
	return r.list(ctx, func(rec Record) bool {
		return rec.ApplicationID == applicationID
	})
}

// DeleteByApplication removes all records of an application.
func (r *MemoryRepo) DeleteByApplication(ctx context.Context, applicationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for id, rec := range r.byID {
		if rec.ApplicationID != applicationID {
			continue
		}
		delete(r.byID, id)
		delete(r.byKey, naturalKey{rec.ApplicationID, rec.LenderID, rec.RunToken})
		deleted++
	}
	return deleted, nil
}

func (r *MemoryRepo) list(ctx context.Context, keep func(Record) bool) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := []Record{}
	for _, rec := range r.byID {
		if keep(rec) {
			out = append(out, clone(rec))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LenderID < out[j].LenderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func clone(rec Record) Record {
	if rec.Score != nil {
		score := *rec.Score
		rec.Score = &score
	}
	if rec.ErrorMessage != nil {
		msg := *rec.ErrorMessage
		rec.ErrorMessage = &msg
	}
	if rec.Analysis != nil {
		rec.Analysis = maps.Clone(rec.Analysis)
	}
	return rec
}

var _ Repo = (*MemoryRepo)(nil)
