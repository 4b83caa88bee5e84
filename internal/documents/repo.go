package documents

import "context"

// Repo defines persistence operations for documents.
type Repo interface {
	Create(ctx context.Context, doc Document) error
	GetByID(ctx context.Context, id string) (Document, error)
	List(ctx context.Context, filter ListFilter) ([]Document, error)
	// CompareAndSwapStatus moves the document from expected to next and
	// applies upd in one atomic step. It reports false, without error, when
	// the document is missing or not in expected.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, upd Update) (bool, error)
	SoftDelete(ctx context.Context, id string) error
}
