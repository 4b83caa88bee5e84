package matches

import "context"

// Repo defines persistence operations for match records.
type Repo interface {
	// CreateIfAbsent inserts rec unless a record with the same
	// (ApplicationID, LenderID, RunToken) exists. It returns the stored
	// record and whether it was created by this call.
	CreateIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	Get(ctx context.Context, id string) (Record, error)
	// CompareAndSwapStatus moves the record from expected to next. It
	// reports false, without error, when the record is missing or not in
	// expected.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, p Payload) (bool, error)
	ListByRun(ctx context.Context, applicationID, runToken string) ([]Record, error)
	ListByApplication(ctx context.Context, applicationID string) ([]Record, error)
	DeleteByApplication(ctx context.Context, applicationID string) (int, error)
}
