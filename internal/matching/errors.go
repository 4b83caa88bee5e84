package matching

import (
	"errors"

	"loanmatch-backend/internal/documents"
)

var (
	// ErrAllMatchesFailed marks a run in which every lender match failed.
	ErrAllMatchesFailed = errors.New("all lender matches failed")
	// ErrNotReady is returned when an application has no structured data to
	// match with.
	ErrNotReady = errors.New("application is not ready for matching")
	// ErrNotApplication is returned when the id names a lender.
	ErrNotApplication = errors.New("document is not an application")
	// ErrRunInProgress is returned when another run owns the application.
	ErrRunInProgress = errors.New("a matching run is already in progress")
	// ErrRunSettled is returned by claim when the token's run has finished.
	ErrRunSettled = errors.New("matching run has already settled")
	// ErrShuttingDown is returned by Engine.StartRun after Shutdown.
	ErrShuttingDown = errors.New("matching engine is shutting down")
)

// isConflict reports whether err means the request lost to current state
// rather than failed.
func isConflict(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrRunInProgress) || errors.Is(err, documents.ErrConflict)
}
