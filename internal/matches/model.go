package matches

import (
	"fmt"
	"strings"
	"time"
)

// Status is the state of one application/lender match.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown match status %q", ErrInvalidInput, s)
}

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is the result of scoring one application against one lender
// within one matching run.
type Record struct {
	ID            string
	ApplicationID string
	LenderID      string
	RunToken      string
	Score         *float64
	Analysis      map[string]any
	Status        Status
	ErrorMessage  *string
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payload carries the fields written with a transition. Score and Analysis
// are only persisted on COMPLETED, ErrorMessage only on FAILED.
type Payload struct {
	Score        *float64
	Analysis     map[string]any
	ErrorMessage *string
	Attempts     int
}
