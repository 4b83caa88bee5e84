package documents

import "time"

// Kind distinguishes lender policy documents from loan applications.
type Kind string

const (
	KindLender      Kind = "lender"
	KindApplication Kind = "application"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLender || k == KindApplication
}

// Status is the processing state of a document.
type Status string

const (
	StatusUploaded   Status = "UPLOADED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Document is an uploaded lender policy or loan application.
type Document struct {
	ID               string
	Kind             Kind
	Name             string
	ApplicantEmail   string
	ApplicantPhone   string
	OriginalFilename string
	MimeType         string
	SizeBytes        int64
	StorageKey       string
	RawText          string
	StructuredData   map[string]any
	Status           Status
	ErrorMessage     *string
	// RunToken identifies the current or latest matching run of an application.
	RunToken  string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Update carries the fields written alongside a status transition. Nil
// fields are left unchanged. ErrorMessage is only persisted when the next
// status is FAILED; any other transition clears it.
type Update struct {
	RawText        *string
	StructuredData map[string]any
	ErrorMessage   *string
	RunToken       *string
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Kind   Kind
	Status Status
	Limit  int
	Offset int
}
