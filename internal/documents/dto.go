package documents

import "time"

// DocumentResponse is the outward-facing representation of a document.
type DocumentResponse struct {
	ID               string         `json:"id"`
	Kind             Kind           `json:"kind"`
	Name             string         `json:"name"`
	ApplicantEmail   string         `json:"applicantEmail,omitempty"`
	ApplicantPhone   string         `json:"applicantPhone,omitempty"`
	OriginalFilename string         `json:"originalFilename"`
	MimeType         string         `json:"mimeType"`
	SizeBytes        int64          `json:"sizeBytes"`
	Status           Status         `json:"status"`
	ErrorMessage     *string        `json:"errorMessage,omitempty"`
	StructuredData   map[string]any `json:"structuredData,omitempty"`
	RunToken         string         `json:"runToken,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func toResponse(doc Document, withData bool) DocumentResponse {
	resp := DocumentResponse{
		ID:               doc.ID,
		Kind:             doc.Kind,
		Name:             doc.Name,
		ApplicantEmail:   doc.ApplicantEmail,
		ApplicantPhone:   doc.ApplicantPhone,
		OriginalFilename: doc.OriginalFilename,
		MimeType:         doc.MimeType,
		SizeBytes:        doc.SizeBytes,
		Status:           doc.Status,
		ErrorMessage:     doc.ErrorMessage,
		RunToken:         doc.RunToken,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
	if withData {
		resp.StructuredData = doc.StructuredData
	}
	return resp
}
