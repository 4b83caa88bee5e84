package documents

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"loanmatch-backend/internal/shared/server/respond"
)

const maxUploadSize = 20 << 20 // 20MB

// Pipeline starts background processing for documents.
type Pipeline interface {
	// Submit schedules processing of a freshly uploaded document.
	Submit(ctx context.Context, id string) error
	// Resubmit moves a FAILED document back to UPLOADED and schedules it.
	Resubmit(ctx context.Context, id string) error
}

// Handler wires HTTP handlers to the service.
type Handler struct {
	Svc      *Service
	Pipeline Pipeline
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, pipeline Pipeline) *Handler {
	return &Handler{Svc: svc, Pipeline: pipeline}
}

// RegisterRoutes attaches lender and application routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/lenders", h.upload(KindLender))
	rg.GET("/lenders", h.list(KindLender))
	rg.GET("/lenders/:id", h.get(KindLender))
	rg.POST("/lenders/:id/reprocess", h.reprocess(KindLender))
	rg.DELETE("/lenders/:id", h.delete(KindLender))

	rg.POST("/applications", h.upload(KindApplication))
	rg.GET("/applications", h.list(KindApplication))
	rg.GET("/applications/:id", h.get(KindApplication))
	rg.POST("/applications/:id/reprocess", h.reprocess(KindApplication))
	rg.DELETE("/applications/:id", h.delete(KindApplication))
}

func (h *Handler) upload(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

		fileHeader, err := c.FormFile("file")
		if err != nil {
			respond.BadRequest(c, "file is required")
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			respond.BadRequest(c, "unable to read file")
			return
		}
		defer file.Close()

		in := UploadInput{
			Kind:      kind,
			FileName:  fileHeader.Filename,
			CreatedBy: strings.TrimSpace(c.GetHeader("X-Actor")),
		}
		if kind == KindLender {
			in.Name = c.PostForm("name")
		} else {
			in.Name = c.PostForm("applicantName")
			in.ApplicantEmail = c.PostForm("applicantEmail")
			in.ApplicantPhone = c.PostForm("applicantPhone")
		}

		doc, err := h.Svc.Upload(c.Request.Context(), in, file)
		if err != nil {
			if errors.Is(err, ErrInvalidInput) {
				respond.BadRequest(c, err.Error())
				return
			}
			respond.Internal(c, "failed to upload document")
			return
		}

		if h.Pipeline != nil {
			if err := h.Pipeline.Submit(c.Request.Context(), doc.ID); err != nil {
				respond.Error(c, http.StatusBadGateway, "dispatch_failed", "document stored but processing could not be scheduled", gin.H{"id": doc.ID})
				return
			}
		}
		respond.JSON(c, http.StatusCreated, toResponse(doc, false))
	}
}

func (h *Handler) get(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := h.Svc.Get(c.Request.Context(), kind, c.Param("id"))
		if err != nil {
			writeError(c, err, "failed to fetch document")
			return
		}
		respond.OK(c, toResponse(doc, true))
	}
}

func (h *Handler) list(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ListFilter{
			Kind:   kind,
			Status: Status(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
			Limit:  queryInt(c, "limit", 20),
			Offset: queryInt(c, "offset", 0),
		}
		filter.Limit = min(max(filter.Limit, 1), 100)
		filter.Offset = max(filter.Offset, 0)

		docs, err := h.Svc.List(c.Request.Context(), filter)
		if err != nil {
			writeError(c, err, "failed to list documents")
			return
		}
		resp := make([]DocumentResponse, 0, len(docs))
		for _, doc := range docs {
			resp = append(resp, toResponse(doc, false))
		}
		respond.OK(c, resp)
	}
}

func (h *Handler) reprocess(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		c.Set("documentId", id)
		doc, err := h.Svc.Get(c.Request.Context(), kind, id)
		if err != nil {
			writeError(c, err, "failed to fetch document")
			return
		}
		if doc.Status != StatusFailed {
			respond.Error(c, http.StatusConflict, "conflict", "only FAILED documents can be reprocessed", gin.H{"status": doc.Status})
			return
		}
		if h.Pipeline == nil {
			respond.Error(c, http.StatusServiceUnavailable, "unavailable", "processing is not configured", nil)
			return
		}
		if err := h.Pipeline.Resubmit(c.Request.Context(), id); err != nil {
			writeError(c, err, "failed to reprocess document")
			return
		}
		c.Set("statusTransition", string(StatusFailed)+"->"+string(StatusUploaded))
		respond.JSON(c, http.StatusAccepted, gin.H{"id": id, "status": StatusUploaded})
	}
}

func (h *Handler) delete(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.Svc.Delete(c.Request.Context(), kind, c.Param("id")); err != nil {
			writeError(c, err, "failed to delete document")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.NotFound(c, "document not found")
	case errors.Is(err, ErrInvalidInput):
		respond.BadRequest(c, err.Error())
	case errors.Is(err, ErrConflict):
		respond.Error(c, http.StatusConflict, "conflict", err.Error(), nil)
	default:
		respond.Internal(c, fallback)
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
