package matching

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/matches"
	"loanmatch-backend/internal/shared/server/respond"
)

const xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handler serves matching runs and their results.
type Handler struct {
	Engine   *Engine
	Reporter *matches.Reporter
}

// NewHandler constructs a Handler.
func NewHandler(engine *Engine, reporter *matches.Reporter) *Handler {
	return &Handler{Engine: engine, Reporter: reporter}
}

// RegisterRoutes attaches match routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/applications/:id/match", h.run)
	rg.GET("/applications/:id/matches", h.list)
	rg.GET("/applications/:id/matches/export", h.export)
}

func (h *Handler) run(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.BadRequest(c, "invalid request body")
			return
		}
	}

	handle, err := h.Engine.StartRun(c.Request.Context(), c.Param("id"), RunOptions{
		RunToken:  req.RunToken,
		LenderIDs: req.LenderIDs,
	})
	if err != nil {
		writeError(c, err, "failed to start matching")
		return
	}
	if handle.Settled {
		respond.OK(c, RunResponse{
			ApplicationID: handle.ApplicationID,
			RunToken:      handle.RunToken,
			Settled:       true,
		})
		return
	}
	if handle.Skipped {
		respond.Error(c, http.StatusConflict, "run_in_progress", ErrRunInProgress.Error(), map[string]any{
			"applicationId": handle.ApplicationID,
		})
		return
	}
	respond.JSON(c, http.StatusAccepted, RunResponse{
		ApplicationID: handle.ApplicationID,
		RunToken:      handle.RunToken,
		Duplicate:     handle.Duplicate,
	})
}

func (h *Handler) list(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	rep, err := h.Reporter.Build(c.Request.Context(), c.Param("id"), c.Query("run"))
	if err != nil {
		writeError(c, err, "failed to load matches")
		return
	}
	respond.OK(c, toReportResponse(rep.Filter(filter)))
}

func parseFilter(c *gin.Context) (matches.Filter, error) {
	var f matches.Filter
	if v := c.Query("status"); v != "" {
		st, err := matches.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if v := c.Query("min_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(score) {
			return f, errors.New("min_score must be a number")
		}
		f.MinScore = &score
	}
	return f, nil
}

func (h *Handler) export(c *gin.Context) {
	rep, err := h.Reporter.Build(c.Request.Context(), c.Param("id"), c.Query("run"))
	if err != nil {
		writeError(c, err, "failed to load matches")
		return
	}
	data, err := rep.XLSX()
	if err != nil {
		respond.Internal(c, "failed to build export")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="matches-`+rep.Application.ID+`.xlsx"`)
	c.Data(http.StatusOK, xlsxMimeType, data)
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, documents.ErrNotFound), errors.Is(err, ErrNotApplication):
		respond.NotFound(c, "application not found")
	case errors.Is(err, ErrNotReady):
		respond.Error(c, http.StatusConflict, "not_ready", err.Error(), nil)
	case errors.Is(err, ErrShuttingDown):
		respond.Error(c, http.StatusServiceUnavailable, "shutting_down", err.Error(), nil)
	case isConflict(err):
		respond.Error(c, http.StatusConflict, "conflict", err.Error(), nil)
	default:
		respond.Internal(c, fallback)
	}
}
