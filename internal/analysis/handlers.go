package analysis

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/urlsentry/internal/logging"
	"github.com/mbd888/urlsentry/internal/metrics"
	"github.com/mbd888/urlsentry/internal/pagination"
	"github.com/mbd888/urlsentry/internal/scans"
	"github.com/mbd888/urlsentry/internal/validation"
)

// Response headers carrying data outside the JSON body.
const (
	HeaderScanID     = "X-Scan-ID"
	HeaderNextCursor = "X-Next-Cursor"
)

// Analyzer is what the HTTP layer needs from Engine.
type Analyzer interface {
	Analyze(ctx context.Context, rawURL string) (*Verdict, error)
}

// Handler provides HTTP endpoints for analysis and scan history
type Handler struct {
	engine   Analyzer
	recorder *Recorder
	store    scans.Store
}

// NewHandler creates a handler. recorder and store may be nil.
func NewHandler(engine Analyzer, recorder *Recorder, store scans.Store) *Handler {
	return &Handler{engine: engine, recorder: recorder, store: store}
}

// RegisterRoutes sets up analysis routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analyze-url", h.AnalyzeURL)
	r.GET("/analytics", h.GetAnalytics)
	r.GET("/scan-history", h.GetScanHistory)
	r.DELETE("/scan-history/:scanId", h.requireStore, validation.ScanIDParamMiddleware(), h.DeleteScan)
}

// AnalyzeRequest is the body of POST /analyze-url
type AnalyzeRequest struct {
	URL *string `json:"url"`
}

// AnalyzeURL handles POST /analyze-url
func (h *Handler) AnalyzeURL(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.Present("url", req.URL)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()
	v, err := h.engine.Analyze(ctx, *req.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Failed to analyze URL",
		})
		return
	}

	if h.recorder != nil {
		// Without a store the scan is only broadcast; there is no id to return.
		if rec, err := h.recorder.Record(ctx, v); err == nil && h.store != nil {
			c.Header(HeaderScanID, rec.ScanID)
		}
	}

	c.JSON(http.StatusOK, v)
}

// GetAnalytics handles GET /analytics. Store faults yield zero counts.
func (h *Handler) GetAnalytics(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, scans.Analytics{})
		return
	}

	ctx := c.Request.Context()
	counts, err := h.store.CountByLevel(ctx)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("count").Inc()
		logging.L(ctx).Warn("analytics query failed", "error", err)
		c.JSON(http.StatusOK, scans.Analytics{})
		return
	}
	c.JSON(http.StatusOK, scans.FromCounts(counts))
}

// GetScanHistory handles GET /scan-history?limit=&cursor=. The body is a
// plain array; the next page cursor travels in X-Next-Cursor.
func (h *Handler) GetScanHistory(c *gin.Context) {
	limit, err := pagination.ClampLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": "limit must be an integer",
		})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	if h.store == nil {
		c.JSON(http.StatusOK, []*scans.Record{})
		return
	}

	ctx := c.Request.Context()
	items, err := h.store.List(ctx, limit+1, cursor)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("list").Inc()
		logging.L(ctx).Warn("scan history query failed", "error", err)
		c.JSON(http.StatusOK, []*scans.Record{})
		return
	}

	page, next, hasMore := pagination.ComputePage(items, limit, func(r *scans.Record) (time.Time, string) {
		return r.CreatedAt, r.ScanID
	})
	if hasMore {
		c.Header(HeaderNextCursor, next)
	}
	if page == nil {
		page = []*scans.Record{}
	}
	c.JSON(http.StatusOK, page)
}

// DeleteScan handles DELETE /scan-history/:scanId
func (h *Handler) DeleteScan(c *gin.Context) {
	scanID := c.Param("scanId")
	ctx := c.Request.Context()

	err := h.store.Delete(ctx, scanID)
	switch {
	case errors.Is(err, scans.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Scan not found",
		})
		return
	case err != nil:
		metrics.StoreErrorsTotal.WithLabelValues("delete").Inc()
		logging.L(ctx).Error("scan delete failed", "scan_id", scanID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to delete scan",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "scanId": scanID})
}

func (h *Handler) requireStore(c *gin.Context) {
	if h.store == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "store_unavailable",
			"message": "Scan history is not available",
		})
		return
	}
	c.Next()
}
