package sync

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hie/hie/internal/domain/conflict"
	"github.com/hie/hie/internal/platform/auth"
	"github.com/hie/hie/internal/platform/envelope"
	"github.com/hie/hie/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	grp := api.Group("", auth.RequireRole("admin", "operator"))
	grp.POST("/sync/queue", h.Queue)
	grp.POST("/sync/process", h.Process)
	grp.GET("/sync/status", h.ListStatus)
	grp.GET("/sync/status/:id", h.GetStatus)
	grp.GET("/sync/queue/stats", h.Stats)
	grp.DELETE("/sync/queue/:id", h.Cancel)
	grp.POST("/sync/conflicts/:sync_id/resolve", h.Resolve)
}

type queueRequest struct {
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Direction  Direction         `json:"direction"`
	Priority   envelope.Priority `json:"priority"`
}

// Queue accepts a sync request and returns 202 with the record and queue ids.
func (h *Handler) Queue(c echo.Context) error {
	var req queueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	item, err := h.svc.QueueSync(c.Request().Context(), req.EntityType, req.EntityID, req.Direction, req.Priority)
	if err != nil {
		var se *Error
		if errors.As(err, &se) && se.Kind == KindValidation {
			return echo.NewHTTPError(http.StatusBadRequest, se.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"sync_id":       item.RecordID,
		"queue_item_id": item.ID,
		"status":        StatusPending,
	})
}

type processRequest struct {
	MaxItems int `json:"max_items"`
}

// Process drains up to max_items due queue items synchronously. The worker
// pool does this continuously in the background; the endpoint exists for
// operators and tests.
func (h *Handler) Process(c echo.Context) error {
	req := processRequest{MaxItems: 10}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.MaxItems <= 0 || req.MaxItems > 100 {
		req.MaxItems = 10
	}
	n, err := h.svc.ProcessQueue(c.Request().Context(), "api/"+c.RealIP(), req.MaxItems)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"processed": n})
}

// ListStatus pages sync records, optionally filtered with ?status=.
func (h *Handler) ListStatus(c echo.Context) error {
	pg := pagination.FromContext(c)
	records, total, err := h.svc.ListRecords(c.Request().Context(), Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		var se *Error
		if errors.As(err, &se) && se.Kind == KindValidation {
			return echo.NewHTTPError(http.StatusBadRequest, se.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(records, total, pg.Limit, pg.Offset))
}

// GetStatus returns one sync record by id.
func (h *Handler) GetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync record id")
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "sync record not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

// Stats reports queue depth per status and entity type.
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.QueueStats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// Cancel withdraws a pending queue item. Claimed or settled items cannot be
// cancelled.
func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid queue item id")
	}
	ok, err := h.svc.CancelQueueItem(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "queue item is not pending")
	}
	return c.NoContent(http.StatusNoContent)
}

type resolveRequest struct {
	Strategy   conflict.Strategy    `json:"strategy"`
	MergeRules *conflict.MergeRules `json:"merge_rules,omitempty"`
}

// Resolve applies an operator decision to a conflicted sync record.
func (h *Handler) Resolve(c echo.Context) error {
	syncID, err := uuid.Parse(c.Param("sync_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync record id")
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !conflict.ValidStrategy(req.Strategy) {
		return echo.NewHTTPError(http.StatusBadRequest, "strategy must be use-local, use-remote, or merge")
	}

	actor := auth.SubjectFromContext(c)
	rec, err := h.svc.ResolveConflict(c.Request().Context(), syncID, req.Strategy, req.MergeRules, actor)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, conflict.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "no conflicted sync record found")
	case errors.Is(err, ErrNotInConflict):
		return echo.NewHTTPError(http.StatusConflict, "sync record is not in conflict")
	case errors.Is(err, conflict.ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, "conflict case already resolved")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}
