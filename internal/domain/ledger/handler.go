package ledger

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hie/hie/internal/platform/auth"
	"github.com/hie/hie/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "operator", "auditor"))
	read.GET("/audit/proof/:message_id", h.GetProof)
	read.GET("/audit/entries", h.ListEntries)
	read.POST("/audit/verify", h.VerifyProof)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/audit/ledger/reopen", h.Reopen)
}

// GetProof returns the inclusion proof for a previously anchored message.
func (h *Handler) GetProof(c echo.Context) error {
	messageID := c.Param("message_id")
	proof, err := h.svc.ProofFor(c.Request().Context(), messageID)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no ledger entry for message")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, proof)
}

// VerifyProof checks a presented proof against the stored chain.
func (h *Handler) VerifyProof(c echo.Context) error {
	var proof Proof
	if err := c.Bind(&proof); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ok, err := h.svc.VerifyInclusion(c.Request().Context(), &proof)
	if errors.Is(err, ErrLedgerIntegrity) {
		// Chain break: surface the security condition, not a plain 500.
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"valid":  false,
			"halted": true,
			"error":  err.Error(),
		})
	}
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "proof references an unknown ledger position")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"valid": ok})
}

// ListEntries pages through the ledger in sequence order.
func (h *Handler) ListEntries(c echo.Context) error {
	pg := pagination.FromContext(c)
	total, err := h.svc.repo.Count(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	entries, err := h.svc.repo.Range(c.Request().Context(), int64(pg.Offset)+1, int64(pg.Offset+pg.Limit))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, int(total), pg.Limit, pg.Offset))
}

// Reopen clears a tripped ledger after operator investigation.
func (h *Handler) Reopen(c echo.Context) error {
	h.svc.Reopen()
	return c.JSON(http.StatusOK, map[string]string{"status": "reopened"})
}
