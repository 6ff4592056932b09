package auditlog

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/pkg/pagination"
	"github.com/phimarket/compliance/pkg/validate"
)

type Handler struct {
	p *Pipeline
}

func NewHandler(p *Pipeline) *Handler {
	return &Handler{p: p}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/audit", h.CreateAuditLog)

	admin := api.Group("/audit", auth.RequireRole(auth.RoleComplianceOfficer))
	admin.POST("/flush", h.Flush)
	admin.POST("/retry", h.Retry)
	admin.POST("/drain", h.Drain)
	admin.GET("/queues", h.Queues)
	admin.GET("/queues/:name", h.InspectQueue)
}

type createRequest struct {
	Action  string         `json:"action" validate:"required,action"`
	Details map[string]any `json:"details"`
}

func (h *Handler) CreateAuditLog(c echo.Context) error {
	var req createRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	res := h.p.CreateAuditLog(c.Request().Context(), auth.ActorFrom(c), req.Action, req.Details)
	switch {
	case res.State == StateDelivered:
		return c.JSON(http.StatusCreated, res)
	case res.Success || res.Queued:
		return c.JSON(http.StatusAccepted, res)
	}
	return c.JSON(http.StatusServiceUnavailable, res)
}

func (h *Handler) Flush(c echo.Context) error {
	return c.JSON(http.StatusOK, h.p.Flush(c.Request().Context()))
}

func (h *Handler) Retry(c echo.Context) error {
	return c.JSON(http.StatusOK, h.p.RetryPass(c.Request().Context()))
}

func (h *Handler) Drain(c echo.Context) error {
	return c.JSON(http.StatusOK, h.p.DrainLocal(c.Request().Context()))
}

func (h *Handler) Queues(c echo.Context) error {
	q, err := h.p.Queues(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) InspectQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.p.Inspect(c.Request().Context(), c.Param("name"), pg)
	if errors.Is(err, ErrUnknownQueue) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown queue")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, total)
	return c.JSON(http.StatusOK, resp)
}
