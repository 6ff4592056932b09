package consent

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/policy"
	"github.com/phimarket/compliance/pkg/validate"
)

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/consents", h.RecordConsent)
	api.GET("/consents", h.ListConsents)
	api.GET("/consents/history", h.GetConsentHistory)
	api.GET("/consents/:type", h.HasConsent)
	api.POST("/consents/:type/verify", h.VerifyConsent)
}

type recordRequest struct {
	ConsentType string         `json:"consentType" validate:"required"`
	Granted     *bool          `json:"granted" validate:"required"`
	Details     map[string]any `json:"details"`
}

func (h *Handler) RecordConsent(c echo.Context) error {
	var req recordRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.ledger.RecordConsent(c.Request().Context(), auth.ActorFrom(c), req.ConsentType, *req.Granted, req.Details)
	if err != nil {
		return fail(err)
	}
	if !res.Success {
		return c.JSON(http.StatusServiceUnavailable, res)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListConsents(c echo.Context) error {
	m, err := h.ledger.Latest(c.Request().Context(), auth.ActorFrom(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) HasConsent(c echo.Context) error {
	t, err := ParseType(c.Param("type"))
	if err != nil {
		return fail(err)
	}
	granted := h.ledger.HasConsent(c.Request().Context(), auth.ActorFrom(c), string(t))
	return c.JSON(http.StatusOK, map[string]any{"consentType": t, "granted": granted})
}

func (h *Handler) GetConsentHistory(c echo.Context) error {
	records, err := h.ledger.GetConsentHistory(c.Request().Context(), auth.ActorFrom(c), c.QueryParam("type"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) VerifyConsent(c echo.Context) error {
	granted, err := h.ledger.VerifyConsent(c.Request().Context(), auth.ActorFrom(c), c.Param("type"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"consentType": c.Param("type"), "granted": granted})
}

func fail(err error) error {
	if errors.Is(err, policy.ErrValidation) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"code":    string(policy.KindValidation),
			"message": err.Error(),
		})
	}
	return echo.NewHTTPError(policy.HTTPStatus(err), err.Error())
}
