package deid

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the verifier over HTTP.
type Handler struct {
	verifier *Verifier
}

func NewHandler(v *Verifier) *Handler {
	return &Handler{verifier: v}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/deid/verify", h.Verify)
}

func (h *Handler) Verify(c echo.Context) error {
	var body any
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	return c.JSON(http.StatusOK, h.verifier.Verify(body))
}
