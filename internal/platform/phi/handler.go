package phi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type detectRequest struct {
	Text any `json:"text"`
}

// Handler exposes PHI detection over HTTP.
type Handler struct {
	fields FieldTable
}

// NewHandler reports fields, which includes any configured overrides.
func NewHandler(fields FieldTable) *Handler {
	return &Handler{fields: fields}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/phi/detect", h.Detect)
	api.GET("/phi/fields", h.Fields)
}

// Detect scans the "text" member of the request body.
func (h *Handler) Detect(c echo.Context) error {
	var req detectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.JSON(http.StatusOK, ContainsPHI(req.Text))
}

// Fields lists the identifier tables used for classification.
func (h *Handler) Fields(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"phi_fields":           h.fields.Names(),
		"direct_identifiers":   DirectIdentifiers,
		"indirect_identifiers": IndirectIdentifiers,
	})
}
