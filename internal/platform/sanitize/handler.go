package sanitize

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/platform/phi"
)

// Handler exposes Sanitize over HTTP.
type Handler struct {
	fields phi.FieldTable
	logger zerolog.Logger
}

func NewHandler(fields phi.FieldTable, logger zerolog.Logger) *Handler {
	return &Handler{fields: fields, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/sanitize", h.Sanitize)
}

// Sanitize sanitizes the JSON request body. Query parameters: mode
// (default|redact|mask), include and exclude (comma-separated field names).
func (h *Handler) Sanitize(c echo.Context) error {
	mode, err := ParseMode(c.QueryParam("mode"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var body any
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	out := Sanitize(body, Options{
		Mode:          mode,
		IncludeFields: splitList(c.QueryParam("include")),
		ExcludeFields: splitList(c.QueryParam("exclude")),
		Fields:        &h.fields,
		Logger:        &h.logger,
	})
	return c.JSON(http.StatusOK, out)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
