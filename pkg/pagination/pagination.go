// Package pagination pages in-memory lists for the queue inspection
// endpoints.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a limit/offset window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset query parameters, clamping limit to
// [1, MaxLimit] and offset to >= 0.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	return Params{Limit: limit, Offset: max(offset, 0)}
}

// Response is a page of items.
type Response struct {
	Data    any    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Links   *Links `json:"links,omitempty"`
}

func NewResponse(data any, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// Slice returns the page of list selected by p.
func Slice[T any](list []T, p Params) []T {
	if p.Offset >= len(list) {
		return []T{}
	}
	end := len(list)
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	return list[p.Offset:end]
}

// Links holds navigation URLs for a page.
type Links struct {
	Self     string `json:"self"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Links builds navigation URLs for basePath.
func (p Params) Links(basePath string, total int) *Links {
	page := func(offset int) string {
		return fmt.Sprintf("%s?offset=%d&limit=%d", basePath, offset, p.Limit)
	}
	l := &Links{Self: page(p.Offset)}
	if p.Offset+p.Limit < total {
		l.Next = page(p.Offset + p.Limit)
	}
	if p.Offset > 0 {
		l.Previous = page(max(p.Offset-p.Limit, 0))
	}
	return l
}
