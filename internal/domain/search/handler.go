package search

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/clinterm/termsearch/internal/domain/catalog"
	"github.com/clinterm/termsearch/internal/platform/auth"
)

// Handler provides the REST surface over the search service.
type Handler struct {
	svc *Service
}

// NewHandler creates a new search handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the terminology search routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	grp := api.Group("/terminology", auth.RequireRole("admin", "clinician", "coder", "integration"))
	grp.GET("/search", h.Search)
	grp.GET("/autocomplete", h.Autocomplete)
	grp.POST("/clinical", h.ClinicalAnalysis)
	grp.POST("/codes/batch", h.BatchLookup)
	grp.GET("/codes/:code", h.CodeDetails)
	grp.POST("/invalidate", h.Invalidate, auth.RequireRole("admin"))
}

func getLimit(c echo.Context) int {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	return limit
}

// Search handles GET /api/v1/terminology/search?q=...&limit=...&chapter=...
func (h *Handler) Search(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'q' is required")
	}
	resp, err := h.svc.Search(c.Request().Context(), query, getLimit(c), c.QueryParam("chapter"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Autocomplete handles GET /api/v1/terminology/autocomplete?q=...&limit=...
func (h *Handler) Autocomplete(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'q' is required")
	}
	resp, err := h.svc.Autocomplete(c.Request().Context(), query, getLimit(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ClinicalAnalysis handles POST /api/v1/terminology/clinical with a body of
// {"terms": ["fever", "cough"]}.
func (h *Handler) ClinicalAnalysis(c echo.Context) error {
	var req struct {
		Terms []string `json:"terms"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.svc.ClinicalAnalysis(c.Request().Context(), req.Terms)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// BatchLookup handles POST /api/v1/terminology/codes/batch with a body of
// {"codes": ["E11.9", "I10"]}. Unknown codes map to null.
func (h *Handler) BatchLookup(c echo.Context) error {
	var req struct {
		Codes []string `json:"codes"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	found, err := h.svc.BatchLookup(c.Request().Context(), req.Codes)
	if err != nil {
		return httpError(err)
	}

	// Echo every requested code back so callers can tell a miss from a typo.
	results := make(map[string]*catalog.CodeEntry, len(req.Codes))
	for _, code := range req.Codes {
		results[code] = nil
		if e, ok := found[code]; ok {
			results[code] = e
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

// CodeDetails handles GET /api/v1/terminology/codes/:code
func (h *Handler) CodeDetails(c echo.Context) error {
	h2, err := h.svc.CodeDetails(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h2)
}

// Invalidate handles POST /api/v1/terminology/invalidate. With a "chapter"
// query parameter only that chapter's derived results are dropped.
func (h *Handler) Invalidate(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		n   int
		err error
	)
	if chapter := c.QueryParam("chapter"); chapter != "" {
		n, err = h.svc.InvalidateChapter(ctx, chapter)
	} else {
		n, err = h.svc.InvalidateCatalog(ctx)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache invalidation failed")
	}
	return c.JSON(http.StatusOK, map[string]int{"invalidated": n})
}

// httpError maps the service error taxonomy onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, catalog.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "code not found")
	case errors.Is(err, ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
