package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/paperbase/config"
	"github.com/mohammad-safakhou/paperbase/internal/index"
	"github.com/mohammad-safakhou/paperbase/internal/runtime"
	"github.com/mohammad-safakhou/paperbase/internal/store"
)

type searchAPI interface {
	Search(ctx context.Context, queryText, ownerID string, limit int, minScore float64) ([]index.DocumentHit, error)
	SearchWithinDocument(ctx context.Context, queryText, documentID string, limit int) ([]index.ChunkHit, error)
	FindSimilar(ctx context.Context, documentID string, limit int, excludeOwnerID string) ([]index.DocumentHit, error)
}

type searchDocumentStore interface {
	GetDocument(ctx context.Context, id, ownerID string) (store.DocumentRecord, bool, error)
}

// SearchHandler serves similarity search endpoints.
type SearchHandler struct {
	Index  searchAPI
	Store  searchDocumentStore
	Config config.SearchConfig
}

func (h *SearchHandler) Register(g *echo.Group) {
	g.POST("/search", h.search)
	g.POST("/documents/:id/search", h.searchWithin)
	g.GET("/documents/:id/similar", h.similar)
}

type searchRequest struct {
	Query    string   `json:"query"`
	Limit    int      `json:"limit"`
	MinScore *float64 `json:"min_score"`
}

func (h *SearchHandler) clampLimit(limit int) int {
	cfg := h.Config.Normalize()
	if limit <= 0 {
		return cfg.DefaultLimit
	}
	if limit > cfg.MaxLimit {
		return cfg.MaxLimit
	}
	return limit
}

func (h *SearchHandler) search(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	minScore := h.Config.MinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	started := time.Now()
	hits, err := h.Index.Search(c.Request().Context(), req.Query, ownerID, h.clampLimit(req.Limit), minScore)
	if err != nil {
		return toHTTPError(err)
	}
	searchDuration.Observe(time.Since(started).Seconds())
	if hits == nil {
		hits = []index.DocumentHit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": hits})
}

func (h *SearchHandler) searchWithin(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	documentID := c.Param("id")
	if _, found, err := h.Store.GetDocument(c.Request().Context(), documentID, ownerID); err != nil {
		return toHTTPError(err)
	} else if !found {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}

	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	hits, err := h.Index.SearchWithinDocument(c.Request().Context(), req.Query, documentID, h.clampLimit(req.Limit))
	if err != nil {
		return toHTTPError(err)
	}
	if hits == nil {
		hits = []index.ChunkHit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"document_id": documentID, "results": hits})
}

func (h *SearchHandler) similar(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	documentID := c.Param("id")
	if _, found, err := h.Store.GetDocument(c.Request().Context(), documentID, ownerID); err != nil {
		return toHTTPError(err)
	} else if !found {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	hits, err := h.Index.FindSimilar(c.Request().Context(), documentID, h.clampLimit(limit), "")
	if err != nil {
		return toHTTPError(err)
	}
	if hits == nil {
		hits = []index.DocumentHit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"document_id": documentID, "results": hits})
}
