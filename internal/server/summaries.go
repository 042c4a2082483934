package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/paperbase/internal/runtime"
	"github.com/mohammad-safakhou/paperbase/internal/store"
	"github.com/mohammad-safakhou/paperbase/internal/summary"
)

type summaryStore interface {
	GetDocument(ctx context.Context, id, ownerID string) (store.DocumentRecord, bool, error)
	GetDocumentContent(ctx context.Context, documentID string) (store.ContentRecord, bool, error)
}

type summarizer interface {
	Generate(ctx context.Context, variant, text string) (string, error)
}

// SummariesHandler generates study aids from an extracted document.
type SummariesHandler struct {
	Store   summaryStore
	Service summarizer
}

func (h *SummariesHandler) Register(g *echo.Group) {
	g.POST("/documents/:id/summaries", h.create)
}

func (h *SummariesHandler) create(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	documentID := c.Param("id")

	var req struct {
		Variant string `json:"variant"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Variant == "" {
		req.Variant = summary.VariantSummary
	}
	if !summary.KnownVariant(req.Variant) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown variant: "+req.Variant)
	}

	doc, found, err := h.Store.GetDocument(c.Request().Context(), documentID, ownerID)
	if err != nil {
		return toHTTPError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if doc.Status != store.DocumentStatusReady {
		return echo.NewHTTPError(http.StatusConflict, "document is not ready yet")
	}

	content, found, err := h.Store.GetDocumentContent(c.Request().Context(), documentID)
	if err != nil {
		return toHTTPError(err)
	}
	if !found || content.FullText == "" {
		return echo.NewHTTPError(http.StatusConflict, "document has no extracted text")
	}

	out, err := h.Service.Generate(c.Request().Context(), req.Variant, content.FullText)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"document_id": documentID,
		"variant":     req.Variant,
		"content":     out,
	})
}
