package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/paperbase/internal/pipeline"
	"github.com/mohammad-safakhou/paperbase/internal/runtime"
	"github.com/mohammad-safakhou/paperbase/internal/store"
)

type documentStore interface {
	GetDocument(ctx context.Context, id, ownerID string) (store.DocumentRecord, bool, error)
	ListDocuments(ctx context.Context, ownerID, status string, limit, offset int) ([]store.DocumentRecord, error)
	DeleteDocument(ctx context.Context, id, ownerID string) (bool, error)
	CountChunkEmbeddings(ctx context.Context, documentID string) (int, error)
}

type ingestAPI interface {
	Ingest(ctx context.Context, in pipeline.IngestInput) (pipeline.IngestResult, error)
	Reindex(ctx context.Context, documentID, ownerID string) (int, error)
}

// DocumentsHandler serves upload and document lifecycle endpoints.
type DocumentsHandler struct {
	Store     documentStore
	Pipeline  ingestAPI
	MaxUpload int64
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("/documents", h.ingest)
	g.GET("/documents", h.list)
	g.GET("/documents/:id", h.get)
	g.DELETE("/documents/:id", h.remove)
	g.POST("/documents/:id/reindex", h.reindex)
}

func (h *DocumentsHandler) ingest(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, h.MaxUpload+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}

	var tags []string
	if raw := c.FormValue("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}
	res, err := h.Pipeline.Ingest(c.Request().Context(), pipeline.IngestInput{
		OwnerID:  ownerID,
		FileName: file.Filename,
		Title:    c.FormValue("title"),
		Tags:     tags,
		Data:     data,
		MaxBytes: h.MaxUpload,
	})
	if err != nil {
		var dup *pipeline.DuplicateError
		if errors.As(err, &dup) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":       "duplicate document",
				"document_id": dup.DocumentID,
			})
		}
		return toHTTPError(err)
	}
	documentsIngested.Inc()
	return c.JSON(http.StatusAccepted, res)
}

func (h *DocumentsHandler) list(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	docs, err := h.Store.ListDocuments(c.Request().Context(), ownerID, c.QueryParam("status"), limit, offset)
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]documentView, 0, len(docs))
	for _, doc := range docs {
		out = append(out, newDocumentView(doc, -1))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"documents": out})
}

func (h *DocumentsHandler) get(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	doc, found, err := h.Store.GetDocument(c.Request().Context(), c.Param("id"), ownerID)
	if err != nil {
		return toHTTPError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	chunks, err := h.Store.CountChunkEmbeddings(c.Request().Context(), doc.ID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, newDocumentView(doc, chunks))
}

func (h *DocumentsHandler) remove(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	doc, found, err := h.Store.GetDocument(c.Request().Context(), c.Param("id"), ownerID)
	if err != nil {
		return toHTTPError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	deleted, err := h.Store.DeleteDocument(c.Request().Context(), doc.ID, ownerID)
	if err != nil {
		return toHTTPError(err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	// reap the uploaded file once the row is gone
	if doc.FilePath != "" {
		if rmErr := os.Remove(doc.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
			c.Logger().Warnf("remove stored file %s: %v", doc.FilePath, rmErr)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *DocumentsHandler) reindex(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	count, err := h.Pipeline.Reindex(c.Request().Context(), c.Param("id"), ownerID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"document_id": c.Param("id"), "chunk_count": count})
}

// documentView is the API shape of a document. ChunkCount is only populated
// on single-document reads.
type documentView struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Authors         []string          `json:"authors"`
	Abstract        string            `json:"abstract,omitempty"`
	Source          string            `json:"source"`
	FileName        string            `json:"file_name,omitempty"`
	FileSize        int64             `json:"file_size,omitempty"`
	PageCount       int               `json:"page_count,omitempty"`
	WordCount       int               `json:"word_count,omitempty"`
	Status          string            `json:"status"`
	ProcessingError string            `json:"processing_error,omitempty"`
	ChunkCount      *int              `json:"chunk_count,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

func newDocumentView(doc store.DocumentRecord, chunkCount int) documentView {
	view := documentView{
		ID:              doc.ID,
		Title:           doc.Title,
		Authors:         doc.Authors,
		Abstract:        doc.Abstract,
		Source:          doc.Source,
		FileName:        doc.FileName,
		FileSize:        doc.FileSize,
		PageCount:       doc.PageCount,
		WordCount:       doc.WordCount,
		Status:          doc.Status,
		ProcessingError: doc.ProcessingError,
		Metadata:        doc.Metadata,
		CreatedAt:       doc.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       doc.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if doc.Authors == nil {
		view.Authors = []string{}
	}
	if chunkCount >= 0 {
		view.ChunkCount = &chunkCount
	}
	return view
}
