package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/paperbase/internal/runtime"
	"github.com/mohammad-safakhou/paperbase/internal/store"
)

type jobStore interface {
	GetJob(ctx context.Context, id, ownerID string) (store.JobRecord, bool, error)
}

// JobsHandler exposes processing job status.
type JobsHandler struct {
	Store jobStore
}

func (h *JobsHandler) Register(g *echo.Group) {
	g.GET("/jobs/:id", h.get)
}

func (h *JobsHandler) get(c echo.Context) error {
	ownerID := runtime.OwnerID(c)
	job, found, err := h.Store.GetJob(c.Request().Context(), c.Param("id"), ownerID)
	if err != nil {
		return toHTTPError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, newJobView(job))
}

type jobView struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	Stage        string `json:"stage"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func newJobView(job store.JobRecord) jobView {
	view := jobView{
		ID:           job.ID,
		DocumentID:   job.DocumentID,
		Stage:        job.Stage,
		Status:       job.Status,
		Progress:     job.Progress,
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		view.StartedAt = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		view.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	return view
}
