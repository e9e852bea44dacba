// Package api exposes the webhook receiver and listing endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/ingest"
	"github.com/samvad-hq/samvad-article-sync/internal/logger"
)

const maxWebhookBytes = 10 << 20

// WebhookService handles authenticated article deliveries.
type WebhookService interface {
	HandleWebhook(ctx context.Context, raw []byte) (*ingest.WebhookResponse, error)
}

// Directory lists taxonomy entries.
type Directory interface {
	Categories(ctx context.Context) ([]domain.Category, error)
	Authors(ctx context.Context) ([]domain.Author, error)
}

// Pinger reports backing store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the receiver's routes.
type Handler struct {
	webhooks  WebhookService
	directory Directory
	health    Pinger
	log       logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(webhooks WebhookService, directory Directory, health Pinger, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Handler{webhooks: webhooks, directory: directory, health: health, log: log}
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Webhook accepts an article delivery.
func (h *Handler) Webhook(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		writeError(c, http.StatusBadRequest, domain.ErrMalformedPayload, "request body could not be read")
		return
	}

	resp, err := h.webhooks.HandleWebhook(c.Request.Context(), raw)
	if err != nil {
		_ = c.Error(err)
		switch {
		case errors.Is(err, domain.ErrAuthentication), errors.Is(err, domain.ErrMalformedPayload):
			writeError(c, http.StatusBadRequest, err, err.Error())
		default:
			writeError(c, http.StatusInternalServerError, err, "article could not be stored")
		}
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Categories lists categories as {id, name}.
func (h *Handler) Categories(c *gin.Context) {
	cats, err := h.directory.Categories(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, err, "categories unavailable")
		return
	}
	out := make([]domain.Listing, 0, len(cats))
	for _, cat := range cats {
		out = append(out, domain.Listing{ID: cat.ID, Name: cat.Name})
	}
	sortListings(out)
	c.JSON(http.StatusOK, out)
}

// Authors lists authors allowed to publish as {id, name}.
func (h *Handler) Authors(c *gin.Context) {
	authors, err := h.directory.Authors(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, err, "authors unavailable")
		return
	}
	out := make([]domain.Listing, 0, len(authors))
	for _, a := range authors {
		if a.Can(domain.CapabilityPublish) {
			out = append(out, domain.Listing{ID: a.ID, Name: a.Name})
		}
	}
	sortListings(out)
	c.JSON(http.StatusOK, out)
}

// Health reports store reachability.
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}

func writeError(c *gin.Context, status int, err error, message string) {
	c.AbortWithStatusJSON(status, errorBody{
		Success: false,
		Error:   domain.ErrorKind(err),
		Message: message,
	})
}

func sortListings(l []domain.Listing) {
	sort.Slice(l, func(i, j int) bool { return l[i].ID < l[j].ID })
}
