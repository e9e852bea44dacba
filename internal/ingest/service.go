package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/logger"
	"github.com/samvad-hq/samvad-article-sync/internal/metrics"
)

// WebhookResponse is the body returned for an accepted delivery.
type WebhookResponse struct {
	Status string `json:"status"`
	PostID int64  `json:"post_id"`
	URL    string `json:"url"`
}

// Service authenticates webhook deliveries and hands them to the Engine.
type Service struct {
	engine  *Engine
	nonce   NonceValidator
	store   Store
	siteURL string
	loc     *time.Location
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewService builds a Service.
func NewService(engine *Engine, nonce NonceValidator, siteURL string, log logger.Logger, m *metrics.Metrics) (*Service, error) {
	if engine == nil {
		return nil, errors.New("service requires an engine")
	}
	if nonce == nil {
		return nil, errors.New("service requires a nonce validator")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Service{
		engine:  engine,
		nonce:   nonce,
		store:   engine.store,
		siteURL: strings.TrimRight(siteURL, "/"),
		loc:     engine.loc,
		log:     log,
		metrics: m,
	}, nil
}

// HandleWebhook decodes, validates and authenticates raw before any mutation,
// then upserts the article.
func (s *Service) HandleWebhook(ctx context.Context, raw []byte) (resp *WebhookResponse, err error) {
	start := time.Now()
	defer func() {
		outcome := "accepted"
		if err != nil {
			outcome = domain.ErrorKind(err)
		}
		s.metrics.Webhook(outcome, time.Since(start))
	}()

	payload, err := domain.DecodeWebhookPayload(raw)
	if err != nil {
		s.reject(err, "")
		return nil, err
	}
	if _, err := domain.NormalizePublishAt(payload.PublishAt, s.loc); err != nil {
		s.reject(err, payload.ArticleID.String())
		return nil, err
	}
	if !s.nonce.Validate(ctx, payload.CallbackTarget(), payload.ArticleID.String()) {
		err := fmt.Errorf("%w: nonce rejected for article %s", domain.ErrAuthentication, payload.ArticleID)
		s.reject(err, payload.ArticleID.String())
		return nil, err
	}

	recordID, isNew, err := s.engine.Upsert(ctx, payload)
	if err != nil {
		s.log.ErrorObj("webhook upsert failed", "webhook_meta", map[string]any{
			"article_id": payload.ArticleID.String(),
			"record_id":  recordID,
			"error":      err.Error(),
		})
		return nil, err
	}

	article, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("load record %d: %w", recordID, err)
	}
	s.log.InfoObj("webhook accepted", "webhook_meta", map[string]any{
		"article_id": article.ExternalID,
		"record_id":  article.ID,
		"new":        isNew,
		"status":     article.Status,
	})
	return &WebhookResponse{
		Status: "success",
		PostID: article.ID,
		URL:    Permalink(s.siteURL, article.Slug),
	}, nil
}

func (s *Service) reject(err error, articleID string) {
	s.log.WarnObj("webhook rejected", "webhook_meta", map[string]any{
		"article_id": articleID,
		"kind":       domain.ErrorKind(err),
		"error":      err.Error(),
	})
}
