package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/lock"
	"github.com/samvad-hq/samvad-article-sync/internal/logger"
	"github.com/samvad-hq/samvad-article-sync/internal/metrics"
	"github.com/samvad-hq/samvad-article-sync/internal/slug"
)

// Engine reconciles deliveries into records keyed by external article id.
type Engine struct {
	store     Store
	localizer ImageLocalizer
	rewriter  BodyRewriter
	finalizer *Finalizer
	locker    lock.Locker
	loc       *time.Location
	log       logger.Logger
	metrics   *metrics.Metrics
}

// EngineDeps groups the collaborators an Engine needs.
type EngineDeps struct {
	Store     Store
	Localizer ImageLocalizer
	Rewriter  BodyRewriter
	Finalizer *Finalizer
	Locker    lock.Locker
	Location  *time.Location
	Log       logger.Logger
	Metrics   *metrics.Metrics
}

// NewEngine validates deps and builds an Engine.
func NewEngine(deps EngineDeps) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine requires a store")
	case deps.Localizer == nil:
		return nil, errors.New("engine requires an image localizer")
	case deps.Rewriter == nil:
		return nil, errors.New("engine requires a body rewriter")
	case deps.Finalizer == nil:
		return nil, errors.New("engine requires a finalizer")
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Log == nil {
		deps.Log = logger.NopLogger{}
	}
	return &Engine{
		store:     deps.Store,
		localizer: deps.Localizer,
		rewriter:  deps.Rewriter,
		finalizer: deps.Finalizer,
		locker:    deps.Locker,
		loc:       deps.Location,
		log:       deps.Log,
		metrics:   deps.Metrics,
	}, nil
}

// Upsert creates or updates the record for p.ArticleID and processes its
// images. It finalizes the record unless image jobs are still outstanding.
func (e *Engine) Upsert(ctx context.Context, p *domain.WebhookPayload) (int64, bool, error) {
	if p == nil || p.ArticleID == "" {
		return 0, false, fmt.Errorf("%w: article_id is required", domain.ErrMalformedPayload)
	}
	externalID := p.ArticleID.String()
	publishAt, err := domain.NormalizePublishAt(p.PublishAt, e.loc)
	if err != nil {
		return 0, false, err
	}

	releaseExt, err := e.locker.Lock(ctx, externalLockKey(externalID))
	if err != nil {
		return 0, false, fmt.Errorf("lock article %s: %w", externalID, err)
	}
	defer releaseExt()

	article, isNew, releaseRec, err := e.resolve(ctx, p, externalID, publishAt)
	if err != nil {
		return 0, false, err
	}
	defer releaseRec()

	e.attachCategory(ctx, article, p.CategoryID)
	e.attachFeaturedImage(ctx, article, p)

	res, err := e.rewriter.Process(ctx, article.Body, article.ID)
	if err != nil {
		if len(res.Jobs) > 0 {
			e.recordEnqueuedJobs(ctx, article, res.Jobs)
		}
		return article.ID, isNew, fmt.Errorf("process body of record %d: %w", article.ID, err)
	}
	article.Body = res.Body
	article.ImageJobs = res.Jobs

	meta := map[string]any{
		"record_id":  article.ID,
		"article_id": externalID,
		"new":        isNew,
		"image_jobs": len(res.Jobs),
		"rewritten":  res.Rewritten,
		"failed":     res.Failed,
	}

	if article.Status.Finalized() || len(res.Jobs) == 0 {
		// Finalized records are re-finalized in place and never regress to pending.
		if err := e.finalizer.apply(ctx, article); err != nil {
			return article.ID, isNew, err
		}
		e.log.InfoObj("article upserted", "webhook_meta", meta)
		return article.ID, isNew, nil
	}

	article.Status = domain.StatusPendingImages
	if err := e.store.Update(ctx, article); err != nil {
		return article.ID, isNew, fmt.Errorf("persist record %d: %w", article.ID, err)
	}
	e.log.InfoObj("article pending images", "webhook_meta", meta)
	return article.ID, isNew, nil
}

// recordEnqueuedJobs persists jobs that were queued before scheduling failed
// so they are not dropped as stale when they fire.
func (e *Engine) recordEnqueuedJobs(ctx context.Context, article *domain.Article, jobs []domain.ImageJob) {
	article.ImageJobs = jobs
	if !article.Status.Finalized() {
		article.Status = domain.StatusPendingImages
	}
	if err := e.store.Update(ctx, article); err != nil {
		e.log.ErrorObj("persist enqueued image jobs failed", "webhook_meta", map[string]any{
			"record_id":  article.ID,
			"image_jobs": len(jobs),
			"error":      err.Error(),
		})
	}
}

// resolve loads or creates the record and returns it under its record lock.
func (e *Engine) resolve(ctx context.Context, p *domain.WebhookPayload, externalID, publishAt string) (*domain.Article, bool, func(), error) {
	existing, err := e.store.FindByExternalID(ctx, externalID)
	switch {
	case err == nil:
		release, err := e.locker.Lock(ctx, recordLockKey(existing.ID))
		if err != nil {
			return nil, false, nil, fmt.Errorf("lock record %d: %w", existing.ID, err)
		}
		// Re-read under the lock: image jobs may have rewritten the body since lookup.
		article, err := e.store.Get(ctx, existing.ID)
		if err != nil {
			release()
			return nil, false, nil, fmt.Errorf("load record %d: %w", existing.ID, err)
		}
		applyFields(article, p, publishAt)
		if article.Slug == "" {
			article.Slug = slug.Or(article.Title, "article-"+slug.Make(externalID))
		}
		if err := e.store.Update(ctx, article); err != nil {
			release()
			return nil, false, nil, fmt.Errorf("update record %d: %w", article.ID, err)
		}
		return article, false, release, nil

	case errors.Is(err, domain.ErrNotFound):
		article := &domain.Article{
			ExternalID: externalID,
			Status:     domain.StatusDraft,
		}
		applyFields(article, p, publishAt)
		article.Slug = slug.Or(article.Title, "article-"+slug.Make(externalID))
		if err := e.store.Create(ctx, article); err != nil {
			return nil, false, nil, fmt.Errorf("create record for %s: %w", externalID, err)
		}
		release, err := e.locker.Lock(ctx, recordLockKey(article.ID))
		if err != nil {
			return nil, false, nil, fmt.Errorf("lock record %d: %w", article.ID, err)
		}
		return article, true, release, nil

	default:
		return nil, false, nil, fmt.Errorf("lookup article %s: %w", externalID, err)
	}
}

func applyFields(article *domain.Article, p *domain.WebhookPayload, publishAt string) {
	article.Title = p.Title
	article.Body = p.Content
	if id, ok := p.AuthorID.Int64(); ok {
		article.AuthorID = id
	}
	if publishAt != "" {
		article.PublishAt = publishAt
	}
}

// attachCategory links the category when it resolves; unknown ids are ignored.
func (e *Engine) attachCategory(ctx context.Context, article *domain.Article, raw domain.FlexibleID) {
	id, ok := raw.Int64()
	if !ok {
		return
	}
	if _, err := e.store.Category(ctx, id); err != nil {
		level := e.log.WarnObj
		if errors.Is(err, domain.ErrNotFound) {
			level = e.log.DebugObj
		}
		level("category not attached", "webhook_meta", map[string]any{
			"record_id":   article.ID,
			"category_id": id,
			"error":       err.Error(),
		})
		return
	}
	if err := e.store.SetCategories(ctx, article.ID, []int64{id}); err != nil {
		e.log.WarnObj("set categories failed", "webhook_meta", map[string]any{
			"record_id":   article.ID,
			"category_id": id,
			"error":       err.Error(),
		})
		return
	}
	article.CategoryIDs = []int64{id}
}

// attachFeaturedImage localizes the featured image inline. Failure leaves the
// thumbnail unchanged.
func (e *Engine) attachFeaturedImage(ctx context.Context, article *domain.Article, p *domain.WebhookPayload) {
	if !p.HasFeaturedImage() {
		return
	}
	asset, err := e.localizer.Localize(ctx, p.FeaturedImage.URL, article.ID, p.FeaturedImage.Alt)
	if err != nil {
		e.log.WarnObj("featured image localization failed", "webhook_meta", map[string]any{
			"record_id": article.ID,
			"url":       p.FeaturedImage.URL,
			"error":     err.Error(),
		})
		return
	}
	if err := e.store.SetThumbnail(ctx, article.ID, asset.ID); err != nil {
		e.log.WarnObj("set thumbnail failed", "webhook_meta", map[string]any{
			"record_id": article.ID,
			"asset_id":  asset.ID,
			"error":     err.Error(),
		})
		return
	}
	article.ThumbnailID = asset.ID
}
