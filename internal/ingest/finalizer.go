package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "time/tzdata" // source timezone must resolve on hosts without zoneinfo

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/lock"
	"github.com/samvad-hq/samvad-article-sync/internal/logger"
	"github.com/samvad-hq/samvad-article-sync/internal/metrics"
	"github.com/samvad-hq/samvad-article-sync/pkg/publishers"
)

const notifyTimeout = 10 * time.Second

// Finalizer is the only writer of the published and scheduled-future statuses.
type Finalizer struct {
	store    Store
	locker   lock.Locker
	loc      *time.Location
	siteURL  string
	notifier Notifier
	log      logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// FinalizerConfig configures a Finalizer.
type FinalizerConfig struct {
	// Location is the timezone publish_at wall clocks are written in.
	Location *time.Location
	// SiteURL prefixes permalinks in notifications.
	SiteURL string
}

// NewFinalizer wires a Finalizer. notifier may be nil.
func NewFinalizer(cfg FinalizerConfig, store Store, locker lock.Locker, notifier Notifier, log logger.Logger, m *metrics.Metrics) *Finalizer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Finalizer{
		store:    store,
		locker:   locker,
		loc:      cfg.Location,
		siteURL:  strings.TrimRight(cfg.SiteURL, "/"),
		notifier: notifier,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Finalize resolves the record's publish instant and makes it visible.
func (f *Finalizer) Finalize(ctx context.Context, recordID int64) error {
	release, err := f.locker.Lock(ctx, recordLockKey(recordID))
	if err != nil {
		return fmt.Errorf("lock record %d: %w", recordID, err)
	}
	defer release()

	article, err := f.store.Get(ctx, recordID)
	if err != nil {
		return fmt.Errorf("load record %d: %w", recordID, err)
	}
	return f.apply(ctx, article)
}

// apply finalizes an already loaded record. The caller holds the record lock.
func (f *Finalizer) apply(ctx context.Context, article *domain.Article) error {
	now := f.now()
	local, err := f.publishInstant(article.PublishAt, now)
	if err != nil {
		return fmt.Errorf("record %d: %w", article.ID, err)
	}

	article.PublishedAt = local.UTC()
	article.PublishedAtLocal = local.Format(domain.PublishAtLayout)
	if article.PublishedAt.After(now) {
		article.Status = domain.StatusScheduledFuture
	} else {
		article.Status = domain.StatusPublished
	}
	if err := f.store.Update(ctx, article); err != nil {
		return fmt.Errorf("persist finalized record %d: %w", article.ID, err)
	}

	f.metrics.Finalized(string(article.Status))
	f.log.InfoObj("article finalized", "finalize_meta", map[string]any{
		"record_id":          article.ID,
		"article_id":         article.ExternalID,
		"status":             article.Status,
		"published_at":       article.PublishedAt.Format(domain.PublishAtLayout),
		"published_at_local": article.PublishedAtLocal,
	})
	f.notify(ctx, article)
	return nil
}

// publishInstant interprets publishAt in the source timezone, defaulting to now.
func (f *Finalizer) publishInstant(publishAt string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(publishAt) == "" {
		return now.In(f.loc).Truncate(time.Second), nil
	}
	t, err := time.ParseInLocation(domain.PublishAtLayout, publishAt, f.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: stored publish_at %q", domain.ErrMalformedPayload, publishAt)
	}
	return t, nil
}

func (f *Finalizer) notify(ctx context.Context, article *domain.Article) {
	if f.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	evt := publishers.NewPublishedEvent(article, Permalink(f.siteURL, article.Slug))
	delivered, err := f.notifier.Publish(ctx, evt)
	if err != nil {
		f.log.WarnObj("publish notification failed", "finalize_meta", map[string]any{
			"record_id": article.ID,
			"delivered": delivered,
			"error":     err.Error(),
		})
	}
}

// Permalink builds the public URL of a record from its slug.
func Permalink(siteURL, slug string) string {
	return strings.TrimRight(siteURL, "/") + "/" + slug + "/"
}

func recordLockKey(id int64) string {
	return fmt.Sprintf("article:%d", id)
}

func externalLockKey(externalID string) string {
	return "article-ext:" + externalID
}
