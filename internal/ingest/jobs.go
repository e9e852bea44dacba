package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/rewrite"
)

// HandleLocalizeJob is the scheduler handler for domain.JobLocalizeImage.
func (e *Engine) HandleLocalizeJob(ctx context.Context, raw json.RawMessage) error {
	var args domain.LocalizeImageArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.RecordID <= 0 || args.URL == "" {
		// Undecodable arguments never succeed on retry.
		e.log.ErrorObj("discarding malformed image job", "image_job", map[string]any{"args": string(raw)})
		return nil
	}
	return e.OnJobComplete(ctx, args.URL, args.RecordID)
}

// OnJobComplete localizes remoteURL for recordID, rewrites the matching <img>
// sources and finalizes the record once every scheduled image is local.
func (e *Engine) OnJobComplete(ctx context.Context, remoteURL string, recordID int64) error {
	meta := map[string]any{"record_id": recordID, "url": remoteURL}

	article, pending, err := e.pendingJob(ctx, recordID, remoteURL)
	if errors.Is(err, domain.ErrNotFound) {
		e.log.WarnObj("image job for missing record dropped", "image_job", meta)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load record %d: %w", recordID, err)
	}
	if !pending {
		e.log.DebugObj("stale or completed image job skipped", "image_job", meta)
		return nil
	}

	alt, err := rewrite.AltFor(article.Body, remoteURL)
	if err != nil {
		e.log.WarnObj("alt text lookup failed", "image_job", map[string]any{"record_id": recordID, "error": err.Error()})
	}

	// Localize outside the record lock; fetches can be slow.
	asset, err := e.localizer.Localize(ctx, remoteURL, recordID, alt)
	if err != nil {
		meta["error"] = err.Error()
		e.log.ErrorObj("image job failed", "image_job", meta)
		return fmt.Errorf("localize %s for record %d: %w", remoteURL, recordID, err)
	}

	release, err := e.locker.Lock(ctx, recordLockKey(recordID))
	if err != nil {
		return fmt.Errorf("lock record %d: %w", recordID, err)
	}
	defer release()

	article, err = e.store.Get(ctx, recordID)
	if err != nil {
		return fmt.Errorf("reload record %d: %w", recordID, err)
	}
	job, ok := article.Job(remoteURL)
	if !ok {
		// A newer delivery replaced the body while the image was being fetched.
		e.log.DebugObj("image job superseded", "image_job", meta)
		return nil
	}

	body, replaced, err := rewrite.ReplaceSource(article.Body, remoteURL, asset.URL)
	if err != nil {
		return fmt.Errorf("rewrite body of record %d: %w", recordID, err)
	}
	article.Body = body
	job.Done = true
	job.AssetID = asset.ID

	meta["replaced"] = replaced
	meta["asset_id"] = asset.ID
	meta["pending"] = article.PendingJobs()

	if !article.Status.Finalized() && e.allImagesLocal(article) {
		e.log.InfoObj("last image job completed", "image_job", meta)
		return e.finalizer.apply(ctx, article)
	}
	if err := e.store.Update(ctx, article); err != nil {
		return fmt.Errorf("persist record %d: %w", recordID, err)
	}
	e.log.DebugObj("image job completed", "image_job", meta)
	return nil
}

// pendingJob loads the record and reports whether remoteURL has an
// outstanding job. A miss on the unlocked read is confirmed under the record
// lock, because a delivery persists its jobs only after enqueueing them.
func (e *Engine) pendingJob(ctx context.Context, recordID int64, remoteURL string) (*domain.Article, bool, error) {
	article, err := e.store.Get(ctx, recordID)
	if err != nil {
		return nil, false, err
	}
	if job, ok := article.Job(remoteURL); ok {
		return article, !job.Done, nil
	}

	release, err := e.locker.Lock(ctx, recordLockKey(recordID))
	if err != nil {
		return nil, false, fmt.Errorf("lock record %d: %w", recordID, err)
	}
	defer release()
	article, err = e.store.Get(ctx, recordID)
	if err != nil {
		return nil, false, err
	}
	job, ok := article.Job(remoteURL)
	return article, ok && !job.Done, nil
}

// allImagesLocal reports whether every scheduled image is done and no
// scheduled source still appears as a remote <img> in the body.
func (e *Engine) allImagesLocal(article *domain.Article) bool {
	if article.PendingJobs() > 0 {
		return false
	}
	remaining, err := e.rewriter.Hosts().RemoteSources(article.Body)
	if err != nil {
		e.log.WarnObj("body scan failed", "image_job", map[string]any{"record_id": article.ID, "error": err.Error()})
		return false
	}
	for _, src := range remaining {
		if _, scheduled := article.Job(src); scheduled {
			return false
		}
	}
	return true
}
