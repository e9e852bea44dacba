// Package media localizes remote images: fetch, dedup by content digest, store, index.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder for dimensions
	_ "image/jpeg" // register decoder for dimensions
	_ "image/png"  // register decoder for dimensions
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/lock"
	"github.com/samvad-hq/samvad-article-sync/internal/logger"
	"github.com/samvad-hq/samvad-article-sync/internal/metrics"
	"github.com/samvad-hq/samvad-article-sync/internal/storage"
)

// ImageFetcher retrieves remote image bytes.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (*Fetched, error)
}

// ArticleReader resolves the owning record, used for naming stored files.
type ArticleReader interface {
	Get(ctx context.Context, id int64) (*domain.Article, error)
}

// Options configures a Localizer.
type Options struct {
	// BaseURL is the public URL prefix that stored paths are appended to.
	BaseURL string
	// ForceHTTPS upgrades http:// asset URLs to https://.
	ForceHTTPS bool
}

// Localizer turns remote image URLs into locally hosted assets.
type Localizer struct {
	fetcher  ImageFetcher
	blobs    BlobStore
	index    storage.MediaIndex
	articles ArticleReader
	locker   lock.Locker
	log      logger.Logger
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

// NewLocalizer wires a Localizer. Nil logger/locker get safe defaults.
func NewLocalizer(fetcher ImageFetcher, blobs BlobStore, index storage.MediaIndex, articles ArticleReader,
	locker lock.Locker, log logger.Logger, m *metrics.Metrics, opts Options) *Localizer {
	if log == nil {
		log = logger.NopLogger{}
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Localizer{
		fetcher:  fetcher,
		blobs:    blobs,
		index:    index,
		articles: articles,
		locker:   locker,
		log:      log,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// Localize fetches remoteURL and returns the asset holding its bytes, creating
// one only when no asset with the same digest exists yet.
func (l *Localizer) Localize(ctx context.Context, remoteURL string, recordID int64, alt string) (*domain.ImageAsset, error) {
	fetched, err := l.fetcher.Fetch(ctx, remoteURL)
	if err != nil {
		l.metrics.Image("failed")
		return nil, err
	}
	digest := Digest(fetched.Data)

	if existing, err := l.lookup(ctx, digest); err != nil || existing != nil {
		if existing != nil {
			l.metrics.Image("deduplicated")
		}
		return existing, err
	}

	release, err := l.locker.Lock(ctx, "media:"+digest)
	if err != nil {
		return nil, fmt.Errorf("lock digest %s: %w", digest, err)
	}
	defer release()

	if existing, err := l.lookup(ctx, digest); err != nil || existing != nil {
		if existing != nil {
			l.metrics.Image("deduplicated")
		}
		return existing, err
	}

	asset, err := l.store(ctx, fetched, digest, remoteURL, recordID, alt)
	if err != nil {
		l.metrics.Image("failed")
		return nil, err
	}
	return asset, nil
}

// lookup returns the asset for digest, or nil when none exists.
func (l *Localizer) lookup(ctx context.Context, digest string) (*domain.ImageAsset, error) {
	asset, err := l.index.FindByDigest(ctx, digest)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup digest %s: %w", digest, err)
	}
	return asset, nil
}

func (l *Localizer) store(ctx context.Context, fetched *Fetched, digest, remoteURL string, recordID int64, alt string) (*domain.ImageAsset, error) {
	mt := mimetype.Detect(fetched.Data)
	base, ext := ResolveName(l.recordTitle(ctx, recordID), remoteURL, mt)

	now := l.now().UTC()
	dir := now.Format("2006/01")
	relPath, err := l.blobs.Put(ctx, dir, base, ext, fetched.Data, mt.String())
	if err != nil {
		return nil, fmt.Errorf("store image %s: %w", remoteURL, err)
	}

	asset := &domain.ImageAsset{
		Digest:    digest,
		Path:      relPath,
		URL:       l.PublicURL(relPath),
		SourceURL: remoteURL,
		MIMEType:  mimeOf(mt),
		AltText:   alt,
		Size:      int64(len(fetched.Data)),
		RecordID:  recordID,
		CreatedAt: now,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(fetched.Data)); err == nil {
		asset.Width, asset.Height = cfg.Width, cfg.Height
	}

	stored, created, err := l.index.CreateAsset(ctx, asset)
	if err != nil {
		_ = l.blobs.Delete(ctx, relPath)
		return nil, fmt.Errorf("index image %s: %w", remoteURL, err)
	}
	if !created {
		// Another instance indexed the same digest first.
		if err := l.blobs.Delete(ctx, relPath); err != nil {
			l.log.WarnObj("orphan blob cleanup failed", "image_meta", map[string]any{"path": relPath, "error": err.Error()})
		}
		l.metrics.Image("deduplicated")
		return stored, nil
	}

	l.metrics.Image("stored")
	l.log.InfoObj("image localized", "image_meta", map[string]any{
		"record_id":  recordID,
		"source_url": remoteURL,
		"path":       stored.Path,
		"digest":     digest,
		"bytes":      stored.Size,
	})
	return stored, nil
}

func (l *Localizer) recordTitle(ctx context.Context, recordID int64) string {
	if l.articles == nil || recordID == 0 {
		return ""
	}
	a, err := l.articles.Get(ctx, recordID)
	if err != nil {
		return ""
	}
	return a.Title
}

// PublicURL maps a stored relative path to its public URL.
func (l *Localizer) PublicURL(relPath string) string {
	u := l.opts.BaseURL + "/" + strings.TrimLeft(relPath, "/")
	if l.opts.ForceHTTPS && strings.HasPrefix(u, "http://") {
		u = "https://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Host returns the host serving localized assets.
func (l *Localizer) Host() string {
	u, err := url.Parse(l.opts.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func mimeOf(mt *mimetype.MIME) string {
	s := mt.String()
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return s
}
