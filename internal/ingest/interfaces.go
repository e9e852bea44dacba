// Package ingest reconciles webhook deliveries into article records and
// drives them to their published state.
package ingest

import (
	"context"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/rewrite"
	"github.com/samvad-hq/samvad-article-sync/pkg/publishers"
)

// Store is the subset of the content store the pipeline mutates.
type Store interface {
	FindByExternalID(ctx context.Context, externalID string) (*domain.Article, error)
	Get(ctx context.Context, id int64) (*domain.Article, error)
	Create(ctx context.Context, article *domain.Article) error
	Update(ctx context.Context, article *domain.Article) error
	SetCategories(ctx context.Context, id int64, categoryIDs []int64) error
	SetThumbnail(ctx context.Context, id int64, assetID int64) error
	Category(ctx context.Context, id int64) (*domain.Category, error)
}

// ImageLocalizer turns a remote image URL into a stored asset.
type ImageLocalizer interface {
	Localize(ctx context.Context, remoteURL string, recordID int64, alt string) (*domain.ImageAsset, error)
}

// BodyRewriter processes remote images found in an article body.
type BodyRewriter interface {
	Process(ctx context.Context, body string, recordID int64) (rewrite.Result, error)
	Hosts() *rewrite.HostMatcher
}

// NonceValidator confirms a delivery with the upstream authority.
type NonceValidator interface {
	Validate(ctx context.Context, callbackTarget, articleID string) bool
}

// Notifier fans a finalization event out to downstream sinks.
type Notifier interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
}
