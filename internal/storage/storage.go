package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
)

// ErrConflict is returned when a create would violate a uniqueness index.
var ErrConflict = errors.New("storage conflict")

// ContentStore persists article records and the taxonomy they reference.
type ContentStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*domain.Article, error)
	Get(ctx context.Context, id int64) (*domain.Article, error)
	// Create assigns the record id and a unique slug derived from article.Slug.
	Create(ctx context.Context, article *domain.Article) error
	// Update persists all mutable fields; the slug is re-uniqued if it changed.
	Update(ctx context.Context, article *domain.Article) error
	SetCategories(ctx context.Context, id int64, categoryIDs []int64) error
	SetThumbnail(ctx context.Context, id int64, assetID int64) error

	Category(ctx context.Context, id int64) (*domain.Category, error)
	Categories(ctx context.Context) ([]domain.Category, error)
	Authors(ctx context.Context) ([]domain.Author, error)
	SeedTaxonomy(ctx context.Context, categories []domain.Category, authors []domain.Author) error

	Ping(ctx context.Context) error
	Close() error
}

// MediaIndex stores image asset metadata keyed by content digest.
type MediaIndex interface {
	FindByDigest(ctx context.Context, digest string) (*domain.ImageAsset, error)
	// CreateAsset inserts asset unless one with the same digest exists, in
	// which case the existing asset is returned with created=false.
	CreateAsset(ctx context.Context, asset *domain.ImageAsset) (stored *domain.ImageAsset, created bool, err error)
	Asset(ctx context.Context, id int64) (*domain.ImageAsset, error)
}

// JobLedger remembers processed job ids for a bounded time.
type JobLedger interface {
	Seen(id string) (bool, error)
	Mark(id string) error
}

// Options controls retention characteristics for the job ledger.
type Options struct {
	LedgerTTL       time.Duration
	CleanupInterval time.Duration
}

const (
	defaultLedgerTTL       = 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

func normalizeOptions(opts Options) Options {
	if opts.LedgerTTL <= 0 {
		opts.LedgerTTL = defaultLedgerTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	return opts
}

// NextSlug returns the n-th candidate for base: base, base-2, base-3, ...
func NextSlug(base string, n int) string {
	if n <= 1 {
		return base
	}
	return base + "-" + strconv.Itoa(n)
}
