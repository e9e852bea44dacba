package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	bolt "go.etcd.io/bbolt"
)

var (
	articlesBucket      = []byte("articles")
	externalIndexBucket = []byte("articles_by_external_id")
	slugIndexBucket     = []byte("articles_by_slug")
	categoriesBucket    = []byte("categories")
	authorsBucket       = []byte("authors")
	assetsBucket        = []byte("assets")
	digestIndexBucket   = []byte("assets_by_digest")
)

// BoltStore implements ContentStore and MediaIndex on a single bbolt file.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database at path and ensures all buckets exist.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bbolt storage requires a path")
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			articlesBucket, externalIndexBucket, slugIndexBucket,
			categoriesBucket, authorsBucket, assetsBucket, digestIndexBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle so the job queue and ledger share the file.
func (b *BoltStore) DB() *bolt.DB { return b.db }

// Close closes the BoltDB store.
func (b *BoltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltStore) Ping(context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(articlesBucket) == nil {
			return fmt.Errorf("article bucket missing")
		}
		return nil
	})
}

func (b *BoltStore) FindByExternalID(_ context.Context, externalID string) (*domain.Article, error) {
	var out *domain.Article
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(externalIndexBucket).Get([]byte(externalID))
		if id == nil {
			return fmt.Errorf("article external id %q: %w", externalID, domain.ErrNotFound)
		}
		a, err := getArticle(tx, id)
		out = a
		return err
	})
	return out, err
}

func (b *BoltStore) Get(_ context.Context, id int64) (*domain.Article, error) {
	var out *domain.Article
	err := b.db.View(func(tx *bolt.Tx) error {
		a, err := getArticle(tx, itob(id))
		out = a
		return err
	})
	return out, err
}

func (b *BoltStore) Create(_ context.Context, article *domain.Article) error {
	if article == nil || article.ExternalID == "" {
		return fmt.Errorf("create article: external id required")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		ext := tx.Bucket(externalIndexBucket)
		if ext.Get([]byte(article.ExternalID)) != nil {
			return fmt.Errorf("article external id %q: %w", article.ExternalID, ErrConflict)
		}
		articles := tx.Bucket(articlesBucket)
		seq, err := articles.NextSequence()
		if err != nil {
			return err
		}
		now := b.now().UTC()
		article.ID = int64(seq)
		article.CreatedAt = now
		article.UpdatedAt = now
		key := itob(article.ID)

		if err := claimSlug(tx, article, key); err != nil {
			return err
		}
		if err := ext.Put([]byte(article.ExternalID), key); err != nil {
			return err
		}
		return putJSON(articles, key, article)
	})
}

func (b *BoltStore) Update(_ context.Context, article *domain.Article) error {
	if article == nil || article.ID == 0 {
		return fmt.Errorf("update article: id required")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		key := itob(article.ID)
		current, err := getArticle(tx, key)
		if err != nil {
			return err
		}
		if current.Slug != article.Slug {
			if err := claimSlug(tx, article, key); err != nil {
				return err
			}
			if current.Slug != "" && current.Slug != article.Slug {
				if err := tx.Bucket(slugIndexBucket).Delete([]byte(current.Slug)); err != nil {
					return err
				}
			}
		}
		article.ExternalID = current.ExternalID
		article.CreatedAt = current.CreatedAt
		article.UpdatedAt = b.now().UTC()
		return putJSON(tx.Bucket(articlesBucket), key, article)
	})
}

func (b *BoltStore) SetCategories(_ context.Context, id int64, categoryIDs []int64) error {
	return b.mutate(id, func(a *domain.Article) {
		a.CategoryIDs = append([]int64(nil), categoryIDs...)
	})
}

func (b *BoltStore) SetThumbnail(_ context.Context, id int64, assetID int64) error {
	return b.mutate(id, func(a *domain.Article) { a.ThumbnailID = assetID })
}

func (b *BoltStore) mutate(id int64, fn func(*domain.Article)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		key := itob(id)
		a, err := getArticle(tx, key)
		if err != nil {
			return err
		}
		fn(a)
		a.UpdatedAt = b.now().UTC()
		return putJSON(tx.Bucket(articlesBucket), key, a)
	})
}

func (b *BoltStore) Category(_ context.Context, id int64) (*domain.Category, error) {
	var out domain.Category
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(categoriesBucket).Get(itob(id))
		if raw == nil {
			return fmt.Errorf("category %d: %w", id, domain.ErrNotFound)
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BoltStore) Categories(context.Context) ([]domain.Category, error) {
	var out []domain.Category
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(categoriesBucket).ForEach(func(_, v []byte) error {
			var c domain.Category
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (b *BoltStore) Authors(context.Context) ([]domain.Author, error) {
	var out []domain.Author
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(authorsBucket).ForEach(func(_, v []byte) error {
			var a domain.Author
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// SeedTaxonomy upserts categories and authors by id.
func (b *BoltStore) SeedTaxonomy(_ context.Context, categories []domain.Category, authors []domain.Author) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(categoriesBucket)
		for _, c := range categories {
			if err := putJSON(cb, itob(c.ID), c); err != nil {
				return err
			}
		}
		ab := tx.Bucket(authorsBucket)
		for _, a := range authors {
			if err := putJSON(ab, itob(a.ID), a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) FindByDigest(_ context.Context, digest string) (*domain.ImageAsset, error) {
	var out *domain.ImageAsset
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(digestIndexBucket).Get([]byte(digest))
		if id == nil {
			return fmt.Errorf("asset digest %s: %w", digest, domain.ErrNotFound)
		}
		a, err := getAsset(tx, id)
		out = a
		return err
	})
	return out, err
}

func (b *BoltStore) CreateAsset(_ context.Context, asset *domain.ImageAsset) (*domain.ImageAsset, bool, error) {
	if asset == nil || asset.Digest == "" {
		return nil, false, fmt.Errorf("create asset: digest required")
	}
	var (
		out     *domain.ImageAsset
		created bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(digestIndexBucket)
		if existing := idx.Get([]byte(asset.Digest)); existing != nil {
			a, err := getAsset(tx, existing)
			out = a
			return err
		}
		assets := tx.Bucket(assetsBucket)
		seq, err := assets.NextSequence()
		if err != nil {
			return err
		}
		stored := *asset
		stored.ID = int64(seq)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = b.now().UTC()
		}
		key := itob(stored.ID)
		if err := idx.Put([]byte(stored.Digest), key); err != nil {
			return err
		}
		if err := putJSON(assets, key, stored); err != nil {
			return err
		}
		out = &stored
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (b *BoltStore) Asset(_ context.Context, id int64) (*domain.ImageAsset, error) {
	var out *domain.ImageAsset
	err := b.db.View(func(tx *bolt.Tx) error {
		a, err := getAsset(tx, itob(id))
		out = a
		return err
	})
	return out, err
}

// claimSlug makes article.Slug unique within the slug index and records it.
func claimSlug(tx *bolt.Tx, article *domain.Article, key []byte) error {
	if article.Slug == "" {
		return nil
	}
	slugs := tx.Bucket(slugIndexBucket)
	base := article.Slug
	for n := 1; ; n++ {
		candidate := NextSlug(base, n)
		owner := slugs.Get([]byte(candidate))
		if owner == nil || string(owner) == string(key) {
			article.Slug = candidate
			return slugs.Put([]byte(candidate), key)
		}
	}
}

func getArticle(tx *bolt.Tx, key []byte) (*domain.Article, error) {
	raw := tx.Bucket(articlesBucket).Get(key)
	if raw == nil {
		return nil, fmt.Errorf("article %d: %w", btoi(key), domain.ErrNotFound)
	}
	var a domain.Article
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode article %d: %w", btoi(key), err)
	}
	return &a, nil
}

func getAsset(tx *bolt.Tx, key []byte) (*domain.ImageAsset, error) {
	raw := tx.Bucket(assetsBucket).Get(key)
	if raw == nil {
		return nil, fmt.Errorf("asset %d: %w", btoi(key), domain.ErrNotFound)
	}
	var a domain.ImageAsset
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode asset %d: %w", btoi(key), err)
	}
	return &a, nil
}

func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, raw)
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
