package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/storage"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultPingTimeout     = 5 * time.Second

	uniqueViolation   = "23505"
	maxSlugCandidates = 1000
)

// Store implements storage.ContentStore and storage.MediaIndex on PostgreSQL.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var (
	_ storage.ContentStore = (*Store)(nil)
	_ storage.MediaIndex   = (*Store)(nil)
)

// Open connects to dsn and verifies the connection.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres storage requires a dsn")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type articleRow struct {
	ID               int64          `db:"id"`
	ExternalID       string         `db:"external_id"`
	Title            string         `db:"title"`
	Slug             sql.NullString `db:"slug"`
	Body             string         `db:"body"`
	AuthorID         int64          `db:"author_id"`
	CategoryIDs      pq.Int64Array  `db:"category_ids"`
	ThumbnailID      int64          `db:"thumbnail_id"`
	PublishAt        string         `db:"publish_at"`
	Status           string         `db:"status"`
	PublishedAt      sql.NullTime   `db:"published_at"`
	PublishedAtLocal string         `db:"published_at_local"`
	ImageJobs        []byte         `db:"image_jobs"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

const articleColumns = `id, external_id, title, slug, body, author_id, category_ids, thumbnail_id,
	publish_at, status, published_at, published_at_local, image_jobs, created_at, updated_at`

func (r articleRow) toDomain() (*domain.Article, error) {
	a := &domain.Article{
		ID:               r.ID,
		ExternalID:       r.ExternalID,
		Title:            r.Title,
		Slug:             r.Slug.String,
		Body:             r.Body,
		AuthorID:         r.AuthorID,
		CategoryIDs:      []int64(r.CategoryIDs),
		ThumbnailID:      r.ThumbnailID,
		PublishAt:        r.PublishAt,
		Status:           domain.Status(r.Status),
		PublishedAtLocal: r.PublishedAtLocal,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.PublishedAt.Valid {
		a.PublishedAt = r.PublishedAt.Time.UTC()
	}
	if len(r.ImageJobs) > 0 {
		if err := json.Unmarshal(r.ImageJobs, &a.ImageJobs); err != nil {
			return nil, fmt.Errorf("decode image jobs for article %d: %w", r.ID, err)
		}
	}
	return a, nil
}

func (s *Store) getArticle(ctx context.Context, where string, arg any) (*domain.Article, error) {
	var row articleRow
	query := `SELECT ` + articleColumns + ` FROM articles WHERE ` + where
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("article %v: %w", arg, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get article: %w", err)
	}
	return row.toDomain()
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*domain.Article, error) {
	return s.getArticle(ctx, "external_id = $1", externalID)
}

func (s *Store) Get(ctx context.Context, id int64) (*domain.Article, error) {
	return s.getArticle(ctx, "id = $1", id)
}

// uniqueSlug returns the first free candidate for base, treating slugs owned by selfID as free.
func (s *Store) uniqueSlug(ctx context.Context, base string, selfID int64) (sql.NullString, error) {
	if base == "" {
		return sql.NullString{}, nil
	}
	for n := 1; n <= maxSlugCandidates; n++ {
		candidate := storage.NextSlug(base, n)
		var owner int64
		err := s.db.GetContext(ctx, &owner, `SELECT id FROM articles WHERE slug = $1`, candidate)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner == selfID) {
			return sql.NullString{String: candidate, Valid: true}, nil
		}
		if err != nil {
			return sql.NullString{}, fmt.Errorf("check slug: %w", err)
		}
	}
	return sql.NullString{}, fmt.Errorf("no free slug for %q", base)
}

func (s *Store) Create(ctx context.Context, article *domain.Article) error {
	if article == nil || article.ExternalID == "" {
		return errors.New("create article: external id required")
	}
	slug, err := s.uniqueSlug(ctx, article.Slug, 0)
	if err != nil {
		return err
	}
	jobs, err := json.Marshal(imageJobs(article.ImageJobs))
	if err != nil {
		return err
	}
	now := s.now().UTC()

	query := `
		INSERT INTO articles (external_id, title, slug, body, author_id, category_ids, thumbnail_id,
			publish_at, status, published_at, published_at_local, image_jobs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING id`
	err = s.db.QueryRowxContext(ctx, query,
		article.ExternalID, article.Title, slug, article.Body, article.AuthorID,
		pq.Int64Array(article.CategoryIDs), article.ThumbnailID, article.PublishAt,
		string(article.Status), nullTime(article.PublishedAt), article.PublishedAtLocal, jobs, now,
	).Scan(&article.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("article external id %q: %w", article.ExternalID, storage.ErrConflict)
		}
		return fmt.Errorf("insert article: %w", err)
	}
	article.Slug = slug.String
	article.CreatedAt = now
	article.UpdatedAt = now
	return nil
}

func (s *Store) Update(ctx context.Context, article *domain.Article) error {
	if article == nil || article.ID == 0 {
		return errors.New("update article: id required")
	}
	slug, err := s.uniqueSlug(ctx, article.Slug, article.ID)
	if err != nil {
		return err
	}
	jobs, err := json.Marshal(imageJobs(article.ImageJobs))
	if err != nil {
		return err
	}
	now := s.now().UTC()

	query := `
		UPDATE articles SET title = $2, slug = $3, body = $4, author_id = $5, category_ids = $6,
			thumbnail_id = $7, publish_at = $8, status = $9, published_at = $10,
			published_at_local = $11, image_jobs = $12, updated_at = $13
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query,
		article.ID, article.Title, slug, article.Body, article.AuthorID,
		pq.Int64Array(article.CategoryIDs), article.ThumbnailID, article.PublishAt,
		string(article.Status), nullTime(article.PublishedAt), article.PublishedAtLocal, jobs, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("article %d slug %q: %w", article.ID, slug.String, storage.ErrConflict)
		}
		return fmt.Errorf("update article: %w", err)
	}
	if err := expectOneRow(res, "article", article.ID); err != nil {
		return err
	}
	article.Slug = slug.String
	article.UpdatedAt = now
	return nil
}

func (s *Store) SetCategories(ctx context.Context, id int64, categoryIDs []int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE articles SET category_ids = $2, updated_at = $3 WHERE id = $1`,
		id, pq.Int64Array(categoryIDs), s.now().UTC())
	if err != nil {
		return fmt.Errorf("set categories: %w", err)
	}
	return expectOneRow(res, "article", id)
}

func (s *Store) SetThumbnail(ctx context.Context, id int64, assetID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE articles SET thumbnail_id = $2, updated_at = $3 WHERE id = $1`,
		id, assetID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("set thumbnail: %w", err)
	}
	return expectOneRow(res, "article", id)
}

func (s *Store) Category(ctx context.Context, id int64) (*domain.Category, error) {
	var c domain.Category
	err := s.db.QueryRowxContext(ctx, `SELECT id, name, slug FROM categories WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("category %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get category: %w", err)
	}
	return &c, nil
}

func (s *Store) Categories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, name, slug FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Authors(ctx context.Context) ([]domain.Author, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, name, capabilities FROM authors ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	defer rows.Close()

	var out []domain.Author
	for rows.Next() {
		var (
			a    domain.Author
			caps pq.StringArray
		)
		if err := rows.Scan(&a.ID, &a.Name, &caps); err != nil {
			return nil, fmt.Errorf("scan author: %w", err)
		}
		a.Capabilities = []string(caps)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SeedTaxonomy(ctx context.Context, categories []domain.Category, authors []domain.Author) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, c := range categories {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO categories (id, name, slug) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, slug = EXCLUDED.slug`,
			c.ID, c.Name, c.Slug); err != nil {
			return fmt.Errorf("seed category %d: %w", c.ID, err)
		}
	}
	for _, a := range authors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO authors (id, name, capabilities) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, capabilities = EXCLUDED.capabilities`,
			a.ID, a.Name, pq.StringArray(a.Capabilities)); err != nil {
			return fmt.Errorf("seed author %d: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

type assetRow struct {
	ID        int64     `db:"id"`
	Digest    string    `db:"digest"`
	Path      string    `db:"path"`
	URL       string    `db:"url"`
	SourceURL string    `db:"source_url"`
	MIMEType  string    `db:"mime_type"`
	AltText   string    `db:"alt_text"`
	Width     int       `db:"width"`
	Height    int       `db:"height"`
	Size      int64     `db:"size"`
	RecordID  int64     `db:"record_id"`
	CreatedAt time.Time `db:"created_at"`
}

const assetColumns = `id, digest, path, url, source_url, mime_type, alt_text, width, height, size, record_id, created_at`

func (r assetRow) toDomain() *domain.ImageAsset {
	return &domain.ImageAsset{
		ID: r.ID, Digest: r.Digest, Path: r.Path, URL: r.URL, SourceURL: r.SourceURL,
		MIMEType: r.MIMEType, AltText: r.AltText, Width: r.Width, Height: r.Height,
		Size: r.Size, RecordID: r.RecordID, CreatedAt: r.CreatedAt,
	}
}

func (s *Store) getAsset(ctx context.Context, where string, arg any) (*domain.ImageAsset, error) {
	var row assetRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+assetColumns+` FROM image_assets WHERE `+where, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %v: %w", arg, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) FindByDigest(ctx context.Context, digest string) (*domain.ImageAsset, error) {
	return s.getAsset(ctx, "digest = $1", digest)
}

func (s *Store) Asset(ctx context.Context, id int64) (*domain.ImageAsset, error) {
	return s.getAsset(ctx, "id = $1", id)
}

func (s *Store) CreateAsset(ctx context.Context, asset *domain.ImageAsset) (*domain.ImageAsset, bool, error) {
	if asset == nil || asset.Digest == "" {
		return nil, false, errors.New("create asset: digest required")
	}
	stored := *asset
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}

	query := `
		INSERT INTO image_assets (digest, path, url, source_url, mime_type, alt_text, width, height, size, record_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (digest) DO NOTHING
		RETURNING id`
	err := s.db.QueryRowxContext(ctx, query,
		stored.Digest, stored.Path, stored.URL, stored.SourceURL, stored.MIMEType, stored.AltText,
		stored.Width, stored.Height, stored.Size, stored.RecordID, stored.CreatedAt,
	).Scan(&stored.ID)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := s.FindByDigest(ctx, stored.Digest)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert asset: %w", err)
	}
	return &stored, true, nil
}

func expectOneRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func imageJobs(jobs []domain.ImageJob) []domain.ImageJob {
	if jobs == nil {
		return []domain.ImageJob{}
	}
	return jobs
}
