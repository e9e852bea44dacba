package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/storage"
	"github.com/samvad-hq/samvad-article-sync/internal/storage/postgres"
)

var articleCols = []string{
	"id", "external_id", "title", "slug", "body", "author_id", "category_ids", "thumbnail_id",
	"publish_at", "status", "published_at", "published_at_local", "image_jobs", "created_at", "updated_at",
}

var assetCols = []string{
	"id", "digest", "path", "url", "source_url", "mime_type", "alt_text", "width", "height", "size", "record_id", "created_at",
}

func newMockStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return postgres.New(sqlx.NewDb(db, "postgres")), mock
}

func TestStore_FindByExternalID(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	testCases := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
		check     func(*testing.T, *domain.Article)
	}{
		{
			name: "returns decoded article",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows(articleCols).AddRow(
					int64(5), "ext-1", "Hello", "hello", "<p>x</p>", int64(2), []byte("{3,4}"), int64(0),
					"2024-06-01 10:00:00", "pending-images", nil, "",
					[]byte(`[{"url":"http://img.example/a.png","seq":1,"done":false,"scheduled_at":"2024-06-01T08:00:05Z"}]`),
					now, now,
				)
				mock.ExpectQuery(`SELECT .* FROM articles WHERE external_id = \$1`).
					WithArgs("ext-1").
					WillReturnRows(rows)
			},
			check: func(t *testing.T, a *domain.Article) {
				if a.ID != 5 || a.Slug != "hello" || a.Status != domain.StatusPendingImages {
					t.Fatalf("unexpected article %+v", a)
				}
				if len(a.CategoryIDs) != 2 || a.CategoryIDs[1] != 4 {
					t.Fatalf("category ids = %v", a.CategoryIDs)
				}
				if len(a.ImageJobs) != 1 || a.ImageJobs[0].URL != "http://img.example/a.png" {
					t.Fatalf("image jobs = %+v", a.ImageJobs)
				}
				if !a.PublishedAt.IsZero() {
					t.Fatalf("expected zero published_at, got %v", a.PublishedAt)
				}
			},
		},
		{
			name: "maps no rows to not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .* FROM articles WHERE external_id = \$1`).
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tc.setupMock(mock)

			got, err := store.FindByExternalID(ctx, "ext-1")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("FindByExternalID: %v", err)
				}
				tc.check(t, got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestStore_CreatePicksFreeSlug(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id FROM articles WHERE slug = \$1`).
		WithArgs("hello").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(`SELECT id FROM articles WHERE slug = \$1`).
		WithArgs("hello-2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO articles`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	a := &domain.Article{ExternalID: "ext-9", Title: "Hello", Slug: "hello", Status: domain.StatusDraft}
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID != 9 || a.Slug != "hello-2" {
		t.Fatalf("unexpected article %+v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStore_CreateDuplicateExternalID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO articles`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.Create(context.Background(), &domain.Article{ExternalID: "ext-1"})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStore_CreateAssetReturnsExistingDigest(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO image_assets`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT .* FROM image_assets WHERE digest = \$1`).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(assetCols).AddRow(
			int64(3), "abc", "2024/06/a.png", "https://site.example/uploads/2024/06/a.png", "", "image/png",
			"", 10, 10, int64(120), int64(5), created,
		))

	got, wasCreated, err := store.CreateAsset(context.Background(), &domain.ImageAsset{Digest: "abc", Path: "2024/06/b.png"})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if wasCreated || got.ID != 3 || got.Path != "2024/06/a.png" {
		t.Fatalf("expected existing asset, got %+v created=%v", got, wasCreated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStore_SetThumbnailMissingArticle(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE articles SET thumbnail_id`).
		WithArgs(int64(7), int64(11), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.SetThumbnail(context.Background(), 7, 11); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_CategoryNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, name, slug FROM categories WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Category(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
