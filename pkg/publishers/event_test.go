package publishers

import (
	"testing"
	"time"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
)

func TestNewPublishedEvent(t *testing.T) {
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	evt := NewPublishedEvent(&domain.Article{
		ID:               12,
		ExternalID:       "ext-12",
		Title:            "Hello",
		Status:           domain.StatusScheduledFuture,
		PublishedAt:      at,
		PublishedAtLocal: "2024-06-01 10:00:00",
	}, "https://site.example/hello/")

	if evt.Event != EventArticlePublished || evt.ArticleID != "ext-12" || evt.PostID != 12 {
		t.Fatalf("unexpected identity fields %+v", evt)
	}
	if evt.Status != "scheduled-future" || !evt.PublishedAt.Equal(at) || evt.URL != "https://site.example/hello/" {
		t.Fatalf("unexpected publish fields %+v", evt)
	}
	if attrs := evt.attributes(); attrs["article_id"] != "ext-12" || attrs["status"] != "scheduled-future" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}
