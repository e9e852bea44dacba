package publishers

import (
	"strings"
	"time"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
)

// EventArticlePublished is emitted after every finalization.
const EventArticlePublished = "article.published"

// Event represents the payload published downstream.
type Event struct {
	Event            string    `json:"event"`
	ArticleID        string    `json:"article_id"`
	PostID           int64     `json:"post_id"`
	Title            string    `json:"title"`
	URL              string    `json:"url"`
	Status           string    `json:"status"`
	PublishedAt      time.Time `json:"published_at"`
	PublishedAtLocal string    `json:"published_at_local"`
	EmittedAt        time.Time `json:"emitted_at"`
}

// NewPublishedEvent constructs an article.published Event for a finalized record.
func NewPublishedEvent(article *domain.Article, url string) Event {
	return Event{
		Event:            EventArticlePublished,
		ArticleID:        article.ExternalID,
		PostID:           article.ID,
		Title:            article.Title,
		URL:              url,
		Status:           string(article.Status),
		PublishedAt:      article.PublishedAt.UTC(),
		PublishedAtLocal: article.PublishedAtLocal,
		EmittedAt:        time.Now().UTC(),
	}
}

// attributes are the routing attributes attached to queue/topic messages.
func (e Event) attributes() map[string]string {
	return map[string]string{
		"event":      e.Event,
		"article_id": e.ArticleID,
		"status":     e.Status,
	}
}

// fifoKeys returns the message group and deduplication ids used for FIFO
// queues and topics. Events for one article share a group; a re-delivery of
// the same finalization deduplicates.
func (e Event) fifoKeys() (group, dedup string) {
	return e.ArticleID, e.ArticleID + ":" + e.Status + ":" + e.PublishedAt.UTC().Format(time.RFC3339)
}

func isFIFO(target string) bool {
	return strings.HasSuffix(target, ".fifo")
}
