package publishers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samvad-hq/samvad-article-sync/pkg/httpclient"
)

const maxErrorBodyBytes = 512

// httpPublisher delivers events as JSON requests to a configured endpoint.
type httpPublisher struct {
	id      string
	method  string
	url     string
	headers map[string]string
	client  *resty.Client
	log     Logger
}

func newHTTPPublisher(_ context.Context, cfg PublisherConfig, log Logger) (Publisher, error) {
	if cfg.HTTP == nil {
		return nil, fmt.Errorf("publisher %q missing http configuration", cfg.ID)
	}
	c := *cfg.HTTP
	c.normalize()

	headers := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"

	return &httpPublisher{
		id:      cfg.ID,
		method:  c.Method,
		url:     c.URL,
		headers: headers,
		client:  httpclient.NewRestyHTTPClient(time.Duration(c.TimeoutSeconds) * time.Second),
		log:     ensureLogger(log),
	}, nil
}

func (h *httpPublisher) ID() string   { return h.id }
func (h *httpPublisher) Type() string { return TypeHTTP }

func (h *httpPublisher) Publish(ctx context.Context, evt Event) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeaders(h.headers).
		SetHeader("X-Article-Event", evt.Event).
		SetHeader("X-Article-ID", evt.ArticleID).
		SetHeader("X-Post-ID", strconv.FormatInt(evt.PostID, 10)).
		SetBody(evt).
		Execute(h.method, h.url)
	if err != nil {
		return fmt.Errorf("%s %s: %w", h.method, h.url, err)
	}
	if resp.IsError() {
		body := resp.Body()
		if len(body) > maxErrorBodyBytes {
			body = body[:maxErrorBodyBytes]
		}
		return fmt.Errorf("%s %s: status %d: %s", h.method, h.url, resp.StatusCode(), strings.TrimSpace(string(body)))
	}

	h.log.DebugObj("http publisher delivered event", "publisher_http_delivery", map[string]any{
		"publisher_id": h.id,
		"article_id":   evt.ArticleID,
		"status_code":  resp.StatusCode(),
	})
	return nil
}
