package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexibleID accepts identifiers sent either as JSON strings or numbers.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}

// String returns the identifier as text.
func (f FlexibleID) String() string { return string(f) }

// Int64 returns the numeric form of the id when it has one.
func (f FlexibleID) Int64() (int64, bool) {
	if f == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// FeaturedImage references the article's lead image.
type FeaturedImage struct {
	URL string `json:"url"`
	Alt string `json:"alt"`
}

// WebhookPayload is the inbound article delivery.
type WebhookPayload struct {
	ArticleID             FlexibleID     `json:"article_id"`
	Title                 string         `json:"title"`
	Content               string         `json:"content"`
	AuthorID              FlexibleID     `json:"author_id"`
	CategoryID            FlexibleID     `json:"category_id"`
	PublishAt             string         `json:"publish_at"`
	FeaturedImage         *FeaturedImage `json:"featured_image"`
	NonceCallbackEndpoint string         `json:"nonce_callback_endpoint"`
	NonceCallbackURL      string         `json:"nonce_callback_url"`
}

// DecodeWebhookPayload parses and validates a raw webhook body.
func DecodeWebhookPayload(raw []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks required fields.
func (p *WebhookPayload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if p.ArticleID == "" {
		return fmt.Errorf("%w: article_id is required", ErrMalformedPayload)
	}
	if p.CallbackTarget() == "" {
		return fmt.Errorf("%w: nonce_callback_endpoint or nonce_callback_url is required", ErrAuthentication)
	}
	if p.FeaturedImage != nil {
		p.FeaturedImage.URL = strings.TrimSpace(p.FeaturedImage.URL)
	}
	return nil
}

// CallbackTarget returns the nonce callback, preferring the full URL form.
func (p *WebhookPayload) CallbackTarget() string {
	if u := strings.TrimSpace(p.NonceCallbackURL); u != "" {
		return u
	}
	return strings.TrimSpace(p.NonceCallbackEndpoint)
}

// HasFeaturedImage reports whether a featured image URL was supplied.
func (p *WebhookPayload) HasFeaturedImage() bool {
	return p.FeaturedImage != nil && p.FeaturedImage.URL != ""
}

var publishAtLayouts = []string{
	PublishAtLayout,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// NormalizePublishAt parses a source-timezone timestamp and returns it in
// PublishAtLayout. RFC 3339 values carrying an explicit offset are converted
// into loc first.
func NormalizePublishAt(raw string, loc *time.Location) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(loc).Format(PublishAtLayout), nil
	}
	for _, layout := range publishAtLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.Format(PublishAtLayout), nil
		}
	}
	return "", fmt.Errorf("%w: publish_at %q is not a recognised timestamp", ErrMalformedPayload, raw)
}
