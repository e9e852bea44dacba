// Package nonce confirms webhook deliveries with the upstream authority.
package nonce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-article-sync/internal/logger"
	"github.com/samvad-hq/samvad-article-sync/pkg/httpclient"
)

var errHostNotAllowed = errors.New("callback host not allowed")

type request struct {
	ArticleID string `json:"article_id"`
}

type response struct {
	Valid *bool `json:"valid"`
}

// Validator asks the authority whether a callback/article pairing is genuine.
type Validator struct {
	client    httpclient.Client
	authority *url.URL
	allowed   map[string]struct{}
	timeout   time.Duration
	log       logger.Logger
}

// Config configures a Validator.
type Config struct {
	AuthorityURL string
	AllowedHosts []string
	Timeout      time.Duration
}

// NewValidator builds a Validator; the authority host is always allowed.
func NewValidator(cfg Config, client httpclient.Client, log logger.Logger) (*Validator, error) {
	authority, err := url.Parse(strings.TrimSpace(cfg.AuthorityURL))
	if err != nil || authority.Host == "" || (authority.Scheme != "http" && authority.Scheme != "https") {
		return nil, fmt.Errorf("invalid nonce authority url %q", cfg.AuthorityURL)
	}
	if client == nil {
		return nil, errors.New("nonce validator requires an http client")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	allowed := map[string]struct{}{strings.ToLower(authority.Hostname()): {}}
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = struct{}{}
		}
	}
	return &Validator{client: client, authority: authority, allowed: allowed, timeout: cfg.Timeout, log: log}, nil
}

// Validate returns true only when the authority explicitly answers {"valid": true}.
// Every other outcome, including transport failures, is a rejection.
func (v *Validator) Validate(ctx context.Context, callbackTarget, articleID string) bool {
	if strings.TrimSpace(callbackTarget) == "" || strings.TrimSpace(articleID) == "" {
		return false
	}
	target, err := v.resolve(callbackTarget)
	if err != nil {
		v.reject(callbackTarget, articleID, err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.client.PostJSON(ctx, target, request{ArticleID: articleID}, map[string]string{"Accept": "application/json"})
	if err != nil {
		v.reject(target, articleID, err)
		return false
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		v.reject(target, articleID, fmt.Errorf("unexpected status %d", code))
		return false
	}
	var out response
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		v.reject(target, articleID, fmt.Errorf("decode response: %w", err))
		return false
	}
	if out.Valid == nil || !*out.Valid {
		v.reject(target, articleID, errors.New("authority rejected nonce"))
		return false
	}
	return true
}

// resolve maps a callback endpoint path or full URL onto a request URL.
func (v *Validator) resolve(target string) (string, error) {
	target = strings.TrimSpace(target)
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid callback url: %w", err)
		}
		if _, ok := v.allowed[strings.ToLower(u.Hostname())]; !ok {
			return "", fmt.Errorf("%w: %s", errHostNotAllowed, u.Hostname())
		}
		return u.String(), nil
	}

	base := strings.TrimRight(v.authority.String(), "/")
	joined := base + "/" + strings.TrimLeft(target, "/")
	u, err := url.Parse(joined)
	if err != nil {
		return "", fmt.Errorf("invalid callback endpoint: %w", err)
	}
	if !strings.EqualFold(u.Host, v.authority.Host) {
		return "", fmt.Errorf("%w: %s", errHostNotAllowed, u.Host)
	}
	return u.String(), nil
}

func (v *Validator) reject(target, articleID string, err error) {
	v.log.WarnObj("nonce validation failed", "nonce_meta", map[string]any{
		"target":     target,
		"article_id": articleID,
		"error":      err.Error(),
	})
}
