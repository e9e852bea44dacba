package media

import (
	"context"
	"fmt"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/pkg/httpclient"
)

// Fetched is a downloaded remote image.
type Fetched struct {
	Data        []byte
	ContentType string
}

// Fetcher downloads remote images through the shared HTTP client.
type Fetcher struct {
	client   httpclient.Client
	maxBytes int64
}

// NewFetcher builds a fetcher; maxBytes <= 0 disables the size limit.
func NewFetcher(client httpclient.Client, maxBytes int64) *Fetcher {
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch performs a plain GET. Any failure is wrapped in domain.ErrTransport.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Fetched, error) {
	resp, err := f.client.Get(ctx, url, map[string]string{"Accept": "image/*,*/*;q=0.8"})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", domain.ErrTransport, url, err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return nil, fmt.Errorf("%w: fetch %s: unexpected status %d", domain.ErrTransport, url, code)
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: fetch %s: empty body", domain.ErrTransport, url)
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: fetch %s: body of %d bytes exceeds limit %d", domain.ErrTransport, url, len(body), f.maxBytes)
	}
	return &Fetched{Data: body, ContentType: resp.Header("Content-Type")}, nil
}
