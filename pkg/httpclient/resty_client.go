package httpclient

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultUserAgent = "samvad-article-sync/1.0"

// RestyClient adapts resty.Client to the httpclient.Client interface.
type RestyClient struct {
	client *resty.Client
}

// NewRestyClient creates a new RestyClient with the specified timeout.
func NewRestyClient(timeout time.Duration) *RestyClient {
	return &RestyClient{client: NewRestyHTTPClient(timeout)}
}

// NewRestyHTTPClient exposes a configured resty.Client for callers needing custom verbs.
func NewRestyHTTPClient(timeout time.Duration) *resty.Client {
	c := resty.New()
	c.SetTimeout(timeout)
	c.SetHeader("User-Agent", defaultUserAgent)
	return c
}

// WithResponseBodyLimit makes requests fail with resty.ErrResponseBodyTooLarge
// once more than maxBytes have been read. maxBytes <= 0 leaves bodies unbounded.
func (r *RestyClient) WithResponseBodyLimit(maxBytes int64) *RestyClient {
	if maxBytes > 0 {
		r.client.SetResponseBodyLimit(int(maxBytes))
	}
	return r
}

// Get performs an HTTP GET request with the specified context, URL, and headers.
func (r *RestyClient) Get(ctx context.Context, url string, headers map[string]string) (Response, error) {
	resp, err := r.request(ctx, headers).Get(url)
	if err != nil {
		return nil, err
	}
	return &restyResponseAdapter{resp: resp}, nil
}

// PostJSON sends body encoded as JSON.
func (r *RestyClient) PostJSON(ctx context.Context, url string, body any, headers map[string]string) (Response, error) {
	resp, err := r.request(ctx, headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
	if err != nil {
		return nil, err
	}
	return &restyResponseAdapter{resp: resp}, nil
}

func (r *RestyClient) request(ctx context.Context, headers map[string]string) *resty.Request {
	req := r.client.R().SetContext(ctx)
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	return req
}

// restyResponseAdapter adapts resty.Response to the httpclient.Response interface.
type restyResponseAdapter struct {
	resp *resty.Response
}

func (r *restyResponseAdapter) Body() []byte             { return r.resp.Body() }
func (r *restyResponseAdapter) StatusCode() int          { return r.resp.StatusCode() }
func (r *restyResponseAdapter) Header(key string) string { return r.resp.Header().Get(key) }
