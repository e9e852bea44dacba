package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/storage"
	"github.com/samvad-hq/samvad-article-sync/pkg/httpclient"
)

type fakeResponse struct {
	body   []byte
	status int
	header map[string]string
}

func (r fakeResponse) Body() []byte             { return r.body }
func (r fakeResponse) StatusCode() int          { return r.status }
func (r fakeResponse) Header(key string) string { return r.header[key] }

type fakeClient struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     map[string]int
	err       error
}

func newFakeClient() *fakeClient {
	return &fakeClient{responses: map[string]fakeResponse{}, calls: map[string]int{}}
}

func (f *fakeClient) serve(url string, status int, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = fakeResponse{body: body, status: status}
}

func (f *fakeClient) Get(_ context.Context, url string, _ map[string]string) (httpclient.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if f.err != nil {
		return nil, f.err
	}
	resp, ok := f.responses[url]
	if !ok {
		return fakeResponse{status: 404}, nil
	}
	return resp, nil
}

func (f *fakeClient) PostJSON(context.Context, string, any, map[string]string) (httpclient.Response, error) {
	return nil, errors.New("not implemented")
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	client    *fakeClient
	store     *storage.BoltStore
	mediaDir  string
	localizer *Localizer
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.OpenBolt(filepath.Join(dir, "articles.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mediaDir := filepath.Join(dir, "uploads")
	blobs, err := NewLocalBlobStore(mediaDir)
	if err != nil {
		t.Fatalf("NewLocalBlobStore: %v", err)
	}
	client := newFakeClient()
	loc := NewLocalizer(NewFetcher(client, 1<<20), blobs, store, store, nil, nil, nil, Options{
		BaseURL:    "http://news.example/wp-content/uploads/",
		ForceHTTPS: true,
	})
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	loc.now = func() time.Time { return now }
	return &fixture{client: client, store: store, mediaDir: mediaDir, localizer: loc, now: now}
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return n
}

func TestLocalizeDeduplicatesIdenticalContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := pngBytes(t, 4, 3, color.RGBA{R: 255, A: 255})
	f.client.serve("http://cdn-a.example/one.png", 200, data)
	f.client.serve("http://cdn-b.example/two.png?size=large", 200, data)

	first, err := f.localizer.Localize(ctx, "http://cdn-a.example/one.png", 0, "red")
	if err != nil {
		t.Fatalf("Localize first: %v", err)
	}
	second, err := f.localizer.Localize(ctx, "http://cdn-b.example/two.png?size=large", 0, "other")
	if err != nil {
		t.Fatalf("Localize second: %v", err)
	}

	if first.ID != second.ID || first.Path != second.Path {
		t.Fatalf("expected same asset, got %+v and %+v", first, second)
	}
	if got := countFiles(t, f.mediaDir); got != 1 {
		t.Fatalf("expected one stored file, got %d", got)
	}
	if first.Width != 4 || first.Height != 3 || first.MIMEType != "image/png" {
		t.Fatalf("unexpected metadata %+v", first)
	}
	if first.AltText != "red" || first.Digest != Digest(data) {
		t.Fatalf("unexpected alt/digest %+v", first)
	}
}

func TestLocalizeChangedContentCreatesNewAsset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	url := "http://cdn.example/photo.png"

	f.client.serve(url, 200, pngBytes(t, 2, 2, color.Black))
	a, err := f.localizer.Localize(ctx, url, 0, "")
	if err != nil {
		t.Fatalf("Localize: %v", err)
	}
	f.client.serve(url, 200, pngBytes(t, 2, 2, color.White))
	b, err := f.localizer.Localize(ctx, url, 0, "")
	if err != nil {
		t.Fatalf("Localize: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("expected distinct assets for distinct content")
	}
	if a.Path != "2024/06/photo.png" || b.Path != "2024/06/photo-1.png" {
		t.Fatalf("paths = %q, %q", a.Path, b.Path)
	}
}

func TestLocalizeNamesFromRecordTitle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	article := &domain.Article{ExternalID: "ext-1", Title: "Crème Brûlée Recipe"}
	if err := f.store.Create(ctx, article); err != nil {
		t.Fatalf("Create: %v", err)
	}
	url := "http://cdn.example/img/IMG_0001.JPG?w=800&h=600"
	f.client.serve(url, 200, []byte("\xff\xd8\xff\xe0 not really a jpeg"))

	asset, err := f.localizer.Localize(ctx, url, article.ID, "dessert")
	if err != nil {
		t.Fatalf("Localize: %v", err)
	}
	if asset.Path != "2024/06/creme-brulee-recipe.jpg" {
		t.Fatalf("path = %q", asset.Path)
	}
	if asset.URL != "https://news.example/wp-content/uploads/2024/06/creme-brulee-recipe.jpg" {
		t.Fatalf("url = %q", asset.URL)
	}
	if asset.RecordID != article.ID || asset.SourceURL != url {
		t.Fatalf("unexpected ownership %+v", asset)
	}
}

func TestLocalizePropagatesTransportFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.client.serve("http://cdn.example/missing.png", 500, []byte("boom"))

	if _, err := f.localizer.Localize(ctx, "http://cdn.example/missing.png", 0, ""); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}

	f.client.err = errors.New("dial tcp: timeout")
	if _, err := f.localizer.Localize(ctx, "http://cdn.example/other.png", 0, ""); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if got := countFiles(t, f.mediaDir); got != 0 {
		t.Fatalf("expected nothing stored, got %d files", got)
	}
}

func TestFetcherEnforcesSizeLimit(t *testing.T) {
	client := newFakeClient()
	client.serve("http://cdn.example/big.png", 200, bytes.Repeat([]byte{1}, 64))
	client.serve("http://cdn.example/empty.png", 200, nil)

	f := NewFetcher(client, 32)
	if _, err := f.Fetch(context.Background(), "http://cdn.example/big.png"); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error for oversized body, got %v", err)
	}
	if _, err := f.Fetch(context.Background(), "http://cdn.example/empty.png"); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error for empty body, got %v", err)
	}
}

func TestFetcherBoundsBodyWhileReading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{1}, 256<<10))
	}))
	defer srv.Close()

	client := httpclient.NewRestyClient(5 * time.Second).WithResponseBodyLimit(4 << 10)
	f := NewFetcher(client, 4<<10)
	_, err := f.Fetch(context.Background(), srv.URL+"/huge.png")
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected the client to abort on size, got %v", err)
	}
}

func TestExtensionAndBaseFromURL(t *testing.T) {
	cases := []struct {
		url, ext, base string
	}{
		{"http://x.example/a/b/photo.JPG?x=1", ".jpg", "photo"},
		{"https://x.example/pic.webp#frag", ".webp", "pic"},
		{"https://x.example/download?id=3", "", "download"},
		{"https://x.example/file.php", "", "file"},
	}
	for _, tc := range cases {
		if got := ExtensionFromURL(tc.url); got != tc.ext {
			t.Errorf("ExtensionFromURL(%q) = %q, want %q", tc.url, got, tc.ext)
		}
		if got := BaseFromURL(tc.url); got != tc.base {
			t.Errorf("BaseFromURL(%q) = %q, want %q", tc.url, got, tc.base)
		}
	}
}

func TestLocalBlobStoreUniqueNames(t *testing.T) {
	blobs, err := NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStore: %v", err)
	}
	ctx := context.Background()
	var paths []string
	for i := 0; i < 3; i++ {
		p, err := blobs.Put(ctx, "2024/06", "cat", ".png", []byte{byte(i)}, "image/png")
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		paths = append(paths, p)
	}
	if strings.Join(paths, ",") != "2024/06/cat.png,2024/06/cat-1.png,2024/06/cat-2.png" {
		t.Fatalf("paths = %v", paths)
	}
	if err := blobs.Delete(ctx, paths[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := blobs.Delete(ctx, paths[0]); err != nil {
		t.Fatalf("Delete missing should be a no-op: %v", err)
	}
}
