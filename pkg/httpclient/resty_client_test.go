package httpclient

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func TestRestyClientStopsReadingOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(bytes.Repeat([]byte{7}, 64<<10))
	}))
	defer srv.Close()

	client := NewRestyClient(5 * time.Second).WithResponseBodyLimit(1 << 10)
	if _, err := client.Get(context.Background(), srv.URL+"/big.png", nil); !errors.Is(err, resty.ErrResponseBodyTooLarge) {
		t.Fatalf("expected ErrResponseBodyTooLarge, got %v", err)
	}

	unbounded := NewRestyClient(5 * time.Second).WithResponseBodyLimit(0)
	resp, err := unbounded.Get(context.Background(), srv.URL+"/big.png", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := len(resp.Body()); got != 64<<10 {
		t.Fatalf("expected full body, got %d bytes", got)
	}
	if got := resp.Header("Content-Type"); got != "image/png" {
		t.Fatalf("unexpected content type %q", got)
	}
}
