package domain

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestDecodeWebhookPayloadAcceptsNumericIDs(t *testing.T) {
	raw := []byte(`{"article_id": 42, "title": "Hello", "category_id": "7", "author_id": 3,
		"nonce_callback_endpoint": "/wp-json/ailt/v1/nonce"}`)

	p, err := DecodeWebhookPayload(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ArticleID != "42" {
		t.Fatalf("article id = %q", p.ArticleID)
	}
	if id, ok := p.CategoryID.Int64(); !ok || id != 7 {
		t.Fatalf("category id = %d, %v", id, ok)
	}
	if id, ok := p.AuthorID.Int64(); !ok || id != 3 {
		t.Fatalf("author id = %d, %v", id, ok)
	}
	if p.CallbackTarget() != "/wp-json/ailt/v1/nonce" {
		t.Fatalf("callback target = %q", p.CallbackTarget())
	}
}

func TestDecodeWebhookPayloadRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"bad json", `{"article_id":`, ErrMalformedPayload},
		{"missing article id", `{"nonce_callback_url":"https://ailt.example/n"}`, ErrMalformedPayload},
		{"missing nonce", `{"article_id":"a-1"}`, ErrAuthentication},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeWebhookPayload([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFlexibleIDInt64(t *testing.T) {
	if _, ok := FlexibleID("abc").Int64(); ok {
		t.Fatalf("non-numeric id should not convert")
	}
	if _, ok := FlexibleID("0").Int64(); ok {
		t.Fatalf("zero id should not convert")
	}
	if _, ok := FlexibleID("").Int64(); ok {
		t.Fatalf("empty id should not convert")
	}
}

func TestNormalizePublishAt(t *testing.T) {
	loc, err := time.LoadLocation("CET")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	cases := map[string]string{
		"2024-06-01 10:00:00":       "2024-06-01 10:00:00",
		"2024-06-01T10:00:00":       "2024-06-01 10:00:00",
		"2024-06-01 10:00":          "2024-06-01 10:00:00",
		"2024-06-01":                "2024-06-01 00:00:00",
		"2024-06-01T08:00:00Z":      "2024-06-01 10:00:00",
		"2024-01-15T12:30:00+01:00": "2024-01-15 12:30:00",
		"":                          "",
	}
	for in, want := range cases {
		got, err := NormalizePublishAt(in, loc)
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalize %q = %q, want %q", in, got, want)
		}
	}

	if _, err := NormalizePublishAt("next tuesday", loc); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

func TestErrorKind(t *testing.T) {
	if got := ErrorKind(ErrAuthentication); got != "authentication_error" {
		t.Fatalf("kind = %q", got)
	}
	if got := ErrorKind(errors.New("boom")); got != "internal_error" {
		t.Fatalf("kind = %q", got)
	}
	if StatusDraft.Finalized() || !StatusScheduledFuture.Finalized() {
		t.Fatalf("unexpected finalized state")
	}
}
