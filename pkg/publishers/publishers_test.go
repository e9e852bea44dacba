package publishers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRegistryEnabledFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "publishers.yaml")
	raw := `
publishers:
  - id: search
    type: http
    enabled: false
    http:
      url: https://search.example/hooks
  - id: newsletter
    type: http
    http:
      url: https://newsletter.example/hooks
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	enabled := reg.Enabled()
	if len(enabled) != 1 || enabled[0].ID != "newsletter" {
		t.Fatalf("expected only newsletter enabled, got %#v", enabled)
	}
	if enabled[0].HTTP.Method != "POST" || enabled[0].HTTP.TimeoutSeconds != httpDefaultTimeoutSeconds {
		t.Fatalf("http defaults not applied: %#v", enabled[0].HTTP)
	}
}

func TestParseRegistryAllSinkTypes(t *testing.T) {
	raw := `
publishers:
  - id: queue
    type: SQS
    sqs:
      uri: " https://sqs.eu-central-1.amazonaws.com/1/articles "
      region: eu-central-1
      credentials:
        access_key_id: AKID
        secret_access_key: secret
  - id: topic
    type: sns
    sns:
      topic_arn: arn:aws:sns:eu-central-1:1:articles
      region: eu-central-1
  - id: gcp
    type: pubsub
    pubsub:
      project_id: samvad
      topic: articles
`
	reg, err := ParseRegistry([]byte(raw), ".yml")
	if err != nil {
		t.Fatalf("ParseRegistry: %v", err)
	}
	queue, ok := reg.ByID(" queue ")
	if !ok || queue.Type != TypeSQS || queue.SQS.QueueURL != "https://sqs.eu-central-1.amazonaws.com/1/articles" {
		t.Fatalf("unexpected sqs config %#v", queue)
	}
	if opts := queue.SQS.awsOptions(); opts.AccessKeyID != "AKID" || opts.Region != "eu-central-1" {
		t.Fatalf("credentials not carried: %#v", opts)
	}
	if len(reg.Enabled()) != 3 {
		t.Fatalf("expected 3 enabled publishers")
	}
	if _, ok := reg.ByID("missing"); ok {
		t.Fatalf("unexpected entry for unknown id")
	}
}

func TestParseRegistryJSON(t *testing.T) {
	raw := `{"publishers":[{"id":"hook","type":"http","http":{"url":"https://h.example","headers":{" X-Key ":" v ","Empty":""}}}]}`
	reg, err := ParseRegistry([]byte(raw), ".JSON")
	if err != nil {
		t.Fatalf("ParseRegistry: %v", err)
	}
	hook, _ := reg.ByID("hook")
	if len(hook.HTTP.Headers) != 1 || hook.HTTP.Headers["X-Key"] != "v" {
		t.Fatalf("headers not normalized: %#v", hook.HTTP.Headers)
	}
}

func TestParseRegistryRejects(t *testing.T) {
	cases := map[string]string{
		"empty":     "publishers: []",
		"duplicate": "publishers:\n  - {id: a, type: http, http: {url: https://a}}\n  - {id: a, type: http, http: {url: https://b}}",
		"no id":     "publishers:\n  - {type: http, http: {url: https://a}}",
		"malformed": "publishers: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRegistry([]byte(raw), ".yaml"); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateRejectsIncompleteSinks(t *testing.T) {
	cases := []struct {
		cfg  PublisherConfig
		want string
	}{
		{PublisherConfig{ID: "h", Type: TypeHTTP}, "http block"},
		{PublisherConfig{ID: "t", Type: ""}, "type is required"},
		{PublisherConfig{ID: "s", Type: TypeSNS, SNS: &SNSPublisherConfig{Region: "eu-central-1"}}, "sns.topic_arn"},
		{PublisherConfig{ID: "p", Type: TypePubSub, PubSub: &GCPQueueConfig{ProjectID: "x"}}, "pubsub.project_id"},
		{PublisherConfig{ID: "q", Type: TypeSQS, SQS: &SQSPublisherConfig{QueueURL: "https://q"}}, "sqs.region"},
		{PublisherConfig{ID: "g", Type: TypeHTTP, HTTP: &HTTPPublisherConfig{URL: "https://g", Method: "GET"}}, "http.method"},
	}
	for _, tc := range cases {
		cfg := tc.cfg
		err := cfg.validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error = %v, want mention of %q", cfg.ID, err, tc.want)
		}
	}
}
