package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ImageMode != ImageModeAsync {
		t.Fatalf("image mode = %q", cfg.ImageMode)
	}
	if cfg.WebhookPathPrefix != "/ailt" {
		t.Fatalf("prefix = %q", cfg.WebhookPathPrefix)
	}
	if cfg.SourceTimezone != "CET" {
		t.Fatalf("timezone = %q", cfg.SourceTimezone)
	}
	if cfg.NonceTimeout != 10*time.Second || cfg.SchedulerPoll != time.Second || cfg.SchedulerLease != 2*time.Minute {
		t.Fatalf("unexpected derived durations: %+v", cfg)
	}
	if cfg.MediaBaseURL != "http://localhost:8080/wp-content/uploads" {
		t.Fatalf("media base url = %q", cfg.MediaBaseURL)
	}
	if len(cfg.NonceAllowedHosts) != 1 || cfg.NonceAllowedHosts[0] != "ailt.pilanto.dk" {
		t.Fatalf("allowed hosts = %v", cfg.NonceAllowedHosts)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SITE_URL", "https://news.example.dk/")
	t.Setenv("WEBHOOK_PATH_PREFIX", "hooks/")
	t.Setenv("IMAGE_MODE", " SYNC ")
	t.Setenv("SCHEDULER_POLL_MS", "250")
	t.Setenv("SCHEDULER_WORKERS", "8")
	t.Setenv("CONTENT_STORE", "postgres")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SiteURL != "https://news.example.dk" || cfg.SiteHost() != "news.example.dk" {
		t.Fatalf("site url = %q host = %q", cfg.SiteURL, cfg.SiteHost())
	}
	if cfg.WebhookPathPrefix != "/hooks" {
		t.Fatalf("prefix = %q", cfg.WebhookPathPrefix)
	}
	if cfg.ImageMode != ImageModeSync {
		t.Fatalf("image mode = %q", cfg.ImageMode)
	}
	if cfg.SchedulerPoll != 250*time.Millisecond || cfg.SchedulerWorkers != 8 {
		t.Fatalf("scheduler poll = %v workers = %d", cfg.SchedulerPoll, cfg.SchedulerWorkers)
	}
	if cfg.ContentStore != "postgres" {
		t.Fatalf("content store = %q", cfg.ContentStore)
	}
	if cfg.MediaBaseURL != "https://news.example.dk/wp-content/uploads" {
		t.Fatalf("media base url = %q", cfg.MediaBaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		env, value, want string
	}{
		{"IMAGE_MODE", "eventually", "image_mode"},
		{"SOURCE_TIMEZONE", "Mars/Olympus", "source_timezone"},
		{"SCHEDULER_LEASE_SECONDS", "0", "scheduler_lease_seconds"},
		{"IMAGE_MAX_BYTES", "-1", "image_max_bytes"},
		{"SITE_URL", "not a url", "site_url"},
		{"SCHEDULER_MAX_ATTEMPTS", "0", "scheduler_max_attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.env, func(t *testing.T) {
			t.Setenv(tc.env, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tc.env, tc.value)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %s", err, tc.want)
			}
		})
	}
}
