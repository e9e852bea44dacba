// Package rewrite processes article bodies: it finds remote <img> sources and
// either localizes them inline or schedules one localization job per source.
package rewrite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/logger"
	"github.com/samvad-hq/samvad-article-sync/internal/metrics"
)

// Mode selects between inline and deferred image localization.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Localizer resolves a remote image to a stored asset.
type Localizer interface {
	Localize(ctx context.Context, remoteURL string, recordID int64, alt string) (*domain.ImageAsset, error)
}

// Scheduler enqueues a named job to fire at a given time.
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, name string, args json.RawMessage) (string, error)
}

// Result is the outcome of processing a body.
type Result struct {
	// Body is the body to persist. In async mode it equals the input.
	Body string
	// Jobs are the localization jobs scheduled for this body, in dispatch order.
	Jobs []domain.ImageJob
	// Rewritten counts <img> elements whose src was replaced inline.
	Rewritten int
	// Failed counts remote sources that could not be localized inline.
	Failed int
}

// Rewriter implements body processing for one mode.
type Rewriter struct {
	mode      Mode
	hosts     *HostMatcher
	localizer Localizer
	scheduler Scheduler
	stagger   time.Duration
	log       logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Config configures a Rewriter.
type Config struct {
	Mode    Mode
	Hosts   *HostMatcher
	Stagger time.Duration
}

// New builds a Rewriter. The scheduler may be nil in sync mode.
func New(cfg Config, localizer Localizer, scheduler Scheduler, log logger.Logger, m *metrics.Metrics) (*Rewriter, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeAsync
	}
	if cfg.Mode != ModeSync && cfg.Mode != ModeAsync {
		return nil, fmt.Errorf("unknown rewrite mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeAsync && scheduler == nil {
		return nil, fmt.Errorf("async rewrite mode requires a scheduler")
	}
	if localizer == nil {
		return nil, fmt.Errorf("rewriter requires a localizer")
	}
	if cfg.Hosts == nil {
		cfg.Hosts = NewHostMatcher()
	}
	if cfg.Stagger <= 0 {
		cfg.Stagger = 5 * time.Second
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Rewriter{
		mode:      cfg.Mode,
		hosts:     cfg.Hosts,
		localizer: localizer,
		scheduler: scheduler,
		stagger:   cfg.Stagger,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}, nil
}

// Mode returns the configured mode.
func (r *Rewriter) Mode() Mode { return r.mode }

// Hosts returns the local host matcher.
func (r *Rewriter) Hosts() *HostMatcher { return r.hosts }

// Process handles every remote <img> in body for recordID.
func (r *Rewriter) Process(ctx context.Context, body string, recordID int64) (Result, error) {
	if strings.TrimSpace(body) == "" {
		return Result{Body: body}, nil
	}
	if r.mode == ModeSync {
		return r.processSync(ctx, body, recordID)
	}
	return r.processAsync(ctx, body, recordID)
}

func (r *Rewriter) processSync(ctx context.Context, body string, recordID int64) (Result, error) {
	f, err := parseFragment(body)
	if err != nil {
		return Result{}, err
	}

	res := Result{Body: body}
	resolved := make(map[string]string)
	f.images().Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if !r.hosts.IsRemote(src) {
			return
		}
		local, ok := resolved[src]
		if !ok {
			asset, err := r.localizer.Localize(ctx, src, recordID, s.AttrOr("alt", ""))
			if err != nil {
				r.log.WarnObj("inline image localization failed", "image_job", map[string]any{
					"record_id": recordID,
					"url":       src,
					"error":     err.Error(),
				})
				res.Failed++
				resolved[src] = ""
				return
			}
			local = asset.URL
			resolved[src] = local
		}
		if local == "" {
			return
		}
		s.SetAttr("src", local)
		res.Rewritten++
	})

	if res.Rewritten > 0 {
		out, err := f.render()
		if err != nil {
			return Result{}, err
		}
		res.Body = out
	}
	return res, nil
}

func (r *Rewriter) processAsync(ctx context.Context, body string, recordID int64) (Result, error) {
	sources, err := r.hosts.RemoteSources(body)
	if err != nil {
		return Result{}, err
	}

	res := Result{Body: body}
	start := r.now().UTC()
	for i, src := range sources {
		seq := i + 1
		at := start.Add(time.Duration(seq) * r.stagger)
		args, err := json.Marshal(domain.LocalizeImageArgs{RecordID: recordID, URL: src})
		if err != nil {
			return Result{}, fmt.Errorf("encode job args: %w", err)
		}
		if _, err := r.scheduler.ScheduleAt(ctx, at, domain.JobLocalizeImage, args); err != nil {
			// Jobs already enqueued will still fire; the caller records them.
			return res, fmt.Errorf("schedule image %s: %w", src, err)
		}
		r.metrics.JobScheduled(domain.JobLocalizeImage)
		res.Jobs = append(res.Jobs, domain.ImageJob{URL: src, Seq: seq, ScheduledAt: at})
	}
	if len(res.Jobs) > 0 {
		r.log.DebugObj("image jobs scheduled", "image_job", map[string]any{
			"record_id": recordID,
			"count":     len(res.Jobs),
		})
	}
	return res, nil
}
