package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/samvad-hq/samvad-article-sync/internal/api"
	"github.com/samvad-hq/samvad-article-sync/internal/config"
	"github.com/samvad-hq/samvad-article-sync/internal/domain"
	"github.com/samvad-hq/samvad-article-sync/internal/ingest"
	"github.com/samvad-hq/samvad-article-sync/internal/lock"
	"github.com/samvad-hq/samvad-article-sync/internal/logger"
	"github.com/samvad-hq/samvad-article-sync/internal/media"
	"github.com/samvad-hq/samvad-article-sync/internal/metrics"
	"github.com/samvad-hq/samvad-article-sync/internal/nonce"
	"github.com/samvad-hq/samvad-article-sync/internal/rewrite"
	"github.com/samvad-hq/samvad-article-sync/internal/scheduler"
	"github.com/samvad-hq/samvad-article-sync/internal/storage"
	"github.com/samvad-hq/samvad-article-sync/internal/storage/postgres"
	"github.com/samvad-hq/samvad-article-sync/pkg/awsconf"
	"github.com/samvad-hq/samvad-article-sync/pkg/httpclient"
	"github.com/samvad-hq/samvad-article-sync/pkg/publishers"
	bolt "go.etcd.io/bbolt"
)

const shutdownTimeout = 15 * time.Second

// contentBackend is what the receiver needs from a content store.
type contentBackend interface {
	storage.ContentStore
	storage.MediaIndex
}

// Receiver is the article sync runtime: the webhook HTTP server plus the
// image job scheduler.
type Receiver struct {
	cfg       *config.Config
	log       logger.Logger
	server    *http.Server
	scheduler scheduler.Scheduler
	closers   []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// NewReceiver builds the runtime from cfg.
func NewReceiver(ctx context.Context, cfg *config.Config, log logger.Logger) (r *Receiver, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r = &Receiver{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	loc, err := time.LoadLocation(cfg.SourceTimezone)
	if err != nil {
		return nil, fmt.Errorf("load source timezone: %w", err)
	}
	m := metrics.New()

	store, boltDB, err := r.openContentStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.seedTaxonomy(ctx, store); err != nil {
		return nil, err
	}

	locker, err := r.buildLocker(cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := r.buildBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fetcher := media.NewFetcher(
		httpclient.NewRestyClient(cfg.ImageFetchTimeout).WithResponseBodyLimit(cfg.ImageMaxBytes),
		cfg.ImageMaxBytes,
	)
	localizer := media.NewLocalizer(fetcher, blobs, store, store, locker, log, m, media.Options{
		BaseURL:    cfg.MediaBaseURL,
		ForceHTTPS: strings.HasPrefix(strings.ToLower(cfg.SiteURL), "https://"),
	})

	sched, err := r.buildScheduler(ctx, cfg, boltDB, m)
	if err != nil {
		return nil, err
	}
	r.scheduler = sched

	rewriter, err := rewrite.New(rewrite.Config{
		Mode:    rewrite.Mode(cfg.ImageMode),
		Hosts:   rewrite.NewHostMatcher(localHosts(cfg)...),
		Stagger: cfg.ImageJobStagger,
	}, localizer, sched, log, m)
	if err != nil {
		return nil, fmt.Errorf("init body rewriter: %w", err)
	}

	validator, err := nonce.NewValidator(nonce.Config{
		AuthorityURL: cfg.NonceAuthorityURL,
		AllowedHosts: cfg.NonceAllowedHosts,
		Timeout:      cfg.NonceTimeout,
	}, httpclient.NewRestyClient(cfg.NonceTimeout), log)
	if err != nil {
		return nil, fmt.Errorf("init nonce validator: %w", err)
	}

	notifier, err := r.buildNotifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	finalizer := ingest.NewFinalizer(ingest.FinalizerConfig{Location: loc, SiteURL: cfg.SiteURL},
		store, locker, notifier, log, m)
	engine, err := ingest.NewEngine(ingest.EngineDeps{
		Store:     store,
		Localizer: localizer,
		Rewriter:  rewriter,
		Finalizer: finalizer,
		Locker:    locker,
		Location:  loc,
		Log:       log,
		Metrics:   m,
	})
	if err != nil {
		return nil, fmt.Errorf("init ingest engine: %w", err)
	}
	sched.OnFire(domain.JobLocalizeImage, engine.HandleLocalizeJob)

	service, err := ingest.NewService(engine, validator, cfg.SiteURL, log, m)
	if err != nil {
		return nil, fmt.Errorf("init webhook service: %w", err)
	}

	handler := api.NewHandler(service, store, store, log)
	r.server = &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(handler, api.RouterConfig{
			PathPrefix: cfg.WebhookPathPrefix,
			Metrics:    m,
			Log:        log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.InfoObj("receiver initialized", "receiver_config", map[string]any{
		"http_addr":         cfg.HTTPAddr,
		"webhook_prefix":    cfg.WebhookPathPrefix,
		"content_store":     cfg.ContentStore,
		"media_backend":     cfg.MediaBackend,
		"scheduler_backend": cfg.SchedulerBackend,
		"lock_backend":      cfg.LockBackend,
		"image_mode":        cfg.ImageMode,
		"source_timezone":   cfg.SourceTimezone,
	})
	return r, nil
}

// Run serves HTTP and executes scheduled jobs until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	if r == nil || r.server == nil || r.scheduler == nil {
		return fmt.Errorf("receiver is not initialized")
	}
	defer r.close()

	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	schedDone := make(chan error, 1)
	go func() { schedDone <- r.scheduler.Run(schedCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		r.log.InfoObj("http server listening", "http_addr", r.server.Addr)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		r.log.InfoObj("receiver shutting down", "reason", ctx.Err().Error())
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-schedDone:
		schedDone <- err
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("scheduler: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.log.ErrorObj("http shutdown failed", "error", err.Error())
	}
	stopScheduler()
	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		r.log.ErrorObj("scheduler stopped with error", "error", err.Error())
	}
	return runErr
}

// openContentStore returns the configured store and, when one is open, the
// bbolt database shared by the job queue and ledger.
func (r *Receiver) openContentStore(cfg *config.Config) (contentBackend, *bolt.DB, error) {
	switch cfg.ContentStore {
	case "bbolt":
		store, err := storage.OpenBolt(cfg.BBoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("init bbolt storage: %w", err)
		}
		r.track("bbolt store", store)
		r.log.InfoObj("storage initialized", "storage_config", map[string]any{
			"type": cfg.ContentStore,
			"path": cfg.BBoltPath,
		})
		return store, store.DB(), nil

	case "postgres":
		store, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres storage: %w", err)
		}
		r.track("postgres store", store)
		version, dirty, err := store.Migrate()
		if err != nil {
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		r.log.InfoObj("storage initialized", "storage_config", map[string]any{
			"type":              cfg.ContentStore,
			"migration_version": version,
			"dirty":             dirty,
		})

		var db *bolt.DB
		if cfg.SchedulerBackend == "bbolt" {
			jobs, err := storage.OpenBolt(cfg.BBoltPath)
			if err != nil {
				return nil, nil, fmt.Errorf("init bbolt job storage: %w", err)
			}
			r.track("bbolt job store", jobs)
			db = jobs.DB()
		}
		return store, db, nil

	default:
		return nil, nil, fmt.Errorf("unsupported content_store %q", cfg.ContentStore)
	}
}

func (r *Receiver) seedTaxonomy(ctx context.Context, store storage.ContentStore) error {
	path := strings.TrimSpace(r.cfg.TaxonomyFile)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		r.log.WarnObj("taxonomy file not found; listings start empty", "taxonomy_file", path)
		return nil
	}
	tax, err := storage.LoadTaxonomy(path)
	if err != nil {
		return fmt.Errorf("load taxonomy: %w", err)
	}
	if err := store.SeedTaxonomy(ctx, tax.Categories, tax.Authors); err != nil {
		return fmt.Errorf("seed taxonomy: %w", err)
	}
	r.log.InfoObj("taxonomy seeded", "taxonomy_meta", map[string]any{
		"categories": len(tax.Categories),
		"authors":    len(tax.Authors),
	})
	return nil
}

func (r *Receiver) buildLocker(cfg *config.Config) (lock.Locker, error) {
	switch cfg.LockBackend {
	case "local":
		return lock.NewLocal(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		r.track("redis client", client)
		// Keys outlive a single stalled image fetch even if one renewal is missed.
		ttl := lock.DefaultTTL
		if 2*cfg.ImageFetchTimeout > ttl {
			ttl = 2 * cfg.ImageFetchTimeout
		}
		return lock.NewRedis(client, lock.RedisConfig{TTL: ttl, MaxWait: cfg.SchedulerLease}), nil
	default:
		return nil, fmt.Errorf("unsupported lock_backend %q", cfg.LockBackend)
	}
}

func (r *Receiver) buildBlobStore(ctx context.Context, cfg *config.Config) (media.BlobStore, error) {
	switch cfg.MediaBackend {
	case "local":
		blobs, err := media.NewLocalBlobStore(cfg.MediaDir)
		if err != nil {
			return nil, fmt.Errorf("init local media store: %w", err)
		}
		return blobs, nil
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, errors.New("gcs media backend requires gcs_bucket")
		}
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		r.track("gcs client", client)
		return media.NewGCSBlobStore(client.Bucket(cfg.GCSBucket), ""), nil
	default:
		return nil, fmt.Errorf("unsupported media_backend %q", cfg.MediaBackend)
	}
}

func (r *Receiver) buildScheduler(ctx context.Context, cfg *config.Config, db *bolt.DB, m *metrics.Metrics) (scheduler.Scheduler, error) {
	var ledger storage.JobLedger
	if db != nil {
		l, err := storage.NewBoltLedger(db, storage.Options{
			LedgerTTL:       cfg.JobLedgerTTL,
			CleanupInterval: cfg.JobLedgerCleanup,
		})
		if err != nil {
			return nil, fmt.Errorf("init job ledger: %w", err)
		}
		ledger = l
	} else {
		ledger = storage.NewMemoryLedger(cfg.JobLedgerTTL)
	}

	opts := scheduler.Options{
		Workers:     cfg.SchedulerWorkers,
		Poll:        cfg.SchedulerPoll,
		Lease:       cfg.SchedulerLease,
		Retry:       cfg.SchedulerRetry,
		MaxAttempts: cfg.SchedulerMaxAttempts,
		Ledger:      ledger,
		Log:         r.log,
		Metrics:     m,
	}

	switch cfg.SchedulerBackend {
	case "bbolt":
		q, err := scheduler.NewBoltQueue(db, opts)
		if err != nil {
			return nil, fmt.Errorf("init bbolt scheduler: %w", err)
		}
		return q, nil
	case "sqs":
		awsCfg, err := awsconf.Load(ctx, awsconf.Options{Region: cfg.SQSRegion, Endpoint: cfg.SQSEndpoint})
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		q, err := scheduler.NewSQSQueue(scheduler.NewSQSClient(awsCfg), cfg.SQSQueueURL, opts)
		if err != nil {
			return nil, fmt.Errorf("init sqs scheduler: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler_backend %q", cfg.SchedulerBackend)
	}
}

// buildNotifier returns nil when no publishers are configured.
func (r *Receiver) buildNotifier(ctx context.Context, cfg *config.Config) (ingest.Notifier, error) {
	if strings.TrimSpace(cfg.PublishersFile) == "" {
		r.log.InfoObj("no publishers file configured; publish events disabled", "publishers_meta", nil)
		return nil, nil
	}
	reg, err := publishers.LoadRegistry(cfg.PublishersFile)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}
	enabled := reg.Enabled()
	if len(enabled) == 0 {
		r.log.WarnObj("all publishers disabled", "publishers_file", cfg.PublishersFile)
		return nil, nil
	}
	clients, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, r.log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}
	fanout := publishers.NewFanout(clients)
	r.track("publishers", fanout)

	summaries := make([]map[string]string, 0, len(enabled))
	for _, p := range enabled {
		summaries = append(summaries, map[string]string{"id": p.ID, "type": p.Type})
	}
	r.log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      fanout.Size(),
		"publishers": summaries,
	})
	return fanout, nil
}

// localHosts lists the hosts whose images are never localized again.
func localHosts(cfg *config.Config) []string {
	hosts := []string{cfg.SiteHost()}
	if u, err := url.Parse(cfg.MediaBaseURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}

func (r *Receiver) track(name string, c io.Closer) {
	r.closers = append(r.closers, namedCloser{name: name, c: c})
}

// close releases resources in reverse order of acquisition.
func (r *Receiver) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		nc := r.closers[i]
		if err := nc.c.Close(); err != nil {
			r.log.ErrorObj("close failed", "close_meta", map[string]any{"resource": nc.name, "error": err.Error()})
		}
	}
	r.closers = nil
}
