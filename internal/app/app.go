// Package app builds the crawler's long-lived services from configuration and
// runs one crawl with them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/adapter/meizitu"
	"github.com/JakeFAU/gallery-crawler/internal/api"
	"github.com/JakeFAU/gallery-crawler/internal/clock/system"
	"github.com/JakeFAU/gallery-crawler/internal/config"
	"github.com/JakeFAU/gallery-crawler/internal/crawler"
	"github.com/JakeFAU/gallery-crawler/internal/dispatcher"
	"github.com/JakeFAU/gallery-crawler/internal/download"
	collyfetcher "github.com/JakeFAU/gallery-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/gallery-crawler/internal/hash/sha256"
	"github.com/JakeFAU/gallery-crawler/internal/id/uuid"
	"github.com/JakeFAU/gallery-crawler/internal/policy/ratelimit"
	queueMemory "github.com/JakeFAU/gallery-crawler/internal/queue/memory"
	"github.com/JakeFAU/gallery-crawler/internal/storage/gcs"
	"github.com/JakeFAU/gallery-crawler/internal/storage/local"
	"github.com/JakeFAU/gallery-crawler/internal/storage/postgres"
	"github.com/JakeFAU/gallery-crawler/internal/worker"
)

// Options describe one invocation of the crawler.
type Options struct {
	StartURL string
	// Single runs only StartURL in this process. Child processes use it.
	Single bool
	// WorkerArgs precede the page URL when spawning child processes.
	WorkerArgs []string
	// Executable overrides the child binary in process mode.
	Executable string
}

type visitedDispatcher interface {
	crawler.Dispatcher
	MarkVisited(url string)
}

// App holds the services for one crawl run.
type App struct {
	cfg       config.Config
	opts      Options
	logger    *zap.Logger
	runID     string
	startedAt time.Time

	store        crawler.ContentStore
	gcsClient    *storage.Client
	catalog      *postgres.ImageCatalog
	downloads    *download.Pool
	pool         *dispatcher.Pool
	dispatcher   visitedDispatcher
	orchestrator *worker.Orchestrator

	draining atomic.Bool
}

// New builds every service the run needs. Downloads run under ctx.
func New(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if opts.StartURL == "" {
		opts.StartURL = cfg.Site.StartURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()
	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	logger = logger.With(zap.String("run_id", runID))

	a := &App{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		runID:     runID,
		startedAt: clock.Now(),
	}
	if err := a.buildStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildPipeline(ctx, clock); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return fmt.Errorf("init gcs store: %w", err)
		}
		a.store = store
		a.logger.Info("using gcs content store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.Dir})
		if err != nil {
			return fmt.Errorf("init local store: %w", err)
		}
		a.store = store
		a.logger.Info("using local content store", zap.String("dir", a.cfg.Storage.Dir))
	}

	if a.cfg.DB.DSN == "" {
		return nil
	}
	catalog, err := postgres.NewImageCatalog(ctx, postgres.CatalogConfig{DSN: a.cfg.DB.DSN, Table: a.cfg.DB.Table})
	if err != nil {
		return fmt.Errorf("init image catalog: %w", err)
	}
	a.catalog = catalog
	if err := catalog.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure catalog schema: %w", err)
	}
	a.logger.Info("image catalog enabled", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) buildPipeline(ctx context.Context, clock crawler.Clock) error {
	fetchCfg := collyfetcher.Config{
		UserAgent: a.cfg.Fetch.UserAgent,
		Timeout:   a.cfg.FetchTimeout(),
	}
	pageFetcher, err := collyfetcher.NewPageFetcher(collyfetcher.PageConfig{
		Config:           fetchCfg,
		WatchdogInterval: a.cfg.WatchdogInterval(),
		Charset:          a.cfg.Fetch.Charset,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init page fetcher: %w", err)
	}
	imageFetcher := collyfetcher.NewImageFetcher(collyfetcher.Config{
		UserAgent:   a.cfg.Fetch.UserAgent,
		MaxBodySize: a.cfg.Download.MaxBytes,
	})

	opts := []download.Option{download.WithClock(clock)}
	if a.cfg.Download.RequestsPerSecond > 0 {
		opts = append(opts, download.WithRateLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Download.RequestsPerSecond,
			DefaultBurst: a.cfg.Download.Burst,
		})))
	}
	if a.catalog != nil {
		opts = append(opts, download.WithCatalog(a.catalog))
	}
	downloader := download.NewDownloader(imageFetcher, a.store, sha256.New(), a.logger,
		download.Config{Timeout: a.cfg.DownloadTimeout()}, opts...)
	a.downloads = download.NewPool(ctx, downloader, download.PoolConfig{Concurrency: a.cfg.Download.Concurrency}, a.logger)

	switch a.cfg.WorkerPool.Mode {
	case config.ModeProcess:
		d, err := dispatcher.NewProcessDispatcher(dispatcher.ProcessConfig{
			Executable: a.opts.Executable,
			Args:       a.opts.WorkerArgs,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init process dispatcher: %w", err)
		}
		a.dispatcher = d
	default:
		a.pool = dispatcher.New(queueMemory.NewQueue(a.cfg.WorkerPool.QueueDepth),
			dispatcher.Config{Size: a.cfg.WorkerPool.Size}, a.logger)
		a.dispatcher = a.pool
	}

	adapter := meizitu.New(meizitu.Config{BaseURL: a.cfg.Site.BaseURL, ListingPath: a.cfg.Site.ListingPath})
	a.orchestrator = worker.New(pageFetcher, adapter, a.downloads, a.dispatcher, a.logger)
	return nil
}

// Run crawls the start URL, then waits for background downloads to finish.
// The returned outcome is the root page's.
func (a *App) Run(ctx context.Context) (crawler.WorkerOutcome, error) {
	root := crawler.PageTask{URL: a.opts.StartURL, Kind: crawler.TaskKindListing}
	a.logger.Info("crawl started",
		zap.String("start_url", root.URL),
		zap.String("mode", a.cfg.WorkerPool.Mode),
		zap.Bool("single", a.opts.Single),
	)

	out, runErr := a.runRoot(ctx, root)
	drainErr := a.drain(ctx)

	progress := a.orchestrator.Progress()
	stats := a.downloads.Stats()
	a.logger.Info("crawl finished",
		zap.Int("exit_status", out.ExitStatus),
		zap.Int64("pages_succeeded", progress.PagesSucceeded),
		zap.Int64("pages_failed", progress.PagesFailed),
		zap.Int64("images_stored", stats.Stored),
		zap.Int64("images_duplicate", stats.Duplicates),
		zap.Int64("images_failed", stats.Failed),
		zap.Duration("elapsed", time.Since(a.startedAt)),
	)
	return out, errors.Join(runErr, drainErr)
}

func (a *App) runRoot(ctx context.Context, root crawler.PageTask) (crawler.WorkerOutcome, error) {
	if a.opts.Single {
		// This process is the worker: crawl the page here and let the
		// dispatcher handle its children.
		a.dispatcher.MarkVisited(root.URL)
		if a.pool != nil {
			if err := a.pool.Start(ctx, a.orchestrator); err != nil {
				return crawler.WorkerOutcome{URL: root.URL, ExitStatus: crawler.ExitFailure, Err: err}, err
			}
			defer a.pool.Stop()
		}
		start := time.Now()
		if err := a.orchestrator.Process(ctx, root); err != nil {
			out := crawler.WorkerOutcome{URL: root.URL, ExitStatus: crawler.ExitFailure, Err: err, Duration: time.Since(start)}
			return out, err
		}
		return crawler.WorkerOutcome{URL: root.URL, ExitStatus: crawler.ExitSuccess, Duration: time.Since(start)}, nil
	}

	if a.pool != nil {
		if err := a.pool.Start(ctx, a.orchestrator); err != nil {
			return crawler.WorkerOutcome{URL: root.URL, ExitStatus: crawler.ExitFailure, Err: err}, err
		}
		defer a.pool.Stop()
	}
	out, err := a.dispatcher.Dispatch(ctx, root)
	if err != nil {
		return out, fmt.Errorf("dispatch root: %w", err)
	}
	if out.ExitStatus != crawler.ExitSuccess {
		return out, fmt.Errorf("root page %s: %w", root.URL, out.Err)
	}
	return out, nil
}

func (a *App) drain(ctx context.Context) error {
	a.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.DrainTimeout())
	defer cancel()
	if err := a.downloads.Drain(drainCtx); err != nil {
		a.logger.Warn("image downloads did not finish", zap.Error(err))
		return err
	}
	return nil
}

// Status implements api.StatusSource.
func (a *App) Status() api.RunStatus {
	return api.RunStatus{
		RunID:     a.runID,
		StartURL:  a.opts.StartURL,
		Mode:      a.cfg.WorkerPool.Mode,
		StartedAt: a.startedAt,
		Draining:  a.draining.Load(),
		Pages:     a.orchestrator.Progress(),
		Downloads: a.downloads.Stats(),
	}
}

// Logger returns the run logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close releases the catalog pool and storage client.
func (a *App) Close() {
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("close gcs client", zap.Error(err))
		}
	}
}
