// Package download fetches images, stores them by content hash, and runs
// those downloads in a bounded background pool.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
	"github.com/JakeFAU/gallery-crawler/internal/hash/sha256"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
)

const defaultTimeout = 2 * time.Minute

// Config controls a Downloader.
type Config struct {
	// Timeout is the hard deadline for one image request.
	Timeout time.Duration
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithCatalog records every newly stored image in catalog.
func WithCatalog(catalog crawler.ImageCatalog) Option {
	return func(d *Downloader) {
		d.catalog = catalog
	}
}

// WithClock overrides the clock used to stamp stored images.
func WithClock(clock crawler.Clock) Option {
	return func(d *Downloader) {
		d.clock = clock
	}
}

// WithRateLimiter waits on limiter before each image request. The wait does
// not count against the hard deadline.
func WithRateLimiter(limiter crawler.RateLimiter) Option {
	return func(d *Downloader) {
		d.limiter = limiter
	}
}

// Downloader fetches a single image and persists it at most once per content hash.
type Downloader struct {
	fetcher crawler.ImageFetcher
	store   crawler.ContentStore
	hasher  crawler.Hasher
	catalog crawler.ImageCatalog
	limiter crawler.RateLimiter
	clock   crawler.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// NewDownloader builds a Downloader.
func NewDownloader(
	fetcher crawler.ImageFetcher,
	store crawler.ContentStore,
	hasher crawler.Hasher,
	logger *zap.Logger,
	cfg Config,
	opts ...Option,
) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Downloader{
		fetcher: fetcher,
		store:   store,
		hasher:  hasher,
		clock:   utcClock{},
		timeout: cfg.Timeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download fetches url and stores the body under its content hash. Every
// failure is reported in the outcome; it never returns an error.
func (d *Downloader) Download(ctx context.Context, url string) crawler.DownloadOutcome {
	logger := d.logger.With(zap.String("url", url))
	start := time.Now()
	outcome := d.download(ctx, url, logger)
	outcome.URL = url
	outcome.Duration = time.Since(start)
	d.observe(outcome)
	return outcome
}

func (d *Downloader) download(ctx context.Context, url string, logger *zap.Logger) crawler.DownloadOutcome {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, url); err != nil {
			logger.Warn("image download not started", zap.Error(err))
			return crawler.DownloadOutcome{Err: err}
		}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	resp, err := d.fetcher.FetchImage(fetchCtx, url)
	timedOut := errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err != nil {
		if timedOut {
			logger.Warn("image download timed out", zap.Duration("timeout", d.timeout))
			return crawler.DownloadOutcome{StatusCode: crawler.StatusTimedOut, Err: err}
		}
		logger.Warn("image download failed", zap.Error(err))
		return crawler.DownloadOutcome{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		logger.Info("image download returned non-OK status", zap.Int("status", resp.StatusCode))
		return crawler.DownloadOutcome{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode),
		}
	}

	digest, err := d.hasher.Hash(resp.Body)
	if err != nil {
		logger.Error("hash image", zap.Error(err))
		return crawler.DownloadOutcome{StatusCode: resp.StatusCode, Err: fmt.Errorf("hash image: %w", err)}
	}
	ext := crawler.ImageExt(url)
	key := sha256.Key(digest, ext)
	logger = logger.With(zap.String("key", key))

	exists, err := d.store.Exists(ctx, key)
	if err != nil {
		logger.Error("check content store", zap.Error(err))
		return crawler.DownloadOutcome{StatusCode: resp.StatusCode, Err: fmt.Errorf("check %s: %w", key, err)}
	}
	if exists {
		logger.Info("image already stored")
		return crawler.DownloadOutcome{StatusCode: resp.StatusCode, Duplicate: true}
	}

	uri, err := d.store.Put(ctx, key, resp.ContentType, resp.Body)
	if errors.Is(err, crawler.ErrAlreadyExists) {
		logger.Info("image stored concurrently by another download")
		return crawler.DownloadOutcome{StatusCode: resp.StatusCode, Duplicate: true}
	}
	if err != nil {
		logger.Error("store image", zap.Error(err))
		return crawler.DownloadOutcome{StatusCode: resp.StatusCode, Err: fmt.Errorf("store %s: %w", key, err)}
	}

	stored := &crawler.StoredImage{
		Hash:      digest,
		Ext:       ext,
		Key:       key,
		URI:       uri,
		SourceURL: url,
		Size:      int64(len(resp.Body)),
		StoredAt:  d.clock.Now(),
	}
	logger.Info("image stored", zap.String("uri", uri), zap.Int64("bytes", stored.Size))

	if d.catalog != nil {
		if err := d.catalog.RecordImage(ctx, *stored); err != nil {
			logger.Warn("record image in catalog", zap.Error(err))
		}
	}
	return crawler.DownloadOutcome{StatusCode: resp.StatusCode, Stored: stored}
}

func (d *Downloader) observe(outcome crawler.DownloadOutcome) {
	switch {
	case outcome.Stored != nil:
		metrics.ObserveDownload(metrics.DownloadStored, outcome.Stored.Size)
	case outcome.Duplicate:
		metrics.ObserveDownload(metrics.DownloadDuplicate, 0)
	case outcome.StatusCode == crawler.StatusTimedOut:
		metrics.ObserveDownload(metrics.DownloadTimeout, 0)
	case outcome.StatusCode != 0 && outcome.StatusCode != http.StatusOK:
		metrics.ObserveDownload(metrics.DownloadStatus, 0)
	default:
		metrics.ObserveDownload(metrics.DownloadError, 0)
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time {
	return time.Now().UTC()
}
