package download

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
)

const defaultConcurrency = 8

// ImageDownloader downloads one image.
type ImageDownloader interface {
	Download(ctx context.Context, url string) crawler.DownloadOutcome
}

// PoolConfig controls a Pool.
type PoolConfig struct {
	Concurrency int
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Coalesced  int64 `json:"coalesced"`
	Stored     int64 `json:"stored"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
	InFlight   int   `json:"in_flight"`
}

// Pool runs image downloads in the background with bounded concurrency.
// Downloads run under the pool's own context, not the context of the page that
// submitted them, so they outlive the page that found them.
type Pool struct {
	ctx        context.Context
	downloader ImageDownloader
	sem        *semaphore.Weighted
	logger     *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	draining bool
	wg       sync.WaitGroup

	submitted  atomic.Int64
	coalesced  atomic.Int64
	stored     atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64

	onOutcome func(crawler.DownloadOutcome)
}

// NewPool builds a Pool whose downloads run under ctx.
func NewPool(ctx context.Context, downloader ImageDownloader, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		ctx:        ctx,
		downloader: downloader,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:     logger,
		inFlight:   make(map[string]struct{}),
	}
}

// Submit schedules task and returns immediately. It reports false when the
// URL is empty, already downloading, or the pool is draining.
func (p *Pool) Submit(task crawler.ImageTask) bool {
	if task.URL == "" {
		return false
	}
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		p.logger.Warn("image submitted after drain started", zap.String("url", task.URL))
		return false
	}
	if _, ok := p.inFlight[task.URL]; ok {
		p.mu.Unlock()
		p.coalesced.Add(1)
		p.logger.Debug("image already downloading", zap.String("url", task.URL))
		return false
	}
	p.inFlight[task.URL] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	p.submitted.Add(1)
	go p.run(task)
	return true
}

func (p *Pool) run(task crawler.ImageTask) {
	defer p.wg.Done()
	defer p.release(task.URL)

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.failed.Add(1)
		p.logger.Warn("image download abandoned",
			zap.String("url", task.URL), zap.String("page", task.Page), zap.Error(err))
		return
	}
	defer p.sem.Release(1)

	metrics.IncDownloadsInFlight()
	outcome := p.downloader.Download(p.ctx, task.URL)
	metrics.DecDownloadsInFlight()

	switch {
	case outcome.Stored != nil:
		p.stored.Add(1)
	case outcome.Duplicate:
		p.duplicates.Add(1)
	default:
		p.failed.Add(1)
	}
	if p.onOutcome != nil {
		p.onOutcome(outcome)
	}
}

func (p *Pool) release(url string) {
	p.mu.Lock()
	delete(p.inFlight, url)
	p.mu.Unlock()
}

// InFlight reports how many downloads are queued or running.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Coalesced:  p.coalesced.Load(),
		Stored:     p.stored.Load(),
		Duplicates: p.duplicates.Load(),
		Failed:     p.failed.Load(),
		InFlight:   p.InFlight(),
	}
}

// Drain stops accepting submissions and waits for every download to finish
// or for ctx to end.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	pending := len(p.inFlight)
	p.mu.Unlock()
	p.logger.Info("draining image downloads", zap.Int("pending", pending))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain downloads (%d still running): %w", p.InFlight(), ctx.Err())
	}
}
