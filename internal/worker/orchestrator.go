// Package worker implements the lifecycle of one crawled page: fetch it,
// queue its images, then crawl its albums and pagination in order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
)

// Progress is a snapshot of orchestrator counters for the current process.
type Progress struct {
	PagesSucceeded int64 `json:"pages_succeeded"`
	PagesFailed    int64 `json:"pages_failed"`
	ImagesQueued   int64 `json:"images_queued"`
	AlbumsFound    int64 `json:"albums_found"`
	PagesFollowed  int64 `json:"pagination_followed"`
	DispatchFailed int64 `json:"dispatch_failed"`
}

// Orchestrator processes page tasks. It implements dispatcher.Handler.
type Orchestrator struct {
	fetcher    crawler.PageFetcher
	adapter    crawler.PageAdapter
	images     crawler.ImageSubmitter
	dispatcher crawler.Dispatcher
	logger     *zap.Logger

	pagesSucceeded atomic.Int64
	pagesFailed    atomic.Int64
	imagesQueued   atomic.Int64
	albumsFound    atomic.Int64
	pagesFollowed  atomic.Int64
	dispatchFailed atomic.Int64
}

// New constructs an Orchestrator.
func New(
	fetcher crawler.PageFetcher,
	adapter crawler.PageAdapter,
	images crawler.ImageSubmitter,
	dispatcher crawler.Dispatcher,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fetcher:    fetcher,
		adapter:    adapter,
		images:     images,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Process crawls task. Images are handed off without waiting. Albums are
// then dispatched one at a time, and only the first page of a listing
// dispatches its pagination links, after every album has finished.
// Only a failed fetch (or cancellation) is returned as an error.
func (o *Orchestrator) Process(ctx context.Context, task crawler.PageTask) error {
	logger := o.logger.With(zap.String("url", task.URL), zap.String("kind", string(task.Kind)))
	if task.Parent != "" {
		logger = logger.With(zap.String("parent", task.Parent))
	}

	page, err := o.fetcher.Fetch(ctx, task.URL)
	if err != nil {
		o.pagesFailed.Add(1)
		var netErr *crawler.NetworkError
		status := 0
		if errors.As(err, &netErr) {
			status = netErr.StatusCode
		}
		metrics.ObservePage(task.URL, string(task.Kind), status, 0)
		logger.Error("page fetch failed", zap.Error(err))
		return fmt.Errorf("process %s: %w", task.URL, err)
	}
	o.pagesSucceeded.Add(1)
	metrics.ObservePage(task.URL, string(task.Kind), page.StatusCode, page.Duration)

	extraction := o.adapter.Extract(page)
	logger.Info("page extracted",
		zap.Int("images", len(extraction.Images)),
		zap.Int("albums", len(extraction.Albums)),
		zap.Int("pagination_links", len(extraction.PaginationLinks)),
		zap.Int("current_page", extraction.CurrentPage),
		zap.Bool("has_current_page", extraction.HasCurrentPage),
		zap.Duration("fetch_duration", page.Duration),
	)

	for _, img := range extraction.Images {
		if o.images.Submit(crawler.ImageTask{URL: img, Page: task.URL}) {
			o.imagesQueued.Add(1)
		}
	}

	for _, album := range extraction.Albums {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("process %s: %w", task.URL, err)
		}
		o.albumsFound.Add(1)
		o.dispatch(ctx, logger, crawler.PageTask{URL: album, Parent: task.URL, Kind: crawler.TaskKindAlbum})
	}

	if !extraction.IsFirstPage() {
		return nil
	}
	for _, link := range extraction.PaginationLinks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("process %s: %w", task.URL, err)
		}
		next := o.adapter.Normalize(link)
		o.pagesFollowed.Add(1)
		o.dispatch(ctx, logger, crawler.PageTask{URL: next, Parent: task.URL, Kind: crawler.TaskKindPagination})
	}
	return nil
}

// dispatch runs a child task and waits. Failures are logged and swallowed so
// the page moves on to its next link.
func (o *Orchestrator) dispatch(ctx context.Context, logger *zap.Logger, task crawler.PageTask) {
	out, err := o.dispatcher.Dispatch(ctx, task)
	switch {
	case err != nil:
		o.dispatchFailed.Add(1)
		logger.Warn("dispatch failed", zap.String("child", task.URL), zap.Error(err))
	case out.Skipped:
		logger.Debug("child already crawled", zap.String("child", task.URL))
	case out.ExitStatus != crawler.ExitSuccess:
		o.dispatchFailed.Add(1)
		logger.Warn("child worker failed",
			zap.String("child", task.URL),
			zap.Int("exit_status", out.ExitStatus),
			zap.Error(out.Err),
		)
	}
}

// Progress returns a snapshot of the counters.
func (o *Orchestrator) Progress() Progress {
	return Progress{
		PagesSucceeded: o.pagesSucceeded.Load(),
		PagesFailed:    o.pagesFailed.Load(),
		ImagesQueued:   o.imagesQueued.Load(),
		AlbumsFound:    o.albumsFound.Load(),
		PagesFollowed:  o.pagesFollowed.Load(),
		DispatchFailed: o.dispatchFailed.Load(),
	}
}
