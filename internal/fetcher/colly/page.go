package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
)

const defaultWatchdogInterval = time.Minute

// PageConfig controls the page fetcher.
type PageConfig struct {
	Config
	// WatchdogInterval is how often a still-running fetch is logged.
	WatchdogInterval time.Duration
	// Charset forces a response encoding when the site mis-declares it.
	Charset string
}

// PageFetcher implements crawler.PageFetcher. Bodies are decoded to UTF-8
// from the declared or detected charset before parsing.
type PageFetcher struct {
	cfg           PageConfig
	charset       string
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewPageFetcher builds a PageFetcher.
func NewPageFetcher(cfg PageConfig, logger *zap.Logger) (*PageFetcher, error) {
	charset, err := canonicalCharset(cfg.Charset)
	if err != nil {
		return nil, err
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageFetcher{
		cfg:           cfg,
		charset:       charset,
		baseCollector: newBaseCollector(cfg.Config),
		logger:        logger,
	}, nil
}

type pageResult struct {
	url        string
	statusCode int
	body       []byte
}

// Fetch GETs url and parses the body into a document.
func (f *PageFetcher) Fetch(ctx context.Context, url string) (crawler.FetchedPage, error) {
	logger := f.logger.With(zap.String("url", url))
	logger.Debug("fetching page")

	var (
		result   pageResult
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.DetectCharset = f.charset == ""
	f.configureCollectorHooks(collector, &result, &fetchErr)

	err := runCollector(ctx, collector, url, &fetchErr, f.cfg.WatchdogInterval, func(elapsed time.Duration) {
		logger.Warn("page fetch still running", zap.Duration("elapsed", elapsed))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return crawler.FetchedPage{}, fmt.Errorf("fetch %s: %w", url, err)
		}
		return crawler.FetchedPage{}, &crawler.NetworkError{URL: url, StatusCode: result.statusCode, Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(result.body))
	if err != nil {
		return crawler.FetchedPage{}, fmt.Errorf("parse page %s: %w", url, err)
	}

	page := crawler.FetchedPage{
		URL:        result.url,
		StatusCode: result.statusCode,
		Doc:        doc,
		Duration:   time.Since(start),
	}
	logger.Debug("page fetch completed",
		zap.Int("status", page.StatusCode),
		zap.Int("bytes", len(result.body)),
		zap.Duration("duration", page.Duration),
	)
	return page, nil
}

func (f *PageFetcher) configureCollectorHooks(hooks collectorHooks, result *pageResult, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		if f.charset != "" {
			r.ResponseCharacterEncoding = f.charset
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		if err := checkBodySize(f.cfg.MaxBodySize, r.Body); err != nil {
			result.statusCode = r.StatusCode
			*fetchErr = err
			return
		}
		*result = pageResult{
			url:        r.Request.URL.String(),
			statusCode: r.StatusCode,
			body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.statusCode = r.StatusCode
		}
		*fetchErr = err
	})
}
