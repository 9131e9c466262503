package collyfetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
)

// ImageFetcher implements crawler.ImageFetcher. Bodies are returned exactly as
// received; non-success statuses are reported in the response, not as errors.
type ImageFetcher struct {
	baseCollector *colly.Collector
	maxBodySize   int
}

// NewImageFetcher builds an ImageFetcher.
func NewImageFetcher(cfg Config) *ImageFetcher {
	c := newBaseCollector(cfg)
	c.DetectCharset = false
	c.ParseHTTPErrorResponse = true
	return &ImageFetcher{baseCollector: c, maxBodySize: cfg.MaxBodySize}
}

// FetchImage GETs url and returns its raw bytes. Cancellation and deadline
// errors from ctx are returned wrapped so callers can tell them apart.
func (f *ImageFetcher) FetchImage(ctx context.Context, url string) (crawler.ImageResponse, error) {
	var (
		result   crawler.ImageResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.DetectCharset = false
	collector.ParseHTTPErrorResponse = true

	collector.OnResponse(func(r *colly.Response) {
		if err := checkBodySize(f.maxBodySize, r.Body); err != nil {
			fetchErr = err
			return
		}
		result = crawler.ImageResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := runCollector(ctx, collector, url, &fetchErr, 0, nil); err != nil {
		return crawler.ImageResponse{}, fmt.Errorf("fetch image %s: %w", url, err)
	}
	result.Duration = time.Since(start)
	return result, nil
}
