// Package collyfetcher implements the page and image fetchers using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
)

// Config controls collector behavior shared by both fetchers.
type Config struct {
	UserAgent string
	// Timeout bounds a whole request at the HTTP client. Zero disables it.
	Timeout time.Duration
	// MaxBodySize caps response bodies in bytes. A larger body fails the
	// fetch instead of being cut short. Zero means no limit.
	MaxBodySize int
}

// newBaseCollector builds the collector every fetch is cloned from. Clones
// share its HTTP backend, so client-level settings are only applied here.
func newBaseCollector(cfg Config) *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	// colly silently truncates at MaxBodySize, so read one byte past the cap
	// to tell an over-limit body from one that fits exactly.
	c.MaxBodySize = 0
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize + 1
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return c
}

func checkBodySize(limit int, body []byte) error {
	if limit > 0 && len(body) > limit {
		return fmt.Errorf("%w: more than %d bytes", crawler.ErrBodyTooLarge, limit)
	}
	return nil
}

// runCollector visits url and waits for completion, cancellation, or the
// optional watchdog ticks, which only report elapsed time.
func runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	fetchErr *error,
	watchdog time.Duration,
	onTick func(elapsed time.Duration),
) error {
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	var tick <-chan time.Time
	if watchdog > 0 && onTick != nil {
		ticker := time.NewTicker(watchdog)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		case <-tick:
			onTick(time.Since(start))
		case err := <-done:
			if *fetchErr != nil {
				return fmt.Errorf("colly response failed: %w", *fetchErr)
			}
			if err != nil {
				return fmt.Errorf("colly visit failed: %w", err)
			}
			return nil
		}
	}
}

// canonicalCharset resolves a WHATWG encoding label to the name colly hands
// to its decoder. An empty label means "use the declared or detected charset".
func canonicalCharset(label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return "", fmt.Errorf("unknown charset %q: %w", label, err)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return "", fmt.Errorf("charset %q has no canonical name: %w", label, err)
	}
	return name, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
