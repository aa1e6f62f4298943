// Package collyfetcher downloads result documents with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements scraper.DocumentFetcher using the Colly collector.
type Fetcher struct {
	cfg Config
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 32 << 20
	}
	return &Fetcher{cfg: cfg}
}

// Download fetches url through proxy. An empty proxy connects directly.
func (f *Fetcher) Download(ctx context.Context, rawURL string, proxy string) (scraper.Document, error) {
	transport, err := newHTTPTransport(proxy)
	if err != nil {
		return scraper.Document{}, err
	}
	defer transport.CloseIdleConnections()

	var (
		doc      scraper.Document
		fetchErr error
	)
	collector := f.buildCollector(transport)
	configureCollectorHooks(collector, &doc, &fetchErr)

	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return scraper.Document{}, err
	}
	if len(doc.Body) == 0 {
		return scraper.Document{}, fmt.Errorf("download %s: empty body", rawURL)
	}
	return doc, nil
}

// buildCollector returns a fresh collector per download; Clone would share the transport and
// with it the previous attempt's proxy.
func (f *Fetcher) buildCollector(transport http.RoundTripper) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(f.cfg.MaxBodySize),
	)
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.WithTransport(transport)
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, doc *scraper.Document, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*doc = scraper.Document{
			URL:         r.Request.URL.String(),
			ContentType: contentType,
			Body:        append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly download canceled: %w", ctx.Err())
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

func newHTTPTransport(proxy string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("parse proxy %q: invalid address", proxy)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport, nil
}
