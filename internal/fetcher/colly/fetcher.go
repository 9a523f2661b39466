// Package collyfetcher implements dataset.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/dataset"
	"github.com/JakeFAU/datagetter/internal/metrics"
	"github.com/JakeFAU/datagetter/internal/retry"
)

// DefaultUserAgent identifies the getter to publishers.
const DefaultUserAgent = "datagetter (https://github.com/ThreeSixtyGiving/datagetter)"

// rawContentTypeHeader carries the server's Content-Type past colly, which transcodes bodies
// declaring a non-UTF-8 charset and gunzips bodies whose type mentions gzip.
const rawContentTypeHeader = "X-Datagetter-Content-Type"

// DefaultRetryStatuses are the gateway errors worth another attempt.
var DefaultRetryStatuses = []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	Retry         retry.Config
	RetryStatuses []int
}

// Waiter delays a request, typically to honour a per-host rate limit.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements dataset.Fetcher using one Colly collector per run. Every fetch clones the
// base collector, so all requests share its HTTP client and connection pool.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       Waiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = DefaultRetryStatuses
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(0),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
	)
	c.WithTransport(rawBodyTransport{base: newHTTPTransport()})
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger,
	}
}

// Fetch executes a GET, retrying gateway errors and transport timeouts. Any other non-2xx
// answer is returned as *dataset.HTTPError.
func (f *Fetcher) Fetch(ctx context.Context, request dataset.FetchRequest) (dataset.FetchResponse, error) {
	var resp dataset.FetchResponse
	err := retry.Do(ctx, f.cfg.Retry, func(attempt int) error {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, request.URL); err != nil {
				return retry.NonRetryable(err)
			}
		}
		result, err := f.fetchOnce(ctx, request)
		metrics.ObserveFetch(request.URL, result.StatusCode, len(result.Body), result.Duration)
		if err != nil {
			if !isTimeout(err) || ctx.Err() != nil {
				return retry.NonRetryable(err)
			}
			f.logger.Debug("fetch timed out, retrying",
				zap.String("url", request.URL), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if result.StatusCode < 200 || result.StatusCode > 299 {
			httpErr := &dataset.HTTPError{URL: request.URL, StatusCode: result.StatusCode}
			if !slices.Contains(f.cfg.RetryStatuses, result.StatusCode) {
				return retry.NonRetryable(httpErr)
			}
			f.logger.Debug("gateway error, retrying",
				zap.String("url", request.URL), zap.Int("attempt", attempt), zap.Int("status", result.StatusCode))
			return httpErr
		}
		resp = result
		return nil
	})
	if err != nil {
		return dataset.FetchResponse{}, err
	}
	return resp, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, request dataset.FetchRequest) (dataset.FetchResponse, error) {
	var (
		result   dataset.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return dataset.FetchResponse{Duration: time.Since(start)}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request dataset.FetchRequest,
	start time.Time,
	result *dataset.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request dataset.FetchRequest,
	start time.Time,
	result *dataset.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = dataset.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    restoreContentType(r.Headers),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request dataset.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
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
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}

// rawBodyTransport hides Content-Type from colly so response bodies reach OnResponse unchanged.
type rawBodyTransport struct {
	base http.RoundTripper
}

func (t rawBodyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		resp.Header.Set(rawContentTypeHeader, ct)
		resp.Header.Del("Content-Type")
	}
	return resp, nil
}

func restoreContentType(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	out := h.Clone()
	if ct := out.Get(rawContentTypeHeader); ct != "" {
		out.Set("Content-Type", ct)
		out.Del(rawContentTypeHeader)
	}
	return out
}
