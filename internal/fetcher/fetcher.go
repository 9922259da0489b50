package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"github.com/maltedev/shop-scraper/internal/ratelimit"
	"golang.org/x/net/html/charset"
)

var (
	ErrFetchFailed  = errors.New("fetch failed")
	ErrRateLimited  = errors.New("rate limited")
	ErrBodyTooLarge = errors.New("response body too large")
)

// Fetcher loads a page for the crawler.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

func (p *Page) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	RetryAfter string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status code %d", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return ErrFetchFailed
}

type Options struct {
	UserAgent      string
	AcceptLanguage string
	Headers        map[string]string
	Timeout        time.Duration
	MaxBodyBytes   int64
	MaxRetries     int
	RetryDelay     time.Duration
	RateLimiter    ratelimit.RateLimiter
	Logger         *slog.Logger
}

type HTTPFetcher struct {
	client         *http.Client
	userAgent      string
	acceptLanguage string
	extraHeaders   map[string]string
	maxBodyBytes   int64
	maxRetries     int
	retryDelay     time.Duration
	limiter        ratelimit.RateLimiter
	logger         *slog.Logger
}

func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.AcceptLanguage == "" {
		opts.AcceptLanguage = "en-IN,en;q=0.9"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent:      opts.UserAgent,
		acceptLanguage: opts.AcceptLanguage,
		extraHeaders:   headers,
		maxBodyBytes:   opts.MaxBodyBytes,
		maxRetries:     opts.MaxRetries,
		retryDelay:     opts.RetryDelay,
		limiter:        opts.RateLimiter,
		logger:         opts.Logger.With("component", "fetcher"),
	}
}

// Fetch downloads rawURL, retrying network errors and 5xx responses up to
// MaxRetries times. 4xx responses are returned immediately.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Debug("retrying fetch", "url", rawURL, "attempt", attempt+1)
			timer := time.NewTimer(time.Duration(attempt) * f.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		page, err := f.fetchOnce(ctx, rawURL)
		f.recordOutcome(err)
		if err == nil {
			return page, nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}

	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string) (*Page, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", f.acceptLanguage)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Page{
		URL:         rawURL,
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   time.Now(),
	}, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrFetchFailed, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}

	return toUTF8(body, resp.Header.Get("Content-Type"))
}

func (f *HTTPFetcher) recordOutcome(err error) {
	feedback, ok := f.limiter.(ratelimit.Feedback)
	if !ok {
		return
	}
	switch {
	case err == nil:
		feedback.RecordSuccess()
	case errors.Is(err, ErrRateLimited):
		feedback.RecordError()
	}
}

func toUTF8(body []byte, contentType string) ([]byte, error) {
	encoding, name, _ := charset.DetermineEncoding(body, contentType)
	if strings.EqualFold(name, "utf-8") {
		return body, nil
	}

	converted, err := io.ReadAll(encoding.NewDecoder().Reader(bytes.NewReader(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s body to UTF-8: %w", name, err)
	}
	return converted, nil
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return errors.Is(err, ErrFetchFailed)
}
