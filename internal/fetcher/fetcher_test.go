package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(opts Options) *HTTPFetcher {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	return NewHTTPFetcher(opts)
}

func TestHTTPFetcherFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "shop-scraper-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "en-IN,en;q=0.9", r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Phone A</title></head><body><h1>Phone A</h1></body></html>`))
	}))
	defer server.Close()

	f := newTestFetcher(Options{UserAgent: "shop-scraper-test"})
	page, err := f.Fetch(context.Background(), server.URL+"/p/1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, server.URL+"/p/1", page.URL)
	assert.Equal(t, server.URL+"/p/1", page.FinalURL)
	assert.False(t, page.FetchedAt.IsZero())

	doc, err := page.Document()
	require.NoError(t, err)
	assert.Equal(t, "Phone A", doc.Find("h1").Text())
}

func TestHTTPFetcherStatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		maxRetries int
		wantHits   int32
		wantErr    error
	}{
		{"not found is not retried", http.StatusNotFound, 2, 1, ErrFetchFailed},
		{"too many requests", http.StatusTooManyRequests, 2, 1, ErrRateLimited},
		{"server error retried", http.StatusServiceUnavailable, 2, 3, ErrFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			f := newTestFetcher(Options{MaxRetries: tt.maxRetries})
			_, err := f.Fetch(context.Background(), server.URL)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.wantHits, hits.Load())
		})
	}
}

func TestHTTPFetcherRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`<h1>ok</h1>`))
	}))
	defer server.Close()

	f := newTestFetcher(Options{MaxRetries: 1})
	page, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "<h1>ok</h1>", string(page.Body))
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPFetcherDecodesContentEncoding(t *testing.T) {
	const body = `<html><body><div>₹9,999</div></body></html>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		switch r.URL.Path {
		case "/gzip":
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(&buf)
			zw.Write([]byte(body))
			zw.Close()
		case "/br":
			w.Header().Set("Content-Encoding", "br")
			bw := brotli.NewWriter(&buf)
			bw.Write([]byte(body))
			bw.Close()
		default:
			buf.WriteString(body)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	f := newTestFetcher(Options{})
	for _, path := range []string{"/gzip", "/br", "/plain"} {
		t.Run(path, func(t *testing.T) {
			page, err := f.Fetch(context.Background(), server.URL+path)
			require.NoError(t, err)
			assert.Equal(t, body, string(page.Body))
		})
	}
}

func TestHTTPFetcherConvertsCharset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte("<h1>caf\xe9</h1>"))
	}))
	defer server.Close()

	page, err := newTestFetcher(Options{}).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "<h1>café</h1>", string(page.Body))
}

func TestHTTPFetcherBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	_, err := newTestFetcher(Options{MaxBodyBytes: 10, MaxRetries: 3}).Fetch(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestHTTPFetcherTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	start := time.Now()
	_, err := newTestFetcher(Options{Timeout: 50 * time.Millisecond}).Fetch(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}
