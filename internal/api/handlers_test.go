package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/maltedev/shop-scraper/internal/crawler"
	"github.com/maltedev/shop-scraper/internal/models"
	"github.com/maltedev/shop-scraper/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRun struct {
	progress crawler.RunProgress
	records  []models.ProductRecord
}

func (f fakeRun) Progress() crawler.RunProgress   { return f.progress }
func (f fakeRun) Records() []models.ProductRecord { return f.records }

type fakeOutbox struct {
	pending, dead int64
	err           error
}

func (f fakeOutbox) PendingCount(context.Context) (int64, error)    { return f.pending, f.err }
func (f fakeOutbox) DeadLetterCount(context.Context) (int64, error) { return f.dead, f.err }

func newTestRouter(run RunSource, outbox OutboxStatus) http.Handler {
	return newReportRouter(run, outbox, nil)
}

func newReportRouter(run RunSource, outbox OutboxStatus, report ReportSource) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	crawler.NewMetrics(reg)
	return NewRouter(NewHandlers(run, outbox, report, logger), reg)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

var testRecords = []models.ProductRecord{
	{Site: models.SiteFlipkart, Title: "Phone A", Price: "₹9,999", URL: "https://www.flipkart.com/a/p/1"},
	{Site: models.SiteFlipkart, Title: "Phone B", Price: "₹14,500", URL: "https://www.flipkart.com/b/p/2"},
	{Site: models.SiteAmazon, Title: "Phone C", Price: "₹21,000", URL: "https://www.amazon.in/c/dp/3"},
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		outbox     OutboxStatus
		wantStatus int
		wantState  string
	}{
		{"without outbox", nil, http.StatusOK, "ok"},
		{"healthy outbox", fakeOutbox{pending: 3}, http.StatusOK, "ok"},
		{"pending backlog", fakeOutbox{pending: 1001}, http.StatusOK, "warning"},
		{"dead letters", fakeOutbox{dead: 101}, http.StatusServiceUnavailable, "error"},
		{"count failure", fakeOutbox{err: errors.New("db down")}, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, newTestRouter(fakeRun{}, tt.outbox), "/health")
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantState, resp.Status)
		})
	}
}

func TestGetRun(t *testing.T) {
	run := fakeRun{progress: crawler.RunProgress{
		RunID: "run-1",
		Query: "mobile",
		Sites: []crawler.Progress{
			{Site: models.SiteFlipkart, State: "stopped", Saved: 2, Target: 2},
			{Site: models.SiteAmazon, State: "pending", Target: 2},
		},
	}}

	rr := get(t, newTestRouter(run, nil), "/api/v1/run")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp crawler.RunProgress
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, run.progress, resp)
}

func TestListRecords(t *testing.T) {
	h := newTestRouter(fakeRun{records: testRecords}, nil)

	tests := []struct {
		path   string
		titles []string
	}{
		{"/api/v1/records", []string{"Phone A", "Phone B", "Phone C"}},
		{"/api/v1/records?site=amazon", []string{"Phone C"}},
		{"/api/v1/records?limit=2", []string{"Phone A", "Phone B"}},
		{"/api/v1/records?site=Flipkart&limit=1", []string{"Phone A"}},
		{"/api/v1/records?site=myntra", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := get(t, h, tt.path)
			require.Equal(t, http.StatusOK, rr.Code)

			var resp RecordsResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, len(tt.titles), resp.Count)

			titles := make([]string, 0, len(resp.Records))
			for _, rec := range resp.Records {
				titles = append(titles, rec.Title)
			}
			assert.Equal(t, tt.titles, titles)
		})
	}

	rr := get(t, h, "/api/v1/records?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEmptyRecordsEncodeAsArray(t *testing.T) {
	rr := get(t, newTestRouter(fakeRun{}, nil), "/api/v1/records")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"count":0,"records":[]}`, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	rr := get(t, newTestRouter(fakeRun{}, nil), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "shop_scraper_fetch_duration_seconds")
}

func TestReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	rs, err := storage.NewReportStore(path, "run-1", "mobile", "products.csv")
	require.NoError(t, err)
	require.NoError(t, rs.Update(storage.SiteReport{Site: "Flipkart", State: "stopped", Saved: 2, Target: 2}))
	require.NoError(t, rs.Update(storage.SiteReport{Site: "Amazon", State: "failed", Error: "browser executable not found"}))

	h := newReportRouter(fakeRun{}, nil, rs)

	t.Run("summary", func(t *testing.T) {
		rr := get(t, h, "/api/v1/report")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp ReportResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, ReportResponse{
			Path:  path,
			Stats: map[string]int{"stopped": 1, "failed": 1, "total": 2},
			Sites: []string{"Amazon", "Flipkart"},
		}, resp)
	})

	t.Run("one site", func(t *testing.T) {
		rr := get(t, h, "/api/v1/report/Amazon")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp storage.SiteReport
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "failed", resp.State)
		assert.Equal(t, "browser executable not found", resp.Error)
	})

	t.Run("unknown site", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(t, h, "/api/v1/report/Myntra").Code)
	})
}

func TestReportDisabled(t *testing.T) {
	h := newTestRouter(fakeRun{}, nil)
	for _, path := range []string{"/api/v1/report", "/api/v1/report/Flipkart"} {
		assert.Equal(t, http.StatusNotFound, get(t, h, path).Code, path)
	}
}
