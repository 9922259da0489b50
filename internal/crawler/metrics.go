package crawler

import (
	"time"

	"github.com/maltedev/shop-scraper/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer, which records nothing.
type Metrics struct {
	PagesFetched     *prometheus.CounterVec
	FetchFailures    *prometheus.CounterVec
	ExtractionMisses *prometheus.CounterVec
	RecordsSaved     *prometheus.CounterVec
	Duplicates       *prometheus.CounterVec
	LinksEnqueued    *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
}

// NewMetrics registers the crawl collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shop_scraper_pages_fetched_total",
			Help: "Pages fetched successfully.",
		}, []string{"site"}),
		FetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shop_scraper_fetch_failures_total",
			Help: "Page fetches that failed and were skipped.",
		}, []string{"site"}),
		ExtractionMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shop_scraper_extraction_misses_total",
			Help: "Product pages or cards without a title or price.",
		}, []string{"site"}),
		RecordsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shop_scraper_records_saved_total",
			Help: "Records counted against the quota.",
		}, []string{"site"}),
		Duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shop_scraper_duplicates_total",
			Help: "Records merged or dropped by title dedup.",
		}, []string{"site"}),
		LinksEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shop_scraper_links_enqueued_total",
			Help: "Product links added to the frontier.",
		}, []string{"site"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shop_scraper_fetch_duration_seconds",
			Help:    "Duration of page fetches.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"site"}),
	}
}

func (m *Metrics) observeFetch(site models.SiteID, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(string(site)).Observe(d.Seconds())
	if err != nil {
		m.FetchFailures.WithLabelValues(string(site)).Inc()
		return
	}
	m.PagesFetched.WithLabelValues(string(site)).Inc()
}

func (m *Metrics) observeOutcome(site models.SiteID, outcome Outcome) {
	if m == nil {
		return
	}
	switch outcome {
	case OutcomeSaved:
		m.RecordsSaved.WithLabelValues(string(site)).Inc()
	case OutcomeDuplicate:
		m.Duplicates.WithLabelValues(string(site)).Inc()
	case OutcomeMiss:
		m.ExtractionMisses.WithLabelValues(string(site)).Inc()
	}
}

func (m *Metrics) observeEnqueued(site models.SiteID, n int) {
	if m == nil || n == 0 {
		return
	}
	m.LinksEnqueued.WithLabelValues(string(site)).Add(float64(n))
}
