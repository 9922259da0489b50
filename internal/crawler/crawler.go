package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/maltedev/shop-scraper/internal/fetcher"
	"github.com/maltedev/shop-scraper/internal/models"
	"github.com/maltedev/shop-scraper/internal/parser"
	"github.com/maltedev/shop-scraper/internal/queue"
	"github.com/maltedev/shop-scraper/internal/sink"
	"github.com/maltedev/shop-scraper/internal/site"
)

// ErrSeedFailed means a site crawl could not start. It is the only failure
// that ends a site crawl before any page is fetched.
var ErrSeedFailed = errors.New("failed to seed crawl")

// ExtractionMiss reports a product page or card without a required field.
type ExtractionMiss struct {
	URL     string
	Missing []string
}

func (e *ExtractionMiss) Error() string {
	return fmt.Sprintf("extraction miss for %s: missing %s", e.URL, strings.Join(e.Missing, ", "))
}

// Publisher receives every saved record after the quota lock is released.
type Publisher interface {
	Publish(ctx context.Context, runID uuid.UUID, rec models.ProductRecord) error
}

// CardSource reads result cards from a rendered listing page, evaluating the
// layout in the page itself. At most limit cards are returned, in page order.
type CardSource interface {
	ReadCards(ctx context.Context, rawURL string, layout site.CardLayout, limit int) ([]site.RawCard, error)
}

// Config wires one site crawl. Adapters implementing site.CardReader need
// Cards; every other adapter needs Fetcher.
type Config struct {
	RunID          uuid.UUID
	Adapter        site.Adapter
	Fetcher        fetcher.Fetcher
	Cards          CardSource
	Extractor      parser.Extractor
	Frontier       queue.Frontier
	Sink           *sink.ResultSink
	OnSave         SaveFunc
	Publishers     []Publisher
	Metrics        *Metrics
	Logger         *slog.Logger
	Target         int
	Concurrency    int
	MaxRequests    int
	FetchTimeout   time.Duration
	HandlerTimeout time.Duration
}

// Stats counts what happened during a site crawl. Fields are updated by
// concurrent handlers.
type Stats struct {
	PagesRequested   atomic.Int64
	PagesFetched     atomic.Int64
	FetchFailures    atomic.Int64
	ExtractionMisses atomic.Int64
	Duplicates       atomic.Int64
	LinksEnqueued    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	PagesRequested   int64 `json:"pages_requested"`
	PagesFetched     int64 `json:"pages_fetched"`
	FetchFailures    int64 `json:"fetch_failures"`
	ExtractionMisses int64 `json:"extraction_misses"`
	Duplicates       int64 `json:"duplicates"`
	LinksEnqueued    int64 `json:"links_enqueued"`
}

// Snapshot reads every counter once.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PagesRequested:   s.PagesRequested.Load(),
		PagesFetched:     s.PagesFetched.Load(),
		FetchFailures:    s.FetchFailures.Load(),
		ExtractionMisses: s.ExtractionMisses.Load(),
		Duplicates:       s.Duplicates.Load(),
		LinksEnqueued:    s.LinksEnqueued.Load(),
	}
}

// Result is what a finished site crawl returns.
type Result struct {
	Site    models.SiteID
	Target  int
	Saved   int
	Records []models.ProductRecord
	Stats   StatsSnapshot
}

// Progress describes a site crawl that may still be running.
type Progress struct {
	Site     models.SiteID `json:"site"`
	State    string        `json:"state"`
	Saved    int           `json:"saved"`
	Target   int           `json:"target"`
	Frontier int           `json:"frontier"`
	Stats    StatsSnapshot `json:"stats"`
}

// Crawler runs one site crawl until its quota is met or it runs out of work.
type Crawler struct {
	cfg      Config
	site     models.SiteID
	frontier queue.Frontier
	sink     *sink.ResultSink
	quota    *Quota
	stats    Stats
	logger   *slog.Logger
}

// New applies defaults for everything but the adapter and its collaborators.
func New(cfg Config) *Crawler {
	if cfg.Extractor == nil {
		cfg.Extractor = parser.NewFieldExtractor()
	}
	if cfg.Frontier == nil {
		cfg.Frontier = queue.NewInMemoryFrontier()
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.New(sink.Options{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 60 * time.Second
	}

	return &Crawler{
		cfg:      cfg,
		site:     cfg.Adapter.ID(),
		frontier: cfg.Frontier,
		sink:     cfg.Sink,
		quota:    NewQuota(cfg.Target, cfg.Sink, cfg.OnSave),
		logger:   cfg.Logger.With("component", "crawler", "site", string(cfg.Adapter.ID())),
	}
}

// Run seeds the frontier with the search URL for query and crawls until the
// quota drains, the frontier runs dry, the request budget is spent or ctx is
// done. Only a failed seed is returned as an error, wrapping ErrSeedFailed.
func (c *Crawler) Run(ctx context.Context, query string) (*Result, error) {
	if err := c.checkCollaborators(); err != nil {
		return nil, err
	}

	seed := c.cfg.Adapter.BuildSearchURL(query)
	if _, err := url.ParseRequestURI(seed); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSeedFailed, seed, err)
	}

	added, err := c.frontier.Push(queue.NewEntry(seed, models.LabelListing))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSeedFailed, seed, err)
	}
	if !added {
		return nil, fmt.Errorf("%w: %s already visited", ErrSeedFailed, seed)
	}

	c.quota.OnDrain(func() {
		c.logger.Info("quota reached, draining", "target", c.quota.Target())
		c.frontier.Close()
	})

	c.logger.Info("starting crawl", "query", query, "seed", seed, "target", c.quota.Target())

	c.dispatch(ctx)
	c.quota.Stop()
	c.frontier.Close()

	res := &Result{
		Site:    c.site,
		Target:  c.quota.Target(),
		Saved:   c.quota.Saved(),
		Records: c.sink.ExportAll(),
		Stats:   c.stats.Snapshot(),
	}

	c.logger.Info("crawl finished",
		"saved", res.Saved,
		"target", res.Target,
		"pages_fetched", res.Stats.PagesFetched,
		"fetch_failures", res.Stats.FetchFailures,
		"extraction_misses", res.Stats.ExtractionMisses)

	return res, nil
}

func (c *Crawler) checkCollaborators() error {
	if _, ok := c.cfg.Adapter.(site.CardReader); ok {
		if c.cfg.Cards == nil {
			return fmt.Errorf("%w: %s reads result cards but has no card source", ErrSeedFailed, c.site)
		}
		return nil
	}
	if c.cfg.Fetcher == nil {
		return fmt.Errorf("%w: %s has no fetcher", ErrSeedFailed, c.site)
	}
	return nil
}

// dispatch hands frontier entries to the pool until there is nothing left to
// do, then waits for in-flight handlers.
func (c *Crawler) dispatch(ctx context.Context) {
	pool := NewPool(ctx, c.cfg.Concurrency)
	defer pool.Close()

	// Each handler sends exactly once and at most Concurrency are unreaped.
	done := make(chan struct{}, c.cfg.Concurrency)
	inflight := 0
	requests := 0

	wait := func() bool {
		select {
		case <-done:
			inflight--
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if ctx.Err() != nil || c.quota.State() != StateRunning {
			return
		}
		if c.cfg.MaxRequests > 0 && requests >= c.cfg.MaxRequests {
			c.logger.Info("request budget exhausted", "max_requests", c.cfg.MaxRequests)
			return
		}

		entry, err := c.frontier.Pop()
		if errors.Is(err, queue.ErrQueueEmpty) {
			if inflight == 0 {
				return
			}
			if !wait() {
				return
			}
			continue
		}
		if err != nil {
			return
		}

		if inflight >= c.cfg.Concurrency && !wait() {
			return
		}

		inflight++
		requests++
		err = pool.Submit(ctx, func(taskCtx context.Context) {
			defer func() { done <- struct{}{} }()
			c.handle(taskCtx, entry)
		})
		if err != nil {
			inflight--
			return
		}
	}
}

func (c *Crawler) handle(ctx context.Context, entry *queue.Entry) {
	if c.quota.State() != StateRunning {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	label := c.cfg.Adapter.Classify(entry.URL)
	if label == models.LabelUnknown {
		label = entry.Label
	}

	if reader, isReader := c.cfg.Adapter.(site.CardReader); isReader {
		if label == models.LabelListing {
			c.readCards(ctx, reader, entry)
		}
		return
	}

	doc, fetchedAt, ok := c.fetch(ctx, entry.URL)
	if !ok {
		return
	}

	switch label {
	case models.LabelListing:
		c.enqueueProducts(entry, doc)
	case models.LabelProduct:
		c.extractProduct(ctx, entry.URL, doc, fetchedAt)
	}
}

func (c *Crawler) fetch(ctx context.Context, rawURL string) (*goquery.Document, time.Time, bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	c.stats.PagesRequested.Add(1)
	start := time.Now()
	page, err := c.cfg.Fetcher.Fetch(fetchCtx, rawURL)
	c.cfg.Metrics.observeFetch(c.site, time.Since(start), err)
	if err != nil {
		c.requestFailed(rawURL, err)
		return nil, time.Time{}, false
	}

	doc, err := page.Document()
	if err != nil {
		c.stats.FetchFailures.Add(1)
		c.logger.Warn("request failed", "url", rawURL, "status", page.StatusCode, "error", err)
		return nil, time.Time{}, false
	}

	c.stats.PagesFetched.Add(1)
	return doc, page.FetchedAt, true
}

func (c *Crawler) requestFailed(rawURL string, err error) {
	c.stats.FetchFailures.Add(1)
	status := 0
	var statusErr *fetcher.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.StatusCode
	}
	c.logger.Warn("request failed", "url", rawURL, "status", status, "error", err)
}

// enqueueProducts pushes unseen product links, capped to what the quota
// still needs.
func (c *Crawler) enqueueProducts(entry *queue.Entry, doc *goquery.Document) {
	found := site.ProductLinks(c.cfg.Adapter, doc)

	links := make([]string, 0, len(found))
	for _, link := range found {
		if !c.frontier.Seen(link) {
			links = append(links, link)
		}
	}

	if budget := c.quota.LinkBudget(); len(links) > budget {
		links = links[:budget]
	}
	if len(links) == 0 {
		c.logger.Debug("no product links to enqueue", "url", entry.URL, "found", len(found))
		return
	}

	entries := make([]*queue.Entry, len(links))
	for i, link := range links {
		entries[i] = queue.NewEntry(link, models.LabelProduct)
	}

	added, err := c.frontier.PushBatch(entries)
	if err != nil {
		c.logger.Debug("frontier closed, links dropped", "url", entry.URL, "links", len(entries))
		return
	}

	c.stats.LinksEnqueued.Add(int64(added))
	c.cfg.Metrics.observeEnqueued(c.site, added)
	c.logger.Info("enqueued product links", "url", entry.URL, "found", len(found), "enqueued", added)
}

func (c *Crawler) extractProduct(ctx context.Context, pageURL string, doc *goquery.Document, fetchedAt time.Time) {
	adm, err := c.quota.Commit(func() (models.ProductRecord, error) {
		fields := c.cfg.Extractor.Extract(doc)
		if missing := fields.Missing(); len(missing) > 0 {
			return models.ProductRecord{}, &ExtractionMiss{URL: pageURL, Missing: missing}
		}
		return models.NewProductRecord(c.site, pageURL, fields, fetchedAt), nil
	})
	c.settle(ctx, pageURL, adm, err)
}

// readCards reads up to Remaining() cards off a rendered listing page and
// commits each one. Cards are sliced before they are validated, so a card
// without a price still uses up its slot on that page.
func (c *Crawler) readCards(ctx context.Context, reader site.CardReader, entry *queue.Entry) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	c.stats.PagesRequested.Add(1)
	start := time.Now()
	raw, err := c.cfg.Cards.ReadCards(fetchCtx, entry.URL, reader.CardLayout(), c.quota.Remaining())
	c.cfg.Metrics.observeFetch(c.site, time.Since(start), err)
	if err != nil {
		c.requestFailed(entry.URL, err)
		return
	}
	c.stats.PagesFetched.Add(1)
	fetchedAt := time.Now()

	c.logger.Info("read product cards", "url", entry.URL, "cards", len(raw))

	for _, r := range raw {
		card := reader.Card(r)
		cardURL := card.URL
		if cardURL == "" {
			cardURL = entry.URL
		}

		adm, err := c.quota.Commit(func() (models.ProductRecord, error) {
			if missing := card.Fields.Missing(); len(missing) > 0 {
				return models.ProductRecord{}, &ExtractionMiss{URL: cardURL, Missing: missing}
			}
			return models.NewProductRecord(c.site, cardURL, card.Fields, fetchedAt), nil
		})
		c.settle(ctx, cardURL, adm, err)

		if adm.Outcome == OutcomeQuotaReached {
			return
		}
	}
}

// settle logs an admission and forwards saved records to the publishers.
func (c *Crawler) settle(ctx context.Context, pageURL string, adm Admission, err error) {
	c.cfg.Metrics.observeOutcome(c.site, adm.Outcome)

	switch adm.Outcome {
	case OutcomeMiss:
		c.stats.ExtractionMisses.Add(1)
		var miss *ExtractionMiss
		if errors.As(err, &miss) {
			c.logger.Warn("extraction miss", "url", pageURL, "missing", miss.Missing)
		} else {
			c.logger.Warn("extraction miss", "url", pageURL, "error", err)
		}
	case OutcomeDuplicate:
		c.stats.Duplicates.Add(1)
		c.logger.Info("duplicate title", "url", pageURL, "title", adm.Record.Title)
	case OutcomeQuotaReached:
		c.logger.Debug("quota reached, record discarded", "url", pageURL)
	case OutcomeSaved:
		if adm.WriteErr != nil {
			c.logger.Error("failed to write record", "url", pageURL, "error", adm.WriteErr)
		}
		c.logger.Info("saved record", "title", adm.Record.Title, "price", adm.Record.Price, "ordinal", adm.Ordinal)
		for _, p := range c.cfg.Publishers {
			if err := p.Publish(ctx, c.cfg.RunID, adm.Record); err != nil {
				c.logger.Warn("failed to publish record", "url", pageURL, "error", err)
			}
		}
	}
}

// Progress is safe to call while Run is in progress.
func (c *Crawler) Progress() Progress {
	return Progress{
		Site:     c.site,
		State:    c.quota.State().String(),
		Saved:    c.quota.Saved(),
		Target:   c.quota.Target(),
		Frontier: c.frontier.Size(),
		Stats:    c.stats.Snapshot(),
	}
}

// Records returns what the site crawl has saved so far.
func (c *Crawler) Records() []models.ProductRecord {
	return c.sink.ExportAll()
}
