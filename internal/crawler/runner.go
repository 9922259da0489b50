package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/shop-scraper/internal/fetcher"
	"github.com/maltedev/shop-scraper/internal/models"
	"github.com/maltedev/shop-scraper/internal/parser"
	"github.com/maltedev/shop-scraper/internal/sink"
	"github.com/maltedev/shop-scraper/internal/site"
	"github.com/maltedev/shop-scraper/internal/storage"
)

// Persistence decides when saved records reach the writer.
type Persistence string

const (
	PersistIncremental Persistence = "incremental"
	PersistBulk        Persistence = "bulk"
)

// ParsePersistence accepts "incremental" or "bulk".
func ParsePersistence(s string) (Persistence, error) {
	switch p := Persistence(s); p {
	case PersistIncremental, PersistBulk:
		return p, nil
	}
	return "", fmt.Errorf("unknown persistence %q", s)
}

// RecordWriter receives saved records in export order.
type RecordWriter interface {
	Write(records ...models.ProductRecord) error
}

// ReportWriter receives a site's state whenever it changes.
type ReportWriter interface {
	Update(site storage.SiteReport) error
}

// SiteTarget pairs an adapter with the collaborators that load its pages.
// Prepare, when set, runs right before the site is crawled and supplies the
// collaborators that are expensive to start. A Prepare error fails that site
// the same way an unusable seed does.
type SiteTarget struct {
	Adapter site.Adapter
	Fetcher fetcher.Fetcher
	Cards   CardSource
	Prepare func(ctx context.Context) (fetcher.Fetcher, CardSource, error)
}

// SiteFailure records a site whose crawl could not start.
type SiteFailure struct {
	Site models.SiteID
	Err  error
}

// RunnerConfig carries the settings shared by every site crawl.
type RunnerConfig struct {
	// RunID is generated when zero.
	RunID          uuid.UUID
	Query          string
	Target         int
	Sites          []SiteTarget
	Concurrency    int
	MaxRequests    int
	FetchTimeout   time.Duration
	HandlerTimeout time.Duration
	Persistence    Persistence
	Writer         RecordWriter
	Report         ReportWriter
	SinkOptions    sink.Options
	Extractor      parser.Extractor
	Publishers     []Publisher
	Metrics        *Metrics
	Logger         *slog.Logger
}

// Summary totals a run. Sites counts the site crawls that ran.
type Summary struct {
	RunID    uuid.UUID
	Sites    int
	Saved    int
	Results  []*Result
	Failures []SiteFailure
}

// RunProgress is the progress of every configured site, in crawl order.
type RunProgress struct {
	RunID string     `json:"run_id"`
	Query string     `json:"query"`
	Sites []Progress `json:"sites"`
}

// Runner crawls the configured sites one after another.
type Runner struct {
	cfg    RunnerConfig
	runID  uuid.UUID
	logger *slog.Logger

	mu       sync.RWMutex
	crawlers []*Crawler
	failed   map[int]string
}

// NewRunner defaults to incremental persistence and the field extractor.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Persistence == "" {
		cfg.Persistence = PersistIncremental
	}
	if cfg.Extractor == nil {
		cfg.Extractor = parser.NewFieldExtractor()
	}

	if cfg.RunID == uuid.Nil {
		cfg.RunID = uuid.New()
	}

	return &Runner{
		cfg:      cfg,
		runID:    cfg.RunID,
		logger:   cfg.Logger.With("component", "runner"),
		crawlers: make([]*Crawler, len(cfg.Sites)),
		failed:   make(map[int]string),
	}
}

// RunID identifies the run in records and the run report.
func (r *Runner) RunID() uuid.UUID {
	return r.runID
}

// Run crawls the sites in order. A site that cannot start is logged, reported
// as failed and skipped. Run returns an error wrapping ErrSeedFailed only when
// no site could start.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{RunID: r.runID}

	r.logger.Info("starting run",
		"run_id", r.runID,
		"query", r.cfg.Query,
		"target", r.cfg.Target,
		"sites", len(r.cfg.Sites),
		"persistence", r.cfg.Persistence)

	for i, target := range r.cfg.Sites {
		if ctx.Err() != nil {
			r.logger.Info("run cancelled", "remaining_sites", len(r.cfg.Sites)-i)
			break
		}

		res, err := r.crawlSite(ctx, i, target)
		if err != nil {
			id := target.Adapter.ID()
			r.logger.Error("site crawl failed to start", "site", string(id), "error", err)
			summary.Failures = append(summary.Failures, SiteFailure{Site: id, Err: err})
			continue
		}

		if r.cfg.Persistence == PersistBulk && r.cfg.Writer != nil && len(res.Records) > 0 {
			if err := r.cfg.Writer.Write(res.Records...); err != nil {
				r.logger.Error("failed to export records", "site", string(res.Site), "error", err)
			}
		}

		summary.Sites++
		summary.Saved += res.Saved
		summary.Results = append(summary.Results, res)
	}

	if summary.Sites == 0 && len(summary.Failures) > 0 {
		errs := make([]error, len(summary.Failures))
		for i, f := range summary.Failures {
			errs[i] = fmt.Errorf("crawl %s: %w", f.Site, f.Err)
		}
		return summary, errors.Join(errs...)
	}

	return summary, nil
}

func (r *Runner) crawlSite(ctx context.Context, i int, target SiteTarget) (*Result, error) {
	if target.Prepare != nil {
		f, cards, err := target.Prepare(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrSeedFailed, err)
			r.fail(i, target, err)
			return nil, err
		}
		if f != nil {
			target.Fetcher = f
		}
		if cards != nil {
			target.Cards = cards
		}
	}

	c := New(Config{
		RunID:          r.runID,
		Adapter:        target.Adapter,
		Fetcher:        target.Fetcher,
		Cards:          target.Cards,
		Extractor:      r.cfg.Extractor,
		Sink:           sink.New(r.cfg.SinkOptions),
		OnSave:         r.onSave(),
		Publishers:     r.cfg.Publishers,
		Metrics:        r.cfg.Metrics,
		Logger:         r.cfg.Logger,
		Target:         r.cfg.Target,
		Concurrency:    r.cfg.Concurrency,
		MaxRequests:    r.cfg.MaxRequests,
		FetchTimeout:   r.cfg.FetchTimeout,
		HandlerTimeout: r.cfg.HandlerTimeout,
	})

	r.mu.Lock()
	r.crawlers[i] = c
	r.mu.Unlock()
	r.report(c.Progress(), "")

	res, err := c.Run(ctx, r.cfg.Query)
	if err != nil {
		r.fail(i, target, err)
		return nil, err
	}

	r.report(c.Progress(), "")
	return res, nil
}

func (r *Runner) fail(i int, target SiteTarget, err error) {
	r.mu.Lock()
	r.failed[i] = err.Error()
	c := r.crawlers[i]
	r.mu.Unlock()

	p := Progress{Site: target.Adapter.ID(), Target: r.cfg.Target}
	if c != nil {
		p = c.Progress()
	}
	r.report(p, err.Error())
}

func (r *Runner) onSave() SaveFunc {
	if r.cfg.Persistence != PersistIncremental || r.cfg.Writer == nil {
		return nil
	}
	return func(rec models.ProductRecord, _ int) error {
		return r.cfg.Writer.Write(rec)
	}
}

func (r *Runner) report(p Progress, errMsg string) {
	if r.cfg.Report == nil {
		return
	}

	state := p.State
	if errMsg != "" {
		state = "failed"
	}

	err := r.cfg.Report.Update(storage.SiteReport{
		Site:             string(p.Site),
		State:            state,
		Saved:            p.Saved,
		Target:           p.Target,
		PagesFetched:     p.Stats.PagesFetched,
		FetchFailures:    p.Stats.FetchFailures,
		ExtractionMisses: p.Stats.ExtractionMisses,
		Duplicates:       p.Stats.Duplicates,
		LinksEnqueued:    p.Stats.LinksEnqueued,
		Error:            errMsg,
	})
	if err != nil {
		r.logger.Warn("failed to update run report", "site", string(p.Site), "error", err)
	}
}

// Progress is safe to call while Run is in progress.
func (r *Runner) Progress() RunProgress {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := RunProgress{
		RunID: r.runID.String(),
		Query: r.cfg.Query,
		Sites: make([]Progress, len(r.cfg.Sites)),
	}

	for i, target := range r.cfg.Sites {
		if c := r.crawlers[i]; c != nil {
			out.Sites[i] = c.Progress()
		} else {
			out.Sites[i] = Progress{
				Site:   target.Adapter.ID(),
				State:  "pending",
				Target: r.cfg.Target,
			}
		}
		if _, failed := r.failed[i]; failed {
			out.Sites[i].State = "failed"
		}
	}

	return out
}

// Records returns the records saved so far across sites, in export order.
func (r *Runner) Records() []models.ProductRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ProductRecord
	for _, c := range r.crawlers {
		if c != nil {
			out = append(out, c.Records()...)
		}
	}
	return out
}
