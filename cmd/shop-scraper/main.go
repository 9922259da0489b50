package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/maltedev/shop-scraper/internal/api"
	"github.com/maltedev/shop-scraper/internal/browser"
	"github.com/maltedev/shop-scraper/internal/config"
	"github.com/maltedev/shop-scraper/internal/crawler"
	"github.com/maltedev/shop-scraper/internal/database"
	"github.com/maltedev/shop-scraper/internal/export"
	"github.com/maltedev/shop-scraper/internal/fetcher"
	"github.com/maltedev/shop-scraper/internal/parser"
	"github.com/maltedev/shop-scraper/internal/ratelimit"
	"github.com/maltedev/shop-scraper/internal/sink"
	"github.com/maltedev/shop-scraper/internal/site"
	"github.com/maltedev/shop-scraper/internal/storage"
	"github.com/maltedev/shop-scraper/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "YAML config file")
		query       = flag.String("query", "", "search query")
		maxProducts = flag.Int("max", 0, "records to save per site")
		sites       = flag.String("sites", "", "comma separated sites to crawl ("+strings.Join(site.Names(), ",")+")")
		output      = flag.String("output", "", "CSV output path")
		mode        = flag.String("mode", "", "write mode: overwrite or append")
		columns     = flag.String("columns", "", "column set: basic or extended")
		persistence = flag.String("persistence", "", "incremental or bulk")
		dedup       = flag.Bool("dedup", false, "drop records whose normalized title was already saved")
		dedupPolicy = flag.String("dedup-policy", "", "which duplicate to keep: first, last or cheapest")
		concurrency = flag.Int("concurrency", 0, "parallel requests per site")
		statusAddr  = flag.String("status-addr", "", "address for the status API, e.g. :8080")
		logLevel    = flag.String("log-level", "", "debug, info, warn or error")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: shop-scraper [flags] [query] [maxProducts]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Positional arguments come first; explicit flags win over them.
	args := flag.Args()
	if len(args) > 0 {
		cfg.Crawl.Query = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid maxProducts %q\n", args[1])
			flag.Usage()
			return 2
		}
		cfg.Crawl.MaxProducts = n
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "query":
			cfg.Crawl.Query = *query
		case "max":
			cfg.Crawl.MaxProducts = *maxProducts
		case "sites":
			cfg.Crawl.Sites = splitList(*sites)
		case "output":
			cfg.Output.Path = *output
		case "mode":
			cfg.Output.Mode = *mode
		case "columns":
			cfg.Output.Columns = *columns
		case "persistence":
			cfg.Output.Persistence = *persistence
		case "dedup":
			cfg.Dedup.Enabled = *dedup
		case "dedup-policy":
			cfg.Dedup.Policy = *dedupPolicy
		case "concurrency":
			cfg.Crawl.Concurrency = *concurrency
		case "status-addr":
			cfg.Server.StatusAddr = *statusAddr
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 2
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	writeMode, _ := export.ParseMode(cfg.Output.Mode)
	columnSet, _ := export.ParseColumns(cfg.Output.Columns)
	persist, _ := crawler.ParsePersistence(cfg.Output.Persistence)
	policy, _ := sink.ParsePolicy(cfg.Dedup.Policy)

	limiter, err := ratelimit.New(ratelimit.Settings{
		Strategy: cfg.RateLimit.Strategy,
		MinDelay: cfg.RateLimit.MinDelay,
		MaxDelay: cfg.RateLimit.MaxDelay,
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window,
	})
	if err != nil {
		log.Error("failed to build rate limiter", "error", err)
		return 1
	}

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:      cfg.Fetch.UserAgent,
		AcceptLanguage: cfg.Fetch.AcceptLanguage,
		Timeout:        cfg.Fetch.Timeout,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
		MaxRetries:     cfg.Fetch.MaxRetries,
		RetryDelay:     cfg.Fetch.RetryDelay,
		RateLimiter:    limiter,
		Logger:         log,
	})

	// The browser starts when the first card-reading site is reached, so a
	// launch failure fails that site only.
	var b *browser.Browser
	defer func() {
		if b != nil {
			b.Close()
		}
	}()
	prepareBrowser := func(context.Context) (fetcher.Fetcher, crawler.CardSource, error) {
		if b == nil {
			launched, err := browser.New(&browser.Options{
				Headless:       cfg.Browser.Headless,
				Timeout:        cfg.Browser.Timeout,
				UserAgent:      cfg.Fetch.UserAgent,
				ViewportWidth:  cfg.Browser.ViewportWidth,
				ViewportHeight: cfg.Browser.ViewportHeight,
				AcceptLanguage: cfg.Browser.AcceptLanguage,
				TimezoneID:     cfg.Browser.TimezoneID,
				Locale:         cfg.Browser.Locale,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize browser: %w", err)
			}
			b = launched
		}
		return nil, browser.NewRenderer(b,
			browser.WithWaitTimeout(cfg.Browser.WaitTimeout),
			browser.WithMaxRetries(cfg.Browser.MaxRetries),
		), nil
	}

	targets := make([]crawler.SiteTarget, 0, len(cfg.Crawl.Sites))
	for _, name := range cfg.Crawl.Sites {
		adapter, err := site.New(name, site.WithCurrencySymbol(cfg.Crawl.CurrencySymbol))
		if err != nil {
			log.Error("unknown site", "site", name, "error", err)
			return 1
		}

		target := crawler.SiteTarget{Adapter: adapter, Fetcher: httpFetcher}
		if _, ok := adapter.(site.CardReader); ok {
			target.Prepare = prepareBrowser
		}
		targets = append(targets, target)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := crawler.NewMetrics(registry)

	var (
		publishers []crawler.Publisher
		store      *database.RecordStore
		relay      *database.Relay
	)
	if cfg.Database.Enabled {
		db, err := database.New(ctx, databaseConfig(cfg.Database))
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			return 1
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			log.Error("failed to create schema", "error", err)
			return 1
		}
		store = database.NewRecordStore(db, cfg.Redis.Stream)
		publishers = append(publishers, store)

		if cfg.Redis.Addr != "" {
			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()

			if err := redisClient.Ping(ctx).Err(); err != nil {
				log.Error("failed to connect to Redis", "error", err)
				return 1
			}

			relay = database.NewRelay(db, redisClient, log, database.RelayConfig{
				PollInterval: cfg.Redis.PollInterval,
				BatchSize:    cfg.Redis.BatchSize,
			})
		}
	}

	runID := uuid.New()
	var (
		reportWriter crawler.ReportWriter
		reportSource api.ReportSource
	)
	if cfg.Crawl.ReportPath != "" {
		report, err := storage.NewReportStore(cfg.Crawl.ReportPath, runID.String(), cfg.Crawl.Query, cfg.Output.Path)
		if err != nil {
			log.Error("failed to create run report", "path", cfg.Crawl.ReportPath, "error", err)
			return 1
		}
		reportWriter = report
		reportSource = report
	}

	// Overwrite mode truncates here, once every other dependency is up.
	writer, err := export.Open(cfg.Output.Path, writeMode, columnSet)
	if err != nil {
		log.Error("failed to open output", "path", cfg.Output.Path, "error", err)
		return 1
	}
	defer writer.Close()

	runnerCfg := crawler.RunnerConfig{
		RunID:          runID,
		Query:          cfg.Crawl.Query,
		Target:         cfg.Crawl.MaxProducts,
		Sites:          targets,
		Concurrency:    cfg.Crawl.Concurrency,
		MaxRequests:    cfg.Crawl.MaxRequestsPerCrawl,
		FetchTimeout:   cfg.Fetch.Timeout,
		HandlerTimeout: cfg.Crawl.HandlerTimeout,
		Persistence:    persist,
		Writer:         writer,
		Report:         reportWriter,
		SinkOptions:    sink.Options{Dedup: cfg.Dedup.Enabled, Policy: policy},
		Extractor:      parser.NewFieldExtractor(parser.WithCurrencySymbol(cfg.Crawl.CurrencySymbol)),
		Publishers:     publishers,
		Metrics:        metrics,
		Logger:         log,
	}

	runner := crawler.NewRunner(runnerCfg)

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	relayDone := make(chan struct{})
	if relay != nil {
		go func() {
			defer close(relayDone)
			if err := relay.Start(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("relay stopped with error", "error", err)
			}
		}()
	} else {
		close(relayDone)
	}

	if cfg.Server.StatusAddr != "" {
		var outbox api.OutboxStatus
		if relay != nil {
			outbox = relay
		}
		server := api.NewServer(cfg.Server.StatusAddr, api.NewRouter(api.NewHandlers(runner, outbox, reportSource, log), registry), log)
		go func() {
			if err := server.Start(); err != nil {
				log.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error("status server shutdown failed", "error", err)
			}
		}()
	}

	summary, err := runner.Run(ctx)
	if err != nil {
		log.Error("crawl failed", "run_id", runner.RunID(), "error", err)
		return 1
	}
	for _, f := range summary.Failures {
		log.Warn("site skipped", "site", string(f.Site), "error", f.Err)
	}

	if store != nil {
		stored, err := store.CountByRun(ctx, summary.RunID)
		switch {
		case err != nil:
			log.Warn("failed to count stored records", "run_id", summary.RunID, "error", err)
		case stored != int64(summary.Saved):
			log.Warn("stored records differ from saved records", "run_id", summary.RunID, "stored", stored, "saved", summary.Saved)
		default:
			log.Info("stored records match", "run_id", summary.RunID, "stored", stored)
		}
	}

	if relay != nil {
		stopRelay()
		<-relayDone
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		n, err := relay.Drain(drainCtx)
		cancel()
		if err != nil {
			log.Warn("failed to drain outbox", "published", n, "error", err)
		}
	}

	fmt.Printf("crawled %d sites, saved %d records to %s\n", summary.Sites, summary.Saved, writer.Path())
	if len(summary.Failures) > 0 {
		fmt.Printf("skipped %d sites that could not start\n", len(summary.Failures))
	}
	log.Info("done", "run_id", summary.RunID, "output", writer.Path(), "rows", writer.Rows())
	return 0
}

func databaseConfig(c config.DatabaseConfig) database.Config {
	return database.Config{
		DSN:      c.DSN,
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Name,
		SSLMode:  c.SSLMode,
		MaxConns: c.MaxConns,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
