package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/shop-scraper/internal/crawler"
	"github.com/maltedev/shop-scraper/internal/export"
	"github.com/maltedev/shop-scraper/internal/ratelimit"
	"github.com/maltedev/shop-scraper/internal/sink"
	"github.com/maltedev/shop-scraper/internal/site"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Crawl     CrawlConfig     `yaml:"crawl"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Browser   BrowserConfig   `yaml:"browser"`
	Output    OutputConfig    `yaml:"output"`
	Dedup     DedupConfig     `yaml:"dedup"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type CrawlConfig struct {
	Query               string        `yaml:"query"`
	MaxProducts         int           `yaml:"max_products"`
	Sites               []string      `yaml:"sites"`
	Concurrency         int           `yaml:"concurrency"`
	MaxRequestsPerCrawl int           `yaml:"max_requests_per_crawl"`
	HandlerTimeout      time.Duration `yaml:"handler_timeout"`
	ReportPath          string        `yaml:"report_path"`
	CurrencySymbol      string        `yaml:"currency_symbol"`
}

type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	UserAgent      string        `yaml:"user_agent"`
	AcceptLanguage string        `yaml:"accept_language"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

type BrowserConfig struct {
	Headless       bool          `yaml:"headless"`
	Timeout        time.Duration `yaml:"timeout"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	AcceptLanguage string        `yaml:"accept_language"`
	TimezoneID     string        `yaml:"timezone_id"`
	Locale         string        `yaml:"locale"`
}

type OutputConfig struct {
	Path        string `yaml:"path"`
	Mode        string `yaml:"mode"`
	Persistence string `yaml:"persistence"`
	Columns     string `yaml:"columns"`
}

type DedupConfig struct {
	Enabled bool   `yaml:"enabled"`
	Policy  string `yaml:"policy"`
}

type RateLimitConfig struct {
	Strategy string        `yaml:"strategy"`
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Stream       string        `yaml:"stream"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type ServerConfig struct {
	StatusAddr      string        `yaml:"status_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Crawl: CrawlConfig{
			Query:               "mobile",
			MaxProducts:         20,
			Sites:               []string{"flipkart", "amazon"},
			Concurrency:         2,
			MaxRequestsPerCrawl: 100,
			HandlerTimeout:      60 * time.Second,
			CurrencySymbol:      "₹",
		},
		Fetch: FetchConfig{
			Timeout:        30 * time.Second,
			MaxRetries:     2,
			RetryDelay:     time.Second,
			UserAgent:      defaultUserAgent,
			AcceptLanguage: "en-IN,en;q=0.9",
			MaxBodyBytes:   10 * 1024 * 1024,
		},
		Browser: BrowserConfig{
			Headless:       true,
			Timeout:        30 * time.Second,
			WaitTimeout:    10 * time.Second,
			MaxRetries:     3,
			ViewportWidth:  1366,
			ViewportHeight: 900,
			AcceptLanguage: "en-IN,en;q=0.9",
			TimezoneID:     "Asia/Kolkata",
			Locale:         "en-IN",
		},
		Output: OutputConfig{
			Path:        "products.csv",
			Mode:        string(export.ModeOverwrite),
			Persistence: string(crawler.PersistIncremental),
			Columns:     string(export.ColumnsExtended),
		},
		Dedup: DedupConfig{
			Enabled: false,
			Policy:  string(sink.PolicyFirstWins),
		},
		RateLimit: RateLimitConfig{
			Strategy: ratelimit.StrategyFixed,
			MinDelay: 500 * time.Millisecond,
			MaxDelay: 1500 * time.Millisecond,
			Requests: 2,
			Window:   time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Name:     "shop_scraper",
			SSLMode:  "disable",
			MaxConns: 4,
		},
		Redis: RedisConfig{
			Stream:       "stream:product_records",
			PollInterval: 2 * time.Second,
			BatchSize:    100,
		},
		Server: ServerConfig{
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load returns the defaults overlaid with environment variables.
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile decodes a YAML file over the defaults, then applies the
// environment overlay.
func LoadFile(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()

	cfg := Default()
	dec := yaml.NewDecoder(fh)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Crawl.Query = getEnvOrDefault("SCRAPER_QUERY", c.Crawl.Query)
	c.Crawl.MaxProducts = getIntOrDefault("SCRAPER_MAX_PRODUCTS", c.Crawl.MaxProducts)
	c.Crawl.Sites = getStringSliceOrDefault("SCRAPER_SITES", c.Crawl.Sites)
	c.Crawl.Concurrency = getIntOrDefault("SCRAPER_CONCURRENCY", c.Crawl.Concurrency)
	c.Crawl.MaxRequestsPerCrawl = getIntOrDefault("SCRAPER_MAX_REQUESTS", c.Crawl.MaxRequestsPerCrawl)
	c.Crawl.HandlerTimeout = getDurationOrDefault("SCRAPER_HANDLER_TIMEOUT", c.Crawl.HandlerTimeout)
	c.Crawl.ReportPath = getEnvOrDefault("SCRAPER_REPORT_PATH", c.Crawl.ReportPath)
	c.Crawl.CurrencySymbol = getEnvOrDefault("SCRAPER_CURRENCY_SYMBOL", c.Crawl.CurrencySymbol)

	c.Fetch.Timeout = getDurationOrDefault("FETCH_TIMEOUT", c.Fetch.Timeout)
	c.Fetch.MaxRetries = getIntOrDefault("FETCH_MAX_RETRIES", c.Fetch.MaxRetries)
	c.Fetch.RetryDelay = getDurationOrDefault("FETCH_RETRY_DELAY", c.Fetch.RetryDelay)
	c.Fetch.UserAgent = getEnvOrDefault("FETCH_USER_AGENT", c.Fetch.UserAgent)
	c.Fetch.AcceptLanguage = getEnvOrDefault("FETCH_ACCEPT_LANGUAGE", c.Fetch.AcceptLanguage)

	c.Browser.Headless = getBoolOrDefault("BROWSER_HEADLESS", c.Browser.Headless)
	c.Browser.Timeout = getDurationOrDefault("BROWSER_TIMEOUT", c.Browser.Timeout)
	c.Browser.WaitTimeout = getDurationOrDefault("BROWSER_WAIT_TIMEOUT", c.Browser.WaitTimeout)
	c.Browser.MaxRetries = getIntOrDefault("BROWSER_MAX_RETRIES", c.Browser.MaxRetries)
	c.Browser.ViewportWidth = getIntOrDefault("BROWSER_VIEWPORT_WIDTH", c.Browser.ViewportWidth)
	c.Browser.ViewportHeight = getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", c.Browser.ViewportHeight)
	c.Browser.TimezoneID = getEnvOrDefault("BROWSER_TIMEZONE", c.Browser.TimezoneID)
	c.Browser.Locale = getEnvOrDefault("BROWSER_LOCALE", c.Browser.Locale)

	c.Output.Path = getEnvOrDefault("OUTPUT_PATH", c.Output.Path)
	c.Output.Mode = getEnvOrDefault("OUTPUT_MODE", c.Output.Mode)
	c.Output.Persistence = getEnvOrDefault("OUTPUT_PERSISTENCE", c.Output.Persistence)
	c.Output.Columns = getEnvOrDefault("OUTPUT_COLUMNS", c.Output.Columns)

	c.Dedup.Enabled = getBoolOrDefault("DEDUP_ENABLED", c.Dedup.Enabled)
	c.Dedup.Policy = getEnvOrDefault("DEDUP_POLICY", c.Dedup.Policy)

	c.RateLimit.Strategy = getEnvOrDefault("RATE_LIMIT_STRATEGY", c.RateLimit.Strategy)
	c.RateLimit.MinDelay = getDurationOrDefault("RATE_LIMIT_MIN", c.RateLimit.MinDelay)
	c.RateLimit.MaxDelay = getDurationOrDefault("RATE_LIMIT_MAX", c.RateLimit.MaxDelay)
	c.RateLimit.Requests = getIntOrDefault("RATE_LIMIT_REQUESTS", c.RateLimit.Requests)
	c.RateLimit.Window = getDurationOrDefault("RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Database.Enabled = getBoolOrDefault("DB_ENABLED", c.Database.Enabled)
	c.Database.DSN = getEnvOrDefault("DATABASE_URL", c.Database.DSN)
	c.Database.Host = getEnvOrDefault("DB_HOST", c.Database.Host)
	c.Database.Port = getIntOrDefault("DB_PORT", c.Database.Port)
	c.Database.User = getEnvOrDefault("DB_USER", c.Database.User)
	c.Database.Password = getEnvOrDefault("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnvOrDefault("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnvOrDefault("DB_SSL_MODE", c.Database.SSLMode)

	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntOrDefault("REDIS_DB", c.Redis.DB)
	c.Redis.Stream = getEnvOrDefault("REDIS_STREAM", c.Redis.Stream)
	c.Redis.PollInterval = getDurationOrDefault("RELAY_POLL_INTERVAL", c.Redis.PollInterval)
	c.Redis.BatchSize = getIntOrDefault("RELAY_BATCH_SIZE", c.Redis.BatchSize)

	c.Server.StatusAddr = getEnvOrDefault("STATUS_ADDR", c.Server.StatusAddr)
	c.Server.ShutdownTimeout = getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) Validate() error {
	if c.Crawl.MaxProducts < 1 {
		return fmt.Errorf("max products must be at least 1, got %d", c.Crawl.MaxProducts)
	}
	if c.Crawl.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Crawl.Concurrency)
	}
	if c.Crawl.MaxRequestsPerCrawl < 0 {
		return fmt.Errorf("max requests per crawl cannot be negative")
	}
	if len(c.Crawl.Sites) == 0 {
		return fmt.Errorf("at least one site is required")
	}
	for _, name := range c.Crawl.Sites {
		if _, err := site.New(name); err != nil {
			return err
		}
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	if c.Crawl.HandlerTimeout <= 0 {
		return fmt.Errorf("handler timeout must be positive")
	}

	if _, err := export.ParseMode(c.Output.Mode); err != nil {
		return err
	}
	if _, err := export.ParseColumns(c.Output.Columns); err != nil {
		return err
	}
	persistence, err := crawler.ParsePersistence(c.Output.Persistence)
	if err != nil {
		return err
	}
	policy, err := sink.ParsePolicy(c.Dedup.Policy)
	if err != nil {
		return err
	}
	// Rows already written cannot be revised, so a replacing policy needs
	// the records to be held until the site is done.
	if c.Dedup.Enabled && policy != sink.PolicyFirstWins && persistence == crawler.PersistIncremental {
		return fmt.Errorf("dedup policy %q requires bulk persistence", policy)
	}

	switch c.RateLimit.Strategy {
	case ratelimit.StrategyNone, ratelimit.StrategyFixed, ratelimit.StrategyAdaptive:
	case ratelimit.StrategyToken:
		if c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("token rate limit needs requests >= 1 and a positive window")
		}
	default:
		return fmt.Errorf("unknown rate limit strategy %q", c.RateLimit.Strategy)
	}
	if c.RateLimit.MinDelay > c.RateLimit.MaxDelay {
		return fmt.Errorf("rate limit min delay %s cannot be greater than max delay %s", c.RateLimit.MinDelay, c.RateLimit.MaxDelay)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
