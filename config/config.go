package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	DB      DBConfig
	Browser BrowserConfig
	Scraper ScraperConfig
	Cache   CacheConfig
	Proxy   ProxyConfig
	Worker  WorkerConfig
	Log     LogConfig
	Status  StatusConfig
}

// DBConfig controls the Postgres connection backing the scrape queue.
type DBConfig struct {
	// DSN is the Postgres connection string.
	DSN string

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int // default: 10

	// StaleAfter is how long a row may sit in 'processing' before the
	// sweeper returns it to 'pending'.
	StaleAfter time.Duration // default: 30m
}

// BrowserConfig controls the Rod browser instances launched per session.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string
}

// ScraperConfig controls session behavior against the transparency surface.
type ScraperConfig struct {
	// Surface is the base URL of the ad-transparency site.
	Surface string // default: "https://adstransparency.google.com"

	// LookupPath is the RPC path carrying the creative lookup response.
	LookupPath string // default: "/anji/_/rpc/LookupService/GetCreativeById"

	// SearchPath is the RPC path used as the bad-ad cross-check.
	SearchPath string // default: "/anji/_/rpc/SearchService/SearchCreatives"

	// PageLoadTimeout bounds head-of-batch navigation plus smart-wait.
	PageLoadTimeout time.Duration // default: 45s

	// ScriptFetchTimeout bounds each individual script-body fetch.
	ScriptFetchTimeout time.Duration // default: 20s

	// BlockedResourceTypes lists browser resource types to block.
	// default: ["Image", "Media", "Font", "Stylesheet"]
	BlockedResourceTypes []string

	// TrackerPatterns are substrings of tracker/ads URLs to block outright.
	TrackerPatterns []string

	// CacheableScriptPatterns are filename substrings identifying the large
	// versioned CDN bundles worth caching.
	CacheableScriptPatterns []string

	// DebugDir, when non-empty, persists captured API and script bodies for
	// offline inspection. Empty disables dumping.
	DebugDir string
}

// CacheConfig controls the two-level versioned content cache.
type CacheConfig struct {
	// Dir is the on-disk cache directory (L2).
	Dir string // default: "./cache"

	// MaxMemoryBytes bounds the in-memory tier (L1).
	MaxMemoryBytes int64 // default: 100 MB

	// MaxAge is the age past which an artifact is considered stale.
	MaxAge time.Duration // default: 24h

	// Strategy selects the validation strategy:
	// "age_and_version", "version_only", "age_only", "always_revalidate".
	Strategy string // default: "age_and_version"
}

// ProxyConfig controls acquisition of rotating upstream proxies.
type ProxyConfig struct {
	// APIURL is the proxy acquisition endpoint (GET <APIURL>/acquire).
	APIURL string

	// Token is the bearer token for the acquisition API.
	Token string

	// MaxAttempts bounds acquisition retries. Infinite retry is not allowed.
	MaxAttempts int // default: 5

	// Backoff is the base delay between acquisition attempts.
	Backoff time.Duration // default: 2s

	// RotationInterval, when rotation is enabled, is how often workers
	// request fresh proxy credentials.
	RotationInterval time.Duration // default: 15m
}

// WorkerConfig controls the worker fleet.
type WorkerConfig struct {
	// Workers is the number of concurrent workers.
	Workers int // default: 3

	// BatchSize is the number of queue rows claimed per batch.
	BatchSize int // default: 20

	// MaxURLs caps the total rows processed across the run. 0 = unlimited.
	MaxURLs int

	// ProxyEnabled toggles upstream proxy usage.
	ProxyEnabled bool // default: true

	// PartialProxy routes anonymous CDN traffic around the proxy.
	PartialProxy bool

	// RotationEnabled refreshes proxy credentials periodically.
	RotationEnabled bool

	// ProgressEvery logs aggregate counters after this many items.
	ProgressEvery int // default: 50
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// StatusConfig controls the diagnostics HTTP server.
type StatusConfig struct {
	// Addr is the listen address for /healthz, /status and /metrics.
	// Empty disables the server.
	Addr string
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		DB: DBConfig{
			DSN:          envOr("HARVESTER_DB_DSN", "postgres://localhost:5432/harvester?sslmode=disable"),
			MaxOpenConns: envIntOr("HARVESTER_DB_MAX_CONNS", 10),
			StaleAfter:   envDurationOr("HARVESTER_STALE_AFTER", 30*time.Minute),
		},
		Browser: BrowserConfig{
			Headless:   envBoolOr("HARVESTER_HEADLESS", true),
			NoSandbox:  envBoolOr("HARVESTER_NO_SANDBOX", false),
			BrowserBin: os.Getenv("HARVESTER_BROWSER_BIN"),
		},
		Scraper: ScraperConfig{
			Surface:            envOr("HARVESTER_SURFACE", "https://adstransparency.google.com"),
			LookupPath:         envOr("HARVESTER_LOOKUP_PATH", "/anji/_/rpc/LookupService/GetCreativeById"),
			SearchPath:         envOr("HARVESTER_SEARCH_PATH", "/anji/_/rpc/SearchService/SearchCreatives"),
			PageLoadTimeout:    envDurationOr("HARVESTER_PAGE_TIMEOUT", 45*time.Second),
			ScriptFetchTimeout: envDurationOr("HARVESTER_SCRIPT_TIMEOUT", 20*time.Second),
			BlockedResourceTypes: envSliceOr("HARVESTER_BLOCKED_RESOURCES", []string{
				"Image", "Media", "Font", "Stylesheet",
			}),
			TrackerPatterns: envSliceOr("HARVESTER_TRACKER_PATTERNS", []string{
				"google-analytics.com", "googletagmanager.com", "doubleclick.net/pixel",
				"scorecardresearch.com", "play.google.com/log",
			}),
			CacheableScriptPatterns: envSliceOr("HARVESTER_CACHEABLE_PATTERNS", []string{
				"main_ad_bundle", "fletch_loader", "_/js/",
			}),
			DebugDir: os.Getenv("HARVESTER_DEBUG_DIR"),
		},
		Cache: CacheConfig{
			Dir:            envOr("HARVESTER_CACHE_DIR", "./cache"),
			MaxMemoryBytes: envInt64Or("HARVESTER_CACHE_MEM_BYTES", 100*1024*1024),
			MaxAge:         envDurationOr("HARVESTER_CACHE_MAX_AGE", 24*time.Hour),
			Strategy:       envOr("HARVESTER_CACHE_STRATEGY", "age_and_version"),
		},
		Proxy: ProxyConfig{
			APIURL:           os.Getenv("HARVESTER_PROXY_API"),
			Token:            os.Getenv("HARVESTER_PROXY_TOKEN"),
			MaxAttempts:      envIntOr("HARVESTER_PROXY_MAX_ATTEMPTS", 5),
			Backoff:          envDurationOr("HARVESTER_PROXY_BACKOFF", 2*time.Second),
			RotationInterval: envDurationOr("HARVESTER_PROXY_ROTATION", 15*time.Minute),
		},
		Worker: WorkerConfig{
			Workers:       envIntOr("HARVESTER_WORKERS", 3),
			BatchSize:     envIntOr("HARVESTER_BATCH_SIZE", 20),
			MaxURLs:       envIntOr("HARVESTER_MAX_URLS", 0),
			ProxyEnabled:  envBoolOr("HARVESTER_PROXY_ENABLED", true),
			PartialProxy:  envBoolOr("HARVESTER_PARTIAL_PROXY", false),
			ProgressEvery: envIntOr("HARVESTER_PROGRESS_EVERY", 50),
		},
		Log: LogConfig{
			Level:  envOr("HARVESTER_LOG_LEVEL", "info"),
			Format: envOr("HARVESTER_LOG_FORMAT", "json"),
		},
		Status: StatusConfig{
			Addr: os.Getenv("HARVESTER_STATUS_ADDR"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
