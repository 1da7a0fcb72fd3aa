// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// HTTPConfig holds shared HTTP settings used by stages that make network requests.
type HTTPConfig struct {
	// Timeout bounds a single search request. For downloads it bounds the
	// wait for response headers and each gap between received bytes.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "milou/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
}

// SearchConfig holds settings for the search stage.
type SearchConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// Backend is the provider name (google, bing, duckduckgo, gutenberg, ...).
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`

	// Limit is the maximum number of candidates taken per query (default 10).
	Limit int `json:"limit" yaml:"limit" mapstructure:"limit"`

	// MinDelay is the minimum delay between two requests to the provider (default 1s).
	MinDelay time.Duration `json:"min_delay" yaml:"min_delay" mapstructure:"min_delay"`

	// Retries bounds retries of transient backend errors per query (default 2).
	Retries int `json:"retries" yaml:"retries" mapstructure:"retries"`

	// SerpAPIKey authenticates SerpApi-backed providers.
	SerpAPIKey string `json:"-" yaml:"-" mapstructure:"serpapi_key"`
}

// DownloadConfig holds settings for the download stage.
type DownloadConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// Concurrency is the number of parallel downloads (default 4).
	Concurrency int `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`

	// MaxRetries bounds retries of transient download errors per candidate (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// BackoffBase is the first backoff delay; it doubles per attempt (default 1s).
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base" mapstructure:"backoff_base"`

	// BackoffMax caps a single backoff delay (default 30s).
	BackoffMax time.Duration `json:"backoff_max" yaml:"backoff_max" mapstructure:"backoff_max"`

	// GracePeriod is how long in-flight downloads may continue after cancellation (default 5s).
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period" mapstructure:"grace_period"`
}

// BookConfig groups everything one `milou book` invocation needs.
type BookConfig struct {
	Search   SearchConfig   `json:"search" yaml:"search" mapstructure:"search"`
	Download DownloadConfig `json:"download" yaml:"download" mapstructure:"download"`

	// OutputDir is the output root; created if absent.
	OutputDir string `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`

	// Formats is the requested format list in preference order.
	Formats []string `json:"formats" yaml:"formats" mapstructure:"formats"`

	// QueryConcurrency is the number of queries searched at once (default 1).
	QueryConcurrency int `json:"query_concurrency" yaml:"query_concurrency" mapstructure:"query_concurrency"`

	// MaxFailureReasons caps failure reasons kept per query (default 3).
	MaxFailureReasons int `json:"max_failure_reasons" yaml:"max_failure_reasons" mapstructure:"max_failure_reasons"`

	// DryRun stops after search, filtering, and ranking.
	DryRun bool `json:"dry_run" yaml:"dry_run" mapstructure:"dry_run"`
}

// Defaults used when a field is left at its zero value.
const (
	DefaultTimeout           = 60 * time.Second
	DefaultUserAgent         = "milou/0.1"
	DefaultLimit             = 10
	DefaultMinDelay          = 1 * time.Second
	DefaultSearchRetries     = 2
	DefaultConcurrency       = 4
	DefaultMaxRetries        = 3
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultGracePeriod       = 5 * time.Second
	DefaultMaxFailureReasons = 3
)

// WithDefaults returns a copy of cfg with zero-valued fields filled in.
func (cfg BookConfig) WithDefaults() BookConfig {
	if cfg.Search.Timeout <= 0 {
		cfg.Search.Timeout = DefaultTimeout
	}
	if cfg.Search.UserAgent == "" {
		cfg.Search.UserAgent = DefaultUserAgent
	}
	if cfg.Search.Limit <= 0 {
		cfg.Search.Limit = DefaultLimit
	}
	if cfg.Search.MinDelay < 0 {
		cfg.Search.MinDelay = 0
	}
	if cfg.Search.Retries < 0 {
		cfg.Search.Retries = 0
	}
	if cfg.Download.Timeout <= 0 {
		cfg.Download.Timeout = DefaultTimeout
	}
	if cfg.Download.UserAgent == "" {
		cfg.Download.UserAgent = cfg.Search.UserAgent
	}
	if cfg.Download.Concurrency <= 0 {
		cfg.Download.Concurrency = DefaultConcurrency
	}
	if cfg.Download.MaxRetries < 0 {
		cfg.Download.MaxRetries = 0
	}
	if cfg.Download.BackoffBase <= 0 {
		cfg.Download.BackoffBase = DefaultBackoffBase
	}
	if cfg.Download.BackoffMax <= 0 {
		cfg.Download.BackoffMax = DefaultBackoffMax
	}
	if cfg.Download.GracePeriod <= 0 {
		cfg.Download.GracePeriod = DefaultGracePeriod
	}
	if cfg.QueryConcurrency <= 0 {
		cfg.QueryConcurrency = 1
	}
	if cfg.MaxFailureReasons <= 0 {
		cfg.MaxFailureReasons = DefaultMaxFailureReasons
	}
	return cfg
}
