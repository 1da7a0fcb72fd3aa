// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/internal/search"
	"github.com/pdiddy/milou/internal/secrets"
	"github.com/pdiddy/milou/pkg/types"
)

// Zero is a meaningful value for these settings, so their defaults are set
// here instead of in BookConfig.WithDefaults.
func setDefaults() {
	viper.SetDefault("search.min_delay", types.DefaultMinDelay)
	viper.SetDefault("search.retries", types.DefaultSearchRetries)
	viper.SetDefault("download.max_retries", types.DefaultMaxRetries)
	viper.BindEnv("search.serpapi_key", "MILOU_SERPAPI_KEY", "MILOU_SEARCH_SERPAPI_KEY")
}

// flagKeys maps a command's flag names to the config keys they override.
type flagKeys map[string][]string

// sharedFlagKeys covers the flags milou book and milou search have in common.
var sharedFlagKeys = flagKeys{
	"source":  {"search.backend"},
	"formats": {"formats"},
	"limit":   {"search.limit"},
	"timeout": {"search.timeout", "download.timeout"},
	"delay":   {"search.min_delay"},
}

var bookFlagKeys = flagKeys{
	"output":      {"output_dir"},
	"concurrency": {"download.concurrency"},
	"retries":     {"download.max_retries"},
	"grace":       {"download.grace_period"},
	"dry-run":     {"dry_run"},
}

// bindFlags binds the flags of cmd to their config keys. Binding happens
// when a command runs because several commands share flag names.
func bindFlags(cmd *cobra.Command, sets ...flagKeys) error {
	for _, keys := range sets {
		for name, cfgKeys := range keys {
			f := cmd.Flags().Lookup(name)
			if f == nil {
				continue
			}
			for _, k := range cfgKeys {
				if err := viper.BindPFlag(k, f); err != nil {
					return fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}
	return nil
}

// addSearchFlags registers the flags shared by book and search.
func addSearchFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("query", "q", "", "a single query")
	cmd.Flags().StringP("input", "i", "", "query file: one query per line, # comments (or YAML with a queries list)")
	cmd.Flags().StringP("source", "s", "", "search backend: "+strings.Join(search.Names(), ", "))
	cmd.Flags().StringP("formats", "f", "", "comma-separated accepted formats in preference order, e.g. pdf,epub")
	cmd.Flags().Int("limit", types.DefaultLimit, "maximum candidates per query")
	cmd.Flags().Duration("timeout", types.DefaultTimeout, "timeout for one search request or download attempt")
	cmd.Flags().Duration("delay", types.DefaultMinDelay, "minimum delay between requests to the search backend")
	cmd.Flags().Bool("json", false, "print results as JSON")
}

// loadBookConfig decodes the merged flag, env, and file settings and
// resolves the format list and SerpApi key.
func loadBookConfig() (types.BookConfig, format.Set, error) {
	var cfg types.BookConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, format.Set{}, &types.ConfigurationError{Msg: "reading configuration", Err: err}
	}
	set, err := format.ParseList(strings.Join(cfg.Formats, ","))
	if err != nil {
		return cfg, format.Set{}, err
	}
	cfg.Formats = set.List()
	if strings.TrimSpace(cfg.Search.Backend) == "" {
		return cfg, set, types.Configf("provide a search backend with -s (available: %s)", strings.Join(search.Names(), ", "))
	}
	if cfg.Search.SerpAPIKey == "" {
		cfg.Search.SerpAPIKey = secretValue(secrets.SerpAPIKey)
	}
	return cfg.WithDefaults(), set, nil
}

// newBackend resolves the configured provider.
func newBackend(cfg types.BookConfig) (search.Backend, error) {
	return search.New(cfg.Search.Backend, search.Deps{
		Client: &http.Client{Timeout: cfg.Search.Timeout},
		Config: cfg.Search,
		Log:    logger.With().Str("component", "search").Logger(),
	})
}
