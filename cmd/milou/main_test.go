// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/milou/internal/dedup"
	"github.com/pdiddy/milou/internal/search"
	"github.com/pdiddy/milou/pkg/types"
)

// execute runs the CLI with args against fresh flag and config state.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	for _, c := range append([]*cobra.Command{rootCmd}, rootCmd.Commands()...) {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	t.Cleanup(viper.Reset)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, types.ExitOK, exitCode(nil))
	assert.Equal(t, types.ExitConfigError, exitCode(types.Configf("bad")))
	assert.Equal(t, types.ExitConfigError, exitCode(errors.New("anything else")))
	assert.Equal(t, types.ExitRunFailed, exitCode(&exitError{code: types.ExitRunFailed, msg: "failed"}))
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, newLogger("debug").GetLevel())
	assert.Equal(t, zerolog.ErrorLevel, newLogger(" ERROR ").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, newLogger("").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, newLogger("loud").GetLevel())
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "milou dev")
}

func TestBook_ConfigurationErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no query", []string{"book", "-o", dir, "-s", "gutenberg", "-f", "pdf"}, "-q"},
		{"both query and file", []string{"book", "-q", "x", "-i", "q.txt", "-o", dir, "-s", "gutenberg", "-f", "pdf"}, "mutually exclusive"},
		{"empty format entry", []string{"book", "-q", "x", "-o", dir, "-s", "gutenberg", "-f", "pdf,,epub"}, "empty entry"},
		{"unknown format", []string{"book", "-q", "x", "-o", dir, "-s", "gutenberg", "-f", "pdf,exe"}, "unknown format"},
		{"missing backend", []string{"book", "-q", "x", "-o", dir, "-f", "pdf"}, "-s"},
		{"unknown backend", []string{"book", "-q", "x", "-o", dir, "-s", "altavista", "-f", "pdf"}, "altavista"},
		{"missing output", []string{"book", "-q", "x", "-s", "gutenberg", "-f", "pdf"}, "-o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			var cfgErr *types.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, types.ExitConfigError, exitCode(err))
		})
	}
}

func TestBook_MissingQueryFile(t *testing.T) {
	_, err := execute(t, "book", "-i", filepath.Join(t.TempDir(), "missing.txt"),
		"-o", t.TempDir(), "-s", "gutenberg", "-f", "pdf")
	var inErr *types.InputError
	require.ErrorAs(t, err, &inErr)
	assert.Equal(t, types.ExitConfigError, exitCode(err))
}

func TestBook_FromSaved(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write(append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 2048)...))
	}))
	defer srv.Close()

	savedPath := filepath.Join(t.TempDir(), "search.yaml")
	require.NoError(t, search.WriteSavedSearch(savedPath, search.SavedSearch{
		Backend: "gutenberg",
		Formats: []string{"pdf"},
		Limit:   5,
		Results: []search.Result{{
			Query: types.QueryRecord{ID: 1, Text: "Dune", Normalized: "dune"},
			Found: 1,
			Candidates: []types.Candidate{
				{QueryID: 1, Title: "Dune", Format: "pdf", SourceURL: srv.URL + "/dune.pdf", RankScore: 1},
			},
		}},
	}))

	dir := t.TempDir()
	out, err := execute(t, "book", "--from-saved", savedPath, "-o", dir)
	require.NoError(t, err, out)
	assert.Equal(t, int32(1), hits.Load(), "no search request, one download")
	files, err := filepath.Glob(filepath.Join(dir, "*", "*.pdf"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = execute(t, "book", "--from-saved", filepath.Join(t.TempDir(), "missing.yaml"), "-o", dir)
	var inErr *types.InputError
	require.ErrorAs(t, err, &inErr)
	assert.Equal(t, types.ExitConfigError, exitCode(err))
}

func TestBook_SerpAPIKeyFromEnv(t *testing.T) {
	t.Setenv("SERPAPI_API_KEY", "")
	t.Setenv("MILOU_SERPAPI_KEY", "")
	_, err := execute(t, "book", "-q", "x", "-o", t.TempDir(), "-s", "google", "-f", "pdf", "--dry-run")
	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr, "google needs a SerpApi key")

	viper.Reset()
	t.Setenv("MILOU_SERPAPI_KEY", "sp_test")
	setDefaults()
	viper.Set("search.backend", "google")
	viper.Set("formats", "pdf")
	cfg, _, err := loadBookConfig()
	require.NoError(t, err)
	assert.Equal(t, "sp_test", cfg.Search.SerpAPIKey)
}

func TestLoadBookConfig_Precedence(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfgFile := filepath.Join(t.TempDir(), "milou.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
output_dir: /books
formats: [epub, pdf]
search:
  backend: gutenberg
  limit: 5
  min_delay: 250ms
download:
  concurrency: 8
  grace_period: 2s
`), 0o644))
	viper.SetConfigFile(cfgFile)
	require.NoError(t, viper.ReadInConfig())
	setDefaults()
	viper.Set("search.limit", 3)

	cfg, formats, err := loadBookConfig()
	require.NoError(t, err)
	assert.Equal(t, "/books", cfg.OutputDir)
	assert.Equal(t, []string{"epub", "pdf"}, formats.List())
	assert.Equal(t, "gutenberg", cfg.Search.Backend)
	assert.Equal(t, 3, cfg.Search.Limit, "explicit value wins over the file")
	assert.Equal(t, 250*time.Millisecond, cfg.Search.MinDelay)
	assert.Equal(t, 8, cfg.Download.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Download.GracePeriod)
	assert.Equal(t, types.DefaultMaxRetries, cfg.Download.MaxRetries)
	assert.Equal(t, types.DefaultSearchRetries, cfg.Search.Retries)
	assert.Equal(t, types.DefaultTimeout, cfg.Download.Timeout)
}

func TestIndex(t *testing.T) {
	_, err := execute(t, "index", "-o", t.TempDir())
	var inErr *types.InputError
	require.ErrorAs(t, err, &inErr)

	dir := t.TempDir()
	idx, err := dedup.Open(dir)
	require.NoError(t, err)
	require.NoError(t, idx.MarkSeen("https://example.org/a.pdf"))
	require.NoError(t, idx.Close())

	out, err := execute(t, "index", "-o", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "URLs:     1")

	out, err = execute(t, "index", "-o", dir, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"urls": 1`)
}
