// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/milou/internal/dedup"
	"github.com/pdiddy/milou/internal/download"
	"github.com/pdiddy/milou/internal/httputil"
	"github.com/pdiddy/milou/internal/organize"
	"github.com/pdiddy/milou/internal/query"
	"github.com/pdiddy/milou/internal/run"
	"github.com/pdiddy/milou/internal/search"
	"github.com/pdiddy/milou/pkg/types"
)

var bookCmd = &cobra.Command{
	Use:   "book (-q QUERY | -i QUERY_FILE | --from-saved FILE) -o OUTPUT_DIR -s SOURCE -f FORMATS",
	Short: "Search for books and download them into an output directory",
	Long: `Book searches the selected backend for every query, keeps candidates whose
format is in the accepted list, and downloads them in preference order into
OUTPUT_DIR/<query>/. URLs and file contents already stored by an earlier run
are skipped.

With --from-saved the candidates come from a file written by
milou search --save instead of a new search. Its queries, backend, and
formats apply unless overridden.

Exit status is 0 when every query succeeded, found nothing, or was already up
to date (partial success across queries also counts), 1 on configuration or
input errors, and 2 when queries failed and none succeeded.`,
	RunE: runBook,
}

func init() {
	addSearchFlags(bookCmd)
	bookCmd.Flags().StringP("output", "o", "", "output directory (created if absent)")
	bookCmd.Flags().Int("concurrency", types.DefaultConcurrency, "parallel downloads")
	bookCmd.Flags().Int("retries", types.DefaultMaxRetries, "retries per candidate on transient download errors")
	bookCmd.Flags().Duration("grace", types.DefaultGracePeriod, "time in-flight downloads may finish after an interrupt")
	bookCmd.Flags().Bool("dry-run", false, "search, filter, and rank only; download nothing")
	bookCmd.Flags().String("summary", "", "also write the run summary to this YAML file")
	bookCmd.Flags().String("from-saved", "", "download the candidates of a saved search instead of searching")

	rootCmd.AddCommand(bookCmd)
}

func runBook(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, sharedFlagKeys, bookFlagKeys); err != nil {
		return err
	}
	single, _ := cmd.Flags().GetString("query")
	file, _ := cmd.Flags().GetString("input")
	jsonOut, _ := cmd.Flags().GetBool("json")
	summaryPath, _ := cmd.Flags().GetString("summary")
	savedPath, _ := cmd.Flags().GetString("from-saved")

	var saved *search.SavedSearch
	if savedPath != "" {
		var err error
		if saved, err = search.ReadSavedSearch(savedPath); err != nil {
			return &types.InputError{Path: savedPath, Err: err}
		}
		viper.SetDefault("search.backend", saved.Backend)
		viper.SetDefault("formats", saved.Formats)
	}

	var queries []types.QueryRecord
	if saved != nil && single == "" && file == "" {
		queries = saved.Queries()
	} else {
		var err error
		if queries, err = query.Load(single, file); err != nil {
			return err
		}
	}
	if len(queries) == 0 {
		return &types.InputError{Path: cmp.Or(file, savedPath), Err: errors.New("no queries")}
	}

	cfg, formats, err := loadBookConfig()
	if err != nil {
		return err
	}
	if cfg.OutputDir == "" {
		return types.Configf("provide an output directory with -o")
	}
	var backend search.Backend
	if saved != nil {
		backend = search.NewReplay(saved)
	} else if backend, err = newBackend(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return &types.InputError{Path: cfg.OutputDir, Err: err}
	}

	idx, err := dedup.Open(cfg.OutputDir)
	if err != nil {
		return err
	}
	defer idx.Close()

	// With --json stdout carries only the summary.
	var progress io.Writer = cmd.OutOrStdout()
	if jsonOut {
		progress = cmd.ErrOrStderr()
	}

	ctrl := &run.Controller{
		Backend: backend,
		Formats: formats,
		Config:  cfg,
		Index:   idx,
		Log:     logger.With().Str("component", "run").Logger(),
		Out:     progress,
		SearchBackoff: httputil.Backoff{
			Base:   cfg.Download.BackoffBase,
			Max:    cfg.Download.BackoffMax,
			Jitter: true,
		},
	}
	if !cfg.DryRun {
		org, err := organize.New(cfg.OutputDir)
		if err != nil {
			return err
		}
		ctrl.Downloads, err = download.New(cfg.Download, idx, org,
			logger.With().Str("component", "download").Logger(), progress)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			fmt.Fprintf(cmd.ErrOrStderr(), "interrupted: finishing in-flight downloads (up to %s)\n",
				cfg.Download.GracePeriod.Round(time.Millisecond))
		case <-finished:
		}
	}()

	summary, err := ctrl.Run(ctx, queries)
	if err != nil {
		return err
	}

	if summaryPath != "" {
		if err := run.WriteYAML(summaryPath, summary); err != nil {
			return err
		}
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		if err := run.WriteJSON(out, summary); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out)
		run.WriteSummary(out, summary)
	}

	if code := summary.ExitCode(); code != types.ExitOK {
		return &exitError{code: code, msg: fmt.Sprintf("%d of %d queries failed", summary.Count(types.OutcomeFailed), summary.Queries)}
	}
	return nil
}
