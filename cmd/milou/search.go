// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pdiddy/milou/internal/query"
	"github.com/pdiddy/milou/internal/search"
	"github.com/pdiddy/milou/pkg/types"
)

var searchCmd = &cobra.Command{
	Use:   "search (-q QUERY | -i QUERY_FILE) -s SOURCE -f FORMATS",
	Short: "Search a backend and list candidates without downloading",
	Long: `Search runs the same search, format filter, and ranking as book and prints
the accepted candidates per query. Nothing is downloaded and no index is
touched. Use --save to keep the result as YAML for later review.`,
	RunE: runSearch,
}

func init() {
	addSearchFlags(searchCmd)
	searchCmd.Flags().String("save", "", "write the results to this YAML file")

	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, sharedFlagKeys); err != nil {
		return err
	}
	single, _ := cmd.Flags().GetString("query")
	file, _ := cmd.Flags().GetString("input")
	jsonOut, _ := cmd.Flags().GetBool("json")
	savePath, _ := cmd.Flags().GetString("save")

	queries, err := query.Load(single, file)
	if err != nil {
		return err
	}
	cfg, formats, err := loadBookConfig()
	if err != nil {
		return err
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var results []search.Result
	failed := 0
	for _, q := range queries {
		if ctx.Err() != nil {
			break
		}
		res, err := search.Collect(ctx, backend, q, formats, cfg.Search.Limit)
		if err != nil {
			failed++
			logger.Warn().Err(err).Int("query", q.ID).Msg("search failed")
		}
		results = append(results, res)
	}

	if savePath != "" {
		saved := search.SavedSearch{
			Backend: backend.Name(),
			Formats: formats.List(),
			Limit:   cfg.Search.Limit,
			Results: results,
		}
		if err := search.WriteSavedSearch(savePath, saved); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		if err := search.FormatJSON(results, out); err != nil {
			return err
		}
	} else {
		search.FormatTable(results, out)
	}

	if len(queries) > 0 && failed == len(queries) {
		return &exitError{code: types.ExitRunFailed, msg: fmt.Sprintf("all %d searches failed", failed)}
	}
	return nil
}
