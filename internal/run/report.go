// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package run

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/milou/pkg/types"
)

// WriteSummary prints the end-of-run report: totals, then one line per
// query with its outcome and the first failure reasons.
func WriteSummary(w io.Writer, s *types.RunSummary) {
	if s.DryRun {
		fmt.Fprintln(w, "Dry run, nothing was downloaded.")
	}
	fmt.Fprintf(w, "Run %s (%s, %s): %s\n", s.RunID, s.Backend,
		s.Finished.Sub(s.Started).Round(time.Millisecond), s)
	fmt.Fprintf(w, "  succeeded: %d  up to date: %d  no results: %d  failed: %d\n",
		s.Count(types.OutcomeSucceeded), s.Count(types.OutcomeUpToDate),
		s.Count(types.OutcomeNoResults), s.Count(types.OutcomeFailed))

	for _, r := range s.Results {
		fmt.Fprintf(w, "\n[%d] %s: %s", r.Query.ID, r.Query.Text, r.Outcome)
		if r.Accepted > 0 {
			fmt.Fprintf(w, " (%d/%d downloaded, %d duplicate, %d failed, %d skipped)",
				r.Succeeded, r.Accepted, r.Duplicates, r.Failed, r.Skipped)
		}
		fmt.Fprintln(w)
		for _, f := range r.Files {
			fmt.Fprintf(w, "    %s\n", f)
		}
		for _, reason := range r.Failures {
			fmt.Fprintf(w, "    ! %s\n", reason)
		}
	}
}

// WriteJSON encodes the summary as indented JSON.
func WriteJSON(w io.Writer, s *types.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteYAML saves the summary to path.
func WriteYAML(path string, s *types.RunSummary) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}
