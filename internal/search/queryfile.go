// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"fmt"
	"iter"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/internal/query"
	"github.com/pdiddy/milou/pkg/types"
)

// SavedSearch is the on-disk form of a `milou search` run. It records what
// was asked and what each query found, so a search can be reviewed before
// committing to a download run.
type SavedSearch struct {
	Backend   string    `yaml:"backend"`
	Formats   []string  `yaml:"formats"`
	Limit     int       `yaml:"limit"`
	Timestamp time.Time `yaml:"timestamp"`
	Results   []Result  `yaml:"results"`
}

// WriteSavedSearch saves s to a YAML file.
func WriteSavedSearch(path string, s SavedSearch) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	data, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("marshaling saved search: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing saved search: %w", err)
	}
	return nil
}

// ReadSavedSearch loads a previously saved search from disk.
func ReadSavedSearch(path string) (*SavedSearch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading saved search: %w", err)
	}
	var s SavedSearch
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing saved search: %w", err)
	}
	return &s, nil
}

// Queries returns the saved queries in their original order.
func (s *SavedSearch) Queries() []types.QueryRecord {
	out := make([]types.QueryRecord, 0, len(s.Results))
	for _, r := range s.Results {
		q := r.Query
		if q.Normalized == "" {
			q.Normalized = query.Normalize(q.Text)
		}
		out = append(out, q)
	}
	return out
}

// Replay is a Backend that answers from a saved search, so a reviewed
// search can be downloaded without asking the provider again.
type Replay struct {
	backend string
	results map[string]Result
}

// NewReplay indexes the results of s by normalized query.
func NewReplay(s *SavedSearch) *Replay {
	r := &Replay{backend: s.Backend, results: make(map[string]Result, len(s.Results))}
	for i, q := range s.Queries() {
		r.results[q.Normalized] = s.Results[i]
	}
	return r
}

// Name returns the backend the search was saved from.
func (r *Replay) Name() string { return r.backend }

// Search yields the saved candidates for q, then the saved error if the
// original search ended with one. Queries that were not saved find nothing.
func (r *Replay) Search(ctx context.Context, q string, _ format.Set, limit int) iter.Seq2[types.Candidate, error] {
	return func(yield func(types.Candidate, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(types.Candidate{}, err)
			return
		}
		res := r.results[q]
		for i, c := range res.Candidates {
			if limit > 0 && i >= limit {
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if res.Error != "" {
			yield(types.Candidate{}, fmt.Errorf("saved search: %s", res.Error))
		}
	}
}
