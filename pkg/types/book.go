// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the milou book pipeline:
// query records, search candidates, download tasks, and the run summary.
package types

import (
	"fmt"
	"time"
)

// QueryRecord is one query produced by the query source.
type QueryRecord struct {
	// ID is the 1-based sequence number in production order.
	ID int `json:"id" yaml:"id"`

	// Text is the query as written by the user, trimmed.
	Text string `json:"text" yaml:"text"`

	// Normalized is the diacritic-free, lowercased, single-spaced form sent
	// to search backends.
	Normalized string `json:"normalized" yaml:"normalized"`

	// SourceFile is the query file the record came from, empty for -q.
	SourceFile string `json:"source_file,omitempty" yaml:"source_file,omitempty"`
}

// Candidate is a single discovered source for a query.
type Candidate struct {
	QueryID int `json:"query_id" yaml:"query_id"`

	Title string `json:"title" yaml:"title"`

	// SourceURL is the direct download URL.
	SourceURL string `json:"source_url" yaml:"source_url"`

	// Format is the declared file format (lowercase extension without dot).
	Format string `json:"format" yaml:"format"`

	// SizeHint is the size advertised by the backend in bytes; 0 when unknown.
	SizeHint int64 `json:"size_hint,omitempty" yaml:"size_hint,omitempty"`

	// RankScore is the backend relevance between 0.0 and 1.0.
	RankScore float64 `json:"rank_score" yaml:"rank_score"`

	// Checksum is an optional sha256 hex digest advertised by the backend.
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`

	// Backend names the provider that produced the candidate.
	Backend string `json:"backend" yaml:"backend"`
}

// TaskStatus is the lifecycle state of a DownloadTask.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusInFlight  TaskStatus = "in_flight"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
	StatusDuplicate TaskStatus = "duplicate"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusDuplicate:
		return true
	}
	return false
}

// DownloadTask tracks one candidate through the download stage.
type DownloadTask struct {
	ID        string
	Query     QueryRecord
	Candidate Candidate
	Attempts  int
	Status    TaskStatus

	// Path is the committed file path once Status is StatusSucceeded, or the
	// existing file for a content duplicate.
	Path string

	// ContentHash is the sha256 hex digest of the downloaded bytes.
	ContentHash string

	// Bytes is the number of bytes received on the last attempt.
	Bytes int64

	// Err holds the terminal error for failed tasks and the reason for
	// duplicates and skips.
	Err error
}

// Reason returns a short human-readable explanation of the terminal state.
func (t *DownloadTask) Reason() string {
	if t.Err == nil {
		return string(t.Status)
	}
	return t.Err.Error()
}

// QueryOutcome is the per-query result reported in the summary.
type QueryOutcome string

const (
	OutcomeSucceeded QueryOutcome = "succeeded"
	OutcomeNoResults QueryOutcome = "no_results"
	OutcomeUpToDate  QueryOutcome = "up_to_date"
	OutcomeFailed    QueryOutcome = "failed"
)

// QueryResult aggregates the outcome of every task spawned by one query.
type QueryResult struct {
	Query    QueryRecord  `json:"query" yaml:"query"`
	Outcome  QueryOutcome `json:"outcome" yaml:"outcome"`
	Found    int          `json:"found" yaml:"found"`
	Accepted int          `json:"accepted" yaml:"accepted"`

	Succeeded  int `json:"succeeded" yaml:"succeeded"`
	Failed     int `json:"failed" yaml:"failed"`
	Skipped    int `json:"skipped" yaml:"skipped"`
	Duplicates int `json:"duplicates" yaml:"duplicates"`

	// Failures holds the first few failure reasons in the order they occurred.
	Failures []string `json:"failures,omitempty" yaml:"failures,omitempty"`

	// Files lists the committed paths.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`

	// SearchError is set when the backend failed for this query.
	SearchError string `json:"search_error,omitempty" yaml:"search_error,omitempty"`
}

// RunSummary is the aggregate report for one invocation.
type RunSummary struct {
	RunID    string    `json:"run_id" yaml:"run_id"`
	Backend  string    `json:"backend" yaml:"backend"`
	Output   string    `json:"output" yaml:"output"`
	Formats  []string  `json:"formats" yaml:"formats"`
	Started  time.Time `json:"started" yaml:"started"`
	Finished time.Time `json:"finished" yaml:"finished"`
	DryRun   bool      `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`

	Queries         int `json:"queries" yaml:"queries"`
	CandidatesFound int `json:"candidates_found" yaml:"candidates_found"`
	Succeeded       int `json:"succeeded" yaml:"succeeded"`
	Failed          int `json:"failed" yaml:"failed"`
	Skipped         int `json:"skipped" yaml:"skipped"`
	Duplicates      int `json:"duplicates" yaml:"duplicates"`

	Results []QueryResult `json:"results" yaml:"results"`
}

// Successful reports whether the run as a whole succeeded: either no query
// failed, or at least one query produced a download or was already complete.
func (s *RunSummary) Successful() bool {
	failed := false
	satisfied := false
	for _, r := range s.Results {
		switch r.Outcome {
		case OutcomeFailed:
			failed = true
		case OutcomeSucceeded, OutcomeUpToDate:
			satisfied = true
		}
	}
	return !failed || satisfied
}

// ExitCode maps the run result onto the CLI exit status.
func (s *RunSummary) ExitCode() int {
	if s.Successful() {
		return ExitOK
	}
	return ExitRunFailed
}

// Count returns the number of queries with the given outcome.
func (s *RunSummary) Count(o QueryOutcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// String renders a one-line summary.
func (s *RunSummary) String() string {
	return fmt.Sprintf("%d queries: %d downloaded, %d duplicate, %d failed, %d skipped (%d candidates)",
		s.Queries, s.Succeeded, s.Duplicates, s.Failed, s.Skipped, s.CandidatesFound)
}

// Process exit codes.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitRunFailed   = 2
)
