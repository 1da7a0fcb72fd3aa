// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func summaryOf(outcomes ...QueryOutcome) *RunSummary {
	s := &RunSummary{Queries: len(outcomes)}
	for _, o := range outcomes {
		s.Results = append(s.Results, QueryResult{Outcome: o})
	}
	return s
}

func TestRunSummary_ExitCode(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []QueryOutcome
		want     int
	}{
		{"all succeeded", []QueryOutcome{OutcomeSucceeded, OutcomeSucceeded}, ExitOK},
		{"no results is not a failure", []QueryOutcome{OutcomeNoResults}, ExitOK},
		{"up to date", []QueryOutcome{OutcomeUpToDate}, ExitOK},
		{"sole failure", []QueryOutcome{OutcomeFailed}, ExitRunFailed},
		{"failure with no results", []QueryOutcome{OutcomeFailed, OutcomeNoResults}, ExitRunFailed},
		{"partial success", []QueryOutcome{OutcomeFailed, OutcomeSucceeded}, ExitOK},
		{"failure and up to date", []QueryOutcome{OutcomeUpToDate, OutcomeFailed}, ExitOK},
		{"no queries", nil, ExitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, summaryOf(tt.outcomes...).ExitCode())
		})
	}
}

func TestRunSummary_CountAndString(t *testing.T) {
	s := summaryOf(OutcomeFailed, OutcomeSucceeded, OutcomeFailed)
	s.Succeeded, s.Failed, s.CandidatesFound = 2, 3, 9
	assert.Equal(t, 2, s.Count(OutcomeFailed))
	assert.Equal(t, 0, s.Count(OutcomeUpToDate))
	assert.Equal(t, "3 queries: 2 downloaded, 0 duplicate, 3 failed, 0 skipped (9 candidates)", s.String())
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusSucceeded, StatusFailed, StatusSkipped, StatusDuplicate} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInFlight.IsTerminal())
}

func TestDownloadTask_Reason(t *testing.T) {
	assert.Equal(t, "pending", (&DownloadTask{Status: StatusPending}).Reason())
	assert.Equal(t, "duplicate", (&DownloadTask{Status: StatusDuplicate, Err: ErrDuplicate}).Reason())
}

func TestIsTransient(t *testing.T) {
	transient := &DownloadError{URL: "u", Kind: Transient, Err: errors.New("reset")}
	assert.True(t, IsTransient(transient))
	assert.True(t, IsTransient(fmt.Errorf("attempt 2: %w", transient)))
	assert.True(t, IsTransient(&BackendError{Backend: "b", Kind: Transient, Err: errors.New("503")}))
	assert.False(t, IsTransient(&BackendError{Backend: "b", Kind: Permanent, Err: errors.New("401")}))
	assert.False(t, IsTransient(&IntegrityError{Path: "p", Msg: "short"}))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestBookConfig_WithDefaults(t *testing.T) {
	cfg := BookConfig{}.WithDefaults()
	assert.Equal(t, DefaultTimeout, cfg.Search.Timeout)
	assert.Equal(t, DefaultUserAgent, cfg.Download.UserAgent)
	assert.Equal(t, DefaultLimit, cfg.Search.Limit)
	assert.Equal(t, DefaultConcurrency, cfg.Download.Concurrency)
	assert.Equal(t, DefaultGracePeriod, cfg.Download.GracePeriod)
	assert.Equal(t, 1, cfg.QueryConcurrency)
	assert.Equal(t, DefaultMaxFailureReasons, cfg.MaxFailureReasons)
	assert.Equal(t, time.Duration(0), cfg.Search.MinDelay, "zero delay is kept")
	assert.Equal(t, 0, cfg.Download.MaxRetries, "zero retries is kept")

	custom := BookConfig{Search: SearchConfig{HTTPConfig: HTTPConfig{UserAgent: "x/1"}, MinDelay: -time.Second}}.WithDefaults()
	assert.Equal(t, "x/1", custom.Download.UserAgent, "download inherits the search user agent")
	assert.Equal(t, time.Duration(0), custom.Search.MinDelay)
}
