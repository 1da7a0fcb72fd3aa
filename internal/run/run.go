// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package run drives one `milou book` invocation: it searches every query,
// filters and ranks the candidates, feeds them to the download stage, and
// aggregates the outcome into a RunSummary.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/milou/internal/dedup"
	"github.com/pdiddy/milou/internal/download"
	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/internal/httputil"
	"github.com/pdiddy/milou/internal/search"
	"github.com/pdiddy/milou/pkg/types"
)

// Controller wires the pipeline stages together. Downloads may be nil for
// a dry run.
type Controller struct {
	Backend   search.Backend
	Formats   format.Set
	Config    types.BookConfig
	Index     *dedup.Index
	Downloads *download.Orchestrator
	Log       zerolog.Logger

	// SearchBackoff spaces retries of transient search errors.
	SearchBackoff httputil.Backoff

	// Out receives progress lines; nil discards them.
	Out io.Writer

	outMu sync.Mutex
}

// queryState accumulates one query's result; guarded by the ledger lock.
type queryState struct {
	result types.QueryResult
}

// ledger folds terminal tasks into their query results. A task whose URL
// another query of this run already enqueued waits on that download and
// takes its status from it once the download is terminal.
type ledger struct {
	mu         sync.Mutex
	byID       map[int]*queryState
	owners     map[string]*urlClaim
	maxReasons int
}

// urlClaim tracks the single download of a URL within a run.
type urlClaim struct {
	done    bool
	status  types.TaskStatus
	reason  string
	waiters []*types.DownloadTask
}

func newLedger(states []*queryState, maxReasons int) *ledger {
	l := &ledger{
		byID:       make(map[int]*queryState, len(states)),
		owners:     make(map[string]*urlClaim),
		maxReasons: maxReasons,
	}
	for _, st := range states {
		l.byID[st.result.Query.ID] = st
	}
	return l
}

// add folds t into its query result. Callers hold l.mu.
func (l *ledger) add(t *types.DownloadTask) {
	record(l.byID[t.Query.ID], t, l.maxReasons)
}

// finish records a task returned by the download stage and resolves every
// task waiting on its URL.
func (l *ledger) finish(t *types.DownloadTask) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.add(t)
	uc := l.owners[dedup.HashURL(t.Candidate.SourceURL)]
	if uc == nil {
		return
	}
	uc.done, uc.status, uc.reason = true, t.Status, t.Reason()
	for _, w := range uc.waiters {
		l.follow(w, uc)
	}
	uc.waiters = nil
}

// follow gives a waiting task the outcome of the download it shares.
func (l *ledger) follow(t *types.DownloadTask, uc *urlClaim) {
	switch uc.status {
	case types.StatusSucceeded, types.StatusDuplicate:
		t.Status = types.StatusDuplicate
		t.Err = types.ErrDuplicate
	case types.StatusSkipped:
		t.Status = types.StatusSkipped
		t.Err = fmt.Errorf("shared download skipped: %s", uc.reason)
	default:
		t.Status = types.StatusFailed
		t.Err = fmt.Errorf("shared download failed: %s", uc.reason)
	}
	l.add(t)
}

// drain marks tasks still waiting on an unfinished download as skipped.
func (l *ledger) drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, uc := range l.owners {
		for _, w := range uc.waiters {
			w.Status = types.StatusSkipped
			w.Err = errors.New("shared download never finished")
			l.add(w)
		}
		uc.waiters = nil
	}
}

// Run processes queries and returns the summary. Per-query and per-task
// failures are reported in the summary, never as an error; the error is
// reserved for failures that make the summary itself unreliable.
func (c *Controller) Run(ctx context.Context, queries []types.QueryRecord) (*types.RunSummary, error) {
	cfg := c.Config.WithDefaults()
	if c.Out == nil {
		c.Out = io.Discard
	}
	if c.Downloads == nil && !cfg.DryRun {
		return nil, fmt.Errorf("no download stage configured")
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	summary := &types.RunSummary{
		RunID:   id.String(),
		Backend: c.Backend.Name(),
		Output:  cfg.OutputDir,
		Formats: c.Formats.List(),
		Started: time.Now(),
		DryRun:  cfg.DryRun,
		Queries: len(queries),
	}
	if c.Index != nil {
		c.Index.RunID = summary.RunID
	}
	c.Log.Info().Str("run_id", summary.RunID).Str("backend", summary.Backend).
		Int("queries", len(queries)).Strs("formats", summary.Formats).Msg("run started")

	states := make([]*queryState, len(queries))
	for i, q := range queries {
		states[i] = &queryState{result: types.QueryResult{Query: q}}
	}
	l := newLedger(states, cfg.MaxFailureReasons)

	tasks := make(chan *types.DownloadTask)
	collected := make(chan struct{})
	if cfg.DryRun {
		go func() {
			defer close(collected)
			for range tasks {
			}
		}()
	} else {
		done := c.Downloads.Start(ctx, tasks)
		go func() {
			defer close(collected)
			for t := range done {
				l.finish(t)
			}
		}()
	}

	var g errgroup.Group
	g.SetLimit(cfg.QueryConcurrency)
	for i, q := range queries {
		st := states[i]
		g.Go(func() error {
			c.processQuery(ctx, cfg, q, st, l, tasks)
			return nil
		})
	}
	g.Wait()
	close(tasks)
	<-collected
	l.drain()

	summary.Finished = time.Now()
	for _, st := range states {
		st.result.Outcome = outcome(st.result, cfg.DryRun)
		r := st.result
		summary.CandidatesFound += r.Found
		summary.Succeeded += r.Succeeded
		summary.Failed += r.Failed
		summary.Skipped += r.Skipped
		summary.Duplicates += r.Duplicates
		summary.Results = append(summary.Results, r)
	}

	if c.Index != nil && !cfg.DryRun {
		if err := c.Index.RecordRun(summary); err != nil {
			c.Log.Warn().Err(err).Msg("recording run")
		}
	}
	c.Log.Info().Str("run_id", summary.RunID).Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).Dur("elapsed", summary.Finished.Sub(summary.Started)).Msg("run finished")
	return summary, nil
}

// processQuery searches one query and enqueues its accepted candidates in
// rank order. URLs stored by an earlier run become duplicates without a
// download; URLs another query already enqueued wait on that download.
func (c *Controller) processQuery(ctx context.Context, cfg types.BookConfig, q types.QueryRecord, st *queryState, l *ledger, tasks chan<- *types.DownloadTask) {
	if err := ctx.Err(); err != nil {
		l.mu.Lock()
		st.result.SearchError = "cancelled before search"
		l.mu.Unlock()
		return
	}

	c.printf("searching: %s\n", q.Text)
	res, err := c.search(ctx, cfg, q)

	l.mu.Lock()
	st.result.Found = res.Found
	st.result.Accepted = len(res.Candidates)
	if err != nil {
		st.result.SearchError = err.Error()
		addFailure(&st.result, err.Error(), cfg.MaxFailureReasons)
	}
	l.mu.Unlock()

	if err != nil {
		c.printf("search failed: %s (%v)\n", q.Text, err)
	}
	c.printf("found: %d candidates, %d accepted for %q\n", res.Found, len(res.Candidates), q.Text)

	for i, cand := range res.Candidates {
		t := &types.DownloadTask{
			ID:        fmt.Sprintf("%d-%d", q.ID, i+1),
			Query:     q,
			Candidate: cand,
			Status:    types.StatusPending,
		}

		if cfg.DryRun {
			c.plan(l, t)
			continue
		}
		if c.enqueue(l, t) {
			tasks <- t
		}
	}
}

// enqueue decides whether t needs a download. It returns false when t was
// recorded or parked behind another query's download of the same URL.
func (c *Controller) enqueue(l *ledger, t *types.DownloadTask) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := dedup.HashURL(t.Candidate.SourceURL)
	if uc, ok := l.owners[key]; ok {
		if uc.done {
			l.follow(t, uc)
		} else {
			uc.waiters = append(uc.waiters, t)
		}
		return false
	}

	claimed, err := c.claim(t.Candidate.SourceURL)
	switch {
	case err != nil:
		t.Status = types.StatusFailed
		t.Err = fmt.Errorf("checking index: %w", err)
	case !claimed:
		t.Status = types.StatusDuplicate
		t.Err = types.ErrDuplicate
		c.printf("duplicate: %s (already retrieved)\n", t.Candidate.SourceURL)
	default:
		l.owners[key] = &urlClaim{}
		return true
	}
	l.add(t)
	return false
}

// search runs the backend for q, retrying transient failures.
func (c *Controller) search(ctx context.Context, cfg types.BookConfig, q types.QueryRecord) (search.Result, error) {
	var res search.Result
	_, err := httputil.Retry(ctx, c.SearchBackoff, cfg.Search.Retries, func(attempt int) error {
		if attempt > 0 {
			c.Log.Debug().Int("query", q.ID).Int("attempt", attempt+1).Msg("retrying search")
		}
		var err error
		res, err = search.Collect(ctx, c.Backend, q, c.Formats, cfg.Search.Limit)
		return err
	})
	return res, err
}

func (c *Controller) claim(rawURL string) (bool, error) {
	if c.Index == nil {
		return true, nil
	}
	return c.Index.Claim(rawURL)
}

// plan records what a dry run would download.
func (c *Controller) plan(l *ledger, t *types.DownloadTask) {
	seen := false
	if c.Index != nil {
		var err error
		if seen, err = c.Index.Seen(t.Candidate.SourceURL); err != nil {
			c.Log.Warn().Err(err).Msg("checking index")
		}
	}
	if seen {
		t.Status = types.StatusDuplicate
		t.Err = types.ErrDuplicate
		c.printf("would skip: %s (already retrieved)\n", t.Candidate.SourceURL)
	} else {
		t.Status = types.StatusSkipped
		t.Err = errDryRun
		c.printf("would download: %s (%s) %s\n", t.Candidate.Title, t.Candidate.Format, t.Candidate.SourceURL)
	}
	l.mu.Lock()
	l.add(t)
	l.mu.Unlock()
}

var errDryRun = errors.New("dry run")

// record folds a terminal task into its query's result.
func record(st *queryState, t *types.DownloadTask, maxReasons int) {
	r := &st.result
	switch t.Status {
	case types.StatusSucceeded:
		r.Succeeded++
		r.Files = append(r.Files, t.Path)
	case types.StatusDuplicate:
		r.Duplicates++
	case types.StatusSkipped:
		r.Skipped++
	default:
		r.Failed++
		addFailure(r, fmt.Sprintf("%s: %s", t.Candidate.SourceURL, t.Reason()), maxReasons)
	}
}

func addFailure(r *types.QueryResult, reason string, maxReasons int) {
	if len(r.Failures) < maxReasons {
		r.Failures = append(r.Failures, reason)
	}
}

// outcome classifies a finished query.
func outcome(r types.QueryResult, dryRun bool) types.QueryOutcome {
	switch {
	case r.Accepted == 0 && r.SearchError != "":
		return types.OutcomeFailed
	case r.Accepted == 0:
		return types.OutcomeNoResults
	case r.Succeeded > 0:
		return types.OutcomeSucceeded
	case r.Duplicates == r.Accepted:
		return types.OutcomeUpToDate
	case dryRun && r.Failed == 0:
		return types.OutcomeSucceeded
	}
	return types.OutcomeFailed
}

func (c *Controller) printf(msg string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.Out, msg, args...)
}
