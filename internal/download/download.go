// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package download fetches candidate files with a bounded worker pool,
// verifies them, and hands them to the organizer for placement.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/milou/internal/dedup"
	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/internal/httputil"
	"github.com/pdiddy/milou/internal/organize"
	"github.com/pdiddy/milou/pkg/types"
)

const (
	tmpDir       = "tmp"
	maxRedirects = 10
)

// errStalled cancels a transfer that received no data for the timeout.
var errStalled = errors.New("transfer stalled")

// Orchestrator runs download tasks on up to Config.Concurrency workers.
type Orchestrator struct {
	client  *http.Client
	cfg     types.DownloadConfig
	index   *dedup.Index
	org     *organize.Organizer
	backoff httputil.Backoff
	tmp     string
	log     zerolog.Logger

	// placeMu makes the content lookup and commit of one task atomic.
	placeMu sync.Mutex

	outMu sync.Mutex
	out   io.Writer
}

// New returns an Orchestrator writing temp files under the organizer root's
// state directory. Leftover temp files from an interrupted run are removed.
// Progress lines go to w.
func New(cfg types.DownloadConfig, idx *dedup.Index, org *organize.Organizer, log zerolog.Logger, w io.Writer) (*Orchestrator, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = types.DefaultConcurrency
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = types.DefaultUserAgent
	}
	if w == nil {
		w = io.Discard
	}

	tmp := TempDir(org.Root())
	if err := os.RemoveAll(tmp); err != nil {
		return nil, fmt.Errorf("clearing temp directory: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}

	return &Orchestrator{
		client:  &http.Client{CheckRedirect: checkRedirect},
		cfg:     cfg,
		index:   idx,
		org:     org,
		backoff: httputil.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: true},
		tmp:     tmp,
		log:     log,
		out:     w,
	}, nil
}

// SetBackoff replaces the retry policy.
func (o *Orchestrator) SetBackoff(b httputil.Backoff) { o.backoff = b }

// TempDir returns the directory holding in-progress downloads for the
// output directory root.
func TempDir(root string) string {
	return filepath.Join(root, dedup.StateDir, tmpDir)
}

// Run downloads every task and returns the same slice once all tasks have
// reached a terminal status.
func (o *Orchestrator) Run(ctx context.Context, tasks []*types.DownloadTask) []*types.DownloadTask {
	in := make(chan *types.DownloadTask)
	done := o.Start(ctx, in)
	go func() {
		defer close(in)
		for _, t := range tasks {
			in <- t
		}
	}()
	for range done {
	}
	return tasks
}

// Start consumes tasks from in until it is closed and emits each task on
// the returned channel once it is terminal. The returned channel is closed
// after in is closed and every task has been emitted. Tasks received after
// ctx is cancelled end Skipped without any network activity.
func (o *Orchestrator) Start(ctx context.Context, in <-chan *types.DownloadTask) <-chan *types.DownloadTask {
	out := make(chan *types.DownloadTask)
	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(o.cfg.Concurrency)
		for t := range in {
			g.Go(func() error {
				o.process(ctx, t)
				out <- t
				return nil
			})
		}
		g.Wait()
	}()
	return out
}

func (o *Orchestrator) process(ctx context.Context, t *types.DownloadTask) {
	if err := ctx.Err(); err != nil {
		o.skip(t, err)
		return
	}
	t.Status = types.StatusInFlight
	o.printf("downloading: %s (%s) %s\n", t.Candidate.Title, t.Candidate.Format, t.Candidate.SourceURL)

	// In-flight work outlives cancellation by the grace period.
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(o.cfg.GracePeriod, cancel)
	})
	defer stop()

	var res fetched
	_, err := httputil.Retry(ctx, o.backoff, o.cfg.MaxRetries, func(attempt int) error {
		if attempt > 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		t.Attempts++
		var err error
		res, err = o.fetch(dctx, t.Candidate)
		if err != nil && types.IsTransient(err) && attempt < o.cfg.MaxRetries {
			o.log.Debug().Err(err).Str("url", t.Candidate.SourceURL).Int("attempt", attempt+1).Msg("retrying download")
		}
		return err
	})
	if err != nil {
		if dctx.Err() != nil || (ctx.Err() != nil && (errors.Is(err, context.Canceled) || types.IsTransient(err))) {
			// Aborted by cancellation.
			o.skip(t, err)
			return
		}
		o.fail(t, err)
		return
	}
	o.place(t, res)
}

// place deduplicates by content and commits the temp file.
func (o *Orchestrator) place(t *types.DownloadTask, res fetched) {
	o.placeMu.Lock()
	defer o.placeMu.Unlock()

	t.ContentHash = res.hash
	t.Bytes = res.size

	if existing, ok, err := o.index.ContentPath(res.hash); err != nil {
		os.Remove(res.tmp)
		o.fail(t, err)
		return
	} else if ok {
		os.Remove(res.tmp)
		if err := o.index.MarkSeen(t.Candidate.SourceURL); err != nil {
			o.log.Warn().Err(err).Msg("recording duplicate url")
		}
		t.Status = types.StatusDuplicate
		t.Path = existing
		t.Err = types.ErrDuplicate
		o.printf("duplicate: %s (same content as %s)\n", t.Candidate.Title, existing)
		return
	}

	final, err := o.org.PathFor(t.Query, t.Candidate)
	if err != nil {
		os.Remove(res.tmp)
		o.fail(t, err)
		return
	}
	err = o.org.Commit(res.tmp, final, organize.Verify{
		ExpectedLength: res.expected,
		SizeHint:       t.Candidate.SizeHint,
		Checksum:       t.Candidate.Checksum,
	})
	if err != nil {
		o.fail(t, err)
		return
	}

	if err := o.index.MarkContent(res.hash, final, t.Candidate.SourceURL); err != nil {
		o.log.Warn().Err(err).Str("path", final).Msg("recording content hash")
	}
	if err := o.index.MarkSeen(t.Candidate.SourceURL); err != nil {
		o.log.Warn().Err(err).Str("url", t.Candidate.SourceURL).Msg("recording url")
	}
	t.Status = types.StatusSucceeded
	t.Path = final
	t.Err = nil
	o.printf("saved: %s (%d bytes)\n", final, res.size)
}

func (o *Orchestrator) fail(t *types.DownloadTask, err error) {
	o.index.Release(t.Candidate.SourceURL)
	t.Status = types.StatusFailed
	t.Err = err
	o.printf("failed: %s (%v)\n", t.Candidate.SourceURL, err)
}

func (o *Orchestrator) skip(t *types.DownloadTask, err error) {
	o.index.Release(t.Candidate.SourceURL)
	t.Status = types.StatusSkipped
	t.Err = err
}

func (o *Orchestrator) printf(msg string, args ...any) {
	o.outMu.Lock()
	defer o.outMu.Unlock()
	fmt.Fprintf(o.out, msg, args...)
}

// fetched describes a completed transfer sitting in a temp file.
type fetched struct {
	tmp      string
	hash     string
	size     int64
	expected int64
}

// fetch performs one download attempt. On error no temp file is left.
// Config.Timeout bounds the wait for response headers and every gap between
// received bytes, not the whole transfer.
func (o *Orchestrator) fetch(ctx context.Context, c types.Candidate) (fetched, error) {
	u, err := url.Parse(c.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fetched{}, permanent(c.SourceURL, fmt.Errorf("unsupported URL %q", c.SourceURL))
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	var idle *time.Timer
	if o.cfg.Timeout > 0 {
		idle = time.AfterFunc(o.cfg.Timeout, func() { cancel(errStalled) })
		defer idle.Stop()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.SourceURL, nil)
	if err != nil {
		return fetched{}, permanent(c.SourceURL, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", o.cfg.UserAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		if serr := o.stalled(ctx, c.SourceURL); serr != nil {
			return fetched{}, serr
		}
		var de *types.DownloadError
		if errors.As(err, &de) {
			return fetched{}, de
		}
		return fetched{}, &types.DownloadError{URL: c.SourceURL, Kind: httputil.ErrorKind(err), Err: fmt.Errorf("HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fetched{}, &types.DownloadError{
			URL:  c.SourceURL,
			Kind: httputil.StatusKind(resp.StatusCode),
			Err:  fmt.Errorf("HTTP %d from %s", resp.StatusCode, c.SourceURL),
		}
	}

	f, err := os.CreateTemp(o.tmp, "dl-*.part")
	if err != nil {
		return fetched{}, permanent(c.SourceURL, fmt.Errorf("creating temp file: %w", err))
	}
	tmpPath := f.Name()

	var body io.Reader = resp.Body
	if idle != nil {
		body = &idleReader{r: resp.Body, timer: idle, timeout: o.cfg.Timeout}
	}
	h := sha256.New()
	n, copyErr := copyChecked(io.MultiWriter(f, h), body, c.Format)
	closeErr := f.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = permanent(c.SourceURL, fmt.Errorf("closing temp file: %w", closeErr))
	}
	if copyErr == nil {
		copyErr = checkLength(c.SourceURL, n, resp.ContentLength)
	}
	if copyErr != nil {
		os.Remove(tmpPath)
		if serr := o.stalled(ctx, c.SourceURL); serr != nil {
			return fetched{}, serr
		}
		var de *types.DownloadError
		if errors.As(copyErr, &de) {
			if de.URL == "" {
				de.URL = c.SourceURL
			}
			return fetched{}, de
		}
		return fetched{}, &types.DownloadError{URL: c.SourceURL, Kind: httputil.ErrorKind(copyErr), Err: fmt.Errorf("writing download: %w", copyErr)}
	}

	return fetched{
		tmp:      tmpPath,
		hash:     hex.EncodeToString(h.Sum(nil)),
		size:     n,
		expected: resp.ContentLength,
	}, nil
}

// stalled returns a transient error when ctx was cancelled by the idle
// timer, nil otherwise.
func (o *Orchestrator) stalled(ctx context.Context, rawURL string) error {
	if !errors.Is(context.Cause(ctx), errStalled) {
		return nil
	}
	return &types.DownloadError{URL: rawURL, Kind: types.Transient, Err: fmt.Errorf("no data received for %s", o.cfg.Timeout)}
}

// idleReader pushes the stall deadline back on every read that returns data.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

// copyChecked copies body to w, sniffing the first format.SniffLen bytes
// against the declared format before anything else is written.
func copyChecked(w io.Writer, body io.Reader, declared string) (int64, error) {
	head := make([]byte, format.SniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, err
	}
	head = head[:n]
	if n == 0 {
		return 0, &types.DownloadError{Kind: types.Permanent, Err: errors.New("empty body")}
	}
	if sniffErr := format.Sniff(head, declared); sniffErr != nil {
		return 0, &types.DownloadError{Kind: types.Permanent, Err: sniffErr}
	}
	if _, err := w.Write(head); err != nil {
		return 0, err
	}
	rest, err := io.Copy(w, body)
	return int64(n) + rest, err
}

// checkLength compares the observed size with Content-Length. A short body
// is transient: the server or connection cut the transfer.
func checkLength(rawURL string, got, want int64) error {
	if want >= 0 && got != want {
		return &types.DownloadError{
			URL:  rawURL,
			Kind: types.Transient,
			Err:  fmt.Errorf("short body: got %d of %d bytes", got, want),
		}
	}
	return nil
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return permanent(req.URL.String(), fmt.Errorf("stopped after %d redirects", maxRedirects))
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return permanent(req.URL.String(), fmt.Errorf("redirect to unsupported scheme %q", req.URL.Scheme))
	}
	return nil
}

func permanent(rawURL string, err error) *types.DownloadError {
	return &types.DownloadError{URL: rawURL, Kind: types.Permanent, Err: err}
}
