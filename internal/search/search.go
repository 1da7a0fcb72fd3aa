// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package search queries book and document providers and yields download
// candidates lazily, one provider request at a time.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pdiddy/milou/internal/dedup"
	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/internal/httputil"
	"github.com/pdiddy/milou/pkg/types"
)

// maxBodyBytes bounds a single provider response.
const maxBodyBytes = 16 << 20

// Backend searches a single provider. Search returns a lazy sequence: no
// request is made until the caller iterates, and further pages are fetched
// only while the caller keeps pulling. Iteration stops after limit
// candidates or at the first error, which is yielded as the final pair.
type Backend interface {
	Name() string
	Search(ctx context.Context, query string, formats format.Set, limit int) iter.Seq2[types.Candidate, error]
}

// Deps carries what backends need from the caller.
type Deps struct {
	Client *http.Client
	Config types.SearchConfig
	Log    zerolog.Logger
}

type constructor func(name string, d Deps, t *throttle) (Backend, error)

// registry maps provider names to constructors. Aliases share an entry.
var registry = map[string]constructor{
	"google":      newSerpAPI,
	"bing":        newSerpAPI,
	"yahoo":       newSerpAPI,
	"baidu":       newSerpAPI,
	"yandex":      newSerpAPI,
	"duckduckgo":  newDuckDuckGo,
	"ddg":         newDuckDuckGo,
	"gutenberg":   newGutenberg,
	"openlibrary": newOpenLibrary,
	"arxiv":       newArxiv,
	"openalex":    newOpenAlex,
}

// Names returns the accepted provider names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// New resolves a provider name to a Backend. Unknown names and missing
// credentials are configuration errors. Every returned backend serializes
// its requests and waits at least Config.MinDelay between them.
func New(name string, d Deps) (Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	ctor, ok := registry[name]
	if !ok {
		return nil, types.Configf("unknown search backend %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	if d.Client == nil {
		d.Client = &http.Client{Timeout: d.Config.Timeout}
	}
	if d.Config.UserAgent == "" {
		d.Config.UserAgent = types.DefaultUserAgent
	}
	return ctor(name, d, newThrottle(d.Config.MinDelay))
}

// throttle allows one in-flight request per provider instance and spaces
// request starts at least minDelay apart.
type throttle struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

func newThrottle(minDelay time.Duration) *throttle {
	lim := rate.NewLimiter(rate.Inf, 1)
	if minDelay > 0 {
		lim = rate.NewLimiter(rate.Every(minDelay), 1)
	}
	return &throttle{lim: lim}
}

func (t *throttle) do(ctx context.Context, fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	return fn()
}

// pager fetches page n (0-based) and reports whether another page exists.
type pager func(ctx context.Context, page int) ([]types.Candidate, bool, error)

// paginate turns a pager into a lazy candidate sequence that stops at limit
// (0 means unbounded) and wraps every failure as a BackendError.
func paginate(ctx context.Context, backend string, t *throttle, limit int, fetch pager) iter.Seq2[types.Candidate, error] {
	return func(yield func(types.Candidate, error) bool) {
		n := 0
		for page := 0; ; page++ {
			var cands []types.Candidate
			var more bool
			err := t.do(ctx, func() error {
				var err error
				cands, more, err = fetch(ctx, page)
				return err
			})
			if err != nil {
				yield(types.Candidate{}, asBackendError(backend, err))
				return
			}
			for _, c := range cands {
				c.Backend = backend
				if !yield(c, nil) {
					return
				}
				n++
				if limit > 0 && n >= limit {
					return
				}
			}
			if !more {
				return
			}
		}
	}
}

// asBackendError classifies err unless it already is a BackendError.
func asBackendError(backend string, err error) error {
	var be *types.BackendError
	if errors.As(err, &be) {
		return err
	}
	return &types.BackendError{Backend: backend, Kind: httputil.ErrorKind(err), Err: err}
}

// positionScore is the position-based relevance used by every backend:
// 1.0 for the first result falling linearly to 0.1 for the last.
func positionScore(i, n int) float64 {
	if n <= 1 {
		return 1.0
	}
	return 1.0 - float64(i)/float64(n-1)*0.9
}

// get performs a GET with the configured User-Agent and returns the body.
// Non-200 responses become BackendErrors classified by status code.
func get(ctx context.Context, d Deps, backend, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &types.BackendError{Backend: backend, Kind: types.Permanent, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("User-Agent", d.Config.UserAgent)

	resp, err := httputil.DoWithRetry(ctx, d.Client, req, max(d.Config.Retries, 1), d.Log)
	if err != nil {
		return nil, &types.BackendError{Backend: backend, Kind: httputil.ErrorKind(err), Err: fmt.Errorf("%s request: %w", backend, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &types.BackendError{
			Backend: backend,
			Kind:    httputil.StatusKind(resp.StatusCode),
			Err:     fmt.Errorf("%s returned HTTP %d", backend, resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &types.BackendError{Backend: backend, Kind: httputil.ErrorKind(err), Err: fmt.Errorf("reading %s response: %w", backend, err)}
	}
	return body, nil
}

// Result is the outcome of searching one query.
type Result struct {
	Query       types.QueryRecord `json:"query" yaml:"query"`
	Found       int               `json:"found" yaml:"found"`
	Candidates  []types.Candidate `json:"candidates" yaml:"candidates"`
	DupsRemoved int               `json:"duplicates_removed,omitempty" yaml:"duplicates_removed,omitempty"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
}

// Collect drains a backend for q, then filters, deduplicates by normalized
// URL, and ranks the candidates. A backend error is returned together with
// whatever was collected before it.
func Collect(ctx context.Context, b Backend, q types.QueryRecord, formats format.Set, limit int) (Result, error) {
	res := Result{Query: q}
	var all []types.Candidate
	var searchErr error
	for c, err := range b.Search(ctx, q.Normalized, formats, limit) {
		if err != nil {
			searchErr = err
			break
		}
		c.QueryID = q.ID
		all = append(all, c)
	}
	res.Found = len(all)

	accepted, removed := deduplicate(format.Filter(all, formats))
	res.DupsRemoved = removed
	res.Candidates = format.Rank(accepted, formats)
	if searchErr != nil {
		res.Error = searchErr.Error()
	}
	return res, searchErr
}

// deduplicate drops candidates whose normalized URL was already seen,
// keeping the higher rank score on the survivor.
func deduplicate(cands []types.Candidate) ([]types.Candidate, int) {
	seen := make(map[string]int)
	var out []types.Candidate
	removed := 0
	for _, c := range cands {
		key := dedup.NormalizeURL(c.SourceURL)
		if idx, ok := seen[key]; ok {
			if c.RankScore > out[idx].RankScore {
				out[idx].RankScore = c.RankScore
			}
			if out[idx].SizeHint == 0 {
				out[idx].SizeHint = c.SizeHint
			}
			removed++
			continue
		}
		seen[key] = len(out)
		out = append(out, c)
	}
	return out, removed
}

// FormatTable writes results as a human-readable table to w.
func FormatTable(results []Result, w io.Writer) {
	for _, r := range results {
		fmt.Fprintf(w, "query %d: %s\n", r.Query.ID, r.Query.Text)
		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}
		if len(r.Candidates) == 0 {
			fmt.Fprintln(w, "  No candidates found.")
			fmt.Fprintln(w)
			continue
		}

		fmt.Fprintf(w, "  %-4s  %-50s  %-6s  %-6s  %-10s  %s\n", "Rank", "Title", "Format", "Score", "Size", "URL")
		fmt.Fprintln(w, "  "+strings.Repeat("-", 110))
		for i, c := range r.Candidates {
			fmt.Fprintf(w, "  %-4d  %-50s  %-6s  %-6.2f  %-10s  %s\n",
				i+1, truncate(c.Title, 50), c.Format, c.RankScore, formatSize(c.SizeHint), c.SourceURL)
		}
		fmt.Fprintf(w, "\n  %d candidates", len(r.Candidates))
		if r.DupsRemoved > 0 {
			fmt.Fprintf(w, " (%d duplicates removed)", r.DupsRemoved)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w)
	}
}

// FormatJSON writes results as indented JSON to w.
func FormatJSON(results []Result, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func formatSize(n int64) string {
	const unit = 1024
	switch {
	case n <= 0:
		return "-"
	case n < unit:
		return fmt.Sprintf("%d B", n)
	case n < unit*unit:
		return fmt.Sprintf("%.1f KB", float64(n)/unit)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/(unit*unit))
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
