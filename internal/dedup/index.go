// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package dedup records which source URLs and which file contents have
// already been retrieved into an output directory, so repeated runs do not
// download or store the same book twice.
package dedup

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/milou/pkg/types"
)

const (
	// StateDir is the hidden directory under the output root holding the
	// index and temporary downloads.
	StateDir = ".milou"
	dbFile   = "index.db"
)

// Index is a persistent URL and content-hash index scoped to one output
// directory. All methods are safe for concurrent use; calls are serialized.
type Index struct {
	mu     sync.Mutex
	db     *sqlx.DB
	root   string
	claims map[string]bool

	// RunID is stored with every row written during this run.
	RunID string
}

// Stats counts the rows in the index.
type Stats struct {
	URLs     int `db:"urls" json:"urls"`
	Contents int `db:"contents" json:"contents"`
	Runs     int `db:"runs" json:"runs"`
}

// Open opens or creates the index at outputDir/.milou/index.db.
func Open(outputDir string) (*Index, error) {
	dir := filepath.Join(outputDir, StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", filepath.Join(dir, dbFile)+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{db: db, root: outputDir, claims: make(map[string]bool)}
	if err := idx.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return idx, nil
}

// Close releases the database connection.
func (i *Index) Close() error {
	return i.db.Close()
}

func (i *Index) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS urls (
			url_hash TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			run_id TEXT,
			seen_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contents (
			content_hash TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			url_hash TEXT,
			run_id TEXT,
			stored_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			backend TEXT,
			started TEXT,
			finished TEXT,
			queries INTEGER,
			succeeded INTEGER,
			failed INTEGER,
			skipped INTEGER,
			duplicates INTEGER
		)`,
	}
	for _, stmt := range statements {
		if _, err := i.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Seen reports whether url was retrieved by a previous or the current run.
func (i *Index) Seen(rawURL string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.seenLocked(HashURL(rawURL))
}

func (i *Index) seenLocked(h string) (bool, error) {
	var n int
	if err := i.db.Get(&n, `SELECT COUNT(*) FROM urls WHERE url_hash = ?`, h); err != nil {
		return false, fmt.Errorf("querying url: %w", err)
	}
	return n > 0, nil
}

// MarkSeen persists url so later runs skip it.
func (i *Index) MarkSeen(rawURL string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	h := HashURL(rawURL)
	delete(i.claims, h)
	_, err := i.db.Exec(`INSERT OR IGNORE INTO urls (url_hash, url, run_id, seen_at) VALUES (?, ?, ?, ?)`,
		h, rawURL, i.RunID, now())
	if err != nil {
		return fmt.Errorf("marking url: %w", err)
	}
	return nil
}

// Claim atomically checks and marks url for this run. It returns false when
// the URL is already persisted or another worker holds a claim on it.
func (i *Index) Claim(rawURL string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	h := HashURL(rawURL)
	if i.claims[h] {
		return false, nil
	}
	seen, err := i.seenLocked(h)
	if err != nil || seen {
		return false, err
	}
	i.claims[h] = true
	return true, nil
}

// Release drops the in-run claim on url without persisting it, so a later
// run can try again.
func (i *Index) Release(rawURL string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.claims, HashURL(rawURL))
}

// SeenContent reports whether a file with this content hash is stored.
func (i *Index) SeenContent(hash string) (bool, error) {
	_, ok, err := i.ContentPath(hash)
	return ok, err
}

// ContentPath returns the stored path for a content hash, joined with the
// output directory the index was opened with. Rows whose file no longer
// exists are dropped and reported as unseen.
func (i *Index) ContentPath(hash string) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var p string
	err := i.db.Get(&p, `SELECT path FROM contents WHERE content_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying content: %w", err)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(i.root, filepath.FromSlash(p))
	}
	if _, statErr := os.Stat(p); statErr != nil {
		if _, err := i.db.Exec(`DELETE FROM contents WHERE content_hash = ?`, hash); err != nil {
			return "", false, fmt.Errorf("dropping stale content: %w", err)
		}
		return "", false, nil
	}
	return p, true, nil
}

// MarkContent records that path holds content with the given hash,
// retrieved from url. Paths under the output directory are stored relative
// to it so the index survives a different working directory or a moved
// output tree.
func (i *Index) MarkContent(hash, path, rawURL string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, err := i.db.Exec(`INSERT OR REPLACE INTO contents (content_hash, path, url_hash, run_id, stored_at) VALUES (?, ?, ?, ?, ?)`,
		hash, i.relPath(path), HashURL(rawURL), i.RunID, now())
	if err != nil {
		return fmt.Errorf("marking content: %w", err)
	}
	return nil
}

// relPath returns path relative to the output root in slash form, or the
// absolute path when it lies outside the root.
func (i *Index) relPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	root, err := filepath.Abs(i.root)
	if err != nil {
		return abs
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs
	}
	return filepath.ToSlash(rel)
}

// RecordRun stores the counters of a finished run.
func (i *Index) RecordRun(s *types.RunSummary) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, err := i.db.NamedExec(`INSERT OR REPLACE INTO runs
		(run_id, backend, started, finished, queries, succeeded, failed, skipped, duplicates)
		VALUES (:run_id, :backend, :started, :finished, :queries, :succeeded, :failed, :skipped, :duplicates)`,
		map[string]any{
			"run_id":     s.RunID,
			"backend":    s.Backend,
			"started":    s.Started.UTC().Format(time.RFC3339),
			"finished":   s.Finished.UTC().Format(time.RFC3339),
			"queries":    s.Queries,
			"succeeded":  s.Succeeded,
			"failed":     s.Failed,
			"skipped":    s.Skipped,
			"duplicates": s.Duplicates,
		})
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// Stats returns row counts.
func (i *Index) Stats() (Stats, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var s Stats
	err := i.db.Get(&s, `SELECT
		(SELECT COUNT(*) FROM urls) AS urls,
		(SELECT COUNT(*) FROM contents) AS contents,
		(SELECT COUNT(*) FROM runs) AS runs`)
	if err != nil {
		return Stats{}, fmt.Errorf("counting rows: %w", err)
	}
	return s, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// HashURL returns the sha256 hex digest of the normalized URL.
func HashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL lowercases scheme and host, drops default ports and the
// fragment, sorts query parameters, and trims a trailing slash from
// non-root paths. Unparseable input is returned trimmed.
func NormalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}

	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}
