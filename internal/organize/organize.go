// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package organize maps query/candidate pairs to file paths under the
// output root and promotes verified downloads into place atomically.
package organize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pdiddy/milou/internal/query"
	"github.com/pdiddy/milou/pkg/types"
)

// maxNameBytes caps a sanitized path component, leaving room for a
// collision suffix and extension.
const maxNameBytes = 120

// Organizer owns the layout of one output root. Path reservation is safe
// for concurrent use.
type Organizer struct {
	root string

	mu       sync.Mutex
	reserved map[string]bool
}

// New returns an Organizer for root. The directory is created if absent.
func New(root string) (*Organizer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &Organizer{root: root, reserved: make(map[string]bool)}, nil
}

// Root returns the output root.
func (o *Organizer) Root() string { return o.root }

// Dir returns the query subdirectory for q.
func (o *Organizer) Dir(q types.QueryRecord) string {
	name := Sanitize(q.Text)
	if name == "" {
		name = fmt.Sprintf("query-%d", q.ID)
	}
	return filepath.Join(o.root, name)
}

// PathFor returns <root>/<query>/<title>.<format>, reserving the path for
// this run. Names taken on disk or by another reservation get a numeric
// suffix: title-1.pdf, title-2.pdf, and so on.
func (o *Organizer) PathFor(q types.QueryRecord, c types.Candidate) (string, error) {
	dir := o.Dir(q)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating query directory: %w", err)
	}

	base := Sanitize(c.Title)
	if base == "" {
		base = Sanitize(urlBase(c.SourceURL))
	}
	if base == "" {
		base = "untitled"
	}
	ext := "." + c.Format

	o.mu.Lock()
	defer o.mu.Unlock()
	for n := 0; ; n++ {
		name := base + ext
		if n > 0 {
			name = fmt.Sprintf("%s-%d%s", base, n, ext)
		}
		p := filepath.Join(dir, name)
		if o.reserved[p] {
			continue
		}
		if _, err := os.Lstat(p); err == nil {
			continue
		}
		o.reserved[p] = true
		return p, nil
	}
}

// Release frees a reservation that will not be committed.
func (o *Organizer) Release(p string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.reserved, p)
}

// Verify describes what a downloaded file must satisfy before commit.
type Verify struct {
	// ExpectedLength is the transport-declared length; -1 when unknown.
	ExpectedLength int64

	// SizeHint is the backend-advertised size; 0 when unknown.
	SizeHint int64

	// Checksum is an optional sha256 hex digest.
	Checksum string
}

// Commit verifies tmp and renames it to final. On verification failure tmp
// is removed and an IntegrityError is returned; final is never created.
func (o *Organizer) Commit(tmp, final string, v Verify) error {
	defer o.Release(final)

	if err := verify(tmp, v); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func verify(tmp string, v Verify) error {
	info, err := os.Stat(tmp)
	if err != nil {
		return &types.IntegrityError{Path: tmp, Msg: err.Error()}
	}
	size := info.Size()
	if size == 0 {
		return &types.IntegrityError{Path: tmp, Msg: "empty file"}
	}
	if v.ExpectedLength >= 0 && size != v.ExpectedLength {
		return &types.IntegrityError{Path: tmp, Msg: fmt.Sprintf("size %d, expected %d", size, v.ExpectedLength)}
	}
	if v.SizeHint > 0 && size < v.SizeHint {
		return &types.IntegrityError{Path: tmp, Msg: fmt.Sprintf("size %d is below advertised %d", size, v.SizeHint)}
	}
	if v.Checksum != "" {
		sum, err := fileSHA256(tmp)
		if err != nil {
			return &types.IntegrityError{Path: tmp, Msg: err.Error()}
		}
		if !strings.EqualFold(sum, v.Checksum) {
			return &types.IntegrityError{Path: tmp, Msg: fmt.Sprintf("checksum %s, expected %s", sum, v.Checksum)}
		}
	}
	return nil
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sanitize turns free text into a portable path component: diacritics
// stripped, path-hostile characters dropped, whitespace runs collapsed to
// "_", capped at maxNameBytes on a rune boundary.
func Sanitize(s string) string {
	s = query.StripDiacritics(strings.TrimSpace(s))

	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '-' || r == '.' || r == '(' || r == ')':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			if b.Len() > 0 {
				b.WriteRune(r)
			}
		default:
			pendingSep = true
		}
	}

	out := strings.TrimRight(b.String(), "._-")
	if len(out) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = strings.TrimRight(out[:cut], "._-")
	}
	return out
}

func urlBase(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	b := path.Base(u.Path)
	if b == "." || b == "/" {
		return ""
	}
	return strings.TrimSuffix(b, path.Ext(b))
}
