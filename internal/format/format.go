// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package format parses requested format lists, accepts and ranks search
// candidates against them, and sniffs downloaded content.
package format

import (
	"cmp"
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdiddy/milou/pkg/types"
)

// Known lists every format milou can be asked for.
var Known = []string{
	"pdf", "epub", "mobi", "azw3", "txt", "html", "htm", "xml", "rtf", "doc",
	"docx", "odt", "md", "tex", "json", "yaml", "csv", "djvu", "lit", "prc", "xhtml",
}

var known = func() map[string]bool {
	m := make(map[string]bool, len(Known))
	for _, f := range Known {
		m[f] = true
	}
	return m
}()

// IsKnown reports whether f is a recognized format name.
func IsKnown(f string) bool { return known[f] }

// listSeparators accepts commas plus the separators older invocations used.
var listSeparators = regexp.MustCompile(`[\s,;|+]+`)

// Set is an ordered set of requested formats. The position of a format is
// its preference: lower is better.
type Set struct {
	m *orderedmap.OrderedMap[string, int]
}

// NewSet builds a Set from already-validated names, dropping duplicates.
func NewSet(formats ...string) Set {
	s := Set{m: orderedmap.New[string, int]()}
	for _, f := range formats {
		if _, ok := s.m.Get(f); !ok {
			s.m.Set(f, s.m.Len())
		}
	}
	return s
}

// ParseList parses a comma-separated format list such as "pdf,epub,mobi".
// Entries are lowercased and may carry a leading dot. Empty entries and
// unknown formats are configuration errors.
func ParseList(s string) (Set, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Set{}, types.Configf("format list is empty")
	}
	var formats []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return Set{}, types.Configf("format list %q has an empty entry", s)
		}
		for _, f := range listSeparators.Split(raw, -1) {
			f = strings.TrimPrefix(strings.ToLower(f), ".")
			if f == "" {
				continue
			}
			if !IsKnown(f) {
				return Set{}, types.Configf("unknown format %q (known: %s)", f, strings.Join(Known, ","))
			}
			formats = append(formats, f)
		}
	}
	if len(formats) == 0 {
		return Set{}, types.Configf("format list %q has no formats", s)
	}
	return NewSet(formats...), nil
}

// Has reports whether f was requested.
func (s Set) Has(f string) bool {
	if s.m == nil {
		return false
	}
	_, ok := s.m.Get(f)
	return ok
}

// Position returns the preference index of f, or Len() when absent.
func (s Set) Position(f string) int {
	if s.m == nil {
		return 0
	}
	if i, ok := s.m.Get(f); ok {
		return i
	}
	return s.m.Len()
}

// Len returns the number of formats.
func (s Set) Len() int {
	if s.m == nil {
		return 0
	}
	return s.m.Len()
}

// List returns the formats in preference order.
func (s Set) List() []string {
	if s.m == nil {
		return nil
	}
	out := make([]string, 0, s.m.Len())
	for p := s.m.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

func (s Set) String() string { return strings.Join(s.List(), ",") }

// Accept reports whether c declares a recognized format that was requested.
// Candidates without a declared format are rejected, never defaulted.
func Accept(c types.Candidate, s Set) bool {
	return c.Format != "" && IsKnown(c.Format) && s.Has(c.Format)
}

// Filter returns the accepted candidates in their original order.
func Filter(cands []types.Candidate, s Set) []types.Candidate {
	var out []types.Candidate
	for _, c := range cands {
		if Accept(c, s) {
			out = append(out, c)
		}
	}
	return out
}

// Rank orders candidates by requested format position, then descending
// rank score, then ascending size hint with unknown sizes last. The sort is
// stable so equal candidates keep backend order.
func Rank(cands []types.Candidate, s Set) []types.Candidate {
	out := slices.Clone(cands)
	slices.SortStableFunc(out, func(a, b types.Candidate) int {
		if c := cmp.Compare(s.Position(a.Format), s.Position(b.Format)); c != 0 {
			return c
		}
		if c := cmp.Compare(b.RankScore, a.RankScore); c != 0 {
			return c
		}
		return compareSize(a.SizeHint, b.SizeHint)
	})
	return out
}

func compareSize(a, b int64) int {
	switch {
	case a == b:
		return 0
	case a <= 0:
		return 1
	case b <= 0:
		return -1
	}
	return cmp.Compare(a, b)
}

// FromURL returns the known format implied by the URL path extension, or "".
func FromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if IsKnown(ext) {
		return ext
	}
	return ""
}

// mimeFormats maps MIME types used by book providers to format names.
var mimeFormats = map[string]string{
	"application/pdf":                 "pdf",
	"application/epub+zip":            "epub",
	"application/x-mobipocket-ebook":  "mobi",
	"application/vnd.amazon.ebook":    "azw3",
	"text/plain":                      "txt",
	"text/html":                       "html",
	"application/xhtml+xml":           "xhtml",
	"application/rtf":                 "rtf",
	"text/rtf":                        "rtf",
	"application/msword":              "doc",
	"image/vnd.djvu":                  "djvu",
	"image/x-djvu":                    "djvu",
	"text/markdown":                   "md",
	"application/x-tex":               "tex",
	"text/csv":                        "csv",
	"application/json":                "json",
	"application/xml":                 "xml",
	"text/xml":                        "xml",
	"application/vnd.oasis.opendocument.text":                                 "odt",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
}

// FromMIME returns the format for a MIME type, ignoring parameters, or "".
func FromMIME(mt string) string {
	base, _, err := mime.ParseMediaType(mt)
	if err != nil {
		base = strings.TrimSpace(strings.ToLower(mt))
	}
	return mimeFormats[base]
}

// strictMIME lists formats whose content can be identified reliably from
// the first bytes. Other formats are not sniffed.
var strictMIME = map[string]string{
	"pdf":  "application/pdf",
	"epub": "application/epub+zip",
	"djvu": "image/vnd.djvu",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"odt":  "application/vnd.oasis.opendocument.text",
	"rtf":  "text/rtf",
	"doc":  "application/msword",
}

// SniffLen is how many leading bytes Sniff needs.
const SniffLen = 3072

// inconclusive MIME types say nothing about the format inside the container.
var inconclusive = []string{"application/octet-stream", "application/zip", "application/x-ole-storage"}

// Sniff checks that head looks like the declared format and returns an
// error on mismatch, typically an HTML landing page served in place of the
// file. Formats that cannot be identified from their first bytes pass.
func Sniff(head []byte, declared string) error {
	want, ok := strictMIME[declared]
	if !ok || len(head) == 0 {
		return nil
	}
	got := mimetype.Detect(head)
	for m := got; m != nil; m = m.Parent() {
		if m.Is(want) {
			return nil
		}
	}
	for _, mt := range inconclusive {
		if got.Is(mt) {
			return nil
		}
	}
	return fmt.Errorf("format mismatch: declared %s, content is %s", declared, got.String())
}
