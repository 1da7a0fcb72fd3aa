// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package query turns a single query string or a query file into an ordered
// list of query records.
package query

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"go.yaml.in/yaml/v3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/pdiddy/milou/pkg/types"
)

// commentMarker starts a comment line in plain-text query files.
const commentMarker = "#"

// separators splits words the way users tend to type them on the command
// line: spaces, commas, semicolons, pipes, dashes, and plus signs.
var separators = regexp.MustCompile(`[\s,;|\-+]+`)

// File is the YAML form of a query file.
type File struct {
	Queries []string `yaml:"queries"`
}

// Load returns the query records for exactly one of single or file.
// Both or neither set is a configuration error; a missing or unreadable
// file is an input error.
func Load(single, file string) ([]types.QueryRecord, error) {
	single = strings.TrimSpace(single)
	file = strings.TrimSpace(file)

	switch {
	case single != "" && file != "":
		return nil, types.Configf("-q and -i are mutually exclusive")
	case single == "" && file == "":
		return nil, types.Configf("provide a query with -q or a query file with -i")
	}

	if single != "" {
		n := Normalize(single)
		if n == "" {
			return nil, types.Configf("query %q has no searchable words", single)
		}
		return []types.QueryRecord{{ID: 1, Text: single, Normalized: n}}, nil
	}

	lines, err := readLines(file)
	if err != nil {
		return nil, err
	}

	var out []types.QueryRecord
	for _, line := range lines {
		n := Normalize(line)
		if n == "" {
			continue
		}
		out = append(out, types.QueryRecord{
			ID:         len(out) + 1,
			Text:       line,
			Normalized: n,
			SourceFile: file,
		})
	}
	return out, nil
}

// readLines returns the candidate query lines of file, trimmed, with blank
// and comment lines removed.
func readLines(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &types.InputError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &types.InputError{Path: path, Err: errors.New("is a directory")}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return readYAML(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &types.InputError{Path: path, Err: err}
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, commentMarker) {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, &types.InputError{Path: path, Err: err}
	}
	return lines, nil
}

func readYAML(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.InputError{Path: path, Err: err}
	}
	var qf File
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return nil, &types.InputError{Path: path, Err: fmt.Errorf("parsing query file: %w", err)}
	}
	var lines []string
	for _, q := range qf.Queries {
		if q = strings.TrimSpace(q); q != "" {
			lines = append(lines, q)
		}
	}
	return lines, nil
}

// Normalize strips diacritics, lowercases, and collapses separators to
// single spaces. It returns "" when nothing searchable remains.
func Normalize(s string) string {
	s = StripDiacritics(strings.TrimSpace(s))
	parts := separators.Split(strings.ToLower(s), -1)
	words := parts[:0]
	for _, p := range parts {
		if p != "" {
			words = append(words, p)
		}
	}
	return strings.Join(words, " ")
}

// StripDiacritics removes combining marks after NFKD decomposition, so
// "Cortázar" becomes "Cortazar".
func StripDiacritics(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
