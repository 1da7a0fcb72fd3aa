// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"slices"
	"strings"

	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/pkg/types"
)

// gutendexBase is the Gutendex catalog endpoint for Project Gutenberg.
// Declared as a var so tests can substitute an httptest server.
var gutendexBase = "https://gutendex.com/books/"

// GutenbergBackend searches Project Gutenberg through the Gutendex API.
// Each book yields one candidate per requested format it offers.
type GutenbergBackend struct {
	d Deps
	t *throttle
}

func newGutenberg(_ string, d Deps, t *throttle) (Backend, error) {
	return &GutenbergBackend{d: d, t: t}, nil
}

// Name returns the backend identifier.
func (b *GutenbergBackend) Name() string { return "gutenberg" }

// Search pages through Gutendex results by following the next link.
func (b *GutenbergBackend) Search(ctx context.Context, query string, formats format.Set, limit int) iter.Seq2[types.Candidate, error] {
	next := gutendexBase + "?" + url.Values{"search": {query}}.Encode()
	return paginate(ctx, b.Name(), b.t, limit, func(ctx context.Context, _ int) ([]types.Candidate, bool, error) {
		body, err := get(ctx, b.d, b.Name(), next)
		if err != nil {
			return nil, false, err
		}
		var resp gutendexResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, false, fmt.Errorf("parsing Gutendex response: %w", err)
		}
		next = resp.Next
		return gutenbergCandidates(resp.Results, formats), next != "", nil
	})
}

func gutenbergCandidates(books []gutendexBook, formats format.Set) []types.Candidate {
	var cands []types.Candidate
	for i, book := range books {
		score := positionScore(i, len(books))
		offered := book.offered()
		for _, f := range formats.List() {
			link, ok := offered[f]
			if !ok {
				continue
			}
			cands = append(cands, types.Candidate{
				Title:     book.displayTitle(),
				SourceURL: link,
				Format:    f,
				RankScore: score,
			})
		}
	}
	return cands
}

// Gutendex JSON structures.
type gutendexResponse struct {
	Count   int            `json:"count"`
	Next    string         `json:"next"`
	Results []gutendexBook `json:"results"`
}

type gutendexBook struct {
	ID      int               `json:"id"`
	Title   string            `json:"title"`
	Authors []gutendexAuthor  `json:"authors"`
	Formats map[string]string `json:"formats"`
}

type gutendexAuthor struct {
	Name string `json:"name"`
}

// offered maps format names to download links. MIME keys are visited in
// sorted order so the choice between equivalent links is stable; zipped
// variants are skipped.
func (b gutendexBook) offered() map[string]string {
	keys := make([]string, 0, len(b.Formats))
	for k := range b.Formats {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(map[string]string)
	for _, mt := range keys {
		link := b.Formats[mt]
		if strings.HasSuffix(strings.ToLower(link), ".zip") {
			continue
		}
		f := format.FromMIME(mt)
		if f == "" {
			continue
		}
		if _, ok := out[f]; !ok {
			out[f] = link
		}
	}
	return out
}

func (b gutendexBook) displayTitle() string {
	title := strings.TrimSpace(b.Title)
	if len(b.Authors) > 0 && b.Authors[0].Name != "" {
		return title + " - " + b.Authors[0].Name
	}
	return title
}
