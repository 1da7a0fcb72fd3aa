// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/pkg/types"
)

// arxivAPIBase is the arXiv search endpoint and arxivPDFBase the PDF
// download prefix. Declared as vars so tests can substitute an httptest
// server.
var (
	arxivAPIBase = "https://export.arxiv.org/api/query"
	arxivPDFBase = "https://arxiv.org/pdf"
)

const arxivPageSize = 25

// ArxivBackend queries the arXiv API. It only offers pdf candidates and
// makes no request when pdf was not requested.
type ArxivBackend struct {
	d Deps
	t *throttle
}

func newArxiv(_ string, d Deps, t *throttle) (Backend, error) {
	return &ArxivBackend{d: d, t: t}, nil
}

// Name returns the backend identifier.
func (b *ArxivBackend) Name() string { return "arxiv" }

// Search pages through arXiv results ordered by relevance.
func (b *ArxivBackend) Search(ctx context.Context, query string, formats format.Set, limit int) iter.Seq2[types.Candidate, error] {
	q := buildArxivQuery(query)
	if !formats.Has("pdf") || q == "" {
		return func(func(types.Candidate, error) bool) {}
	}
	pageSize := arxivPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}

	return paginate(ctx, b.Name(), b.t, limit, func(ctx context.Context, page int) ([]types.Candidate, bool, error) {
		reqURL := fmt.Sprintf("%s?search_query=%s&start=%d&max_results=%d&sortBy=relevance&sortOrder=descending",
			arxivAPIBase, q, page*pageSize, pageSize)
		body, err := get(ctx, b.d, b.Name(), reqURL)
		if err != nil {
			return nil, false, err
		}

		var feed arxivFeed
		if err := xml.Unmarshal(body, &feed); err != nil {
			return nil, false, fmt.Errorf("parsing arXiv response: %w", err)
		}

		total := len(feed.Entries)
		var cands []types.Candidate
		for i, entry := range feed.Entries {
			id := extractArxivID(entry.ID)
			if id == "" {
				continue
			}
			cands = append(cands, types.Candidate{
				Title:     strings.Join(strings.Fields(entry.Title), " "),
				SourceURL: arxivPDFBase + "/" + id,
				Format:    "pdf",
				RankScore: positionScore(i, total),
			})
		}
		more := total == pageSize && (feed.TotalResults == 0 || (page+1)*pageSize < feed.TotalResults)
		return cands, more, nil
	})
}

// buildArxivQuery constructs the search_query parameter from the query words.
func buildArxivQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		terms[i] = url.QueryEscape(t)
	}
	return "all:" + strings.Join(terms, "+")
}

// arXiv Atom feed XML structures.
type arxivFeed struct {
	TotalResults int          `xml:"totalResults"`
	Entries      []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID    string `xml:"id"`
	Title string `xml:"title"`
}

// extractArxivID pulls the arXiv ID from the entry's <id> URL
// (e.g. "http://arxiv.org/abs/2301.07041v1" → "2301.07041").
func extractArxivID(idURL string) string {
	const prefix = "/abs/"
	idx := strings.Index(idURL, prefix)
	if idx < 0 {
		return ""
	}
	id := idURL[idx+len(prefix):]

	// Strip version suffix (e.g. "v1", "v2").
	if vIdx := strings.LastIndex(id, "v"); vIdx > 0 {
		if _, err := strconv.Atoi(id[vIdx+1:]); err == nil {
			id = id[:vIdx]
		}
	}
	return id
}
