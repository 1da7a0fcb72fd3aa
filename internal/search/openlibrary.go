// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/pkg/types"
)

// openLibrarySearchBase and archiveDownloadBase are declared as vars so
// tests can substitute an httptest server.
var (
	openLibrarySearchBase = "https://openlibrary.org/search.json"
	archiveDownloadBase   = "https://archive.org/download"
)

// archiveFiles maps the formats Internet Archive derives for scanned books
// to the file name suffix appended to the item identifier.
var archiveFiles = map[string]string{
	"pdf":  ".pdf",
	"epub": ".epub",
	"djvu": ".djvu",
	"txt":  "_djvu.txt",
}

const openLibraryPageSize = 20

// OpenLibraryBackend searches Open Library and turns publicly readable
// editions into Internet Archive download links.
type OpenLibraryBackend struct {
	d Deps
	t *throttle
}

func newOpenLibrary(_ string, d Deps, t *throttle) (Backend, error) {
	return &OpenLibraryBackend{d: d, t: t}, nil
}

// Name returns the backend identifier.
func (b *OpenLibraryBackend) Name() string { return "openlibrary" }

// Search pages through Open Library results.
func (b *OpenLibraryBackend) Search(ctx context.Context, query string, formats format.Set, limit int) iter.Seq2[types.Candidate, error] {
	pageSize := openLibraryPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}
	return paginate(ctx, b.Name(), b.t, limit, func(ctx context.Context, page int) ([]types.Candidate, bool, error) {
		params := url.Values{
			"q":      {query},
			"page":   {strconv.Itoa(page + 1)},
			"limit":  {strconv.Itoa(pageSize)},
			"fields": {"key,title,author_name,ia,ebook_access"},
		}
		body, err := get(ctx, b.d, b.Name(), openLibrarySearchBase+"?"+params.Encode())
		if err != nil {
			return nil, false, err
		}
		var resp openLibraryResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, false, fmt.Errorf("parsing Open Library response: %w", err)
		}
		more := len(resp.Docs) > 0 && (page+1)*pageSize < resp.NumFound
		return openLibraryCandidates(resp.Docs, formats), more, nil
	})
}

func openLibraryCandidates(docs []openLibraryDoc, formats format.Set) []types.Candidate {
	var cands []types.Candidate
	for i, doc := range docs {
		if doc.EbookAccess != "public" || len(doc.IA) == 0 {
			continue
		}
		id := doc.IA[0]
		title := strings.TrimSpace(doc.Title)
		if len(doc.AuthorName) > 0 {
			title += " - " + doc.AuthorName[0]
		}
		for _, f := range formats.List() {
			suffix, ok := archiveFiles[f]
			if !ok {
				continue
			}
			cands = append(cands, types.Candidate{
				Title:     title,
				SourceURL: fmt.Sprintf("%s/%s/%s%s", archiveDownloadBase, url.PathEscape(id), url.PathEscape(id), suffix),
				Format:    f,
				RankScore: positionScore(i, len(docs)),
			})
		}
	}
	return cands
}

// Open Library search JSON structures.
type openLibraryResponse struct {
	NumFound int              `json:"numFound"`
	Docs     []openLibraryDoc `json:"docs"`
}

type openLibraryDoc struct {
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	AuthorName  []string `json:"author_name"`
	IA          []string `json:"ia"`
	EbookAccess string   `json:"ebook_access"`
}
