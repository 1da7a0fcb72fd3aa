// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"

	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/pkg/types"
)

// openAlexSearchBase is the OpenAlex Works search endpoint. Declared as a
// var so tests can substitute an httptest server.
var openAlexSearchBase = "https://api.openalex.org/works"

const openAlexPageSize = 25

// OpenAlexBackend queries OpenAlex for open-access works and yields their
// PDF locations.
type OpenAlexBackend struct {
	d Deps
	t *throttle
}

func newOpenAlex(_ string, d Deps, t *throttle) (Backend, error) {
	return &OpenAlexBackend{d: d, t: t}, nil
}

// Name returns the backend identifier.
func (b *OpenAlexBackend) Name() string { return "openalex" }

// Search pages through open-access works. Only pdf is offered.
func (b *OpenAlexBackend) Search(ctx context.Context, query string, formats format.Set, limit int) iter.Seq2[types.Candidate, error] {
	if !formats.Has("pdf") || query == "" {
		return func(func(types.Candidate, error) bool) {}
	}
	pageSize := openAlexPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}

	return paginate(ctx, b.Name(), b.t, limit, func(ctx context.Context, page int) ([]types.Candidate, bool, error) {
		params := url.Values{
			"search":   {query},
			"filter":   {"open_access.is_oa:true"},
			"per_page": {strconv.Itoa(pageSize)},
			"page":     {strconv.Itoa(page + 1)},
		}
		body, err := get(ctx, b.d, b.Name(), openAlexSearchBase+"?"+params.Encode())
		if err != nil {
			return nil, false, err
		}

		var resp openAlexResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, false, fmt.Errorf("parsing OpenAlex response: %w", err)
		}

		total := len(resp.Results)
		var cands []types.Candidate
		for i, work := range resp.Results {
			link := work.BestOALocation.PDFURL
			if link == "" {
				continue
			}
			cands = append(cands, types.Candidate{
				Title:     work.Title,
				SourceURL: link,
				Format:    "pdf",
				RankScore: positionScore(i, total),
			})
		}
		more := total > 0 && (page+1)*pageSize < resp.Meta.Count
		return cands, more, nil
	})
}

// OpenAlex API JSON structures.
type openAlexResponse struct {
	Meta    openAlexMeta   `json:"meta"`
	Results []openAlexWork `json:"results"`
}

type openAlexMeta struct {
	Count   int `json:"count"`
	PerPage int `json:"per_page"`
	Page    int `json:"page"`
}

type openAlexWork struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	DOI            string           `json:"doi"`
	BestOALocation openAlexLocation `json:"best_oa_location"`
}

type openAlexLocation struct {
	PDFURL     string `json:"pdf_url"`
	LandingURL string `json:"landing_page_url"`
}
