// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/pkg/types"
)

// duckDuckGoBase is the HTML (no JavaScript) search endpoint. Declared as a
// var so tests can substitute an httptest server.
var duckDuckGoBase = "https://html.duckduckgo.com/html/"

// DuckDuckGoBackend scrapes DuckDuckGo's HTML results page.
type DuckDuckGoBackend struct {
	d Deps
	t *throttle
}

func newDuckDuckGo(_ string, d Deps, t *throttle) (Backend, error) {
	return &DuckDuckGoBackend{d: d, t: t}, nil
}

// Name returns the backend identifier.
func (b *DuckDuckGoBackend) Name() string { return "duckduckgo" }

// Search issues one filetype-restricted query per requested format.
func (b *DuckDuckGoBackend) Search(ctx context.Context, query string, formats format.Set, limit int) iter.Seq2[types.Candidate, error] {
	fmts := formats.List()
	return paginate(ctx, b.Name(), b.t, limit, func(ctx context.Context, page int) ([]types.Candidate, bool, error) {
		if page >= len(fmts) {
			return nil, false, nil
		}
		params := url.Values{"q": {fmt.Sprintf("%s filetype:%s", query, fmts[page])}}
		body, err := get(ctx, b.d, b.Name(), duckDuckGoBase+"?"+params.Encode())
		if err != nil {
			return nil, false, err
		}
		cands, err := parseDuckDuckGo(body)
		if err != nil {
			return nil, false, err
		}
		return cands, page+1 < len(fmts), nil
	})
}

// parseDuckDuckGo extracts result links that point at files of a known
// format. Result anchors go through a redirector carrying the target in
// the uddg parameter.
func parseDuckDuckGo(body []byte) ([]types.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing DuckDuckGo response: %w", err)
	}

	var cands []types.Candidate
	doc.Find("a.result__a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		target := resolveDuckDuckGoLink(href)
		f := format.FromURL(target)
		if f == "" {
			return
		}
		cands = append(cands, types.Candidate{
			Title:     strings.TrimSpace(s.Text()),
			SourceURL: target,
			Format:    f,
		})
	})
	for i := range cands {
		cands[i].RankScore = positionScore(i, len(cands))
	}
	return cands, nil
}

func resolveDuckDuckGoLink(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return href
	}
	return ""
}
