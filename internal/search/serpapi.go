// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	serpapi "github.com/serpapi/google-search-results-golang"

	"github.com/pdiddy/milou/internal/format"
	"github.com/pdiddy/milou/pkg/types"
)

// serpSearch runs one SerpApi query for engine and returns the decoded
// JSON. Declared as a var so tests can substitute a canned response.
var serpSearch = func(engine string, params map[string]string, apiKey string) (map[string]any, error) {
	var s serpapi.Search
	switch engine {
	case "bing":
		s = serpapi.NewBingSearch(params, apiKey)
	case "yahoo":
		s = serpapi.NewYahooSearch(params, apiKey)
	case "baidu":
		s = serpapi.NewBaiduSearch(params, apiKey)
	case "yandex":
		s = serpapi.NewYandexSearch(params, apiKey)
	default:
		s = serpapi.NewGoogleSearch(params, apiKey)
	}
	res, err := s.GetJSON()
	return res, err
}

// queryParam is the name each engine uses for the search text.
var queryParam = map[string]string{
	"google": "q",
	"bing":   "q",
	"baidu":  "q",
	"yahoo":  "p",
	"yandex": "text",
}

// SerpAPIBackend searches a general web engine through SerpApi, one request
// per requested format using the engine's filetype operator.
type SerpAPIBackend struct {
	engine string
	key    string
	d      Deps
	t      *throttle
}

func newSerpAPI(name string, d Deps, t *throttle) (Backend, error) {
	if d.Config.SerpAPIKey == "" {
		return nil, types.Configf("backend %q needs a SerpApi key (secret serpapi-api-key or MILOU_SERPAPI_KEY)", name)
	}
	return &SerpAPIBackend{engine: name, key: d.Config.SerpAPIKey, d: d, t: t}, nil
}

// Name returns the engine name.
func (b *SerpAPIBackend) Name() string { return b.engine }

// Search issues one filetype-restricted query per requested format.
func (b *SerpAPIBackend) Search(ctx context.Context, query string, formats format.Set, limit int) iter.Seq2[types.Candidate, error] {
	fmts := formats.List()
	return paginate(ctx, b.engine, b.t, limit, func(ctx context.Context, page int) ([]types.Candidate, bool, error) {
		if page >= len(fmts) {
			return nil, false, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		cands, err := b.searchFormat(query, fmts[page], limit)
		return cands, page+1 < len(fmts), err
	})
}

func (b *SerpAPIBackend) searchFormat(query, f string, limit int) ([]types.Candidate, error) {
	params := map[string]string{
		queryParam[b.engine]: fmt.Sprintf("%s filetype:%s", query, f),
	}
	if limit > 0 {
		switch b.engine {
		case "google":
			params["num"] = strconv.Itoa(limit)
		case "bing":
			params["count"] = strconv.Itoa(limit)
		}
	}

	b.d.Log.Debug().Str("engine", b.engine).Str("query", query).Str("format", f).Msg("serpapi search")
	res, err := serpSearch(b.engine, params, b.key)
	if err != nil {
		return nil, &types.BackendError{Backend: b.engine, Kind: serpErrorKind(err), Err: err}
	}
	return serpCandidates(res), nil
}

// serpCandidates extracts organic results that link directly to a file of
// a known format.
func serpCandidates(res map[string]any) []types.Candidate {
	organic, _ := res["organic_results"].([]any)
	var cands []types.Candidate
	for _, item := range organic {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		link, _ := m["link"].(string)
		f := format.FromURL(link)
		if f == "" {
			continue
		}
		title, _ := m["title"].(string)
		cands = append(cands, types.Candidate{
			Title:     strings.TrimSpace(title),
			SourceURL: link,
			Format:    f,
		})
	}
	for i := range cands {
		cands[i].RankScore = positionScore(i, len(cands))
	}
	return cands
}

// serpErrorKind classifies SerpApi failures. The client reports API errors
// as plain messages, so authentication and quota problems are matched by text.
func serpErrorKind(err error) types.ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "run out of searches"),
		strings.Contains(msg, "account"):
		return types.Permanent
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporarily"),
		strings.Contains(msg, "try again"),
		strings.Contains(msg, "connection"),
		errors.Is(err, context.DeadlineExceeded):
		return types.Transient
	}
	return types.Permanent
}
