// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/milou/pkg/types"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{"single", "pdf", []string{"pdf"}, false},
		{"ordered", "epub,pdf,mobi", []string{"epub", "pdf", "mobi"}, false},
		{"spaces and case", " PDF , .Epub ", []string{"pdf", "epub"}, false},
		{"duplicates keep first", "pdf,epub,pdf", []string{"pdf", "epub"}, false},
		{"all legacy formats", "pdf,epub,mobi,azw3,djvu,lit,prc", []string{"pdf", "epub", "mobi", "azw3", "djvu", "lit", "prc"}, false},
		{"plus separated", "pdf+epub", []string{"pdf", "epub"}, false},
		{"empty", "", nil, true},
		{"blank entry", "pdf,,epub", nil, true},
		{"trailing comma", "pdf,", nil, true},
		{"unknown", "pdf,exe", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseList(tt.in)
			if tt.wantErr {
				var cfgErr *types.ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.List())
		})
	}
}

func TestSetPosition(t *testing.T) {
	s := NewSet("epub", "pdf")
	assert.Equal(t, 0, s.Position("epub"))
	assert.Equal(t, 1, s.Position("pdf"))
	assert.Equal(t, 2, s.Position("mobi"))
	assert.True(t, s.Has("pdf"))
	assert.False(t, s.Has("mobi"))
	assert.Equal(t, "epub,pdf", s.String())
	assert.Equal(t, 0, Set{}.Len())
}

func TestAccept(t *testing.T) {
	s := NewSet("pdf", "epub")
	tests := []struct {
		format string
		want   bool
	}{
		{"pdf", true},
		{"epub", true},
		{"docx", false},
		{"", false},
		{"exe", false},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			assert.Equal(t, tt.want, Accept(types.Candidate{Format: tt.format}, s))
		})
	}
}

func TestFilterAcceptedAlwaysRequested(t *testing.T) {
	s := NewSet("pdf", "epub")
	cands := []types.Candidate{
		{Title: "a", Format: "pdf"},
		{Title: "b", Format: "docx"},
		{Title: "c", Format: ""},
		{Title: "d", Format: "epub"},
		{Title: "e", Format: "PDF"},
	}
	got := Filter(cands, s)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.True(t, s.Has(c.Format))
	}
}

func TestRank(t *testing.T) {
	s := NewSet("epub", "pdf")
	cands := []types.Candidate{
		{Title: "pdf-high", Format: "pdf", RankScore: 0.9},
		{Title: "epub-low", Format: "epub", RankScore: 0.2},
		{Title: "epub-high-big", Format: "epub", RankScore: 0.8, SizeHint: 5000},
		{Title: "epub-high-small", Format: "epub", RankScore: 0.8, SizeHint: 1000},
		{Title: "epub-high-unknown", Format: "epub", RankScore: 0.8},
	}
	got := Rank(cands, s)

	var titles []string
	for _, c := range got {
		titles = append(titles, c.Title)
	}
	assert.Equal(t, []string{
		"epub-high-small", "epub-high-big", "epub-high-unknown", "epub-low", "pdf-high",
	}, titles)
	assert.Equal(t, "pdf-high", cands[0].Title, "input is not modified")
}

func TestFromURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://example.com/books/dune.pdf", "pdf"},
		{"https://example.com/books/dune.EPUB?dl=1", "epub"},
		{"https://example.com/books/dune", ""},
		{"https://example.com/setup.exe", ""},
		{"://bad", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FromURL(tt.in))
		})
	}
}

func TestFromMIME(t *testing.T) {
	assert.Equal(t, "epub", FromMIME("application/epub+zip"))
	assert.Equal(t, "txt", FromMIME("text/plain; charset=utf-8"))
	assert.Equal(t, "mobi", FromMIME("application/x-mobipocket-ebook"))
	assert.Equal(t, "", FromMIME("image/jpeg"))
}

func TestSniff(t *testing.T) {
	pdf := []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n")
	html := []byte("<!DOCTYPE html><html><head><title>Download</title></head><body></body></html>")

	assert.NoError(t, Sniff(pdf, "pdf"))
	assert.Error(t, Sniff(html, "pdf"), "landing page instead of a pdf")
	assert.NoError(t, Sniff(html, "html"), "text formats are not sniffed")
	assert.NoError(t, Sniff([]byte("anything"), "mobi"))
	assert.NoError(t, Sniff(nil, "pdf"))
	assert.NoError(t, Sniff([]byte{0x00, 0x13, 0x37, 0x99, 0x42}, "pdf"), "unrecognized binary is inconclusive")
}
