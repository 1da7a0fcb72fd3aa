// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package organize

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/milou/pkg/types"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"spaces", "dune frank herbert", "dune_frank_herbert"},
		{"diacritics", "Les Misérables", "Les_Miserables"},
		{"slashes", "a/b\\c", "a_b_c"},
		{"dots kept", "vol. 2", "vol._2"},
		{"leading dots dropped", "../../etc/passwd", "etc_passwd"},
		{"trailing punctuation", "title...", "title"},
		{"empty", "   ", ""},
		{"only symbols", "?*:|", ""},
		{"parens", "Dune (1965)", "Dune_(1965)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitize_Length(t *testing.T) {
	got := Sanitize(strings.Repeat("é", 300))
	assert.LessOrEqual(t, len(got), maxNameBytes)
	got = Sanitize(strings.Repeat("ж", 300))
	assert.LessOrEqual(t, len(got), maxNameBytes)
	assert.True(t, strings.HasPrefix(got, "жж"))
}

func TestPathFor(t *testing.T) {
	root := t.TempDir()
	o, err := New(root)
	require.NoError(t, err)

	q := types.QueryRecord{ID: 1, Text: "dune frank herbert"}
	p, err := o.PathFor(q, types.Candidate{Title: "Dune", Format: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "dune_frank_herbert", "Dune.pdf"), p)

	p2, err := o.PathFor(q, types.Candidate{Title: "Dune", Format: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "dune_frank_herbert", "Dune-1.pdf"), p2, "reserved names get a suffix")

	o.Release(p)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	p3, err := o.PathFor(q, types.Candidate{Title: "Dune", Format: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "dune_frank_herbert", "Dune-2.pdf"), p3, "existing files are never overwritten")
}

func TestPathFor_TitleFallback(t *testing.T) {
	root := t.TempDir()
	o, err := New(root)
	require.NoError(t, err)
	q := types.QueryRecord{ID: 1, Text: "q"}

	p, err := o.PathFor(q, types.Candidate{SourceURL: "https://example.com/files/the-book.epub", Format: "epub"})
	require.NoError(t, err)
	assert.Equal(t, "the-book.epub", filepath.Base(p))

	p, err = o.PathFor(q, types.Candidate{SourceURL: "https://example.com/", Format: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, "untitled.pdf", filepath.Base(p))
}

func TestPathFor_Concurrent(t *testing.T) {
	o, err := New(t.TempDir())
	require.NoError(t, err)
	q := types.QueryRecord{ID: 1, Text: "q"}

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := o.PathFor(q, types.Candidate{Title: "same", Format: "pdf"})
			assert.NoError(t, err)
			mu.Lock()
			seen[p] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func writeTemp(t *testing.T, dir string, body []byte) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "dl-*")
	require.NoError(t, err)
	_, err = f.Write(body)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestCommit(t *testing.T) {
	body := []byte("%PDF-1.4 content")
	sum := sha256.Sum256(body)
	good := hex.EncodeToString(sum[:])

	tests := []struct {
		name    string
		body    []byte
		verify  Verify
		wantErr bool
	}{
		{"no constraints", body, Verify{ExpectedLength: -1}, false},
		{"length matches", body, Verify{ExpectedLength: int64(len(body))}, false},
		{"length short", body, Verify{ExpectedLength: int64(len(body)) + 10}, true},
		{"hint satisfied", body, Verify{ExpectedLength: -1, SizeHint: 4}, false},
		{"hint not met", body, Verify{ExpectedLength: -1, SizeHint: 1 << 20}, true},
		{"checksum ok", body, Verify{ExpectedLength: -1, Checksum: strings.ToUpper(good)}, false},
		{"checksum wrong", body, Verify{ExpectedLength: -1, Checksum: strings.Repeat("0", 64)}, true},
		{"empty file", nil, Verify{ExpectedLength: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			o, err := New(root)
			require.NoError(t, err)
			tmp := writeTemp(t, root, tt.body)
			final, err := o.PathFor(types.QueryRecord{ID: 1, Text: "q"}, types.Candidate{Title: "book", Format: "pdf"})
			require.NoError(t, err)

			err = o.Commit(tmp, final, tt.verify)

			_, tmpErr := os.Stat(tmp)
			assert.True(t, os.IsNotExist(tmpErr), "temp file is always consumed")
			if tt.wantErr {
				var ie *types.IntegrityError
				require.ErrorAs(t, err, &ie)
				_, statErr := os.Stat(final)
				assert.True(t, os.IsNotExist(statErr), "nothing is committed")
				return
			}
			require.NoError(t, err)
			data, err := os.ReadFile(final)
			require.NoError(t, err)
			assert.Equal(t, tt.body, data)
		})
	}
}

func TestCommit_ReleasesReservation(t *testing.T) {
	root := t.TempDir()
	o, err := New(root)
	require.NoError(t, err)
	q := types.QueryRecord{ID: 1, Text: "q"}
	final, err := o.PathFor(q, types.Candidate{Title: "book", Format: "pdf"})
	require.NoError(t, err)

	tmp := writeTemp(t, root, nil)
	require.Error(t, o.Commit(tmp, final, Verify{ExpectedLength: -1}))

	again, err := o.PathFor(q, types.Candidate{Title: "book", Format: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, final, again, "failed commits free the name")
}
