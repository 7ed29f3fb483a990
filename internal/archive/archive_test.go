package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/devflow/internal/models"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func TestCreateAndExtract(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"index.php":          "<?php echo 1;",
		"app/config.yml":     "debug: false",
		"node_modules/x.js":  "ignored",
		"storage/logs/a.log": "ignored",
	})

	var buf bytes.Buffer
	m, err := Create(&buf, src, Options{Exclude: []string{"node_modules", "*.log"}})
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	for _, e := range m.Files {
		assert.True(t, e.InArchive)
		assert.Len(t, e.SHA256, 64)
	}

	require.NoError(t, Verify(bytes.NewReader(buf.Bytes()), m))

	dst := t.TempDir()
	n, err := Extract(bytes.NewReader(buf.Bytes()), dst, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := os.ReadFile(filepath.Join(dst, "app", "config.yml"))
	require.NoError(t, err)
	assert.Equal(t, "debug: false", string(got))
	_, err = os.Stat(filepath.Join(dst, "node_modules"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtract_RefusesOverwrite(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "new"})
	var buf bytes.Buffer
	_, err := Create(&buf, src, Options{})
	require.NoError(t, err)

	dst := t.TempDir()
	writeTree(t, dst, map[string]string{"a.txt": "old"})

	_, err = Extract(bytes.NewReader(buf.Bytes()), dst, false)
	assert.True(t, errors.Is(err, ErrFileExists))

	_, err = Extract(bytes.NewReader(buf.Bytes()), dst, true)
	require.NoError(t, err)
	got, _ := os.ReadFile(filepath.Join(dst, "a.txt"))
	assert.Equal(t, "new", string(got))
}

func TestCreate_Incremental(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"keep.txt": "same", "edit.txt": "v1", "gone.txt": "bye"})

	var full bytes.Buffer
	parent, err := Create(&full, src, Options{})
	require.NoError(t, err)

	writeTree(t, src, map[string]string{"edit.txt": "v2", "added.txt": "hi"})
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(src, "edit.txt"), future, future))
	require.NoError(t, os.Remove(filepath.Join(src, "gone.txt")))

	var inc bytes.Buffer
	m, err := Create(&inc, src, Options{Parent: parent})
	require.NoError(t, err)

	archived := map[string]bool{}
	for _, e := range m.Files {
		archived[e.Path] = e.InArchive
	}
	assert.Equal(t, map[string]bool{"keep.txt": false, "edit.txt": true, "added.txt": true}, archived)
	assert.Equal(t, []string{"gone.txt"}, m.Deleted)
	require.NoError(t, Verify(bytes.NewReader(inc.Bytes()), m))

	// Restore the chain root first, then apply the layer and its deletions.
	dst := t.TempDir()
	_, err = Extract(bytes.NewReader(full.Bytes()), dst, false)
	require.NoError(t, err)
	_, err = Extract(bytes.NewReader(inc.Bytes()), dst, true)
	require.NoError(t, err)
	require.NoError(t, ApplyDeletions(dst, m.Deleted))

	got, _ := os.ReadFile(filepath.Join(dst, "edit.txt"))
	assert.Equal(t, "v2", string(got))
	_, err = os.Stat(filepath.Join(dst, "gone.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreate_MissingSource(t *testing.T) {
	_, err := Create(&bytes.Buffer{}, filepath.Join(t.TempDir(), "nope"), Options{})
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestReencode(t *testing.T) {
	var plain bytes.Buffer
	tw := tar.NewWriter(&plain)
	body := []byte("hello")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./site/a.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./site/", Mode: 0o755, Typeflag: tar.TypeDir}))
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	m, err := Reencode(&plain, &out, Options{})
	require.NoError(t, err)
	require.Len(t, m.Files, 1)
	assert.Equal(t, "site/a.txt", m.Files[0].Path)
	require.NoError(t, Verify(bytes.NewReader(out.Bytes()), m))
}

func TestParseListing(t *testing.T) {
	data := []byte("1700000000.5000000000\t5\t./site/a.txt\x00" +
		"1700000100\t0\t./tab\tname\x00" +
		"1700000200.25\t12\t./deep/b.txt\x00")
	got, err := ParseListing(data)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "site/a.txt", got[0].Path)
	assert.Equal(t, int64(5), got[0].Size)
	assert.Equal(t, time.Unix(1700000000, 500_000_000).UTC(), got[0].ModTime)
	assert.Equal(t, "tab\tname", got[1].Path)
	assert.Equal(t, time.Unix(1700000200, 250_000_000).UTC(), got[2].ModTime)

	_, err = ParseListing([]byte("garbage\x00"))
	assert.Error(t, err)
}

func TestPlanIncremental(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	parent := &models.Manifest{Files: []models.ManifestEntry{
		{Path: "same.txt", Size: 3, ModTime: base.Add(400 * time.Millisecond)},
		{Path: "grown.txt", Size: 3, ModTime: base},
		{Path: "touched.txt", Size: 3, ModTime: base},
		{Path: "gone.txt", Size: 3, ModTime: base},
		{Path: "cache/x.tmp", Size: 3, ModTime: base},
	}}
	listing := []ListingEntry{
		{Path: "same.txt", Size: 3, ModTime: base.Add(900 * time.Millisecond)},
		{Path: "grown.txt", Size: 4, ModTime: base},
		{Path: "touched.txt", Size: 3, ModTime: base.Add(2 * time.Second)},
		{Path: "new.txt", Size: 1, ModTime: base},
		{Path: "cache/x.tmp", Size: 3, ModTime: base},
	}

	ship, deleted := PlanIncremental(listing, parent, []string{"cache"})
	assert.Equal(t, []string{"grown.txt", "new.txt", "touched.txt"}, ship)
	assert.Equal(t, []string{"cache/x.tmp", "gone.txt"}, deleted)

	ship, deleted = PlanIncremental(listing, nil, nil)
	assert.Len(t, ship, 5)
	assert.Empty(t, deleted)
}

func TestReencode_IncrementalDeletions(t *testing.T) {
	parent := &models.Manifest{Files: []models.ManifestEntry{
		{Path: "keep.txt", Size: 4, SHA256: "k"},
		{Path: "gone.txt", Size: 4, SHA256: "g"},
		{Path: "edit.txt", Size: 2, SHA256: "e"},
	}}

	var plain bytes.Buffer
	tw := tar.NewWriter(&plain)
	body := []byte("v2")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "edit.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	m, err := Reencode(&plain, &out, Options{Parent: parent, Deleted: []string{"gone.txt"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone.txt"}, m.Deleted)
	require.Len(t, m.Files, 2)
	assert.Equal(t, "edit.txt", m.Files[0].Path)
	assert.True(t, m.Files[0].InArchive)
	assert.Equal(t, "keep.txt", m.Files[1].Path)
	assert.False(t, m.Files[1].InArchive)
}

func TestSafeJoin(t *testing.T) {
	_, err := SafeJoin("/restore", "../etc/passwd")
	assert.ErrorIs(t, err, ErrUnsafePath)
	_, err = SafeJoin("/restore", "/etc/passwd")
	assert.ErrorIs(t, err, ErrUnsafePath)
	p, err := SafeJoin("/restore", "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/restore", "a", "b.txt"), p)
}

func TestExcluded(t *testing.T) {
	tests := []struct {
		rel  string
		want bool
	}{
		{"vendor/pkg/a.go", true},
		{"app/cache.tmp", true},
		{"app/main.go", false},
		{".git/HEAD", true},
	}
	patterns := []string{"vendor/", "*.tmp", ".git"}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Excluded(tt.rel, patterns), tt.rel)
	}
}

func TestStampName(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "db_2026-03-04_050607.tar.gz", StampName("db", ts))
}
