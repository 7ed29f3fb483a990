// Package archive builds and restores gzip-compressed tar backups with a
// per-file manifest.
package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/pandeptwidyaop/devflow/internal/models"
)

var (
	ErrFileExists     = errors.New("file already exists at restore target")
	ErrUnsafePath     = errors.New("archive entry escapes restore target")
	ErrChecksum       = errors.New("archive content does not match manifest")
	ErrSourceNotFound = errors.New("backup source path not found")
)

// Options controls which files Create and Reencode capture.
type Options struct {
	// Parent, when set, makes the archive incremental: unchanged files are
	// recorded in the manifest but not written to the tar stream.
	Parent  *models.Manifest
	Exclude []string
	// Deleted lists parent files gone from the source. Create computes it
	// from its walk; Reencode cannot see the source and takes it as given.
	Deleted []string
}

// ListingCommand prints every regular file below the working directory as
// "mtime<TAB>size<TAB>path<NUL>". It needs GNU find.
const ListingCommand = `find . -type f -printf '%T@\t%s\t%p\0'`

// ListingEntry is one file reported by ListingCommand.
type ListingEntry struct {
	ModTime time.Time
	Path    string
	Size    int64
}

// Create walks root and writes a tar.gz stream to w.
func Create(w io.Writer, root string, opts Options) (*models.Manifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSourceNotFound
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backup source %s is not a directory", root)
	}

	gz := pgzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	parent := index(opts.Parent)
	manifest := &models.Manifest{}
	seen := make(map[string]bool)

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if Excluded(rel, opts.Exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := hashFile(p)
		if err != nil {
			return err
		}

		entry := models.ManifestEntry{
			Path:    rel,
			Size:    fi.Size(),
			Mode:    uint32(fi.Mode().Perm()),
			ModTime: fi.ModTime().UTC(),
			SHA256:  sum,
		}
		seen[rel] = true
		entry.InArchive = changed(entry, parent)

		if entry.InArchive {
			if err := writeFile(tw, p, entry); err != nil {
				return err
			}
		}
		manifest.Files = append(manifest.Files, entry)
		return nil
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = gz.Close()
		return nil, walkErr
	}

	manifest.Deleted = deletedSince(parent, seen)

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Reencode reads a plain tar stream (as produced by `tar -cf -` on a remote
// host), compresses it to w and builds the manifest from its entries.
func Reencode(r io.Reader, w io.Writer, opts Options) (*models.Manifest, error) {
	parent, exclude := opts.Parent, opts.Exclude
	gz := pgzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	tr := tar.NewReader(r)

	manifest := &models.Manifest{}
	seen := make(map[string]bool)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := strings.TrimPrefix(path.Clean(strings.TrimPrefix(hdr.Name, "./")), "/")
		if Excluded(rel, exclude) {
			continue
		}

		h := sha256.New()
		if err := tw.WriteHeader(&tar.Header{
			Name:     rel,
			Mode:     hdr.Mode,
			Size:     hdr.Size,
			ModTime:  hdr.ModTime,
			Typeflag: tar.TypeReg,
		}); err != nil {
			return nil, err
		}
		if _, err := io.Copy(io.MultiWriter(tw, h), tr); err != nil {
			return nil, err
		}

		entry := models.ManifestEntry{
			Path:      rel,
			Size:      hdr.Size,
			Mode:      uint32(hdr.Mode & 0o777),
			ModTime:   hdr.ModTime.UTC(),
			SHA256:    hex.EncodeToString(h.Sum(nil)),
			InArchive: true,
		}
		seen[rel] = true
		manifest.Files = append(manifest.Files, entry)
	}

	// Remote incrementals only ship changed files; carry unchanged parent
	// entries forward so the manifest still lists the full file set.
	if parent != nil {
		gone := make(map[string]bool, len(opts.Deleted))
		for _, p := range opts.Deleted {
			gone[p] = true
		}
		for _, e := range parent.Files {
			if seen[e.Path] || gone[e.Path] {
				continue
			}
			e.InArchive = false
			manifest.Files = append(manifest.Files, e)
		}
		sort.Slice(manifest.Files, func(i, j int) bool { return manifest.Files[i].Path < manifest.Files[j].Path })
		if len(opts.Deleted) > 0 {
			manifest.Deleted = append([]string(nil), opts.Deleted...)
			sort.Strings(manifest.Deleted)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// ParseListing decodes the output of ListingCommand.
func ParseListing(data []byte) ([]ListingEntry, error) {
	var out []ListingEntry
	for _, rec := range strings.Split(string(data), "\x00") {
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, "\t", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed listing record %q", rec)
		}
		mtime, err := parseEpoch(parts[0])
		if err != nil {
			return nil, fmt.Errorf("listing mtime %q: %w", parts[0], err)
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("listing size %q: %w", parts[1], err)
		}
		rel := strings.TrimPrefix(path.Clean(strings.TrimPrefix(parts[2], "./")), "/")
		if rel == "." || rel == "" {
			continue
		}
		out = append(out, ListingEntry{ModTime: mtime, Path: rel, Size: size})
	}
	return out, nil
}

// PlanIncremental compares a source listing with the parent manifest. ship
// holds new files and files whose size or mtime (to the second) changed;
// deleted holds parent files missing from the listing, excluded ones
// included.
func PlanIncremental(listing []ListingEntry, parent *models.Manifest, exclude []string) (ship, deleted []string) {
	prev := index(parent)
	seen := make(map[string]bool, len(listing))
	for _, e := range listing {
		if Excluded(e.Path, exclude) {
			continue
		}
		seen[e.Path] = true
		old, ok := prev[e.Path]
		if !ok || old.Size != e.Size || e.ModTime.Truncate(time.Second).After(old.ModTime.Truncate(time.Second)) {
			ship = append(ship, e.Path)
		}
	}
	sort.Strings(ship)
	return ship, deletedSince(prev, seen)
}

// parseEpoch reads find's %T@ format: seconds with an optional fraction.
func parseEpoch(v string) (time.Time, error) {
	secStr, frac, _ := strings.Cut(v, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// Extract unpacks a tar.gz stream into dest. When overwrite is false an
// existing file aborts the restore with ErrFileExists.
func Extract(r io.Reader, dest string, overwrite bool) (int, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}

	tr := tar.NewReader(gz)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		target, err := SafeJoin(dest, hdr.Name)
		if err != nil {
			return count, err
		}
		if !overwrite {
			if _, err := os.Lstat(target); err == nil {
				return count, fmt.Errorf("%w: %s", ErrFileExists, hdr.Name)
			}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return count, err
		}
		if err := writeTarget(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
			return count, err
		}
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		count++
	}
}

// Verify checks every archived file against the checksum in the manifest.
func Verify(r io.Reader, m *models.Manifest) error {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	want := make(map[string]string)
	for _, e := range m.Files {
		if e.InArchive {
			want[e.Path] = e.SHA256
		}
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		h := sha256.New()
		if _, err := io.Copy(h, tr); err != nil {
			return err
		}
		sum, ok := want[hdr.Name]
		if !ok || sum != hex.EncodeToString(h.Sum(nil)) {
			return fmt.Errorf("%w: %s", ErrChecksum, hdr.Name)
		}
		delete(want, hdr.Name)
	}
	if len(want) > 0 {
		return fmt.Errorf("%w: %d files missing", ErrChecksum, len(want))
	}
	return nil
}

// ApplyDeletions removes files an incremental layer recorded as deleted.
func ApplyDeletions(dest string, deleted []string) error {
	for _, rel := range deleted {
		target, err := SafeJoin(dest, rel)
		if err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// SafeJoin resolves name inside dest, rejecting absolute and parent-relative paths.
func SafeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dest, clean), nil
}

// Excluded matches rel against glob patterns on the full path, the base name
// and any leading directory.
func Excluded(rel string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.TrimSuffix(strings.TrimPrefix(p, "./"), "/")
		if p == "" {
			continue
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if ok, _ := path.Match(p, path.Base(rel)); ok {
			return true
		}
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// TotalSize sums the sizes of all files listed in the manifest.
func TotalSize(m *models.Manifest) int64 {
	var n int64
	for _, e := range m.Files {
		n += e.Size
	}
	return n
}

func index(m *models.Manifest) map[string]models.ManifestEntry {
	if m == nil {
		return nil
	}
	out := make(map[string]models.ManifestEntry, len(m.Files))
	for _, e := range m.Files {
		out[e.Path] = e
	}
	return out
}

func changed(e models.ManifestEntry, parent map[string]models.ManifestEntry) bool {
	if parent == nil {
		return true
	}
	prev, ok := parent[e.Path]
	if !ok {
		return true
	}
	return e.ModTime.After(prev.ModTime) || e.SHA256 != prev.SHA256
}

func deletedSince(parent map[string]models.ManifestEntry, seen map[string]bool) []string {
	var out []string
	for p := range parent {
		if !seen[p] {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeFile(tw *tar.Writer, p string, e models.ManifestEntry) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := tw.WriteHeader(&tar.Header{
		Name:     e.Path,
		Mode:     int64(e.Mode),
		Size:     e.Size,
		ModTime:  e.ModTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	_, err = io.CopyN(tw, f, e.Size)
	return err
}

func writeTarget(target string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// StampName returns name_YYYY-MM-DD_HHMMSS.tar.gz.
func StampName(name string, t time.Time) string {
	return fmt.Sprintf("%s_%s.tar.gz", name, t.UTC().Format("2006-01-02_150405"))
}
