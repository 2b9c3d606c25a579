package ir

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// ClassSuffix is the file extension of class entries inside an archive.
const ClassSuffix = ".class"

// EntryName returns the archive entry holding the named class.
func EntryName(class string) string { return class + ClassSuffix }

// WriteArchive writes the classes as zstd-compressed zip entries, sorted by name.
func WriteArchive(w io.Writer, classes []*Class) error {
	sorted := make([]*Class, len(classes))
	copy(sorted, classes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedDefault)))
	seen := make(map[string]bool, len(sorted))
	for _, c := range sorted {
		if seen[c.Name] {
			return fmt.Errorf("writing archive: class %s appears twice", c.Name)
		}
		seen[c.Name] = true
		data, err := Encode(c)
		if err != nil {
			return err
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:   EntryName(c.Name),
			Method: zstd.ZipMethodWinZip,
		})
		if err != nil {
			return fmt.Errorf("writing archive entry %s: %w", c.Name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("writing archive entry %s: %w", c.Name, err)
		}
	}
	return zw.Close()
}

// Archive is an opened class archive. It is safe for concurrent reads.
type Archive struct {
	path    string
	rc      *zip.ReadCloser
	entries map[string]*zip.File

	mu    sync.Mutex
	cache map[string]*Class
}

// OpenArchive opens a class archive for reading.
func OpenArchive(path string) (*Archive, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: archive %s: %v", ErrMalformed, path, err)
	}
	rc.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	a := &Archive{
		path:    path,
		rc:      rc,
		entries: make(map[string]*zip.File, len(rc.File)),
		cache:   make(map[string]*Class),
	}
	for _, f := range rc.File {
		if !strings.HasSuffix(f.Name, ClassSuffix) {
			continue
		}
		a.entries[strings.TrimSuffix(f.Name, ClassSuffix)] = f
	}
	return a, nil
}

// Path returns the archive location.
func (a *Archive) Path() string { return a.path }

// Names returns the sorted names of all classes in the archive.
func (a *Archive) Names() []string {
	names := make([]string, 0, len(a.entries))
	for name := range a.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether the archive has an entry for the class.
func (a *Archive) Contains(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// Class decodes the named class. Decoded classes are cached; callers
// that mutate the result must Clone it first.
func (a *Archive) Class(name string) (*Class, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.cache[name]; ok {
		return c, nil
	}
	f, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, name, a.path)
	}
	r, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: archive %s entry %s: %v", ErrMalformed, a.path, f.Name, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: archive %s entry %s: %v", ErrMalformed, a.path, f.Name, err)
	}
	c, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("archive %s entry %s: %w", a.path, f.Name, err)
	}
	if c.Name != name {
		return nil, fmt.Errorf("%w: archive %s entry %s declares class %s", ErrMalformed, a.path, f.Name, c.Name)
	}
	a.cache[name] = c
	return c, nil
}

// Close releases the underlying file.
func (a *Archive) Close() error { return a.rc.Close() }
