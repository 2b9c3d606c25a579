// Package classpath reads compiled units for analysis from archives and
// directories. It never defines classes; it only hands out their
// decoded form. A Source caches hits and misses for its lifetime.
package classpath

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/jkaninda/detsandbox/internal/ir"
)

// ErrNotFound is returned when no entry of the class path holds a class.
var ErrNotFound = errors.New("class not found on class path")

// entry is one element of the class path.
type entry interface {
	Names() []string
	Contains(name string) bool
	Class(name string) (*ir.Class, error)
	Close() error
	String() string
}

// Source looks classes up in an ordered list of archives and directories.
// The first entry holding a class wins. Safe for concurrent use.
type Source struct {
	entries []entry
	logger  *slog.Logger

	mu      sync.Mutex
	cache   map[string]*ir.Class
	missing map[string]bool
}

// Open builds a source from paths. A path is either a directory or an
// archive file.
func Open(paths []string, logger *slog.Logger) (*Source, error) {
	s := &Source{
		logger:  logger,
		cache:   make(map[string]*ir.Class),
		missing: make(map[string]bool),
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening class path entry: %w", err)
		}
		e, err := openEntry(p, info.IsDir())
		if err != nil {
			s.Close()
			return nil, err
		}
		s.entries = append(s.entries, e)
		logger.Debug("class path entry opened",
			slog.String("path", p),
			slog.Int("classes", len(e.Names())),
		)
	}
	return s, nil
}

func openEntry(path string, isDir bool) (entry, error) {
	if isDir {
		return openDir(path)
	}
	a, err := ir.OpenArchive(path)
	if err != nil {
		return nil, err
	}
	return archiveEntry{a}, nil
}

// FromClasses returns a source over in-memory classes.
func FromClasses(classes ...*ir.Class) *Source {
	m := memory{classes: make(map[string]*ir.Class, len(classes))}
	for _, c := range classes {
		m.classes[c.Name] = c
	}
	return &Source{
		entries: []entry{m},
		logger:  slog.New(slog.DiscardHandler),
		cache:   make(map[string]*ir.Class),
		missing: make(map[string]bool),
	}
}

// Class returns the decoded class. Misses are remembered.
func (s *Source) Class(name string) (*ir.Class, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[name]; ok {
		return c, nil
	}
	if s.missing[name] {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for _, e := range s.entries {
		if !e.Contains(name) {
			continue
		}
		c, err := e.Class(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s from %s: %w", name, e, err)
		}
		if c.Name != name {
			return nil, fmt.Errorf("%w: entry %s in %s declares class %s", ir.ErrMalformed, name, e, c.Name)
		}
		s.cache[name] = c
		return c, nil
	}
	s.missing[name] = true
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Contains reports whether some entry holds the class.
func (s *Source) Contains(name string) bool {
	for _, e := range s.entries {
		if e.Contains(name) {
			return true
		}
	}
	return false
}

// Names returns every class on the class path, sorted and without duplicates.
func (s *Source) Names() []string {
	var names []string
	for _, e := range s.entries {
		names = append(names, e.Names()...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Close releases every entry.
func (s *Source) Close() error {
	var errs []error
	for _, e := range s.entries {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type archiveEntry struct{ *ir.Archive }

func (a archiveEntry) String() string { return a.Path() }

type memory struct{ classes map[string]*ir.Class }

func (m memory) Names() []string {
	names := make([]string, 0, len(m.classes))
	for n := range m.classes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (m memory) Contains(name string) bool {
	_, ok := m.classes[name]
	return ok
}

func (m memory) Class(name string) (*ir.Class, error) {
	c, ok := m.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c, nil
}

func (memory) Close() error { return nil }

func (memory) String() string { return "memory" }

// dir is a directory holding encoded .class files under their class path
// and YAML sources anywhere, assembled when the directory is opened.
type dir struct {
	root      string
	files     map[string]string
	assembled map[string]*ir.Class
}

func openDir(root string) (*dir, error) {
	d := &dir{root: root, files: make(map[string]string), assembled: make(map[string]*ir.Class)}
	err := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch filepath.Ext(path) {
		case ir.ClassSuffix:
			d.files[strings.TrimSuffix(rel, ir.ClassSuffix)] = path
		case ".yaml", ".yml":
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			classes, err := ir.Assemble(f)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			for _, c := range classes {
				if _, dup := d.assembled[c.Name]; dup {
					return fmt.Errorf("%w: %s: class %s is declared twice", ir.ErrMalformed, path, c.Name)
				}
				d.assembled[c.Name] = c
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading class directory %s: %w", root, err)
	}
	return d, nil
}

func (d *dir) Names() []string {
	names := make([]string, 0, len(d.files)+len(d.assembled))
	for n := range d.files {
		names = append(names, n)
	}
	for n := range d.assembled {
		names = append(names, n)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func (d *dir) Contains(name string) bool {
	_, ok := d.files[name]
	if !ok {
		_, ok = d.assembled[name]
	}
	return ok
}

func (d *dir) Class(name string) (*ir.Class, error) {
	if path, ok := d.files[name]; ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return ir.Decode(data)
	}
	if c, ok := d.assembled[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (*dir) Close() error { return nil }

func (d *dir) String() string { return d.root }
