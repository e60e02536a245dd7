package releases

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/iwarelease/internal/version"
)

var (
	// ErrVersionExists is returned when archiving would overwrite a stored release.
	ErrVersionExists = errors.New("release version already archived")

	// ErrArtifactMissing is returned when the artifact to archive is not on disk.
	ErrArtifactMissing = errors.New("artifact not found")
)

// Entry is a single bundle file found in the release store.
type Entry struct {
	Filename string
	Path     string
	Version  version.Version
	// Valid is false when the filename carries no parsable version.
	Valid bool
}

// Store is the persistent, append-only directory of released bundles.
// Files are named <app>_<major>.<minor>.<patch><ext>.
type Store struct {
	Dir string
	App string
	Ext string
}

// NewStore creates a store handle; the directory is not touched.
func NewStore(dir, app, ext string) *Store {
	return &Store{Dir: dir, App: app, Ext: ext}
}

// Filename returns the store filename for a release version.
func (s *Store) Filename(v version.Version) string {
	return fmt.Sprintf("%s_%s%s", s.App, v.String(), s.Ext)
}

// Path returns the absolute store path for a release version.
func (s *Store) Path(v version.Version) string {
	return filepath.Join(s.Dir, s.Filename(v))
}

// Exists reports whether the store directory is present.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.Dir)
	return err == nil && info.IsDir()
}

// Filenames returns the names of all bundle files in the store.
// A missing store directory yields an empty list.
func (s *Store) Filenames() ([]string, error) {
	dirEntries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read release store: %w", err)
	}

	var names []string
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		if !IsBundleFile(de.Name(), s.Ext) {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)
	return names, nil
}

// List returns every bundle in the store. Entries whose names do not carry
// a version are included with Valid=false so callers can report them.
func (s *Store) List() ([]Entry, error) {
	names, err := s.Filenames()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		e := Entry{Filename: name, Path: filepath.Join(s.Dir, name)}
		if v, err := version.FromFilename(name, s.Ext); err == nil {
			e.Version = v
			e.Valid = true
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Valid != entries[j].Valid {
			return entries[i].Valid
		}
		return entries[i].Version.Less(entries[j].Version)
	})
	return entries, nil
}

// Releases returns only the entries with a parsable version, ascending.
func (s *Store) Releases() ([]Entry, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	valid := all[:0]
	for _, e := range all {
		if e.Valid {
			valid = append(valid, e)
		}
	}
	return valid, nil
}

// NextVersion computes the version the next release build should use.
func (s *Store) NextVersion() (version.Version, error) {
	names, err := s.Filenames()
	if err != nil {
		return version.Version{}, err
	}
	return version.Next(names, s.Ext)
}

// Archive copies the artifact into the store under its version-qualified
// name and returns the archived path. The store directory is created if
// needed. An existing entry for the same version is never overwritten.
func (s *Store) Archive(artifactPath string, v version.Version) (string, error) {
	if _, err := os.Stat(artifactPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrArtifactMissing, artifactPath)
		}
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}

	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create release store: %w", err)
	}

	dest := s.Path(v)
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("%w: %s", ErrVersionExists, dest)
	}

	if err := copyFile(artifactPath, dest); err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", artifactPath, err)
	}
	return dest, nil
}

// IsBundleFile returns true if name has the bundle extension.
func IsBundleFile(name, ext string) bool {
	return ext != "" && strings.HasSuffix(name, ext) && len(name) > len(ext)
}
