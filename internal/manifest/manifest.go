// Package manifest builds the update manifest consumed by installed clients
// to discover new releases. The document is always regenerated in full from
// the release store; there is no incremental update path.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/iwarelease/internal/releases"
	"github.com/schaermu/iwarelease/internal/version"
)

// FileName is the manifest's name inside the release store.
const FileName = "update_manifest.json"

// Entry advertises one downloadable release.
type Entry struct {
	Version string `json:"version"`
	Src     string `json:"src"`
}

// Document is the complete update manifest.
type Document struct {
	Versions []Entry `json:"versions"`
}

// Regenerate builds a manifest with one entry per valid store entry, sorted
// by ascending version. Entries without a parsable version are skipped, so
// the entry count equals the number of versioned bundles in the store.
// origin must be an absolute URL without a trailing slash; each src is
// origin + "/releases/" + filename.
func Regenerate(entries []releases.Entry, origin string) Document {
	origin = strings.TrimRight(origin, "/")

	valid := make([]releases.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Valid {
			valid = append(valid, e)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Version.Less(valid[j].Version)
	})

	doc := Document{Versions: make([]Entry, 0, len(valid))}
	for _, e := range valid {
		doc.Versions = append(doc.Versions, Entry{
			Version: e.Version.String(),
			Src:     origin + "/releases/" + e.Filename,
		})
	}
	return doc
}

// Marshal renders the document with two-space indentation and a trailing
// newline. Output is deterministic for a given document.
func Marshal(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write atomically replaces the manifest at path.
func Write(path string, doc Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal update manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".update-manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write update manifest: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// Read loads a manifest from disk.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("failed to parse update manifest: %w", err)
	}
	return doc, nil
}

// Latest returns the highest advertised version.
func (d Document) Latest() (version.Version, bool) {
	vs := make([]version.Version, 0, len(d.Versions))
	for _, e := range d.Versions {
		if v, err := version.Parse(e.Version); err == nil {
			vs = append(vs, v)
		}
	}
	return version.Max(vs)
}
