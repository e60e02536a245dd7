package releases

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/schaermu/iwarelease/internal/version"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStore_Filename(t *testing.T) {
	s := NewStore("/srv/releases", "device-attributes-demo", ".swbn")
	got := s.Filename(version.Version{Major: 1, Minor: 2, Patch: 3})
	if got != "device-attributes-demo_1.2.3.swbn" {
		t.Errorf("Filename() = %q", got)
	}
	if p := s.Path(version.Initial); p != "/srv/releases/device-attributes-demo_1.0.0.swbn" {
		t.Errorf("Path() = %q", p)
	}
}

func TestStore_List(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"app_1.2.10.swbn":      "c",
		"app_1.0.0.swbn":       "a",
		"app_1.2.3.swbn":       "b",
		"app_nightly.swbn":     "x",
		"update_manifest.json": "{}",
		".app_9.9.9.swbn":      "hidden",
	})

	s := NewStore(dir, "app", ".swbn")
	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"app_1.0.0.swbn", "app_1.2.3.swbn", "app_1.2.10.swbn", "app_nightly.swbn"}
	if len(entries) != len(want) {
		t.Fatalf("List() returned %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i, name := range want {
		if entries[i].Filename != name {
			t.Errorf("List()[%d] = %q, want %q", i, entries[i].Filename, name)
		}
	}
	if entries[3].Valid {
		t.Error("expected malformed entry to be marked invalid")
	}

	rel, err := s.Releases()
	if err != nil {
		t.Fatal(err)
	}
	if len(rel) != 3 {
		t.Errorf("Releases() returned %d entries, want 3", len(rel))
	}
}

func TestStore_ListMissingDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "releases"), "app", ".swbn")
	entries, err := s.List()
	if err != nil {
		t.Fatalf("List() on missing store: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
	if s.Exists() {
		t.Error("Exists() should be false for a missing store")
	}
}

func TestStore_NextVersion(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{name: "empty", files: map[string]string{}, want: "1.0.0"},
		{
			name: "max patch plus one",
			files: map[string]string{
				"app_1.0.0.swbn":  "",
				"app_1.2.3.swbn":  "",
				"app_1.2.10.swbn": "",
			},
			want: "1.2.11",
		},
		{
			name: "malformed only",
			files: map[string]string{
				"app_latest.swbn":      "",
				"update_manifest.json": "",
			},
			want: "1.0.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files)
			got, err := NewStore(dir, "app", ".swbn").NextVersion()
			if err != nil {
				t.Fatal(err)
			}
			if got.String() != tt.want {
				t.Errorf("NextVersion() = %s, want %s", got, tt.want)
			}
		})
	}

	t.Run("absent", func(t *testing.T) {
		got, err := NewStore(filepath.Join(t.TempDir(), "missing"), "app", ".swbn").NextVersion()
		if err != nil {
			t.Fatal(err)
		}
		if got != version.Initial {
			t.Errorf("NextVersion() = %s, want %s", got, version.Initial)
		}
	})
}

func TestStore_Archive(t *testing.T) {
	tmp := t.TempDir()
	artifact := filepath.Join(tmp, "dist", "app.swbn")
	writeFiles(t, tmp, map[string]string{"dist/app.swbn": "bundle-bytes"})

	s := NewStore(filepath.Join(tmp, "releases"), "app", ".swbn")
	v := version.Version{Major: 1, Minor: 0, Patch: 4}

	dest, err := s.Archive(artifact, v)
	if err != nil {
		t.Fatalf("Archive() failed: %v", err)
	}
	if filepath.Base(dest) != "app_1.0.4.swbn" {
		t.Errorf("archived to %s", dest)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "bundle-bytes" {
		t.Errorf("archived content = %q", got)
	}

	// the same version must never be overwritten
	if err := os.WriteFile(artifact, []byte("other"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Archive(artifact, v); !errors.Is(err, ErrVersionExists) {
		t.Fatalf("expected ErrVersionExists, got %v", err)
	}
	got, _ = os.ReadFile(dest)
	if string(got) != "bundle-bytes" {
		t.Error("existing release was overwritten")
	}
}

func TestStore_ArchiveMissingArtifact(t *testing.T) {
	tmp := t.TempDir()
	s := NewStore(filepath.Join(tmp, "releases"), "app", ".swbn")

	_, err := s.Archive(filepath.Join(tmp, "dist", "app.swbn"), version.Initial)
	if !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}

	names, err := s.Filenames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("store should be unchanged, got %v", names)
	}
}

func TestPublish(t *testing.T) {
	tmp := t.TempDir()
	store := filepath.Join(tmp, "releases")
	writeFiles(t, store, map[string]string{
		"app_1.0.0.swbn":         "one",
		"app_1.0.1.swbn":         "two",
		"update_manifest.json":   "{}",
		"notes/1.0.1.md":         "changes",
		".iwarelease-tmp-123":    "partial",
		".cache/should-not-copy": "x",
	})

	out := filepath.Join(tmp, "dist", "releases")
	n, err := Publish(store, out)
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Publish() copied %d files, want 4", n)
	}

	got, err := discoverFiles(out)
	if err != nil {
		t.Fatal(err)
	}
	var rel []string
	for _, p := range got {
		r, _ := filepath.Rel(out, p)
		rel = append(rel, r)
	}
	sort.Strings(rel)
	want := []string{"app_1.0.0.swbn", "app_1.0.1.swbn", "notes/1.0.1.md", "update_manifest.json"}
	if len(rel) != len(want) {
		t.Fatalf("published %v, want %v", rel, want)
	}
	for i := range want {
		if rel[i] != want[i] {
			t.Errorf("published[%d] = %q, want %q", i, rel[i], want[i])
		}
	}
}

func TestPublish_MissingStoreIsNoop(t *testing.T) {
	tmp := t.TempDir()
	out := filepath.Join(tmp, "dist", "releases")

	n, err := Publish(filepath.Join(tmp, "releases"), out)
	if err != nil {
		t.Fatalf("Publish() on missing store: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 files, got %d", n)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("output directory should not be created for a missing store")
	}
}

func TestCopyFile_PreservesMode(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src.bin")
	if err := os.WriteFile(src, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(tmp, "nested", "dst.bin")
	if err := copyFile(src, dst); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}
