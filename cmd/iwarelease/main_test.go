package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/iwarelease/internal/activation"
	"github.com/schaermu/iwarelease/internal/bundle"
	"github.com/schaermu/iwarelease/internal/lease"
	"github.com/schaermu/iwarelease/internal/manifest"
	"github.com/schaermu/iwarelease/internal/pipeline"
	"github.com/schaermu/iwarelease/internal/webmanifest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// resetFlags restores the package level flag variables after a test.
func resetFlags(t *testing.T) {
	t.Helper()
	origCfgFile, origChdir := cfgFile, chdir
	origLevel, origFormat := logLevel, logFormat
	origType, origDryRun, origAll := buildType, dryRun, listAll
	t.Cleanup(func() {
		cfgFile, chdir = origCfgFile, origChdir
		logLevel, logFormat = origLevel, origFormat
		buildType, dryRun, listAll = origType, origDryRun, origAll
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
}

// isolateEnv clears the variables config.Load reads. t.Setenv restores them
// even when a command overwrote them with os.Setenv.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"BUILD_TYPE", "SIGNING_KEY", "SIGNING_KEY_FILE", "SITE_ORIGIN", "PORT"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func signingKeyPEM(t *testing.T) string {
	t.Helper()
	seed := bytes.Repeat([]byte{9}, ed25519.SeedSize)
	der, err := x509.MarshalPKCS8PrivateKey(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newProject lays out a minimal app with a config file and returns its root.
func newProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "iwarelease.yaml"), `app:
  name: "demo"
build:
  static_dir: "public"
  output_dir: "dist"
release:
  store_dir: "releases"
`)
	writeFile(t, filepath.Join(root, "public", "index.html"), "<h1>demo</h1>\n")
	writeFile(t, filepath.Join(root, "public", ".well-known", "manifest.webmanifest"),
		"{\n  \"name\": \"Demo\",\n  \"version\": \"0.0.0\"\n}\n")
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSetupLogger(t *testing.T) {
	resetFlags(t)

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)

	root := newProject(t)
	cfgPath := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, cfgPath, "app:\n  name: \"custom\"\n")

	cfgFile = cfgPath
	chdir = root

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.App.Name != "custom" {
		t.Errorf("expected app name custom, got %q", cfg.App.Name)
	}
	if cfg.Root != root {
		t.Errorf("expected root %s, got %s", root, cfg.Root)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	chdir = t.TempDir()

	if _, err := loadConfig(quietLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPathWithoutFile(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)

	cfgFile = ""
	chdir = t.TempDir()

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("a project without iwarelease.yaml should load defaults: %v", err)
	}
	if cfg.IsRelease() {
		t.Error("default build type should be development")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestSuggestionsFor(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{name: "lease held", err: fmt.Errorf("stage lease: %w", lease.ErrHeld), want: true},
		{name: "no origin", err: manifest.ErrNoOrigin, want: true},
		{name: "port in use", err: activation.ErrPortInUse, want: true},
		{name: "other", err: errors.New("boom"), want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := suggestionsFor(tc.err)
			if (len(got) > 0) != tc.want {
				t.Errorf("suggestionsFor(%v) = %v", tc.err, got)
			}
		})
	}
}

func TestBuild_Development(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	root := newProject(t)

	if _, err := execute(t, "build", "-C", root, "--log-level", "error"); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "dist", "demo.swbn")); err != nil {
		t.Errorf("expected development bundle: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "releases")); !os.IsNotExist(err) {
		t.Error("development builds must not create the release store")
	}

	result, err := pipeline.LoadResult(filepath.Join(root, "dist", ".iwarelease-build.json"))
	if err != nil {
		t.Fatalf("build record missing: %v", err)
	}
	if result.BuildType != "development" || result.Version != "0.0.0" {
		t.Errorf("unexpected build record %+v", result)
	}
}

func TestBuild_ReleaseTwice(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	root := newProject(t)
	t.Setenv("SIGNING_KEY", signingKeyPEM(t))
	t.Setenv("SITE_ORIGIN", "https://demo.example")

	for i := 0; i < 2; i++ {
		if _, err := execute(t, "build", "-C", root, "--type", "release", "--log-level", "error"); err != nil {
			t.Fatalf("release build %d failed: %v", i+1, err)
		}
	}

	for _, name := range []string{"demo_1.0.0.swbn", "demo_1.0.1.swbn"} {
		block, err := bundle.Verify(filepath.Join(root, "releases", name))
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if block.WebBundleID == "" {
			t.Errorf("%s: integrity block has no web bundle id", name)
		}
	}

	doc, err := manifest.Read(filepath.Join(root, "dist", "releases", manifest.FileName))
	if err != nil {
		t.Fatalf("published manifest missing: %v", err)
	}
	if len(doc.Versions) != 2 || doc.Versions[1].Src != "https://demo.example/releases/demo_1.0.1.swbn" {
		t.Errorf("unexpected manifest %+v", doc)
	}

	v, err := webmanifest.Version(filepath.Join(root, "public", ".well-known", "manifest.webmanifest"))
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "0.0.0" {
		t.Errorf("web manifest version must be reset, got %s", v)
	}

	out, err := execute(t, "next-version", "-C", root, "--log-level", "error")
	if err != nil {
		t.Fatalf("next-version failed: %v", err)
	}
	if strings.TrimSpace(out) != "1.0.2" {
		t.Errorf("next-version = %q, want 1.0.2", out)
	}

	out, err = execute(t, "releases", "-C", root, "--log-level", "error")
	if err != nil {
		t.Fatalf("releases failed: %v", err)
	}
	if !strings.Contains(out, "1.0.0") || !strings.Contains(out, "demo_1.0.1.swbn") {
		t.Errorf("unexpected releases output:\n%s", out)
	}

	writeFile(t, filepath.Join(root, "releases", "demo_latest.swbn"), "bundle")
	out, err = execute(t, "releases", "-C", root, "--all", "--log-level", "error")
	if err != nil {
		t.Fatalf("releases --all failed: %v", err)
	}
	if !strings.Contains(out, "invalid") || !strings.Contains(out, "demo_latest.swbn") {
		t.Errorf("expected the unversioned bundle to be flagged:\n%s", out)
	}
}

func TestBuild_ReleaseWithoutKey(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	root := newProject(t)

	if _, err := execute(t, "build", "-C", root, "--type", "release", "--log-level", "error"); err == nil {
		t.Fatal("expected release build without a signing key to fail")
	}
	if _, err := os.Stat(filepath.Join(root, "releases")); !os.IsNotExist(err) {
		t.Error("a rejected release must not touch the store")
	}
}

func TestBuild_DryRun(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	root := newProject(t)
	t.Setenv("SIGNING_KEY", signingKeyPEM(t))
	t.Setenv("SITE_ORIGIN", "https://demo.example")

	if _, err := execute(t, "build", "-C", root, "--type", "release", "--dry-run", "--log-level", "error"); err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "dist")); !os.IsNotExist(err) {
		t.Error("dry-run must not create the output directory")
	}
}

func TestManifestAndPublish(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	root := newProject(t)
	writeFile(t, filepath.Join(root, "releases", "demo_2.0.0.swbn"), "bundle")
	writeFile(t, filepath.Join(root, "firebase.json"), `{"hosting": {"site": "iwa-demo"}}`)

	if _, err := execute(t, "manifest", "-C", root, "--log-level", "error"); err != nil {
		t.Fatalf("manifest failed: %v", err)
	}
	doc, err := manifest.Read(filepath.Join(root, "releases", manifest.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Versions) != 1 || doc.Versions[0].Src != "https://iwa-demo.web.app/releases/demo_2.0.0.swbn" {
		t.Errorf("unexpected manifest %+v", doc)
	}

	if _, err := execute(t, "publish", "-C", root, "--log-level", "error"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	for _, name := range []string{"demo_2.0.0.swbn", manifest.FileName} {
		if _, err := os.Stat(filepath.Join(root, "dist", "releases", name)); err != nil {
			t.Errorf("%s not published: %v", name, err)
		}
	}
}

func TestHistory_NotConfigured(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	root := newProject(t)

	if _, err := execute(t, "history", "-C", root, "--log-level", "error"); err == nil {
		t.Fatal("expected an error when release.history_db is not set")
	}
}
