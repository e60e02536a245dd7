//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/iwarelease/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the iwarelease binary once and runs it against a
// throwaway project directory.
type Harness struct {
	t    *testing.T
	bin  string
	Root string
	env  []string
}

// NewHarness creates a harness with an empty project root
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:    t,
		Root: t.TempDir(),
	}
}

// BuildBinary compiles ./cmd/iwarelease into a temp directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot := testutil.MustProjectRoot(h.t)
	h.bin = filepath.Join(h.t.TempDir(), "iwarelease")
	h.t.Logf("Building %s", h.bin)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.bin, "./cmd/iwarelease")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Setenv adds a variable to the environment of every later Run
func (h *Harness) Setenv(key, value string) {
	h.env = append(h.env, key+"="+value)
}

// Run executes the binary in the project root
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.bin == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.bin, append([]string{"-C", h.Root}, args...)...)
	cmd.Env = append(os.Environ(), h.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("iwarelease %v exited with %d\nstdout: %s\nstderr: %s",
			args, exitCode, stdout, stderr)
	}
	return stdout
}

// WriteFile writes a file below the project root
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.Root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

// ReadFile reads a file below the project root
func (h *Harness) ReadFile(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.Root, rel))
	if err != nil {
		h.t.Fatal(err)
	}
	return string(data)
}

// FileExists reports whether rel exists below the project root
func (h *Harness) FileExists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.Root, rel))
	return err == nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
