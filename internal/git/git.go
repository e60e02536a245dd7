package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotRepository is returned when dir is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Client provides read-only git queries used to annotate release records
type Client interface {
	// Head returns the commit hash checked out in dir
	Head(ctx context.Context, dir string) (string, error)
	// Dirty reports whether dir has uncommitted changes
	Dirty(ctx context.Context, dir string) (bool, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	binary string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient() *ShellClient {
	return &ShellClient{binary: "git"}
}

// Head returns the full hash of HEAD in dir
func (c *ShellClient) Head(ctx context.Context, dir string) (string, error) {
	out, err := c.output(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Dirty reports whether the work tree has staged, unstaged or untracked changes
func (c *ShellClient) Dirty(ctx context.Context, dir string) (bool, error) {
	out, err := c.output(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// output runs git -C dir args and returns stdout. Stderr is folded into
// the error on failure.
func (c *ShellClient) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, append([]string{"-C", dir}, args...)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not a git repository") {
			return "", fmt.Errorf("%w: %s", ErrNotRepository, dir)
		}
		return "", fmt.Errorf("%w: %s", err, msg)
	}
	return string(out), nil
}

// Describe returns "<hash>" or "<hash>-dirty" for dir. Any failure, including
// dir not being a repository, yields "" so callers can record builds made
// outside of git.
func Describe(ctx context.Context, c Client, dir string) string {
	if c == nil {
		return ""
	}
	head, err := c.Head(ctx, dir)
	if err != nil {
		return ""
	}
	if dirty, err := c.Dirty(ctx, dir); err == nil && dirty {
		return head + "-dirty"
	}
	return head
}
