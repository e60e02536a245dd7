package bundle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CommandPackager delegates packaging to an external command, e.g. a
// JavaScript bundler with a web bundle plugin. Build parameters are passed
// through the environment:
//
//	BUILD_TYPE       release or development
//	IWA_VERSION      allocated version (0.0.0 for development builds)
//	IWA_OUTPUT       path the artifact must be written to
//	IWA_BASE_URL     isolated-app origin, empty when unsigned
//	IWA_BUNDLE_ID    Web Bundle ID, empty when unsigned
//	SIGNING_KEY      PEM private key, set only for signed builds
//
// SIGNING_KEY and SIGNING_KEY_FILE inherited from the environment are not
// passed on, so the command signs exactly when the build is signed, with the
// key the build was configured with.
type CommandPackager struct {
	Args []string
	Dir  string
}

// NewCommandPackager creates a packager running args in dir.
func NewCommandPackager(args []string, dir string) *CommandPackager {
	return &CommandPackager{Args: args, Dir: dir}
}

// Package implements Packager. The artifact is not checked for existence;
// callers decide how to handle a command that produced nothing.
func (p *CommandPackager) Package(ctx context.Context, req Request) (string, error) {
	if len(p.Args) == 0 {
		return "", fmt.Errorf("no packaging command configured")
	}

	cmd := exec.CommandContext(ctx, p.Args[0], p.Args[1:]...)
	cmd.Dir = p.Dir
	cmd.Env = append(inheritedEnv(), buildEnv(req)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("packaging command %q failed: %w: %s",
			strings.Join(p.Args, " "), err, strings.TrimSpace(string(output)))
	}
	return req.OutputPath, nil
}

// inheritedEnv is the process environment without signing material.
func inheritedEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "SIGNING_KEY=") || strings.HasPrefix(kv, "SIGNING_KEY_FILE=") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

func buildEnv(req Request) []string {
	buildType := "development"
	if req.Release {
		buildType = "release"
	}

	bundleID := ""
	if req.Signer != nil {
		bundleID = req.Signer.Identity().WebBundleID
	}

	env := []string{
		"BUILD_TYPE=" + buildType,
		"IWA_VERSION=" + req.Version.String(),
		"IWA_OUTPUT=" + req.OutputPath,
		"IWA_BASE_URL=" + req.BaseURL(),
		"IWA_BUNDLE_ID=" + bundleID,
	}
	if req.Signer != nil && len(req.SigningKey) > 0 {
		env = append(env, "SIGNING_KEY="+string(req.SigningKey))
	}
	return env
}
