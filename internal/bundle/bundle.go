// Package bundle produces the single distributable artifact for a build.
//
// The packaging engine is pluggable: ArchivePackager zips the static asset
// directory itself, CommandPackager delegates to an external tool.
package bundle

import (
	"context"

	"github.com/schaermu/iwarelease/internal/signer"
	"github.com/schaermu/iwarelease/internal/version"
)

// Request describes one packaging run.
type Request struct {
	// OutputPath is where the artifact must be written.
	OutputPath string
	// Version is the allocated release version, or the sentinel for
	// development builds.
	Version version.Version
	// Signer is nil for unsigned development builds.
	Signer *signer.Signer
	// SigningKey is the PEM the Signer was loaded from, handed to external
	// packagers that sign on their own.
	SigningKey []byte
	// Release mirrors the build mode.
	Release bool
}

// BaseURL returns the origin the bundle is pinned to, or "" when unsigned.
func (r Request) BaseURL() string {
	if r.Signer == nil {
		return ""
	}
	return r.Signer.Identity().Origin()
}

// Packager turns the application's static assets into one artifact.
type Packager interface {
	// Package writes the artifact to req.OutputPath and returns its path.
	Package(ctx context.Context, req Request) (string, error)
}
