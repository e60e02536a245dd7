package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/schaermu/iwarelease/internal/config"
	"github.com/schaermu/iwarelease/internal/git"
	"github.com/schaermu/iwarelease/internal/history"
	"github.com/schaermu/iwarelease/internal/lease"
	"github.com/schaermu/iwarelease/internal/manifest"
	"github.com/schaermu/iwarelease/internal/releases"
	"github.com/schaermu/iwarelease/internal/signer"
	"github.com/schaermu/iwarelease/internal/webmanifest"
)

// Deps holds the optional collaborators a build can use.
type Deps struct {
	Lease  *lease.Client
	Ledger *history.Ledger
	Git    git.Client
}

// DefaultStages returns the stage list for the configured build type.
//
// Release: [lease], signing, version, archive, [history], manifest, publish.
// Development: publish.
func DefaultStages(cfg *config.Config, deps Deps, logger *slog.Logger) []Stage {
	store := releases.NewStore(cfg.Release.StoreDir, cfg.App.Name, cfg.App.BundleExt)
	publish := &PublishStage{StoreDir: cfg.Release.StoreDir, PublishDir: cfg.PublishDir(), Logger: logger}

	if !cfg.IsRelease() {
		return []Stage{publish}
	}

	var stages []Stage
	if deps.Lease != nil {
		stages = append(stages, &LeaseStage{Client: deps.Lease, Key: cfg.Lock.Key, TTL: cfg.Lock.TTL, Logger: logger})
	}
	stages = append(stages,
		&SigningStage{LoadKey: cfg.SigningKeyPEM, Logger: logger},
		&VersionStage{Store: store, WebManifest: cfg.Build.WebManifest, Logger: logger},
		&ArchiveStage{Store: store, Logger: logger},
	)
	if deps.Ledger != nil {
		stages = append(stages, &HistoryStage{Ledger: deps.Ledger, Git: deps.Git, Root: cfg.Root, Logger: logger})
	}
	stages = append(stages,
		&ManifestStage{
			Store:          store,
			SiteOrigin:     cfg.Release.SiteOrigin,
			FirebaseConfig: cfg.Release.FirebaseConfig,
			Path:           cfg.ManifestPath(),
			Logger:         logger,
		},
		publish,
	)
	return stages
}

// LeaseStage holds the release store lease for the duration of the build.
type LeaseStage struct {
	Client *lease.Client
	Key    string
	TTL    time.Duration
	Logger *slog.Logger

	held *lease.Lease
}

func (s *LeaseStage) Name() string { return "lease" }

func (s *LeaseStage) BeforeCompile(ctx context.Context, pc *Context) error {
	l, err := s.Client.Acquire(ctx, s.Key, s.TTL)
	if err != nil {
		return err
	}
	s.held = l
	s.Logger.Info("acquired release store lease", "key", l.Key, "ttl", l.TTL)
	return nil
}

func (s *LeaseStage) Finalize(ctx context.Context, pc *Context, _ error) error {
	if s.held == nil {
		return nil
	}
	l := s.held
	s.held = nil
	if err := l.Release(ctx); err != nil {
		if errors.Is(err, lease.ErrLost) {
			s.Logger.Warn("release store lease expired before the build finished", "key", l.Key)
			return nil
		}
		return err
	}
	s.Logger.Debug("released release store lease", "key", l.Key)
	return nil
}

// SigningStage derives the signing identity from the configured key.
type SigningStage struct {
	LoadKey func() ([]byte, error)
	Logger  *slog.Logger
}

func (s *SigningStage) Name() string { return "signing" }

func (s *SigningStage) BeforeCompile(_ context.Context, pc *Context) error {
	data, err := s.LoadKey()
	if err != nil {
		return err
	}
	sg, err := signer.FromPEM(data)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	id := sg.Identity()
	pc.Signer = sg
	pc.Identity = &id
	pc.SigningKey = data
	s.Logger.Info("derived signing identity",
		"web_bundle_id", id.WebBundleID,
		"algorithm", id.Algorithm,
		"origin", id.Origin())
	return nil
}

// VersionStage allocates the next release version and keeps the web
// manifest's version member in sync with it for the duration of the build.
type VersionStage struct {
	Store       *releases.Store
	WebManifest string
	Logger      *slog.Logger
}

func (s *VersionStage) Name() string { return "version" }

func (s *VersionStage) BeforeCompile(_ context.Context, pc *Context) error {
	v, err := s.Store.NextVersion()
	if err != nil {
		return fmt.Errorf("failed to allocate release version: %w", err)
	}
	pc.Version = v
	pc.Advance(StateVersionAllocated)
	s.Logger.Info("allocated release version", "version", v)

	changed, err := webmanifest.SetVersion(s.WebManifest, v)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.Logger.Warn("web manifest not found, version not written", "path", s.WebManifest)
			return nil
		}
		return err
	}
	s.Logger.Debug("wrote web manifest version", "path", s.WebManifest, "changed", changed)
	return nil
}

// Finalize resets the web manifest version to the sentinel, whether or
// not the build succeeded.
func (s *VersionStage) Finalize(_ context.Context, pc *Context, _ error) error {
	if _, err := webmanifest.Reset(s.WebManifest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			pc.Advance(StateVersionReset)
			return nil
		}
		return err
	}
	pc.Advance(StateVersionReset)
	s.Logger.Debug("reset web manifest version", "path", s.WebManifest)
	return nil
}

// ArchiveStage copies the artifact into the release store.
type ArchiveStage struct {
	Store  *releases.Store
	Logger *slog.Logger
}

func (s *ArchiveStage) Name() string { return "archive" }

func (s *ArchiveStage) AfterArtifact(_ context.Context, pc *Context) error {
	dest, err := s.Store.Archive(pc.ArtifactPath, pc.Version)
	if err != nil {
		if errors.Is(err, releases.ErrArtifactMissing) {
			s.Logger.Error("could not find source bundle, skipping archive", "source", pc.ArtifactPath)
			pc.Advance(StateArchived)
			return nil
		}
		return err
	}
	pc.ArchivedPath = dest
	pc.Advance(StateArchived)
	s.Logger.Info("archived bundle", "dest", dest, "version", pc.Version)
	return nil
}

// HistoryStage records the archived release in the ledger.
type HistoryStage struct {
	Ledger *history.Ledger
	Git    git.Client
	Root   string
	Logger *slog.Logger
}

func (s *HistoryStage) Name() string { return "history" }

func (s *HistoryStage) AfterArtifact(ctx context.Context, pc *Context) error {
	if pc.ArchivedPath == "" {
		s.Logger.Debug("nothing archived, skipping history")
		return nil
	}

	sum, size, err := history.Digest(pc.ArchivedPath)
	if err != nil {
		return fmt.Errorf("failed to hash archived bundle: %w", err)
	}

	pc.Commit = git.Describe(ctx, s.Git, s.Root)
	if pc.Commit == "" {
		s.Logger.Debug("no git commit for project root", "root", s.Root)
	}

	rel := history.Release{
		RunID:    pc.RunID,
		Version:  pc.Version,
		Filename: filepath.Base(pc.ArchivedPath),
		SHA256:   sum,
		Size:     size,
		Commit:   pc.Commit,
	}
	if pc.Identity != nil {
		rel.WebBundleID = pc.Identity.WebBundleID
	}
	if err := s.Ledger.Record(ctx, rel); err != nil {
		return err
	}
	s.Logger.Info("recorded release", "version", pc.Version, "sha256", sum, "commit", pc.Commit)
	return nil
}

// ManifestStage regenerates the update manifest from the store contents.
type ManifestStage struct {
	Store          *releases.Store
	SiteOrigin     string
	FirebaseConfig string
	Path           string
	Logger         *slog.Logger
}

func (s *ManifestStage) Name() string { return "manifest" }

func (s *ManifestStage) AfterPipeline(_ context.Context, pc *Context) error {
	origin, err := manifest.SiteOrigin(s.SiteOrigin, s.FirebaseConfig)
	if err != nil {
		return err
	}

	entries, err := s.Store.List()
	if err != nil {
		return fmt.Errorf("failed to list release store: %w", err)
	}
	for _, e := range entries {
		if !e.Valid {
			s.Logger.Warn("ignoring bundle without a version", "file", e.Filename)
		}
	}

	doc := manifest.Regenerate(entries, origin)
	if err := manifest.Write(s.Path, doc); err != nil {
		return err
	}
	pc.ManifestPath = s.Path
	pc.Advance(StateManifestRegenerated)
	s.Logger.Info("regenerated update manifest", "path", s.Path, "versions", len(doc.Versions), "origin", origin)
	return nil
}

// PublishStage copies the release store into the build output.
type PublishStage struct {
	StoreDir   string
	PublishDir string
	Logger     *slog.Logger
}

func (s *PublishStage) Name() string { return "publish" }

func (s *PublishStage) AfterPipeline(_ context.Context, pc *Context) error {
	n, err := releases.Publish(s.StoreDir, s.PublishDir)
	if err != nil {
		return err
	}
	pc.Published = n
	pc.Advance(StateOutputAggregated)
	if n == 0 {
		s.Logger.Info("no releases to publish", "store", s.StoreDir)
	} else {
		s.Logger.Info("published releases", "count", n, "dest", s.PublishDir)
	}
	return nil
}
