// Package pipeline drives a build: an ordered list of stages hooked into
// the points before compilation, after the artifact is written, after the
// pipeline finishes, and a finalize step that always runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/iwarelease/internal/bundle"
	"github.com/schaermu/iwarelease/internal/config"
)

// Stage is one named step of the build. A stage takes part in the run by
// implementing one or more of the hook interfaces below.
type Stage interface {
	Name() string
}

// BeforeCompiler runs before the artifact is compiled.
type BeforeCompiler interface {
	BeforeCompile(ctx context.Context, pc *Context) error
}

// AfterArtifacter runs once the artifact has been written.
type AfterArtifacter interface {
	AfterArtifact(ctx context.Context, pc *Context) error
}

// AfterPipeliner runs after every stage has seen the artifact.
type AfterPipeliner interface {
	AfterPipeline(ctx context.Context, pc *Context) error
}

// Finalizer always runs, in reverse stage order, whether or not the run
// failed. runErr is the error that aborted the run, if any.
type Finalizer interface {
	Finalize(ctx context.Context, pc *Context, runErr error) error
}

// Hook names a lifecycle point.
type Hook string

const (
	HookBeforeCompile Hook = "before-compile"
	HookCompile       Hook = "compile"
	HookAfterArtifact Hook = "after-artifact"
	HookAfterPipeline Hook = "after-pipeline"
	HookFinalize      Hook = "finalize"
)

// Step is one entry of a build plan.
type Step struct {
	Hook  Hook
	Stage string
}

const compileStage = "compile"

// Engine orchestrates the build process
type Engine struct {
	cfg      *config.Config
	packager bundle.Packager
	stages   []Stage
	logger   *slog.Logger
	dryRun   bool
}

// NewEngine creates a new build engine
func NewEngine(cfg *config.Config, packager bundle.Packager, stages []Stage, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		packager: packager,
		stages:   stages,
		logger:   logger,
		dryRun:   dryRun,
	}
}

// Plan lists the steps Run would execute, in order.
func (e *Engine) Plan() []Step {
	var steps []Step
	for _, s := range e.stages {
		if _, ok := s.(BeforeCompiler); ok {
			steps = append(steps, Step{Hook: HookBeforeCompile, Stage: s.Name()})
		}
	}
	steps = append(steps, Step{Hook: HookCompile, Stage: compileStage})
	for _, s := range e.stages {
		if _, ok := s.(AfterArtifacter); ok {
			steps = append(steps, Step{Hook: HookAfterArtifact, Stage: s.Name()})
		}
	}
	for _, s := range e.stages {
		if _, ok := s.(AfterPipeliner); ok {
			steps = append(steps, Step{Hook: HookAfterPipeline, Stage: s.Name()})
		}
	}
	for i := len(e.stages) - 1; i >= 0; i-- {
		if _, ok := e.stages[i].(Finalizer); ok {
			steps = append(steps, Step{Hook: HookFinalize, Stage: e.stages[i].Name()})
		}
	}
	return steps
}

// Run executes the complete build. On success the build record is written
// to the output directory and returned.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	pc := NewContext(e.cfg.IsRelease())

	e.logger.Info("starting build",
		"run_id", pc.RunID,
		"build_type", e.cfg.Build.Type,
		"app", e.cfg.App.Name,
		"dry_run", e.dryRun)

	// check for dry-run mode
	if e.dryRun {
		for _, step := range e.Plan() {
			e.logger.Info("[dry-run] would run", "hook", step.Hook, "stage", step.Stage)
		}
		e.logger.Info("dry-run complete, no changes applied")
		return nil, nil
	}

	runErr := e.run(ctx, pc)

	// Finalizers run on a fresh context so cleanup still happens after
	// cancellation.
	finalizeCtx := context.WithoutCancel(ctx)
	var finalErrs []error
	for i := len(e.stages) - 1; i >= 0; i-- {
		f, ok := e.stages[i].(Finalizer)
		if !ok {
			continue
		}
		if err := f.Finalize(finalizeCtx, pc, runErr); err != nil {
			e.logger.Error("finalize failed", "stage", e.stages[i].Name(), "error", err)
			finalErrs = append(finalErrs, &StageError{Stage: e.stages[i].Name(), State: pc.State, Err: err})
		}
	}

	if runErr != nil {
		return nil, errors.Join(append([]error{runErr}, finalErrs...)...)
	}
	if len(finalErrs) > 0 {
		return nil, errors.Join(finalErrs...)
	}

	pc.Advance(StateDone)
	result := newResult(pc)
	if err := SaveResult(e.cfg.BuildRecordPath(), result); err != nil {
		return nil, fmt.Errorf("failed to save build record: %w", err)
	}

	e.logger.Info("build completed successfully",
		"run_id", pc.RunID,
		"version", pc.Version,
		"archived", pc.ArchivedPath)
	return result, nil
}

func (e *Engine) run(ctx context.Context, pc *Context) error {
	for _, s := range e.stages {
		if h, ok := s.(BeforeCompiler); ok {
			if err := e.invoke(ctx, s, pc, h.BeforeCompile); err != nil {
				return err
			}
		}
	}

	if err := e.compile(ctx, pc); err != nil {
		return &StageError{Stage: compileStage, State: pc.State, Err: err}
	}

	for _, s := range e.stages {
		if h, ok := s.(AfterArtifacter); ok {
			if err := e.invoke(ctx, s, pc, h.AfterArtifact); err != nil {
				return err
			}
		}
	}

	for _, s := range e.stages {
		if h, ok := s.(AfterPipeliner); ok {
			if err := e.invoke(ctx, s, pc, h.AfterPipeline); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) invoke(ctx context.Context, s Stage, pc *Context, fn func(context.Context, *Context) error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: s.Name(), State: pc.State, Err: err}
	}
	if err := fn(ctx, pc); err != nil {
		return &StageError{Stage: s.Name(), State: pc.State, Err: err}
	}
	return nil
}

// compile prepares the output directory and runs the packager.
func (e *Engine) compile(ctx context.Context, pc *Context) error {
	outDir := e.cfg.Build.OutputDir
	if e.cfg.Build.EmptyOutputDir == nil || *e.cfg.Build.EmptyOutputDir {
		e.logger.Debug("emptying output directory", "dir", outDir)
		if err := emptyDir(outDir); err != nil {
			return fmt.Errorf("failed to empty output directory: %w", err)
		}
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	e.logger.Info("compiling bundle",
		"output", e.cfg.ArtifactPath(),
		"version", pc.Version,
		"signed", pc.Signer != nil)

	path, err := e.packager.Package(ctx, bundle.Request{
		OutputPath: e.cfg.ArtifactPath(),
		Version:    pc.Version,
		Signer:     pc.Signer,
		SigningKey: pc.SigningKey,
		Release:    pc.Release,
	})
	if err != nil {
		return err
	}
	pc.ArtifactPath = path

	if pc.Release {
		pc.Advance(StateArtifactSigned)
	} else {
		pc.Advance(StateArtifactBuilt)
	}
	return nil
}

// emptyDir removes the contents of dir but keeps dir itself.
func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
