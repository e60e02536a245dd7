package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/iwarelease/internal/signer"
	"github.com/schaermu/iwarelease/internal/version"
)

// State is a point in the build lifecycle
type State string

const (
	StateStart               State = "START"
	StateVersionAllocated    State = "VERSION_ALLOCATED"
	StateArtifactBuilt       State = "ARTIFACT_BUILT"
	StateArtifactSigned      State = "ARTIFACT_BUILT_AND_SIGNED"
	StateArchived            State = "ARCHIVED"
	StateManifestRegenerated State = "MANIFEST_REGENERATED"
	StateOutputAggregated    State = "OUTPUT_AGGREGATED"
	StateVersionReset        State = "VERSION_RESET"
	StateDone                State = "DONE"
)

// Context carries the values one build run shares between its stages.
// A new Context is created for every run and discarded afterwards.
type Context struct {
	RunID   string
	Release bool

	// Version is the allocated release version, or the sentinel for
	// development builds.
	Version version.Version

	// Signer and Identity are set by the signing stage in release builds.
	Signer     *signer.Signer
	Identity   *signer.Identity
	SigningKey []byte

	ArtifactPath string
	// ArchivedPath is empty when archival was skipped.
	ArchivedPath string
	ManifestPath string
	Published    int
	Commit       string

	State  State
	States []State

	StartedAt time.Time
}

// NewContext creates the context for a fresh run.
func NewContext(release bool) *Context {
	return &Context{
		RunID:     uuid.NewString(),
		Release:   release,
		Version:   version.Sentinel,
		State:     StateStart,
		States:    []State{StateStart},
		StartedAt: time.Now(),
	}
}

// Advance moves the run to s.
func (c *Context) Advance(s State) {
	c.State = s
	c.States = append(c.States, s)
}

// StageError records which stage aborted a run and in which state.
type StageError struct {
	Stage string
	State State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed in state %s: %v", e.Stage, e.State, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
