package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Result summarizes a completed build. It is written next to the build
// output so deploy tooling can pick up the released version.
type Result struct {
	RunID       string    `json:"run_id"`
	BuildType   string    `json:"build_type"`
	Version     string    `json:"version"`
	WebBundleID string    `json:"web_bundle_id,omitempty"`
	Artifact    string    `json:"artifact"`
	Archived    string    `json:"archived,omitempty"`
	Manifest    string    `json:"manifest,omitempty"`
	Published   int       `json:"published"`
	Commit      string    `json:"commit,omitempty"`
	States      []State   `json:"states"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

func newResult(pc *Context) *Result {
	r := &Result{
		RunID:      pc.RunID,
		BuildType:  "development",
		Version:    pc.Version.String(),
		Artifact:   pc.ArtifactPath,
		Archived:   pc.ArchivedPath,
		Manifest:   pc.ManifestPath,
		Published:  pc.Published,
		Commit:     pc.Commit,
		States:     append([]State(nil), pc.States...),
		StartedAt:  pc.StartedAt,
		FinishedAt: time.Now(),
	}
	if pc.Release {
		r.BuildType = "release"
	}
	if pc.Identity != nil {
		r.WebBundleID = pc.Identity.WebBundleID
	}
	return r
}

// SaveResult persists r as indented JSON at path
func SaveResult(path string, r *Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// LoadResult reads a build record written by SaveResult
func LoadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse build record: %w", err)
	}
	return &r, nil
}
