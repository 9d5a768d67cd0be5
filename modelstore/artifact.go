// Package modelstore keeps versioned model artifacts on local disk with an
// atomic publish/retention contract: readers always see a fully-written
// artifact or none at all, and at most the two newest ready versions per
// detector/role are retained.
package modelstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Role distinguishes the two models a detector may carry.
type Role string

// The model roles.
const (
	RolePrimary Role = "primary"
	RoleOODD    Role = "oodd"
)

// Roles lists all roles in sync order.
var Roles = []Role{RolePrimary, RoleOODD}

// Validate ensures the role is known.
func (r Role) Validate() error {
	switch r {
	case RolePrimary, RoleOODD:
		return nil
	default:
		return errors.Errorf("unknown model role %q", string(r))
	}
}

// State is the lifecycle state of an artifact version.
type State string

// Artifact states. Only Ready artifacts are visible to readers.
const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateReady       State = "ready"
	StateFailed      State = "failed"
)

// ModelFileName is the artifact binary name inside a version directory.
// Config-only artifacts carry PipelineFileName instead.
const (
	ModelFileName    = "model.onnx"
	PipelineFileName = "pipeline.json"
	metadataFileName = "artifact.json"
)

// Artifact is one published model version. Immutable once ready; treat
// returned pointers as read-only.
type Artifact struct {
	DetectorID string `json:"detector_id"`
	Role       Role   `json:"role"`
	Version    int    `json:"version"`

	// ContentID is the remote content fingerprint for packaged binaries.
	// ConfigFingerprint identifies config-only artifacts instead.
	ContentID         string `json:"content_id,omitempty"`
	ConfigFingerprint string `json:"config_fingerprint,omitempty"`

	State       State     `json:"state"`
	PublishedAt time.Time `json:"published_at"`

	localDir  string
	hasBinary bool
}

// Path returns the on-disk location of the artifact binary, or the pipeline
// config file for config-only artifacts.
func (a *Artifact) Path() string {
	if a.hasBinary {
		return filepath.Join(a.localDir, ModelFileName)
	}
	return filepath.Join(a.localDir, PipelineFileName)
}

// HasBinary reports whether the artifact carries a packaged model binary.
func (a *Artifact) HasBinary() bool {
	return a.hasBinary
}

// Dir returns the artifact's version directory.
func (a *Artifact) Dir() string {
	return a.localDir
}

func versionDirName(version int) string {
	return fmt.Sprintf("v%04d", version)
}

func parseVersionDirName(name string) (int, bool) {
	var v int
	if _, err := fmt.Sscanf(name, "v%04d", &v); err != nil {
		return 0, false
	}
	return v, true
}

type artifactMetadata struct {
	Artifact
	HasBinary bool `json:"has_binary"`
}

func writeMetadata(dir string, a *Artifact) error {
	meta := artifactMetadata{Artifact: *a, HasBinary: a.hasBinary}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, metadataFileName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "failed to write artifact metadata")
	}
	return os.Rename(tmp, filepath.Join(dir, metadataFileName))
}

func readMetadata(dir string) (*Artifact, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read artifact metadata in %q", dir)
	}
	var meta artifactMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrapf(err, "corrupt artifact metadata in %q", dir)
	}
	a := meta.Artifact
	a.localDir = dir
	a.hasBinary = meta.HasBinary
	return &a, nil
}
