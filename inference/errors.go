package inference

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/opticworks/edged/modelstore"
)

// Sentinel errors surfaced synchronously to submit callers. Model freshness
// problems never appear here; those only degrade Status.
var (
	// ErrModelUnavailable means no runnable artifact exists for the detector.
	ErrModelUnavailable = errors.New("no usable model artifact for detector")
	// ErrInvalidInput means the submitted image could not be decoded.
	ErrInvalidInput = errors.New("invalid image input")
	// ErrInternalTimeout means the forward pass exceeded the caller's deadline.
	ErrInternalTimeout = errors.New("inference exceeded deadline")
)

// ModelLoadError reports an artifact that is present on disk but failed to
// load or execute. The artifact is marked failed in the store; callers fall
// back to the previous ready version when one exists.
type ModelLoadError struct {
	DetectorID string
	Role       modelstore.Role
	Version    int
	Err        error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model %s/%s v%d failed to load or run: %v", e.DetectorID, e.Role, e.Version, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
