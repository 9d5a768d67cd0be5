// Package detector defines detector profiles: the per-detector configuration
// that drives inference post-processing and the escalation decision. Profiles
// are immutable once loaded; configuration reloads replace the full set.
package detector

import (
	"time"

	"github.com/pkg/errors"
)

// Mode describes what kind of prediction a detector produces.
type Mode string

// The supported detector modes.
const (
	ModeBinary      Mode = "binary"
	ModeMulticlass  Mode = "multiclass"
	ModeCounting    Mode = "counting"
	ModeBoundingBox Mode = "bounding_box"
)

// Validate ensures the mode is one of the supported values.
func (m Mode) Validate() error {
	switch m {
	case ModeBinary, ModeMulticlass, ModeCounting, ModeBoundingBox:
		return nil
	default:
		return errors.Errorf("unknown detector mode %q", string(m))
	}
}

// Default detection parameters applied to bounding-box detectors that do not
// set their own.
const (
	DefaultNMSIoUThreshold = 0.5
	DefaultMaxDetections   = 100
)

// DetectionParams tunes bounding-box post-processing. Only meaningful for
// ModeBoundingBox profiles.
type DetectionParams struct {
	// NMSIoUThreshold is the intersection-over-union above which two
	// detections are considered duplicates during non-max suppression.
	NMSIoUThreshold float64 `json:"nms_iou_threshold"`
	// MaxDetections caps the number of detections returned per frame.
	MaxDetections int `json:"max_detections"`
	// MinObjectArea and MaxObjectArea bound the pixel area of accepted
	// detections. Zero means unbounded.
	MinObjectArea float64 `json:"min_object_area"`
	MaxObjectArea float64 `json:"max_object_area"`
}

func (dp *DetectionParams) validate() error {
	if dp.NMSIoUThreshold < 0 || dp.NMSIoUThreshold > 1 {
		return errors.Errorf("nms_iou_threshold must be in [0,1], got %f", dp.NMSIoUThreshold)
	}
	if dp.MaxDetections < 0 {
		return errors.Errorf("max_detections must be non-negative, got %d", dp.MaxDetections)
	}
	if dp.MinObjectArea < 0 || dp.MaxObjectArea < 0 {
		return errors.New("object area bounds must be non-negative")
	}
	if dp.MaxObjectArea > 0 && dp.MinObjectArea > dp.MaxObjectArea {
		return errors.Errorf("min_object_area %f exceeds max_object_area %f", dp.MinObjectArea, dp.MaxObjectArea)
	}
	return nil
}

// Profile is the full configuration of one detector.
type Profile struct {
	DetectorID          string             `json:"detector_id"`
	Mode                Mode               `json:"mode"`
	ClassNames          []string           `json:"class_names,omitempty"`
	ConfidenceThreshold float64            `json:"confidence_threshold"`
	PerClassThresholds  map[string]float64 `json:"per_class_thresholds,omitempty"`

	// PatienceSeconds is the minimum interval between escalations for the
	// same detector/area pair. MinEscalationIntervalSeconds is a hard floor
	// between any two escalations on the detector regardless of area.
	PatienceSeconds              float64 `json:"patience_seconds"`
	MinEscalationIntervalSeconds float64 `json:"min_escalation_interval_seconds"`

	AlwaysReturnEdgePrediction bool `json:"always_return_edge_prediction"`
	DisableCloudEscalation     bool `json:"disable_cloud_escalation"`

	// OODDDampening scales how strongly the out-of-domain score suppresses
	// primary confidence: 1.0 multiplies by the raw score, 0.0 ignores the
	// OODD model entirely. Nil defaults to 1.0.
	OODDDampening *float64 `json:"oodd_dampening,omitempty"`

	// AuditSamplingRate is the probability that a high-confidence result is
	// flagged for asynchronous quality-monitoring upload.
	AuditSamplingRate float64 `json:"audit_sampling_rate"`

	DetectionParams *DetectionParams `json:"detection_params,omitempty"`
}

// Patience returns the per-area escalation interval as a duration.
func (p *Profile) Patience() time.Duration {
	return time.Duration(p.PatienceSeconds * float64(time.Second))
}

// MinEscalationInterval returns the detector-wide escalation floor as a duration.
func (p *Profile) MinEscalationInterval() time.Duration {
	return time.Duration(p.MinEscalationIntervalSeconds * float64(time.Second))
}

// Dampening returns the effective OODD dampening factor.
func (p *Profile) Dampening() float64 {
	if p.OODDDampening == nil {
		return 1.0
	}
	return *p.OODDDampening
}

// Validate checks the profile once at load time so per-request code never has
// to re-interpret the configuration.
func (p *Profile) Validate() error {
	if p.DetectorID == "" {
		return errors.New("detector_id is required")
	}
	if err := p.Mode.Validate(); err != nil {
		return errors.Wrapf(err, "detector %q", p.DetectorID)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return errors.Errorf("detector %q: confidence_threshold must be in [0,1], got %f",
			p.DetectorID, p.ConfidenceThreshold)
	}
	if p.Mode == ModeMulticlass && len(p.ClassNames) == 0 {
		return errors.Errorf("detector %q: multiclass mode requires class_names", p.DetectorID)
	}
	known := make(map[string]bool, len(p.ClassNames))
	for _, name := range p.ClassNames {
		if name == "" {
			return errors.Errorf("detector %q: empty class name", p.DetectorID)
		}
		if known[name] {
			return errors.Errorf("detector %q: duplicate class name %q", p.DetectorID, name)
		}
		known[name] = true
	}
	for class, thresh := range p.PerClassThresholds {
		if !known[class] {
			return errors.Errorf("detector %q: per-class threshold for unknown class %q", p.DetectorID, class)
		}
		if thresh < 0 || thresh > 1 {
			return errors.Errorf("detector %q: threshold for class %q must be in [0,1], got %f",
				p.DetectorID, class, thresh)
		}
	}
	if p.PatienceSeconds < 0 || p.MinEscalationIntervalSeconds < 0 {
		return errors.Errorf("detector %q: escalation intervals must be non-negative", p.DetectorID)
	}
	if d := p.OODDDampening; d != nil && (*d < 0 || *d > 1) {
		return errors.Errorf("detector %q: oodd_dampening must be in [0,1], got %f", p.DetectorID, *d)
	}
	if p.AuditSamplingRate < 0 || p.AuditSamplingRate > 1 {
		return errors.Errorf("detector %q: audit_sampling_rate must be in [0,1], got %f",
			p.DetectorID, p.AuditSamplingRate)
	}
	if p.DetectionParams != nil {
		if p.Mode != ModeBoundingBox {
			return errors.Errorf("detector %q: detection_params only apply to bounding_box mode", p.DetectorID)
		}
		if err := p.DetectionParams.validate(); err != nil {
			return errors.Wrapf(err, "detector %q", p.DetectorID)
		}
	}
	return nil
}

// EnsureDefaults fills unset optional fields. Called after a successful
// Validate so a rejected profile is never left partially defaulted.
func (p *Profile) EnsureDefaults() {
	if p.Mode != ModeBoundingBox {
		return
	}
	if p.DetectionParams == nil {
		p.DetectionParams = &DetectionParams{}
	}
	if p.DetectionParams.NMSIoUThreshold == 0 {
		p.DetectionParams.NMSIoUThreshold = DefaultNMSIoUThreshold
	}
	if p.DetectionParams.MaxDetections == 0 {
		p.DetectionParams.MaxDetections = DefaultMaxDetections
	}
}

// ThresholdFor returns the effective confidence threshold for a predicted
// class, honoring any per-class override.
func (p *Profile) ThresholdFor(class string) float64 {
	if t, ok := p.PerClassThresholds[class]; ok {
		return t
	}
	return p.ConfidenceThreshold
}
