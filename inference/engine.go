package inference

import (
	"context"
	"image"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/opticworks/edged/detector"
	"github.com/opticworks/edged/modelstore"
)

// Fallback labels for binary detectors that do not configure class names.
const (
	binaryPositiveLabel = "positive"
	binaryNegativeLabel = "negative"
)

// Result is the transient outcome of one two-stage inference.
type Result struct {
	DetectorID   string        `json:"detector_id"`
	Mode         detector.Mode `json:"mode"`
	ModelVersion int           `json:"model_version"`

	RawPrimaryConfidence float64 `json:"raw_primary_confidence"`
	OODDScore            float64 `json:"oodd_in_domain_score"`
	CalibratedConfidence float64 `json:"calibrated_confidence"`

	// ClassName is the predicted class for classification modes, or the top
	// detection's class for bounding-box mode.
	ClassName  string      `json:"class_name,omitempty"`
	Count      int         `json:"count,omitempty"`
	Detections []Detection `json:"detections,omitempty"`
}

// Engine executes the two-stage pipeline against whatever artifact versions
// are currently published. Aside from session-cache bookkeeping it mutates no
// shared state.
type Engine struct {
	store  *modelstore.Store
	cache  *sessionCache
	logger golog.Logger
}

// NewEngine returns an engine over the store using the given backend.
// cacheSlots caps how many loaded sessions are kept in memory.
func NewEngine(store *modelstore.Store, backend Backend, cacheSlots int, logger golog.Logger) *Engine {
	return &Engine{
		store:  store,
		cache:  newSessionCache(backend, cacheSlots, logger),
		logger: logger,
	}
}

// Calibrate combines the primary confidence with the out-of-domain score.
// dampening names the strength of the adjustment: 1.0 multiplies by the raw
// OODD score, 0.0 disables it. The effective multiplier 1-d*(1-s) is
// monotonic in s and never exceeds 1, so a low in-domain score can only
// suppress confidence, never inflate it.
func Calibrate(rawConfidence, ooddScore, dampening float64) float64 {
	multiplier := 1 - dampening*(1-ooddScore)
	if multiplier < 0 {
		multiplier = 0
	}
	return rawConfidence * multiplier
}

// Infer runs the primary model and, when published, the OODD model against
// the frame, returning calibrated confidence and structured detections.
func (e *Engine) Infer(ctx context.Context, profile *detector.Profile, imageBytes []byte) (*Result, error) {
	img, err := decodeImage(imageBytes)
	if err != nil {
		return nil, err
	}

	outputs, artifact, err := e.runPrimary(ctx, profile.DetectorID, img)
	if err != nil {
		return nil, err
	}

	result, err := e.interpretPrimary(profile, outputs, img.Bounds())
	if err != nil {
		return nil, err
	}
	result.DetectorID = profile.DetectorID
	result.Mode = profile.Mode
	result.ModelVersion = artifact.Version

	result.OODDScore = e.runOODD(ctx, profile.DetectorID, img)
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrInternalTimeout, err.Error())
	}
	result.CalibratedConfidence = Calibrate(result.RawPrimaryConfidence, result.OODDScore, profile.Dampening())

	if profile.Mode == detector.ModeBoundingBox {
		result.Detections = e.postprocess(profile, result.Detections)
		if len(result.Detections) > 0 {
			result.ClassName = result.Detections[0].ClassName
		}
	}
	return result, nil
}

// Close releases all cached sessions.
func (e *Engine) Close() error {
	return e.cache.closeAll()
}

// runPrimary executes the published primary artifact, falling back to the
// previous ready version if the current one fails to load or run. The failed
// artifact is marked in the store but kept on disk for diagnosis.
func (e *Engine) runPrimary(ctx context.Context, detectorID string, img image.Image) ([][]float32, *modelstore.Artifact, error) {
	artifact := e.store.Current(detectorID, modelstore.RolePrimary)
	if artifact == nil {
		return nil, nil, errors.Wrapf(ErrModelUnavailable, "detector %q not ready: no primary model published", detectorID)
	}
	if !artifact.HasBinary() {
		return nil, nil, errors.Wrapf(ErrModelUnavailable,
			"detector %q not ready: published primary artifact is config-only", detectorID)
	}

	outputs, err := e.runArtifact(ctx, artifact, img)
	if err == nil {
		return outputs, artifact, nil
	}
	if errors.Is(err, ErrInternalTimeout) || errors.Is(err, context.Canceled) {
		return nil, nil, err
	}

	// Execution failure: mark the artifact, drop its session, and retry once
	// against the version published before it.
	e.failArtifact(artifact, err)
	previous := e.store.Current(detectorID, modelstore.RolePrimary)
	if previous == nil || previous.Version == artifact.Version || !previous.HasBinary() {
		return nil, nil, &ModelLoadError{
			DetectorID: detectorID, Role: modelstore.RolePrimary, Version: artifact.Version, Err: err,
		}
	}
	outputs, prevErr := e.runArtifact(ctx, previous, img)
	if prevErr != nil {
		if errors.Is(prevErr, ErrInternalTimeout) || errors.Is(prevErr, context.Canceled) {
			return nil, nil, prevErr
		}
		e.failArtifact(previous, prevErr)
		return nil, nil, &ModelLoadError{
			DetectorID: detectorID, Role: modelstore.RolePrimary, Version: previous.Version, Err: prevErr,
		}
	}
	e.logger.Warnw("primary model failed, served previous version",
		"detector", detectorID, "failed_version", artifact.Version, "served_version", previous.Version)
	return outputs, previous, nil
}

// runOODD returns the in-domain score from the published OODD model, or 1.0
// (no adjustment) when none is published or it cannot be run. OODD failures
// degrade calibration rather than failing the request.
func (e *Engine) runOODD(ctx context.Context, detectorID string, img image.Image) float64 {
	artifact := e.store.Current(detectorID, modelstore.RoleOODD)
	if artifact == nil || !artifact.HasBinary() {
		return 1.0
	}
	outputs, err := e.runArtifact(ctx, artifact, img)
	if err != nil {
		if errors.Is(err, ErrInternalTimeout) || errors.Is(err, context.Canceled) {
			return 1.0
		}
		e.failArtifact(artifact, err)
		e.logger.Warnw("oodd model failed, serving uncalibrated confidence",
			"detector", detectorID, "version", artifact.Version, "error", err)
		return 1.0
	}
	if len(outputs) == 0 || len(outputs[0]) == 0 {
		return 1.0
	}
	return clamp01(float64(outputs[0][0]))
}

func (e *Engine) failArtifact(artifact *modelstore.Artifact, cause error) {
	e.logger.Errorw("marking model artifact failed",
		"detector", artifact.DetectorID, "role", artifact.Role, "version", artifact.Version, "error", cause)
	if err := e.store.MarkFailed(artifact); err != nil {
		e.logger.Errorw("failed to record artifact failure", "error", err)
	}
	e.cache.invalidate(artifact)
}

// runArtifact acquires a session for the exact artifact version and runs one
// forward pass. The pass either completes or the request is abandoned on
// deadline; an abandoned pass still releases its session reference when it
// finishes, so no shared structure is left inconsistent.
func (e *Engine) runArtifact(ctx context.Context, artifact *modelstore.Artifact, img image.Image) ([][]float32, error) {
	entry, err := e.cache.acquire(artifact)
	if err != nil {
		return nil, err
	}

	width, height := entry.session.InputShape()
	input := imageToTensor(img, width, height)

	type inferResult struct {
		outputs [][]float32
		err     error
	}
	done := make(chan inferResult, 1)
	goutils.PanicCapturingGo(func() {
		outputs, err := entry.session.Infer(ctx, input)
		e.cache.release(entry)
		done <- inferResult{outputs, err}
	})

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ErrInternalTimeout, ctx.Err().Error())
	case res := <-done:
		return res.outputs, res.err
	}
}

// interpretPrimary converts raw output tensors into mode-specific fields.
func (e *Engine) interpretPrimary(profile *detector.Profile, outputs [][]float32, bounds image.Rectangle) (*Result, error) {
	if len(outputs) == 0 || len(outputs[0]) == 0 {
		return nil, errors.Errorf("detector %q: primary model produced no output", profile.DetectorID)
	}
	scores := outputs[0]
	result := &Result{}

	switch profile.Mode {
	case detector.ModeBinary:
		p := clamp01(float64(scores[0]))
		positive, negative := binaryPositiveLabel, binaryNegativeLabel
		if len(profile.ClassNames) >= 2 {
			positive, negative = profile.ClassNames[0], profile.ClassNames[1]
		}
		if p >= 0.5 {
			result.ClassName = positive
			result.RawPrimaryConfidence = p
		} else {
			result.ClassName = negative
			result.RawPrimaryConfidence = 1 - p
		}

	case detector.ModeMulticlass:
		n := len(scores)
		if len(profile.ClassNames) < n {
			n = len(profile.ClassNames)
		}
		best := 0
		for i := 1; i < n; i++ {
			if scores[i] > scores[best] {
				best = i
			}
		}
		result.ClassName = profile.ClassNames[best]
		result.RawPrimaryConfidence = clamp01(float64(scores[best]))

	case detector.ModeCounting:
		result.Count = int(math.Round(math.Max(0, float64(scores[0]))))
		if len(scores) > 1 {
			result.RawPrimaryConfidence = clamp01(float64(scores[1]))
		} else {
			result.RawPrimaryConfidence = 1.0
		}

	case detector.ModeBoundingBox:
		detections := decodeDetections(scores, profile.ClassNames, bounds)
		result.Detections = detections
		for _, d := range detections {
			if d.Confidence > result.RawPrimaryConfidence {
				result.RawPrimaryConfidence = d.Confidence
			}
		}

	default:
		return nil, errors.Errorf("detector %q: unsupported mode %q", profile.DetectorID, profile.Mode)
	}
	return result, nil
}

// decodeDetections parses flat rows of [x1,y1,x2,y2,score,class] in
// normalized coordinates into detections scaled to the original frame.
func decodeDetections(flat []float32, classNames []string, bounds image.Rectangle) []Detection {
	const stride = 6
	out := make([]Detection, 0, len(flat)/stride)
	width, height := float64(bounds.Dx()), float64(bounds.Dy())
	for i := 0; i+stride <= len(flat); i += stride {
		score := clamp01(float64(flat[i+4]))
		if score == 0 {
			continue
		}
		classIdx := int(flat[i+5])
		className := ""
		if classIdx >= 0 && classIdx < len(classNames) {
			className = classNames[classIdx]
		}
		rect := image.Rect(
			int(float64(flat[i])*width),
			int(float64(flat[i+1])*height),
			int(float64(flat[i+2])*width),
			int(float64(flat[i+3])*height),
		)
		out = append(out, Detection{ClassName: className, Confidence: score, BBox: &rect})
	}
	return out
}

// postprocess applies the bounding-box filter chain: class filter, threshold
// filter, NMS, then object-area bounds.
func (e *Engine) postprocess(profile *detector.Profile, detections []Detection) []Detection {
	params := profile.DetectionParams
	if params == nil {
		// profile was not run through EnsureDefaults
		params = &detector.DetectionParams{
			NMSIoUThreshold: detector.DefaultNMSIoUThreshold,
			MaxDetections:   detector.DefaultMaxDetections,
		}
	}
	chain := []Postprocessor{
		NewClassNameFilter(profile.ClassNames),
		NewThresholdFilter(profile),
		NewNMSFilter(params.NMSIoUThreshold, params.MaxDetections),
		NewAreaFilter(params.MinObjectArea, params.MaxObjectArea),
	}
	for _, pp := range chain {
		detections = pp(detections)
	}
	return detections
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
