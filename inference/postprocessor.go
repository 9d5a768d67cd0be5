package inference

import (
	"image"
	"sort"

	"github.com/opticworks/edged/detector"
)

// Detection is one localized prediction from a bounding-box detector.
type Detection struct {
	ClassName  string           `json:"class_name"`
	Confidence float64          `json:"confidence"`
	BBox       *image.Rectangle `json:"bbox,omitempty"`
}

// Postprocessor filters or modifies an incoming slice of detections.
type Postprocessor func([]Detection) []Detection

// NewClassNameFilter drops detections whose class is not in the configured
// class list. An empty list passes everything through.
func NewClassNameFilter(classNames []string) Postprocessor {
	allowed := make(map[string]bool, len(classNames))
	for _, name := range classNames {
		allowed[name] = true
	}
	return func(in []Detection) []Detection {
		if len(allowed) == 0 {
			return in
		}
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if allowed[d.ClassName] {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewThresholdFilter drops detections below the profile's effective
// per-class (or global) confidence threshold.
func NewThresholdFilter(profile *detector.Profile) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Confidence >= profile.ThresholdFor(d.ClassName) {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewAreaFilter drops detections whose pixel area falls outside [min, max].
// A zero max means unbounded.
func NewAreaFilter(minArea, maxArea float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.BBox == nil {
				continue
			}
			area := float64(d.BBox.Dx()) * float64(d.BBox.Dy())
			if area < minArea {
				continue
			}
			if maxArea > 0 && area > maxArea {
				continue
			}
			out = append(out, d)
		}
		return out
	}
}

// NewNMSFilter applies greedy per-class non-max suppression at the given IoU
// threshold and caps the result at maxDetections.
func NewNMSFilter(iouThreshold float64, maxDetections int) Postprocessor {
	return func(in []Detection) []Detection {
		sorted := make([]Detection, len(in))
		copy(sorted, in)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

		out := make([]Detection, 0, len(sorted))
		for _, cand := range sorted {
			if maxDetections > 0 && len(out) >= maxDetections {
				break
			}
			suppressed := false
			for _, kept := range out {
				if kept.ClassName != cand.ClassName {
					continue
				}
				if iou(kept.BBox, cand.BBox) > iouThreshold {
					suppressed = true
					break
				}
			}
			if !suppressed {
				out = append(out, cand)
			}
		}
		return out
	}
}

// iou computes intersection-over-union of two boxes.
func iou(a, b *image.Rectangle) float64 {
	if a == nil || b == nil {
		return 0
	}
	inter := a.Intersect(*b)
	interArea := float64(inter.Dx()) * float64(inter.Dy())
	if interArea <= 0 {
		return 0
	}
	union := float64(a.Dx())*float64(a.Dy()) + float64(b.Dx())*float64(b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}
