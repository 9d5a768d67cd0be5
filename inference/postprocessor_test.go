package inference

import (
	"image"
	"testing"

	"go.viam.com/test"

	"github.com/opticworks/edged/detector"
)

func det(class string, conf float64, rect image.Rectangle) Detection {
	return Detection{ClassName: class, Confidence: conf, BBox: &rect}
}

func TestClassNameFilter(t *testing.T) {
	in := []Detection{
		det("person", 0.9, image.Rect(0, 0, 10, 10)),
		det("tree", 0.8, image.Rect(0, 0, 10, 10)),
	}
	out := NewClassNameFilter([]string{"person"})(in)
	test.That(t, out, test.ShouldHaveLength, 1)
	test.That(t, out[0].ClassName, test.ShouldEqual, "person")

	// empty class list passes everything
	out = NewClassNameFilter(nil)(in)
	test.That(t, out, test.ShouldHaveLength, 2)
}

func TestThresholdFilter(t *testing.T) {
	profile := &detector.Profile{
		DetectorID:          "d1",
		Mode:                detector.ModeBoundingBox,
		ClassNames:          []string{"person", "dog"},
		ConfidenceThreshold: 0.5,
		PerClassThresholds:  map[string]float64{"dog": 0.9},
	}
	in := []Detection{
		det("person", 0.6, image.Rect(0, 0, 10, 10)),
		det("dog", 0.6, image.Rect(0, 0, 10, 10)),
		det("dog", 0.95, image.Rect(20, 20, 30, 30)),
	}
	out := NewThresholdFilter(profile)(in)
	test.That(t, out, test.ShouldHaveLength, 2)
	test.That(t, out[0].ClassName, test.ShouldEqual, "person")
	test.That(t, out[1].Confidence, test.ShouldEqual, 0.95)
}

func TestAreaFilter(t *testing.T) {
	in := []Detection{
		det("person", 0.9, image.Rect(0, 0, 2, 2)),     // area 4
		det("person", 0.9, image.Rect(0, 0, 10, 10)),   // area 100
		det("person", 0.9, image.Rect(0, 0, 100, 100)), // area 10000
	}
	out := NewAreaFilter(10, 5000)(in)
	test.That(t, out, test.ShouldHaveLength, 1)
	test.That(t, out[0].BBox.Dx(), test.ShouldEqual, 10)

	// zero max means unbounded
	out = NewAreaFilter(10, 0)(in)
	test.That(t, out, test.ShouldHaveLength, 2)
}

func TestNMSFilter(t *testing.T) {
	in := []Detection{
		det("person", 0.9, image.Rect(0, 0, 100, 100)),
		det("person", 0.8, image.Rect(5, 5, 105, 105)),  // heavy overlap, suppressed
		det("person", 0.7, image.Rect(200, 200, 300, 300)),
		det("dog", 0.85, image.Rect(0, 0, 100, 100)), // different class survives
	}
	out := NewNMSFilter(0.5, 0)(in)
	test.That(t, out, test.ShouldHaveLength, 3)
	test.That(t, out[0].Confidence, test.ShouldEqual, 0.9)

	// maxDetections caps the output after suppression
	out = NewNMSFilter(0.5, 1)(in)
	test.That(t, out, test.ShouldHaveLength, 1)
	test.That(t, out[0].ClassName, test.ShouldEqual, "person")
}

func TestIoU(t *testing.T) {
	a := image.Rect(0, 0, 10, 10)
	b := image.Rect(0, 0, 10, 10)
	test.That(t, iou(&a, &b), test.ShouldEqual, 1.0)

	c := image.Rect(20, 20, 30, 30)
	test.That(t, iou(&a, &c), test.ShouldEqual, 0.0)

	d := image.Rect(5, 0, 15, 10)
	test.That(t, iou(&a, &d), test.ShouldAlmostEqual, 50.0/150.0, 1e-9)

	test.That(t, iou(nil, &a), test.ShouldEqual, 0.0)
}
