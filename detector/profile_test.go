package detector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func validProfile() Profile {
	return Profile{
		DetectorID:          "door-open",
		Mode:                ModeBinary,
		ConfidenceThreshold: 0.85,
		PatienceSeconds:     30,
	}
}

func TestProfileValidate(t *testing.T) {
	p := validProfile()
	test.That(t, p.Validate(), test.ShouldBeNil)

	p = validProfile()
	p.DetectorID = ""
	test.That(t, p.Validate(), test.ShouldNotBeNil)

	p = validProfile()
	p.Mode = "segmentation"
	err := p.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown detector mode")

	p = validProfile()
	p.ConfidenceThreshold = 1.2
	test.That(t, p.Validate(), test.ShouldNotBeNil)

	p = validProfile()
	p.Mode = ModeMulticlass
	err = p.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "requires class_names")

	p = validProfile()
	p.Mode = ModeMulticlass
	p.ClassNames = []string{"cat", "dog"}
	test.That(t, p.Validate(), test.ShouldBeNil)

	p = validProfile()
	p.ClassNames = []string{"cat", "cat"}
	err = p.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "duplicate class name")

	p = validProfile()
	p.ClassNames = []string{"cat"}
	p.PerClassThresholds = map[string]float64{"dog": 0.5}
	err = p.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown class")

	p = validProfile()
	bad := 1.5
	p.OODDDampening = &bad
	test.That(t, p.Validate(), test.ShouldNotBeNil)

	p = validProfile()
	p.DetectionParams = &DetectionParams{}
	err = p.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bounding_box")

	p = validProfile()
	p.Mode = ModeBoundingBox
	p.DetectionParams = &DetectionParams{NMSIoUThreshold: 1.5}
	err = p.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "nms_iou_threshold")
}

func TestProfileBoundingBoxDefaults(t *testing.T) {
	p := validProfile()
	p.Mode = ModeBoundingBox
	p.ClassNames = []string{"person"}

	// validation is side-effect-free; defaults are a separate step
	test.That(t, p.Validate(), test.ShouldBeNil)
	test.That(t, p.DetectionParams, test.ShouldBeNil)

	p.EnsureDefaults()
	test.That(t, p.DetectionParams, test.ShouldNotBeNil)
	test.That(t, p.DetectionParams.NMSIoUThreshold, test.ShouldEqual, DefaultNMSIoUThreshold)
	test.That(t, p.DetectionParams.MaxDetections, test.ShouldEqual, DefaultMaxDetections)

	// explicit settings survive defaulting
	p = validProfile()
	p.Mode = ModeBoundingBox
	p.DetectionParams = &DetectionParams{NMSIoUThreshold: 0.3, MaxDetections: 10}
	p.EnsureDefaults()
	test.That(t, p.DetectionParams.NMSIoUThreshold, test.ShouldEqual, 0.3)
	test.That(t, p.DetectionParams.MaxDetections, test.ShouldEqual, 10)
}

func TestProfileDurations(t *testing.T) {
	p := validProfile()
	p.PatienceSeconds = 1.5
	p.MinEscalationIntervalSeconds = 2
	test.That(t, p.Patience(), test.ShouldEqual, 1500*time.Millisecond)
	test.That(t, p.MinEscalationInterval(), test.ShouldEqual, 2*time.Second)

	test.That(t, p.Dampening(), test.ShouldEqual, 1.0)
	d := 0.4
	p.OODDDampening = &d
	test.That(t, p.Dampening(), test.ShouldEqual, 0.4)
}

func TestThresholdFor(t *testing.T) {
	p := validProfile()
	p.ClassNames = []string{"cat", "dog"}
	p.PerClassThresholds = map[string]float64{"dog": 0.6}
	test.That(t, p.ThresholdFor("dog"), test.ShouldEqual, 0.6)
	test.That(t, p.ThresholdFor("cat"), test.ShouldEqual, 0.85)
	test.That(t, p.ThresholdFor(""), test.ShouldEqual, 0.85)
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Config{
		DataDir:     filepath.Join(dir, "models"),
		ManifestURL: "http://manifests.local",
		Profiles:    []Profile{validProfile()},
	}
	raw, err := json.Marshal(cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(path, raw, 0o600), test.ShouldBeNil)

	loaded, err := ReadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.RefreshInterval(), test.ShouldEqual, DefaultRefreshIntervalSeconds*time.Second)
	test.That(t, loaded.SessionCacheSlots, test.ShouldEqual, DefaultSessionCacheSlots)
	test.That(t, loaded.BindAddress, test.ShouldEqual, DefaultBindAddress)
	test.That(t, loaded.Profiles, test.ShouldHaveLength, 1)

	// duplicate detector ids are rejected
	cfg.Profiles = []Profile{validProfile(), validProfile()}
	raw, err = json.Marshal(cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(path, raw, 0o600), test.ShouldBeNil)
	_, err = ReadConfig(path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "duplicate detector_id")

	_, err = ReadConfig(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}
