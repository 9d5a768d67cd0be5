package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/opticworks/edged/detector"
	"github.com/opticworks/edged/httpapi"
	"github.com/opticworks/edged/inference"
	"github.com/opticworks/edged/modelstore"
	"github.com/opticworks/edged/modelsync"
	"github.com/opticworks/edged/policy"
	"github.com/opticworks/edged/runtime"
)

type stubSource struct{}

func (stubSource) Fetch(context.Context, string, modelstore.Role) (*modelsync.Manifest, error) {
	return nil, modelsync.ErrManifestNotFound
}

type stubSession struct {
	outputs [][]float32
}

func (s *stubSession) InputShape() (int, int) { return 4, 4 }

func (s *stubSession) Infer(context.Context, []float32) ([][]float32, error) {
	return s.outputs, nil
}

func (s *stubSession) Close() error { return nil }

type stubBackend struct {
	outputs [][]float32
}

func (b *stubBackend) Load(string) (inference.Session, error) {
	return &stubSession{outputs: b.outputs}, nil
}

func testServer(t *testing.T, primaryScore float32, publish bool) *httptest.Server {
	t.Helper()
	logger := golog.NewTestLogger(t)
	store, err := modelstore.NewStore(t.TempDir(), logger)
	test.That(t, err, test.ShouldBeNil)

	clk := clock.New()
	resolver := modelsync.NewResolver(store, stubSource{}, clk, modelsync.Options{}, logger)
	engine := inference.NewEngine(store, &stubBackend{outputs: [][]float32{{primaryScore}}}, 4, logger)

	coordinator, err := runtime.NewCoordinator(
		context.Background(), store, resolver, engine, runtime.NoopEscalator{}, clk, time.Minute, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, coordinator.Close(), test.ShouldBeNil)
	})

	test.That(t, coordinator.Reconfigure([]detector.Profile{{
		DetectorID:          "door-open",
		Mode:                detector.ModeBinary,
		ConfidenceThreshold: 0.85,
	}}), test.ShouldBeNil)

	if publish {
		staging, err := store.Begin("door-open", modelstore.RolePrimary)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, os.WriteFile(staging.ModelPath(), []byte("weights"), 0o600), test.ShouldBeNil)
		_, err = staging.Commit(modelstore.CommitMeta{ContentID: "c1", HasBinary: true})
		test.That(t, err, test.ShouldBeNil)
	}

	server := httptest.NewServer(httpapi.NewServer(coordinator, logger).Handler())
	t.Cleanup(server.Close)
	return server
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))), test.ShouldBeNil)
	return buf.Bytes()
}

func postImage(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(body))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
	})
	return resp
}

func TestHealthz(t *testing.T) {
	server := testServer(t, 0.9, false)
	resp, err := http.Get(server.URL + "/healthz")
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
	}()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
}

func TestSubmitReturnsVerdict(t *testing.T) {
	server := testServer(t, 0.92, true)
	resp := postImage(t, server.URL+"/v1/detectors/door-open/submit?area_key=a1", pngBytes(t))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	var verdict runtime.Verdict
	test.That(t, json.NewDecoder(resp.Body).Decode(&verdict), test.ShouldBeNil)
	test.That(t, verdict.Decision.Action, test.ShouldEqual, policy.ActionReturn)
	test.That(t, verdict.Result.CalibratedConfidence, test.ShouldAlmostEqual, 0.92, 1e-6)
	test.That(t, verdict.Result.ModelVersion, test.ShouldEqual, 1)
}

func TestSubmitUnknownDetectorIs404(t *testing.T) {
	server := testServer(t, 0.9, true)
	resp := postImage(t, server.URL+"/v1/detectors/nope/submit", pngBytes(t))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
}

func TestSubmitBadImageIs400(t *testing.T) {
	server := testServer(t, 0.9, true)
	resp := postImage(t, server.URL+"/v1/detectors/door-open/submit", []byte("not an image"))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
}

func TestSubmitWithoutModelIs503(t *testing.T) {
	server := testServer(t, 0.9, false)
	resp := postImage(t, server.URL+"/v1/detectors/door-open/submit", pngBytes(t))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusServiceUnavailable)
}

func TestStatusEndpoints(t *testing.T) {
	server := testServer(t, 0.9, true)

	resp, err := http.Get(server.URL + "/v1/detectors/door-open/status")
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
	}()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	var status runtime.DetectorStatus
	test.That(t, json.NewDecoder(resp.Body).Decode(&status), test.ShouldBeNil)
	test.That(t, status.DetectorID, test.ShouldEqual, "door-open")
	test.That(t, status.ModelVersions[modelstore.RolePrimary], test.ShouldEqual, 1)

	missing, err := http.Get(server.URL + "/v1/detectors/nope/status")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, missing.Body.Close(), test.ShouldBeNil)
	test.That(t, missing.StatusCode, test.ShouldEqual, http.StatusNotFound)
}
