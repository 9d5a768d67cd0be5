// Package modelsync keeps local model artifacts in step with a remote
// manifest source. Checks run out-of-band on a schedule; a slow or failed
// remote never adds latency to an inference request, only staleness.
package modelsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/pkg/errors"

	"github.com/opticworks/edged/modelstore"
)

// Manifest is what the remote side reports for one (detector, role): either
// a packaged binary identified by ContentID, or a structured pipeline
// configuration with no binary (e.g. a calibration-only detector).
type Manifest struct {
	ContentID      string          `json:"content_id,omitempty"`
	PipelineConfig json.RawMessage `json:"pipeline_config,omitempty"`
	ArtifactURL    string          `json:"artifact_url,omitempty"`
	SHA256         string          `json:"sha256,omitempty"`
	SizeBytes      int64           `json:"size_bytes,omitempty"`
}

// Validate checks the manifest is internally consistent.
func (m *Manifest) Validate() error {
	if m.ContentID == "" && len(m.PipelineConfig) == 0 {
		return errors.New("manifest carries neither content_id nor pipeline_config")
	}
	if m.ContentID != "" && m.ArtifactURL == "" {
		return errors.New("manifest with content_id is missing artifact_url")
	}
	return nil
}

// ErrManifestNotFound reports that the remote has no model for the requested
// detector/role, which is normal for detectors without an OODD model.
var ErrManifestNotFound = errors.New("no remote manifest for detector/role")

// Source fetches remote manifests. Fetch must be idempotent; it is called on
// every scheduled check.
type Source interface {
	Fetch(ctx context.Context, detectorID string, role modelstore.Role) (*Manifest, error)
}

// HTTPSource fetches manifests from a REST endpoint laid out as
// <base>/detectors/<id>/models/<role>.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource returns a Source backed by the given base URL.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, detectorID string, role modelstore.Role) (*Manifest, error) {
	u := fmt.Sprintf("%s/detectors/%s/models/%s", s.baseURL, url.PathEscape(detectorID), url.PathEscape(string(role)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest fetch for %s/%s failed", detectorID, role)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck
		_ = resp.Body.Close()                 //nolint:errcheck
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrManifestNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("manifest fetch for %s/%s: status %d", detectorID, role, resp.StatusCode)
	}
	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "malformed manifest for %s/%s", detectorID, role)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid manifest for %s/%s", detectorID, role)
	}
	return &m, nil
}

// ConfigFingerprint derives a stable identity for a pipeline config blob by
// canonicalizing it (RFC 8785) and hashing. Two deeply-equal configs always
// fingerprint identically regardless of key order or whitespace.
func ConfigFingerprint(raw json.RawMessage) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", errors.Wrap(err, "failed to canonicalize pipeline config")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
