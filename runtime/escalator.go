// Package runtime owns the background refresh schedule and the synchronous
// submit entry point, tying the store, resolver, engine, and decision policy
// together. The refresh schedule and the inference path communicate only
// through the store's published state.
package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/opticworks/edged/inference"
)

// PayloadKind distinguishes review escalations from audit samples.
type PayloadKind string

// Payload kinds.
const (
	KindEscalation PayloadKind = "escalation"
	KindAudit      PayloadKind = "audit"
)

// Payload is what gets forwarded to the remote review service. Forwarding is
// fire-and-forget: the submit path never blocks on it.
type Payload struct {
	Kind          PayloadKind       `json:"kind"`
	DetectorID    string            `json:"detector_id"`
	AreaKey       string            `json:"area_key,omitempty"`
	AuditSampleID string            `json:"audit_sample_id,omitempty"`
	ImageBytes    []byte            `json:"-"`
	Result        *inference.Result `json:"result"`
	SubmittedAt   time.Time         `json:"submitted_at"`
}

// Escalator delivers payloads to the remote review service.
type Escalator interface {
	Escalate(ctx context.Context, payload *Payload) error
}

// HTTPEscalator posts JSON payloads (image base64-inlined) to a review
// service endpoint.
type HTTPEscalator struct {
	url    string
	client *http.Client
	logger golog.Logger
}

// NewHTTPEscalator returns an escalator posting to the given URL.
func NewHTTPEscalator(url string, logger golog.Logger) *HTTPEscalator {
	return &HTTPEscalator{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Escalate implements Escalator.
func (e *HTTPEscalator) Escalate(ctx context.Context, payload *Payload) error {
	body, err := json.Marshal(struct {
		*Payload
		ImageB64 string `json:"image_b64"`
	}{payload, base64.StdEncoding.EncodeToString(payload.ImageBytes)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "review service unreachable")
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)
	if resp.StatusCode >= 300 {
		return errors.Errorf("review service returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopEscalator discards payloads; used when no review service is configured.
type NoopEscalator struct{}

// Escalate implements Escalator.
func (NoopEscalator) Escalate(context.Context, *Payload) error {
	return nil
}
