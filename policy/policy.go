package policy

import (
	"math/rand"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/opticworks/edged/detector"
	"github.com/opticworks/edged/inference"
)

// Action routes a result either back to the caller or to human review.
type Action string

// The two possible actions.
const (
	ActionReturn   Action = "return"
	ActionEscalate Action = "escalate"
)

// Reason explains why a result was returned rather than escalated.
type Reason string

// Decision reasons.
const (
	// ReasonHighConfidence: calibrated confidence met the threshold.
	ReasonHighConfidence Reason = "high_confidence"
	// ReasonUnescalatedLowConfidence: low confidence but escalation is
	// disabled for this detector; callers can still display or log it.
	ReasonUnescalatedLowConfidence Reason = "unescalated_low_confidence"
	// ReasonSuppressedDuplicate: a rate limit suppressed the escalation.
	ReasonSuppressedDuplicate Reason = "suppressed_duplicate"
	// ReasonEscalated: the result was routed to human review.
	ReasonEscalated Reason = "escalated"
)

// Decision is the policy verdict for one inference result.
type Decision struct {
	Action Action `json:"action"`
	Reason Reason `json:"reason"`

	// AuditSampleID is set when a high-confidence result was flagged for
	// asynchronous quality-monitoring upload. Sampling never changes the
	// action, only this side channel.
	AuditSampleID string `json:"audit_sample_id,omitempty"`
}

// Decider applies the escalation decision table. It is stateless per call
// except for the escalation gate.
type Decider struct {
	gate *EscalationGate

	randMu sync.Mutex
	randFn func() float64
}

// NewDecider returns a decider using the given clock for rate limiting.
func NewDecider(clk clock.Clock) *Decider {
	//nolint:gosec // audit sampling is statistical, not security-sensitive
	rng := rand.New(rand.NewSource(clk.Now().UnixNano()))
	return &Decider{
		gate:   NewEscalationGate(clk),
		randFn: rng.Float64,
	}
}

// Gate exposes the underlying escalation gate, mainly for status reporting.
func (d *Decider) Gate() *EscalationGate {
	return d.gate
}

// Decide converts a calibrated confidence into an action. The escalation
// bookkeeping update in the low-confidence path is atomic per
// (detector, area) so concurrent bursts cannot all pass the gate.
func (d *Decider) Decide(profile *detector.Profile, result *inference.Result, areaKey string) Decision {
	threshold := profile.ThresholdFor(result.ClassName)

	if result.CalibratedConfidence >= threshold {
		decision := Decision{Action: ActionReturn, Reason: ReasonHighConfidence}
		if profile.AuditSamplingRate > 0 && d.sample() < profile.AuditSamplingRate {
			decision.AuditSampleID = uuid.NewString()
		}
		return decision
	}

	if profile.AlwaysReturnEdgePrediction || profile.DisableCloudEscalation {
		return Decision{Action: ActionReturn, Reason: ReasonUnescalatedLowConfidence}
	}

	if !d.gate.TryEscalate(profile.DetectorID, areaKey, profile.Patience(), profile.MinEscalationInterval()) {
		return Decision{Action: ActionReturn, Reason: ReasonSuppressedDuplicate}
	}
	return Decision{Action: ActionEscalate, Reason: ReasonEscalated}
}

func (d *Decider) sample() float64 {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.randFn()
}

// SetSampleFunc overrides the audit sampling source; tests use this to make
// sampling deterministic.
func (d *Decider) SetSampleFunc(fn func() float64) {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	d.randFn = fn
}
