// Package policy converts calibrated confidences into RETURN or ESCALATE
// verdicts, enforcing per-area patience and detector-wide rate limits.
package policy

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// EscalationGate tracks the last escalation time per (detector, area) and per
// detector. Each key has its own lock so unrelated detectors and areas never
// serialize on each other.
type EscalationGate struct {
	clock clock.Clock

	areas     sync.Map // map[areaGateKey]*gateEntry
	detectors sync.Map // map[string]*gateEntry
}

type areaGateKey struct {
	detectorID string
	areaKey    string
}

type gateEntry struct {
	mu             sync.Mutex
	lastEscalation time.Time
	hasEscalated   bool
}

// NewEscalationGate returns a gate on the given clock.
func NewEscalationGate(clk clock.Clock) *EscalationGate {
	return &EscalationGate{clock: clk}
}

func (g *EscalationGate) areaEntry(detectorID, areaKey string) *gateEntry {
	actual, _ := g.areas.LoadOrStore(areaGateKey{detectorID, areaKey}, &gateEntry{})
	return actual.(*gateEntry)
}

func (g *EscalationGate) detectorEntry(detectorID string) *gateEntry {
	actual, _ := g.detectors.LoadOrStore(detectorID, &gateEntry{})
	return actual.(*gateEntry)
}

// TryEscalate atomically checks both rate limits and, only if both pass,
// records the escalation. A burst of concurrent calls for the same area
// admits exactly one: the check-and-set happens under the entry locks, in a
// fixed area-then-detector order.
func (g *EscalationGate) TryEscalate(detectorID, areaKey string, patience, minInterval time.Duration) bool {
	area := g.areaEntry(detectorID, areaKey)
	det := g.detectorEntry(detectorID)
	now := g.clock.Now()

	area.mu.Lock()
	defer area.mu.Unlock()
	det.mu.Lock()
	defer det.mu.Unlock()

	if area.hasEscalated && now.Sub(area.lastEscalation) < patience {
		return false
	}
	if det.hasEscalated && now.Sub(det.lastEscalation) < minInterval {
		return false
	}

	area.lastEscalation = now
	area.hasEscalated = true
	det.lastEscalation = now
	det.hasEscalated = true
	return true
}

// LastEscalation reports the most recent escalation for an area, if any.
func (g *EscalationGate) LastEscalation(detectorID, areaKey string) (time.Time, bool) {
	entry, ok := g.areas.Load(areaGateKey{detectorID, areaKey})
	if !ok {
		return time.Time{}, false
	}
	e := entry.(*gateEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEscalation, e.hasEscalated
}
