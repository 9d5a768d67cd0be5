package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/opticworks/edged/detector"
	"github.com/opticworks/edged/inference"
	"github.com/opticworks/edged/modelstore"
	"github.com/opticworks/edged/modelsync"
	"github.com/opticworks/edged/policy"
)

// ErrUnknownDetector means the submitted detector id has no profile.
var ErrUnknownDetector = errors.New("unknown detector")

// forwardQueueSize bounds the fire-and-forget review backlog. When full, the
// oldest payload is dropped rather than blocking a submit caller.
const forwardQueueSize = 64

// drainTimeout bounds the shutdown flush of queued review payloads.
const drainTimeout = 5 * time.Second

// Verdict is the synchronous answer to one submitted frame.
type Verdict struct {
	Decision policy.Decision   `json:"decision"`
	Result   *inference.Result `json:"result"`
}

// DetectorStatus is the read-only health view of one detector.
type DetectorStatus struct {
	DetectorID        string                  `json:"detector_id"`
	ModelVersions     map[modelstore.Role]int `json:"model_versions"`
	LastCheckTime     time.Time               `json:"last_check_time,omitempty"`
	LastUpdateOutcome modelsync.Outcome       `json:"last_update_outcome,omitempty"`
}

type syncStatus struct {
	lastCheck   time.Time
	lastOutcome modelsync.Outcome
}

// Coordinator runs one background refresh job per configured detector and
// serves the synchronous submit path. Inference never waits on a refresh;
// the two only share the store's published artifacts.
type Coordinator struct {
	store     *modelstore.Store
	resolver  *modelsync.Resolver
	engine    *inference.Engine
	decider   *policy.Decider
	escalator Escalator
	clock     clock.Clock
	logger    golog.Logger

	refreshInterval time.Duration
	scheduler       gocron.Scheduler

	mu         sync.RWMutex
	profiles   map[string]*detector.Profile
	jobIDs     map[string]uuid.UUID
	syncStates map[string]*syncStatus

	forwardCh               chan *Payload
	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewCoordinator builds and starts a coordinator. Detector refresh jobs are
// added through Reconfigure.
func NewCoordinator(
	ctx context.Context,
	store *modelstore.Store,
	resolver *modelsync.Resolver,
	engine *inference.Engine,
	escalator Escalator,
	clk clock.Clock,
	refreshInterval time.Duration,
	logger golog.Logger,
) (*Coordinator, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create refresh scheduler")
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		store:           store,
		resolver:        resolver,
		engine:          engine,
		decider:         policy.NewDecider(clk),
		escalator:       escalator,
		clock:           clk,
		logger:          logger,
		refreshInterval: refreshInterval,
		scheduler:       scheduler,
		profiles:        map[string]*detector.Profile{},
		jobIDs:          map[string]uuid.UUID{},
		syncStates:      map[string]*syncStatus{},
		forwardCh:       make(chan *Payload, forwardQueueSize),
		cancelCtx:       cancelCtx,
		cancel:          cancel,
	}
	scheduler.Start()

	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(c.forwardLoop, c.activeBackgroundWorkers.Done)
	return c, nil
}

// Reconfigure replaces the detector profile set wholesale: refresh jobs are
// added for new detectors and removed for dropped ones.
func (c *Coordinator) Reconfigure(profiles []detector.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]*detector.Profile, len(profiles))
	for i := range profiles {
		p := profiles[i]
		next[p.DetectorID] = &p
	}

	for id, jobID := range c.jobIDs {
		if _, keep := next[id]; keep {
			continue
		}
		if err := c.scheduler.RemoveJob(jobID); err != nil {
			c.logger.Errorw("failed to remove refresh job", "detector", id, "error", err)
		}
		delete(c.jobIDs, id)
		delete(c.syncStates, id)
	}

	for id := range next {
		if _, exists := c.jobIDs[id]; exists {
			continue
		}
		detectorID := id
		job, err := c.scheduler.NewJob(
			gocron.DurationJob(c.refreshInterval),
			gocron.NewTask(func() { c.refresh(detectorID) }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to schedule refresh for detector %q", detectorID)
		}
		c.jobIDs[id] = job.ID()
	}

	c.profiles = next
	return nil
}

// refresh is one scheduled check-and-update cycle for a detector, covering
// both model roles. Outcomes are recorded for Status only; failures here
// never reach the inference path.
func (c *Coordinator) refresh(detectorID string) {
	outcome := modelsync.OutcomeNoChange
	for _, role := range modelstore.Roles {
		if c.cancelCtx.Err() != nil {
			return
		}
		switch c.resolver.CheckAndUpdate(c.cancelCtx, detectorID, role) {
		case modelsync.OutcomeFailed:
			outcome = modelsync.OutcomeFailed
		case modelsync.OutcomeUpdated:
			if outcome != modelsync.OutcomeFailed {
				outcome = modelsync.OutcomeUpdated
			}
		case modelsync.OutcomeNoChange:
		}
	}

	c.mu.Lock()
	c.syncStates[detectorID] = &syncStatus{lastCheck: c.clock.Now(), lastOutcome: outcome}
	c.mu.Unlock()
}

// Submit runs the full pipeline for one frame: inference, decision, and, on
// escalate, a non-blocking handoff to the review forwarder.
func (c *Coordinator) Submit(ctx context.Context, detectorID string, imageBytes []byte, areaKey string) (*Verdict, error) {
	c.mu.RLock()
	profile, ok := c.profiles[detectorID]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDetector, "%q", detectorID)
	}

	result, err := c.engine.Infer(ctx, profile, imageBytes)
	if err != nil {
		return nil, err
	}

	decision := c.decider.Decide(profile, result, areaKey)
	now := c.clock.Now()

	if decision.Action == policy.ActionEscalate {
		c.enqueue(&Payload{
			Kind:        KindEscalation,
			DetectorID:  detectorID,
			AreaKey:     areaKey,
			ImageBytes:  imageBytes,
			Result:      result,
			SubmittedAt: now,
		})
	}
	if decision.AuditSampleID != "" {
		c.enqueue(&Payload{
			Kind:          KindAudit,
			DetectorID:    detectorID,
			AreaKey:       areaKey,
			AuditSampleID: decision.AuditSampleID,
			ImageBytes:    imageBytes,
			Result:        result,
			SubmittedAt:   now,
		})
	}
	return &Verdict{Decision: decision, Result: result}, nil
}

// Status reports model versions and the last refresh outcome for a detector.
func (c *Coordinator) Status(detectorID string) (*DetectorStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.profiles[detectorID]; !ok {
		return nil, errors.Wrapf(ErrUnknownDetector, "%q", detectorID)
	}
	status := &DetectorStatus{
		DetectorID:    detectorID,
		ModelVersions: c.store.ReadyVersions(detectorID),
	}
	if ss, ok := c.syncStates[detectorID]; ok {
		status.LastCheckTime = ss.lastCheck
		status.LastUpdateOutcome = ss.lastOutcome
	}
	return status, nil
}

// enqueue hands a payload to the forwarder without ever blocking the submit
// path; when the backlog is full the oldest payload is dropped.
func (c *Coordinator) enqueue(payload *Payload) {
	for {
		select {
		case c.forwardCh <- payload:
			return
		default:
		}
		select {
		case dropped := <-c.forwardCh:
			c.logger.Warnw("review backlog full, dropping oldest payload",
				"detector", dropped.DetectorID, "kind", dropped.Kind)
		default:
		}
	}
}

func (c *Coordinator) forwardLoop() {
	for {
		select {
		case <-c.cancelCtx.Done():
			c.drainBacklog()
			return
		case payload := <-c.forwardCh:
			ctx, cancel := context.WithTimeout(c.cancelCtx, 30*time.Second)
			if err := c.escalator.Escalate(ctx, payload); err != nil {
				c.logger.Warnw("review forwarding failed",
					"detector", payload.DetectorID, "kind", payload.Kind, "error", err)
			}
			cancel()
		}
	}
}

// drainBacklog delivers whatever is still queued at shutdown, under one
// bounded deadline so Close never hangs on an unreachable review service.
func (c *Coordinator) drainBacklog() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case payload := <-c.forwardCh:
			if err := c.escalator.Escalate(ctx, payload); err != nil {
				c.logger.Warnw("review forwarding failed during shutdown",
					"detector", payload.DetectorID, "kind", payload.Kind, "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		default:
			return
		}
	}
}

// Close stops the refresh schedule, flushes queued review payloads, and
// releases all loaded sessions.
func (c *Coordinator) Close() error {
	c.cancel()
	err := c.scheduler.Shutdown()
	c.activeBackgroundWorkers.Wait()
	return multierr.Combine(err, c.engine.Close())
}
