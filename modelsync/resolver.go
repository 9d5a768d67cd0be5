package modelsync

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/opticworks/edged/modelstore"
)

// Outcome is the result of one check-and-update cycle.
type Outcome string

// Check outcomes. Failed means freshness is degraded; the previously
// published artifact, if any, remains in force.
const (
	OutcomeNoChange Outcome = "no_change"
	OutcomeUpdated  Outcome = "updated"
	OutcomeFailed   Outcome = "failed"
)

// DownloadFailedError wraps the terminal error of an update attempt after all
// retries were exhausted.
type DownloadFailedError struct {
	DetectorID string
	Role       modelstore.Role
	Err        error
}

func (e *DownloadFailedError) Error() string {
	return errors.Wrapf(e.Err, "download failed for %s/%s", e.DetectorID, e.Role).Error()
}

func (e *DownloadFailedError) Unwrap() error {
	return e.Err
}

// Options tunes the resolver's retry and deadline behavior.
type Options struct {
	// MaxAttempts bounds download retries per check cycle.
	MaxAttempts int
	// InitialBackoff doubles after every failed attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DownloadTimeout is the overall deadline for fetching one artifact.
	DownloadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff == 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DownloadTimeout == 0 {
		o.DownloadTimeout = 5 * time.Minute
	}
	return o
}

// Resolver compares local store state against remote manifests and performs
// staged, integrity-checked updates.
type Resolver struct {
	store      *modelstore.Store
	source     Source
	downloader *downloader
	clock      clock.Clock
	opts       Options
	logger     golog.Logger
}

// NewResolver returns a resolver over the given store and manifest source.
func NewResolver(store *modelstore.Store, source Source, clk clock.Clock, opts Options, logger golog.Logger) *Resolver {
	opts = opts.withDefaults()
	return &Resolver{
		store:      store,
		source:     source,
		downloader: newDownloader(opts.DownloadTimeout),
		clock:      clk,
		opts:       opts,
		logger:     logger,
	}
}

// CheckAndUpdate fetches the remote manifest for one (detector, role) and, if
// it differs from the local ready artifact, downloads and publishes the new
// version. Failures never disturb the currently published artifact.
func (r *Resolver) CheckAndUpdate(ctx context.Context, detectorID string, role modelstore.Role) Outcome {
	manifest, err := r.source.Fetch(ctx, detectorID, role)
	if err != nil {
		if errors.Is(err, ErrManifestNotFound) {
			// The remote has no model for this role; nothing to sync.
			return OutcomeNoChange
		}
		r.logger.Errorw("manifest fetch failed", "detector", detectorID, "role", role, "error", err)
		return OutcomeFailed
	}

	update, err := r.shouldUpdate(r.store.Current(detectorID, role), manifest)
	if err != nil {
		r.logger.Errorw("manifest comparison failed", "detector", detectorID, "role", role, "error", err)
		return OutcomeFailed
	}
	if !update {
		return OutcomeNoChange
	}

	if err := r.install(ctx, detectorID, role, manifest); err != nil {
		r.logger.Errorw("model update failed, previous version remains in force",
			"detector", detectorID, "role", role, "error",
			&DownloadFailedError{DetectorID: detectorID, Role: role, Err: err})
		return OutcomeFailed
	}
	return OutcomeUpdated
}

// shouldUpdate applies the update decision rules in order: first install,
// then packaged-binary identity, then pipeline-config equality.
func (r *Resolver) shouldUpdate(current *modelstore.Artifact, manifest *Manifest) (bool, error) {
	if current == nil {
		return true, nil
	}
	if manifest.ContentID != "" {
		return manifest.ContentID != current.ContentID, nil
	}
	if len(manifest.PipelineConfig) > 0 {
		fingerprint, err := ConfigFingerprint(manifest.PipelineConfig)
		if err != nil {
			return false, err
		}
		return fingerprint != current.ConfigFingerprint, nil
	}
	return true, nil
}

// install downloads (or stages, for config-only manifests) and publishes the
// manifest's artifact, retrying transient failures with exponential backoff.
func (r *Resolver) install(ctx context.Context, detectorID string, role modelstore.Role, manifest *Manifest) error {
	var lastErr error
	wait := r.opts.InitialBackoff
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = r.installOnce(ctx, detectorID, role, manifest)
		if lastErr == nil {
			return nil
		}
		if attempt == r.opts.MaxAttempts {
			break
		}
		r.logger.Debugw("model install attempt failed, backing off",
			"detector", detectorID, "role", role, "attempt", attempt, "wait", wait, "error", lastErr)
		timer := r.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
		if wait > r.opts.MaxBackoff {
			wait = r.opts.MaxBackoff
		}
	}
	return lastErr
}

func (r *Resolver) installOnce(ctx context.Context, detectorID string, role modelstore.Role, manifest *Manifest) error {
	staging, err := r.store.Begin(detectorID, role)
	if err != nil {
		return err
	}

	meta := modelstore.CommitMeta{ContentID: manifest.ContentID}
	if manifest.ContentID != "" {
		meta.HasBinary = true
		if err := r.downloader.fetch(ctx, manifest, staging.ModelPath()); err != nil {
			staging.Abort()
			return err
		}
	} else {
		fingerprint, err := ConfigFingerprint(manifest.PipelineConfig)
		if err != nil {
			staging.Abort()
			return err
		}
		meta.ConfigFingerprint = fingerprint
		if err := writePipelineConfig(staging.PipelinePath(), manifest.PipelineConfig); err != nil {
			staging.Abort()
			return err
		}
	}

	artifact, err := staging.Commit(meta)
	if err != nil {
		return err
	}
	r.logger.Infow("published model version",
		"detector", detectorID, "role", role, "version", artifact.Version)
	return nil
}
