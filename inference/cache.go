package inference

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/opticworks/edged/modelstore"
)

// cacheKey identifies a session by artifact identity, not detector id, so
// requests in flight on an old version are unaffected by a concurrent publish.
type cacheKey struct {
	detectorID string
	role       modelstore.Role
	version    int
}

type sessionEntry struct {
	key  cacheKey
	path string

	loadOnce sync.Once
	session  Session
	loadErr  error

	// guarded by cache.mu
	refs     int
	lastUsed time.Time
	evicted  bool
}

// sessionCache holds runnable sessions with reference counting. A superseded
// or LRU-evicted session is only closed once no in-flight request references
// it; new requests are never stalled by eviction.
type sessionCache struct {
	backend Backend
	slots   int
	logger  golog.Logger

	mu      sync.Mutex
	entries map[cacheKey]*sessionEntry
}

func newSessionCache(backend Backend, slots int, logger golog.Logger) *sessionCache {
	return &sessionCache{
		backend: backend,
		slots:   slots,
		logger:  logger,
		entries: map[cacheKey]*sessionEntry{},
	}
}

// acquire returns a referenced session entry for the artifact, loading it on
// first use. Callers must release exactly once, after the forward pass.
func (c *sessionCache) acquire(artifact *modelstore.Artifact) (*sessionEntry, error) {
	key := cacheKey{artifact.DetectorID, artifact.Role, artifact.Version}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &sessionEntry{key: key, path: artifact.Path()}
		c.entries[key] = entry
	}
	// The new entry is referenced and stamped before eviction runs so it can
	// never be its own victim.
	entry.refs++
	entry.lastUsed = time.Now()
	if !ok {
		c.evictOverflowLocked()
	}
	c.mu.Unlock()

	// Loading happens outside the cache lock; concurrent acquirers of the
	// same version share one load.
	entry.loadOnce.Do(func() {
		session, err := c.backend.Load(entry.path)
		if err != nil {
			entry.loadErr = err
			return
		}
		entry.session = session
	})
	if entry.loadErr != nil {
		c.mu.Lock()
		entry.refs--
		if cur, ok := c.entries[key]; ok && cur == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, errors.Wrapf(entry.loadErr, "failed to load session for %s/%s v%d",
			key.detectorID, key.role, key.version)
	}
	return entry, nil
}

// release drops one reference, closing the session if it was evicted while
// in use.
func (c *sessionCache) release(entry *sessionEntry) {
	c.mu.Lock()
	entry.refs--
	entry.lastUsed = time.Now()
	closeNow := entry.evicted && entry.refs == 0 && entry.session != nil
	c.mu.Unlock()

	if closeNow {
		if err := entry.session.Close(); err != nil {
			c.logger.Errorw("failed closing evicted session", "detector", entry.key.detectorID, "error", err)
		}
	}
}

// invalidate evicts any cached session for the artifact, e.g. after it was
// marked failed. In-flight references drain before the session closes.
func (c *sessionCache) invalidate(artifact *modelstore.Artifact) {
	key := cacheKey{artifact.DetectorID, artifact.Role, artifact.Version}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		entry.evicted = true
	}
	closeNow := ok && entry.refs == 0 && entry.session != nil
	c.mu.Unlock()

	if closeNow {
		if err := entry.session.Close(); err != nil {
			c.logger.Errorw("failed closing invalidated session", "detector", key.detectorID, "error", err)
		}
	}
}

// evictOverflowLocked drops least-recently-used idle entries until the cache
// fits its slot cap. Entries with in-flight references are never victims; the
// cache may exceed the cap until the next insert finds them idle again.
func (c *sessionCache) evictOverflowLocked() {
	for len(c.entries) > c.slots {
		var victim *sessionEntry
		for _, e := range c.entries {
			if e.refs > 0 {
				continue
			}
			if victim == nil || e.lastUsed.Before(victim.lastUsed) {
				victim = e
			}
		}
		if victim == nil {
			return
		}
		delete(c.entries, victim.key)
		victim.evicted = true
		if victim.session != nil {
			if err := victim.session.Close(); err != nil {
				c.logger.Errorw("failed closing LRU-evicted session", "detector", victim.key.detectorID, "error", err)
			}
		}
	}
}

// closeAll tears down every cached session; only used at shutdown.
func (c *sessionCache) closeAll() error {
	c.mu.Lock()
	entries := make([]*sessionEntry, 0, len(c.entries))
	for _, e := range c.entries {
		e.evicted = true
		entries = append(entries, e)
	}
	c.entries = map[cacheKey]*sessionEntry{}
	c.mu.Unlock()

	var err error
	for _, e := range entries {
		if e.session != nil {
			err = multierr.Append(err, e.session.Close())
		}
	}
	return err
}
