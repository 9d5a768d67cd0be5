package modelstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// retainedVersions is how many ready versions are kept on disk per
// detector/role. The previous version backs the load-failure fallback.
const retainedVersions = 2

// Store is the on-disk model artifact store. All writes go through
// Begin/Commit, which serializes publishers per (detector, role); reads never
// block on an in-progress publish.
type Store struct {
	dataDir string
	logger  golog.Logger

	mu   sync.Mutex
	keys map[storeKey]*keyState
}

type storeKey struct {
	detectorID string
	role       Role
}

type keyState struct {
	// publishMu is held from Begin until Commit or Abort so concurrent
	// publishes for the same key are serialized.
	publishMu sync.Mutex

	nextVersion int
	ready       []*Artifact // newest first
}

// NewStore opens (or creates) a store rooted at dataDir, rebuilding the
// in-memory index from whatever survived on disk. Leftover staging
// directories from interrupted downloads are discarded.
func NewStore(dataDir string, logger golog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "failed to create model store dir %q", dataDir)
	}
	s := &Store{
		dataDir: dataDir,
		logger:  logger,
		keys:    map[storeKey]*keyState{},
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFromDisk() error {
	detectorDirs, err := os.ReadDir(s.dataDir)
	if err != nil {
		return errors.Wrap(err, "failed to scan model store")
	}
	for _, dd := range detectorDirs {
		if !dd.IsDir() {
			continue
		}
		for _, role := range Roles {
			roleDir := filepath.Join(s.dataDir, dd.Name(), string(role))
			entries, err := os.ReadDir(roleDir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return errors.Wrapf(err, "failed to scan %q", roleDir)
			}
			ks := &keyState{nextVersion: 1}
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				if strings.HasPrefix(entry.Name(), stagingPrefix) {
					s.logger.Infow("discarding interrupted download",
						"detector", dd.Name(), "role", role, "dir", entry.Name())
					goutils.UncheckedError(os.RemoveAll(filepath.Join(roleDir, entry.Name())))
					continue
				}
				version, ok := parseVersionDirName(entry.Name())
				if !ok {
					continue
				}
				if version >= ks.nextVersion {
					ks.nextVersion = version + 1
				}
				artifact, err := readMetadata(filepath.Join(roleDir, entry.Name()))
				if err != nil {
					s.logger.Errorw("skipping unreadable artifact", "dir", entry.Name(), "error", err)
					continue
				}
				if artifact.State != StateReady {
					continue
				}
				ks.ready = append(ks.ready, artifact)
			}
			sort.Slice(ks.ready, func(i, j int) bool { return ks.ready[i].Version > ks.ready[j].Version })
			s.keys[storeKey{dd.Name(), role}] = ks
		}
	}
	return nil
}

func (s *Store) keyState(detectorID string, role Role) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey{detectorID, role}
	ks, ok := s.keys[k]
	if !ok {
		ks = &keyState{nextVersion: 1}
		s.keys[k] = ks
	}
	return ks
}

// Current returns the newest ready artifact for the key, or nil. It never
// blocks on an in-progress publish.
func (s *Store) Current(detectorID string, role Role) *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[storeKey{detectorID, role}]
	if !ok || len(ks.ready) == 0 {
		return nil
	}
	return ks.ready[0]
}

// Previous returns the ready artifact immediately older than current, or nil.
func (s *Store) Previous(detectorID string, role Role) *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[storeKey{detectorID, role}]
	if !ok || len(ks.ready) < 2 {
		return nil
	}
	return ks.ready[1]
}

const stagingPrefix = ".staging-"

// Staging is an in-progress publish. The caller writes the artifact payload
// under Dir and then either Commits or Aborts; nothing is visible to readers
// until Commit returns.
type Staging struct {
	store   *Store
	key     storeKey
	ks      *keyState
	version int
	dir     string
	done    bool
}

// Begin starts a publish for the key, claiming the next version number.
// Publishes for the same key are serialized until Commit or Abort.
func (s *Store) Begin(detectorID string, role Role) (*Staging, error) {
	if err := role.Validate(); err != nil {
		return nil, err
	}
	ks := s.keyState(detectorID, role)
	ks.publishMu.Lock()

	s.mu.Lock()
	version := ks.nextVersion
	ks.nextVersion++
	s.mu.Unlock()

	dir := filepath.Join(s.dataDir, detectorID, string(role), stagingPrefix+versionDirName(version))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		ks.publishMu.Unlock()
		return nil, errors.Wrapf(err, "failed to create staging dir %q", dir)
	}
	return &Staging{
		store:   s,
		key:     storeKey{detectorID, role},
		ks:      ks,
		version: version,
		dir:     dir,
	}, nil
}

// Version is the version number this publish will produce.
func (st *Staging) Version() int {
	return st.version
}

// Dir is the staging directory downloads are written into.
func (st *Staging) Dir() string {
	return st.dir
}

// ModelPath is where the model binary belongs inside the staging dir.
func (st *Staging) ModelPath() string {
	return filepath.Join(st.dir, ModelFileName)
}

// PipelinePath is where a config-only pipeline blob belongs.
func (st *Staging) PipelinePath() string {
	return filepath.Join(st.dir, PipelineFileName)
}

// CommitMeta records the identity of the artifact being published.
type CommitMeta struct {
	ContentID         string
	ConfigFingerprint string
	HasBinary         bool
}

// Commit atomically publishes the staged artifact: metadata is written into
// the staging dir, the whole dir is renamed into place, and only then does
// the in-memory index flip to the new version. Older retained versions beyond
// the retention limit are pruned from disk.
func (st *Staging) Commit(meta CommitMeta) (*Artifact, error) {
	if st.done {
		return nil, errors.New("staging already committed or aborted")
	}
	artifact := &Artifact{
		DetectorID:        st.key.detectorID,
		Role:              st.key.role,
		Version:           st.version,
		ContentID:         meta.ContentID,
		ConfigFingerprint: meta.ConfigFingerprint,
		State:             StateReady,
		PublishedAt:       time.Now().UTC(),
		localDir:          st.dir,
		hasBinary:         meta.HasBinary,
	}
	if err := writeMetadata(st.dir, artifact); err != nil {
		st.Abort()
		return nil, err
	}
	finalDir := filepath.Join(st.store.dataDir, st.key.detectorID, string(st.key.role), versionDirName(st.version))
	if err := os.Rename(st.dir, finalDir); err != nil {
		st.Abort()
		return nil, errors.Wrapf(err, "failed to publish %s/%s v%d", st.key.detectorID, st.key.role, st.version)
	}
	artifact.localDir = finalDir
	st.done = true

	var pruned []*Artifact
	st.store.mu.Lock()
	st.ks.ready = append([]*Artifact{artifact}, st.ks.ready...)
	if len(st.ks.ready) > retainedVersions {
		pruned = st.ks.ready[retainedVersions:]
		st.ks.ready = st.ks.ready[:retainedVersions]
	}
	st.store.mu.Unlock()
	st.ks.publishMu.Unlock()

	var pruneErr error
	for _, old := range pruned {
		st.store.logger.Debugw("pruning retained model version",
			"detector", old.DetectorID, "role", old.Role, "version", old.Version)
		pruneErr = multierr.Append(pruneErr, os.RemoveAll(old.Dir()))
	}
	if pruneErr != nil {
		st.store.logger.Errorw("failed pruning old model versions", "error", pruneErr)
	}
	return artifact, nil
}

// Abort discards the staged artifact and releases the publish lock.
func (st *Staging) Abort() {
	if st.done {
		return
	}
	st.done = true
	if err := os.RemoveAll(st.dir); err != nil {
		st.store.logger.Errorw("failed to remove staging dir", "dir", st.dir, "error", err)
	}
	st.ks.publishMu.Unlock()
}

// MarkFailed transitions a ready artifact to failed without deleting its
// files, so a broken model can still be inspected. The current pointer moves
// back to the previous ready version if one exists.
func (s *Store) MarkFailed(artifact *Artifact) error {
	s.mu.Lock()
	ks, ok := s.keys[storeKey{artifact.DetectorID, artifact.Role}]
	if ok {
		for i, a := range ks.ready {
			if a.Version == artifact.Version {
				ks.ready = append(ks.ready[:i], ks.ready[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	failed := *artifact
	failed.State = StateFailed
	if err := writeMetadata(artifact.Dir(), &failed); err != nil {
		return errors.Wrapf(err, "failed to mark %s/%s v%d failed",
			artifact.DetectorID, artifact.Role, artifact.Version)
	}
	s.logger.Warnw("model artifact marked failed",
		"detector", artifact.DetectorID, "role", artifact.Role, "version", artifact.Version)
	return nil
}

// ReadyVersions reports the current ready version per role for a detector;
// roles with no published artifact are absent.
func (s *Store) ReadyVersions(detectorID string) map[Role]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[Role]int{}
	for _, role := range Roles {
		if ks, ok := s.keys[storeKey{detectorID, role}]; ok && len(ks.ready) > 0 {
			out[role] = ks.ready[0].Version
		}
	}
	return out
}
