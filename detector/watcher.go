package detector

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// Watcher re-reads the config file when it changes on disk and delivers full
// replacement configs. Editors and config management tools typically replace
// the file wholesale, so the watch is on the parent directory.
type Watcher struct {
	path    string
	logger  golog.Logger
	watcher *fsnotify.Watcher
	out     chan *Config

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewWatcher starts watching the given config path. The initial config is not
// delivered; callers load it themselves before starting the watcher.
func NewWatcher(ctx context.Context, path string, logger golog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fs watcher")
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		return nil, errors.Wrapf(err, "failed to watch %q", filepath.Dir(path))
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:    path,
		logger:  logger,
		watcher: fsWatcher,
		out:     make(chan *Config),
		cancel:  cancel,
	}

	lastCfg, err := ReadConfig(path)
	if err != nil {
		goutils.UncheckedError(fsWatcher.Close())
		return nil, err
	}

	w.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				cfg, err := ReadConfig(path)
				if err != nil {
					w.logger.Errorw("config reload failed, keeping previous config", "error", err)
					continue
				}
				if cmp.Equal(cfg, lastCfg) {
					continue
				}
				lastCfg = cfg
				select {
				case w.out <- cfg:
				case <-cancelCtx.Done():
					return
				}
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				w.logger.Errorw("config watcher error", "error", err)
			}
		}
	}, w.activeBackgroundWorkers.Done)

	return w, nil
}

// Config returns the channel of replacement configs.
func (w *Watcher) Config() <-chan *Config {
	return w.out
}

// Close stops watching and releases the underlying notifier.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.activeBackgroundWorkers.Wait()
	return err
}
