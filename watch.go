package volsynth

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gekko3d/volsynth/volrt/rt/core"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// ConfigWatcher reloads a config file whenever it changes on disk and hands
// every valid result to Updates. Invalid files are logged and skipped.
type ConfigWatcher struct {
	path     string
	log      core.Logger
	watcher  *fsnotify.Watcher
	updates  chan *Config
	debounce time.Duration
}

func NewConfigWatcher(path string, log core.Logger) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	return &ConfigWatcher{
		path:     abs,
		log:      core.OrNop(log),
		watcher:  w,
		updates:  make(chan *Config, 1),
		debounce: defaultDebounce,
	}, nil
}

// Updates delivers reloaded configs. Only the newest pending config is kept.
func (cw *ConfigWatcher) Updates() <-chan *Config { return cw.updates }

// Start watches the directory of the file, so editors that replace the file
// on save are still seen, until ctx is done or Close is called.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", cw.path, err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	go func() {
		defer timer.Stop()
		for {
			select {
			case event, ok := <-cw.watcher.Events:
				if !ok {
					return
				}
				if cw.relevant(event) {
					timer.Reset(cw.debounce)
				}
			case err, ok := <-cw.watcher.Errors:
				if !ok {
					return
				}
				cw.log.Errorf("config watcher: %v", err)
			case <-timer.C:
				cw.reload()
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (cw *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != cw.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (cw *ConfigWatcher) reload() {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		cw.log.Warnf("config watcher: keeping previous config: %v", err)
		return
	}
	cw.log.Infof("config watcher: reloaded %s", cw.path)
	// drop a stale pending update so the newest wins
	select {
	case <-cw.updates:
	default:
	}
	cw.updates <- cfg
}

func (cw *ConfigWatcher) Close() error {
	return cw.watcher.Close()
}
