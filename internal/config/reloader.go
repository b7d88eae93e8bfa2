package config

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
)

// Reloader watches a configuration file during a long run and
// republishes validated snapshots. Consumers drain Changes; a snapshot
// only appears there after it parsed, validated, and actually differs
// from the one before it, so a no-op editor save never ripples into the
// pool.
type Reloader struct {
	path     string
	debounce time.Duration
	onError  func(err error)

	watcher  *fsnotify.Watcher
	changes  chan *Config
	stop     chan struct{}
	done     chan struct{}
	lastHash [sha256.Size]byte
}

// NewReloader starts watching path. The initial file must load and
// validate; later bad edits are reported through onError (may be nil)
// while the previous snapshot stays in effect.
func NewReloader(path string, debounce time.Duration, onError func(err error)) (*Reloader, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrorConfigNotFound,
			"cannot resolve config path", err)
	}

	_, result, err := ValidateAndLoad(absPath)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, errors.NewConfigError(errors.ErrorConfigInvalid,
			"initial configuration is invalid", nil)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrorConfigNotFound,
			"cannot create file watcher", err)
	}
	// Editors replace files by rename or delete+create, so the watch
	// goes on the directory, not the file
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, errors.NewConfigError(errors.ErrorConfigNotFound,
			"cannot watch config directory", err)
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if onError == nil {
		onError = func(error) {}
	}

	r := &Reloader{
		path:     absPath,
		debounce: debounce,
		onError:  onError,
		watcher:  watcher,
		changes:  make(chan *Config, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if data, err := os.ReadFile(absPath); err == nil {
		r.lastHash = sha256.Sum256(data)
	}

	go r.loop()
	return r, nil
}

// Changes delivers each accepted snapshot once. The channel closes when
// the reloader stops.
func (r *Reloader) Changes() <-chan *Config {
	return r.changes
}

// loop is the single goroutine owning watch events, debounce, and
// reloads. Debounce is a timer armed on the first relevant event and
// re-armed by each follow-up, so a burst of editor writes produces one
// reload.
func (r *Reloader) loop() {
	defer close(r.done)
	defer close(r.changes)

	timer := time.NewTimer(r.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-r.stop:
			if armed && !timer.Stop() {
				<-timer.C
			}
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.debounce)
			armed = true

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.onError(errors.NewConfigError(errors.ErrorConfigNotFound,
				"config watch error", err))

		case <-timer.C:
			armed = false
			r.reload()
		}
	}
}

// reload re-reads the file, skipping identical content, and publishes
// the snapshot only when it parses and validates.
func (r *Reloader) reload() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.onError(errors.NewConfigError(errors.ErrorConfigNotFound,
			"config file unreadable after change", err))
		return
	}

	hash := sha256.Sum256(data)
	if hash == r.lastHash {
		return
	}
	r.lastHash = hash

	snapshot, result, err := ValidateAndLoad(r.path)
	if err != nil {
		r.onError(err)
		return
	}
	if !result.Valid {
		for _, validationErr := range result.Errors {
			r.onError(validationErr)
		}
		return
	}

	// Replace a not-yet-consumed snapshot instead of blocking the loop
	select {
	case <-r.changes:
	default:
	}
	r.changes <- snapshot
}

// Stop ends the watch and closes Changes
func (r *Reloader) Stop() error {
	close(r.stop)
	err := r.watcher.Close()
	<-r.done
	return err
}
