package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay absorbs the write burst editors produce before reloading.
const debounceDelay = 100 * time.Millisecond

const defaultPollInterval = 60 * time.Second

// OnReload receives the freshly loaded config and whether the fields workers
// snapshot at start changed since the last load.
type OnReload func(cfg *Config, workersStale bool)

// Watcher reloads the engine YAML when it changes on disk. fsnotify drives
// the fast path; a slow poll backs it up because editors that replace the
// file drop the inode watch, and carries the whole job when fsnotify is
// unavailable or the file does not exist yet.
type Watcher struct {
	// PollInterval is the safety-net rescan cadence. Set before Run.
	PollInterval time.Duration

	path     string
	onReload OnReload

	digest      string
	fingerprint string
}

func NewWatcher(path string, current *Config, onReload OnReload) *Watcher {
	return &Watcher{
		PollInterval: defaultPollInterval,
		path:         path,
		onReload:     onReload,
		digest:       configDigest(current),
		fingerprint:  current.WorkerFingerprint(),
	}
}

// Run blocks until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[config] fsnotify unavailable (%v), polling every %s", err, w.PollInterval)
		fsw = nil
	} else if err := fsw.Add(w.path); err != nil {
		log.Printf("[config] watch %s: %v, polling every %s", w.path, err, w.PollInterval)
		fsw.Close()
		fsw = nil
	}

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if fsw != nil {
		defer fsw.Close()
		fsEvents = fsw.Events
		fsErrors = fsw.Errors
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(debounceDelay)
			}
			// Rename-replace swaps the inode out from under the watch.
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				fsw.Add(w.path)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Printf("[config] watcher: %v", err)
		case <-debounce.C:
			w.reload()
		case <-ticker.C:
			w.reload()
		}
	}
}

// reload re-parses the file and fires the callback when content changed.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("[config] reload: %v", err)
		return
	}

	digest := configDigest(cfg)
	if digest == w.digest {
		return
	}
	w.digest = digest

	fp := cfg.WorkerFingerprint()
	stale := fp != w.fingerprint
	w.fingerprint = fp

	log.Printf("[config] reloaded %s (workers stale: %v)", w.path, stale)
	if w.onReload != nil {
		w.onReload(cfg, stale)
	}
}

func configDigest(cfg *Config) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%+v", *cfg)))
	return hex.EncodeToString(sum[:8])
}
