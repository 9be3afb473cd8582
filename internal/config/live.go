package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LiveState is the runtime toggle document. Unrecognized keys are
// ignored on load; absent keys fall back to defaults.
type LiveState struct {
	MentorHindsightGate bool `json:"mentor_hindsight_gate"`
	MentorAll           bool `json:"mentor_all"`
	MentorAnalytics     bool `json:"mentor_analytics"`
	MentorMemory        bool `json:"mentor_memory"`
	MentorChains        bool `json:"mentor_chains"`
	ObservationCapture  bool `json:"observation_capture"`
	AutoRemember        bool `json:"auto_remember"`
	DaemonFastpath      bool `json:"daemon_fastpath"`
	// TGMirrorMessages belongs to the chat-bot front end; parsed so a
	// shared document round-trips, never consulted here.
	TGMirrorMessages bool `json:"tg_mirror_messages"`
}

// DefaultLiveState enables everything except the chat mirror.
func DefaultLiveState() LiveState {
	return LiveState{
		MentorHindsightGate: true,
		MentorAll:           true,
		MentorAnalytics:     true,
		MentorMemory:        true,
		MentorChains:        true,
		ObservationCapture:  true,
		AutoRemember:        true,
		DaemonFastpath:      true,
	}
}

// LoadLiveState reads the toggle document, returning defaults when the
// file is missing or unparseable.
func LoadLiveState(path string) LiveState {
	ls := DefaultLiveState()
	data, err := os.ReadFile(path)
	if err != nil {
		return ls
	}
	// Unmarshal over the defaults so absent keys keep their default
	// and unknown keys are dropped.
	_ = json.Unmarshal(data, &ls)
	return ls
}

// LiveWatcher serves the current LiveState to a long-lived process and
// hot-reloads it when the document changes on disk.
type LiveWatcher struct {
	mu      sync.RWMutex
	path    string
	current LiveState
	log     zerolog.Logger
}

// NewLiveWatcher loads the document once and begins watching its
// directory until ctx is done. Watch failures degrade to the
// last-loaded snapshot.
func NewLiveWatcher(ctx context.Context, path string, log zerolog.Logger) *LiveWatcher {
	w := &LiveWatcher{
		path:    path,
		current: LoadLiveState(path),
		log:     log,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("live-state watcher unavailable, toggles frozen")
		return w
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which would drop a watch on the file itself.
	if err := watcher.Add(dirOf(path)); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("cannot watch live-state directory")
		_ = watcher.Close()
		return w
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("live-state watch error")
			}
		}
	}()
	return w
}

func (w *LiveWatcher) reload() {
	ls := LoadLiveState(w.path)
	w.mu.Lock()
	w.current = ls
	w.mu.Unlock()
	w.log.Info().Msg("live-state toggles reloaded")
}

// Current returns the latest toggle snapshot.
func (w *LiveWatcher) Current() LiveState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
