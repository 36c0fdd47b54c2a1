package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arclight-learning/adaptcore/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Holder holds the current Snapshot with atomic, all-or-nothing reload.
// Consumers read Current(); nothing ever mutates the Snapshot they hold.
type Holder struct {
	reloadMu sync.Mutex
	epoch    atomic.Uint64
	snapshot atomic.Pointer[Snapshot]

	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	listenersMu sync.RWMutex
	listeners   []chan<- Snapshot
}

// NewHolder freezes an initial, validated snapshot.
func NewHolder(initial Snapshot) (*Holder, error) {
	if err := Validate(initial); err != nil {
		return nil, fmt.Errorf("initial snapshot invalid: %w", err)
	}
	h := &Holder{logger: log.WithComponent("config")}
	h.swap(&initial)
	return h, nil
}

func (h *Holder) swap(next *Snapshot) {
	next.Epoch = h.epoch.Add(1)
	h.snapshot.Store(next)
}

// Current returns the active snapshot. Safe for concurrent use.
func (h *Holder) Current() Snapshot {
	p := h.snapshot.Load()
	if p == nil {
		return Snapshot{}
	}
	return *p
}

// Reload validates candidate and, only if it passes, atomically replaces
// the active snapshot. The old snapshot remains active on validation
// failure — no partial application.
func (h *Holder) Reload(candidate Snapshot) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	if err := Validate(candidate); err != nil {
		h.logger.Error().Err(err).Msg("config reload rejected: validation failed")
		return fmt.Errorf("validate snapshot: %w", err)
	}

	h.swap(&candidate)
	h.logger.Info().Uint64("epoch", candidate.Epoch).Msg("config reloaded")
	h.notify(candidate)
	return nil
}

// RegisterListener registers a channel that receives every successfully
// applied reload. Non-blocking: a full channel drops the notification.
func (h *Holder) RegisterListener(ch chan<- Snapshot) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(s Snapshot) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- s:
		default:
			h.logger.Warn().Msg("config reload listener channel full, dropping notification")
		}
	}
}

// WatchFile starts an fsnotify watch on a config file's directory and calls
// reloadFn (typically re-reading the file, merging with Load(), then
// h.Reload) whenever the file is written, created, or renamed. This is a
// snapshot-replacement watch, never a hot in-place mutation.
func (h *Holder) WatchFile(ctx context.Context, path string, reloadFn func() (Snapshot, error)) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	dir := filepath.Dir(path)
	file := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.configPath = path

	go h.watchLoop(ctx, file, reloadFn)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, file string, reloadFn func() (Snapshot, error)) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				candidate, err := reloadFn()
				if err != nil {
					h.logger.Error().Err(err).Msg("config reload: failed to build candidate snapshot")
					return
				}
				if err := h.Reload(candidate); err != nil {
					h.logger.Error().Err(err).Msg("automatic config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Stop releases watcher resources.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}
