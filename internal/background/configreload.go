package background

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce collapses a burst of writes to the same config
// file into one reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// ReloadFunc is invoked once per debounced change to the watched
// configuration path. Implementations reconcile hot-reloadable fields
// and must ignore fields that require a restart.
type ReloadFunc func(ctx context.Context)

// ConfigReload watches the configuration file (or directory containing
// it) and debounces filesystem events into reload notifications via an
// fsnotify.Watcher plus a time.AfterFunc debounce timer.
type ConfigReload struct {
	Path     string
	Debounce time.Duration
	OnReload ReloadFunc
	Logger   *slog.Logger

	watcher *fsnotify.Watcher
}

// NewConfigReload constructs a ConfigReload watching path (a file or its
// containing directory — editors commonly replace a file via rename, which
// fsnotify only reports on the directory handle).
func NewConfigReload(path string, debounce time.Duration, onReload ReloadFunc, logger *slog.Logger) *ConfigReload {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	return &ConfigReload{
		Path:     path,
		Debounce: debounce,
		OnReload: onReload,
		Logger:   logger.With("task", "config_reload"),
	}
}

func (c *ConfigReload) Name() string { return "config_reload" }

func (c *ConfigReload) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.Logger.Warn("create fsnotify watcher failed", "error", err)
		return
	}
	defer watcher.Close()
	c.watcher = watcher

	watchDir := filepath.Dir(c.Path)
	if err := watcher.Add(watchDir); err != nil {
		if err := watcher.Add(c.Path); err != nil {
			c.Logger.Warn("watch config path failed", "path", c.Path, "error", err)
			return
		}
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(c.Debounce, func() {
			if c.OnReload != nil {
				c.OnReload(ctx)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !c.relevant(event) {
				continue
			}
			scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.Logger.Warn("config watch error", "error", err)
		}
	}
}

// relevant reports whether event targets the watched config file
// specifically (the watch is set on its parent directory, so every
// sibling file's events arrive too).
func (c *ConfigReload) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	target, err := filepath.Abs(c.Path)
	if err != nil {
		target = c.Path
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		name = event.Name
	}
	if name == target {
		return true
	}
	// Some editors write to a temp file then rename over the target; by
	// the time the rename event fires the original inode may already be
	// gone, so also accept the event if the target now exists with a
	// recent mtime.
	info, statErr := os.Stat(target)
	return statErr == nil && time.Since(info.ModTime()) < time.Second
}
