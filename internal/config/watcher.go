package config

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Watcher polls the config file and hands changed camera lists to OnCameras.
// Only cameras are hot-reloaded; every other section needs a restart.
type Watcher struct {
	Path      string
	Interval  time.Duration
	OnCameras func([]types.CameraSource)
	Logger    *slog.Logger

	lastMod time.Time
}

// NewWatcher creates a watcher whose baseline is the file's current mtime.
func NewWatcher(path string, interval time.Duration, onCameras func([]types.CameraSource), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{Path: path, Interval: interval, OnCameras: onCameras, Logger: logger}
	if fi, err := os.Stat(path); err == nil {
		w.lastMod = fi.ModTime()
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check reloads the cameras once if the file changed since the last successful check.
// It reports whether OnCameras was called.
func (w *Watcher) Check() bool {
	fi, err := os.Stat(w.Path)
	if err != nil {
		w.Logger.Warn("config file not readable", "path", w.Path, "error", err)
		return false
	}
	if !fi.ModTime().After(w.lastMod) {
		return false
	}

	cams, err := LoadCameras(w.Path)
	if err != nil {
		// Keep the old baseline so a fixed file is picked up on the next tick
		w.Logger.Warn("config reload failed, keeping current cameras", "path", w.Path, "error", err)
		return false
	}
	w.lastMod = fi.ModTime()

	valid, errs := ValidCameras(cams)
	for _, e := range errs {
		w.Logger.Warn("skipping camera", "error", e)
	}
	w.Logger.Info("camera config reloaded", "path", w.Path, "cameras", len(valid))
	w.OnCameras(valid)
	return true
}
