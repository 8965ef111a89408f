package gallery

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Source is a versioned enrollment store.
type Source interface {
	// Version returns the current version marker without reading the templates.
	Version(ctx context.Context) (Version, error)
	// Load reads every template and the version they belong to.
	Load(ctx context.Context) ([]types.EnrolledTemplate, Version, error)
}

// Loader owns the current gallery. It is the only writer; any number of goroutines may read.
type Loader struct {
	src     Source
	logger  *slog.Logger
	current atomic.Pointer[Gallery]
	gen     atomic.Uint64
}

func NewLoader(src Source, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{src: src, logger: logger}
	l.current.Store(Empty(0))
	return l
}

// Current returns the gallery in effect. It never returns nil.
func (l *Loader) Current() *Gallery {
	return l.current.Load()
}

// Load reads the store and installs the result. On failure the installed gallery is empty.
func (l *Loader) Load(ctx context.Context) *Gallery {
	templates, version, err := l.src.Load(ctx)
	if err != nil {
		l.logger.Error("gallery load failed, continuing with an empty gallery", "error", err)
		return l.swap(Empty(version))
	}
	return l.swap(l.build(templates, version))
}

// RefreshIfStale reloads when the store's version differs from last.
// It returns a nil gallery and last unchanged when nothing was swapped.
func (l *Loader) RefreshIfStale(ctx context.Context, last Version) (*Gallery, Version) {
	version, err := l.src.Version(ctx)
	if err != nil {
		// Transient: keep serving the current gallery
		l.logger.Warn("gallery version unreadable", "error", err)
		return nil, last
	}
	if version == last {
		return nil, last
	}

	templates, loadedVersion, err := l.src.Load(ctx)
	if err != nil {
		// The store changed but cannot be parsed. Record the version so the same
		// broken content is not re-parsed on every tick.
		l.logger.Error("gallery changed but could not be loaded, recognition disabled until fixed",
			"version", version, "error", err)
		g := l.swap(Empty(version))
		return g, version
	}
	g := l.swap(l.build(templates, loadedVersion))
	l.logger.Info("gallery reloaded",
		"templates", g.Len(),
		"version", g.Version,
		"generation", g.Generation,
	)
	return g, g.Version
}

// Watch polls the store every interval until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RefreshIfStale(ctx, l.Current().Version)
		}
	}
}

func (l *Loader) build(templates []types.EnrolledTemplate, version Version) *Gallery {
	g, errs := New(templates, version)
	for _, err := range errs {
		l.logger.Warn("skipping enrolled template", "error", err)
	}
	return g
}

func (l *Loader) swap(g *Gallery) *Gallery {
	g.Generation = l.gen.Add(1)
	l.current.Store(g)
	return g
}
