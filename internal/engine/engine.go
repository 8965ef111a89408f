// Package engine runs the per-camera pipelines: capture, recognition every Nth
// frame, confirmation, attendance and publishing.
package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/confirm"
	"github.com/andresmejia3/rollcall/internal/overlay"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Config holds the pipeline settings shared by all cameras.
type Config struct {
	EveryNthFrame    int
	ConfirmThreshold int
	ReconnectDelay   time.Duration
	MaxWidth         int
	MaxFPS           float64
	JPEGQuality      int
	Overlay          overlay.Options
}

// RecognizerFactory builds the recognizer of one camera.
// If the result implements io.Closer it is closed when the engine stops.
type RecognizerFactory func(cam types.CameraSource) Recognizer

// Engine owns the camera registry and one goroutine per camera.
type Engine struct {
	cfg           Config
	registry      *capture.Registry
	opener        capture.Opener
	newRecognizer RecognizerFactory
	gallery       GalleryProvider
	ledger        Ledger
	pub           Publisher
	logger        *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	workers map[int]*cameraWorker
	closers []io.Closer
	wg      sync.WaitGroup
}

func New(cfg Config, opener capture.Opener, newRecognizer RecognizerFactory,
	g GalleryProvider, ledger Ledger, pub Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EveryNthFrame < 1 {
		cfg.EveryNthFrame = 1
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	return &Engine{
		cfg:           cfg,
		registry:      capture.NewRegistry(),
		opener:        opener,
		newRecognizer: newRecognizer,
		gallery:       g,
		ledger:        ledger,
		pub:           pub,
		logger:        logger,
		workers:       make(map[int]*cameraWorker),
	}
}

// Start launches a loop for every camera. Cameras added later through ApplyCameras
// run under the same ctx.
func (e *Engine) Start(ctx context.Context, cams []types.CameraSource) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
	e.ApplyCameras(cams)
}

// ApplyCameras merges a camera list: known ids are retargeted or renamed in place, new
// ids get a loop. Nothing is stopped. Returns the ids that were added.
func (e *Engine) ApplyCameras(cams []types.CameraSource) []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Known cameras are re-registered when renamed as well as when retargeted
	oldNames := make(map[int]string, len(cams))
	for _, src := range cams {
		if cam, ok := e.registry.Get(src.ID); ok {
			oldNames[src.ID] = cam.Source().Name
		}
	}
	added, retargeted := e.registry.Apply(cams)
	refresh := make(map[int]bool, len(retargeted))
	for _, id := range retargeted {
		refresh[id] = true
	}
	for id, old := range oldNames {
		cam, _ := e.registry.Get(id)
		if name := cam.Source().Name; refresh[id] || name != old {
			e.pub.Register(id, name)
		}
	}
	var ids []int
	for _, cam := range added {
		ids = append(ids, cam.ID)
		e.startLocked(cam)
	}
	return ids
}

// startLocked must be called with e.mu held and e.ctx set.
func (e *Engine) startLocked(cam *capture.Camera) {
	src := cam.Source()
	logger := e.logger.With("camera_id", src.ID)

	rec := e.newRecognizer(src)
	if c, ok := rec.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}

	w := &cameraWorker{
		cameraID:   src.ID,
		everyNth:   e.cfg.EveryNthFrame,
		quality:    e.cfg.JPEGQuality,
		overlayOpt: e.cfg.Overlay,
		recognizer: rec,
		gallery:    e.gallery,
		ledger:     e.ledger,
		pub:        e.pub,
		tracker:    confirm.NewTracker(e.cfg.ConfirmThreshold),
		logger:     logger,
	}
	e.workers[src.ID] = w
	e.pub.Register(src.ID, src.Name)

	loop := &capture.Loop{
		Camera:         cam,
		Opener:         e.opener,
		Sink:           w,
		Status:         e.pub,
		ReconnectDelay: e.cfg.ReconnectDelay,
		MaxWidth:       e.cfg.MaxWidth,
		MaxFPS:         e.cfg.MaxFPS,
		JPEGQuality:    e.cfg.JPEGQuality,
		Logger:         e.logger,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		logger.Info("camera loop started", "target", src.Target, "name", src.Name)
		loop.Run(e.ctx)
		logger.Info("camera loop stopped")
	}()
}

// Cameras returns the current camera configuration.
func (e *Engine) Cameras() []types.CameraSource {
	return e.registry.List()
}

// TrackerState reports a camera's confirmation state.
func (e *Engine) TrackerState(cameraID int) (confirm.State, string, bool) {
	e.mu.Lock()
	w, ok := e.workers[cameraID]
	e.mu.Unlock()
	if !ok {
		return confirm.Neutral, "", false
	}
	obs := w.lastObsSnapshot()
	return obs.State, obs.IdentityID, true
}

// Wait blocks until every camera loop has returned, then closes the recognizers.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.Warn("recognizer close failed", "error", err)
		}
	}
	e.closers = nil
}
