package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/confirm"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/overlay"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Recognizer turns a frame into candidates. recognition.Engine implements it.
type Recognizer interface {
	Recognize(ctx context.Context, frame types.Frame, g *gallery.Gallery) ([]types.MatchCandidate, error)
}

// GalleryProvider hands out the gallery currently in effect.
type GalleryProvider interface {
	Current() *gallery.Gallery
}

// Ledger accrues confirmed sightings.
type Ledger interface {
	RecordSighting(ctx context.Context, identityID, name string, cameraID int, ts time.Time) attendance.Sighting
}

// Publisher receives the annotated output of every camera.
type Publisher interface {
	Register(cameraID int, name string)
	Publish(cameraID int, jpeg []byte) uint64
	MarkDisconnected(cameraID int)
}

// cameraWorker is the processing half of one camera loop. It runs on the capture
// goroutine and owns the camera's tracker, so no locking is needed.
type cameraWorker struct {
	cameraID   int
	everyNth   int
	quality    int
	overlayOpt overlay.Options

	recognizer Recognizer
	gallery    GalleryProvider
	ledger     Ledger
	pub        Publisher
	tracker    *confirm.Tracker
	logger     *slog.Logger

	frames   uint64
	lastAnns []overlay.Annotation

	mu      sync.Mutex // guards lastObs, read by status queries
	lastObs confirm.Observation
}

func (w *cameraWorker) lastObsSnapshot() confirm.Observation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastObs
}

// HandleFrame recognizes every Nth frame and publishes every frame with the most
// recent overlay.
func (w *cameraWorker) HandleFrame(ctx context.Context, f types.Frame) {
	w.frames++
	if (w.frames-1)%uint64(w.everyNth) == 0 {
		w.process(ctx, f)
	}
	w.publish(f)
}

func (w *cameraWorker) process(ctx context.Context, f types.Frame) {
	g := w.gallery.Current()
	candidates, err := w.recognizer.Recognize(ctx, f, g)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("recognition failed, skipping frame", "seq", f.Seq, "error", err)
		}
		// Boxes from an earlier frame would no longer match what is on screen
		w.mu.Lock()
		w.lastObs = confirm.Observation{}
		w.mu.Unlock()
		w.lastAnns = nil
		return
	}

	obs := w.tracker.Observe(candidates)
	if obs.JustConfirmed {
		w.logger.Info("identity confirmed", "identity_id", obs.IdentityID, "name", obs.Name)
	}
	if obs.Confirmed() {
		w.ledger.RecordSighting(ctx, obs.IdentityID, obs.Name, w.cameraID, f.Timestamp)
	}
	w.mu.Lock()
	w.lastObs = obs
	w.mu.Unlock()
	w.lastAnns = overlay.Annotations(candidates, obs)
}

func (w *cameraWorker) publish(f types.Frame) {
	if len(w.lastAnns) == 0 || f.Image == nil {
		w.pub.Publish(w.cameraID, f.JPEG)
		return
	}
	// The frame is ours now, so drawing in place is fine
	overlay.Draw(f.Image, w.lastAnns, w.overlayOpt)
	data, err := overlay.Encode(f.Image, w.quality)
	if err != nil {
		w.logger.Warn("overlay encode failed, publishing raw frame", "error", err)
		data = f.JPEG
	}
	w.pub.Publish(w.cameraID, data)
}
