// Package capture owns the camera connections: one loop per camera that opens the
// source, hands decoded frames on and reconnects forever.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/image/draw"
)

var errTargetChanged = errors.New("camera target changed")

// FrameSink consumes the frames of one camera. It runs on the capture goroutine,
// so a slow sink slows capture down instead of queueing frames.
type FrameSink interface {
	HandleFrame(ctx context.Context, frame types.Frame)
}

// StatusSink is told when a camera loses its source.
type StatusSink interface {
	MarkDisconnected(cameraID int)
}

// Loop runs one camera.
type Loop struct {
	Camera         *Camera
	Opener         Opener
	Sink           FrameSink
	Status         StatusSink
	ReconnectDelay time.Duration
	MaxWidth       int     // 0 disables downscaling
	MaxFPS         float64 // 0 disables the cadence limiter
	JPEGQuality    int
	Logger         *slog.Logger

	now      func() time.Time
	seq      uint64
	lastSent time.Time
}

func (l *Loop) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

// Run captures until ctx is cancelled. Every failure ends in a fixed wait and a new
// attempt; nothing here gives up on a camera.
func (l *Loop) Run(ctx context.Context) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("camera_id", l.Camera.ID)

	for ctx.Err() == nil {
		src, changed := l.Camera.Current()

		stream, err := l.Opener.Open(ctx, src.Target)
		if err != nil {
			logger.Warn("camera open failed, retrying", "target", src.Target, "error", err, "retry_in", l.ReconnectDelay)
			l.disconnected()
			l.wait(ctx, changed)
			continue
		}
		logger.Info("camera connected", "target", src.Target, "name", src.Name)

		err = l.pump(ctx, stream, changed)
		stream.Close()

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errTargetChanged):
			logger.Info("camera target changed, reconnecting", "old_target", src.Target, "new_target", l.Camera.Source().Target)
			continue
		}
		logger.Warn("camera stream lost, retrying", "target", src.Target, "error", err, "retry_in", l.ReconnectDelay)
		l.disconnected()
		l.wait(ctx, changed)
	}
}

// wait sleeps for the reconnect delay, cut short by a target change.
func (l *Loop) wait(ctx context.Context, changed <-chan struct{}) {
	t := time.NewTimer(l.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-changed:
	case <-t.C:
	}
}

func (l *Loop) disconnected() {
	if l.Status != nil {
		l.Status.MarkDisconnected(l.Camera.ID)
	}
}

// pump reads frames until the stream fails, ctx ends or the target changes.
func (l *Loop) pump(ctx context.Context, stream Stream, changed <-chan struct{}) error {
	// Unblock a pending Read when we must stop
	stop := make(chan struct{})
	retarget := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
			retarget <- false
		case <-changed:
			stream.Close()
			retarget <- true
		case <-stop:
			retarget <- false
		}
	}()

	err := l.readLoop(ctx, stream)
	close(stop)
	if <-retarget {
		return errTargetChanged
	}
	return err
}

func (l *Loop) readLoop(ctx context.Context, stream Stream) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		data, err := stream.Read()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := l.clock()
		if l.MaxFPS > 0 && !l.lastSent.IsZero() &&
			now.Sub(l.lastSent) < time.Duration(float64(time.Second)/l.MaxFPS) {
			continue
		}

		frame, err := l.decode(data, now)
		if err != nil {
			logger.Debug("dropping undecodable frame", "camera_id", l.Camera.ID, "error", err)
			continue
		}
		l.lastSent = now
		l.Sink.HandleFrame(ctx, frame)
	}
}

// decode turns one JPEG into a Frame, downscaling it if it is wider than MaxWidth.
func (l *Loop) decode(data []byte, ts time.Time) (types.Frame, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("decode jpeg: %w", err)
	}

	img, scaled := Downscale(src, l.MaxWidth)
	if scaled {
		var buf bytes.Buffer
		quality := l.JPEGQuality
		if quality <= 0 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return types.Frame{}, fmt.Errorf("encode jpeg: %w", err)
		}
		data = buf.Bytes()
	}

	l.seq++
	return types.Frame{
		CameraID:  l.Camera.ID,
		Seq:       l.seq,
		Timestamp: ts,
		Image:     img,
		JPEG:      data,
	}, nil
}

// Downscale returns src as RGBA, shrunk to maxWidth with its aspect ratio kept.
// It reports whether the image was resized.
func Downscale(src image.Image, maxWidth int) (*image.RGBA, bool) {
	b := src.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst, false
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst, true
}
