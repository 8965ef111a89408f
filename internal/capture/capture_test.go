package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testJPEG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeStream delivers frames pushed by the test; Close unblocks Read.
type fakeStream struct {
	frames chan []byte
	once   sync.Once
	closed chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Read() ([]byte, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-s.closed:
		return nil, io.ErrClosedPipe
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeOpener fails while down is true and records every opened target.
type fakeOpener struct {
	mu      sync.Mutex
	down    bool
	targets []string
	streams chan *fakeStream
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{streams: make(chan *fakeStream, 16)}
}

func (o *fakeOpener) Open(ctx context.Context, target string) (Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.targets = append(o.targets, target)
	if o.down {
		return nil, errors.New("connection refused")
	}
	s := newFakeStream()
	o.streams <- s
	return s, nil
}

func (o *fakeOpener) setDown(v bool) {
	o.mu.Lock()
	o.down = v
	o.mu.Unlock()
}

func (o *fakeOpener) opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.targets...)
}

type frameCollector struct {
	frames chan types.Frame
}

func (c *frameCollector) HandleFrame(ctx context.Context, f types.Frame) {
	c.frames <- f
}

type statusRecorder struct {
	mu    sync.Mutex
	count int
}

func (s *statusRecorder) MarkDisconnected(int) {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}

func (s *statusRecorder) disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func nextStream(t *testing.T, o *fakeOpener) *fakeStream {
	t.Helper()
	select {
	case s := <-o.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the loop to open a stream")
		return nil
	}
}

func nextFrame(t *testing.T, c *frameCollector) types.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return types.Frame{}
	}
}

func TestDownscale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	src.Set(0, 0, color.White)

	img, scaled := Downscale(src, 960)
	if !scaled || img.Bounds().Dx() != 960 || img.Bounds().Dy() != 540 {
		t.Errorf("Expected 960x540, got %v scaled=%v", img.Bounds(), scaled)
	}

	img, scaled = Downscale(src, 0)
	if scaled || img.Bounds().Dx() != 1920 {
		t.Errorf("Expected untouched size, got %v", img.Bounds())
	}
}

func TestLoop_ReconnectsAndDownscales(t *testing.T) {
	reg := NewRegistry()
	added, _ := reg.Apply([]types.CameraSource{{ID: 4, Target: "rtsp://cam"}})

	opener := newFakeOpener()
	opener.setDown(true)
	sink := &frameCollector{frames: make(chan types.Frame, 16)}
	status := &statusRecorder{}

	loop := &Loop{
		Camera:         added[0],
		Opener:         opener,
		Sink:           sink,
		Status:         status,
		ReconnectDelay: 5 * time.Millisecond,
		MaxWidth:       32,
		Logger:         quietLogger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	// A few failed attempts while the camera is down
	deadline := time.Now().Add(2 * time.Second)
	for len(opener.opened()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("loop stopped retrying")
		}
		time.Sleep(time.Millisecond)
	}
	if status.disconnects() == 0 {
		t.Error("Expected the camera to be marked disconnected")
	}

	opener.setDown(false)
	stream := nextStream(t, opener)
	stream.frames <- testJPEG(t, 64, 48)
	stream.frames <- []byte("not a jpeg")
	stream.frames <- testJPEG(t, 16, 12)

	f := nextFrame(t, sink)
	if f.CameraID != 4 || f.Seq != 1 || f.Width() != 32 || f.Height() != 24 {
		t.Errorf("Unexpected first frame: cam=%d seq=%d %dx%d", f.CameraID, f.Seq, f.Width(), f.Height())
	}
	if _, err := jpeg.Decode(bytes.NewReader(f.JPEG)); err != nil {
		t.Errorf("Frame JPEG must match the downscaled image: %v", err)
	}
	// Undecodable frame is skipped without reconnecting
	f = nextFrame(t, sink)
	if f.Seq != 2 || f.Width() != 16 {
		t.Errorf("Unexpected second frame: seq=%d width=%d", f.Seq, f.Width())
	}

	// Stream ends: loop reconnects on its own
	close(stream.frames)
	stream = nextStream(t, opener)
	stream.frames <- testJPEG(t, 16, 12)
	if f := nextFrame(t, sink); f.Seq != 3 {
		t.Errorf("Expected sequence to continue across reconnects, got %d", f.Seq)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}

func TestLoop_FollowsTargetChange(t *testing.T) {
	reg := NewRegistry()
	added, _ := reg.Apply([]types.CameraSource{{ID: 1, Target: "0"}})

	opener := newFakeOpener()
	loop := &Loop{
		Camera:         added[0],
		Opener:         opener,
		Sink:           &frameCollector{frames: make(chan types.Frame, 16)},
		ReconnectDelay: time.Hour, // a retarget must not wait for the backoff
		Logger:         quietLogger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	first := nextStream(t, opener)

	newAdded, retargeted := reg.Apply([]types.CameraSource{{ID: 1, Target: "rtsp://new"}})
	if len(newAdded) != 0 || len(retargeted) != 1 {
		t.Fatalf("Expected a retarget, got added=%d retargeted=%v", len(newAdded), retargeted)
	}

	nextStream(t, opener)
	select {
	case <-first.closed:
	default:
		t.Error("Old stream was not closed")
	}
	if got := opener.opened(); got[len(got)-1] != "rtsp://new" {
		t.Errorf("Expected new target to be opened, got %v", got)
	}
}

func TestLoop_MaxFPS(t *testing.T) {
	reg := NewRegistry()
	added, _ := reg.Apply([]types.CameraSource{{ID: 0, Target: "0"}})

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	loop := &Loop{
		Camera: added[0],
		MaxFPS: 2, // one frame per 500ms
		Logger: quietLogger,
		now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(200 * time.Millisecond)
			return now
		},
	}
	sink := &frameCollector{frames: make(chan types.Frame, 32)}
	loop.Sink = sink

	s := newFakeStream()
	for i := 0; i < 10; i++ {
		s.frames <- testJPEG(t, 8, 8)
	}
	close(s.frames)

	if err := loop.readLoop(context.Background(), s); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected EOF, got %v", err)
	}
	// Arrivals every 200ms over 2s: accepted at 0.2, 0.8, 1.4, 2.0
	if got := len(sink.frames); got != 4 {
		t.Errorf("Expected 4 frames through the limiter, got %d", got)
	}
}

func TestCameraCurrent_MatchesTarget(t *testing.T) {
	reg := NewRegistry()
	added, _ := reg.Apply([]types.CameraSource{{ID: 5, Target: "rtsp://old"}})
	cam := added[0]

	src, oldChanged := cam.Current()
	if src.Target != "rtsp://old" {
		t.Fatalf("Expected the initial target, got %q", src.Target)
	}

	// A retarget between two reads must never pair the new target with a closed channel
	reg.Apply([]types.CameraSource{{ID: 5, Target: "rtsp://new"}})
	src, changed := cam.Current()
	if src.Target != "rtsp://new" {
		t.Fatalf("Expected the new target, got %q", src.Target)
	}
	select {
	case <-changed:
		t.Error("The channel paired with the current target is already closed")
	default:
	}
	select {
	case <-oldChanged:
	default:
		t.Error("The channel paired with the old target was not closed")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	added, _ := reg.Apply([]types.CameraSource{{ID: 2, Target: "a", Name: "Two"}, {ID: 1, Target: "b"}})
	if len(added) != 2 {
		t.Fatalf("Expected 2 cameras added, got %d", len(added))
	}

	cam, _ := reg.Get(2)
	changed := cam.Changed()

	// Same target: no change signal; name still updates
	_, re := reg.Apply([]types.CameraSource{{ID: 2, Target: "a", Name: "Gate"}})
	if len(re) != 0 {
		t.Errorf("Expected no retarget, got %v", re)
	}
	select {
	case <-changed:
		t.Error("Changed fired without a target change")
	default:
	}
	if cam.Source().Name != "Gate" {
		t.Errorf("Expected name update, got %q", cam.Source().Name)
	}

	// Cameras missing from the update are kept
	reg.Apply([]types.CameraSource{{ID: 2, Target: "c"}})
	<-changed
	list := reg.List()
	if len(list) != 2 || list[0].ID != 1 || list[1].Target != "c" {
		t.Errorf("Unexpected list %+v", list)
	}
}
