package web

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/publisher"
	"github.com/andresmejia3/rollcall/internal/types"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCameras struct {
	mu      sync.Mutex
	cams    map[int]types.CameraSource
	applied [][]types.CameraSource
}

func (f *fakeCameras) Cameras() []types.CameraSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.CameraSource
	for i := 0; i < 10; i++ {
		if c, ok := f.cams[i]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeCameras) ApplyCameras(cams []types.CameraSource) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cams)
	var added []int
	for _, c := range cams {
		if _, ok := f.cams[c.ID]; !ok {
			added = append(added, c.ID)
		}
		f.cams[c.ID] = c
	}
	return added
}

type staticGallery struct{ g *gallery.Gallery }

func (s staticGallery) Current() *gallery.Gallery { return s.g }

type testEnv struct {
	server  *Server
	cams    *fakeCameras
	pub     *publisher.Publisher
	ledger  *attendance.Ledger
	now     time.Time
	gallery *gallery.Gallery
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	g, errs := gallery.New([]types.EnrolledTemplate{
		{IdentityID: "1", Name: "Ada", Descriptors: [][]float32{{1, 0}}},
		{IdentityID: "2", Name: "Linus", Descriptors: [][]float32{{0, 1}}},
		{IdentityID: "3", Name: "Grace", Descriptors: [][]float32{{1, 1}}},
	}, 7)
	if len(errs) != 0 {
		t.Fatal(errs)
	}

	policy := attendance.DefaultPolicy()
	policy.Location = time.UTC
	env := &testEnv{
		cams:    &fakeCameras{cams: map[int]types.CameraSource{0: {ID: 0, Target: "0", Name: "Lobby"}}},
		pub:     publisher.New(32, 24),
		ledger:  attendance.NewLedger(policy, nil, nil, quietLogger),
		now:     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		gallery: g,
	}
	env.pub.Register(0, "Lobby")
	env.server = NewServer(Deps{
		Cameras:    env.cams,
		Frames:     env.pub,
		Attendance: env.ledger,
		Gallery:    staticGallery{g},
		Logger:     quietLogger,
		Now:        func() time.Time { return env.now },
	}, 0)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Cameras != 1 || resp.GallerySize != 3 || resp.GalleryVersion != 7 {
		t.Errorf("Unexpected health %+v", resp)
	}
}

func TestCameras(t *testing.T) {
	env := newTestEnv(t)
	env.pub.Publish(0, []byte("jpeg"))

	rec := env.do(t, http.MethodGet, "/api/v1/cameras", "")
	var list []cameraResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "Lobby" || !list[0].Connected || list[0].FeedURL != "/video_feed/0" {
		t.Errorf("Unexpected camera list %+v", list)
	}

	// One bad entry must not block the good ones
	rec = env.do(t, http.MethodPut, "/api/v1/cameras",
		`{"cameras":[{"id":0,"target":"rtsp://lobby"},{"id":1,"target":""},{"id":2,"target":"rtsp://dock"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var upd updateCamerasResponse
	if err := json.NewDecoder(rec.Body).Decode(&upd); err != nil {
		t.Fatal(err)
	}
	if upd.Applied != 2 || len(upd.Skipped) != 1 || len(upd.Added) != 1 || upd.Added[0] != 2 {
		t.Errorf("Unexpected update response %+v", upd)
	}
	if got := env.cams.applied[0][1].Name; got != "Camera 2" {
		t.Errorf("Expected default name for camera 2, got %q", got)
	}

	if rec := env.do(t, http.MethodPut, "/api/v1/cameras", `{"cameras":[{"id":-1,"target":"x"}]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 when nothing is valid, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, "/api/v1/cameras", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad body, got %d", rec.Code)
	}
}

func TestFrame(t *testing.T) {
	env := newTestEnv(t)
	env.pub.Publish(0, []byte("latest"))

	rec := env.do(t, http.MethodGet, "/api/v1/cameras/0/frame.jpg", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" || rec.Body.String() != "latest" {
		t.Errorf("Unexpected frame response %d %q", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/cameras/9/frame.jpg", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/cameras/abc/frame.jpg", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestVideoFeed(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	env.pub.Publish(0, []byte("first"))

	resp, err := http.Get(ts.URL + "/video_feed/0")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != mjpegBoundary {
		t.Fatalf("Unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	// Parts are read by Content-Length; a multipart.Reader would wait for the next boundary
	br := bufio.NewReader(resp.Body)
	readPart := func() []byte {
		t.Helper()
		length := -1
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("reading part header: %v", err)
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" && length >= 0 {
				break
			}
			if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
				length, _ = strconv.Atoi(v)
			}
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(br, data); err != nil {
			t.Fatal(err)
		}
		return data
	}

	if got := readPart(); !bytes.Equal(got, []byte("first")) {
		t.Errorf("Expected first frame, got %q", got)
	}
	env.pub.Publish(0, []byte("second"))
	if got := readPart(); !bytes.Equal(got, []byte("second")) {
		t.Errorf("Expected second frame, got %q", got)
	}

	missing, err := http.Get(ts.URL + "/video_feed/5")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown camera, got %d", missing.StatusCode)
	}
}

func TestAttendanceToday(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.ledger.RecordSighting(ctx, "1", "Ada", 0, time.Date(2026, 3, 2, 8, 45, 0, 0, time.UTC))
	env.ledger.RecordSighting(ctx, "2", "Linus", 0, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))

	rec := env.do(t, http.MethodGet, "/api/v1/attendance/today", "")
	var resp attendanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Date != "2026-03-02" {
		t.Errorf("Unexpected date %s", resp.Date)
	}
	want := attendance.Summary{Total: 3, Present: 2, Late: 1, Absent: 1}
	if resp.Summary != want {
		t.Errorf("Expected %+v, got %+v", want, resp.Summary)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/attendance/today?status=Absent", "")
	resp = attendanceResponse{}
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Rows) != 1 || resp.Rows[0].Name != "Grace" {
		t.Errorf("Expected only Grace absent, got %+v", resp.Rows)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/attendance/today?status=Gone", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown status, got %d", rec.Code)
	}
}
