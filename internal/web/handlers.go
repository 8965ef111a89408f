package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/types"
)

const mjpegBoundary = "frame"

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func cameraIDParam(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "cameraID"))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid camera id %q", chi.URLParam(r, "cameraID"))
	}
	return id, nil
}

type healthResponse struct {
	Status         string `json:"status"`
	Cameras        int    `json:"cameras"`
	GallerySize    int    `json:"gallery_size"`
	GalleryVersion int64  `json:"gallery_version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Cameras: len(s.deps.Cameras.Cameras())}
	if g := s.deps.Gallery.Current(); g != nil {
		resp.GallerySize = g.Len()
		resp.GalleryVersion = int64(g.Version)
	}
	respondJSON(w, http.StatusOK, resp)
}

type cameraResponse struct {
	types.CameraSource
	Connected bool   `json:"connected"`
	FeedURL   string `json:"feed_url"`
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	cams := s.deps.Cameras.Cameras()
	out := make([]cameraResponse, 0, len(cams))
	for _, c := range cams {
		out = append(out, cameraResponse{
			CameraSource: c,
			Connected:    s.deps.Frames.Connected(c.ID),
			FeedURL:      fmt.Sprintf("/video_feed/%d", c.ID),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type updateCamerasRequest struct {
	Cameras []types.CameraSource `json:"cameras"`
}

type updateCamerasResponse struct {
	Added   []int    `json:"added"`
	Applied int      `json:"applied"`
	Skipped []string `json:"skipped,omitempty"`
}

// handleUpdateCameras merges a camera list into the running set. Invalid entries are
// skipped and reported; the valid ones still apply.
func (s *Server) handleUpdateCameras(w http.ResponseWriter, r *http.Request) {
	var req updateCamerasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	valid, errs := config.ValidCameras(req.Cameras)
	resp := updateCamerasResponse{Applied: len(valid)}
	for _, err := range errs {
		resp.Skipped = append(resp.Skipped, err.Error())
		s.deps.Logger.Warn("skipping camera from update", "error", err)
	}
	if len(valid) == 0 {
		respondJSON(w, http.StatusBadRequest, resp)
		return
	}
	resp.Added = s.deps.Cameras.ApplyCameras(valid)
	if resp.Added == nil {
		resp.Added = []int{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	id, err := cameraIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, _, ok := s.deps.Frames.Latest(id)
	if !ok {
		respondError(w, http.StatusNotFound, "camera not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// handleVideoFeed streams the camera as multipart MJPEG. Each part is the newest frame
// at the time of writing; a slow viewer skips frames.
func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	id, err := cameraIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, ok := s.deps.Frames.Latest(id); !ok {
		respondError(w, http.StatusNotFound, "camera not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var seq uint64
	for {
		data, next, err := s.deps.Frames.Wait(r.Context(), id, seq)
		if err != nil {
			return
		}
		seq = next
		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(data)); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

type attendanceResponse struct {
	Date    string                `json:"date"`
	Summary attendance.Summary    `json:"summary"`
	Rows    []attendance.DailyRow `json:"rows"`
}

// handleAttendanceToday returns today's rows for every enrolled identity, with Absent
// derived for those not seen. ?status= filters the rows.
func (s *Server) handleAttendanceToday(w http.ResponseWriter, r *http.Request) {
	date := s.deps.Attendance.Policy().DateKey(s.deps.Now())

	var roster []types.Identity
	if g := s.deps.Gallery.Current(); g != nil {
		for _, t := range g.Templates {
			roster = append(roster, types.Identity{ID: t.IdentityID, Name: t.Name})
		}
	}
	rows, summary := attendance.DeriveDaily(roster, s.deps.Attendance.Snapshot(date))

	if q := r.URL.Query().Get("status"); q != "" {
		status, err := types.ParseStatus(q)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		rows = attendance.FilterRows(rows, status)
	}
	if rows == nil {
		rows = []attendance.DailyRow{}
	}
	respondJSON(w, http.StatusOK, attendanceResponse{Date: date, Summary: summary, Rows: rows})
}
