// Package web serves the camera list, the live annotated feeds and today's attendance.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
)

// CameraManager reads and updates the running camera set.
type CameraManager interface {
	Cameras() []types.CameraSource
	ApplyCameras(cams []types.CameraSource) []int
}

// Frames is the read side of the frame publisher.
type Frames interface {
	Latest(cameraID int) ([]byte, uint64, bool)
	Wait(ctx context.Context, cameraID int, afterSeq uint64) ([]byte, uint64, error)
	Connected(cameraID int) bool
}

// Attendance is the read side of the ledger.
type Attendance interface {
	Snapshot(date string) []types.AttendanceEntry
	Policy() attendance.Policy
}

// GalleryProvider supplies the enrolled identities used as the attendance roster.
type GalleryProvider interface {
	Current() *gallery.Gallery
}

// Deps bundles what the handlers read from the running engine.
type Deps struct {
	Cameras    CameraManager
	Frames     Frames
	Attendance Attendance
	Gallery    GalleryProvider
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server represents the web server
type Server struct {
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server

	// baseCtx is the parent of every request context; cancelling it ends open feeds
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a new web server
func NewServer(deps Deps, port int) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	s := &Server{deps: deps, router: r}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: MJPEG responses stay open while the viewer watches
		BaseContext: func(net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(chiMiddleware.Timeout(30 * time.Second))
		r.Get("/health", s.handleHealth)
		r.Get("/cameras", s.handleListCameras)
		r.Put("/cameras", s.handleUpdateCameras)
		r.Get("/cameras/{cameraID}/frame.jpg", s.handleFrame)
		r.Get("/attendance/today", s.handleAttendanceToday)
	})
	s.router.Get("/video_feed/{cameraID}", s.handleVideoFeed)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.deps.Logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info("shutting down web server")
	s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
