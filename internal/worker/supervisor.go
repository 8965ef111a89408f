package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// SpawnFunc starts a worker process. Swappable in tests.
type SpawnFunc func(ctx context.Context, id int, cfg Config) (*PythonWorker, error)

// Supervisor owns one sidecar for one camera and restarts it after crashes.
// A crash costs the current frame only; the next call after RestartDelay spawns a new process.
type Supervisor struct {
	ID           int
	Config       Config
	RestartDelay time.Duration
	Spawn        SpawnFunc
	Logger       *slog.Logger

	mu        sync.Mutex
	w         *PythonWorker
	nextStart time.Time
	now       func() time.Time
}

// NewSupervisor creates a supervisor that lazily starts its worker on first use.
func NewSupervisor(id int, cfg Config, restartDelay time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		ID:           id,
		Config:       cfg,
		RestartDelay: restartDelay,
		Spawn:        NewPythonWorker,
		Logger:       logger,
		now:          time.Now,
	}
}

// DetectFaces implements recognition.Detector.
func (s *Supervisor) DetectFaces(ctx context.Context, frame types.Frame) ([]types.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	regions, err := w.Detect(frame)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	return regions, nil
}

// ExtractDescriptor implements recognition.Extractor.
func (s *Supervisor) ExtractDescriptor(ctx context.Context, frame types.Frame, region types.Region) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	vec, err := w.Extract(frame, region)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	return vec, nil
}

func (s *Supervisor) acquire(ctx context.Context) (*PythonWorker, error) {
	if s.w != nil {
		return s.w, nil
	}
	if s.now().Before(s.nextStart) {
		return nil, ErrWorkerDead
	}
	w, err := s.Spawn(ctx, s.ID, s.Config)
	if err != nil {
		s.nextStart = s.now().Add(s.RestartDelay)
		return nil, fmt.Errorf("%w: %v", ErrWorkerDead, err)
	}
	s.Logger.Info("model worker started", "worker_id", s.ID)
	s.w = w
	return w, nil
}

// fail drops the process when it is gone or hung. Remote and decode errors leave a
// usable worker behind since the response was framed completely.
func (s *Supervisor) fail(err error) {
	if !errors.Is(err, ErrWorkerDead) && !errors.Is(err, ErrTimeout) {
		return
	}
	s.Logger.Warn("model worker crashed, scheduling restart",
		"worker_id", s.ID,
		"error", err,
		"stderr", s.w.Cmd.Tail(512),
		"restart_in", s.RestartDelay,
	)
	s.w.kill()
	s.w.Close()
	s.w = nil
	s.nextStart = s.now().Add(s.RestartDelay)
}

// Close stops the running worker, if any.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}
