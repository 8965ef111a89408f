package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/store/mariadb"
	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrUnavailable means the database could not be reached; callers keep working from
// memory and try again later.
var ErrUnavailable = errors.New("database unavailable")

// Backend is the identity directory plus attendance ledger, implemented by Postgres
// and MariaDB.
type Backend interface {
	UpsertAttendance(ctx context.Context, e types.AttendanceEntry) error
	AttendanceForDate(ctx context.Context, date string) ([]types.AttendanceEntry, error)
	UpsertIdentity(ctx context.Context, id, name string) error
	RenameIdentity(ctx context.Context, id, name string) error
	ListIdentities(ctx context.Context) ([]types.Identity, error)
	Reset(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*mariadb.Store)(nil)
)

// Open connects to the backend named by the URL scheme.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Backend, error) {
	switch {
	case cfg.URL == "":
		return nil, errors.New("database URL is required")
	case strings.HasPrefix(cfg.URL, "postgres://"), strings.HasPrefix(cfg.URL, "postgresql://"):
		s, err := New(ctx, cfg.URL, cfg.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(cfg.URL, "mysql://"), strings.HasPrefix(cfg.URL, "mariadb://"):
		s, err := mariadb.New(ctx, cfg.URL, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported database url %q", redact(cfg.URL))
}

// redact hides everything after the scheme so credentials never reach a log.
func redact(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[:i+3] + "..."
	}
	return "..."
}

// OpenFunc connects to a backend.
type OpenFunc func(ctx context.Context) (Backend, error)

// Lazy connects on first use and, while the database is down, retries at most once
// per RetryInterval. Every call made while it is unreachable fails with ErrUnavailable.
type Lazy struct {
	open          OpenFunc
	RetryInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	backend Backend
	lastTry time.Time
	now     func() time.Time
}

var _ Backend = (*Lazy)(nil)

func NewLazy(open OpenFunc, retry time.Duration, logger *slog.Logger) *Lazy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lazy{open: open, RetryInterval: retry, logger: logger, now: time.Now}
}

// Get returns the connected backend, connecting if due.
func (l *Lazy) Get(ctx context.Context) (Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend != nil {
		return l.backend, nil
	}
	now := l.now()
	if !l.lastTry.IsZero() && now.Sub(l.lastTry) < l.RetryInterval {
		return nil, ErrUnavailable
	}
	l.lastTry = now

	b, err := l.open(ctx)
	if err != nil {
		l.logger.Warn("database unavailable, running from memory", "error", err, "retry_in", l.RetryInterval)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.logger.Info("database connected")
	l.backend = b
	return b, nil
}

func (l *Lazy) UpsertAttendance(ctx context.Context, e types.AttendanceEntry) error {
	b, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return b.UpsertAttendance(ctx, e)
}

func (l *Lazy) AttendanceForDate(ctx context.Context, date string) ([]types.AttendanceEntry, error) {
	b, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return b.AttendanceForDate(ctx, date)
}

func (l *Lazy) UpsertIdentity(ctx context.Context, id, name string) error {
	b, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return b.UpsertIdentity(ctx, id, name)
}

func (l *Lazy) RenameIdentity(ctx context.Context, id, name string) error {
	b, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return b.RenameIdentity(ctx, id, name)
}

func (l *Lazy) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	b, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return b.ListIdentities(ctx)
}

func (l *Lazy) Reset(ctx context.Context) error {
	b, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return b.Reset(ctx)
}

// Close closes the backend if one was ever connected.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend == nil {
		return nil
	}
	err := l.backend.Close()
	l.backend = nil
	return err
}
