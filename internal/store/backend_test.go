package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/types"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// MockBackend records attendance writes in memory.
type MockBackend struct {
	entries map[string]types.AttendanceEntry
	closed  bool
}

func (m *MockBackend) UpsertAttendance(ctx context.Context, e types.AttendanceEntry) error {
	if m.entries == nil {
		m.entries = map[string]types.AttendanceEntry{}
	}
	m.entries[e.IdentityID+"/"+e.Date] = e
	return nil
}

func (m *MockBackend) AttendanceForDate(ctx context.Context, date string) ([]types.AttendanceEntry, error) {
	var out []types.AttendanceEntry
	for _, e := range m.entries {
		if e.Date == date {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockBackend) UpsertIdentity(ctx context.Context, id, name string) error { return nil }
func (m *MockBackend) RenameIdentity(ctx context.Context, id, name string) error { return nil }
func (m *MockBackend) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	return nil, nil
}
func (m *MockBackend) Reset(ctx context.Context) error { return nil }
func (m *MockBackend) Close() error {
	m.closed = true
	return nil
}

func TestLazy_RetriesAfterInterval(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	attempts := 0
	down := true
	backend := &MockBackend{}

	l := NewLazy(func(context.Context) (Backend, error) {
		attempts++
		if down {
			return nil, errors.New("connection refused")
		}
		return backend, nil
	}, 30*time.Second, quietLogger)
	l.now = func() time.Time { return now }

	entry := types.AttendanceEntry{IdentityID: "1", Date: "2026-03-02", Status: types.StatusPresent}
	if err := l.UpsertAttendance(ctx, entry); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	// Within the retry interval no new connection attempt is made
	now = now.Add(10 * time.Second)
	if err := l.UpsertAttendance(ctx, entry); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 connection attempt, got %d", attempts)
	}

	down = false
	now = now.Add(30 * time.Second)
	if err := l.UpsertAttendance(ctx, entry); err != nil {
		t.Fatalf("Expected the write to go through after reconnecting: %v", err)
	}
	if attempts != 2 || len(backend.entries) != 1 {
		t.Errorf("Unexpected state: attempts=%d entries=%d", attempts, len(backend.entries))
	}

	got, err := l.AttendanceForDate(ctx, "2026-03-02")
	if err != nil || len(got) != 1 {
		t.Errorf("AttendanceForDate = %v, %v", got, err)
	}

	if err := l.Close(); err != nil || !backend.closed {
		t.Errorf("Expected Close to reach the backend, err=%v", err)
	}
}

func TestOpen_RejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{URL: "sqlite://user:pw@file"})
	if err == nil {
		t.Fatal("Expected an error for an unsupported scheme")
	}
	if got := err.Error(); got != `unsupported database url "sqlite://..."` {
		t.Errorf("Credentials must not leak into the error, got %q", got)
	}
	if _, err := Open(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Error("Expected an error for an empty URL")
	}
}

func TestLazyTemplates_NeedsPostgres(t *testing.T) {
	ctx := context.Background()
	l := NewLazy(func(context.Context) (Backend, error) {
		return &MockBackend{}, nil
	}, time.Second, quietLogger)

	if _, err := l.Templates().Version(ctx); err == nil {
		t.Error("Expected an error for a non-postgres backend")
	}

	down := NewLazy(func(context.Context) (Backend, error) {
		return nil, errors.New("connection refused")
	}, time.Minute, quietLogger)
	if _, _, err := down.Templates().Load(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable while the database is down, got %v", err)
	}
}
