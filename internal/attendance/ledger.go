// Package attendance converts confirmed sightings into one ledger entry per identity and day.
package attendance

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
)

// Notifier receives mark events. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev MarkEvent) error
}

// MarkEvent is emitted for a sighting that passed the per-identity throttle.
type MarkEvent struct {
	ID               uuid.UUID    `json:"id"`
	IdentityID       string       `json:"identity_id"`
	Name             string       `json:"name"`
	CameraID         int          `json:"camera_id"`
	Timestamp        time.Time    `json:"timestamp"`
	Date             string       `json:"date"`
	Status           types.Status `json:"status"`
	FirstSighting    bool         `json:"first_sighting"`
	TotalWorkSeconds float64      `json:"total_work_seconds"`
}

// Sighting is the outcome of one RecordSighting call.
type Sighting struct {
	Entry        types.AttendanceEntry
	Created      bool    // first sighting of the day
	AddedSeconds float64 // work time credited by this sighting
	Marked       bool    // passed the throttle
	Event        *MarkEvent
}

type key struct {
	identity string
	date     string
}

// reorderWindow is how far behind LastSeen a late sighting may arrive and still be
// slotted between its neighbours.
const reorderWindow = 15 * time.Minute

// slot guards one (identity, date) entry.
type slot struct {
	mu     sync.Mutex
	entry  types.AttendanceEntry
	exists bool
	rev    uint64

	// seen holds the recent sighting times in order. When floored, seen[0] is the
	// oldest known point and nothing earlier can be credited.
	seen    []time.Time
	floored bool
}

// insert places ts among the recent sightings and returns the work time it adds.
// The result does not depend on the order sightings arrive in.
func (s *slot) insert(ts time.Time, p Policy) float64 {
	i := sort.Search(len(s.seen), func(i int) bool { return !s.seen[i].Before(ts) })
	if i < len(s.seen) && s.seen[i].Equal(ts) {
		return 0
	}

	var added float64
	switch {
	case i == 0 && s.floored:
		// Older than anything still known; the total already covers it
		return 0
	case i == 0:
		added = p.credit(s.seen[0].Sub(ts))
	case i == len(s.seen):
		added = p.credit(ts.Sub(s.seen[i-1]))
	default:
		prev, next := s.seen[i-1], s.seen[i]
		added = p.credit(ts.Sub(prev)) + p.credit(next.Sub(ts)) - p.credit(next.Sub(prev))
	}

	s.seen = append(s.seen, time.Time{})
	copy(s.seen[i+1:], s.seen[i:])
	s.seen[i] = ts
	s.compact()
	return added
}

// compact forgets sightings older than the reorder window, keeping one as the floor.
func (s *slot) compact() {
	cutoff := s.seen[len(s.seen)-1].Add(-reorderWindow)
	i := sort.Search(len(s.seen), func(i int) bool { return !s.seen[i].Before(cutoff) })
	if i > 1 {
		s.seen = append(s.seen[:0], s.seen[i-1:]...)
		s.floored = true
	}
}

// reset seeds the slot with a restored entry.
func (s *slot) reset(e types.AttendanceEntry) {
	s.entry = e
	s.exists = true
	s.seen = []time.Time{e.LastSeen}
	s.floored = true
}

// Ledger is the in-memory attendance state shared by all cameras.
//
// Each entry has its own lock. The registry lock is held only to find or create a slot,
// so cameras confirming different people never wait on each other.
type Ledger struct {
	policy    Policy
	persister *Persister
	notifier  Notifier
	logger    *slog.Logger

	mu    sync.Mutex
	slots map[key]*slot

	markMu   sync.Mutex
	lastMark map[string]time.Time
}

// NewLedger creates a ledger. persister and notifier may be nil.
func NewLedger(policy Policy, persister *Persister, notifier Notifier, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		policy:    policy,
		persister: persister,
		notifier:  notifier,
		logger:    logger,
		slots:     make(map[key]*slot),
		lastMark:  make(map[string]time.Time),
	}
}

func (l *Ledger) Policy() Policy { return l.policy }

func (l *Ledger) slot(k key) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[k]
	if !ok {
		s = &slot{}
		l.slots[k] = s
	}
	return s
}

// RecordSighting accrues one confirmed sighting of identityID at ts.
func (l *Ledger) RecordSighting(ctx context.Context, identityID, name string, cameraID int, ts time.Time) Sighting {
	date := l.policy.DateKey(ts)
	s := l.slot(key{identityID, date})

	var out Sighting
	s.mu.Lock()
	if !s.exists {
		s.entry = types.AttendanceEntry{
			IdentityID: identityID,
			Date:       date,
			FirstIn:    ts,
			LastSeen:   ts,
			Status:     l.policy.StatusFor(ts),
		}
		s.exists = true
		s.seen = []time.Time{ts}
		s.floored = false
		out.Created = true
	} else {
		e := &s.entry
		out.AddedSeconds = s.insert(ts, l.policy)
		e.TotalWorkSeconds += out.AddedSeconds
		if ts.After(e.LastSeen) {
			e.LastSeen = ts
		}
		// A sighting from another camera may arrive slightly out of order
		if ts.Before(e.FirstIn) {
			e.FirstIn = ts
			e.Status = l.policy.StatusFor(ts)
		}
	}
	s.rev++
	out.Entry = s.entry
	if l.persister != nil {
		// Enqueued under the slot lock so the queue never sees revisions out of order
		l.persister.Enqueue(s.entry, s.rev)
	}
	s.mu.Unlock()

	if l.mark(identityID, ts) {
		out.Marked = true
		out.Event = &MarkEvent{
			ID:               uuid.New(),
			IdentityID:       identityID,
			Name:             name,
			CameraID:         cameraID,
			Timestamp:        ts,
			Date:             date,
			Status:           out.Entry.Status,
			FirstSighting:    out.Created,
			TotalWorkSeconds: out.Entry.TotalWorkSeconds,
		}
		l.logger.Info("attendance marked",
			"identity_id", identityID,
			"name", name,
			"camera_id", cameraID,
			"status", out.Entry.Status,
			"first_sighting", out.Created,
		)
		if l.notifier != nil {
			if err := l.notifier.Notify(ctx, *out.Event); err != nil {
				l.logger.Warn("mark notification failed", "identity_id", identityID, "error", err)
			}
		}
	}
	return out
}

// mark reports whether identityID may be marked at ts, and records the mark if so.
func (l *Ledger) mark(identityID string, ts time.Time) bool {
	l.markMu.Lock()
	defer l.markMu.Unlock()
	last, ok := l.lastMark[identityID]
	if ok && ts.Sub(last) < l.policy.Throttle {
		return false
	}
	l.lastMark[identityID] = ts
	return true
}

// Restore seeds entries loaded from the backend. An entry already in memory is kept
// unless the restored one was seen later.
func (l *Ledger) Restore(entries []types.AttendanceEntry) int {
	n := 0
	for _, e := range entries {
		if e.IdentityID == "" || e.Date == "" {
			continue
		}
		s := l.slot(key{e.IdentityID, e.Date})
		s.mu.Lock()
		if !s.exists || e.LastSeen.After(s.entry.LastSeen) {
			s.reset(e)
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Get returns the entry for one identity and day.
func (l *Ledger) Get(identityID, date string) (types.AttendanceEntry, bool) {
	l.mu.Lock()
	s, ok := l.slots[key{identityID, date}]
	l.mu.Unlock()
	if !ok {
		return types.AttendanceEntry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry, s.exists
}

// Snapshot returns copies of every entry for date, earliest arrival first.
func (l *Ledger) Snapshot(date string) []types.AttendanceEntry {
	l.mu.Lock()
	var slots []*slot
	for k, s := range l.slots {
		if k.date == date {
			slots = append(slots, s)
		}
	}
	l.mu.Unlock()

	out := make([]types.AttendanceEntry, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.exists {
			out = append(out, s.entry)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstIn.Equal(out[j].FirstIn) {
			return out[i].IdentityID < out[j].IdentityID
		}
		return out[i].FirstIn.Before(out[j].FirstIn)
	})
	return out
}

// Prune drops in-memory entries of days before keep. Old days are already persisted
// or were never going to be.
func (l *Ledger) Prune(keep string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.slots {
		if k.date < keep {
			delete(l.slots, k)
			n++
		}
	}
	return n
}
