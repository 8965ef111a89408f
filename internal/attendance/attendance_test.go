package attendance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func at(hhmmss string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", "2026-03-02 "+hhmmss, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Location = time.UTC
	return p
}

// memRepo is an in-memory Repository with failure injection.
type memRepo struct {
	mu     sync.Mutex
	rows   map[string]types.AttendanceEntry
	fail   bool
	writes int
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]types.AttendanceEntry)}
}

func (r *memRepo) UpsertAttendance(ctx context.Context, e types.AttendanceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if r.fail {
		return errors.New("connection refused")
	}
	r.rows[e.IdentityID+"/"+e.Date] = e
	return nil
}

func (r *memRepo) get(id, date string) (types.AttendanceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id+"/"+date]
	return e, ok
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []MarkEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, ev MarkEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func TestLedger_WorkdayTimeline(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(testPolicy(), nil, nil, quietLogger)

	// First sighting before the cutoff
	s := l.RecordSighting(ctx, "E1", "Alice", 0, at("08:55:00"))
	if !s.Created || s.Entry.Status != types.StatusPresent || s.Entry.TotalWorkSeconds != 0 {
		t.Fatalf("on-time arrival: got %+v", s)
	}

	// A gap of 180s is counted
	s = l.RecordSighting(ctx, "E1", "Alice", 0, at("08:58:00"))
	if s.Entry.TotalWorkSeconds != 180 || !s.Entry.LastSeen.Equal(at("08:58:00")) {
		t.Fatalf("short gap: got %+v", s.Entry)
	}

	// A gap of 1320s is a break
	s = l.RecordSighting(ctx, "E1", "Alice", 1, at("09:20:00"))
	if s.Entry.TotalWorkSeconds != 180 || !s.Entry.LastSeen.Equal(at("09:20:00")) {
		t.Fatalf("long gap: got %+v", s.Entry)
	}
	if s.Entry.Status != types.StatusPresent {
		t.Errorf("long gap: status must stay Present, got %s", s.Entry.Status)
	}

	// First sighting after the cutoff
	s = l.RecordSighting(ctx, "E2", "Bob", 0, at("09:10:00"))
	if !s.Created || s.Entry.Status != types.StatusLate {
		t.Fatalf("late arrival: got %+v", s.Entry)
	}
}

func TestStatusFor_Cutoff(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		ts   time.Time
		want types.Status
	}{
		{at("08:59:59"), types.StatusPresent},
		{at("09:00:00"), types.StatusPresent}, // strictly after is late
		{at("09:00:01"), types.StatusLate},
		{at("23:59:59"), types.StatusLate},
	}
	for _, tt := range tests {
		if got := p.StatusFor(tt.ts); got != tt.want {
			t.Errorf("StatusFor(%s) = %s, want %s", tt.ts.Format("15:04:05"), got, tt.want)
		}
	}
}

func TestRecordSighting_GapBoundary(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(testPolicy(), nil, nil, quietLogger)

	l.RecordSighting(ctx, "E1", "", 0, at("10:00:00"))
	s := l.RecordSighting(ctx, "E1", "", 0, at("10:05:00")) // exactly WorkGap
	if s.Entry.TotalWorkSeconds != 0 {
		t.Errorf("A gap equal to WorkGap is a break, got %v", s.Entry.TotalWorkSeconds)
	}
	s = l.RecordSighting(ctx, "E1", "", 0, at("10:09:59"))
	if s.Entry.TotalWorkSeconds != 299 {
		t.Errorf("Expected 299s credited, got %v", s.Entry.TotalWorkSeconds)
	}
	// Out of order inside a credited gap: no change, last-seen does not move back
	s = l.RecordSighting(ctx, "E1", "", 0, at("10:08:00"))
	if s.Entry.TotalWorkSeconds != 299 || !s.Entry.LastSeen.Equal(at("10:09:59")) {
		t.Errorf("Out-of-order sighting changed the entry: %+v", s.Entry)
	}
}

// A sighting delivered late by another camera bridges the break it falls into.
func TestRecordSighting_OrderIndependent(t *testing.T) {
	ctx := context.Background()
	orders := [][]string{
		{"10:00:00", "10:03:20", "10:06:40"},
		{"10:00:00", "10:06:40", "10:03:20"},
		{"10:03:20", "10:00:00", "10:06:40"},
		{"10:06:40", "10:03:20", "10:00:00"},
		{"10:06:40", "10:00:00", "10:03:20"},
	}
	for _, order := range orders {
		l := NewLedger(testPolicy(), nil, nil, quietLogger)
		for _, ts := range order {
			l.RecordSighting(ctx, "E1", "", 0, at(ts))
		}
		e, _ := l.Get("E1", "2026-03-02")
		if e.TotalWorkSeconds != 400 {
			t.Errorf("%v: expected 400 work seconds, got %v", order, e.TotalWorkSeconds)
		}
		if !e.FirstIn.Equal(at("10:00:00")) || !e.LastSeen.Equal(at("10:06:40")) {
			t.Errorf("%v: unexpected bounds %v .. %v", order, e.FirstIn, e.LastSeen)
		}
	}

	// Shuffled sightings within the reorder window add up like the sorted ones
	rng := rand.New(rand.NewSource(7))
	times := make([]time.Time, 30)
	for i := range times {
		times[i] = at("11:00:00").Add(time.Duration(rng.Intn(800)) * time.Second)
	}
	sorted := NewLedger(testPolicy(), nil, nil, quietLogger)
	shuffled := NewLedger(testPolicy(), nil, nil, quietLogger)
	for _, i := range rng.Perm(len(times)) {
		shuffled.RecordSighting(ctx, "E1", "", 0, times[i])
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for _, ts := range times {
		sorted.RecordSighting(ctx, "E1", "", 0, ts)
	}
	want, _ := sorted.Get("E1", "2026-03-02")
	got, _ := shuffled.Get("E1", "2026-03-02")
	if got.TotalWorkSeconds != want.TotalWorkSeconds {
		t.Errorf("Shuffled order credited %v, sorted order %v", got.TotalWorkSeconds, want.TotalWorkSeconds)
	}
}

// Time before a restored entry's last sighting is already in its total.
func TestRecordSighting_LateAfterRestore(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(testPolicy(), nil, nil, quietLogger)
	l.Restore([]types.AttendanceEntry{
		{IdentityID: "E1", Date: "2026-03-02", FirstIn: at("08:40:00"), LastSeen: at("08:45:00"), TotalWorkSeconds: 300, Status: types.StatusPresent},
	})

	s := l.RecordSighting(ctx, "E1", "", 0, at("08:44:00"))
	if s.AddedSeconds != 0 || s.Entry.TotalWorkSeconds != 300 {
		t.Errorf("Expected no credit before the restored last sighting, got %+v", s)
	}
	s = l.RecordSighting(ctx, "E1", "", 0, at("08:46:00"))
	if s.Entry.TotalWorkSeconds != 360 {
		t.Errorf("Expected 360 work seconds, got %v", s.Entry.TotalWorkSeconds)
	}
}

func TestRecordSighting_NewDayIsNewEntry(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(testPolicy(), nil, nil, quietLogger)

	l.RecordSighting(ctx, "E1", "", 0, at("18:00:00"))
	next := at("08:30:00").Add(24 * time.Hour)
	s := l.RecordSighting(ctx, "E1", "", 0, next)
	if !s.Created || s.Entry.Date != "2026-03-03" {
		t.Errorf("Expected a new entry on the next day, got %+v", s)
	}
	if len(l.Snapshot("2026-03-02")) != 1 || len(l.Snapshot("2026-03-03")) != 1 {
		t.Error("Expected one entry per day")
	}
	if n := l.Prune("2026-03-03"); n != 1 {
		t.Errorf("Expected 1 pruned entry, got %d", n)
	}
}

// Concurrent sightings of one identity from many cameras converge on one entry
// without losing updates.
func TestRecordSighting_Concurrent(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	p := NewPersister(repo, quietLogger)
	l := NewLedger(testPolicy(), p, nil, quietLogger)

	base := at("08:00:00")
	l.RecordSighting(ctx, "E1", "", 0, base)

	const n = 200
	offsets := rand.New(rand.NewSource(1)).Perm(n)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for cam := 0; cam < 4; cam++ {
		wg.Add(1)
		go func(cam int) {
			defer wg.Done()
			for i := cam; i < n; i += 4 {
				s := l.RecordSighting(ctx, "E1", "", cam, base.Add(time.Duration(offsets[i]+1)*time.Second))
				if s.Created {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}
		}(cam)
	}
	wg.Wait()

	if created != 0 {
		t.Errorf("Expected no extra entries, %d sightings created one", created)
	}
	entries := l.Snapshot("2026-03-02")
	if len(entries) != 1 {
		t.Fatalf("Expected exactly one entry, got %d", len(entries))
	}
	e := entries[0]
	// Every step is 1s: late sightings are slotted in, so the total is n whatever the order
	if e.TotalWorkSeconds != n {
		t.Errorf("Expected %d work seconds, got %v", n, e.TotalWorkSeconds)
	}
	if !e.LastSeen.Equal(base.Add(n * time.Second)) {
		t.Errorf("Expected last seen %v, got %v", base.Add(n*time.Second), e.LastSeen)
	}

	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	stored, ok := repo.get("E1", "2026-03-02")
	if !ok || stored.TotalWorkSeconds != e.TotalWorkSeconds || !stored.LastSeen.Equal(e.LastSeen) {
		t.Errorf("Repository holds a stale entry: %+v", stored)
	}
}

func TestRecordSighting_ConcurrentFirstSighting(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(testPolicy(), nil, nil, quietLogger)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for cam := 0; cam < 8; cam++ {
		wg.Add(1)
		go func(cam int) {
			defer wg.Done()
			if l.RecordSighting(ctx, "E1", "", cam, at("08:55:00")).Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(cam)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("Expected exactly one creation, got %d", created)
	}
}

// Last-seen never decreases and work time never goes negative, whatever the order.
func TestRecordSighting_MonotonicLastSeen(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		l := NewLedger(testPolicy(), nil, nil, quietLogger)
		var prev time.Time
		for i := 0; i < 40; i++ {
			ts := at("07:00:00").Add(time.Duration(rng.Intn(4*3600)) * time.Second)
			s := l.RecordSighting(ctx, "E1", "", 0, ts)
			if s.Entry.LastSeen.Before(prev) {
				t.Fatalf("trial %d: last seen moved back from %v to %v", trial, prev, s.Entry.LastSeen)
			}
			if s.Entry.TotalWorkSeconds < 0 {
				t.Fatalf("trial %d: negative work time %v", trial, s.Entry.TotalWorkSeconds)
			}
			if s.Entry.LastSeen.Before(s.Entry.FirstIn) {
				t.Fatalf("trial %d: last seen before first in", trial)
			}
			prev = s.Entry.LastSeen
		}
	}
}

func TestRecordSighting_Throttle(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	l := NewLedger(testPolicy(), nil, notifier, quietLogger)

	steps := []struct {
		ts         string
		wantMarked bool
	}{
		{"08:50:00", true},
		{"08:51:00", false},
		{"08:54:59", false},
		{"08:55:00", true}, // 300s after the last mark
		{"08:56:00", false},
	}
	for _, s := range steps {
		got := l.RecordSighting(ctx, "E1", "Alice", 2, at(s.ts))
		if got.Marked != s.wantMarked {
			t.Errorf("%s: marked = %v, want %v", s.ts, got.Marked, s.wantMarked)
		}
	}

	// Accrual continues while throttled: 60 + 239 + 1 + 60
	e, _ := l.Get("E1", "2026-03-02")
	if e.TotalWorkSeconds != 360 {
		t.Errorf("Expected 360 work seconds, got %v", e.TotalWorkSeconds)
	}

	if len(notifier.events) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(notifier.events))
	}
	first := notifier.events[0]
	if !first.FirstSighting || first.Name != "Alice" || first.CameraID != 2 || first.ID.String() == "" {
		t.Errorf("Unexpected first event %+v", first)
	}
	if notifier.events[0].ID == notifier.events[1].ID {
		t.Error("Expected distinct event ids")
	}

	// Throttle is per identity
	if !l.RecordSighting(ctx, "E2", "Bob", 2, at("08:56:30")).Marked {
		t.Error("Another identity must not be throttled")
	}
}

func TestRestoreAndSnapshot(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(testPolicy(), nil, nil, quietLogger)

	restored := []types.AttendanceEntry{
		{IdentityID: "E1", Date: "2026-03-02", FirstIn: at("08:40:00"), LastSeen: at("08:45:00"), TotalWorkSeconds: 300, Status: types.StatusPresent},
		{IdentityID: "E2", Date: "2026-03-02", FirstIn: at("09:30:00"), LastSeen: at("09:30:00"), Status: types.StatusLate},
		{IdentityID: "", Date: "2026-03-02"},
	}
	if n := l.Restore(restored); n != 2 {
		t.Fatalf("Expected 2 restored entries, got %d", n)
	}

	// Continues the restored totals instead of starting over
	s := l.RecordSighting(ctx, "E1", "", 0, at("08:47:00"))
	if s.Created || s.Entry.TotalWorkSeconds != 420 {
		t.Errorf("Expected restored entry to accrue to 420, got %+v", s)
	}

	snap := l.Snapshot("2026-03-02")
	if len(snap) != 2 || snap[0].IdentityID != "E1" || snap[1].IdentityID != "E2" {
		t.Errorf("Unexpected snapshot order: %+v", snap)
	}
}

func TestPersister_RetainsOnFailure(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.fail = true
	p := NewPersister(repo, quietLogger)
	l := NewLedger(testPolicy(), p, nil, quietLogger)

	l.RecordSighting(ctx, "E1", "", 0, at("08:55:00"))
	l.RecordSighting(ctx, "E1", "", 0, at("08:58:00"))

	if err := p.Flush(ctx); err == nil {
		t.Fatal("Expected flush error while the backend is down")
	}
	if p.Pending() != 1 {
		t.Fatalf("Expected the entry to stay queued, pending=%d", p.Pending())
	}

	// In-memory state keeps accruing while offline
	l.RecordSighting(ctx, "E1", "", 0, at("09:00:00"))

	repo.fail = false
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush after recovery failed: %v", err)
	}
	stored, ok := repo.get("E1", "2026-03-02")
	if !ok || stored.TotalWorkSeconds != 300 {
		t.Errorf("Expected cumulative 300s persisted, got %+v", stored)
	}
	if p.Pending() != 0 {
		t.Errorf("Expected empty queue, got %d", p.Pending())
	}
}

func TestPersister_Coalesces(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	p := NewPersister(repo, quietLogger)
	l := NewLedger(testPolicy(), p, nil, quietLogger)

	for i := 0; i < 10; i++ {
		l.RecordSighting(ctx, "E1", "", 0, at("08:00:00").Add(time.Duration(i)*time.Second))
	}
	p.Enqueue(types.AttendanceEntry{IdentityID: "E1", Date: "2026-03-02"}, 1) // stale revision

	if err := p.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if repo.writes != 1 {
		t.Errorf("Expected 1 coalesced write, got %d", repo.writes)
	}
	if e, _ := repo.get("E1", "2026-03-02"); e.TotalWorkSeconds != 9 {
		t.Errorf("Expected newest revision (9s), got %+v", e)
	}
}

func TestPersister_Run(t *testing.T) {
	repo := newMemRepo()
	p := NewPersister(repo, quietLogger)
	p.RetryDelay = 10 * time.Millisecond
	l := NewLedger(testPolicy(), p, nil, quietLogger)

	repo.mu.Lock()
	repo.fail = true
	repo.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, time.Second)
		close(done)
	}()

	l.RecordSighting(context.Background(), "E1", "", 0, at("08:55:00"))
	time.Sleep(30 * time.Millisecond)

	repo.mu.Lock()
	repo.fail = false
	repo.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := repo.get("E1", "2026-03-02"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Persister did not retry the failed write")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestDeriveDaily(t *testing.T) {
	roster := []types.Identity{
		{ID: "E1", Name: "Alice"},
		{ID: "E2", Name: "Bob"},
		{ID: "E3", Name: "Carol"},
	}
	entries := []types.AttendanceEntry{
		{IdentityID: "E1", FirstIn: at("08:55:00"), LastSeen: at("12:55:00"), TotalWorkSeconds: 3 * 3600, Status: types.StatusPresent},
		{IdentityID: "E3", FirstIn: at("09:10:00"), LastSeen: at("09:10:00"), Status: types.StatusLate},
		{IdentityID: "X9", FirstIn: at("10:00:00"), LastSeen: at("10:01:00"), TotalWorkSeconds: 60, Status: types.StatusLate},
	}

	rows, sum := DeriveDaily(roster, entries)
	if len(rows) != 4 {
		t.Fatalf("Expected 4 rows, got %d", len(rows))
	}
	if rows[1].IdentityID != "E2" || rows[1].Status != types.StatusAbsent || !rows[1].FirstIn.IsZero() {
		t.Errorf("Expected Bob absent, got %+v", rows[1])
	}
	if rows[0].BreakSeconds != 3600 {
		t.Errorf("Expected 1h break for Alice, got %v", rows[0].BreakSeconds)
	}
	if rows[3].Name != "X9" {
		t.Errorf("Expected unknown identity to be listed by id, got %+v", rows[3])
	}
	want := Summary{Total: 4, Present: 3, Late: 2, Absent: 1}
	if sum != want {
		t.Errorf("Summary = %+v, want %+v", sum, want)
	}

	if late := FilterRows(rows, types.StatusLate); len(late) != 2 {
		t.Errorf("Expected 2 late rows, got %d", len(late))
	}
	if all := FilterRows(rows, ""); len(all) != 4 {
		t.Errorf("Expected empty filter to keep all rows")
	}
}
