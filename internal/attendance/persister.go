package attendance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Repository stores attendance entries. UpsertAttendance must be idempotent per
// (identity, date): the entry always carries cumulative totals.
type Repository interface {
	UpsertAttendance(ctx context.Context, entry types.AttendanceEntry) error
}

type pending struct {
	entry types.AttendanceEntry
	rev   uint64
}

// Persister is the single writer between the ledger and the repository.
//
// Writes are coalesced per (identity, date): only the newest revision of an entry is
// sent. A failed write stays queued and is retried after RetryDelay.
type Persister struct {
	repo       Repository
	logger     *slog.Logger
	RetryDelay time.Duration

	mu    sync.Mutex
	queue map[key]pending
	wake  chan struct{}

	writeMu sync.Mutex
}

func NewPersister(repo Repository, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		repo:       repo,
		logger:     logger,
		RetryDelay: 5 * time.Second,
		queue:      make(map[key]pending),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue schedules entry for writing. Older revisions of the same key are replaced.
func (p *Persister) Enqueue(entry types.AttendanceEntry, rev uint64) {
	k := key{entry.IdentityID, entry.Date}
	p.mu.Lock()
	if cur, ok := p.queue[k]; !ok || rev > cur.rev {
		p.queue[k] = pending{entry: entry, rev: rev}
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of entries waiting to be written.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run writes queued entries until ctx is cancelled, then makes a last attempt
// bounded by drainTimeout.
func (p *Persister) Run(ctx context.Context, drainTimeout time.Duration) {
	retry := time.NewTimer(p.RetryDelay)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			if err := p.Flush(drainCtx); err != nil {
				p.logger.Error("attendance entries not persisted at shutdown",
					"pending", p.Pending(), "error", err)
			}
			cancel()
			return
		case <-p.wake:
		case <-retry.C:
		}

		if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("attendance write failed, will retry",
				"pending", p.Pending(),
				"retry_in", p.RetryDelay,
				"error", err,
			)
			retry.Reset(p.RetryDelay)
		}
	}
}

// Flush writes everything queued right now. Entries that fail stay queued.
// It returns the joined write errors.
func (p *Persister) Flush(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	batch := p.queue
	p.queue = make(map[key]pending, len(batch))
	p.mu.Unlock()

	var errs []error
	for k, item := range batch {
		if err := ctx.Err(); err != nil {
			p.requeue(k, item)
			errs = append(errs, err)
			continue
		}
		if err := p.repo.UpsertAttendance(ctx, item.entry); err != nil {
			p.requeue(k, item)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// requeue puts a failed item back unless a newer revision arrived meanwhile.
func (p *Persister) requeue(k key, item pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.queue[k]; ok && cur.rev >= item.rev {
		return
	}
	p.queue[k] = item
}
