// Package queue implements the durable offline write queue: an
// order-preserving, at-most-once replay buffer for mutations that
// failed due to connectivity.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bakeline/batch-sync/internal/remote"
	"github.com/bakeline/batch-sync/internal/state"
	"github.com/oklog/ulid/v2"
)

// Kind is the verb of a queued write operation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindUpsert Kind = "upsert"
	KindDelete Kind = "delete"
)

// Operation is a single remote write, recorded exactly as it would have
// been dispatched. Payload is nil for deletes; Match is nil for inserts
// and upserts.
type Operation struct {
	Kind    Kind           `json:"kind"`
	Table   string         `json:"table"`
	Payload map[string]any `json:"payload,omitempty"`
	Match   map[string]any `json:"match,omitempty"`
}

// Entry is a queued operation. The ULID embeds the enqueue timestamp
// but only uniqueness is relied on; queue order is structural.
type Entry struct {
	ID       string    `json:"id"`
	Op       Operation `json:"op"`
	QueuedAt time.Time `json:"queued_at"`
}

// Dispatcher sends a single operation to the remote store. *remote.Store
// satisfies this interface.
type Dispatcher interface {
	Insert(ctx context.Context, table string, payload map[string]any) error
	Update(ctx context.Context, table string, payload, match map[string]any) error
	Upsert(ctx context.Context, table string, payload map[string]any) error
	Delete(ctx context.Context, table string, match map[string]any) error
}

// Queue owns the enqueue/flush lifecycle for pending writes. The
// in-memory entry list is authoritative for the session and mirrored to
// the state store after every change; a persistence failure degrades to
// in-memory-only operation rather than failing the caller.
type Queue struct {
	store  *state.Store
	remote Dispatcher
	logger *slog.Logger

	mu       sync.Mutex
	entries  []Entry
	flushing bool
}

// New creates a queue backed by the given state store, loading any
// entries persisted by a previous session.
func New(store *state.Store, dispatcher Dispatcher, logger *slog.Logger) *Queue {
	q := &Queue{
		store:  store,
		remote: dispatcher,
		logger: logger,
	}

	raw, err := store.QueueEntries()
	if err != nil {
		logger.Warn("loading persisted queue failed, starting empty",
			slog.String("error", err.Error()))

		return q
	}

	for _, data := range raw {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			// A corrupt entry cannot be replayed; dropping it is the
			// only option that keeps the rest of the queue usable.
			logger.Warn("dropping corrupt queue entry", slog.String("error", err.Error()))

			continue
		}

		q.entries = append(q.entries, e)
	}

	return q
}

// Enqueue appends an operation to the queue and persists it. It never
// dispatches; the caller has already failed the interactive attempt.
// There is no dedup: repeated failures of the same logical write queue
// repeated entries.
func (q *Queue) Enqueue(op Operation) Entry {
	entry := Entry{
		ID:       ulid.Make().String(),
		Op:       op,
		QueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		q.logger.Error("marshalling queue entry", slog.String("error", err.Error()))

		return entry
	}

	if err := q.store.AppendQueue(data); err != nil {
		q.logger.Warn("persisting queue entry failed, keeping in memory only",
			slog.String("id", entry.ID),
			slog.String("error", err.Error()))
	}

	q.logger.Debug("queued offline write",
		slog.String("id", entry.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("table", op.Table))

	return entry
}

// Flush replays queued operations oldest-first. A network failure stops
// the pass and retains the failing entry plus everything after it, in
// order. A server rejection drops the entry and continues. Flush never
// returns an error; it is safe to call speculatively from the poll
// timer, reconnect handler, and manual retry. Returns the number of
// entries successfully applied.
//
// A second Flush while one is in progress is a no-op returning 0: replay
// must stay strictly sequential.
func (q *Queue) Flush(ctx context.Context) int {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()

		return 0
	}

	q.flushing = true
	snapshot := make([]Entry, len(q.entries))
	copy(snapshot, q.entries)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	if len(snapshot) == 0 {
		return 0
	}

	flushed := 0
	remainder := snapshot

	for i, entry := range snapshot {
		err := q.dispatch(ctx, entry.Op)
		if err == nil {
			flushed++
			remainder = snapshot[i+1:]

			continue
		}

		if remote.IsRejection(err) {
			// The server saw this write and refused it; retrying would
			// hammer it with the same rejected payload forever.
			q.logger.Warn("dropping rejected queue entry",
				slog.String("id", entry.ID),
				slog.String("kind", string(entry.Op.Kind)),
				slog.String("table", entry.Op.Table),
				slog.String("error", err.Error()))

			remainder = snapshot[i+1:]

			continue
		}

		// Network failure, or anything unclassifiable treated
		// conservatively as one: stop and keep this entry plus the
		// rest. Later entries may depend on earlier state, so nothing
		// is allowed to jump the line.
		if !remote.IsNetworkError(err) {
			q.logger.Warn("unclassified flush error, treating as connectivity failure",
				slog.String("id", entry.ID),
				slog.String("error", err.Error()))
		} else {
			q.logger.Debug("flush halted by connectivity failure",
				slog.String("id", entry.ID),
				slog.Int("remaining", len(snapshot)-i))
		}

		remainder = snapshot[i:]

		break
	}

	q.mu.Lock()
	// Entries enqueued while the flush was running sit after the
	// snapshot; keep them behind the retained remainder.
	tail := q.entries[len(snapshot):]
	q.entries = append(append([]Entry(nil), remainder...), tail...)
	q.persistLocked()
	q.mu.Unlock()

	if flushed > 0 {
		q.logger.Info("flushed offline writes", slog.Int("count", flushed))
	}

	return flushed
}

// PendingCount returns the current queue length. Read-only; it never
// triggers a flush.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Entries returns a copy of the queued entries, oldest first.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	copy(out, q.entries)

	return out
}

func (q *Queue) dispatch(ctx context.Context, op Operation) error {
	switch op.Kind {
	case KindInsert:
		return q.remote.Insert(ctx, op.Table, op.Payload)
	case KindUpdate:
		return q.remote.Update(ctx, op.Table, op.Payload, op.Match)
	case KindUpsert:
		return q.remote.Upsert(ctx, op.Table, op.Payload)
	case KindDelete:
		return q.remote.Delete(ctx, op.Table, op.Match)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// persistLocked mirrors the in-memory queue to the state store,
// replacing it wholesale. Callers hold q.mu.
func (q *Queue) persistLocked() {
	raw := make([][]byte, 0, len(q.entries))

	for _, e := range q.entries {
		data, err := json.Marshal(e)
		if err != nil {
			q.logger.Error("marshalling queue entry", slog.String("error", err.Error()))

			continue
		}

		raw = append(raw, data)
	}

	if err := q.store.ReplaceQueue(raw); err != nil {
		q.logger.Warn("persisting queue failed, continuing in memory",
			slog.String("error", err.Error()))
	}
}
