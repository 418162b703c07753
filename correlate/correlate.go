// Package correlate tracks the open span of an in-flight RPC call between
// the point where the call is issued and the point where its result is
// retrieved, which usually happens in a different call frame.
//
// Handles are held weakly: if a call is abandoned and its handle becomes
// unreachable, the runtime drops the association so the table is never the
// reason a resolved call's resources stay alive.
package correlate

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"
	"weak"

	pq "github.com/JimWen/gods-generic/queues/priorityqueue"
	"github.com/JimWen/gods-generic/utils"
	"go.opentelemetry.io/otel/trace"
)

// An Association is the pair registered for one in-flight call: the
// context the span was activated under and the span itself. The caller
// that retrieves it is responsible for ending the span.
type Association struct {
	Ctx  context.Context
	Span trace.Span
}

type entry struct {
	assoc    Association
	deadline int64
}

type expiry[H any] struct {
	key      weak.Pointer[H]
	deadline int64
}

type options struct {
	ttl time.Duration
}

// Option configures a Table.
type Option func(*options)

// WithTTL discards associations that have not been closed within d.
// Expired entries are swept opportunistically on Open and Close; there is
// no background goroutine. A zero duration disables the sweep.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

// A Table maps call handles to their open Association. Handles are
// compared by identity and referenced weakly. All methods are safe for
// concurrent use.
type Table[H any] struct {
	mu      sync.Mutex
	entries map[weak.Pointer[H]]entry
	ttl     time.Duration
	queue   *pq.Queue[expiry[H]]
}

// NewTable returns an empty Table for handles of type *H.
func NewTable[H any](opts ...Option) *Table[H] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Table[H]{
		entries: make(map[weak.Pointer[H]]entry),
		ttl:     o.ttl,
	}
	if t.ttl > 0 {
		t.queue = pq.NewWith(func(a, b expiry[H]) int {
			return utils.NumberComparator(a.deadline, b.deadline)
		})
	}
	return t
}

// Open registers the association for h. The span must already be started
// and activated by the caller; Open only records it. Opening a handle
// that already has a live association indicates a lifecycle bug upstream:
// the previous association is overwritten with a warning rather than
// failing the call.
func (t *Table[H]) Open(h *H, ctx context.Context, span trace.Span) {
	k := weak.Make(h)

	t.mu.Lock()
	t.sweepLocked(time.Now())
	if _, ok := t.entries[k]; ok {
		log.Printf("[WARN] correlate: handle already has an open association; overwriting")
	}
	e := entry{assoc: Association{Ctx: ctx, Span: span}}
	if t.ttl > 0 {
		e.deadline = time.Now().Add(t.ttl).UnixNano()
		t.queue.Enqueue(expiry[H]{key: k, deadline: e.deadline})
	}
	t.entries[k] = e
	t.mu.Unlock()

	runtime.AddCleanup(h, func(k weak.Pointer[H]) { t.discard(k) }, k)
}

// Close looks up and removes the association for h. The second return is
// false when no association exists; callers decide whether that is worth
// a diagnostic, it is never fatal here.
func (t *Table[H]) Close(h *H) (Association, bool) {
	k := weak.Make(h)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(time.Now())
	e, ok := t.entries[k]
	if !ok {
		return Association{}, false
	}
	delete(t.entries, k)
	return e.assoc, true
}

// Len reports the number of live associations.
func (t *Table[H]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// discard is the runtime cleanup path for handles that became
// unreachable before Close.
func (t *Table[H]) discard(k weak.Pointer[H]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, k)
}

// sweepLocked drops entries whose deadline has passed. Requires mu.
func (t *Table[H]) sweepLocked(now time.Time) {
	if t.queue == nil {
		return
	}

	n := now.UnixNano()
	for {
		head, ok := t.queue.Peek()
		if !ok || head.deadline > n {
			return
		}
		t.queue.Dequeue()

		// An entry is only expired if it still carries the deadline
		// this queue item was enqueued with; a re-Open supersedes it.
		if e, ok := t.entries[head.key]; ok && e.deadline == head.deadline {
			delete(t.entries, head.key)
			log.Printf("[WARN] correlate: association expired before the call resolved")
		}
	}
}
