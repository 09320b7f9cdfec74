// Package table tracks in-flight query transactions in a fixed size slot
// table. The table bounds memory and the upstream connection fan-out: when
// every slot is busy new queries are shed at the door, and a periodic sweep
// reclaims transactions whose resolver never answered.
package table

import (
	"net"
	"sync"
	"time"

	"github.com/treemana/godut/log"
)

const (
	DefaultCapacity = 512
	DefaultTimeout  = 10 * time.Second
)

// State of a transaction slot.
type State uint8

const (
	// StateFree slot owns nothing and can be acquired
	StateFree State = iota
	// StateConnecting upstream connection being established, query not
	// fully written yet
	StateConnecting
	// StateReceiving query written, waiting for the framed answer
	StateReceiving
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateConnecting:
		return "connecting"
	case StateReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Handle identifies one acquired transaction. The serial number makes a
// handle single use: after the slot has been released, by its owner or by
// the sweeper, every operation through the old handle is a no-op even when
// the slot already hosts a new transaction.
type Handle struct {
	slot int
	sn   uint64
}

// Slot returns the table index, stable for the transaction lifetime.
func (h Handle) Slot() int {
	return h.slot
}

// SN returns the serial number the transaction was acquired with.
func (h Handle) SN() uint64 {
	return h.sn
}

type record struct {
	state     State
	sn        uint64
	client    *net.UDPAddr
	createdAt time.Time
	conn      net.Conn
}

type Table struct {
	mu      sync.Mutex
	slots   []record
	active  int
	timeout time.Duration
}

// New returns a table with capacity pre-allocated slots. Transactions older
// than timeout are reclaimed by Sweep. Zero or negative arguments fall back
// to the defaults.
func New(capacity int, timeout time.Duration) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Table{
		slots:   make([]record, capacity),
		timeout: timeout,
	}
}

// Acquire reserves the lowest free slot for a query from client, stamped
// with the caller supplied serial number. Serial numbers must never repeat;
// they are what keeps stale handles inert. The second return is false when
// every slot is busy and the caller must shed the query.
func (t *Table) Acquire(sn uint64, client *net.UDPAddr, now time.Time) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].state != StateFree {
			continue
		}

		t.slots[i] = record{
			state:     StateConnecting,
			sn:        sn,
			client:    client,
			createdAt: now,
		}
		t.active++

		return Handle{slot: i, sn: sn}, true
	}

	return Handle{}, false
}

// Attach hands ownership of the upstream conn to the transaction; from here
// on releasing the slot closes the conn. When the handle is stale, swept
// while the dial was in flight, Attach reports false and the caller must
// close the conn itself.
func (t *Table) Attach(h Handle, conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(h)
	if r == nil {
		return false
	}

	r.conn = conn
	return true
}

// MarkReceiving moves the transaction from connecting to receiving once the
// query has been fully written upstream. False means the handle went stale.
func (t *Table) MarkReceiving(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(h)
	if r == nil || r.state != StateConnecting {
		return false
	}

	r.state = StateReceiving
	return true
}

// State returns the current state of the handle's slot, StateFree when the
// handle is stale.
func (t *Table) State(h Handle) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(h)
	if r == nil {
		return StateFree
	}

	return r.state
}

// Release frees the slot and closes the owned upstream conn. It reports
// whether this call performed the release; a repeated call, or a call with
// a handle the sweeper already retired, is a no-op. Forward the answer only
// when Release returns true, that is what keeps every query answered at
// most once.
func (t *Table) Release(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(h)
	if r == nil {
		return false
	}

	t.free(r)
	return true
}

// Sweep releases every transaction created more than the table timeout
// before now and returns how many it reclaimed. Closing the conn also
// unblocks whatever I/O the transaction owner still has in flight.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	deadline := now.Add(-t.timeout)
	for i := range t.slots {
		r := &t.slots[i]
		if r.state == StateFree || !r.createdAt.Before(deadline) {
			continue
		}

		log.Sugar.Warnf("sn=%d, removing stale %s transaction for %s after %s", r.sn, r.state, r.client, now.Sub(r.createdAt).Round(time.Millisecond))
		t.free(r)
		n++
	}

	return n
}

// ReleaseAll frees every busy slot, used on shutdown.
func (t *Table) ReleaseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	for i := range t.slots {
		if t.slots[i].state == StateFree {
			continue
		}

		t.free(&t.slots[i])
		n++
	}

	return n
}

// Active returns the number of busy slots.
func (t *Table) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.active
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Timeout returns the stale transaction age, which doubles as the per
// transaction I/O budget.
func (t *Table) Timeout() time.Duration {
	return t.timeout
}

// get resolves a handle to its record, nil when the handle is stale. Callers
// hold t.mu.
func (t *Table) get(h Handle) *record {
	if h.slot < 0 || h.slot >= len(t.slots) {
		return nil
	}

	r := &t.slots[h.slot]
	if r.state == StateFree || r.sn != h.sn {
		return nil
	}

	return r
}

// free resets the record and closes its conn. Callers hold t.mu.
func (t *Table) free(r *record) {
	if r.conn != nil {
		_ = r.conn.Close()
	}

	*r = record{}
	t.active--
}
