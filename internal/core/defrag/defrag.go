// Package defrag implements IPv4 fragment reassembly for the datapath.
//
// Fragments of one datagram are collected in a per-key queue until the
// byte range [0, totalLen) is covered exactly once, then glued into a
// contiguous datagram with total length, ECN, DF bit and header
// checksum recomputed. The engine is built to survive adversarial
// input: overlaps resolve deterministically, conflicting length claims
// kill the queue, total fragment memory is bounded by watermark-driven
// eviction, stale queues expire on a timer, and interleaved reassembly
// attempts from one source trip the too-far heuristic.
package defrag

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wine-lab/ovs-tsn/internal/core"
	"github.com/wine-lab/ovs-tsn/internal/log"
	"github.com/wine-lab/ovs-tsn/internal/metrics"
)

// Defaults mirror the kernel's ipfrag sysctls.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultHighThreshold = 4 << 20
	DefaultLowThreshold  = 3 << 20
	DefaultMaxSpread     = 64

	// maxDatagramSize is the protocol ceiling on a reassembled packet,
	// header included.
	maxDatagramSize = 65535
)

// Config carries the knobs the engine consumes. The zero value of each
// field selects its default; Resolver and Notifier may stay nil, which
// disables timeout notifications.
type Config struct {
	// Timeout bounds how long an incomplete queue may live.
	Timeout time.Duration
	// HighThreshold is the charged-memory level that triggers eviction;
	// LowThreshold is the level eviction drains down to.
	HighThreshold int64
	LowThreshold  int64
	// MaxSpread is the largest tolerated spread of per-source
	// reassembly ids before a queue counts as compromised. Zero keeps
	// the default; negative disables the heuristic.
	MaxSpread int

	Resolver RouteResolver
	Notifier TimeoutNotifier
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = DefaultHighThreshold
	}
	if c.LowThreshold <= 0 {
		c.LowThreshold = DefaultLowThreshold
	}
	if c.LowThreshold > c.HighThreshold {
		c.LowThreshold = c.HighThreshold
	}
	if c.MaxSpread == 0 {
		c.MaxSpread = DefaultMaxSpread
	} else if c.MaxSpread < 0 {
		c.MaxSpread = 0
	}
	return c
}

// Defragmenter owns every in-flight reassembly queue of one datapath
// context. Construct one per network context with New; there is no
// process-wide instance.
//
// Locking: the table mutex guards the index map and the recency list,
// each queue's mutex serializes work on that queue. A goroutine may
// take the table mutex while holding a queue mutex, never the other
// way around; eviction therefore unindexes its victim under the table
// mutex first and locks it afterwards.
type Defragmenter struct {
	mu     sync.Mutex
	queues map[Key]*queue
	lru    *list.List // *queue, front = most recently mutated
	closed bool

	// mem is a threshold signal only, so it lives outside the locks.
	mem atomic.Int64

	cfg   Config
	peers *peerTracker
}

// New builds a Defragmenter with cfg applied over defaults.
func New(cfg Config) *Defragmenter {
	return &Defragmenter{
		queues: make(map[Key]*queue),
		lru:    list.New(),
		cfg:    cfg.withDefaults(),
		peers:  newPeerTracker(),
	}
}

// Process feeds one fragment into the engine and returns the completed
// datagram, (nil, nil) while more fragments are needed, or a rejection
// wrapping one of the core sentinel errors. Ownership of the
// fragment's header and payload transfers to the engine on every path.
func (d *Defragmenter) Process(f *Fragment) (*Datagram, error) {
	metrics.DefragRequests.Inc()

	d.evict()

	q, err := d.findOrCreate(f)
	if err != nil {
		metrics.DefragFailures.WithLabelValues("no-queue").Inc()
		return nil, err
	}

	q.mu.Lock()
	dg, err := d.insert(q, f)
	q.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if dg != nil {
		metrics.DefragReassembled.Inc()
	}
	return dg, nil
}

// findOrCreate resolves the fragment's key to its queue, creating and
// indexing a fresh one when none exists. Creation happens under the
// table mutex, so two racing callers of the same key settle on one
// queue. A new queue is refused outright while memory is still above
// the high watermark after eviction: at that point every remaining
// byte belongs to queues that are themselves still live.
func (d *Defragmenter) findOrCreate(f *Fragment) (*queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, core.ErrDefragClosed
	}
	if q, ok := d.queues[f.Key]; ok {
		return q, nil
	}
	if d.mem.Load() > d.cfg.HighThreshold {
		return nil, core.ErrOutOfMemory
	}

	q := &queue{key: f.Key}
	if d.cfg.MaxSpread > 0 {
		q.peer = d.peers.get(f.Key.Src, f.Key.VIF)
		q.rid = q.peer.rid.Load()
	}
	q.timer = time.AfterFunc(d.cfg.Timeout, func() { d.onExpire(q) })
	d.queues[f.Key] = q
	q.elem = d.lru.PushFront(q)
	metrics.DefragActiveQueues.Inc()
	return q, nil
}

// unindexLocked drops a queue from the map and the recency list. It is
// idempotent; insert, expiry and eviction can each race to be first.
// Callers hold d.mu.
func (d *Defragmenter) unindexLocked(q *queue) {
	if _, ok := d.queues[q.key]; !ok || q.elem == nil {
		return
	}
	delete(d.queues, q.key)
	d.lru.Remove(q.elem)
	q.elem = nil
	metrics.DefragActiveQueues.Dec()
}

// touch refreshes a queue's recency after a mutating insert that left
// it pending.
func (d *Defragmenter) touch(q *queue) {
	d.mu.Lock()
	if q.elem != nil {
		d.lru.MoveToFront(q.elem)
	}
	d.mu.Unlock()
}

// evict reclaims the oldest queues while charged memory sits above the
// high watermark, draining to the low watermark. Victims are unindexed
// under the table mutex and killed afterwards, so an insert already
// inside a victim finishes first and the kill short-circuits if that
// insert completed the datagram.
func (d *Defragmenter) evict() {
	if d.mem.Load() <= d.cfg.HighThreshold {
		return
	}
	for d.mem.Load() > d.cfg.LowThreshold {
		d.mu.Lock()
		back := d.lru.Back()
		if back == nil {
			d.mu.Unlock()
			return
		}
		q := back.Value.(*queue)
		d.unindexLocked(q)
		d.mu.Unlock()

		d.evictQueue(q)
	}
}

// MemoryCharged reports the bytes currently counted against the
// memory budget.
func (d *Defragmenter) MemoryCharged() int64 { return d.mem.Load() }

// ActiveQueues reports the number of indexed in-flight queues.
func (d *Defragmenter) ActiveQueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close tears the context down: every in-flight queue is killed and
// its memory refunded. Subsequent Process calls fail with
// core.ErrDefragClosed.
func (d *Defragmenter) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	victims := make([]*queue, 0, len(d.queues))
	for _, q := range d.queues {
		victims = append(victims, q)
	}
	d.mu.Unlock()

	for _, q := range victims {
		d.evictQueue(q)
	}
	log.GetLogger().WithField("queues", len(victims)).Debug("defragmenter closed")
}
