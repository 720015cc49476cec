package defrag

import (
	"container/list"
	"sync"
	"time"

	"github.com/wine-lab/ovs-tsn/internal/log"
	"github.com/wine-lab/ovs-tsn/internal/metrics"
)

// Queue state bits. firstIn and lastIn track whether the boundary
// fragments have arrived; complete is terminal and set exactly once,
// either on successful gluing or on any kill path; evicted
// distinguishes memory-pressure kills so they never emit a timeout
// notification.
const (
	flagFirstIn = 1 << iota
	flagLastIn
	flagComplete
	flagEvicted
)

// fragOverhead approximates the per-fragment bookkeeping cost charged
// against the memory budget on top of the payload bytes, standing in
// for the original's skb truesize overhead.
const fragOverhead = 64

// fragmentRec is one held piece of the datagram body. The records of a
// queue are kept sorted by offset with no two records at the same
// offset.
type fragmentRec struct {
	offset    int
	payload   []byte
	csumValid bool
}

func (r *fragmentRec) end() int { return r.offset + len(r.payload) }

// queue accumulates the fragments of one in-flight datagram. The mutex
// serializes insert, glue, expiry and eviction for this queue;
// whichever side observes the complete flag first short-circuits.
type queue struct {
	mu sync.Mutex

	key    Key
	frags  []*fragmentRec
	header []byte // offset-zero fragment's header, reassembly template

	totalLen    int // expected body length, known once lastIn is set
	receivedLen int // sum of unique byte ranges currently held
	flags       uint8
	ecn         uint8 // union of observed ECN codepoint bits

	maxFragSize   int // largest fragment seen, header included
	maxDFFragSize int // largest fragment seen carrying DF

	iif  int
	peer *peer
	rid  uint32 // peer counter snapshot for the too-far spread

	charged int64 // bytes counted against the global memory budget
	timer   *time.Timer
	elem    *list.Element // position in the table's recency list
}

func (q *queue) dead() bool { return q.flags&flagComplete != 0 }

// kill marks the queue terminally complete, stops its timer and drops
// it from the index. Held fragment memory is not released here; the
// caller decides whether the records move to an output datagram or are
// freed. Callers hold q.mu.
func (d *Defragmenter) kill(q *queue) {
	if q.dead() {
		return
	}
	q.flags |= flagComplete
	q.timer.Stop()
	d.mu.Lock()
	d.unindexLocked(q)
	d.mu.Unlock()
}

// releaseFragments frees every held record and refunds the queue's
// memory charge. Callers hold q.mu.
func (d *Defragmenter) releaseFragments(q *queue) {
	q.frags = nil
	q.header = nil
	q.receivedLen = 0
	d.mem.Add(-q.charged)
	metrics.DefragMemoryBytes.Sub(float64(q.charged))
	q.charged = 0
}

// reinit resets a compromised queue to its empty state so an unrelated
// reassembly attempt can start over in place. It succeeds only if the
// expiry timer had not begun firing: Stop reporting false means the
// expiry callback already owns the queue's fate, and resetting state
// under it would resurrect a dying queue. Callers hold q.mu.
func (d *Defragmenter) reinit(q *queue) bool {
	if !q.timer.Stop() {
		return false
	}
	q.timer.Reset(d.cfg.Timeout)

	d.releaseFragments(q)
	q.flags = 0
	q.totalLen = 0
	q.maxFragSize = 0
	q.maxDFFragSize = 0
	q.iif = 0
	q.ecn = 0
	return true
}

// evictQueue force-kills a queue under memory pressure. No notification
// is emitted for evicted queues.
func (d *Defragmenter) evictQueue(q *queue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dead() {
		return
	}
	q.flags |= flagEvicted
	d.kill(q)
	d.releaseFragments(q)
	metrics.DefragEvictions.Inc()
	metrics.DefragFailures.WithLabelValues("evicted").Inc()
}

// onExpire is the timer callback: the queue took too long to complete.
// The queue is killed and, when the first fragment arrived and the
// sender is reachable, a timeout notification is emitted.
func (d *Defragmenter) onExpire(q *queue) {
	q.mu.Lock()
	if q.dead() {
		q.mu.Unlock()
		return
	}

	var ev *TimeoutEvent
	if q.flags&flagEvicted == 0 && q.flags&flagFirstIn != 0 && len(q.frags) > 0 {
		ev = q.timeoutEvent()
	}
	d.kill(q)
	d.releaseFragments(q)
	q.mu.Unlock()

	metrics.DefragTimeouts.Inc()
	metrics.DefragFailures.WithLabelValues("timeout").Inc()
	log.GetLogger().WithField("key", q.key.String()).Debug("reassembly queue expired")

	if ev != nil {
		d.notifyTimeout(q.key, ev)
	}
}

// timeoutEvent snapshots the first fragment's metadata before the
// records are freed. ICMP time exceeded wants the original header plus
// the first eight payload bytes. Callers hold q.mu.
func (q *queue) timeoutEvent() *TimeoutEvent {
	first := q.frags[0]
	if first.offset != 0 || len(q.header) == 0 {
		return nil
	}
	hdr := make([]byte, len(q.header))
	copy(hdr, q.header)
	n := len(first.payload)
	if n > 8 {
		n = 8
	}
	sample := make([]byte, n)
	copy(sample, first.payload[:n])
	return &TimeoutEvent{
		Key:    q.key,
		Header: hdr,
		Sample: sample,
		TOS:    hdr[1],
		Iif:    q.iif,
	}
}

// notifyTimeout applies the eligibility rules: passive contexts never
// signal the sender, the arrival device must still exist, and only the
// authoritative destination host sends a reassembly timeout.
func (d *Defragmenter) notifyTimeout(key Key, ev *TimeoutEvent) {
	if d.cfg.Notifier == nil || key.User.Passive() {
		return
	}
	logger := log.GetLogger().WithField("key", key.String())
	r := d.cfg.Resolver
	if r == nil {
		return
	}
	if err := r.ResolveDevice(ev.Iif); err != nil {
		metrics.DefragNotifyDrops.WithLabelValues("device").Inc()
		logger.WithError(err).Debug("timeout notification dropped")
		return
	}
	rt, err := r.Route(key.Dst, key.Src, ev.TOS, key.VIF)
	if err != nil {
		metrics.DefragNotifyDrops.WithLabelValues("route").Inc()
		logger.WithError(err).Debug("timeout notification dropped")
		return
	}
	if rt != RouteLocal {
		metrics.DefragNotifyDrops.WithLabelValues("not-local").Inc()
		return
	}
	metrics.DefragNotifications.Inc()
	d.cfg.Notifier.ReassemblyTimeout(*ev)
}
