package defrag

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// peer is the shared reassembly-attempt counter for one source within
// one routing domain. Every insertion attempt from that source bumps
// the counter; a queue whose snapshot has fallen too far behind was
// interleaved with unrelated reassembly attempts and is treated as an
// attack signature.
type peer struct {
	rid atomic.Uint32
}

type peerKey struct {
	src netip.Addr
	vif int
}

// peerTracker hands out the per-source counters. Entries are reclaimed
// wholesale once the table grows past maxPeers; the counters are a
// heuristic, losing history on reset only delays a detection.
type peerTracker struct {
	mu    sync.Mutex
	peers map[peerKey]*peer
}

const maxPeers = 1 << 16

func newPeerTracker() *peerTracker {
	return &peerTracker{peers: make(map[peerKey]*peer)}
}

func (t *peerTracker) get(src netip.Addr, vif int) *peer {
	k := peerKey{src: src, vif: vif}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[k]; ok {
		return p
	}
	if len(t.peers) >= maxPeers {
		t.peers = make(map[peerKey]*peer)
	}
	p := &peer{}
	t.peers[k] = p
	return p
}

// tooFar advances the queue's peer counter and reports whether the
// spread since the queue last saw it exceeds the configured maximum.
// An empty queue is never too far: the spread only matters once held
// fragments could be corrupted by interleaving. Unsigned subtraction
// keeps the comparison correct across counter wraparound. Callers hold
// q.mu.
func (d *Defragmenter) tooFar(q *queue) bool {
	if q.peer == nil || d.cfg.MaxSpread <= 0 {
		return false
	}
	start := q.rid
	end := q.peer.rid.Add(1)
	q.rid = end
	return len(q.frags) > 0 && end-start > uint32(d.cfg.MaxSpread)
}
