package defrag

import (
	"slices"
	"sort"

	"github.com/wine-lab/ovs-tsn/internal/core"
	"github.com/wine-lab/ovs-tsn/internal/metrics"
)

// charge adjusts the queue's share of the global memory budget; n may
// be negative. Callers hold q.mu.
func (q *queue) charge(d *Defragmenter, n int) {
	q.charged += int64(n)
	d.mem.Add(int64(n))
	metrics.DefragMemoryBytes.Add(float64(n))
}

// insert merges one fragment into the queue, resolving overlaps and
// duplicates, and glues the datagram when the last hole closes.
// Returns the datagram on completion, (nil, nil) while pending, or a
// rejection. Rejections leave the queue alive except where noted: a
// failed too-far reinit and conflicting length declarations kill it.
// Callers hold q.mu.
func (d *Defragmenter) insert(q *queue, f *Fragment) (*Datagram, error) {
	if q.dead() {
		metrics.DefragFailures.WithLabelValues("complete").Inc()
		return nil, core.ErrAlreadyComplete
	}

	if !f.Refragmented && d.tooFar(q) {
		if !d.reinit(q) {
			d.kill(q)
			d.releaseFragments(q)
			metrics.DefragFailures.WithLabelValues("too-far").Inc()
			return nil, core.ErrTooFarSpread
		}
	}

	offset := f.Offset
	end := offset + len(f.Payload)
	payload := f.Payload
	csum := f.ChecksumValid

	if !f.MoreFragments {
		// Final fragment: it pins the datagram's total length. Bytes
		// already held beyond that end, or a second final fragment
		// disagreeing about it, mean someone is lying about the
		// length; no datagram may ever come out of this key.
		if end < q.totalLen || (q.flags&flagLastIn != 0 && end != q.totalLen) {
			d.kill(q)
			d.releaseFragments(q)
			metrics.DefragFailures.WithLabelValues("conflicting-length").Inc()
			return nil, core.ErrConflictingLength
		}
		q.flags |= flagLastIn
		q.totalLen = end
	} else {
		if end&7 != 0 {
			// Non-final fragments must end on an 8-byte boundary;
			// trailing partial bytes are dropped and the transport
			// checksum over this fragment can no longer be trusted.
			end &^= 7
			csum = false
		}
		if end > q.totalLen {
			if q.flags&flagLastIn != 0 {
				d.kill(q)
				d.releaseFragments(q)
				metrics.DefragFailures.WithLabelValues("conflicting-length").Inc()
				return nil, core.ErrConflictingLength
			}
			q.totalLen = end
		}
	}

	if end == offset {
		metrics.DefragFailures.WithLabelValues("zero-length").Inc()
		return nil, core.ErrZeroLengthFragment
	}
	payload = payload[:end-offset]

	// The list is offset-sorted with unique offsets, so the insertion
	// point is the first record at or past this fragment's offset.
	idx := sort.Search(len(q.frags), func(i int) bool {
		return q.frags[i].offset >= offset
	})

	// A predecessor reaching past our start wins the overlap: drop the
	// overlapped prefix of the new fragment. A fragment its predecessor
	// swallows whole carries nothing new.
	if idx > 0 {
		if pe := q.frags[idx-1].end(); pe > offset {
			adv := pe - offset
			if end <= offset+adv {
				metrics.DefragFailures.WithLabelValues("trim").Inc()
				return nil, core.ErrChecksumOrTrim
			}
			offset += adv
			payload = payload[adv:]
			csum = false
		}
	}

	// Successors starting before our end lose their overlapped prefix,
	// or their place entirely when we cover them whole.
	for idx < len(q.frags) && q.frags[idx].offset < end {
		next := q.frags[idx]
		overlap := end - next.offset
		if overlap < len(next.payload) {
			next.offset += overlap
			next.payload = next.payload[overlap:]
			next.csumValid = false
			q.receivedLen -= overlap
			q.charge(d, -overlap)
			break
		}
		q.receivedLen -= len(next.payload)
		q.charge(d, -(len(next.payload) + fragOverhead))
		q.frags = slices.Delete(q.frags, idx, idx+1)
	}

	rec := &fragmentRec{offset: offset, payload: payload, csumValid: csum}
	q.frags = slices.Insert(q.frags, idx, rec)
	q.receivedLen += len(payload)
	q.charge(d, len(payload)+fragOverhead)

	if offset == 0 {
		q.charge(d, len(f.Header)-len(q.header))
		q.header = f.Header
		q.iif = f.Iif
		q.flags |= flagFirstIn
	}

	q.ecn |= ecnBit(f.TOS)

	fragSize := len(payload) + len(f.Header)
	if fragSize > q.maxFragSize {
		q.maxFragSize = fragSize
	}
	if f.DontFragment && fragSize > q.maxDFFragSize {
		q.maxDFFragSize = fragSize
	}

	if q.flags&(flagFirstIn|flagLastIn) == flagFirstIn|flagLastIn &&
		q.receivedLen == q.totalLen {
		return d.glue(q)
	}

	d.touch(q)
	return nil, nil
}
