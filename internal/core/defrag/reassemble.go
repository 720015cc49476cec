package defrag

import (
	"encoding/binary"

	"github.com/wine-lab/ovs-tsn/internal/core"
	"github.com/wine-lab/ovs-tsn/internal/metrics"
)

// Wire bits of the IPv4 fragment-offset field.
const (
	ipDF = 0x4000
)

// glue merges a completed queue's fragments into one contiguous
// datagram. The queue is killed first; whether gluing succeeds or
// fails, no further fragment may land on it. On success the fragment
// payloads move into the returned datagram; on failure everything is
// released and the caller gets a rejection. Callers hold q.mu, with
// firstIn and lastIn set and receivedLen == totalLen.
func (d *Defragmenter) glue(q *queue) (*Datagram, error) {
	d.kill(q)

	ecn, ok := ecnReassemble(q.ecn)
	if !ok {
		d.releaseFragments(q)
		metrics.DefragFailures.WithLabelValues("ecn").Inc()
		return nil, core.ErrInvalidEcn
	}

	hlen := len(q.header)
	total := hlen + q.totalLen
	if total > maxDatagramSize {
		d.releaseFragments(q)
		metrics.DefragFailures.WithLabelValues("oversized").Inc()
		return nil, core.ErrOversizedDatagram
	}

	data := make([]byte, total)
	copy(data, q.header)
	csumValid := true
	for _, rec := range q.frags {
		copy(data[hlen+rec.offset:], rec.payload)
		if !rec.csumValid {
			csumValid = false
		}
	}

	binary.BigEndian.PutUint16(data[2:4], uint16(total))
	data[1] |= ecn

	// Re-mark DF only when the largest DF fragment was the largest
	// fragment overall. A datagram stitched from small DF fragments
	// and one larger non-DF fragment must stay fragmentable, or a
	// downstream hop could be forced to drop what the sender was
	// willing to have split.
	pmtu := false
	if q.maxDFFragSize == q.maxFragSize {
		pmtu = true
		binary.BigEndian.PutUint16(data[6:8], ipDF)
	} else {
		binary.BigEndian.PutUint16(data[6:8], 0)
	}

	binary.BigEndian.PutUint16(data[10:12], 0)
	binary.BigEndian.PutUint16(data[10:12], headerChecksum(data[:hlen]))

	fragMax := q.maxFragSize
	if q.maxDFFragSize > fragMax {
		fragMax = q.maxDFFragSize
	}

	dg := &Datagram{
		Key:           q.key,
		Data:          data,
		FragMaxSize:   fragMax,
		PMTUHint:      pmtu,
		ECN:           ecn,
		ChecksumValid: csumValid,
	}

	// Ownership of the payload bytes has moved to the datagram; drop
	// the records and refund the whole memory charge.
	d.releaseFragments(q)
	return dg, nil
}

// headerChecksum computes the internet checksum over an IPv4 header
// whose checksum field has been zeroed.
func headerChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	if len(hdr)%2 == 1 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
