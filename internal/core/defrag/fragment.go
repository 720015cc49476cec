package defrag

import (
	"fmt"
	"net/netip"

	"github.com/wine-lab/ovs-tsn/internal/core"
)

// Key identifies the reassembly queue a fragment belongs to. Two
// fragments with equal keys are pieces of the same datagram. The key is
// comparable and used directly as a map key; the Go runtime hashes it
// with a per-process random seed, which defends the table against
// hash-flooding the same way a keyed bucket hash would.
type Key struct {
	Src      netip.Addr
	Dst      netip.Addr
	ID       uint16
	Protocol uint8
	User     core.DefragUser
	VIF      int
}

func (k Key) String() string {
	return fmt.Sprintf("%s>%s id=%#04x proto=%d user=%s vif=%d",
		k.Src, k.Dst, k.ID, k.Protocol, k.User, k.VIF)
}

// Fragment is one received piece of a datagram. Header and Payload
// ownership transfers to the engine when Process accepts the fragment;
// the caller must not reuse those slices afterwards.
type Fragment struct {
	Key Key

	// Header holds the fragment's IPv4 header including options. The
	// offset-zero fragment's header becomes the template for the
	// reassembled datagram.
	Header []byte
	// Payload holds the fragment's data bytes.
	Payload []byte

	// Offset is the fragment's byte position in the datagram body,
	// already expanded from the wire field's 8-byte units.
	Offset int
	// MoreFragments mirrors the wire MF flag; clear on the final
	// fragment.
	MoreFragments bool
	// DontFragment mirrors the wire DF flag.
	DontFragment bool

	// TOS carries the traffic-class byte; the low two bits are the
	// fragment's ECN codepoint.
	TOS uint8
	// Iif is the arrival interface index, used only for routing a
	// timeout notification back to the sender.
	Iif int
	// ChecksumValid marks whether the transport checksum covering this
	// payload is still trustworthy. Trimming clears it.
	ChecksumValid bool
	// Refragmented marks fragments this host produced by splitting a
	// previously reassembled datagram. Such fragments skip the too-far
	// check: their id spacing says nothing about the original sender.
	Refragmented bool
}

// Datagram is a fully reassembled packet. Data is contiguous header
// plus body with total length, ECN, DF bit and header checksum
// recomputed.
type Datagram struct {
	Key  Key
	Data []byte

	// FragMaxSize is the largest fragment the datagram was built from,
	// kept as the notional original MTU for downstream refragmentation.
	FragMaxSize int
	// PMTUHint is set together with the DF bit: FragMaxSize must then
	// be honored as a path-MTU bound when forwarding.
	PMTUHint bool
	// ECN is the codepoint written into the reassembled header.
	ECN uint8
	// ChecksumValid reports whether every contributing fragment kept a
	// trustworthy transport checksum.
	ChecksumValid bool
}

// TimeoutEvent describes an expired queue eligible for a reassembly
// timeout notification. Header and Sample are copies of the first
// fragment's header and leading payload bytes, enough to build an ICMP
// time exceeded message.
type TimeoutEvent struct {
	Key    Key
	Header []byte
	Sample []byte
	TOS    uint8
	Iif    int
}

// RouteType classifies the destination of a would-be notification's
// original datagram.
type RouteType int

const (
	// RouteLocal means this host is the authoritative destination.
	RouteLocal RouteType = iota
	// RouteRemote means the datagram was in transit through this host.
	RouteRemote
)

// RouteResolver answers the routing questions gating timeout
// notifications. It is a collaborator supplied by the surrounding
// pipeline; reassembly itself never depends on it.
type RouteResolver interface {
	// ResolveDevice reports whether the interface a fragment arrived on
	// still exists. Returns core.ErrDeviceUnavailable if not.
	ResolveDevice(ifindex int) error
	// Route classifies the original datagram's destination. Returns
	// core.ErrNoRoute when no route back to the sender exists.
	Route(dst, src netip.Addr, tos uint8, vif int) (RouteType, error)
}

// TimeoutNotifier receives eligible expiry events, typically to emit an
// ICMP "fragment reassembly time exceeded" toward the sender.
type TimeoutNotifier interface {
	ReassemblyTimeout(ev TimeoutEvent)
}
