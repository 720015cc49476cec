// Package decoder turns captured link-layer frames into IPv4 fragments
// ready for reassembly.
package decoder

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/wine-lab/ovs-tsn/internal/core"
	"github.com/wine-lab/ovs-tsn/internal/core/defrag"
)

// Result is the outcome of decoding one frame. Exactly one of Fragment
// and Packet is set: Fragment when the frame carries a piece of a
// fragmented datagram, Packet (the full IPv4 packet bytes) otherwise.
type Result struct {
	Fragment *defrag.Fragment
	Packet   []byte

	Src, Dst netip.Addr
	Protocol uint8
}

// Decoder parses Ethernet/IPv4 frames. The layer structs are reused
// across calls, so a Decoder must not be shared between goroutines.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth  layers.Ethernet
	ipv4 layers.IPv4

	user core.DefragUser
	vif  int
}

// New creates a Decoder that stamps fragments with the given consumer
// identity and virtual interface.
func New(user core.DefragUser, vif int) *Decoder {
	d := &Decoder{
		user: user,
		vif:  vif,
	}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth,
		&d.ipv4,
	)
	d.parser.IgnoreUnsupported = true
	d.decoded = make([]gopacket.LayerType, 0, 4)
	return d
}

// Decode parses one captured frame. iif is the capture interface index.
// The returned buffers are copies; the caller may reuse data.
func (d *Decoder) Decode(data []byte, iif int) (*Result, error) {
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return nil, err
	}

	sawIPv4 := false
	for _, lt := range d.decoded {
		if lt == layers.LayerTypeIPv4 {
			sawIPv4 = true
			break
		}
	}
	if !sawIPv4 {
		return nil, core.ErrUnsupportedProto
	}

	ip := &d.ipv4
	if len(ip.Contents) < 20 || len(ip.Contents) < int(ip.IHL)*4 {
		return nil, core.ErrPacketTooShort
	}

	src, ok := netip.AddrFromSlice(ip.SrcIP.To4())
	if !ok {
		return nil, core.ErrPacketTooShort
	}
	dst, ok := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok {
		return nil, core.ErrPacketTooShort
	}

	res := &Result{
		Src:      src,
		Dst:      dst,
		Protocol: uint8(ip.Protocol),
	}

	mf := ip.Flags&layers.IPv4MoreFragments != 0
	if !mf && ip.FragOffset == 0 {
		// Unfragmented fast path: hand back the whole packet.
		pkt := make([]byte, len(ip.Contents)+len(ip.Payload))
		n := copy(pkt, ip.Contents)
		copy(pkt[n:], ip.Payload)
		res.Packet = pkt
		return res, nil
	}

	header := make([]byte, len(ip.Contents))
	copy(header, ip.Contents)
	payload := make([]byte, len(ip.Payload))
	copy(payload, ip.Payload)

	res.Fragment = &defrag.Fragment{
		Key: defrag.Key{
			Src:      src,
			Dst:      dst,
			ID:       ip.Id,
			Protocol: uint8(ip.Protocol),
			User:     d.user,
			VIF:      d.vif,
		},
		Header:        header,
		Payload:       payload,
		Offset:        int(ip.FragOffset) * 8,
		MoreFragments: mf,
		DontFragment:  ip.Flags&layers.IPv4DontFragment != 0,
		TOS:           ip.TOS,
		Iif:           iif,
		ChecksumValid: true,
	}
	return res, nil
}
