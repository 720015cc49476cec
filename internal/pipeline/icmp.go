package pipeline

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/wine-lab/ovs-tsn/internal/core/defrag"
	"github.com/wine-lab/ovs-tsn/internal/log"
)

// PacketInjector hands a fully built IPv4 packet back to the network.
type PacketInjector interface {
	Inject(pkt []byte) error
}

// ICMPNotifier answers eligible reassembly timeouts with an ICMP time
// exceeded (fragment reassembly time exceeded) message toward the
// sender, quoting the first fragment's header plus its leading payload
// bytes.
type ICMPNotifier struct {
	injector PacketInjector
}

var _ defrag.TimeoutNotifier = (*ICMPNotifier)(nil)

func NewICMPNotifier(injector PacketInjector) *ICMPNotifier {
	return &ICMPNotifier{injector: injector}
}

func (n *ICMPNotifier) ReassemblyTimeout(ev defrag.TimeoutEvent) {
	pkt, err := buildTimeExceeded(ev)
	if err != nil {
		log.GetLogger().WithError(err).WithField("key", ev.Key.String()).
			Warn("failed to build time exceeded message")
		return
	}
	if err := n.injector.Inject(pkt); err != nil {
		log.GetLogger().WithError(err).WithField("key", ev.Key.String()).
			Warn("failed to inject time exceeded message")
		return
	}
	log.GetLogger().WithField("key", ev.Key.String()).
		Debug("sent fragment reassembly time exceeded")
}

func buildTimeExceeded(ev defrag.TimeoutEvent) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TOS:      ev.TOS,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(ev.Key.Dst.AsSlice()),
		DstIP:    net.IP(ev.Key.Src.AsSlice()),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(
			layers.ICMPv4TypeTimeExceeded,
			layers.ICMPv4CodeFragmentReassemblyTimeExceeded,
		),
	}

	quote := make([]byte, 0, len(ev.Header)+len(ev.Sample))
	quote = append(quote, ev.Header...)
	quote = append(quote, ev.Sample...)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(quote)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
