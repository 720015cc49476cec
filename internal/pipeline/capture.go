package pipeline

import (
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"
)

// CaptureConfig describes a live pcap source.
type CaptureConfig struct {
	Interface   string
	BPFFilter   string
	SnapLen     int
	Promiscuous bool
	PollTimeout time.Duration
}

// OpenCapture opens a live pcap handle per cfg. The returned handle is
// both a PacketSource and, via HandleInjector, a notification injector.
func OpenCapture(cfg CaptureConfig) (*pcap.Handle, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("capture: interface is required")
	}
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = 65535
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = pcap.BlockForever
	}

	handle, err := pcap.OpenLive(cfg.Interface, int32(cfg.SnapLen), cfg.Promiscuous, cfg.PollTimeout)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", cfg.Interface, err)
	}
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("capture: set filter %q: %w", cfg.BPFFilter, err)
		}
	}
	return handle, nil
}

// HandleInjector writes packets back through a pcap handle.
type HandleInjector struct {
	Handle *pcap.Handle
}

func (i *HandleInjector) Inject(pkt []byte) error {
	return i.Handle.WritePacketData(pkt)
}

// InjectorFunc adapts a function to PacketInjector.
type InjectorFunc func(pkt []byte) error

func (f InjectorFunc) Inject(pkt []byte) error { return f(pkt) }
