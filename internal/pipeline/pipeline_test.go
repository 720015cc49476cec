package pipeline

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wine-lab/ovs-tsn/internal/core"
	"github.com/wine-lab/ovs-tsn/internal/core/defrag"
	"github.com/wine-lab/ovs-tsn/internal/report"
)

type sliceSource struct {
	mu     sync.Mutex
	frames [][]byte
	next   int
}

func (s *sliceSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.frames) {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(f),
		Length:        len(f),
	}
	return f, ci, nil
}

type recordingReporter struct {
	mu     sync.Mutex
	events []*report.DatagramEvent
}

func (r *recordingReporter) Name() string { return "recording" }

func (r *recordingReporter) Report(_ context.Context, ev *report.DatagramEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingReporter) Close() error { return nil }

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func fragmentFrame(t *testing.T, id uint16, fragOffset uint16, mf bool, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:    4,
		IHL:        5,
		TTL:        64,
		Id:         id,
		Protocol:   layers.IPProtocolUDP,
		FragOffset: fragOffset,
		SrcIP:      net.IPv4(10, 1, 0, 1).To4(),
		DstIP:      net.IPv4(10, 1, 0, 2).To4(),
	}
	if mf {
		ip.Flags = layers.IPv4MoreFragments
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestPipelineReassemblesAndReports(t *testing.T) {
	src := &sliceSource{frames: [][]byte{
		fragmentFrame(t, 0x99, 0, true, make([]byte, 8)),
		fragmentFrame(t, 0x99, 1, false, make([]byte, 8)),
	}}
	rep := &recordingReporter{}
	engine := defrag.New(defrag.Config{})

	p := New(Config{User: core.UserLocalDeliver}, src, engine, []report.Reporter{rep})
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return rep.count() == 1 }, time.Second, 5*time.Millisecond)
	p.Stop()

	rep.mu.Lock()
	ev := rep.events[0]
	rep.mu.Unlock()
	assert.Equal(t, "10.1.0.1", ev.Src)
	assert.Equal(t, "10.1.0.2", ev.Dst)
	assert.Equal(t, uint16(0x99), ev.ID)
	assert.Equal(t, 20+16, ev.Length)
	assert.Equal(t, "local-deliver", ev.User)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestPipelineIgnoresUnfragmentedTraffic(t *testing.T) {
	src := &sliceSource{frames: [][]byte{
		fragmentFrame(t, 0x77, 0, false, make([]byte, 32)),
	}}
	rep := &recordingReporter{}
	engine := defrag.New(defrag.Config{})

	p := New(Config{User: core.UserLocalDeliver}, src, engine, []report.Reporter{rep})
	require.NoError(t, p.Start())

	time.Sleep(50 * time.Millisecond)
	p.Stop()
	assert.Equal(t, 0, rep.count())
}

func TestPipelineDoubleStart(t *testing.T) {
	src := &sliceSource{}
	p := New(Config{}, src, defrag.New(defrag.Config{}), nil)
	require.NoError(t, p.Start())
	require.Error(t, p.Start())
	p.Stop()
}
