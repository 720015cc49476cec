package defrag

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wine-lab/ovs-tsn/internal/core"
)

func testKey(id uint16) Key {
	return Key{
		Src:      netip.MustParseAddr("10.0.0.1"),
		Dst:      netip.MustParseAddr("10.0.0.2"),
		ID:       id,
		Protocol: 17,
		User:     core.UserLocalDeliver,
	}
}

func testHeader(tos uint8) []byte {
	h := make([]byte, 20)
	h[0] = 0x45
	h[1] = tos
	h[8] = 64
	h[9] = 17
	copy(h[12:16], netip.MustParseAddr("10.0.0.1").AsSlice())
	copy(h[16:20], netip.MustParseAddr("10.0.0.2").AsSlice())
	return h
}

type fragOpt func(*Fragment)

func withTOS(tos uint8) fragOpt {
	return func(f *Fragment) {
		f.TOS = tos
		f.Header[1] = tos
	}
}

func withDF() fragOpt {
	return func(f *Fragment) { f.DontFragment = true }
}

func withFill(b byte) fragOpt {
	return func(f *Fragment) {
		for i := range f.Payload {
			f.Payload[i] = b
		}
	}
}

func refragmented() fragOpt {
	return func(f *Fragment) { f.Refragmented = true }
}

// testFrag builds a fragment whose payload byte at absolute datagram
// position p is byte(p), so reassembled bodies are directly checkable.
func testFrag(key Key, offset, size int, mf bool, opts ...fragOpt) *Fragment {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(offset + i)
	}
	f := &Fragment{
		Key:           key,
		Header:        testHeader(0),
		Payload:       payload,
		Offset:        offset,
		MoreFragments: mf,
		ChecksumValid: true,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func requireBody(t *testing.T, dg *Datagram, bodyLen int) {
	t.Helper()
	require.Len(t, dg.Data, 20+bodyLen)
	for i := 0; i < bodyLen; i++ {
		require.Equal(t, byte(i), dg.Data[20+i], "body byte %d", i)
	}
}

func TestReassembleInOrder(t *testing.T) {
	d := New(Config{})
	key := testKey(1)

	dg, err := d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)
	require.Nil(t, dg)

	dg, err = d.Process(testFrag(key, 1000, 1000, true))
	require.NoError(t, err)
	require.Nil(t, dg)

	dg, err = d.Process(testFrag(key, 2000, 496, false))
	require.NoError(t, err)
	require.NotNil(t, dg)

	requireBody(t, dg, 2496)
	assert.True(t, dg.ChecksumValid)
	assert.Equal(t, uint16(20+2496), uint16(dg.Data[2])<<8|uint16(dg.Data[3]))
	// A header carrying its own checksum sums to zero.
	assert.Equal(t, uint16(0), headerChecksum(dg.Data[:20]))

	assert.Equal(t, 0, d.ActiveQueues())
	assert.Equal(t, int64(0), d.MemoryCharged())
}

func TestReassembleReverseOrder(t *testing.T) {
	d := New(Config{})
	key := testKey(2)

	dg, err := d.Process(testFrag(key, 1000, 1000, false))
	require.NoError(t, err)
	require.Nil(t, dg)

	dg, err = d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)
	require.NotNil(t, dg)
	requireBody(t, dg, 2000)
}

func TestOrderIndependence(t *testing.T) {
	parts := []struct {
		offset, size int
		mf           bool
	}{
		{0, 1000, true},
		{1000, 1000, true},
		{2000, 1000, true},
		{3000, 504, false},
	}

	var id uint16
	for _, perm := range permutations(len(parts)) {
		id++
		d := New(Config{})
		key := testKey(id)

		var dg *Datagram
		var err error
		for i, j := range perm {
			s := parts[j]
			dg, err = d.Process(testFrag(key, s.offset, s.size, s.mf))
			require.NoError(t, err, "perm %v step %d", perm, i)
			if i < len(perm)-1 {
				require.Nil(t, dg, "perm %v step %d", perm, i)
			}
		}
		require.NotNil(t, dg, "perm %v", perm)
		requireBody(t, dg, 3504)
	}
}

func permutations(n int) [][]int {
	base := make([]int, n)
	for i := range base {
		base[i] = i
	}
	var out [][]int
	var generate func(k int)
	generate = func(k int) {
		if k == 1 {
			p := make([]int, n)
			copy(p, base)
			out = append(out, p)
			return
		}
		for i := 0; i < k; i++ {
			generate(k - 1)
			if k%2 == 0 {
				base[i], base[k-1] = base[k-1], base[i]
			} else {
				base[0], base[k-1] = base[k-1], base[0]
			}
		}
	}
	generate(n)
	return out
}

func TestDuplicateFragmentReplaced(t *testing.T) {
	d := New(Config{})
	key := testKey(3)

	_, err := d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)
	before := d.MemoryCharged()

	// An exact duplicate consumes its older copy; nothing leaks.
	_, err = d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)
	assert.Equal(t, before, d.MemoryCharged())

	dg, err := d.Process(testFrag(key, 1000, 496, false))
	require.NoError(t, err)
	require.NotNil(t, dg)
	requireBody(t, dg, 1496)
	assert.Equal(t, int64(0), d.MemoryCharged())
}

func TestContainedFragmentRejected(t *testing.T) {
	d := New(Config{})
	key := testKey(4)

	_, err := d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)
	before := d.MemoryCharged()

	// Fully covered by held data: rejected, queue state untouched.
	_, err = d.Process(testFrag(key, 200, 400, true, withFill(0xAA)))
	require.ErrorIs(t, err, core.ErrChecksumOrTrim)
	assert.Equal(t, before, d.MemoryCharged())
	assert.Equal(t, 1, d.ActiveQueues())

	dg, err := d.Process(testFrag(key, 1000, 496, false))
	require.NoError(t, err)
	require.NotNil(t, dg)
	requireBody(t, dg, 1496)
	assert.True(t, dg.ChecksumValid)
}

func TestTailOverlapTrimsNewcomer(t *testing.T) {
	d := New(Config{})
	key := testKey(5)

	_, err := d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)

	// [500,1500) overlaps held [0,1000); the predecessor keeps its
	// bytes and the newcomer loses its first 500.
	dg, err := d.Process(testFrag(key, 500, 1000, false, withFill(0xBB)))
	require.NoError(t, err)
	require.NotNil(t, dg)
	require.Len(t, dg.Data, 20+1500)
	for i := 0; i < 1000; i++ {
		require.Equal(t, byte(i), dg.Data[20+i], "held byte %d", i)
	}
	for i := 1000; i < 1500; i++ {
		require.Equal(t, byte(0xBB), dg.Data[20+i], "newcomer byte %d", i)
	}
	assert.False(t, dg.ChecksumValid)
}

func TestHeadOverlapTrimsSuccessor(t *testing.T) {
	d := New(Config{})
	key := testKey(6)

	_, err := d.Process(testFrag(key, 504, 1000, false, withFill(0xCC)))
	require.NoError(t, err)

	// The newcomer covers [0,1000); the held successor loses its first
	// 496 bytes and completion follows.
	dg, err := d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)
	require.NotNil(t, dg)
	require.Len(t, dg.Data, 20+1504)
	for i := 0; i < 1000; i++ {
		require.Equal(t, byte(i), dg.Data[20+i])
	}
	for i := 1000; i < 1504; i++ {
		require.Equal(t, byte(0xCC), dg.Data[20+i])
	}
	assert.False(t, dg.ChecksumValid)
	assert.Equal(t, int64(0), d.MemoryCharged())
}

func TestSwallowedSuccessorReplaced(t *testing.T) {
	d := New(Config{})
	key := testKey(7)

	_, err := d.Process(testFrag(key, 504, 496, true, withFill(0xDD)))
	require.NoError(t, err)

	// The newcomer covers the held record entirely; the held record is
	// dropped and the newcomer's bytes win.
	_, err = d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)

	dg, err := d.Process(testFrag(key, 1000, 496, false))
	require.NoError(t, err)
	require.NotNil(t, dg)
	requireBody(t, dg, 1496)
}

func TestConflictingFinalLength(t *testing.T) {
	d := New(Config{})
	key := testKey(8)

	_, err := d.Process(testFrag(key, 1000, 496, false))
	require.NoError(t, err)

	_, err = d.Process(testFrag(key, 1000, 504, false))
	require.ErrorIs(t, err, core.ErrConflictingLength)
	assert.Equal(t, 0, d.ActiveQueues())
	assert.Equal(t, int64(0), d.MemoryCharged())

	// The key is poisoned only while the dead queue object is reachable;
	// the index already dropped it, so a retry starts a fresh queue.
	dg, err := d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)
	require.Nil(t, dg)
}

func TestFinalShorterThanHeldData(t *testing.T) {
	d := New(Config{})
	key := testKey(9)

	_, err := d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)

	// Claims the datagram ends inside bytes already held.
	_, err = d.Process(testFrag(key, 504, 400, false))
	require.ErrorIs(t, err, core.ErrConflictingLength)
	assert.Equal(t, int64(0), d.MemoryCharged())
}

func TestNonFinalBeyondFinalEnd(t *testing.T) {
	d := New(Config{})
	key := testKey(10)

	_, err := d.Process(testFrag(key, 1000, 496, false))
	require.NoError(t, err)

	_, err = d.Process(testFrag(key, 1496, 8, true))
	require.ErrorIs(t, err, core.ErrConflictingLength)
}

func TestZeroLengthFragment(t *testing.T) {
	d := New(Config{})
	key := testKey(11)

	_, err := d.Process(testFrag(key, 0, 0, true))
	require.ErrorIs(t, err, core.ErrZeroLengthFragment)

	// A non-final runt shorter than the alignment unit truncates to
	// nothing.
	_, err = d.Process(testFrag(key, 0, 5, true))
	require.ErrorIs(t, err, core.ErrZeroLengthFragment)
	assert.Equal(t, 1, d.ActiveQueues())
}

func TestUnalignedNonFinalTruncated(t *testing.T) {
	d := New(Config{})
	key := testKey(12)

	_, err := d.Process(testFrag(key, 0, 1005, true))
	require.NoError(t, err)

	dg, err := d.Process(testFrag(key, 1000, 496, false))
	require.NoError(t, err)
	require.NotNil(t, dg)
	requireBody(t, dg, 1496)
	assert.False(t, dg.ChecksumValid)
}

func TestEcnCEPropagates(t *testing.T) {
	d := New(Config{})
	key := testKey(13)

	_, err := d.Process(testFrag(key, 0, 1000, true, withTOS(0x02))) // ECT(0)
	require.NoError(t, err)

	dg, err := d.Process(testFrag(key, 1000, 496, false, withTOS(0x03))) // CE
	require.NoError(t, err)
	require.NotNil(t, dg)
	assert.Equal(t, uint8(0x03), dg.ECN)
	assert.Equal(t, uint8(0x03), dg.Data[1]&0x03)
}

func TestEcnInvalidMix(t *testing.T) {
	d := New(Config{})
	key := testKey(14)

	_, err := d.Process(testFrag(key, 0, 1000, true, withTOS(0x00))) // Not-ECT
	require.NoError(t, err)

	_, err = d.Process(testFrag(key, 1000, 496, false, withTOS(0x02))) // ECT(0)
	require.ErrorIs(t, err, core.ErrInvalidEcn)
	assert.Equal(t, 0, d.ActiveQueues())
	assert.Equal(t, int64(0), d.MemoryCharged())
}

func TestDFPreservedWhenDFFragmentLargest(t *testing.T) {
	d := New(Config{})
	key := testKey(15)

	_, err := d.Process(testFrag(key, 0, 1000, true, withDF()))
	require.NoError(t, err)

	dg, err := d.Process(testFrag(key, 1000, 496, false, withDF()))
	require.NoError(t, err)
	require.NotNil(t, dg)
	assert.True(t, dg.PMTUHint)
	assert.Equal(t, uint16(ipDF), uint16(dg.Data[6])<<8|uint16(dg.Data[7]))
	assert.Equal(t, 1000+20, dg.FragMaxSize)
}

func TestDFClearedWhenLargestFragmentFragmentable(t *testing.T) {
	d := New(Config{})
	key := testKey(16)

	_, err := d.Process(testFrag(key, 0, 1000, true))
	require.NoError(t, err)

	dg, err := d.Process(testFrag(key, 1000, 496, false, withDF()))
	require.NoError(t, err)
	require.NotNil(t, dg)
	assert.False(t, dg.PMTUHint)
	assert.Equal(t, uint16(0), uint16(dg.Data[6])<<8|uint16(dg.Data[7]))
}

func TestOversizedDatagram(t *testing.T) {
	d := New(Config{})
	key := testKey(17)

	_, err := d.Process(testFrag(key, 0, 32768, true))
	require.NoError(t, err)

	_, err = d.Process(testFrag(key, 32768, 32768, false))
	require.ErrorIs(t, err, core.ErrOversizedDatagram)
	assert.Equal(t, int64(0), d.MemoryCharged())
}

func TestQueueRefusedAboveHighWatermark(t *testing.T) {
	d := New(Config{HighThreshold: 4096, LowThreshold: 2048})
	d.mem.Add(5000)

	_, err := d.findOrCreate(testFrag(testKey(18), 0, 8, true))
	require.ErrorIs(t, err, core.ErrOutOfMemory)
}

func TestEvictionDrainsToLowWatermark(t *testing.T) {
	d := New(Config{HighThreshold: 4096, LowThreshold: 2048})

	// Each partial queue charges 1024 payload + overhead + header.
	for id := uint16(0); id < 5; id++ {
		_, err := d.Process(testFrag(testKey(100+id), 0, 1024, true))
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, d.MemoryCharged(), int64(4096))
	assert.Less(t, d.ActiveQueues(), 5)

	// An evicted key starts over from scratch.
	dg, err := d.Process(testFrag(testKey(100), 1024, 472, false))
	require.NoError(t, err)
	require.Nil(t, dg)
}

func TestTimeoutExpiresQueue(t *testing.T) {
	d := New(Config{Timeout: 20 * time.Millisecond})
	key := testKey(19)

	_, err := d.Process(testFrag(key, 0, 8, true))
	require.NoError(t, err)
	require.Equal(t, 1, d.ActiveQueues())

	require.Eventually(t, func() bool {
		return d.ActiveQueues() == 0 && d.MemoryCharged() == 0
	}, time.Second, 5*time.Millisecond)

	// The key is free for a fresh attempt.
	dg, err := d.Process(testFrag(key, 0, 8, true))
	require.NoError(t, err)
	require.Nil(t, dg)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []TimeoutEvent
}

func (n *recordingNotifier) ReassemblyTimeout(ev TimeoutEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type stubResolver struct {
	deviceErr error
	routeErr  error
	routeType RouteType
}

func (r *stubResolver) ResolveDevice(int) error { return r.deviceErr }
func (r *stubResolver) Route(_, _ netip.Addr, _ uint8, _ int) (RouteType, error) {
	return r.routeType, r.routeErr
}

func TestTimeoutNotifiesLocalDestination(t *testing.T) {
	n := &recordingNotifier{}
	d := New(Config{
		Timeout:  20 * time.Millisecond,
		Resolver: &stubResolver{routeType: RouteLocal},
		Notifier: n,
	})
	key := testKey(20)

	_, err := d.Process(testFrag(key, 0, 16, true))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 5*time.Millisecond)

	n.mu.Lock()
	ev := n.events[0]
	n.mu.Unlock()
	assert.Equal(t, key, ev.Key)
	assert.Len(t, ev.Header, 20)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, ev.Sample)
}

func TestTimeoutNotificationSuppressed(t *testing.T) {
	cases := []struct {
		name     string
		user     core.DefragUser
		resolver *stubResolver
		firstIn  bool
	}{
		{"passive user", core.UserMonitor, &stubResolver{routeType: RouteLocal}, true},
		{"device gone", core.UserLocalDeliver, &stubResolver{deviceErr: core.ErrDeviceUnavailable}, true},
		{"no route", core.UserLocalDeliver, &stubResolver{routeErr: core.ErrNoRoute}, true},
		{"in transit", core.UserLocalDeliver, &stubResolver{routeType: RouteRemote}, true},
		{"first fragment missing", core.UserLocalDeliver, &stubResolver{routeType: RouteLocal}, false},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := &recordingNotifier{}
			d := New(Config{
				Timeout:  20 * time.Millisecond,
				Resolver: tc.resolver,
				Notifier: n,
			})
			key := testKey(uint16(30 + i))
			key.User = tc.user

			offset := 0
			if !tc.firstIn {
				offset = 64
			}
			_, err := d.Process(testFrag(key, offset, 16, true))
			require.NoError(t, err)

			require.Eventually(t, func() bool { return d.ActiveQueues() == 0 }, time.Second, 5*time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, 0, n.count())
		})
	}
}

func TestEvictionDoesNotNotify(t *testing.T) {
	n := &recordingNotifier{}
	d := New(Config{
		Timeout:       50 * time.Millisecond,
		HighThreshold: 1024,
		LowThreshold:  512,
		Resolver:      &stubResolver{routeType: RouteLocal},
		Notifier:      n,
	})

	_, err := d.Process(testFrag(testKey(40), 0, 1024, true))
	require.NoError(t, err)
	// Pushes memory past the watermark and evicts the first queue.
	_, err = d.Process(testFrag(testKey(41), 0, 256, true))
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	n.mu.Lock()
	for _, ev := range n.events {
		assert.NotEqual(t, uint16(40), ev.Key.ID, "evicted queue must not notify")
	}
	n.mu.Unlock()
}

func TestTooFarReinitsQueue(t *testing.T) {
	d := New(Config{MaxSpread: 4})
	key := testKey(50)

	_, err := d.Process(testFrag(key, 0, 8, true))
	require.NoError(t, err)

	// Interleave unrelated attempts from the same source.
	for id := uint16(0); id < 10; id++ {
		_, err := d.Process(testFrag(testKey(60+id), 0, 8, true))
		require.NoError(t, err)
	}

	// The stale queue restarts: its held fragment is gone, so the final
	// fragment alone does not complete anything.
	dg, err := d.Process(testFrag(key, 8, 8, false))
	require.NoError(t, err)
	require.Nil(t, dg)

	dg, err = d.Process(testFrag(key, 0, 8, true))
	require.NoError(t, err)
	require.NotNil(t, dg)
	requireBody(t, dg, 16)
}

func TestRefragmentedSkipsTooFar(t *testing.T) {
	d := New(Config{MaxSpread: 4})
	key := testKey(51)

	_, err := d.Process(testFrag(key, 0, 8, true, refragmented()))
	require.NoError(t, err)

	for id := uint16(0); id < 10; id++ {
		_, err := d.Process(testFrag(testKey(70+id), 0, 8, true))
		require.NoError(t, err)
	}

	dg, err := d.Process(testFrag(key, 8, 8, false, refragmented()))
	require.NoError(t, err)
	require.NotNil(t, dg)
	requireBody(t, dg, 16)
}

func TestReinitLosesToFiredTimer(t *testing.T) {
	d := New(Config{})
	q := &queue{key: testKey(52)}
	q.timer = time.AfterFunc(time.Hour, func() {})
	require.True(t, d.reinit(q))

	// Once the timer cannot be stopped, reinit must refuse: the expiry
	// callback owns the queue's fate.
	q.timer.Stop()
	require.False(t, d.reinit(q))
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	d := New(Config{})
	key := testKey(53)

	_, err := d.Process(testFrag(key, 0, 8, true))
	require.NoError(t, err)

	d.Close()
	assert.Equal(t, 0, d.ActiveQueues())
	assert.Equal(t, int64(0), d.MemoryCharged())

	_, err = d.Process(testFrag(key, 8, 8, false))
	require.ErrorIs(t, err, core.ErrDefragClosed)
}

func TestConcurrentFlows(t *testing.T) {
	d := New(Config{HighThreshold: 64 << 20, LowThreshold: 48 << 20})

	var wg sync.WaitGroup
	const flows = 32
	done := make([]bool, flows)
	for i := 0; i < flows; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := testKey(uint16(200 + i))
			if _, err := d.Process(testFrag(key, 1000, 496, false)); err != nil {
				return
			}
			dg, err := d.Process(testFrag(key, 0, 1000, true))
			done[i] = err == nil && dg != nil && len(dg.Data) == 20+1496
		}(i)
	}
	wg.Wait()

	for i, ok := range done {
		assert.True(t, ok, "flow %d", i)
	}
	assert.Equal(t, 0, d.ActiveQueues())
	assert.Equal(t, int64(0), d.MemoryCharged())
}
