package pipeline

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/wine-lab/ovs-tsn/internal/core"
	"github.com/wine-lab/ovs-tsn/internal/core/defrag"
)

// addrCacheTTL bounds how stale the local-address snapshot may get.
const addrCacheTTL = 10 * time.Second

// HostResolver answers routing questions from the host's interface
// table. Local addresses are snapshotted and refreshed lazily; a
// notification decision tolerates a few seconds of staleness.
type HostResolver struct {
	mu        sync.Mutex
	local     map[netip.Addr]struct{}
	refreshed time.Time
}

var _ defrag.RouteResolver = (*HostResolver)(nil)

func NewHostResolver() *HostResolver {
	return &HostResolver{local: make(map[netip.Addr]struct{})}
}

// ResolveDevice reports whether ifindex still names a live interface.
func (r *HostResolver) ResolveDevice(ifindex int) error {
	if ifindex <= 0 {
		return nil
	}
	if _, err := net.InterfaceByIndex(ifindex); err != nil {
		return core.ErrDeviceUnavailable
	}
	return nil
}

// Route classifies dst: RouteLocal when dst is one of this host's
// addresses, RouteRemote otherwise. core.ErrNoRoute is returned when
// the interface table cannot be read at all.
func (r *HostResolver) Route(dst, _ netip.Addr, _ uint8, _ int) (defrag.RouteType, error) {
	local, err := r.localAddrs()
	if err != nil {
		return defrag.RouteRemote, core.ErrNoRoute
	}
	if _, ok := local[dst]; ok {
		return defrag.RouteLocal, nil
	}
	return defrag.RouteRemote, nil
}

func (r *HostResolver) localAddrs() (map[netip.Addr]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.refreshed) < addrCacheTTL && len(r.local) > 0 {
		return r.local, nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	local := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip4); ok {
			local[addr] = struct{}{}
		}
	}
	r.local = local
	r.refreshed = time.Now()
	return local, nil
}
