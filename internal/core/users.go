package core

// DefragUser tags the datapath context a fragment was submitted from.
// Fragments with equal keys but different users reassemble in separate
// queues, so a monitoring tap never shares state with the forwarding
// path.
type DefragUser uint32

const (
	// UserLocalDeliver reassembles datagrams addressed to this host.
	UserLocalDeliver DefragUser = iota
	// UserForward reassembles datagrams in the forwarding path.
	UserForward
	// UserConntrackIn reassembles for connection tracking on ingress.
	UserConntrackIn
	// UserConntrackOut reassembles for connection tracking on egress.
	UserConntrackOut
	// UserMonitor reassembles for passive capture taps.
	UserMonitor
)

var userNames = map[DefragUser]string{
	UserLocalDeliver: "local-deliver",
	UserForward:      "forward",
	UserConntrackIn:  "conntrack-in",
	UserConntrackOut: "conntrack-out",
	UserMonitor:      "monitor",
}

func (u DefragUser) String() string {
	if s, ok := userNames[u]; ok {
		return s
	}
	return "unknown"
}

// Passive reports whether the context observes traffic it does not
// terminate. Per RFC 792 only an end host sends a fragment reassembly
// timeout signal, so passive contexts never notify the sender.
func (u DefragUser) Passive() bool {
	switch u {
	case UserMonitor, UserConntrackIn, UserConntrackOut:
		return true
	}
	return false
}

// ParseDefragUser maps a configuration string to a DefragUser tag.
func ParseDefragUser(s string) (DefragUser, bool) {
	for u, name := range userNames {
		if name == s {
			return u, true
		}
	}
	return 0, false
}
