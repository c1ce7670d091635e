package relay

import (
	"net"
	"net/netip"
	"sync/atomic"
)

// StreamKind distinguishes the RTP and RTCP halves of one leg.
type StreamKind int

const (
	StreamRTP StreamKind = iota
	StreamRTCP
)

// StreamSide is one direction of one media type of one session (spec
// §3). It shares its owning Session's Refcounted rather than holding an
// independent one: upgrading a stream-side's weak reference is exactly
// "obtain a strong reference to the session that owns me," which is
// the literal invariant spec §3 states and also the mechanism spec §5
// relies on for in-flight-packet cancellation safety.
type StreamSide struct {
	owner *Session
	UID   uint64
	Kind  StreamKind

	Local      netip.AddrPort
	Advertised netip.Addr // zero value means "advertise Local.Addr()"
	Asymmetric bool

	remote     atomic.Pointer[netip.AddrPort]
	lastUpdate atomic.Int64 // UnixNano, monotonic-enough for idle comparisons
	peer       atomic.Pointer[StreamSide]

	Conn *net.UDPConn // bound socket; owned by this stream-side
}

// SetPeer links side to the corresponding stream-side of the other leg
// (same StreamKind): Caller.Rtp <-> Callee.Rtp, Caller.Rtcp <-> Callee.Rtcp.
// Set once the callee leg is created (spec §9 open question b).
func (s *StreamSide) SetPeer(peer *StreamSide) { s.peer.Store(peer) }

// Peer returns the linked stream-side on the other leg, or nil if the
// session only has one leg so far.
func (s *StreamSide) Peer() *StreamSide { return s.peer.Load() }

// refcount implements Weak for StreamSide by delegating to the owning
// session (see the Session doc comment for why this is not a second,
// independent counter).
func (s *StreamSide) refcount() *Refcounted { return s.owner.rc }

// Session returns the owning session without upgrading any reference;
// callers that need the session to stay alive across an async boundary
// must go through the streams WeakTable instead.
func (s *StreamSide) Session() *Session { return s.owner }

// NewStreamSide constructs a stream-side bound to local, owned by
// owner. The caller is responsible for actually creating/binding Conn
// (left here as nil) — socket creation is a C9/C10 concern that needs a
// live listener context, not a C6 data-model concern.
func NewStreamSide(owner *Session, kind StreamKind, local netip.AddrPort, asymmetric bool) *StreamSide {
	return &StreamSide{
		owner:      owner,
		Kind:       kind,
		Local:      local,
		Asymmetric: asymmetric,
	}
}

// Remote returns the learned remote address, or the zero value and
// false if none has been learned yet.
func (s *StreamSide) Remote() (netip.AddrPort, bool) {
	p := s.remote.Load()
	if p == nil {
		return netip.AddrPort{}, false
	}
	return *p, true
}

// SetRemote unconditionally sets the learned remote address (used both
// for the initial controller-supplied remote and for symmetric
// learning/relearning).
func (s *StreamSide) SetRemote(addr netip.AddrPort) {
	s.remote.Store(&addr)
}

// LastUpdate returns the last-activity timestamp as UnixNano.
func (s *StreamSide) LastUpdate() int64 {
	return s.lastUpdate.Load()
}

// Touch records activity now. Plain atomic store, not a CAS: spec §5
// explicitly allows "stale reads" from the TTL reaper, which always
// re-fetches before acting.
func (s *StreamSide) Touch(now int64) {
	s.lastUpdate.Store(now)
}

// AdvertisedAddr returns the address to advertise to the controller:
// the configured Advertised override if set, else the bound local
// address. The U and L replies carry only the port and do not call it.
func (s *StreamSide) AdvertisedAddr() netip.Addr {
	if s.Advertised.IsValid() {
		return s.Advertised
	}
	return s.Local.Addr()
}
