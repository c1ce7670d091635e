package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// readDeadline bounds each blocking read on a stream-side's socket so
// the per-socket goroutine can observe cancellation promptly, the same
// cooperative-polling shape flowpbx's relay.forward uses instead of a
// shared epoll set (spec §4.7's "I/O readiness loop" is realized here
// as one goroutine per socket rather than a single poll/epoll thread —
// idiomatic Go favors N lightweight goroutines over a hand-rolled
// readiness multiplexer).
const readDeadline = 200 * time.Millisecond

// packetBufSize is large enough for any RTP/RTCP datagram on a
// conventional MTU.
const packetBufSize = 1500

var packetPool = sync.Pool{
	New: func() any {
		b := make([]byte, packetBufSize)
		return &b
	},
}

// Pump is the packet-processing scheduler (C7, proc_async): it owns a
// dynamic set of pollable UDP sockets, one per active stream-side, and
// forwards datagrams between the two legs of a session after symmetric
// learning and observer dispatch.
type Pump struct {
	observers *ObserverManager
	stats     StatsSink
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[*StreamSide]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPump constructs a pump dispatching to observers and stats.
func NewPump(observers *ObserverManager, stats StatsSink, logger *slog.Logger) *Pump {
	if stats == nil {
		stats = NoopStatsSink{}
	}
	return &Pump{
		observers: observers,
		stats:     stats,
		logger:    logger.With(slog.String("component", "pump")),
		cancels:   make(map[*StreamSide]context.CancelFunc),
	}
}

// AddSocket registers side's bound socket with the pump and starts its
// read loop. Called by the command processor (C9) once a stream-side's
// socket is bound.
func (p *Pump) AddSocket(side *StreamSide) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.cancels[side] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readLoop(ctx, side)
	}()
}

// RemoveSocket cancels side's read loop and closes its socket. The loop
// exits on its next read error or deadline; RemoveSocket does not wait
// for that exit. The side is dropped from the set before the close, so
// a second call is a no-op and the socket is closed once.
func (p *Pump) RemoveSocket(side *StreamSide) {
	p.mu.Lock()
	cancel, ok := p.cancels[side]
	if ok {
		delete(p.cancels, side)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	cancel()
	if side.Conn != nil {
		_ = side.Conn.Close()
	}
}

// Wakeup is a documented no-op in this implementation: each stream-
// side's goroutine already re-checks its cancellation context every
// readDeadline, so there is no shared socket set that needs to be
// force-woken the way a single-threaded epoll loop would (spec §4.7).
// It is kept as a method so callers written against the spec's literal
// API do not need special-casing.
func (p *Pump) Wakeup() {}

// Shutdown cancels every active read loop and waits for them to exit.
func (p *Pump) Shutdown() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, c := range p.cancels {
		cancels = append(cancels, c)
	}
	p.cancels = make(map[*StreamSide]context.CancelFunc)
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	p.wg.Wait()
}

func (p *Pump) readLoop(ctx context.Context, side *StreamSide) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bufp := packetPool.Get().(*[]byte)
		buf := *bufp

		_ = side.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, srcAddr, err := side.Conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			packetPool.Put(bufp)
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.stats.PacketDropped(side.Kind, "io")
			continue
		}

		p.processPacket(side, srcAddr, buf[:n])
		packetPool.Put(bufp)
	}
}

// processPacket implements the six-step per-packet algorithm of spec
// §4.7.
func (p *Pump) processPacket(side *StreamSide, src netip.AddrPort, payload []byte) {
	now := time.Now().UnixNano()
	session := side.Session()
	// Hold the session for the duration of this packet, so a concurrent
	// delete or expiry tears its legs down only after this returns.
	if !session.rc.TryIncref() {
		p.stats.PacketDropped(side.Kind, "session-gone")
		return
	}
	defer session.rc.Decref()

	// Step 3: learn or validate-and-drop.
	learned, hadRemote := side.Remote()
	switch {
	case !hadRemote:
		if !side.Asymmetric {
			side.SetRemote(src)
		}
	case learned != src:
		if side.Asymmetric {
			side.Touch(now)
			p.stats.PacketDropped(side.Kind, "asymmetric-mismatch")
			return
		}
		side.SetRemote(src) // symmetric re-learn
	}

	// Step 4: update activity, peer too in unified TTL mode.
	side.Touch(now)
	peer := side.Peer()
	if session.TTLMode == TTLUnified && peer != nil {
		peer.Touch(now)
	}

	// Step 5: observer dispatch (read-only view, optional replacement).
	ctx := PacketContext{CallID: session.CallID, Kind: side.Kind, Role: legRoleOf(session, side)}
	forwardBuf := p.observers.Dispatch(ctx, payload)

	// Step 6: no peer leg attached yet (e.g. U issued, L not yet) —
	// nothing to record a destination for or forward to.
	if peer == nil {
		p.stats.PacketDropped(side.Kind, "no-peer")
		return
	}

	if session.RecordMode != RecordOff && session.recorder != nil {
		dst, ok := peer.Remote()
		dstStr := ""
		if ok {
			dstStr = dst.String()
		}
		if err := session.recorder.Write(ctx, forwardBuf, src.String(), dstStr); err != nil {
			p.logger.Warn("recorder write failed", slog.String("call_id", session.CallID), slog.Any("err", err))
		}
	}

	peerRemote, ok := peer.Remote()
	if !ok {
		p.stats.PacketDropped(side.Kind, "peer-unlearned")
		return
	}
	if peer.Conn == nil {
		p.stats.PacketDropped(side.Kind, "peer-unbound")
		return
	}
	session.PacketsIn.Add(1)
	session.BytesIn.Add(int64(len(payload)))

	if _, err := peer.Conn.WriteToUDPAddrPort(forwardBuf, peerRemote); err != nil {
		p.stats.PacketDropped(side.Kind, "send-error")
		return
	}
	session.PacketsOut.Add(1)
	session.BytesOut.Add(int64(len(forwardBuf)))
	p.stats.PacketForwarded(side.Kind)
	session.MarkTrafficSeen()
}

func legRoleOf(s *Session, side *StreamSide) LegRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Caller != nil && (s.Caller.Rtp == side || s.Caller.Rtcp == side) {
		return LegCaller
	}
	return LegCallee
}
