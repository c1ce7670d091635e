package relay

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"sync/atomic"
	"time"
)

// EngineConfig holds the knobs the command processor and packet pump
// need that originate from the CLI surface (spec §6.3) but are not
// part of spec.md's own data model.
type EngineConfig struct {
	PortMin, PortMax uint16
	AllocMode        AllocMode
	DefaultMaxTTL    time.Duration
	DefaultSetupTTL  time.Duration
	DefaultTTLMode   TTLMode
	BridgeSymmetric  bool // --bridge_symmetric (SPEC_FULL §C.2)
	OverloadLow      int
	OverloadHigh     int    // 0 disables overload protection
	RecordDir        string // base directory for RecordRaw/RecordPCAP captures

	// DefaultRecordMode/DefaultNotifyTarget are the record_mode/
	// notify_target a new session inherits (spec §3) unless a U
	// command overrides them via its optional trailing args
	// (spec §6.2's leniency for additional, non-required tokens).
	DefaultRecordMode   RecordMode
	DefaultNotifyTarget string
}

// NotifierFactory builds a Notifier for a session's notify_target
// string ("" means no notification wanted).
type NotifierFactory func(target string) (Notifier, error)

// RecorderFactory builds a Recorder for a session's call-id and mode.
type RecorderFactory func(callID string, mode RecordMode) (Recorder, error)

// Engine wires every component (C1-C12) into the object the command
// processor and control-socket listener drive. It is the session-
// engine-wide equivalent of the teacher's Manager.
type Engine struct {
	Config    EngineConfig
	Table     *Table
	Ports     *PortAllocator
	BindAddrs *BindAddrCache
	Wheel     *Wheel
	Pump      *Pump
	Reaper    *Reaper
	Observers *ObserverManager
	Stats     StatsSink
	Logger    *slog.Logger

	NotifierFactory NotifierFactory
	RecorderFactory RecorderFactory

	activeSessions atomic.Int64
	inOverload     atomic.Bool
	draining       atomic.Bool
}

// NewEngine constructs and wires all components per cfg.
func NewEngine(cfg EngineConfig, stats StatsSink, logger *slog.Logger) (*Engine, error) {
	if stats == nil {
		stats = NoopStatsSink{}
	}
	ports := NewPortAllocator(cfg.PortMin, cfg.PortMax, cfg.AllocMode)
	table := NewTable()
	wheel := NewWheel()
	observers := NewObserverManager()
	pump := NewPump(observers, stats, logger)
	reaper := NewReaper(wheel, table, stats, logger)

	e := &Engine{
		Config:    cfg,
		Table:     table,
		Ports:     ports,
		BindAddrs: NewBindAddrCache(),
		Wheel:     wheel,
		Pump:      pump,
		Reaper:    reaper,
		Observers: observers,
		Stats:     stats,
		Logger:    logger.With(slog.String("component", "engine")),
		NotifierFactory: func(target string) (Notifier, error) {
			if target == "" {
				return NoopNotifier{}, nil
			}
			return NewUDPNotifier(target)
		},
		RecorderFactory: func(callID string, mode RecordMode) (Recorder, error) {
			switch mode {
			case RecordRaw:
				return NewRawRecorder(filepath.Join(cfg.RecordDir, recordFileName(callID, "raw")))
			case RecordPCAP:
				return NewPCAPRecorder(filepath.Join(cfg.RecordDir, recordFileName(callID, "pcap")))
			default:
				return NoopRecorder{}, nil
			}
		},
	}
	return e, nil
}

// Start begins the reaper's periodic tick. The wheel is already running
// (NewWheel starts its own goroutine).
func (e *Engine) Start() {
	e.Reaper.OnExpire(func(*Session) { e.activeSessions.Add(-1) })
	e.Reaper.Start()
}

// Shutdown stops the pump and the wheel. Callers are responsible for
// having already drained or force-deleted sessions as the shutdown
// state machine (spec §4.11) requires.
func (e *Engine) Shutdown() {
	e.Pump.Shutdown()
	e.Wheel.Shutdown()
}

// SetDraining starts or stops the "deorbiting burn" slow-shutdown phase
// (spec GLOSSARY): while draining, admitSession rejects every new
// session regardless of the overload watermarks, so the main loop can
// wait for the table to empty on its own.
func (e *Engine) SetDraining(draining bool) {
	e.draining.Store(draining)
}

// Draining reports whether the engine is in the deorbiting-burn phase.
func (e *Engine) Draining() bool { return e.draining.Load() }

// admitSession applies the overload hysteresis described in SPEC_FULL
// §C.1 (from original_source/src/main.c): once the count reaches
// OverloadHigh, new sessions are rejected until the count drops back
// below OverloadLow.
func (e *Engine) admitSession() error {
	if e.draining.Load() {
		return fmt.Errorf("engine: %w: draining for shutdown", ErrOverload)
	}
	if e.Config.OverloadHigh <= 0 {
		return nil
	}
	count := int(e.activeSessions.Load())
	if e.inOverload.Load() {
		if count < e.Config.OverloadLow {
			e.inOverload.Store(false)
		} else {
			return fmt.Errorf("engine: %w", ErrOverload)
		}
	} else if count >= e.Config.OverloadHigh {
		e.inOverload.Store(true)
		return fmt.Errorf("engine: %w", ErrOverload)
	}
	return nil
}

// bindLeg allocates a port pair on bindAddr, builds the RTP/RTCP
// stream-sides, binds their sockets, and registers them with the pump.
func (e *Engine) bindLeg(owner *Session, bindAddr *BindAddr, asymmetric bool) (*Leg, error) {
	even, odd, err := e.Ports.Allocate(bindAddr)
	if err != nil {
		e.Stats.PortsExhausted()
		return nil, err
	}

	rtp, err := e.bindSide(owner, StreamRTP, bindAddr, even, asymmetric)
	if err != nil {
		e.Ports.Release(bindAddr, even)
		return nil, err
	}
	rtcp, err := e.bindSide(owner, StreamRTCP, bindAddr, odd, asymmetric)
	if err != nil {
		e.Pump.RemoveSocket(rtp)
		e.Ports.Release(bindAddr, even)
		return nil, err
	}

	return &Leg{BindAddr: bindAddr, Rtp: rtp, Rtcp: rtcp}, nil
}

func (e *Engine) bindSide(owner *Session, kind StreamKind, bindAddr *BindAddr, port uint16, asymmetric bool) (*StreamSide, error) {
	local := netip.AddrPortFrom(bindAddr.Addr, port)
	conn, err := net.ListenUDP(udpNetwork(bindAddr.Addr), net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("engine: %w: %v", ErrIO, err)
	}

	side := NewStreamSide(owner, kind, local, asymmetric)
	side.Conn = conn
	e.Pump.AddSocket(side)
	return side, nil
}

// recordFileName derives a filesystem-safe capture file name from a
// call-id, replacing path separators so a call-id can never escape
// RecordDir.
func recordFileName(callID, ext string) string {
	safe := make([]byte, 0, len(callID))
	for i := 0; i < len(callID); i++ {
		c := callID[i]
		if c == '/' || c == '\\' || c == 0 {
			c = '_'
		}
		safe = append(safe, c)
	}
	return string(safe) + "." + ext
}

func udpNetwork(addr netip.Addr) string {
	if addr.Is4() {
		return "udp4"
	}
	return "udp6"
}

// releaseLeg tears down a leg's sockets and releases its ports. Called
// from a session's payload destructor.
func (e *Engine) releaseLeg(leg *Leg) {
	if leg == nil {
		return
	}
	e.Pump.RemoveSocket(leg.Rtp)
	e.Pump.RemoveSocket(leg.Rtcp)
	e.Ports.Release(leg.BindAddr, leg.Rtp.Local.Port())
}
