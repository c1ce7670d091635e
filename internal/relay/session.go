package relay

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TTLMode selects how idle time is computed across the two legs of a
// session (spec §3).
type TTLMode int

const (
	TTLUnified TTLMode = iota
	TTLIndependent
)

// RecordMode selects how (if at all) a session's media is captured
// (spec §3). The recording internals themselves are an out-of-scope
// external collaborator (spec §1); Session only carries the mode and
// drives whichever Recorder is wired in for it.
type RecordMode int

const (
	RecordOff RecordMode = iota
	RecordRaw
	RecordPCAP
)

// ParseRecordMode maps the CLI/config/wire-protocol token ("off",
// "raw", "pcap", case-insensitive, empty treated as "off") onto a
// RecordMode.
func ParseRecordMode(s string) (RecordMode, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return RecordOff, nil
	case "raw":
		return RecordRaw, nil
	case "pcap":
		return RecordPCAP, nil
	default:
		return RecordOff, fmt.Errorf("relay: %w: invalid record mode %q", ErrSyntax, s)
	}
}

// String renders a RecordMode back to its canonical token.
func (m RecordMode) String() string {
	switch m {
	case RecordRaw:
		return "raw"
	case RecordPCAP:
		return "pcap"
	default:
		return "off"
	}
}

// LegRole distinguishes the two stream-side pairs of a session.
type LegRole int

const (
	LegCaller LegRole = iota
	LegCallee
)

// Leg is one side of a call: its SIP dialog tags, its advertised bind
// address, and the RTP/RTCP stream-side pair bound for it. Spec §3:
// "for every RTP stream-side at local port P, there exists an RTCP
// stream-side at port P+1 sharing the same local address and lifetime."
type Leg struct {
	FromTag  string
	ToTag    string
	BindAddr *BindAddr
	Rtp      *StreamSide
	Rtcp     *StreamSide
}

// Session is a correlated pair of media legs belonging to one call
// (spec §3). It embeds a Refcounted: the call-id table holds the one
// strong reference that keeps it alive; stream-sides share this same
// Refcounted rather than holding an independent one (spec §9's
// "cyclic graphs" note — the back-edge from stream-side to session is
// expressed as shared ownership, not a second counter, so there is no
// reference cycle to break by hand).
type Session struct {
	rc *Refcounted

	CallID       string
	UID          uint64
	CreatedAt    time.Time
	MaxTTL       time.Duration
	SetupTTL     time.Duration
	TTLMode      TTLMode
	RecordMode   RecordMode
	NotifyTarget string

	mu     sync.Mutex
	Caller *Leg
	Callee *Leg

	seenTraffic boolFlag

	recorder  Recorder
	notifier  Notifier
	onDestroy func(*Session) // detaches sockets/ports; set by the command processor

	PacketsIn  atomic.Int64
	PacketsOut atomic.Int64
	BytesIn    atomic.Int64
	BytesOut   atomic.Int64
}

// refcount implements Weak for Session.
func (s *Session) refcount() *Refcounted { return s.rc }

// Incref/Decref expose the shared Refcounted to callers outside the
// package boundary that need to hold a session alive across an
// asynchronous step (e.g. the pump holding a socket's stream-side for
// the duration of one packet).
func (s *Session) Incref() { s.rc.Incref() }
func (s *Session) Decref() { s.rc.Decref() }

// boolFlag is a tiny atomic bool used for the setup_ttl->max_ttl
// transition (spec §9 open question c): "the first successful forward
// in either direction" flips it permanently.
type boolFlag struct{ v atomic.Bool }

func (f *boolFlag) set() bool { return f.v.CompareAndSwap(false, true) }
func (f *boolFlag) get() bool { return f.v.Load() }

// EffectiveTTL returns the TTL that currently applies to the session:
// SetupTTL until the first packet has been forwarded in either
// direction, MaxTTL afterward.
func (s *Session) EffectiveTTL() time.Duration {
	if s.seenTraffic.get() {
		return s.MaxTTL
	}
	return s.SetupTTL
}

// MarkTrafficSeen records the first successful forward, flipping the
// session from setup_ttl to max_ttl. Idempotent.
func (s *Session) MarkTrafficSeen() {
	s.seenTraffic.set()
}

// LegFor returns the session's caller or callee leg.
func (s *Session) LegFor(role LegRole) *Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == LegCaller {
		return s.Caller
	}
	return s.Callee
}

// Table is the session table: call_id -> *Session (spec §4.6). It is
// the single lock C9/C8 serialize through; C7 never takes it (it reaches
// a session through its stream-side's owner pointer and holds it with
// TryIncref for the duration of one packet).
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
	weak     *WeakTable // sessions weak-ref table, by uid
	streams  *WeakTable // streams weak-ref table, by uid
}

// NewTable constructs an empty session table.
func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
		weak:     NewWeakTable(),
		streams:  NewWeakTable(),
	}
}

// Lookup returns the session for callID, if present, without creating
// one.
func (t *Table) Lookup(callID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[callID]
	return s, ok
}

// Insert adds a newly constructed session to the table, registers it in
// the sessions weak-ref table, and registers each of its (as yet
// sideless) stream slots once legs are attached via AttachLeg. Spec
// §4.6: "On creation, the session is inserted into the call-id map and
// its uid is registered into the sessions weak-ref table."
func (t *Table) Insert(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.CallID] = s
	s.UID = t.weak.Register(s)
}

// AttachLeg installs a leg (caller or callee) on an existing session and
// registers its two stream-sides in the streams weak-ref table. Must be
// called with no external lock held; it takes the session's own mutex.
func (t *Table) AttachLeg(s *Session, role LegRole, leg *Leg) {
	s.mu.Lock()
	if role == LegCaller {
		s.Caller = leg
	} else {
		s.Callee = leg
	}
	s.mu.Unlock()

	leg.Rtp.UID = t.streams.Register(leg.Rtp)
	leg.Rtcp.UID = t.streams.Register(leg.Rtcp)
}

// Delete removes callID from the table and both weak-ref tables, then
// drops the table's strong reference. Actual teardown (socket close,
// port release, notify) runs when the last strong ref — possibly still
// held by an in-flight pump callback — is dropped (spec §4.8, §5
// cancellation).
func (t *Table) Delete(callID string) (*Session, bool) {
	t.mu.Lock()
	s, ok := t.sessions[callID]
	if ok {
		delete(t.sessions, s.CallID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, false
	}

	t.weak.Unregister(s.UID)
	for _, leg := range []*Leg{s.Caller, s.Callee} {
		if leg == nil {
			continue
		}
		t.streams.Unregister(leg.Rtp.UID)
		t.streams.Unregister(leg.Rtcp.UID)
	}
	if s.onDestroy != nil {
		s.rc.Attach(func() { s.onDestroy(s) })
	}
	s.rc.Decref()
	return s, true
}

// GetOrCreate returns the existing session for callID, or calls factory
// to build one and inserts it, all under the table's single lock — the
// atomicity spec §4.9 requires of "look up or create the session."
// factory must not touch the table itself.
func (t *Table) GetOrCreate(callID string, factory func() (*Session, error)) (sess *Session, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[callID]; ok {
		return s, false, nil
	}
	s, err := factory()
	if err != nil {
		return nil, false, err
	}
	t.sessions[callID] = s
	s.UID = t.weak.Register(s)
	return s, true, nil
}

// Len reports the number of call-ids currently in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// SessionsWeak and StreamsWeak expose the underlying weak-ref tables.
// The slow-shutdown check uses Len instead, and the pump reaches
// sessions through stream-side owner pointers, not these tables.
func (t *Table) SessionsWeak() *WeakTable { return t.weak }
func (t *Table) StreamsWeak() *WeakTable  { return t.streams }

// ForEach calls fn for every session currently in the table. fn must
// not mutate the table.
func (t *Table) ForEach(fn func(*Session)) {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		fn(s)
	}
}

// NewSession constructs a Session with a freshly initialized Refcounted
// and no legs attached yet. callID must be non-empty and at most 256
// bytes (spec §3).
func NewSession(callID string, maxTTL, setupTTL time.Duration, ttlMode TTLMode, recordMode RecordMode, notifyTarget string) (*Session, error) {
	if callID == "" || len(callID) > 256 {
		return nil, fmt.Errorf("session: %w: call-id must be 1..256 bytes", ErrSyntax)
	}
	s := &Session{
		rc:           InitRefcount("session:" + callID),
		CallID:       callID,
		CreatedAt:    time.Now(),
		MaxTTL:       maxTTL,
		SetupTTL:     setupTTL,
		TTLMode:      ttlMode,
		RecordMode:   recordMode,
		NotifyTarget: notifyTarget,
	}
	return s, nil
}
