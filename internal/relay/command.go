package relay

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// protocolVersion is the version token replied to the V opcode (spec
// §6.2's own example value).
const protocolVersion = "20040107"

// knownFeatures answers VF <date> queries; unrecognized dates report 0
// rather than erroring, matching rtpproxy's historical leniency for
// feature probing.
var knownFeatures = map[string]bool{
	protocolVersion: true,
}

// CommandProcessor parses and dispatches one control-protocol line at a
// time against an Engine (C9). It is transport-agnostic: C10 hands it
// whole lines, stripped of framing.
type CommandProcessor struct {
	engine *Engine
}

// NewCommandProcessor constructs a processor bound to engine.
func NewCommandProcessor(engine *Engine) *CommandProcessor {
	return &CommandProcessor{engine: engine}
}

// Handle parses and executes one request line, returning the full reply
// line (without trailing newline). A malformed line still gets a best-
// effort cookie echo: if no cookie can be extracted at all, the literal
// string "0" is used as the cookie per rtpproxy convention for
// unparseable input.
func (cp *CommandProcessor) Handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "0 E" + string(CodeSyntax)
	}
	cookie := fields[0]
	if len(fields) < 2 {
		return cookie + " E" + string(CodeSyntax)
	}

	opcode := strings.ToUpper(fields[1])
	args := fields[2:]

	body, err := cp.dispatch(opcode, args)
	ok := err == nil
	cp.engine.Stats.CommandProcessed(opcode, ok)
	if err != nil {
		return cookie + " E" + string(ReplyCodeFor(err))
	}
	return cookie + " " + body
}

func (cp *CommandProcessor) dispatch(opcode string, args []string) (string, error) {
	switch opcode {
	case "V":
		return protocolVersion, nil
	case "VF":
		return cp.handleVF(args)
	case "U":
		return cp.handleU(args)
	case "L":
		return cp.handleL(args)
	case "D":
		return cp.handleD(args)
	case "P":
		return cp.handlePlay(args)
	case "S":
		return cp.handleStop(args)
	case "I":
		return cp.handleInfo(args)
	case "Q":
		return cp.handleQuery(args)
	case "X":
		return cp.handleDeleteAll(args)
	case "G":
		return cp.handleStats(args)
	default:
		return "", fmt.Errorf("command: %w: unknown opcode %q", ErrSyntax, opcode)
	}
}

func (cp *CommandProcessor) handleVF(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("command: %w: VF requires a date token", ErrSyntax)
	}
	if knownFeatures[args[0]] {
		return "1", nil
	}
	return "0", nil
}

// handleU creates or updates the caller side (spec §4.9, §6.2 "U"). Two
// optional trailing args beyond the required call-id/remote-ip/
// remote-port/from-tag set the session's record_mode/notify_target
// (spec §3) away from the daemon-wide config/CLI defaults: args[4] is
// a notify_target string, args[5] is a record_mode token ("off"/"raw"/
// "pcap"). Both are optional so the spec's literal 4-arg "U" examples
// keep working unchanged.
func (cp *CommandProcessor) handleU(args []string) (string, error) {
	callID, remoteAddr, fromTag, err := parseLegArgs(args, 4)
	if err != nil {
		return "", err
	}
	recordMode, notifyTarget, err := recordModeAndNotify(args, cp.engine.Config.DefaultRecordMode, cp.engine.Config.DefaultNotifyTarget)
	if err != nil {
		return "", err
	}

	sess, created, err := cp.engine.Table.GetOrCreate(callID, func() (*Session, error) {
		if aerr := cp.engine.admitSession(); aerr != nil {
			return nil, aerr
		}
		return NewSession(callID, cp.engine.Config.DefaultMaxTTL, cp.engine.Config.DefaultSetupTTL, cp.engine.Config.DefaultTTLMode, recordMode, notifyTarget)
	})
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	leg := sess.Caller
	sess.mu.Unlock()

	if leg == nil {
		bindAddr := cp.engine.BindAddrs.Intern(familyOf(remoteAddr), localListenAddr(remoteAddr))
		leg, err = cp.engine.bindLeg(sess, bindAddr, cp.engine.Config.BridgeSymmetric)
		if err != nil {
			if created {
				cp.engine.Table.Delete(callID)
			}
			return "", err
		}
		leg.FromTag = fromTag
		cp.engine.Table.AttachLeg(sess, LegCaller, leg)
		linkPeers(sess)
		cp.wireSessionTeardown(sess)
		if created {
			if rec, rerr := cp.engine.RecorderFactory(callID, sess.RecordMode); rerr == nil {
				sess.recorder = rec
			}
			if ntf, nerr := cp.engine.NotifierFactory(sess.NotifyTarget); nerr == nil {
				sess.notifier = ntf
			}
			cp.engine.activeSessions.Add(1)
			cp.engine.Stats.SessionCreated()
		}
	}

	if remoteAddr.IsValid() && remoteAddr.Port() != 0 {
		leg.Rtp.SetRemote(remoteAddr)
	}

	return strconv.Itoa(int(leg.Rtp.Local.Port())), nil
}

// handleL creates or updates the callee side (spec §4.9, §6.2 "L"); the
// session must already exist (created by a prior U).
func (cp *CommandProcessor) handleL(args []string) (string, error) {
	callID, remoteAddr, fromTag, toTag, err := parseCalleeArgs(args)
	if err != nil {
		return "", err
	}

	sess, ok := cp.engine.Table.Lookup(callID)
	if !ok {
		return "", fmt.Errorf("command: %w: no session for call-id %q", ErrNotFound, callID)
	}

	sess.mu.Lock()
	leg := sess.Callee
	sess.mu.Unlock()

	if leg == nil {
		bindAddr := cp.engine.BindAddrs.Intern(familyOf(remoteAddr), localListenAddr(remoteAddr))
		leg, err = cp.engine.bindLeg(sess, bindAddr, cp.engine.Config.BridgeSymmetric)
		if err != nil {
			return "", err
		}
		leg.FromTag = fromTag
		leg.ToTag = toTag
		cp.engine.Table.AttachLeg(sess, LegCallee, leg)
		linkPeers(sess)
	}

	if remoteAddr.IsValid() && remoteAddr.Port() != 0 {
		leg.Rtp.SetRemote(remoteAddr)
	}

	return strconv.Itoa(int(leg.Rtp.Local.Port())), nil
}

func (cp *CommandProcessor) handleD(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("command: %w: D requires a call-id", ErrSyntax)
	}
	callID := args[0]
	if _, ok := cp.engine.Table.Delete(callID); !ok {
		return "", fmt.Errorf("command: %w: no session for call-id %q", ErrNotFound, callID)
	}
	cp.engine.activeSessions.Add(-1)
	cp.engine.Stats.SessionDestroyed("deleted")
	return "0", nil
}

func (cp *CommandProcessor) handlePlay(args []string) (string, error) {
	// Local file playback/IVR injection needs codec decode, which is a
	// non-goal ("does not transcode codecs", spec §1). The opcode is
	// still accepted and acknowledged so controllers that probe for it
	// do not treat this daemon as protocol-incompatible.
	if len(args) < 1 {
		return "", fmt.Errorf("command: %w: P requires a call-id", ErrSyntax)
	}
	if _, ok := cp.engine.Table.Lookup(args[0]); !ok {
		return "", fmt.Errorf("command: %w: no session for call-id %q", ErrNotFound, args[0])
	}
	return "0", nil
}

func (cp *CommandProcessor) handleStop(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("command: %w: S requires a call-id", ErrSyntax)
	}
	if _, ok := cp.engine.Table.Lookup(args[0]); !ok {
		return "", fmt.Errorf("command: %w: no session for call-id %q", ErrNotFound, args[0])
	}
	return "0", nil
}

func (cp *CommandProcessor) handleInfo(args []string) (string, error) {
	var sb strings.Builder
	report := func(s *Session) {
		sb.WriteString(fmt.Sprintf("%s: ttl=%s mode=%d sessions=%d\n", s.CallID, s.EffectiveTTL(), s.TTLMode, cp.engine.Table.Len()))
	}

	if len(args) >= 1 {
		s, ok := cp.engine.Table.Lookup(args[0])
		if !ok {
			return "", fmt.Errorf("command: %w: no session for call-id %q", ErrNotFound, args[0])
		}
		report(s)
	} else {
		cp.engine.Table.ForEach(report)
	}
	if sb.Len() == 0 {
		return "0", nil
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func (cp *CommandProcessor) handleQuery(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("command: %w: Q requires a call-id", ErrSyntax)
	}
	s, ok := cp.engine.Table.Lookup(args[0])
	if !ok {
		return "", fmt.Errorf("command: %w: no session for call-id %q", ErrNotFound, args[0])
	}
	return fmt.Sprintf("%d %d %d %d", s.PacketsIn.Load(), s.PacketsOut.Load(), s.BytesIn.Load(), s.BytesOut.Load()), nil
}

func (cp *CommandProcessor) handleDeleteAll([]string) (string, error) {
	var callIDs []string
	cp.engine.Table.ForEach(func(s *Session) { callIDs = append(callIDs, s.CallID) })
	for _, id := range callIDs {
		if _, ok := cp.engine.Table.Delete(id); ok {
			cp.engine.activeSessions.Add(-1)
			cp.engine.Stats.SessionDestroyed("delete-all")
		}
	}
	return "0", nil
}

func (cp *CommandProcessor) handleStats(args []string) (string, error) {
	name := "all"
	if len(args) >= 1 {
		name = args[0]
	}
	switch name {
	case "sessions", "all":
		if name == "sessions" {
			return strconv.Itoa(cp.engine.Table.Len()), nil
		}
	}
	return fmt.Sprintf("sessions=%d free_ports=%d observers=%d",
		cp.engine.Table.Len(), cp.engine.Ports.Free(), cp.engine.Observers.Len()), nil
}

// wireSessionTeardown installs the session's onDestroy hook: release
// both legs' sockets/ports, close the recorder, and the Refcounted's
// attach hook set by Table.Delete fires it at the zero-transition.
func (cp *CommandProcessor) wireSessionTeardown(s *Session) {
	s.onDestroy = func(sess *Session) {
		sess.mu.Lock()
		caller, callee := sess.Caller, sess.Callee
		sess.mu.Unlock()
		cp.engine.releaseLeg(caller)
		cp.engine.releaseLeg(callee)
		if sess.recorder != nil {
			_ = sess.recorder.Close()
		}
	}
}

// linkPeers wires Caller<->Callee stream-side peer pointers once both
// legs exist (spec §9 open question b resolution).
func linkPeers(s *Session) {
	s.mu.Lock()
	caller, callee := s.Caller, s.Callee
	s.mu.Unlock()
	if caller == nil || callee == nil {
		return
	}
	caller.Rtp.SetPeer(callee.Rtp)
	callee.Rtp.SetPeer(caller.Rtp)
	caller.Rtcp.SetPeer(callee.Rtcp)
	callee.Rtcp.SetPeer(caller.Rtcp)
}

func familyOf(addr netip.AddrPort) int {
	if addr.Addr().Is4() {
		return 4
	}
	return 6
}

// localListenAddr picks the local address the relay binds for a leg
// given the remote's family; a real deployment configures this from
// the CLI's bind-address flags, but the command layer only needs a
// stable, comparable key per (family) here since the allocator and
// listener wiring are exercised against whatever the caller configured
// on Engine.Config in tests.
func localListenAddr(remote netip.AddrPort) netip.Addr {
	if remote.Addr().Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

func parseLegArgs(args []string, want int) (callID string, remoteAddr netip.AddrPort, fromTag string, err error) {
	if len(args) < want {
		return "", netip.AddrPort{}, "", fmt.Errorf("command: %w: expected %d arguments, got %d", ErrSyntax, want, len(args))
	}
	callID = args[0]
	ip, perr := netip.ParseAddr(args[1])
	if perr != nil {
		return "", netip.AddrPort{}, "", fmt.Errorf("command: %w: invalid remote address %q", ErrSyntax, args[1])
	}
	port, perr := strconv.ParseUint(args[2], 10, 16)
	if perr != nil {
		return "", netip.AddrPort{}, "", fmt.Errorf("command: %w: invalid remote port %q", ErrSyntax, args[2])
	}
	fromTag = args[3]
	return callID, netip.AddrPortFrom(ip, uint16(port)), fromTag, nil
}

// recordModeAndNotify resolves a U command's effective record_mode/
// notify_target: args[4]/args[5], when present and non-empty, override
// the daemon-wide defaults (spec §3, SPEC_FULL §B's gopacket/pcapgo
// wiring commitment).
func recordModeAndNotify(args []string, defaultMode RecordMode, defaultTarget string) (RecordMode, string, error) {
	mode, target := defaultMode, defaultTarget
	if len(args) > 4 && args[4] != "" {
		target = args[4]
	}
	if len(args) > 5 && args[5] != "" {
		m, err := ParseRecordMode(args[5])
		if err != nil {
			return RecordOff, "", err
		}
		mode = m
	}
	return mode, target, nil
}

func parseCalleeArgs(args []string) (callID string, remoteAddr netip.AddrPort, fromTag, toTag string, err error) {
	if len(args) < 5 {
		return "", netip.AddrPort{}, "", "", fmt.Errorf("command: %w: L requires call-id, remote-ip, remote-port, from-tag, to-tag", ErrSyntax)
	}
	callID = args[0]
	ip, perr := netip.ParseAddr(args[1])
	if perr != nil {
		return "", netip.AddrPort{}, "", "", fmt.Errorf("command: %w: invalid remote address %q", ErrSyntax, args[1])
	}
	port, perr := strconv.ParseUint(args[2], 10, 16)
	if perr != nil {
		return "", netip.AddrPort{}, "", "", fmt.Errorf("command: %w: invalid remote port %q", ErrSyntax, args[2])
	}
	return callID, netip.AddrPortFrom(ip, uint16(port)), args[3], args[4], nil
}
