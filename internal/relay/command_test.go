package relay_test

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sippy-relay/rtprelayd/internal/relay"
)

func newTestEngine(t *testing.T, portMin, portMax uint16) *relay.Engine {
	t.Helper()
	e, err := relay.NewEngine(relay.EngineConfig{
		PortMin:         portMin,
		PortMax:         portMax,
		AllocMode:       relay.AllocSequential,
		DefaultMaxTTL:   time.Hour,
		DefaultSetupTTL: time.Minute,
		DefaultTTLMode:  relay.TTLUnified,
	}, relay.NoopStatsSink{}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.Start()
	t.Cleanup(e.Shutdown)
	return e
}

// TestCommandUAllocatesEvenPort verifies the U opcode (spec §6.2) binds
// a fresh session and replies with an even local port.
func TestCommandUAllocatesEvenPort(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, 37000, 37010)
	cp := relay.NewCommandProcessor(engine)

	reply := cp.Handle("1 U call-u 10.0.0.5 6000 fromtag")
	fields := strings.Fields(reply)
	if len(fields) < 2 || fields[0] != "1" {
		t.Fatalf("reply = %q, want cookie 1 echoed", reply)
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		t.Fatalf("reply port %q not numeric: %v", fields[1], err)
	}
	if port%2 != 0 {
		t.Errorf("allocated port %d is not even", port)
	}
	if engine.Table.Len() != 1 {
		t.Errorf("Table.Len() = %d, want 1", engine.Table.Len())
	}
}

// TestCommandLRequiresExistingSession verifies the L opcode rejects a
// callee side with no prior U (spec §4.9 "must already exist").
func TestCommandLRequiresExistingSession(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, 37020, 37030)
	cp := relay.NewCommandProcessor(engine)

	reply := cp.Handle("2 L unknown-call 10.0.0.6 6002 from to")
	if !strings.HasPrefix(reply, "2 E") {
		t.Errorf("reply = %q, want an E<code> error for an unknown call-id", reply)
	}
}

// TestCommandUThenLBridgesSession exercises the full U -> L -> D
// session lifecycle (spec §4.6/§4.9).
func TestCommandUThenLBridgesSession(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, 37040, 37060)
	cp := relay.NewCommandProcessor(engine)

	if reply := cp.Handle("1 U call-bridge 10.0.0.5 6000 from"); strings.Contains(reply, "E") {
		t.Fatalf("U failed: %q", reply)
	}
	if reply := cp.Handle("2 L call-bridge 10.0.0.7 6100 from to"); strings.Contains(reply, "E") {
		t.Fatalf("L failed: %q", reply)
	}

	sess, ok := engine.Table.Lookup("call-bridge")
	if !ok {
		t.Fatal("session not found after U+L")
	}
	if sess.Caller == nil || sess.Callee == nil {
		t.Fatal("both legs should be attached after U+L")
	}
	if sess.Caller.Rtp.Peer() != sess.Callee.Rtp {
		t.Error("caller/callee RTP sides are not linked as peers")
	}

	if reply := cp.Handle("3 D call-bridge from"); reply != "3 0" {
		t.Errorf("D reply = %q, want \"3 0\"", reply)
	}
	if engine.Table.Len() != 0 {
		t.Errorf("Table.Len() = %d after D, want 0", engine.Table.Len())
	}
}

// TestCommandUnknownOpcode verifies unrecognized opcodes get a syntax
// error reply (spec §7 taxonomy).
func TestCommandUnknownOpcode(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, 37070, 37080)
	cp := relay.NewCommandProcessor(engine)

	reply := cp.Handle("9 ZZ")
	if reply != "9 E"+string(relay.CodeSyntax) {
		t.Errorf("reply = %q, want a syntax error", reply)
	}
}

// TestCommandEmptyLineUsesFallbackCookie verifies an unparseable line
// still gets the "0" fallback cookie (spec §6.2's leniency for garbage
// input), rather than a panic.
func TestCommandEmptyLineUsesFallbackCookie(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, 37090, 37100)
	cp := relay.NewCommandProcessor(engine)

	if reply := cp.Handle(""); reply != "0 E"+string(relay.CodeSyntax) {
		t.Errorf("reply = %q, want fallback-cookie syntax error", reply)
	}
}

// TestCommandOverloadHysteresis verifies SPEC_FULL §C.1: once the
// active-session count reaches the high watermark, further session
// creation is rejected until the count drops back below the low
// watermark.
func TestCommandOverloadHysteresis(t *testing.T) {
	t.Parallel()

	engine, err := relay.NewEngine(relay.EngineConfig{
		PortMin:         37110,
		PortMax:         37150,
		AllocMode:       relay.AllocSequential,
		DefaultMaxTTL:   time.Hour,
		DefaultSetupTTL: time.Minute,
		DefaultTTLMode:  relay.TTLUnified,
		OverloadLow:     0,
		OverloadHigh:    1,
	}, relay.NoopStatsSink{}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.Start()
	t.Cleanup(engine.Shutdown)

	cp := relay.NewCommandProcessor(engine)

	if reply := cp.Handle("1 U call-a 10.0.0.1 6000 from"); strings.Contains(reply, "E") {
		t.Fatalf("first session should be admitted: %q", reply)
	}
	reply := cp.Handle("2 U call-b 10.0.0.2 6002 from")
	if reply != "2 E"+string(relay.CodeOverload) {
		t.Errorf("reply = %q, want an overload error once at the high watermark", reply)
	}
}

// TestEngineDrainingRejectsNewSessions verifies the "deorbiting burn"
// slow-shutdown primitive (spec §4.11): once draining, even an
// otherwise-admissible session is rejected.
func TestEngineDrainingRejectsNewSessions(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, 37160, 37170)
	engine.SetDraining(true)
	cp := relay.NewCommandProcessor(engine)

	reply := cp.Handle("1 U call-draining 10.0.0.1 6000 from")
	if reply != "1 E"+string(relay.CodeOverload) {
		t.Errorf("reply = %q, want an overload error while draining", reply)
	}
}
