package relay_test

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/sippy-relay/rtprelayd/internal/relay"
)

type fakeStats struct {
	relay.NoopStatsSink
	destroyedReasons chan string
}

func (f *fakeStats) SessionDestroyed(reason string) {
	if f.destroyedReasons != nil {
		f.destroyedReasons <- reason
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestReaperExpiresIdleSession verifies spec §4.8: a session idle past
// its effective TTL is removed from the table, SessionDestroyed is
// reported with reason "ttl", and the engine-facing OnExpire hook fires.
func TestReaperExpiresIdleSession(t *testing.T) {
	table := relay.NewTable()
	wheel := relay.NewWheel()
	defer wheel.Shutdown()

	stats := &fakeStats{destroyedReasons: make(chan string, 1)}
	reaper := relay.NewReaper(wheel, table, stats, testLogger())

	sess, err := relay.NewSession("idle-call", time.Hour, time.Minute, relay.TTLUnified, relay.RecordOff, "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	table.Insert(sess)
	sess.MarkTrafficSeen() // effective TTL becomes MaxTTL (1h), but LastUpdate below predates it regardless

	local := netip.AddrPortFrom(mustAddr(t, "127.0.0.1"), 35000)
	leg := &relay.Leg{
		FromTag: "caller",
		Rtp:     relay.NewStreamSide(sess, relay.StreamRTP, local, false),
		Rtcp:    relay.NewStreamSide(sess, relay.StreamRTCP, local, false),
	}
	longAgo := time.Now().Add(-2 * time.Hour).UnixNano()
	leg.Rtp.Touch(longAgo)
	leg.Rtcp.Touch(longAgo)
	table.AttachLeg(sess, relay.LegCaller, leg)

	expired := make(chan string, 1)
	reaper.OnExpire(func(s *relay.Session) { expired <- s.CallID })
	reaper.Start()

	select {
	case callID := <-expired:
		if callID != "idle-call" {
			t.Errorf("expired call-id = %q, want %q", callID, "idle-call")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reaper never expired the idle session")
	}

	select {
	case reason := <-stats.destroyedReasons:
		if reason != "ttl" {
			t.Errorf("SessionDestroyed reason = %q, want %q", reason, "ttl")
		}
	default:
		t.Error("SessionDestroyed was not called")
	}

	if table.Len() != 0 {
		t.Errorf("Table.Len() = %d after expiry, want 0", table.Len())
	}
	if _, ok := table.Lookup("idle-call"); ok {
		t.Error("expired session still present in the table")
	}
}

// TestReaperLeavesActiveSessionAlone verifies a session with recent
// activity is not expired.
func TestReaperLeavesActiveSessionAlone(t *testing.T) {
	table := relay.NewTable()
	wheel := relay.NewWheel()
	defer wheel.Shutdown()

	stats := &fakeStats{}
	reaper := relay.NewReaper(wheel, table, stats, testLogger())

	sess, err := relay.NewSession("active-call", time.Hour, time.Minute, relay.TTLUnified, relay.RecordOff, "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	table.Insert(sess)
	sess.MarkTrafficSeen()

	local := netip.AddrPortFrom(mustAddr(t, "127.0.0.1"), 35002)
	leg := &relay.Leg{
		FromTag: "caller",
		Rtp:     relay.NewStreamSide(sess, relay.StreamRTP, local, false),
		Rtcp:    relay.NewStreamSide(sess, relay.StreamRTCP, local, false),
	}
	now := time.Now().UnixNano()
	leg.Rtp.Touch(now)
	leg.Rtcp.Touch(now)
	table.AttachLeg(sess, relay.LegCaller, leg)

	reaper.Start()
	time.Sleep(1500 * time.Millisecond)

	if table.Len() != 1 {
		t.Errorf("Table.Len() = %d, want 1 (active session should not expire)", table.Len())
	}
}
