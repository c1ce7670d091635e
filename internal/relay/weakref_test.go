package relay_test

import (
	"testing"
	"time"

	"github.com/sippy-relay/rtprelayd/internal/relay"
)

func newTestSession(t *testing.T) *relay.Session {
	t.Helper()
	s, err := relay.NewSession("call-"+t.Name(), time.Hour, time.Minute, relay.TTLUnified, relay.RecordOff, "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

// TestWeakTableGetSucceedsWhileLive verifies invariant 3 (spec §8):
// weakref.get returns some iff a strong ref exists elsewhere.
func TestWeakTableGetSucceedsWhileLive(t *testing.T) {
	t.Parallel()

	table := relay.NewWeakTable()
	s := newTestSession(t)
	uid := table.Register(s)

	got, ok := table.Get(uid)
	if !ok {
		t.Fatal("Get failed on a live object")
	}
	if got != relay.Weak(s) {
		t.Error("Get returned a different object than was registered")
	}
	s.Decref() // release the strong ref Get granted us
}

// TestWeakTableGetFailsAfterDeath verifies Get returns (nil, false) once
// the object's refcount has dropped to zero.
func TestWeakTableGetFailsAfterDeath(t *testing.T) {
	t.Parallel()

	table := relay.NewWeakTable()
	s := newTestSession(t)
	uid := table.Register(s)

	s.Decref() // count -> 0, poisoned

	if _, ok := table.Get(uid); ok {
		t.Error("Get succeeded on a dead object")
	}
	if table.Len() != 0 {
		t.Error("Get did not purge the dead entry")
	}
}

func TestWeakTableUnregister(t *testing.T) {
	t.Parallel()

	table := relay.NewWeakTable()
	s := newTestSession(t)
	uid := table.Register(s)

	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}
	table.Unregister(uid)
	if table.Len() != 0 {
		t.Errorf("Len() = %d after Unregister, want 0", table.Len())
	}
	if _, ok := table.Get(uid); ok {
		t.Error("Get succeeded after Unregister")
	}

	s.Decref()
}

func TestWeakTableUIDsNeverReused(t *testing.T) {
	t.Parallel()

	table := relay.NewWeakTable()
	s1 := newTestSession(t)
	s2 := newTestSession(t)

	uid1 := table.Register(s1)
	uid2 := table.Register(s2)

	if uid1 == uid2 {
		t.Fatal("two registrations received the same uid")
	}

	s1.Decref()
	s2.Decref()
}
