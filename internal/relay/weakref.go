package relay

import (
	"sync"
	"sync/atomic"
)

// weakShards is the number of buckets the weak-ref table hashes uids
// into. The teacher guards a single map with one sync.RWMutex; the pump
// here is a concurrent reader distinct from the teacher's control-plane-
// only access pattern (spec §5), so the table is sharded to keep pump
// lookups from contending with command-processor registrations.
const weakShards = 16

// Weak is anything registerable in a WeakTable: it must expose its
// embedded Refcounted so the table can attempt an upgrade.
type Weak interface {
	refcount() *Refcounted
}

// uidGen mints uids for every WeakTable in the process, so a uid is
// unique across the sessions and streams tables alike.
var uidGen atomic.Uint64

type weakShard struct {
	mu      sync.RWMutex
	entries map[uint64]Weak
}

// WeakTable is a uid-keyed registry mapping ids to weak handles of live
// objects (spec §4.2). Entries are logically purged when the referenced
// object's Refcounted is poisoned; Get lazily removes a dead entry it
// encounters rather than requiring an explicit sweep.
type WeakTable struct {
	shards [weakShards]weakShard
}

// NewWeakTable constructs an empty weak-ref table.
func NewWeakTable() *WeakTable {
	t := &WeakTable{}
	for i := range t.shards {
		t.shards[i].entries = make(map[uint64]Weak)
	}
	return t
}

func (t *WeakTable) shardFor(uid uint64) *weakShard {
	return &t.shards[uid%weakShards]
}

// Register mints a new process-wide monotonic uid, stores a weak handle
// to obj, and returns the uid. The uid space is never reused.
func (t *WeakTable) Register(obj Weak) uint64 {
	uid := uidGen.Add(1)
	sh := t.shardFor(uid)
	sh.mu.Lock()
	sh.entries[uid] = obj
	sh.mu.Unlock()
	return uid
}

// Get upgrades uid to a strong reference if the target is still alive.
// It returns (obj, true) on success, having already called Incref on
// obj's behalf — the caller owns that new strong reference and must
// Decref it. Returns (nil, false) if the object is gone.
func (t *WeakTable) Get(uid uint64) (Weak, bool) {
	sh := t.shardFor(uid)
	sh.mu.RLock()
	obj, ok := sh.entries[uid]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !obj.refcount().TryIncref() {
		t.Unregister(uid)
		return nil, false
	}
	return obj, true
}

// Unregister explicitly removes uid, used on session deletion even
// while other readers may still hold strong references.
func (t *WeakTable) Unregister(uid uint64) {
	sh := t.shardFor(uid)
	sh.mu.Lock()
	delete(sh.entries, uid)
	sh.mu.Unlock()
}

// Len reports the number of live registrations, for diagnostics and
// tests; slow shutdown checks Table.Len instead.
func (t *WeakTable) Len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		n += len(t.shards[i].entries)
		t.shards[i].mu.RUnlock()
	}
	return n
}
