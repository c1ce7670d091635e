package relay

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Abort is called when a poisoned refcounted object receives a method
// call after its zero-transition (use-after-free). It is a package
// variable rather than a hard os.Exit call so tests can observe the
// abort instead of killing the test binary.
var Abort = func(method string) {
	slog.Default().Error("refcount poison: use after free", slog.String("method", method))
	os.Exit(2)
}

// Refcounted is the shared-ownership primitive every long-lived relay
// object (Session, StreamSide) embeds. It mirrors a manual intrusive
// refcount: incref/decref are linearizable, and the zero-transition
// swaps in a poison state so any further call aborts the process naming
// the offending method instead of touching freed state.
type Refcounted struct {
	count   atomic.Int32
	trace   atomic.Bool
	name    string
	mu      sync.Mutex
	preDtor []func()
	payload func()
	poison  atomic.Bool
}

// InitRefcount initializes a Refcounted with an initial count of 1 and a
// diagnostic name used in trace lines and abort messages.
func InitRefcount(name string) *Refcounted {
	rc := &Refcounted{name: name}
	rc.count.Store(1)
	return rc
}

func (rc *Refcounted) checkLive(method string) bool {
	if rc.poison.Load() {
		Abort(fmt.Sprintf("%s.%s", rc.name, method))
		return false
	}
	return true
}

// Incref atomically increments the reference count. No observable side
// effect on state.
func (rc *Refcounted) Incref() {
	if !rc.checkLive("Incref") {
		return
	}
	n := rc.count.Add(1)
	if rc.trace.Load() {
		slog.Default().Debug("refcount incref", slog.String("obj", rc.name), slog.Int64("count", int64(n)))
	}
}

// Decref atomically decrements the reference count. On the 0-transition
// it runs the attached pre-destructors (in attach order), then the
// payload destructor, then poisons the object so any straggling call is
// caught.
func (rc *Refcounted) Decref() {
	if !rc.checkLive("Decref") {
		return
	}
	n := rc.count.Add(-1)
	if rc.trace.Load() {
		slog.Default().Debug("refcount decref", slog.String("obj", rc.name), slog.Int64("count", int64(n)))
	}
	if n > 0 {
		return
	}
	if n < 0 {
		Abort(fmt.Sprintf("%s.Decref (count underflow)", rc.name))
		return
	}

	rc.mu.Lock()
	hooks := rc.preDtor
	dtor := rc.payload
	rc.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	if dtor != nil {
		dtor()
	}
	rc.poison.Store(true)
}

// Attach registers one pre-destructor, called on the 0-transition before
// the payload destructor. Multiple calls append; all registered hooks
// run, in registration order.
func (rc *Refcounted) Attach(dtor func()) {
	rc.mu.Lock()
	rc.preDtor = append(rc.preDtor, dtor)
	rc.mu.Unlock()
}

// RegPD sets the payload destructor. Must be called exactly once per
// object before it can be decrefed to zero; a second call replaces the
// first (last registration wins), matching the "set, don't accumulate"
// semantics of a single payload.
func (rc *Refcounted) RegPD(dtor func()) {
	rc.mu.Lock()
	rc.payload = dtor
	rc.mu.Unlock()
}

// Traceen enables or disables a debug log line on every Incref/Decref.
func (rc *Refcounted) Traceen(on bool) {
	rc.trace.Store(on)
}

// TryIncref attempts to upgrade a weak reference to a strong one. It
// succeeds (returns true) only if the count is still positive at the
// moment of the attempt; it never resurrects an object whose count has
// already reached zero. This is the primitive weakref.get (C2) builds
// its upgrade-or-none semantics on.
func (rc *Refcounted) TryIncref() bool {
	if rc.poison.Load() {
		return false
	}
	for {
		n := rc.count.Load()
		if n <= 0 {
			return false
		}
		if rc.count.CompareAndSwap(n, n+1) {
			if rc.trace.Load() {
				slog.Default().Debug("refcount tryincref", slog.String("obj", rc.name), slog.Int64("count", int64(n+1)))
			}
			return true
		}
	}
}

// Count returns the current reference count. Intended for diagnostics
// and tests, not for synchronization decisions.
func (rc *Refcounted) Count() int32 {
	return rc.count.Load()
}

// Poisoned reports whether the object has completed its 0-transition.
func (rc *Refcounted) Poisoned() bool {
	return rc.poison.Load()
}
