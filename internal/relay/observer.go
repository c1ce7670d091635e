package relay

import "sync"

// PacketContext carries the metadata an observer needs about the
// packet it is being offered, without exposing internal stream-side
// state.
type PacketContext struct {
	CallID string
	Kind   StreamKind
	Role   LegRole
}

// Observer is a registered inspection/transformation sink (spec §4.12).
// OnPacket receives a read-only view of the packet about to be
// forwarded. It may return nil to pass the packet through
// unchanged, or a replacement buffer to have it forwarded instead of
// the original — replacements compose across observers in registration
// order, each seeing the previous observer's replacement.
type Observer interface {
	Name() string
	OnPacket(ctx PacketContext, payload []byte) (replacement []byte)
}

// ObserverManager dispatches packet copies to every registered
// observer (C12). Registering a second observer under a name already
// present replaces it, per spec §4.12 ("replacement composition in
// registration order" — re-registration keeps the original slot so
// ordering is preserved across a hot-reload).
type ObserverManager struct {
	mu        sync.RWMutex
	observers []Observer
	byName    map[string]int
}

// NewObserverManager constructs an empty registry.
func NewObserverManager() *ObserverManager {
	return &ObserverManager{byName: make(map[string]int)}
}

// Register adds o, or replaces the observer already registered under
// o.Name() in place.
func (m *ObserverManager) Register(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.byName[o.Name()]; ok {
		m.observers[idx] = o
		return
	}
	m.byName[o.Name()] = len(m.observers)
	m.observers = append(m.observers, o)
}

// Unregister removes the observer registered under name, if any.
func (m *ObserverManager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byName[name]
	if !ok {
		return
	}
	m.observers = append(m.observers[:idx], m.observers[idx+1:]...)
	delete(m.byName, name)
	for n, i := range m.byName {
		if i > idx {
			m.byName[n] = i - 1
		}
	}
}

// Dispatch offers payload to every registered observer in order,
// threading each observer's replacement into the next, and returns the
// final buffer to forward. If no observer replaces it, the original
// payload is returned unchanged (same backing array).
func (m *ObserverManager) Dispatch(ctx PacketContext, payload []byte) []byte {
	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()

	current := payload
	for _, o := range observers {
		if replacement := o.OnPacket(ctx, current); replacement != nil {
			current = replacement
		}
	}
	return current
}

// Len reports the number of registered observers, for the G (stats)
// opcode and diagnostics.
func (m *ObserverManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}
