package relay

import (
	"net/netip"
	"sync"
)

// BindAddr is an interned (family, address) handle. Two stream-sides
// that advertise the same host end up with the same *BindAddr pointer,
// so they can be compared by identity and share one port pool (spec
// §4.4). Family is carried explicitly rather than derived from Addr so
// an IPv4-mapped IPv6 literal and its v4 form intern to distinct
// handles when the caller cares about the distinction.
type BindAddr struct {
	Addr   netip.Addr
	Family int // opaque family tag; the command processor passes 4 or 6
}

type bindAddrKey struct {
	addr   netip.Addr
	family int
}

// BindAddrCache interns (family, address) tuples into stable handles.
type BindAddrCache struct {
	mu      sync.RWMutex
	entries map[bindAddrKey]*BindAddr
}

// NewBindAddrCache constructs an empty cache.
func NewBindAddrCache() *BindAddrCache {
	return &BindAddrCache{entries: make(map[bindAddrKey]*BindAddr)}
}

// Intern returns the stable handle for (family, addr), creating one on
// first use. Repeated calls with an equal key return the same pointer.
func (c *BindAddrCache) Intern(family int, addr netip.Addr) *BindAddr {
	key := bindAddrKey{addr: addr, family: family}

	c.mu.RLock()
	h, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return h
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.entries[key]; ok {
		return h
	}
	h = &BindAddr{Addr: addr, Family: family}
	c.entries[key] = h
	return h
}

// Len reports the number of distinct interned handles, for diagnostics.
func (c *BindAddrCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// PortAllocator owns one PortPool per (family, advertised-set) handle,
// creating pools lazily from a shared [portMin, portMax] range and mode.
// This is the C3 component as actually exercised by C9: commands never
// talk to a bare PortPool, they go through the allocator keyed by the
// BindAddr the session advertises.
type PortAllocator struct {
	mu       sync.Mutex
	pools    map[*BindAddr]*PortPool
	portMin  uint16
	portMax  uint16
	mode     AllocMode
}

// NewPortAllocator builds an allocator that will lazily create pools
// over [portMin, portMax] in the given mode.
func NewPortAllocator(portMin, portMax uint16, mode AllocMode) *PortAllocator {
	return &PortAllocator{
		pools:   make(map[*BindAddr]*PortPool),
		portMin: portMin,
		portMax: portMax,
		mode:    mode,
	}
}

// Allocate returns an (even, odd) pair from the pool for bindAddr,
// creating the pool on first use.
func (a *PortAllocator) Allocate(bindAddr *BindAddr) (even, odd uint16, err error) {
	pool, err := a.poolFor(bindAddr)
	if err != nil {
		return 0, 0, err
	}
	return pool.Allocate()
}

// Release returns an (even, odd) pair to the pool for bindAddr.
func (a *PortAllocator) Release(bindAddr *BindAddr, even uint16) {
	a.mu.Lock()
	pool := a.pools[bindAddr]
	a.mu.Unlock()
	if pool != nil {
		pool.Release(even)
	}
}

// Free reports the total number of free pairs across every pool the
// allocator has created so far.
func (a *PortAllocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, pool := range a.pools {
		total += pool.Free()
	}
	return total
}

func (a *PortAllocator) poolFor(bindAddr *BindAddr) (*PortPool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pool, ok := a.pools[bindAddr]; ok {
		return pool, nil
	}
	pool, err := NewPortPool(a.portMin, a.portMax, a.mode)
	if err != nil {
		return nil, err
	}
	a.pools[bindAddr] = pool
	return pool, nil
}
