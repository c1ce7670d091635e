package relay

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
)

// AllocMode selects the port allocator's search strategy.
type AllocMode int

const (
	// AllocSequential always returns the lowest free pair.
	AllocSequential AllocMode = iota
	// AllocRandom returns a uniformly chosen free pair, grounded on the
	// teacher's DiscriminatorAllocator (crypto/rand + bounded retry).
	AllocRandom
)

// maxAllocAttempts bounds the random-mode retry loop, mirroring the
// teacher's discriminator allocator.
const maxAllocAttempts = 100

// PortPool allocates even/odd UDP port pairs from [portMin, portMax] for
// one (family, advertised-set) key (spec §3, §4.3). Both bounds must be
// even and portMax+1 <= 65535; NewPortPool enforces this.
type PortPool struct {
	mu       sync.Mutex
	portMin  uint16
	portMax  uint16
	mode     AllocMode
	free     map[uint16]struct{} // keyed by the even (RTP) port of the pair
	sequence []uint16            // sorted free list, maintained for sequential mode
}

// NewPortPool validates the range and builds a pool with every pair
// initially free.
func NewPortPool(portMin, portMax uint16, mode AllocMode) (*PortPool, error) {
	if portMin%2 != 0 || portMax%2 != 0 {
		return nil, fmt.Errorf("port pool: %w: port_min and port_max must both be even", ErrSyntax)
	}
	if portMax < portMin {
		return nil, fmt.Errorf("port pool: %w: port_max must be >= port_min", ErrSyntax)
	}
	if int(portMax)+1 > 65535 {
		return nil, fmt.Errorf("port pool: %w: port_max+1 must be <= 65535", ErrSyntax)
	}

	p := &PortPool{
		portMin: portMin,
		portMax: portMax,
		mode:    mode,
		free:    make(map[uint16]struct{}),
	}
	for port := portMin; port <= portMax; port += 2 {
		p.free[port] = struct{}{}
		p.sequence = append(p.sequence, port)
		if port > 65533 { // guard against uint16 wraparound at the top of the range
			break
		}
	}
	return p, nil
}

// Allocate returns an (even, odd) pair, removing it from the free set.
// Two concurrent allocations always return distinct pairs.
func (p *PortPool) Allocate() (even, odd uint16, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, 0, fmt.Errorf("port pool: %w", ErrResourceExhausted)
	}

	var chosen uint16
	switch p.mode {
	case AllocSequential:
		chosen = p.lowestFreeLocked()
	case AllocRandom:
		chosen, err = p.randomFreeLocked()
		if err != nil {
			return 0, 0, err
		}
	default:
		chosen = p.lowestFreeLocked()
	}

	delete(p.free, chosen)
	return chosen, chosen + 1, nil
}

// Release returns a previously allocated even port (and its paired odd
// port) to the free set.
func (p *PortPool) Release(even uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[even] = struct{}{}
}

// lowestFreeLocked scans the maintained sorted sequence for the first
// still-free port. Called with p.mu held.
func (p *PortPool) lowestFreeLocked() uint16 {
	for _, port := range p.sequence {
		if _, ok := p.free[port]; ok {
			return port
		}
	}
	panic("port pool: lowestFreeLocked called with no free ports")
}

// randomFreeLocked picks a uniformly random free port, retrying on
// collision up to maxAllocAttempts before falling back to a linear
// scan — the same reject-and-retry shape as the teacher's
// DiscriminatorAllocator, generalized from a 32-bit id space to the
// much smaller, densely-packed port range.
func (p *PortPool) randomFreeLocked() (uint16, error) {
	span := (p.portMax-p.portMin)/2 + 1
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
		if err != nil {
			return 0, fmt.Errorf("port pool: %w: %v", ErrInternal, err)
		}
		candidate := p.portMin + uint16(n.Int64())*2
		if _, ok := p.free[candidate]; ok {
			return candidate, nil
		}
	}
	// Pool is sparse; fall back to a deterministic scan rather than
	// failing an allocation that the free set can still satisfy.
	return p.lowestFreeLocked(), nil
}

// Free returns the number of currently free pairs, for diagnostics and
// the G (stats) opcode.
func (p *PortPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
