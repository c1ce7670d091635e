package relay_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/sippy-relay/rtprelayd/internal/relay"
)

func TestNewPortPoolRejectsOddBounds(t *testing.T) {
	t.Parallel()

	if _, err := relay.NewPortPool(35001, 36000, relay.AllocSequential); !errors.Is(err, relay.ErrSyntax) {
		t.Errorf("odd port_min: err = %v, want ErrSyntax", err)
	}
	if _, err := relay.NewPortPool(35000, 36001, relay.AllocSequential); !errors.Is(err, relay.ErrSyntax) {
		t.Errorf("odd port_max: err = %v, want ErrSyntax", err)
	}
	if _, err := relay.NewPortPool(36000, 35000, relay.AllocSequential); !errors.Is(err, relay.ErrSyntax) {
		t.Errorf("port_max < port_min: err = %v, want ErrSyntax", err)
	}
}

// TestAllocateReturnsEvenOddPair verifies invariant 1 (spec §8): every
// allocated pair is (even, even+1).
func TestAllocateReturnsEvenOddPair(t *testing.T) {
	t.Parallel()

	pool, err := relay.NewPortPool(35000, 35010, relay.AllocSequential)
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}

	for i := 0; i < 6; i++ {
		even, odd, err := pool.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if even%2 != 0 {
			t.Errorf("even port %d is not even", even)
		}
		if odd != even+1 {
			t.Errorf("odd port = %d, want %d", odd, even+1)
		}
	}
}

// TestAllocateSequentialIsLowestFirst verifies sequential mode always
// returns the lowest still-free pair.
func TestAllocateSequentialIsLowestFirst(t *testing.T) {
	t.Parallel()

	pool, err := relay.NewPortPool(35000, 35010, relay.AllocSequential)
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}

	even1, _, _ := pool.Allocate()
	if even1 != 35000 {
		t.Fatalf("first allocation = %d, want 35000", even1)
	}
	pool.Release(even1)

	even2, _, _ := pool.Allocate()
	if even2 != 35000 {
		t.Errorf("allocation after release = %d, want 35000 (lowest free)", even2)
	}
}

// TestConcurrentAllocationsAreDistinct verifies invariant 1's
// corollary: two concurrent allocations never return the same pair.
func TestConcurrentAllocationsAreDistinct(t *testing.T) {
	t.Parallel()

	const pairs = 20
	pool, err := relay.NewPortPool(35000, 35000+2*(pairs-1), relay.AllocRandom)
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}

	results := make(chan uint16, pairs)
	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			even, _, err := pool.Allocate()
			if err != nil {
				t.Error(err)
				return
			}
			results <- even
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint16]bool)
	for even := range results {
		if seen[even] {
			t.Fatalf("port %d allocated twice", even)
		}
		seen[even] = true
	}
	if len(seen) != pairs {
		t.Errorf("got %d distinct allocations, want %d", len(seen), pairs)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	t.Parallel()

	pool, err := relay.NewPortPool(35000, 35000, relay.AllocSequential)
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}

	if _, _, err := pool.Allocate(); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, _, err := pool.Allocate(); !errors.Is(err, relay.ErrResourceExhausted) {
		t.Errorf("Allocate on exhausted pool: err = %v, want ErrResourceExhausted", err)
	}
}

func TestPortAllocatorSharesPoolPerBindAddr(t *testing.T) {
	t.Parallel()

	cache := relay.NewBindAddrCache()
	a := relay.NewPortAllocator(35000, 35010, relay.AllocSequential)

	addr1 := cache.Intern(2, mustAddr(t, "10.0.0.1"))
	addr2 := cache.Intern(2, mustAddr(t, "10.0.0.1")) // same key, same handle
	if addr1 != addr2 {
		t.Fatal("BindAddrCache.Intern returned distinct handles for an equal key")
	}

	even1, _, err := a.Allocate(addr1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	even2, _, err := a.Allocate(addr2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if even1 == even2 {
		t.Error("two allocations from the same pool returned the same port")
	}

	other := cache.Intern(2, mustAddr(t, "10.0.0.2"))
	even3, _, err := a.Allocate(other)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if even3 != 35000 {
		t.Errorf("first allocation from a distinct bind addr's pool = %d, want 35000", even3)
	}
}
