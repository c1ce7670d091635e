package relay_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sippy-relay/rtprelayd/internal/relay"
)

func TestWheelScheduleFiresOnce(t *testing.T) {
	t.Parallel()

	w := relay.NewWheel()
	defer w.Shutdown()

	fired := make(chan time.Time, 1)
	w.Schedule(50*time.Millisecond, func(now time.Time) { fired <- now })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("task never fired")
	}
}

func TestWheelScheduleRCReschedules(t *testing.T) {
	t.Parallel()

	w := relay.NewWheel()
	defer w.Shutdown()

	rc := relay.InitRefcount("wheel-task")
	rc.RegPD(func() {})

	count := make(chan int, 10)
	n := 0
	w.ScheduleRC(30*time.Millisecond, rc, func(now time.Time) (relay.CBResult, time.Duration) {
		n++
		count <- n
		if n >= 3 {
			return relay.CBDone, 0
		}
		return relay.CBMore, 30 * time.Millisecond
	}, nil)

	for want := 1; want <= 3; want++ {
		select {
		case got := <-count:
			if got != want {
				t.Fatalf("fire #%d reported count %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("task did not fire a %d-th time", want)
		}
	}
}

func TestWheelCancelPreventsFiring(t *testing.T) {
	t.Parallel()

	w := relay.NewWheel()
	defer w.Shutdown()

	fired := make(chan struct{}, 1)
	task := w.Schedule(200*time.Millisecond, func(time.Time) { fired <- struct{}{} })
	w.Cancel(task)

	select {
	case <-fired:
		t.Fatal("canceled task fired")
	case <-time.After(400 * time.Millisecond):
	}
}

// TestWheelCancelWaitsForInFlightCallback verifies spec §4.5's literal
// cancel contract: if the callback has already started, Cancel blocks
// until it returns rather than racing past it.
func TestWheelCancelWaitsForInFlightCallback(t *testing.T) {
	t.Parallel()

	w := relay.NewWheel()
	defer w.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	task := w.Schedule(10*time.Millisecond, func(time.Time) {
		close(started)
		<-release
		finished.Store(true)
	})

	<-started

	cancelReturned := make(chan struct{})
	go func() {
		w.Cancel(task)
		close(cancelReturned)
	}()

	select {
	case <-cancelReturned:
		t.Fatal("Cancel returned while its callback was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-cancelReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel never returned after the callback finished")
	}

	if !finished.Load() {
		t.Error("callback did not run to completion before Cancel returned")
	}
}

func TestWheelShutdownDecrefsPendingRCTasks(t *testing.T) {
	t.Parallel()

	w := relay.NewWheel()
	rc := relay.InitRefcount("pending")
	fired := make(chan struct{}, 1)
	rc.RegPD(func() { close(fired) })

	w.ScheduleRC(time.Hour, rc, func(time.Time) (relay.CBResult, time.Duration) {
		return relay.CBDone, 0
	}, nil)

	w.Shutdown()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not release the pending task's held reference")
	}
}
