package relay

import (
	"container/heap"
	"sync"
	"time"
)

// wheelTick is the wheel's fixed resolution (spec §4.5: "ticked at 10 Hz").
const wheelTick = 100 * time.Millisecond

// CBResult is returned by a schedule_rc callback to tell the wheel
// whether to reschedule itself.
type CBResult int

const (
	// CBDone means the task is finished; the wheel drops its held ref.
	CBDone CBResult = iota
	// CBMore means reschedule at now+delay, keeping the held ref.
	CBMore
)

// Task is an opaque handle returned by Schedule/ScheduleRC, usable with
// Cancel.
type Task struct {
	id       uint64
	deadline time.Time
	index    int // heap index, maintained by container/heap

	oneShot  func(now time.Time)
	recur    func(now time.Time) (CBResult, time.Duration)
	rc       *Refcounted
	cancelCB func()

	canceled bool
	running  bool
}

// taskHeap implements container/heap.Interface over *Task, ordered by
// deadline (a min-heap of (deadline, callback)).
type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Wheel is the single timer source for all periodic subsystems (spec
// §4.5): a min-heap of (deadline, callback) driven by its own
// goroutine, ticked at a fixed resolution. Schedule is safe to call
// re-entrantly from within a firing callback.
type Wheel struct {
	mu      sync.Mutex
	cond    *sync.Cond // signaled whenever a task's running flag clears
	heap    taskHeap
	nextID  uint64
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{} // closed when run returns
	closed  bool
	closeMu sync.Once
}

// NewWheel constructs a wheel and starts its driver goroutine.
func NewWheel() *Wheel {
	w := &Wheel{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Schedule runs cb(now) once after delay. Re-entrant: may be called
// from within a running callback.
func (w *Wheel) Schedule(delay time.Duration, cb func(now time.Time)) *Task {
	t := &Task{oneShot: cb}
	w.insert(t, delay)
	return t
}

// ScheduleRC is like Schedule but holds a strong ref (via Incref) to rc
// for as long as the task is pending. The callback returns CBMore to
// reschedule at now+delay (keeping the ref) or CBDone to release it.
// cancelCB, if non-nil, runs if the task is canceled before firing.
func (w *Wheel) ScheduleRC(delay time.Duration, rc *Refcounted, cb func(now time.Time) (CBResult, time.Duration), cancelCB func()) *Task {
	rc.Incref()
	t := &Task{recur: cb, rc: rc, cancelCB: cancelCB}
	w.insert(t, delay)
	return t
}

func (w *Wheel) insert(t *Task, delay time.Duration) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	t.deadline = time.Now().Add(delay)
	heap.Push(&w.heap, t)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Cancel best-effort cancels task (spec §4.5: "cancel(task) —
// best-effort; if the callback has already started, wait for it to
// return"). If the task is still pending in the heap, it is removed
// immediately and its held ref (if any) released. If its callback is
// currently executing on the wheel's own goroutine, Cancel blocks until
// fireDue finishes running it before returning. If the task has
// already completed (or was never running), Cancel returns at once.
func (w *Wheel) Cancel(t *Task) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.canceled {
		return
	}
	t.canceled = true
	if t.index >= 0 && t.index < len(w.heap) && w.heap[t.index] == t {
		heap.Remove(&w.heap, t.index)
		if t.rc != nil {
			t.rc.Decref()
		}
		if t.cancelCB != nil {
			t.cancelCB()
		}
		return
	}
	// Not in the heap: either the task already ran to completion, or
	// it is the one fireDue is running right now. Wait it out in the
	// latter case; fireDue itself observes t.canceled once the
	// callback returns and releases the ref without rescheduling.
	for t.running {
		w.cond.Wait()
	}
}

// Shutdown cancels all pending tasks and stops the driver goroutine,
// draining any in-flight callback first.
func (w *Wheel) Shutdown() {
	w.closeMu.Do(func() {
		w.mu.Lock()
		w.closed = true
		pending := w.heap
		w.heap = nil
		w.mu.Unlock()

		for _, t := range pending {
			if t.rc != nil {
				t.rc.Decref()
			}
			if t.cancelCB != nil {
				t.cancelCB()
			}
		}
		close(w.done)
	})
	<-w.stopped
}

func (w *Wheel) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(wheelTick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.fireDue()
		case <-w.wake:
			w.fireDue()
		}
	}
}

// fireDue pops and runs every task whose deadline has passed. Callbacks
// run on the wheel's own goroutine and must not block indefinitely
// (spec §5 suspension points). Each task is marked running for the
// duration of its callback, while mu is released, so a concurrent
// Cancel can detect and wait out an in-flight callback (spec §4.5).
func (w *Wheel) fireDue() {
	now := time.Now()
	for {
		w.mu.Lock()
		if w.closed || len(w.heap) == 0 || w.heap[0].deadline.After(now) {
			w.mu.Unlock()
			return
		}
		t := heap.Pop(&w.heap).(*Task)
		if t.canceled {
			w.mu.Unlock()
			continue
		}
		t.running = true
		w.mu.Unlock()

		switch {
		case t.oneShot != nil:
			t.oneShot(now)
			w.mu.Lock()
			t.running = false
			w.cond.Broadcast()
			w.mu.Unlock()
		case t.recur != nil:
			result, next := t.recur(now)

			w.mu.Lock()
			t.running = false
			canceled := t.canceled
			w.cond.Broadcast()
			w.mu.Unlock()

			if canceled {
				if t.rc != nil {
					t.rc.Decref()
				}
				continue
			}
			if result == CBMore {
				w.insert(t, next)
			} else {
				t.rc.Decref()
			}
		}
	}
}
