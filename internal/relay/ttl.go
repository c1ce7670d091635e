package relay

import (
	"context"
	"log/slog"
	"time"
)

// reapTick is the reaper's cadence (spec §4.8: "a periodic task at 1 Hz").
const reapTick = time.Second

// Reaper periodically expires idle sessions (C8, proc_ttl). It rides
// the shared Wheel rather than running its own ticker goroutine, the
// same "one goroutine drives several periodic concerns" idiom the
// teacher's main loop uses for its own tick-driven checks.
type Reaper struct {
	wheel    *Wheel
	table    *Table
	stats    StatsSink
	logger   *slog.Logger
	onExpire func(*Session) // notified after an idle session is removed
}

// NewReaper constructs a reaper over table, scheduled on wheel.
func NewReaper(wheel *Wheel, table *Table, stats StatsSink, logger *slog.Logger) *Reaper {
	if stats == nil {
		stats = NoopStatsSink{}
	}
	return &Reaper{
		wheel:  wheel,
		table:  table,
		stats:  stats,
		logger: logger.With(slog.String("component", "reaper")),
	}
}

// OnExpire registers a callback invoked (outside the table lock) after
// an idle session has been removed from the table — the engine uses
// this to keep its admission-control counter in sync with reaper-
// driven deletes, not just command-driven ones.
func (r *Reaper) OnExpire(fn func(*Session)) {
	r.onExpire = fn
}

// Start schedules the first tick; each tick schedules the next one-shot
// tick, and the chain ends when the wheel shuts down (Schedule on a
// closed wheel is a no-op).
func (r *Reaper) Start() {
	r.wheel.Schedule(reapTick, r.tick)
}

func (r *Reaper) tick(now time.Time) {
	defer r.wheel.Schedule(reapTick, r.tick)

	r.table.ForEach(func(s *Session) {
		if r.expired(s, now) {
			r.expire(s)
		}
	})
}

// expired computes idle = now - last activity (spec §4.8): the max of
// both sides' last_update in unified mode, or checks each side against
// its own budget in independent mode.
func (r *Reaper) expired(s *Session, now time.Time) bool {
	ttl := s.EffectiveTTL()
	if ttl <= 0 {
		return false
	}

	switch s.TTLMode {
	case TTLUnified:
		last := maxLastUpdate(s)
		if last == 0 {
			last = s.CreatedAt.UnixNano() // no packet yet: idle since creation, against setup_ttl
		}
		return now.Sub(time.Unix(0, last)) > ttl
	default: // TTLIndependent
		for _, side := range sidesOf(s) {
			last := side.LastUpdate()
			if last == 0 {
				continue
			}
			if now.Sub(time.Unix(0, last)) > ttl {
				return true
			}
		}
		return false
	}
}

func maxLastUpdate(s *Session) int64 {
	var max int64
	for _, side := range sidesOf(s) {
		if v := side.LastUpdate(); v > max {
			max = v
		}
	}
	return max
}

func sidesOf(s *Session) []*StreamSide {
	sides := make([]*StreamSide, 0, 4)
	if s.Caller != nil {
		sides = append(sides, s.Caller.Rtp, s.Caller.Rtcp)
	}
	if s.Callee != nil {
		sides = append(sides, s.Callee.Rtp, s.Callee.Rtcp)
	}
	return sides
}

// expire runs the spec §4.8 expiry sequence: best-effort notify, remove
// from the table, decref (destruction itself waits for the last strong
// ref, possibly still held by an in-flight pump callback).
func (r *Reaper) expire(s *Session) {
	if s.NotifyTarget != "" && s.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rec := NotifyRecord{CallID: s.CallID, Reason: "expired", At: time.Now()}
		if err := s.notifier.Notify(ctx, rec); err != nil {
			r.logger.Warn("notify failed", slog.String("call_id", s.CallID), slog.Any("err", err))
		}
		cancel()
	}

	r.table.Delete(s.CallID)
	r.stats.SessionDestroyed("ttl")
	r.logger.Info("session expired", slog.String("call_id", s.CallID))
	if r.onExpire != nil {
		r.onExpire(s)
	}
}
