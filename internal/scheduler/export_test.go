package scheduler

import (
	"time"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

// Test-only accessors for scheduler internals used by the external
// scheduler_test package (which cannot be an internal test because the
// scheduler/mock package imports scheduler).

func (s *Scheduler) SetIntervalOf(fn func(model.SyncInterval) time.Duration) { s.intervalOf = fn }

func (s *Scheduler) Lock()   { s.mu.Lock() }
func (s *Scheduler) Unlock() { s.mu.Unlock() }

// Schedules returns the live schedules map; callers must hold Lock.
func (s *Scheduler) Schedules() map[uint]*schedule { return s.schedules }

// Pending returns the live pending set; callers must hold Lock.
func (s *Scheduler) Pending() map[uint]struct{} { return s.pending }

// Staggered returns the live staggered timer set; callers must hold Lock.
func (s *Scheduler) Staggered() map[*time.Timer]struct{} { return s.staggered }

func (sc *schedule) Interval() model.SyncInterval { return sc.interval }
func (sc *schedule) Timer() *time.Timer           { return sc.timer }
