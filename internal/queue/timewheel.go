// Package queue implements the two-tier scheduler from spec.md §4.3/§4.4:
// a per-queue-name ScheduledQueue holding not-yet-due messages in a timer
// wheel, and a per-egress-path ReadyQueue FIFO that dispatchers claim from.
package queue

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// TimeSlot pairs a due time with an opaque payload (a message id, in
// ScheduledQueue's usage). Adapted from foxcpp-maddy's
// target/queue/timewheel.go: a single-wheel strategy (SingletonTimerWheel)
// rather than a bucketed ring, since the scheduled queue's population is
// small enough per queue name that an O(n) scan to find the next-due slot
// is cheaper than bucket bookkeeping.
type TimeSlot struct {
	Time  time.Time
	Value interface{}
}

// TimeWheel dispatches each inserted slot exactly once, at or after its due
// time, by running a single goroutine that always sleeps until the
// earliest pending slot. Safe for concurrent Add/Close from multiple
// goroutines.
type TimeWheel struct {
	stopped uint32

	slots     *list.List
	slotsLock sync.Mutex

	updateNotify chan time.Time
	stopNotify   chan struct{}

	dispatch func(TimeSlot)
}

func NewTimeWheel(dispatch func(TimeSlot)) *TimeWheel {
	tw := &TimeWheel{
		slots:        list.New(),
		stopNotify:   make(chan struct{}),
		updateNotify: make(chan time.Time),
		dispatch:     dispatch,
	}
	go tw.tick()
	return tw
}

// Add schedules value to be dispatched at target. A nil value is rejected
// since the wheel uses nil internally to mean "no pending slot yet".
func (tw *TimeWheel) Add(target time.Time, value interface{}) {
	if atomic.LoadUint32(&tw.stopped) == 1 {
		return
	}
	if value == nil {
		panic("queue: cannot insert a nil value into TimeWheel")
	}

	tw.slotsLock.Lock()
	tw.slots.PushBack(TimeSlot{Time: target, Value: value})
	tw.slotsLock.Unlock()

	tw.updateNotify <- target
}

// Len reports the number of pending (not yet dispatched) slots.
func (tw *TimeWheel) Len() int {
	tw.slotsLock.Lock()
	defer tw.slotsLock.Unlock()
	return tw.slots.Len()
}

// Snapshot returns a copy of all pending slots without removing them, for
// admin sample/inspect operations.
func (tw *TimeWheel) Snapshot() []TimeSlot {
	tw.slotsLock.Lock()
	defer tw.slotsLock.Unlock()
	out := make([]TimeSlot, 0, tw.slots.Len())
	for e := tw.slots.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(TimeSlot))
	}
	return out
}

// RemoveMatching removes every pending slot for which match returns true,
// returning how many were removed. Used by admin Bounce/Rebind drains.
func (tw *TimeWheel) RemoveMatching(match func(interface{}) bool) int {
	tw.slotsLock.Lock()
	defer tw.slotsLock.Unlock()

	removed := 0
	for e := tw.slots.Front(); e != nil; {
		next := e.Next()
		slot := e.Value.(TimeSlot)
		if match(slot.Value) {
			tw.slots.Remove(e)
			removed++
		}
		e = next
	}
	return removed
}

func (tw *TimeWheel) Close() {
	atomic.StoreUint32(&tw.stopped, 1)
	if tw.stopNotify == nil {
		return
	}
	tw.stopNotify <- struct{}{}
	<-tw.stopNotify
	tw.stopNotify = nil
	close(tw.updateNotify)
}

func (tw *TimeWheel) tick() {
	for {
		now := time.Now()
		tw.slotsLock.Lock()
		var closestSlot TimeSlot
		var closestEl *list.Element
		for e := tw.slots.Front(); e != nil; e = e.Next() {
			slot := e.Value.(TimeSlot)
			if closestSlot.Value == nil || slot.Time.Before(closestSlot.Time) {
				closestSlot = slot
				closestEl = e
			}
		}
		tw.slotsLock.Unlock()

		if closestEl == nil {
			select {
			case <-tw.updateNotify:
				continue
			case <-tw.stopNotify:
				tw.stopNotify <- struct{}{}
				return
			}
		}

		timer := time.NewTimer(closestSlot.Time.Sub(now))

	selectLoop:
		for {
			select {
			case <-timer.C:
				tw.slotsLock.Lock()
				tw.slots.Remove(closestEl)
				tw.slotsLock.Unlock()

				tw.dispatch(closestSlot)
				break selectLoop
			case newTarget := <-tw.updateNotify:
				if closestSlot.Time.Before(newTarget) || closestSlot.Time.Equal(newTarget) {
					continue
				}
				timer.Stop()
				break selectLoop
			case <-tw.stopNotify:
				timer.Stop()
				tw.stopNotify <- struct{}{}
				return
			}
		}
	}
}
