package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/rlog"
)

// ReadyQueueRouter is the subset of ReadyRegistry the scheduler needs:
// handing a due, non-suspended, non-expired message off to its egress
// path's ready queue. Enqueue returns false when the ready queue is at
// capacity, in which case the message must remain in the scheduled queue
// (backpressure, per spec.md §4.3).
type ReadyQueueRouter interface {
	Enqueue(ctx context.Context, msg *message.Message) bool
}

// Hooks are the terminal-state callbacks a ScheduledQueue invokes instead
// of touching the spool or logger directly, keeping this package free of a
// dependency on either.
type Hooks struct {
	OnBounce func(ctx context.Context, msg *message.Message, ruleID, reason string)
	OnExpire func(ctx context.Context, msg *message.Message)
}

// perQueue is the state for a single derived queue name: a timer wheel of
// due times plus a lookup table so the wheel's opaque message-id payload
// can be turned back into the shared *message.Message. This is the "weak
// reference cache" spec.md §9 calls for to resolve the Message<->queue
// cyclic reference: the queue only ever holds an id as its ordering key,
// and looks the live Message up by id.
type perQueue struct {
	name   string
	wheel  *TimeWheel
	mu     sync.Mutex
	lookup map[uuid.UUID]*message.Message
}

// ScheduledQueue is the process-wide registry of per-queue-name timer
// wheels described in spec.md §4.3.
type ScheduledQueue struct {
	mu     sync.RWMutex
	queues map[string]*perQueue

	rules  AdminRules
	ready  ReadyQueueRouter
	hooks  Hooks
	log    rlog.Logger
	nowFn  func() time.Time
}

func NewScheduledQueue(rules AdminRules, ready ReadyQueueRouter, hooks Hooks, log rlog.Logger) *ScheduledQueue {
	return &ScheduledQueue{
		queues: make(map[string]*perQueue),
		rules:  rules,
		ready:  ready,
		hooks:  hooks,
		log:    log.Named("scheduled_queue"),
		nowFn:  time.Now,
	}
}

func (sq *ScheduledQueue) queueFor(name string) *perQueue {
	sq.mu.RLock()
	pq, ok := sq.queues[name]
	sq.mu.RUnlock()
	if ok {
		return pq
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()
	if pq, ok := sq.queues[name]; ok {
		return pq
	}
	pq = &perQueue{name: name, lookup: make(map[uuid.UUID]*message.Message)}
	pq.wheel = NewTimeWheel(func(slot TimeSlot) {
		id := slot.Value.(uuid.UUID)
		// promote may re-Add to this same wheel, and Add waits on the
		// wheel's own goroutine, so promote must not run on it.
		go sq.promote(context.Background(), pq, id)
	})
	sq.queues[name] = pq
	return pq
}

// Insert places msg into the scheduled queue named by msg.QueueName(),
// due at msg.Scheduling.FirstAttempt (or immediately if unset).
func (sq *ScheduledQueue) Insert(msg *message.Message) {
	name := msg.QueueName()
	pq := sq.queueFor(name)

	due := sq.nowFn()
	msg.Lock()
	if msg.Scheduling.FirstAttempt != nil && msg.Scheduling.FirstAttempt.After(due) {
		due = *msg.Scheduling.FirstAttempt
	}
	msg.Unlock()

	pq.mu.Lock()
	pq.lookup[msg.ID] = msg
	pq.mu.Unlock()

	pq.wheel.Add(due, msg.ID)
}

// promote is the per-due-slot logic from spec.md §4.3: check Bounce rules,
// check Suspend rules, check expiration, then hand off to the ready queue
// or requeue on backpressure.
func (sq *ScheduledQueue) promote(ctx context.Context, pq *perQueue, id uuid.UUID) {
	pq.mu.Lock()
	msg, ok := pq.lookup[id]
	pq.mu.Unlock()
	if !ok {
		return
	}

	campaign, tenant, domain, _ := ParseQueueName(pq.name)
	now := sq.nowFn()

	if ruleID, reason, hit := sq.rules.MatchBounce(campaign, tenant, domain); hit {
		sq.forget(pq, id)
		if sq.hooks.OnBounce != nil {
			sq.hooks.OnBounce(ctx, msg, ruleID, reason)
		}
		return
	}

	if until, hit := sq.rules.MatchSuspend(campaign, tenant, domain); hit {
		deferTo := time.Unix(until, 0)
		msg.Lock()
		msg.Scheduling.FirstAttempt = &deferTo
		msg.Unlock()
		pq.wheel.Add(deferTo, id)
		return
	}

	msg.Lock()
	expired := msg.Scheduling.IsExpired(now)
	msg.Unlock()
	if expired {
		sq.forget(pq, id)
		if sq.hooks.OnExpire != nil {
			sq.hooks.OnExpire(ctx, msg)
		}
		return
	}

	if sq.ready.Enqueue(ctx, msg) {
		sq.forget(pq, id)
		return
	}

	// Ready queue is at capacity: backpressure keeps the message here and
	// retries the handoff shortly, per spec.md §4.3 ("overflow messages
	// remain in the scheduled queue until space is available").
	pq.wheel.Add(now.Add(time.Second), id)
}

func (sq *ScheduledQueue) forget(pq *perQueue, id uuid.UUID) {
	pq.mu.Lock()
	delete(pq.lookup, id)
	pq.mu.Unlock()
}

// Requeue reinserts a message that failed a delivery attempt transiently,
// recomputing its due time via the caller-supplied next-attempt time. Used
// by the dispatcher/retry package after a Transient classification.
func (sq *ScheduledQueue) Requeue(msg *message.Message, nextAttempt time.Time) {
	msg.Lock()
	msg.Scheduling.FirstAttempt = &nextAttempt
	msg.Unlock()
	sq.Insert(msg)
}

// Sample returns up to limit messages currently pending in the named queue,
// for admin inspection (inspect-sched-q). A limit <= 0 means unbounded.
func (sq *ScheduledQueue) Sample(name string, limit int) []*message.Message {
	sq.mu.RLock()
	pq, ok := sq.queues[name]
	sq.mu.RUnlock()
	if !ok {
		return nil
	}

	slots := pq.wheel.Snapshot()
	pq.mu.Lock()
	defer pq.mu.Unlock()

	out := make([]*message.Message, 0, len(slots))
	for _, slot := range slots {
		if limit > 0 && len(out) >= limit {
			break
		}
		id := slot.Value.(uuid.UUID)
		if msg, ok := pq.lookup[id]; ok {
			out = append(out, msg.Clone(true))
		}
	}
	return out
}

// Drain removes every message in the named queue matching pred, invoking
// onMatch for each (typically to log Bounce/AdminRebind and, for rebind,
// reinsert under a new queue name). It returns the count removed.
func (sq *ScheduledQueue) Drain(name string, pred func(*message.Message) bool, onMatch func(*message.Message)) int {
	sq.mu.RLock()
	pq, ok := sq.queues[name]
	sq.mu.RUnlock()
	if !ok {
		return 0
	}

	var matched []uuid.UUID
	pq.mu.Lock()
	for id, msg := range pq.lookup {
		if pred(msg) {
			matched = append(matched, id)
		}
	}
	pq.mu.Unlock()

	count := pq.wheel.RemoveMatching(func(v interface{}) bool {
		id := v.(uuid.UUID)
		for _, m := range matched {
			if m == id {
				return true
			}
		}
		return false
	})

	for _, id := range matched {
		pq.mu.Lock()
		msg := pq.lookup[id]
		delete(pq.lookup, id)
		pq.mu.Unlock()
		if msg != nil && onMatch != nil {
			onMatch(msg)
		}
	}

	return count
}

// QueueNames lists every scheduled queue created so far, including queues
// that currently hold no pending message, for the admin inspect surface.
func (sq *ScheduledQueue) QueueNames() []string {
	sq.mu.RLock()
	defer sq.mu.RUnlock()
	names := make([]string, 0, len(sq.queues))
	for name := range sq.queues {
		names = append(names, name)
	}
	return names
}

// Close stops every per-queue timer wheel. Scheduling state itself (the
// pending messages) must already be durable in the spool; restart rebuilds
// the wheels from Spool.Enumerate, per spec.md §4.1 and §5.
func (sq *ScheduledQueue) Close() {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	for _, pq := range sq.queues {
		pq.wheel.Close()
	}
}
