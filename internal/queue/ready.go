package queue

import (
	"context"
	"sync"
	"time"

	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/rlog"
)

// MetricsSink lets ReadyRegistry register/unregister per-egress-path gauges
// without this package importing internal/metrics (which itself may want
// to import queue for inspection). Implemented by metrics.Registry.
type MetricsSink interface {
	SetReadyQueueDepth(name string, depth int)
	RemoveReadyQueue(name string)
}

// ready is a single bounded FIFO for one egress path, plus the Suspended
// flag spec.md §4.4 describes.
type ready struct {
	name string
	mu   sync.Mutex

	items []*message.Message
	cap   int

	suspendedUntil time.Time
	suspendReason  string

	lastActivity time.Time
}

func (r *ready) suspended(now time.Time) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.suspendedUntil.IsZero() || now.After(r.suspendedUntil) {
		return false, ""
	}
	return true, r.suspendReason
}

// ReadyRegistry is the process-wide set of ready queues, one per egress
// path, with an idle reaper that removes queues (and their metrics) that
// have seen no activity for IdleTimeout, bounding per-service cardinality
// at O(domains-ever-seen-recently) rather than O(domains-ever-seen), per
// spec.md §4.4 and §9 ("Metric-cardinality explosion").
type ReadyRegistry struct {
	mu      sync.RWMutex
	queues  map[string]*ready
	cap     int
	metrics MetricsSink
	log     rlog.Logger

	idleTimeout time.Duration
	stop        chan struct{}
	stopped     sync.Once

	// deferFn is invoked when a suspended ready queue would otherwise
	// accept a message; the scheduled queue owns re-insertion.
	deferFn func(msg *message.Message)
}

func NewReadyRegistry(capPerQueue int, idleTimeout time.Duration, metrics MetricsSink, log rlog.Logger, deferFn func(*message.Message)) *ReadyRegistry {
	r := &ReadyRegistry{
		queues:      make(map[string]*ready),
		cap:         capPerQueue,
		metrics:     metrics,
		log:         log.Named("ready_queue"),
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
		deferFn:     deferFn,
	}
	go r.reapLoop()
	return r
}

func (r *ReadyRegistry) queueFor(name string) *ready {
	r.mu.RLock()
	rq, ok := r.queues[name]
	r.mu.RUnlock()
	if ok {
		return rq
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rq, ok := r.queues[name]; ok {
		return rq
	}
	rq = &ready{name: name, cap: r.cap, lastActivity: time.Now()}
	r.queues[name] = rq
	return rq
}

// Enqueue implements ReadyQueueRouter. It returns false (rejected, the
// scheduled queue should retry shortly) when the path is at capacity, and
// defers back to the scheduled queue (via deferFn, returning true so the
// scheduler treats the handoff as consumed) when the path is suspended.
func (r *ReadyRegistry) Enqueue(ctx context.Context, msg *message.Message) bool {
	name := msg.ReadyQueueName()
	rq := r.queueFor(name)

	now := time.Now()
	if suspended, _ := rq.suspended(now); suspended {
		if r.deferFn != nil {
			r.deferFn(msg)
		}
		rq.mu.Lock()
		rq.lastActivity = now
		rq.mu.Unlock()
		return true
	}

	rq.mu.Lock()
	if len(rq.items) >= rq.cap {
		rq.mu.Unlock()
		return false
	}
	rq.items = append(rq.items, msg)
	rq.lastActivity = now
	depth := len(rq.items)
	rq.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetReadyQueueDepth(name, depth)
	}
	return true
}

// Claim pops the next message for a dispatcher connection to attempt, FIFO
// order, or ok=false if the path is empty or suspended.
func (r *ReadyRegistry) Claim(name string) (msg *message.Message, ok bool) {
	r.mu.RLock()
	rq, exists := r.queues[name]
	r.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if suspended, _ := rq.suspended(time.Now()); suspended {
		return nil, false
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()
	if len(rq.items) == 0 {
		return nil, false
	}
	msg, rq.items = rq.items[0], rq.items[1:]
	rq.lastActivity = time.Now()
	depth := len(rq.items)
	if r.metrics != nil {
		r.metrics.SetReadyQueueDepth(name, depth)
	}
	return msg, true
}

// Suspend halts an egress path until until, per spec.md §4.7's
// Suspend-Ready-Q rule family. Any items currently queued are left in
// place; new arrivals while suspended are deferred back to the scheduled
// queue on the next Enqueue call.
func (r *ReadyRegistry) Suspend(name, reason string, until time.Time) {
	rq := r.queueFor(name)
	rq.mu.Lock()
	rq.suspendedUntil = until
	rq.suspendReason = reason
	rq.mu.Unlock()
}

func (r *ReadyRegistry) CancelSuspend(name string) {
	rq := r.queueFor(name)
	rq.mu.Lock()
	rq.suspendedUntil = time.Time{}
	rq.suspendReason = ""
	rq.mu.Unlock()
}

// Names lists every ready queue currently tracked (whether or not it has
// pending items), used by the dispatcher to discover which egress paths
// need a worker.
func (r *ReadyRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}

// Depth reports the current queue length for name, used by admin
// inspection and the reaper.
func (r *ReadyRegistry) Depth(name string) int {
	r.mu.RLock()
	rq, ok := r.queues[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.items)
}

func (r *ReadyRegistry) reapLoop() {
	ticker := time.NewTicker(r.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reapOnce()
		case <-r.stop:
			return
		}
	}
}

func (r *ReadyRegistry) reapOnce() {
	now := time.Now()
	var toReap []string

	r.mu.RLock()
	for name, rq := range r.queues {
		rq.mu.Lock()
		idle := len(rq.items) == 0 && now.Sub(rq.lastActivity) > r.idleTimeout
		rq.mu.Unlock()
		if idle {
			toReap = append(toReap, name)
		}
	}
	r.mu.RUnlock()

	if len(toReap) == 0 {
		return
	}

	r.mu.Lock()
	for _, name := range toReap {
		delete(r.queues, name)
	}
	r.mu.Unlock()

	for _, name := range toReap {
		if r.metrics != nil {
			r.metrics.RemoveReadyQueue(name)
		}
		r.log.Debugf("reaped idle ready queue %s", name)
	}
}

func (r *ReadyRegistry) Close() {
	r.stopped.Do(func() { close(r.stop) })
}
