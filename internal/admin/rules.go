// Package admin implements the cross-cutting administrative control plane
// from spec.md §4.7: Bounce, Suspend (scheduled queue), Suspend (ready
// queue), and Rebind rule families, plus the HTTP API that manages them.
package admin

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymta/relaymta/internal/queue"
)

// matcher is the shared campaign/tenant/domain matcher embedded by Bounce
// and Suspend rules. An empty field matches anything, mirroring how the
// scheduled queue name components can be empty.
type matcher struct {
	Campaign string
	Tenant   string
	Domain   string
}

func (m matcher) matches(campaign, tenant, domain string) bool {
	return (m.Campaign == "" || m.Campaign == campaign) &&
		(m.Tenant == "" || m.Tenant == tenant) &&
		(m.Domain == "" || m.Domain == domain)
}

// BounceRule matches new and queued messages that should be rejected or
// bounced rather than delivered. Default duration is 300s per spec.md §4.7.
type BounceRule struct {
	ID      uuid.UUID
	Reason  string
	Match   matcher
	Expires time.Time
}

// SuspendRule defers scheduled-queue delivery for matching messages until
// it is cancelled or expires.
type SuspendRule struct {
	ID      uuid.UUID
	Reason  string
	Match   matcher
	Expires time.Time
}

// SuspendReadyQRule halts an entire egress path.
type SuspendReadyQRule struct {
	ID             uuid.UUID
	Reason         string
	ReadyQueueName string
	Expires        time.Time
}

// RuleSet is the process-wide ordered set of active admin rules. Expected
// cardinality is small, so lookups scan linearly (spec.md §4.7: "lookup is
// by scanning the active set").
type RuleSet struct {
	mu            sync.RWMutex
	bounces       []BounceRule
	suspends      []SuspendRule
	suspendReadyQ []SuspendReadyQRule

	nowFn func() time.Time
}

func NewRuleSet() *RuleSet {
	return &RuleSet{nowFn: time.Now}
}

// DefaultBounceDuration is spec.md §4.7's stated default.
const DefaultBounceDuration = 300 * time.Second

func (rs *RuleSet) AddBounce(reason string, m matcher, expires time.Time) uuid.UUID {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	id := uuid.New()
	rs.bounces = append(rs.bounces, BounceRule{ID: id, Reason: reason, Match: m, Expires: expires})
	return id
}

// CancelBounce removes the rule by id. Per spec.md §4.7, cancellation does
// not retroactively un-bounce messages already matched.
func (rs *RuleSet) CancelBounce(id uuid.UUID) bool {
	return cancelByID(&rs.mu, &rs.bounces, func(r BounceRule) uuid.UUID { return r.ID }, id)
}

func (rs *RuleSet) ListBounce() []BounceRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	now := rs.nowFn()
	out := make([]BounceRule, 0, len(rs.bounces))
	for _, r := range rs.bounces {
		if now.Before(r.Expires) {
			out = append(out, r)
		}
	}
	return out
}

func (rs *RuleSet) AddSuspend(reason string, m matcher, expires time.Time) uuid.UUID {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	id := uuid.New()
	rs.suspends = append(rs.suspends, SuspendRule{ID: id, Reason: reason, Match: m, Expires: expires})
	return id
}

func (rs *RuleSet) CancelSuspend(id uuid.UUID) bool {
	return cancelByID(&rs.mu, &rs.suspends, func(r SuspendRule) uuid.UUID { return r.ID }, id)
}

func (rs *RuleSet) ListSuspend() []SuspendRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	now := rs.nowFn()
	out := make([]SuspendRule, 0, len(rs.suspends))
	for _, r := range rs.suspends {
		if now.Before(r.Expires) {
			out = append(out, r)
		}
	}
	return out
}

func (rs *RuleSet) AddSuspendReadyQ(reason, readyQueueName string, expires time.Time) uuid.UUID {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	id := uuid.New()
	rs.suspendReadyQ = append(rs.suspendReadyQ, SuspendReadyQRule{
		ID: id, Reason: reason, ReadyQueueName: readyQueueName, Expires: expires,
	})
	return id
}

func (rs *RuleSet) CancelSuspendReadyQ(id uuid.UUID) bool {
	return cancelByID(&rs.mu, &rs.suspendReadyQ, func(r SuspendReadyQRule) uuid.UUID { return r.ID }, id)
}

func (rs *RuleSet) ListSuspendReadyQ() []SuspendReadyQRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	now := rs.nowFn()
	out := make([]SuspendReadyQRule, 0, len(rs.suspendReadyQ))
	for _, r := range rs.suspendReadyQ {
		if now.Before(r.Expires) {
			out = append(out, r)
		}
	}
	return out
}

// cancelByID removes the first entry whose id matches from s, reporting
// whether anything was removed. Generic over the three rule struct types.
func cancelByID[T any](mu *sync.RWMutex, s *[]T, idOf func(T) uuid.UUID, id uuid.UUID) bool {
	mu.Lock()
	defer mu.Unlock()
	for i, r := range *s {
		if idOf(r) == id {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return true
		}
	}
	return false
}

// MatchBounce implements queue.AdminRules.
func (rs *RuleSet) MatchBounce(campaign, tenant, domain string) (string, string, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	now := rs.nowFn()
	for _, r := range rs.bounces {
		if now.Before(r.Expires) && r.Match.matches(campaign, tenant, domain) {
			return r.ID.String(), r.Reason, true
		}
	}
	return "", "", false
}

// MatchSuspend implements queue.AdminRules.
func (rs *RuleSet) MatchSuspend(campaign, tenant, domain string) (int64, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	now := rs.nowFn()
	for _, r := range rs.suspends {
		if now.Before(r.Expires) && r.Match.matches(campaign, tenant, domain) {
			return r.Expires.Unix(), true
		}
	}
	return 0, false
}

// MatchSuspendReadyQ implements queue.AdminRules.
func (rs *RuleSet) MatchSuspendReadyQ(name string) (int64, string, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	now := rs.nowFn()
	for _, r := range rs.suspendReadyQ {
		if now.Before(r.Expires) && r.ReadyQueueName == name {
			return r.Expires.Unix(), r.Reason, true
		}
	}
	return 0, "", false
}

var _ queue.AdminRules = (*RuleSet)(nil)
