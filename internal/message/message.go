// Package message implements the core data model shared by every
// subsystem: the Message envelope/metadata/body/scheduling record, and the
// derived queue/ready-queue/site names messages route by. See spec.md §3.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// Metadata is the mutable string->JSON-value bag carried on every Message:
// tenant, campaign, source-assigned routing, TLS info, etc. (a rebind's
// queue name override lives in QueueNameOverride, not here). Ingress fills
// it while building the Message; no later stage writes to it.
type Metadata map[string]json.RawMessage

func (m Metadata) GetString(key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (m Metadata) SetString(key, value string) {
	b, _ := json.Marshal(value)
	m[key] = b
}

// Scheduling is the optional {first_attempt, expires, restriction} record
// from spec.md §3. A nil *Scheduling field behaves as "no constraint".
type Scheduling struct {
	FirstAttempt *time.Time `json:"first_attempt,omitempty"`
	Expires      *time.Time `json:"expires,omitempty"`
	Restriction  string     `json:"restriction,omitempty"`
}

// Ready reports whether the scheduling record permits an attempt at "now".
func (s *Scheduling) Ready(now time.Time) bool {
	if s == nil || s.FirstAttempt == nil {
		return true
	}
	return !now.Before(*s.FirstAttempt)
}

// IsExpired reports whether now is at or past the expiration deadline.
func (s *Scheduling) IsExpired(now time.Time) bool {
	if s == nil || s.Expires == nil {
		return false
	}
	return !now.Before(*s.Expires)
}

// Message is the unit of work flowing Spool -> Scheduled Queue -> Ready
// Queue -> Dispatcher -> terminal state. By default one recipient per
// Message; a multi-recipient RCPT transaction becomes sibling Messages
// sharing a SessionID. Under KUMOD_BATCH_HANDLING=BatchByDomain, RCPTs
// sharing a routing domain are coalesced into one Message carrying every
// recipient in Recipients (see spec.md §3, §6 invariants).
type Message struct {
	mu sync.Mutex

	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`

	Sender     Address   `json:"sender"`
	Recipients []Address `json:"recipients"`

	Meta Metadata `json:"meta"`

	Header textproto.Header `json:"-"`
	Body   []byte           `json:"data,omitempty"`

	Scheduling Scheduling `json:"scheduling"`

	NumAttempts int    `json:"num_attempts"`
	LastError   string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// QueueNameOverride, when non-empty, wins over the derived queue name
	// (set by an admin Rebind).
	QueueNameOverride string `json:"queue_name_override,omitempty"`
}

// NewID mints a v4 message id, per spec.md §3 ("128-bit UUID, v4 for
// ingress").
func NewID() uuid.UUID { return uuid.New() }

// Lock/Unlock expose the per-Message mutex so queues can safely mutate
// shared fields (NumAttempts, Scheduling) without each caller inventing its
// own synchronization; the Message is reference-counted between exactly one
// queue and zero-or-one dispatcher connection at a time, but metadata reads
// from logging/admin inspection can race with an in-flight attempt.
func (m *Message) Lock()   { m.mu.Lock() }
func (m *Message) Unlock() { m.mu.Unlock() }

// PrimaryRecipient returns the first recipient, the one routing and queue
// naming key off of. BatchByDomain guarantees every recipient in Recipients
// shares a routing domain, so any one of them is representative.
func (m *Message) PrimaryRecipient() Address {
	if len(m.Recipients) == 0 {
		return Address{}
	}
	return m.Recipients[0]
}

// RecipientStrings renders every recipient address, in RCPT order.
func (m *Message) RecipientStrings() []string {
	out := make([]string, len(m.Recipients))
	for i, r := range m.Recipients {
		out[i] = r.String()
	}
	return out
}

// RecipientsString joins every recipient address with a comma, the shape
// logrecord.Record.Recipient and the wire spool record store a coalesced
// Message's recipient list under.
func (m *Message) RecipientsString() string {
	return strings.Join(m.RecipientStrings(), ",")
}

// QueueName derives the scheduled-queue name: campaign:tenant:domain:routing
// by default, unless QueueNameOverride is set (the Rebind path). See
// spec.md §3.
func (m *Message) QueueName() string {
	if m.QueueNameOverride != "" {
		return m.QueueNameOverride
	}
	campaign, _ := m.Meta.GetString("campaign")
	tenant, _ := m.Meta.GetString("tenant")
	routing, _ := m.Meta.GetString("routing_domain")
	domain := m.PrimaryRecipient().Domain
	if routing == "" {
		routing = domain
	}
	return strings.Join([]string{
		orDefault(campaign, "-"),
		orDefault(tenant, "-"),
		orDefault(domain, "-"),
		orDefault(routing, "-"),
	}, ":")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ReadyQueueName derives the egress path identity: protocol plus target,
// e.g. "smtp_client", "maildir:/var/spool/mail", "lua:my_sink".
func (m *Message) ReadyQueueName() string {
	if proto, ok := m.Meta.GetString("egress_protocol"); ok && proto != "" {
		if target, ok := m.Meta.GetString("egress_target"); ok && target != "" {
			return proto + ":" + target
		}
		return proto
	}
	return "smtp_client"
}

// Clone produces a value copy suitable for admin inspection (sample/
// inspect-message) without exposing the live, lockable Message. wantBody
// controls whether Body is copied or dropped, per the admin inspect
// endpoints' want_body query parameter.
func (m *Message) Clone(wantBody bool) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m
	cp.mu = sync.Mutex{}
	if wantBody {
		body := make([]byte, len(m.Body))
		copy(body, m.Body)
		cp.Body = body
	} else {
		cp.Body = nil
	}
	recipients := make([]Address, len(m.Recipients))
	copy(recipients, m.Recipients)
	cp.Recipients = recipients
	meta := make(Metadata, len(m.Meta))
	for k, v := range m.Meta {
		meta[k] = v
	}
	cp.Meta = meta
	return &cp
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{id=%s from=%s to=%s attempts=%d}", m.ID, m.Sender, m.RecipientsString(), m.NumAttempts)
}
