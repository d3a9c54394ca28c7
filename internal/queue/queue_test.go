package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/rlog"
)

type fakeRules struct{}

func (fakeRules) MatchBounce(campaign, tenant, domain string) (string, string, bool) { return "", "", false }
func (fakeRules) MatchSuspend(campaign, tenant, domain string) (int64, bool)          { return 0, false }
func (fakeRules) MatchSuspendReadyQ(name string) (int64, string, bool)                { return 0, "", false }

type recordingRouter struct {
	mu  sync.Mutex
	got []*message.Message
}

func (r *recordingRouter) Enqueue(ctx context.Context, msg *message.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	return true
}

func newTestMessage(t *testing.T) *message.Message {
	t.Helper()
	from, err := message.ParseAddress("sender@example.com")
	if err != nil {
		t.Fatal(err)
	}
	to, err := message.ParseAddress("rcpt@example.net")
	if err != nil {
		t.Fatal(err)
	}
	return &message.Message{
		ID:         message.NewID(),
		Sender:     from,
		Recipients: []message.Address{to},
		Meta:       message.Metadata{},
		CreatedAt:  time.Now(),
	}
}

func TestScheduledQueuePromotesWhenDue(t *testing.T) {
	router := &recordingRouter{}
	sq := NewScheduledQueue(fakeRules{}, router, Hooks{}, rlog.Discard())
	defer sq.Close()

	msg := newTestMessage(t)
	sq.Insert(msg)

	deadline := time.After(2 * time.Second)
	for {
		router.mu.Lock()
		n := len(router.got)
		router.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message was never promoted to the ready queue")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestScheduledQueueExpiration(t *testing.T) {
	router := &recordingRouter{}
	var expired *message.Message
	hooks := Hooks{
		OnExpire: func(ctx context.Context, msg *message.Message) { expired = msg },
	}
	sq := NewScheduledQueue(fakeRules{}, router, hooks, rlog.Discard())
	defer sq.Close()

	msg := newTestMessage(t)
	past := time.Now().Add(-time.Minute)
	msg.Scheduling.Expires = &past

	sq.Insert(msg)

	deadline := time.After(2 * time.Second)
	for expired == nil {
		select {
		case <-deadline:
			t.Fatal("expired message was never reported")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if expired.ID != msg.ID {
		t.Fatalf("expired wrong message: got %s want %s", expired.ID, msg.ID)
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.got) != 0 {
		t.Fatalf("expired message should never reach the ready queue, got %d", len(router.got))
	}
}

func TestReadyRegistryFIFOAndCapacity(t *testing.T) {
	reg := NewReadyRegistry(1, time.Hour, nil, rlog.Discard(), nil)
	defer reg.Close()

	m1 := newTestMessage(t)
	m2 := newTestMessage(t)

	if !reg.Enqueue(context.Background(), m1) {
		t.Fatal("first enqueue should succeed")
	}
	if reg.Enqueue(context.Background(), m2) {
		t.Fatal("second enqueue should be rejected: ready queue is at capacity 1")
	}

	got, ok := reg.Claim(m1.ReadyQueueName())
	if !ok || got.ID != m1.ID {
		t.Fatalf("claim returned wrong message: ok=%v got=%v", ok, got)
	}

	if !reg.Enqueue(context.Background(), m2) {
		t.Fatal("enqueue should succeed once capacity frees up")
	}
}

func TestReadyRegistrySuspendDefers(t *testing.T) {
	var deferred *message.Message
	reg := NewReadyRegistry(10, time.Hour, nil, rlog.Discard(), func(m *message.Message) { deferred = m })
	defer reg.Close()

	msg := newTestMessage(t)
	name := msg.ReadyQueueName()
	reg.Suspend(name, "maintenance", time.Now().Add(time.Hour))

	if !reg.Enqueue(context.Background(), msg) {
		t.Fatal("enqueue against a suspended path should still report handled=true")
	}
	if deferred == nil || deferred.ID != msg.ID {
		t.Fatal("suspended path should defer the message back to the scheduler")
	}
	if _, ok := reg.Claim(name); ok {
		t.Fatal("no dispatcher should be able to claim from a suspended path")
	}
}
