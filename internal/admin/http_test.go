package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/queue"
	"github.com/relaymta/relaymta/internal/rlog"
)

type noopRules struct{}

func (noopRules) MatchBounce(string, string, string) (string, string, bool) { return "", "", false }
func (noopRules) MatchSuspend(string, string, string) (int64, bool)         { return 0, false }
func (noopRules) MatchSuspendReadyQ(string) (int64, string, bool)           { return 0, "", false }

type noopRouter struct{}

func (noopRouter) Enqueue(context.Context, *message.Message) bool { return true }

type alwaysUp struct{}

func (alwaysUp) ShuttingDown() bool      { return false }
func (alwaysUp) LoadSheddingActive() bool { return false }
func (alwaysUp) SpoolStarted() bool      { return true }
func (alwaysUp) StorageTooFull() bool    { return false }

func newTestServer(t *testing.T) (*Server, *queue.ScheduledQueue) {
	t.Helper()
	sq := queue.NewScheduledQueue(noopRules{}, noopRouter{}, queue.Hooks{}, rlog.Discard())
	rs := NewRuleSet()
	srv := NewServer(rs, sq, nil, alwaysUp{}, nil, rlog.Discard(), rlog.Discard(), "", nil, nil)
	return srv, sq
}

func TestLivenessOK(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/check-liveness/v1", nil)
	rec := httptest.NewRecorder()
	srv.Handler(nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLivenessShuttingDown(t *testing.T) {
	sq := queue.NewScheduledQueue(noopRules{}, noopRouter{}, queue.Hooks{}, rlog.Discard())
	rs := NewRuleSet()
	srv := NewServer(rs, sq, nil, shuttingDown{}, nil, rlog.Discard(), rlog.Discard(), "", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/check-liveness/v1", nil)
	rec := httptest.NewRecorder()
	srv.Handler(nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "shutting down" {
		t.Fatalf("unexpected status body: %v", body)
	}
}

type shuttingDown struct{}

func (shuttingDown) ShuttingDown() bool      { return true }
func (shuttingDown) LoadSheddingActive() bool { return false }
func (shuttingDown) SpoolStarted() bool      { return true }
func (shuttingDown) StorageTooFull() bool    { return false }

func TestBounceAddRequiresAuth(t *testing.T) {
	sq := queue.NewScheduledQueue(noopRules{}, noopRouter{}, queue.Hooks{}, rlog.Discard())
	rs := NewRuleSet()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(rs, sq, nil, alwaysUp{}, nil, rlog.Discard(), rlog.Discard(), "admin", hash, nil)
	h := srv.Handler(nil)

	body, _ := json.Marshal(matchRequest{Domain: "example.com", Reason: "abuse"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/bounce/v1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/bounce/v1", bytes.NewReader(body))
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, _, ok := rs.MatchBounce("", "", "example.com"); !ok {
		t.Fatal("bounce rule should now match the domain")
	}
}

func TestRebindMovesMatchingMessages(t *testing.T) {
	srv, sq := newTestServer(t)

	from, _ := message.ParseAddress("a@example.com")
	to, _ := message.ParseAddress("b@dest.test")
	msg := &message.Message{ID: message.NewID(), Sender: from, Recipients: []message.Address{to}, Meta: message.Metadata{}, CreatedAt: time.Now()}
	future := time.Now().Add(time.Hour)
	msg.Scheduling.FirstAttempt = &future
	sq.Insert(msg)

	var recorded []string
	srv.onRebind = func(m *message.Message, oldQ, newQ, reason string) {
		recorded = append(recorded, oldQ+"->"+newQ)
	}

	body, _ := json.Marshal(rebindRequest{Domain: "dest.test", NewQueueName: "quarantine", Reason: "investigation"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/rebind/v1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler(nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(recorded) != 1 {
		t.Fatalf("expected exactly one rebind record, got %d", len(recorded))
	}
	if msg.QueueName() != "quarantine" {
		t.Fatalf("message should now report the overridden queue name, got %s", msg.QueueName())
	}
}

func TestSetLogFilter(t *testing.T) {
	srv, _ := newTestServer(t)
	live := rlog.New("production")
	srv.logFilter = live

	body, _ := json.Marshal(logFilterRequest{Filter: "debug"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/set-diagnostic-log-filter/v1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler(nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "debug" {
		t.Fatalf("expected body to echo the new level, got %q", rec.Body.String())
	}
	if live.CurrentLevel() != "debug" {
		t.Fatalf("level was not applied, got %q", live.CurrentLevel())
	}
}

func TestSetLogFilterRejectsUnknownLevel(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.logFilter = rlog.New("production")

	body, _ := json.Marshal(logFilterRequest{Filter: "not-a-level"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/set-diagnostic-log-filter/v1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler(nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
