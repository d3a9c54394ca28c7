package ingress

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/relaymta/relaymta/internal/logrecord"
	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/rlog"
)

type recordingSink struct {
	got []*message.Message
}

func (s *recordingSink) Accept(ctx context.Context, msg *message.Message) error {
	s.got = append(s.got, msg)
	return nil
}

type noBounce struct{}

func (noBounce) MatchBounce(string, string, string) (string, string, bool) { return "", "", false }

type recordingRecords struct {
	got []logrecord.Record
}

func (r *recordingRecords) Write(rec logrecord.Record) error {
	r.got = append(r.got, rec)
	return nil
}

func newTestSession(t *testing.T, sink Sink) *Session {
	t.Helper()
	return newTestSessionWithBackend(t, &Backend{
		Cfg:    Config{MaxMessageSize: 1 << 20},
		Sink:   sink,
		Bounce: noBounce{},
		Log:    rlog.Discard(),
	})
}

func newTestSessionWithBackend(t *testing.T, backend *Backend) *Session {
	t.Helper()
	return &Session{backend: backend, sessionID: uuid.New(), meta: ConnMeta{}, log: rlog.Discard()}
}

func TestRcptRejectsPortInDomain(t *testing.T) {
	records := &recordingRecords{}
	backend := &Backend{
		Cfg:     Config{MaxMessageSize: 1 << 20},
		Sink:    &recordingSink{},
		Bounce:  noBounce{},
		Records: records,
		Log:     rlog.Discard(),
	}
	s := newTestSessionWithBackend(t, backend)
	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Fatal(err)
	}
	err := s.Rcpt("someone@example.com:2025", nil)
	if err == nil {
		t.Fatal("expected rejection for port in RCPT domain")
	}
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 501 {
		t.Fatalf("expected 501 SMTPError, got %#v", err)
	}
	if !strings.Contains(se.Message, "port") {
		t.Fatalf("expected message to mention the port rejection, got %q", se.Message)
	}
	// RCPT TO:<someone@example.com:2025> — the ':' before the port sits at
	// column 29 of the full command line, not column 20 of the bare address.
	if !strings.Contains(se.Message, "column 29") {
		t.Fatalf("expected column 29 (full command line), got %q", se.Message)
	}
	if !strings.Contains(se.Message, "RCPT TO:<someone@example.com:2025>") {
		t.Fatalf("expected the original command line in the message, got %q", se.Message)
	}

	if len(records.got) != 1 || records.got[0].Kind != logrecord.KindRejection {
		t.Fatalf("expected exactly one Rejection record, got %#v", records.got)
	}
	if records.got[0].ResponseCode != 501 {
		t.Fatalf("expected rejection record to carry the 501 response code, got %d", records.got[0].ResponseCode)
	}
}

func TestDataRequiresMailAndRcptFirst(t *testing.T) {
	s := newTestSession(t, &recordingSink{})
	if err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")); err == nil {
		t.Fatal("expected 503 without MAIL FROM/RCPT TO")
	}
}

func TestDataBuildsOneSiblingMessagePerRecipient(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSession(t, sink)

	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range []string{"a@dest.test", "b@dest.test", "c@other.test"} {
		if err := s.Rcpt(rcpt, nil); err != nil {
			t.Fatal(err)
		}
	}

	body := "Subject: hi\r\n\r\nhello\r\n"
	if err := s.Data(strings.NewReader(body)); err != nil {
		t.Fatal(err)
	}

	if len(sink.got) != 3 {
		t.Fatalf("expected 3 sibling messages, got %d", len(sink.got))
	}
	for _, msg := range sink.got {
		if msg.SessionID != s.sessionID {
			t.Fatal("all sibling messages must share the session id")
		}
		if string(msg.Body) != body {
			t.Fatal("body must be carried verbatim onto every sibling")
		}
		if len(msg.Recipients) != 1 {
			t.Fatalf("expected exactly one recipient per sibling message, got %v", msg.Recipients)
		}
	}
	// dest.test's two recipients should be adjacent (grouped by domain).
	if sink.got[0].PrimaryRecipient().Domain != "dest.test" || sink.got[1].PrimaryRecipient().Domain != "dest.test" {
		t.Fatalf("expected dest.test recipients grouped adjacently, got %v, %v", sink.got[0].Recipients, sink.got[1].Recipients)
	}
}

func TestDataCoalescesByDomainWhenConfigured(t *testing.T) {
	sink := &recordingSink{}
	backend := &Backend{
		Cfg:    Config{MaxMessageSize: 1 << 20, CoalesceByDomain: true},
		Sink:   sink,
		Bounce: noBounce{},
		Log:    rlog.Discard(),
	}
	s := newTestSessionWithBackend(t, backend)

	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range []string{"a@dest.test", "b@dest.test", "c@other.test"} {
		if err := s.Rcpt(rcpt, nil); err != nil {
			t.Fatal(err)
		}
	}

	body := "Subject: hi\r\n\r\nhello\r\n"
	if err := s.Data(strings.NewReader(body)); err != nil {
		t.Fatal(err)
	}

	// One coalesced Message for dest.test's two recipients, one for other.test.
	if len(sink.got) != 2 {
		t.Fatalf("expected 2 coalesced messages, got %d", len(sink.got))
	}
	dest := sink.got[0]
	if dest.PrimaryRecipient().Domain != "dest.test" || len(dest.Recipients) != 2 {
		t.Fatalf("expected dest.test's message to carry both its recipients, got %v", dest.Recipients)
	}
	other := sink.got[1]
	if other.PrimaryRecipient().Domain != "other.test" || len(other.Recipients) != 1 {
		t.Fatalf("expected other.test's message to carry its one recipient, got %v", other.Recipients)
	}
}

func TestRcptRejectedByActiveBounceRule(t *testing.T) {
	records := &recordingRecords{}
	s := newTestSession(t, &recordingSink{})
	s.backend.Bounce = bounceAlways{}
	s.backend.Records = records
	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Fatal(err)
	}
	err := s.Rcpt("victim@blocked.test", nil)
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 550 {
		t.Fatalf("expected 550 bounce rejection, got %#v", err)
	}
	if len(records.got) != 1 || records.got[0].Kind != logrecord.KindRejection || records.got[0].Recipient != "victim@blocked.test" {
		t.Fatalf("expected one Rejection record naming the rejected recipient, got %#v", records.got)
	}
}

type bounceAlways struct{}

func (bounceAlways) MatchBounce(string, string, string) (string, string, bool) {
	return "rule-1", "abuse complaint", true
}
