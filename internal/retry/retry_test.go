package retry

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code int
		want Outcome
	}{
		{250, Delivered},
		{450, Transient},
		{550, Permanent},
		{999, Transient},
	}
	for _, tc := range cases {
		if got := Classify(Response{Code: tc.code}); got != tc.want {
			t.Errorf("Classify(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestParseEnhancedCode(t *testing.T) {
	if got := ParseEnhancedCode("450 4.2.1 mailbox temporarily unavailable"); got != "4.2.1" {
		t.Fatalf("got %q", got)
	}
	if got := ParseEnhancedCode("421 service not available"); got != "" {
		t.Fatalf("expected no enhanced code, got %q", got)
	}
}

func TestScheduleDoublesAndCaps(t *testing.T) {
	s := Schedule{Base: time.Minute, MaxAge: 20 * time.Minute}
	now := time.Now()

	first := s.NextAttempt(now, 1, nil)
	if got := first.Sub(now); got != time.Minute {
		t.Fatalf("first delay = %v, want 1m", got)
	}

	fifth := s.NextAttempt(now, 5, nil)
	if got := fifth.Sub(now); got != 16*time.Minute {
		t.Fatalf("fifth delay = %v, want 16m", got)
	}

	tenth := s.NextAttempt(now, 10, nil)
	if got := tenth.Sub(now); got != 20*time.Minute {
		t.Fatalf("tenth delay = %v, want capped at 20m", got)
	}
}

func TestScheduleClampedByExpires(t *testing.T) {
	s := DefaultSchedule
	now := time.Now()
	expires := now.Add(5 * time.Minute)

	next := s.NextAttempt(now, 5, &expires)
	if !next.Equal(expires) {
		t.Fatalf("next attempt should clamp to expires; got %v want %v", next, expires)
	}
}

func TestBounceClassifierJSONAndTOML(t *testing.T) {
	c := &BounceClassifier{}
	if err := c.LoadBounceRulesJSON([]byte(`{"rules":[{"class":"no_such_user","patterns":["user unknown","/no such user/"]}]}`)); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadBounceRulesTOML([]byte("[[rules]]\nclass = \"spam_block\"\npatterns = [\"spamhaus\"]\n")); err != nil {
		t.Fatal(err)
	}

	if got := c.Classify("550 5.1.1 User unknown in virtual table"); got != "no_such_user" {
		t.Fatalf("got %q", got)
	}
	if got := c.Classify("550 5.7.1 Blocked by Spamhaus RBL"); got != "spam_block" {
		t.Fatalf("got %q", got)
	}
	if got := c.Classify("550 5.7.1 some other reason"); got != DefaultBounceClass {
		t.Fatalf("got %q, want default", got)
	}
}
