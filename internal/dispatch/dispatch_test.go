package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-smtp"
)

type fakeConn struct {
	closed bool
	usable bool
}

func (f *fakeConn) Usable() bool { return f.usable && !f.closed }
func (f *fakeConn) Close() error { f.closed = true; return nil }

func TestPoolReusesReturnedConnection(t *testing.T) {
	dialed := 0
	p := NewPool(PoolConfig{
		New: func(ctx context.Context, key string) (PooledConn, error) {
			dialed++
			return &fakeConn{usable: true}, nil
		},
		MaxKeys:             4,
		MaxConnsPerKey:      2,
		MaxConnLifetimeSec:  3600,
		StaleKeyLifetimeSec: 3600,
	})
	defer p.Close()

	c1, err := p.Get(context.Background(), "mx.example.com")
	if err != nil {
		t.Fatal(err)
	}
	p.Return("mx.example.com", c1)

	c2, err := p.Get(context.Background(), "mx.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c1 {
		t.Fatal("expected the returned connection to be reused")
	}
	if dialed != 1 {
		t.Fatalf("expected exactly one dial, got %d", dialed)
	}
}

func TestPoolSkipsUnusableConnections(t *testing.T) {
	dialed := 0
	p := NewPool(PoolConfig{
		New: func(ctx context.Context, key string) (PooledConn, error) {
			dialed++
			return &fakeConn{usable: true}, nil
		},
		MaxKeys:             4,
		MaxConnsPerKey:      2,
		MaxConnLifetimeSec:  3600,
		StaleKeyLifetimeSec: 3600,
	})
	defer p.Close()

	stale := &fakeConn{usable: false}
	p.Return("site", stale)

	conn, err := p.Get(context.Background(), "site")
	if err != nil {
		t.Fatal(err)
	}
	if conn == stale {
		t.Fatal("pool should have skipped the unusable connection and dialed fresh")
	}
	if dialed != 1 {
		t.Fatalf("expected one fresh dial, got %d", dialed)
	}
}

func TestSiteNameIsOrderIndependentOverMXSet(t *testing.T) {
	a := SiteName([]mxRecord{{Host: "mx2.example.com", Pref: 20}, {Host: "mx1.example.com", Pref: 10}})
	b := SiteName([]mxRecord{{Host: "MX1.example.com", Pref: 10}, {Host: "mx2.example.com", Pref: 20}})
	if a != b {
		t.Fatalf("site names should be case-insensitive and order-independent: %q vs %q", a, b)
	}
}

func TestFailClassifiesTemporaryAndMarks421Unusable(t *testing.T) {
	c := &Conn{usable: true}
	result := c.fail(errors.New("connection reset"))
	if result.Outcome.String() != "transient" {
		t.Fatalf("expected transient outcome for unclassified error, got %v", result.Outcome)
	}
	if !c.usable {
		t.Fatal("a plain network error shouldn't mark the connection unusable")
	}

	c421 := &Conn{usable: true}
	c421.fail(&smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 4, 2}, Message: "closing connection"})
	if c421.usable {
		t.Fatal("a 421 reply should mark the connection unusable")
	}
}
