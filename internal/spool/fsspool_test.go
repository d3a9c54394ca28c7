package spool

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/relaymta/relaymta/internal/rlog"
)

func TestFSStoreRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "fsspool-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	st, err := NewFSStore(dir, true, rlog.Discard())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	id := uuid.New()
	payload := []byte("hello spool")

	if err := st.Store(ctx, KindData, id, payload); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := st.Load(ctx, KindData, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}

	if err := st.Remove(ctx, KindData, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Idempotence: a second remove must be a no-op, not an error.
	if err := st.Remove(ctx, KindData, id); err != nil {
		t.Fatalf("second Remove should be a no-op: %v", err)
	}

	if _, err := st.Load(ctx, KindData, id); err == nil {
		t.Fatal("expected Load to fail after Remove")
	}
}

func TestFSStorePathRoundTrip(t *testing.T) {
	id := uuid.New()
	path := PathFor("/spool/data", id)

	got, ok := FromPath("/spool/data", path)
	if !ok {
		t.Fatalf("FromPath failed to parse %q", path)
	}
	if got != id {
		t.Fatalf("FromPath(%q) = %s, want %s", path, got, id)
	}
}

func TestFSStoreEnumerate(t *testing.T) {
	dir, err := os.MkdirTemp("", "fsspool-enum-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	st, err := NewFSStore(dir, false, rlog.Discard())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	ids := make(map[uuid.UUID]bool)
	for i := 0; i < 5; i++ {
		id := uuid.New()
		ids[id] = true
		if err := st.Store(ctx, KindMeta, id, []byte("{}")); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	ch, err := st.Enumerate(ctx, KindMeta)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}

	seen := 0
	for entry := range ch {
		if entry.Corrupt != nil {
			t.Fatalf("unexpected corrupt entry: %v", entry.Corrupt.Error)
		}
		if !ids[entry.ID] {
			t.Fatalf("enumerate returned unknown id %s", entry.ID)
		}
		seen++
	}
	if seen != len(ids) {
		t.Fatalf("enumerate returned %d entries, want %d", seen, len(ids))
	}
}
