package logrecord

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/relaymta/relaymta/internal/rlog"
)

func TestSegmentWriterSealsOnRotate(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, 1, nil, nil, rlog.Discard())
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Write(Record{Kind: KindDelivery, ID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(Record{Kind: KindDelivery, ID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected at least 2 segments given maxBytes=1, got %d", len(entries))
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm()&0200 != 0 {
			t.Fatalf("sealed segment %s should not be owner-writable, mode=%v", e.Name(), info.Mode())
		}
	}
}

func TestPolicySkipsLogDerivedRecords(t *testing.T) {
	dir := t.TempDir()
	var seen []Record
	policy := func(r Record) { seen = append(seen, r) }

	w, err := NewSegmentWriter(dir, 0, policy, nil, rlog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Write(Record{Kind: KindReception, ID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(Record{Kind: KindReception, ID: uuid.New(), ReceptionProtocol: "LogRecord"}); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected exactly 1 record to reach the policy callback, got %d", len(seen))
	}
}

func TestSegmentPathsAreDistinct(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, 0, nil, nil, rlog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if filepath.Dir(w.segmentPath(1)) != dir {
		t.Fatal("segment path should live under the configured directory")
	}
	if w.segmentPath(1) == w.segmentPath(2) {
		t.Fatal("different sequence numbers should give different segment paths")
	}
}
