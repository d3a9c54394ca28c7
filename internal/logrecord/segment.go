package logrecord

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/relaymta/relaymta/internal/rlog"
)

// Policy is the pluggable per-record callback from spec.md §4.8. It
// receives only the Record: the message that produced it is represented by
// the record's id and meta snapshot, not a live *message.Message, to keep
// this package free of a dependency on internal/message.
type Policy func(r Record)

// SegmentWriter is an append-only, zstd-compressed, size-rotated record
// sink. Each sealed segment has its owner-writable bit cleared so a
// restarted process (or an operator) can trust that any file without the
// write bit is complete, grounded on the append-only/rotate-then-seal
// pattern spec.md §4.8 describes ("each segment marked read-only once
// rotated").
type SegmentWriter struct {
	dir         string
	maxBytes    int64
	log         rlog.Logger
	policy      Policy
	webhook     *WebhookSink

	mu      sync.Mutex
	cur     *os.File
	enc     *zstd.Encoder
	written int64
	seq     int
}

func NewSegmentWriter(dir string, maxBytes int64, policy Policy, webhook *WebhookSink, log rlog.Logger) (*SegmentWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("logrecord: create segment dir: %w", err)
	}
	w := &SegmentWriter{dir: dir, maxBytes: maxBytes, policy: policy, webhook: webhook, log: log.Named("logrecord")}
	if err := w.rotate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SegmentWriter) segmentPath(seq int) string {
	return filepath.Join(w.dir, fmt.Sprintf("segment-%020d.jsonl.zst", seq))
}

// rotate must be called with w.mu held.
func (w *SegmentWriter) rotate() error {
	if w.cur != nil {
		w.seal()
	}
	w.seq++
	path := w.segmentPath(w.seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("logrecord: open segment: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("logrecord: zstd writer: %w", err)
	}
	w.cur = f
	w.enc = enc
	w.written = 0
	return nil
}

// seal flushes and closes the current segment, then clears its
// owner-writable bit so it reads as immutable. Must be called with w.mu
// held, and only when w.cur is non-nil.
func (w *SegmentWriter) seal() {
	if err := w.enc.Close(); err != nil {
		w.log.Errorf(err, "closing zstd encoder for %s", w.cur.Name())
	}
	name := w.cur.Name()
	if err := w.cur.Close(); err != nil {
		w.log.Errorf(err, "closing segment %s", name)
	}
	if err := os.Chmod(name, 0444); err != nil {
		w.log.Errorf(err, "sealing segment %s read-only", name)
	}
}

// Write appends r to the current segment and rotates if the segment has
// grown past maxBytes, then runs the policy callback (skipping log-derived
// records per spec.md §4.8) and forwards to the webhook sink if configured.
func (w *SegmentWriter) Write(r Record) error {
	if r.Event.IsZero() {
		r.Event = timeNow()
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("logrecord: marshal record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	n, err := w.enc.Write(line)
	if err == nil {
		// zstd.Encoder buffers internally; flush per record so a crash
		// loses at most the in-flight write, not an arbitrary backlog.
		err = w.enc.Flush()
	}
	w.written += int64(n)
	needRotate := err == nil && w.maxBytes > 0 && w.written >= w.maxBytes
	if needRotate {
		err = w.rotate()
	}
	w.mu.Unlock()
	if err != nil {
		return err
	}

	if w.policy != nil && !r.IsLogDerived() {
		w.policy(r)
	}
	if w.webhook != nil {
		w.webhook.Enqueue(r)
	}
	return nil
}

func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur != nil {
		w.seal()
		w.cur = nil
	}
	if w.webhook != nil {
		w.webhook.Close()
	}
	return nil
}

// timeNow is a seam so tests can stub it if ever needed; production always
// uses wall-clock time.
var timeNow = time.Now
