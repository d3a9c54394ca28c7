package logrecord

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/relaymta/relaymta/internal/rlog"
)

// WebhookSink batches Records and POSTs them as a JSON array to a
// configured endpoint, per spec.md §4.8 ("Records MAY be fanned out to a
// webhook sink in batches").
type WebhookSink struct {
	url        string
	client     *http.Client
	batchSize  int
	flushEvery time.Duration
	log        rlog.Logger

	mu      sync.Mutex
	pending []Record
	stop    chan struct{}
	done    chan struct{}
}

func NewWebhookSink(url string, batchSize int, flushEvery time.Duration, log rlog.Logger) *WebhookSink {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	w := &WebhookSink{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		batchSize:  batchSize,
		flushEvery: flushEvery,
		log:        log.Named("webhook_sink"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *WebhookSink) Enqueue(r Record) {
	w.mu.Lock()
	w.pending = append(w.pending, r)
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()
	if full {
		w.flush()
	}
}

func (w *WebhookSink) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *WebhookSink) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	body, err := json.Marshal(batch)
	if err != nil {
		w.log.Errorf(err, "marshal webhook batch of %d records", len(batch))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.log.Errorf(err, "build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Errorf(err, "webhook POST to %s failed for batch of %d", w.url, len(batch))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.log.Warnf("webhook POST to %s returned %d for batch of %d", w.url, resp.StatusCode, len(batch))
	}
}

func (w *WebhookSink) Close() {
	close(w.stop)
	<-w.done
}
