package main

import (
	"context"
	"fmt"

	"github.com/relaymta/relaymta/internal/logrecord"
	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/queue"
	"github.com/relaymta/relaymta/internal/rlog"
	"github.com/relaymta/relaymta/internal/spool"
)

// spoolSink implements ingress.Sink: persist the message to both spool
// halves, then hand it to the scheduled queue, per spec.md §3's lifecycle
// step 1 ("Born in SMTP Server on DATA completion; spooled before 250 is
// returned").
type spoolSink struct {
	store   spool.Store
	sched   *queue.ScheduledQueue
	records *logrecord.SegmentWriter
	rlog    rlog.Logger
}

func newSpoolSink(store spool.Store, sched *queue.ScheduledQueue, records *logrecord.SegmentWriter, log rlog.Logger) *spoolSink {
	return &spoolSink{store: store, sched: sched, records: records, rlog: log.Named("spool_sink")}
}

func (s *spoolSink) Accept(ctx context.Context, msg *message.Message) error {
	metaBytes, err := msg.MarshalMeta()
	if err != nil {
		return fmt.Errorf("marshal meta for %s: %w", msg.ID, err)
	}
	if err := s.store.Store(ctx, spool.KindMeta, msg.ID, metaBytes); err != nil {
		return fmt.Errorf("store meta for %s: %w", msg.ID, err)
	}
	if err := s.store.Store(ctx, spool.KindData, msg.ID, msg.MarshalBody()); err != nil {
		return fmt.Errorf("store body for %s: %w", msg.ID, err)
	}

	s.sched.Insert(msg)

	if s.records != nil {
		msg.Lock()
		rec := logrecord.Record{
			Kind:      logrecord.KindReception,
			ID:        msg.ID,
			Size:      len(msg.Body),
			Sender:    msg.Sender.String(),
			Recipient: msg.RecipientsString(),
			Queue:     msg.QueueName(),
			SessionID: msg.SessionID,
			Created:   msg.CreatedAt,
		}
		msg.Unlock()
		if err := s.records.Write(rec); err != nil {
			s.rlog.Errorf(err, "writing reception record for %s", msg.ID)
		}
	}

	s.rlog.Debugf("accepted %s into queue %s", msg.ID, msg.QueueName())
	return nil
}
