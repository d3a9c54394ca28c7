package main

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaymta/relaymta/internal/dispatch"
	"github.com/relaymta/relaymta/internal/logrecord"
	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/metrics"
	"github.com/relaymta/relaymta/internal/queue"
	"github.com/relaymta/relaymta/internal/retry"
	"github.com/relaymta/relaymta/internal/rlog"
	"github.com/relaymta/relaymta/internal/spool"
)

// Dispatcher polls the ready queues and drives deliveries through the
// per-site connection pool, grounded on foxcpp-maddy/internal/target/
// queue/queue.go's dispatch()/tryDelivery() shape: a buffered-channel
// semaphore bounds in-flight deliveries, a WaitGroup lets Close() drain
// in-flight work before returning. The poll loop itself (there is no
// blocking Claim in this repo's ReadyRegistry) is this package's own
// addition, since the teacher's Queue calls dispatch directly off its own
// timer wheel rather than off a separately-owned FIFO registry.
type Dispatcher struct {
	ready    *queue.ReadyRegistry
	sched    *queue.ScheduledQueue
	resolver *dispatch.Resolver
	pool     *dispatch.Pool
	dialCfg  dispatch.Config
	schedule retry.Schedule
	bounce   *retry.BounceClassifier
	store    spool.Store
	records  *logrecord.SegmentWriter
	metrics  *metrics.Registry

	limiter *rate.Limiter
	sem     chan struct{}
	wg      sync.WaitGroup
	stop    chan struct{}
	log     rlog.Logger
}

func newDispatcher(ready *queue.ReadyRegistry, sched *queue.ScheduledQueue, resolver *dispatch.Resolver, pool *dispatch.Pool, dialCfg dispatch.Config, schedule retry.Schedule, bounce *retry.BounceClassifier, store spool.Store, records *logrecord.SegmentWriter, reg *metrics.Registry, maxConcurrent int, perSecond float64, log rlog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 50
	}
	if perSecond <= 0 {
		perSecond = 100
	}
	return &Dispatcher{
		ready:    ready,
		sched:    sched,
		resolver: resolver,
		pool:     pool,
		dialCfg:  dialCfg,
		schedule: schedule,
		bounce:   bounce,
		store:    store,
		records:  records,
		metrics:  reg,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), maxConcurrent),
		sem:      make(chan struct{}, maxConcurrent),
		stop:     make(chan struct{}),
		log:      log.Named("dispatcher"),
	}
}

// Run polls every pollInterval for ready-queue names and claims at most one
// message per name per tick, handing each off to attemptDelivery on its own
// goroutine once the rate limiter and semaphore admit it.
func (d *Dispatcher) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	for _, name := range d.ready.Names() {
		msg, ok := d.ready.Claim(name)
		if !ok {
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		d.wg.Add(1)
		go func(msg *message.Message) {
			defer func() {
				<-d.sem
				d.wg.Done()
			}()
			d.attemptDelivery(ctx, msg)
		}(msg)
	}
}

// attemptDelivery resolves the destination site, borrows a pooled
// connection (or dials a fresh one), performs one delivery attempt, and
// routes the outcome to the terminal/retry/bounce paths per spec.md §4.6.
func (d *Dispatcher) attemptDelivery(ctx context.Context, msg *message.Message) {
	domain := msg.PrimaryRecipient().Domain
	site, plan, err := d.resolver.PlanSite(ctx, domain)
	if err != nil {
		d.handleOutcome(ctx, msg, retry.Response{Content: err.Error()}, retry.Transient, dispatch.TLSInfo{}, "", domain)
		return
	}

	conn, peerAddr, err := d.borrowConn(ctx, site, plan)
	if err != nil {
		d.handleOutcome(ctx, msg, retry.Response{Content: err.Error()}, retry.Transient, dispatch.TLSInfo{}, "", site)
		return
	}

	result := conn.(*dispatch.Conn).Attempt(ctx, msg)
	if conn.Usable() {
		d.pool.Return(site, conn)
	} else {
		conn.Close()
	}

	d.handleOutcome(ctx, msg, result.Response, result.Outcome, result.TLS, peerAddr, site)
}

func (d *Dispatcher) borrowConn(ctx context.Context, site string, plan []dispatch.Candidate) (dispatch.PooledConn, string, error) {
	if conn, err := d.pool.Get(ctx, site); err == nil && conn != nil {
		return conn, site, nil
	}
	var lastErr error
	for _, candidate := range plan {
		c, err := dispatch.Dial(ctx, candidate, d.dialCfg, d.log)
		if err == nil {
			return c, candidate.IP.String(), nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}

func (d *Dispatcher) handleOutcome(ctx context.Context, msg *message.Message, resp retry.Response, outcome retry.Outcome, tls dispatch.TLSInfo, peerAddr, site string) {
	msg.Lock()
	msg.NumAttempts++
	attempts := msg.NumAttempts
	queueName := msg.QueueName()
	msg.LastError = resp.Content
	expires := msg.Scheduling.Expires
	msg.Unlock()

	rec := logrecord.Record{
		ID:              msg.ID,
		Size:            len(msg.Body),
		Sender:          msg.Sender.String(),
		Recipient:       msg.RecipientsString(),
		Queue:           queueName,
		Site:            site,
		PeerAddress:     peerAddr,
		ResponseCode:    resp.Code,
		EnhancedCode:    resp.EnhancedCode,
		ResponseContent: resp.Content,
		NumAttempts:     attempts,
		SessionID:       msg.SessionID,
		TLS: logrecord.TLSInfo{
			Used: tls.Used, Protocol: tls.Protocol, Cipher: tls.Cipher, PeerSubject: tls.PeerSubject,
		},
	}

	switch outcome {
	case retry.Delivered:
		rec.Kind = logrecord.KindDelivery
		d.finish(ctx, msg, rec)
		if d.metrics != nil {
			d.metrics.RecordDelivery(site)
		}

	case retry.Permanent:
		rec.Kind = logrecord.KindBounce
		if d.bounce != nil {
			rec.BounceClass = d.bounce.Classify(resp.Content)
		}
		d.finish(ctx, msg, rec)
		if d.metrics != nil {
			d.metrics.RecordBounce(site, rec.BounceClass)
		}

	default: // Transient
		rec.Kind = logrecord.KindTransientFailure
		if d.records != nil {
			if err := d.records.Write(rec); err != nil {
				d.log.Errorf(err, "writing transient-failure record for %s", msg.ID)
			}
		}
		if d.metrics != nil {
			d.metrics.RecordTransient(site)
		}

		next := d.schedule.NextAttempt(time.Now(), attempts, expires)
		if expires != nil && !next.Before(*expires) {
			expRec := rec
			expRec.Kind = logrecord.KindExpiration
			d.finish(ctx, msg, expRec)
			return
		}
		msg.Lock()
		msg.Scheduling.FirstAttempt = &next
		msg.Unlock()
		if metaBytes, err := msg.MarshalMeta(); err == nil {
			d.store.Store(ctx, spool.KindMeta, msg.ID, metaBytes)
		}
		d.sched.Requeue(msg, next)
	}
}

// finish removes a terminally-resolved message from the spool and appends
// its terminal record.
func (d *Dispatcher) finish(ctx context.Context, msg *message.Message, rec logrecord.Record) {
	d.store.Remove(ctx, spool.KindMeta, msg.ID)
	d.store.Remove(ctx, spool.KindData, msg.ID)
	if d.records != nil {
		if err := d.records.Write(rec); err != nil {
			d.log.Errorf(err, "writing %s record for %s", rec.Kind, msg.ID)
		}
	}
}

// Close signals the poll loop to stop and waits for in-flight deliveries to
// finish, matching the teacher's deliveryWg drain-on-shutdown behavior.
func (d *Dispatcher) Close() {
	close(d.stop)
	d.wg.Wait()
}
