// Command relaymtad is the relaymta outbound relay daemon: SMTP ingress,
// durable spool, scheduled/ready queue pair, site-pooled dispatcher, and
// the admin HTTP API, wired together per spec.md §4.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relaymta/relaymta/internal/admin"
	"github.com/relaymta/relaymta/internal/config"
	"github.com/relaymta/relaymta/internal/dispatch"
	"github.com/relaymta/relaymta/internal/ingress"
	"github.com/relaymta/relaymta/internal/logrecord"
	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/metrics"
	"github.com/relaymta/relaymta/internal/queue"
	"github.com/relaymta/relaymta/internal/retry"
	"github.com/relaymta/relaymta/internal/rlog"
	"github.com/relaymta/relaymta/internal/spool"
)

func main() {
	configPath := flag.String("config", "/etc/relaymta/relaymta.toml", "path to the relaymta TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg = config.ApplyEnv(cfg)

	env := "production"
	if cfg.LogLevel == "debug" {
		env = "development"
	}
	log := rlog.New(env)
	if cfg.LogLevel != "" {
		if err := log.SetLevel(cfg.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "warning: invalid log_level %q: %v\n", cfg.LogLevel, err)
		}
	}
	defer log.Sync()

	store, err := openStore(cfg.Spool, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening spool: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := metrics.NewRegistry()

	records, err := openRecords(cfg.Log, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log records: %v\n", err)
		os.Exit(1)
	}
	defer records.Close()

	rules := admin.NewRuleSet()

	bounce := &retry.BounceClassifier{}
	if cfg.Retry.BounceRulesPath != "" {
		if err := loadBounceRules(bounce, cfg.Retry.BounceRulesPath); err != nil {
			log.Warnf("bounce rules %s: %v", cfg.Retry.BounceRulesPath, err)
		}
	}

	// ready and sched reference each other (the ready queue defers a
	// suspended path's arrivals back to the scheduled queue), so sched is
	// constructed second and wired into ready's deferFn via a forward
	// pointer, mirroring the two-step construction every repo in the pack
	// uses for this kind of mutual reference.
	var sched *queue.ScheduledQueue
	deferFn := func(msg *message.Message) {
		if sched != nil {
			sched.Insert(msg)
		}
	}
	ready := queue.NewReadyRegistry(cfg.Limits.MaxRecipients*100, 10*time.Minute, reg, log, deferFn)
	defer ready.Close()

	hooks := queue.Hooks{
		OnBounce: func(ctx context.Context, msg *message.Message, ruleID, reason string) {
			finishAdmin(ctx, store, records, log, msg, logrecord.KindAdminBounce, reason)
		},
		OnExpire: func(ctx context.Context, msg *message.Message) {
			finishAdmin(ctx, store, records, log, msg, logrecord.KindExpiration, "expired")
		},
	}
	sched = queue.NewScheduledQueue(rules, ready, hooks, log)
	defer sched.Close()

	onRebind := func(msg *message.Message, oldQueue, newQueue, reason string) {
		if records == nil {
			return
		}
		msg.Lock()
		rec := logrecord.Record{
			Kind: logrecord.KindAdminRebind, ID: msg.ID, Size: len(msg.Body),
			Sender: msg.Sender.String(), Recipient: msg.RecipientsString(),
			Queue: newQueue, ResponseContent: fmt.Sprintf("rebind from %s: %s", oldQueue, reason),
			SessionID: msg.SessionID,
		}
		msg.Unlock()
		if err := records.Write(rec); err != nil {
			log.Errorf(err, "writing rebind record for %s", msg.ID)
		}
	}
	adminServer := admin.NewServer(rules, sched, ready, reg, onRebind, log, log,
		cfg.Admin.AuthUser, []byte(cfg.Admin.AuthPassHash), cfg.Admin.TrustedIPs)

	corrupt := 0
	rebuilt, err := spool.Rebuild(context.Background(), store, log, func(c spool.Corrupt) {
		corrupt++
		log.Warnf("spool rebuild: quarantined entry %s: %v", c.ID, c.Error)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error rebuilding spool: %v\n", err)
		os.Exit(1)
	}
	for _, rm := range rebuilt {
		sched.Insert(rm.Msg)
	}
	log.Infof("spool rebuild complete: %d messages requeued, %d corrupt entries quarantined", len(rebuilt), corrupt)
	reg.SetSpoolStarted(true)

	tlsPolicy, err := cfg.ParsedTLSPolicy()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing dispatch.tls_policy: %v\n", err)
		os.Exit(1)
	}
	dialCfg := dispatch.Config{
		Hostname:                  cfg.Dispatch.Hostname,
		TLSPolicy:                 tlsPolicy,
		OpportunisticTLSReconnect: cfg.Dispatch.OpportunisticTLSReconnect,
		AuthUsername:              cfg.Dispatch.AuthUsername,
		AuthPassword:              cfg.Dispatch.AuthPassword,
	}
	resolver := dispatch.NewResolver(nil)

	// The pool is strictly an idle-connection-reuse cache: New always
	// errors on a miss, so every fresh dial goes through the dispatcher's
	// own MX-candidate fallback loop in borrowConn rather than through a
	// pool-owned dial path that knows nothing about MX ordering.
	pool := dispatch.NewPool(dispatch.PoolConfig{
		New: func(ctx context.Context, key string) (dispatch.PooledConn, error) {
			return nil, fmt.Errorf("dispatch: no idle connection cached for %s", key)
		},
		MaxKeys:             4096,
		MaxConnsPerKey:      8,
		MaxConnLifetimeSec:  300,
		StaleKeyLifetimeSec: 3600,
	})
	defer pool.Close()

	dispatcher := newDispatcher(ready, sched, resolver, pool, dialCfg,
		retry.Schedule{Base: cfg.Retry.Base, MaxAge: cfg.Retry.MaxAge}, bounce,
		store, records, reg, 200, 500, log)
	defer dispatcher.Close()

	sink := newSpoolSink(store, sched, records, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("received signal %s, shutting down", sig)
		reg.SetShuttingDown(true)
		cancel()
	}()

	var smtpServers []*ingress.ServerHandle
	for _, l := range cfg.Listeners {
		handle, err := startListener(sink, rules, records, cfg, l, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error starting listener %s: %v\n", l.Address, err)
			os.Exit(1)
		}
		smtpServers = append(smtpServers, handle)
	}

	httpServer := &http.Server{Addr: cfg.Admin.Address, Handler: adminServer.Handler(reg.Handler())}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(err, "admin HTTP server error")
		}
	}()

	go dispatcher.Run(ctx, time.Second)

	log.Infof("relaymtad started: hostname=%s listeners=%d admin=%s", cfg.Hostname, len(cfg.Listeners), cfg.Admin.Address)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	for _, h := range smtpServers {
		h.Close()
	}
	log.Infof("relaymtad shut down cleanly")
}

func openStore(cfg config.SpoolConfig, log rlog.Logger) (spool.Store, error) {
	switch cfg.Type {
	case "sqlite":
		return spool.NewSQLiteStore(cfg.Path, log)
	default:
		return spool.NewFSStore(cfg.Path, true, log)
	}
}

func openRecords(cfg config.LogConfig, log rlog.Logger) (*logrecord.SegmentWriter, error) {
	var webhook *logrecord.WebhookSink
	if cfg.WebhookURL != "" {
		webhook = logrecord.NewWebhookSink(cfg.WebhookURL, 0, 0, log)
	}
	maxBytes := int64(cfg.MaxSegmentMB) * 1024 * 1024
	return logrecord.NewSegmentWriter(cfg.SegmentDir, maxBytes, nil, webhook, log)
}

func loadBounceRules(c *retry.BounceClassifier, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".json") {
		return c.LoadBounceRulesJSON(data)
	}
	return c.LoadBounceRulesTOML(data)
}

// finishAdmin handles the admin-rule-driven terminal paths (Bounce rule hit,
// expiration) the scheduled queue reports via Hooks: remove the spool
// entries and append the terminal record, mirroring Dispatcher.finish for
// the delivery-attempt terminal paths.
func finishAdmin(ctx context.Context, store spool.Store, records *logrecord.SegmentWriter, log rlog.Logger, msg *message.Message, kind logrecord.Kind, reason string) {
	store.Remove(ctx, spool.KindMeta, msg.ID)
	store.Remove(ctx, spool.KindData, msg.ID)
	if records == nil {
		return
	}
	msg.Lock()
	rec := logrecord.Record{
		Kind: kind, ID: msg.ID, Size: len(msg.Body),
		Sender: msg.Sender.String(), Recipient: msg.RecipientsString(),
		Queue: msg.QueueName(), ResponseContent: reason, NumAttempts: msg.NumAttempts,
		SessionID: msg.SessionID,
	}
	msg.Unlock()
	if err := records.Write(rec); err != nil {
		log.Errorf(err, "writing %s record for %s", kind, msg.ID)
	}
}

// startListener builds a listener-scoped Backend (its RequireProxyProtocol
// flag is read from the listener's own config entry; the
// KUMOD_TEST_REQUIRE_PROXY_PROTOCOL override sets it on every listener at
// once) over the shared sink and bounce-rule set, then serves it on its own
// goroutine.
func startListener(sink ingress.Sink, rules ingress.BounceChecker, records *logrecord.SegmentWriter, cfg config.Config, l config.ListenerConfig, log rlog.Logger) (*ingress.ServerHandle, error) {
	listener, err := ingress.Listen("tcp", l.Address, l.RequireProxyProtocol)
	if err != nil {
		return nil, err
	}
	var recordSink ingress.RecordSink
	if records != nil {
		recordSink = records
	}
	backend := ingress.NewBackend(ingress.Config{
		Hostname:             cfg.Hostname,
		MaxMessageSize:       int64(cfg.Limits.MaxMessageSize),
		MaxRecipients:        cfg.Limits.MaxRecipients,
		RequireProxyProtocol: l.RequireProxyProtocol,
		CoalesceByDomain:     cfg.BatchHandling == config.BatchByDomain,
	}, sink, rules, ingress.Hooks{}, recordSink, log)
	srv := ingress.NewServer(ingress.ServerConfig{
		Addr:           l.Address,
		Domain:         cfg.Hostname,
		MaxMessageSize: int64(cfg.Limits.MaxMessageSize),
		MaxRecipients:  cfg.Limits.MaxRecipients,
	}, backend)

	go func() {
		if err := srv.Serve(listener); err != nil {
			log.Warnf("listener %s stopped: %v", l.Address, err)
		}
	}()
	return &ingress.ServerHandle{Server: srv, Listener: listener}, nil
}
