// Package ingress implements the SMTP Server (ingress) component from
// spec.md §4.2: a go-smtp Backend/Session pair driving the
// Greeting->EHLO->MAIL->RCPT->DATA state machine, policy hooks, PROXY
// protocol preamble handling, and message construction feeding the spool.
package ingress

import (
	"context"
	"net"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/relaymta/relaymta/internal/logrecord"
	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/rlog"
)

// Sink accepts a fully-built Message once DATA completes, per spec.md
// §3's lifecycle step 1 ("Born in SMTP Server on DATA completion; spooled
// before 250 is returned"). Implemented by the daemon's spool+scheduled-
// queue wiring.
type Sink interface {
	Accept(ctx context.Context, msg *message.Message) error
}

// RecordSink receives a Rejection record for every command a Session
// refuses, per spec.md §4.2 ("All rejections MUST be logged as Rejection").
// Implemented by *logrecord.SegmentWriter; nil disables rejection logging.
type RecordSink interface {
	Write(rec logrecord.Record) error
}

// BounceChecker is the subset of admin.RuleSet the ingress needs to reject
// new mail matching an active Bounce rule at inject time (spec.md §4.7).
type BounceChecker interface {
	MatchBounce(campaign, tenant, domain string) (ruleID, reason string, ok bool)
}

// ConnMeta is the connection-metadata mapping spec.md §4.2 says every
// policy hook receives, alongside event-specific arguments.
type ConnMeta map[string]string

// Hooks are the named policy callbacks from spec.md §4.2. Any hook may
// reject the command by returning an *smtp.SMTPError (or one of the
// helpers in this package); other errors are treated as a generic 451.
// Session invokes MailFrom, RcptTo, MessageReceived and GetDynamicParams;
// the EHLO hook is not invoked by Session.
type Hooks struct {
	EHLO              func(meta ConnMeta, hostname string) error
	MailFrom          func(meta ConnMeta, from message.Address) error
	RcptTo            func(meta ConnMeta, to message.Address) error
	MessageReceived   func(meta ConnMeta, msg *message.Message) error
	GetDynamicParams  func(meta ConnMeta) map[string]string
}

// Config is Backend's static configuration.
type Config struct {
	Hostname              string
	MaxMessageSize        int64
	MaxRecipients         int
	RequireProxyProtocol  bool
	AuthUsername          string
	AuthPasswordHash      []byte

	// CoalesceByDomain mirrors spec.md §6's KUMOD_BATCH_HANDLING=BatchByDomain:
	// when set, Session.Data spools one Message per distinct recipient
	// domain, carrying every recipient sharing that domain, instead of one
	// Message per recipient.
	CoalesceByDomain bool
}

// Backend implements smtp.Backend, grounded on infodancer-smtpd/internal/
// smtp/backend.go's NewSession shape, generalized to this repo's Sink/Hooks
// model instead of a direct maildir delivery agent.
type Backend struct {
	Cfg     Config
	Sink    Sink
	Bounce  BounceChecker
	Hooks   Hooks
	Records RecordSink
	Log     rlog.Logger
}

func NewBackend(cfg Config, sink Sink, bounce BounceChecker, hooks Hooks, records RecordSink, log rlog.Logger) *Backend {
	return &Backend{Cfg: cfg, Sink: sink, Bounce: bounce, Hooks: hooks, Records: records, Log: log.Named("ingress")}
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	clientIP, origFrom, origVia := extractPeer(c.Conn())
	if b.Cfg.RequireProxyProtocol && origFrom == "" {
		return nil, &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "PROXY protocol preamble required"}
	}

	meta := ConnMeta{
		"client_ip": clientIP,
	}
	if origFrom != "" {
		meta["orig_received_from"] = origFrom
		meta["orig_received_via"] = origVia
	}

	sessionID := uuid.New()
	s := &Session{
		backend:   b,
		conn:      c,
		sessionID: sessionID,
		meta:      meta,
		log:       b.Log.With(map[string]interface{}{"session_id": sessionID.String(), "client_ip": clientIP}),
	}
	return s, nil
}

// extractPeer mirrors infodancer-smtpd's extractIPFromConn, plus unwrapping
// a *proxyConn for the PROXY-protocol-derived original address.
func extractPeer(conn net.Conn) (clientIP, origFrom, origVia string) {
	if conn == nil {
		return "", "", ""
	}
	if pc, ok := conn.(*proxyConn); ok {
		origFrom = pc.OrigReceivedFrom()
		origVia = pc.OrigReceivedVia()
	}
	addr := conn.RemoteAddr()
	if addr == nil {
		return "", origFrom, origVia
	}
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String(), origFrom, origVia
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String(), origFrom, origVia
		}
		return host, origFrom, origVia
	}
}
