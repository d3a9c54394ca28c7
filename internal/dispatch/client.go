// Package dispatch implements the SMTP client (Dispatcher) from spec.md
// §4.5: per-site connection pooling, MX-based connection planning,
// opportunistic TLS policy, and the per-message delivery attempt that feeds
// internal/retry's classification.
package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/retry"
	"github.com/relaymta/relaymta/internal/rlog"
)

// TLSPolicy is the four-variant opportunistic TLS enum from spec.md §4.5.
type TLSPolicy int

const (
	OpportunisticInsecure TLSPolicy = iota
	Opportunistic
	Required
	RequiredInsecure
)

// ParseTLSPolicy maps the four spec.md §6 enum literals to a TLSPolicy,
// matching KUMOD_ENABLE_TLS's accepted values exactly.
func ParseTLSPolicy(s string) (TLSPolicy, error) {
	switch s {
	case "OpportunisticInsecure":
		return OpportunisticInsecure, nil
	case "Opportunistic":
		return Opportunistic, nil
	case "Required":
		return Required, nil
	case "RequiredInsecure":
		return RequiredInsecure, nil
	default:
		return 0, fmt.Errorf("dispatch: unknown TLS policy %q", s)
	}
}

func (p TLSPolicy) String() string {
	switch p {
	case OpportunisticInsecure:
		return "OpportunisticInsecure"
	case Opportunistic:
		return "Opportunistic"
	case Required:
		return "Required"
	case RequiredInsecure:
		return "RequiredInsecure"
	default:
		return "unknown"
	}
}

// Config governs dialing and TLS/AUTH behavior for one site's connections.
type Config struct {
	Hostname                  string
	ConnectTimeout            time.Duration
	CommandTimeout            time.Duration
	TLSPolicy                 TLSPolicy
	OpportunisticTLSReconnect bool
	AuthUsername              string
	AuthPassword              string
	Dialer                    func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.Hostname == "" {
		c.Hostname = "localhost.localdomain"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 5 * time.Minute
	}
	if c.Dialer == nil {
		c.Dialer = (&net.Dialer{}).DialContext
	}
	return c
}

// TLSInfo records the negotiated session, populated on the Conn after
// Connect when a TLS layer is in place.
type TLSInfo struct {
	Used          bool
	Protocol      string
	Cipher        string
	PeerSubject   string
}

// Conn wraps a go-smtp.Client with the site-pool lifecycle from spec.md
// §4.5: Connecting -> Banner -> EHLO -> (STARTTLS+EHLO?) -> (AUTH?) -> Idle.
// Grounded on foxcpp-maddy/internal/smtpconn/smtpconn.go's C type, adapted
// to this repo's TLSPolicy enum and error taxonomy instead of maddy's.
type Conn struct {
	cfg        Config
	cl         *smtp.Client
	serverAddr string
	tlsInfo    TLSInfo
	usable     bool
	log        rlog.Logger
}

// Dial connects to candidate, negotiates EHLO/STARTTLS/AUTH per policy, and
// returns a ready Conn. The caller is expected to have already tried
// candidates in plan order; a dial failure here is a transient, not a
// bounce, per spec.md §4.5 ("failure to connect ... proceeds to the next").
func Dial(ctx context.Context, candidate Candidate, cfg Config, log rlog.Logger) (*Conn, error) {
	cfg = cfg.withDefaults()
	addr := net.JoinHostPort(candidate.IP.String(), "25")

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	netConn, err := cfg.Dialer(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	cl, err := smtp.NewClient(netConn)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("smtp client %s: %w", addr, err)
	}
	cl.CommandTimeout = cfg.CommandTimeout

	if err := cl.Hello(cfg.Hostname); err != nil {
		cl.Close()
		return nil, fmt.Errorf("EHLO %s: %w", candidate.Host, err)
	}

	c := &Conn{cfg: cfg, cl: cl, serverAddr: candidate.Host, usable: true, log: log.Named("dispatch_conn")}
	if err := c.negotiateTLS(candidate.Host); err != nil {
		cl.Close()
		if _, ok := err.(errReconnectCleartext); !ok {
			return nil, err
		}
		netConn, err := cfg.Dialer(dialCtx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("reconnect %s: %w", addr, err)
		}
		if cl, err = smtp.NewClient(netConn); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("smtp client %s: %w", addr, err)
		}
		cl.CommandTimeout = cfg.CommandTimeout
		if err := cl.Hello(cfg.Hostname); err != nil {
			cl.Close()
			return nil, fmt.Errorf("EHLO %s: %w", candidate.Host, err)
		}
		c.cl = cl
	}

	if cfg.AuthUsername != "" {
		auth := smtpPlainAuth(cfg.AuthUsername, cfg.AuthPassword)
		if err := cl.Auth(auth); err != nil {
			cl.Close()
			return nil, fmt.Errorf("AUTH: %w", err)
		}
	}

	return c, nil
}

// negotiateTLS implements the four TLSPolicy variants' exact semantics from
// spec.md §4.5.
func (c *Conn) negotiateTLS(serverName string) error {
	ok, _ := c.cl.Extension("STARTTLS")

	switch c.cfg.TLSPolicy {
	case Required, RequiredInsecure:
		if !ok {
			return fmt.Errorf("peer does not advertise STARTTLS and policy requires it")
		}
		conf := &tls.Config{ServerName: serverName, InsecureSkipVerify: c.cfg.TLSPolicy == RequiredInsecure}
		if err := c.cl.StartTLS(conf); err != nil {
			return fmt.Errorf("STARTTLS required: %w", err)
		}
		c.recordTLS()
		return nil

	case OpportunisticInsecure:
		if !ok {
			return nil
		}
		conf := &tls.Config{ServerName: serverName, InsecureSkipVerify: true}
		if err := c.cl.StartTLS(conf); err != nil {
			// Opportunistic-insecure never fails the connection over TLS.
			c.log.Debugf("opportunistic-insecure STARTTLS failed, continuing in cleartext: %v", err)
			return nil
		}
		c.recordTLS()
		return nil

	case Opportunistic:
		if !ok {
			return nil
		}
		conf := &tls.Config{ServerName: serverName}
		err := c.cl.StartTLS(conf)
		if err == nil {
			c.recordTLS()
			return nil
		}
		if !c.cfg.OpportunisticTLSReconnect {
			return fmt.Errorf("opportunistic STARTTLS certificate validation failed: %w", err)
		}
		// Drop and reconnect in cleartext, per spec.md §4.5.
		return errReconnectCleartext{err}

	default:
		return nil
	}
}

// errReconnectCleartext signals Dial that this candidate must be redialed
// and the session continued in cleartext, without attempting TLS again.
type errReconnectCleartext struct{ err error }

func (e errReconnectCleartext) Error() string {
	return "tls validation failed, reconnect required: " + e.err.Error()
}

func (c *Conn) recordTLS() {
	state, ok := c.cl.TLSConnectionState()
	if !ok {
		return
	}
	c.tlsInfo = TLSInfo{
		Used:        true,
		Protocol:    tlsVersionName(state.Version),
		Cipher:      tls.CipherSuiteName(state.CipherSuite),
		PeerSubject: peerSubject(state),
	}
}

func peerSubject(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return "unknown"
	}
}

// Usable implements dispatch.PooledConn.
func (c *Conn) Usable() bool { return c.usable }

// Close implements dispatch.PooledConn.
func (c *Conn) Close() error {
	c.usable = false
	return c.cl.Quit()
}

// AttemptResult is what Attempt reports back to the scheduler/retry layer.
type AttemptResult struct {
	Outcome      retry.Outcome
	Response     retry.Response
	TLS          TLSInfo
	PeerAddr     string
	ClosedByPeer bool
}

// Attempt performs one MAIL FROM/RCPT TO/DATA delivery for msg, per
// spec.md §4.5's "Per-message attempt". Dot-stuffing is performed by
// go-smtp.Client's Data() writer, matching the library's documented
// behavior for every other repo in the pack that sends mail through it.
// A 421 response at any stage forces the connection unusable so the caller
// does not return it to the pool, per the mid-pipeline-drain rule.
func (c *Conn) Attempt(ctx context.Context, msg *message.Message) AttemptResult {
	from := ""
	if msg.Sender.Local != "" || msg.Sender.Domain != "" {
		from = msg.Sender.String()
	}

	if err := c.cl.Mail(from, nil); err != nil {
		return c.fail(err)
	}
	// A coalesced (BatchByDomain) Message carries more than one recipient;
	// every RCPT TO must succeed for the transaction to proceed, since this
	// repo has no partial-recipient delivery outcome to report per message.
	for _, rcpt := range msg.Recipients {
		if err := c.cl.Rcpt(rcpt.String(), nil); err != nil {
			return c.fail(err)
		}
	}

	w, err := c.cl.Data()
	if err != nil {
		return c.fail(err)
	}
	if _, err := io.Copy(w, bytes.NewReader(msg.Body)); err != nil {
		w.Close()
		return c.fail(err)
	}
	if err := w.Close(); err != nil {
		return c.fail(err)
	}

	return AttemptResult{
		Outcome:  retry.Delivered,
		Response: retry.Response{Code: 250, Content: "2.0.0 OK queued"},
		TLS:      c.tlsInfo,
		PeerAddr: c.serverAddr,
	}
}

func (c *Conn) fail(err error) AttemptResult {
	code, content := 450, err.Error()
	if se, ok := err.(*smtp.SMTPError); ok {
		code = se.Code
		content = fmt.Sprintf("%d %d.%d.%d %s", se.Code, se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2], se.Message)
		if code == 421 {
			c.usable = false
		}
	}
	resp := retry.Response{Code: code, Content: content, EnhancedCode: retry.ParseEnhancedCode(content)}
	return AttemptResult{
		Outcome:  retry.Classify(resp),
		Response: resp,
		TLS:      c.tlsInfo,
		PeerAddr: c.serverAddr,
	}
}
