package ingress

import (
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

// ServerConfig collects the go-smtp.Server-level settings from spec.md
// §4.2: the 998-octet max line length, PIPELINING/8BITMIME/ENHANCEDSTATUS
// CODES/SIZE advertisement (handled by go-smtp itself once MaxRecipients/
// MaxMessageBytes/EnableSMTPUTF8 are set), and idle/session timeouts that
// signal 421 on expiry.
type ServerConfig struct {
	Addr           string
	Domain         string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxLineLength  int
	MaxMessageSize int64
	MaxRecipients  int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Minute
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = 998
	}
	return c
}

// NewServer builds a *smtp.Server wired to backend, ready to Serve on a
// net.Listener (optionally wrapped in a ProxyListener).
func NewServer(cfg ServerConfig, backend *Backend) *smtp.Server {
	cfg = cfg.withDefaults()
	s := smtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxLineLength = cfg.MaxLineLength
	s.MaxMessageBytes = cfg.MaxMessageSize
	s.MaxRecipients = cfg.MaxRecipients
	s.EnableSMTPUTF8 = true
	return s
}

// Listen wraps net.Listen with the PROXY protocol preamble handling
// spec.md §4.2 calls for when configured.
func Listen(network, addr string, requireProxy bool) (net.Listener, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if !requireProxy {
		return &ProxyListener{Listener: l, Require: false}, nil
	}
	return &ProxyListener{Listener: l, Require: true}, nil
}

// ServerHandle pairs a running *smtp.Server with the listener it was handed
// to Serve, so the daemon can shut a single bound listener down on demand
// without tearing down every listener at once.
type ServerHandle struct {
	Server   *smtp.Server
	Listener net.Listener
}

// Close stops accepting new connections on this listener. In-flight
// sessions are closed along with it, matching go-smtp.Server.Close's
// documented behavior.
func (h *ServerHandle) Close() error {
	return h.Server.Close()
}
