package ingress

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/relaymta/relaymta/internal/logrecord"
	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/rlog"
)

// Session implements smtp.Session (and smtp.AuthSession), grounded on
// infodancer-smtpd/internal/smtp/session.go's state tracking, generalized
// to this repo's multi-recipient-becomes-sibling-Messages model instead of
// infodancer's single-recipient-per-session restriction.
type Session struct {
	backend   *Backend
	conn      *smtp.Conn
	sessionID uuid.UUID
	meta      ConnMeta

	helo         string
	mailFromSeen bool
	sender       message.Address
	recipients   []message.Address

	authUser string
	log      rlog.Logger
}

// AuthMechanisms implements smtp.AuthSession. Only advertised once TLS is
// active, consistent with never sending credentials in cleartext.
func (s *Session) AuthMechanisms() []string {
	if len(s.backend.Cfg.AuthPasswordHash) == 0 {
		return nil
	}
	if _, isTLS := s.conn.TLSConnectionState(); !isTLS {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth implements smtp.AuthSession.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || len(s.backend.Cfg.AuthPasswordHash) == 0 {
		return nil, smtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.Cfg.AuthUsername {
			return s.reject(authFailure())
		}
		if err := compareBcrypt(s.backend.Cfg.AuthPasswordHash, password); err != nil {
			return s.reject(authFailure())
		}
		s.authUser = username
		return nil
	}), nil
}

func authFailure() *smtp.SMTPError {
	return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "Authentication credentials invalid"}
}

// reject records se as a Rejection (spec.md §4.2: "All rejections MUST be
// logged as Rejection") against whichever recipient was most recently
// accepted, and returns it so call sites can write
// `return s.reject(&smtp.SMTPError{...})`.
func (s *Session) reject(se *smtp.SMTPError) error {
	recipient := ""
	if len(s.recipients) > 0 {
		recipient = s.recipients[len(s.recipients)-1].String()
	}
	return s.rejectRcpt(recipient, se)
}

// rejectRcpt is reject with an explicit recipient, for the RCPT stage where
// the address under evaluation is rejected before it can be appended to
// s.recipients.
func (s *Session) rejectRcpt(recipient string, se *smtp.SMTPError) error {
	if s.backend.Records == nil {
		return se
	}
	rec := logrecord.Record{
		Kind:            logrecord.KindRejection,
		ID:              message.NewID(),
		Sender:          s.sender.String(),
		Recipient:       recipient,
		PeerAddress:     s.meta["client_ip"],
		ResponseCode:    se.Code,
		EnhancedCode:    fmt.Sprintf("%d.%d.%d", se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2]),
		ResponseContent: se.Message,
		Created:         time.Now(),
		Event:           time.Now(),
		SessionID:       s.sessionID,
	}
	if err := s.backend.Records.Write(rec); err != nil {
		s.log.Errorf(err, "writing rejection record")
	}
	return se
}

const (
	mailFromPrefix = "MAIL FROM:<"
	rcptToPrefix   = "RCPT TO:<"
)

// Mail implements smtp.Session. It runs the smtp_server_mail_from hook
// after parsing, per spec.md §4.2.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	addr, err := message.ParseAddress(from)
	if err != nil {
		return s.reject(parseErrorToSMTP(err, mailFromPrefix, from))
	}

	if s.backend.Hooks.MailFrom != nil {
		if err := s.backend.Hooks.MailFrom(s.meta, addr); err != nil {
			if se, ok := err.(*smtp.SMTPError); ok {
				return s.reject(se)
			}
			return s.reject(&smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 0, 0}, Message: err.Error()})
		}
	}

	s.sender = addr
	s.mailFromSeen = true
	return nil
}

// Rcpt implements smtp.Session. Port-suffixed domains and other non-domain
// characters are rejected 501 with a parse-context message (spec.md §4.2),
// reusing message.ParseAddress's strict parse. Multiple recipients are
// accepted, each becoming a sibling Message sharing s.sessionID (or, under
// CoalesceByDomain, merged into one Message per distinct domain in Data).
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	addr, err := message.ParseAddress(to)
	if err != nil {
		return s.rejectRcpt(to, parseErrorToSMTP(err, rcptToPrefix, to))
	}

	if s.backend.Cfg.MaxRecipients > 0 && len(s.recipients) >= s.backend.Cfg.MaxRecipients {
		return s.rejectRcpt(addr.String(), &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 5, 3}, Message: "too many recipients"})
	}

	if s.backend.Bounce != nil {
		campaign := s.meta["campaign"]
		tenant := s.meta["tenant"]
		if _, reason, hit := s.backend.Bounce.MatchBounce(campaign, tenant, addr.Domain); hit {
			return s.rejectRcpt(addr.String(), &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "rejected: " + reason})
		}
	}

	if s.backend.Hooks.RcptTo != nil {
		if err := s.backend.Hooks.RcptTo(s.meta, addr); err != nil {
			if se, ok := err.(*smtp.SMTPError); ok {
				return s.rejectRcpt(addr.String(), se)
			}
			return s.rejectRcpt(addr.String(), &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 0, 0}, Message: err.Error()})
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data implements smtp.Session. r has already had dot-stuffing removed by
// go-smtp. Absent CoalesceByDomain, this builds one sibling Message per
// recipient, grouped by destination domain so siblings bound for the same
// site land adjacently in the scheduled queue. Under CoalesceByDomain
// (spec.md §6 KUMOD_BATCH_HANDLING=BatchByDomain), recipients sharing a
// domain are merged into a single multi-recipient Message instead, so one
// Reception record covers the whole group even though each RCPT was
// policy-checked individually above (DESIGN.md's BatchByDomain entry).
func (s *Session) Data(r io.Reader) error {
	if !s.mailFromSeen {
		return s.reject(&smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "MAIL FROM required"})
	}
	if len(s.recipients) == 0 {
		return s.reject(&smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "RCPT TO required"})
	}

	limit := s.backend.Cfg.MaxMessageSize
	if limit <= 0 {
		limit = 64 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return s.reject(&smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "error reading message"})
	}
	if int64(len(body)) > limit {
		return s.reject(&smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: "message size exceeds limit"})
	}

	dynParams := map[string]string{}
	if s.backend.Hooks.GetDynamicParams != nil {
		dynParams = s.backend.Hooks.GetDynamicParams(s.meta)
	}

	ctx := context.Background()
	for _, domain := range orderByDomain(s.recipients) {
		var group []message.Address
		for _, rcpt := range s.recipients {
			if rcpt.Domain == domain {
				group = append(group, rcpt)
			}
		}
		if !s.backend.Cfg.CoalesceByDomain {
			for _, rcpt := range group {
				if err := s.spool(ctx, []message.Address{rcpt}, body, dynParams); err != nil {
					return err
				}
			}
			continue
		}
		if err := s.spool(ctx, group, body, dynParams); err != nil {
			return err
		}
	}

	return nil
}

// spool builds one Message carrying every address in recipients and hands
// it to the Sink.
func (s *Session) spool(ctx context.Context, recipients []message.Address, body []byte, dynParams map[string]string) error {
	msg := s.buildMessage(recipients, body, dynParams)
	if s.backend.Hooks.MessageReceived != nil {
		if err := s.backend.Hooks.MessageReceived(s.meta, msg); err != nil {
			if se, ok := err.(*smtp.SMTPError); ok {
				return s.reject(se)
			}
			return s.reject(&smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 0, 0}, Message: err.Error()})
		}
	}
	if err := s.backend.Sink.Accept(ctx, msg); err != nil {
		return s.reject(&smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "could not queue message: " + err.Error()})
	}
	return nil
}

func (s *Session) buildMessage(recipients []message.Address, body []byte, dynParams map[string]string) *message.Message {
	meta := message.Metadata{}
	for k, v := range dynParams {
		meta.SetString(k, v)
	}
	if s.authUser != "" {
		meta.SetString("auth_user", s.authUser)
	}
	if orig, ok := s.meta["orig_received_from"]; ok {
		meta.SetString("orig_received_from", orig)
	}
	if via, ok := s.meta["orig_received_via"]; ok {
		meta.SetString("orig_received_via", via)
	}

	rcpts := make([]message.Address, len(recipients))
	copy(rcpts, recipients)

	return &message.Message{
		ID:         message.NewID(),
		SessionID:  s.sessionID,
		Sender:     s.sender,
		Recipients: rcpts,
		Meta:       meta,
		Body:       append([]byte(nil), body...),
	}
}

// orderByDomain returns each distinct recipient domain once, in first-seen
// order, so Data's loop visits one domain group at a time.
func orderByDomain(recipients []message.Address) []string {
	seen := map[string]bool{}
	var order []string
	for _, r := range recipients {
		if !seen[r.Domain] {
			seen[r.Domain] = true
			order = append(order, r.Domain)
		}
	}
	return order
}

// Reset implements smtp.Session.
func (s *Session) Reset() {
	s.mailFromSeen = false
	s.sender = message.Address{}
	s.recipients = nil
}

// Logout implements smtp.Session.
func (s *Session) Logout() error {
	return nil
}

// parseErrorToSMTP turns a message.ParseError into a 501 whose reported
// column is relative to the full command line (e.g. "RCPT TO:<addr>"), not
// the bare address ParseError.Column is computed against. cmdPrefix is the
// literal text preceding "<addr>" on the wire (mailFromPrefix/rcptToPrefix);
// raw is the address argument as the client sent it.
func parseErrorToSMTP(err error, cmdPrefix, raw string) *smtp.SMTPError {
	pe, ok := err.(*message.ParseError)
	if !ok {
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 3}, Message: err.Error()}
	}
	line := cmdPrefix + raw + ">"
	col := len(cmdPrefix) + pe.Column
	return &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 1, 3},
		Message:      fmt.Sprintf("Syntax error in command or arguments: %s (column %d): %s", pe.Reason, col, line),
	}
}
