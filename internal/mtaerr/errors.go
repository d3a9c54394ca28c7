// Package mtaerr implements the error taxonomy shared by every core
// subsystem: ParseError, TransientPeer, PermanentPeer, LocalResource,
// PolicyReject, Expired and AdminAction, per spec.md §7. Errors carry a
// Temporary() method rather than being switched on by concrete type, so a
// plain stdlib or driver error can be classified by wrapping it once at the
// boundary where its nature is known.
package mtaerr

import (
	"errors"
	"fmt"
)

// Kind names the taxonomy entries from spec.md §7. It is informational only
// (for logging and metrics labels); behavior is driven by Temporary().
type Kind string

const (
	KindParse         Kind = "parse_error"
	KindTransientPeer Kind = "transient_peer"
	KindPermanentPeer Kind = "permanent_peer"
	KindLocalResource Kind = "local_resource"
	KindPolicyReject  Kind = "policy_reject"
	KindExpired       Kind = "expired"
	KindAdminAction   Kind = "admin_action"
)

// Temporary is implemented by any error that knows whether a retry could
// succeed. Errors without this method are assumed temporary by
// IsTemporaryOrUnspec (SMTP's default is "don't bounce if unsure").
type Temporary interface {
	Temporary() bool
}

// IsTemporaryOrUnspec reports true unless err explicitly says Temporary()
// returns false.
func IsTemporaryOrUnspec(err error) bool {
	var t Temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// EnhancedCode is the three-component RFC 3463 enhanced status code.
type EnhancedCode [3]int

func (e EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", e[0], e[1], e[2])
}

// SMTPError is the terminal representation any internal error is converted
// to before it reaches the wire, either as a rejection to the ingress peer
// or as the classification input for a delivery attempt's response.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
	Kind         Kind
	Reason       string
	Err          error
}

func (e *SMTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s %s: %v", e.Code, e.EnhancedCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s %s", e.Code, e.EnhancedCode, e.Message)
}

func (e *SMTPError) Unwrap() error { return e.Err }

// Temporary reports true for 4xx codes, false for 5xx.
func (e *SMTPError) Temporary() bool {
	return e.Code/100 == 4
}

// Line renders the error the way it would appear on the wire, e.g.
// "450 4.2.1 mailbox temporarily unavailable".
func (e *SMTPError) Line() string {
	return fmt.Sprintf("%d %s %s", e.Code, e.EnhancedCode, e.Message)
}

// Expired reports a message past its scheduling deadline.
type Expired struct {
	MessageID string
	Expires   string
}

func (e *Expired) Error() string {
	return fmt.Sprintf("message %s expired at %s", e.MessageID, e.Expires)
}

func (e *Expired) Temporary() bool { return false }

// AdminAction wraps an error that resulted from a bounce/suspend/rebind
// rule match rather than peer behavior.
type AdminAction struct {
	RuleID string
	Reason string
}

func (e *AdminAction) Error() string {
	return fmt.Sprintf("admin rule %s: %s", e.RuleID, e.Reason)
}

func (e *AdminAction) Temporary() bool { return false }
