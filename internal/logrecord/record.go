// Package logrecord implements the append-only structured logger from
// spec.md §4.8: typed delivery records, compressed rotating segment files,
// a webhook fan-out sink, and the per-record policy callback.
package logrecord

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the nine record kinds spec.md §2/§4.8 names.
type Kind string

const (
	KindReception        Kind = "Reception"
	KindDelivery         Kind = "Delivery"
	KindTransientFailure Kind = "TransientFailure"
	KindBounce           Kind = "Bounce"
	KindExpiration       Kind = "Expiration"
	KindAdminRebind      Kind = "AdminRebind"
	KindRejection        Kind = "Rejection"
	KindAdminBounce      Kind = "AdminBounce"
	KindAdminSuspend     Kind = "AdminSuspend"
)

// TLSInfo mirrors dispatch.TLSInfo's fields without importing that
// package, avoiding a logrecord<->dispatch dependency edge.
type TLSInfo struct {
	Used        bool   `json:"tls_used"`
	Protocol    string `json:"tls_protocol_version,omitempty"`
	Cipher      string `json:"tls_cipher,omitempty"`
	PeerSubject string `json:"tls_peer_subject_name,omitempty"`
}

// Record is the append-only unit written to segment files, matching every
// field spec.md §4.8 enumerates.
type Record struct {
	Kind Kind      `json:"kind"`
	ID   uuid.UUID `json:"id"`

	Size int `json:"size"`

	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`

	Queue string `json:"queue"`
	Site  string `json:"site"`

	PeerAddress string `json:"peer_address,omitempty"`

	ResponseCode    int    `json:"response_code,omitempty"`
	EnhancedCode    string `json:"enhanced_code,omitempty"`
	ResponseContent string `json:"response_content,omitempty"`

	Created time.Time `json:"created"`
	Event   time.Time `json:"event"`

	NumAttempts int    `json:"num_attempts"`
	EgressPool  string `json:"egress_pool,omitempty"`
	EgressSource string `json:"egress_source,omitempty"`

	BounceClass string `json:"bounce_class,omitempty"`

	Meta json.RawMessage `json:"meta,omitempty"`

	ReceptionProtocol string `json:"reception_protocol,omitempty"`
	TLS               TLSInfo `json:"tls"`

	SourceAddress string    `json:"source_address,omitempty"`
	SessionID     uuid.UUID `json:"session_id"`
	NodeID        string    `json:"node_id"`
}

// IsLogDerived reports whether this record's underlying message originated
// from a log-derived feedback channel, per spec.md §4.8: records whose
// reception_protocol == "LogRecord" must be skipped by the policy callback
// to prevent feedback loops.
func (r Record) IsLogDerived() bool { return r.ReceptionProtocol == "LogRecord" }
