package message

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// record is the on-disk shape of the meta-spool entry: everything about a
// Message except its body, which lives in the data-spool keyed by the same
// id (spec.md §4.1: "on start-up the engine enumerates both the meta-spool
// ... and data-spool ..., re-joins them by id").
type record struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   uuid.UUID       `json:"session_id"`
	Sender      string          `json:"sender"`
	Recipients  []string        `json:"recipients"`
	Meta        Metadata        `json:"meta"`
	HeaderRaw   []byte          `json:"header_raw"`
	Scheduling  Scheduling      `json:"scheduling"`
	NumAttempts int             `json:"num_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	QueueName   string    `json:"queue_name_override,omitempty"`
}

// MarshalMeta serializes everything but the body; pair with MarshalBody for
// the two spool writes the Spool.store contract expects.
func (m *Message) MarshalMeta() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var headerBuf bytes.Buffer
	if err := textproto.WriteHeader(&headerBuf, m.Header); err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	r := record{
		ID:          m.ID,
		SessionID:   m.SessionID,
		Sender:      m.Sender.String(),
		Recipients:  m.RecipientStrings(),
		Meta:        m.Meta,
		HeaderRaw:   headerBuf.Bytes(),
		Scheduling:  m.Scheduling,
		NumAttempts: m.NumAttempts,
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt,
		QueueName:   m.QueueNameOverride,
	}
	return json.Marshal(r)
}

// MarshalBody returns the immutable body bytes to be written to the
// data-spool.
func (m *Message) MarshalBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Body
}

// FromWire reconstructs a Message from its meta-spool and data-spool bytes.
// Corrupt or unparsable metaBytes should be surfaced by the caller as a
// Corrupt spool entry rather than silently dropped (spec.md §4.1).
func FromWire(metaBytes, body []byte) (*Message, error) {
	var r record
	if err := json.Unmarshal(metaBytes, &r); err != nil {
		return nil, fmt.Errorf("unmarshal meta record: %w", err)
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(r.HeaderRaw)))
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	sender, err := ParseAddress(r.Sender)
	if err != nil {
		return nil, fmt.Errorf("parse sender: %w", err)
	}
	recipients := make([]Address, 0, len(r.Recipients))
	for _, raw := range r.Recipients {
		addr, err := ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("parse recipient: %w", err)
		}
		recipients = append(recipients, addr)
	}

	return &Message{
		ID:                r.ID,
		SessionID:         r.SessionID,
		Sender:            sender,
		Recipients:        recipients,
		Meta:              r.Meta,
		Header:            hdr,
		Body:              body,
		Scheduling:        r.Scheduling,
		NumAttempts:       r.NumAttempts,
		LastError:         r.LastError,
		CreatedAt:         r.CreatedAt,
		QueueNameOverride: r.QueueName,
	}, nil
}
