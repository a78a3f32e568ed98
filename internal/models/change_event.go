package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedEnvelope is returned when a broker message body is not a change envelope
	ErrMalformedEnvelope = errors.New("malformed change envelope")
	// ErrMissingAfterState is returned when a create event carries no after-state
	ErrMissingAfterState = errors.New("change envelope has no after state")
	// ErrMissingRequiredField is returned when a row lacks a field a notification needs
	ErrMissingRequiredField = errors.New("missing required field")
)

// Operation is the kind of row mutation a change envelope describes
type Operation string

const (
	OpCreate   Operation = "c"
	OpUpdate   Operation = "u"
	OpDelete   Operation = "d"
	OpSnapshot Operation = "r"
)

func (o Operation) IsCreate() bool   { return o == OpCreate }
func (o Operation) IsSnapshot() bool { return o == OpSnapshot }

// Source describes where a captured change came from
type Source struct {
	Database string `json:"db"`
	Table    string `json:"table"`
}

// ChangeEnvelope represents one captured row mutation
type ChangeEnvelope struct {
	Op     Operation `json:"op"`
	Source Source    `json:"source"`
	Before Row       `json:"before,omitempty"`
	After  Row       `json:"after,omitempty"`
	TsMs   int64     `json:"ts_ms,omitempty"`

	// Tombstone is set for empty or null message bodies, which follow deletes
	Tombstone bool `json:"-"`
}

type wrappedEnvelope struct {
	Payload json.RawMessage `json:"payload"`
}

// DecodeChangeEnvelope decodes a broker message body. Both the schema-wrapped
// form ({"payload": {...}}) and the bare payload form are accepted.
func DecodeChangeEnvelope(data []byte) (*ChangeEnvelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &ChangeEnvelope{Tombstone: true}, nil
	}

	var wrapped wrappedEnvelope
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	body := trimmed
	if len(wrapped.Payload) > 0 {
		if bytes.Equal(wrapped.Payload, []byte("null")) {
			return &ChangeEnvelope{Tombstone: true}, nil
		}
		body = wrapped.Payload
	}

	var envelope ChangeEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Op == "" {
		return nil, fmt.Errorf("%w: no op field", ErrMalformedEnvelope)
	}

	return &envelope, nil
}

// EncodeChangeEnvelope renders envelope in the schema-wrapped form
func EncodeChangeEnvelope(envelope *ChangeEnvelope) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change envelope: %w", err)
	}
	return json.Marshal(wrappedEnvelope{Payload: payload})
}

// Row is the raw state of a database row, keyed by column name
type Row map[string]json.RawMessage

func (r Row) present(field string) (json.RawMessage, bool) {
	raw, ok := r[field]
	if !ok || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	return raw, true
}

// Int64 returns an integer column. ok is false when the column is absent or null.
func (r Row) Int64(field string) (value int64, ok bool, err error) {
	raw, ok := r.present(field)
	if !ok {
		return 0, false, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, true, fmt.Errorf("field %q is not an integer: %w", field, err)
	}
	return value, true, nil
}

// Decimal returns a numeric column. Both JSON numbers and numeric strings are accepted.
func (r Row) Decimal(field string) (decimal.NullDecimal, error) {
	raw, ok := r.present(field)
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("field %q is not numeric: %w", field, err)
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

// String returns a text column, or "" when absent or null
func (r Row) String(field string) (string, error) {
	raw, ok := r.present(field)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %q is not a string: %w", field, err)
	}
	return s, nil
}
