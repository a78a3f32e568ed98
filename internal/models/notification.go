package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	NotificationTypeNewOrder = "new_order"
	NotificationTypePing     = "ping"
)

// OrderCreatedNotification is pushed to dashboards when an order row is inserted
type OrderCreatedNotification struct {
	OrderID   int64
	UserID    int64
	Total     decimal.NullDecimal
	Status    string
	Timestamp time.Time
}

type notificationWire struct {
	Type      string       `json:"type"`
	OrderID   int64        `json:"order_id"`
	UserID    int64        `json:"user_id"`
	Total     *json.Number `json:"total"`
	Status    string       `json:"status"`
	Timestamp float64      `json:"timestamp"`
}

// NewOrderCreatedNotification builds a notification from a create envelope's
// after-state. now is used when the envelope carries no event time.
func NewOrderCreatedNotification(envelope *ChangeEnvelope, now time.Time) (*OrderCreatedNotification, error) {
	if len(envelope.After) == 0 {
		return nil, ErrMissingAfterState
	}
	after := envelope.After

	orderID, ok, err := after.Int64("id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id", ErrMissingRequiredField)
	}

	userID, ok, err := after.Int64("user_id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: user_id", ErrMissingRequiredField)
	}

	total, err := after.Decimal("total")
	if err != nil {
		return nil, err
	}
	status, err := after.String("status")
	if err != nil {
		return nil, err
	}

	ts := now
	if envelope.TsMs > 0 {
		ts = time.UnixMilli(envelope.TsMs)
	}

	return &OrderCreatedNotification{
		OrderID:   orderID,
		UserID:    userID,
		Total:     total,
		Status:    status,
		Timestamp: ts,
	}, nil
}

// MarshalJSON renders the notification in the dashboard wire format. The total
// is written as a bare JSON number without losing decimal precision.
func (n OrderCreatedNotification) MarshalJSON() ([]byte, error) {
	wire := notificationWire{
		Type:      NotificationTypeNewOrder,
		OrderID:   n.OrderID,
		UserID:    n.UserID,
		Status:    n.Status,
		Timestamp: float64(n.Timestamp.UnixMilli()) / 1000,
	}
	if n.Total.Valid {
		total := json.Number(n.Total.Decimal.String())
		wire.Total = &total
	}
	return json.Marshal(wire)
}

// Keepalive is the application-level ping sent to idle dashboards
type Keepalive struct {
	Type string `json:"type"`
}

// KeepaliveMessage is the serialized keepalive frame
var KeepaliveMessage = mustMarshal(Keepalive{Type: NotificationTypePing})

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
