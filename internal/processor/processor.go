package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"order-notifier/internal/metrics"
	"order-notifier/internal/models"
	"order-notifier/internal/source"
)

var (
	// ErrNoRegistry is returned when a processor is built without a broadcast target
	ErrNoRegistry = errors.New("processor: broadcast registry is required")
	// ErrNoSource is returned when a processor is built without a broker source
	ErrNoSource = errors.New("processor: broker source is required")
)

const (
	DefaultTable      = "orders"
	DefaultRoom       = "admin_notifications"
	DefaultRetryDelay = 5 * time.Second
	DefaultIdleDelay  = 100 * time.Millisecond

	commitTimeout    = 5 * time.Second
	logPreviewLength = 200
)

// Outcome is what happened to one broker message
type Outcome string

const (
	OutcomeBroadcast   Outcome = "broadcast"
	OutcomeFiltered    Outcome = "filtered"
	OutcomeTombstone   Outcome = "tombstone"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeInvalidRow  Outcome = "invalid_row"
	OutcomeRejected    Outcome = "rejected"
	OutcomeScriptError Outcome = "script_error"
)

// Broadcaster delivers a serialized notification to every session in a room
type Broadcaster interface {
	Broadcast(ctx context.Context, message []byte, room string)
}

// Config holds processor settings
type Config struct {
	// Database, when set, must match the envelope's source database
	Database   string
	Table      string
	Room       string
	RetryDelay time.Duration
	IdleDelay  time.Duration
}

// Processor turns order change envelopes into dashboard notifications
type Processor struct {
	source      source.Source
	broadcaster Broadcaster
	script      *Script
	clock       clockwork.Clock
	logger      *logrus.Logger

	database   string
	table      string
	room       string
	retryDelay time.Duration
	idleDelay  time.Duration
}

// NewProcessor creates a new order event processor. script may be nil.
func NewProcessor(src source.Source, broadcaster Broadcaster, script *Script, cfg Config, clock clockwork.Clock, logger *logrus.Logger) (*Processor, error) {
	if broadcaster == nil {
		return nil, ErrNoRegistry
	}
	if src == nil {
		return nil, ErrNoSource
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Room == "" {
		cfg.Room = DefaultRoom
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}

	return &Processor{
		source:      src,
		broadcaster: broadcaster,
		script:      script,
		clock:       clock,
		logger:      logger,
		database:    cfg.Database,
		table:       cfg.Table,
		room:        cfg.Room,
		retryDelay:  cfg.RetryDelay,
		idleDelay:   cfg.IdleDelay,
	}, nil
}

// Start polls the source until ctx is cancelled or the broker fails fatally.
// Only a fatal broker error is returned.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Infof("Starting order event processor (table: %s, room: %s)...", p.table, p.room)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, stopping order event processor")
			return nil
		default:
		}

		msg, err := p.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Context cancelled, stopping order event processor")
				return nil
			}
			if source.IsFatal(err) {
				metrics.ConsumerBrokerErrors.WithLabelValues("fatal").Inc()
				p.logger.Errorf("FATAL broker error: %v. Stopping processor.", err)
				return fmt.Errorf("order event processor stopped: %w", err)
			}
			metrics.ConsumerBrokerErrors.WithLabelValues("transient").Inc()
			p.logger.Errorf("Broker error: %v", err)
			p.sleep(ctx, p.retryDelay)
			continue
		}

		// Empty poll
		if msg == nil {
			p.sleep(ctx, p.idleDelay)
			continue
		}

		// An accepted message is finished even if shutdown starts meanwhile
		inflight := context.WithoutCancel(ctx)
		outcome := p.HandleMessage(inflight, msg.Value)
		p.logger.Debugf("Message %s@%d: %s", msg.Topic, msg.Offset, outcome)

		commitCtx, cancel := context.WithTimeout(inflight, commitTimeout)
		if err := p.source.Commit(commitCtx, msg); err != nil {
			metrics.ConsumerCommitFailures.Inc()
			p.logger.Warnf("Failed to commit message %s@%d: %v", msg.Topic, msg.Offset, err)
		}
		cancel()
	}
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-p.clock.After(d):
	}
}

// HandleMessage decodes, filters and broadcasts a single broker message. It
// never fails; problems are logged and reported as the outcome.
func (p *Processor) HandleMessage(ctx context.Context, value []byte) Outcome {
	outcome := p.handle(ctx, value)
	metrics.ConsumerMessagesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (p *Processor) handle(ctx context.Context, value []byte) Outcome {
	p.logger.Debugf("Received raw message: %s", preview(value))

	envelope, err := models.DecodeChangeEnvelope(value)
	if err != nil {
		p.logger.Errorf("Failed to decode change envelope: %v (body: %s)", err, preview(value))
		return OutcomeMalformed
	}
	if envelope.Tombstone {
		p.logger.Debug("Skipping tombstone message")
		return OutcomeTombstone
	}

	if !p.matches(envelope) {
		// Snapshot reads flood the topic at connector startup
		if envelope.Op.IsSnapshot() {
			p.logger.Debugf("Ignoring snapshot read for %s.%s", envelope.Source.Database, envelope.Source.Table)
		}
		return OutcomeFiltered
	}

	notification, err := models.NewOrderCreatedNotification(envelope, p.clock.Now())
	if err != nil {
		p.logger.Warnf("Create operation for table '%s' skipped: %v", envelope.Source.Table, err)
		return OutcomeInvalidRow
	}

	p.logger.Infof("Detected new order creation: ID=%d, UserID=%d, Total=%s, Status=%s, DB=%s, Table=%s",
		notification.OrderID, notification.UserID, formatTotal(notification), notification.Status,
		envelope.Source.Database, envelope.Source.Table)

	payload, err := json.Marshal(notification)
	if err != nil {
		p.logger.Errorf("Failed to serialize notification for order %d: %v", notification.OrderID, err)
		return OutcomeInvalidRow
	}

	if p.script != nil {
		payload, err = p.script.Apply(payload)
		if errors.Is(err, ErrNotificationRejected) {
			p.logger.Debugf("Notification for order %d rejected by script", notification.OrderID)
			return OutcomeRejected
		}
		if err != nil {
			p.logger.Errorf("Notification script failed for order %d: %v", notification.OrderID, err)
			return OutcomeScriptError
		}
	}

	p.broadcaster.Broadcast(ctx, payload, p.room)
	p.logger.Infof("Broadcasted notification for new order %d", notification.OrderID)
	return OutcomeBroadcast
}

func (p *Processor) matches(envelope *models.ChangeEnvelope) bool {
	if !envelope.Op.IsCreate() || envelope.Source.Table != p.table {
		return false
	}
	return p.database == "" || envelope.Source.Database == p.database
}

func formatTotal(n *models.OrderCreatedNotification) string {
	if !n.Total.Valid {
		return "<nil>"
	}
	return n.Total.Decimal.String()
}

func preview(value []byte) string {
	if len(value) <= logPreviewLength {
		return string(value)
	}
	return string(value[:logPreviewLength]) + "..."
}
