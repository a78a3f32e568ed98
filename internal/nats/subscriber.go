// Package nats connects the order consumer to change envelopes relayed over NATS.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"order-notifier/internal/source"
)

// Subscriber is a source.Source reading from a synchronous NATS subscription.
// Core NATS has no acknowledgements, so delivery is at-most-once.
type Subscriber struct {
	conn        *nats.Conn
	sub         *nats.Subscription
	pollTimeout time.Duration
	logger      *logrus.Logger
}

// NewSubscriber connects and subscribes to subject. With a queue group, the
// subject's messages are shared between all members of the group.
func NewSubscriber(cfg ConnConfig, subject, queue string, pollTimeout time.Duration, logger *logrus.Logger) (*Subscriber, error) {
	conn, err := connect(cfg, logger)
	if err != nil {
		return nil, err
	}

	s, err := newSubscriber(conn, subject, queue, pollTimeout, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newSubscriber(conn *nats.Conn, subject, queue string, pollTimeout time.Duration, logger *logrus.Logger) (*Subscriber, error) {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}

	var sub *nats.Subscription
	var err error
	if queue != "" {
		sub, err = conn.QueueSubscribeSync(subject, queue)
	} else {
		sub, err = conn.SubscribeSync(subject)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	logger.Infof("Subscribed to NATS subject %s (queue: %q)", subject, queue)

	return &Subscriber{
		conn:        conn,
		sub:         sub,
		pollTimeout: pollTimeout,
		logger:      logger,
	}, nil
}

// Fetch waits up to the poll timeout for the next message
func (s *Subscriber) Fetch(ctx context.Context) (*source.Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	msg, err := s.sub.NextMsgWithContext(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, classify(err)
	}

	return &source.Message{Value: msg.Data, Topic: msg.Subject}, nil
}

// Commit is a no-op; core NATS does not track consumption
func (s *Subscriber) Commit(ctx context.Context, msg *source.Message) error {
	return nil
}

// Close unsubscribes and closes the connection
func (s *Subscriber) Close() error {
	s.logger.Info("Closing NATS subscriber...")
	var err error
	if s.sub != nil && s.sub.IsValid() {
		if uerr := s.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			err = fmt.Errorf("failed to unsubscribe: %w", uerr)
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return err
}

// classify wraps errors the subscription cannot recover from
func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrBadSubscription),
		errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrPermissionViolation):
		return source.Fatal(err)
	default:
		// Slow consumer and similar errors leave the subscription usable
		return err
	}
}
