// Package source defines the broker-neutral contract the order consumer polls.
package source

import (
	"context"
	"errors"
	"fmt"
)

// ErrFatal marks broker errors the consumer cannot recover from
var ErrFatal = errors.New("fatal broker error")

// Message is one raw change envelope read from a broker
type Message struct {
	Value []byte

	// Topic and Offset are informational, for logging
	Topic  string
	Offset int64

	// Ack is an opaque handle the originating source uses to commit the message
	Ack any
}

// Source is a pollable stream of change envelopes.
//
// Fetch waits at most the source's poll timeout and returns (nil, nil) when
// nothing arrived. Errors wrapping ErrFatal end the consumer; any other error
// is retried.
type Source interface {
	Fetch(ctx context.Context) (*Message, error)
	Commit(ctx context.Context, msg *Message) error
	Close() error
}

// Fatal wraps err so that IsFatal reports true for it
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err is unrecoverable
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
