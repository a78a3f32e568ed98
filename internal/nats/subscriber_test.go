package nats

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"order-notifier/internal/source"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err   error
		fatal bool
	}{
		{nats.ErrConnectionClosed, true},
		{fmt.Errorf("next: %w", nats.ErrBadSubscription), true},
		{nats.ErrAuthorization, true},
		{nats.ErrPermissionViolation, true},
		{nats.ErrSlowConsumer, false},
		{errors.New("something transient"), false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.fatal, source.IsFatal(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}
