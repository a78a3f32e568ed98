package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-notifier/internal/source"
)

type broadcastCall struct {
	message string
	room    string
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, message []byte, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{message: string(message), room: room})
}

func (b *fakeBroadcaster) all() []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcastCall(nil), b.calls...)
}

// fetchResult is one scripted answer of fakeSource.Fetch
type fetchResult struct {
	msg *source.Message
	err error
}

// fakeSource replays results in order, then reports empty polls
type fakeSource struct {
	mu        sync.Mutex
	results   []fetchResult
	committed []*source.Message
	fetches   int
}

func (s *fakeSource) Fetch(ctx context.Context) (*source.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if len(s.results) == 0 {
		return nil, nil
	}
	next := s.results[0]
	s.results = s.results[1:]
	return next.msg, next.err
}

func (s *fakeSource) Commit(ctx context.Context, msg *source.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg)
	return nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results) == 0
}

func message(body string) fetchResult {
	return fetchResult{msg: &source.Message{Value: []byte(body), Topic: "test"}}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestProcessor(t *testing.T, src source.Source, b Broadcaster, cfg Config) *Processor {
	t.Helper()
	p, err := NewProcessor(src, b, nil, cfg, clockwork.NewRealClock(), testLogger())
	require.NoError(t, err)
	return p
}

const (
	createOrder5    = `{"payload":{"op":"c","source":{"db":"shop","table":"orders"},"before":null,"after":{"id":5,"user_id":2,"total":9.99,"status":"pending"},"ts_ms":1700000000000}}`
	updateOrder5    = `{"payload":{"op":"u","source":{"db":"shop","table":"orders"},"before":{"id":5},"after":{"id":5,"user_id":2,"total":9.99,"status":"paid"},"ts_ms":1700000000000}}`
	createProduct   = `{"payload":{"op":"c","source":{"db":"shop","table":"products"},"after":{"id":5,"user_id":2,"total":9.99,"status":"pending"}}}`
	snapshotOrder   = `{"payload":{"op":"r","source":{"db":"shop","table":"orders"},"after":{"id":1,"user_id":1}}}`
	createNoAfter   = `{"payload":{"op":"c","source":{"db":"shop","table":"orders"},"after":null}}`
	createNoUserID  = `{"payload":{"op":"c","source":{"db":"shop","table":"orders"},"after":{"id":9,"total":1}}}`
	createBadIDType = `{"payload":{"op":"c","source":{"db":"shop","table":"orders"},"after":{"id":"nine","user_id":1}}}`
)

func TestNewProcessor_RequiresCollaborators(t *testing.T) {
	_, err := NewProcessor(&fakeSource{}, nil, nil, Config{}, clockwork.NewRealClock(), testLogger())
	assert.ErrorIs(t, err, ErrNoRegistry)

	_, err = NewProcessor(nil, &fakeBroadcaster{}, nil, Config{}, clockwork.NewRealClock(), testLogger())
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestHandleMessage_Filtering(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		want       Outcome
		broadcasts int
	}{
		{"create order", createOrder5, OutcomeBroadcast, 1},
		{"update order", updateOrder5, OutcomeFiltered, 0},
		{"create product", createProduct, OutcomeFiltered, 0},
		{"snapshot read", snapshotOrder, OutcomeFiltered, 0},
		{"delete order", `{"payload":{"op":"d","source":{"table":"orders"},"before":{"id":5}}}`, OutcomeFiltered, 0},
		{"tombstone", ``, OutcomeTombstone, 0},
		{"malformed json", `{"payload":`, OutcomeMalformed, 0},
		{"missing after", createNoAfter, OutcomeInvalidRow, 0},
		{"missing user id", createNoUserID, OutcomeInvalidRow, 0},
		{"bad id type", createBadIDType, OutcomeInvalidRow, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBroadcaster{}
			p := newTestProcessor(t, &fakeSource{}, b, Config{})

			assert.Equal(t, tt.want, p.HandleMessage(context.Background(), []byte(tt.body)))
			assert.Len(t, b.all(), tt.broadcasts)
		})
	}
}

func TestHandleMessage_NotificationPayload(t *testing.T) {
	b := &fakeBroadcaster{}
	p := newTestProcessor(t, &fakeSource{}, b, Config{})

	require.Equal(t, OutcomeBroadcast, p.HandleMessage(context.Background(), []byte(createOrder5)))

	calls := b.all()
	require.Len(t, calls, 1)
	assert.Equal(t, DefaultRoom, calls[0].room)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].message), &got))
	assert.Equal(t, "new_order", got["type"])
	assert.Equal(t, float64(5), got["order_id"])
	assert.Equal(t, float64(2), got["user_id"])
	assert.Equal(t, 9.99, got["total"])
	assert.Equal(t, "pending", got["status"])
	assert.Equal(t, float64(1700000000), got["timestamp"])
}

func TestHandleMessage_DatabaseFilter(t *testing.T) {
	b := &fakeBroadcaster{}
	p := newTestProcessor(t, &fakeSource{}, b, Config{Database: "warehouse"})

	assert.Equal(t, OutcomeFiltered, p.HandleMessage(context.Background(), []byte(createOrder5)))
	assert.Empty(t, b.all())
}

func TestHandleMessage_CustomTableAndRoom(t *testing.T) {
	b := &fakeBroadcaster{}
	p := newTestProcessor(t, &fakeSource{}, b, Config{Table: "products", Room: "catalog"})

	assert.Equal(t, OutcomeBroadcast, p.HandleMessage(context.Background(), []byte(createProduct)))
	assert.Equal(t, OutcomeFiltered, p.HandleMessage(context.Background(), []byte(createOrder5)))
	require.Len(t, b.all(), 1)
	assert.Equal(t, "catalog", b.all()[0].room)
}

func runProcessor(t *testing.T, p *Processor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func TestStart_MalformedMessageDoesNotStopProcessing(t *testing.T) {
	src := &fakeSource{results: []fetchResult{
		message(createOrder5),
		message(`this is not json`),
		message(`{"payload":{"op":"c","source":{"table":"orders"},"after":{"id":6,"user_id":3,"total":1.5,"status":"pending"}}}`),
	}}
	b := &fakeBroadcaster{}
	p := newTestProcessor(t, src, b, Config{IdleDelay: time.Millisecond})

	cancel, errCh := runProcessor(t, p)
	require.Eventually(t, func() bool { return len(b.all()) == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	calls := b.all()
	assert.Contains(t, calls[0].message, `"order_id":5`)
	assert.Contains(t, calls[1].message, `"order_id":6`)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Len(t, src.committed, 3, "every consumed message is committed, including skipped ones")
}

func TestStart_RetriesTransientErrors(t *testing.T) {
	src := &fakeSource{results: []fetchResult{
		{err: errors.New("broker not available")},
		{err: errors.New("leader not available")},
		message(createOrder5),
	}}
	b := &fakeBroadcaster{}
	clock := clockwork.NewFakeClock()
	p, err := NewProcessor(src, b, nil, Config{RetryDelay: 5 * time.Second, IdleDelay: time.Millisecond}, clock, testLogger())
	require.NoError(t, err)

	cancel, errCh := runProcessor(t, p)

	for range 2 {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		done()
		clock.Advance(5 * time.Second)
	}

	require.Eventually(t, func() bool { return len(b.all()) == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	// Unblock a pending idle sleep
	clock.Advance(time.Second)
	require.NoError(t, <-errCh)
}

func TestStart_FatalErrorStopsProcessor(t *testing.T) {
	fatal := source.Fatal(errors.New("topic authorization failed"))
	src := &fakeSource{results: []fetchResult{
		message(createOrder5),
		{err: fatal},
		message(createOrder5),
	}}
	b := &fakeBroadcaster{}
	p := newTestProcessor(t, src, b, Config{})

	_, errCh := runProcessor(t, p)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, source.IsFatal(err))
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop on fatal error")
	}
	assert.Len(t, b.all(), 1)
	assert.False(t, src.drained(), "messages after a fatal error are not consumed")
}

func TestStart_StopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	p := newTestProcessor(t, src, &fakeBroadcaster{}, Config{IdleDelay: time.Millisecond})

	cancel, errCh := runProcessor(t, p)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.fetches > 3
	}, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abc", preview([]byte("abc")))
	long := make([]byte, logPreviewLength*2)
	assert.Len(t, preview(long), logPreviewLength+3)
}
