package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-notifier/internal/gateway"
	"order-notifier/internal/processor"
	"order-notifier/internal/registry"
	"order-notifier/internal/source"
)

// chanSource hands out messages pushed by the test
type chanSource struct {
	messages chan *source.Message

	mu        sync.Mutex
	committed int
}

func newChanSource() *chanSource {
	return &chanSource{messages: make(chan *source.Message, 16)}
}

func (s *chanSource) push(body string) {
	s.messages <- &source.Message{Value: []byte(body), Topic: "dbserver1.shop.orders"}
}

func (s *chanSource) Fetch(ctx context.Context) (*source.Message, error) {
	select {
	case msg := <-s.messages:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (s *chanSource) Commit(ctx context.Context, msg *source.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed++
	return nil
}

func (s *chanSource) Close() error { return nil }

type pipeline struct {
	config *Config
	reg    *registry.Registry
	src    *chanSource
	server *httptest.Server
}

func startPipeline(t *testing.T) *pipeline {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	config := &Config{Kafka: KafkaConfig{Brokers: []string{"unused:9092"}}}
	config.applyDefaults()
	require.NoError(t, config.Validate())

	clock := clockwork.NewRealClock()
	reg := registry.New(logger, registry.WithSendTimeout(config.Registry.SendTimeout))

	gw, err := gateway.New(reg, gateway.Config{
		Room:         config.Gateway.Room,
		PingInterval: time.Hour,
		WriteTimeout: config.Gateway.WriteTimeout,
	}, clock, logger)
	require.NoError(t, err)

	src := newChanSource()
	proc, err := processor.NewProcessor(src, reg, nil, processor.Config{
		Table:     config.Consumer.Table,
		Room:      config.Consumer.Room,
		IdleDelay: time.Millisecond,
	}, clock, logger)
	require.NoError(t, err)

	server := httptest.NewServer(newRouter(config, gw, reg))

	ctx, cancel := context.WithCancel(context.Background())
	procErr := make(chan error, 1)
	go func() { procErr <- proc.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-procErr)
		closeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		assert.NoError(t, gw.Close(closeCtx))
		server.Close()
	})

	return &pipeline{config: config, reg: reg, src: src, server: server}
}

func (p *pipeline) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(p.server.URL, "http") + p.config.Gateway.Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readNotification(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	return got
}

func createOrder(id, userID int, total string) string {
	return `{"payload":{"op":"c","source":{"db":"shop","table":"orders"},"before":null,` +
		`"after":{"id":` + strconv.Itoa(id) + `,"user_id":` + strconv.Itoa(userID) + `,"total":` + total + `,"status":"pending"},"ts_ms":1700000000000}}`
}

func TestEndToEnd_OrderNotificationsReachConnectedDashboards(t *testing.T) {
	p := startPipeline(t)
	room := p.config.Gateway.Room

	s1 := p.dial(t)
	s2 := p.dial(t)
	require.Eventually(t, func() bool { return p.reg.Members(room) == 2 }, 2*time.Second, 5*time.Millisecond)

	p.src.push(createOrder(42, 7, "19.50"))

	for _, conn := range []*websocket.Conn{s1, s2} {
		got := readNotification(t, conn)
		assert.Equal(t, "new_order", got["type"])
		assert.Equal(t, float64(42), got["order_id"])
		assert.Equal(t, float64(7), got["user_id"])
		assert.Equal(t, 19.5, got["total"])
		assert.Equal(t, "pending", got["status"])
	}

	// S1 goes away; only S2 receives the next order
	require.NoError(t, s1.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return p.reg.Members(room) == 1 }, 2*time.Second, 5*time.Millisecond)

	p.src.push(`{"payload":{"op":"u","source":{"db":"shop","table":"orders"},"after":{"id":42,"user_id":7,"status":"paid"}}}`)
	p.src.push(createOrder(43, 8, "5"))

	got := readNotification(t, s2)
	assert.Equal(t, float64(43), got["order_id"], "updates are not broadcast")
	assert.Equal(t, 1, p.reg.Members(room))
}

func TestEndToEnd_NoDashboardsIsANoOp(t *testing.T) {
	p := startPipeline(t)

	p.src.push(createOrder(1, 1, "1"))
	require.Eventually(t, func() bool {
		p.src.mu.Lock()
		defer p.src.mu.Unlock()
		return p.src.committed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, p.reg.Rooms())
}

func TestHealthz(t *testing.T) {
	p := startPipeline(t)
	p.dial(t)
	require.Eventually(t, func() bool { return p.reg.Members(p.config.Gateway.Room) == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(p.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, map[string]int{"admin_notifications": 1}, health.Rooms)
}

func TestMetricsEndpoint(t *testing.T) {
	p := startPipeline(t)

	resp, err := http.Get(p.server.URL + p.config.Server.MetricsPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "registry_rooms")
}
