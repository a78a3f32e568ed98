// Command emit-order publishes a synthetic order-created change envelope so
// dashboards can be exercised without a database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"order-notifier/internal/kafka"
	"order-notifier/internal/models"
	"order-notifier/internal/nats"
)

func main() {
	var (
		target   = flag.String("target", "kafka", "Broker to publish to: kafka or nats")
		brokers  = flag.String("brokers", envOr("KAFKA_BROKER", "localhost:9092"), "Comma-separated Kafka brokers (or set KAFKA_BROKER env)")
		topic    = flag.String("topic", envOr("KAFKA_ORDER_TOPIC", "dbserver1.shop.orders"), "Kafka topic (or set KAFKA_ORDER_TOPIC env)")
		natsURL  = flag.String("nats-url", "nats://localhost:4222", "NATS server URL")
		subject  = flag.String("subject", "cdc.orders", "NATS subject")
		database = flag.String("db", "shop", "Source database name")
		table    = flag.String("table", "orders", "Source table name")
		orderID  = flag.Int64("order-id", time.Now().Unix(), "Order ID")
		userID   = flag.Int64("user-id", 1, "User ID")
		total    = flag.String("total", "19.99", "Order total")
		status   = flag.String("status", "pending", "Order status")
		count    = flag.Int("count", 1, "Number of orders to emit, with consecutive IDs")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	amount, err := decimal.NewFromString(*total)
	if err != nil {
		logger.Fatalf("Invalid total %q: %v", *total, err)
	}

	publish, closeFn, err := newPublisher(*target, *brokers, *topic, *natsURL, *subject, logger)
	if err != nil {
		logger.Fatalf("Failed to create %s publisher: %v", *target, err)
	}
	defer closeFn()

	ctx := context.Background()
	for i := 0; i < *count; i++ {
		id := *orderID + int64(i)
		data, err := orderCreated(*database, *table, id, *userID, amount, *status, time.Now())
		if err != nil {
			logger.Fatalf("Failed to build envelope: %v", err)
		}
		if err := publish(ctx, strconv.FormatInt(id, 10), data); err != nil {
			logger.Fatalf("Failed to publish order %d: %v", id, err)
		}
		logger.Infof("Emitted order %d (user %d, total %s) to %s", id, *userID, amount, *target)
	}
}

type publishFunc func(ctx context.Context, key string, data []byte) error

func newPublisher(target, brokers, topic, natsURL, subject string, logger *logrus.Logger) (publishFunc, func(), error) {
	if target == "nats" {
		pub, err := nats.NewPublisher(nats.ConnConfig{
			URL:           natsURL,
			Name:          "emit-order",
			ReconnectWait: 2 * time.Second,
		}, subject, logger)
		if err != nil {
			return nil, nil, err
		}
		publish := func(ctx context.Context, key string, data []byte) error {
			return pub.Publish(data)
		}
		return publish, pub.Close, nil
	}

	w, err := kafka.NewWriter(strings.Split(brokers, ","), topic)
	if err != nil {
		return nil, nil, err
	}
	publish := func(ctx context.Context, key string, data []byte) error {
		return w.Write(ctx, []byte(key), data)
	}
	closeFn := func() {
		if err := w.Close(); err != nil {
			logger.Errorf("Error closing kafka writer: %v", err)
		}
	}
	return publish, closeFn, nil
}

// orderCreated builds a Debezium-shaped create envelope for one order row
func orderCreated(database, table string, orderID, userID int64, total decimal.Decimal, status string, now time.Time) ([]byte, error) {
	after := models.Row{}
	for field, value := range map[string]any{
		"id":         orderID,
		"user_id":    userID,
		"total":      json.Number(total.String()),
		"status":     status,
		"created_at": now.UTC().Format(time.RFC3339),
	} {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		after[field] = raw
	}

	return models.EncodeChangeEnvelope(&models.ChangeEnvelope{
		Op:     models.OpCreate,
		Source: models.Source{Database: database, Table: table},
		After:  after,
		TsMs:   now.UnixMilli(),
	})
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
