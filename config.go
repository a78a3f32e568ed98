package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceKafka  = "kafka"
	SourceNATS   = "nats"
	SourceBinlog = "binlog"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Registry RegistryConfig `yaml:"registry"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	NATS     NATSConfig     `yaml:"nats"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Binlog   BinlogConfig   `yaml:"binlog"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsPath     string        `yaml:"metrics_path"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GatewayConfig struct {
	Path         string        `yaml:"path"`
	Room         string        `yaml:"room"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type RegistryConfig struct {
	SendTimeout        time.Duration `yaml:"send_timeout"`
	MaxConcurrentSends int           `yaml:"max_concurrent_sends"`
}

type ConsumerConfig struct {
	Source      string        `yaml:"source"` // kafka, nats, binlog
	Database    string        `yaml:"database"`
	Table       string        `yaml:"table"`
	Room        string        `yaml:"room"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Script      string        `yaml:"script"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	GroupID     string   `yaml:"group_id"`
	StartOffset string   `yaml:"start_offset"` // earliest, latest
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	Queue         string        `yaml:"queue"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	ServerID uint32 `yaml:"server_id"`
	Flavor   string `yaml:"flavor"` // mysql, mariadb
}

type BinlogConfig struct {
	PositionFile  string   `yaml:"position_file"`
	StartPosition uint32   `yaml:"start_position"`
	Tables        []string `yaml:"tables"`
	SkipCheck     bool     `yaml:"skip_check"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = "/metrics"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/ws/admin/notifications"
	}
	if c.Gateway.Room == "" {
		c.Gateway.Room = "admin_notifications"
	}
	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = 30 * time.Second
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 5 * time.Second
	}
	if c.Registry.SendTimeout == 0 {
		c.Registry.SendTimeout = 5 * time.Second
	}
	if c.Registry.MaxConcurrentSends == 0 {
		c.Registry.MaxConcurrentSends = 256
	}
	if c.Consumer.Source == "" {
		c.Consumer.Source = SourceKafka
	}
	if c.Consumer.Table == "" {
		c.Consumer.Table = "orders"
	}
	if c.Consumer.Room == "" {
		c.Consumer.Room = c.Gateway.Room
	}
	if c.Consumer.PollTimeout == 0 {
		c.Consumer.PollTimeout = time.Second
	}
	if c.Consumer.RetryDelay == 0 {
		c.Consumer.RetryDelay = 5 * time.Second
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "dbserver1.shop.orders"
	}
	if c.Kafka.StartOffset == "" {
		c.Kafka.StartOffset = "earliest"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.MySQL.Flavor == "" {
		c.MySQL.Flavor = "mysql"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// applyEnv lets the deployment's environment override the file
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("KAFKA_BROKER"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("KAFKA_ORDER_TOPIC"); ok && v != "" {
		c.Kafka.Topic = v
	}
	if v, ok := lookup("KAFKA_GROUP_ID"); ok && v != "" {
		c.Kafka.GroupID = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Consumer.Source {
	case SourceKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.topic is required"))
		}
		if c.Kafka.StartOffset != "earliest" && c.Kafka.StartOffset != "latest" {
			errs = append(errs, fmt.Errorf("kafka.start_offset must be earliest or latest, got %q", c.Kafka.StartOffset))
		}
	case SourceNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
		if c.NATS.Subject == "" {
			errs = append(errs, errors.New("nats.subject is required"))
		}
	case SourceBinlog:
		if c.MySQL.Host == "" {
			errs = append(errs, errors.New("mysql.host is required"))
		}
		if c.MySQL.ServerID == 0 {
			errs = append(errs, errors.New("mysql.server_id is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown consumer.source %q", c.Consumer.Source))
	}

	if !strings.HasPrefix(c.Gateway.Path, "/") {
		errs = append(errs, fmt.Errorf("gateway.path must start with /, got %q", c.Gateway.Path))
	}
	if !strings.HasPrefix(c.Server.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("server.metrics_path must start with /, got %q", c.Server.MetricsPath))
	}
	if c.Gateway.PingInterval <= 0 {
		errs = append(errs, errors.New("gateway.ping_interval must be positive"))
	}
	if c.Gateway.WriteTimeout <= 0 {
		errs = append(errs, errors.New("gateway.write_timeout must be positive"))
	}
	if c.Registry.SendTimeout <= 0 {
		errs = append(errs, errors.New("registry.send_timeout must be positive"))
	}
	if c.Registry.MaxConcurrentSends <= 0 {
		errs = append(errs, errors.New("registry.max_concurrent_sends must be positive"))
	}
	if c.Consumer.PollTimeout <= 0 {
		errs = append(errs, errors.New("consumer.poll_timeout must be positive"))
	}
	if c.Consumer.RetryDelay <= 0 {
		errs = append(errs, errors.New("consumer.retry_delay must be positive"))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
