package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/syntor/agentmesh/pkg/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Client publishes JSON records through a kafka-go Writer.
type Client struct {
	config    BusConfig
	writer    messageWriter
	mu        sync.RWMutex
	connected bool
	health    models.HealthStatus
}

// NewClient creates a new Kafka client
func NewClient(config BusConfig) *Client {
	return &Client{
		config: config,
		health: models.HealthUnknown,
	}
}

// Connect creates the writer. kafka-go dials lazily, so no broker round trip happens here.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if !c.config.Enabled() {
		return &ConnectionError{Message: "no brokers configured"}
	}

	c.writer = &kafka.Writer{
		Addr:         kafka.TCP(c.config.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    c.config.Producer.BatchSize,
		BatchTimeout: time.Duration(c.config.Producer.LingerMs) * time.Millisecond,
		Compression:  compressionCodec(c.config.Producer.CompressionType),
		RequiredAcks: requiredAcks(c.config.Producer.Acks),
	}
	c.connected = true
	c.health = models.HealthHealthy
	return nil
}

// PublishJSON encodes value and writes it to topic keyed by key.
func (c *Client) PublishJSON(ctx context.Context, topic, key string, value interface{}, headers map[string]string) error {
	c.mu.RLock()
	writer, connected := c.writer, c.connected
	c.mu.RUnlock()
	if !connected {
		return fmt.Errorf("kafka client not connected")
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
		},
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		c.setHealth(models.HealthWarning)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	c.setHealth(models.HealthHealthy)
	return nil
}

func (c *Client) setHealth(h models.HealthStatus) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

// Close flushes and closes the writer
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	c.health = models.HealthUnknown
	return c.writer.Close()
}

// Health returns the current health status
func (c *Client) Health() models.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Config returns the client configuration
func (c *Client) Config() BusConfig {
	return c.config
}

func compressionCodec(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func requiredAcks(acks string) kafka.RequiredAcks {
	switch acks {
	case "0":
		return kafka.RequireNone
	case "1":
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}
