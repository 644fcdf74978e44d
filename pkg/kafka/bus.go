package kafka

import (
	"context"
)

// Publisher exports mesh records to Kafka topics.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value interface{}, headers map[string]string) error
	Close() error
}

// ProducerConfig holds configuration for the Kafka producer
type ProducerConfig struct {
	Acks            string `mapstructure:"acks" json:"acks"` // "0", "1", "all"
	BatchSize       int    `mapstructure:"batch_size" json:"batch_size"`
	LingerMs        int    `mapstructure:"linger_ms" json:"linger_ms"`
	CompressionType string `mapstructure:"compression_type" json:"compression_type"` // none, gzip, snappy, lz4, zstd
}

// BusConfig holds Kafka connection settings
type BusConfig struct {
	Brokers     []string       `mapstructure:"brokers" json:"brokers"`
	Producer    ProducerConfig `mapstructure:"producer" json:"producer"`
	AuditTopic  string         `mapstructure:"audit_topic" json:"audit_topic"`
	DeadLetters string         `mapstructure:"dead_letter_topic" json:"dead_letter_topic"`
}

// Enabled reports whether any broker is configured.
func (c BusConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Standard topic names
const (
	TopicAudit      = "agentmesh.audit"
	TopicDeadLetter = "agentmesh.dlq"
)

// DefaultProducerConfig returns default producer configuration
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Acks:            "all",
		BatchSize:       100,
		LingerMs:        10,
		CompressionType: "snappy",
	}
}

// DefaultBusConfig returns a configuration with no brokers and the standard topics.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Producer:    DefaultProducerConfig(),
		AuditTopic:  TopicAudit,
		DeadLetters: TopicDeadLetter,
	}
}

// ConnectionError represents a Kafka connection error
type ConnectionError struct {
	Message string
}

func (e *ConnectionError) Error() string {
	return "kafka connection error: " + e.Message
}
