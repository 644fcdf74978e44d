package audit

import (
	"context"
	"errors"

	"github.com/syntor/agentmesh/pkg/kafka"
)

// KafkaWriter publishes each event of a batch to an audit topic.
type KafkaWriter struct {
	publisher kafka.Publisher
	topic     string
}

// NewKafkaWriter creates a writer for topic; an empty topic uses kafka.TopicAudit.
func NewKafkaWriter(p kafka.Publisher, topic string) *KafkaWriter {
	if topic == "" {
		topic = kafka.TopicAudit
	}
	return &KafkaWriter{publisher: p, topic: topic}
}

func (w *KafkaWriter) WriteBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, e := range events {
		headers := map[string]string{"event_type": string(e.Type)}
		if err := w.publisher.PublishJSON(ctx, w.topic, e.AgentID, e, headers); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiWriter writes every batch to all writers and joins their errors.
type MultiWriter []BatchWriter

func (m MultiWriter) WriteBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, w := range m {
		if err := w.WriteBatch(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
