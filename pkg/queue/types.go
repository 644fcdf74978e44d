// Package queue is the asynchronous side of the mesh. Messages wait in named
// queues, are dispatched to agents found in the registry by a background
// processor per queue, and are retried with exponential delay until they
// either complete or land in the dead-letter queue.
package queue

import (
	"errors"
	"time"

	"github.com/syntor/agentmesh/pkg/models"
)

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrUnknownQueue   = errors.New("unknown queue")
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotDeadLetter  = errors.New("message is not dead-lettered")
)

// Type selects how a queue orders and retries its messages.
type Type string

const (
	TypePriority        Type = "priority"
	TypeFIFO            Type = "fifo"
	TypeMedicalCritical Type = "medical-critical"
	TypeBatch           Type = "batch"
	TypeDelayed         Type = "delayed"
	TypeDeadLetter      Type = "dead-letter"
)

// ordered reports whether enqueue inserts by priority.
func (t Type) ordered() bool {
	return t == TypePriority || t == TypeMedicalCritical
}

// Names of the standard queues.
const (
	QueueCritical   = "critical"
	QueueHigh       = "high_priority"
	QueueNormal     = "normal"
	QueueBatch      = "batch"
	QueueDelayed    = "delayed"
	QueueDeadLetter = "dead_letter"
)

// BatchMethodPrefix routes methods such as "batch_analyze" to the batch queue.
const BatchMethodPrefix = "batch"

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRetry      Status = "retry"
	StatusDeadLetter Status = "dead_letter"
)

// DeliveryMode controls what happens after a failed dispatch.
type DeliveryMode string

const (
	// AtLeastOnce retries until max retries is exhausted.
	AtLeastOnce DeliveryMode = "at_least_once"
	// AtMostOnce dead-letters on the first failure.
	AtMostOnce DeliveryMode = "at_most_once"
)

// QueuedMessage wraps a message with its delivery state.
type QueuedMessage struct {
	Message      *models.Message `json:"message"`
	Queue        string          `json:"queue"`
	Origin       string          `json:"origin_queue,omitempty"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	DeliveryMode DeliveryMode    `json:"delivery_mode"`
	AgentID      string          `json:"agent_id,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// ID is the id of the wrapped message.
func (m *QueuedMessage) ID() string {
	return m.Message.ID
}

// Priority is the priority of the wrapped message.
func (m *QueuedMessage) Priority() models.Priority {
	return m.Message.Priority
}

func (m *QueuedMessage) clone() *QueuedMessage {
	c := *m
	msg := *m.Message
	c.Message = &msg
	return &c
}

// Definition declares a queue.
type Definition struct {
	Name       string `mapstructure:"name" json:"name" yaml:"name"`
	Type       Type   `mapstructure:"type" json:"type" yaml:"type"`
	MaxRetries int    `mapstructure:"max_retries" json:"max_retries" yaml:"max_retries"`
	MaxSize    int    `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
}

// SendOptions overrides routing for one message.
type SendOptions struct {
	// Queue is the target queue; empty routes by priority, auth level and method.
	Queue        string
	Delay        time.Duration
	DeliveryMode DeliveryMode
}

// Stats describes one queue.
type Stats struct {
	Name                string        `json:"name"`
	Type                Type          `json:"type"`
	Pending             int           `json:"pending"`
	Processing          int           `json:"processing"`
	Completed           int64         `json:"completed"`
	Failed              int64         `json:"failed"`
	DeadLettered        int64         `json:"dead_lettered"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
	AvgQueueTime        time.Duration `json:"avg_queue_time"`
	ThroughputPerMinute int           `json:"throughput_per_minute"`
}

// GlobalStats aggregates every queue.
type GlobalStats struct {
	Queues              map[string]Stats `json:"queues"`
	Pending             int              `json:"pending"`
	Processing          int              `json:"processing"`
	Completed           int64            `json:"completed"`
	Failed              int64            `json:"failed"`
	DeadLettered        int64            `json:"dead_lettered"`
	ThroughputPerMinute int              `json:"throughput_per_minute"`
}
