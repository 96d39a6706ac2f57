// Package events publishes grading lifecycle events through watermill.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// Type names a lifecycle event.
type Type string

const (
	ExamProcessed            Type = "exam.processed"
	SubmissionCreated        Type = "submission.created"
	SubmissionGradingStarted Type = "submission.grading_started"
	SubmissionCompleted      Type = "submission.completed"
	SubmissionFailed         Type = "submission.failed"
	SubmissionReevaluated    Type = "submission.reevaluated"
	ScoreOverridden          Type = "submission.score_overridden"
	AnswersRegraded          Type = "submission.answers_regraded"
)

// DefaultTopic is the topic events are published to unless configured.
const DefaultTopic = "smartgrader.events"

// Event describes a change to an exam or submission.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	ExamID       int64     `json:"exam_id,omitempty"`
	SubmissionID int64     `json:"submission_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Pass         int       `json:"pass,omitempty"`
	TotalScore   float64   `json:"total_score,omitempty"`
	MaxScore     float64   `json:"max_score,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher delivers events. Publishing failures never affect grading.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Watermill publishes events as JSON messages on a single topic.
type Watermill struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

// NewWatermill wraps any watermill publisher.
func NewWatermill(p message.Publisher, topic string, logger *slog.Logger) *Watermill {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Watermill{publisher: p, topic: topic, logger: logger}
}

// NewGoChannel creates an in-process pub/sub. The returned GoChannel can also
// be used to subscribe.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewSlogLogger(logger))
}

// NewKafka creates a publisher writing to the given Kafka brokers.
func NewKafka(brokers []string, topic string, logger *slog.Logger) (*Watermill, error) {
	p, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: kafka.DefaultMarshaler{},
	}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
	}
	return NewWatermill(p, topic, logger), nil
}

// Topic returns the topic events are published to.
func (w *Watermill) Topic() string { return w.topic }

// Publish implements Publisher.
func (w *Watermill) Publish(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(e.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("event_type", string(e.Type))
	msg.Metadata.Set("timestamp", e.Timestamp.Format(time.RFC3339))

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		w.logger.Error("failed to publish event", "event_id", e.ID, "event_type", e.Type, "error", err)
		return fmt.Errorf("publish event: %w", err)
	}
	w.logger.Debug("published event", "event_id", e.ID, "event_type", e.Type, "topic", w.topic)
	return nil
}

// Close closes the underlying publisher.
func (w *Watermill) Close() error {
	return w.publisher.Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Decode parses an event from a watermill message payload.
func Decode(msg *message.Message) (Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return e, fmt.Errorf("decode event %s: %w", msg.UUID, err)
	}
	return e, nil
}
