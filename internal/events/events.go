// Package events publishes job state changes after they are committed.
// Publication is best effort: a lost event never changes a job's outcome.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"vidpipe/internal/config"
	"vidpipe/internal/jobs"
	"vidpipe/internal/logging"
)

// Event is the published form of a committed transition.
type Event struct {
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	Owner        string    `json:"owner,omitempty"`
	OutputKey    string    `json:"output_key,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// FromJob builds the event for job's current state.
func FromJob(job *jobs.Job) Event {
	at := job.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Event{
		JobID:        job.ID,
		Status:       string(job.Status),
		Owner:        job.Owner,
		OutputKey:    job.OutputKey,
		ErrorMessage: job.ErrorMessage,
		OccurredAt:   at.UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// LogPublisher writes events to a logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher that logs each event at info level.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info("job state changed",
		logging.String(logging.FieldJobID, ev.JobID),
		logging.String("status", ev.Status),
		logging.String("output_key", ev.OutputKey),
		logging.String("error_message", ev.ErrorMessage),
		logging.Time("occurred_at", ev.OccurredAt),
		logging.String(logging.FieldEventType, "job_state_changed"),
	)
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by job id, so one job's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher connects a writer to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires brokers")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
		topic: topic,
	}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.JobID),
		Value: payload,
		Time:  ev.OccurredAt,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// New builds the configured publisher.
func New(cfg config.Events, logger *slog.Logger) (Publisher, error) {
	switch cfg.Backend {
	case config.EventsBackendKafka:
		return NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	case config.EventsBackendLog:
		return NewLogPublisher(logger), nil
	default:
		return Nop{}, nil
	}
}
