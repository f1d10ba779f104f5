// Package events publishes model lifecycle events to Kafka so other systems
// (dashboards, render farms) can follow scans without polling the client.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"gsscan/internal/config"
	"gsscan/internal/queue"
)

// MessageWriter is the subset of *kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON value written for each event.
type Message struct {
	Kind         queue.EventKind  `json:"kind"`
	ModelID      string           `json:"model_id"`
	TaskID       string           `json:"task_id"`
	Name         string           `json:"name"`
	Type         queue.SourceType `json:"type"`
	Status       queue.Status     `json:"status"`
	From         queue.Status     `json:"from,omitempty"`
	Stage        string           `json:"stage,omitempty"`
	ErrorMessage string           `json:"error,omitempty"`
	PlyPath      string           `json:"ply_path,omitempty"`
	At           time.Time        `json:"at"`
}

// Publisher writes registry events to a Kafka topic keyed by task id, so all
// events of one job land on the same partition in order.
type Publisher struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewPublisher wraps an existing writer.
func NewPublisher(writer MessageWriter, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{writer: writer, timeout: timeout}
}

// NewFromConfig returns a Kafka-backed publisher, or nil when events are disabled.
func NewFromConfig(cfg *config.Config) (*Publisher, error) {
	if cfg == nil || !cfg.Events.Enabled {
		return nil, nil
	}
	if len(cfg.Events.Brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Events.Brokers...),
		Topic:                  cfg.Events.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return NewPublisher(writer, cfg.RequestTimeout()), nil
}

// Observe publishes one registry event.
func (p *Publisher) Observe(ctx context.Context, event queue.Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	msg := Message{
		Kind:         event.Kind,
		ModelID:      event.Model.ID,
		TaskID:       event.Model.TaskID,
		Name:         event.Model.Name,
		Type:         event.Model.Type,
		Status:       event.Model.Status,
		Stage:        event.Model.Stage,
		ErrorMessage: event.Model.ErrorMessage,
		PlyPath:      event.Model.PlyPath,
		At:           event.At.UTC(),
	}
	if event.Kind == queue.EventStatusChanged {
		msg.From = event.Transition.From
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Model.TaskID),
		Value: value,
		Time:  msg.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Kind, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
