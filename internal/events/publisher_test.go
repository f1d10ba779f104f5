package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"gsscan/internal/config"
	"gsscan/internal/queue"
)

type captureWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestObservePublishesKeyedJSON(t *testing.T) {
	writer := &captureWriter{}
	pub := NewPublisher(writer, time.Second)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	err := pub.Observe(context.Background(), queue.Event{
		Kind: queue.EventStatusChanged,
		Model: queue.Model{
			ID: "m-1", TaskID: "abc123", Name: "kitchen", Type: queue.SourceVideo,
			Status: queue.StatusFailed, ErrorMessage: "insufficient frames",
		},
		Transition: queue.Transition{From: queue.StatusProcessing, To: queue.StatusFailed},
		At:         at,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(writer.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.msgs))
	}
	msg := writer.msgs[0]
	if string(msg.Key) != "abc123" {
		t.Fatalf("key = %q", msg.Key)
	}
	var decoded Message
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != queue.EventStatusChanged || decoded.From != queue.StatusProcessing || decoded.Status != queue.StatusFailed {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if decoded.ErrorMessage != "insufficient frames" || !decoded.At.Equal(at) {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "status_changed" {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}
}

func TestObserveWrapsWriterErrors(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewPublisher(&captureWriter{err: boom}, time.Second)
	err := pub.Observe(context.Background(), queue.Event{Kind: queue.EventDeleted, Model: queue.Model{ID: "m", TaskID: "t", Status: queue.StatusQueued, Type: queue.SourceVideo}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	pub, err := NewFromConfig(&cfg)
	if err != nil || pub != nil {
		t.Fatalf("disabled events should yield nil publisher, got %v %v", pub, err)
	}
	if err := pub.Observe(context.Background(), queue.Event{}); err != nil {
		t.Fatalf("nil publisher must be a no-op: %v", err)
	}

	cfg.Events.Enabled = true
	if _, err := NewFromConfig(&cfg); err == nil {
		t.Fatal("expected error without brokers")
	}

	cfg.Events.Brokers = []string{"127.0.0.1:9092"}
	pub, err = NewFromConfig(&cfg)
	if err != nil || pub == nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	writer, ok := pub.writer.(*kafka.Writer)
	if !ok || writer.Topic != cfg.Events.Topic {
		t.Fatalf("unexpected writer %#v", pub.writer)
	}
	_ = pub.Close()
}

func TestCloseClosesWriter(t *testing.T) {
	writer := &captureWriter{}
	if err := NewPublisher(writer, 0).Close(); err != nil || !writer.closed {
		t.Fatalf("Close: err=%v closed=%v", err, writer.closed)
	}
}
