package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/jensholdgaard/streamstore/internal/event"
	"github.com/jensholdgaard/streamstore/internal/publish"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafka_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := publish.NewKafkaWithWriter(w, event.JSONCodec{})

	created := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	events := []event.Event{
		{ID: uuid.New(), AggregateType: "Account", AggregateID: "A-1", Sequence: 4, Type: "deposited", Data: json.RawMessage(`{"amount":10}`), CreatedAt: created},
		{ID: uuid.New(), AggregateType: "Account", AggregateID: "A-1", Sequence: 5, Type: "withdrawn", Data: json.RawMessage(`{"amount":3}`), CreatedAt: created},
	}
	if err := p.Publish(context.Background(), "Account:A-1", events); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(w.msgs) != 2 {
		t.Fatalf("wrote %d messages, want 2", len(w.msgs))
	}
	for i, m := range w.msgs {
		if string(m.Key) != "Account:A-1" {
			t.Errorf("msgs[%d].Key = %q", i, m.Key)
		}
		if got := header(m, publish.HeaderEventType); got != events[i].Type {
			t.Errorf("msgs[%d] event-type = %q, want %q", i, got, events[i].Type)
		}
		decoded, err := event.JSONCodec{}.Unmarshal(m.Value)
		if err != nil {
			t.Fatalf("decoding msgs[%d]: %v", i, err)
		}
		if !decoded.Equal(events[i]) {
			t.Errorf("msgs[%d] = %+v, want %+v", i, decoded, events[i])
		}
	}
	if got := header(w.msgs[1], publish.HeaderSequence); got != "5" {
		t.Errorf("sequence header = %q, want 5", got)
	}
}

func TestKafka_PublishError(t *testing.T) {
	cause := errors.New("leader not available")
	p := publish.NewKafkaWithWriter(&fakeWriter{err: cause}, event.JSONCodec{})

	err := p.Publish(context.Background(), "Account:A-1", []event.Event{{Sequence: 0, Type: "opened"}})
	if !errors.Is(err, cause) {
		t.Fatalf("Publish error = %v, want wrapping %v", err, cause)
	}
}

func TestKafka_Close(t *testing.T) {
	w := &fakeWriter{}
	if err := publish.NewKafkaWithWriter(w, event.ProtoCodec{}).Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
}
