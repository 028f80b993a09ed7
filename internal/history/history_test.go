package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/procmon/internal/crashbin"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

type namedSink struct{ memSink }

func (n *namedSink) Name() string { return "named" }

func TestPublishIsolatesFailures(t *testing.T) {
	bad := &memSink{err: errors.New("connection refused")}
	good := &memSink{}
	e := Event{Type: EventCrash, OccurredAt: time.Now(), Record: crashbin.Record{Key: 0xdead, Description: "x"}}

	Publish(context.Background(), []Sink{bad, good}, e)

	if len(good.events) != 1 {
		t.Fatalf("healthy sink got %d events", len(good.events))
	}
	if good.events[0].Record.Key != 0xdead {
		t.Fatalf("unexpected event: %+v", good.events[0])
	}
}

func TestSinkName(t *testing.T) {
	if got := SinkName(&namedSink{}); got != "named" {
		t.Fatalf("named sink = %q", got)
	}
	if got := SinkName(&memSink{}); got != "*history.memSink" {
		t.Fatalf("unnamed sink = %q", got)
	}
}

func TestCloseAll(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	CloseAll([]Sink{a, b})
	if !a.closed || !b.closed {
		t.Fatalf("sinks not closed")
	}
}

func TestEventJSON(t *testing.T) {
	e := Event{Type: EventCrash, OccurredAt: time.Unix(0, 0).UTC(), Record: crashbin.Record{Key: 0x41414141}}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "crash" {
		t.Fatalf("type = %v", m["type"])
	}
	rec := m["record"].(map[string]any)
	if rec["key"] != "0x41414141" {
		t.Fatalf("key should render as hex, got %v", rec["key"])
	}
}
