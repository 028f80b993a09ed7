// Package history exports crash events to external analytics systems.
package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/procmon/internal/crashbin"
	"github.com/loykin/procmon/internal/metrics"
)

// EventType defines the kind of event.
type EventType string

const (
	EventCrash EventType = "crash"
)

// Event is one crash observed by the monitor.
type Event struct {
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Record     crashbin.Record `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Named sinks report a stable label for logs and metrics.
type Named interface {
	Name() string
}

// SendTimeout bounds each sink write in Publish.
const SendTimeout = 5 * time.Second

// Publish sends e to every sink. Failures are logged and counted; they never
// reach the caller.
func Publish(ctx context.Context, sinks []Sink, e Event) {
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, SendTimeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			name := SinkName(s)
			metrics.IncHistoryError(name)
			slog.Warn("history sink failed", "sink", name, "key", e.Record.Key, "error", err)
		}
	}
}

func SinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// CloseAll closes every sink that holds resources.
func CloseAll(sinks []Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("closing history sink", "sink", SinkName(s), "error", err)
			}
		}
	}
}
