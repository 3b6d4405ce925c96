package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/gateway"
)

const (
	DefaultEventsQueue       = "switch.events"
	DefaultLifecycleExchange = "callbacks.lifecycle"
)

// Publisher publishes callback lifecycle events.
type Publisher interface {
	PublishCallbackEvent(ctx context.Context, msg CallbackEventMessage) error
	Close() error
}

// EventHandler handles a decoded switch channel event.
type EventHandler func(ctx context.Context, ev gateway.ChannelEvent) error

// Consumer consumes switch channel events from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler EventHandler) error
	Close() error
}

// Topology names the broker objects the engine declares.
type Topology struct {
	EventsQueue       string
	LifecycleExchange string
}

func (t Topology) withDefaults() Topology {
	if strings.TrimSpace(t.EventsQueue) == "" {
		t.EventsQueue = DefaultEventsQueue
	}
	if strings.TrimSpace(t.LifecycleExchange) == "" {
		t.LifecycleExchange = DefaultLifecycleExchange
	}
	return t
}

// DLQName returns the dead-letter queue for a queue, e.g. dlq.switch.events.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// RoutingKey returns the lifecycle routing key for a status, e.g. callback.completed.
func RoutingKey(status domain.Status) string {
	return "callback." + strings.ToLower(status.String())
}
