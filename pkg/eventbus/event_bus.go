// Package eventbus provides cross-process publication of execution lifecycle
// events. It is a side channel for observers in other processes; the
// in-process stream broadcaster is unrelated.
package eventbus

import (
	"context"

	"github.com/planline/planline/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event interface{}) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
