// Package stream delivers execution-scoped progress events to live
// subscribers, replaying buffered history to late joiners. State is
// process-local: no cross-process consistency is claimed.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/planline/planline/pkg/events"
)

const (
	// DefaultHistoryLimit bounds the per-execution history buffer; when
	// exceeded the buffer is trimmed to its most recent half.
	DefaultHistoryLimit = 1000

	// DefaultSubscriberBuffer is each subscriber channel's capacity. A
	// subscriber whose buffer is full is evicted rather than blocking the
	// producer.
	DefaultSubscriberBuffer = 64

	// DefaultHeartbeatInterval is how long a subscription stays silent
	// before a heartbeat event is synthesized to keep the transport alive.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Options tune the broadcaster. Zero values fall back to the defaults.
type Options struct {
	HistoryLimit      int
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
}

// Broadcaster fans out stream events per execution.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *slog.Logger
	opts   Options
}

type topic struct {
	history     []events.StreamEvent
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	ch chan events.StreamEvent
}

// NewBroadcaster creates a broadcaster with the given options.
func NewBroadcaster(logger *slog.Logger, opts Options) *Broadcaster {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}

	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}

	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	return &Broadcaster{
		topics: make(map[string]*topic),
		logger: logger.With("module", "stream"),
		opts:   opts,
	}
}

// Emit appends the event to its execution's history and delivers it to every
// live subscriber without blocking: a subscriber that cannot keep up is
// dropped.
func (b *Broadcaster) Emit(event events.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[event.ExecutionID]
	if !ok {
		t = &topic{subscribers: make(map[*subscriber]struct{})}
		b.topics[event.ExecutionID] = t
	}

	t.history = append(t.history, event)
	if len(t.history) > b.opts.HistoryLimit {
		// Trim to the most recent half so trimming stays amortized.
		keep := b.opts.HistoryLimit / 2
		t.history = append([]events.StreamEvent(nil), t.history[len(t.history)-keep:]...)
	}

	for sub := range t.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("Evicting slow subscriber",
				"execution_id", event.ExecutionID,
				"buffer", b.opts.SubscriberBuffer,
			)
			delete(t.subscribers, sub)
			close(sub.ch)
		}
	}
}

// Subscribe returns a channel that first replays the retained history for
// the execution and then yields live events. When no event arrives within
// the heartbeat interval a heartbeat is synthesized. The channel closes when
// ctx is cancelled, the subscriber falls behind, or the execution is cleaned
// up.
func (b *Broadcaster) Subscribe(ctx context.Context, executionID string) <-chan events.StreamEvent {
	b.mu.Lock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subscribers: make(map[*subscriber]struct{})}
		b.topics[executionID] = t
	}

	sub := &subscriber{ch: make(chan events.StreamEvent, b.opts.SubscriberBuffer)}
	t.subscribers[sub] = struct{}{}

	replay := append([]events.StreamEvent(nil), t.history...)

	b.mu.Unlock()

	out := make(chan events.StreamEvent, b.opts.SubscriberBuffer)

	go func() {
		defer close(out)
		defer b.unsubscribe(executionID, sub)

		for _, event := range replay {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}

		heartbeat := time.NewTimer(b.opts.HeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case event, open := <-sub.ch:
				if !open {
					return
				}

				select {
				case out <- event:
				case <-ctx.Done():
					return
				}

				if !heartbeat.Stop() {
					select {
					case <-heartbeat.C:
					default:
					}
				}
				heartbeat.Reset(b.opts.HeartbeatInterval)
			case <-heartbeat.C:
				select {
				case out <- events.NewStreamEvent(executionID, events.HeartbeatEvent, nil):
				case <-ctx.Done():
					return
				}

				heartbeat.Reset(b.opts.HeartbeatInterval)
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (b *Broadcaster) unsubscribe(executionID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return
	}

	if _, live := t.subscribers[sub]; live {
		delete(t.subscribers, sub)
		close(sub.ch)
	}
}

// Cleanup discards the execution's history and closes its subscriber
// channels. Called once the workflow reaches a terminal state and no further
// events are expected.
func (b *Broadcaster) Cleanup(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return
	}

	for sub := range t.subscribers {
		close(sub.ch)
	}

	delete(b.topics, executionID)
}

// History returns a copy of the retained history for an execution.
func (b *Broadcaster) History(executionID string) []events.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return nil
	}

	return append([]events.StreamEvent(nil), t.history...)
}
