// Package bridge republishes binder events to a message broker.
package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"afb-client/internal/events"
	"afb-client/internal/observability"
	"afb-client/internal/protocol"

	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

// Sink receives one JSON event object per publish.
type Sink interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// Subscriber is the event source, normally a *client.Client.
type Subscriber interface {
	Subscribe(name string) *events.Subscription
}

type Bridge struct {
	subscriber Subscriber
	names      []string
	sink       Sink
	logger     zerolog.Logger
}

// New creates a bridge forwarding events matching names. Duplicate and
// blank names are dropped; an empty list forwards everything.
func New(subscriber Subscriber, names []string, sink Sink, logger zerolog.Logger) *Bridge {
	seen := make(map[string]bool)
	var unique []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		unique = append(unique, n)
	}
	if len(unique) == 0 {
		unique = []string{events.Wildcard}
	}
	return &Bridge{
		subscriber: subscriber,
		names:      unique,
		sink:       sink,
		logger:     logger.With().Str("component", "bridge").Logger(),
	}
}

// RoutingKey maps an event name to a topic routing key: "api/name" becomes
// "api.name".
func RoutingKey(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

// Run forwards events until ctx ends or every subscription has ended. An
// event matching several names is published once per name.
func (b *Bridge) Run(ctx context.Context) {
	subs := make([]*events.Subscription, 0, len(b.names))
	for _, n := range b.names {
		subs = append(subs, b.subscriber.Subscribe(n))
	}
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	b.logger.Info().Strs("events", b.names).Msg("bridge started")

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *events.Subscription) {
			defer wg.Done()
			b.pump(ctx, s)
		}(s)
	}
	wg.Wait()

	b.logger.Info().Msg("bridge stopped")
}

func (b *Bridge) pump(ctx context.Context, s *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.C():
			if !ok {
				return
			}
			b.publish(ctx, ev)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, ev protocol.Event) {
	body, err := protocol.NewEventObject(ev.Name, ev.Data).MarshalJSON()
	if err != nil {
		b.logger.Warn().Err(err).Str("event", ev.Name).Msg("encode event failed")
		observability.RecordBridgePublish(ev.API(), false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.sink.Publish(ctx, RoutingKey(ev.Name), body); err != nil {
		b.logger.Warn().Err(err).Str("event", ev.Name).Msg("publish failed")
		observability.RecordBridgePublish(ev.API(), false)
		return
	}
	observability.RecordBridgePublish(ev.API(), true)
}
