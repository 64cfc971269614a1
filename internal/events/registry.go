// Package events demultiplexes inbound event frames by name.
//
// Every subscription is an independent stream; closing it unregisters it,
// and a name with no subscribers left is pruned from the registry.
package events

import (
	"sync"

	"afb-client/internal/observability"
	"afb-client/internal/protocol"
	"afb-client/internal/stream"

	"github.com/rs/zerolog"
)

// Wildcard subscribes to every event.
const Wildcard = "*"

// Registry routes events to subscribers keyed by event name.
type Registry struct {
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*stream.Signal[protocol.Event]
	closed bool
}

// Subscription is a caller's handle on one event name.
type Subscription struct {
	name string
	sub  *stream.Subscription[protocol.Event]
	reg  *Registry
	once sync.Once
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "events").Logger(),
		topics: make(map[string]*stream.Signal[protocol.Event]),
	}
}

// Subscribe returns a stream of events matching name. name is either a full
// "<api>/<event>" name, a bare api name matching all of its events, or
// Wildcard. On a closed registry the subscription is already ended.
func (r *Registry) Subscribe(name string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	topic, ok := r.topics[name]
	if !ok {
		topic = stream.NewMulticast[protocol.Event]()
		if r.closed {
			topic.Close()
		} else {
			r.topics[name] = topic
		}
	}
	s := &Subscription{name: name, sub: topic.Subscribe(), reg: r}
	r.logger.Debug().Str("event", name).Str("sub_id", s.ID()).Msg("subscribed")
	return s
}

// Dispatch delivers ev to exact-name, api and wildcard subscribers. It
// returns the number of matching topics.
func (r *Registry) Dispatch(ev protocol.Event) int {
	observability.RecordEvent(ev.API())

	keys := []string{ev.Name}
	if api := ev.API(); api != ev.Name {
		keys = append(keys, api)
	}
	keys = append(keys, Wildcard)

	r.mu.Lock()
	defer r.mu.Unlock()

	matched := 0
	for _, key := range keys {
		if topic, ok := r.topics[key]; ok {
			topic.Publish(ev)
			matched++
		}
	}
	if matched == 0 {
		r.logger.Debug().Str("event", ev.Name).Msg("no subscriber")
	}
	return matched
}

// Count returns the number of live subscriptions registered under name.
func (r *Registry) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if topic, ok := r.topics[name]; ok {
		return topic.Len()
	}
	return 0
}

// Close ends every subscription once its queued events are delivered.
// Later subscriptions are ended immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for name, topic := range r.topics {
		topic.Close()
		delete(r.topics, name)
	}
}

func (r *Registry) release(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.sub.Close()
	if topic, ok := r.topics[s.name]; ok && topic.Len() == 0 {
		topic.Close()
		delete(r.topics, s.name)
	}
}

func (s *Subscription) ID() string   { return s.sub.ID() }
func (s *Subscription) Name() string { return s.name }

// C yields matching events in arrival order. It is closed by Close or when
// the registry shuts down.
func (s *Subscription) C() <-chan protocol.Event { return s.sub.C() }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.reg.release(s)
		s.reg.logger.Debug().Str("event", s.name).Str("sub_id", s.ID()).Msg("unsubscribed")
	})
}
