// Package gateway exposes a connected client over HTTP: REST endpoints for
// calls and introspection, a websocket event feed and Prometheus metrics.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"afb-client/internal/discovery"
	"afb-client/internal/events"
	"afb-client/internal/observability"
	"afb-client/internal/protocol"
	"afb-client/internal/rpc"
	"afb-client/internal/state"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// maxBodyBytes caps call argument bodies.
const maxBodyBytes = 1 << 20

// Backend is the client surface the gateway serves.
type Backend interface {
	CurrentStatus() state.Status
	State() state.State
	Target() string
	Invoke(ctx context.Context, verb string, args any, opts ...rpc.CallOption) (protocol.Reply, error)
	Subscribe(name string) *events.Subscription
	ListAPIs(ctx context.Context) ([]string, error)
	DiscoverAPIs(ctx context.Context) ([]discovery.API, error)
	ListAPIInfos(ctx context.Context) (discovery.InfoResult, error)
}

// Server routes HTTP requests to a Backend.
type Server struct {
	backend     Backend
	callTimeout time.Duration
	logger      zerolog.Logger

	feedsMu sync.Mutex
	feeds   map[*feed]bool
}

// New creates a gateway. A zero callTimeout leaves calls unbounded unless
// the request carries ?timeout=.
func New(backend Backend, callTimeout time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		backend:     backend,
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "gateway").Logger(),
		feeds:       make(map[*feed]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware)
	r.Use(requestID)
	r.Use(requestLogger(s.logger))
	r.Use(recovery(s.logger))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", observability.Handler())

	r.Route("/apis", func(r chi.Router) {
		r.Get("/", s.handleListAPIs)
		r.Get("/discover", s.handleDiscover)
		r.Get("/infos", s.handleInfos)
	})

	r.Post("/call/{api}/{verb}", s.handleCall)
	r.Get("/events", s.handleEvents)

	return r
}

// Shutdown closes every event feed. In-flight REST requests are left to
// http.Server.Shutdown.
func (s *Server) Shutdown() {
	s.feedsMu.Lock()
	feeds := make([]*feed, 0, len(s.feeds))
	for f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.feedsMu.Unlock()

	for _, f := range feeds {
		f.close()
	}
}

// FeedCount returns the number of open /events connections.
func (s *Server) FeedCount() int {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	return len(s.feeds)
}
