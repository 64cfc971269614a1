// Package client is the boundary surface of the runtime: it wires the
// transport session, state machine, call correlator, event registry and
// discovery client together, and runs the reconnect policy on top of the
// transport's open/error/close signals.
package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"afb-client/internal/discovery"
	"afb-client/internal/events"
	"afb-client/internal/observability"
	"afb-client/internal/protocol"
	"afb-client/internal/rpc"
	"afb-client/internal/state"
	"afb-client/internal/stream"
	"afb-client/internal/transport"

	"github.com/rs/zerolog"
)

const defaultMaxReconnectAttempts = 10

var (
	ErrNotInitialized = errors.New("client not initialized")
	ErrClosed         = errors.New("client closed")
)

// Options configures a Client.
type Options struct {
	Transport transport.Config

	AutoReconnect bool
	// MaxReconnectAttempts caps consecutive reconnects; negative means
	// unlimited, zero means the default.
	MaxReconnectAttempts int
	Backoff              BackoffConfig

	// CallRPS throttles outgoing calls; zero disables throttling.
	CallRPS   float64
	CallBurst int

	Logger zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		Transport:            transport.DefaultConfig(),
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
		Backoff:              DefaultBackoff(),
		Logger:               zerolog.Nop(),
	}
}

// Client talks to one binder over one WebSocket.
type Client struct {
	opts   Options
	logger zerolog.Logger

	machine   *state.Machine
	session   *transport.Session
	registry  *events.Registry
	calls     *rpc.Correlator
	discovery *discovery.Client

	// connMu serializes opening the session with tearing it down, so a
	// reconnect cannot reopen behind Disconnect or Close.
	connMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	userClosed  bool
	closed      bool
	attempt     int
	retryTimer  *time.Timer
	rng         *rand.Rand
}

func New(opts Options) *Client {
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	logger := opts.Logger

	c := &Client{
		opts:     opts,
		logger:   logger.With().Str("component", "client").Logger(),
		machine:  state.NewMachine(opts.AutoReconnect, logger),
		registry: events.NewRegistry(logger),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.session = transport.New(opts.Transport, transport.Hooks{
		OnOpen:  c.handleOpen,
		OnError: c.handleError,
		OnClose: c.handleClose,
		OnReply: c.handleReply,
		OnEvent: c.handleEvent,
	}, logger)
	c.calls = rpc.New(c.session, c.machine.Ready(),
		rpc.WithRateLimit(opts.CallRPS, opts.CallBurst),
		rpc.WithLogger(logger),
	)
	c.discovery = discovery.New(c.calls, logger)
	return c
}

// Initialize sets the binder location and token. It may be called again
// while disconnected.
func (c *Client) Initialize(base, token string) error {
	target, err := transport.ParseTarget(base)
	if err != nil {
		return err
	}
	if err := c.session.Configure(target, token); err != nil {
		return err
	}
	c.machine.SetToken(token)
	c.session.SetCredentials(token, c.machine.Context().SessionID)

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info().Str("target", target.String()).Msg("initialized")
	return nil
}

// SetTarget points the next connection at another host and port.
func (c *Client) SetTarget(location, port string) error {
	if err := c.session.SetTarget(location, port); err != nil {
		return err
	}
	c.logger.Info().Str("target", c.session.Target().String()).Msg("target changed")
	return nil
}

// Target returns the current endpoint URL without credentials.
func (c *Client) Target() string {
	return c.session.Target().String()
}

// Connect starts the handshake and returns at once. The outcome arrives on
// the Opened, Ready and Status streams.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.userClosed = false
	c.attempt = 0
	c.stopRetryLocked()
	c.mu.Unlock()

	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.open()
}

// open must be called with c.connMu held.
func (c *Client) open() error {
	began := c.machine.BeginConnect()
	if err := c.session.Open(); err != nil {
		if began {
			c.machine.CancelConnect()
		}
		return err
	}
	return nil
}

// Disconnect tears the session down and suppresses reconnects until the
// next Connect. Calling it repeatedly is harmless.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.stopRetryLocked()
	c.mu.Unlock()

	c.connMu.Lock()
	c.session.Close()
	c.machine.CancelConnect()
	c.connMu.Unlock()
}

// Invoke calls "<api>/<verb>". See rpc.Correlator.Call for the resolution
// rules.
func (c *Client) Invoke(ctx context.Context, verb string, args any, opts ...rpc.CallOption) (protocol.Reply, error) {
	return c.calls.Call(ctx, verb, args, opts...)
}

// Subscribe streams events matching name until the subscription or the
// client is closed.
func (c *Client) Subscribe(name string) *events.Subscription {
	return c.registry.Subscribe(name)
}

func (c *Client) ListAPIs(ctx context.Context) ([]string, error) {
	return c.discovery.ListAPINames(ctx)
}

func (c *Client) DiscoverAPIs(ctx context.Context) ([]discovery.API, error) {
	return c.discovery.Discover(ctx)
}

func (c *Client) ListAPIInfos(ctx context.Context) (discovery.InfoResult, error) {
	return c.discovery.ListAPIInfos(ctx)
}

func (c *Client) Opened() stream.Source[state.Context]     { return c.machine.Opened() }
func (c *Client) Closed() stream.Source[state.CloseInfo]   { return c.machine.Closed() }
func (c *Client) RawEvents() stream.Source[protocol.Event] { return c.machine.RawEvents() }
func (c *Client) Status() stream.Source[state.Status]      { return c.machine.Status() }
func (c *Client) Ready() stream.Source[bool]               { return c.machine.Ready() }
func (c *Client) AutoReconnect() stream.Source[bool]       { return c.machine.AutoReconnect() }
func (c *Client) CurrentStatus() state.Status              { return c.machine.CurrentStatus() }
func (c *Client) State() state.State                       { return c.machine.State() }
func (c *Client) SessionContext() state.Context            { return c.machine.Context() }
func (c *Client) EventSubscribers(name string) int         { return c.registry.Count(name) }

// SetAutoReconnect toggles the reconnect policy. Turning it off cancels a
// scheduled attempt.
func (c *Client) SetAutoReconnect(enabled bool) {
	c.machine.SetAutoReconnect(enabled)
	if !enabled {
		c.mu.Lock()
		c.stopRetryLocked()
		c.mu.Unlock()
	}
}

// Close disconnects, abandons pending calls and ends every stream and
// subscription.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.userClosed = true
	c.stopRetryLocked()
	c.mu.Unlock()

	c.connMu.Lock()
	c.session.Close()
	c.machine.CancelConnect()
	c.connMu.Unlock()

	c.calls.Close()
	c.registry.Close()
	c.machine.Close()
}

func (c *Client) handleOpen() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.machine.HandleOpen()
}

func (c *Client) handleError(err error) {
	c.machine.HandleError(err)
	c.scheduleReconnect()
}

func (c *Client) handleClose(code int, reason string) {
	c.machine.HandleClose(code, reason)
	c.scheduleReconnect()
}

func (c *Client) handleReply(r protocol.Reply) {
	if ctx, changed := c.machine.HandleReply(r); changed {
		c.session.SetCredentials(ctx.Token, ctx.SessionID)
	}
}

func (c *Client) handleEvent(ev protocol.Event) {
	c.machine.HandleEvent(ev)
	c.registry.Dispatch(ev)
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.userClosed || c.retryTimer != nil || !c.machine.AutoReconnectEnabled() {
		return
	}
	if limit := c.opts.MaxReconnectAttempts; limit > 0 && c.attempt >= limit {
		c.logger.Error().Int("attempts", c.attempt).Msg("giving up reconnecting")
		observability.RecordReconnectAttempt(true)
		c.machine.NoteReconnectFailed()
		return
	}

	c.attempt++
	attempt := c.attempt
	delay := NextBackoffDelay(c.opts.Backoff, attempt, c.rng)
	c.machine.NoteReconnectAttempt(attempt)
	observability.RecordReconnectAttempt(false)
	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")

	c.retryTimer = time.AfterFunc(delay, c.reconnect)
}

func (c *Client) reconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	c.retryTimer = nil
	if c.closed || c.userClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.open(); err != nil {
		if errors.Is(err, transport.ErrAlreadyOpen) {
			return
		}
		c.logger.Warn().Err(err).Msg("reconnect failed")
		c.scheduleReconnect()
	}
}

// stopRetryLocked must be called with c.mu held.
func (c *Client) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}
