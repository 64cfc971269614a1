// Package rpc turns "invoke verb with arguments" into a matched reply.
//
// Calls wait for the ready signal to publish true, are sent exactly once,
// and always resolve: with the binder's reply (success or error shaped), with
// an error-shaped reply for transport failures, or with ErrCancelled when
// the caller's context ends or the session drops under them.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"afb-client/internal/observability"
	"afb-client/internal/protocol"
	"afb-client/internal/stream"
	"afb-client/internal/transport"
	"afb-client/internal/value"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrCancelled is returned for calls abandoned before a reply arrived.
var ErrCancelled = errors.New("call cancelled")

var errCorrelatorClosed = errors.New("correlator closed")

// Outcome labels used for metrics and logs.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Sender transmits one call and waits for its reply.
type Sender interface {
	Send(ctx context.Context, method string, args value.Value) (protocol.Reply, error)
}

// Correlator gates and issues calls.
type Correlator struct {
	sender  Sender
	ready   stream.Source[bool]
	limiter *rate.Limiter
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Correlator)

// WithRateLimit throttles outgoing calls. A non-positive rps disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Correlator) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// New builds a correlator sending through sender once ready holds true.
func New(sender Sender, ready stream.Source[bool], opts ...Option) *Correlator {
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Correlator{
		sender: sender,
		ready:  ready,
		logger: zerolog.Nop(),
		ctx:    ctx,
		cancel: func() { cancel(errCorrelatorClosed) },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "rpc").Logger()
	return c
}

type callOptions struct {
	deadline time.Time
}

type CallOption func(*callOptions)

// WithDeadline abandons the call at t.
func WithDeadline(t time.Time) CallOption {
	return func(o *callOptions) { o.deadline = t }
}

// WithTimeout abandons the call d after it is issued, gating included.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.deadline = time.Now().Add(d) }
}

// Call invokes verb ("<api>/<verb>") with args normalized by
// NormalizeArguments. The only errors returned wrap ErrCancelled.
func (c *Correlator) Call(ctx context.Context, verb string, args any, opts ...CallOption) (protocol.Reply, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	start := time.Now()
	api, _ := protocol.SplitMethod(verb)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !co.deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, co.deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	reply, outcome, err := c.call(ctx, verb, NormalizeArguments(args))

	elapsed := time.Since(start)
	observability.RecordCall(api, outcome, elapsed)
	c.logger.Debug().
		Str("verb", verb).
		Str("outcome", outcome).
		Dur("elapsed", elapsed).
		Msg("call resolved")
	return reply, err
}

func (c *Correlator) call(ctx context.Context, verb string, args value.Value) (protocol.Reply, string, error) {
	if _, err := c.ready.WaitFor(ctx, func(ready bool) bool { return ready }); err != nil {
		return protocol.Reply{}, OutcomeCancelled, c.cancelled(ctx, err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return protocol.Reply{}, OutcomeCancelled, c.cancelled(ctx, err)
		}
	}

	reply, err := c.sender.Send(ctx, verb, args)
	switch {
	case err == nil:
		if reply.IsError() {
			return reply, OutcomeError, nil
		}
		return reply, OutcomeOK, nil
	case errors.Is(err, transport.ErrCancelled):
		return protocol.Reply{}, OutcomeCancelled, fmt.Errorf("%w: %w", ErrCancelled, err)
	case ctx.Err() != nil:
		return protocol.Reply{}, OutcomeCancelled, c.cancelled(ctx, err)
	case errors.Is(err, transport.ErrNotOpen):
		c.logger.Warn().Str("verb", verb).Msg("session dropped before send")
		return protocol.NewFailureReply(protocol.StatusDisconnected, err.Error()), OutcomeFailure, nil
	default:
		c.logger.Warn().Err(err).Str("verb", verb).Msg("call failed")
		return protocol.NewFailureReply(protocol.StatusTransportError, err.Error()), OutcomeFailure, nil
	}
}

func (c *Correlator) cancelled(ctx context.Context, err error) error {
	if cause := context.Cause(c.ctx); cause != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// Close abandons every call still waiting or in flight.
func (c *Correlator) Close() {
	c.cancel()
}
