// Package transport owns the single WebSocket connection to a binder: the
// handshake, raw frame send/receive, matching replies to the calls that
// produced them, and open/error/close signalling. It never retries; retry
// policy belongs to callers reacting to the OnError and OnClose hooks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"afb-client/internal/protocol"
	"afb-client/internal/value"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval     = 30 * time.Second
	readDeadline     = 60 * time.Second
	writeDeadline    = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	sendQueueSize    = 256

	// Call ids come from a 12-bit rolling counter.
	callIDMask = 4095
)

var (
	ErrNotConfigured   = errors.New("transport not configured")
	ErrAlreadyOpen     = errors.New("transport session already open")
	ErrNotOpen         = errors.New("transport session not open")
	ErrCancelled       = errors.New("call cancelled: session closed")
	ErrConnect         = errors.New("websocket handshake failed")
	ErrTooManyPending  = errors.New("too many pending calls")
	ErrDuplicateCallID = errors.New("call id already pending")
)

// Config holds connection timing.
type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadDeadline     time.Duration
	WriteDeadline    time.Duration
	SendQueue        int
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: handshakeTimeout,
		PingInterval:     pingInterval,
		ReadDeadline:     readDeadline,
		WriteDeadline:    writeDeadline,
		SendQueue:        sendQueueSize,
	}
}

// Hooks receive lifecycle and inbound traffic notifications. Any may be nil.
// OnOpen, OnError and OnClose are delivered in the order they happen on the
// socket, never concurrently with each other.
type Hooks struct {
	OnOpen  func()
	OnError func(err error)
	OnClose func(code int, reason string)
	OnReply func(r protocol.Reply)
	OnEvent func(ev protocol.Event)
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateDialing
	stateOpen
)

// Session is one logical connection that may be opened and closed many times.
type Session struct {
	cfg    Config
	hooks  Hooks
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	target     Target
	configured bool
	token      string
	sessionID  string
	state      sessionState
	gen        int
	link       *link
	pending    map[string]chan result
	counter    int

	// lifecycle serializes hook delivery for open/error/close.
	lifecycle sync.Mutex
}

type result struct {
	reply protocol.Reply
	err   error
}

// link is one physical socket and its pumps.
type link struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func (l *link) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// New creates an unconfigured session.
func New(cfg Config, hooks Hooks, logger zerolog.Logger) *Session {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = sendQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = handshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingInterval
	}
	if cfg.ReadDeadline <= 0 {
		cfg.ReadDeadline = readDeadline
	}
	if cfg.WriteDeadline <= 0 {
		cfg.WriteDeadline = writeDeadline
	}
	return &Session{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger.With().Str("component", "transport").Logger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     []string{protocol.SubProtocol},
		},
		pending: make(map[string]chan result),
	}
}

// Configure sets the endpoint and the token presented at handshake time.
func (s *Session) Configure(target Target, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return ErrAlreadyOpen
	}
	s.target = target
	s.token = token
	s.configured = true
	return nil
}

// SetTarget moves the endpoint to another host/port, keeping the base path.
func (s *Session) SetTarget(location, port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.configured {
		return ErrNotConfigured
	}
	if s.state != stateIdle {
		return ErrAlreadyOpen
	}
	s.target = s.target.WithLocation(location, port)
	return nil
}

// SetCredentials updates the token and remote session id used for the next
// handshake and for outgoing calls.
func (s *Session) SetCredentials(token, sessionID string) {
	s.mu.Lock()
	s.token = token
	s.sessionID = sessionID
	s.mu.Unlock()
}

// Target returns the configured endpoint.
func (s *Session) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// IsOpen reports whether the handshake completed and the socket is live.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateOpen
}

// Open starts the handshake and returns immediately. The outcome arrives
// through OnOpen or OnError.
func (s *Session) Open() error {
	s.mu.Lock()
	if !s.configured {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	if s.state != stateIdle {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.state = stateDialing
	s.gen++
	gen := s.gen
	u := s.target.URL(s.token, s.sessionID)
	s.mu.Unlock()

	go s.dial(gen, u)
	return nil
}

func (s *Session) dial(gen int, u string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	s.logger.Debug().Str("url", u).Msg("dialing")
	conn, resp, err := s.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.state != stateDialing {
		// Closed while dialing.
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.state = stateIdle
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("url", u).Msg("cannot open websocket")
		if s.hooks.OnError != nil {
			s.hooks.OnError(fmt.Errorf("%w: %v", ErrConnect, err))
		}
		return
	}

	l := &link{
		conn: conn,
		send: make(chan []byte, s.cfg.SendQueue),
		done: make(chan struct{}),
	}
	s.link = l
	s.state = stateOpen
	s.mu.Unlock()

	s.logger.Info().Str("url", u).Msg("websocket open")
	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen()
	}

	go s.writePump(l)
	go s.readPump(l)
}

// Close releases the socket. Safe to call at any time, any number of times.
// Pending calls are rejected with ErrCancelled.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == stateDialing {
		s.state = stateIdle
	}
	l := s.link
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	s.teardown(l, websocket.CloseNormalClosure, "client closed")
	return nil
}

// Send transmits one call and waits for its reply. Error replies are
// returned as replies with OK unset, not as errors.
func (s *Session) Send(ctx context.Context, method string, args value.Value) (protocol.Reply, error) {
	return s.send(ctx, "", method, args)
}

// SendWithID is Send with a caller-chosen call id, which must not be pending.
func (s *Session) SendWithID(ctx context.Context, id, method string, args value.Value) (protocol.Reply, error) {
	if id == "" {
		return protocol.Reply{}, fmt.Errorf("empty call id")
	}
	return s.send(ctx, id, method, args)
}

func (s *Session) send(ctx context.Context, id, method string, args value.Value) (protocol.Reply, error) {
	s.mu.Lock()
	l := s.link
	if l == nil {
		s.mu.Unlock()
		return protocol.Reply{}, ErrNotOpen
	}
	if id == "" {
		var err error
		if id, err = s.nextCallID(); err != nil {
			s.mu.Unlock()
			return protocol.Reply{}, err
		}
	} else if _, exists := s.pending[id]; exists {
		s.mu.Unlock()
		return protocol.Reply{}, fmt.Errorf("%w: %s", ErrDuplicateCallID, id)
	}
	ch := make(chan result, 1)
	s.pending[id] = ch
	token := s.token
	s.mu.Unlock()

	data, err := protocol.EncodeCall(protocol.Call{ID: id, Method: method, Args: args, Token: token})
	if err != nil {
		s.forget(id)
		return protocol.Reply{}, err
	}

	select {
	case l.send <- data:
	case <-l.done:
		// Teardown already rejected the pending entry.
	case <-ctx.Done():
		s.forget(id)
		return protocol.Reply{}, ctx.Err()
	}

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		s.forget(id)
		return protocol.Reply{}, ctx.Err()
	}
}

// nextCallID must be called with s.mu held.
func (s *Session) nextCallID() (string, error) {
	if len(s.pending) > callIDMask {
		return "", ErrTooManyPending
	}
	for {
		s.counter = (s.counter + 1) & callIDMask
		id := strconv.Itoa(s.counter)
		if _, busy := s.pending[id]; !busy {
			return id, nil
		}
	}
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// teardown detaches l, rejects its pending calls and reports the close once.
func (s *Session) teardown(l *link, code int, reason string) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.state = stateIdle
	pending := s.pending
	s.pending = make(map[string]chan result)
	s.mu.Unlock()

	l.stop()
	for _, ch := range pending {
		ch <- result{err: ErrCancelled}
	}

	s.logger.Info().Int("code", code).Str("reason", reason).Int("abandoned", len(pending)).Msg("websocket closed")
	if s.hooks.OnClose != nil {
		s.hooks.OnClose(code, reason)
	}
}

// readPump reads frames until the socket fails.
func (s *Session) readPump(l *link) {
	code, reason := websocket.CloseAbnormalClosure, "connection lost"
	defer func() {
		s.teardown(l, code, reason)
		l.conn.Close()
	}()

	l.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadline))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadline))
		return nil
	})

	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case <-l.done:
				default:
					s.logger.Warn().Err(err).Msg("websocket read error")
				}
			}
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadline))
		s.dispatch(message)
	}
}

// writePump writes queued frames and keepalive pings.
func (s *Session) writePump(l *link) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case message := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteDeadline))
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteDeadline))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteDeadline))
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) dispatch(raw []byte) {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping invalid frame")
		return
	}

	switch frame.Code {
	case protocol.CodeReplyOK, protocol.CodeReplyError:
		r := *frame.Reply
		if s.hooks.OnReply != nil {
			s.hooks.OnReply(r)
		}
		s.mu.Lock()
		ch, ok := s.pending[r.CallID]
		delete(s.pending, r.CallID)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug().Str("call_id", r.CallID).Msg("reply for unknown call")
			return
		}
		ch <- result{reply: r}

	case protocol.CodeEvent:
		if s.hooks.OnEvent != nil {
			s.hooks.OnEvent(*frame.Event)
		}

	default:
		s.logger.Debug().Stringer("code", frame.Code).Msg("ignoring frame")
	}
}
