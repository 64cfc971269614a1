// Package state tracks the connection lifecycle and publishes it as
// subscribable values: the status snapshot, the ready flag, and
// opened/closed/raw-event notifications.
package state

import (
	"sync"

	"afb-client/internal/observability"
	"afb-client/internal/protocol"
	"afb-client/internal/stream"

	"github.com/rs/zerolog"
)

// State is the lifecycle position of the connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Status is the snapshot broadcast to observers on every change.
type Status struct {
	Connected        bool `json:"connected"`
	ReconnectAttempt int  `json:"reconnect_attempt"`
	ReconnectFailed  bool `json:"reconnect_failed"`
}

// Context carries the credentials presented to the binder.
type Context struct {
	Token     string `json:"token,omitempty"`
	SessionID string `json:"uuid,omitempty"`
}

// CloseInfo describes why a session ended.
type CloseInfo struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Machine owns the authoritative Status and ready values.
type Machine struct {
	logger zerolog.Logger

	mu     sync.Mutex
	state  State
	status Status
	ctx    Context

	statusSig    *stream.Signal[Status]
	readySig     *stream.Signal[bool]
	openedSig    *stream.Signal[Context]
	closedSig    *stream.Signal[CloseInfo]
	rawEventsSig *stream.Signal[protocol.Event]
	autoSig      *stream.Signal[bool]
}

// NewMachine returns a Disconnected machine. The ready signal starts empty
// so that calls issued before the first handshake wait for it.
func NewMachine(autoReconnect bool, logger zerolog.Logger) *Machine {
	return &Machine{
		logger:       logger.With().Str("component", "state").Logger(),
		statusSig:    stream.NewBehavior(Status{}),
		readySig:     stream.NewReplay[bool](1),
		openedSig:    stream.NewMulticast[Context](),
		closedSig:    stream.NewMulticast[CloseInfo](),
		rawEventsSig: stream.NewMulticast[protocol.Event](),
		autoSig:      stream.NewBehavior(autoReconnect),
	}
}

func (m *Machine) Status() stream.Source[Status]            { return m.statusSig }
func (m *Machine) Ready() stream.Source[bool]               { return m.readySig }
func (m *Machine) Opened() stream.Source[Context]           { return m.openedSig }
func (m *Machine) Closed() stream.Source[CloseInfo]         { return m.closedSig }
func (m *Machine) RawEvents() stream.Source[protocol.Event] { return m.rawEventsSig }
func (m *Machine) AutoReconnect() stream.Source[bool]       { return m.autoSig }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentStatus returns a copy of the latest snapshot.
func (m *Machine) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

func (m *Machine) SetToken(token string) {
	m.mu.Lock()
	m.ctx.Token = token
	m.mu.Unlock()
}

func (m *Machine) SetSessionID(id string) {
	m.mu.Lock()
	m.ctx.SessionID = id
	m.mu.Unlock()
}

// BeginConnect moves Disconnected to Connecting. It reports false when a
// connection is already underway or up.
func (m *Machine) BeginConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Disconnected {
		return false
	}
	m.transition(Connecting)
	return true
}

// CancelConnect abandons a handshake that will never report back.
func (m *Machine) CancelConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connecting {
		return
	}
	m.transition(Disconnected)
	m.readySig.Publish(false)
}

// HandleOpen records a completed handshake.
func (m *Machine) HandleOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transition(Ready)
	m.status.Connected = true
	m.status.ReconnectFailed = false
	m.status.ReconnectAttempt = 0
	m.statusSig.Publish(m.status)
	m.openedSig.Publish(m.ctx)
	m.readySig.Publish(true)
}

// HandleError records a failed handshake. Status is left unchanged.
func (m *Machine) HandleError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Warn().Err(err).Msg("connect failed")
	m.transition(Disconnected)
	m.readySig.Publish(false)
}

// HandleClose records the end of an open session.
func (m *Machine) HandleClose(code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transition(Disconnected)
	m.readySig.Publish(false)
	m.status.Connected = false
	m.statusSig.Publish(m.status)
	m.closedSig.Publish(CloseInfo{Code: code, Reason: reason})
}

// HandleReply picks up credentials the binder hands back in a reply's
// request block. It returns the updated context and whether it changed.
func (m *Machine) HandleReply(r protocol.Reply) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	if r.Request.UUID != "" && r.Request.UUID != m.ctx.SessionID {
		m.ctx.SessionID = r.Request.UUID
		changed = true
	}
	if r.Request.Token != "" && r.Request.Token != m.ctx.Token {
		m.ctx.Token = r.Request.Token
		changed = true
	}
	if changed {
		m.logger.Debug().Str("uuid", m.ctx.SessionID).Msg("session context updated")
	}
	return m.ctx, changed
}

// HandleEvent republishes an inbound event on the raw events stream.
func (m *Machine) HandleEvent(ev protocol.Event) {
	m.rawEventsSig.Publish(ev)
}

// NoteReconnectAttempt publishes the attempt number about to be made.
func (m *Machine) NoteReconnectAttempt(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.ReconnectAttempt = n
	m.statusSig.Publish(m.status)
}

// NoteReconnectFailed publishes that the reconnect policy gave up.
func (m *Machine) NoteReconnectFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.ReconnectFailed = true
	m.statusSig.Publish(m.status)
}

func (m *Machine) SetAutoReconnect(enabled bool) {
	m.autoSig.Publish(enabled)
}

func (m *Machine) AutoReconnectEnabled() bool {
	v, _ := m.autoSig.Latest()
	return v
}

// Close ends every stream.
func (m *Machine) Close() {
	m.statusSig.Close()
	m.readySig.Close()
	m.openedSig.Close()
	m.closedSig.Close()
	m.rawEventsSig.Close()
	m.autoSig.Close()
}

// transition must be called with m.mu held.
func (m *Machine) transition(to State) {
	if m.state == to {
		return
	}
	m.logger.Debug().Stringer("from", m.state).Stringer("to", to).Msg("state change")
	m.state = to
	observability.RecordTransition(to.String(), to == Ready)
}
