// Package afbtest runs an in-process binder speaking x-afb-ws-json1 for tests.
package afbtest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"afb-client/internal/protocol"
	"afb-client/internal/value"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 5 * time.Second
	sendQueueSize = 256
)

// Response describes how the binder answers one call.
type Response struct {
	Status   string // defaults to "success", or "failed" when Error is set
	Info     string
	Response value.Value
	UUID     string
	Token    string
	Error    bool // reply with an error frame
	NoReply  bool // never answer
}

// VerbFunc computes the answer to a call.
type VerbFunc func(call protocol.Call) Response

// Binder is a fake remote side. Create it with New and Close it when done.
type Binder struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	verbs      map[string]VerbFunc
	clients    map[*client]bool
	calls      []protocol.Call
	handshakes []url.Values
	changed    chan struct{}
	reject     bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	binder *Binder
}

// New starts a binder serving /api.
func New() *Binder {
	b := &Binder{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{protocol.SubProtocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		verbs:   make(map[string]VerbFunc),
		clients: make(map[*client]bool),
		changed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api", b.handleWebSocket)
	b.srv = httptest.NewServer(mux)
	return b
}

// URL is the WebSocket base location of the binder.
func (b *Binder) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/api"
}

// HostPort returns the listener address split for SetTarget-style use.
func (b *Binder) HostPort() (host, port string) {
	u, _ := url.Parse(b.srv.URL)
	return u.Hostname(), u.Port()
}

// Handle registers fn for "<api>/<verb>".
func (b *Binder) Handle(method string, fn VerbFunc) {
	b.mu.Lock()
	b.verbs[method] = fn
	b.mu.Unlock()
}

// HandleResponse answers method with a fixed successful response.
func (b *Binder) HandleResponse(method string, response value.Value) {
	b.Handle(method, func(protocol.Call) Response {
		return Response{Response: response}
	})
}

// RejectHandshakes makes subsequent upgrades fail with 403.
func (b *Binder) RejectHandshakes(reject bool) {
	b.mu.Lock()
	b.reject = reject
	b.mu.Unlock()
}

// Emit sends an event frame to every connected client.
func (b *Binder) Emit(name string, data value.Value) {
	frame, err := protocol.EncodeEvent(name, data)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// Calls returns every call received so far.
func (b *Binder) Calls() []protocol.Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// Handshakes returns the query of every accepted upgrade request.
func (b *Binder) Handshakes() []url.Values {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]url.Values, len(b.handshakes))
	copy(out, b.handshakes)
	return out
}

// ClientCount returns the number of connected clients.
func (b *Binder) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// WaitFor polls cond on every state change until it holds or timeout passes.
func (b *Binder) WaitFor(timeout time.Duration, cond func(b *Binder) bool) bool {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		changed := b.changed
		b.mu.Unlock()
		if cond(b) {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return cond(b)
		}
	}
}

// DropClients closes every connection from the server side.
func (b *Binder) DropClients() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// Close drops clients and stops the server.
func (b *Binder) Close() {
	b.DropClients()
	b.srv.Close()
}

// notify must be called with b.mu held.
func (b *Binder) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Binder) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	reject := b.reject
	b.mu.Unlock()
	if reject {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		binder: b,
	}

	b.mu.Lock()
	b.clients[c] = true
	b.handshakes = append(b.handshakes, r.URL.Query())
	b.notify()
	b.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (b *Binder) removeClient(c *client) {
	b.mu.Lock()
	if b.clients[c] {
		delete(b.clients, c)
		close(c.send)
		b.notify()
	}
	b.mu.Unlock()
}

func (c *client) readPump() {
	defer func() {
		c.binder.removeClient(c)
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.binder.handleCall(c, message)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (b *Binder) handleCall(c *client, raw []byte) {
	call, err := protocol.DecodeCall(raw)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.calls = append(b.calls, *call)
	fn, ok := b.verbs[call.Method]
	b.notify()
	b.mu.Unlock()

	var resp Response
	if ok {
		resp = fn(*call)
	} else {
		api, _ := protocol.SplitMethod(call.Method)
		resp = Response{Error: true, Status: "unknown-verb", Info: "verb " + call.Method + " not found in " + api}
	}
	if resp.NoReply {
		return
	}

	status := resp.Status
	if status == "" {
		status = protocol.StatusSuccess
		if resp.Error {
			status = "failed"
		}
	}
	obj := protocol.NewReplyObject(protocol.RequestInfo{
		Status: status,
		Info:   resp.Info,
		UUID:   resp.UUID,
		Token:  resp.Token,
	}, resp.Response)

	frame, err := protocol.EncodeReply(call.ID, !resp.Error, obj)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[c] {
		select {
		case c.send <- frame:
		default:
		}
	}
}
