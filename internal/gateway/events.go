package gateway

import (
	"net/http"
	"sync"
	"time"

	"afb-client/internal/events"
	"afb-client/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendQueue     = 256
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{protocol.SubProtocol},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// feed forwards one event subscription to one websocket peer.
type feed struct {
	conn *websocket.Conn
	sub  *events.Subscription
	send chan []byte
	done chan struct{}
	once sync.Once
}

// handleEvents upgrades to a websocket and streams every event matching
// ?name= (default all) as an event frame. Inbound messages are discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = events.Wildcard
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	f := &feed{
		conn: conn,
		sub:  s.backend.Subscribe(name),
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}

	s.feedsMu.Lock()
	s.feeds[f] = true
	s.feedsMu.Unlock()

	s.logger.Debug().Str("event", name).Str("remote", r.RemoteAddr).Msg("event feed opened")

	go s.forward(f)
	go f.writePump()
	go s.readPump(f)
}

// forward encodes subscription events into the send queue. A peer that
// cannot keep up loses events rather than stalling the registry.
func (s *Server) forward(f *feed) {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.sub.C():
			if !ok {
				f.close()
				return
			}
			data, err := protocol.EncodeEvent(ev.Name, ev.Data)
			if err != nil {
				continue
			}
			select {
			case f.send <- data:
			default:
				s.logger.Warn().Str("event", ev.Name).Msg("event feed full, dropping event")
			}
		}
	}
}

func (s *Server) readPump(f *feed) {
	defer s.removeFeed(f)

	f.conn.SetReadDeadline(time.Now().Add(readDeadline))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("event feed read error")
			}
			return
		}
	}
}

func (f *feed) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		f.conn.Close()
	}()

	for {
		select {
		case <-f.done:
			f.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			f.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-f.send:
			f.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := f.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *feed) close() {
	f.once.Do(func() {
		close(f.done)
		f.sub.Close()
	})
}

func (s *Server) removeFeed(f *feed) {
	s.feedsMu.Lock()
	delete(s.feeds, f)
	s.feedsMu.Unlock()

	f.close()
}
