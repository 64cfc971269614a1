package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"afb-client/internal/discovery"
	"afb-client/internal/events"
	"afb-client/internal/protocol"
	"afb-client/internal/rpc"
	"afb-client/internal/state"
	"afb-client/internal/value"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type fakeBackend struct {
	registry *events.Registry
	status   state.Status

	mu       sync.Mutex
	verbs    []string
	args     []string
	invoke   func(ctx context.Context, verb string) (protocol.Reply, error)
	apisErr  error
	panicked bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		registry: events.NewRegistry(zerolog.Nop()),
		status:   state.Status{Connected: true},
	}
}

func (b *fakeBackend) CurrentStatus() state.Status { return b.status }

func (b *fakeBackend) State() state.State {
	if b.status.Connected {
		return state.Ready
	}
	return state.Disconnected
}

func (b *fakeBackend) Target() string { return "ws://binder:1234/api" }

func (b *fakeBackend) Invoke(ctx context.Context, verb string, args any, opts ...rpc.CallOption) (protocol.Reply, error) {
	b.mu.Lock()
	b.verbs = append(b.verbs, verb)
	if raw, ok := args.([]byte); ok {
		b.args = append(b.args, string(raw))
	}
	invoke := b.invoke
	b.mu.Unlock()

	if invoke != nil {
		return invoke(ctx, verb)
	}
	return successReply(`{"echo":true}`), nil
}

func (b *fakeBackend) Subscribe(name string) *events.Subscription {
	return b.registry.Subscribe(name)
}

func (b *fakeBackend) ListAPIs(ctx context.Context) ([]string, error) {
	if b.panicked {
		panic("boom")
	}
	if b.apisErr != nil {
		return nil, b.apisErr
	}
	return []string{"hello", "helloworld-event"}, nil
}

func (b *fakeBackend) DiscoverAPIs(ctx context.Context) ([]discovery.API, error) {
	return []discovery.API{{
		API:     "hello",
		Title:   "Hello",
		Version: "1.0",
		Verbs:   []discovery.Verb{{Verb: "ping", Description: "ping the binder"}},
	}}, nil
}

func (b *fakeBackend) ListAPIInfos(ctx context.Context) (discovery.InfoResult, error) {
	return discovery.InfoResult{
		Infos:   []discovery.APIInfo{{API: "hello", Info: value.MustParse(`{"name":"hello"}`)}},
		Missing: []string{"mute"},
	}, nil
}

func successReply(response string) protocol.Reply {
	raw := protocol.NewReplyObject(protocol.RequestInfo{Status: protocol.StatusSuccess}, value.MustParse(response))
	return protocol.Reply{OK: true, Request: protocol.RequestInfo{Status: protocol.StatusSuccess}, Raw: raw}
}

func newTestServer() (*Server, *fakeBackend) {
	b := newFakeBackend()
	return New(b, 0, zerolog.Nop()), b
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	srv, b := newTestServer()
	h := srv.Handler()

	w := serve(t, h, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp healthResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Connected || resp.State != "ready" || resp.Target != "ws://binder:1234/api" {
		t.Errorf("unexpected health %+v", resp)
	}

	b.status = state.Status{ReconnectAttempt: 3}
	w = serve(t, h, "GET", "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while disconnected, got %d", w.Code)
	}
}

func TestServer_ListAPIs(t *testing.T) {
	srv, _ := newTestServer()
	w := serve(t, srv.Handler(), "GET", "/apis", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		APIs []string `json:"apis"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.APIs) != 2 || resp.APIs[0] != "hello" {
		t.Errorf("unexpected apis %v", resp.APIs)
	}
}

func TestServer_DiscoverAndInfos(t *testing.T) {
	srv, _ := newTestServer()
	h := srv.Handler()

	w := serve(t, h, "GET", "/apis/discover", "")
	if !strings.Contains(w.Body.String(), `"verb":"ping"`) {
		t.Errorf("unexpected discover body %s", w.Body.String())
	}

	w = serve(t, h, "GET", "/apis/infos", "")
	body := w.Body.String()
	if !strings.Contains(body, `"info":{"name":"hello"}`) || !strings.Contains(body, `"missing":["mute"]`) {
		t.Errorf("unexpected infos body %s", body)
	}
}

func TestServer_CallForwardsVerbAndBody(t *testing.T) {
	srv, b := newTestServer()
	w := serve(t, srv.Handler(), "POST", "/call/hello/ping", `{"count":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if b.verbs[0] != "hello/ping" || b.args[0] != `{"count":2}` {
		t.Errorf("unexpected invocation %v %v", b.verbs, b.args)
	}
	got := value.MustParse(w.Body.String())
	if resp, _ := got.Get("response"); resp.String() != `{"echo":true}` {
		t.Errorf("expected raw reply object, got %s", w.Body.String())
	}
}

func TestServer_CallErrorReplyIsOK(t *testing.T) {
	srv, b := newTestServer()
	b.invoke = func(ctx context.Context, verb string) (protocol.Reply, error) {
		return protocol.NewFailureReply("unknown-verb", "no such verb"), nil
	}
	w := serve(t, srv.Handler(), "POST", "/call/hello/nope", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for error reply, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"unknown-verb"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestServer_CallTimeout(t *testing.T) {
	srv, b := newTestServer()
	b.invoke = func(ctx context.Context, verb string) (protocol.Reply, error) {
		<-ctx.Done()
		return protocol.Reply{}, fmt.Errorf("%w: %w", rpc.ErrCancelled, ctx.Err())
	}
	w := serve(t, srv.Handler(), "POST", "/call/hello/slow?timeout=20ms", "")
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", w.Code)
	}
}

func TestServer_CallBadTimeout(t *testing.T) {
	srv, b := newTestServer()
	w := serve(t, srv.Handler(), "POST", "/call/hello/ping?timeout=soon", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if len(b.verbs) != 0 {
		t.Error("expected no invocation")
	}
}

func TestServer_CallCancelled(t *testing.T) {
	srv, b := newTestServer()
	b.invoke = func(ctx context.Context, verb string) (protocol.Reply, error) {
		return protocol.Reply{}, fmt.Errorf("%w: session closed", rpc.ErrCancelled)
	}
	w := serve(t, srv.Handler(), "POST", "/call/hello/ping", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
	var resp errorResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.RequestID == "" || !strings.Contains(resp.Error, "session closed") {
		t.Errorf("unexpected error body %+v", resp)
	}
}

func TestServer_BackendErrorIsBadGateway(t *testing.T) {
	srv, b := newTestServer()
	b.apisErr = errors.New("introspection call failed")
	w := serve(t, srv.Handler(), "GET", "/apis", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

func TestServer_RecoversPanics(t *testing.T) {
	srv, b := newTestServer()
	b.panicked = true
	w := serve(t, srv.Handler(), "GET", "/apis", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestServer_RequestID(t *testing.T) {
	srv, _ := newTestServer()
	h := srv.Handler()

	w := serve(t, h, "GET", "/health", "")
	if id := w.Header().Get("X-Request-Id"); len(id) != 8 {
		t.Errorf("expected generated request id, got %q", id)
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-Id", "caller-1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if id := w.Header().Get("X-Request-Id"); id != "caller-1" {
		t.Errorf("expected caller request id kept, got %q", id)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer()
	w := serve(t, srv.Handler(), "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer()
	w := serve(t, srv.Handler(), "OPTIONS", "/call/hello/ping", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for OPTIONS, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func dialEvents(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, b *fakeBackend, name string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.registry.Count(name) != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers for %s, got %d", want, name, b.registry.Count(name))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_EventFeed(t *testing.T) {
	srv, b := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts, "?name=hello/tick")
	waitSubscribers(t, b, "hello/tick", 1)

	b.registry.Dispatch(protocol.Event{Name: "hello/other", Data: value.IntValue(0)})
	b.registry.Dispatch(protocol.Event{Name: "hello/tick", Data: value.IntValue(7)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Event == nil || frame.Event.Name != "hello/tick" {
		t.Fatalf("expected hello/tick event, got %s", data)
	}
	if n, _ := frame.Event.Data.Int(); n != 7 {
		t.Errorf("expected data 7, got %s", frame.Event.Data)
	}
}

func TestServer_EventFeedReleasedOnDisconnect(t *testing.T) {
	srv, b := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts, "")
	waitSubscribers(t, b, events.Wildcard, 1)
	if srv.FeedCount() != 1 {
		t.Errorf("expected 1 feed, got %d", srv.FeedCount())
	}

	conn.Close()
	waitSubscribers(t, b, events.Wildcard, 0)
}

func TestServer_ShutdownClosesFeeds(t *testing.T) {
	srv, b := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts, "?name=hello")
	waitSubscribers(t, b, "hello", 1)

	srv.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	waitSubscribers(t, b, "hello", 0)
}
