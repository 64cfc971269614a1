package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"afb-client/internal/afbtest"
	"afb-client/internal/protocol"
	"afb-client/internal/value"

	"github.com/rs/zerolog"
)

const waitTimeout = 3 * time.Second

type recorder struct {
	opened chan struct{}
	errors chan error
	closed chan int
	events chan protocol.Event

	mu      sync.Mutex
	replies []protocol.Reply
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan struct{}, 8),
		errors: make(chan error, 8),
		closed: make(chan int, 8),
		events: make(chan protocol.Event, 8),
	}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnOpen:  func() { r.opened <- struct{}{} },
		OnError: func(err error) { r.errors <- err },
		OnClose: func(code int, reason string) { r.closed <- code },
		OnReply: func(rep protocol.Reply) {
			r.mu.Lock()
			r.replies = append(r.replies, rep)
			r.mu.Unlock()
		},
		OnEvent: func(ev protocol.Event) { r.events <- ev },
	}
}

func openSession(t *testing.T, b *afbtest.Binder, token string) (*Session, *recorder) {
	t.Helper()
	rec := newRecorder()
	s := New(DefaultConfig(), rec.hooks(), zerolog.Nop())

	target, err := ParseTarget(b.URL())
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	if err := s.Configure(target, token); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case <-rec.opened:
	case err := <-rec.errors:
		t.Fatalf("expected open, got error: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for open")
	}
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func TestSession_OpenUnconfigured(t *testing.T) {
	s := New(Config{}, Hooks{}, zerolog.Nop())
	if err := s.Open(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if err := s.SetTarget("localhost", "1234"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured from SetTarget, got %v", err)
	}
}

func TestSession_SendWhileClosed(t *testing.T) {
	s := New(Config{}, Hooks{}, zerolog.Nop())
	_, err := s.Send(context.Background(), "monitor/get", value.EmptyObject())
	if !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestSession_OpenAndCall(t *testing.T) {
	b := afbtest.New()
	defer b.Close()
	b.HandleResponse("hello/ping", value.StringValue("pong"))

	s, rec := openSession(t, b, "tok")
	if !s.IsOpen() {
		t.Fatal("expected session to be open")
	}

	reply, err := s.Send(context.Background(), "hello/ping", value.MustParse(`{"n":1}`))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !reply.OK || reply.IsError() {
		t.Errorf("expected success reply, got %+v", reply)
	}
	if got, _ := reply.Response.Str(); got != "pong" {
		t.Errorf("expected pong, got %q", got)
	}

	calls := b.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Token != "tok" {
		t.Errorf("expected token on call, got %q", calls[0].Token)
	}
	if n, _ := calls[0].Args.Path("n"); !n.Equal(value.IntValue(1)) {
		t.Errorf("expected args to reach binder, got %s", calls[0].Args)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.replies) != 1 {
		t.Errorf("expected OnReply once, got %d", len(rec.replies))
	}
}

func TestSession_HandshakeCarriesCredentials(t *testing.T) {
	b := afbtest.New()
	defer b.Close()

	rec := newRecorder()
	s := New(DefaultConfig(), rec.hooks(), zerolog.Nop())
	target, _ := ParseTarget(b.URL())
	s.Configure(target, "secret")
	s.SetCredentials("secret", "uuid-1")
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	select {
	case <-rec.opened:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for open")
	}

	hs := b.Handshakes()
	if len(hs) != 1 {
		t.Fatalf("expected 1 handshake, got %d", len(hs))
	}
	if hs[0].Get(QueryToken) != "secret" || hs[0].Get(QueryUUID) != "uuid-1" {
		t.Errorf("unexpected handshake query %v", hs[0])
	}
}

func TestSession_ErrorReplyIsNotAnError(t *testing.T) {
	b := afbtest.New()
	defer b.Close()
	b.Handle("hello/fail", func(protocol.Call) afbtest.Response {
		return afbtest.Response{Error: true, Status: "invalid-request", Info: "bad"}
	})

	s, _ := openSession(t, b, "")
	reply, err := s.Send(context.Background(), "hello/fail", value.EmptyObject())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if reply.OK || !reply.IsError() {
		t.Error("expected error reply")
	}
	if reply.Request.Status != "invalid-request" || reply.Request.Info != "bad" {
		t.Errorf("unexpected request block %+v", reply.Request)
	}
}

func TestSession_ConfigureWhileOpen(t *testing.T) {
	b := afbtest.New()
	defer b.Close()

	s, _ := openSession(t, b, "")
	if err := s.Configure(s.Target(), ""); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
	if err := s.SetTarget("elsewhere", "1"); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen from SetTarget, got %v", err)
	}
	if err := s.Open(); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen from Open, got %v", err)
	}
}

func TestSession_CloseRejectsPending(t *testing.T) {
	b := afbtest.New()
	defer b.Close()
	b.Handle("hello/hang", func(protocol.Call) afbtest.Response {
		return afbtest.Response{NoReply: true}
	})

	s, rec := openSession(t, b, "")

	errs := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "hello/hang", value.EmptyObject())
		errs <- err
	}()

	if !b.WaitFor(waitTimeout, func(b *afbtest.Binder) bool { return len(b.Calls()) == 1 }) {
		t.Fatal("call never reached binder")
	}
	s.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("pending call was never resolved")
	}

	select {
	case code := <-rec.closed:
		if code != 1000 {
			t.Errorf("expected close code 1000, got %d", code)
		}
	case <-time.After(waitTimeout):
		t.Fatal("expected OnClose")
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	b := afbtest.New()
	defer b.Close()

	s, rec := openSession(t, b, "")
	s.Close()
	s.Close()

	select {
	case <-rec.closed:
	case <-time.After(waitTimeout):
		t.Fatal("expected OnClose")
	}
	select {
	case <-rec.closed:
		t.Error("expected a single OnClose")
	case <-time.After(100 * time.Millisecond):
	}
	if s.IsOpen() {
		t.Error("expected session closed")
	}
}

func TestSession_RemoteDrop(t *testing.T) {
	b := afbtest.New()
	defer b.Close()

	s, rec := openSession(t, b, "")
	b.DropClients()

	select {
	case code := <-rec.closed:
		if code == 1000 {
			t.Errorf("expected abnormal close code, got %d", code)
		}
	case <-time.After(waitTimeout):
		t.Fatal("expected OnClose after remote drop")
	}
	if s.IsOpen() {
		t.Error("expected session closed")
	}

	// Reopen on the same session.
	if err := s.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	select {
	case <-rec.opened:
	case <-time.After(waitTimeout):
		t.Fatal("expected second open")
	}
}

func TestSession_HandshakeRejected(t *testing.T) {
	b := afbtest.New()
	defer b.Close()
	b.RejectHandshakes(true)

	rec := newRecorder()
	s := New(DefaultConfig(), rec.hooks(), zerolog.Nop())
	target, _ := ParseTarget(b.URL())
	s.Configure(target, "")
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case err := <-rec.errors:
		if !errors.Is(err, ErrConnect) {
			t.Errorf("expected ErrConnect, got %v", err)
		}
	case <-rec.opened:
		t.Fatal("expected handshake to fail")
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for error")
	}
	if s.IsOpen() {
		t.Error("expected session closed")
	}
}

func TestSession_EventsDispatched(t *testing.T) {
	b := afbtest.New()
	defer b.Close()

	_, rec := openSession(t, b, "")
	b.Emit("hello/tick", value.IntValue(7))

	select {
	case ev := <-rec.events:
		if ev.Name != "hello/tick" || ev.API() != "hello" {
			t.Errorf("unexpected event %+v", ev)
		}
		if !ev.Data.Equal(value.IntValue(7)) {
			t.Errorf("expected data 7, got %s", ev.Data)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}
}

func TestSession_SendWithIDDuplicate(t *testing.T) {
	b := afbtest.New()
	defer b.Close()
	b.Handle("hello/hang", func(protocol.Call) afbtest.Response {
		return afbtest.Response{NoReply: true}
	})

	s, _ := openSession(t, b, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.SendWithID(ctx, "42", "hello/hang", value.EmptyObject())

	if !b.WaitFor(waitTimeout, func(b *afbtest.Binder) bool { return len(b.Calls()) == 1 }) {
		t.Fatal("call never reached binder")
	}
	_, err := s.SendWithID(context.Background(), "42", "hello/hang", value.EmptyObject())
	if !errors.Is(err, ErrDuplicateCallID) {
		t.Errorf("expected ErrDuplicateCallID, got %v", err)
	}
}

func TestSession_ContextCancel(t *testing.T) {
	b := afbtest.New()
	defer b.Close()
	b.Handle("hello/hang", func(protocol.Call) afbtest.Response {
		return afbtest.Response{NoReply: true}
	})

	s, _ := openSession(t, b, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, "hello/hang", value.EmptyObject())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestNextCallID_SkipsPendingAndWraps(t *testing.T) {
	s := New(Config{}, Hooks{}, zerolog.Nop())
	s.counter = callIDMask - 1
	s.pending["4095"] = make(chan result, 1)

	id, err := s.nextCallID()
	if err != nil {
		t.Fatal(err)
	}
	if id != "0" {
		t.Errorf("expected wrap to 0 skipping 4095, got %s", id)
	}
}

func TestNextCallID_StartsAtOne(t *testing.T) {
	s := New(Config{}, Hooks{}, zerolog.Nop())
	if id, _ := s.nextCallID(); id != "1" {
		t.Errorf("expected first id 1, got %s", id)
	}
}
