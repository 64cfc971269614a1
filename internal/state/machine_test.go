package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"afb-client/internal/protocol"

	"github.com/rs/zerolog"
)

func newMachine() *Machine {
	return NewMachine(false, zerolog.Nop())
}

func TestMachine_Initial(t *testing.T) {
	m := newMachine()
	defer m.Close()

	if m.State() != Disconnected {
		t.Errorf("expected disconnected, got %s", m.State())
	}
	st, ok := m.Status().Latest()
	if !ok || st != (Status{}) {
		t.Errorf("expected zero status replayed, got %+v (ok=%v)", st, ok)
	}
	if _, ok := m.Ready().Latest(); ok {
		t.Error("expected ready to be empty before any handshake")
	}
}

func TestMachine_OpenThenClose(t *testing.T) {
	m := newMachine()
	defer m.Close()

	if !m.BeginConnect() {
		t.Fatal("expected BeginConnect to succeed")
	}
	if m.BeginConnect() {
		t.Error("expected second BeginConnect to report busy")
	}
	if m.State() != Connecting {
		t.Errorf("expected connecting, got %s", m.State())
	}
	if st, _ := m.Status().Latest(); st.Connected {
		t.Error("expected no status change on BeginConnect")
	}

	m.HandleOpen()
	if m.State() != Ready {
		t.Errorf("expected ready, got %s", m.State())
	}
	st, _ := m.Status().Latest()
	if !st.Connected || st.ReconnectFailed {
		t.Errorf("unexpected status after open %+v", st)
	}
	if ready, _ := m.Ready().Latest(); !ready {
		t.Error("expected ready=true")
	}

	m.HandleClose(1006, "connection lost")
	if m.State() != Disconnected {
		t.Errorf("expected disconnected, got %s", m.State())
	}
	if st, _ := m.Status().Latest(); st.Connected {
		t.Error("expected connected=false after close")
	}
	if ready, _ := m.Ready().Latest(); ready {
		t.Error("expected ready=false after close")
	}
}

func TestMachine_HandleErrorKeepsStatus(t *testing.T) {
	m := newMachine()
	defer m.Close()

	sub := m.Status().Subscribe()
	defer sub.Close()
	<-sub.C() // replayed initial

	m.BeginConnect()
	m.HandleError(errors.New("refused"))

	if m.State() != Disconnected {
		t.Errorf("expected disconnected, got %s", m.State())
	}
	if ready, ok := m.Ready().Latest(); !ok || ready {
		t.Error("expected ready=false published")
	}
	select {
	case st := <-sub.C():
		t.Errorf("expected no status publication, got %+v", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMachine_SignalOrderOnOpen(t *testing.T) {
	m := newMachine()
	defer m.Close()

	opened := m.Opened().Subscribe()
	defer opened.Close()
	ready := m.Ready().Subscribe()
	defer ready.Close()

	m.BeginConnect()
	m.SetToken("tok")
	m.HandleOpen()

	select {
	case ctx := <-opened.C():
		if ctx.Token != "tok" {
			t.Errorf("expected token in opened context, got %+v", ctx)
		}
	case <-time.After(time.Second):
		t.Fatal("expected opened notification")
	}
	select {
	case v := <-ready.C():
		if !v {
			t.Error("expected ready=true")
		}
	case <-time.After(time.Second):
		t.Fatal("expected ready notification")
	}
}

func TestMachine_StatusTransitionsInOrder(t *testing.T) {
	m := newMachine()
	defer m.Close()

	sub := m.Status().Subscribe()
	defer sub.Close()

	m.BeginConnect()
	m.HandleOpen()
	m.HandleClose(1006, "")
	m.NoteReconnectAttempt(1)
	m.NoteReconnectAttempt(2)
	m.NoteReconnectFailed()

	want := []Status{
		{},
		{Connected: true},
		{},
		{ReconnectAttempt: 1},
		{ReconnectAttempt: 2},
		{ReconnectAttempt: 2, ReconnectFailed: true},
	}
	for i, w := range want {
		select {
		case got := <-sub.C():
			if got != w {
				t.Errorf("status %d: expected %+v, got %+v", i, w, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("status %d: timed out", i)
		}
	}

	m.BeginConnect()
	m.HandleOpen()
	if st := m.CurrentStatus(); st != (Status{Connected: true}) {
		t.Errorf("expected reconnect counters reset on open, got %+v", st)
	}
}

func TestMachine_ClosedCarriesReason(t *testing.T) {
	m := newMachine()
	defer m.Close()

	closed := m.Closed().Subscribe()
	defer closed.Close()

	m.BeginConnect()
	m.HandleOpen()
	m.HandleClose(1000, "client closed")

	select {
	case info := <-closed.C():
		if info.Code != 1000 || info.Reason != "client closed" {
			t.Errorf("unexpected close info %+v", info)
		}
	case <-time.After(time.Second):
		t.Fatal("expected closed notification")
	}
}

func TestMachine_HandleReplyUpdatesContext(t *testing.T) {
	m := newMachine()
	defer m.Close()
	m.SetToken("initial")

	ctx, changed := m.HandleReply(protocol.Reply{Request: protocol.RequestInfo{UUID: "u-1"}})
	if !changed || ctx.SessionID != "u-1" || ctx.Token != "initial" {
		t.Errorf("unexpected context %+v (changed=%v)", ctx, changed)
	}

	_, changed = m.HandleReply(protocol.Reply{Request: protocol.RequestInfo{UUID: "u-1"}})
	if changed {
		t.Error("expected no change for same uuid")
	}

	ctx, changed = m.HandleReply(protocol.Reply{Request: protocol.RequestInfo{Token: "refreshed"}})
	if !changed || ctx.Token != "refreshed" || ctx.SessionID != "u-1" {
		t.Errorf("unexpected context %+v", ctx)
	}
}

func TestMachine_ReadyGatesWaiters(t *testing.T) {
	m := newMachine()
	defer m.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.Ready().WaitFor(context.Background(), func(b bool) bool { return b })
		done <- err
	}()

	m.BeginConnect()
	m.HandleError(errors.New("refused"))
	select {
	case <-done:
		t.Fatal("waiter released by ready=false")
	case <-time.After(50 * time.Millisecond):
	}

	m.BeginConnect()
	m.HandleOpen()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by ready=true")
	}
}

func TestMachine_AutoReconnect(t *testing.T) {
	m := NewMachine(true, zerolog.Nop())
	defer m.Close()

	if !m.AutoReconnectEnabled() {
		t.Error("expected auto-reconnect enabled")
	}
	m.SetAutoReconnect(false)
	if v, _ := m.AutoReconnect().Latest(); v {
		t.Error("expected auto-reconnect disabled")
	}
}

func TestMachine_RawEvents(t *testing.T) {
	m := newMachine()
	defer m.Close()

	sub := m.RawEvents().Subscribe()
	defer sub.Close()
	m.HandleEvent(protocol.Event{Name: "foo/ping"})

	select {
	case ev := <-sub.C():
		if ev.Name != "foo/ping" {
			t.Errorf("unexpected event %s", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("expected raw event")
	}
}
