package bot

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valerybot/valery/internal/relay"
)

func newRouterHarness(t *testing.T, client *fakeClient) (*Router, *harness) {
	t.Helper()
	h := newHarness(t, client)
	router, err := NewRouter(RouterOpts{
		Config:      h.cfg,
		Guard:       h.guard,
		Store:       h.store,
		Coordinator: h.coordinator,
		Adapter:     h.adapter,
		Out:         &bytes.Buffer{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return router, h
}

func TestRouterPlainTextRunsTurn(t *testing.T) {
	client := &fakeClient{reply: "Hi!"}
	router, h := newRouterHarness(t, client)

	router.Handle(context.Background(), inboundText("u1", "hello"))

	if client.callCount() != 1 {
		t.Errorf("backend calls = %d", client.callCount())
	}
	last, ok := h.adapter.LastSent()
	if !ok || last.Msg.Text != "Hi!" {
		t.Errorf("reply = %+v", last)
	}
}

func TestRouterRegistersUser(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{reply: "ok"})

	msg := inboundText("u1", "hello")
	msg.UserName = "alice"
	msg.FirstName = "Alice"
	router.Handle(context.Background(), msg)

	user := h.user(t, "u1")
	if user.Username != "alice" || user.FirstName != "Alice" {
		t.Errorf("profile not recorded: %+v", user)
	}
	if user.ChatMode != "assistant" {
		t.Errorf("default mode = %q", user.ChatMode)
	}
}

func TestRouterHelp(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{})
	router.Handle(context.Background(), inboundText("u1", "/help"))

	last, ok := h.adapter.LastSent()
	if !ok || !strings.Contains(last.Msg.Text, "/cancel") {
		t.Errorf("help = %+v", last)
	}
}

func TestRouterStartSendsGreetingAndMenu(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{})
	router.Handle(context.Background(), inboundText("u1", "/start"))

	sent := h.adapter.AllSent()
	if len(sent) != 2 {
		t.Fatalf("expected greeting + menu, got %d messages", len(sent))
	}
	if !strings.Contains(sent[0].Msg.Text, "Pleased to meet you") {
		t.Errorf("greeting = %q", sent[0].Msg.Text)
	}
	if len(sent[1].Msg.Buttons) == 0 {
		t.Error("menu has no buttons")
	}
}

func TestRouterNewClearsDialog(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{})
	h.user(t, "u1")
	if err := h.store.AppendTurn("u1", "q", "a"); err != nil {
		t.Fatal(err)
	}

	router.Handle(context.Background(), inboundText("u1", "/new"))

	turns, err := h.store.Dialog("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Errorf("dialog not cleared: %d turns", len(turns))
	}
	sent := h.adapter.AllSent()
	if len(sent) != 2 {
		t.Fatalf("expected reset notice + welcome, got %d", len(sent))
	}
	if sent[1].Msg.Text != "Hello!" {
		t.Errorf("welcome = %q", sent[1].Msg.Text)
	}
}

func TestRouterUnknownCommand(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{})
	router.Handle(context.Background(), inboundText("u1", "/frobnicate"))

	last, ok := h.adapter.LastSent()
	if !ok || !strings.Contains(last.Msg.Text, "Unknown command") {
		t.Errorf("got %+v", last)
	}
}

func TestRouterModeMenu(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{})
	router.Handle(context.Background(), inboundText("u1", "/mode"))

	last, ok := h.adapter.LastSent()
	if !ok || len(last.Msg.Buttons) != 2 {
		t.Errorf("menu = %+v", last)
	}
}

func TestRouterCallbackSetsMode(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{})
	h.user(t, "u1")
	if err := h.store.AppendTurn("u1", "q", "a"); err != nil {
		t.Fatal(err)
	}

	msg := inboundText("u1", "set_chat_mode|code")
	msg.Kind = relay.KindCallback
	router.Handle(context.Background(), msg)

	user := h.user(t, "u1")
	if user.ChatMode != "code" {
		t.Errorf("mode = %q", user.ChatMode)
	}
	turns, err := h.store.Dialog("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Error("mode switch must clear the dialog")
	}
	last, ok := h.adapter.LastSent()
	if !ok || last.Msg.Text != "Code time" {
		t.Errorf("welcome = %+v", last)
	}
}

func TestRouterCallbackShowsPage(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{})

	msg := inboundText("u1", "show_chat_modes|0")
	msg.Kind = relay.KindCallback
	router.Handle(context.Background(), msg)

	last, ok := h.adapter.LastSent()
	if !ok || len(last.Msg.Buttons) == 0 {
		t.Errorf("expected a menu page, got %+v", last)
	}
}

func TestRouterCallbackUnknownMode(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{})

	msg := inboundText("u1", "set_chat_mode|bogus")
	msg.Kind = relay.KindCallback
	router.Handle(context.Background(), msg)

	if _, ok := h.adapter.LastSent(); ok {
		t.Error("unknown mode should be ignored silently")
	}
	if user := h.user(t, "u1"); user.ChatMode != "assistant" {
		t.Errorf("mode changed to %q", user.ChatMode)
	}
}

func TestRouterVoiceTranscript(t *testing.T) {
	client := &fakeClient{reply: "Noted."}
	router, h := newRouterHarness(t, client)

	msg := inboundText("u1", "buy milk tomorrow")
	msg.Kind = relay.KindVoice
	msg.VoiceSecs = 12.5
	router.Handle(context.Background(), msg)

	sent := h.adapter.AllSent()
	if len(sent) != 2 {
		t.Fatalf("expected transcript echo + reply, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Msg.Text, "buy milk tomorrow") {
		t.Errorf("transcript echo = %q", sent[0].Msg.Text)
	}
	if user := h.user(t, "u1"); user.TranscribedSecs != 12.5 {
		t.Errorf("transcribed secs = %f", user.TranscribedSecs)
	}
}

func TestRouterBusyOverlap(t *testing.T) {
	client := &fakeClient{block: true}
	router, h := newRouterHarness(t, client)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.Handle(context.Background(), inboundText("u1", "first"))
	}()

	// Wait until the worker reached the backend; by then the cancel func
	// is registered and the admission slot is held.
	deadline := time.Now().Add(2 * time.Second)
	for client.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first turn never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	router.Handle(context.Background(), inboundText("u1", "second"))

	last, ok := h.adapter.LastSent()
	if !ok || last.Msg.Text != busyNotice {
		t.Fatalf("expected busy notice, got %+v", last)
	}

	// /cancel frees the first turn.
	router.Handle(context.Background(), inboundText("u1", "/cancel"))
	wg.Wait()

	if client.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", client.callCount())
	}
}

func TestRouterCancelNothing(t *testing.T) {
	router, h := newRouterHarness(t, &fakeClient{})
	router.Handle(context.Background(), inboundText("u1", "/cancel"))

	last, ok := h.adapter.LastSent()
	if !ok || last.Msg.Text != "Nothing to cancel." {
		t.Errorf("got %+v", last)
	}
}

func TestRouterCancelBypassesAdmission(t *testing.T) {
	client := &fakeClient{block: true}
	router, h := newRouterHarness(t, client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		router.Handle(context.Background(), inboundText("u1", "question"))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for client.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("turn never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	router.Handle(context.Background(), inboundText("u1", "/cancel"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not terminate the turn")
	}
	last, ok := h.adapter.LastSent()
	if !ok || last.Msg.Text != canceledNotice {
		t.Errorf("expected cancellation notice, got %+v", last)
	}
}
