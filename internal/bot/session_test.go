package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valerybot/valery/internal/assistant"
	"github.com/valerybot/valery/internal/config"
	"github.com/valerybot/valery/internal/models"
	"github.com/valerybot/valery/internal/relay"
	"github.com/valerybot/valery/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeClient is a scripted assistant backend.
type fakeClient struct {
	mu sync.Mutex
	// reply and usage are returned by Complete; err wins when set.
	reply string
	usage assistant.Usage
	err   error
	// stream, when non-nil, is returned by CompleteStream.
	stream []assistant.StreamEvent
	// block, when set, makes Complete wait for ctx cancellation.
	block bool
	calls int
}

func (f *fakeClient) Complete(ctx context.Context, _ []assistant.Message) (string, assistant.Usage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", assistant.Usage{}, ctx.Err()
	}
	if f.err != nil {
		return "", assistant.Usage{}, f.err
	}
	return f.reply, f.usage, nil
}

func (f *fakeClient) CompleteStream(ctx context.Context, _ []assistant.Message) (<-chan assistant.StreamEvent, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan assistant.StreamEvent, len(f.stream))
	for _, ev := range f.stream {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	cfg         *config.Config
	guard       *Guard
	adapter     *relay.Mock
	store       *store.Store
	client      *fakeClient
	timers      *TimerRegistry
	coordinator *Coordinator
}

func sessionConfig() *config.Config {
	return &config.Config{
		Platform: "discord",
		Assistant: config.AssistantConfig{
			ContextTokens:     1000,
			StreamUpdateChars: 80,
			StreamEditDelayMs: 1,
			TypingIntervalSec: 1,
		},
		Menu: config.MenuConfig{ModesPerPage: 5},
		ChatModes: []config.ChatMode{
			{Key: "assistant", Name: "Assistant", Welcome: "Hello!", Prompt: "You are helpful.", ParseMode: "plain"},
			{Key: "code", Name: "Code", Welcome: "Code time", Prompt: "You write code.", ParseMode: "markdown", NoStream: true},
		},
	}
}

func newHarness(t *testing.T, client *fakeClient) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.DialogTurn{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}

	mock := relay.NewMock()
	if err := mock.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg := sessionConfig()
	guard := NewGuard()
	timers := NewTimerRegistry(mock, guard)
	t.Cleanup(timers.Stop)

	coordinator, err := NewCoordinator(CoordinatorOpts{
		Config:  cfg,
		Guard:   guard,
		Adapter: mock,
		Store:   st,
		Client:  client,
		Counter: staticCounter{},
		Timers:  timers,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &harness{
		cfg:         cfg,
		guard:       guard,
		adapter:     mock,
		store:       st,
		client:      client,
		timers:      timers,
		coordinator: coordinator,
	}
}

// staticCounter counts one token per rune, keeping trim deterministic.
type staticCounter struct{}

func (staticCounter) Count(_ context.Context, text string) (int, error) {
	return len([]rune(text)), nil
}

func (h *harness) user(t *testing.T, id string) *models.User {
	t.Helper()
	user, err := h.store.GetUser(id, h.cfg.DefaultModeKey())
	if err != nil {
		t.Fatal(err)
	}
	return user
}

func inboundText(userID, text string) relay.Inbound {
	return relay.Inbound{
		Platform:  "discord",
		Kind:      relay.KindText,
		ChannelID: "c1",
		UserID:    userID,
		Text:      text,
	}
}

func TestHandleTurnBlockingReply(t *testing.T) {
	client := &fakeClient{reply: "The answer is 42.", usage: assistant.Usage{TotalTokens: 7}}
	h := newHarness(t, client)
	user := h.user(t, "u1")

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "What is the answer?"), user)

	sent := h.adapter.AllSent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reply, got %d: %+v", len(sent), sent)
	}
	if sent[0].Msg.Text != "The answer is 42." {
		t.Errorf("reply = %q", sent[0].Msg.Text)
	}

	turns, err := h.store.Dialog("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected a persisted pair, got %d turns", len(turns))
	}
	if turns[0].Content != "What is the answer?" || turns[1].Content != "The answer is 42." {
		t.Errorf("persisted pair = %q / %q", turns[0].Content, turns[1].Content)
	}

	u := h.user(t, "u1")
	if u.TotalTokens != 7 {
		t.Errorf("token counter = %d", u.TotalTokens)
	}
}

func TestHandleTurnStreamingReply(t *testing.T) {
	client := &fakeClient{stream: []assistant.StreamEvent{
		{Type: assistant.EventDelta, Text: "Hel"},
		{Type: assistant.EventDelta, Text: "lo!"},
		{Type: assistant.EventDone, Usage: &assistant.Usage{TotalTokens: 5}},
	}}
	h := newHarness(t, client)
	h.cfg.Assistant.Streaming = true
	user := h.user(t, "u1")

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "hi"), user)

	sent := h.adapter.AllSent()
	if len(sent) != 1 || sent[0].Msg.Text != placeholder {
		t.Fatalf("expected one placeholder send, got %+v", sent)
	}
	edits := h.adapter.AllEdits()
	if len(edits) == 0 {
		t.Fatal("expected edits of the placeholder")
	}
	if edits[len(edits)-1].Text != "Hello!" {
		t.Errorf("final edit = %q", edits[len(edits)-1].Text)
	}

	turns, err := h.store.Dialog("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[1].Content != "Hello!" {
		t.Fatalf("persisted turns = %+v", turns)
	}
	if u := h.user(t, "u1"); u.TotalTokens != 5 {
		t.Errorf("token counter = %d", u.TotalTokens)
	}
}

func TestHandleTurnNoStreamModeUsesBlocking(t *testing.T) {
	client := &fakeClient{reply: "code here"}
	h := newHarness(t, client)
	h.cfg.Assistant.Streaming = true
	user := h.user(t, "u1")
	if err := h.store.SetChatMode("u1", "code"); err != nil {
		t.Fatal(err)
	}
	user.ChatMode = "code"

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "write code"), user)

	if len(h.adapter.AllEdits()) != 0 {
		t.Error("no_stream mode must not stream-edit")
	}
	sent := h.adapter.AllSent()
	if len(sent) != 1 || sent[0].Msg.Text != "code here" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandleTurnCancellation(t *testing.T) {
	client := &fakeClient{block: true}
	h := newHarness(t, client)
	user := h.user(t, "u1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coordinator.HandleTurn(context.Background(), inboundText("u1", "slow question"), user)
	}()

	// Wait until the worker registered its cancel func, then cancel.
	deadline := time.Now().Add(2 * time.Second)
	for !h.guard.Cancel("u1") {
		if time.Now().After(deadline) {
			t.Fatal("worker never registered a cancel func")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleTurn did not return after cancellation")
	}

	last, ok := h.adapter.LastSent()
	if !ok || last.Msg.Text != canceledNotice {
		t.Errorf("expected cancellation notice, got %+v", last)
	}
	turns, err := h.store.Dialog("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Errorf("cancelled turn must not persist, got %d turns", len(turns))
	}

	// The execution lock must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.guard.LockExec(ctx, "u1"); err != nil {
		t.Errorf("execution lock leaked: %v", err)
	}
	h.guard.UnlockExec("u1")
}

func TestHandleTurnContextExceeded(t *testing.T) {
	client := &fakeClient{reply: "unreachable"}
	h := newHarness(t, client)
	h.cfg.Assistant.ContextTokens = 5 // prompt alone exceeds this
	user := h.user(t, "u1")

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "hello there"), user)

	if client.callCount() != 0 {
		t.Error("backend must not be called when the budget is exceeded")
	}
	last, ok := h.adapter.LastSent()
	if !ok || !strings.Contains(last.Msg.Text, "/new") {
		t.Errorf("expected budget-exceeded notice, got %+v", last)
	}
}

func TestHandleTurnBackendFailure(t *testing.T) {
	client := &fakeClient{err: errors.New("backend down")}
	h := newHarness(t, client)
	user := h.user(t, "u1")

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "hi"), user)

	last, ok := h.adapter.LastSent()
	if !ok || !strings.Contains(last.Msg.Text, "Something went wrong") {
		t.Errorf("expected failure notice, got %+v", last)
	}
	if strings.Contains(last.Msg.Text, "backend down") {
		t.Error("error detail must not leak without debug mode")
	}
}

func TestHandleTurnBackendFailureDebug(t *testing.T) {
	client := &fakeClient{err: errors.New("backend down")}
	h := newHarness(t, client)
	h.cfg.Debug = true
	user := h.user(t, "u1")

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "hi"), user)

	last, ok := h.adapter.LastSent()
	if !ok || !strings.Contains(last.Msg.Text, "backend down") {
		t.Errorf("debug mode should include the reason, got %+v", last)
	}
}

func TestHandleTurnTimerCommand(t *testing.T) {
	client := &fakeClient{reply: `!cmd {"timer": {"fire_in": 3600, "text": "stand up"}}`}
	h := newHarness(t, client)
	user := h.user(t, "u1")

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "remind me in an hour"), user)

	if h.timers.Pending() != 1 {
		t.Errorf("pending timers = %d", h.timers.Pending())
	}
	// The raw command must not be sent or persisted.
	for _, s := range h.adapter.AllSent() {
		if strings.Contains(s.Msg.Text, "!cmd") {
			t.Errorf("raw command leaked: %q", s.Msg.Text)
		}
	}
	turns, err := h.store.Dialog("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Errorf("command turn must not persist, got %d turns", len(turns))
	}
}

func TestHandleTurnTimerCommandStreaming(t *testing.T) {
	client := &fakeClient{stream: []assistant.StreamEvent{
		{Type: assistant.EventDelta, Text: `!cmd {"timer": {"fire_in": 60, "text": "tea"}}`},
		{Type: assistant.EventDone},
	}}
	h := newHarness(t, client)
	h.cfg.Assistant.Streaming = true
	user := h.user(t, "u1")

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "tea in a minute"), user)

	if h.timers.Pending() != 1 {
		t.Errorf("pending timers = %d", h.timers.Pending())
	}
	edits := h.adapter.AllEdits()
	if len(edits) == 0 {
		t.Fatal("expected the placeholder to be edited")
	}
	if edits[len(edits)-1].Text != reminderAck {
		t.Errorf("final edit = %q, want acknowledgment", edits[len(edits)-1].Text)
	}
	turns, err := h.store.Dialog("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Errorf("command turn must not persist, got %d turns", len(turns))
	}
}

func TestHandleTurnTimerCommandStreamingMarkdown(t *testing.T) {
	// Escaping is display-only: a streamed command in a markdown mode must
	// still be recognized and intercepted.
	client := &fakeClient{stream: []assistant.StreamEvent{
		{Type: assistant.EventDelta, Text: `!cmd {"timer": `},
		{Type: assistant.EventDelta, Text: `{"fire_in": 60, "text": "tea"}}`},
		{Type: assistant.EventDone},
	}}
	h := newHarness(t, client)
	h.cfg.Assistant.Streaming = true
	h.cfg.ChatModes = append(h.cfg.ChatModes, config.ChatMode{
		Key: "notes", Name: "Notes", Welcome: "Notes!", Prompt: "You take notes.", ParseMode: "markdown",
	})
	user := h.user(t, "u1")
	if err := h.store.SetChatMode("u1", "notes"); err != nil {
		t.Fatal(err)
	}
	user.ChatMode = "notes"

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "tea in a minute"), user)

	if h.timers.Pending() != 1 {
		t.Errorf("pending timers = %d", h.timers.Pending())
	}
	edits := h.adapter.AllEdits()
	if len(edits) == 0 {
		t.Fatal("expected the placeholder to be edited")
	}
	if edits[len(edits)-1].Text != reminderAck {
		t.Errorf("final edit = %q, want acknowledgment", edits[len(edits)-1].Text)
	}
	turns, err := h.store.Dialog("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Errorf("command turn must not persist, got %d turns", len(turns))
	}
}

func TestRejectBusySendsNotice(t *testing.T) {
	h := newHarness(t, &fakeClient{})
	h.coordinator.RejectBusy(context.Background(), inboundText("u1", "again"))

	last, ok := h.adapter.LastSent()
	if !ok || last.Msg.Text != busyNotice {
		t.Errorf("expected busy notice, got %+v", last)
	}
}

func TestHandleTurnKeepaliveTyping(t *testing.T) {
	client := &fakeClient{reply: "ok"}
	h := newHarness(t, client)
	user := h.user(t, "u1")

	h.coordinator.HandleTurn(context.Background(), inboundText("u1", "hi"), user)

	// The keepalive loop fires immediately on start; the blocking path
	// adds one more.
	if h.adapter.TypingCount() < 1 {
		t.Error("expected at least one typing indicator")
	}
}
