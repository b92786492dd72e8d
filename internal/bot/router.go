package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/valerybot/valery/internal/config"
	"github.com/valerybot/valery/internal/models"
	"github.com/valerybot/valery/internal/relay"
	"github.com/valerybot/valery/internal/store"
)

const helpMessage = `Commands:
👉 /start – Get started
👉 /new – Start new dialog
👉 /mode – Select chat mode
👉 /cancel – Cancel pending reply
👉 /help – Show help

🎤 You can send voice messages instead of text`

// Router classifies inbound interactions and drives them through the
// per-user guard: slash commands, menu callbacks, plain text and voice
// transcripts all share the same admission path, so they are mutually
// exclusive per user. Only /cancel bypasses admission.
type Router struct {
	cfg         *config.Config
	guard       *Guard
	store       *store.Store
	coordinator *Coordinator
	adapter     relay.Adapter
	out         io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Config      *config.Config
	Guard       *Guard
	Store       *store.Store
	Coordinator *Coordinator
	Adapter     relay.Adapter
	Out         io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: router: config is required")
	}
	if opts.Guard == nil {
		return nil, fmt.Errorf("bot: router: guard is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("bot: router: store is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("bot: router: coordinator is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: router: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		cfg:         opts.Config,
		guard:       opts.Guard,
		store:       opts.Store,
		coordinator: opts.Coordinator,
		adapter:     opts.Adapter,
		out:         out,
	}, nil
}

// Handle processes one inbound interaction. It returns once the
// interaction has fully resolved (reply sent, notice sent, or ignored).
// The daemon runs each call on its own goroutine so users proceed in
// parallel; the guard serializes per user.
func (r *Router) Handle(ctx context.Context, msg relay.Inbound) {
	text := strings.TrimSpace(msg.Text)
	fmt.Fprintf(r.out, "bot: router: recv [user=%s kind=%s] %q\n",
		msg.UserID, msg.Kind, truncate(text, 80))

	// /cancel bypasses admission: its whole point is to act while another
	// interaction is in flight.
	if msg.Kind == relay.KindText && text == "/cancel" {
		r.handleCancel(ctx, msg)
		return
	}

	user, err := r.store.Register(msg.UserID, r.cfg.DefaultModeKey(), store.Profile{
		Username:  msg.UserName,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
	})
	if err != nil {
		log.Printf("bot: router: register user %s: %v", msg.UserID, err)
		return
	}

	token, admitted := r.guard.Admit(msg.UserID)
	defer token.Release()
	if !admitted {
		fmt.Fprintf(r.out, "bot: router: → busy [user=%s]\n", msg.UserID)
		r.coordinator.RejectBusy(ctx, msg)
		return
	}

	switch msg.Kind {
	case relay.KindCallback:
		r.handleCallback(ctx, msg, user)
	case relay.KindVoice:
		r.handleVoice(ctx, msg, user)
	default:
		if strings.HasPrefix(text, "/") {
			r.handleCommand(ctx, msg, user, text)
			return
		}
		r.coordinator.HandleTurn(ctx, msg, user)
	}
}

// handleCommand dispatches a slash command.
func (r *Router) handleCommand(ctx context.Context, msg relay.Inbound, user *models.User, text string) {
	switch strings.Fields(text)[0] {
	case "/start":
		r.send(ctx, msg.ChannelID, relay.Outbound{
			Text: "Hi there! Pleased to meet you! Feel free to choose a preset or supply your own 🤖\n\n" + helpMessage,
		})
		r.send(ctx, msg.ChannelID, chatModeMenu(r.cfg, 0))

	case "/help":
		r.send(ctx, msg.ChannelID, relay.Outbound{Text: helpMessage})

	case "/new":
		if err := r.store.ClearDialog(user.ID); err != nil {
			log.Printf("bot: router: clear dialog for %s: %v", user.ID, err)
			return
		}
		r.send(ctx, msg.ChannelID, relay.Outbound{Text: "Starting new dialog..."})
		if mode := r.cfg.Mode(user.ChatMode); mode != nil && mode.Welcome != "" {
			r.send(ctx, msg.ChannelID, relay.Outbound{Text: mode.Welcome})
		}

	case "/mode":
		r.send(ctx, msg.ChannelID, chatModeMenu(r.cfg, 0))

	default:
		r.send(ctx, msg.ChannelID, relay.Outbound{Text: "Unknown command.\n\n" + helpMessage})
	}
}

// handleCallback processes a menu selection payload.
func (r *Router) handleCallback(ctx context.Context, msg relay.Inbound, user *models.User) {
	action, arg, ok := strings.Cut(strings.TrimSpace(msg.Text), "|")
	if !ok {
		log.Printf("bot: router: malformed callback %q from user %s", msg.Text, msg.UserID)
		return
	}

	switch action {
	case callbackShowPage:
		page, err := strconv.Atoi(arg)
		if err != nil || page < 0 {
			return
		}
		r.send(ctx, msg.ChannelID, chatModeMenu(r.cfg, page))

	case callbackSetMode:
		mode := r.cfg.Mode(arg)
		if mode == nil {
			log.Printf("bot: router: unknown chat mode %q from user %s", arg, msg.UserID)
			return
		}
		if err := r.store.SetChatMode(user.ID, arg); err != nil {
			log.Printf("bot: router: set chat mode for %s: %v", user.ID, err)
			return
		}
		r.send(ctx, msg.ChannelID, relay.Outbound{Text: mode.Welcome})

	default:
		log.Printf("bot: router: unknown callback action %q from user %s", action, msg.UserID)
	}
}

// handleVoice records the transcription duration and runs the transcript
// through the normal turn pipeline.
func (r *Router) handleVoice(ctx context.Context, msg relay.Inbound, user *models.User) {
	if err := r.store.AddTranscribedSecs(user.ID, msg.VoiceSecs); err != nil {
		log.Printf("bot: router: record transcription for %s: %v", user.ID, err)
	}
	r.send(ctx, msg.ChannelID, relay.Outbound{Text: "🎙️ Got it\n" + msg.Text})
	r.coordinator.HandleTurn(ctx, msg, user)
}

// handleCancel cancels the user's in-flight worker, if any. The
// acknowledgment is sent by the coordinator's cancellation path; here we
// only answer when there was nothing to cancel.
func (r *Router) handleCancel(ctx context.Context, msg relay.Inbound) {
	if r.guard.Cancel(msg.UserID) {
		fmt.Fprintf(r.out, "bot: router: → canceled [user=%s]\n", msg.UserID)
		return
	}
	r.send(ctx, msg.ChannelID, relay.Outbound{Text: "Nothing to cancel."})
}

// send delivers a routed service message, logging failures.
func (r *Router) send(ctx context.Context, channelID string, out relay.Outbound) {
	out.ChannelID = channelID
	if _, err := r.adapter.Send(ctx, out); err != nil {
		log.Printf("bot: router: send: %v", err)
	}
}
