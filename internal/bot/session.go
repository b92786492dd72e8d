package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/valerybot/valery/internal/assistant"
	"github.com/valerybot/valery/internal/config"
	"github.com/valerybot/valery/internal/models"
	"github.com/valerybot/valery/internal/relay"
	"github.com/valerybot/valery/internal/store"
)

// User-facing notices.
const (
	busyNotice     = "⏳ Please wait for a reply to the previous message, or /cancel it"
	canceledNotice = "✅ Canceled"
	reminderAck    = "⏱ Reminder set"
	placeholder    = "..."
)

// maxReplyChunk is the platform message-length limit applied when a
// blocking reply is chunked.
const maxReplyChunk = 2000

// Coordinator drives one user turn end-to-end: execution lock, keepalive
// typing loop, context trimming, model call, reply delivery and
// persistence. All failures are absorbed here; nothing escapes to crash
// the daemon.
type Coordinator struct {
	cfg     *config.Config
	guard   *Guard
	adapter relay.Adapter
	store   *store.Store
	client  assistant.Client
	counter assistant.TokenCounter
	timers  *TimerRegistry
}

// CoordinatorOpts holds parameters for creating a Coordinator.
type CoordinatorOpts struct {
	Config  *config.Config
	Guard   *Guard
	Adapter relay.Adapter
	Store   *store.Store
	Client  assistant.Client
	Counter assistant.TokenCounter
	Timers  *TimerRegistry
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts CoordinatorOpts) (*Coordinator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: coordinator: config is required")
	}
	if opts.Guard == nil {
		return nil, fmt.Errorf("bot: coordinator: guard is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: coordinator: adapter is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("bot: coordinator: store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("bot: coordinator: client is required")
	}
	if opts.Counter == nil {
		return nil, fmt.Errorf("bot: coordinator: counter is required")
	}
	if opts.Timers == nil {
		return nil, fmt.Errorf("bot: coordinator: timers is required")
	}
	return &Coordinator{
		cfg:     opts.Config,
		guard:   opts.Guard,
		adapter: opts.Adapter,
		store:   opts.Store,
		client:  opts.Client,
		counter: opts.Counter,
		timers:  opts.Timers,
	}, nil
}

// RejectBusy sends the busy notice for an interaction that failed
// admission. The dispatch lock serializes the notice against an in-flight
// final reply so the two can never appear out of order.
func (c *Coordinator) RejectBusy(ctx context.Context, msg relay.Inbound) {
	c.guard.WithDispatch(msg.UserID, func() {
		if _, err := c.adapter.Send(ctx, relay.Outbound{
			ChannelID: msg.ChannelID,
			Text:      busyNotice,
		}); err != nil {
			log.Printf("bot: busy notice for user %s: %v", msg.UserID, err)
		}
	})
}

// HandleTurn runs the full pipeline for one admitted interaction. The
// caller holds the admission token; this method acquires the execution
// lock, races the worker against the keepalive typing loop, and guarantees
// release and keepalive teardown on every exit path.
func (c *Coordinator) HandleTurn(ctx context.Context, msg relay.Inbound, user *models.User) {
	if err := c.guard.LockExec(ctx, msg.UserID); err != nil {
		return
	}
	defer c.guard.UnlockExec(msg.UserID)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.guard.SetCancel(msg.UserID, cancel)
	defer c.guard.ClearCancel(msg.UserID)

	// Keepalive typing loop, raced against the worker. The worker winning
	// the race always cancels the loop via keepCancel.
	keepCtx, keepCancel := context.WithCancel(workerCtx)
	keepDone := make(chan struct{})
	go func() {
		defer close(keepDone)
		c.keepalive(keepCtx, msg.ChannelID)
	}()

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- c.runWorker(workerCtx, msg, user)
	}()

	var err error
	select {
	case err = <-workerErr:
	case <-keepDone:
		// The keepalive loop is unbounded; it only finishes first when the
		// surrounding context died.
		err = workerCtx.Err()
		<-workerErr
	}
	keepCancel()
	<-keepDone

	c.finishTurn(msg, err)
}

// finishTurn maps a worker error onto the user-visible outcome.
func (c *Coordinator) finishTurn(msg relay.Inbound, err error) {
	// Replies here use a fresh context: the worker context is already
	// done on the cancellation path.
	ctx, cancelReply := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelReply()

	switch {
	case err == nil:
		return

	case errors.Is(err, context.Canceled):
		c.sendNotice(ctx, msg.ChannelID, msg.UserID, canceledNotice)

	case errors.Is(err, assistant.ErrContextExceeded):
		c.sendNotice(ctx, msg.ChannelID, msg.UserID,
			"Your message and the assistant prompt do not fit the model context. Try /new to start a fresh dialog.")

	default:
		log.Printf("bot: turn for user %s failed: %v", msg.UserID, err)
		text := "Something went wrong during completion. Please try again."
		if c.cfg.Debug {
			text = fmt.Sprintf("Something went wrong during completion. Reason: [%v]", err)
		}
		c.sendNotice(ctx, msg.ChannelID, msg.UserID, text)
	}
}

// sendNotice delivers a short service notice under the dispatch lock.
func (c *Coordinator) sendNotice(ctx context.Context, channelID, userID, text string) {
	c.guard.WithDispatch(userID, func() {
		if _, err := c.adapter.Send(ctx, relay.Outbound{ChannelID: channelID, Text: text}); err != nil {
			log.Printf("bot: notice for user %s: %v", userID, err)
		}
	})
}

// keepalive shows the typing indicator periodically until cancelled.
func (c *Coordinator) keepalive(ctx context.Context, channelID string) {
	interval := time.Duration(c.cfg.Assistant.TypingIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := c.adapter.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
		log.Printf("bot: typing indicator: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.adapter.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
				log.Printf("bot: typing indicator: %v", err)
			}
		}
	}
}

// runWorker executes the trimming → completion → delivery pipeline.
func (c *Coordinator) runWorker(ctx context.Context, msg relay.Inbound, user *models.User) error {
	mode := c.cfg.Mode(user.ChatMode)
	if mode == nil {
		mode = c.cfg.Mode(c.cfg.DefaultModeKey())
		if mode == nil {
			return fmt.Errorf("bot: no chat mode configured")
		}
	}

	turns, err := c.store.Dialog(user.ID)
	if err != nil {
		return err
	}
	history := make([]assistant.Message, len(turns))
	for i, t := range turns {
		history[i] = assistant.Message{Role: t.Role, Content: t.Content}
	}

	messages, err := assistant.Trim(ctx, c.counter, c.cfg.Assistant.ContextTokens, mode.Prompt, history, msg.Text)
	if err != nil {
		return err
	}

	if c.cfg.Assistant.Streaming && !mode.NoStream {
		return c.streamReply(ctx, msg, user, mode, messages)
	}
	return c.blockingReply(ctx, msg, user, mode, messages)
}

// streamReply drives the streaming path: placeholder, coalesced edits,
// persist-on-sentinel.
func (c *Coordinator) streamReply(ctx context.Context, msg relay.Inbound, user *models.User, mode *config.ChatMode, messages []assistant.Message) error {
	ref, err := c.adapter.Send(ctx, relay.Outbound{ChannelID: msg.ChannelID, Text: placeholder})
	if err != nil {
		return fmt.Errorf("bot: send placeholder: %w", err)
	}

	events, err := c.client.CompleteStream(ctx, messages)
	if err != nil {
		return err
	}

	coalescer := NewCoalescer(
		c.adapter,
		ref,
		c.cfg.Assistant.StreamUpdateChars,
		time.Duration(c.cfg.Assistant.StreamEditDelayMs)*time.Millisecond,
		fragmentEscaper(mode.ParseMode),
		func(fn func()) { c.guard.WithDispatch(msg.UserID, fn) },
	)

	// finalize receives the raw stream text: command detection and
	// persistence must see what the model produced, not the escaped
	// display form.
	var cmd *ReplyCommand
	finalize := func(full string) (string, error) {
		parsed, err := parseReplyCommand(full)
		if err != nil {
			return "", err
		}
		if parsed != nil {
			cmd = parsed
			return reminderAck, nil
		}
		if err := c.store.AppendTurn(user.ID, msg.Text, full); err != nil {
			return "", err
		}
		return full, nil
	}

	_, usage, err := coalescer.Run(ctx, events, finalize)
	if err != nil {
		return err
	}
	if cmd != nil {
		c.applyCommand(msg, cmd)
	}
	if usage != nil {
		if err := c.store.AddTokens(user.ID, usage.TotalTokens); err != nil {
			log.Printf("bot: record usage for user %s: %v", user.ID, err)
		}
	}
	return nil
}

// blockingReply drives the non-streaming path: one completion call, one
// reply send.
func (c *Coordinator) blockingReply(ctx context.Context, msg relay.Inbound, user *models.User, mode *config.ChatMode, messages []assistant.Message) error {
	if err := c.adapter.Typing(ctx, msg.ChannelID); err != nil && ctx.Err() == nil {
		log.Printf("bot: typing indicator: %v", err)
	}

	text, usage, err := c.client.Complete(ctx, messages)
	if err != nil {
		return err
	}

	cmd, err := parseReplyCommand(text)
	if err != nil {
		return err
	}
	if cmd != nil {
		c.applyCommand(msg, cmd)
	} else {
		if err := c.store.AppendTurn(user.ID, msg.Text, text); err != nil {
			return err
		}
		if esc := fragmentEscaper(mode.ParseMode); esc != nil {
			text = esc(text)
		}
		if err := c.sendReply(ctx, msg, text); err != nil {
			return err
		}
	}

	if err := c.store.AddTokens(user.ID, usage.TotalTokens); err != nil {
		log.Printf("bot: record usage for user %s: %v", user.ID, err)
	}
	return nil
}

// applyCommand interprets a structured reply command under the dispatch
// lock. The command replaces the visible reply for the turn.
func (c *Coordinator) applyCommand(msg relay.Inbound, cmd *ReplyCommand) {
	c.guard.WithDispatch(msg.UserID, func() {
		if cmd.Timer != nil {
			after := time.Duration(cmd.Timer.FireInSecs * float64(time.Second))
			c.timers.Schedule(msg.UserID, msg.ChannelID, after, cmd.Timer.Text)
		}
	})
}

// sendReply delivers the final visible reply, chunked for the platform
// limit, under the dispatch lock.
func (c *Coordinator) sendReply(ctx context.Context, msg relay.Inbound, text string) error {
	var sendErr error
	c.guard.WithDispatch(msg.UserID, func() {
		for _, chunk := range chunkMessage(text, maxReplyChunk) {
			if _, err := c.adapter.Send(ctx, relay.Outbound{ChannelID: msg.ChannelID, Text: chunk}); err != nil {
				sendErr = fmt.Errorf("bot: send reply: %w", err)
				return
			}
		}
	})
	return sendErr
}
