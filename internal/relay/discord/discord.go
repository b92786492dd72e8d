// Package discord implements the relay Adapter for Discord using the
// Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/valerybot/valery/internal/relay"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements relay.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess      session
	botToken  string
	mu        sync.Mutex
	connected bool
	closed    bool
	botUserID string
	inbound   chan relay.Inbound
	removes   []func()
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:     opts.Session,
		botToken: opts.BotToken,
		inbound:  make(chan relay.Inbound, 100),
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection and
// registers the message and interaction handlers.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
		a.sess = &realSession{s: dg}
	}

	a.removes = append(a.removes,
		a.sess.AddHandler(a.onReady),
		a.sess.AddHandler(a.onMessageCreate),
		a.sess.AddHandler(a.onInteractionCreate),
	)

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen returns the inbound channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Inbound, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	return a.inbound, nil
}

// Send delivers an outbound message. Buttons render as a component row.
func (a *Adapter) Send(ctx context.Context, msg relay.Outbound) (relay.MessageRef, error) {
	var (
		sent *discordgo.Message
		err  error
	)
	if len(msg.Buttons) > 0 {
		row := discordgo.ActionsRow{}
		for _, b := range msg.Buttons {
			row.Components = append(row.Components, discordgo.Button{
				Label:    b.Label,
				Style:    discordgo.SecondaryButton,
				CustomID: b.Data,
			})
		}
		sent, err = a.sess.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
			Content:    msg.Text,
			Components: []discordgo.MessageComponent{row},
		}, discordgo.WithContext(ctx))
	} else {
		sent, err = a.sess.ChannelMessageSend(msg.ChannelID, msg.Text, discordgo.WithContext(ctx))
	}
	if err != nil {
		return relay.MessageRef{}, fmt.Errorf("discord: send: %w", err)
	}
	return relay.MessageRef{ChannelID: msg.ChannelID, MessageID: sent.ID}, nil
}

// Edit replaces the text of a previously sent message.
func (a *Adapter) Edit(ctx context.Context, ref relay.MessageRef, text string) error {
	_, err := a.sess.ChannelMessageEdit(ref.ChannelID, ref.MessageID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: edit: %w", err)
	}
	return nil
}

// Typing shows the typing indicator in the channel.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	if err := a.sess.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: typing: %w", err)
	}
	return nil
}

// Close shuts down the gateway connection and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, rm := range a.removes {
		rm()
	}
	close(a.inbound)
	if a.sess != nil {
		if err := a.sess.Close(); err != nil {
			return fmt.Errorf("discord: close: %w", err)
		}
	}
	return nil
}

// onReady captures the bot's own user ID for self-message filtering.
func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botUserID = r.User.ID
	a.mu.Unlock()
	log.Printf("discord: ready as %s", r.User.Username)
}

// onMessageCreate converts gateway messages into inbound interactions.
func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	a.mu.Lock()
	self := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed || m.Author == nil || m.Author.Bot || m.Author.ID == self {
		return
	}

	a.deliver(relay.Inbound{
		Platform:  "discord",
		Kind:      relay.KindText,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: m.Timestamp,
	})
}

// onInteractionCreate converts component button presses into callback
// interactions. The interaction is acknowledged with a deferred update so
// Discord does not show a failure to the user.
func (a *Adapter) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	if err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		log.Printf("discord: ack interaction: %v", err)
	}

	a.deliver(relay.Inbound{
		Platform:  "discord",
		Kind:      relay.KindCallback,
		ChannelID: i.ChannelID,
		UserID:    user.ID,
		UserName:  user.Username,
		Text:      i.MessageComponentData().CustomID,
		Timestamp: time.Now(),
	})
}

// deliver pushes an interaction to the inbound channel, dropping it when
// the consumer is too far behind.
func (a *Adapter) deliver(msg relay.Inbound) {
	select {
	case a.inbound <- msg:
	default:
		log.Printf("discord: inbound channel full, dropping message from %s", msg.UserID)
	}
}
