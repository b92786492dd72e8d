// Package relay defines the chat-platform boundary: inbound interactions
// and outbound delivery with in-place message edits.
package relay

import (
	"context"
	"errors"
	"time"
)

// ErrUnmodified is returned by Edit when the platform rejects an edit
// because the content is identical to the current message. Callers treat
// it as a successful no-op.
var ErrUnmodified = errors.New("relay: message not modified")

// Interaction kinds.
const (
	KindText     = "text"     // plain chat message
	KindCallback = "callback" // structured selection (menu button press)
	KindVoice    = "voice"    // pre-transcribed voice message
)

// Adapter is the interface that platform-specific implementations must
// satisfy. Each adapter handles connection management and message I/O for
// a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound interactions. The channel is
	// closed when the context is cancelled or the adapter is closed.
	// Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Inbound, error)

	// Send delivers a new outbound message and returns a reference that
	// can be edited later.
	Send(ctx context.Context, msg Outbound) (MessageRef, error)

	// Edit replaces the text of a previously sent message. Returns
	// ErrUnmodified when the platform reports identical content.
	Edit(ctx context.Context, ref MessageRef, text string) error

	// Typing shows a transient typing indicator in the channel.
	Typing(ctx context.Context, channelID string) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Inbound represents one interaction received from the chat platform.
type Inbound struct {
	Platform  string    // e.g. "discord", "slack"
	Kind      string    // KindText, KindCallback or KindVoice
	ChannelID string    // platform-specific channel identifier
	UserID    string    // platform-specific user identifier
	UserName  string    // human-readable username
	FirstName string    // profile first name, if the platform provides one
	LastName  string    // profile last name, if the platform provides one
	Text      string    // message text, callback payload, or transcript
	// VoiceSecs is the transcribed audio duration for KindVoice.
	VoiceSecs float64
	Timestamp time.Time
}

// Outbound represents a message to be sent to the chat platform.
type Outbound struct {
	ChannelID string
	Text      string
	// Buttons, when present, render as an interactive selection; pressing
	// one arrives back as a KindCallback Inbound carrying the button Data.
	Buttons []Button
}

// Button is one interactive menu option.
type Button struct {
	Label string
	Data  string
}

// MessageRef identifies a sent message for later edits.
type MessageRef struct {
	ChannelID string
	MessageID string
}
