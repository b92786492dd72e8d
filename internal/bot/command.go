package bot

import (
	"encoding/json"
	"fmt"
	"strings"
)

// replyCommandPrefix marks a model reply that encodes a structured command
// instead of ordinary text. The prefix is followed by a single JSON object.
const replyCommandPrefix = "!cmd "

// TimerCommand asks the bot to schedule a one-shot reminder.
type TimerCommand struct {
	FireInSecs float64 `json:"fire_in"`
	Text       string  `json:"text"`
}

// ReplyCommand is the tagged decoding of a structured model reply.
// Exactly one field is non-nil for a valid command.
type ReplyCommand struct {
	Timer *TimerCommand `json:"timer"`
}

// parseReplyCommand detects and decodes a structured command reply.
// Returns (nil, nil) when the reply is ordinary text. A reply that carries
// the prefix but fails to decode, or decodes to no recognized command, is
// an error — it must not leak to the user as a visible reply.
func parseReplyCommand(text string) (*ReplyCommand, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, strings.TrimSpace(replyCommandPrefix)) {
		return nil, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, strings.TrimSpace(replyCommandPrefix)))

	var cmd ReplyCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return nil, fmt.Errorf("bot: decode reply command: %w", err)
	}
	if cmd.Timer == nil {
		return nil, fmt.Errorf("bot: reply command has no recognized key")
	}
	if cmd.Timer.FireInSecs <= 0 {
		return nil, fmt.Errorf("bot: timer command: fire_in must be positive, got %v", cmd.Timer.FireInSecs)
	}
	return &cmd, nil
}
