package assistant

import (
	"context"
	"errors"
	"fmt"
)

// ErrContextExceeded means the system prompt and the new message alone do
// not fit the token budget. No partial inclusion is attempted.
var ErrContextExceeded = errors.New("assistant: prompt and message exceed context budget")

// ErrMalformedDialog means the stored history is not a strict sequence of
// user→assistant pairs. The store only appends whole pairs, so this fires
// only when rows were edited out-of-band.
var ErrMalformedDialog = errors.New("assistant: dialog history is not paired user/assistant turns")

// TokenCounter is the external token-count oracle boundary.
type TokenCounter interface {
	Count(ctx context.Context, text string) (int, error)
}

// Trim selects the longest history suffix, in whole user→assistant pairs,
// that fits the token budget alongside the system prompt and the new
// message, and returns the message sequence to submit:
//
//	[system] + included pairs (oldest first) + [user newMessage]
//
// Pairs are atomic: the first pair (walking backward from the most recent)
// that does not fit stops inclusion, and no partial pair is ever taken.
func Trim(ctx context.Context, counter TokenCounter, budget int, prompt string, history []Message, newMessage string) ([]Message, error) {
	if err := checkPairing(history); err != nil {
		return nil, err
	}

	promptCost, err := counter.Count(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("assistant: count prompt: %w", err)
	}
	messageCost, err := counter.Count(ctx, newMessage)
	if err != nil {
		return nil, fmt.Errorf("assistant: count message: %w", err)
	}

	remaining := budget - promptCost - messageCost
	if remaining < 0 {
		return nil, fmt.Errorf("%w: budget %d, prompt %d, message %d",
			ErrContextExceeded, budget, promptCost, messageCost)
	}

	// Walk pairs newest-first; stop at the first pair that does not fit.
	included := 0
	for i := len(history) - 2; i >= 0; i -= 2 {
		userCost, err := counter.Count(ctx, history[i].Content)
		if err != nil {
			return nil, fmt.Errorf("assistant: count history: %w", err)
		}
		assistantCost, err := counter.Count(ctx, history[i+1].Content)
		if err != nil {
			return nil, fmt.Errorf("assistant: count history: %w", err)
		}
		pairCost := userCost + assistantCost
		if pairCost > remaining {
			break
		}
		remaining -= pairCost
		included += 2
	}

	result := make([]Message, 0, included+2)
	result = append(result, Message{Role: "system", Content: prompt})
	result = append(result, history[len(history)-included:]...)
	result = append(result, Message{Role: "user", Content: newMessage})
	return result, nil
}

// checkPairing verifies the alternating user/assistant invariant.
func checkPairing(history []Message) error {
	if len(history)%2 != 0 {
		return fmt.Errorf("%w: odd length %d", ErrMalformedDialog, len(history))
	}
	for i := 0; i < len(history); i += 2 {
		if history[i].Role != "user" || history[i+1].Role != "assistant" {
			return fmt.Errorf("%w: turns %d/%d have roles %s/%s",
				ErrMalformedDialog, i, i+1, history[i].Role, history[i+1].Role)
		}
	}
	return nil
}
