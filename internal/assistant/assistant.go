// Package assistant adapts the language-model backend: blocking and
// streaming chat completions plus token-budget context trimming.
package assistant

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/valerybot/valery/internal/config"
)

// Message is one chat message submitted to the model.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// Usage reports token consumption for a completed call.
type Usage struct {
	TotalTokens int64
}

// EventType classifies stream events.
type EventType int

const (
	// EventDelta carries an incremental text fragment.
	EventDelta EventType = iota
	// EventDone is the stream sentinel. It carries no text and may carry
	// usage when the backend reports it.
	EventDone
	// EventError terminates the stream with a backend failure.
	EventError
)

// StreamEvent is one element of a completion stream. The stream is finite
// and single-consumer: zero or more EventDelta values followed by exactly
// one EventDone or EventError, after which the channel is closed.
type StreamEvent struct {
	Type  EventType
	Text  string
	Usage *Usage
	Err   error
}

// Client is the model backend boundary.
type Client interface {
	// Complete performs a blocking completion and returns the full reply.
	Complete(ctx context.Context, messages []Message) (string, Usage, error)
	// CompleteStream starts a streaming completion. The returned channel
	// follows the StreamEvent contract and is closed after the terminal
	// event.
	CompleteStream(ctx context.Context, messages []Message) (<-chan StreamEvent, error)
}

// OpenAI implements Client over any OpenAI-compatible API.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAI creates an OpenAI client from assistant config.
func NewOpenAI(cfg config.AssistantConfig) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// params builds the request parameters shared by both modes.
func (o *OpenAI) params(messages []Message) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            msgs,
		Temperature:         openai.Float(o.temperature),
		MaxCompletionTokens: openai.Int(int64(o.maxTokens)),
	}
}

// Complete performs a blocking chat completion.
func (o *OpenAI) Complete(ctx context.Context, messages []Message) (string, Usage, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(messages))
	if err != nil {
		return "", Usage{}, fmt.Errorf("assistant: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("assistant: complete: no choices in response")
	}
	return resp.Choices[0].Message.Content, Usage{TotalTokens: resp.Usage.TotalTokens}, nil
}

// CompleteStream starts a streaming chat completion and pumps SSE chunks
// into a StreamEvent channel.
func (o *OpenAI) CompleteStream(ctx context.Context, messages []Message) (<-chan StreamEvent, error) {
	params := o.params(messages)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan StreamEvent, 16)
	go pumpStream(ctx, stream, ch)
	return ch, nil
}

// pumpStream reads the SSE stream and emits deltas followed by a single
// terminal event. Every send honors ctx so a consumer that stops reading
// never strands this goroutine on a full channel.
func pumpStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- StreamEvent) {
	defer close(ch)
	defer stream.Close()

	emit := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage *Usage
	for stream.Next() {
		if ctx.Err() != nil {
			emit(StreamEvent{Type: EventError, Err: ctx.Err()})
			return
		}

		chunk := stream.Current()
		// The final chunk may carry only usage, with no choices.
		if chunk.Usage.TotalTokens > 0 {
			usage = &Usage{TotalTokens: chunk.Usage.TotalTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			if !emit(StreamEvent{Type: EventDelta, Text: text}) {
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		emit(StreamEvent{Type: EventError, Err: fmt.Errorf("assistant: stream: %w", err)})
		return
	}
	emit(StreamEvent{Type: EventDone, Usage: usage})
}
