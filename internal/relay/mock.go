package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentMessage records one Send call made against the mock.
type SentMessage struct {
	Msg Outbound
	Ref MessageRef
}

// EditRecord records one Edit call made against the mock.
type EditRecord struct {
	Ref  MessageRef
	Text string
}

// Mock implements Adapter for testing. It records sent messages and edits
// and allows simulating inbound interactions.
type Mock struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Inbound
	sent      []SentMessage
	edits     []EditRecord
	typing    int
	msgCount  int

	// EditErrs is consumed one element per Edit call; a nil element means
	// the edit succeeds. Lets tests script ErrUnmodified and failures.
	EditErrs []error
	// SendErr, when set, fails every Send call.
	SendErr error
}

// NewMock creates a Mock with a buffered inbound channel.
func NewMock() *Mock {
	return &Mock{inbound: make(chan Inbound, 100)}
}

// Connect marks the adapter as connected.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound channel. Must be called after Connect.
func (m *Mock) Listen(ctx context.Context) (<-chan Inbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message and returns a fresh MessageRef.
func (m *Mock) Send(ctx context.Context, msg Outbound) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return MessageRef{}, fmt.Errorf("mock adapter: not connected")
	}
	if m.SendErr != nil {
		return MessageRef{}, m.SendErr
	}
	m.msgCount++
	ref := MessageRef{
		ChannelID: msg.ChannelID,
		MessageID: fmt.Sprintf("msg-%d", m.msgCount),
	}
	m.sent = append(m.sent, SentMessage{Msg: msg, Ref: ref})
	return ref, nil
}

// Edit records the edit and pops the next scripted error, if any.
func (m *Mock) Edit(ctx context.Context, ref MessageRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	m.edits = append(m.edits, EditRecord{Ref: ref, Text: text})
	if len(m.EditErrs) > 0 {
		err := m.EditErrs[0]
		m.EditErrs = m.EditErrs[1:]
		return err
	}
	return nil
}

// Typing counts typing-indicator calls.
func (m *Mock) Typing(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
	return nil
}

// Close shuts down the mock and closes the inbound channel.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends an interaction into the inbound channel as if it
// came from the platform. Safe to call from any goroutine.
func (m *Mock) SimulateInbound(msg Inbound) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// AllSent returns a copy of all Send calls.
func (m *Mock) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent Send call, if any.
func (m *Mock) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// AllEdits returns a copy of all Edit calls.
func (m *Mock) AllEdits() []EditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EditRecord, len(m.edits))
	copy(out, m.edits)
	return out
}

// TypingCount returns how many typing indicators were requested.
func (m *Mock) TypingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing
}
