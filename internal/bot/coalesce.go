package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valerybot/valery/internal/assistant"
	"github.com/valerybot/valery/internal/relay"
)

// Coalescer converts a token-by-token completion stream into a bounded
// number of in-place edits of a placeholder message. Growth below the
// threshold is accumulated silently; the stream sentinel always forces a
// final edit with the complete text.
type Coalescer struct {
	adapter relay.Adapter
	ref     relay.MessageRef
	// threshold is the minimum accumulated growth, in bytes, between
	// consecutive edits.
	threshold int
	// delay is the fixed pause after each intermediate edit, respecting
	// platform rate limits. Not part of the coalescing decision.
	delay time.Duration
	// escape, when non-nil, is applied to the displayed text (markdown
	// modes). The raw stream text is kept separately so finalize always
	// sees what the model actually produced.
	escape func(string) string
	// dispatch, when non-nil, wraps the finalize + final-edit step; the
	// coordinator passes the user's dispatch lock here so the final reply
	// never interleaves with a timer fire or busy notice.
	dispatch func(func())
}

// NewCoalescer creates a Coalescer that edits the given placeholder.
func NewCoalescer(adapter relay.Adapter, ref relay.MessageRef, threshold int, delay time.Duration, escape func(string) string, dispatch func(func())) *Coalescer {
	if threshold <= 0 {
		threshold = 1
	}
	return &Coalescer{
		adapter:   adapter,
		ref:       ref,
		threshold: threshold,
		delay:     delay,
		escape:    escape,
		dispatch:  dispatch,
	}
}

// Run consumes the event stream until the sentinel. On stream end it calls
// finalize exactly once with the full raw accumulated text; finalize
// persists the turn (or intercepts a structured command) and returns the
// text for the final edit, which is escaped for display and performed
// regardless of threshold, under the dispatch hook when one is set.
// Returns the raw accumulated text and the usage reported by the sentinel,
// if any.
//
// A cancelled context aborts without finalizing.
func (c *Coalescer) Run(ctx context.Context, events <-chan assistant.StreamEvent, finalize func(full string) (string, error)) (string, *assistant.Usage, error) {
	var accumulated, display, lastEmitted string
	emitted := false

	for {
		select {
		case <-ctx.Done():
			return accumulated, nil, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				// Closed without a sentinel; treat as a backend failure so
				// the turn is not persisted half-written.
				return accumulated, nil, fmt.Errorf("bot: stream closed without sentinel")
			}

			switch ev.Type {
			case assistant.EventDelta:
				accumulated += ev.Text
				frag := ev.Text
				if c.escape != nil {
					frag = c.escape(frag)
				}
				display += frag

				grown := len(display) - len(lastEmitted)
				if grown < 0 {
					grown = -grown
				}
				if display == "" || (emitted && grown < c.threshold) {
					continue
				}
				if err := c.edit(ctx, display); err != nil {
					return accumulated, nil, err
				}
				lastEmitted = display
				emitted = true

				select {
				case <-time.After(c.delay):
				case <-ctx.Done():
					return accumulated, nil, ctx.Err()
				}

			case assistant.EventDone:
				var final string
				var err error
				c.withDispatch(func() {
					final, err = finalize(accumulated)
					if err != nil {
						return
					}
					if c.escape != nil {
						final = c.escape(final)
					}
					err = c.edit(ctx, final)
				})
				if err != nil {
					return accumulated, ev.Usage, err
				}
				return accumulated, ev.Usage, nil

			case assistant.EventError:
				return accumulated, nil, ev.Err
			}
		}
	}
}

// withDispatch runs fn under the dispatch hook, or directly when none is
// configured.
func (c *Coalescer) withDispatch(fn func()) {
	if c.dispatch == nil {
		fn()
		return
	}
	c.dispatch(fn)
}

// edit performs one outbound edit. An unmodified-content rejection is a
// benign no-op; any other failure is retried once before surfacing.
func (c *Coalescer) edit(ctx context.Context, text string) error {
	err := c.adapter.Edit(ctx, c.ref, text)
	if err == nil || errors.Is(err, relay.ErrUnmodified) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err = c.adapter.Edit(ctx, c.ref, text)
	if err == nil || errors.Is(err, relay.ErrUnmodified) {
		return nil
	}
	return fmt.Errorf("bot: edit reply: %w", err)
}
