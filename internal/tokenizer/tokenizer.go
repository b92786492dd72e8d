// Package tokenizer runs the external token-count oracle. The oracle is a
// subprocess (typically the node llama-tokenizer) that reads text on stdin
// and prints one integer token count per input line; the counts are summed
// for the total.
package tokenizer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// waitDelay bounds cleanup after context cancellation kills the subprocess.
const waitDelay = 5 * time.Second

// FailureError reports an oracle invocation that did not produce a usable
// count: non-zero exit, empty output, or a malformed integer.
type FailureError struct {
	Reason string
	Stderr string
	Err    error
}

func (e *FailureError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("tokenizer: %s (stderr: %s)", e.Reason, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("tokenizer: %s", e.Reason)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Subprocess counts tokens by invoking the configured command once per
// Count call. Safe for concurrent use; each call runs its own process.
type Subprocess struct {
	command []string
}

// NewSubprocess creates a Subprocess counter. The command must have at
// least the executable name.
func NewSubprocess(command []string) (*Subprocess, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("tokenizer: command is required")
	}
	return &Subprocess{command: command}, nil
}

// Count returns the token count for text. The text is fed to the oracle on
// stdin; stdout is parsed as whitespace-separated integers and summed.
func (s *Subprocess) Count(ctx context.Context, text string) (int, error) {
	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	cmd.WaitDelay = waitDelay

	// The oracle emits one count per input line, so the input must end
	// with a newline for the final line to be flushed.
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &FailureError{
			Reason: fmt.Sprintf("run %s: %v", s.command[0], err),
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	fields := strings.Fields(stdout.String())
	if len(fields) == 0 {
		return 0, &FailureError{Reason: "empty output", Stderr: stderr.String()}
	}

	total := 0
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return 0, &FailureError{
				Reason: fmt.Sprintf("malformed output %q", f),
				Stderr: stderr.String(),
				Err:    err,
			}
		}
		total += n
	}
	return total, nil
}

// Static is a deterministic counter for tests: one token per rune.
type Static struct{}

// Count returns the rune count of text.
func (Static) Count(_ context.Context, text string) (int, error) {
	return len([]rune(text)), nil
}
