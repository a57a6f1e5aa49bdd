// Package provider defines the pull-based streaming abstraction an agent
// provider (the process that actually talks to an AI coding assistant) must
// satisfy, and the raw frame shape it streams back. The executor (C10)
// consumes a Stream and transforms each Frame into the canonical build-stream
// events the UI expects — this package only defines the provider-facing
// contract, not the transformation.
package provider

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Stream.Next once the stream has ended,
// mirroring io.EOF for a pull-based async sequence.
var ErrStreamClosed = errors.New("provider: stream closed")

// Provider starts one build run and returns a Stream of assistant frames.
type Provider interface {
	Stream(ctx context.Context, prompt string, options map[string]any) (Stream, error)
}

// Stream is a pull-based sequence of provider Frames. Next blocks until the
// next frame is available, the stream ends (ErrStreamClosed), or ctx is
// cancelled. Close propagates cancellation to the underlying provider
// process/connection; it is safe to call multiple times.
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// FrameType enumerates the raw frame shapes a provider emits, prior to any
// transformation into canonical build-stream events.
type FrameType string

const (
	FrameTextDelta    FrameType = "text_delta"
	FrameToolCall     FrameType = "tool_call"
	FrameToolResult   FrameType = "tool_result"
	FrameCommandStart FrameType = "command_start"
	FrameCommandEnd   FrameType = "command_end"
	FrameResult       FrameType = "result"
	FrameError        FrameType = "error"
)

// Frame is one raw event from a provider's stream. Exactly the fields
// relevant to Type are populated; the executor's transform table (C10)
// switches on Type.
type Frame struct {
	Type FrameType

	// FrameTextDelta
	MessageID string
	Delta     string

	// FrameToolCall
	ToolCallID string
	ToolName   string
	ToolInput  any

	// FrameToolResult
	ToolOutput string

	// FrameCommandStart / FrameCommandEnd
	CommandID string
	Command   string
	Output    string
	ExitCode  int

	// FrameResult
	Summary string

	// FrameError
	Error string
	Stack string
}
