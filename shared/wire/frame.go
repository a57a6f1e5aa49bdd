// Package wire defines the JSON frame formats exchanged between the broker
// and a runner over the attach connection (spec §6). Frames are plain JSON
// objects; the framing layer itself (WebSocket text frames) is provided by
// gorilla/websocket on both ends.
package wire

import (
	"encoding/json"
	"time"

	"github.com/sentryvibe/runnerbroker/shared/types"
)

// AttachFrame is the first frame a runner sends after dialing the attach
// endpoint. It carries the bearer secret issued by the runner-key store.
type AttachFrame struct {
	Type     string `json:"type"` // always "attach"
	RunnerID string `json:"runnerId"`
	Secret   string `json:"secret"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// AttachedFrame is the broker's successful handshake response.
type AttachedFrame struct {
	Type string `json:"type"` // always "attached"
}

// ErrorFrame closes a handshake or session with a machine-readable reason.
type ErrorFrame struct {
	Type  string `json:"type"` // always "error"
	Error string `json:"error"`
}

// Envelope is the single JSON value written to the wire in either
// direction on an attach connection. Exactly one of the pointer fields is
// populated; Kind says which. This lets one WebSocket text-frame stream
// carry the handshake frames and the ongoing Command/Event traffic without
// a second framing layer.
type Envelope struct {
	Kind     string         `json:"kind"`
	Attach   *AttachFrame   `json:"attach,omitempty"`
	Attached *AttachedFrame `json:"attached,omitempty"`
	Error    *ErrorFrame    `json:"error,omitempty"`
	Command  *Command       `json:"command,omitempty"`
	Event    *Event         `json:"event,omitempty"`
}

const (
	KindAttach   = "attach"
	KindAttached = "attached"
	KindError    = "error"
	KindCommand  = "command"
	KindEvent    = "event"
)

// CommandEnvelope wraps cmd for transmission.
func CommandEnvelope(cmd Command) Envelope { return Envelope{Kind: KindCommand, Command: &cmd} }

// EventEnvelope wraps event for transmission.
func EventEnvelope(event Event) Envelope { return Envelope{Kind: KindEvent, Event: &event} }

// Command is a broker→runner directive. Payload is left as raw JSON; each
// command type's executor decodes the shape it expects.
type Command struct {
	ID        string                  `json:"id"`
	Type      types.RunnerCommandType `json:"type"`
	ProjectID string                  `json:"projectId"`
	Timestamp time.Time               `json:"timestamp"`
	Payload   json.RawMessage         `json:"payload,omitempty"`
}

// Event is a runner→broker message. CommandID/ProjectID are optional —
// runner-status events carry neither.
type Event struct {
	Type      types.RunnerEventType `json:"type"`
	CommandID string                `json:"commandId,omitempty"`
	ProjectID string                `json:"projectId,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
	Payload   json.RawMessage       `json:"payload,omitempty"`
}

// NewEvent builds an Event with its Payload JSON-encoded from v.
func NewEvent(typ types.RunnerEventType, commandID, projectID string, v any) (Event, error) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Event{}, err
		}
		raw = b
	}
	return Event{
		Type:      typ,
		CommandID: commandID,
		ProjectID: projectID,
		Timestamp: time.Now(),
		Payload:   raw,
	}, nil
}

// NewCommand builds a Command with its Payload JSON-encoded from v.
func NewCommand(id string, typ types.RunnerCommandType, projectID string, v any) (Command, error) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Command{}, err
		}
		raw = b
	}
	return Command{
		ID:        id,
		Type:      typ,
		ProjectID: projectID,
		Timestamp: time.Now(),
		Payload:   raw,
	}, nil
}

// ─── Command payload shapes ─────────────────────────────────────────────────

// StartBuildPayload is the payload of a start-build command.
type StartBuildPayload struct {
	Prompt  string            `json:"prompt"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env,omitempty"`
	Options map[string]any    `json:"options,omitempty"`
}

// StartDevServerPayload is the payload of a start-dev-server command.
type StartDevServerPayload struct {
	Command       string            `json:"command"`
	Cwd           string            `json:"cwd"`
	Env           map[string]string `json:"env,omitempty"`
	PreferredPort int               `json:"preferredPort,omitempty"`
}

// StartTunnelPayload is the payload of a start-tunnel command.
type StartTunnelPayload struct {
	Port int `json:"port"`
}

// CancelCommandPayload is the payload of a cancel-command control message.
type CancelCommandPayload struct {
	TargetCommandID string `json:"targetCommandId"`
}

// ─── Event payload shapes ───────────────────────────────────────────────────

// AckPayload acknowledges receipt of a command by the runner.
type AckPayload struct {
	CommandID string `json:"commandId"`
}

// PortDetectedPayload reports a dev server's listening port.
type PortDetectedPayload struct {
	Port int `json:"port"`
}

// TunnelCreatedPayload reports a tunnel's public URL.
type TunnelCreatedPayload struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// TunnelClosedPayload reports tunnel teardown.
type TunnelClosedPayload struct {
	Port int `json:"port"`
}

// ProcessExitedPayload reports a supervised child process's termination.
type ProcessExitedPayload struct {
	ExitCode  int           `json:"exitCode"`
	Signal    string        `json:"signal,omitempty"`
	Duration  time.Duration `json:"durationMs"`
	QuickExit bool          `json:"quickExit"`
}

// RunnerStatusPayload is the heartbeat payload a runner sends periodically.
type RunnerStatusPayload struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemPercent    float64 `json:"memPercent"`
	ActiveBuilds  int     `json:"activeBuilds"`
	ActiveServers int     `json:"activeServers"`
}

// ErrorPayload carries a human-readable error plus an optional stack trace.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// LogChunkPayload is a slice of captured stdout/stderr output.
type LogChunkPayload struct {
	Stream string `json:"stream"` // "stdout" | "stderr"
	Cursor int64  `json:"cursor"`
	Data   string `json:"data"`
}

// ─── Build-stream frames (§4.10) ────────────────────────────────────────────
//
// These are carried as the Payload of build-stream events; BuildStreamFrame
// (below) names which shape Payload holds via Kind.

// BuildStreamFrame is one canonical frame of a build's event-stream.Kind
// selects which of the pointer fields is populated, mirroring Envelope's
// discriminated-union shape.
type BuildStreamFrame struct {
	Kind            string                `json:"kind"`
	TextStart       *TextStartFrame       `json:"textStart,omitempty"`
	TextDelta       *TextDeltaFrame       `json:"textDelta,omitempty"`
	TextEnd         *TextEndFrame         `json:"textEnd,omitempty"`
	ToolInput       *ToolInputFrame       `json:"toolInput,omitempty"`
	ToolOutput      *ToolOutputFrame      `json:"toolOutput,omitempty"`
	CommandStart    *CommandStartFrame    `json:"commandStart,omitempty"`
	CommandComplete *CommandCompleteFrame `json:"commandComplete,omitempty"`
	Finish          *FinishFrame          `json:"finish,omitempty"`
	PathWarning     *PathWarningFrame     `json:"pathWarning,omitempty"`
}

const (
	FrameKindTextStart       = "text-start"
	FrameKindTextDelta       = "text-delta"
	FrameKindTextEnd         = "text-end"
	FrameKindToolInput       = "tool-input-available"
	FrameKindToolOutput      = "tool-output-available"
	FrameKindCommandStart    = "command_start"
	FrameKindCommandComplete = "command_complete"
	FrameKindFinish          = "finish"
	FrameKindPathWarning     = "path-warning"
)

// TextStartFrame opens one assistant message.
type TextStartFrame struct {
	MessageID string `json:"messageId"`
}

// TextDeltaFrame is one chunk of assistant text within an open message.
type TextDeltaFrame struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// TextEndFrame closes the assistant message opened by the matching
// TextStartFrame.
type TextEndFrame struct {
	MessageID string `json:"messageId"`
}

// ToolInputFrame announces a tool call the provider is about to make (or,
// for a TODO_WRITE marker re-emission, a synthetic TodoWrite call).
type ToolInputFrame struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Input      any    `json:"input"`
}

// ToolOutputFrame carries a tool call's result.
type ToolOutputFrame struct {
	ToolCallID string `json:"toolCallId"`
	Output     string `json:"output"`
}

// CommandStartFrame announces a shell command the provider is about to run.
type CommandStartFrame struct {
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
}

// CommandCompleteFrame carries a shell command's captured result.
type CommandCompleteFrame struct {
	CommandID string `json:"commandId"`
	Output    string `json:"output"`
	ExitCode  int    `json:"exitCode"`
	Status    string `json:"status"` // "ok" | "error"
}

// FinishFrame closes the build's current assistant message boundary; it is
// not itself the build's terminal event (build-completed/build-failed is).
type FinishFrame struct {
	MessageID string `json:"messageId"`
}

// PathWarningFrame surfaces a tool call whose target path fell outside the
// project's cwd/workspace parent, or matched a known hallucination pattern.
type PathWarningFrame struct {
	ToolCallID string `json:"toolCallId"`
	Path       string `json:"path"`
	Reason     string `json:"reason"`
}

// Todo is one item of a build's canonical todo list, sourced only from
// explicit TodoWrite tool calls.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"` // "pending" | "in_progress" | "completed"
}

// BuildCompletedPayload is the payload of a build-completed event.
type BuildCompletedPayload struct {
	Summary string `json:"summary"`
	Todos   []Todo `json:"todos"`
}

// BuildFailedPayload is the payload of a build-failed event.
type BuildFailedPayload struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}
