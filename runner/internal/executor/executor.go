// Package executor implements C10, the runner's build executor. It receives
// start-build commands, invokes the configured agent provider, and performs
// the protocol transformation from the provider's raw frame stream into the
// canonical build-stream events the broker forwards to the UI (spec §4.10).
//
// RunBuild is called once per start-build command and blocks for that
// build's duration. The executor does not serialize builds: concurrent
// RunBuild calls, for the same project or different ones, run side by side.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/runner/internal/provider"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

// EventSink receives the canonical events a build produces. Implemented by
// the runner's coordinator.
type EventSink interface {
	EmitBuildStream(commandID, projectID string, frame wire.BuildStreamFrame)
	EmitBuildCompleted(commandID, projectID string, payload wire.BuildCompletedPayload)
	EmitBuildFailed(commandID, projectID string, payload wire.BuildFailedPayload)
}

// todoWriteMarker matches a TODO_WRITE:{...} JSON marker embedded in a tool
// result's output text.
var todoWriteMarker = regexp.MustCompile(`TODO_WRITE:(\{.*\})`)

// legacyTodoLine matches markdown checkbox todo lines ("- [ ] foo",
// "- [x] bar") that older provider versions emit inline in assistant text.
// These are stripped before the delta is forwarded so the canonical todo
// list is sourced only from explicit TodoWrite calls, never duplicated.
var legacyTodoLine = regexp.MustCompile(`(?m)^\s*-\s*\[[ xX]\]\s*.*$\n?`)

// pathBearingInputKeys are the tool-input object keys the executor checks
// for a filesystem path. Providers vary in naming; checking all of them
// covers the common tool shapes (Write/Edit/Read/Glob-style tools).
var pathBearingInputKeys = []string{"file_path", "path", "filePath", "directory"}

// todoWritePayload is the shape embedded in a TODO_WRITE marker.
type todoWritePayload struct {
	Todos []wire.Todo `json:"todos"`
}

// Executor runs builds by driving a provider's Stream and transforming its
// frames into canonical events.
type Executor struct {
	providers map[string]provider.Provider
	logger    *zap.Logger

	active atomic.Int64
}

// New creates an Executor with the given named providers (e.g. "claude",
// "codex") — the start-build command's Options selects which one runs.
func New(providers map[string]provider.Provider, logger *zap.Logger) *Executor {
	return &Executor{providers: providers, logger: logger.Named("executor")}
}

// ActiveCount returns the number of builds currently in flight. Used for
// the runner-status heartbeat's activeBuilds field.
func (e *Executor) ActiveCount() int {
	return int(e.active.Load())
}

// buildState accumulates the per-build state the transformation pipeline
// needs across frames: the currently open text message boundary and the
// canonical todo list sourced only from TodoWrite calls.
type buildState struct {
	openMessageID string
	todos         []wire.Todo
}

// RunBuild drives providerName's Stream for prompt/cwd/options to
// completion, emitting canonical events to sink as frames arrive. It
// returns once the provider's stream ends (success or failure) or ctx is
// cancelled.
func (e *Executor) RunBuild(ctx context.Context, commandID, projectID, providerName, prompt, cwd string, options map[string]any, sink EventSink) error {
	p, ok := e.providers[providerName]
	if !ok {
		err := fmt.Errorf("executor: unknown provider %q", providerName)
		sink.EmitBuildFailed(commandID, projectID, wire.BuildFailedPayload{Error: err.Error()})
		return err
	}

	stream, err := p.Stream(ctx, prompt, options)
	if err != nil {
		sink.EmitBuildFailed(commandID, projectID, wire.BuildFailedPayload{Error: fmt.Sprintf("failed to start provider stream: %v", err)})
		return fmt.Errorf("executor: start stream: %w", err)
	}
	defer stream.Close()

	e.active.Add(1)
	defer e.active.Add(-1)

	state := &buildState{}

	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			if err == provider.ErrStreamClosed {
				e.closeOpenMessage(commandID, projectID, state, sink)
				sink.EmitBuildCompleted(commandID, projectID, wire.BuildCompletedPayload{Todos: state.todos})
				return nil
			}
			e.closeOpenMessage(commandID, projectID, state, sink)
			sink.EmitBuildFailed(commandID, projectID, wire.BuildFailedPayload{Error: err.Error()})
			return fmt.Errorf("executor: stream error: %w", err)
		}

		if terminal, failed := e.handleFrame(commandID, projectID, cwd, frame, state, sink); terminal {
			return failed
		}
	}
}

// handleFrame transforms one provider frame into zero or more canonical
// events. It returns terminal=true once a FrameResult/FrameError frame has
// been processed (the build is done); failed is non-nil only when the
// build ended in failure.
func (e *Executor) handleFrame(commandID, projectID, cwd string, frame provider.Frame, state *buildState, sink EventSink) (terminal bool, failed error) {
	if frame.Type != provider.FrameTextDelta {
		e.closeOpenMessage(commandID, projectID, state, sink)
	}

	switch frame.Type {
	case provider.FrameTextDelta:
		e.emitTextDelta(commandID, projectID, frame, state, sink)

	case provider.FrameToolCall:
		e.emitToolCall(commandID, projectID, cwd, frame, sink)

	case provider.FrameToolResult:
		e.emitToolResult(commandID, projectID, frame, state, sink)

	case provider.FrameCommandStart:
		sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
			Kind:         wire.FrameKindCommandStart,
			CommandStart: &wire.CommandStartFrame{CommandID: frame.CommandID, Command: frame.Command},
		})

	case provider.FrameCommandEnd:
		status := "ok"
		if frame.ExitCode != 0 {
			status = "error"
		}
		sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
			Kind: wire.FrameKindCommandComplete,
			CommandComplete: &wire.CommandCompleteFrame{
				CommandID: frame.CommandID,
				Output:    frame.Output,
				ExitCode:  frame.ExitCode,
				Status:    status,
			},
		})

	case provider.FrameResult:
		sink.EmitBuildCompleted(commandID, projectID, wire.BuildCompletedPayload{Summary: frame.Summary, Todos: state.todos})
		return true, nil

	case provider.FrameError:
		sink.EmitBuildFailed(commandID, projectID, wire.BuildFailedPayload{Error: frame.Error, Stack: frame.Stack})
		return true, fmt.Errorf("executor: provider reported error: %s", frame.Error)

	default:
		e.logger.Warn("unrecognized provider frame type", zap.String("type", string(frame.Type)))
	}

	return false, nil
}

func (e *Executor) emitTextDelta(commandID, projectID string, frame provider.Frame, state *buildState, sink EventSink) {
	if state.openMessageID != frame.MessageID {
		state.openMessageID = frame.MessageID
		sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
			Kind:      wire.FrameKindTextStart,
			TextStart: &wire.TextStartFrame{MessageID: frame.MessageID},
		})
	}

	delta := legacyTodoLine.ReplaceAllString(frame.Delta, "")
	if delta == "" {
		return
	}

	sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
		Kind:      wire.FrameKindTextDelta,
		TextDelta: &wire.TextDeltaFrame{MessageID: frame.MessageID, Delta: delta},
	})
}

func (e *Executor) closeOpenMessage(commandID, projectID string, state *buildState, sink EventSink) {
	if state.openMessageID == "" {
		return
	}
	sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
		Kind:    wire.FrameKindTextEnd,
		TextEnd: &wire.TextEndFrame{MessageID: state.openMessageID},
	})
	sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
		Kind:   wire.FrameKindFinish,
		Finish: &wire.FinishFrame{MessageID: state.openMessageID},
	})
	state.openMessageID = ""
}

func (e *Executor) emitToolCall(commandID, projectID, cwd string, frame provider.Frame, sink EventSink) {
	sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
		Kind: wire.FrameKindToolInput,
		ToolInput: &wire.ToolInputFrame{
			ToolCallID: frame.ToolCallID,
			ToolName:   frame.ToolName,
			Input:      frame.ToolInput,
		},
	})

	if path, ok := pathFromToolInput(frame.ToolInput); ok {
		if reason, warn := checkPathSafety(path, cwd); warn {
			sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
				Kind:        wire.FrameKindPathWarning,
				PathWarning: &wire.PathWarningFrame{ToolCallID: frame.ToolCallID, Path: path, Reason: reason},
			})
		}
	}
}

func (e *Executor) emitToolResult(commandID, projectID string, frame provider.Frame, state *buildState, sink EventSink) {
	sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
		Kind:       wire.FrameKindToolOutput,
		ToolOutput: &wire.ToolOutputFrame{ToolCallID: frame.ToolCallID, Output: frame.ToolOutput},
	})

	for _, m := range todoWriteMarker.FindAllStringSubmatch(frame.ToolOutput, -1) {
		var payload todoWritePayload
		if err := json.Unmarshal([]byte(m[1]), &payload); err != nil {
			e.logger.Warn("malformed TODO_WRITE marker, skipping", zap.Error(err))
			continue
		}
		state.todos = payload.Todos

		sink.EmitBuildStream(commandID, projectID, wire.BuildStreamFrame{
			Kind: wire.FrameKindToolInput,
			ToolInput: &wire.ToolInputFrame{
				ToolCallID: frame.ToolCallID + ":todo-write",
				ToolName:   "TodoWrite",
				Input:      payload,
			},
		})
	}
}

// pathFromToolInput extracts a filesystem path from a tool-call input, if
// the input is a JSON-object-shaped map with one of the known path keys.
func pathFromToolInput(input any) (string, bool) {
	m, ok := input.(map[string]any)
	if !ok {
		return "", false
	}
	for _, key := range pathBearingInputKeys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// checkPathSafety compares path against cwd and cwd's parent (the
// "workspace parent" — spec §4.10). Only absolute paths are evaluated for
// containment; relative paths are assumed scoped to cwd by construction. A
// /Desktop/ segment always warns regardless of containment, since it is a
// common hallucination pattern where the provider invents a path under the
// user's desktop instead of the project directory.
func checkPathSafety(path, cwd string) (reason string, warn bool) {
	if strings.Contains(path, "/Desktop/") {
		return "path contains a /Desktop/ segment", true
	}

	if !filepath.IsAbs(path) {
		return "", false
	}

	clean := filepath.Clean(path)
	cwdClean := filepath.Clean(cwd)
	workspaceParent := filepath.Clean(filepath.Dir(cwdClean))

	if isWithin(clean, cwdClean) || isWithin(clean, workspaceParent) {
		return "", false
	}

	return fmt.Sprintf("path %q is outside the project directory %q and its workspace parent", path, cwd), true
}

func isWithin(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
