// Package types defines shared domain types used by both the broker and the
// runner binary.
package types

import "time"

// ─── Runner ──────────────────────────────────────────────────────────────────

// RunnerPlatform identifies the OS/arch pair a runner reports at attach time.
type RunnerPlatform string

// ─── Dev server ──────────────────────────────────────────────────────────────

// DevServerStatus represents the lifecycle state of a project's dev server.
type DevServerStatus string

const (
	DevServerStopped    DevServerStatus = "stopped"
	DevServerStarting   DevServerStatus = "starting"
	DevServerRunning    DevServerStatus = "running"
	DevServerFailed     DevServerStatus = "failed"
	DevServerRestarting DevServerStatus = "restarting"
	DevServerStopping   DevServerStatus = "stopping"
)

// ─── Commands (broker → runner) ─────────────────────────────────────────────

// RunnerCommandType enumerates the directives a broker can send to a runner.
type RunnerCommandType string

const (
	CommandStartBuild         RunnerCommandType = "start-build"
	CommandStartDevServer     RunnerCommandType = "start-dev-server"
	CommandStopDevServer      RunnerCommandType = "stop-dev-server"
	CommandStartTunnel        RunnerCommandType = "start-tunnel"
	CommandStopTunnel         RunnerCommandType = "stop-tunnel"
	CommandFetchLogs          RunnerCommandType = "fetch-logs"
	CommandHealthCheck        RunnerCommandType = "runner-health-check"
	CommandDeleteProjectFiles RunnerCommandType = "delete-project-files"
	CommandReadFile           RunnerCommandType = "read-file"
	CommandWriteFile          RunnerCommandType = "write-file"
	CommandListFiles          RunnerCommandType = "list-files"
	CommandCancelCommand      RunnerCommandType = "cancel-command"
)

// ─── Events (runner → broker) ───────────────────────────────────────────────

// RunnerEventType enumerates the event kinds a runner emits.
type RunnerEventType string

const (
	EventAck            RunnerEventType = "ack"
	EventLogChunk       RunnerEventType = "log-chunk"
	EventPortDetected   RunnerEventType = "port-detected"
	EventTunnelCreated  RunnerEventType = "tunnel-created"
	EventTunnelClosed   RunnerEventType = "tunnel-closed"
	EventProcessExited  RunnerEventType = "process-exited"
	EventBuildProgress  RunnerEventType = "build-progress"
	EventBuildCompleted RunnerEventType = "build-completed"
	EventBuildFailed    RunnerEventType = "build-failed"
	EventRunnerStatus   RunnerEventType = "runner-status"
	EventBuildStream    RunnerEventType = "build-stream"
	EventProjectMeta    RunnerEventType = "project-metadata"
	EventFilesDeleted   RunnerEventType = "files-deleted"
	EventFileContent    RunnerEventType = "file-content"
	EventFileWritten    RunnerEventType = "file-written"
	EventFileList       RunnerEventType = "file-list"
	EventError          RunnerEventType = "error"
)

// The canonical build-executor frame kinds (§4.10) — text-start, tool-input,
// command_start, finish, and so on — are carried inside build-stream event
// payloads, not as distinct RunnerEventType values. See wire.BuildStreamFrame
// and its FrameKind* constants.

// ─── Source (build executor path-safety) ───────────────────────────────────

// SourceType identifies what kind of backing store a project's workspace
// source is. Retained from the distillation's data model even though the
// core only consumes cwd/paths as opaque strings — useful for diagnostics.
type SourceType string

const (
	SourceTypeDirectory SourceType = "directory"
)

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}

// ─── Time ────────────────────────────────────────────────────────────────────

// TimeRange defines an inclusive time interval for filtering queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
