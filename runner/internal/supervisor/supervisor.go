// Package supervisor implements C8, the runner-side process supervisor: it
// spawns a project's dev-server child process, captures its stdout/stderr,
// detects the port it binds to, and reports its exit.
//
// The port-detection and line-scanning shape follows the backup engine's
// runWithProgress (bufio.Scanner line-by-line callback over a piped
// stdout), generalized from JSON-line parsing to ordered regex matching.
// The per-process monitor goroutine plus PID-liveness bookkeeping follows
// the one-goroutine-per-tunnel pattern used for tunnel supervision
// elsewhere in this codebase.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// quickExitThreshold is how soon after start an exit is flagged as a
// suspected startup failure rather than a normal stop.
const quickExitThreshold = 5 * time.Second

// gracefulShutdownWait is how long StopDevServer waits after the graceful
// signal before escalating to a forced kill.
const gracefulShutdownWait = 2 * time.Second

// portPatterns are tried in order against each output line; the first
// pattern to match a value in [3000, 65535] wins. Declared in priority
// order per spec: explicit bind address, then a generic "port" label,
// then framework-specific "Local:" and "ready" phrasings.
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:localhost|127\.0\.0\.1|0\.0\.0\.0):(\d{4,5})`),
	regexp.MustCompile(`(?i)port[:\s]+(\d{4,5})`),
	regexp.MustCompile(`(?i)Local:.*?:(\d{4,5})`),
	regexp.MustCompile(`(?i)ready.*?(\d{4,5})`),
}

// LogSink receives captured stdout/stderr lines with a monotonic cursor.
type LogSink interface {
	LogChunk(projectID uuid.UUID, stream string, cursor int64, data string)
}

// EventSink receives the two lifecycle events a supervised process emits.
type EventSink interface {
	PortDetected(projectID uuid.UUID, port int)
	ProcessExited(projectID uuid.UUID, exitCode int, signal string, duration time.Duration, quickExit bool)
}

// process is one supervised dev-server child. Supervisor.procs is the table
// of these; the runner binary builds one Supervisor, so that table is the
// single process-wide registry. Process state itself lives entirely in the
// OS, referenced here only by PID/port.
type process struct {
	projectID uuid.UUID
	cmd       *exec.Cmd
	port      *int
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu           sync.Mutex
	portReported bool
}

// Supervisor owns at most one process per projectId (spec §4.8 invariant).
type Supervisor struct {
	mu    sync.Mutex
	procs map[uuid.UUID]*process

	logs   LogSink
	events EventSink
}

// New returns a Supervisor. logs/events may be nil in tests that don't care
// about one of the two sinks.
func New(logs LogSink, events EventSink) *Supervisor {
	return &Supervisor{procs: make(map[uuid.UUID]*process), logs: logs, events: events}
}

// SetSinks assigns the log/event sinks after construction. Needed at
// startup because the coordinator is itself the sink and is constructed
// from the supervisor it wraps, a construction cycle New alone can't break.
func (s *Supervisor) SetSinks(logs LogSink, events EventSink) {
	s.logs = logs
	s.events = events
}

// ActiveCount returns the number of dev-server processes currently
// supervised. Used for the runner-status heartbeat's activeServers field.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// StartDevServer spawns runCommand in cwd for projectID. If a process
// already exists for projectID it is stopped first. env is merged over the
// inherited process environment; CI=false and NO_COLOR=1 are always set so
// dev-server tooling doesn't suppress output expecting a CI runner.
func (s *Supervisor) StartDevServer(ctx context.Context, projectID uuid.UUID, runCommand, cwd string, env map[string]string, preferredPort int) error {
	s.StopDevServer(projectID)

	// The child's lifetime is independent of ctx (the caller's command
	// context): it must keep running after the dispatching command
	// completes, and survive a hot-reload of this package. Only
	// StopDevServer ends it.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := buildShellCmd(procCtx, runCommand)
	cmd.Dir = cwd
	cmd.Env = mergedEnv(withPreferredPort(env, preferredPort))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("supervisor: start: %w", err)
	}

	p := &process{
		projectID: projectID,
		cmd:       cmd,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[projectID] = p
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.scanStream(p, stdout, "stdout", &wg)
	go s.scanStream(p, stderr, "stderr", &wg)

	go s.monitor(p, &wg)

	return nil
}

func (s *Supervisor) scanStream(p *process, r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	var cursor int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		cursor += int64(len(line)) + 1
		if s.logs != nil {
			s.logs.LogChunk(p.projectID, stream, cursor, line)
		}
		s.detectPort(p, line)
	}
}

func (s *Supervisor) detectPort(p *process, line string) {
	p.mu.Lock()
	if p.portReported {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for _, pattern := range portPatterns {
		m := pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil || port < 3000 || port > 65535 {
			continue
		}

		p.mu.Lock()
		if p.portReported {
			p.mu.Unlock()
			return
		}
		p.portReported = true
		p.port = &port
		p.mu.Unlock()

		if s.events != nil {
			s.events.PortDetected(p.projectID, port)
		}
		return
	}
}

// monitor waits for the child to exit (after both stream scanners drain)
// and emits process-exited. It does not remove p from the anchor table —
// that's StopDevServer/a subsequent StartDevServer's job — so a caller
// racing GetByProjectID-style lookups always sees the last known state
// until explicitly replaced.
func (s *Supervisor) monitor(p *process, wg *sync.WaitGroup) {
	wg.Wait()
	err := p.cmd.Wait()
	close(p.done)

	duration := time.Since(p.startedAt)
	exitCode, signal := exitDetails(err)
	quickExit := duration < quickExitThreshold

	if s.events != nil {
		s.events.ProcessExited(p.projectID, exitCode, signal, duration, quickExit)
	}
}

// StopDevServer stops the process for projectID, if any. It sends a
// graceful signal, waits up to gracefulShutdownWait, then force-kills the
// whole process tree. It also kills anything listening on the last known
// reserved port as a belt-and-braces step. Idempotent.
func (s *Supervisor) StopDevServer(projectID uuid.UUID) {
	s.mu.Lock()
	p, ok := s.procs[projectID]
	if ok {
		delete(s.procs, projectID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	gracefulStop(p.cmd)

	select {
	case <-p.done:
	case <-time.After(gracefulShutdownWait):
		p.cancel() // forced kill via CommandContext; on unix, cmd.Cancel SIGKILLs the process group
	}

	if p.port != nil {
		killListener(*p.port)
	}
}

// GetPort returns the detected port for projectID, if any process is
// tracked and a port has been observed.
func (s *Supervisor) GetPort(projectID uuid.UUID) (int, bool) {
	s.mu.Lock()
	p, ok := s.procs[projectID]
	s.mu.Unlock()
	if !ok || p.port == nil {
		return 0, false
	}
	return *p.port, true
}

func buildShellCmd(ctx context.Context, command string) *exec.Cmd {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	}
	setProcessGroup(cmd)
	return cmd
}

// withPreferredPort sets PORT for dev-server tooling that binds whatever
// the environment names, without overriding an explicit caller-supplied
// PORT override.
func withPreferredPort(overrides map[string]string, preferredPort int) map[string]string {
	if preferredPort <= 0 {
		return overrides
	}
	if _, set := overrides["PORT"]; set {
		return overrides
	}
	merged := make(map[string]string, len(overrides)+1)
	for k, v := range overrides {
		merged[k] = v
	}
	merged["PORT"] = strconv.Itoa(preferredPort)
	return merged
}

func mergedEnv(overrides map[string]string) []string {
	// exec.Cmd.Env honors the last duplicate key, so the forced safety
	// defaults must come after envFromOS() or an inherited CI=true (etc.)
	// on the runner host would silently win.
	base := []string{"CI=false", "NO_COLOR=1", "FORCE_COLOR=0"}
	env := append(envFromOS(), base...)
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func exitDetails(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -1, status.Signal().String()
			}
			return status.ExitStatus(), ""
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
