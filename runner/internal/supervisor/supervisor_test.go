package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSink struct {
	mu        sync.Mutex
	logs      []string
	ports     map[uuid.UUID]int
	exits     map[uuid.UUID]struct {
		code      int
		quickExit bool
	}
	exited chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		ports: make(map[uuid.UUID]int),
		exits: make(map[uuid.UUID]struct {
			code      int
			quickExit bool
		}),
		exited: make(chan struct{}, 16),
	}
}

func (f *fakeSink) LogChunk(_ uuid.UUID, _ string, _ int64, data string) {
	f.mu.Lock()
	f.logs = append(f.logs, data)
	f.mu.Unlock()
}

func (f *fakeSink) PortDetected(projectID uuid.UUID, port int) {
	f.mu.Lock()
	f.ports[projectID] = port
	f.mu.Unlock()
}

func (f *fakeSink) ProcessExited(projectID uuid.UUID, exitCode int, _ string, _ time.Duration, quickExit bool) {
	f.mu.Lock()
	f.exits[projectID] = struct {
		code      int
		quickExit bool
	}{exitCode, quickExit}
	f.mu.Unlock()
	f.exited <- struct{}{}
}

func TestStartDevServerDetectsPort(t *testing.T) {
	sink := newFakeSink()
	sup := New(sink, sink)
	projectID := uuid.Must(uuid.NewV7())

	err := sup.StartDevServer(context.Background(), projectID, `echo "Local: http://localhost:4321"; sleep 5`, ".", nil, 0)
	if err != nil {
		t.Fatalf("StartDevServer: %v", err)
	}
	defer sup.StopDevServer(projectID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if port, ok := sup.GetPort(projectID); ok {
			if port != 4321 {
				t.Fatalf("got port %d, want 4321", port)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for port detection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartDevServerFlagsQuickExit(t *testing.T) {
	sink := newFakeSink()
	sup := New(sink, sink)
	projectID := uuid.Must(uuid.NewV7())

	if err := sup.StartDevServer(context.Background(), projectID, `exit 1`, ".", nil, 0); err != nil {
		t.Fatalf("StartDevServer: %v", err)
	}

	select {
	case <-sink.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process-exited")
	}

	sink.mu.Lock()
	result := sink.exits[projectID]
	sink.mu.Unlock()
	if !result.quickExit {
		t.Fatal("expected quickExit=true for an immediate exit")
	}
	if result.code != 1 {
		t.Fatalf("got exit code %d, want 1", result.code)
	}
}

func TestStartDevServerStopsPriorProcess(t *testing.T) {
	sink := newFakeSink()
	sup := New(sink, sink)
	projectID := uuid.Must(uuid.NewV7())

	if err := sup.StartDevServer(context.Background(), projectID, `sleep 30`, ".", nil, 0); err != nil {
		t.Fatalf("StartDevServer (1st): %v", err)
	}

	if err := sup.StartDevServer(context.Background(), projectID, `echo second`, ".", nil, 0); err != nil {
		t.Fatalf("StartDevServer (2nd): %v", err)
	}
	defer sup.StopDevServer(projectID)

	select {
	case <-sink.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second process to exit")
	}
}

func TestStopDevServerIsIdempotent(t *testing.T) {
	sup := New(nil, nil)
	projectID := uuid.Must(uuid.NewV7())

	sup.StopDevServer(projectID)
	sup.StopDevServer(projectID)
}

// TestMergedEnvForcedDefaultsWinOverInheritedHostEnv guards against
// exec.Cmd.Env's last-duplicate-wins semantics silently undoing the forced
// CI=false/color-off defaults when the runner host's own environment
// already sets CI=true.
func TestMergedEnvForcedDefaultsWinOverInheritedHostEnv(t *testing.T) {
	t.Setenv("CI", "true")
	t.Setenv("NO_COLOR", "0")
	t.Setenv("FORCE_COLOR", "1")

	env := mergedEnv(nil)

	want := map[string]string{"CI": "false", "NO_COLOR": "1", "FORCE_COLOR": "0"}
	got := make(map[string]string, len(want))
	for _, kv := range env {
		for k := range want {
			if len(kv) > len(k) && kv[:len(k)+1] == k+"=" {
				got[k] = kv[len(k)+1:]
			}
		}
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("env var %s = %q, want %q (forced default must win over inherited host env)", k, got[k], v)
		}
	}
}
