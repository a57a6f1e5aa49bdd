package cliprovider

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/runner/internal/provider"
)

func newTestProvider(script string) *Provider {
	return New(Config{
		Binary: "sh",
		Args:   []string{"-c", script},
	}, zap.NewNop())
}

func collect(t *testing.T, s provider.Stream) []provider.Frame {
	t.Helper()
	var frames []provider.Frame
	for {
		f, err := s.Next(context.Background())
		if err == provider.ErrStreamClosed {
			return frames
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		frames = append(frames, f)
	}
}

func TestStreamParsesRecognizedFrameTypes(t *testing.T) {
	script := `
echo '{"type":"text_delta","message_id":"m1","delta":"hello"}'
echo '{"type":"tool_call","tool_call_id":"t1","tool_name":"Write"}'
echo '{"type":"result","summary":"done"}'
`
	p := newTestProvider(script)
	s, err := p.Stream(context.Background(), "build this", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	frames := collect(t, s)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3: %+v", len(frames), frames)
	}
	if frames[0].Type != provider.FrameTextDelta || frames[0].Delta != "hello" {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if frames[1].Type != provider.FrameToolCall || frames[1].ToolName != "Write" {
		t.Errorf("frame 1 = %+v", frames[1])
	}
	if frames[2].Type != provider.FrameResult || frames[2].Summary != "done" {
		t.Errorf("frame 2 = %+v", frames[2])
	}
}

func TestStreamSkipsUnparseableAndUnknownLines(t *testing.T) {
	script := `
echo 'not json'
echo '{"type":"some_future_type"}'
echo '{"type":"result","summary":"ok"}'
`
	p := newTestProvider(script)
	s, err := p.Stream(context.Background(), "build this", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	frames := collect(t, s)
	if len(frames) != 1 || frames[0].Type != provider.FrameResult {
		t.Fatalf("got %+v, want exactly one result frame", frames)
	}
}

func TestCloseKillsRunningSubprocess(t *testing.T) {
	p := newTestProvider("sleep 30")
	s, err := p.Stream(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
