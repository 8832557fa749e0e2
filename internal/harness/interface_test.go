package harness

import (
	"errors"
	"fmt"
	"testing"
)

func TestOutcomeStoppedDistinguishesStopFromFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome Outcome
		want    bool
	}{
		{name: "success", outcome: Outcome{Success: true, Output: "done"}},
		{name: "execution error", outcome: Outcome{Err: errors.New("exit status 1")}},
		{name: "stopped", outcome: Outcome{Err: ErrStopped}, want: true},
		{name: "wrapped stop", outcome: Outcome{Err: fmt.Errorf("claude run: %w", ErrStopped)}, want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.outcome.Stopped(); got != tt.want {
				t.Fatalf("Stopped() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolUseInputString(t *testing.T) {
	t.Parallel()

	event := ToolUse{
		Name: "Edit",
		Input: map[string]any{
			"file_path": "/repo/main.go",
			"count":     3,
		},
	}
	if got := event.InputString("file_path"); got != "/repo/main.go" {
		t.Fatalf("file_path = %q", got)
	}
	if got := event.InputString("count"); got != "" {
		t.Fatalf("non-string input = %q, want empty", got)
	}
	if got := (ToolUse{}).InputString("file_path"); got != "" {
		t.Fatalf("nil input = %q, want empty", got)
	}
}

func TestProgressEventKindsAreClosed(t *testing.T) {
	t.Parallel()

	events := []ProgressEvent{
		Thinking{Content: "planning"},
		ToolUse{Name: "Read"},
		Output{Content: "hello"},
		Failure{Message: "tool failed"},
	}
	seen := map[string]bool{}
	for _, event := range events {
		switch event.(type) {
		case Thinking:
			seen["thinking"] = true
		case ToolUse:
			seen["tool_use"] = true
		case Output:
			seen["output"] = true
		case Failure:
			seen["failure"] = true
		}
	}
	if len(seen) != 4 {
		t.Fatalf("seen kinds = %v, want 4", seen)
	}
}
