package activity

import (
	"strings"
	"unicode/utf8"

	"github.com/ship-commander/sessiond/internal/harness"
)

const (
	// WorkingLabel is the generic text of transient progress thoughts.
	WorkingLabel = "Working…"
	// DelegatingLabel labels subtask spawns.
	DelegatingLabel = "Delegating"
	// DefaultOutputThreshold is the minimum output length, in runes, that becomes a visible thought.
	DefaultOutputThreshold = 40

	ellipsisPrefix = "..."
	keptSegments   = 3
)

var subtaskTools = map[string]struct{}{
	"Task":  {},
	"Agent": {},
}

var fileOperations = map[string]string{
	"Write":        "Writing",
	"Edit":         "Editing",
	"MultiEdit":    "Editing",
	"NotebookEdit": "Editing notebook",
}

// Mapper reduces progress events to the activities a tracker shows.
type Mapper struct {
	// OutputThreshold overrides DefaultOutputThreshold when positive.
	OutputThreshold int
}

// Map returns the activity for event, or false when the event produces none.
func (m Mapper) Map(event harness.ProgressEvent) (Activity, bool) {
	switch e := event.(type) {
	case harness.ToolUse:
		return m.mapToolUse(e), true
	case harness.Output:
		content := strings.TrimSpace(e.Content)
		if utf8.RuneCountInString(content) <= m.threshold() {
			return Activity{}, false
		}
		return Thought(content), true
	case harness.Thinking:
		return EphemeralThought(WorkingLabel), true
	case harness.Failure:
		return Activity{}, false
	default:
		return Activity{}, false
	}
}

func (m Mapper) mapToolUse(tool harness.ToolUse) Activity {
	if _, ok := subtaskTools[tool.Name]; ok {
		purpose := strings.TrimSpace(tool.InputString("description"))
		if purpose == "" {
			purpose = strings.TrimSpace(tool.InputString("subagent_type"))
		}
		return Action(DelegatingLabel, purpose)
	}
	if operation, ok := fileOperations[tool.Name]; ok {
		path := tool.InputString("file_path")
		if path == "" {
			path = tool.InputString("notebook_path")
		}
		return Action(operation, ShortenPath(path))
	}
	return EphemeralThought(WorkingLabel)
}

func (m Mapper) threshold() int {
	if m.OutputThreshold > 0 {
		return m.OutputThreshold
	}
	return DefaultOutputThreshold
}

// ShortenPath renders paths with more than three segments as an ellipsis followed by
// the last three segments. Shorter paths are returned unchanged.
func ShortenPath(path string) string {
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(segments) <= keptSegments {
		return path
	}
	return ellipsisPrefix + "/" + strings.Join(segments[len(segments)-keptSegments:], "/")
}
