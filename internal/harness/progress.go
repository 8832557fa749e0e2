package harness

// ProgressEvent is one step of agent progress. The set of kinds is closed: Thinking,
// ToolUse, Output and Failure are the only implementations.
type ProgressEvent interface {
	progressEvent()
}

// Thinking is internal extended reasoning.
type Thinking struct {
	Content string
}

// ToolUse is a tool invocation requested by the agent.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// Output is text the agent addressed to the user.
type Output struct {
	Content string
}

// Failure is a non-terminal error reported while the run continues.
type Failure struct {
	Message string
}

func (Thinking) progressEvent() {}
func (ToolUse) progressEvent()  {}
func (Output) progressEvent()   {}
func (Failure) progressEvent()  {}

// InputString returns a string-valued tool input field, or "" when absent.
func (t ToolUse) InputString(key string) string {
	if t.Input == nil {
		return ""
	}
	value, ok := t.Input[key].(string)
	if !ok {
		return ""
	}
	return value
}
