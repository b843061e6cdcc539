package dispatch

import "fmt"

// ErrorKind classifies tool call failures.
type ErrorKind string

const (
	// InvalidArguments: the call's arguments could not be reconciled with
	// the tool's schema. Carries a correction hint for the model.
	InvalidArguments ErrorKind = "invalid_arguments"
	// ExecutionFailed: the tool collaborator raised an error.
	ExecutionFailed ErrorKind = "execution_failed"
	// Timeout: the call exceeded its per-call deadline.
	Timeout ErrorKind = "timeout"
	// PermissionDenied: the confirmation gate refused the call.
	PermissionDenied ErrorKind = "permission_denied"
)

// ToolError is the structured failure type for tool dispatch. It is folded
// into the conversation as feedback, never surfaced as a raw stack trace.
type ToolError struct {
	Kind  ErrorKind
	Tool  string
	Msg   string
	Hint  string // human-readable correction hint, e.g. the expected parameter
	Cause error
}

func (e *ToolError) Error() string {
	s := fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Msg)
	if e.Hint != "" {
		s += " (" + e.Hint + ")"
	}
	return s
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Feedback renders the error as model-facing text so the model can
// self-correct on the next iteration.
func (e *ToolError) Feedback() string {
	switch e.Kind {
	case InvalidArguments:
		return fmt.Sprintf("Invalid arguments for %s: %s. %s", e.Tool, e.Msg, e.Hint)
	case Timeout:
		return fmt.Sprintf("Tool %s timed out: %s. Retry with a narrower request or a longer timeout.", e.Tool, e.Msg)
	case PermissionDenied:
		return fmt.Sprintf("Tool %s was not permitted: %s. Choose a different approach.", e.Tool, e.Msg)
	default:
		return fmt.Sprintf("Tool %s failed: %s", e.Tool, e.Msg)
	}
}

func invalidArgs(tool, msg, hint string) *ToolError {
	return &ToolError{Kind: InvalidArguments, Tool: tool, Msg: msg, Hint: hint}
}
