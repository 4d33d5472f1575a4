// Package tool implements the function-calling subsystem: a process-wide
// registry of invokable named functions with declared parameter schemas and
// display metadata, and an invoker that executes backend-requested calls with
// full error isolation. A tool invocation never fails the conversational turn:
// unknown names degrade to an empty success result, malformed arguments to an
// empty-arguments call, and execution failures to a textual error output, so
// the backend run always receives some output for every pending call.
package tool

import (
	"fmt"

	"github.com/chatwire/chatwire/core"
)

// Tool defines an invokable capability exposed to the conversational backend.
//
// Tool implementations should:
//   - Provide clear, descriptive names (snake_case recommended)
//   - Define a proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe; independent turns may invoke them concurrently
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool does,
	// provided to the model to guide tool selection.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool with parsed arguments and the explicit turn
	// context (session, contextual-state bag, call id, artifact access).
	Call(turnCtx *core.TurnContext, args map[string]any) (any, error)
}

// Meta is the small display metadata attached to a registry entry, used for
// transport status lines announcing tool use.
type Meta struct {
	DisplayName string
	Icon        string
}

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}
