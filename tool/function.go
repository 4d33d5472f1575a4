package tool

import (
	"fmt"
	"time"

	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a
// tool. It validates model-supplied arguments against a lightweight JSON
// schema before execution and normalizes failures into *ToolError with
// consistent codes (VALIDATION_ERROR for schema mismatches, EXECUTION_ERROR
// for wrapped function errors; custom codes are preserved when the function
// returns a *ToolError directly).
//
// A FunctionTool has no internal mutable state after construction and is safe
// for concurrent use by multiple goroutines.
type FunctionTool struct {
	// Tool identifier (snake_case recommended)
	name string
	// Human-readable description shown to models
	description string
	// JSON schema describing accepted arguments
	parameters map[string]any
	// User supplied implementation
	fn func(turnCtx *core.TurnContext, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	dice := NewFunctionTool(
//	  "roll_dice",
//	  "Roll an n-sided die",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "sides": map[string]any{"type": "integer"},
//	    },
//	    "required": []string{"sides"},
//	  },
//	  func(tc *core.TurnContext, args map[string]any) (any, error) {
//	    sides := int(args["sides"].(float64))
//	    return map[string]any{"rolled": rand.IntN(sides) + 1}, nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(turnCtx *core.TurnContext, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection, equivalent to util.CreateSchema(structType). A convenience for
// simple argument containers.
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(turnCtx *core.TurnContext, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name returns the unique tool name used in function call declarations.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the (minimal) JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates the provided args against the declared schema then invokes
// the underlying function. Validation or execution failures are wrapped (or
// passed through) as *ToolError for uniform downstream handling.
func (t *FunctionTool) Call(turnCtx *core.TurnContext, args map[string]any) (any, error) {
	logger := turnCtx.Logger()
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "call_id", turnCtx.CallID())

	if err := util.ValidateParameters(args, t.parameters); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())

		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    "VALIDATION_ERROR",
			Details: err,
		}
	}

	result, err := t.fn(turnCtx, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			logger.Error("tool.call.error", "tool", t.name, "error", toolErr.Message)

			return nil, toolErr
		}

		logger.Error("tool.call.error", "tool", t.name, "error", err.Error())

		return nil, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    "EXECUTION_ERROR",
		}
	}

	logger.Info("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
