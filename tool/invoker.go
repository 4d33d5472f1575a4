package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/logging"
)

// Invoker executes backend-requested tool calls against a registry with full
// error isolation. Every call produces a usable ToolResult: an unknown
// function name resolves to an empty success result, an unparsable argument
// payload is treated as an empty-arguments call, and execution failures
// (including panics) are converted to a textual error output. None of these
// conditions propagates an error to the caller; a missing or broken tool
// must never stall the conversational run.
type Invoker struct {
	registry  *Registry
	logger    logging.Logger
	artifacts core.ArtifactStore
	parallel  bool
}

// InvokerOptions configure an Invoker.
type InvokerOptions struct {
	// Logger receives invocation diagnostics. Defaults to NoOp.
	Logger logging.Logger

	// Artifacts, when set, is exposed to tools through their TurnContext.
	Artifacts core.ArtifactStore

	// Parallel executes the calls of one batch concurrently. Result order and
	// call-id association are preserved either way; the default is sequential
	// execution in request order.
	Parallel bool
}

// NewInvoker constructs an invoker over the given registry.
func NewInvoker(registry *Registry, optFns ...func(o *InvokerOptions)) *Invoker {
	opts := InvokerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Invoker{
		registry:  registry,
		logger:    opts.Logger,
		artifacts: opts.Artifacts,
		parallel:  opts.Parallel,
	}
}

// Invoke executes one tool call and always returns a submittable result.
func (inv *Invoker) Invoke(ctx context.Context, session *core.Session, call core.ToolCall) (res core.ToolResult) {
	res = core.ToolResult{CallID: call.ID}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Error: %v", r)
			inv.logger.Error("tool.invoke.panic", "tool", call.Name, "call_id", call.ID, "panic", fmt.Sprintf("%v", r))
			res.Output = msg
			res.Error = msg
		}
	}()

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			// Malformed arguments degrade to an empty-arguments call.
			inv.logger.Warn("tool.invoke.bad_arguments", "tool", call.Name, "call_id", call.ID, "error", err.Error())
			args = map[string]any{}
		}
	}

	t, _, ok := inv.registry.Get(call.Name)
	if !ok {
		// A missing tool must never abort the run; degrade to an empty result.
		inv.logger.Warn("tool.invoke.unknown", "tool", call.Name, "call_id", call.ID)
		res.Output = "{}"
		return res
	}

	turnCtx := core.NewTurnContext(ctx, session, call.ID, inv.logger, inv.artifacts)

	result, err := t.Call(turnCtx, args)
	if err != nil {
		msg := "Error: " + err.Error()
		res.Output = msg
		res.Error = msg
		return res
	}

	res.Output = serializeResult(result)
	return res
}

// InvokeAll executes one batch of pending calls and returns results in
// request order, keyed by call id. The whole batch is meant to be submitted
// back to the run in a single submission.
func (inv *Invoker) InvokeAll(ctx context.Context, session *core.Session, calls []core.ToolCall) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))

	if !inv.parallel {
		for i, call := range calls {
			results[i] = inv.Invoke(ctx, session, call)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = inv.Invoke(gctx, session, call)
			return nil
		})
	}
	_ = g.Wait() // Invoke never returns an error; Wait just joins the group.
	return results
}

// serializeResult encodes a tool's return value for submission. A nil result
// becomes the empty JSON object so the run always receives a parsable output.
func serializeResult(result any) string {
	if result == nil {
		return "{}"
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "Error: " + err.Error()
	}
	return string(encoded)
}
