package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatwire/chatwire/blocks"
	"github.com/chatwire/chatwire/core"
)

// pendingMessage is the working state for the assistant message currently
// being streamed to the transport. It is owned by exactly one turn and
// discarded after the final render.
type pendingMessage struct {
	handle    core.MessageHandle
	text      string
	flushed   int
	lastFlush time.Time
}

// turn tracks one reconciliation pass: the run id once known, the message
// under construction and the tool-cycle budget.
type turn struct {
	engine   *Engine
	session  *core.Session
	threadID string
	ref      core.ThreadRef
	cycles   *core.CycleLimiter

	runID   string
	pending *pendingMessage
}

// reconcile drains streams until the run terminates, rebinding to the
// continuation stream after each tool-output submission. The loop replaces
// recursive re-entry so many tool cycles cannot grow the call stack.
func (t *turn) reconcile(ctx context.Context, stream core.RunStream) error {
	for {
		next, err := t.drain(ctx, stream)
		if err != nil {
			t.fail(ctx, err)
			return err
		}
		if next == nil {
			return nil
		}
		stream = next
	}
}

// drain consumes one stream in order. It returns a continuation stream when
// the run blocked on tool outputs, or (nil, nil) when the run completed.
func (t *turn) drain(ctx context.Context, stream core.RunStream) (core.RunStream, error) {
	defer stream.Close()

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch ev := stream.Current().(type) {
		case core.RunStepStarted:
			t.runID = ev.RunID

		case core.MessageStarted:
			if err := t.startMessage(ctx); err != nil {
				return nil, err
			}

		case core.TextDelta:
			if err := t.onDelta(ctx, ev); err != nil {
				return nil, err
			}

		case core.MessageCompleted:
			if err := t.completeMessage(ctx, ev); err != nil {
				return nil, err
			}

		case core.ImageArtifactCompleted:
			if err := t.onImageArtifact(ctx, ev); err != nil {
				return nil, err
			}

		case core.ToolCallStarted:
			if err := t.announceToolCall(ctx, ev); err != nil {
				return nil, err
			}

		case core.ToolCallCompleted:
			t.engine.logger.Debug("engine.tool_call.completed",
				"session_id", t.session.ID(), "call_id", ev.CallID, "tool", ev.FunctionName)

		case core.RunRequiresAction:
			return t.continueWithTools(ctx, ev.RunID, ev.PendingCalls)

		case core.StreamEnded:
			return t.onStreamEnded(ctx, ev)

		default:
			t.engine.logger.Warn("engine.event.unknown",
				"session_id", t.session.ID(), "event", fmt.Sprintf("%T", ev))
		}
	}

	if err := stream.Err(); err != nil {
		return nil, &core.BackendRunError{RunID: t.runID, Reason: err.Error()}
	}

	// The stream closed without a terminal event. Some backends surface the
	// final state only through a status poll, so reconcile it explicitly.
	return t.reconcileClosedRun(ctx)
}

// startMessage opens a fresh pending message and immediately posts a
// placeholder so every later flush targets a stable handle instead of racing
// a create against the transport.
func (t *turn) startMessage(ctx context.Context) error {
	if t.pending != nil {
		// The backend opened a second message before completing the first.
		// Finalize what we have so its content is not lost.
		if err := t.completeMessage(ctx, core.MessageCompleted{Text: t.pending.text}); err != nil {
			return err
		}
	}

	placeholder := []blocks.Block{blocks.StatusLine{Icon: ":hourglass_flowing_sand:", Text: "Thinking..."}}
	handle, err := t.post(ctx, placeholder)
	if err != nil {
		return err
	}
	t.pending = &pendingMessage{handle: handle}
	return nil
}

// onDelta accumulates a text fragment and flushes an update when the
// accumulated text crossed a newline boundary and the debounce window allows
// it. Sub-line deltas never reach the transport.
func (t *turn) onDelta(ctx context.Context, ev core.TextDelta) error {
	if t.pending == nil {
		malformed := &core.MalformedEventError{Reason: "text delta before message start"}
		t.engine.logger.Warn("engine.event.malformed", "session_id", t.session.ID(), "error", malformed.Error())
		if err := t.startMessage(ctx); err != nil {
			return err
		}
	}

	if ev.Delta != "" {
		t.pending.text += ev.Delta
	} else if ev.Snapshot != "" {
		t.pending.text = ev.Snapshot
	}

	boundary := blocks.FlushBoundary(t.pending.text)
	if boundary <= t.pending.flushed {
		return nil
	}
	if t.engine.flushInterval > 0 && !t.pending.lastFlush.IsZero() &&
		time.Since(t.pending.lastFlush) < t.engine.flushInterval {
		// Debounced. The next boundary, or the final render, picks it up.
		return nil
	}

	bs, flushedTo := blocks.RenderIncremental(t.pending.flushed, t.pending.text)
	if err := t.update(ctx, t.pending.handle, bs); err != nil {
		return err
	}
	t.pending.flushed = flushedTo
	t.pending.lastFlush = time.Now()
	return nil
}

// completeMessage performs the final full render of the message, superseding
// any partial flush, and appends the text to session history.
func (t *turn) completeMessage(ctx context.Context, ev core.MessageCompleted) error {
	if t.pending == nil {
		malformed := &core.MalformedEventError{Reason: "message completed before message start"}
		t.engine.logger.Warn("engine.event.malformed", "session_id", t.session.ID(), "error", malformed.Error())
		if err := t.startMessage(ctx); err != nil {
			return err
		}
	}

	final := ev.Text
	if final == "" {
		final = t.pending.text
	}
	final = resolveAnnotations(final, ev.Annotations)

	bs := blocks.Render(final)
	if len(bs) == 0 {
		bs = []blocks.Block{blocks.StatusLine{Icon: ":speech_balloon:", Text: "(empty response)"}}
	}
	if err := t.update(ctx, t.pending.handle, bs); err != nil {
		return err
	}

	if final != "" {
		t.session.AppendAssistant(final)
	}
	t.pending = nil
	return nil
}

// onImageArtifact fetches a generated binary artifact from the backend,
// uploads it through the transport and posts it as a standalone message. A
// fetch failure is absorbed with a log entry; transport failures follow the
// usual retry-then-fail path.
func (t *turn) onImageArtifact(ctx context.Context, ev core.ImageArtifactCompleted) error {
	data, err := t.engine.backend.FetchArtifact(ctx, ev.ArtifactRef)
	if err != nil {
		t.engine.logger.Warn("engine.artifact.fetch_failed",
			"session_id", t.session.ID(), "artifact", ev.ArtifactRef, "error", err.Error())
		return nil
	}

	if t.engine.artifacts != nil {
		if err := t.engine.artifacts.Save(ctx, t.session.ID(), ev.ArtifactRef, data); err != nil {
			t.engine.logger.Warn("engine.artifact.save_failed",
				"session_id", t.session.ID(), "artifact", ev.ArtifactRef, "error", err.Error())
		}
	}

	filename := ev.ArtifactRef + ".png"
	var url string
	err = t.engine.withRetry(ctx, "upload_artifact", func() error {
		var uerr error
		url, uerr = t.engine.transport.UploadArtifact(ctx, t.ref, filename, data)
		return uerr
	})
	if err != nil {
		return err
	}

	_, err = t.post(ctx, []blocks.Block{blocks.Image{URL: url, Alt: "Generated image"}})
	return err
}

// announceToolCall posts a status line naming the capability in use. Function
// calls resolve display metadata through the registry; builtin kinds carry
// fixed labels. A function call whose name is not known yet stays silent.
func (t *turn) announceToolCall(ctx context.Context, ev core.ToolCallStarted) error {
	var line blocks.StatusLine
	switch ev.Kind {
	case core.ToolKindCodeInterpreter:
		line = blocks.StatusLine{Icon: ":computer:", Text: "Running code"}
	case core.ToolKindFileSearch:
		line = blocks.StatusLine{Icon: ":mag:", Text: "Searching files"}
	default:
		if ev.FunctionName == "" {
			return nil
		}
		meta := t.engine.registry.DisplayMeta(ev.FunctionName)
		line = blocks.StatusLine{Icon: meta.Icon, Text: "Using " + meta.DisplayName}
	}

	t.engine.logger.Info("engine.tool_call.started",
		"session_id", t.session.ID(), "call_id", ev.CallID, "kind", ev.Kind, "tool", ev.FunctionName)
	_, err := t.post(ctx, []blocks.Block{line})
	return err
}

// continueWithTools invokes one batch of pending calls, submits all results
// in a single submission and returns the continuation stream.
func (t *turn) continueWithTools(ctx context.Context, runID string, calls []core.ToolCall) (core.RunStream, error) {
	if runID != "" {
		t.runID = runID
	}
	if err := t.cycles.Increment(); err != nil {
		return nil, err
	}

	results := t.engine.invoker.InvokeAll(ctx, t.session, calls)

	next, err := t.engine.backend.SubmitToolOutputs(ctx, t.threadID, t.runID, results)
	if err != nil {
		return nil, &core.BackendRunError{RunID: t.runID, Reason: err.Error()}
	}
	t.engine.logger.Info("engine.tool_cycle.submitted",
		"session_id", t.session.ID(), "run_id", t.runID, "calls", len(calls), "cycle", t.cycles.Count())
	return next, nil
}

// onStreamEnded resolves the run's terminal state. A requires-action status
// observed at stream close raced the in-stream event and is handled exactly
// like RunRequiresAction.
func (t *turn) onStreamEnded(ctx context.Context, ev core.StreamEnded) (core.RunStream, error) {
	if ev.RunID != "" {
		t.runID = ev.RunID
	}

	switch ev.Status {
	case core.RunStatusCompleted:
		return nil, nil
	case core.RunStatusFailed, core.RunStatusCancelled, core.RunStatusExpired:
		reason := ev.Reason
		if reason == "" {
			reason = string(ev.Status)
		}
		return nil, &core.BackendRunError{RunID: t.runID, Reason: reason}
	case core.RunStatusRequiresAction:
		status, calls, err := t.pollRunStatus(ctx)
		if err != nil {
			return nil, err
		}
		if status == core.RunStatusRequiresAction {
			return t.continueWithTools(ctx, t.runID, calls)
		}
		return t.resolveStatus(ctx, status, "")
	default:
		return t.reconcileClosedRun(ctx)
	}
}

// reconcileClosedRun polls the run once after its stream closed without a
// terminal event and dispatches on the observed status.
func (t *turn) reconcileClosedRun(ctx context.Context) (core.RunStream, error) {
	if t.runID == "" {
		return nil, nil
	}
	status, calls, err := t.pollRunStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status == core.RunStatusRequiresAction {
		return t.continueWithTools(ctx, t.runID, calls)
	}
	return t.resolveStatus(ctx, status, "")
}

func (t *turn) resolveStatus(_ context.Context, status core.RunStatus, reason string) (core.RunStream, error) {
	switch status {
	case core.RunStatusFailed, core.RunStatusCancelled, core.RunStatusExpired:
		if reason == "" {
			reason = string(status)
		}
		return nil, &core.BackendRunError{RunID: t.runID, Reason: reason}
	default:
		return nil, nil
	}
}

func (t *turn) pollRunStatus(ctx context.Context) (core.RunStatus, []core.ToolCall, error) {
	status, calls, err := t.engine.backend.RunStatus(ctx, t.threadID, t.runID)
	if err != nil {
		return "", nil, &core.BackendRunError{RunID: t.runID, Reason: err.Error()}
	}
	return status, calls, nil
}

// fail posts a best-effort user-visible status for the failed turn. A stuck
// placeholder is updated in place; otherwise a standalone status is posted.
// Delivery is not guaranteed and uses no retry.
func (t *turn) fail(ctx context.Context, turnErr error) {
	t.engine.logger.Error("engine.turn.failed",
		"session_id", t.session.ID(), "run_id", t.runID, "error", turnErr.Error())

	line := blocks.StatusLine{Icon: ":warning:", Text: failureText(turnErr)}
	bs := []blocks.Block{line}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if t.pending != nil && !t.pending.handle.Zero() {
		_ = t.engine.transport.UpdateMessage(bctx, t.pending.handle, bs, blocks.Fallback(bs))
		return
	}
	_, _ = t.engine.transport.PostMessage(bctx, t.ref, bs, blocks.Fallback(bs))
}

func failureText(err error) string {
	var runErr *core.BackendRunError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Interrupted"
	case errors.Is(err, core.ErrTooManyToolCycles):
		return "Stopped: the assistant kept requesting tools without finishing"
	case errors.As(err, &runErr):
		return "The assistant run failed: " + runErr.Reason
	default:
		return "Something went wrong delivering the response"
	}
}

// post sends a message through the transport with the bounded retry schedule.
func (t *turn) post(ctx context.Context, bs []blocks.Block) (core.MessageHandle, error) {
	var handle core.MessageHandle
	err := t.engine.withRetry(ctx, "post_message", func() error {
		var perr error
		handle, perr = t.engine.transport.PostMessage(ctx, t.ref, bs, blocks.Fallback(bs))
		return perr
	})
	return handle, err
}

// update rewrites a posted message through the transport with the bounded
// retry schedule.
func (t *turn) update(ctx context.Context, handle core.MessageHandle, bs []blocks.Block) error {
	return t.engine.withRetry(ctx, "update_message", func() error {
		return t.engine.transport.UpdateMessage(ctx, handle, bs, blocks.Fallback(bs))
	})
}

// withRetry runs a transport call up to the configured number of attempts
// with doubling backoff, converting exhaustion into a TransportDeliveryError.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := e.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := e.retryBaseDelay
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		e.logger.Warn("engine.transport.retry", "op", op, "attempt", attempt, "error", last.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return &core.TransportDeliveryError{Op: op, Attempts: attempts, Err: last}
}

// resolveAnnotations replaces inline citation markers with their resolved
// links, or strips them when no link is available. It runs against the final
// message text only, never against partial flushes.
func resolveAnnotations(text string, anns []core.Annotation) string {
	for _, a := range anns {
		if a.Marker == "" {
			continue
		}
		repl := ""
		switch {
		case a.URL != "" && a.Title != "":
			repl = fmt.Sprintf(" ([%s](%s))", a.Title, a.URL)
		case a.URL != "":
			repl = " (" + a.URL + ")"
		}
		text = strings.ReplaceAll(text, a.Marker, repl)
	}
	return text
}
