package core

import "github.com/google/uuid"

// RunEvent is one item of the ordered event stream produced by a backend run.
// Concrete event types implement the unexported isRunEvent marker, making the
// set closed: the engine dispatches with an exhaustive type switch and a new
// variant cannot be added without the dispatch site noticing.
type RunEvent interface{ isRunEvent() }

// MessageStarted announces that the backend began producing a visible
// assistant message. Exactly one MessageStarted precedes any TextDelta or
// MessageCompleted for a given message.
type MessageStarted struct {
	MessageID string
}

func (MessageStarted) isRunEvent() {}

// TextDelta carries an incremental fragment of the current assistant message.
// Snapshot, when the backend provides it, is the full text accumulated so far;
// consumers that track their own accumulation may ignore it.
type TextDelta struct {
	Delta    string
	Snapshot string
}

func (TextDelta) isRunEvent() {}

// MessageCompleted carries the final text of the current assistant message,
// superseding any partial snapshot built from deltas. Annotations reference
// inline citation markers to be resolved during the final render only.
type MessageCompleted struct {
	MessageID   string
	Text        string
	Annotations []Annotation
}

func (MessageCompleted) isRunEvent() {}

// ImageArtifactCompleted signals that the run produced a binary image
// artifact (e.g. a code-interpreter plot) retrievable via Backend.FetchArtifact.
type ImageArtifactCompleted struct {
	ArtifactRef string
}

func (ImageArtifactCompleted) isRunEvent() {}

// ToolCallStarted announces that the run began a tool call. Kind is the
// backend's tool category (ToolKindFunction for registry functions, or a
// builtin such as "code_interpreter"). FunctionName is set for function calls
// once known.
type ToolCallStarted struct {
	CallID       string
	Kind         string
	FunctionName string
}

func (ToolCallStarted) isRunEvent() {}

// ToolCallCompleted closes a previously started tool call. For function calls
// the fully reassembled argument JSON is attached; some backends only surface
// arguments here rather than on the start event.
type ToolCallCompleted struct {
	CallID       string
	Kind         string
	FunctionName string
	Arguments    string
}

func (ToolCallCompleted) isRunEvent() {}

// RunStepStarted reports the run identifier once the backend materializes it.
// The engine needs the id for status polling and tool-output submission.
type RunStepStarted struct {
	RunID string
}

func (RunStepStarted) isRunEvent() {}

// RunRequiresAction reports that the run is blocked on tool outputs. The
// pending calls must all be invoked and their results submitted together in
// one batch before the run continues.
type RunRequiresAction struct {
	RunID        string
	PendingCalls []ToolCall
}

func (RunRequiresAction) isRunEvent() {}

// StreamEnded is the terminal stream item. Status carries the run state
// observed at close; Reason is the backend's failure description when Status
// is RunStatusFailed. A RunStatusRequiresAction here means the action signal
// raced the stream close and must be handled exactly like RunRequiresAction.
type StreamEnded struct {
	RunID  string
	Status RunStatus
	Reason string
}

func (StreamEnded) isRunEvent() {}

// RunStatus is the backend-reported lifecycle state of a run.
type RunStatus string

const (
	RunStatusCompleted      RunStatus = "completed"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
	RunStatusInProgress     RunStatus = "in_progress"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired:
		return true
	}
	return false
}

// Tool call kinds surfaced on ToolCallStarted / ToolCallCompleted.
const (
	ToolKindFunction        = "function"
	ToolKindCodeInterpreter = "code_interpreter"
	ToolKindFileSearch      = "file_search"
)

// ToolCall is a backend-requested invocation of a named function with
// serialized JSON arguments.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolResult is the output produced for one ToolCall, keyed by the originating
// call id. Output is the serialized tool result (JSON on success, an
// "Error: ..." text when the tool degraded to an error result); Error carries
// the failure description in that case. The output is submitted to the
// backend either way, since a run must receive some output for every pending
// call.
type ToolResult struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Annotation references an inline citation marker inside a completed message
// text. Markers are resolved (replaced or stripped) during the final render
// only, never against partial delta flushes.
type Annotation struct {
	Marker string // verbatim marker text as it appears in the message
	Title  string // display title of the referenced source, may be empty
	URL    string // resolved link target, may be empty
}

// NewID generates a unique identifier for calls, invocations and messages.
func NewID() string { return uuid.NewString() }
