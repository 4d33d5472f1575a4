// Package engine implements the stream reconciliation core: it drives one
// conversational turn by consuming the ordered event stream of a backend run
// and reconciling it against a chat transport that only understands discrete
// create/update message operations.
//
// Per turn the engine resolves the session's backend thread (creating and
// durably persisting it on first use), appends the user message, opens a run
// and drains its events. Text deltas accumulate into a pending message that is
// flushed to the transport at newline boundaries within a debounce window,
// never per token. When the run blocks on tool outputs the engine invokes the
// pending calls through the tool invoker, submits the full result batch in one
// submission and rebinds to the continuation stream, looping until the run
// reaches a terminal state or the tool-cycle bound trips.
//
// Turns for different sessions may run concurrently; the engine holds no
// shared mutable state beyond the injected session store and tool registry.
package engine
