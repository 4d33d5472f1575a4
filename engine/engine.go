package engine

import (
	"context"
	"time"

	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/logging"
	"github.com/chatwire/chatwire/tool"
)

// Options configure an Engine instance using the functional options pattern.
type Options struct {
	// Sessions resolves and persists sessions. Required.
	Sessions core.SessionStore

	// Registry supplies tool declarations for runs and display metadata for
	// status lines. Defaults to an empty registry.
	Registry *tool.Registry

	// Invoker executes pending tool calls. Defaults to a sequential invoker
	// over Registry.
	Invoker *tool.Invoker

	// Artifacts, when set, receives a copy of fetched backend artifacts.
	Artifacts core.ArtifactStore

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger

	// MaxToolCycles bounds consecutive requires-action cycles per turn.
	// 0 means unlimited. Defaults to 10.
	MaxToolCycles int

	// FlushInterval is the minimum spacing between partial transport flushes
	// of one pending message. The first newline boundary always flushes
	// immediately; later boundaries wait out the interval. 0 disables the
	// debounce. Defaults to 700ms.
	FlushInterval time.Duration

	// RetryAttempts is the total number of tries per transport call before
	// the turn fails with a TransportDeliveryError. Defaults to 3.
	RetryAttempts int

	// RetryBaseDelay is the first retry backoff; it doubles per attempt.
	// Defaults to 500ms.
	RetryBaseDelay time.Duration
}

// Engine reconciles backend run streams against a chat transport. It is safe
// for concurrent RunTurn calls on different sessions; serializing turns per
// session is the caller's responsibility.
type Engine struct {
	backend   core.Backend
	transport core.Transport
	sessions  core.SessionStore
	registry  *tool.Registry
	invoker   *tool.Invoker
	artifacts core.ArtifactStore
	logger    logging.Logger

	maxToolCycles  int
	flushInterval  time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
}

// New creates an engine over a backend and a transport.
func New(backend core.Backend, transport core.Transport, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger:         logging.NoOpLogger{},
		MaxToolCycles:  10,
		FlushInterval:  700 * time.Millisecond,
		RetryAttempts:  3,
		RetryBaseDelay: 500 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry(opts.Logger)
	}
	if opts.Invoker == nil {
		opts.Invoker = tool.NewInvoker(opts.Registry, func(o *tool.InvokerOptions) {
			o.Logger = opts.Logger
			o.Artifacts = opts.Artifacts
		})
	}
	return &Engine{
		backend:        backend,
		transport:      transport,
		sessions:       opts.Sessions,
		registry:       opts.Registry,
		invoker:        opts.Invoker,
		artifacts:      opts.Artifacts,
		logger:         opts.Logger,
		maxToolCycles:  opts.MaxToolCycles,
		flushInterval:  opts.FlushInterval,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// TurnRequest carries one inbound user event into a turn.
type TurnRequest struct {
	// Content is the user's message text.
	Content string

	// Attachments are backend-side files included with the message.
	Attachments []core.Attachment

	// Ref addresses the transport destination the turn's messages go to.
	Ref core.ThreadRef
}

// RunTurn processes one conversational turn for the session: it binds the
// backend thread (creating it durably on first use), appends the user
// message, opens a run and reconciles its event stream against the transport
// until the run terminates.
//
// Tool failures never fail the turn. The returned error is non-nil only for
// the user-visible failure kinds: a failed backend run, exhausted transport
// retries, the tool-cycle bound, a required persistence failure, or
// cancellation.
func (e *Engine) RunTurn(ctx context.Context, session *core.Session, req TurnRequest) error {
	if req.Content == "" && len(req.Attachments) == 0 {
		return core.ErrEmptyTurn
	}

	threadID, err := e.ensureThread(ctx, session)
	if err != nil {
		return err
	}

	if err := e.backend.AddUserMessage(ctx, threadID, req.Content, req.Attachments); err != nil {
		return &core.BackendRunError{Reason: err.Error()}
	}
	session.AppendUser(req.Content)

	stream, err := e.backend.OpenRun(ctx, threadID, session.Model(), e.registry.Definitions())
	if err != nil {
		return &core.BackendRunError{Reason: err.Error()}
	}

	t := &turn{
		engine:   e,
		session:  session,
		threadID: threadID,
		ref:      req.Ref,
		cycles:   core.NewCycleLimiter(e.maxToolCycles),
	}
	turnErr := t.reconcile(ctx, stream)

	// End-of-turn snapshot is best effort: a failure here must not mask the
	// turn's own outcome.
	if err := e.sessions.Persist(context.WithoutCancel(ctx), session); err != nil {
		e.logger.Warn("engine.persist.deferred", "session_id", session.ID(), "error", err.Error())
	}

	return turnErr
}

// ensureThread returns the session's backend thread id, creating and durably
// persisting it on first use. Persistence failure here fails the turn: an
// unpersisted thread id would orphan the backend thread on restart.
func (e *Engine) ensureThread(ctx context.Context, session *core.Session) (string, error) {
	if id := session.ThreadID(); id != "" {
		return id, nil
	}

	id, err := e.backend.CreateThread(ctx)
	if err != nil {
		return "", &core.BackendRunError{Reason: err.Error()}
	}
	if err := session.BindThread(id); err != nil {
		return "", err
	}
	if err := e.sessions.Persist(ctx, session); err != nil {
		return "", err
	}
	e.logger.Info("engine.thread.bound", "session_id", session.ID(), "thread_id", id)
	return id, nil
}
