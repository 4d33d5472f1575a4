// Package chatwire provides a high-level façade over the reconciliation
// engine and its collaborators (backend, transport, sessions, tools &
// logging) enabling rapid construction of chat-connected assistants. Most
// applications interact with this package by:
//  1. Creating an App via New() or FromConfig() (optionally overriding the
//     default in-memory services)
//  2. Registering zero or more tools
//  3. Feeding inbound user messages into HandleMessage
//
// The façade delegates turn processing to engine.Engine while keeping setup
// and usage ergonomics concise. All defaults are safe for local development
// and testing; production deployments typically supply a durable session
// store and a structured logger.
package chatwire

import (
	"context"
	"fmt"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/chatwire/chatwire/artifact"
	"github.com/chatwire/chatwire/backend/anthropic"
	"github.com/chatwire/chatwire/backend/openai"
	"github.com/chatwire/chatwire/config"
	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/engine"
	"github.com/chatwire/chatwire/logging"
	"github.com/chatwire/chatwire/session"
	"github.com/chatwire/chatwire/session/sqlite"
	"github.com/chatwire/chatwire/tool"
	slacktransport "github.com/chatwire/chatwire/transport/slack"
)

// Options configures the App instance.
type Options struct {
	// Engine tuning, forwarded to engine.Options.
	EngineConfig config.EngineConfig

	// Defaults seed sessions created on first contact.
	Defaults core.SessionDefaults

	// Stores (default to in-memory implementations if not provided)
	Sessions  core.SessionStore
	Artifacts core.ArtifactStore

	// Registry holds the invokable tools (defaults to an empty registry).
	Registry *tool.Registry

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// App is the high-level façade aggregating the engine and its services.
type App struct {
	engine   *engine.Engine
	sessions core.SessionStore
	registry *tool.Registry
	defaults core.SessionDefaults

	// closers are owned resources released by Close, in order.
	closers []func() error
}

// New creates an App over an already-constructed backend and transport. Any
// unset service is initialized with an in-memory implementation.
func New(backend core.Backend, transport core.Transport, optFns ...func(o *Options)) *App {
	opts := Options{
		Defaults:  core.SessionDefaults{Model: "gpt-4o"},
		Artifacts: artifact.NewInMemoryStore(),
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(session.NewMemoryStore(), func(o *session.ManagerOptions) {
			o.Logger = opts.Logger
		})
	}
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry(opts.Logger)
	}
	if opts.EngineConfig.MaxToolCycles == 0 {
		opts.EngineConfig.MaxToolCycles = 10
	}
	if opts.EngineConfig.FlushInterval == 0 {
		opts.EngineConfig.FlushInterval = 700 * time.Millisecond
	}
	if opts.EngineConfig.RetryAttempts == 0 {
		opts.EngineConfig.RetryAttempts = 3
	}
	if opts.EngineConfig.RetryBaseDelay == 0 {
		opts.EngineConfig.RetryBaseDelay = 500 * time.Millisecond
	}

	e := engine.New(backend, transport, func(o *engine.Options) {
		o.Sessions = opts.Sessions
		o.Registry = opts.Registry
		o.Artifacts = opts.Artifacts
		o.Logger = opts.Logger
		o.MaxToolCycles = opts.EngineConfig.MaxToolCycles
		o.FlushInterval = opts.EngineConfig.FlushInterval
		o.RetryAttempts = opts.EngineConfig.RetryAttempts
		o.RetryBaseDelay = opts.EngineConfig.RetryBaseDelay
	})

	return &App{
		engine:   e,
		sessions: opts.Sessions,
		registry: opts.Registry,
		defaults: opts.Defaults,
	}
}

// FromConfig wires a complete App from a loaded configuration: the selected
// backend provider, the Slack transport and the configured session storage.
func FromConfig(cfg *config.Config, optFns ...func(o *Options)) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Logging)

	be, err := newBackend(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	transport := slacktransport.New(cfg.Slack.BotToken, func(o *slacktransport.Options) {
		o.Logger = logger
	})

	var closers []func() error

	var docs core.DocumentStore
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open session storage: %w", err)
		}
		closers = append(closers, store.Close)
		docs = store
	default:
		docs = session.NewMemoryStore()
	}

	sessions := session.NewManager(docs, func(o *session.ManagerOptions) {
		o.Capacity = cfg.Sessions.MaxSessions
		o.Logger = logger
	})

	app := New(be, transport, func(o *Options) {
		o.EngineConfig = cfg.Engine
		o.Defaults = core.SessionDefaults{Model: cfg.Backend.Model}
		o.Sessions = sessions
		o.Logger = logger
		for _, fn := range optFns {
			fn(o)
		}
	})
	app.closers = closers

	return app, nil
}

func newBackend(cfg config.BackendConfig, logger logging.Logger) (core.Backend, error) {
	switch cfg.Provider {
	case "openai":
		var clientOpts []option.RequestOption
		if cfg.APIKey != "" {
			clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
		}
		client := openaisdk.NewClient(clientOpts...)
		return openai.NewFromClient(&client, func(o *openai.Options) {
			o.SystemPrompt = cfg.SystemPrompt
			o.Logger = logger
		}), nil
	case "anthropic":
		return anthropic.New(func(o *anthropic.Options) {
			o.APIKey = cfg.APIKey
			o.SystemPrompt = cfg.SystemPrompt
			o.Logger = logger
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
	}
}

func newLogger(cfg config.LoggingConfig) logging.Logger {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Format == "text" {
		return logging.NewTextLogger(nil, level)
	}
	return logging.NewJSONLogger(nil, level)
}

// RegisterTool adds a tool with its display metadata to the registry.
func (a *App) RegisterTool(t tool.Tool, meta tool.Meta) { a.registry.Register(t, meta) }

// Registry exposes the underlying tool registry for advanced setups.
func (a *App) Registry() *tool.Registry { return a.registry }

// HandleMessage processes one inbound user message: it resolves the session
// for sessionID (creating it from the configured defaults on first contact),
// runs a full conversational turn addressed at ref, and trims the in-memory
// session working set afterwards.
//
// Turns for the same session must not run concurrently; callers typically
// serialize per conversation key.
func (a *App) HandleMessage(ctx context.Context, sessionID string, ref core.ThreadRef, content string, attachments ...core.Attachment) error {
	s, err := a.sessions.GetOrCreate(ctx, sessionID, a.defaults)
	if err != nil {
		return err
	}

	err = a.engine.RunTurn(ctx, s, engine.TurnRequest{
		Content:     content,
		Attachments: attachments,
		Ref:         ref,
	})

	if evictor, ok := a.sessions.(interface{ EvictIfOverCapacity() }); ok {
		evictor.EvictIfOverCapacity()
	}

	return err
}

// Close releases resources owned by the App, such as the durable session
// store opened by FromConfig.
func (a *App) Close() error {
	var firstErr error
	for _, fn := range a.closers {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
