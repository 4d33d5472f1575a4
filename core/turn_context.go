package core

import (
	"context"
	"fmt"

	"github.com/chatwire/chatwire/logging"
)

// TurnContext is the explicit per-invocation context handed to every tool
// call. It carries the session, the contextual-state bag set for the current
// turn, the originating call id and optional artifact access. Tools receive it
// as an argument rather than discovering an ambient "current session", so the
// same tool code is safe under concurrent turns for different sessions.
type TurnContext struct {
	ctx       context.Context
	session   *Session
	callID    string
	logger    logging.Logger
	artifacts ArtifactStore
}

// NewTurnContext constructs a turn context bound to a session and a unique
// function call id.
func NewTurnContext(ctx context.Context, session *Session, callID string, logger logging.Logger, artifacts ArtifactStore) *TurnContext {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &TurnContext{ctx: ctx, session: session, callID: callID, logger: logger, artifacts: artifacts}
}

// Context returns the context governing the tool invocation.
func (tc *TurnContext) Context() context.Context { return tc.ctx }

// Session returns the session the turn belongs to.
func (tc *TurnContext) Session() *Session { return tc.session }

// SessionID returns the session identifier, or empty when unbound (tests).
func (tc *TurnContext) SessionID() string {
	if tc.session == nil {
		return ""
	}
	return tc.session.ID()
}

// CallID returns the function call identifier correlating the backend request
// with this execution.
func (tc *TurnContext) CallID() string { return tc.callID }

// Logger returns the logger scoped to this invocation.
func (tc *TurnContext) Logger() logging.Logger { return tc.logger }

// ContextValue reads a key from the session's per-turn contextual state bag
// (current date/time, timezone, platform, channel, display name).
func (tc *TurnContext) ContextValue(key string) (string, bool) {
	if tc.session == nil {
		return "", false
	}
	return tc.session.Context(key)
}

// SaveArtifact persists artifact bytes scoped to the session.
func (tc *TurnContext) SaveArtifact(artifactID string, data []byte) error {
	if tc.artifacts == nil {
		return fmt.Errorf("artifact store not configured")
	}
	return tc.artifacts.Save(tc.ctx, tc.SessionID(), artifactID, data)
}

// LoadArtifact retrieves a persisted artifact by id.
func (tc *TurnContext) LoadArtifact(artifactID string) ([]byte, error) {
	if tc.artifacts == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}
	return tc.artifacts.Get(tc.ctx, tc.SessionID(), artifactID)
}
