// Package core contains the shared value types and collaborator interfaces of
// the chatwire module: the RunEvent stream variants emitted by a conversational
// backend, the Session continuity model, the store and transport contracts, and
// the error taxonomy used across packages. Higher layers (engine, tool,
// session, transport adapters) depend on core; core depends on nothing above
// the standard library and small utility deps.
package core
