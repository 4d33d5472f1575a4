// Package session implements the session store: a bounded in-memory working
// set of live sessions over an abstract durable document store. Sessions are
// created with insert-if-absent semantics so concurrent resolution of the
// same conversation id converges on one durable record, and are evicted from
// memory (never from durable storage) least-recently-updated first once the
// working set exceeds its capacity.
package session
