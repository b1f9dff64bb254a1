// Package platform defines the boundary to the external synchronized-execution
// service (the "reflector") that replicates room events to every participant.
// The reflector owns delivery order and deterministic replay; this package only
// carries events to and from it.
package platform

import (
	"context"
	"encoding/json"
)

// Event scopes and names shared with the reflector protocol.
const (
	ScopeSession  = "session"
	ScopeInput    = "input"
	ScopeViewInfo = "viewInfo"
	ScopeHistory  = "history"

	EventViewJoin = "view-join"
	EventViewExit = "view-exit"
)

// Handler consumes one replicated event payload. Handlers registered on the
// same Connection are invoked one at a time, in reflector delivery order.
type Handler func(payload json.RawMessage)

// Connection is the handle to one joined room session. It is shared by all
// current holders; only the last holder may tear it down via Leave.
type Connection interface {
	// ViewID is this participant's identity within the room, assigned by
	// the reflector at join time.
	ViewID() string

	// Publish sends an event to the reflector, which echoes it back to
	// every participant (including the sender) in a globally agreed order.
	// Events are never applied locally on the publish path.
	Publish(scope, event string, payload any) error

	// Subscribe registers a handler for a scope/event pair and returns a
	// subscription ID for Unsubscribe.
	Subscribe(scope, event string, h Handler) int64

	// Unsubscribe removes a single handler registration.
	Unsubscribe(scope, event string, id int64)

	// Execute runs fn on the session's serialized dispatch loop, atomically
	// interleaved with event handlers. Calls after Leave are dropped.
	Execute(fn func())

	// BindModel registers a well-known model instance under a name, and
	// Model resolves it. The room model is bound as "modelRoot".
	BindModel(name string, model any)
	Model(name string) (any, bool)

	// DetachView drops the local presentation bindings (event handlers)
	// without closing the shared session.
	DetachView()

	// Leave closes the session and stops event delivery. Idempotent.
	Leave() error
}

// Joiner opens one connection to a room. Implementations must be safe for
// concurrent use across rooms.
type Joiner func(ctx context.Context, roomID string) (Connection, error)

// WellKnownModel is the name the room model is bound under on a Connection.
const WellKnownModel = "modelRoot"
