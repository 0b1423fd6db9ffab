// Package xmpperr classifies the errors the runtime can encounter into
// the handful of kinds each component needs to know how to react to.
// Nothing outside the Connection Manager decides whether an error is
// fatal; every other module turns its errors into typed events instead.
package xmpperr

import (
	"errors"
	"fmt"

	"mellium.im/xmpp/stanza"
)

// Kind classifies an error by the policy it demands, per the taxonomy
// every module in this tree follows.
type Kind int

const (
	// KindUnknown is the zero value; callers should treat it like
	// KindProtocol (log and drop) rather than panic on it.
	KindUnknown Kind = iota

	// KindTransientNetwork covers socket errors and ping timeouts:
	// reconnect with backoff, preserve SM state, no user-facing error.
	KindTransientNetwork

	// KindDeadSocket covers writes that land on a socket the OS has
	// already torn down: force-reconnect, reconcile the status store.
	KindDeadSocket

	// KindFatalAuth covers not-authorized/conflict: terminal state,
	// surfaced as a system notification, never retried.
	KindFatalAuth

	// KindProtocol covers malformed stanzas or missing required
	// children: log and drop, never crash the router.
	KindProtocol

	// KindIQError covers <iq type='error'/> replies: resolves the
	// outstanding request with this typed error; the caller decides.
	KindIQError

	// KindMUCInviteError covers a forbidden (or similar) reply to a
	// room invite: emit a room:invite-error event instead of failing
	// the join.
	KindMUCInviteError

	// KindStorage covers adapter failures: log and continue,
	// persistence is always best-effort.
	KindStorage

	// KindPresenceProbe covers remote-server-not-found and similar on
	// a directed presence probe: record against the contact only.
	KindPresenceProbe
)

// String renders a human-readable label for logging.
func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient-network"
	case KindDeadSocket:
		return "dead-socket"
	case KindFatalAuth:
		return "fatal-auth"
	case KindProtocol:
		return "protocol"
	case KindIQError:
		return "iq-error"
	case KindMUCInviteError:
		return "muc-invite-error"
	case KindStorage:
		return "storage"
	case KindPresenceProbe:
		return "presence-probe"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the Kind that decides how the
// runtime reacts to it, and, for IQ and auth errors, the stanza-level
// condition that caused it.
type Error struct {
	Kind      Kind
	Condition stanza.Error
	Err       error
}

func (e *Error) Error() string {
	if e.Condition.Condition != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Condition.Condition, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// FromStanzaError classifies a <iq type='error'/> or <message
// type='error'/> payload's stanza.Error by its defined condition,
// falling back to KindIQError for anything not explicitly fatal.
func FromStanzaError(se stanza.Error) *Error {
	kind := KindIQError
	switch se.Condition {
	case stanza.NotAuthorized, stanza.Conflict, stanza.Forbidden, stanza.RegistrationRequired:
		kind = KindFatalAuth
	case stanza.ServiceUnavailable, stanza.RemoteServerNotFound, stanza.RemoteServerTimeout:
		kind = KindTransientNetwork
	}
	return &Error{Kind: kind, Condition: se, Err: errors.New(string(se.Condition))}
}

// IsKind reports whether err, or any error it wraps, is an *Error of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind == kind
	}
	return false
}
