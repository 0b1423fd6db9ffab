// Package capabilities defines the small struct of function values each
// domain module receives at construction so modules hold only
// capabilities, never a
// back-pointer to the Client that owns them.
package capabilities

import (
	"context"

	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/storage"
)

// Capabilities is handed to every domain module. A module never imports
// internal/xmpp/conn or internal/client directly; it only ever sees
// this narrow surface.
type Capabilities struct {
	// Send encodes v onto the live session, or returns an error if
	// nothing is currently connected.
	Send func(ctx context.Context, v interface{}) error

	// Session returns the raw *xmpp.Session for modules that call
	// directly into a mellium.im/xmpp/* helper (history.Fetch,
	// muc.Client.Join, roster.Fetch, and similar take a *xmpp.Session
	// rather than accepting a generic encoder).
	Session func() *xmpp.Session

	// CurrentJID returns the bound JID of the live session.
	CurrentJID func() jid.JID

	// Emit publishes a domain event on the shared bus.
	Emit func(t events.Type, payload interface{})

	// Store is the pluggable persistence adapter; may be nil.
	Store storage.Adapter

	// Account namespaces Store keys, typically the bare JID.
	Account string
}
