package presence

import (
	"context"
	"fmt"

	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
)

// Module sends the user's own presence onto the wire. Inbound contact
// presence is decoded by roster.Module, which already owns the
// subscription-state bookkeeping an incoming <presence/> affects;
// Module exists only for the outbound half, so WireProjection (see
// machine.go) has a Sender that doesn't require importing
// capabilities into machine.go itself.
type Module struct {
	cap capabilities.Capabilities
}

// New builds a Module around cap.
func New(cap capabilities.Capabilities) *Module {
	return &Module{cap: cap}
}

// outPresence is our own broadcast presence: no "to" (broadcast to
// every subscriber), show/status omitted when empty so a plain
// available presence round-trips as a bare <presence/>.
type outPresence struct {
	stanza.Presence
	Show   string `xml:"show,omitempty"`
	Status string `xml:"status,omitempty"`
}

// SendPresence broadcasts show/status as our own presence. It
// implements Sender (machine.go).
func (m *Module) SendPresence(ctx context.Context, show Show, status string) error {
	out := outPresence{Show: string(show), Status: status}
	if err := m.cap.Send(ctx, out); err != nil {
		return fmt.Errorf("presence: broadcast: %w", err)
	}
	return nil
}
