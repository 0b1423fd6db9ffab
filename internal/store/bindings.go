package store

import (
	"github.com/fluux-im/fluux/internal/events"
)

// Bindings subscribes a Store to the event bus and is the only code,
// besides the Connection Manager's direct connection-slice writes,
// that mutates a Store. Domain modules already mutate their own
// manager (chat.Manager, muc.Manager, roster.Manager, ...) inline when
// they parse a stanza; Bindings exists for the slices with no such
// manager (admin history, blocklist, console log) and for translating
// module events into the selector notifications the Side-Effect
// Driver watches.
type Bindings struct {
	store *Store
}

// NewBindings wires b's subscriptions onto bus. TypeConnectionStatus
// and TypeConnectionAuthenticated are deliberately not subscribed
// here: the Connection Manager applies them directly to avoid a race
// where a status transition fires before this subscription is
// installed.
func NewBindings(bus *events.Bus, s *Store) *Bindings {
	b := &Bindings{store: s}

	bus.Subscribe(events.TypeAdminCommandResult, func(ev events.Event) {
		if result, ok := ev.Payload.(events.AdminCommandResult); ok {
			s.recordAdmin(result)
		}
	})
	bus.Subscribe(events.TypeBlocklistUpdated, func(ev events.Event) {
		if update, ok := ev.Payload.(events.BlocklistUpdated); ok {
			s.setBlocklist(update.JIDs)
		}
	})
	bus.Subscribe(events.TypeConsoleDiagnostic, func(ev events.Event) {
		if diag, ok := ev.Payload.(events.ConsoleDiagnostic); ok {
			s.recordConsole(diag.Message)
		}
	})
	bus.Subscribe(events.TypeRoomJoined, func(ev events.Event) {
		if joined, ok := ev.Payload.(events.RoomJoined); ok {
			s.NotifyRoomJoined(joined.Room)
		}
	})
	bus.Subscribe(events.TypeAvatarUpdated, func(ev events.Event) {
		if update, ok := ev.Payload.(events.AvatarUpdated); ok {
			s.Roster.SetAvatar(update.JID, update.Hash, update.Data)
		}
	})

	return b
}
