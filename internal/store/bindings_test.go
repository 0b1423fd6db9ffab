package store

import (
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/chat"
	"github.com/fluux-im/fluux/internal/xmpp/discovery"
	"github.com/fluux-im/fluux/internal/xmpp/muc"
	"github.com/fluux-im/fluux/internal/xmpp/presence"
	"github.com/fluux-im/fluux/internal/xmpp/roster"
)

func newTestStoreWithBus() (*Store, *events.Bus) {
	s := New(chat.NewManager(), muc.NewManager(), roster.NewManager(), presence.NewManager(), discovery.NewCache())
	bus := events.New()
	NewBindings(bus, s)
	return s, bus
}

func TestBindingsRecordAdminCommandResult(t *testing.T) {
	s, bus := newTestStoreWithBus()

	bus.Emit(events.TypeAdminCommandResult, events.AdminCommandResult{Node: "ping", Status: "completed"})

	history := s.AdminHistory()
	if len(history) != 1 || history[0].Node != "ping" {
		t.Fatalf("expected admin command result recorded, got %+v", history)
	}
}

func TestBindingsUpdateBlocklist(t *testing.T) {
	s, bus := newTestStoreWithBus()
	j, err := jid.Parse("spammer@example.com")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}

	bus.Emit(events.TypeBlocklistUpdated, events.BlocklistUpdated{JIDs: []jid.JID{j}})

	got := s.Blocklist()
	if len(got) != 1 || got[0].String() != j.String() {
		t.Fatalf("unexpected blocklist after binding: %+v", got)
	}
}

func TestBindingsRecordConsoleDiagnostic(t *testing.T) {
	s, bus := newTestStoreWithBus()

	bus.Emit(events.TypeConsoleDiagnostic, events.ConsoleDiagnostic{Message: "dead socket detected"})

	lines := s.Console()
	if len(lines) != 1 || lines[0] != "dead socket detected" {
		t.Fatalf("unexpected console log: %v", lines)
	}
}

func TestBindingsNotifyRoomJoined(t *testing.T) {
	s, bus := newTestStoreWithBus()
	room, err := jid.Parse("room@conference.example.com")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}

	var notified bool
	s.Watch(RoomJoinedKey(room), func() { notified = true })

	bus.Emit(events.TypeRoomJoined, events.RoomJoined{Room: room, Nick: "me"})

	if !notified {
		t.Fatalf("expected RoomJoined event to notify the room-joined selector")
	}
}

func TestBindingsRouteAvatarUpdateToRoster(t *testing.T) {
	s, bus := newTestStoreWithBus()
	alice, err := jid.Parse("alice@example.com")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}
	s.Roster.Set(roster.Item{JID: alice, Name: "Alice"})

	bus.Emit(events.TypeAvatarUpdated, events.AvatarUpdated{JID: alice, Hash: "h1", Data: []byte("png")})

	item := s.Roster.Get(alice)
	if item.AvatarHash != "h1" || string(item.Avatar) != "png" {
		t.Fatalf("expected avatar update routed to the roster contact, got %+v", item)
	}
}

func TestBindingsIgnoreWrongPayloadType(t *testing.T) {
	s, bus := newTestStoreWithBus()

	// A mismatched payload type must not panic and must not record anything.
	bus.Emit(events.TypeAdminCommandResult, "not an AdminCommandResult")

	if len(s.AdminHistory()) != 0 {
		t.Fatalf("expected no admin history recorded for a malformed payload")
	}
}

func TestBindingsDoNotSubscribeConnectionEvents(t *testing.T) {
	s, bus := newTestStoreWithBus()

	// TypeConnectionStatus/TypeConnectionAuthenticated are applied
	// directly by the Connection Manager via SetConnection, never
	// through Bindings; emitting them on the bus must have no effect on
	// the store's connection slice.
	bus.Emit(events.TypeConnectionStatus, struct{}{})

	if got := s.GetConnection(); got.Status != "" {
		t.Fatalf("expected connection slice untouched by bus events, got %+v", got)
	}
}
