package events

import "testing"

func TestSubscribeDeliversOnlyMatchingType(t *testing.T) {
	bus := New()

	var chatCount, presenceCount int
	bus.Subscribe(TypeChatMessage, func(ev Event) { chatCount++ })
	bus.Subscribe(TypePresence, func(ev Event) { presenceCount++ })

	bus.Emit(TypeChatMessage, ChatMessage{ID: "m1"})
	bus.Emit(TypePresence, Presence{Show: "away"})
	bus.Emit(TypeChatMessage, ChatMessage{ID: "m2"})

	if chatCount != 2 {
		t.Fatalf("expected 2 chat events, got %d", chatCount)
	}
	if presenceCount != 1 {
		t.Fatalf("expected 1 presence event, got %d", presenceCount)
	}
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	bus := New()

	var seen []Type
	bus.SubscribeAll(func(ev Event) { seen = append(seen, ev.Type) })
	bus.Subscribe(TypeChatMessage, func(ev Event) {})

	bus.Emit(TypeChatMessage, ChatMessage{ID: "m1"})
	bus.Emit(TypeRoomJoined, RoomJoined{Nick: "bob"})

	if len(seen) != 2 {
		t.Fatalf("expected SubscribeAll to see 2 events, got %d", len(seen))
	}
	if seen[0] != TypeChatMessage || seen[1] != TypeRoomJoined {
		t.Fatalf("unexpected event order: %v", seen)
	}
}

func TestPublishOrdersTypedHandlersBeforeSubscribeAll(t *testing.T) {
	bus := New()

	var order []string
	bus.Subscribe(TypeChatMessage, func(ev Event) { order = append(order, "typed") })
	bus.SubscribeAll(func(ev Event) { order = append(order, "all") })

	bus.Emit(TypeChatMessage, ChatMessage{})

	if len(order) != 2 || order[0] != "typed" || order[1] != "all" {
		t.Fatalf("unexpected handler order: %v", order)
	}
}

func TestTypeStringUnknownFallsBackToUnknown(t *testing.T) {
	var t2 Type = 9999
	if got := t2.String(); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
	if got := TypeChatMessage.String(); got != "chat:message" {
		t.Fatalf("expected chat:message, got %q", got)
	}
}
