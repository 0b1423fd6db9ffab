package mam

import (
	"testing"

	"mellium.im/xmpp/jid"
)

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("parse jid %q: %v", s, err)
	}
	return j
}

func TestChatStateIsPerPeerAndMutable(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")

	if got := m.ChatState(alice); got != (QueryState{}) {
		t.Fatalf("expected zero-value state for a never-queried peer, got %+v", got)
	}

	state := m.chatState(alice)
	state.HasQueried = true
	state.IsHistoryComplete = true
	state.OldestFetchedID = "s1"

	got := m.ChatState(alice)
	if !got.HasQueried || !got.IsHistoryComplete || got.OldestFetchedID != "s1" {
		t.Fatalf("unexpected chat state snapshot: %+v", got)
	}
}

func TestChatStateIsKeyedByBareJID(t *testing.T) {
	m := NewManager()
	full := mustJID(t, "alice@example.com/phone")
	bare := mustJID(t, "alice@example.com")

	m.chatState(full).HasQueried = true

	if !m.ChatState(bare).HasQueried {
		t.Fatalf("expected chat state to be shared across resources of the same bare JID")
	}
}

func TestRoomStateIndependentOfChatState(t *testing.T) {
	m := NewManager()
	j := mustJID(t, "room@conference.example.com")

	m.chatState(j).HasQueried = true

	if m.RoomState(j).HasQueried {
		t.Fatalf("expected room and chat state to be tracked independently for the same JID string")
	}
}

func TestResetClearsAllTrackedState(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	room := mustJID(t, "room@conference.example.com")

	m.chatState(alice).HasQueried = true
	m.roomState(room).HasQueried = true

	m.Reset()

	if m.ChatState(alice).HasQueried {
		t.Fatalf("expected chat state cleared after Reset")
	}
	if m.RoomState(room).HasQueried {
		t.Fatalf("expected room state cleared after Reset")
	}
}

func TestSnapshotIsACopyNotALiveView(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")

	snap := m.ChatState(alice)
	snap.HasQueried = true

	if m.ChatState(alice).HasQueried {
		t.Fatalf("expected ChatState to return an independent copy, mutation should not propagate back")
	}
}
