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

func newTestStore() *Store {
	return New(chat.NewManager(), muc.NewManager(), roster.NewManager(), presence.NewManager(), discovery.NewCache())
}

func TestSetConnectionNotifiesOnlyOnOfflineToLiveTransition(t *testing.T) {
	s := newTestStore()
	var notified int
	s.Watch(SelectorConnectionOnline, func() { notified++ })

	s.SetConnection(Connection{Status: "connecting"})
	if notified != 0 {
		t.Fatalf("expected no notify while transitioning through connecting, got %d", notified)
	}

	s.SetConnection(Connection{Status: "live"})
	if notified != 1 {
		t.Fatalf("expected exactly 1 notify on offline->live, got %d", notified)
	}

	s.SetConnection(Connection{Status: "live", Reason: "resumed"})
	if notified != 1 {
		t.Fatalf("expected no additional notify while already live, got %d", notified)
	}

	s.SetConnection(Connection{Status: "disconnected"})
	s.SetConnection(Connection{Status: "live"})
	if notified != 2 {
		t.Fatalf("expected a second notify after going offline and back live, got %d", notified)
	}
}

func TestGetConnectionReturnsLatest(t *testing.T) {
	s := newTestStore()
	s.SetConnection(Connection{Status: "live", Authenticated: true})

	got := s.GetConnection()
	if got.Status != "live" || !got.Authenticated {
		t.Fatalf("unexpected connection snapshot: %+v", got)
	}
}

func TestSetActiveConversationNotifiesOnlyOnChange(t *testing.T) {
	s := newTestStore()
	var notified int
	s.Watch(SelectorActiveConversation, func() { notified++ })

	s.SetActiveConversation("alice@example.com")
	if notified != 1 {
		t.Fatalf("expected 1 notify on first set, got %d", notified)
	}

	s.SetActiveConversation("alice@example.com")
	if notified != 1 {
		t.Fatalf("expected no notify for an unchanged value, got %d", notified)
	}

	s.SetActiveConversation("bob@example.com")
	if notified != 2 {
		t.Fatalf("expected a notify when the active conversation actually changes, got %d", notified)
	}
	if s.ActiveConversation() != "bob@example.com" {
		t.Fatalf("unexpected active conversation: %q", s.ActiveConversation())
	}
}

func TestSetActiveRoomHasNoDedicatedSelector(t *testing.T) {
	s := newTestStore()
	s.SetActiveRoom("room@conference.example.com")
	if s.ActiveRoom() != "room@conference.example.com" {
		t.Fatalf("unexpected active room: %q", s.ActiveRoom())
	}
}

func TestAdminHistoryIsBounded(t *testing.T) {
	s := newTestStore()
	for i := 0; i < maxAdminHistory+10; i++ {
		s.recordAdmin(events.AdminCommandResult{Node: "ping", Status: "completed"})
	}

	history := s.AdminHistory()
	if len(history) != maxAdminHistory {
		t.Fatalf("expected admin history capped at %d, got %d", maxAdminHistory, len(history))
	}
}

func TestConsoleLogIsBounded(t *testing.T) {
	s := newTestStore()
	for i := 0; i < maxConsoleLines+25; i++ {
		s.recordConsole("line")
	}

	if got := len(s.Console()); got != maxConsoleLines {
		t.Fatalf("expected console log capped at %d, got %d", maxConsoleLines, got)
	}
}

func TestBlocklistRoundTrip(t *testing.T) {
	s := newTestStore()
	j, err := jid.Parse("spammer@example.com")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}

	s.setBlocklist([]jid.JID{j})
	got := s.Blocklist()
	if len(got) != 1 || got[0].String() != j.String() {
		t.Fatalf("unexpected blocklist: %+v", got)
	}
}

func TestWatchersRunInRegistrationOrder(t *testing.T) {
	s := newTestStore()
	var order []int
	s.Watch(SelectorActiveConversation, func() { order = append(order, 1) })
	s.Watch(SelectorActiveConversation, func() { order = append(order, 2) })

	s.SetActiveConversation("alice@example.com")

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected watchers to run in registration order, got %v", order)
	}
}

func TestNotifyRoomSupportsMAMAndRoomJoinedUseDistinctKeys(t *testing.T) {
	s := newTestStore()
	room, err := jid.Parse("room@conference.example.com")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}

	var mamNotified, joinedNotified bool
	s.Watch(RoomMAMKey(room), func() { mamNotified = true })
	s.Watch(RoomJoinedKey(room), func() { joinedNotified = true })

	s.NotifyRoomSupportsMAM(room)
	if !mamNotified || joinedNotified {
		t.Fatalf("expected only the MAM selector to fire, got mam=%v joined=%v", mamNotified, joinedNotified)
	}

	mamNotified = false
	s.NotifyRoomJoined(room)
	if joinedNotified && mamNotified {
		t.Fatalf("expected room-joined notify not to re-trigger the MAM watcher")
	}
	if !joinedNotified {
		t.Fatalf("expected the joined selector to fire")
	}
}
