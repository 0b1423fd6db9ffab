package presence

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

func TestGetReturnsHighestPriorityResource(t *testing.T) {
	m := NewManager()
	m.Set(Status{JID: mustJID(t, "alice@example.com/phone"), Show: ShowAway, Priority: 1})
	m.Set(Status{JID: mustJID(t, "alice@example.com/laptop"), Show: ShowOnline, Priority: 5})

	best := m.Get(mustJID(t, "alice@example.com"))
	if best == nil || best.Show != ShowOnline {
		t.Fatalf("expected the higher-priority laptop resource to win, got %+v", best)
	}
}

func TestRemoveSpecificResourceKeepsOthers(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	m.Set(Status{JID: mustJID(t, "alice@example.com/phone"), Priority: 1})
	m.Set(Status{JID: mustJID(t, "alice@example.com/laptop"), Priority: 1})

	m.Remove(mustJID(t, "alice@example.com/phone"))
	if !m.IsOnline(alice) {
		t.Fatalf("expected alice to still be online via the laptop resource")
	}
	if len(m.GetResources(alice)) != 1 {
		t.Fatalf("expected exactly 1 remaining resource")
	}
}

func TestRemoveBareJIDClearsAllResources(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	m.Set(Status{JID: mustJID(t, "alice@example.com/phone")})
	m.Set(Status{JID: mustJID(t, "alice@example.com/laptop")})

	m.Remove(alice)
	if m.IsOnline(alice) {
		t.Fatalf("expected alice to be fully offline")
	}
}

func TestIsOnlineFalseForUnknownContact(t *testing.T) {
	m := NewManager()
	if m.IsOnline(mustJID(t, "nobody@example.com")) {
		t.Fatalf("expected unknown contact to be offline")
	}
}

func TestSetOwnAndGetOwn(t *testing.T) {
	m := NewManager()
	if m.GetOwn() != nil {
		t.Fatalf("expected no own presence initially")
	}
	m.SetOwn(Status{Show: ShowDND, Status: "busy"})
	own := m.GetOwn()
	if own == nil || own.Show != ShowDND || own.Status != "busy" {
		t.Fatalf("unexpected own presence: %+v", own)
	}
}

func TestClearRemovesEveryContact(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	m.Set(Status{JID: mustJID(t, "alice@example.com/phone")})
	m.Clear()
	if m.IsOnline(alice) {
		t.Fatalf("expected all presence cleared")
	}
}

func TestShowStringRoundTrip(t *testing.T) {
	cases := []struct {
		show Show
		str  string
	}{
		{ShowOnline, "online"},
		{ShowAway, "away"},
		{ShowChat, "chat"},
		{ShowDND, "dnd"},
		{ShowXA, "xa"},
	}
	for _, tc := range cases {
		if got := ShowToString(tc.show); got != tc.str {
			t.Fatalf("ShowToString(%q) = %q, want %q", tc.show, got, tc.str)
		}
		if got := StringToShow(tc.str); got != tc.show {
			t.Fatalf("StringToShow(%q) = %q, want %q", tc.str, got, tc.show)
		}
	}
}

func TestStringToShowUnknownPassesThrough(t *testing.T) {
	if got := StringToShow("weird"); got != Show("weird") {
		t.Fatalf("expected unknown value to pass through, got %q", got)
	}
}
