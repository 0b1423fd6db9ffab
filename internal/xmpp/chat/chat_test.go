package chat

import (
	"testing"
	"time"

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

func TestAddMessageDedupesByFingerprint(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")

	msg := Message{ID: "m1", From: alice, Body: "hi", Timestamp: time.Now()}
	if !m.AddMessage(msg) {
		t.Fatalf("expected first insert to succeed")
	}
	if m.AddMessage(msg) {
		t.Fatalf("expected duplicate insert to be rejected")
	}

	history := m.GetHistory(alice, 0)
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}
}

func TestAddMessagePrefersStanzaIDOverClientID(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")

	a := Message{ID: "local-1", StanzaID: "archive-1", From: alice, Body: "hi"}
	b := Message{ID: "local-2", StanzaID: "archive-1", From: alice, Body: "hi (carbon copy)"}

	if !m.AddMessage(a) {
		t.Fatalf("expected first insert to succeed")
	}
	if m.AddMessage(b) {
		t.Fatalf("expected second insert with same stanza-id to be rejected despite different client id")
	}
}

func TestAddMessageOutgoingKeyedByRecipient(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	me := mustJID(t, "me@example.com")

	out := Message{ID: "m1", From: me, To: alice, IsOutgoing: true, Body: "hi"}
	if !m.AddMessage(out) {
		t.Fatalf("expected outgoing insert to succeed")
	}

	history := m.GetHistory(alice, 0)
	if len(history) != 1 {
		t.Fatalf("expected outgoing message filed under the recipient session, got %d", len(history))
	}
	if m.GetUnreadCount() != 0 {
		t.Fatalf("expected outgoing messages to not count as unread")
	}
}

func TestOldestFingerprintAndPrependHistoryDedup(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")

	if fp := m.OldestFingerprint(alice); fp != "" {
		t.Fatalf("expected empty fingerprint before any message, got %q", fp)
	}

	m.AddMessage(Message{ID: "m5", StanzaID: "s5", From: alice})
	if fp := m.OldestFingerprint(alice); fp != "s5" {
		t.Fatalf("expected s5, got %q", fp)
	}

	fresh := m.PrependHistory(alice, []Message{
		{ID: "m3", StanzaID: "s3", From: alice},
		{ID: "m5", StanzaID: "s5", From: alice}, // duplicate
	})
	if len(fresh) != 1 || fresh[0].StanzaID != "s3" {
		t.Fatalf("expected only s3 to be fresh, got %+v", fresh)
	}
	if fp := m.OldestFingerprint(alice); fp != "s3" {
		t.Fatalf("expected s3 as new oldest, got %q", fp)
	}
}

func TestCorrectMessageUpdatesInPlace(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	m.AddMessage(Message{ID: "m1", From: alice, Body: "helo"})

	if !m.CorrectMessage(alice, "m1", "hello") {
		t.Fatalf("expected correction to apply")
	}

	history := m.GetHistory(alice, 0)
	if !history[0].IsEdited || !history[0].Corrected {
		t.Fatalf("expected message marked edited/corrected: %+v", history[0])
	}
	if history[0].OriginalBody != "helo" {
		t.Fatalf("expected original body preserved, got %q", history[0].OriginalBody)
	}

	if m.CorrectMessage(alice, "does-not-exist", "x") {
		t.Fatalf("expected correction of unknown id to fail")
	}
}

func TestRetractMessageRequiresSenderMatch(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	eve := mustJID(t, "eve@example.com")
	m.AddMessage(Message{ID: "m1", From: alice, Body: "secret"})

	if m.RetractMessage(alice, eve, "m1", time.Now()) {
		t.Fatalf("expected retraction from a different sender to be rejected")
	}
	history := m.GetHistory(alice, 0)
	if history[0].IsRetracted {
		t.Fatalf("expected message to remain unretracted after mismatched sender")
	}

	if !m.RetractMessage(alice, alice, "m1", time.Now()) {
		t.Fatalf("expected retraction from the original sender to succeed")
	}
	history = m.GetHistory(alice, 0)
	if !history[0].IsRetracted {
		t.Fatalf("expected message marked retracted")
	}
}

func TestSetReactionsReplacesEntireSet(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	m.AddMessage(Message{ID: "m1", From: alice, Body: "hi"})

	if !m.SetReactions(alice, "m1", []string{"👍", "🎉"}) {
		t.Fatalf("expected reactions to apply")
	}
	if !m.SetReactions(alice, "m1", []string{"❤️"}) {
		t.Fatalf("expected reactions to be replaceable")
	}

	history := m.GetHistory(alice, 0)
	if len(history[0].Reactions) != 1 || history[0].Reactions[0] != "❤️" {
		t.Fatalf("expected reactions replaced, got %v", history[0].Reactions)
	}
}

func TestGetHistoryRespectsLimit(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	for i := 0; i < 5; i++ {
		m.AddMessage(Message{ID: string(rune('a' + i)), From: alice})
	}

	history := m.GetHistory(alice, 2)
	if len(history) != 2 {
		t.Fatalf("expected 2 messages with limit, got %d", len(history))
	}
}

func TestMarkReceivedAndDisplayed(t *testing.T) {
	m := NewManager()
	alice := mustJID(t, "alice@example.com")
	m.AddMessage(Message{ID: "m1", From: alice})

	if !m.MarkReceived(alice, "m1") {
		t.Fatalf("expected MarkReceived to find the message")
	}
	if !m.MarkDisplayed(alice, "m1") {
		t.Fatalf("expected MarkDisplayed to find the message")
	}

	history := m.GetHistory(alice, 0)
	if !history[0].Received || !history[0].Displayed {
		t.Fatalf("expected both flags set: %+v", history[0])
	}
}
