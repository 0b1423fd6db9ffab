package muc

import (
	"encoding/xml"
	"io"
	"strings"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
)

// fullTokenReader replays every token of doc, including the outer
// root start/end pair, matching the shape observeRoomMessage actually
// receives from mux (positioned at the stanza's own root start tag).
func fullTokenReader(t *testing.T, doc string) xml.TokenReader {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(doc))

	var all []xml.Token
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		all = append(all, xml.CopyToken(tok))
	}

	i := 0
	return tokenReaderFunc(func() (xml.Token, error) {
		if i >= len(all) {
			return nil, io.EOF
		}
		tok := all[i]
		i++
		return tok, nil
	})
}

type tokenReaderFunc func() (xml.Token, error)

func (f tokenReaderFunc) Token() (xml.Token, error) { return f() }

func newTestModule(t *testing.T) (*Module, *Manager, *[]events.Event) {
	t.Helper()
	mgr := NewManager()
	var emitted []events.Event
	cap := capabilities.Capabilities{
		Emit: func(typ events.Type, payload interface{}) {
			emitted = append(emitted, events.Event{Type: typ, Payload: payload})
		},
	}
	return New(cap, mgr), mgr, &emitted
}

func aliceInLobby(t *testing.T) jid.JID {
	t.Helper()
	j, err := jid.Parse("lobby@conference.example.com/alice")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}
	return j
}

func lobbyJID(t *testing.T) jid.JID {
	t.Helper()
	j, err := jid.Parse("lobby@conference.example.com")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}
	return j
}

func TestObserveRoomMessageSetsStanzaIDForLiveDedupConsistency(t *testing.T) {
	mod, mgr, emitted := newTestModule(t)
	mgr.JoinRoom(lobbyJID(t), "me", "")

	from := aliceInLobby(t)
	msg := stanza.Message{ID: "m1", From: from, Type: stanza.GroupChatMessage}
	doc := `<message>` +
		`<stanza-id xmlns="urn:xmpp:sid:0" id="archive-1" by="lobby@conference.example.com"/>` +
		`<body>hi all</body>` +
		`</message>`

	if err := mod.observeRoomMessage(msg, fullTokenReader(t, doc)); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}

	if len(*emitted) != 1 || (*emitted)[0].Type != events.TypeRoomMessage {
		t.Fatalf("expected a single room message event, got %+v", *emitted)
	}
	room := mgr.GetRoom(lobbyJID(t))
	if len(room.Messages) != 1 || room.Messages[0].StanzaID != "archive-1" {
		t.Fatalf("expected live message to carry the XEP-0359 stanza-id, got %+v", room.Messages)
	}
}

func TestObserveRoomMessageDetectsOwnNickMention(t *testing.T) {
	mod, mgr, _ := newTestModule(t)
	mgr.JoinRoom(lobbyJID(t), "Bob", "")

	msg := stanza.Message{ID: "m1", From: aliceInLobby(t), Type: stanza.GroupChatMessage}
	doc := `<message><body>hey @bob, check this out</body></message>`

	if err := mod.observeRoomMessage(msg, fullTokenReader(t, doc)); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}

	room := mgr.GetRoom(lobbyJID(t))
	if len(room.Messages) != 1 || len(room.Messages[0].Mentions) != 1 {
		t.Fatalf("expected own-nick mention detected, got %+v", room.Messages)
	}
	if room.MentionsCount != 1 {
		t.Fatalf("expected MentionsCount bumped, got %d", room.MentionsCount)
	}
}

func TestObserveRoomMessageDetectsMentionAll(t *testing.T) {
	mod, mgr, _ := newTestModule(t)
	mgr.JoinRoom(lobbyJID(t), "Bob", "")

	msg := stanza.Message{ID: "m1", From: aliceInLobby(t), Type: stanza.GroupChatMessage}
	doc := `<message><body>@all standup in 5</body></message>`

	if err := mod.observeRoomMessage(msg, fullTokenReader(t, doc)); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}

	room := mgr.GetRoom(lobbyJID(t))
	if !room.Messages[0].MentionsAll {
		t.Fatalf("expected MentionsAll set, got %+v", room.Messages[0])
	}
}

func TestObserveRoomMessageSuppressesOwnNickTyping(t *testing.T) {
	mod, mgr, emitted := newTestModule(t)
	mgr.JoinRoom(lobbyJID(t), "me", "")

	own, err := lobbyJID(t).WithResource("me")
	if err != nil {
		t.Fatalf("build own occupant jid: %v", err)
	}
	msg := stanza.Message{From: own, Type: stanza.GroupChatMessage}
	doc := `<message><composing xmlns="http://jabber.org/protocol/chatstates"/></message>`

	if err := mod.observeRoomMessage(msg, fullTokenReader(t, doc)); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}

	if len(*emitted) != 0 {
		t.Fatalf("expected our own composing echo to be suppressed, got %+v", *emitted)
	}
	room := mgr.GetRoom(lobbyJID(t))
	if _, ok := room.TypingUsers["me"]; ok {
		t.Fatalf("expected own nick not recorded as typing")
	}
}

func TestObserveRoomMessageTypingFromOtherOccupant(t *testing.T) {
	mod, mgr, emitted := newTestModule(t)
	mgr.JoinRoom(lobbyJID(t), "me", "")

	msg := stanza.Message{From: aliceInLobby(t), Type: stanza.GroupChatMessage}
	doc := `<message><composing xmlns="http://jabber.org/protocol/chatstates"/></message>`

	if err := mod.observeRoomMessage(msg, fullTokenReader(t, doc)); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}

	if len(*emitted) != 1 || (*emitted)[0].Type != events.TypeRoomTyping {
		t.Fatalf("expected a room typing event for another occupant, got %+v", *emitted)
	}
	room := mgr.GetRoom(lobbyJID(t))
	if _, ok := room.TypingUsers["alice"]; !ok {
		t.Fatalf("expected alice recorded as typing, got %+v", room.TypingUsers)
	}
}

func TestObserveRoomMessageRetraction(t *testing.T) {
	mod, mgr, emitted := newTestModule(t)
	mgr.JoinRoom(lobbyJID(t), "me", "")

	alice := aliceInLobby(t)
	if err := mod.observeRoomMessage(
		stanza.Message{ID: "m1", From: alice, Type: stanza.GroupChatMessage},
		fullTokenReader(t, `<message><body>oops</body></message>`),
	); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}
	*emitted = (*emitted)[:0]

	if err := mod.observeRoomMessage(
		stanza.Message{ID: "m2", From: alice, Type: stanza.GroupChatMessage},
		fullTokenReader(t, `<message><retract id="m1" xmlns="urn:xmpp:message-retract:1"/></message>`),
	); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}

	if len(*emitted) != 1 || (*emitted)[0].Type != events.TypeRoomRetraction {
		t.Fatalf("expected a single retraction event, got %+v", *emitted)
	}
	room := mgr.GetRoom(lobbyJID(t))
	if !room.Messages[0].IsRetracted {
		t.Fatalf("expected original room message marked retracted")
	}
}

func TestObserveRoomMessageCorrection(t *testing.T) {
	mod, mgr, emitted := newTestModule(t)
	mgr.JoinRoom(lobbyJID(t), "me", "")

	alice := aliceInLobby(t)
	if err := mod.observeRoomMessage(
		stanza.Message{ID: "m1", From: alice, Type: stanza.GroupChatMessage},
		fullTokenReader(t, `<message><body>helo</body></message>`),
	); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}
	*emitted = (*emitted)[:0]

	doc := `<message><replace id="m1" xmlns="urn:xmpp:message-correct:0"/><body>hello</body></message>`
	if err := mod.observeRoomMessage(
		stanza.Message{ID: "m2", From: alice, Type: stanza.GroupChatMessage},
		fullTokenReader(t, doc),
	); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}

	if len(*emitted) != 1 || (*emitted)[0].Type != events.TypeRoomCorrection {
		t.Fatalf("expected a single correction event, got %+v", *emitted)
	}
	room := mgr.GetRoom(lobbyJID(t))
	if !room.Messages[0].IsEdited || room.Messages[0].Body != "[Corrected] hello" {
		t.Fatalf("unexpected corrected message: %+v", room.Messages[0])
	}
}

func TestObserveRoomMessageReaction(t *testing.T) {
	mod, mgr, emitted := newTestModule(t)
	mgr.JoinRoom(lobbyJID(t), "me", "")

	alice := aliceInLobby(t)
	if err := mod.observeRoomMessage(
		stanza.Message{ID: "m1", From: alice, Type: stanza.GroupChatMessage},
		fullTokenReader(t, `<message><body>hi</body></message>`),
	); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}
	*emitted = (*emitted)[:0]

	doc := `<message><reactions id="m1" xmlns="urn:xmpp:reactions:0">` +
		`<reaction xmlns="urn:xmpp:reactions:0">👍</reaction></reactions></message>`
	if err := mod.observeRoomMessage(
		stanza.Message{ID: "m2", From: alice, Type: stanza.GroupChatMessage},
		fullTokenReader(t, doc),
	); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}

	if len(*emitted) != 1 || (*emitted)[0].Type != events.TypeRoomReaction {
		t.Fatalf("expected a single reaction event, got %+v", *emitted)
	}
	room := mgr.GetRoom(lobbyJID(t))
	if len(room.Messages[0].Reactions) != 1 {
		t.Fatalf("expected reaction recorded on target message, got %+v", room.Messages[0])
	}
}

func TestObserveRoomMessageMarksOwnEchoOutgoing(t *testing.T) {
	mod, mgr, _ := newTestModule(t)
	mgr.JoinRoom(lobbyJID(t), "me", "")

	own, err := lobbyJID(t).WithResource("me")
	if err != nil {
		t.Fatalf("build own occupant jid: %v", err)
	}
	msg := stanza.Message{ID: "m1", From: own, Type: stanza.GroupChatMessage}
	doc := `<message><body>hello room</body></message>`

	if err := mod.observeRoomMessage(msg, fullTokenReader(t, doc)); err != nil {
		t.Fatalf("observeRoomMessage: %v", err)
	}

	room := mgr.GetRoom(lobbyJID(t))
	if !room.Messages[0].IsOutgoing {
		t.Fatalf("expected the room's own nick echo marked outgoing")
	}
}
