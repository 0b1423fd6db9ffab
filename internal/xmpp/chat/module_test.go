package chat

import (
	"context"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
)

func meJID(t *testing.T) jid.JID {
	t.Helper()
	j, err := jid.Parse("me@example.com/laptop")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}
	return j
}

func newTestModule(t *testing.T) (*Module, *[]events.Event) {
	t.Helper()
	mgr := NewManager()
	var emitted []events.Event
	me := meJID(t)
	cap := capabilities.Capabilities{
		Send:       func(ctx context.Context, v interface{}) error { return nil },
		CurrentJID: func() jid.JID { return me },
		Emit: func(t events.Type, payload interface{}) {
			emitted = append(emitted, events.Event{Type: t, Payload: payload})
		},
	}
	return New(cap, mgr), &emitted
}

func TestObserveMessagePlainBodyEmitsChatMessage(t *testing.T) {
	mod, emitted := newTestModule(t)
	msg := stanza.Message{ID: "m1", From: aliceJID(t), To: meJID(t), Type: stanza.ChatMessage}
	r := childTokenReader(t, `<message><body>hello</body></message>`)

	mod.ObserveMessage(msg, r)

	if len(*emitted) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*emitted))
	}
	ev := (*emitted)[0]
	if ev.Type != events.TypeChatMessage {
		t.Fatalf("expected TypeChatMessage, got %v", ev.Type)
	}
	chatEv := ev.Payload.(events.ChatMessage)
	if chatEv.Body != "hello" || chatEv.IsOutgoing {
		t.Fatalf("unexpected chat event: %+v", chatEv)
	}
}

func TestObserveMessageDuplicateIsDropped(t *testing.T) {
	mod, emitted := newTestModule(t)
	msg := stanza.Message{ID: "m1", From: aliceJID(t), To: meJID(t), Type: stanza.ChatMessage}

	mod.ObserveMessage(msg, childTokenReader(t, `<message><body>hello</body></message>`))
	mod.ObserveMessage(msg, childTokenReader(t, `<message><body>hello</body></message>`))

	if len(*emitted) != 1 {
		t.Fatalf("expected exactly 1 event after duplicate delivery, got %d", len(*emitted))
	}
}

func TestObserveMessageCarbonReceivedIsInbound(t *testing.T) {
	mod, emitted := newTestModule(t)
	msg := stanza.Message{From: meJID(t).Bare(), Type: stanza.ChatMessage}
	doc := `<message>` +
		`<received xmlns="urn:xmpp:carbons:2">` +
		`<forwarded xmlns="urn:xmpp:forward:0">` +
		`<message from="alice@example.com/phone" to="me@example.com" type="chat"><body>hi from alice</body></message>` +
		`</forwarded></received></message>`
	r := childTokenReader(t, doc)

	mod.ObserveMessage(msg, r)

	if len(*emitted) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*emitted))
	}
	chatEv := (*emitted)[0].Payload.(events.ChatMessage)
	if chatEv.IsOutgoing {
		t.Fatalf("expected a carbons <received> copy to be inbound")
	}
	if chatEv.Body != "hi from alice" {
		t.Fatalf("unexpected body: %q", chatEv.Body)
	}
}

func TestObserveMessageCarbonSentIsOutgoing(t *testing.T) {
	mod, emitted := newTestModule(t)
	msg := stanza.Message{From: meJID(t).Bare(), Type: stanza.ChatMessage}
	doc := `<message>` +
		`<sent xmlns="urn:xmpp:carbons:2">` +
		`<forwarded xmlns="urn:xmpp:forward:0">` +
		`<message from="me@example.com" to="alice@example.com" type="chat"><body>hi from me, another device</body></message>` +
		`</forwarded></sent></message>`
	r := childTokenReader(t, doc)

	mod.ObserveMessage(msg, r)

	if len(*emitted) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*emitted))
	}
	chatEv := (*emitted)[0].Payload.(events.ChatMessage)
	if !chatEv.IsOutgoing {
		t.Fatalf("expected a carbons <sent> copy to be outgoing")
	}
}

// TestObserveMessageCarbonEchoDoesNotDuplicate reproduces spec
// scenario S1 literally: a direct receipt of a message from alice,
// followed by our own other-resource's <sent> carbon echo of that very
// same stanza (still genuinely from alice, only relayed to us by the
// server because we're also the "to"). The carbon wrapper tag alone
// must not decide IsOutgoing — the forwarded message's own From is
// alice, not us, so it stays inbound and dedups against the direct
// receipt instead of filing a second, outgoing copy.
func TestObserveMessageCarbonEchoDoesNotDuplicate(t *testing.T) {
	mod, emitted := newTestModule(t)

	direct := stanza.Message{ID: "m1", From: aliceJID(t), To: meJID(t), Type: stanza.ChatMessage}
	mod.ObserveMessage(direct, childTokenReader(t, `<message><body>hi</body></message>`))

	carbon := stanza.Message{From: meJID(t).Bare(), To: meJID(t)}
	doc := `<message>` +
		`<sent xmlns="urn:xmpp:carbons:2">` +
		`<forwarded xmlns="urn:xmpp:forward:0">` +
		`<message id="m1" from="alice@example.com/phone" to="me@example.com" type="chat"><body>hi</body></message>` +
		`</forwarded></sent></message>`
	mod.ObserveMessage(carbon, childTokenReader(t, doc))

	if len(*emitted) != 1 {
		t.Fatalf("expected exactly 1 store entry for m1, got %d: %+v", len(*emitted), *emitted)
	}
	chatEv := (*emitted)[0].Payload.(events.ChatMessage)
	if chatEv.IsOutgoing {
		t.Fatalf("expected the carbon echo of alice's own message to stay inbound, got IsOutgoing=true")
	}
}

func TestObserveMessageRetractionRequiresKnownMessage(t *testing.T) {
	mod, emitted := newTestModule(t)
	alice := aliceJID(t)

	mod.ObserveMessage(
		stanza.Message{ID: "m1", From: alice, To: meJID(t), Type: stanza.ChatMessage},
		childTokenReader(t, `<message><body>original</body></message>`),
	)
	*emitted = (*emitted)[:0]

	mod.ObserveMessage(
		stanza.Message{ID: "m2", From: alice, To: meJID(t), Type: stanza.ChatMessage},
		childTokenReader(t, `<message><retract id="m1" xmlns="urn:xmpp:message-retract:1"/></message>`),
	)

	if len(*emitted) != 1 {
		t.Fatalf("expected 1 retraction event, got %d", len(*emitted))
	}
	if (*emitted)[0].Type != events.TypeChatRetraction {
		t.Fatalf("expected TypeChatRetraction, got %v", (*emitted)[0].Type)
	}
}

func TestObserveMessageCorrectionUpdatesHistory(t *testing.T) {
	mod, emitted := newTestModule(t)
	alice := aliceJID(t)

	mod.ObserveMessage(
		stanza.Message{ID: "m1", From: alice, To: meJID(t), Type: stanza.ChatMessage},
		childTokenReader(t, `<message><body>helo</body></message>`),
	)
	*emitted = (*emitted)[:0]

	mod.ObserveMessage(
		stanza.Message{ID: "m2", From: alice, To: meJID(t), Type: stanza.ChatMessage},
		childTokenReader(t, `<message><replace id="m1" xmlns="urn:xmpp:message-correct:0"/><body>hello</body></message>`),
	)

	if len(*emitted) != 1 || (*emitted)[0].Type != events.TypeChatCorrection {
		t.Fatalf("expected a single correction event, got %+v", *emitted)
	}

	history := mod.mgr.GetHistory(alice, 0)
	if !history[0].IsEdited {
		t.Fatalf("expected original message marked edited")
	}
}

func TestObserveMessageReactionDispatch(t *testing.T) {
	mod, emitted := newTestModule(t)
	alice := aliceJID(t)

	mod.ObserveMessage(
		stanza.Message{ID: "m1", From: alice, To: meJID(t), Type: stanza.ChatMessage},
		childTokenReader(t, `<message><body>hi</body></message>`),
	)
	*emitted = (*emitted)[:0]

	doc := `<message><reactions id="m1" xmlns="urn:xmpp:reactions:0">` +
		`<reaction xmlns="urn:xmpp:reactions:0">👍</reaction></reactions></message>`
	mod.ObserveMessage(stanza.Message{ID: "m2", From: alice, To: meJID(t), Type: stanza.ChatMessage}, childTokenReader(t, doc))

	if len(*emitted) != 1 || (*emitted)[0].Type != events.TypeChatReaction {
		t.Fatalf("expected a single reaction event, got %+v", *emitted)
	}
}

func TestObserveMessageIgnoresErrorType(t *testing.T) {
	mod, emitted := newTestModule(t)
	msg := stanza.Message{ID: "m1", From: aliceJID(t), To: meJID(t), Type: stanza.ErrorMessage}
	r := childTokenReader(t, `<message><body>should not matter</body></message>`)

	mod.ObserveMessage(msg, r)

	if len(*emitted) != 0 {
		t.Fatalf("expected error-typed messages to be ignored, got %+v", *emitted)
	}
}

func TestSendMessageAddsOutgoingHistoryEntry(t *testing.T) {
	mod, _ := newTestModule(t)
	alice := aliceJID(t)

	id, err := mod.SendMessage(context.Background(), alice, "hello", "chat", "", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a generated message id")
	}

	history := mod.mgr.GetHistory(alice, 0)
	if len(history) != 1 || !history[0].IsOutgoing || history[0].Body != "hello" {
		t.Fatalf("unexpected history after send: %+v", history)
	}
}
