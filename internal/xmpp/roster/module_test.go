package roster

import (
	"encoding/xml"
	"io"
	"strings"
	"testing"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
	"github.com/fluux-im/fluux/internal/xmpp/presence"
)

// fakeTokenReadEncoder satisfies xmlstream.TokenReadEncoder by
// promoting an xml.TokenReader's Token method and an unused,
// deliberately nil xmlstream.Encoder: the handlers under test here
// only ever read, mirroring the struct mellium.im/xmpp/mux's own
// forChildren builds for the same purpose.
type fakeTokenReadEncoder struct {
	xml.TokenReader
	xmlstream.Encoder
}

// childTokenReadEncoder replays a full document including its root
// start/end pair: mux hands a handler's TokenReadEncoder positioned at
// the stanza's own root start tag (see mux.forChildren's bufReader,
// seeded with *start before any child is consumed), not past it.
func childTokenReadEncoder(t *testing.T, doc string) xmlstream.TokenReadEncoder {
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
	return fakeTokenReadEncoder{TokenReader: tokenReaderFunc(func() (xml.Token, error) {
		if i >= len(all) {
			return nil, io.EOF
		}
		tok := all[i]
		i++
		return tok, nil
	})}
}

type tokenReaderFunc func() (xml.Token, error)

func (f tokenReaderFunc) Token() (xml.Token, error) { return f() }

func newTestRosterModule(t *testing.T) (*Module, *Manager, *presence.Manager, *[]events.Event) {
	t.Helper()
	mgr := NewManager()
	contacts := presence.NewManager()
	var emitted []events.Event
	cap := capabilities.Capabilities{
		Emit: func(typ events.Type, payload interface{}) {
			emitted = append(emitted, events.Event{Type: typ, Payload: payload})
		},
	}
	return New(cap, mgr, contacts), mgr, contacts, &emitted
}

func TestHandleContactAvailableAggregatesPresenceOntoRosterItem(t *testing.T) {
	mod, mgr, _, _ := newTestRosterModule(t)
	alice := mustJID(t, "alice@example.com")
	mgr.Set(Item{JID: alice, Name: "Alice"})

	from, err := jid.Parse("alice@example.com/phone")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}
	p := stanza.Presence{From: from, Type: stanza.AvailablePresence}
	doc := `<presence><show>away</show><status>brb</status></presence>`

	if err := mod.handleContactAvailable(p, childTokenReadEncoder(t, doc)); err != nil {
		t.Fatalf("handleContactAvailable: %v", err)
	}

	if got := mgr.Get(alice).Presence; got != "away" {
		t.Fatalf("expected aggregated presence away, got %q", got)
	}
}

func TestHandleContactUnavailableClearsRosterPresence(t *testing.T) {
	mod, mgr, contacts, _ := newTestRosterModule(t)
	alice := mustJID(t, "alice@example.com")
	mgr.Set(Item{JID: alice, Name: "Alice"})

	from, err := jid.Parse("alice@example.com/phone")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}
	contacts.Set(presence.Status{JID: from, Show: presence.ShowAway})

	p := stanza.Presence{From: from, Type: stanza.UnavailablePresence}
	if err := mod.handleContactUnavailable(p, childTokenReadEncoder(t, `<presence/>`)); err != nil {
		t.Fatalf("handleContactUnavailable: %v", err)
	}

	if got := mgr.Get(alice).Presence; got != "unavailable" {
		t.Fatalf("expected presence unavailable after last resource leaves, got %q", got)
	}
}
