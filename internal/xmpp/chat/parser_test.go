package chat

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"testing"

	"mellium.im/xmpp/stanza"

	"mellium.im/xmpp/jid"
)

// childTokenReader reproduces the flat "direct children, no parent
// close tag" shape that internal/xmpp/router.bufferChildren hands to
// message observers in production: decode the whole document, then
// drop only the outermost start/end tokens, replaying everything
// between via Token() until io.EOF.
func childTokenReader(t *testing.T, doc string) xml.TokenReader {
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
	if len(all) < 2 {
		t.Fatalf("expected at least a root start/end pair, got %d", len(all))
	}
	inner := all[1 : len(all)-1]

	i := 0
	return tokenReaderFunc(func() (xml.Token, error) {
		if i >= len(inner) {
			return nil, io.EOF
		}
		tok := inner[i]
		i++
		return tok, nil
	})
}

func aliceJID(t *testing.T) jid.JID {
	t.Helper()
	j, err := jid.Parse("alice@example.com/phone")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}
	return j
}

func TestParseSimpleBody(t *testing.T) {
	msg := stanza.Message{ID: "m1", From: aliceJID(t)}
	r := childTokenReader(t, `<message><body>hello there</body></message>`)

	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.Message.Body != "hello there" {
		t.Fatalf("unexpected body: %q", result.Message.Body)
	}
}

func TestParseReplyStripsFallbackBody(t *testing.T) {
	msg := stanza.Message{ID: "m2", From: aliceJID(t)}
	body := "Alice: hi\nActual reply"
	fallbackLen := len("Alice: hi\n")
	doc := `<message>` +
		`<reply id="m1" xmlns="urn:xmpp:reply:0"/>` +
		`<fallback xmlns="urn:xmpp:fallback:0" for="urn:xmpp:reply:0"><body start="0" end="` + strconv.Itoa(fallbackLen) + `"/></fallback>` +
		`<body>` + body + `</body>` +
		`</message>`
	r := childTokenReader(t, doc)

	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.Message.ReplyTo == nil {
		t.Fatalf("expected a reply context")
	}
	if result.Message.ReplyTo.ID != "m1" {
		t.Fatalf("expected reply id m1, got %q", result.Message.ReplyTo.ID)
	}
	if result.Message.ReplyTo.FallbackBody != "Alice: hi" {
		t.Fatalf("unexpected fallback body: %q", result.Message.ReplyTo.FallbackBody)
	}
	if result.Message.Body != "Actual reply" {
		t.Fatalf("expected fallback text stripped from body, got %q", result.Message.Body)
	}
}

// TestParseReplyStripsFallbackBodyLiteralScenario uses spec scenario
// S5's literal fixture: a quoted-preview fallback ("> Alice: Hello\n")
// must have both the leading quote marker and the trailing newline
// trimmed from the preview text surfaced as replyTo.fallbackBody.
func TestParseReplyStripsFallbackBodyLiteralScenario(t *testing.T) {
	msg := stanza.Message{ID: "m2b", From: aliceJID(t)}
	doc := `<message>` +
		`<reply id="m1" xmlns="urn:xmpp:reply:0"/>` +
		`<fallback xmlns="urn:xmpp:fallback:0" for="urn:xmpp:reply:0"><body start="0" end="15"/></fallback>` +
		`<body>` + "&gt; Alice: Hello\nMy reply" + `</body>` +
		`</message>`
	r := childTokenReader(t, doc)

	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.Message.Body != "My reply" {
		t.Fatalf("unexpected body: %q", result.Message.Body)
	}
	if result.Message.ReplyTo == nil || result.Message.ReplyTo.FallbackBody != "Alice: Hello" {
		t.Fatalf("unexpected reply context: %+v", result.Message.ReplyTo)
	}
}

func TestParseDirectRetraction(t *testing.T) {
	msg := stanza.Message{ID: "m3", From: aliceJID(t)}
	doc := `<message><retract id="m2" xmlns="urn:xmpp:message-retract:1"/></message>`
	r := childTokenReader(t, doc)

	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !result.IsRetraction {
		t.Fatalf("expected retraction to be detected")
	}
	if result.RetractTarget != "m2" {
		t.Fatalf("unexpected retract target: %q", result.RetractTarget)
	}
}

func TestParseFastenedRetraction(t *testing.T) {
	msg := stanza.Message{ID: "m4", From: aliceJID(t)}
	doc := `<message><apply-to id="m2" xmlns="urn:xmpp:fasten:0">` +
		`<retract xmlns="urn:xmpp:message-retract:1" id="m2"/>` +
		`</apply-to></message>`
	r := childTokenReader(t, doc)

	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !result.IsRetraction {
		t.Fatalf("expected retraction to be detected via apply-to")
	}
	if result.RetractTarget != "m2" {
		t.Fatalf("unexpected retract target: %q", result.RetractTarget)
	}
}

func TestParseCorrection(t *testing.T) {
	msg := stanza.Message{ID: "m5", From: aliceJID(t)}
	doc := `<message><replace id="m4" xmlns="urn:xmpp:message-correct:0"/><body>fixed</body></message>`
	r := childTokenReader(t, doc)

	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !result.IsCorrection {
		t.Fatalf("expected a correction")
	}
	if result.Message.CorrectedID != "m4" {
		t.Fatalf("unexpected corrected id: %q", result.Message.CorrectedID)
	}
	if result.Message.Body != "fixed" {
		t.Fatalf("unexpected body: %q", result.Message.Body)
	}
}

func TestParseReactions(t *testing.T) {
	msg := stanza.Message{ID: "m6", From: aliceJID(t)}
	doc := `<message><reactions id="m1" xmlns="urn:xmpp:reactions:0">` +
		`<reaction xmlns="urn:xmpp:reactions:0">👍</reaction>` +
		`<reaction xmlns="urn:xmpp:reactions:0">🎉</reaction>` +
		`</reactions></message>`
	r := childTokenReader(t, doc)

	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !result.HasReactions {
		t.Fatalf("expected reactions to be detected")
	}
	if result.RetractTarget != "m1" {
		t.Fatalf("expected target id m1, got %q", result.RetractTarget)
	}
	if len(result.Reactions) != 2 {
		t.Fatalf("expected 2 reactions, got %v", result.Reactions)
	}
}

func TestParseOOBAttachment(t *testing.T) {
	msg := stanza.Message{ID: "m7", From: aliceJID(t)}
	doc := `<message><x xmlns="jabber:x:oob"><url>http://example.com/f.png</url><desc>a photo</desc></x></message>`
	r := childTokenReader(t, doc)

	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.Message.Attachment == nil {
		t.Fatalf("expected an attachment")
	}
	if result.Message.Attachment.URL != "http://example.com/f.png" {
		t.Fatalf("unexpected url: %q", result.Message.Attachment.URL)
	}
	if result.Message.Attachment.Desc != "a photo" {
		t.Fatalf("unexpected desc: %q", result.Message.Attachment.Desc)
	}
}

func TestParseNoStoreHint(t *testing.T) {
	msg := stanza.Message{ID: "m8", From: aliceJID(t)}
	doc := `<message><body>ephemeral</body><no-store xmlns="urn:xmpp:hints"/></message>`
	r := childTokenReader(t, doc)

	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !result.Message.NoStore {
		t.Fatalf("expected NoStore to be set")
	}
}

func TestParseChatStateSuppressedOnCarbon(t *testing.T) {
	msg := stanza.Message{ID: "m9", From: aliceJID(t)}
	doc := `<message><composing xmlns="http://jabber.org/protocol/chatstates"/></message>`

	r := childTokenReader(t, doc)
	result, err := Parse(msg, r, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !result.HasChatState || result.ChatState != StateComposing {
		t.Fatalf("expected composing chat state outside a carbon, got %+v", result)
	}

	r2 := childTokenReader(t, doc)
	result2, err := Parse(msg, r2, true)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result2.HasChatState {
		t.Fatalf("expected chat state to be suppressed inside a carbon copy")
	}
}

type tokenReaderFunc func() (xml.Token, error)

func (f tokenReaderFunc) Token() (xml.Token, error) { return f() }

