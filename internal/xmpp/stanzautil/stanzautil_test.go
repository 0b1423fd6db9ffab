package stanzautil

import (
	"encoding/xml"
	"io"
	"strings"
	"testing"
)

// childReader decodes a full XML document and returns a token reader
// over just its root element's children: every token between the root
// start and end tags, in order, with no trailing close tag for the
// root itself. This is the same flat shape
// internal/xmpp/router.bufferChildren hands to message observers, so
// it exercises EachChild/DecodeChild/HasChild exactly as production
// code does.
func childReader(t *testing.T, doc string) xml.TokenReader {
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
		t.Fatalf("expected at least a root start/end pair, got %d tokens", len(all))
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

type tokenReaderFunc func() (xml.Token, error)

func (f tokenReaderFunc) Token() (xml.Token, error) { return f() }

func TestAttrAndAttrNS(t *testing.T) {
	start := xml.StartElement{
		Name: xml.Name{Local: "fallback", Space: "urn:xmpp:fallback:0"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "for"}, Value: "urn:xmpp:reply:0"},
			{Name: xml.Name{Local: "id", Space: "urn:xmpp:sid:0"}, Value: "abc123"},
		},
	}

	if v, ok := Attr(start, "for"); !ok || v != "urn:xmpp:reply:0" {
		t.Fatalf("expected for=urn:xmpp:reply:0, got %q ok=%v", v, ok)
	}
	if _, ok := Attr(start, "missing"); ok {
		t.Fatalf("expected missing attribute to be absent")
	}
	if v, ok := AttrNS(start, "urn:xmpp:sid:0", "id"); !ok || v != "abc123" {
		t.Fatalf("expected namespaced id=abc123, got %q ok=%v", v, ok)
	}
	if _, ok := AttrNS(start, "wrong:ns", "id"); ok {
		t.Fatalf("expected namespace mismatch to miss")
	}
}

func TestRandomIDLengthAndAlphabet(t *testing.T) {
	id := RandomID(16)
	if len(id) != 16 {
		t.Fatalf("expected length 16, got %d (%q)", len(id), id)
	}
	for _, r := range id {
		if !strings.ContainsRune(idAlphabet, r) {
			t.Fatalf("unexpected character %q in id %q", r, id)
		}
	}
}

func TestRandomIDIsNotConstant(t *testing.T) {
	a := RandomID(24)
	b := RandomID(24)
	if a == b {
		t.Fatalf("expected two random ids to differ, both were %q", a)
	}
}

func TestEachChildVisitsDirectChildrenOnly(t *testing.T) {
	r := childReader(t, `<message><body>hello</body><x xmlns="jabber:x:oob"><url>http://example.com/f</url></x></message>`)

	var names []string
	err := EachChild(r, func(start xml.StartElement, inner xml.TokenReader) error {
		names = append(names, start.Name.Local)
		return nil
	})
	if err != nil {
		t.Fatalf("EachChild: %v", err)
	}
	if len(names) != 2 || names[0] != "body" || names[1] != "x" {
		t.Fatalf("unexpected children: %v", names)
	}
}

func TestDecodeChildFindsNamespacedElement(t *testing.T) {
	r := childReader(t, `<message><body>hi</body><x xmlns="jabber:x:oob"><url>http://example.com/f.png</url></x></message>`)

	type oob struct {
		URL string `xml:"url"`
	}
	var v oob
	ok, err := DecodeChild(r, "jabber:x:oob", "x", &v)
	if err != nil {
		t.Fatalf("DecodeChild: %v", err)
	}
	if !ok {
		t.Fatalf("expected to find the x element")
	}
	if v.URL != "http://example.com/f.png" {
		t.Fatalf("unexpected url: %q", v.URL)
	}
}

func TestDecodeChildMissingReturnsFalse(t *testing.T) {
	r := childReader(t, `<message><body>hi</body></message>`)

	var v struct{}
	ok, err := DecodeChild(r, "jabber:x:oob", "x", &v)
	if err != nil {
		t.Fatalf("DecodeChild: %v", err)
	}
	if ok {
		t.Fatalf("expected not found")
	}
}

func TestHasChildDetectsFlagElement(t *testing.T) {
	r := childReader(t, `<message><body>hi</body><no-store xmlns="urn:xmpp:hints"/></message>`)

	found, err := HasChild(r, "urn:xmpp:hints", "no-store")
	if err != nil {
		t.Fatalf("HasChild: %v", err)
	}
	if !found {
		t.Fatalf("expected no-store hint to be found")
	}
}

func TestHasChildAbsent(t *testing.T) {
	r := childReader(t, `<message><body>hi</body></message>`)

	found, err := HasChild(r, "urn:xmpp:hints", "no-store")
	if err != nil {
		t.Fatalf("HasChild: %v", err)
	}
	if found {
		t.Fatalf("expected no-store hint to be absent")
	}
}
