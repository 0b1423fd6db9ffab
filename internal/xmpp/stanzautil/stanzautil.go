// Package stanzautil collects the small namespace-aware XML helpers
// every domain module needs when picking apart a <message/>, <presence/>,
// or <iq/> payload: attribute lookup, child iteration, and decoding a
// single child element into a typed struct.
package stanzautil

import (
	"crypto/rand"
	"encoding/xml"
	"math/big"

	"mellium.im/xmlstream"
)

// Attr returns the value of the attribute named local (in any
// namespace) on start, and whether it was present.
func Attr(start xml.StartElement, local string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// AttrNS is like Attr but also requires the attribute's namespace to
// match space.
func AttrNS(start xml.StartElement, space, local string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == local && a.Name.Space == space {
			return a.Value, true
		}
	}
	return "", false
}

// ChildText reads the text content of the next child element, if the
// very next token on tr is CharData. It is used for simple
// single-text-node elements like <body/>.
func ChildText(tr xml.TokenReader) (string, error) {
	tok, err := tr.Token()
	if err != nil {
		return "", err
	}
	if cd, ok := tok.(xml.CharData); ok {
		return string(cd), nil
	}
	return "", nil
}

// EachChild iterates the direct children of the element whose start
// tag has already been consumed from r, calling fn once per child with
// that child's start element and a reader scoped to its contents. It
// stops at the first error fn returns, or when the parent element
// closes.
func EachChild(r xml.TokenReader, fn func(start xml.StartElement, inner xml.TokenReader) error) error {
	iter := xmlstream.NewIter(r)
	for iter.Next() {
		start, inner := iter.Current()
		if start == nil {
			continue
		}
		if err := fn(*start, inner); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Err()
}

// DecodeChild finds the first direct child named local in namespace
// space and unmarshals it into v. It returns ok=false if no such child
// is present.
func DecodeChild(r xml.TokenReader, space, local string, v interface{}) (ok bool, err error) {
	iter := xmlstream.NewIter(r)
	defer iter.Close()
	for iter.Next() {
		start, inner := iter.Current()
		if start == nil {
			continue
		}
		if start.Name.Local != local || (space != "" && start.Name.Space != space) {
			continue
		}
		d := xml.NewTokenDecoder(xmlstream.Wrap(inner, *start))
		if err := d.Decode(v); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, iter.Err()
}

// HasChild reports whether a direct child named local in namespace
// space is present, without decoding it (used for flag elements like
// <no-store/> or <encrypted/>).
func HasChild(r xml.TokenReader, space, local string) (bool, error) {
	iter := xmlstream.NewIter(r)
	defer iter.Close()
	for iter.Next() {
		start, _ := iter.Current()
		if start == nil {
			continue
		}
		if start.Name.Local == local && (space == "" || start.Name.Space == space) {
			return true, nil
		}
	}
	return false, iter.Err()
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomID returns a random alphanumeric string suitable for a stanza
// id or MAM queryid.
func RandomID(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the system RNG is broken;
			// fall back to a fixed index rather than panicking mid-stanza.
			b[i] = idAlphabet[0]
			continue
		}
		b[i] = idAlphabet[idx.Int64()]
	}
	return string(b)
}
