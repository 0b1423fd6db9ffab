// Package profile implements the account-and-contact identity surface:
// avatars (XEP-0084 metadata/data over PEP; the legacy XEP-0153
// vCard-based avatar is not handled), nicknames (XEP-0172), and
// vCards (XEP-0054). PEP notification delivery is shared with every
// other PEP-backed feature via pubsubmod.Module; the nickname and
// vCard wire formats themselves have no mellium.im/xmpp package (only
// avatar metadata/data get one, and even that package is not in this
// module's dependency closure), so both are hand-rolled IQ/message
// structs the same way roster's contact-presence aggregation and the
// MUC occupant decode are elsewhere in this tree.
package profile

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/logging"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
	"github.com/fluux-im/fluux/internal/xmpp/pubsubmod"
)

// sha1Hex is the XEP-0084 avatar identity: the SHA-1 hash of the raw
// image bytes, hex-encoded.
func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

const (
	// NodeAvatarMetadata and NodeAvatarData are the XEP-0084 PEP nodes.
	NodeAvatarMetadata = "urn:xmpp:avatar:metadata"
	NodeAvatarData     = "urn:xmpp:avatar:data"
	// NodeNickname is the XEP-0172 PEP node.
	NodeNickname = "http://jabber.org/protocol/nick"
	// nsVCard is the legacy (but still universally deployed) XEP-0054
	// vCard namespace.
	nsVCard = "vcard-temp"
)

// Module wires avatar/nickname PEP notifications and vCard IQs to
// Emit, and exposes the outbound set/fetch operations.
type Module struct {
	cap capabilities.Capabilities
	ps  *pubsubmod.Module
}

// New builds a Module, registering its PEP node handlers with ps.
func New(cap capabilities.Capabilities, ps *pubsubmod.Module) *Module {
	m := &Module{cap: cap, ps: ps}
	ps.Register(NodeAvatarMetadata, m.handleAvatarMetadata)
	ps.Register(NodeNickname, m.handleNickname)
	return m
}

type avatarInfo struct {
	ID     string `xml:"id,attr"`
	Bytes  int    `xml:"bytes,attr"`
	Type   string `xml:"type,attr"`
	Width  int    `xml:"width,attr,omitempty"`
	Height int    `xml:"height,attr,omitempty"`
}

type avatarMetadata struct {
	XMLName xml.Name     `xml:"urn:xmpp:avatar:metadata metadata"`
	Info    []avatarInfo `xml:"info"`
}

func (m *Module) handleAvatarMetadata(from jid.JID, id string, r xml.TokenReader, retracted bool) {
	if retracted || r == nil {
		return
	}
	var meta avatarMetadata
	if err := xml.NewTokenDecoder(r).Decode(&meta); err != nil {
		logging.Warn("profile: decode avatar metadata from %s: %v", from, err)
		return
	}
	if len(meta.Info) == 0 {
		m.cap.Emit(events.TypeAvatarUpdated, events.AvatarUpdated{JID: from})
		return
	}
	m.cap.Emit(events.TypeAvatarUpdated, events.AvatarUpdated{JID: from, Hash: meta.Info[0].ID})
}

type nickPayload struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/nick nick"`
	Nick    string   `xml:",chardata"`
}

func (m *Module) handleNickname(from jid.JID, id string, r xml.TokenReader, retracted bool) {
	if retracted || r == nil {
		m.cap.Emit(events.TypeNicknameUpdated, events.NicknameUpdated{JID: from})
		return
	}
	var v nickPayload
	if err := xml.NewTokenDecoder(r).Decode(&v); err != nil {
		logging.Warn("profile: decode nickname from %s: %v", from, err)
		return
	}
	m.cap.Emit(events.TypeNicknameUpdated, events.NicknameUpdated{JID: from, Nickname: v.Nick})
}

// FetchAvatarData implements profile.fetch_avatar: retrieves the full
// avatar image bytes for hash from the avatar-data PEP node. The query
// goes to the account's own PEP service; j is not used.
func (m *Module) FetchAvatarData(ctx context.Context, j jid.JID, hash string) ([]byte, error) {
	iter, err := m.ps.Fetch(ctx, NodeAvatarData)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var data struct {
		XMLName xml.Name `xml:"urn:xmpp:avatar:data data"`
		Content string   `xml:",chardata"`
	}
	for iter.Next() {
		id, r := iter.Item()
		if id != hash {
			continue
		}
		if err := xml.NewTokenDecoder(r).Decode(&data); err != nil {
			return nil, fmt.Errorf("profile: decode avatar data: %w", err)
		}
		return base64.StdEncoding.DecodeString(data.Content)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("profile: fetch avatar data: %w", err)
	}
	return nil, fmt.Errorf("profile: avatar %s not found", hash)
}

// SetAvatar implements profile.set_avatar: publishes both the
// avatar-data item (the image itself) and the avatar-metadata item
// (the hash/size/type pointer every contact's PEP subscription
// actually notifies on), in that order, per XEP-0084's "publish data
// before metadata" requirement.
func (m *Module) SetAvatar(ctx context.Context, data []byte, mime string, width, height int) error {
	hash := sha1Hex(data)
	encoded := base64.StdEncoding.EncodeToString(data)

	dataPayload := xmlstream.Wrap(
		xmlstream.Token(xml.CharData(encoded)),
		xml.StartElement{Name: xml.Name{Space: NodeAvatarData, Local: "data"}},
	)
	if _, err := m.ps.Publish(ctx, NodeAvatarData, hash, dataPayload); err != nil {
		return fmt.Errorf("profile: publish avatar data: %w", err)
	}

	info := avatarInfo{ID: hash, Bytes: len(data), Type: mime, Width: width, Height: height}
	metaPayload := xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "info"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "id"}, Value: info.ID},
				{Name: xml.Name{Local: "bytes"}, Value: fmt.Sprintf("%d", info.Bytes)},
				{Name: xml.Name{Local: "type"}, Value: info.Type},
			},
		}),
		xml.StartElement{Name: xml.Name{Space: NodeAvatarMetadata, Local: "metadata"}},
	)
	if _, err := m.ps.Publish(ctx, NodeAvatarMetadata, hash, metaPayload); err != nil {
		return fmt.Errorf("profile: publish avatar metadata: %w", err)
	}
	return nil
}

// SetNickname implements profile.set_nickname: publishes a single
// "current" item to the nickname PEP node.
func (m *Module) SetNickname(ctx context.Context, nick string) error {
	payload := xmlstream.Wrap(
		xmlstream.Token(xml.CharData(nick)),
		xml.StartElement{Name: xml.Name{Space: NodeNickname, Local: "nick"}},
	)
	_, err := m.ps.Publish(ctx, NodeNickname, "current", payload)
	if err != nil {
		return fmt.Errorf("profile: publish nickname: %w", err)
	}
	return nil
}

// vCard is the minimal XEP-0054 field set the UI actually surfaces:
// full name, nickname, and a photo (binary, base64 on the wire).
type vCard struct {
	XMLName  xml.Name `xml:"vcard-temp vCard"`
	FullName string   `xml:"FN"`
	Nickname string   `xml:"NICKNAME"`
	Photo    *struct {
		Type   string `xml:"TYPE"`
		Binval string `xml:"BINVAL"`
	} `xml:"PHOTO"`
}

// FetchVCard implements profile.fetch_vcard.
func (m *Module) FetchVCard(ctx context.Context, j jid.JID) (events.VCardUpdated, error) {
	s := m.cap.Session()
	if s == nil {
		return events.VCardUpdated{}, fmt.Errorf("profile: no live session")
	}
	var v vCard
	err := s.UnmarshalIQElement(ctx, xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: nsVCard, Local: "vCard"}}),
		stanza.IQ{Type: stanza.GetIQ, To: j.Bare()}, &v)
	if err != nil {
		return events.VCardUpdated{}, fmt.Errorf("profile: fetch vcard for %s: %w", j, err)
	}
	ev := events.VCardUpdated{JID: j.Bare(), FullName: v.FullName, Nickname: v.Nickname}
	m.cap.Emit(events.TypeVCardUpdated, ev)
	return ev, nil
}

// SetVCard implements profile.set_vcard: publishes the caller's own
// vCard (fullName/nickname only; photo updates go through SetAvatar's
// PEP path instead, per modern XEP-0084 practice).
func (m *Module) SetVCard(ctx context.Context, fullName, nickname string) error {
	s := m.cap.Session()
	if s == nil {
		return fmt.Errorf("profile: no live session")
	}
	return s.UnmarshalIQElement(ctx, xmlstream.Wrap(
		xmlstream.MultiReader(
			xmlstream.Wrap(xmlstream.Token(xml.CharData(fullName)), xml.StartElement{Name: xml.Name{Local: "FN"}}),
			xmlstream.Wrap(xmlstream.Token(xml.CharData(nickname)), xml.StartElement{Name: xml.Name{Local: "NICKNAME"}}),
		),
		xml.StartElement{Name: xml.Name{Space: nsVCard, Local: "vCard"}},
	), stanza.IQ{Type: stanza.SetIQ}, nil)
}
