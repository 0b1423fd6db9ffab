package muc

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	lmuc "mellium.im/xmpp/muc"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/logging"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
	"github.com/fluux-im/fluux/internal/xmpp/chat"
)

var userPresenceName = xml.Name{Space: lmuc.NSUser, Local: "x"}
var directInviteName = xml.Name{Space: lmuc.NSConf, Local: "x"}

// Module wires Manager to the presence-driven occupant roster and the
// groupchat message stream a MUC service produces. It decodes the
// muc#user payload itself rather than going through
// mellium.im/xmpp/muc's Client, since that type only tracks the
// local user's own join/part and drops every other occupant's
// presence (see its HandlePresence: "what do we do with presences
// that aren't managed?"); the item/status decode below is the hand-rolled
// equivalent that covers the full roster.
type Module struct {
	cap capabilities.Capabilities
	mgr *Manager
}

// New builds a Module around mgr.
func New(cap capabilities.Capabilities, mgr *Manager) *Module {
	return &Module{cap: cap, mgr: mgr}
}

// Manager returns the room state this Module updates, for callers
// (the Session Orchestrator's post-join MAM support sweep) that need
// to enumerate every known room rather than act on one at a time.
func (m *Module) Manager() *Manager {
	return m.mgr
}

// nsChatState is the XEP-0085 chat-state namespace; room chat-state
// stanzas carry no <body/> of their own, so each state element needs
// its own mux registration alongside "body" to reach handleRoomMessage.
const nsChatState = "http://jabber.org/protocol/chatstates"

// MuxOptions registers this module's presence and message handlers.
// Every groupchat message, regardless of which extension element it
// carries (body, retraction, correction, reactions, or a bare chat
// state), is routed through the single handleRoomMessage dispatch
// point so the Chat parser's full pipeline (XEP-0359 stanza-id,
// reply/fallback stripping, OOB/thumbnail/file-metadata, hints) also
// applies to groupchat, per §4.4.2.
func (m *Module) MuxOptions() []mux.Option {
	return []mux.Option{
		mux.Presence(stanza.AvailablePresence, userPresenceName, mux.PresenceHandlerFunc(m.handleAvailable)),
		mux.Presence(stanza.UnavailablePresence, userPresenceName, mux.PresenceHandlerFunc(m.handleUnavailable)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Local: "body"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Space: "urn:xmpp:message-retract:1", Local: "retract"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Space: "urn:xmpp:fasten:0", Local: "apply-to"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Space: "urn:xmpp:message-correct:0", Local: "replace"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Space: "urn:xmpp:reactions:0", Local: "reactions"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Space: nsChatState, Local: "active"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Space: nsChatState, Local: "composing"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Space: nsChatState, Local: "paused"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Space: nsChatState, Local: "inactive"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Space: nsChatState, Local: "gone"}, mux.MessageHandlerFunc(m.handleRoomMessage)),
		mux.Message(stanza.GroupChatMessage, xml.Name{Local: "subject"}, mux.MessageHandlerFunc(m.handleSubject)),
		lmuc.HandleInvite(m.handleDirectInvite),
		mux.Message(stanza.NormalMessage, userPresenceName, mux.MessageHandlerFunc(m.handleMediatedInvite)),
	}
}

type mucUserPresence struct {
	stanza.Presence
	X struct {
		XMLName xml.Name
		Item    struct {
			Affiliation string `xml:"affiliation,attr"`
			Role        string `xml:"role,attr"`
			JID         string `xml:"jid,attr"`
			Nick        string `xml:"nick,attr"`
		} `xml:"item"`
		Status []struct {
			Code int `xml:"code,attr"`
		} `xml:"status"`
		Destroy *struct {
			Reason string `xml:"reason"`
		} `xml:"destroy"`
	} `xml:"http://jabber.org/protocol/muc#user x"`
}

func (p *mucUserPresence) hasStatus(code int) bool {
	for _, s := range p.X.Status {
		if s.Code == code {
			return true
		}
	}
	return false
}

func decodeUserPresence(p stanza.Presence, t xmlstream.TokenReadEncoder) (mucUserPresence, error) {
	var v mucUserPresence
	v.Presence = p
	err := xml.NewTokenDecoder(t).Decode(&v)
	return v, err
}

// handleAvailable processes every <presence/> carrying muc#user x: our
// own join (status code 110) and every other occupant's join or
// attribute change.
func (m *Module) handleAvailable(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	v, err := decodeUserPresence(p, t)
	if err != nil {
		logging.Warn("muc: decode presence from %s: %v", p.From, err)
		return nil
	}

	room := p.From.Bare()
	nick := p.From.Resourcepart()
	var occJID jid.JID
	if v.X.Item.JID != "" {
		occJID, _ = jid.Parse(v.X.Item.JID)
	}

	m.mgr.AddOccupant(room, Occupant{
		Nick:        nick,
		JID:         occJID,
		Affiliation: Affiliation(v.X.Item.Affiliation),
		Role:        Role(v.X.Item.Role),
		Show:        string(p.Type),
	})

	// Status code 110 is the conformant way a server marks the
	// self-presence echo. Some servers omit it, so a presence whose
	// nick matches the one we asked to join with, for a room we
	// haven't marked joined yet, is treated the same way. This is a
	// compatibility hack for non-conformant servers, not a spec
	// requirement.
	r := m.mgr.GetRoom(room)
	isSelf := v.hasStatus(110) || (r != nil && !r.Joined && r.Nick == nick)

	if isSelf {
		m.mgr.SetJoined(room)
		m.cap.Emit(events.TypeRoomJoined, events.RoomJoined{Room: room, Nick: nick, Resumed: false})
	} else {
		m.cap.Emit(events.TypeRoomOccupantChanged, events.RoomOccupantChanged{Room: room, Nick: nick, Left: false})
	}
	return nil
}

// handleUnavailable processes occupant departures, kicks, bans, and a
// 303 nick-change (delivered as the old nick going unavailable with
// the new nick in the item).
func (m *Module) handleUnavailable(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	v, err := decodeUserPresence(p, t)
	if err != nil {
		logging.Warn("muc: decode presence from %s: %v", p.From, err)
		return nil
	}

	room := p.From.Bare()
	nick := p.From.Resourcepart()

	if v.hasStatus(303) && v.X.Item.Nick != "" {
		m.mgr.RenameOccupant(room, nick, v.X.Item.Nick)
		return nil
	}

	m.mgr.RemoveOccupant(room, nick)
	m.cap.Emit(events.TypeRoomOccupantChanged, events.RoomOccupantChanged{Room: room, Nick: nick, Left: true})

	if v.hasStatus(110) {
		reason := ""
		switch {
		case v.X.Destroy != nil:
			reason = v.X.Destroy.Reason
		case v.hasStatus(301):
			reason = "banned"
		case v.hasStatus(307):
			reason = "kicked"
		case v.hasStatus(321), v.hasStatus(322):
			reason = "removed"
		case v.hasStatus(332):
			reason = "service shutdown"
		}
		m.mgr.LeaveRoom(room)
		m.cap.Emit(events.TypeRoomLeft, events.RoomLeft{Room: room, Reason: reason})
	}
	return nil
}

// handleRoomMessage adapts observeRoomMessage to the mux.MessageHandler
// signature; the actual decoding lives in observeRoomMessage so it can
// be exercised with a plain xml.TokenReader in tests, the same split
// chat.Module.ObserveMessage uses.
func (m *Module) handleRoomMessage(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	return m.observeRoomMessage(msg, t)
}

// observeRoomMessage runs every groupchat message through the same
// extension pipeline as a 1:1 message (chat.Parse), adding the
// groupchat-only concerns on top: mention detection against the
// room's own nick, and suppressing our own nick's chat-state echo.
// r is positioned at the <message/> root (mux's bufReader seeds it
// with the stanza's own start tag before iterating children), so one
// token must be consumed before handing the rest to chat.Parse, the
// same way mam.decodeForwarded unwraps its <result><forwarded/></result>.
func (m *Module) observeRoomMessage(msg stanza.Message, r xml.TokenReader) error {
	tok, err := r.Token()
	if err != nil {
		logging.Warn("muc: room message from %s: %v", msg.From, err)
		return nil
	}
	if _, ok := tok.(xml.StartElement); !ok {
		logging.Warn("muc: room message from %s: expected <message> start, got %T", msg.From, tok)
		return nil
	}

	result, err := chat.Parse(msg, r, false)
	if err != nil {
		logging.Warn("muc: parse room message from %s: %v", msg.From, err)
		return nil
	}

	room := msg.From.Bare()
	nick := msg.From.Resourcepart()
	ownNick := ""
	if rm := m.mgr.GetRoom(room); rm != nil {
		ownNick = rm.Nick
	}

	switch {
	case result.IsRetraction:
		if m.mgr.RetractMessage(room, nick, result.RetractTarget, time.Now()) {
			m.cap.Emit(events.TypeRoomRetraction, events.RoomRetraction{Room: room, Nick: nick, TargetID: result.RetractTarget})
		}

	case result.IsCorrection:
		newBody := "[Corrected] " + result.Message.Body
		if m.mgr.CorrectMessage(room, result.Message.CorrectedID, result.Message.Body) {
			m.cap.Emit(events.TypeRoomCorrection, events.RoomCorrection{
				Room:     room,
				Nick:     nick,
				TargetID: result.Message.CorrectedID,
				NewBody:  newBody,
			})
		}

	case result.HasReactions:
		if m.mgr.SetReactions(room, result.RetractTarget, result.Reactions) {
			m.cap.Emit(events.TypeRoomReaction, events.RoomReaction{
				Room:     room,
				Nick:     nick,
				TargetID: result.RetractTarget,
				Emoji:    result.Reactions,
			})
		}

	case result.HasChatState && result.Message.Body == "":
		wasOwn := strings.EqualFold(ownNick, nick)
		m.mgr.SetTyping(room, nick, result.ChatState == chat.StateComposing)
		if !wasOwn {
			m.cap.Emit(events.TypeRoomTyping, events.RoomTyping{Room: room, Nick: nick, State: string(result.ChatState)})
		}

	default:
		if result.Message.Body == "" {
			return nil
		}
		mentions, mentionsAll := DetectMentions(result.Message.Body, ownNick)
		out := Message{
			ID:          result.Message.ID,
			StanzaID:    result.Message.StanzaID,
			From:        nick,
			Body:        result.Message.Body,
			Timestamp:   result.Message.Timestamp,
			Type:        "groupchat",
			Delayed:     result.Message.IsDelayed,
			IsOutgoing:  strings.EqualFold(ownNick, nick),
			NoStore:     result.Message.NoStore,
			ReplyTo:     result.Message.ReplyTo,
			Attachment:  result.Message.Attachment,
			Mentions:    mentions,
			MentionsAll: mentionsAll,
		}
		m.mgr.AddMessage(room, out)

		ev := chat.ToEvent(result.Message)
		ev.IsOutgoing = out.IsOutgoing
		m.cap.Emit(events.TypeRoomMessage, events.RoomMessage{
			ChatMessage: ev,
			Room:        room,
			Nick:        nick,
			Mentions:    mentions,
			MentionsAll: mentionsAll,
		})
	}
	return nil
}

func (m *Module) handleSubject(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	var v struct {
		stanza.Message
		Subject string `xml:"subject"`
	}
	if err := xml.NewTokenDecoder(t).Decode(&v); err != nil {
		return nil
	}
	room := msg.From.Bare()
	nick := msg.From.Resourcepart()
	m.mgr.SetSubject(room, v.Subject, nick)
	m.cap.Emit(events.TypeRoomSubject, events.RoomSubject{Room: room, Subject: v.Subject, Nick: nick})
	return nil
}

func (m *Module) handleDirectInvite(inv lmuc.Invitation) {
	m.cap.Emit(events.TypeRoomInvited, events.RoomInvited{Room: inv.JID, Reason: inv.Reason, Password: inv.Password})
}

// handleMediatedInvite catches the muc#user x payload riding on a
// normal message when it carries an <invite/> (sent by the room, on
// behalf of another occupant, rather than directly from that occupant).
func (m *Module) handleMediatedInvite(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	var inv lmuc.Invitation
	if err := xml.NewTokenDecoder(t).Decode(&inv); err != nil {
		return nil
	}
	if inv.XMLName.Local == "" {
		return nil
	}
	m.cap.Emit(events.TypeRoomInvited, events.RoomInvited{Room: msg.From.Bare(), Reason: inv.Reason, Password: inv.Password})
	return nil
}

// joinPresence is the <x xmlns='http://jabber.org/protocol/muc'/>
// payload carried on an outbound join presence, matching the shape
// mellium.im/xmpp/muc's internal config type builds.
type joinPresence struct {
	Password string `xml:"password,omitempty"`
}

func (j joinPresence) TokenReader() xml.TokenReader {
	var passEl xml.TokenReader
	if j.Password != "" {
		passEl = xmlstream.Wrap(xmlstream.Token(xml.CharData(j.Password)), xml.StartElement{Name: xml.Name{Local: "password"}})
	}
	return xmlstream.Wrap(passEl, xml.StartElement{Name: xml.Name{Space: lmuc.NS, Local: "x"}})
}

// JoinRoom sends the join presence (room JID with the chosen nick as
// resourcepart) and waits for the response, which may be the
// self-presence echo or a stanza error (e.g. a full room, or a
// conflicting nick).
func (m *Module) JoinRoom(ctx context.Context, room jid.JID, nick, password string) error {
	occupantJID, err := room.Bare().WithResource(nick)
	if err != nil {
		return fmt.Errorf("muc: build occupant address: %w", err)
	}

	m.mgr.JoinRoom(occupantJID, nick, password)

	s := m.cap.Session()
	if s == nil {
		return fmt.Errorf("muc: no live session")
	}
	p := stanza.Presence{To: occupantJID}
	resp, err := s.SendPresenceElement(ctx, joinPresence{Password: password}.TokenReader(), p)
	if err != nil {
		return fmt.Errorf("muc: join %s: %w", room, err)
	}
	defer resp.Close()
	if _, err := resp.Token(); err != nil {
		return err
	}
	if stanzaErr, err := stanza.UnmarshalError(resp); err != nil {
		return err
	} else if stanzaErr.Condition != "" {
		return stanzaErr
	}
	return nil
}

type leavePresence struct {
	stanza.Presence
	Status string `xml:"status,omitempty"`
}

// LeaveRoom sends an unavailable presence for the joined occupant
// address and forgets the room's local state.
func (m *Module) LeaveRoom(ctx context.Context, room jid.JID, status string) error {
	r := m.mgr.GetRoom(room)
	if r == nil {
		return nil
	}
	occupantJID, err := room.Bare().WithResource(r.Nick)
	if err != nil {
		return fmt.Errorf("muc: build occupant address: %w", err)
	}
	out := leavePresence{
		Presence: stanza.Presence{To: occupantJID, Type: stanza.UnavailablePresence},
		Status:   status,
	}
	if err := m.cap.Send(ctx, out); err != nil {
		return fmt.Errorf("muc: leave %s: %w", room, err)
	}
	m.mgr.LeaveRoom(room)
	return nil
}

// SendMessage sends a groupchat message to room.
func (m *Module) SendMessage(ctx context.Context, room jid.JID, body string) error {
	out := struct {
		stanza.Message
		Body string `xml:"body"`
	}{
		Message: stanza.Message{To: room.Bare(), Type: stanza.GroupChatMessage},
		Body:    body,
	}
	return m.cap.Send(ctx, out)
}

// SetSubject requests a room subject change.
func (m *Module) SetSubject(ctx context.Context, room jid.JID, subject string) error {
	out := struct {
		stanza.Message
		Subject string `xml:"subject"`
	}{
		Message: stanza.Message{To: room.Bare(), Type: stanza.GroupChatMessage},
		Subject: subject,
	}
	return m.cap.Send(ctx, out)
}

// Invite sends a mediated MUC invitation from the room to to.
func (m *Module) Invite(ctx context.Context, room jid.JID, to jid.JID, reason string) error {
	out := struct {
		stanza.Message
		X lmuc.Invitation
	}{
		Message: stanza.Message{To: room.Bare(), Type: stanza.NormalMessage},
	}
	out.X = lmuc.Invitation{JID: to, Reason: reason}
	return m.cap.Send(ctx, out)
}

// SetAffiliation changes j's affiliation in room (owner/admin/member/
// outcast), e.g. for banning (outcast) or promoting (admin/member).
func (m *Module) SetAffiliation(ctx context.Context, room jid.JID, a Affiliation, j jid.JID, nick, reason string) error {
	var reasonEl xml.TokenReader
	if reason != "" {
		reasonEl = xmlstream.Wrap(xmlstream.Token(xml.CharData(reason)), xml.StartElement{Name: xml.Name{Local: "reason"}})
	}
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "affiliation"}, Value: string(a)},
		{Name: xml.Name{Local: "jid"}, Value: j.Bare().String()},
	}
	if nick != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "nick"}, Value: nick})
	}
	payload := xmlstream.Wrap(
		xmlstream.Wrap(reasonEl, xml.StartElement{Name: xml.Name{Local: "item"}, Attr: attrs}),
		xml.StartElement{Name: xml.Name{Space: lmuc.NSAdmin, Local: "query"}},
	)
	s := m.cap.Session()
	if s == nil {
		return fmt.Errorf("muc: no live session")
	}
	return s.UnmarshalIQElement(ctx, payload, stanza.IQ{Type: stanza.SetIQ, To: room.Bare()}, nil)
}
