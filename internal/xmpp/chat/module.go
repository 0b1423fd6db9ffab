package chat

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"mellium.im/xmpp/carbons"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/receipts"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/logging"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
	"github.com/fluux-im/fluux/internal/xmpp/stanzautil"
)

// Module wires Manager to the router's single-pass message observer
// (internal/xmpp/router.MessageObserver) and to outbound sending,
// turning parsed stanzas into events and vice versa.
type Module struct {
	cap     capabilities.Capabilities
	mgr     *Manager
	receipt *receipts.Handler
}

// New builds a Module around mgr.
func New(cap capabilities.Capabilities, mgr *Manager) *Module {
	return &Module{cap: cap, mgr: mgr, receipt: &receipts.Handler{}}
}

// MuxOptions returns the mux options this module contributes: XEP-0184
// receipt handling. Plain chat messages and carbons are handled via
// ObserveMessage instead, since the router buffers and replays the
// stanza once through a single dispatch point.
func (m *Module) MuxOptions() []mux.Option {
	return []mux.Option{
		receipts.Handle(m.receipt),
	}
}

// ObserveMessage implements router.MessageObserver. It detects carbons
// (XEP-0280) wrapping and, either way, runs the combined parser over
// the inner <message/>, emitting the resulting typed event.
func (m *Module) ObserveMessage(msg stanza.Message, r xml.TokenReader) {
	var toks []xml.Token
	for {
		tok, err := r.Token()
		if err != nil {
			break
		}
		toks = append(toks, xml.CopyToken(tok))
	}

	fwd, _, isCarbon, err := unwrapCarbon(replayTokens(toks))
	if err != nil {
		logging.Warn("chat: carbon unwrap: %v", err)
		return
	}

	inner := msg
	innerReader := replayTokens(toks)
	if isCarbon {
		inner = fwd.msg
		innerReader = fwd.body
	}

	if inner.Type != "" && inner.Type != stanza.ChatMessage && inner.Type != stanza.NormalMessage {
		return
	}

	result, err := Parse(inner, innerReader, isCarbon)
	if err != nil {
		logging.Warn("chat: parse message from %s: %v", inner.From, err)
		return
	}

	me := m.cap.CurrentJID()
	switch {
	case result.IsRetraction:
		m.handleRetraction(inner, result)
	case result.IsCorrection:
		m.handleCorrection(inner, result)
	case result.HasReactions:
		m.handleReaction(inner, result)
	case result.HasChatState && result.Message.Body == "":
		if !isCarbon {
			m.cap.Emit(events.TypeChatState, events.ChatState{From: inner.From, State: string(result.ChatState)})
		}
	default:
		if result.Message.Body == "" {
			return
		}
		out := result.Message
		out.IsOutgoing = inner.From.Bare().String() == me.Bare().String()
		if !m.mgr.AddMessage(out) {
			return // duplicate by fingerprint
		}
		m.cap.Emit(events.TypeChatMessage, toEvent(out))
	}
}

type forwardedMessage struct {
	msg  stanza.Message
	body xml.TokenReader
}

// unwrapCarbon looks for a <received/> or <sent/> carbons wrapper
// around a <forwarded/><message/>. It returns ok=false for a plain
// message.
func unwrapCarbon(r xml.TokenReader) (forwardedMessage, bool, bool, error) {
	var result forwardedMessage
	var isSent, found bool

	err := stanzautil.EachChild(r, func(start xml.StartElement, inner xml.TokenReader) error {
		if start.Name.Space != carbons.NS {
			return nil
		}
		switch start.Name.Local {
		case "received", "sent":
			isSent = start.Name.Local == "sent"
			fwdMsg, fwdReader, ferr := unwrapForwarded(inner)
			if ferr != nil {
				return ferr
			}
			result = forwardedMessage{msg: fwdMsg, body: fwdReader}
			found = true
		}
		return nil
	})
	return result, isSent, found, err
}

// unwrapForwarded extracts the <message/> nested inside
// <forwarded xmlns="urn:xmpp:forward:0"><message/></forwarded>, along
// with a replayable reader over that inner message's own children.
func unwrapForwarded(r xml.TokenReader) (stanza.Message, xml.TokenReader, error) {
	var msg stanza.Message
	var toks []xml.Token
	err := stanzautil.EachChild(r, func(start xml.StartElement, inner xml.TokenReader) error {
		if start.Name.Local != "forwarded" {
			return nil
		}
		return stanzautil.EachChild(inner, func(mstart xml.StartElement, minner xml.TokenReader) error {
			if mstart.Name.Local != "message" {
				return nil
			}
			var perr error
			msg, perr = stanza.NewMessage(mstart)
			if perr != nil {
				return perr
			}
			return stanzautil.EachChild(minner, func(cstart xml.StartElement, cinner xml.TokenReader) error {
				toks = append(toks, cstart)
				for {
					tok, terr := cinner.Token()
					if terr != nil {
						break
					}
					toks = append(toks, xml.CopyToken(tok))
				}
				toks = append(toks, cstart.End())
				return nil
			})
		})
	})
	return msg, replayTokens(toks), err
}

func replayTokens(toks []xml.Token) xml.TokenReader {
	i := 0
	return tokenReaderFunc(func() (xml.Token, error) {
		if i >= len(toks) {
			return nil, io.EOF
		}
		t := toks[i]
		i++
		return t, nil
	})
}

type tokenReaderFunc func() (xml.Token, error)

func (f tokenReaderFunc) Token() (xml.Token, error) { return f() }

func (m *Module) handleCorrection(msg stanza.Message, result ParseResult) {
	peer := msg.From
	if m.mgr.CorrectMessage(peer, result.Message.CorrectedID, result.Message.Body) {
		m.cap.Emit(events.TypeChatCorrection, events.ChatCorrection{
			From:     msg.From,
			TargetID: result.Message.CorrectedID,
			NewBody:  "[Corrected] " + result.Message.Body,
		})
	}
}

func (m *Module) handleRetraction(msg stanza.Message, result ParseResult) {
	// Sender-match is enforced inside RetractMessage: a retraction only
	// applies if it comes from whoever sent the original message.
	if m.mgr.RetractMessage(msg.From, msg.From, result.RetractTarget, time.Now()) {
		m.cap.Emit(events.TypeChatRetraction, events.ChatRetraction{
			From:     msg.From,
			TargetID: result.RetractTarget,
		})
	}
}

func (m *Module) handleReaction(msg stanza.Message, result ParseResult) {
	if m.mgr.SetReactions(msg.From, result.RetractTarget, result.Reactions) {
		m.cap.Emit(events.TypeChatReaction, events.ChatReaction{
			From:     msg.From,
			TargetID: result.RetractTarget,
			Emoji:    result.Reactions,
		})
	}
}

// ToEvent converts a Message into the wire-agnostic event payload
// shape, used both for live delivery and for archive (MAM) replay.
func ToEvent(m Message) events.ChatMessage {
	return toEvent(m)
}

func toEvent(m Message) events.ChatMessage {
	ev := events.ChatMessage{
		ID:         m.ID,
		StanzaID:   m.StanzaID,
		From:       m.From,
		To:         m.To,
		Body:       m.Body,
		Timestamp:  m.Timestamp,
		IsOutgoing: m.IsOutgoing,
		IsDelayed:  m.IsDelayed,
		NoStyling:  m.NoStyling,
		NoStore:    m.NoStore,
		Thread:     m.Thread,
	}
	if m.ReplyTo != nil {
		ev.ReplyTo = &events.ReplyInfo{ID: m.ReplyTo.ID, To: m.ReplyTo.To, FallbackBody: m.ReplyTo.FallbackBody}
	}
	if m.Attachment != nil {
		ev.Attachment = &events.Attachment{URL: m.Attachment.URL, Desc: m.Attachment.Desc}
	}
	if m.LinkPreview != nil {
		ev.LinkPreview = &events.LinkPreview{URL: m.LinkPreview.URL, Title: m.LinkPreview.Title, Description: m.LinkPreview.Description, ImageURL: m.LinkPreview.ImageURL}
	}
	return ev
}

// outgoingMessage is the wire shape for every plain-body send below:
// an embedded stanza.Message plus a directly tagged Body field, with
// the optional extension elements this package's parser understands.
type outgoingMessage struct {
	stanza.Message
	Body     string            `xml:"body"`
	Reply    *replyElement     `xml:"urn:xmpp:reply:0 reply,omitempty"`
	Fallback *fallbackElement  `xml:"urn:xmpp:fallback:0 fallback,omitempty"`
	Replace  *replaceElement   `xml:"urn:xmpp:message-correct:0 replace,omitempty"`
}

// SendMessage sends a chat message, optionally with a reply reference
// and an attachment URL. When attachment is present the body is
// userText + "\n" + url and the XEP-0428 fallback range covers only
// the URL segment, so the user's own text survives round-tripping
// through OOB-unaware clients.
func (m *Module) SendMessage(ctx context.Context, to jid.JID, body, msgType string, replyToID string, attachmentURL string) (string, error) {
	id := "m-" + stanzautil.RandomID(12)
	fullBody := body

	out := outgoingMessage{
		Message: stanza.Message{ID: id, To: to, Type: stanza.MessageType(msgType)},
	}
	if attachmentURL != "" {
		fullBody = body + "\n" + attachmentURL
		start := strings.LastIndex(fullBody, attachmentURL)
		out.Fallback = &fallbackElement{For: nsOOB}
		out.Fallback.Body.Start = start
		out.Fallback.Body.End = len(fullBody)
	}
	out.Body = fullBody
	if replyToID != "" {
		out.Reply = &replyElement{ID: replyToID, To: to.String()}
	}

	if err := m.cap.Send(ctx, out); err != nil {
		return "", fmt.Errorf("chat: send message: %w", err)
	}

	m.mgr.AddMessage(Message{
		ID:         id,
		From:       m.cap.CurrentJID(),
		To:         to,
		Body:       fullBody,
		Type:       msgType,
		Timestamp:  time.Now(),
		IsOutgoing: true,
	})
	return id, nil
}

// SendCorrection implements chat.send_correction: the visible body is
// prefixed "[Corrected] ", that prefix is marked as XEP-0428 fallback
// text for the correction namespace.
func (m *Module) SendCorrection(ctx context.Context, to jid.JID, targetID, newBody string) (string, error) {
	id := "m-" + stanzautil.RandomID(12)
	prefixed := "[Corrected] " + newBody

	out := outgoingMessage{
		Message: stanza.Message{ID: id, To: to, Type: stanza.ChatMessage},
		Body:    prefixed,
		Replace: &replaceElement{ID: targetID},
		Fallback: &fallbackElement{For: "urn:xmpp:message-correct:0"},
	}
	out.Fallback.Body.Start = 0
	out.Fallback.Body.End = len("[Corrected] ")

	if err := m.cap.Send(ctx, out); err != nil {
		return "", fmt.Errorf("chat: send correction: %w", err)
	}
	m.mgr.CorrectMessage(to, targetID, newBody)
	return id, nil
}

type retractMessage struct {
	stanza.Message
	Retract retractElement `xml:"urn:xmpp:message-retract:1 retract"`
}

// Retract implements chat.retract (XEP-0424).
func (m *Module) Retract(ctx context.Context, to jid.JID, targetID string) error {
	out := retractMessage{
		Message: stanza.Message{ID: "m-" + stanzautil.RandomID(12), To: to, Type: stanza.ChatMessage},
		Retract: retractElement{ID: targetID},
	}
	if err := m.cap.Send(ctx, out); err != nil {
		return fmt.Errorf("chat: retract: %w", err)
	}
	me := m.cap.CurrentJID()
	m.mgr.RetractMessage(to, me, targetID, time.Now())
	return nil
}

type reactionMessage struct {
	stanza.Message
	Reactions reactionsElement `xml:"urn:xmpp:reactions:0 reactions"`
}

// SendReaction implements chat.send_reaction (XEP-0444): the full
// emoji set always replaces, never appends.
func (m *Module) SendReaction(ctx context.Context, to jid.JID, targetID string, emoji []string) error {
	out := reactionMessage{
		Message:   stanza.Message{To: to, Type: stanza.ChatMessage},
		Reactions: reactionsElement{ID: targetID, Reaction: emoji},
	}
	if err := m.cap.Send(ctx, out); err != nil {
		return fmt.Errorf("chat: send reaction: %w", err)
	}
	m.mgr.SetReactions(to, targetID, emoji)
	return nil
}

type chatStateMessage struct {
	stanza.Message
	StateXML struct {
		XMLName xml.Name
	}
}

// SendChatState implements chat.send_chat_state (XEP-0085).
func (m *Module) SendChatState(ctx context.Context, to jid.JID, state ChatState) error {
	out := chatStateMessage{Message: stanza.Message{To: to, Type: stanza.ChatMessage}}
	out.StateXML.XMLName = xml.Name{Space: nsChatState, Local: string(state)}
	return m.cap.Send(ctx, out)
}

// SendLinkPreview implements chat.send_link_preview: an XEP-0422
// apply-to fastening carrying Open Graph meta-tags for a URL already
// present in a prior message's body.
func (m *Module) SendLinkPreview(ctx context.Context, to jid.JID, targetID string, preview LinkPreview) error {
	out := struct {
		stanza.Message
		ApplyTo applyToElement `xml:"urn:xmpp:fasten:0 apply-to"`
	}{
		Message: stanza.Message{To: to, Type: stanza.ChatMessage},
		ApplyTo: applyToElement{
			ID: targetID,
			OGP: ogpElement{
				Title:       preview.Title,
				Description: preview.Description,
				Image:       preview.ImageURL,
				URL:         preview.URL,
			},
		},
	}
	return m.cap.Send(ctx, out)
}
