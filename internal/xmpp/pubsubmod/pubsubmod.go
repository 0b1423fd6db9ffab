// Package pubsubmod is the generic Personal Eventing Protocol (PEP,
// XEP-0163) dispatch layer: one mux registration on
// http://jabber.org/protocol/pubsub#event decoding the <items node=.../>
// wrapper and routing each item to whichever domain module (profile's
// avatar/nickname, or an advanced consumer) registered interest in
// that node. mellium.im/xmpp/pubsub does not expose an incoming-event
// handler the way mellium.im/xmpp/history or mellium.im/xmpp/blocklist
// do for their own notifications, so the <event/> decode here is
// hand-rolled the same way roster's contact-presence aggregation and
// vCard/nickname are elsewhere in this tree; Fetch/Publish below reuse
// the real pubsub.Query/FetchIQ/PublishIQ surface mellium.im/xmpp/pubsub
// exports (the same calls mellium.im/xmpp/bookmarks makes).
package pubsubmod

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/pubsub"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
)

// NSEvent is the PEP event namespace every <message/> notification
// wraps its payload in.
const NSEvent = "http://jabber.org/protocol/pubsub#event"

// ItemHandler is called once per <item/> a PEP notification carries
// for the node it was registered against. id is the item id; r is
// scoped to the item's payload (empty for a <retract/>, in which case
// retracted is true).
type ItemHandler func(from jid.JID, id string, r xml.TokenReader, retracted bool)

// Module dispatches incoming PEP notifications by node and wraps the
// fetch/publish wire calls every PEP-backed feature (avatar, nickname,
// bookmarks) needs.
type Module struct {
	cap capabilities.Capabilities

	mu       sync.RWMutex
	handlers map[string]ItemHandler
}

// New builds an empty Module.
func New(cap capabilities.Capabilities) *Module {
	return &Module{cap: cap, handlers: make(map[string]ItemHandler)}
}

// Register arranges for fn to be called for every <item/> or
// <retract/> notification on node. Registering a second handler for
// the same node replaces the first.
func (m *Module) Register(node string, fn ItemHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[node] = fn
}

// MuxOptions registers the PEP event message handler.
func (m *Module) MuxOptions() []mux.Option {
	return []mux.Option{
		mux.Message("", xml.Name{Space: NSEvent, Local: "event"}, mux.MessageHandlerFunc(m.handleEvent)),
	}
}

func (m *Module) handleEvent(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	return xmlstreamEachChild(t, func(start xml.StartElement, inner xml.TokenReader) error {
		if start.Name.Local != "items" {
			return nil
		}
		node, _ := attrValue(start, "node")

		m.mu.RLock()
		handler, ok := m.handlers[node]
		m.mu.RUnlock()

		if !ok {
			m.cap.Emit(events.TypePubSubEvent, events.PubSubEvent{From: msg.From, Node: node})
			return xmlstream.Skip(inner)
		}

		return xmlstreamEachChild(inner, func(istart xml.StartElement, iinner xml.TokenReader) error {
			id, _ := attrValue(istart, "id")
			switch istart.Name.Local {
			case "item":
				handler(msg.From, id, iinner, false)
			case "retract":
				handler(msg.From, id, nil, true)
			}
			return xmlstream.Skip(iinner)
		})
	})
}

func attrValue(start xml.StartElement, local string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

func xmlstreamEachChild(r xml.TokenReader, fn func(xml.StartElement, xml.TokenReader) error) error {
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

// Fetch returns an iterator over every item currently published to
// node.
func (m *Module) Fetch(ctx context.Context, node string) (*pubsub.Iter, error) {
	s := m.cap.Session()
	if s == nil {
		return nil, fmt.Errorf("pubsub: no live session")
	}
	return pubsub.FetchIQ(ctx, stanza.IQ{Type: stanza.GetIQ}, s, pubsub.Query{Node: node}), nil
}

// Publish publishes payload as item id on node (own PEP service, the
// implicit "to" of a bare-JID PEP publish).
func (m *Module) Publish(ctx context.Context, node, id string, payload xml.TokenReader) (string, error) {
	s := m.cap.Session()
	if s == nil {
		return "", fmt.Errorf("pubsub: no live session")
	}
	return pubsub.PublishIQ(ctx, s, stanza.IQ{Type: stanza.SetIQ}, node, id, payload)
}
