package roster

import (
	"context"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	lroster "mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
	"github.com/fluux-im/fluux/internal/xmpp/presence"
	"github.com/fluux-im/fluux/internal/xmpp/stanzautil"
)

// Module wires Manager to the wire protocol: the initial roster fetch
// on connect, server roster pushes (RFC 6121 ยง2.1.6), and the
// subscription-request/contact-presence side of a roster (the
// "presence state of contacts" spec concern, aggregated into a
// presence.Manager shared with the presence package's own hierarchical
// user-presence machine).
type Module struct {
	cap      capabilities.Capabilities
	mgr      *Manager
	contacts *presence.Manager
}

// New builds a Module around mgr, aggregating contact presence into
// contacts.
func New(cap capabilities.Capabilities, mgr *Manager, contacts *presence.Manager) *Module {
	return &Module{cap: cap, mgr: mgr, contacts: contacts}
}

// MuxOptions registers the roster-push IQ handler and the subscription
// and contact-presence stanzas a roster has to react to.
func (m *Module) MuxOptions() []mux.Option {
	return []mux.Option{
		mux.IQ(stanza.SetIQ, xml.Name{Space: lroster.NS, Local: "query"}, mux.IQHandlerFunc(m.handleRosterPush)),
		mux.Presence(stanza.AvailablePresence, xml.Name{}, mux.PresenceHandlerFunc(m.handleContactAvailable)),
		mux.Presence(stanza.UnavailablePresence, xml.Name{}, mux.PresenceHandlerFunc(m.handleContactUnavailable)),
		mux.Presence(stanza.SubscribePresence, xml.Name{}, mux.PresenceHandlerFunc(m.handleSubscribeRequest)),
		mux.Presence(stanza.SubscribedPresence, xml.Name{}, mux.PresenceHandlerFunc(m.handleSubscriptionChange)),
		mux.Presence(stanza.UnsubscribePresence, xml.Name{}, mux.PresenceHandlerFunc(m.handleSubscriptionChange)),
		mux.Presence(stanza.UnsubscribedPresence, xml.Name{}, mux.PresenceHandlerFunc(m.handleSubscriptionChange)),
	}
}

// FetchRoster implements roster.fetch: the initial full roster
// retrieval run once per fresh (non-resumed) session.
func (m *Module) FetchRoster(ctx context.Context) error {
	s := m.cap.Session()
	if s == nil {
		return fmt.Errorf("roster: no live session")
	}
	iter := lroster.Fetch(ctx, s)
	defer iter.Close()

	m.mgr.Clear()
	for iter.Next() {
		m.applyItem(iter.Item())
	}
	return iter.Err()
}

// handleRosterPush applies an incoming roster set IQ to Manager and
// acknowledges it, per the RFC 6121 ยง2.1.6 push contract. Pushes
// carrying a from other than the account's own bare JID are
// silently ignored (the "roster push" security rule every server
// enforces on the sending side, and every client is expected to check
// on the receiving side too).
func (m *Module) handleRosterPush(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	me := m.cap.CurrentJID()
	from := iq.From
	if from.String() != "" && !from.Equal(me.Bare()) {
		return nil
	}

	var payload lroster.IQ
	d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(*start), t))
	if err := d.Decode(&payload); err != nil {
		return err
	}

	if _, err := xmlstream.Copy(t, iq.Result(nil)); err != nil {
		return err
	}

	for _, item := range payload.Query.Item {
		m.applyItem(item)
	}
	return nil
}

func (m *Module) applyItem(item lroster.Item) {
	sub := Subscription(item.Subscription)
	if sub == SubscriptionRemove {
		m.mgr.Remove(item.JID)
		m.cap.Emit(events.TypeRosterPush, events.RosterPush{JID: item.JID, Removed: true})
		return
	}

	var groups []string
	if item.Group != "" {
		groups = []string{item.Group}
	}
	m.mgr.Set(Item{
		JID:          item.JID,
		Name:         item.Name,
		Subscription: sub,
		Groups:       groups,
	})
	m.cap.Emit(events.TypeRosterPush, events.RosterPush{
		JID:          item.JID,
		Name:         item.Name,
		Groups:       groups,
		Subscription: item.Subscription,
	})
}

func (m *Module) handleContactAvailable(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	var v struct {
		stanza.Presence
		Show     string `xml:"show"`
		Status   string `xml:"status"`
		Priority int    `xml:"priority"`
	}
	if err := xml.NewTokenDecoder(t).Decode(&v); err != nil {
		return nil
	}
	m.contacts.Set(presence.Status{JID: p.From, Show: presence.Show(v.Show), Status: v.Status, Priority: v.Priority})
	if best := m.contacts.Get(p.From); best != nil {
		m.mgr.SetPresence(p.From, string(best.Show))
	}
	m.cap.Emit(events.TypePresence, events.Presence{From: p.From, Show: v.Show, Status: v.Status, Type: string(stanza.AvailablePresence)})
	return nil
}

func (m *Module) handleContactUnavailable(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	m.contacts.Remove(p.From)
	if best := m.contacts.Get(p.From); best != nil {
		m.mgr.SetPresence(p.From, string(best.Show))
	} else {
		m.mgr.SetPresence(p.From, "unavailable")
	}
	m.cap.Emit(events.TypePresence, events.Presence{From: p.From, Type: string(stanza.UnavailablePresence)})
	return nil
}

func (m *Module) handleSubscribeRequest(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	m.cap.Emit(events.TypeRosterSubscriptionRequest, events.RosterSubscriptionRequest{From: p.From})
	return nil
}

func (m *Module) handleSubscriptionChange(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	m.cap.Emit(events.TypePresence, events.Presence{From: p.From, Type: string(p.Type)})
	return nil
}

// Add implements roster.add: adds or updates a contact and, unless
// subscribe is false, sends a subscription request.
func (m *Module) Add(ctx context.Context, j jid.JID, name string, groups []string, subscribe bool) error {
	s := m.cap.Session()
	if s == nil {
		return fmt.Errorf("roster: no live session")
	}
	var group string
	if len(groups) > 0 {
		group = groups[0]
	}
	set := lroster.IQ{IQ: stanza.IQ{Type: stanza.SetIQ}}
	set.Query.Item = []lroster.Item{{JID: j, Name: name, Group: group}}
	if err := m.cap.Send(ctx, set); err != nil {
		return fmt.Errorf("roster: add %s: %w", j, err)
	}
	if subscribe {
		return m.cap.Send(ctx, stanza.Presence{To: j.Bare(), Type: stanza.SubscribePresence})
	}
	return nil
}

// Remove implements roster.remove: removing the item also cancels
// both subscription directions, per RFC 6121 ยง2.5.
func (m *Module) Remove(ctx context.Context, j jid.JID) error {
	set := lroster.IQ{IQ: stanza.IQ{Type: stanza.SetIQ}}
	set.Query.Item = []lroster.Item{{JID: j, Subscription: string(SubscriptionRemove)}}
	if err := m.cap.Send(ctx, set); err != nil {
		return fmt.Errorf("roster: remove %s: %w", j, err)
	}
	m.mgr.Remove(j)
	return nil
}

// SetPresenceSubscription implements roster.set_presence: approving or
// denying an inbound subscribe request, or canceling an outbound one.
func (m *Module) SetPresenceSubscription(ctx context.Context, j jid.JID, approve bool) error {
	typ := stanza.SubscribedPresence
	if !approve {
		typ = stanza.UnsubscribedPresence
	}
	return m.cap.Send(ctx, stanza.Presence{ID: "p-" + stanzautil.RandomID(8), To: j.Bare(), Type: typ})
}

// SendPresenceProbes implements roster.send_presence_probes: used
// after a fresh (non-resumed) connect to ask the server to resend
// every contact's current presence, since a fresh session starts with
// an empty presence cache.
func (m *Module) SendPresenceProbes(ctx context.Context) error {
	for _, item := range m.mgr.All() {
		if item.Subscription != SubscriptionTo && item.Subscription != SubscriptionBoth {
			continue
		}
		if err := m.cap.Send(ctx, stanza.Presence{To: item.JID.Bare(), Type: stanza.ProbePresence}); err != nil {
			return fmt.Errorf("roster: probe %s: %w", item.JID, err)
		}
	}
	return nil
}
