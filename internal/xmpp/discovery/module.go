package discovery

import (
	"context"
	"fmt"

	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/disco/items"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/upload"
	"mellium.im/xmpp/xtime"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/logging"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
)

// Module wires Cache to the wire protocol: a sweep of the server's own
// disco#info plus its disco#items children, looking for the handful of
// services the rest of the runtime needs a JID for (MAM support,
// HTTP upload, the MUC service).
type Module struct {
	cap   capabilities.Capabilities
	cache *Cache
}

// New builds a Module around cache.
func New(cap capabilities.Capabilities, cache *Cache) *Module {
	return &Module{cap: cap, cache: cache}
}

// FetchServerInfo runs the discovery sweep this package's doc comment
// describes: disco#info on the bare server JID, then disco#items to
// find MUC and HTTP-upload services, checking each child's own
// disco#info for the relevant feature. The result both updates Cache
// and is emitted as a ServerInfo event.
func (m *Module) FetchServerInfo(ctx context.Context) (events.ServerInfo, error) {
	s := m.cap.Session()
	if s == nil {
		return events.ServerInfo{}, fmt.Errorf("discovery: no live session")
	}
	server, err := jid.Parse(m.cap.CurrentJID().Domainpart())
	if err != nil {
		return events.ServerInfo{}, fmt.Errorf("discovery: parse server jid: %w", err)
	}

	result := events.ServerInfo{}
	serverInfo, err := m.fetchInfo(ctx, server)
	if err != nil {
		return events.ServerInfo{}, fmt.Errorf("discovery: server disco#info: %w", err)
	}
	result.SupportsMAM = serverInfo.HasFeature(FeatureMAM)

	children, err := m.fetchItems(ctx, server)
	if err != nil {
		logging.Warn("discovery: server disco#items: %v", err)
		children = nil
	}
	for _, item := range children {
		childInfo, err := m.fetchInfo(ctx, item.JID)
		if err != nil {
			continue
		}
		if childInfo.HasFeature(FeatureMUC) && result.MUCServiceJID.Equal(jid.JID{}) {
			result.MUCServiceJID = item.JID
		}
		if childInfo.HasFeature(FeatureHTTPUpload) && result.HTTPUploadJID.Equal(jid.JID{}) {
			result.HTTPUploadJID = item.JID
		}
	}

	m.cap.Emit(events.TypeServerInfo, result)
	return result, nil
}

// fetchInfo queries to's disco#info and records it in Cache.
func (m *Module) fetchInfo(ctx context.Context, to jid.JID) (*Info, error) {
	s := m.cap.Session()
	wireInfo, err := disco.GetInfo(ctx, "", to, s)
	if err != nil {
		return nil, err
	}

	out := &Info{}
	for _, ident := range wireInfo.Identity {
		out.Identities = append(out.Identities, Identity{Category: ident.Category, Type: ident.Type, Name: ident.Name})
	}
	for _, f := range wireInfo.Features {
		out.Features = append(out.Features, Feature(f.Var))
	}
	m.cache.SetInfo(to, out)
	return out, nil
}

// fetchItems queries to's disco#items and records it in Cache.
func (m *Module) fetchItems(ctx context.Context, to jid.JID) ([]Item, error) {
	s := m.cap.Session()
	iter := disco.FetchItems(ctx, items.Item{JID: to}, s)
	defer iter.Close()

	var out []Item
	for iter.Next() {
		it := iter.Item()
		out = append(out, Item{JID: it.JID, Name: it.Name, Node: it.Node})
	}
	if err := iter.Err(); err != nil {
		return out, err
	}
	m.cache.SetItems(to, out)
	return out, nil
}

// DiscoverHTTPUpload implements discovery.discover_http_upload: it
// negotiates an upload slot for a file of the given name/size/mime
// against uploadJID and returns the slot to the caller.
func (m *Module) DiscoverHTTPUpload(ctx context.Context, uploadJID jid.JID, filename string, size int64, mime string) (upload.Slot, error) {
	s := m.cap.Session()
	if s == nil {
		return upload.Slot{}, fmt.Errorf("discovery: no live session")
	}
	return upload.GetSlot(ctx, upload.File{Name: filename, Size: uint64(size), Type: mime}, uploadJID, s)
}

// RoomSupportsMAM queries room's own disco#info for urn:xmpp:mam:2,
// used to flip a Room's SupportsMAM flag after a join completes (a
// MUC service may support MAM per-room rather than server-wide).
func (m *Module) RoomSupportsMAM(ctx context.Context, room jid.JID) (bool, error) {
	s := m.cap.Session()
	if s == nil {
		return false, fmt.Errorf("discovery: no live session")
	}
	info, err := m.fetchInfo(ctx, room)
	if err != nil {
		return false, fmt.Errorf("discovery: room disco#info for %s: %w", room, err)
	}
	return info.HasFeature(FeatureMAM), nil
}

// EntityTime fetches to's wall-clock time (XEP-0202).
func (m *Module) EntityTime(ctx context.Context, to jid.JID) (string, error) {
	s := m.cap.Session()
	if s == nil {
		return "", fmt.Errorf("discovery: no live session")
	}
	t, err := xtime.Get(ctx, s, to)
	if err != nil {
		return "", err
	}
	return t.String(), nil
}
