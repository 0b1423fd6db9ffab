package muc

import (
	"context"
	"fmt"
	"sort"

	"mellium.im/xmpp/bookmarks"
	"mellium.im/xmpp/jid"

	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
)

// Bookmarks wraps mellium.im/xmpp/bookmarks (XEP-0402, itself a thin
// PEP node over mellium.im/xmpp/pubsub) to fetch, publish, and
// autojoin a user's bookmarked rooms, and to track which previously
// joined non-autojoin rooms need rejoining after a reconnect.
type Bookmarks struct {
	cap capabilities.Capabilities
	mgr *Manager
}

// NewBookmarks builds a Bookmarks helper around mgr.
func NewBookmarks(cap capabilities.Capabilities, mgr *Manager) *Bookmarks {
	return &Bookmarks{cap: cap, mgr: mgr}
}

// FetchAndAutojoin implements the bookmark half of a fresh connection:
// fetch every bookmark (urn:xmpp:bookmarks:1 PEP node), record it
// against the Manager, and join every room marked autojoin. It is
// called once per fresh (non-resumed) session, after roster and
// server-info discovery.
func (b *Bookmarks) FetchAndAutojoin(ctx context.Context, module *Module, nick string) error {
	s := b.cap.Session()
	if s == nil {
		return fmt.Errorf("muc: no live session")
	}
	iter := bookmarks.Fetch(ctx, s)
	defer iter.Close()

	var toJoin []bookmarks.Channel
	for iter.Next() {
		bm := iter.Bookmark()
		b.recordBookmark(bm)
		if bm.Autojoin {
			toJoin = append(toJoin, bm)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("muc: fetch bookmarks: %w", err)
	}

	for _, bm := range toJoin {
		joinNick := bm.Nick
		if joinNick == "" {
			joinNick = nick
		}
		if err := module.JoinRoom(ctx, bm.JID, joinNick, bm.Password); err != nil {
			return fmt.Errorf("muc: autojoin %s: %w", bm.JID, err)
		}
	}
	return nil
}

// recordBookmark marks the room (creating its entry if needed) as
// bookmarked, independent of whether it is currently joined.
func (b *Bookmarks) recordBookmark(bm bookmarks.Channel) {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()

	bare := bm.JID.Bare().String()
	room, ok := b.mgr.rooms[bare]
	if !ok {
		room = &Room{JID: bm.JID.Bare(), Occupants: make(map[string]*Occupant), Messages: []Message{}}
		b.mgr.rooms[bare] = room
	}
	room.IsBookmarked = true
	room.Autojoin = bm.Autojoin
	if room.Name == "" {
		room.Name = bm.Name
	}
}

// Add creates or updates a bookmark: it publishes it and records it on
// the local room entry. It does not join the room, even when autojoin
// is set.
func (b *Bookmarks) Add(ctx context.Context, roomJID jid.JID, name, nick, password string, autojoin bool) error {
	s := b.cap.Session()
	if s == nil {
		return fmt.Errorf("muc: no live session")
	}
	bm := bookmarks.Channel{JID: roomJID.Bare(), Name: name, Nick: nick, Password: password, Autojoin: autojoin}
	if err := bookmarks.Publish(ctx, s, bm); err != nil {
		return fmt.Errorf("muc: publish bookmark %s: %w", roomJID, err)
	}
	b.recordBookmark(bm)
	return nil
}

// RejoinOnReconnect implements the "previously joined non-autojoin
// rooms are re-joined on reconnect, deduped by JID" rule: every room
// the Manager still has a local entry for (joined before the
// disconnect, whether bookmarked or not) that FetchAndAutojoin's
// pass didn't already rejoin gets a join attempt here.
func (b *Bookmarks) RejoinOnReconnect(ctx context.Context, module *Module) error {
	pending := b.pendingRejoins()
	sort.Slice(pending, func(i, j int) bool { return pending[i].JID.String() < pending[j].JID.String() })

	for _, room := range pending {
		if err := module.JoinRoom(ctx, room.JID, room.Nick, room.Password); err != nil {
			return fmt.Errorf("muc: rejoin %s: %w", room.JID, err)
		}
	}
	return nil
}

func (b *Bookmarks) pendingRejoins() []*Room {
	b.mgr.mu.RLock()
	defer b.mgr.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*Room
	for bare, room := range b.mgr.rooms {
		if !room.Joined {
			continue
		}
		if room.Autojoin {
			// Already handled by FetchAndAutojoin's own pass.
			continue
		}
		if _, dup := seen[bare]; dup {
			continue
		}
		seen[bare] = struct{}{}
		out = append(out, room)
	}
	return out
}
