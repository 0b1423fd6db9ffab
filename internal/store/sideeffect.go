package store

import (
	"context"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/fluux-im/fluux/internal/logging"
	"github.com/fluux-im/fluux/internal/xmpp/mam"
)

// sideEffectTimeout bounds every background fetch a SideEffectDriver
// kicks off, so a hung MAM query never leaks a goroutine forever.
const sideEffectTimeout = 60 * time.Second

// SideEffectDriver watches the selector keys spec.md's Store &
// Side-Effect Driver section names and turns each transition into the
// matching MAM fetch, without the caller that flipped the selector
// (muc.Module, conn.Manager, the client façade) needing to know MAM
// exists.
type SideEffectDriver struct {
	store *Store
	mam   *mam.Module

	mu       sync.Mutex
	watching map[string]bool
}

// NewSideEffectDriver builds a SideEffectDriver and installs its fixed
// (non-per-room) watchers on s. Call WatchRoom once per room as it is
// created (join or bookmark fetch) to pick up its two per-room selectors.
func NewSideEffectDriver(s *Store, mamMod *mam.Module) *SideEffectDriver {
	d := &SideEffectDriver{store: s, mam: mamMod, watching: make(map[string]bool)}

	s.Watch(SelectorActiveConversation, d.onActiveConversationChanged)
	s.Watch(SelectorConnectionOnline, d.onConnectionOnline)

	return d
}

// WatchRoom registers room's supportsMAM and joined selectors exactly
// once, safe to call on every join attempt (including rejoins).
func (d *SideEffectDriver) WatchRoom(room jid.JID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	mamKey := RoomMAMKey(room)
	if !d.watching[mamKey] {
		d.watching[mamKey] = true
		d.store.Watch(mamKey, func() { d.onRoomSupportsMAM(room) })
	}
	joinKey := RoomJoinedKey(room)
	if !d.watching[joinKey] {
		d.watching[joinKey] = true
		d.store.Watch(joinKey, func() { d.onRoomJoined(room) })
	}
}

// onActiveConversationChanged reacts to an activeConversationId change:
// a conversation focused for the first time this connection (no MAM
// query made for it yet) gets its initial backward page. It does not
// load any messages from the storage adapter; only what is already in
// chat.Manager's in-memory window is shown before the MAM page arrives.
func (d *SideEffectDriver) onActiveConversationChanged() {
	raw := d.store.ActiveConversation()
	if raw == "" {
		return
	}
	peer, err := jid.Parse(raw)
	if err != nil {
		return
	}
	if d.mam.States().ChatState(peer).HasQueried {
		return
	}
	d.run(func(ctx context.Context) error {
		_, err := d.mam.QueryChat(ctx, peer)
		return err
	})
}

// onRoomSupportsMAM implements: "activeRoom.supportsMAM transitions
// false->true on the active room -> issue MAM catch-up." Quick-Chat
// rooms never trigger MAM regardless of the flag, per spec.md.
func (d *SideEffectDriver) onRoomSupportsMAM(room jid.JID) {
	if d.store.ActiveRoom() != room.Bare().String() {
		return
	}
	if r := d.store.Rooms.GetRoom(room); r == nil || r.IsQuickChat {
		return
	}
	d.run(func(ctx context.Context) error {
		_, err := d.mam.QueryRoom(ctx, room)
		return err
	})
}

// onConnectionOnline implements: "connection.status transitions to
// online -> reset all MAM query states and mark needs-catch-up for
// the active room only."
func (d *SideEffectDriver) onConnectionOnline() {
	d.mam.States().Reset()

	active := d.store.ActiveRoom()
	if active == "" {
		return
	}
	room, err := jid.Parse(active)
	if err != nil {
		return
	}
	if r := d.store.Rooms.GetRoom(room); r == nil || r.IsQuickChat || !r.SupportsMAM {
		return
	}
	d.run(func(ctx context.Context) error {
		_, err := d.mam.QueryRoom(ctx, room)
		return err
	})
}

// onRoomJoined implements: "room join completes -> if MAM-enabled and
// not a Quick-Chat, fetch sidebar preview."
func (d *SideEffectDriver) onRoomJoined(room jid.JID) {
	r := d.store.Rooms.GetRoom(room)
	if r == nil || r.IsQuickChat || !r.SupportsMAM {
		return
	}
	d.run(func(ctx context.Context) error {
		_, err := d.mam.QueryRoom(ctx, room)
		return err
	})
}

// run launches fn on its own bounded-timeout context, off the
// goroutine that flipped the selector (store mutations and event
// delivery are synchronous; MAM queries are not).
func (d *SideEffectDriver) run(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logging.Warn("store: side-effect fetch: %v", err)
		}
	}()
}
