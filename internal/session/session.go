// Package session drives the work that happens around a connection
// event rather than on it: the fresh-session bootstrap (roster,
// server discovery, bookmark autojoin, blocklist, room rejoin, preview
// refresh) that must run once per brand-new bind, and that a XEP-0198
// resumption must skip entirely because the server already replayed
// every stanza a fresh bootstrap would otherwise duplicate.
package session

import (
	"context"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/logging"
	"github.com/fluux-im/fluux/internal/store"
	"github.com/fluux-im/fluux/internal/xmpp/blocking"
	"github.com/fluux-im/fluux/internal/xmpp/chat"
	"github.com/fluux-im/fluux/internal/xmpp/conn"
	"github.com/fluux-im/fluux/internal/xmpp/discovery"
	"github.com/fluux-im/fluux/internal/xmpp/muc"
	"github.com/fluux-im/fluux/internal/xmpp/roster"
)

// bootstrapTimeout bounds the whole fresh-session sequence so a stuck
// disco or bookmark fetch can't wedge every later step.
const bootstrapTimeout = 2 * time.Minute

// Orchestrator subscribes to connection-authenticated events and runs
// the fresh-vs-resume workflow spec.md's concurrency section
// describes. Every async step it starts carries the generation that
// was current when the triggering event fired, and re-checks it
// against conn.Generation() before doing anything observable, so a
// bootstrap started for connection N never lands work after
// connection N+1 has already begun.
type Orchestrator struct {
	conn      *conn.Manager
	roster    *roster.Module
	discovery *discovery.Module
	rooms     *muc.Module
	bookmarks *muc.Bookmarks
	blocking  *blocking.Module
	mam       previewRefresher
	chatMgr   *chat.Manager
	store     *store.Store
	sideFX    *store.SideEffectDriver
	nick      string
}

// previewRefresher is the subset of *mam.Module the orchestrator
// needs; kept as an interface so session tests don't have to build a
// real MAM module.
type previewRefresher interface {
	RefreshPreviews(ctx context.Context, peers []jid.JID) error
}

// Config collects everything New needs. Nick is the default MUC nick
// used for an autojoined or rejoined room that carries no bookmarked
// nick of its own, normally the account JID's localpart.
type Config struct {
	Conn      *conn.Manager
	Roster    *roster.Module
	Discovery *discovery.Module
	Rooms     *muc.Module
	Bookmarks *muc.Bookmarks
	Blocking  *blocking.Module
	MAM       previewRefresher
	ChatMgr   *chat.Manager
	Store     *store.Store
	SideFX    *store.SideEffectDriver
	Nick      string
}

// New builds an Orchestrator and subscribes it to bus. It does not
// start any work itself; work begins the first time
// TypeConnectionAuthenticated fires.
func New(bus *events.Bus, cfg Config) *Orchestrator {
	o := &Orchestrator{
		conn:      cfg.Conn,
		roster:    cfg.Roster,
		discovery: cfg.Discovery,
		rooms:     cfg.Rooms,
		bookmarks: cfg.Bookmarks,
		blocking:  cfg.Blocking,
		mam:       cfg.MAM,
		chatMgr:   cfg.ChatMgr,
		store:     cfg.Store,
		sideFX:    cfg.SideFX,
		nick:      cfg.Nick,
	}

	bus.Subscribe(events.TypeConnectionAuthenticated, func(ev events.Event) {
		auth, ok := ev.Payload.(events.ConnectionAuthenticated)
		if !ok {
			return
		}
		go o.handleConnectionSuccess(auth)
	})

	return o
}

// handleConnectionSuccess is the per-connection entry point. It
// captures the generation current at the moment the authenticated
// event fired and threads it through every subsequent step as a
// cancellation token: a reconnect that supersedes this one bumps the
// generation, and every stillRelevant check below then short-circuits
// the stale chain instead of doing redundant or out-of-order work.
func (o *Orchestrator) handleConnectionSuccess(auth events.ConnectionAuthenticated) {
	generation := o.conn.Generation()
	stillRelevant := func() bool { return o.conn.Generation() == generation }

	if auth.Resumed {
		// Stanzas already replayed by the server; only the MAM
		// query-state reset (driven by the Store's
		// connection.status selector, see package store) applies.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	if err := o.roster.FetchRoster(ctx); err != nil {
		logging.Warn("session: fetch roster: %v", err)
	}
	if !stillRelevant() {
		return
	}

	if _, err := o.discovery.FetchServerInfo(ctx); err != nil {
		logging.Warn("session: fetch server info: %v", err)
	}
	if !stillRelevant() {
		return
	}

	if err := o.bookmarks.FetchAndAutojoin(ctx, o.rooms, o.nick); err != nil {
		logging.Warn("session: fetch bookmarks: %v", err)
	}
	if !stillRelevant() {
		return
	}

	if err := o.bookmarks.RejoinOnReconnect(ctx, o.rooms); err != nil {
		logging.Warn("session: rejoin rooms: %v", err)
	}
	if !stillRelevant() {
		return
	}

	if err := o.blocking.FetchBlocklist(ctx); err != nil {
		logging.Warn("session: fetch blocklist: %v", err)
	}
	if !stillRelevant() {
		return
	}

	o.refreshRoomMAMSupport(ctx, stillRelevant)
	if !stillRelevant() {
		return
	}

	o.refreshPreviews(ctx, stillRelevant)
}

// refreshRoomMAMSupport queries disco#info for every room now on the
// Manager (autojoined plus rejoined) and flips SupportsMAM on the
// false→true transition, notifying the Store so the Side-Effect
// Driver can pick up a sidebar preview or catch-up for the active
// room. It also registers each room with the Side-Effect Driver,
// since WatchRoom is idempotent and join is the only place a room
// JID becomes known to this orchestrator.
func (o *Orchestrator) refreshRoomMAMSupport(ctx context.Context, stillRelevant func() bool) {
	for _, room := range o.rooms.Manager().GetAllRooms() {
		if !stillRelevant() {
			return
		}
		o.sideFX.WatchRoom(room.JID)

		supports, err := o.discovery.RoomSupportsMAM(ctx, room.JID)
		if err != nil {
			logging.Warn("session: room MAM support for %s: %v", room.JID, err)
			continue
		}
		if o.rooms.Manager().SetSupportsMAM(room.JID, supports) {
			o.store.NotifyRoomSupportsMAM(room.JID)
		}
	}
}

// refreshPreviews runs the "Refreshing previews" background task:
// a MAM backward page for every known 1:1 conversation, so a sidebar
// has a last-message snippet even for peers the user hasn't opened
// this session.
func (o *Orchestrator) refreshPreviews(ctx context.Context, stillRelevant func() bool) {
	sessions := o.chatMgr.GetAllSessions()
	if len(sessions) == 0 {
		return
	}
	peers := make([]jid.JID, 0, len(sessions))
	for _, sess := range sessions {
		peers = append(peers, sess.JID)
	}
	if !stillRelevant() {
		return
	}
	if err := o.mam.RefreshPreviews(ctx, peers); err != nil {
		logging.Warn("session: refresh previews: %v", err)
	}
}
