// Package client assembles every domain module, the Connection
// Manager, the Store, and the Session Orchestrator behind the single
// object a host application drives: Client. It owns construction
// order (capabilities first, then modules, then the router that
// carries their mux.Options, then the Connection Manager that drives
// them) and the handful of lifecycle verbs spec.md's external
// interface names.
package client

import (
	"context"
	"time"

	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"

	"github.com/fluux-im/fluux/internal/config"
	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/session"
	"github.com/fluux-im/fluux/internal/storage"
	"github.com/fluux-im/fluux/internal/store"
	"github.com/fluux-im/fluux/internal/xmpp/admin"
	"github.com/fluux-im/fluux/internal/xmpp/blocking"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
	"github.com/fluux-im/fluux/internal/xmpp/chat"
	"github.com/fluux-im/fluux/internal/xmpp/conn"
	"github.com/fluux-im/fluux/internal/xmpp/discovery"
	"github.com/fluux-im/fluux/internal/xmpp/mam"
	"github.com/fluux-im/fluux/internal/xmpp/muc"
	"github.com/fluux-im/fluux/internal/xmpp/presence"
	"github.com/fluux-im/fluux/internal/xmpp/profile"
	"github.com/fluux-im/fluux/internal/xmpp/pubsubmod"
	"github.com/fluux-im/fluux/internal/xmpp/roster"
	"github.com/fluux-im/fluux/internal/xmpp/router"
	"github.com/fluux-im/fluux/internal/xmpp/transport"
)

// Client is the public surface a host application (CLI, UI shell,
// test harness) holds. Every domain operation (send a message, join a
// room, fetch a vCard) is reached through its named module accessor;
// Client itself only exposes the connection lifecycle and the
// read-only Store.
type Client struct {
	cfg     config.Config
	account string

	bus  *events.Bus
	st   *store.Store
	conn *conn.Manager

	sideFX *store.SideEffectDriver
	orch   *session.Orchestrator

	Chat      *chat.Module
	Rooms     *muc.Module
	Bookmarks *muc.Bookmarks
	Roster    *roster.Module
	Discovery *discovery.Module
	MAM       *mam.Module
	Blocking  *blocking.Module
	Admin     *admin.Module
	PubSub    *pubsubmod.Module
	Profile   *profile.Module
	Presence  *presence.Machine
}

// New builds a fully wired Client for account, backed by adapter for
// persistence (may be nil for an ephemeral in-memory run). It does not
// connect; call Connect.
func New(cfg config.Config, account string, adapter storage.Adapter) *Client {
	bus := events.New()
	c := &Client{cfg: cfg, account: account, bus: bus}

	chatMgr := chat.NewManager()
	roomMgr := muc.NewManager()
	rosterMgr := roster.NewManager()
	contactPresence := presence.NewManager()
	blockMgr := blocking.NewManager()
	discoveryCache := discovery.NewCache()

	st := store.New(chatMgr, roomMgr, rosterMgr, contactPresence, discoveryCache)
	presenceMachine := presence.NewMachine(adapter, account, bus)

	// caps closes over c.conn rather than holding it by value: c.conn
	// is only assigned once the Connection Manager is built below
	// (which itself needs the router, which needs every module's
	// MuxOptions, which needs caps to exist first), but none of these
	// closures run until a connection is live, long after c.conn is
	// set.
	caps := capabilities.Capabilities{
		Send:       func(ctx context.Context, v interface{}) error { return c.conn.Send(ctx, v) },
		Session:    func() *xmpp.Session { return c.conn.Session() },
		CurrentJID: func() jid.JID { return c.conn.CurrentJID() },
		Emit:       bus.Emit,
		Store:      adapter,
		Account:    account,
	}

	rosterModule := roster.New(caps, rosterMgr, contactPresence)
	discoveryModule := discovery.New(caps, discoveryCache)
	chatModule := chat.New(caps, chatMgr)
	roomModule := muc.New(caps, roomMgr)
	bookmarks := muc.NewBookmarks(caps, roomMgr)
	blockModule := blocking.New(caps, blockMgr)
	pubsubModule := pubsubmod.New(caps)
	profileModule := profile.New(caps, pubsubModule)
	adminModule := admin.New(caps)
	presenceModule := presence.New(caps)
	mamModule := mam.New(
		caps, chatMgr, roomMgr,
		cfg.Connection.PreviewConcurrency,
		time.Duration(cfg.Connection.MAMQueryTimeoutSeconds)*time.Second,
	)

	var muxOpts []mux.Option
	muxOpts = append(muxOpts, rosterModule.MuxOptions()...)
	muxOpts = append(muxOpts, chatModule.MuxOptions()...)
	muxOpts = append(muxOpts, roomModule.MuxOptions()...)
	muxOpts = append(muxOpts, blockModule.MuxOptions()...)
	muxOpts = append(muxOpts, pubsubModule.MuxOptions()...)
	muxOpts = append(muxOpts, mamModule.MuxOptions()...)

	r := router.New(bus, muxOpts...)
	r.SetMessageObserver(chatModule)

	resolver := &transport.Resolver{Override: cfg.Connection.EndpointOverride}

	cm := conn.New(conn.Config{
		Bus:           bus,
		Router:        r,
		Resolver:      resolver,
		Storage:       adapter,
		Account:       account,
		Store:         st,
		BackoffBase:   time.Duration(cfg.Connection.BackoffBaseMillis) * time.Millisecond,
		BackoffCap:    time.Duration(cfg.Connection.BackoffCapMillis) * time.Millisecond,
		ResumeTimeout: cfg.Connection.ResumeTimeout(),
		PingTimeout:   time.Duration(cfg.Connection.PingTimeoutSeconds) * time.Second,
		DialTimeout:   time.Duration(cfg.Connection.IQTimeoutSeconds) * time.Second,
	})
	c.conn = cm
	r.SetSMObserver(cm)

	wireProj := presence.NewWireProjection(cm, presenceModule)
	presenceMachine.SetWireProjection(wireProj)

	sideFX := store.NewSideEffectDriver(st, mamModule)
	store.NewBindings(bus, st)

	orch := session.New(bus, session.Config{
		Conn:      cm,
		Roster:    rosterModule,
		Discovery: discoveryModule,
		Rooms:     roomModule,
		Bookmarks: bookmarks,
		Blocking:  blockModule,
		MAM:       mamModule,
		ChatMgr:   chatMgr,
		Store:     st,
		SideFX:    sideFX,
		Nick:      localpart(account),
	})

	c.st = st
	c.sideFX = sideFX
	c.orch = orch
	c.Chat = chatModule
	c.Rooms = roomModule
	c.Bookmarks = bookmarks
	c.Roster = rosterModule
	c.Discovery = discoveryModule
	c.MAM = mamModule
	c.Blocking = blockModule
	c.Admin = adminModule
	c.PubSub = pubsubModule
	c.Profile = profileModule
	c.Presence = presenceMachine

	return c
}

// Connect starts the connection state machine for addr (typically the
// account's own bare JID) using password. resume requests a XEP-0198
// resumption if a session id was persisted from a prior run.
func (c *Client) Connect(ctx context.Context, addr jid.JID, password string, resume bool) error {
	return c.conn.Connect(ctx, addr, password, c.cfg.Connection.EndpointOverride, resume)
}

// Disconnect closes the live session cleanly.
func (c *Client) Disconnect(ctx context.Context) error { return c.conn.Disconnect(ctx) }

// CancelReconnect stops a pending backoff timer, leaving the Manager
// disconnected until TriggerReconnect or Connect is called again.
func (c *Client) CancelReconnect() { c.conn.CancelReconnect() }

// TriggerReconnect forces an immediate reconnect attempt, bypassing
// the current backoff delay.
func (c *Client) TriggerReconnect() { c.conn.TriggerReconnect() }

// VerifyConnection issues a liveness probe (XEP-0199 ping) and returns
// an error if it fails, without itself tearing down the connection.
func (c *Client) VerifyConnection(ctx context.Context) error { return c.conn.VerifyConnection(ctx) }

// NotifySystemState tells the Connection Manager about a host
// power-state transition ("sleep", "wake", "locked", ...) so it can
// decide whether the existing Stream Management session is still
// within its resume window.
func (c *Client) NotifySystemState(ctx context.Context, state string, sleepDuration time.Duration) {
	c.conn.NotifySystemState(ctx, state, sleepDuration)
}

// Destroy tears down the connection and releases background
// goroutines; the Client is not usable afterward.
func (c *Client) Destroy() { c.conn.Destroy() }

// Store returns the read-only aggregated state surface.
func (c *Client) Store() *store.Store { return c.st }

// Bus returns the shared event bus, for a host application that wants
// to subscribe directly rather than polling Store.
func (c *Client) Bus() *events.Bus { return c.bus }

// localpart returns the part of a bare JID before '@', used as the
// default MUC nick when a bookmark carries none of its own.
func localpart(bareJID string) string {
	for i, r := range bareJID {
		if r == '@' {
			return bareJID[:i]
		}
	}
	return bareJID
}
