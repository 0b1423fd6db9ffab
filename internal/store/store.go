// Package store is the observable state surface the rest of the
// runtime (and, eventually, a UI layer) reads from: one aggregation
// point over every domain manager plus the handful of derived slices
// (connection, active-conversation/active-room selection, admin
// history, blocklist, console log) that have no other home. Store
// Bindings (bindings.go) are the only code that mutates it from domain
// events; the Connection Manager is the one documented exception,
// writing connection state directly to avoid a race between an
// authentication event firing and the Bindings subscription being
// installed.
package store

import (
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/chat"
	"github.com/fluux-im/fluux/internal/xmpp/discovery"
	"github.com/fluux-im/fluux/internal/xmpp/muc"
	"github.com/fluux-im/fluux/internal/xmpp/presence"
	"github.com/fluux-im/fluux/internal/xmpp/roster"
)

// maxAdminHistory and maxConsoleLines bound the admin/console slices
// so a long-running process doesn't grow them unboundedly.
const (
	maxAdminHistory = 50
	maxConsoleLines = 200
)

// Connection is the connection slice, written directly by the
// Connection Manager (see package doc).
type Connection struct {
	Status        string
	Authenticated bool
	JID           jid.JID
	Reason        string
}

// Selector keys the Side-Effect Driver subscribes to.
const (
	SelectorActiveConversation = "activeConversationId"
	SelectorConnectionOnline   = "connection.status"
)

// RoomMAMKey is the selector key for one room's supportsMAM flag,
// notified only on its false→true transition.
func RoomMAMKey(room jid.JID) string { return "room.supportsMAM:" + room.Bare().String() }

// RoomJoinedKey is the selector key for a room's join completing.
func RoomJoinedKey(room jid.JID) string { return "room.joined:" + room.Bare().String() }

// Store aggregates every domain manager behind one read surface and
// holds the slices that belong to no manager.
type Store struct {
	Chat      *chat.Manager
	Rooms     *muc.Manager
	Roster    *roster.Manager
	Presence  *presence.Manager
	Discovery *discovery.Cache

	mu                   sync.RWMutex
	connection           Connection
	activeConversationID string
	activeRoomID         string
	admin                []events.AdminCommandResult
	blocklist            []jid.JID
	console              []string

	watchMu  sync.Mutex
	watchers map[string][]func()
}

// New builds a Store around the given domain managers.
func New(chatMgr *chat.Manager, roomMgr *muc.Manager, rosterMgr *roster.Manager, presenceMgr *presence.Manager, discoveryCache *discovery.Cache) *Store {
	return &Store{
		Chat:      chatMgr,
		Rooms:     roomMgr,
		Roster:    rosterMgr,
		Presence:  presenceMgr,
		Discovery: discoveryCache,
		watchers:  make(map[string][]func()),
	}
}

// Watch registers fn to run every time key is notified. Watchers run
// synchronously, on the caller's goroutine, in registration order.
func (s *Store) Watch(key string, fn func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchers[key] = append(s.watchers[key], fn)
}

func (s *Store) notify(key string) {
	s.watchMu.Lock()
	fns := append([]func(){}, s.watchers[key]...)
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SetConnection overwrites the connection slice. Called directly by
// the Connection Manager, never through Bindings.
func (s *Store) SetConnection(c Connection) {
	s.mu.Lock()
	wasOnline := s.connection.Status == "live"
	s.connection = c
	s.mu.Unlock()
	if !wasOnline && c.Status == "live" {
		s.notify(SelectorConnectionOnline)
	}
}

// GetConnection returns the current connection slice.
func (s *Store) GetConnection() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connection
}

// SetActiveConversation records which 1:1 conversation the UI is
// focused on, notifying SelectorActiveConversation on change.
func (s *Store) SetActiveConversation(bareJID string) {
	s.mu.Lock()
	changed := s.activeConversationID != bareJID
	s.activeConversationID = bareJID
	s.mu.Unlock()
	if changed {
		s.notify(SelectorActiveConversation)
	}
}

// ActiveConversation returns the currently focused 1:1 conversation,
// or "" if none.
func (s *Store) ActiveConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeConversationID
}

// SetActiveRoom records which MUC room the UI is focused on.
func (s *Store) SetActiveRoom(bareJID string) {
	s.mu.Lock()
	s.activeRoomID = bareJID
	s.mu.Unlock()
}

// ActiveRoom returns the currently focused room, or "" if none.
func (s *Store) ActiveRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRoomID
}

// NotifyRoomSupportsMAM tells the Side-Effect Driver that room's MAM
// support flipped false→true. Callers should only invoke this when
// muc.Manager.SetSupportsMAM reported a real transition.
func (s *Store) NotifyRoomSupportsMAM(room jid.JID) {
	s.notify(RoomMAMKey(room))
}

// NotifyRoomJoined tells the Side-Effect Driver that room finished
// joining.
func (s *Store) NotifyRoomJoined(room jid.JID) {
	s.notify(RoomJoinedKey(room))
}

// recordAdmin appends result to the bounded admin history.
func (s *Store) recordAdmin(result events.AdminCommandResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = append(s.admin, result)
	if len(s.admin) > maxAdminHistory {
		s.admin = s.admin[len(s.admin)-maxAdminHistory:]
	}
}

// AdminHistory returns every recorded admin command result, oldest first.
func (s *Store) AdminHistory() []events.AdminCommandResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]events.AdminCommandResult, len(s.admin))
	copy(out, s.admin)
	return out
}

// setBlocklist replaces the blocklist slice.
func (s *Store) setBlocklist(jids []jid.JID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocklist = jids
}

// Blocklist returns the current blocklist snapshot.
func (s *Store) Blocklist() []jid.JID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]jid.JID, len(s.blocklist))
	copy(out, s.blocklist)
	return out
}

// recordConsole appends a line to the bounded console log.
func (s *Store) recordConsole(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console = append(s.console, line)
	if len(s.console) > maxConsoleLines {
		s.console = s.console[len(s.console)-maxConsoleLines:]
	}
}

// Console returns the current console log, oldest first.
func (s *Store) Console() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.console))
	copy(out, s.console)
	return out
}
