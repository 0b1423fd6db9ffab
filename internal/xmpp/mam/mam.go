// Package mam implements Message Archive Management (XEP-0313): paging
// an account's or room's server-side archive backward into a
// conversation's in-memory window, and forward to catch up on whatever
// was missed while offline. It wraps mellium.im/xmpp/history (which
// already carries the paging/RSM cursor logic as its Query/Result
// types) with the query-state bookkeeping and cursor-anchoring rule a
// sidebar needs: a backward page is always requested before the
// oldest stanza-id currently held in memory, never before whatever a
// previous fetch last saw, so a page fetched while the user was
// scrolled away is never silently skipped.
package mam

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/history"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/logging"
	"github.com/fluux-im/fluux/internal/storage"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
	"github.com/fluux-im/fluux/internal/xmpp/chat"
	"github.com/fluux-im/fluux/internal/xmpp/muc"
	"github.com/fluux-im/fluux/internal/xmpp/stanzautil"
)

// pageSize is the number of messages requested per archive page. It
// is deliberately small: a sidebar only ever needs enough to fill the
// visible scrollback, and RSM max is a request, not a requirement.
const pageSize = 50

// QueryState is the MAM bookkeeping the spec tracks per conversation
// or room: whether a fetch is in flight, whether one has ever run,
// whether the archive's oldest end has been reached, and whether the
// in-memory window has caught all the way up to the live stream.
type QueryState struct {
	IsLoading         bool
	HasQueried        bool
	IsHistoryComplete bool
	IsCaughtUpToLive  bool
	Error             error
	OldestFetchedID   string
}

// Manager holds per-conversation and per-room QueryState. It is reset
// (not persisted) on every reconnect: a fresh connection starts every
// conversation's archive state from scratch, even though the
// in-memory message window itself survives reconnects.
type Manager struct {
	mu    sync.Mutex
	chats map[string]*QueryState
	rooms map[string]*QueryState
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{chats: make(map[string]*QueryState), rooms: make(map[string]*QueryState)}
}

// Reset clears every tracked QueryState, called once per fresh
// connection (spec: "MAM query state for every conversation/room is
// reset but no queries are issued immediately").
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = make(map[string]*QueryState)
	m.rooms = make(map[string]*QueryState)
}

func (m *Manager) chatState(j jid.JID) *QueryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := j.Bare().String()
	s, ok := m.chats[key]
	if !ok {
		s = &QueryState{}
		m.chats[key] = s
	}
	return s
}

func (m *Manager) roomState(j jid.JID) *QueryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := j.Bare().String()
	s, ok := m.rooms[key]
	if !ok {
		s = &QueryState{}
		m.rooms[key] = s
	}
	return s
}

// ChatState returns a snapshot of peer's QueryState.
func (m *Manager) ChatState(peer jid.JID) QueryState { return *m.chatState(peer) }

// RoomState returns a snapshot of room's QueryState.
func (m *Manager) RoomState(room jid.JID) QueryState { return *m.roomState(room) }

// Module runs archive queries against the wire and folds results back
// into the chat and MUC managers.
type Module struct {
	cap               capabilities.Capabilities
	chatMgr           *chat.Manager
	mucMgr            *muc.Manager
	states            *Manager
	handler           *history.Handler
	previewConcurrency int
	queryTimeout       time.Duration
}

// New builds a Module. previewConcurrency and queryTimeout come from
// the connection config section (preview_concurrency,
// mam_query_timeout_seconds).
func New(cap capabilities.Capabilities, chatMgr *chat.Manager, mucMgr *muc.Manager, previewConcurrency int, queryTimeout time.Duration) *Module {
	if previewConcurrency < 1 {
		previewConcurrency = 1
	}
	return &Module{
		cap:                cap,
		chatMgr:            chatMgr,
		mucMgr:             mucMgr,
		states:             NewManager(),
		handler:            history.NewHandler(nil),
		previewConcurrency: previewConcurrency,
		queryTimeout:       queryTimeout,
	}
}

// MuxOptions registers the archive-result message handler.
func (m *Module) MuxOptions() []mux.Option {
	return []mux.Option{
		history.Handle(m.handler),
	}
}

// States exposes the per-conversation query-state tracker, e.g. for
// the Side-Effect Driver to check HasQueried and to reset every query
// state on reconnect.
func (m *Module) States() *Manager { return m.states }

// QueryChat implements mam.query_chat: a backward page anchored on
// the oldest stanza-id currently held in memory for peer (or the
// newest page, the first time), merged into the chat Manager.
func (m *Module) QueryChat(ctx context.Context, peer jid.JID) (events.MAMEvents, error) {
	state := m.states.chatState(peer)
	if state.IsLoading {
		return events.MAMEvents{}, fmt.Errorf("mam: query for %s already in flight", peer)
	}
	state.IsLoading = true
	defer func() { state.IsLoading = false }()

	q := history.Query{Limit: pageSize, Last: true}
	cursor := m.chatMgr.OldestFingerprint(peer)
	if cursor != "" {
		q.BeforeID = cursor
	}

	me := m.cap.CurrentJID()
	msgs, res, err := m.fetch(ctx, q, me.Bare(), peer)
	if err != nil {
		state.Error = err
		return events.MAMEvents{}, err
	}

	fresh := m.chatMgr.PrependHistory(peer, msgs)
	state.HasQueried = true
	state.IsHistoryComplete = res.Complete
	state.Error = nil
	if len(fresh) > 0 {
		state.OldestFetchedID = fresh[0].Fingerprint()
	}

	ev := events.MAMEvents{
		ConversationID: peer.Bare().String(),
		Messages:       toEventMessages(fresh),
		First:          res.Set.First.ID,
		Last:           res.Set.Last,
		Count:          len(fresh),
		Complete:       res.Complete,
		Direction:      "backward",
	}
	m.cap.Emit(events.TypeMAMEvents, ev)
	return ev, nil
}

// QueryRoom is QueryChat's room-archive counterpart: archives for a
// MUC are queried against the room JID itself, with no <with/> filter.
func (m *Module) QueryRoom(ctx context.Context, room jid.JID) (events.MAMEvents, error) {
	state := m.states.roomState(room)
	if state.IsLoading {
		return events.MAMEvents{}, fmt.Errorf("mam: query for room %s already in flight", room)
	}
	state.IsLoading = true
	defer func() { state.IsLoading = false }()

	q := history.Query{Limit: pageSize, Last: true}
	cursor := m.mucMgr.OldestFingerprint(room)
	if cursor != "" {
		q.BeforeID = cursor
	}

	msgs, res, err := m.fetchRoom(ctx, q, room)
	if err != nil {
		state.Error = err
		return events.MAMEvents{}, err
	}

	fresh := m.mucMgr.PrependHistory(room, msgs)
	state.HasQueried = true
	state.IsHistoryComplete = res.Complete
	state.Error = nil
	if len(fresh) > 0 {
		state.OldestFetchedID = fresh[0].Fingerprint()
	}

	var chatMsgs []events.ChatMessage
	for _, msg := range fresh {
		chatMsgs = append(chatMsgs, events.ChatMessage{
			ID:        msg.ID,
			StanzaID:  msg.StanzaID,
			From:      room,
			Body:      msg.Body,
			Timestamp: msg.Timestamp,
			IsDelayed: msg.Delayed,
		})
	}
	ev := events.MAMEvents{
		ConversationID: room.Bare().String(),
		Messages:       chatMsgs,
		First:          res.Set.First.ID,
		Last:           res.Set.Last,
		Count:          len(fresh),
		Complete:       res.Complete,
		Direction:      "backward",
	}
	m.cap.Emit(events.TypeMAMEvents, ev)
	return ev, nil
}

// CatchUp implements the forward-direction half of mam.query_chat: it
// asks for everything since the last persisted high-water mark and
// persists the new high-water mark on success. Nothing in this
// runtime calls it.
func (m *Module) CatchUp(ctx context.Context, peer jid.JID) (events.MAMEvents, error) {
	store := m.cap.Store
	sync, err := store.GetMAMSync(m.cap.Account, peer.Bare().String())
	if err != nil {
		return events.MAMEvents{}, fmt.Errorf("mam: load sync state: %w", err)
	}

	q := history.Query{Limit: pageSize}
	if sync != nil && sync.LastStanzaID != "" {
		q.AfterID = sync.LastStanzaID
	}

	me := m.cap.CurrentJID()
	msgs, res, err := m.fetch(ctx, q, me.Bare(), peer)
	if err != nil {
		return events.MAMEvents{}, err
	}

	for _, msg := range msgs {
		m.chatMgr.AddMessage(msg)
	}

	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if err := store.SaveMAMSync(storage.MAMSync{
			Account:       m.cap.Account,
			JID:           peer.Bare().String(),
			LastStanzaID:  last.Fingerprint(),
			LastTimestamp: last.Timestamp.Unix(),
			LastSynced:    time.Now().Unix(),
		}); err != nil {
			logging.Warn("mam: save sync state for %s: %v", peer, err)
		}
	}

	state := m.states.chatState(peer)
	state.IsCaughtUpToLive = true

	ev := events.MAMEvents{
		ConversationID: peer.Bare().String(),
		Messages:       toEventMessages(msgs),
		First:          res.Set.First.ID,
		Last:           res.Set.Last,
		Count:          len(msgs),
		Complete:       res.Complete,
		Direction:      "forward",
	}
	if len(msgs) > 0 {
		m.cap.Emit(events.TypeMAMEvents, ev)
	}
	return ev, nil
}

// RefreshPreviews implements mam.refresh_previews: for every peer, a
// single newest-message fetch (no merge into query state, since a
// sidebar preview is not the same thing as "history has been
// loaded"), bounded to previewConcurrency concurrent fetches via an
// errgroup so a long contact list doesn't open one IQ per entry at
// once.
func (m *Module) RefreshPreviews(ctx context.Context, peers []jid.JID) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.previewConcurrency)

	me := m.cap.CurrentJID()
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			q := history.Query{Limit: 1, Last: true}
			msgs, _, err := m.fetch(gctx, q, me.Bare(), peer)
			if err != nil {
				logging.Warn("mam: refresh preview for %s: %v", peer, err)
				return nil
			}
			for _, msg := range msgs {
				m.chatMgr.AddMessage(msg)
			}
			return nil
		})
	}
	return g.Wait()
}

// fetch runs one archive query scoped to peer (via <with/>), against
// archiveJID (the bare account JID for 1:1 chats), returning the
// parsed messages in archive order (oldest first) plus the page
// metadata.
func (m *Module) fetch(ctx context.Context, q history.Query, archiveJID jid.JID, peer jid.JID) ([]chat.Message, history.Result, error) {
	s := m.cap.Session()
	if s == nil {
		return nil, history.Result{}, fmt.Errorf("mam: no live session")
	}
	if m.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.queryTimeout)
		defer cancel()
	}
	q.With = peer.Bare()

	iter := m.handler.Fetch(ctx, q, archiveJID, s)
	defer iter.Close()

	var msgs []chat.Message
	for iter.Next() {
		msg, err := decodeForwarded(iter.Current())
		if err != nil {
			logging.Warn("mam: decode archived message: %v", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := iter.Err(); err != nil {
		return nil, history.Result{}, fmt.Errorf("mam: fetch %s: %w", peer, err)
	}
	return msgs, iter.Result(), nil
}

// fetchRoom is fetch's MUC counterpart: the archive is queried
// against the room JID with no <with/> filter, and results are
// decoded into muc.Message instead of chat.Message.
func (m *Module) fetchRoom(ctx context.Context, q history.Query, room jid.JID) ([]muc.Message, history.Result, error) {
	s := m.cap.Session()
	if s == nil {
		return nil, history.Result{}, fmt.Errorf("mam: no live session")
	}
	if m.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.queryTimeout)
		defer cancel()
	}

	iter := m.handler.Fetch(ctx, q, room, s)
	defer iter.Close()

	var msgs []muc.Message
	for iter.Next() {
		cm, err := decodeForwarded(iter.Current())
		if err != nil {
			logging.Warn("mam: decode archived room message: %v", err)
			continue
		}
		msgs = append(msgs, muc.Message{
			ID:        cm.ID,
			StanzaID:  cm.StanzaID,
			From:      cm.From.Resourcepart(),
			Body:      cm.Body,
			Timestamp: cm.Timestamp,
			Type:      "groupchat",
			Delayed:   true,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, history.Result{}, fmt.Errorf("mam: fetch room %s: %w", room, err)
	}
	return msgs, iter.Result(), nil
}

// decodeForwarded unwraps the <result><forwarded><delay/><message/>
// envelope history.Iter.Current hands back (positioned at the outer
// result message's own start tag) into a parsed chat.Message, with
// Timestamp taken from the delay stamp rather than time.Now.
func decodeForwarded(r xml.TokenReader) (chat.Message, error) {
	tok, err := r.Token()
	if err != nil {
		return chat.Message{}, err
	}
	if _, ok := tok.(xml.StartElement); !ok {
		return chat.Message{}, fmt.Errorf("mam: expected <message> start, got %T", tok)
	}

	var msg chat.Message
	var del delay.Delay
	var found bool
	err = stanzautil.EachChild(r, func(start xml.StartElement, inner xml.TokenReader) error {
		if start.Name.Local != "result" {
			return nil
		}
		return stanzautil.EachChild(inner, func(fstart xml.StartElement, finner xml.TokenReader) error {
			if fstart.Name.Local != "forwarded" {
				return nil
			}
			return stanzautil.EachChild(finner, func(mstart xml.StartElement, minner xml.TokenReader) error {
				switch mstart.Name.Local {
				case "delay":
					d := xml.NewTokenDecoder(xmlstream.Wrap(minner, mstart))
					return d.Decode(&del)
				case "message":
					wireMsg, perr := stanza.NewMessage(mstart)
					if perr != nil {
						return perr
					}
					result, perr := chat.Parse(wireMsg, minner, false)
					if perr != nil {
						return perr
					}
					msg = result.Message
					found = true
				}
				return nil
			})
		})
	})
	if err != nil {
		return chat.Message{}, err
	}
	if !found {
		return chat.Message{}, fmt.Errorf("mam: no forwarded message found")
	}
	if !del.Time.IsZero() {
		msg.Timestamp = del.Time
	}
	msg.IsDelayed = true
	return msg, nil
}

func toEventMessages(msgs []chat.Message) []events.ChatMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]events.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, chat.ToEvent(msg))
	}
	return out
}
