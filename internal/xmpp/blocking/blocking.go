// Package blocking implements XEP-0191 (Blocking Command): fetching,
// adding to, and removing from the account's server-side blocklist,
// and reacting to another resource changing it out from under us.
package blocking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mellium.im/xmpp/blocklist"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/capabilities"
)

// Manager holds the current blocklist snapshot in memory.
type Manager struct {
	mu   sync.RWMutex
	jids map[string]jid.JID
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{jids: make(map[string]jid.JID)}
}

// Set replaces the entire blocklist.
func (m *Manager) Set(jids []jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jids = make(map[string]jid.JID, len(jids))
	for _, j := range jids {
		m.jids[j.String()] = j
	}
}

// Add records j as blocked.
func (m *Manager) Add(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jids[j.String()] = j
}

// Remove clears j from the blocklist, or every entry if j is the zero
// JID (an <unblock/> with no items, per XEP-0191 ยง3.3).
func (m *Manager) Remove(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.Equal(jid.JID{}) {
		m.jids = make(map[string]jid.JID)
		return
	}
	delete(m.jids, j.String())
}

// IsBlocked reports whether j (or its bare form) is currently blocked.
func (m *Manager) IsBlocked(j jid.JID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.jids[j.String()]; ok {
		return true
	}
	_, ok := m.jids[j.Bare().String()]
	return ok
}

// All returns every blocked JID, sorted for stable output.
func (m *Manager) All() []jid.JID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]jid.JID, 0, len(m.jids))
	for _, j := range m.jids {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Module wires Manager to the wire protocol.
type Module struct {
	cap capabilities.Capabilities
	mgr *Manager
}

// New builds a Module around mgr.
func New(cap capabilities.Capabilities, mgr *Manager) *Module {
	return &Module{cap: cap, mgr: mgr}
}

// MuxOptions registers the handler for inbound block/unblock pushes:
// another resource of the same account changing the blocklist, which
// the server replicates to every other connected resource per
// XEP-0191 ยง3.4/ยง3.5.
func (m *Module) MuxOptions() []mux.Option {
	return []mux.Option{
		blocklist.Handle(blocklist.Handler{
			Block:      m.handleBlock,
			Unblock:    m.handleUnblock,
			UnblockAll: m.handleUnblockAll,
		}),
	}
}

func (m *Module) handleBlock(item blocklist.Item) {
	m.mgr.Add(item.JID)
	m.emitUpdate()
}

func (m *Module) handleUnblock(j jid.JID) {
	m.mgr.Remove(j)
	m.emitUpdate()
}

func (m *Module) handleUnblockAll() {
	m.mgr.Remove(jid.JID{})
	m.emitUpdate()
}

func (m *Module) emitUpdate() {
	m.cap.Emit(events.TypeBlocklistUpdated, events.BlocklistUpdated{JIDs: m.mgr.All()})
}

// FetchBlocklist implements blocking.fetch: the initial blocklist
// retrieval, run once per fresh (non-resumed) session. It is issued
// without first checking that the server advertises urn:xmpp:blocklist.
func (m *Module) FetchBlocklist(ctx context.Context) error {
	s := m.cap.Session()
	if s == nil {
		return fmt.Errorf("blocking: no live session")
	}
	iter := blocklist.Fetch(ctx, s)
	defer iter.Close()

	var jids []jid.JID
	for iter.Next() {
		jids = append(jids, iter.JID())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("blocking: fetch blocklist: %w", err)
	}
	m.mgr.Set(jids)
	m.emitUpdate()
	return nil
}

// Block implements blocking.block.
func (m *Module) Block(ctx context.Context, j jid.JID) error {
	s := m.cap.Session()
	if s == nil {
		return fmt.Errorf("blocking: no live session")
	}
	if err := blocklist.Add(ctx, s, j); err != nil {
		return fmt.Errorf("blocking: block %s: %w", j, err)
	}
	m.mgr.Add(j)
	m.emitUpdate()
	return nil
}

// Unblock implements blocking.unblock. Passing the zero JID clears
// the entire blocklist.
func (m *Module) Unblock(ctx context.Context, j jid.JID) error {
	s := m.cap.Session()
	if s == nil {
		return fmt.Errorf("blocking: no live session")
	}
	var err error
	if j.Equal(jid.JID{}) {
		err = blocklist.Remove(ctx, s)
	} else {
		err = blocklist.Remove(ctx, s, j)
	}
	if err != nil {
		return fmt.Errorf("blocking: unblock %s: %w", j, err)
	}
	m.mgr.Remove(j)
	m.emitUpdate()
	return nil
}

// IsBlocked reports whether j (or its bare form) is on the blocklist.
// The Chat and MUC modules do not consult it: inbound messages from
// blocked senders are not dropped by this runtime.
func (m *Module) IsBlocked(j jid.JID) bool {
	return m.mgr.IsBlocked(j)
}
