package roster

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"mellium.im/xmpp/jid"
)

// Subscription represents the subscription state
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// Item represents a roster item. Beyond the roster-protocol fields a
// <query/> push carries, it caches the Contact-facing presentation
// state (§3's Contact entity) that other modules discover out of
// band: Presence is the aggregated bare-JID show a presence.Manager.Get
// would report, kept here too so a UI can render the whole contact
// list from one manager, and Avatar/AvatarHash/colors are updated by
// PEP avatar and nickname-color events routed through the store.
type Item struct {
	JID          jid.JID
	Name         string
	Subscription Subscription
	Groups       []string
	Approved     bool
	Ask          string
	Presence     string
	Avatar       []byte
	AvatarHash   string
	ColorLight   string
	ColorDark    string
}

// Manager manages the roster
type Manager struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewManager creates a new roster manager
func NewManager() *Manager {
	return &Manager{
		items: make(map[string]*Item),
	}
}

// Set sets or updates a roster item. A brand new item gets its
// colorLight/colorDark pair derived once from its bare JID (a stable,
// server-independent substitute for a real avatar, the way a client
// without a photo still needs a consistent per-contact color); an
// update to an existing item keeps whatever pair it already has.
func (m *Manager) Set(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := item.JID.Bare().String()
	if existing, ok := m.items[bare]; ok {
		item.Presence = existing.Presence
		item.Avatar = existing.Avatar
		item.AvatarHash = existing.AvatarHash
		if existing.ColorLight != "" {
			item.ColorLight, item.ColorDark = existing.ColorLight, existing.ColorDark
		}
	}
	if item.ColorLight == "" {
		item.ColorLight, item.ColorDark = deriveColors(bare)
	}
	m.items[bare] = &item
}

// SetPresence records the aggregated bare-JID show last reported by a
// presence.Manager for a contact, so a UI reading the roster doesn't
// have to cross-reference a second manager for one field.
func (m *Manager) SetPresence(j jid.JID, show string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[j.Bare().String()]; ok {
		item.Presence = show
	}
}

// SetAvatar applies a PEP avatar update (events.TypeAvatarUpdated) to
// the matching contact, per §4.4.4's "routes avatar hash updates".
func (m *Manager) SetAvatar(j jid.JID, hash string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[j.Bare().String()]; ok {
		item.AvatarHash = hash
		item.Avatar = data
	}
}

// deriveColors produces a deterministic light/dark hex pair from bare,
// so the same contact always renders the same color across sessions
// without persisting one.
func deriveColors(bare string) (light, dark string) {
	sum := sha256.Sum256([]byte(bare))
	hue := int(sum[0])%360 + int(sum[1])%60
	return fmt.Sprintf("hsl(%d, 65%%, 55%%)", hue%360), fmt.Sprintf("hsl(%d, 55%%, 35%%)", hue%360)
}

// Get returns a roster item by JID
func (m *Manager) Get(j jid.JID) *Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.items[j.Bare().String()]
}

// Remove removes a roster item
func (m *Manager) Remove(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, j.Bare().String())
}

// All returns all roster items
func (m *Manager) All() []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]*Item, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}
	return items
}

// Clear removes all roster items
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*Item)
}

// Count returns the number of roster items
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Groups returns all unique groups
func (m *Manager) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groupSet := make(map[string]bool)
	for _, item := range m.items {
		for _, group := range item.Groups {
			groupSet[group] = true
		}
	}

	groups := make([]string, 0, len(groupSet))
	for group := range groupSet {
		groups = append(groups, group)
	}
	return groups
}

// ByGroup returns items in a specific group
func (m *Manager) ByGroup(group string) []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []*Item
	for _, item := range m.items {
		for _, g := range item.Groups {
			if g == group {
				items = append(items, item)
				break
			}
		}
	}
	return items
}

// Ungrouped returns items not in any group
func (m *Manager) Ungrouped() []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []*Item
	for _, item := range m.items {
		if len(item.Groups) == 0 {
			items = append(items, item)
		}
	}
	return items
}
