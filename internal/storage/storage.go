// Package storage defines the persistence boundary the XMPP runtime uses
// to survive process restarts without re-synchronizing everything from
// the server.
package storage

import "time"

// SMStateKey and PresenceMachineKey are the two keys the Connection
// Manager and Presence Machine persist through an Adapter's generic
// key/value surface.
const (
	SMStateKey         = "fluux:sm-state"
	PresenceMachineKey = "fluux:presence-machine"
)

// Adapter is the interface the core runtime expects from any cache or
// database backing it. A host application may swap in an in-memory
// adapter for tests or a different embedded database without touching
// any package under internal/xmpp.
type Adapter interface {
	// Get returns the raw value stored at key, and false if absent.
	Get(account, key string) (string, bool, error)
	// Set stores value at key, overwriting any previous value.
	Set(account, key, value string) error
	// Delete removes key, and is a no-op if it was already absent.
	Delete(account, key string) error

	RosterAdapter
	MAMAdapter
	MessageAdapter
}

// RosterAdapter persists a snapshot of the roster so the UI layer has
// something to render before the first <iq type='result'/> roster push
// completes.
type RosterAdapter interface {
	SaveRoster(account string, entries []RosterEntry) error
	GetRoster(account string) ([]RosterEntry, error)
}

// RosterEntry is a cached roster item.
type RosterEntry struct {
	JID          string
	Name         string
	Groups       []string
	Subscription string
}

// MAMAdapter persists the high-water mark of each MAM-backed
// conversation so the next connection only fetches what it missed.
type MAMAdapter interface {
	GetMAMSync(account, jid string) (*MAMSync, error)
	SaveMAMSync(sync MAMSync) error
	DeleteMAMSync(account, jid string) error
}

// MAMSync is the last-known archive position for one conversation.
type MAMSync struct {
	Account       string
	JID           string
	LastStanzaID  string
	LastTimestamp int64
	LastSynced    int64
}

// MessageAdapter persists message history when the Storage section of
// the runtime config enables it.
type MessageAdapter interface {
	SaveMessage(account, jid, id, body, msgType string, timestamp time.Time, outgoing, encrypted bool) error
	SaveMessageWithStanzaID(account, jid, id, stanzaID, body, msgType string, timestamp time.Time, outgoing, encrypted bool) error
	GetMessages(account, jid string, limit, offset int) ([]Message, error)
	MessageExists(stanzaID string) (bool, error)
	MarkMessageReceived(id string) error
	MarkMessageDisplayed(id string) error
	DeleteMessages(account, jid string) error
	DeleteOldMessages(days int) (int64, error)
}

// Message is a persisted chat history entry.
type Message struct {
	ID          string
	Body        string
	Timestamp   time.Time
	Outgoing    bool
	Encrypted   bool
	Type        string
	Received    bool
	Displayed   bool
	Corrected   bool
	CorrectedID string
}
