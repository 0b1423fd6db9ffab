package chat

import (
	"sync"
	"time"

	"mellium.im/xmpp/jid"
)

// Attachment merges XEP-0066 (OOB), XEP-0264 (thumbnail), and XEP-0446
// (file metadata) into a single attachment shape.
type Attachment struct {
	URL          string
	Desc         string
	MediaType    string
	Name         string
	Size         int64
	ThumbnailURI string
}

// LinkPreview is the Open Graph metadata produced by an XEP-0422
// apply-to fastening on a bare URL.
type LinkPreview struct {
	URL         string
	Title       string
	Description string
	ImageURL    string
}

// ReplyTo is the XEP-0461 reply context for a message, with the
// XEP-0428 fallback body preserved for the quoted preview.
type ReplyTo struct {
	ID           string
	To           jid.JID
	FallbackBody string
}

// Message represents a chat message
type Message struct {
	ID           string
	StanzaID     string // XEP-0359, preferred identity over ID
	From         jid.JID
	To           jid.JID
	Body         string
	Type         string // chat, groupchat, headline, normal, error
	Timestamp    time.Time
	Encrypted    bool
	IsOutgoing   bool
	IsDelayed    bool
	NoStyling    bool
	NoStore      bool
	Received     bool // receipt received
	Displayed    bool // chat marker displayed
	Corrected    bool // message was corrected
	CorrectedID  string
	IsEdited     bool
	OriginalBody string
	IsRetracted  bool
	RetractedAt  time.Time
	Reactions    []string
	ReplyTo      *ReplyTo
	Attachment   *Attachment
	LinkPreview  *LinkPreview
	Thread       string
}

// Fingerprint returns the message's identity for deduplication:
// stanza-id when known, else the client id, else a deterministic hash
// of (from, body, timestamp) for bridge traffic that supplies neither.
func (m Message) Fingerprint() string {
	if m.StanzaID != "" {
		return m.StanzaID
	}
	if m.ID != "" {
		return m.ID
	}
	return stableFingerprint(m.From.String(), m.Body, m.Timestamp)
}

// ChatState represents the chat state (typing, etc.)
type ChatState string

const (
	StateActive    ChatState = "active"
	StateComposing ChatState = "composing"
	StatePaused    ChatState = "paused"
	StateInactive  ChatState = "inactive"
	StateGone      ChatState = "gone"
)

// Session represents a chat session with a contact
type Session struct {
	JID       jid.JID
	Thread    string
	State     ChatState
	Messages  []Message
	Unread    int
	LastRead  time.Time
	Encrypted bool
}

// Manager manages chat sessions
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a new chat manager
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// GetSession gets or creates a session for a JID
func (m *Manager) GetSession(j jid.JID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	if session, ok := m.sessions[bare]; ok {
		return session
	}

	session := &Session{
		JID:      j.Bare(),
		State:    StateActive,
		Messages: []Message{},
	}
	m.sessions[bare] = session
	return session
}

// AddMessage adds a message to a session, rejecting duplicates by
// Fingerprint: duplicates are rejected by stanza-id when known, else
// by client id, else by a stable hash of sender/body/timestamp.
func (m *Manager) AddMessage(msg Message) bool {
	peer := msg.From
	if msg.IsOutgoing {
		peer = msg.To
	}
	session := m.GetSession(peer)

	m.mu.Lock()
	defer m.mu.Unlock()

	fp := msg.Fingerprint()
	for _, existing := range session.Messages {
		if existing.Fingerprint() == fp {
			return false
		}
	}

	session.Messages = append(session.Messages, msg)
	if !msg.IsOutgoing {
		session.Unread++
	}
	return true
}

// MarkRead marks all messages as read
func (m *Manager) MarkRead(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	if session, ok := m.sessions[bare]; ok {
		session.Unread = 0
		session.LastRead = time.Now()
	}
}

// SetChatState sets the chat state for a session
func (m *Manager) SetChatState(j jid.JID, state ChatState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	if session, ok := m.sessions[bare]; ok {
		session.State = state
	}
}

// GetHistory returns the message history for a JID
func (m *Manager) GetHistory(j jid.JID, limit int) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bare := j.Bare().String()
	session, ok := m.sessions[bare]
	if !ok {
		return nil
	}

	messages := session.Messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages
}

// ClearHistory clears the message history for a JID
func (m *Manager) ClearHistory(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	if session, ok := m.sessions[bare]; ok {
		session.Messages = []Message{}
		session.Unread = 0
	}
}

// GetUnreadCount returns the total unread count
func (m *Manager) GetUnreadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, session := range m.sessions {
		count += session.Unread
	}
	return count
}

// GetAllSessions returns all sessions
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// DeleteSession deletes a session
func (m *Manager) DeleteSession(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	delete(m.sessions, bare)
}

// OldestFingerprint returns the Fingerprint of the oldest message
// currently held in memory for j, or "" if the session has no
// messages yet. A MAM backward page is always anchored on this value,
// never on whatever id a previous archive fetch last saw, since the
// in-memory window is the thing actually shown to the user.
func (m *Manager) OldestFingerprint(j jid.JID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bare := j.Bare().String()
	session, ok := m.sessions[bare]
	if !ok || len(session.Messages) == 0 {
		return ""
	}
	return session.Messages[0].Fingerprint()
}

// PrependHistory merges a backward-paginated batch of archive messages
// in front of the session's in-memory window, deduplicating by
// Fingerprint against what is already there. It returns the messages
// that were actually new.
func (m *Manager) PrependHistory(j jid.JID, msgs []Message) []Message {
	session := m.GetSession(j)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]struct{}, len(session.Messages))
	for _, e := range session.Messages {
		existing[e.Fingerprint()] = struct{}{}
	}

	var fresh []Message
	for _, msg := range msgs {
		fp := msg.Fingerprint()
		if _, dup := existing[fp]; dup {
			continue
		}
		existing[fp] = struct{}{}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return nil
	}
	session.Messages = append(append([]Message{}, fresh...), session.Messages...)
	return fresh
}

// CorrectMessage applies an XEP-0308 <replace id=…/> correction: it
// updates the target message in place rather than inserting a new one,
// storing the new body with a "[Corrected] " prefix and keeping the
// first original body in OriginalBody.
func (m *Manager) CorrectMessage(j jid.JID, originalID, newBody string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	session, ok := m.sessions[bare]
	if !ok {
		return false
	}

	for i := len(session.Messages) - 1; i >= 0; i-- {
		target := &session.Messages[i]
		if target.ID == originalID || target.StanzaID == originalID {
			if !target.IsEdited {
				target.OriginalBody = target.Body
			}
			target.Body = "[Corrected] " + newBody
			target.Corrected = true
			target.IsEdited = true
			target.CorrectedID = originalID
			return true
		}
	}
	return false
}

// RetractMessage marks the target message retracted per XEP-0424,
// enforcing that the retraction's sender matches the original
// message's sender.
func (m *Manager) RetractMessage(j jid.JID, sender jid.JID, originalID string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	session, ok := m.sessions[bare]
	if !ok {
		return false
	}

	for i := len(session.Messages) - 1; i >= 0; i-- {
		target := &session.Messages[i]
		if (target.ID == originalID || target.StanzaID == originalID) {
			if target.From.Bare().String() != sender.Bare().String() {
				return false
			}
			target.IsRetracted = true
			target.RetractedAt = at
			return true
		}
	}
	return false
}

// SetReactions replaces the reactor's entire emoji set on the target
// message per XEP-0444 (<reactions id=…> always replaces, never
// appends).
func (m *Manager) SetReactions(j jid.JID, originalID string, emoji []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	session, ok := m.sessions[bare]
	if !ok {
		return false
	}

	for i := len(session.Messages) - 1; i >= 0; i-- {
		target := &session.Messages[i]
		if target.ID == originalID || target.StanzaID == originalID {
			target.Reactions = emoji
			return true
		}
	}
	return false
}

// MarkReceived marks a message as received (delivery receipt)
func (m *Manager) MarkReceived(j jid.JID, messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	session, ok := m.sessions[bare]
	if !ok {
		return false
	}

	for i := len(session.Messages) - 1; i >= 0; i-- {
		if session.Messages[i].ID == messageID {
			session.Messages[i].Received = true
			return true
		}
	}
	return false
}

// MarkDisplayed marks a message as displayed (chat marker)
func (m *Manager) MarkDisplayed(j jid.JID, messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	session, ok := m.sessions[bare]
	if !ok {
		return false
	}

	for i := len(session.Messages) - 1; i >= 0; i-- {
		if session.Messages[i].ID == messageID {
			session.Messages[i].Displayed = true
			return true
		}
	}
	return false
}
