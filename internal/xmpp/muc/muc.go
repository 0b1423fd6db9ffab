package muc

import (
	"strings"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/fluux-im/fluux/internal/xmpp/chat"
)

// Affiliation represents a MUC affiliation
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// Role represents a MUC role
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// Occupant represents a room occupant
type Occupant struct {
	Nick        string
	JID         jid.JID // Real JID if known
	Affiliation Affiliation
	Role        Role
	Show        string
	Status      string
}

// Room represents a MUC room. Fields beyond the teacher's original
// set track bookmark/autojoin state and the per-room archive/preview
// bookkeeping a sidebar needs: SupportsMAM from a room disco#info and
// IsQuickChat for rooms that should never accumulate a sidebar
// preview. IsJoining and NickToJIDCache are declared, but nothing in
// this runtime sets or fills them.
type Room struct {
	JID             jid.JID
	Name            string
	Nick            string
	Subject         string
	SubjectBy       string
	Password        string
	Joined          bool
	IsJoining       bool
	IsBookmarked    bool
	Autojoin        bool
	IsQuickChat     bool
	SupportsMAM     bool
	Occupants       map[string]*Occupant
	NickToJIDCache  map[string]jid.JID
	TypingUsers     map[string]struct{}
	Messages        []Message
	LastActive      time.Time
	Unread          int
	MentionsCount   int
	FirstNewMessageID string
	SelfOccupant    *Occupant

	// MAM query state. Nothing in this runtime sets or resets these
	// two fields.
	MAMOldestID   string
	MAMComplete   bool
}

// Message represents a MUC message. Beyond the teacher's original
// From/Body/Timestamp, it carries the same Chat-parser extension
// fields a 1:1 message does (§4.4.2: "augments the Chat parser"),
// plus groupchat-only Mentions/MentionsAll.
type Message struct {
	ID          string
	StanzaID    string // XEP-0359, preferred identity for MAM dedup
	From        string // Nick
	Body        string
	Timestamp   time.Time
	Type        string // groupchat, private
	Delayed     bool
	IsOutgoing  bool
	NoStore     bool
	ReplyTo     *chat.ReplyTo
	Attachment  *chat.Attachment
	Reactions   []string
	Corrected   bool
	IsEdited    bool
	CorrectedID string
	OriginalBody string
	IsRetracted bool
	RetractedAt time.Time
	Mentions    []string
	MentionsAll bool
}

// Fingerprint mirrors chat.Message.Fingerprint: stanza-id first, then
// client id, since a room archive and the live groupchat stream must
// dedup against each other the same way a 1:1 conversation does.
func (msg Message) Fingerprint() string {
	if msg.StanzaID != "" {
		return msg.StanzaID
	}
	return msg.ID
}

// Manager manages MUC rooms
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates a new MUC manager
func NewManager() *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
	}
}

// JoinRoom creates a room entry for joining
func (m *Manager) JoinRoom(roomJID jid.JID, nick, password string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	room := &Room{
		JID:       roomJID.Bare(),
		Nick:      nick,
		Password:  password,
		Occupants: make(map[string]*Occupant),
		Messages:  []Message{},
	}
	m.rooms[bare] = room
	return room
}

// LeaveRoom removes a room
func (m *Manager) LeaveRoom(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	delete(m.rooms, bare)
}

// GetRoom returns a room by JID
func (m *Manager) GetRoom(roomJID jid.JID) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bare := roomJID.Bare().String()
	return m.rooms[bare]
}

// SetSupportsMAM records room's MAM support, returning true only on
// the false→true transition the Side-Effect Driver watches for.
func (m *Manager) SetSupportsMAM(roomJID jid.JID, supports bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	room, ok := m.rooms[bare]
	if !ok {
		return false
	}
	was := room.SupportsMAM
	room.SupportsMAM = supports
	return !was && supports
}

// SetJoined marks a room as joined
func (m *Manager) SetJoined(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	if room, ok := m.rooms[bare]; ok {
		room.Joined = true
	}
}

// AddOccupant adds or updates an occupant
func (m *Manager) AddOccupant(roomJID jid.JID, occupant Occupant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	if room, ok := m.rooms[bare]; ok {
		room.Occupants[occupant.Nick] = &occupant
	}
}

// RemoveOccupant removes an occupant
func (m *Manager) RemoveOccupant(roomJID jid.JID, nick string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	if room, ok := m.rooms[bare]; ok {
		delete(room.Occupants, nick)
	}
}

// GetOccupant returns an occupant by nick
func (m *Manager) GetOccupant(roomJID jid.JID, nick string) *Occupant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bare := roomJID.Bare().String()
	if room, ok := m.rooms[bare]; ok {
		return room.Occupants[nick]
	}
	return nil
}

// SetSubject sets the room subject
func (m *Manager) SetSubject(roomJID jid.JID, subject, by string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	if room, ok := m.rooms[bare]; ok {
		room.Subject = subject
		room.SubjectBy = by
	}
}

// AddMessage adds a message to a room, bumping Unread and, when msg
// carries a mention, MentionsCount.
func (m *Manager) AddMessage(roomJID jid.JID, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	if room, ok := m.rooms[bare]; ok {
		room.Messages = append(room.Messages, msg)
		room.LastActive = time.Now()
		room.Unread++
		if len(msg.Mentions) > 0 || msg.MentionsAll {
			room.MentionsCount++
		}
	}
}

// MarkRead marks a room as read, clearing both the unread count and
// the mention count.
func (m *Manager) MarkRead(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	if room, ok := m.rooms[bare]; ok {
		room.Unread = 0
		room.MentionsCount = 0
	}
}

// CorrectMessage applies a XEP-0308 correction to the target room
// message, mirroring chat.Manager.CorrectMessage.
func (m *Manager) CorrectMessage(roomJID jid.JID, originalID, newBody string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	room, ok := m.rooms[bare]
	if !ok {
		return false
	}
	for i := len(room.Messages) - 1; i >= 0; i-- {
		target := &room.Messages[i]
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

// RetractMessage marks the target room message retracted per
// XEP-0424, enforcing that the retraction came from the same
// occupant nick that sent the original message (a room's "sender
// identity" is its nick, not a real JID, which may be unknown in a
// semi-anonymous room).
func (m *Manager) RetractMessage(roomJID jid.JID, senderNick, originalID string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	room, ok := m.rooms[bare]
	if !ok {
		return false
	}
	for i := len(room.Messages) - 1; i >= 0; i-- {
		target := &room.Messages[i]
		if target.ID == originalID || target.StanzaID == originalID {
			if target.From != senderNick {
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
// room message per XEP-0444.
func (m *Manager) SetReactions(roomJID jid.JID, originalID string, emoji []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	room, ok := m.rooms[bare]
	if !ok {
		return false
	}
	for i := len(room.Messages) - 1; i >= 0; i-- {
		target := &room.Messages[i]
		if target.ID == originalID || target.StanzaID == originalID {
			target.Reactions = emoji
			return true
		}
	}
	return false
}

// SetTyping records nick's XEP-0085 chat state for room, suppressing
// our own nickname's notifications (case-insensitive, per §4.4.2) so a
// composing echo of our own typing never re-appears as someone else
// typing at us.
func (m *Manager) SetTyping(roomJID jid.JID, nick string, composing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	room, ok := m.rooms[bare]
	if !ok || strings.EqualFold(room.Nick, nick) {
		return
	}
	if room.TypingUsers == nil {
		room.TypingUsers = make(map[string]struct{})
	}
	if composing {
		room.TypingUsers[nick] = struct{}{}
	} else {
		delete(room.TypingUsers, nick)
	}
}

// DetectMentions reports whether body addresses room's own nick
// (case-insensitive "@nick") or everyone ("@all"), the groupchat
// mention rule from §4.4.2.
func DetectMentions(body, ownNick string) (mentions []string, all bool) {
	lower := strings.ToLower(body)
	if ownNick != "" && strings.Contains(lower, "@"+strings.ToLower(ownNick)) {
		mentions = append(mentions, ownNick)
	}
	if strings.Contains(lower, "@all") {
		all = true
	}
	return mentions, all
}

// GetAllRooms returns all rooms
func (m *Manager) GetAllRooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// GetJoinedRooms returns only joined rooms
func (m *Manager) GetJoinedRooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rooms []*Room
	for _, room := range m.rooms {
		if room.Joined {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// ClearHistory clears message history for a room
func (m *Manager) ClearHistory(roomJID jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	if room, ok := m.rooms[bare]; ok {
		room.Messages = []Message{}
	}
}

// OldestFingerprint returns the Fingerprint of the oldest message held
// in memory for roomJID, the anchor for a MAM backward page over a
// room's archive, or "" if the room has no history loaded yet.
func (m *Manager) OldestFingerprint(roomJID jid.JID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bare := roomJID.Bare().String()
	room, ok := m.rooms[bare]
	if !ok || len(room.Messages) == 0 {
		return ""
	}
	return room.Messages[0].Fingerprint()
}

// PrependHistory merges a backward-paginated batch of room archive
// messages in front of the in-memory window, deduplicating by
// Fingerprint, and returns the messages that were actually new.
func (m *Manager) PrependHistory(roomJID jid.JID, msgs []Message) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	room, ok := m.rooms[bare]
	if !ok {
		return nil
	}

	existing := make(map[string]struct{}, len(room.Messages))
	for _, e := range room.Messages {
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
	room.Messages = append(append([]Message{}, fresh...), room.Messages...)
	return fresh
}

// RenameOccupant handles a nick change
func (m *Manager) RenameOccupant(roomJID jid.JID, oldNick, newNick string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := roomJID.Bare().String()
	if room, ok := m.rooms[bare]; ok {
		if occupant, ok := room.Occupants[oldNick]; ok {
			delete(room.Occupants, oldNick)
			occupant.Nick = newNick
			room.Occupants[newNick] = occupant

			// Update our own nick if needed
			if room.Nick == oldNick {
				room.Nick = newNick
			}
		}
	}
}
