package events

import (
	"time"

	"mellium.im/xmpp/jid"
)

// ConnectionStatus mirrors the Connection Manager's state machine
// it is applied directly to the store rather than
// routed through Bindings.
type ConnectionStatus struct {
	State  string // idle, resolving, opening, authenticating, bound, live, reconnecting, terminal, disconnected
	Attempt int
	Reason string
}

// ConnectionAuthenticated fires once resource binding completes,
// carrying the full JID the server assigned (resource included).
// Resumed distinguishes a XEP-0198 session resumption (stanzas already
// replayed, no fresh-session bootstrap needed) from a brand new bind.
type ConnectionAuthenticated struct {
	JID     jid.JID
	Resumed bool
}

// RawStanza carries an unrecognized or advanced-observer-only stanza.
type RawStanza struct {
	Name string
	XML  string
}

// ChatMessage is a parsed 1:1 message, ready to land in a Conversation.
type ChatMessage struct {
	ID          string
	StanzaID    string
	From        jid.JID
	To          jid.JID
	Body        string
	Timestamp   time.Time
	IsOutgoing  bool
	IsDelayed   bool
	NoStyling   bool
	NoStore     bool
	ReplyTo     *ReplyInfo
	Attachment  *Attachment
	LinkPreview *LinkPreview
	Thread      string
}

// ReplyInfo is the XEP-0461 reply target plus the XEP-0428 fallback
// text stripped from the visible body.
type ReplyInfo struct {
	ID           string
	To           jid.JID
	FallbackBody string
}

// Attachment is the merged result of OOB + thumbnail + file-metadata
// parsing (XEP-0066, XEP-0264, XEP-0446).
type Attachment struct {
	URL       string
	MIMEType  string
	Size      int64
	Width     int
	Height    int
	ThumbData string
	Desc      string
}

// LinkPreview is produced from XEP-0422 apply-to fastening carrying
// Open Graph meta-tags.
type LinkPreview struct {
	URL         string
	Title       string
	Description string
	ImageURL    string
}

// ChatCorrection is a XEP-0308 <replace id=.../> update.
type ChatCorrection struct {
	From       jid.JID
	TargetID   string
	NewBody    string
	Attachment *Attachment
}

// ChatRetraction is a XEP-0424 retraction. The sender-match invariant
// must already have been checked by the module
// before this event is emitted.
type ChatRetraction struct {
	From     jid.JID
	TargetID string
}

// ChatReaction is a XEP-0444 reaction set, which replaces the
// reactor's entire emoji set on the target message.
type ChatReaction struct {
	From     jid.JID
	TargetID string
	Emoji    []string
}

// ChatState is a XEP-0085 typing notification from a non-carbon
// message.
type ChatState struct {
	From  jid.JID
	State string // active, composing, paused, inactive, gone
}

// ChatReceipt is a XEP-0184 delivery receipt.
type ChatReceipt struct {
	From      jid.JID
	MessageID string
}

// ChatMarkerDisplayed is a XEP-0333 displayed marker.
type ChatMarkerDisplayed struct {
	From      jid.JID
	MessageID string
}

// RoomJoined fires once self-presence with the joining occupant's
// role/affiliation is observed.
type RoomJoined struct {
	Room     jid.JID
	Nick     string
	Resumed  bool
}

// RoomLeft fires on an intentional leave or kick/ban.
type RoomLeft struct {
	Room   jid.JID
	Reason string
}

// RoomJoinError fires when a join attempt times out or the server
// rejects it.
type RoomJoinError struct {
	Room jid.JID
	Err  error
}

// RoomInviteError fires on a forbidden (or similar) reply to a room
// invite.
type RoomInviteError struct {
	Room      jid.JID
	Condition string
	Text      string
}

// RoomMessage augments ChatMessage with groupchat-only fields.
type RoomMessage struct {
	ChatMessage
	Room      jid.JID
	Nick      string
	Mentions  []string
	MentionsAll bool
}

// RoomCorrection is a XEP-0308 <replace id=.../> update to a
// groupchat message.
type RoomCorrection struct {
	Room     jid.JID
	Nick     string
	TargetID string
	NewBody  string
}

// RoomRetraction is a XEP-0424 retraction of a groupchat message. The
// sender-nick match invariant must already have been checked by
// muc.Manager.RetractMessage before this event is emitted.
type RoomRetraction struct {
	Room     jid.JID
	Nick     string
	TargetID string
}

// RoomReaction is a XEP-0444 reaction set on a groupchat message,
// which replaces the reactor's entire emoji set on the target.
type RoomReaction struct {
	Room     jid.JID
	Nick     string
	TargetID string
	Emoji    []string
}

// RoomTyping is a XEP-0085 typing notification from a room occupant,
// already filtered of our own nick's echo.
type RoomTyping struct {
	Room jid.JID
	Nick string
	State string
}

// RoomOccupantChanged fires on any MUC presence affecting the
// occupants map (join, leave, affiliation/role change, nick change).
type RoomOccupantChanged struct {
	Room jid.JID
	Nick string
	Left bool
}

// RoomSubject fires on a subject-change message.
type RoomSubject struct {
	Room    jid.JID
	Subject string
	Nick    string
}

// RoomInvited fires on a direct or mediated MUC invitation, regardless
// of whether a reason or password accompanied it.
type RoomInvited struct {
	Room     jid.JID
	From     jid.JID
	Reason   string
	Password string
}

// MAMEvents is the result of one MAM fetch, merged by the consumer on
// (timestamp, stanzaId).
type MAMEvents struct {
	ConversationID string
	Messages       []ChatMessage
	First          string
	Last           string
	Count          int
	Complete       bool
	Direction      string // forward, backward
}

// RosterPush is a roster item add/update/remove.
type RosterPush struct {
	JID          jid.JID
	Name         string
	Groups       []string
	Subscription string
	Removed      bool
}

// RosterSubscriptionRequest is an inbound subscribe request requiring
// user decision (a UI concern; the core only emits the event).
type RosterSubscriptionRequest struct {
	From jid.JID
}

// Presence is a single presence stanza projected for a bare or full
// JID (contact or occupant).
type Presence struct {
	From   jid.JID
	Show   string
	Status string
	Type   string // available, unavailable, error, subscribe, ...
}

// AvatarUpdated carries a new avatar hash discovered via PEP.
type AvatarUpdated struct {
	JID  jid.JID
	Hash string
	Data []byte
}

// NicknameUpdated carries a XEP-0172 nickname update.
type NicknameUpdated struct {
	JID      jid.JID
	Nickname string
}

// VCardUpdated carries a fetched vCard.
type VCardUpdated struct {
	JID      jid.JID
	FullName string
	Nickname string
	PhotoURL string
}

// PubSubEvent is an unrecognized PEP node event, passed through for
// advanced consumers.
type PubSubEvent struct {
	From jid.JID
	Node string
}

// BlocklistUpdated carries the full current blocklist.
type BlocklistUpdated struct {
	JIDs []jid.JID
}

// ServerInfo is the result of a service-discovery sweep.
type ServerInfo struct {
	SupportsMAM    bool
	HTTPUploadJID  jid.JID
	MUCServiceJID  jid.JID
	MaxUploadSize  int64
}

// AdminCommandResult is one stage of a XEP-0050 ad-hoc command
// session.
type AdminCommandResult struct {
	Node     string
	SessionID string
	Status   string // executing, completed, canceled
	Note     string
}

// ConsoleDiagnostic is a human-readable operational message (dead
// socket recovery, backoff schedule) the UI layer may surface.
type ConsoleDiagnostic struct {
	Message string
}
