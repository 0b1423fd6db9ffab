// Package events implements the typed publish/subscribe bus that every
// domain module uses to announce what it saw on the wire. Modules never
// call into each other or into the store directly; they emit an Event
// and let a Bindings subscriber (see internal/store) project it.
package events

import "sync"

// Type identifies the shape of an Event's Payload. Treat this as a
// closed sum type: every Type below has exactly one corresponding
// payload struct in this package, and Bus callers type-assert on
// Payload after checking Type.
type Type int

const (
	TypeUnknown Type = iota

	// Connection lifecycle.
	TypeConnectionStatus
	TypeConnectionAuthenticated

	// Raw stanza, emitted before any module gets a look.
	TypeRawStanza

	// Chat (1:1).
	TypeChatMessage
	TypeChatCorrection
	TypeChatRetraction
	TypeChatReaction
	TypeChatState
	TypeChatReceipt
	TypeChatMarkerDisplayed

	// MUC.
	TypeRoomJoined
	TypeRoomLeft
	TypeRoomJoinError
	TypeRoomInviteError
	TypeRoomMessage
	TypeRoomOccupantChanged
	TypeRoomSubject
	TypeRoomInvited
	TypeRoomCorrection
	TypeRoomRetraction
	TypeRoomReaction
	TypeRoomTyping

	// MAM.
	TypeMAMEvents

	// Roster.
	TypeRosterPush
	TypeRosterSubscriptionRequest
	TypePresence

	// Profile / PubSub.
	TypeAvatarUpdated
	TypeNicknameUpdated
	TypeVCardUpdated
	TypePubSubEvent

	// Blocking.
	TypeBlocklistUpdated

	// Discovery.
	TypeServerInfo

	// Admin.
	TypeAdminCommandResult

	// Console / diagnostics, used for dead-socket and backoff logs the
	// UI layer (out of scope) might still want to surface.
	TypeConsoleDiagnostic
)

// String names a Type for logging.
func (t Type) String() string {
	names := map[Type]string{
		TypeConnectionStatus:          "connection:status",
		TypeConnectionAuthenticated:   "connection:authenticated",
		TypeRawStanza:                 "raw:stanza",
		TypeChatMessage:               "chat:message",
		TypeChatCorrection:            "chat:correction",
		TypeChatRetraction:            "chat:retraction",
		TypeChatReaction:              "chat:reaction",
		TypeChatState:                 "chat:state",
		TypeChatReceipt:               "chat:receipt",
		TypeChatMarkerDisplayed:       "chat:marker-displayed",
		TypeRoomJoined:                "room:joined",
		TypeRoomLeft:                  "room:left",
		TypeRoomJoinError:             "room:join-error",
		TypeRoomInviteError:           "room:invite-error",
		TypeRoomMessage:               "room:message",
		TypeRoomOccupantChanged:       "room:occupant-changed",
		TypeRoomSubject:               "room:subject",
		TypeRoomInvited:               "room:invited",
		TypeRoomCorrection:            "room:correction",
		TypeRoomRetraction:            "room:retraction",
		TypeRoomReaction:              "room:reaction",
		TypeRoomTyping:                "room:typing",
		TypeMAMEvents:                 "mam:events",
		TypeRosterPush:                "roster:push",
		TypeRosterSubscriptionRequest: "roster:subscription-request",
		TypePresence:                  "presence",
		TypeAvatarUpdated:             "profile:avatar",
		TypeNicknameUpdated:           "profile:nickname",
		TypeVCardUpdated:              "profile:vcard",
		TypePubSubEvent:               "pubsub:event",
		TypeBlocklistUpdated:          "blocking:list",
		TypeServerInfo:                "discovery:server-info",
		TypeAdminCommandResult:        "admin:command-result",
		TypeConsoleDiagnostic:         "console:diagnostic",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return "unknown"
}

// Event is the single envelope type carried on the bus. Payload always
// carries a single object (never positional args) for forward
// compatibility, per the public-API design note.
type Event struct {
	Type    Type
	Payload interface{}
}

// Handler receives events of the types it subscribed to.
type Handler func(Event)

// Bus is a synchronous, single-threaded fan-out point: Publish calls
// every matching Handler inline, on the caller's goroutine, so that
// event delivery for a given stanza happens strictly in the order the
// router processed it.
type Bus struct {
	mu       sync.Mutex
	handlers map[Type][]Handler
	all      []Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers h to run for every event of the given type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers h to run for every event regardless of type;
// used by raw-stanza observers and console diagnostics.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers ev to every subscriber of ev.Type, then to every
// SubscribeAll subscriber, synchronously.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	all := append([]Handler(nil), b.all...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}

// Emit is a convenience wrapper around Publish.
func (b *Bus) Emit(t Type, payload interface{}) {
	b.Publish(Event{Type: t, Payload: payload})
}
