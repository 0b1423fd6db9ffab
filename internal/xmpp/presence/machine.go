package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/logging"
	"github.com/fluux-im/fluux/internal/storage"
)

// MachineState is a node of the hierarchical user-presence state
// machine. It is distinct from the per-contact Show
// tracked by Manager above: this is our own presence.
type MachineState string

const (
	StateDisconnected MachineState = "disconnected"
	StateUserOnline   MachineState = "connected.userOnline"
	StateUserAway     MachineState = "connected.userAway"
	StateUserDnd      MachineState = "connected.userDnd"
	StateAutoAway     MachineState = "connected.autoAway"
	StateAutoXa       MachineState = "connected.autoXa"
)

// MachineEvent is one of the events the Presence Machine reacts to.
type MachineEvent string

const (
	EventConnect        MachineEvent = "CONNECT"
	EventDisconnect      MachineEvent = "DISCONNECT"
	EventSetPresence     MachineEvent = "SET_PRESENCE"
	EventIdleDetected    MachineEvent = "IDLE_DETECTED"
	EventWakeDetected    MachineEvent = "WAKE_DETECTED"
	EventSleepDetected   MachineEvent = "SLEEP_DETECTED"
	EventActivityDetected MachineEvent = "ACTIVITY_DETECTED"
)

// Snapshot is the persisted shape of the machine, written to
// storage.PresenceMachineKey on every transition.
type Snapshot struct {
	State                     MachineState `json:"state"`
	LastUserPreferenceShow    Show         `json:"lastUserPreferenceShow"`
	LastUserPreferenceStatus  string       `json:"lastUserPreferenceStatus"`
	StatusMessage             string       `json:"statusMessage"`
	IdleSince                 *time.Time   `json:"idleSince,omitempty"`
	PreAutoAwayState          MachineState `json:"preAutoAwayState,omitempty"`
	PreAutoAwayStatusMessage  string       `json:"preAutoAwayStatusMessage,omitempty"`
}

// Machine implements the hierarchical presence state machine. Unlike
// Manager (which tracks contacts' presence), a Machine tracks exactly
// one thing: what this client itself should be broadcasting.
type Machine struct {
	mu   sync.Mutex
	snap Snapshot

	store   storage.Adapter
	account string
	bus     *events.Bus
}

// NewMachine builds a Machine starting from disconnected, optionally
// restoring a prior snapshot from store.
func NewMachine(store storage.Adapter, account string, bus *events.Bus) *Machine {
	m := &Machine{
		store:   store,
		account: account,
		bus:     bus,
		snap: Snapshot{
			State:                  StateDisconnected,
			LastUserPreferenceShow: ShowOnline,
		},
	}
	m.restore()
	return m
}

func (m *Machine) restore() {
	if m.store == nil {
		return
	}
	raw, ok, err := m.store.Get(m.account, storage.PresenceMachineKey)
	if err != nil || !ok {
		return
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		logging.Warn("presence: restore snapshot: %v", err)
		return
	}
	// On restore the machine always re-enters disconnected; a
	// subsequent CONNECT deterministically re-derives the correct
	// user-preference substate from the preserved context.
	snap.State = StateDisconnected
	m.snap = snap
}

// Snapshot returns a copy of the current machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Apply drives the machine with a connect/disconnect transition.
func (m *Machine) Apply(ev MachineEvent) {
	m.applySetPresence(ev, "", "")
}

// ApplySetPresence drives SET_PRESENCE{show,status}.
func (m *Machine) ApplySetPresence(show Show, status string) {
	m.applySetPresence(EventSetPresence, show, status)
}

// ApplyIdle drives IDLE_DETECTED{since}.
func (m *Machine) ApplyIdle(since time.Time) {
	m.mu.Lock()
	switch m.snap.State {
	case StateUserOnline, StateUserAway, StateUserDnd:
		m.snap.PreAutoAwayState = m.snap.State
		m.snap.PreAutoAwayStatusMessage = m.snap.StatusMessage
		m.snap.IdleSince = &since
		m.snap.State = StateAutoAway
	}
	m.afterTransition()
}

// ApplyActivity drives ACTIVITY_DETECTED, restoring the pre-auto-away
// state when leaving autoAway or autoXa.
func (m *Machine) ApplyActivity() {
	m.mu.Lock()
	if m.snap.State == StateAutoAway || m.snap.State == StateAutoXa {
		if m.snap.PreAutoAwayState != "" {
			m.snap.State = m.snap.PreAutoAwayState
			m.snap.StatusMessage = m.snap.PreAutoAwayStatusMessage
		} else {
			m.snap.State = StateUserOnline
		}
		m.snap.IdleSince = nil
	}
	m.afterTransition()
}

// ApplyWake drives WAKE_DETECTED, exiting autoXa.
func (m *Machine) ApplyWake() {
	m.mu.Lock()
	if m.snap.State == StateAutoXa {
		if m.snap.PreAutoAwayState != "" {
			m.snap.State = m.snap.PreAutoAwayState
			m.snap.StatusMessage = m.snap.PreAutoAwayStatusMessage
		} else {
			m.snap.State = StateUserOnline
		}
	}
	m.afterTransition()
}

// ApplySleep drives SLEEP_DETECTED.
func (m *Machine) ApplySleep() {
	m.mu.Lock()
	switch m.snap.State {
	case StateUserOnline, StateUserAway, StateUserDnd, StateAutoAway:
		if m.snap.State != StateAutoAway {
			m.snap.PreAutoAwayState = m.snap.State
			m.snap.PreAutoAwayStatusMessage = m.snap.StatusMessage
		}
		m.snap.State = StateAutoXa
	}
	m.afterTransition()
}

func showToState(show Show) MachineState {
	switch show {
	case ShowDND:
		return StateUserDnd
	case ShowAway, ShowXA:
		return StateUserAway
	default:
		return StateUserOnline
	}
}

// applySetPresence implements CONNECT (ev == EventConnect, show/status
// ignored — restores lastUserPreference), DISCONNECT, and SET_PRESENCE
// (always overwrites lastUserPreference, never cleared by auto-away).
func (m *Machine) applySetPresence(ev MachineEvent, show Show, status string) {
	m.mu.Lock()
	switch ev {
	case EventConnect:
		m.snap.State = showToState(m.snap.LastUserPreferenceShow)
		m.snap.StatusMessage = m.snap.LastUserPreferenceStatus
	case EventDisconnect:
		m.snap.State = StateDisconnected
	case EventSetPresence:
		m.snap.LastUserPreferenceShow = show
		m.snap.LastUserPreferenceStatus = status
		m.snap.State = showToState(show)
		m.snap.StatusMessage = status
	}
	m.afterTransition()
}

// afterTransition persists the snapshot and emits a presence-changed
// event. Must be called with m.mu held; it releases the lock.
func (m *Machine) afterTransition() {
	snap := m.snap
	m.mu.Unlock()

	m.persist(snap)
	if m.bus != nil {
		m.bus.Emit(events.TypePresence, events.Presence{
			Show:   string(snap.LastUserPreferenceShow),
			Status: snap.StatusMessage,
		})
	}
}

func (m *Machine) persist(snap Snapshot) {
	if m.store == nil {
		return
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := m.store.Set(m.account, storage.PresenceMachineKey, string(b)); err != nil {
		logging.Warn("presence: persist snapshot: %v", err)
	}
}

// ConnLiveChecker reports whether the Connection Manager is currently
// live; the wire-projection observer must never send during
// reconnecting or resuming.
type ConnLiveChecker interface {
	IsLive() bool
}

// Sender sends our own presence stanza.
type Sender interface {
	SendPresence(ctx context.Context, show Show, status string) error
}

// WireProjection observes a Machine and sends a presence stanza
// whenever (show, statusMessage) changes while the connection is live,
// It never sends on the
// first tick (the baseline) and suppresses error logging after three
// consecutive failures within a 30-second window.
type WireProjection struct {
	conn   ConnLiveChecker
	sender Sender

	mu           sync.Mutex
	haveBaseline bool
	lastShow     Show
	lastStatus   string

	failures     int
	windowStart  time.Time
	suppressed   bool
}

// NewWireProjection builds a WireProjection for conn/sender.
func NewWireProjection(conn ConnLiveChecker, sender Sender) *WireProjection {
	return &WireProjection{conn: conn, sender: sender}
}

// Observe should be called on every Machine transition.
func (w *WireProjection) Observe(ctx context.Context, snap Snapshot) {
	w.mu.Lock()
	if !w.haveBaseline {
		w.haveBaseline = true
		w.lastShow = snap.LastUserPreferenceShow
		w.lastStatus = snap.StatusMessage
		w.mu.Unlock()
		return
	}
	unchanged := snap.LastUserPreferenceShow == w.lastShow && snap.StatusMessage == w.lastStatus
	w.lastShow = snap.LastUserPreferenceShow
	w.lastStatus = snap.StatusMessage
	w.mu.Unlock()

	if unchanged {
		return
	}
	if w.conn == nil || !w.conn.IsLive() {
		return
	}

	err := w.sender.SendPresence(ctx, snap.LastUserPreferenceShow, snap.StatusMessage)
	w.recordResult(err)
}

func (w *WireProjection) recordResult(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err == nil {
		w.failures = 0
		w.suppressed = false
		w.windowStart = time.Time{}
		return
	}

	now := time.Now()
	if w.windowStart.IsZero() || now.Sub(w.windowStart) > 30*time.Second {
		w.windowStart = now
		w.failures = 0
	}
	w.failures++
	if w.failures >= 3 {
		w.suppressed = true
	}
	if !w.suppressed {
		logging.Warn("presence: wire projection send failed: %v", err)
	}
}
