// Package conn owns the transport and runs the connect → resolve →
// open → authenticate → bind → resume/enable → live state machine
// It is the only component allowed to drive
// the connection to terminal, and the only writer of Stream Management
// state.
package conn

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/ping"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/logging"
	"github.com/fluux-im/fluux/internal/storage"
	"github.com/fluux-im/fluux/internal/store"
	"github.com/fluux-im/fluux/internal/xmpp/router"
	"github.com/fluux-im/fluux/internal/xmpp/transport"
	"github.com/fluux-im/fluux/internal/xmpp/xmpperr"
)

// ConnState is one of the nodes in the connection state machine.
type ConnState int

const (
	StateIdle ConnState = iota
	StateResolving
	StateOpening
	StateAuthenticating
	StateBound
	StateLive
	StateReconnecting
	StateDisconnected
	StateTerminal
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateOpening:
		return "opening"
	case StateAuthenticating:
		return "authenticating"
	case StateBound:
		return "bound"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Config wires a Manager to the rest of the runtime.
type Config struct {
	Bus      *events.Bus
	Router   *router.Router
	Resolver *transport.Resolver
	Storage  storage.Adapter
	Account  string // storage namespace, e.g. the bare JID

	// Store, if non-nil, receives the connection slice directly (see
	// package store's doc comment on why this bypasses Bindings).
	Store *store.Store

	BackoffBase   time.Duration
	BackoffCap    time.Duration
	ResumeTimeout time.Duration
	PingTimeout   time.Duration
	DialTimeout   time.Duration
}

// Manager implements the Connection Manager. It is safe for concurrent
// use; Connect/Disconnect/TriggerReconnect/CancelReconnect/
// NotifySystemState may be called from any goroutine.
type Manager struct {
	bus        *events.Bus
	router     *router.Router
	resolver   *transport.Resolver
	store      storage.Adapter
	stateStore *store.Store
	account    string

	backoffBase   time.Duration
	backoffCap    time.Duration
	resumeTimeout time.Duration
	pingTimeout   time.Duration
	dialTimeout   time.Duration

	mu          sync.Mutex
	state       ConnState
	attempt     int
	generation  uint64
	endpoint    transport.Endpoint
	jid         jid.JID
	password    string
	session     *xmpp.Session
	smID        string
	smInbound   uint32
	pendingLive chan error
	cancel      context.CancelFunc
	reconnect   *time.Timer

	stopped atomic.Bool
}

var errNotConnected = errors.New("conn: not connected")

// New builds a Manager. Call Connect to start the state machine.
func New(cfg Config) *Manager {
	m := &Manager{
		bus:           cfg.Bus,
		router:        cfg.Router,
		resolver:      cfg.Resolver,
		store:         cfg.Storage,
		stateStore:    cfg.Store,
		account:       cfg.Account,
		backoffBase:   cfg.BackoffBase,
		backoffCap:    cfg.BackoffCap,
		resumeTimeout: cfg.ResumeTimeout,
		pingTimeout:   cfg.PingTimeout,
		dialTimeout:   cfg.DialTimeout,
		state:         StateIdle,
	}
	if m.backoffBase == 0 {
		m.backoffBase = time.Second
	}
	if m.backoffCap == 0 {
		m.backoffCap = 60 * time.Second
	}
	if m.resumeTimeout == 0 {
		m.resumeTimeout = 5 * time.Minute
	}
	if m.pingTimeout == 0 {
		m.pingTimeout = 5 * time.Second
	}
	m.router.SetSMObserver(m)
	return m
}

// Current reports the present connection state.
func (m *Manager) Current() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsLive reports whether the connection is currently live, satisfying
// presence.ConnLiveChecker for the Presence Machine's wire projection.
func (m *Manager) IsLive() bool {
	return m.Current() == StateLive
}

// Generation returns the cancellation-token counter described in
// It increments on every successful connection, and any
// async chain started at a prior generation must stop making store
// writes once this no longer matches.
func (m *Manager) Generation() uint64 {
	return atomic.LoadUint64(&m.generation)
}

// Connect starts the state machine for addr/password. endpointOverride,
// if non-empty, takes precedence over the configured resolver. resume
// requests the manager attempt SM resumption if a persisted session
// exists. Connect returns once the first connection attempt has been
// dispatched; connection progress is reported through emitted events.
func (m *Manager) Connect(ctx context.Context, addr jid.JID, password string, endpointOverride string, resume bool) error {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateDisconnected && m.state != StateTerminal {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.jid = addr
	m.password = password
	m.attempt = 0
	m.state = StateResolving
	if endpointOverride != "" {
		m.resolver.Override = endpointOverride
	}
	m.mu.Unlock()

	go m.run(runCtx, resume)
	return nil
}

// run drives the state machine until ctx is cancelled or a fatal
// authentication error is hit.
func (m *Manager) run(ctx context.Context, tryResume bool) {
	for {
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		default:
		}

		session, serveErr, ep, err := m.connectOnce(ctx, tryResume)
		tryResume = true // later attempts always try to resume if a saved session exists
		if err != nil {
			if xe, ok := err.(*xmpperr.Error); ok && xe.Kind == xmpperr.KindFatalAuth {
				m.setState(StateTerminal)
				m.emitStatus(StateTerminal, err)
				return
			}
			if !m.scheduleReconnect(ctx, err) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.session = session
		m.endpoint = ep
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			_ = session.Close()
			m.setState(StateDisconnected)
			return
		case err := <-serveErr:
			m.persistSMState()
			logging.Warn("conn: session closed: %v", err)
			m.mu.Lock()
			m.session = nil
			m.mu.Unlock()
			if !m.scheduleReconnect(ctx, err) {
				return
			}
		}
	}
}

// connectOnce runs resolving → opening → authenticating → bound, then
// starts the single session.Serve loop for this connection and blocks
// until either the SM handshake confirms live or the connection dies
// before doing so. On success it returns the running session and the
// channel that will carry Serve's eventual exit error.
func (m *Manager) connectOnce(ctx context.Context, tryResume bool) (*xmpp.Session, <-chan error, transport.Endpoint, error) {
	m.setState(StateResolving)
	endpoints, err := m.resolver.Resolve(ctx, m.jid)
	if err != nil || len(endpoints) == 0 {
		return nil, nil, transport.Endpoint{}, xmpperr.New(xmpperr.KindTransientNetwork, fmt.Errorf("conn: resolve: %w", err))
	}

	dialer := &transport.Dialer{JID: m.jid, Password: m.password, DialTimeout: m.dialTimeout}

	m.setState(StateOpening)
	var lastErr error
	for _, ep := range endpoints {
		m.setState(StateAuthenticating)
		session, derr := dialer.Dial(ctx, ep)
		if derr != nil {
			lastErr = derr
			continue
		}
		m.setState(StateBound)

		serveErr, err := m.completeSM(ctx, session, tryResume)
		if err != nil {
			_ = session.Close()
			return nil, nil, ep, err
		}
		return session, serveErr, ep, nil
	}
	return nil, nil, transport.Endpoint{}, xmpperr.New(xmpperr.KindTransientNetwork, fmt.Errorf("conn: all endpoints failed: %w", lastErr))
}

// completeSM starts the session's single read loop, sends <enable/> or
// <resume/>, and waits for the router's HandleSM callback to confirm
// live. The returned channel is Serve's eventual exit error; the
// caller must not call Serve again on this session.
func (m *Manager) completeSM(ctx context.Context, session *xmpp.Session, tryResume bool) (<-chan error, error) {
	saved, hasSaved := m.loadSMState()

	live := make(chan error, 1)
	m.mu.Lock()
	m.pendingLive = live
	m.smInbound = 0
	if hasSaved && tryResume {
		m.smInbound = saved.Inbound
	}
	m.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- session.Serve(m.router)
	}()

	if tryResume && hasSaved {
		if err := sendResume(ctx, session, saved); err != nil {
			return nil, xmpperr.New(xmpperr.KindTransientNetwork, err)
		}
	} else {
		if err := sendEnable(ctx, session); err != nil {
			return nil, xmpperr.New(xmpperr.KindTransientNetwork, err)
		}
	}

	select {
	case <-ctx.Done():
		return nil, xmpperr.New(xmpperr.KindTransientNetwork, ctx.Err())
	case err := <-live:
		if err != nil {
			return nil, xmpperr.New(xmpperr.KindTransientNetwork, err)
		}
		return serveErr, nil
	case err := <-serveErr:
		// the session died before the SM handshake was acknowledged
		return nil, xmpperr.New(xmpperr.KindTransientNetwork, err)
	}
}

// ObserveInbound implements router.SMObserver.
func (m *Manager) ObserveInbound(start xml.StartElement) {
	m.mu.Lock()
	m.smInbound++
	m.mu.Unlock()
}

// HandleSM implements router.SMObserver, claiming XEP-0198 nonzas.
func (m *Manager) HandleSM(start xml.StartElement, t xmlstream.TokenReadEncoder) (bool, error) {
	if start.Name.Space != smNamespace {
		return false, nil
	}

	switch start.Name.Local {
	case "enabled":
		var v smEnabled
		if err := xml.NewTokenDecoder(xmlstream.Wrap(t, start)).Decode(&v); err != nil {
			return true, err
		}
		m.mu.Lock()
		m.smID = v.ID
		m.attempt = 0
		m.mu.Unlock()
		m.persistSMState()
		m.setState(StateLive)
		atomic.AddUint64(&m.generation, 1)
		m.emitLive(false)
		m.releaseLive(nil)
		return true, nil
	case "resumed":
		var v smResumed
		if err := xml.NewTokenDecoder(xmlstream.Wrap(t, start)).Decode(&v); err != nil {
			return true, err
		}
		m.mu.Lock()
		m.attempt = 0
		m.mu.Unlock()
		m.setState(StateLive)
		atomic.AddUint64(&m.generation, 1)
		m.emitLive(true)
		m.releaseLive(nil)
		return true, nil
	case "failed":
		m.mu.Lock()
		m.smID = ""
		m.mu.Unlock()
		if m.store != nil {
			if err := m.store.Delete(m.account, storage.SMStateKey); err != nil {
				logging.Warn("conn: clear sm state: %v", err)
			}
		}
		m.releaseLive(errors.New("conn: sm resume refused"))
		return true, nil
	case "r":
		m.mu.Lock()
		inbound := m.smInbound
		session := m.session
		m.mu.Unlock()
		if session != nil {
			_ = sendAck(context.Background(), session, inbound)
		}
		return true, nil
	case "a":
		// The outbound retransmit queue is owned by mellium's session
		// machinery; nothing further to acknowledge on our side.
		return true, nil
	}
	return false, nil
}

func (m *Manager) releaseLive(err error) {
	m.mu.Lock()
	ch := m.pendingLive
	m.pendingLive = nil
	m.mu.Unlock()
	if ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
}

// scheduleReconnect waits out the backoff delay for the current
// attempt, then returns true to continue the run loop, or false if ctx
// was cancelled first.
func (m *Manager) scheduleReconnect(ctx context.Context, cause error) bool {
	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	m.setState(StateReconnecting)
	m.bus.Emit(events.TypeConnectionStatus, events.ConnectionStatus{
		State:   StateReconnecting.String(),
		Attempt: attempt,
		Reason:  causeString(cause),
	})

	delay := backoffDelay(attempt, m.backoffBase, m.backoffCap)
	timer := time.NewTimer(delay)
	m.mu.Lock()
	m.reconnect = timer
	m.mu.Unlock()
	defer timer.Stop()

	select {
	case <-ctx.Done():
		m.setState(StateDisconnected)
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay computes min(cap, base*2^(n-1)) + jitter.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > cap {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return d + jitter
}

// Disconnect tears down the connection and halts reconnection.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	cancel := m.cancel
	m.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	if cancel != nil {
		cancel()
	}
	m.persistSMState()
	m.setState(StateDisconnected)
	return nil
}

// CancelReconnect stops a pending backoff wait and moves straight to
// disconnected.
func (m *Manager) CancelReconnect() {
	m.mu.Lock()
	timer := m.reconnect
	cancel := m.cancel
	m.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// TriggerReconnect fires a pending backoff wait immediately.
func (m *Manager) TriggerReconnect() {
	m.mu.Lock()
	timer := m.reconnect
	m.mu.Unlock()
	if timer != nil {
		timer.Reset(0)
	}
}

// VerifyConnection sends an XEP-0199 ping with the configured timeout
// and reports whether the peer answered.
func (m *Manager) VerifyConnection(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return errNotConnected
	}
	pctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()
	return ping.Send(pctx, session, session.RemoteAddr())
}

// HandleDeadSocket implements the dead-socket reconciliation path:
// invoked when a write fails with transport.IsDeadSocket even though
// the manager still believes it is live.
func (m *Manager) HandleDeadSocket(reason error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	m.bus.Emit(events.TypeConsoleDiagnostic, events.ConsoleDiagnostic{
		Message: "dead socket detected: " + causeString(reason),
	})
	if session != nil {
		_ = session.Close()
	}
}

// NotifySystemState implements notify_system_state(state, sleepMs):
// a wake after a gap longer than the resume timeout skips
// verification and reconnects directly; shorter gaps are verified with
// a ping.
func (m *Manager) NotifySystemState(ctx context.Context, state string, sleepDuration time.Duration) {
	if state != "awake" {
		return
	}
	if m.Current() != StateLive {
		return
	}
	if sleepDuration > m.resumeTimeout {
		m.HandleDeadSocket(fmt.Errorf("conn: sleep duration %s exceeded resume timeout", sleepDuration))
		return
	}
	if err := m.VerifyConnection(ctx); err != nil {
		m.HandleDeadSocket(fmt.Errorf("conn: wake ping failed: %w", err))
	}
}

// Destroy tears the manager down permanently; no further reconnection
// is attempted after this call.
func (m *Manager) Destroy() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	cancel := m.cancel
	session := m.session
	m.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
	if cancel != nil {
		cancel()
	}
	m.persistSMState()
}

// Send encodes v onto the live session. It returns errNotConnected if
// no session is live.
func (m *Manager) Send(ctx context.Context, v interface{}) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return errNotConnected
	}
	return session.Encode(ctx, v)
}

// CurrentJID returns the bound JID (with server-assigned resource) of
// the live session, or the last-requested JID if not connected.
func (m *Manager) CurrentJID() jid.JID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return m.jid
	}
	return m.session.LocalAddr()
}

// Session returns the live *xmpp.Session, or nil if not connected.
// Domain modules that call directly into a mellium.im/xmpp/* helper
// (history.Fetch, bookmarks.Fetch, roster.Fetch, and similar) need the
// raw session rather than the Send(ctx, v) convenience method.
func (m *Manager) Session() *xmpp.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.writeStore(s, "")
}

// writeStore applies the connection slice directly to the Store, per
// spec: connection:status/connection:authenticated are never routed
// through store.Bindings, to avoid a race where an authentication
// event fires before the Bindings subscription is installed.
func (m *Manager) writeStore(s ConnState, reason string) {
	if m.stateStore == nil {
		return
	}
	m.stateStore.SetConnection(store.Connection{
		Status:        s.String(),
		Authenticated: s == StateLive,
		JID:           m.CurrentJID(),
		Reason:        reason,
	})
}

func (m *Manager) emitStatus(s ConnState, err error) {
	m.writeStore(s, causeString(err))
	m.bus.Emit(events.TypeConnectionStatus, events.ConnectionStatus{
		State:  s.String(),
		Reason: causeString(err),
	})
	if s == StateLive {
		m.bus.Emit(events.TypeConnectionAuthenticated, events.ConnectionAuthenticated{
			JID: m.CurrentJID(),
		})
	}
}

// emitLive emits both the status transition to live and the
// authenticated event, tagging whether this connection was a XEP-0198
// resumption so the Session Orchestrator can skip the fresh-session
// bootstrap.
func (m *Manager) emitLive(resumed bool) {
	m.bus.Emit(events.TypeConnectionStatus, events.ConnectionStatus{State: StateLive.String()})
	m.bus.Emit(events.TypeConnectionAuthenticated, events.ConnectionAuthenticated{
		JID:     m.CurrentJID(),
		Resumed: resumed,
	})
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// persistSMState writes the current session id/inbound counter
// synchronously, since Go has no page-unload hook to rely on for a
// requirement: Go has no unload hook, so this is called at every point
// a Go process would instead lose the in-memory counter (disconnect,
// dead-socket handling, and process shutdown via Destroy).
func (m *Manager) persistSMState() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	st := State{ID: m.smID, Inbound: m.smInbound}
	m.mu.Unlock()
	if st.ID == "" {
		return
	}
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := m.store.Set(m.account, storage.SMStateKey, string(b)); err != nil {
		logging.Warn("conn: persist sm state: %v", err)
	}
}

func (m *Manager) loadSMState() (State, bool) {
	if m.store == nil {
		return State{}, false
	}
	raw, ok, err := m.store.Get(m.account, storage.SMStateKey)
	if err != nil || !ok {
		return State{}, false
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, false
	}
	return st, true
}

var _ router.SMObserver = (*Manager)(nil)
