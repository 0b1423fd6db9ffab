// Package router is the single inbound dispatch point for every stanza
// the Connection Manager reads off the wire. It runs Stream Management
// bookkeeping first, then delegates to a mux.ServeMux carrying every
// domain module's handlers, which is where the MAM collector
// (mellium.im/xmpp/history, registered ahead of the chat handler by
// namespace-specific matching) and the rest of the priority chain from
// actually live.
package router

import (
	"encoding/xml"
	"io"
	"sync"

	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"

	"github.com/fluux-im/fluux/internal/events"
)

// SMObserver is notified of every inbound stanza (to advance the
// Stream Management counter) and of the handful of SM nonzas that
// never reach the mux (<enabled/>, <resumed/>, <failed/>, <r/>, <a/>).
// It is set by the Connection Manager, which owns SM state.
type SMObserver interface {
	// ObserveInbound advances the inbound counter; called for every
	// message/presence/iq, after HandleSM has had a chance to claim the
	// element as a bare SM nonza.
	ObserveInbound(start xml.StartElement)
	// HandleSM claims and fully consumes start if it is a Stream
	// Management nonza (enabled/resumed/failed/r/a), in which case the
	// router does not forward it to the domain-module mux.
	HandleSM(start xml.StartElement, t xmlstream.TokenReadEncoder) (handled bool, err error)
}

// MessageObserver receives a single, fully buffered pass over every
// inbound <message/> stanza's children, ahead of the mux's own
// per-child handler resolution. The chat package uses this to run its
// one-pass parser exactly once per stanza, since the
// mux itself resolves and invokes a separate handler per unclaimed
// child name rather than once per stanza.
type MessageObserver interface {
	ObserveMessage(msg stanza.Message, r xml.TokenReader)
}

// Router implements xmpp.Handler (via Session.Serve) and runs SM
// bookkeeping ahead of the registered mux.ServeMux.
type Router struct {
	mux *mux.ServeMux
	bus *events.Bus

	mu  sync.Mutex
	sm  SMObserver
	msg MessageObserver
}

// New builds a Router around opts (the mux.Option values each domain
// module contributes, e.g. mux.Message(...), history.Handle(...),
// carbons.Handle(...)).
func New(bus *events.Bus, opts ...mux.Option) *Router {
	return &Router{
		mux: mux.New(opts...),
		bus: bus,
	}
}

// SetSMObserver wires the Connection Manager's Stream Management
// bookkeeping into the router. Must be called before Serve begins.
func (r *Router) SetSMObserver(sm SMObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sm = sm
}

// SetMessageObserver wires the chat package's single-pass parser into
// the router. Must be called before Serve begins.
func (r *Router) SetMessageObserver(msg MessageObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msg = msg
}

// HandleXMPP implements xmpp.Handler.
func (r *Router) HandleXMPP(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	r.mu.Lock()
	sm := r.sm
	msgObserver := r.msg
	r.mu.Unlock()

	if sm != nil {
		if handled, err := sm.HandleSM(*start, t); handled {
			return err
		}
		if start.Name.Local == "message" || start.Name.Local == "presence" || start.Name.Local == "iq" {
			sm.ObserveInbound(*start)
		}
	}

	if r.bus != nil {
		r.bus.Emit(events.TypeRawStanza, events.RawStanza{Name: start.Name.Local})
	}

	if msgObserver != nil && start.Name.Local == "message" {
		return r.dispatchMessage(msgObserver, t, start)
	}

	return r.mux.HandleXMPP(t, start)
}

// dispatchMessage buffers a <message/> stanza's children once, runs
// msgObserver over the buffered copy, then replays the same copy
// through the mux so library-provided handlers (receipts, carbons,
// chat markers, MAM) still see it via their own per-child resolution.
func (r *Router) dispatchMessage(msgObserver MessageObserver, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	toks, err := bufferChildren(t)
	if err != nil {
		return err
	}

	msg, err := stanza.NewMessage(*start)
	if err == nil {
		msgObserver.ObserveMessage(msg, replayTokens(toks))
	}

	muxReader := struct {
		xml.TokenReader
		xmlstream.Encoder
	}{
		TokenReader: replayTokens(toks),
		Encoder:     t,
	}
	return r.mux.HandleXMPP(muxReader, start)
}

// bufferChildren drains every direct child of the element whose start
// tag produced t (already consumed, per the xmpp.Handler convention)
// into a flat, replayable token slice.
func bufferChildren(t xml.TokenReader) ([]xml.Token, error) {
	var toks []xml.Token
	iter := xmlstream.NewIter(t)
	for iter.Next() {
		start, inner := iter.Current()
		if start == nil {
			continue
		}
		toks = append(toks, *start)
		for {
			tok, err := inner.Token()
			if err != nil {
				break
			}
			toks = append(toks, xml.CopyToken(tok))
		}
		toks = append(toks, start.End())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return toks, nil
}

// replayTokens returns a TokenReader that yields toks in order, then
// io.EOF.
func replayTokens(toks []xml.Token) xml.TokenReader {
	i := 0
	return xmlstream.ReaderFunc(func() (xml.Token, error) {
		if i >= len(toks) {
			return nil, io.EOF
		}
		tok := toks[i]
		i++
		return tok, nil
	})
}

var _ xmpp.Handler = (*Router)(nil)
