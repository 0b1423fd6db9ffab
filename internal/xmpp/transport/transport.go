// Package transport opens the XML stream to a server, hiding whether
// the bytes flow over a native TCP/TLS socket or a WebSocket. It is the
// lowest layer in the runtime: the Connection Manager asks it for a
// negotiated *xmpp.Session and otherwise only learns about it again
// when a write fails.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/dial"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/websocket"
)

// Scheme identifies which bridge Dial should use, selected by the URI
// scheme of the resolved endpoint (ws://, wss://, tcp://,
// tls://).
type Scheme string

const (
	SchemeTCP       Scheme = "tcp"
	SchemeTLS       Scheme = "tls"
	SchemeWebSocket Scheme = "ws"
	SchemeWebSocketSecure Scheme = "wss"
)

// Endpoint is a fully resolved connection target: where to dial and
// which bridge to use.
type Endpoint struct {
	Scheme Scheme
	Host   string // host:port for tcp/tls, origin URL for ws/wss
}

// String renders the endpoint the way it would appear in a config
// override, useful for diagnostics.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Scheme, e.Host)
}

// deadSocketSignatures are the write-error substrings the transport
// layer treats as an immediate, synchronous "this connection is
// actually dead" signal, even if higher layers still believe the
// status store reads online.
var deadSocketSignatures = []string{
	"socket.write",
	"websocket is not open",
	"socket is null",
	"use of closed network connection",
	"broken pipe",
	"connection reset by peer",
	"write: connection refused",
}

// IsDeadSocket reports whether err's message matches a known
// dead-socket signature.
func IsDeadSocket(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range deadSocketSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	return false
}

// Dialer negotiates an *xmpp.Session against a resolved Endpoint. It
// is deliberately stateless: the Connection Manager owns the resulting
// Session and calls Dial again, against possibly a different Endpoint,
// on every reconnect attempt.
type Dialer struct {
	// Password and JID authenticate the SASL exchange; the resource is
	// assigned by the server during resource binding.
	JID      jid.JID
	Password string

	// TLSConfig overrides the default ServerName/MinVersion TLS
	// config used for STARTTLS and direct-TLS endpoints.
	TLSConfig *tls.Config

	// DialTimeout bounds the raw TCP dial to an explicit ep.Host (the
	// SRV-resolved dial and WebSocket dialing are bounded by ctx
	// instead).
	DialTimeout time.Duration
}

// Dial negotiates a session against ep. On success the returned
// Session's LocalAddr carries the server-assigned resource.
func (d *Dialer) Dial(ctx context.Context, ep Endpoint) (*xmpp.Session, error) {
	switch ep.Scheme {
	case SchemeWebSocket, SchemeWebSocketSecure:
		return d.dialWebSocket(ctx, ep)
	default:
		return d.dialTCP(ctx, ep)
	}
}

func (d *Dialer) tlsConfig() *tls.Config {
	if d.TLSConfig != nil {
		return d.TLSConfig
	}
	return &tls.Config{
		ServerName: d.JID.Domainpart(),
		MinVersion: tls.VersionTLS12,
	}
}

func (d *Dialer) negotiator(tlsConfig *tls.Config) xmpp.Negotiator {
	return xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", d.Password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})
}

// dialTCP opens a raw net.Conn (SRV-aware via mellium's Dialer when ep
// carries no explicit host override) and negotiates STARTTLS/SASL/bind
// over it.
func (d *Dialer) dialTCP(ctx context.Context, ep Endpoint) (*xmpp.Session, error) {
	var conn net.Conn
	var err error

	if ep.Host != "" {
		timeout := d.DialTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, err = (&net.Dialer{}).DialContext(dctx, "tcp", ep.Host)
	} else {
		sd := dial.Dialer{NoTLS: ep.Scheme != SchemeTLS}
		conn, err = sd.Dial(ctx, "tcp", d.JID)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	tlsConfig := d.tlsConfig()
	session, err := xmpp.NewSession(ctx, d.JID.Domain(), d.JID, conn, 0, d.negotiator(tlsConfig))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: negotiate session: %w", err)
	}
	return session, nil
}

// dialWebSocket negotiates an XMPP session over RFC 7395 WebSocket
// framing, carrying the same SASL/bind features.
func (d *Dialer) dialWebSocket(ctx context.Context, ep Endpoint) (*xmpp.Session, error) {
	origin := ep.Host
	if !strings.Contains(origin, "://") {
		origin = string(ep.Scheme) + "://" + origin
	}
	session, err := websocket.DialSession(ctx, origin, d.JID,
		xmpp.StartTLS(d.tlsConfig()),
		xmpp.SASL("", d.Password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
		xmpp.BindResource(),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket session: %w", err)
	}
	return session, nil
}
