package transport

import (
	"errors"
	"testing"
)

type fakeNetError struct {
	msg     string
	timeout bool
}

func (e *fakeNetError) Error() string   { return e.msg }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

func TestIsDeadSocketNil(t *testing.T) {
	if IsDeadSocket(nil) {
		t.Fatalf("expected nil error to not be a dead socket")
	}
}

func TestIsDeadSocketKnownSignatures(t *testing.T) {
	cases := []string{
		"write tcp: broken pipe",
		"read: connection reset by peer",
		"use of closed network connection",
		"Socket.write called on destroyed socket",
		"websocket IS NOT OPEN",
		"dial tcp: socket is null",
		"write: connection refused",
	}
	for _, msg := range cases {
		if !IsDeadSocket(errors.New(msg)) {
			t.Fatalf("expected %q to be classified as a dead socket", msg)
		}
	}
}

func TestIsDeadSocketUnrelatedError(t *testing.T) {
	if IsDeadSocket(errors.New("stream:error bad-request")) {
		t.Fatalf("expected unrelated error to not be a dead socket")
	}
}

func TestIsDeadSocketNetErrorTimeoutIsNotDead(t *testing.T) {
	err := &fakeNetError{msg: "i/o timeout", timeout: true}
	if IsDeadSocket(err) {
		t.Fatalf("expected a timeout net.Error to not be a dead socket")
	}
}

func TestIsDeadSocketNonTimeoutNetErrorIsDead(t *testing.T) {
	err := &fakeNetError{msg: "some transient condition", timeout: false}
	if !IsDeadSocket(err) {
		t.Fatalf("expected a non-timeout net.Error to be treated as a dead socket")
	}
}

func TestEndpointString(t *testing.T) {
	ep := Endpoint{Scheme: SchemeTLS, Host: "example.com:5223"}
	if got, want := ep.String(), "tls://example.com:5223"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestParseOverrideSchemes(t *testing.T) {
	cases := []struct {
		raw        string
		wantScheme Scheme
		wantHost   string
	}{
		{"ws://chat.example.com/ws", SchemeWebSocket, "ws://chat.example.com/ws"},
		{"wss://chat.example.com/ws", SchemeWebSocketSecure, "wss://chat.example.com/ws"},
		{"tls://xmpp.example.com:5223", SchemeTLS, "xmpp.example.com:5223"},
		{"tcp://xmpp.example.com:5222", SchemeTCP, "xmpp.example.com:5222"},
	}
	for _, tc := range cases {
		ep, err := parseOverride(tc.raw)
		if err != nil {
			t.Fatalf("parseOverride(%q): unexpected error: %v", tc.raw, err)
		}
		if ep.Scheme != tc.wantScheme {
			t.Fatalf("parseOverride(%q): expected scheme %v, got %v", tc.raw, tc.wantScheme, ep.Scheme)
		}
		if ep.Host != tc.wantHost {
			t.Fatalf("parseOverride(%q): expected host %q, got %q", tc.raw, tc.wantHost, ep.Host)
		}
	}
}

func TestParseOverrideUnsupportedScheme(t *testing.T) {
	_, err := parseOverride("ftp://example.com")
	if err == nil {
		t.Fatalf("expected an error for an unsupported scheme")
	}
}
