package xmpperr

import (
	"errors"
	"fmt"
	"testing"

	"mellium.im/xmpp/stanza"
)

func TestFromStanzaErrorClassification(t *testing.T) {
	tests := []struct {
		cond stanza.ErrorCondition
		want Kind
	}{
		{stanza.NotAuthorized, KindFatalAuth},
		{stanza.Conflict, KindFatalAuth},
		{stanza.Forbidden, KindFatalAuth},
		{stanza.RegistrationRequired, KindFatalAuth},
		{stanza.ServiceUnavailable, KindTransientNetwork},
		{stanza.RemoteServerNotFound, KindTransientNetwork},
		{stanza.RemoteServerTimeout, KindTransientNetwork},
		{stanza.ItemNotFound, KindIQError},
	}

	for _, tc := range tests {
		got := FromStanzaError(stanza.Error{Condition: tc.cond})
		if got.Kind != tc.want {
			t.Fatalf("condition %v: expected kind %v, got %v", tc.cond, tc.want, got.Kind)
		}
	}
}

func TestErrorUnwrapAndIsKind(t *testing.T) {
	inner := errors.New("boom")
	wrapped := New(KindDeadSocket, inner)

	if !errors.Is(wrapped, inner) {
		t.Fatalf("expected Unwrap to expose inner error")
	}
	if !IsKind(wrapped, KindDeadSocket) {
		t.Fatalf("expected IsKind to match KindDeadSocket")
	}
	if IsKind(wrapped, KindFatalAuth) {
		t.Fatalf("expected IsKind to reject mismatched kind")
	}
	if IsKind(inner, KindDeadSocket) {
		t.Fatalf("expected IsKind to reject a plain error")
	}
}

func TestErrorMessageIncludesCondition(t *testing.T) {
	se := FromStanzaError(stanza.Error{Condition: stanza.Forbidden})
	msg := se.Error()
	want := fmt.Sprintf("%s: %s:", KindFatalAuth, stanza.Forbidden)
	if len(msg) < len(want) || msg[:len(want)] != want {
		t.Fatalf("expected message to start with %q, got %q", want, msg)
	}
}

func TestKindStringUnknownDefault(t *testing.T) {
	var k Kind = 999
	if got := k.String(); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}
