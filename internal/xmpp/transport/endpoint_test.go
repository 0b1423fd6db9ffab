package transport

import (
	"context"
	"testing"

	"mellium.im/xmpp/jid"
)

func TestResolveWithOverrideSkipsDiscovery(t *testing.T) {
	r := &Resolver{Override: "tls://xmpp.example.com:5223"}
	addr, err := jid.Parse("alice@example.com")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}

	eps, err := r.Resolve(context.Background(), addr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("expected exactly one candidate with an override, got %d", len(eps))
	}
	if eps[0].Scheme != SchemeTLS || eps[0].Host != "xmpp.example.com:5223" {
		t.Fatalf("unexpected endpoint: %+v", eps[0])
	}
}

func TestResolveWithInvalidOverrideErrors(t *testing.T) {
	r := &Resolver{Override: "ftp://example.com"}
	addr, err := jid.Parse("alice@example.com")
	if err != nil {
		t.Fatalf("parse jid: %v", err)
	}

	if _, err := r.Resolve(context.Background(), addr); err == nil {
		t.Fatalf("expected an error for an unsupported override scheme")
	}
}
