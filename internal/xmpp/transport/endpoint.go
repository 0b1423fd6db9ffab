package transport

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mellium.im/xmpp/jid"
)

// Resolver finds an ordered list of candidate Endpoints for a bare
// domain: explicit override → XEP-0156 host-meta →
// DNS SRV → direct host:port. Dial tries them in order and keeps the
// first one that completes the stream-header handshake.
type Resolver struct {
	// Override, if non-empty, is parsed as a URI and returned as the
	// sole candidate, skipping discovery entirely.
	Override string

	// HTTPClient is used for the host-meta lookup; a zero value gets a
	// client with a short timeout.
	HTTPClient *http.Client
}

// Resolve returns candidate endpoints for addr's domain, most
// preferred first.
func (r *Resolver) Resolve(ctx context.Context, addr jid.JID) ([]Endpoint, error) {
	if r.Override != "" {
		ep, err := parseOverride(r.Override)
		if err != nil {
			return nil, err
		}
		return []Endpoint{ep}, nil
	}

	domain := addr.Domainpart()
	var candidates []Endpoint

	if ep, ok := r.hostMeta(ctx, domain); ok {
		candidates = append(candidates, ep)
	}

	// DNS SRV is attempted by transport.Dialer itself (via
	// mellium.im/xmpp/dial.Dialer) when Host is empty, so represent
	// "try SRV" as a scheme-only candidate.
	candidates = append(candidates, Endpoint{Scheme: SchemeTLS, Host: ""})

	// Direct host:port fallback, STARTTLS on 5222.
	candidates = append(candidates, Endpoint{Scheme: SchemeTCP, Host: net.JoinHostPort(domain, "5222")})

	return candidates, nil
}

func parseOverride(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: invalid endpoint override %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws":
		return Endpoint{Scheme: SchemeWebSocket, Host: raw}, nil
	case "wss":
		return Endpoint{Scheme: SchemeWebSocketSecure, Host: raw}, nil
	case "tls":
		return Endpoint{Scheme: SchemeTLS, Host: u.Host}, nil
	case "tcp", "":
		host := u.Host
		if host == "" {
			host = u.Opaque
		}
		return Endpoint{Scheme: SchemeTCP, Host: host}, nil
	default:
		return Endpoint{}, fmt.Errorf("transport: unsupported endpoint scheme %q", u.Scheme)
	}
}

// hostMetaDoc models the subset of RFC 6415/XEP-0156 host-meta JSON
// this resolver understands: a links array with rel and href.
type hostMetaDoc struct {
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

// hostMetaXML models the XRD form of host-meta, served as
// application/xrd+xml by servers that predate the JSON variant.
type hostMetaXML struct {
	XMLName xml.Name `xml:"XRD"`
	Links   []struct {
		Rel  string `xml:"rel,attr"`
		Href string `xml:"href,attr"`
	} `xml:"Link"`
}

const (
	relWebSocket = "urn:xmpp:alt-connections:websocket"
	relBOSH      = "urn:xmpp:alt-connections:xbosh"
)

// hostMeta fetches https://<domain>/.well-known/host-meta.json and
// looks for a WebSocket alt-connection endpoint (XEP-0156).
func (r *Resolver) hostMeta(ctx context.Context, domain string) (Endpoint, bool) {
	client := r.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	reqURL := "https://" + domain + "/.well-known/host-meta.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Endpoint{}, false
	}
	resp, err := client.Do(req)
	if err != nil {
		return Endpoint{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Endpoint{}, false
	}

	var doc hostMetaDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Endpoint{}, false
	}
	for _, l := range doc.Links {
		if l.Rel == relWebSocket && l.Href != "" {
			scheme := SchemeWebSocketSecure
			if strings.HasPrefix(l.Href, "ws://") {
				scheme = SchemeWebSocket
			}
			return Endpoint{Scheme: scheme, Host: l.Href}, true
		}
	}
	return Endpoint{}, false
}
