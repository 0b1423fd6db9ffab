package conn

import (
	"context"
	"encoding/xml"

	"mellium.im/xmpp"
)

// smNamespace is XEP-0198's Stream Management namespace.
const smNamespace = "urn:xmpp:sm:3"

// smEnable requests Stream Management with session resumption.
type smEnable struct {
	XMLName xml.Name `xml:"urn:xmpp:sm:3 enable"`
	Resume  bool     `xml:"resume,attr"`
}

// smEnabled is the server's acknowledgement, carrying the session id
// later used in <resume/>.
type smEnabled struct {
	XMLName xml.Name `xml:"urn:xmpp:sm:3 enabled"`
	ID      string   `xml:"id,attr"`
	Resume  bool     `xml:"resume,attr"`
	Max     int      `xml:"max,attr"`
}

// smResume requests the server replay stanzas unacknowledged since h.
type smResume struct {
	XMLName xml.Name `xml:"urn:xmpp:sm:3 resume"`
	PrevID  string   `xml:"previd,attr"`
	H       uint32   `xml:"h,attr"`
}

// smResumed is the server's confirmation that resumption succeeded.
type smResumed struct {
	XMLName xml.Name `xml:"urn:xmpp:sm:3 resumed"`
	PrevID  string   `xml:"previd,attr"`
	H       uint32   `xml:"h,attr"`
}

// smFailed is the server's refusal to resume; the caller must fall
// through to a fresh authenticate.
type smFailed struct {
	XMLName xml.Name `xml:"urn:xmpp:sm:3 failed"`
}

// smR is a request for an ack of the inbound/outbound counters.
type smR struct {
	XMLName xml.Name `xml:"urn:xmpp:sm:3 r"`
}

// smA acknowledges h stanzas received.
type smA struct {
	XMLName xml.Name `xml:"urn:xmpp:sm:3 a"`
	H       uint32   `xml:"h,attr"`
}

// State is the persisted Stream-Management session: the server-issued
// id and the inbound counter, stored at storage.SMStateKey.
type State struct {
	ID      string `json:"id"`
	Inbound uint32 `json:"inbound"`
}

// sendEnable asks the server to turn on SM with resumption after bind.
func sendEnable(ctx context.Context, s *xmpp.Session) error {
	return s.Encode(ctx, smEnable{Resume: true})
}

// sendResume attempts to resume a previous SM session.
func sendResume(ctx context.Context, s *xmpp.Session, st State) error {
	return s.Encode(ctx, smResume{PrevID: st.ID, H: st.Inbound})
}

// sendAck acknowledges h inbound stanzas.
func sendAck(ctx context.Context, s *xmpp.Session, h uint32) error {
	return s.Encode(ctx, smA{H: h})
}

// sendRequest asks the peer to send an <a/> ack.
func sendRequest(ctx context.Context, s *xmpp.Session) error {
	return s.Encode(ctx, smR{})
}
