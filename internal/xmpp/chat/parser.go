package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"strings"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmpp/styling"

	"github.com/fluux-im/fluux/internal/xmpp/stanzautil"
)

const (
	nsReply     = "urn:xmpp:reply:0"
	nsFallback  = "urn:xmpp:fallback:0"
	nsOOB       = "jabber:x:oob"
	nsThumbs    = "urn:xmpp:thumbs:1"
	nsFileMeta  = "urn:xmpp:file:metadata:0"
	nsFasten    = "urn:xmpp:fasten:0"
	nsOGP       = "urn:xmpp:ogp:0"
	nsCorrect   = "urn:xmpp:message-correct:0"
	nsRetract   = "urn:xmpp:message-retract:1"
	nsReactions = "urn:xmpp:reactions:0"
	nsHints     = "urn:xmpp:hints"
	nsSID       = "urn:xmpp:sid:0"
	nsChatState = "http://jabber.org/protocol/chatstates"
)

// ParseResult is the outcome of running the one-pass parser over an
// inbound <message/>, running every extension decoder in one pass.
type ParseResult struct {
	Message       Message
	ChatState     ChatState
	HasChatState  bool
	IsCorrection  bool
	IsRetraction  bool
	HasReactions  bool
	RetractTarget string
	ReactionIDs   []string
	Reactions     []string
}

// Parse runs the full XEP-0203/0359/0393/0461/0428/0066/0264/0446/
// 0422/0308/0424/0444/0334 pipeline over msg/r in a single pass,
// producing the Message (or correction/retraction/reaction
// instructions) the caller should apply to its session.
func Parse(msg stanza.Message, r xml.TokenReader, isCarbon bool) (ParseResult, error) {
	result := ParseResult{
		Message: Message{
			ID:        msg.ID,
			From:      msg.From,
			To:        msg.To,
			Type:      string(msg.Type),
			Thread:    "",
			Timestamp: time.Now(),
		},
	}

	var (
		body         string
		haveBody     bool
		fallbackFrom = map[string]struct{ start, end int }{}
		replyTo      *ReplyTo
		attachment   Attachment
		haveOOB      bool
		haveThumb    bool
		haveFileMeta bool
		linkPreview  *LinkPreview
	)

	err := stanzautil.EachChild(r, func(start xml.StartElement, inner xml.TokenReader) error {
		switch {
		case start.Name.Local == "body":
			text, err := stanzautil.ChildText(inner)
			if err != nil {
				return err
			}
			body = text
			haveBody = true

		case start.Name.Space == delay.NS && start.Name.Local == "delay":
			result.Message.IsDelayed = true

		case start.Name.Space == nsSID && start.Name.Local == "stanza-id":
			var v stanzaIDElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			result.Message.StanzaID = v.ID

		case start.Name.Space == styling.NS && start.Name.Local == "unstyled":
			result.Message.NoStyling = true

		case start.Name.Space == nsReply && start.Name.Local == "reply":
			var v replyElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			replyTo = &ReplyTo{ID: v.ID}

		case start.Name.Space == nsFallback && start.Name.Local == "fallback":
			var v fallbackElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			fallbackFrom[v.For] = struct{ start, end int }{v.Body.Start, v.Body.End}

		case start.Name.Space == nsOOB && start.Name.Local == "x":
			var v oobElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			attachment.URL = v.URL
			attachment.Desc = v.Desc
			haveOOB = true

		case start.Name.Space == nsThumbs && start.Name.Local == "thumbnail":
			var v thumbnailElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			attachment.ThumbnailURI = v.URI
			haveThumb = true

		case start.Name.Space == nsFileMeta && start.Name.Local == "file":
			var v fileMetaElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			attachment.Name = v.Name
			attachment.Size = v.Size
			if v.MediaType != "" {
				attachment.MediaType = v.MediaType
			}
			haveFileMeta = true

		case start.Name.Space == nsFasten && start.Name.Local == "apply-to":
			var v applyToElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			if v.OGP.URL != "" || v.OGP.Title != "" {
				linkPreview = &LinkPreview{
					URL:         v.OGP.URL,
					Title:       v.OGP.Title,
					Description: v.OGP.Description,
					ImageURL:    v.OGP.Image,
				}
			}
			if v.Retract != nil {
				result.IsRetraction = true
				result.RetractTarget = v.Retract.ID
			}

		case start.Name.Space == nsCorrect && start.Name.Local == "replace":
			var v replaceElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			result.IsCorrection = true
			result.Message.CorrectedID = v.ID

		case start.Name.Space == nsRetract && start.Name.Local == "retract":
			var v retractElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			result.IsRetraction = true
			result.RetractTarget = v.ID

		case start.Name.Space == nsReactions && start.Name.Local == "reactions":
			var v reactionsElement
			_ = xml.NewTokenDecoder(xmlstreamWrap(inner, start)).Decode(&v)
			result.HasReactions = true
			result.RetractTarget = v.ID
			result.Reactions = v.Reaction

		case start.Name.Space == nsHints && start.Name.Local == "no-store":
			result.Message.NoStore = true

		case start.Name.Space == nsChatState:
			if !isCarbon {
				result.HasChatState = true
				result.ChatState = ChatState(start.Name.Local)
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	if replyTo != nil {
		if fb, ok := fallbackFrom[nsReply]; ok && fb.end <= len(body) {
			replyTo.FallbackBody = trimQuotedFallback(body[fb.start:fb.end])
			body = body[:fb.start] + body[fb.end:]
		}
		result.Message.ReplyTo = replyTo
	}

	if haveOOB || haveThumb || haveFileMeta {
		result.Message.Attachment = &attachment
	}
	result.Message.LinkPreview = linkPreview

	if haveBody {
		result.Message.Body = strings.TrimSpace(body)
	}

	return result, nil
}

// trimQuotedFallback strips the XEP-0461 quoted-preview decoration
// from a fallback body range before it's surfaced as replyTo's preview
// text: the leading "> " quote marker clients conventionally prefix
// the quoted text with, and the trailing newline separating it from
// the real reply body.
func trimQuotedFallback(s string) string {
	s = strings.TrimPrefix(s, "> ")
	return strings.TrimRight(s, "\r\n")
}

// xmlstreamWrap re-exposes the inner reader with its start element so
// xml.NewTokenDecoder can unmarshal a single child element, matching
// the pattern stanzautil.DecodeChild uses internally.
func xmlstreamWrap(inner xml.TokenReader, start xml.StartElement) xml.TokenReader {
	return xmlstream.Wrap(inner, start)
}

// stableFingerprint hashes (from, body, timestamp) for bridge traffic
// that supplies neither a stanza-id nor a client id.
func stableFingerprint(from, body string, ts time.Time) string {
	h1 := sha256.Sum256([]byte(from))
	h2 := sha256.Sum256([]byte(body + ts.Truncate(time.Second).String()))
	return "stable-" + hex.EncodeToString(h1[:4]) + "-" + hex.EncodeToString(h2[:4])
}
