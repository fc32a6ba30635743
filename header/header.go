// Package header models the header lines a mail client such as mutt writes
// into an outgoing message. Only a closed set of headers is understood;
// anything else is reported as unrecognized and left to the caller to drop.
package header

import "strings"

// Kind tags a Header. Two headers are of the same kind iff their Kind matches,
// whatever their payload.
type Kind int

const (
	KindFrom Kind = iota + 1
	KindTo
	KindCc
	KindSubject
	KindDate
	KindMessageID
	KindMIMEVersion
	KindContentType
	KindReferences
	KindContentDisposition
	KindInReplyTo
)

var kindNames = map[Kind]string{
	KindFrom:               "From",
	KindTo:                 "To",
	KindCc:                 "Cc",
	KindSubject:            "Subject",
	KindDate:               "Date",
	KindMessageID:          "Message-ID",
	KindMIMEVersion:        "MIME-Version",
	KindContentType:        "Content-Type",
	KindReferences:         "References",
	KindContentDisposition: "Content-Disposition",
	KindInReplyTo:          "In-Reply-To",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Charsets accepted on the fixed Content-Type line.
const (
	CharsetASCII = "us-ascii"
	CharsetUTF8  = "utf-8"
)

const (
	mimeVersionLine        = "MIME-Version: 1.0"
	contentTypePrefix      = "Content-Type: text/plain; charset="
	contentDispositionLine = "Content-Disposition: inline"
)

// Header is a single recognized header line. Value holds the payload for
// identity, threading and presentation headers; for Content-Type it holds the
// charset, and it is empty for the other fixed-value markers.
type Header struct {
	Kind  Kind
	Value string
}

func From(v string) Header       { return Header{Kind: KindFrom, Value: v} }
func To(v string) Header         { return Header{Kind: KindTo, Value: v} }
func Cc(v string) Header         { return Header{Kind: KindCc, Value: v} }
func Subject(v string) Header    { return Header{Kind: KindSubject, Value: v} }
func Date(v string) Header       { return Header{Kind: KindDate, Value: v} }
func MessageID(v string) Header  { return Header{Kind: KindMessageID, Value: v} }
func References(v string) Header { return Header{Kind: KindReferences, Value: v} }
func InReplyTo(v string) Header  { return Header{Kind: KindInReplyTo, Value: v} }

func MIMEVersion() Header        { return Header{Kind: KindMIMEVersion} }
func ContentDisposition() Header { return Header{Kind: KindContentDisposition} }

// ContentType returns the text/plain Content-Type marker for charset.
func ContentType(charset string) Header {
	return Header{Kind: KindContentType, Value: charset}
}

// prefixed lists the payload-carrying kinds in match order. Prefixes are
// case- and spacing-exact.
var prefixed = []Kind{
	KindFrom,
	KindTo,
	KindCc,
	KindSubject,
	KindDate,
	KindMessageID,
	KindReferences,
	KindInReplyTo,
}

// ParseLine decodes one logical (already unfolded) header line. The boolean
// is false when the line is not one of the recognized headers.
func ParseLine(line string) (Header, bool) {
	for _, kind := range prefixed {
		if v, ok := strings.CutPrefix(line, kind.String()+": "); ok {
			return Header{Kind: kind, Value: v}, true
		}
	}

	switch line {
	case mimeVersionLine:
		return MIMEVersion(), true
	case contentDispositionLine:
		return ContentDisposition(), true
	case contentTypePrefix + CharsetASCII:
		return ContentType(CharsetASCII), true
	case contentTypePrefix + CharsetUTF8:
		return ContentType(CharsetUTF8), true
	}

	return Header{}, false
}

// Render is the inverse of ParseLine.
func (h Header) Render() string {
	switch h.Kind {
	case KindFrom, KindTo, KindCc, KindSubject, KindDate, KindMessageID, KindReferences, KindInReplyTo:
		return h.Kind.String() + ": " + h.Value
	case KindMIMEVersion:
		return mimeVersionLine
	case KindContentDisposition:
		return contentDispositionLine
	case KindContentType:
		charset := h.Value
		if charset == "" {
			charset = CharsetUTF8
		}
		return contentTypePrefix + charset
	default:
		return ""
	}
}

// SameKind reports whether a and b carry the same tag.
func SameKind(a, b Header) bool {
	return a.Kind == b.Kind
}

// Is reports whether h is of kind k.
func (h Header) Is(k Kind) bool {
	return h.Kind == k
}
