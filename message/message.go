// Package message splits raw mail text into its header block and body and
// decodes the header block into header.Header values.
package message

import (
	"strings"

	"github.com/dhcgn/maildir-ai/header"
)

// Message is an ordered header sequence plus the raw body. Header order is
// kept as encountered and duplicates are retained.
type Message struct {
	Headers []header.Header
	Body    string
}

// Split divides raw at the first blank line. Without a blank line both parts
// are empty.
func Split(raw string) (headerBlock, body string) {
	headerBlock, body, ok := strings.Cut(raw, "\n\n")
	if !ok {
		return "", ""
	}
	return headerBlock, body
}

// Parse decodes raw into a Message. Unrecognized header lines are dropped.
func Parse(raw string) Message {
	headerBlock, body := Split(raw)
	return Message{
		Headers: ParseHeaders(headerBlock),
		Body:    body,
	}
}

// ParseHeaders unfolds continuation lines (leading space or tab) onto the
// previous logical line and decodes each logical line.
func ParseHeaders(block string) []header.Header {
	var (
		headers []header.Header
		current strings.Builder
	)

	flush := func() {
		if current.Len() == 0 {
			return
		}
		if h, ok := header.ParseLine(current.String()); ok {
			headers = append(headers, h)
		}
		current.Reset()
	}

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			current.WriteString(line)
			continue
		}
		flush()
		current.WriteString(line)
	}
	flush()

	return headers
}

// First returns the first header of kind k.
func (m Message) First(k header.Kind) (header.Header, bool) {
	for _, h := range m.Headers {
		if h.Is(k) {
			return h, true
		}
	}
	return header.Header{}, false
}

// Render joins the header lines, a blank line and the body.
func (m Message) Render() string {
	lines := make([]string, 0, len(m.Headers))
	for _, h := range m.Headers {
		lines = append(lines, h.Render())
	}
	return strings.Join(lines, "\n") + "\n\n" + m.Body
}

// ExtractRecipient returns the payload of the first To header of raw.
func ExtractRecipient(raw string) (string, bool) {
	h, ok := Parse(raw).First(header.KindTo)
	if !ok {
		return "", false
	}
	return h.Value, true
}

// SplitRecipients splits a To payload on commas, trimming whitespace and
// dropping empty entries.
func SplitRecipients(payload string) []string {
	var recipients []string
	for _, part := range strings.Split(payload, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		recipients = append(recipients, part)
	}
	return recipients
}
