// Package reply rewrites a sent message into a threaded reply written by
// another identity.
package reply

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dhcgn/maildir-ai/header"
	"github.com/dhcgn/maildir-ai/message"
)

var (
	ErrMissingDate = errors.New("missing Date header")
	ErrMissingFrom = errors.New("missing From header")
)

const (
	subjectPrefix = "Re: "
	quotePrefix   = "> "

	// DateLayout is the RFC 2822 date written into replies.
	DateLayout = time.RFC1123Z

	headerWidth = 70
)

// Composer builds replies. The hostname and clock are fixed at construction
// so Message-ID generation stays deterministic under test.
type Composer struct {
	hostname string
	now      func() time.Time

	mu     sync.Mutex
	lastID int64
}

// NewComposer returns a Composer stamping Message-IDs with hostname. A nil
// clock means time.Now.
func NewComposer(hostname string, now func() time.Time) *Composer {
	if now == nil {
		now = time.Now
	}
	return &Composer{hostname: hostname, now: now}
}

// MessageID returns "<unix-seconds@hostname>". IDs handed out by one Composer
// never repeat: a second ID within the same second takes the next second.
func (c *Composer) MessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().Unix()
	if ts <= c.lastID {
		ts = c.lastID + 1
	}
	c.lastID = ts
	return fmt.Sprintf("<%d@%s>", ts, c.hostname)
}

// Format composes a reply and renders it.
func (c *Composer) Format(from, raw string) (string, error) {
	msg, err := c.Compose(from, raw)
	if err != nil {
		return "", err
	}
	return msg.Render(), nil
}

// Compose builds the reply that identity from would send to raw.
func (c *Composer) Compose(from, raw string) (message.Message, error) {
	parsed := message.Parse(raw)
	orig := slices.Clone(parsed.Headers)
	headers := parsed.Headers

	origDate, ok := restampDate(headers, c.now().UTC().Format(DateLayout))
	if !ok {
		return message.Message{}, ErrMissingDate
	}

	for i, h := range headers {
		if h.Is(header.KindTo) {
			headers[i] = header.Cc(h.Value)
		}
	}
	headers = coalesceCc(headers, from)

	origFrom, ok := firstOf(headers, header.KindFrom)
	if !ok {
		return message.Message{}, ErrMissingFrom
	}
	headers = append(headers, header.To(origFrom.Value))
	headers = without(headers, header.KindFrom)
	headers = append(headers, header.From(from))

	headers = without(headers, header.KindInReplyTo, header.KindReferences)
	if id, ok := firstOf(orig, header.KindMessageID); ok {
		headers = append(headers, header.InReplyTo(id.Value), header.References(id.Value))
	}

	headers = without(headers, header.KindMessageID)
	headers = append(headers, header.MessageID(c.MessageID()))

	if i := slices.IndexFunc(headers, func(h header.Header) bool { return h.Is(header.KindSubject) }); i >= 0 {
		if !strings.HasPrefix(headers[i].Value, subjectPrefix) {
			headers[i].Value = subjectPrefix + headers[i].Value
		}
	} else {
		headers = append(headers, header.Subject(subjectPrefix))
	}

	// Generated text is not guaranteed to be ASCII.
	for i, h := range headers {
		if h.Is(header.KindContentType) {
			headers[i] = header.ContentType(header.CharsetUTF8)
		}
	}

	sortLike(headers, orig)

	return message.Message{
		Headers: headers,
		Body:    quote(origDate, origFrom.Value, parsed.Body),
	}, nil
}

// restampDate replaces every Date value with stamp and returns the first
// original value.
func restampDate(headers []header.Header, stamp string) (string, bool) {
	var (
		orig  string
		found bool
	)
	for i, h := range headers {
		if !h.Is(header.KindDate) {
			continue
		}
		if !found {
			orig, found = h.Value, true
		}
		headers[i].Value = stamp
	}
	return orig, found
}

// coalesceCc folds every Cc header into one, dropping self and repeats.
func coalesceCc(headers []header.Header, self string) []header.Header {
	var (
		addrs []string
		seen  = map[string]bool{}
	)
	for _, h := range headers {
		if !h.Is(header.KindCc) {
			continue
		}
		for _, addr := range strings.Split(h.Value, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" || addr == self || seen[addr] {
				continue
			}
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}

	headers = without(headers, header.KindCc)
	if len(addrs) == 0 {
		return headers
	}
	return append(headers, header.Cc(WrapHeader(strings.Join(addrs, ","))))
}

func firstOf(headers []header.Header, k header.Kind) (header.Header, bool) {
	i := slices.IndexFunc(headers, func(h header.Header) bool { return h.Is(k) })
	if i < 0 {
		return header.Header{}, false
	}
	return headers[i], true
}

func without(headers []header.Header, kinds ...header.Kind) []header.Header {
	return slices.DeleteFunc(headers, func(h header.Header) bool {
		return slices.Contains(kinds, h.Kind)
	})
}

// sortLike orders headers by the position of the first same-kind header in
// orig. Kinds absent from orig go last; ties keep their current order.
func sortLike(headers, orig []header.Header) {
	key := func(h header.Header) int {
		i := slices.IndexFunc(orig, func(o header.Header) bool { return header.SameKind(h, o) })
		if i < 0 {
			return len(orig)
		}
		return i
	}
	slices.SortStableFunc(headers, func(a, b header.Header) int {
		return key(a) - key(b)
	})
}

func quote(date, from, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "On %s, %s wrote:\n", date, from)
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		sb.WriteString(quotePrefix)
		sb.WriteString(line)
		if i < len(lines)-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// WrapHeader folds a header payload at the last space within the first 70
// characters, indenting continuation lines by one space. Text without a
// usable space is left unbroken.
func WrapHeader(s string) string {
	rest := strings.TrimSpace(s)
	var lines []string
	for utf8.RuneCountInString(rest) > headerWidth {
		window := string([]rune(rest)[:headerWidth])
		cut := strings.LastIndex(window, " ")
		if cut <= 0 {
			break
		}
		lines = append(lines, strings.TrimSpace(rest[:cut]))
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" || len(lines) == 0 {
		lines = append(lines, rest)
	}
	return strings.Join(lines, "\n ")
}
