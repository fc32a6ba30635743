package model

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Message is one raw email moving through an import or export pipeline.
type Message struct {
	ID         string
	Hash       string
	Subject    string
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
	// Origin names where the message came from: an mbox index or a file path.
	Origin string
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}

// FromRaw decodes the identifying headers of raw. Undecodable headers leave
// their fields empty; a message without Message-Id is identified by its hash.
func FromRaw(raw []byte, origin string) Message {
	msg := Message{
		Hash:   Hash(raw),
		Size:   int64(len(raw)),
		Raw:    raw,
		Origin: origin,
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err == nil {
		h := mail.Header{Header: gomessage.Header{Header: th}}
		if id, err := h.MessageID(); err == nil {
			msg.ID = id
		}
		if subject, err := h.Subject(); err == nil {
			msg.Subject = subject
		}
		if date, err := h.Date(); err == nil {
			msg.ReceivedAt = date
		}
	}

	if msg.ID == "" {
		msg.ID = "sha256:" + strings.TrimRight(msg.Hash, "=")
	}
	return msg
}

// Hash returns the base64 SHA-256 of raw, the key used for de-duplication.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
