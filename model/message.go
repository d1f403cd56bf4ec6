package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/dhcgn/imap-to-mbox/imapresp"
)

// Message is a single message fetched from an IMAP folder.
type Message struct {
	Folder      string
	UIDValidity uint32
	UID         uint32
	Summary     imapresp.Summary
	Hash        string
	ReceivedAt  time.Time
	Raw         []byte
}

// ID returns a short label for logs and events, preferring the Message-ID.
func (m Message) ID() string {
	if m.Summary.Has(imapresp.FieldMessageID) && m.Summary.MessageID != "" {
		return m.Summary.MessageID
	}
	return m.Folder + "/" + strconv.FormatUint(uint64(m.UID), 10)
}

// Envelope wraps a message alongside an optional error encountered while fetching.
type Envelope struct {
	Message Message
	Err     error
}

// Canonical returns raw with LF line endings and without trailing blank
// lines, which is the form messages take inside an mbox file.
func Canonical(raw []byte) []byte {
	out := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	return bytes.TrimRight(out, "\n")
}

// HashRaw returns the content hash of a message. Messages that only differ
// in line endings hash the same.
func HashRaw(raw []byte) string {
	sum := sha256.Sum256(Canonical(raw))
	return base64.StdEncoding.EncodeToString(sum[:])
}
