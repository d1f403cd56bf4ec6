package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Message is a single message read back from an archive file. Header is
// empty when the message headers could not be parsed.
type Message struct {
	Index  int
	Header mail.Header
	Raw    []byte
}

// Read iterates through the messages of an mbox file, calling fn for each.
func Read(path string, fn func(m *Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		msg := &Message{Index: idx, Raw: raw}
		if header, err := ParseHeader(raw); err == nil {
			msg.Header = header
		}

		if err := fn(msg); err != nil {
			return err
		}
	}
}

// ParseHeader reads the header block of a raw message. Unknown charsets and
// transfer encodings are not an error since only the header is needed.
func ParseHeader(raw []byte) (mail.Header, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return mail.Header{}, err
	}
	if entity == nil {
		return mail.Header{}, fmt.Errorf("parse header: %w", err)
	}
	return mail.Header{Header: entity.Header}, nil
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Unreadable messages still count.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
