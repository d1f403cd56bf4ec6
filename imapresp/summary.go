package imapresp

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

const maxUint32 = 1<<32 - 1

// MailerDaemon stands in for the sender when the envelope has no usable
// from address.
const MailerDaemon = "MAILER-DAEMON"

// Positions inside an ENVELOPE list.
const (
	envDate = iota
	envSubject
	envFrom
	envSender
	envReplyTo
	envTo
	envCc
	envBcc
	envInReplyTo
	envMessageID
)

// Positions inside an address list entry.
const (
	addrName = iota
	addrRoute
	addrMailbox
	addrHost
)

// Field flags which Summary values were present in the response.
type Field uint8

const (
	FieldUID Field = 1 << iota
	FieldMessageID
	FieldSize
	FieldInternalDate
	FieldEnvDate
	FieldEnvFrom
)

// Summary is the decoded form of a (UID ENVELOPE RFC822.SIZE INTERNALDATE)
// fetch. Fields missing from the response are left zero and not flagged in
// Present.
type Summary struct {
	UID          uint32
	MessageID    string
	Size         int64
	InternalDate string
	EnvDate      string
	EnvFrom      string
	Present      Field
}

// Has reports whether all of the given fields were present.
func (s Summary) Has(f Field) bool {
	return s.Present&f == f
}

var ErrNoDate = errors.New("summary carries no usable date")

// Time returns the normalized INTERNALDATE, falling back to the envelope
// date header.
func (s Summary) Time() (time.Time, error) {
	var errs []error
	if s.Has(FieldInternalDate) {
		t, err := ParseInternalDate(s.InternalDate)
		if err == nil {
			return t, nil
		}
		errs = append(errs, err)
	}
	if s.Has(FieldEnvDate) {
		t, err := mail.ParseDate(strings.TrimSpace(s.EnvDate))
		if err == nil {
			return t.UTC(), nil
		}
		errs = append(errs, fmt.Errorf("envelope date %q: %w", s.EnvDate, err))
	}
	errs = append(errs, ErrNoDate)
	return time.Time{}, errors.Join(errs...)
}

// Extract builds a Summary from flattened fields. It reports false when
// none of UID, ENVELOPE, RFC822.SIZE and INTERNALDATE are present, which
// marks an empty or truncated response rather than an error.
func Extract(f Fields) (Summary, bool) {
	var s Summary

	if n, ok := f[FieldNameUID]; ok {
		if v, ok := n.(Number); ok && uint64(v) <= maxUint32 {
			s.UID = uint32(v)
			s.Present |= FieldUID
		}
	}

	if n, ok := f[FieldNameSize]; ok {
		if v, ok := n.(Number); ok && uint64(v) <= 1<<63-1 {
			s.Size = int64(v)
			s.Present |= FieldSize
		}
	}

	if n, ok := f[FieldNameInternalDate]; ok {
		if v, ok := nodeString(n); ok {
			s.InternalDate = v
			s.Present |= FieldInternalDate
		}
	}

	if n, ok := f[FieldNameEnvelope]; ok {
		if env, ok := n.(List); ok {
			extractEnvelope(env, &s)
		}
	}

	if s.Present == 0 {
		return Summary{}, false
	}
	return s, true
}

func extractEnvelope(env List, s *Summary) {
	if v, ok := stringAt(env, envDate); ok {
		s.EnvDate = v
		s.Present |= FieldEnvDate
	}
	if v, ok := stringAt(env, envMessageID); ok {
		s.MessageID = v
		s.Present |= FieldMessageID
	}

	s.EnvFrom = MailerDaemon
	s.Present |= FieldEnvFrom
	if envFrom >= len(env) {
		return
	}
	from, ok := env[envFrom].(List)
	if !ok || len(from) == 0 {
		return
	}
	addr, ok := from[0].(List)
	if !ok {
		return
	}
	mailbox, okMailbox := stringAt(addr, addrMailbox)
	host, okHost := stringAt(addr, addrHost)
	if okMailbox && okHost && mailbox != "" && host != "" {
		s.EnvFrom = mailbox + "@" + host
	}
}

func stringAt(l List, i int) (string, bool) {
	if i >= len(l) {
		return "", false
	}
	return nodeString(l[i])
}

// Decode parses, flattens and extracts a raw FETCH response in one go.
func Decode(chunks ...[]byte) (Summary, bool, error) {
	root, err := Parse(chunks...)
	if err != nil {
		return Summary{}, false, err
	}
	fields, err := Flatten(root)
	if err != nil {
		return Summary{}, false, err
	}
	s, ok := Extract(fields)
	return s, ok, nil
}
