package imap

import (
	"encoding/base64"
	"strings"
	"unicode/utf16"
)

const utf7chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var utf7encoding = base64.NewEncoding(utf7chars).WithPadding(base64.NoPadding)

// EncodeMailboxName converts a folder name to modified UTF-7 (RFC 3501
// section 5.1.3) for use on the wire.
func EncodeMailboxName(name string) string {
	var sb strings.Builder
	var pending []rune

	flush := func() {
		if len(pending) == 0 {
			return
		}
		units := utf16.Encode(pending)
		buf := make([]byte, 0, 2*len(units))
		for _, u := range units {
			buf = append(buf, byte(u>>8), byte(u))
		}
		sb.WriteByte('&')
		sb.WriteString(utf7encoding.EncodeToString(buf))
		sb.WriteByte('-')
		pending = pending[:0]
	}

	for _, c := range name {
		switch {
		case c == '&':
			flush()
			sb.WriteString("&-")
		case c >= 0x20 && c <= 0x7e:
			flush()
			sb.WriteRune(c)
		default:
			pending = append(pending, c)
		}
	}
	flush()
	return sb.String()
}
