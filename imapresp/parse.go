package imapresp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var ErrMalformedResponse = errors.New("malformed fetch response")

// Parse scans a raw response into its root list. Chunks are joined byte for
// byte, so a literal announced at the end of one chunk is read from the next.
// A "{N}" that ends a chunk needs no CRLF: the transport already consumed the
// line terminator when it split the response there.
//
// Unbalanced closing parentheses fail with ErrMalformedResponse. Lists still
// open at the end of input, unterminated quoted strings and literals longer
// than the remaining input are kept as far as they got.
func Parse(chunks ...[]byte) (List, error) {
	p := parser{}
	if len(chunks) == 1 {
		p.buf = chunks[0]
	} else {
		p.buf = bytes.Join(chunks, nil)
		end := 0
		for _, c := range chunks[:len(chunks)-1] {
			end += len(c)
			p.bounds = append(p.bounds, end)
		}
	}
	return p.parse()
}

type parser struct {
	buf    []byte
	bounds []int
	pos    int
	stack  []List
}

// chunkEnd reports whether offset i is where one input chunk ended.
func (p *parser) chunkEnd(i int) bool {
	for _, b := range p.bounds {
		if b == i {
			return true
		}
	}
	return false
}

func (p *parser) parse() (List, error) {
	p.stack = []List{{}}

	for p.pos < len(p.buf) {
		c := p.buf[p.pos]
		switch {
		case isSpace(c):
			p.pos++
		case c == '(':
			p.pos++
			p.stack = append(p.stack, List{})
		case c == ')':
			if len(p.stack) == 1 {
				return nil, fmt.Errorf("%w: unexpected ')' at offset %d", ErrMalformedResponse, p.pos)
			}
			p.pos++
			p.pop()
		case c == '"':
			p.pos++
			p.add(p.quoted())
		case c == '{':
			if lit, ok := p.literal(); ok {
				p.add(lit)
				continue
			}
			p.add(p.atom())
		default:
			p.add(p.atom())
		}
	}

	for len(p.stack) > 1 {
		p.pop()
	}
	return p.stack[0], nil
}

func (p *parser) add(n Node) {
	top := len(p.stack) - 1
	p.stack[top] = append(p.stack[top], n)
}

func (p *parser) pop() {
	top := len(p.stack) - 1
	l := p.stack[top]
	p.stack = p.stack[:top]
	p.add(l)
}

// quoted reads up to the closing quote. p.pos is just past the opening one.
func (p *parser) quoted() Quoted {
	var out []byte
	for p.pos < len(p.buf) {
		c := p.buf[p.pos]
		p.pos++
		switch c {
		case '"':
			return Quoted(out)
		case '\\':
			if p.pos < len(p.buf) {
				out = append(out, p.buf[p.pos])
				p.pos++
			}
		default:
			out = append(out, c)
		}
	}
	return Quoted(out)
}

// literal reads "{N}\r\n" followed by N bytes. It reports false, leaving pos
// untouched, when the header is not well formed.
func (p *parser) literal() (Literal, bool) {
	i := p.pos + 1
	start := i
	for i < len(p.buf) && isDigit(p.buf[i]) {
		i++
	}
	if i == start || i >= len(p.buf) || p.buf[i] != '}' {
		return nil, false
	}
	n, err := strconv.Atoi(string(p.buf[start:i]))
	if err != nil {
		return nil, false
	}
	i++
	switch {
	case p.chunkEnd(i):
	case bytes.HasPrefix(p.buf[i:], []byte("\r\n")):
		i += 2
	default:
		return nil, false
	}

	end := i + n
	if end > len(p.buf) || end < i {
		end = len(p.buf)
	}
	p.pos = end
	return Literal(bytes.Clone(p.buf[i:end])), true
}

func (p *parser) atom() Node {
	start := p.pos
	for p.pos < len(p.buf) {
		c := p.buf[p.pos]
		if isSpace(c) || c == '(' || c == ')' {
			break
		}
		p.pos++
	}
	word := string(p.buf[start:p.pos])

	if word == "NIL" {
		return Nil{}
	}
	if isNumber(word) {
		if n, err := strconv.ParseUint(word, 10, 64); err == nil {
			return Number(n)
		}
	}
	return Atom(word)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
