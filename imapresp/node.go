// Package imapresp decodes raw IMAP FETCH responses into message summaries.
//
// Decoding runs in three steps: Parse turns the response bytes into a tree of
// Nodes, Flatten pairs the attribute list into Fields, and Extract reads the
// well-known attributes (UID, ENVELOPE, RFC822.SIZE, INTERNALDATE) into a
// Summary. All functions are pure and safe for concurrent use.
package imapresp

import (
	"strconv"
	"strings"
)

// Node is one element of a parsed response. The concrete type is one of
// Atom, Number, Nil, Quoted, Literal or List.
type Node interface {
	node()
}

// Atom is a bare word that is neither a number nor NIL, e.g. UID or BODY[].
type Atom string

// Number is an atom made of decimal digits only.
type Number uint64

// Nil is the NIL atom.
type Nil struct{}

// Quoted is a quoted string with its escapes resolved.
type Quoted string

// Literal is the verbatim payload of a {N} literal.
type Literal []byte

// List is a parenthesized list. The root returned by Parse is a List too,
// though it carries no parentheses on the wire.
type List []Node

func (Atom) node()    {}
func (Number) node()  {}
func (Nil) node()     {}
func (Quoted) node()  {}
func (Literal) node() {}
func (List) node()    {}

// Format renders n in wire syntax. Parse(Format(n)) yields a root list
// holding n.
func Format(n Node) string {
	var sb strings.Builder
	format(&sb, n)
	return sb.String()
}

// Serialize renders the elements of a root list separated by spaces,
// without surrounding parentheses.
func Serialize(root List) string {
	var sb strings.Builder
	formatItems(&sb, root)
	return sb.String()
}

func format(sb *strings.Builder, n Node) {
	switch v := n.(type) {
	case Atom:
		sb.WriteString(string(v))
	case Number:
		sb.WriteString(strconv.FormatUint(uint64(v), 10))
	case Nil:
		sb.WriteString("NIL")
	case Quoted:
		sb.WriteByte('"')
		for i := 0; i < len(v); i++ {
			if v[i] == '"' || v[i] == '\\' {
				sb.WriteByte('\\')
			}
			sb.WriteByte(v[i])
		}
		sb.WriteByte('"')
	case Literal:
		sb.WriteByte('{')
		sb.WriteString(strconv.Itoa(len(v)))
		sb.WriteString("}\r\n")
		sb.Write(v)
	case List:
		sb.WriteByte('(')
		formatItems(sb, v)
		sb.WriteByte(')')
	}
}

func formatItems(sb *strings.Builder, l List) {
	for i, item := range l {
		if i > 0 {
			sb.WriteByte(' ')
		}
		format(sb, item)
	}
}

// nodeString returns the text of string-like nodes. Nil and lists report
// false.
func nodeString(n Node) (string, bool) {
	switch v := n.(type) {
	case Quoted:
		return string(v), true
	case Literal:
		return string(v), true
	case Atom:
		return string(v), true
	case Number:
		return strconv.FormatUint(uint64(v), 10), true
	}
	return "", false
}
