package imapresp

import (
	"fmt"
	"strings"
)

// Well-known FETCH attribute names.
const (
	FieldNameUID          = "UID"
	FieldNameEnvelope     = "ENVELOPE"
	FieldNameSize         = "RFC822.SIZE"
	FieldNameInternalDate = "INTERNALDATE"
	FieldNameRFC822       = "RFC822"
)

// Fields maps upper-cased FETCH attribute names to their values.
type Fields map[string]Node

// Flatten reads a root list of the form (seq (KEY VALUE ...)) into Fields.
// An empty root, as produced by an empty response, gives empty Fields. A
// trailing key without a value is dropped, as is any pair whose key is not
// an atom.
func Flatten(root List) (Fields, error) {
	fields := Fields{}
	if len(root) == 0 {
		return fields, nil
	}
	if len(root) != 2 {
		return nil, fmt.Errorf("%w: expected sequence number and attribute list, got %d items", ErrMalformedResponse, len(root))
	}
	if _, ok := root[0].(Number); !ok {
		return nil, fmt.Errorf("%w: sequence number is %T", ErrMalformedResponse, root[0])
	}
	attrs, ok := root[1].(List)
	if !ok {
		return nil, fmt.Errorf("%w: attribute list is %T", ErrMalformedResponse, root[1])
	}

	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(Atom)
		if !ok {
			continue
		}
		fields[strings.ToUpper(string(key))] = attrs[i+1]
	}
	return fields, nil
}

// SeqNum returns the message sequence number of a parsed FETCH response.
func SeqNum(root List) (uint32, bool) {
	if len(root) == 0 {
		return 0, false
	}
	n, ok := root[0].(Number)
	if !ok || uint64(n) > maxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// Bytes returns the content of a string-valued field such as RFC822.
func (f Fields) Bytes(name string) ([]byte, bool) {
	switch v := f[name].(type) {
	case Literal:
		return []byte(v), true
	case Quoted:
		return []byte(v), true
	}
	return nil, false
}
