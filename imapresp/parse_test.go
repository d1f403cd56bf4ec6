package imapresp

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want List
	}{
		{
			name: "empty",
			raw:  "",
			want: List{},
		},
		{
			name: "atoms numbers nil",
			raw:  `12 (UID 7 FLAGS (\Seen) X NIL)`,
			want: List{Number(12), List{Atom("UID"), Number(7), Atom("FLAGS"), List{Atom(`\Seen`)}, Atom("X"), Nil{}}},
		},
		{
			name: "quoted with escapes",
			raw:  `"a \"quoted\" word"`,
			want: List{Quoted(`a "quoted" word`)},
		},
		{
			name: "escaped backslashes resolved once",
			raw:  `"five\\\\backslashes\\'s"`,
			want: List{Quoted(`five\\backslashes\'s`)},
		},
		{
			name: "empty quoted",
			raw:  `("" NIL)`,
			want: List{List{Quoted(""), Nil{}}},
		},
		{
			name: "literal with specials",
			raw:  "1 (BODY[] {8}\r\n(a\")b)\"( X)",
			want: List{Number(1), List{Atom("BODY[]"), Literal("(a\")b)\"("), Atom("X")}},
		},
		{
			name: "bare newline after header is not a literal",
			raw:  "{3}\nabc",
			want: List{Atom("{3}"), Atom("abc")},
		},
		{
			name: "literal truncated at end of input",
			raw:  "({10}\r\nabc",
			want: List{List{Literal("abc")}},
		},
		{
			name: "brace without literal header is an atom",
			raw:  "{abc} {12",
			want: List{Atom("{abc}"), Atom("{12")},
		},
		{
			name: "unterminated list tolerated",
			raw:  "1 (UID 5 ENVELOPE (NIL",
			want: List{Number(1), List{Atom("UID"), Number(5), Atom("ENVELOPE"), List{Nil{}}}},
		},
		{
			name: "unterminated quote tolerated",
			raw:  `("abc`,
			want: List{List{Quoted("abc")}},
		},
		{
			name: "number overflow stays atom",
			raw:  "99999999999999999999999",
			want: List{Atom("99999999999999999999999")},
		},
		{
			name: "nil is case sensitive",
			raw:  "nil Nil NIL",
			want: List{Atom("nil"), Atom("Nil"), Nil{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseChunks(t *testing.T) {
	chunks := [][]byte{
		[]byte("7 (RFC822 {11}\r\n"),
		[]byte("Subject: (x"),
		[]byte(" UID 9)\r\n"),
	}
	got, err := Parse(chunks...)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := List{Number(7), List{Atom("RFC822"), Literal("Subject: (x"), Atom("UID"), Number(9)}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse() = %#v, want %#v", got, want)
	}
}

func TestParseLiteralAtChunkEnd(t *testing.T) {
	subject := "\n\n\n\t\taaaaaaaa bbbbbbbbbb cccc dddddd eeeeeeeeee ffffffff\n"
	chunks := [][]byte{
		[]byte(`401015 (UID 447638 ENVELOPE ("Tue, 27 Aug 2013 15:59:36 -0600" {57}`),
		[]byte(subject),
		[]byte(` NIL))`),
	}
	got, err := Parse(chunks...)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := List{Number(401015), List{
		Atom("UID"), Number(447638),
		Atom("ENVELOPE"), List{Quoted("Tue, 27 Aug 2013 15:59:36 -0600"), Literal(subject), Nil{}},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse() = %#v, want %#v", got, want)
	}

	// Joined into one chunk the same bytes carry no line terminator, so
	// the brace is only an atom.
	joined, err := Parse([]byte(string(chunks[0]) + subject + string(chunks[2])))
	if err != nil {
		t.Fatalf("Parse(joined) error = %v", err)
	}
	env := joined[1].(List)[3].(List)
	if env[1] != Atom("{57}") {
		t.Errorf("joined literal header = %#v, want Atom", env[1])
	}
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{
		")",
		"1 (UID 2))",
		`1 (UID 2 ENVELOPE ("x")) )`,
	} {
		_, err := Parse([]byte(raw))
		if !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformedResponse", raw, err)
		}
	}
}

func TestParseParenInsideQuotedIsNotStructure(t *testing.T) {
	got, err := Parse([]byte(`1 (X "))(")`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := List{Number(1), List{Atom("X"), Quoted("))(")}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse() = %#v, want %#v", got, want)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	roots := []List{
		{Number(49043), List{
			Atom("UID"), Number(57454),
			Atom("INTERNALDATE"), Quoted("27-Mar-2007 00:51:31 +0000"),
			Atom("ENVELOPE"), List{Quoted(`say "hi" \ bye`), Nil{}, List{List{Nil{}, Nil{}, Quoted("a"), Quoted("b.c")}}},
		}},
		{Number(1), List{Atom("RFC822"), Literal("From: x\r\n\r\n(body) \"quoted\"\r\n")}},
		{Atom("A"), List{}, List{List{List{}}}},
	}

	for _, root := range roots {
		text := Serialize(root)
		got, err := Parse([]byte(text))
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", text, err)
		}
		if !reflect.DeepEqual(got, root) {
			t.Errorf("Parse(Serialize()) = %#v, want %#v", got, root)
		}
		if again := Serialize(got); again != text {
			t.Errorf("Serialize not stable: %q vs %q", again, text)
		}
	}
}

func TestFormat(t *testing.T) {
	n := List{Atom("X"), Number(3), Nil{}, Quoted(`a"b`), Literal("hi")}
	want := "(X 3 NIL \"a\\\"b\" {2}\r\nhi)"
	if got := Format(n); got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}

func BenchmarkParse(b *testing.B) {
	raw := []byte(fixtureEmbeddedQuotes)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Parse(raw); err != nil {
			b.Fatal(err)
		}
	}
}
