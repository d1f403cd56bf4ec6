package imap

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"

	"github.com/dhcgn/imap-to-mbox/imapresp"
)

const testEnvelope = `("Mon, 26 Mar 2007 17:51:28 -0700" "hello" (("Alice" NIL "alice" "example.org")) NIL NIL NIL NIL NIL NIL "<m1@example.org>")`

const testRaw = "From: alice@example.org\r\nSubject: hello (with \"parens\")\r\n\r\nbody line\r\n"

func TestSessionExamineSearchFetch(t *testing.T) {
	srv := newFakeServer(t)
	srv.folders["INBOX"] = []fakeMessage{
		{uid: 10, internalDate: "27-Mar-2007 00:51:31 +0000", envelope: testEnvelope, raw: testRaw},
		{uid: 12, internalDate: " 1-Apr-2007 08:00:00 +0200", envelope: testEnvelope, raw: testRaw},
	}
	s := dialFake(t, srv)
	ctx := context.Background()

	mbox, err := s.Examine(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Examine() error = %v", err)
	}
	if mbox.Exists != 2 || mbox.UIDValidity != 7 {
		t.Errorf("Examine() = %+v, want 2 messages with uidvalidity 7", mbox)
	}

	uids, err := s.UIDSearchAll(ctx)
	if err != nil {
		t.Fatalf("UIDSearchAll() error = %v", err)
	}
	if len(uids) != 2 || uids[0] != 10 || uids[1] != 12 {
		t.Fatalf("UIDSearchAll() = %v, want [10 12]", uids)
	}

	resp, err := s.UIDFetch(ctx, 10, FetchUIDSummary)
	if err != nil {
		t.Fatalf("UIDFetch() error = %v", err)
	}
	if resp.SeqNum != 1 {
		t.Errorf("SeqNum = %d, want 1", resp.SeqNum)
	}
	summary, ok, err := imapresp.Decode(resp.Chunks...)
	if err != nil || !ok {
		t.Fatalf("Decode() = %v, %v", ok, err)
	}
	if summary.UID != 10 || summary.EnvFrom != "alice@example.org" || summary.MessageID != "<m1@example.org>" {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Size != int64(len(testRaw)) {
		t.Errorf("Size = %d, want %d", summary.Size, len(testRaw))
	}

	body, err := s.UIDFetch(ctx, 10, FetchBody)
	if err != nil {
		t.Fatalf("UIDFetch(body) error = %v", err)
	}
	if len(body.Chunks) != 3 {
		t.Fatalf("body chunks = %d, want 3", len(body.Chunks))
	}
	if got := string(body.Chunks[1]); got != testRaw {
		t.Errorf("literal chunk = %q, want %q", got, testRaw)
	}
	raw, err := messageBody(body)
	if err != nil {
		t.Fatalf("messageBody() error = %v", err)
	}
	if string(raw) != testRaw {
		t.Errorf("messageBody() = %q, want %q", raw, testRaw)
	}

	if err := s.Logout(ctx); err != nil {
		t.Errorf("Logout() error = %v", err)
	}
}

func TestSessionFetchWithoutReply(t *testing.T) {
	srv := newFakeServer(t)
	srv.folders["INBOX"] = nil
	s := dialFake(t, srv)
	ctx := context.Background()

	if _, err := s.UIDFetch(ctx, 1, FetchUID); !errors.Is(err, ErrNotSelected) {
		t.Fatalf("UIDFetch() before Examine error = %v, want ErrNotSelected", err)
	}
	if _, err := s.Examine(ctx, "INBOX"); err != nil {
		t.Fatalf("Examine() error = %v", err)
	}

	resp, err := s.UIDFetch(ctx, 99, FetchUIDSummary)
	if err != nil {
		t.Fatalf("UIDFetch() error = %v", err)
	}
	_, ok, err := imapresp.Decode(resp.Chunks...)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ok {
		t.Error("Decode() of a missing reply must report no data")
	}
}

func TestSessionCommandError(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle = func(command string) (string, string, bool) {
		if strings.HasPrefix(command, "LOGIN ") {
			return "", "NO [AUTHENTICATIONFAILED] invalid credentials", true
		}
		return "", "", false
	}

	s, err := NewSession(context.Background(), srv.start(), nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	err = s.Login(context.Background(), "user", "wrong")
	var respErr *imapv2.Error
	if !errors.As(err, &respErr) {
		t.Fatalf("Login() error = %v, want *imap.Error", err)
	}
	if respErr.Type != imapv2.StatusResponseTypeNo || respErr.Code != imapv2.ResponseCodeAuthenticationFailed {
		t.Errorf("error = %+v", respErr)
	}
	if respErr.Text != "invalid credentials" {
		t.Errorf("Text = %q", respErr.Text)
	}
	if strings.Contains(err.Error(), "wrong") {
		t.Errorf("error leaks the password: %v", err)
	}

	if _, err := s.Examine(context.Background(), "Missing"); !errors.As(err, &respErr) {
		t.Errorf("Examine() error = %v, want *imap.Error", err)
	}
}

func TestSessionAuthenticatePlain(t *testing.T) {
	want := base64.StdEncoding.EncodeToString([]byte("\x00user\x00secret"))

	for _, tt := range []struct {
		name     string
		greeting string
	}{
		{"initial response", fakeGreeting},
		{"continuation", "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] fake server ready"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(t)
			srv.greeting = tt.greeting
			srv.handle = func(command string) (string, string, bool) {
				switch {
				case command == "AUTHENTICATE PLAIN":
					return "", "+ ", true
				case command == "AUTHENTICATE PLAIN "+want, command == want:
					return "", "OK authenticated", true
				case strings.HasPrefix(command, "AUTHENTICATE"):
					return "", "NO unexpected " + command, true
				}
				return "", "", false
			}

			s, err := NewSession(context.Background(), srv.start(), nil)
			if err != nil {
				t.Fatalf("NewSession() error = %v", err)
			}
			if err := s.Authenticate(context.Background(), sasl.NewPlainClient("", "user", "secret")); err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
		})
	}
}

func TestSessionUIDByIDAndSet(t *testing.T) {
	srv := newFakeServer(t)
	srv.folders["INBOX"] = nil
	srv.handle = func(command string) (string, string, bool) {
		switch {
		case command == "FETCH 3 (UID)":
			return "* 3 FETCH (UID 4711)\r\n", "OK done", true
		case strings.HasPrefix(command, "UID FETCH 1") && strings.HasSuffix(command, "5 (UID)"):
			return "* 1 FETCH (UID 1)\r\n* 2 FETCH (UID 2)\r\n* 17 EXPUNGE\r\n* 3 FETCH (UID 3)\r\n* 4 FETCH (UID 5)\r\n", "OK done", true
		}
		return "", "", false
	}
	s := dialFake(t, srv)
	ctx := context.Background()
	if _, err := s.Examine(ctx, "INBOX"); err != nil {
		t.Fatalf("Examine() error = %v", err)
	}

	uid, ok, err := s.UIDByID(ctx, 3)
	if err != nil || !ok || uid != 4711 {
		t.Errorf("UIDByID() = %d, %v, %v; want 4711, true, nil", uid, ok, err)
	}

	resps, err := s.UIDFetchSet(ctx, []uint32{1, 2, 3, 5}, FetchUID)
	if err != nil {
		t.Fatalf("UIDFetchSet() error = %v", err)
	}
	if len(resps) != 4 {
		t.Fatalf("UIDFetchSet() returned %d responses, want 4", len(resps))
	}
	if resps[3].SeqNum != 4 {
		t.Errorf("last SeqNum = %d, want 4", resps[3].SeqNum)
	}
}

func TestSessionFetchSkipsUnsolicited(t *testing.T) {
	srv := newFakeServer(t)
	srv.folders["INBOX"] = nil
	srv.handle = func(command string) (string, string, bool) {
		switch command {
		case "UID FETCH 10 " + FetchUIDSummary:
			return "* 5 FETCH (FLAGS (\\Seen))\r\n" +
				"* 7 FETCH (UID 10 RFC822.SIZE 321 INTERNALDATE \"27-Mar-2007 00:51:31 +0000\" ENVELOPE " + testEnvelope + ")\r\n" +
				"* 8 FETCH (UID 11 FLAGS ())\r\n", "OK done", true
		case "UID FETCH 12 " + FetchUID:
			return "* 5 FETCH (FLAGS (\\Seen))\r\n* 6 FETCH (UID 13)\r\n", "OK done", true
		case "UID FETCH 14 " + FetchBody:
			return "* 9 FETCH (RFC822 {4}\r\nbody)\r\n", "OK done", true
		case "FETCH 7 " + FetchUID:
			return "* 5 FETCH (FLAGS (\\Seen))\r\n* 7 FETCH (UID 10)\r\n", "OK done", true
		case "FETCH 8 " + FetchUID:
			return "* 5 FETCH (FLAGS (\\Seen))\r\n", "OK done", true
		}
		return "", "", false
	}
	s := dialFake(t, srv)
	ctx := context.Background()
	if _, err := s.Examine(ctx, "INBOX"); err != nil {
		t.Fatalf("Examine() error = %v", err)
	}

	resp, err := s.UIDFetch(ctx, 10, FetchUIDSummary)
	if err != nil {
		t.Fatalf("UIDFetch(10) error = %v", err)
	}
	if resp.SeqNum != 7 {
		t.Errorf("UIDFetch(10) SeqNum = %d, want 7", resp.SeqNum)
	}
	summary, ok, err := imapresp.Decode(resp.Chunks...)
	if err != nil || !ok {
		t.Fatalf("Decode() = %v, %v", ok, err)
	}
	if summary.UID != 10 || summary.Size != 321 || summary.MessageID != "<m1@example.org>" {
		t.Errorf("Decode() = %+v", summary)
	}

	resp, err = s.UIDFetch(ctx, 12, FetchUID)
	if err != nil {
		t.Fatalf("UIDFetch(12) error = %v", err)
	}
	if len(resp.Chunks) != 0 {
		t.Errorf("UIDFetch(12) = %q, want empty response", resp.Bytes())
	}

	resp, err = s.UIDFetch(ctx, 14, FetchBody)
	if err != nil {
		t.Fatalf("UIDFetch(14) error = %v", err)
	}
	if raw, err := messageBody(resp); err != nil || string(raw) != "body" {
		t.Errorf("messageBody() = %q, %v; want body", raw, err)
	}

	resp, err = s.Fetch(ctx, 7, FetchUID)
	if err != nil {
		t.Fatalf("Fetch(7) error = %v", err)
	}
	if uid, ok := resp.UID(); !ok || uid != 10 {
		t.Errorf("Fetch(7) UID = %d, %v; want 10, true", uid, ok)
	}

	resp, err = s.Fetch(ctx, 8, FetchUID)
	if err != nil {
		t.Fatalf("Fetch(8) error = %v", err)
	}
	if len(resp.Chunks) != 0 {
		t.Errorf("Fetch(8) = %q, want empty response", resp.Bytes())
	}
}

func TestSessionKeepalive(t *testing.T) {
	srv := newFakeServer(t)
	s := dialFake(t, srv)
	ctx := context.Background()

	if err := s.Keepalive(ctx); err != nil {
		t.Fatalf("Keepalive() error = %v", err)
	}
	s.keepalive = 0
	if err := s.Keepalive(ctx); err != nil {
		t.Fatalf("Keepalive() error = %v", err)
	}

	noops := 0
	for _, c := range srv.seen() {
		if c == "NOOP" {
			noops++
		}
	}
	if noops != 1 {
		t.Errorf("NOOP sent %d times, want 1", noops)
	}
}

func TestSessionBadGreeting(t *testing.T) {
	srv := newFakeServer(t)
	srv.greeting = "* BYE too busy"
	if _, err := NewSession(context.Background(), srv.start(), nil); !errors.Is(err, ErrGreeting) {
		t.Fatalf("NewSession() error = %v, want ErrGreeting", err)
	}
}

func TestLiteralSize(t *testing.T) {
	tests := []struct {
		line    string
		want    int
		wantOK  bool
		wantErr bool
	}{
		{"* 1 FETCH (RFC822 {42}\r\n", 42, true, false},
		{"* 1 FETCH (RFC822 {0}\r\n", 0, true, false},
		{"* 1 FETCH (RFC822 {7+}\r\n", 7, true, false},
		{"* 1 FETCH (UID 1)\r\n", 0, false, false},
		{"* OK {}\r\n", 0, false, false},
		{"* 1 FETCH (RFC822 {x1}\r\n", 0, false, false},
		{"* OK [ALERT] quota {abc}\r\n", 0, false, false},
		{"* OK see {-1}\r\n", 0, false, false},
		{"* 1 FETCH (RFC822 {99999999999999999999}\r\n", 0, false, true},
	}
	for _, tt := range tests {
		got, ok, err := literalSize([]byte(tt.line))
		if (err != nil) != tt.wantErr {
			t.Errorf("literalSize(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			continue
		}
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("literalSize(%q) = %d, %v; want %d, %v", tt.line, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestEncodeMailboxName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"INBOX", "INBOX"},
		{"Sent Items", "Sent Items"},
		{"Tom & Jerry", "Tom &- Jerry"},
		{"Entwürfe", "Entw&APw-rfe"},
		{"日本語", "&ZeVnLIqe-"},
	}
	for _, tt := range tests {
		if got := EncodeMailboxName(tt.in); got != tt.want {
			t.Errorf("EncodeMailboxName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
