package imap

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
)

const fakeGreeting = "* OK [CAPABILITY IMAP4rev1 SASL-IR AUTH=PLAIN] fake server ready"

type fakeMessage struct {
	uid          uint32
	internalDate string
	envelope     string
	raw          string
	summary      string
}

// fakeServer answers one client over net.Pipe. Commands the mailbox does
// not know get a tagged OK.
type fakeServer struct {
	t           *testing.T
	greeting    string
	uidValidity uint32
	folders     map[string][]fakeMessage
	handle      func(command string) (untagged, status string, ok bool)

	mu       sync.Mutex
	commands []string
	selected string
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t:           t,
		greeting:    fakeGreeting,
		uidValidity: 7,
		folders:     map[string][]fakeMessage{},
	}
}

// start serves on one end of a pipe and returns the other.
func (f *fakeServer) start() net.Conn {
	client, server := net.Pipe()
	f.t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	go func() {
		defer server.Close()
		r := bufio.NewReader(server)
		w := bufio.NewWriter(server)
		write := func(s string) bool {
			if _, err := w.WriteString(s); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		if !write(f.greeting + "\r\n") {
			return
		}
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			tag, command, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
			f.mu.Lock()
			f.commands = append(f.commands, command)
			f.mu.Unlock()

			untagged, status := f.reply(command)
			for strings.HasPrefix(status, "+") {
				if !write(status + "\r\n") {
					return
				}
				next, err := r.ReadString('\n')
				if err != nil {
					return
				}
				untagged, status = f.reply(strings.TrimRight(next, "\r\n"))
			}
			if !write(untagged + tag + " " + status + "\r\n") {
				return
			}
			if strings.EqualFold(command, "LOGOUT") {
				return
			}
		}
	}()

	return client
}

func (f *fakeServer) reply(command string) (string, string) {
	if f.handle != nil {
		if untagged, status, ok := f.handle(command); ok {
			return untagged, status
		}
	}

	verb := strings.ToUpper(command)
	switch {
	case strings.HasPrefix(verb, "EXAMINE "), strings.HasPrefix(verb, "SELECT "):
		name := strings.Trim(command[strings.IndexByte(command, ' ')+1:], `"`)
		msgs, ok := f.folders[name]
		if !ok {
			return "", "NO [NONEXISTENT] no such folder"
		}
		f.selected = name
		return fmt.Sprintf("* %d EXISTS\r\n* OK [UIDVALIDITY %d] UIDs valid\r\n", len(msgs), f.uidValidity), "OK [READ-ONLY] done"
	case verb == "UID SEARCH ALL":
		var sb strings.Builder
		sb.WriteString("* SEARCH")
		for _, m := range f.folders[f.selected] {
			fmt.Fprintf(&sb, " %d", m.uid)
		}
		sb.WriteString("\r\n")
		return sb.String(), "OK done"
	case strings.HasPrefix(verb, "UID FETCH "):
		parts := strings.SplitN(command, " ", 4)
		if len(parts) != 4 {
			return "", "BAD missing fetch items"
		}
		var uid uint32
		if _, err := fmt.Sscanf(parts[2], "%d", &uid); err != nil {
			return "", "BAD bad uid"
		}
		items := parts[3]
		for i, m := range f.folders[f.selected] {
			if m.uid != uid {
				continue
			}
			seq := i + 1
			switch items {
			case FetchBody:
				return fmt.Sprintf("* %d FETCH (UID %d RFC822 {%d}\r\n%s)\r\n", seq, uid, len(m.raw), m.raw), "OK done"
			case FetchUIDSummary:
				if m.summary != "" {
					return fmt.Sprintf("* %d FETCH %s\r\n", seq, m.summary), "OK done"
				}
				return fmt.Sprintf("* %d FETCH (UID %d RFC822.SIZE %d INTERNALDATE %q ENVELOPE %s)\r\n",
					seq, uid, len(m.raw), m.internalDate, m.envelope), "OK done"
			}
		}
		return "", "OK done"
	case verb == "LOGOUT":
		return "* BYE logging out\r\n", "OK done"
	}
	return "", "OK done"
}

func (f *fakeServer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func dialFake(t *testing.T, f *fakeServer) *Session {
	t.Helper()
	s, err := NewSession(context.Background(), f.start(), nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.Login(context.Background(), "user", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return s
}
