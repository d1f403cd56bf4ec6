package imap

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"

	"github.com/dhcgn/imap-to-mbox/config"
	"github.com/dhcgn/imap-to-mbox/imapresp"
)

// Fetch item lists understood by the summary decoder.
const (
	FetchBody        = "(RFC822)"
	FetchUID         = "(UID)"
	FetchSummary     = "(ENVELOPE RFC822.SIZE INTERNALDATE)"
	FetchUIDSummary  = "(UID ENVELOPE RFC822.SIZE INTERNALDATE)"
	DefaultKeepalive = 30 * time.Second
)

var (
	ErrGreeting        = errors.New("unexpected imap greeting")
	ErrClosed          = errors.New("imap session closed")
	ErrNotSelected     = errors.New("no folder selected")
	ErrBadLiteral      = errors.New("bad literal in imap response")
	ErrUnsupportedAuth = errors.New("unsupported authentication mechanism")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Auth               string
	Keepalive          time.Duration
}

// OptionsFromConfig copies the connection settings out of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.Port(),
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Auth:               cfg.Auth,
		Keepalive:          cfg.Keepalive,
	}
}

func (o Options) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Mailbox describes the folder opened by Examine.
type Mailbox struct {
	Name        string
	Exists      uint32
	UIDValidity uint32
}

// Response holds one untagged FETCH reply as it arrived on the wire. The
// first chunk starts with the sequence number; every literal header ends a
// chunk and the literal bytes form the next one.
type Response struct {
	SeqNum uint32
	Chunks [][]byte
}

// Bytes returns the response concatenated into one buffer.
func (r Response) Bytes() []byte {
	return bytes.Join(r.Chunks, nil)
}

// UID returns the UID item of the response, if it has a valid one.
func (r Response) UID() (uint32, bool) {
	root, err := imapresp.Parse(r.Chunks...)
	if err != nil {
		return 0, false
	}
	fields, err := imapresp.Flatten(root)
	if err != nil {
		return 0, false
	}
	n, ok := fields[imapresp.FieldNameUID].(imapresp.Number)
	if !ok || uint64(n) > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// Session is a line-level IMAP4rev1 client that hands FETCH replies back
// unparsed. It is not safe for concurrent use.
type Session struct {
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	logger *slog.Logger

	tag          int
	caps         map[string]bool
	selected     *Mailbox
	keepalive    time.Duration
	lastActivity time.Time

	closeOnce sync.Once
}

// Dial connects, reads the greeting and authenticates.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := opts.address()
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	var (
		conn net.Conn
		err  error
	)
	if opts.UseTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				ServerName:         opts.Host,
				InsecureSkipVerify: opts.InsecureSkipVerify,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	s, err := NewSession(ctx, conn, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if opts.Keepalive > 0 {
		s.keepalive = opts.Keepalive
	}

	switch strings.ToLower(opts.Auth) {
	case "", "login":
		err = s.Login(ctx, opts.Username, opts.Password)
	case "plain":
		err = s.Authenticate(ctx, sasl.NewPlainClient("", opts.Username, opts.Password))
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedAuth, opts.Auth)
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS, "auth", opts.Auth)
	}
	return s, nil
}

// NewSession wraps an established connection and consumes the server
// greeting.
func NewSession(ctx context.Context, conn net.Conn, logger *slog.Logger) (*Session, error) {
	s := &Session{
		conn:         conn,
		r:            bufio.NewReader(conn),
		w:            bufio.NewWriter(conn),
		logger:       logger,
		caps:         make(map[string]bool),
		keepalive:    DefaultKeepalive,
		lastActivity: time.Now(),
	}

	stop := s.watch(ctx)
	defer stop()

	chunks, err := s.readResponse()
	if err != nil {
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	line := string(chunks[0])
	switch {
	case strings.HasPrefix(line, "* OK"), strings.HasPrefix(line, "* PREAUTH"):
		s.parseCapabilityCode(line)
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrGreeting, line)
	}
}

// Capabilities returns the server capabilities, asking for them if the
// greeting did not carry any.
func (s *Session) Capabilities(ctx context.Context) (map[string]bool, error) {
	if len(s.caps) == 0 {
		err := s.execute(ctx, "CAPABILITY", func(chunks [][]byte) error {
			if fields := strings.Fields(string(chunks[0])); len(fields) > 1 && strings.EqualFold(fields[1], "CAPABILITY") {
				s.setCaps(fields[2:])
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]bool, len(s.caps))
	for k, v := range s.caps {
		out[k] = v
	}
	return out, nil
}

func (s *Session) Login(ctx context.Context, username, password string) error {
	user, err := quote(username)
	if err != nil {
		return err
	}
	pass, err := quote(password)
	if err != nil {
		return err
	}
	return s.execute(ctx, "LOGIN "+user+" "+pass, nil)
}

// Authenticate runs a SASL exchange. The initial response is sent inline
// when the server advertises SASL-IR.
func (s *Session) Authenticate(ctx context.Context, client sasl.Client) error {
	mech, ir, err := client.Start()
	if err != nil {
		return fmt.Errorf("sasl start: %w", err)
	}

	caps, err := s.Capabilities(ctx)
	if err != nil {
		return err
	}

	command := "AUTHENTICATE " + mech
	pending := ir
	if ir != nil && caps["SASL-IR"] {
		command += " " + encodeSASL(ir)
		pending = nil
	}

	stop := s.watch(ctx)
	defer stop()

	tag, err := s.send(command)
	if err != nil {
		return err
	}
	for {
		chunks, err := s.readResponse()
		if err != nil {
			return err
		}
		line := chunks[0]
		switch {
		case bytes.HasPrefix(line, []byte("+")):
			var resp []byte
			if pending != nil {
				resp, pending = pending, nil
			} else {
				challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(bytes.TrimPrefix(line, []byte("+")))))
				if err != nil {
					return fmt.Errorf("decode sasl challenge: %w", err)
				}
				resp, err = client.Next(challenge)
				if err != nil {
					_ = s.writeLine("*")
					return fmt.Errorf("sasl next: %w", err)
				}
			}
			if err := s.writeLine(encodeSASL(resp)); err != nil {
				return err
			}
		case bytes.HasPrefix(line, []byte(tag+" ")):
			return s.status(tag, "AUTHENTICATE "+mech, string(line))
		}
	}
}

// Examine opens a folder read-only.
func (s *Session) Examine(ctx context.Context, folder string) (Mailbox, error) {
	return s.open(ctx, "EXAMINE", folder)
}

// Select opens a folder read-write.
func (s *Session) Select(ctx context.Context, folder string) (Mailbox, error) {
	return s.open(ctx, "SELECT", folder)
}

func (s *Session) open(ctx context.Context, verb, folder string) (Mailbox, error) {
	name, err := quote(EncodeMailboxName(folder))
	if err != nil {
		return Mailbox{}, err
	}

	mbox := Mailbox{Name: folder}
	s.selected = nil
	err = s.execute(ctx, verb+" "+name, func(chunks [][]byte) error {
		fields := strings.Fields(string(chunks[0]))
		if len(fields) >= 3 && strings.EqualFold(fields[2], "EXISTS") {
			if n, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
				mbox.Exists = uint32(n)
			}
		}
		if code, arg, ok := responseCode(string(chunks[0])); ok && code == "UIDVALIDITY" {
			if n, err := strconv.ParseUint(arg, 10, 32); err == nil {
				mbox.UIDValidity = uint32(n)
			}
		}
		return nil
	})
	if err != nil {
		return Mailbox{}, fmt.Errorf("%s %s: %w", strings.ToLower(verb), folder, err)
	}
	s.selected = &mbox
	return mbox, nil
}

// UIDSearchAll lists every UID in the selected folder in ascending order.
func (s *Session) UIDSearchAll(ctx context.Context) ([]uint32, error) {
	if s.selected == nil {
		return nil, ErrNotSelected
	}
	var uids []uint32
	err := s.execute(ctx, "UID SEARCH ALL", func(chunks [][]byte) error {
		fields := strings.Fields(string(chunks[0]))
		if len(fields) < 2 || !strings.EqualFold(fields[1], "SEARCH") {
			return nil
		}
		for _, f := range fields[2:] {
			n, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return fmt.Errorf("search result %q: %w", f, err)
			}
			uids = append(uids, uint32(n))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(uids)
	return uids, nil
}

// Fetch fetches items for one message by sequence number. Unsolicited FETCH
// replies for other messages are ignored and a missing reply comes back as
// an empty Response.
func (s *Session) Fetch(ctx context.Context, seq uint32, items string) (Response, error) {
	resps, err := s.fetch(ctx, "FETCH "+strconv.FormatUint(uint64(seq), 10)+" "+items)
	if err != nil {
		return Response{}, err
	}
	for _, r := range resps {
		if r.SeqNum == seq {
			return r, nil
		}
	}
	return Response{}, nil
}

// UIDFetch fetches items for one message by UID. The reply is the one
// carrying that UID. A lone reply without any UID is accepted from servers
// that leave it out, anything else comes back as an empty Response.
func (s *Session) UIDFetch(ctx context.Context, uid uint32, items string) (Response, error) {
	resps, err := s.fetch(ctx, "UID FETCH "+strconv.FormatUint(uint64(uid), 10)+" "+items)
	if err != nil {
		return Response{}, err
	}
	for _, r := range resps {
		if got, ok := r.UID(); ok && got == uid {
			return r, nil
		}
	}
	if len(resps) == 1 {
		if _, ok := resps[0].UID(); !ok {
			return resps[0], nil
		}
	}
	if len(resps) > 0 && s.logger != nil {
		s.logger.Debug("no fetch reply for uid", "uid", uid, "replies", len(resps))
	}
	return Response{}, nil
}

// UIDFetchSet fetches items for a batch of UIDs.
func (s *Session) UIDFetchSet(ctx context.Context, uids []uint32, items string) ([]Response, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := make([]imapv2.UID, len(uids))
	for i, uid := range uids {
		set[i] = imapv2.UID(uid)
	}
	return s.fetch(ctx, "UID FETCH "+imapv2.UIDSetNum(set...).String()+" "+items)
}

// UIDByID resolves a sequence number to its UID.
func (s *Session) UIDByID(ctx context.Context, seq uint32) (uint32, bool, error) {
	resp, err := s.Fetch(ctx, seq, FetchUID)
	if err != nil {
		return 0, false, err
	}
	summary, ok, err := imapresp.Decode(resp.Chunks...)
	if err != nil || !ok || !summary.Has(imapresp.FieldUID) {
		return 0, false, err
	}
	return summary.UID, true, nil
}

func (s *Session) fetch(ctx context.Context, command string) ([]Response, error) {
	if s.selected == nil {
		return nil, ErrNotSelected
	}
	var out []Response
	err := s.execute(ctx, command, func(chunks [][]byte) error {
		if resp, ok := fetchResponse(chunks); ok {
			out = append(out, resp)
		}
		return nil
	})
	return out, err
}

func (s *Session) Noop(ctx context.Context) error {
	return s.execute(ctx, "NOOP", nil)
}

// Keepalive sends a NOOP if the connection has been idle for the keepalive
// interval.
func (s *Session) Keepalive(ctx context.Context) error {
	if time.Since(s.lastActivity) < s.keepalive {
		return nil
	}
	if s.logger != nil {
		s.logger.Debug("imap keepalive")
	}
	return s.Noop(ctx)
}

// Logout ends the session and closes the connection.
func (s *Session) Logout(ctx context.Context) error {
	err := s.execute(ctx, "LOGOUT", nil)
	if cerr := s.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

func (s *Session) Close() error {
	err := ErrClosed
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// execute sends a command and feeds each untagged reply to handle until the
// tagged completion arrives.
func (s *Session) execute(ctx context.Context, command string, handle func([][]byte) error) error {
	stop := s.watch(ctx)
	defer stop()

	tag, err := s.send(command)
	if err != nil {
		return err
	}

	var handleErr error
	for {
		chunks, err := s.readResponse()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		line := chunks[0]
		switch {
		case bytes.HasPrefix(line, []byte(tag+" ")):
			if err := s.status(tag, command, string(line)); err != nil {
				return err
			}
			return handleErr
		case bytes.HasPrefix(line, []byte("* ")):
			if bytes.HasPrefix(bytes.ToUpper(line), []byte("* BYE")) && !strings.EqualFold(command, "LOGOUT") {
				return fmt.Errorf("%w: %s", ErrClosed, line)
			}
			if bytes.HasPrefix(bytes.ToUpper(line), []byte("* CAPABILITY ")) {
				s.setCaps(strings.Fields(string(line))[2:])
			}
			if handle != nil && handleErr == nil {
				handleErr = handle(chunks)
			}
		}
	}
}

func (s *Session) send(command string) (string, error) {
	s.tag++
	tag := fmt.Sprintf("A%04d", s.tag)
	if err := s.writeLine(tag + " " + command); err != nil {
		return "", err
	}
	if s.logger != nil {
		verb, _, _ := strings.Cut(command, " ")
		if verb == "LOGIN" {
			command = "LOGIN ***"
		}
		s.logger.Debug("imap command", "tag", tag, "command", command)
	}
	return tag, nil
}

func (s *Session) writeLine(line string) error {
	if _, err := s.w.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("imap write: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("imap write: %w", err)
	}
	s.lastActivity = time.Now()
	return nil
}

// status turns a tagged completion into nil or an *imapv2.Error.
func (s *Session) status(tag, command, line string) error {
	rest := strings.TrimPrefix(line, tag+" ")
	kind, text, _ := strings.Cut(rest, " ")
	typ := imapv2.StatusResponseType(strings.ToUpper(kind))
	if typ == imapv2.StatusResponseTypeOK {
		return nil
	}
	code, _, _ := responseCode(rest)
	if code != "" {
		if _, after, ok := strings.Cut(text, "] "); ok {
			text = after
		}
	}
	verb := command
	if strings.HasPrefix(command, "LOGIN ") {
		verb = "LOGIN"
	}
	return fmt.Errorf("%s: %w", verb, &imapv2.Error{Type: typ, Code: imapv2.ResponseCode(code), Text: text})
}

// readResponse reads one response line including any literals it carries.
// The trailing CRLF of the final line is removed.
func (s *Session) readResponse() ([][]byte, error) {
	var chunks [][]byte
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) == 0 && len(chunks) == 0 {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("imap read: %w", err)
		}
		s.lastActivity = time.Now()

		n, ok, err := literalSize(line)
		if err != nil {
			return nil, err
		}
		if !ok {
			chunks = append(chunks, bytes.TrimRight(line, "\r\n"))
			return chunks, nil
		}

		literal := make([]byte, n)
		if _, err := io.ReadFull(s.r, literal); err != nil {
			return nil, fmt.Errorf("imap read literal: %w", err)
		}
		chunks = append(chunks, line, literal)
	}
}

// watch applies ctx to the connection for the duration of one exchange.
func (s *Session) watch(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = s.conn.SetDeadline(time.Time{})
	}
}

func (s *Session) parseCapabilityCode(line string) {
	code, arg, ok := responseCode(line)
	if ok && code == "CAPABILITY" {
		s.setCaps(strings.Fields(arg))
	}
}

func (s *Session) setCaps(caps []string) {
	s.caps = make(map[string]bool, len(caps))
	for _, c := range caps {
		s.caps[strings.ToUpper(c)] = true
	}
}

// fetchResponse rewrites "* 12 FETCH (...)" into "12 (...)" so the reply
// can go straight to the decoder.
func fetchResponse(chunks [][]byte) (Response, bool) {
	first := bytes.TrimPrefix(chunks[0], []byte("* "))
	seq, rest, ok := bytes.Cut(first, []byte(" "))
	if !ok {
		return Response{}, false
	}
	n, err := strconv.ParseUint(string(seq), 10, 32)
	if err != nil {
		return Response{}, false
	}
	verb, rest, _ := bytes.Cut(rest, []byte(" "))
	if !strings.EqualFold(string(verb), "FETCH") {
		return Response{}, false
	}

	out := make([][]byte, len(chunks))
	copy(out, chunks)
	out[0] = append(append(append([]byte(nil), seq...), ' '), rest...)
	return Response{SeqNum: uint32(n), Chunks: out}, true
}

// literalSize reports the size of a {N} literal announced at the end of
// line. Braces around anything but digits are plain text.
func literalSize(line []byte) (int, bool, error) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if !bytes.HasSuffix(trimmed, []byte("}")) {
		return 0, false, nil
	}
	open := bytes.LastIndexByte(trimmed, '{')
	if open < 0 {
		return 0, false, nil
	}
	digits := bytes.TrimSuffix(trimmed[open+1:len(trimmed)-1], []byte("+"))
	if len(digits) == 0 || bytes.ContainsFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) {
		return 0, false, nil
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", ErrBadLiteral, trimmed[open:])
	}
	return n, true, nil
}

// responseCode extracts "[CODE arg]" from a status line.
func responseCode(line string) (code, arg string, ok bool) {
	start := strings.IndexByte(line, '[')
	if start < 0 {
		return "", "", false
	}
	end := strings.IndexByte(line[start:], ']')
	if end < 0 {
		return "", "", false
	}
	inner := line[start+1 : start+end]
	code, arg, _ = strings.Cut(inner, " ")
	return strings.ToUpper(code), arg, true
}

func quote(s string) (string, error) {
	if strings.ContainsAny(s, "\r\n\x00") {
		return "", fmt.Errorf("imap string contains line break or NUL")
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`, nil
}

func encodeSASL(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}
