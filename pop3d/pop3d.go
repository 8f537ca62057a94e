// Package pop3d is the POP3 Front-End: accepts connections, runs
// the Authorization → Transaction → Update state machine, and invokes
// Mailbox Operations for listing, retrieval, and deferred deletion.
//
// There is no general-purpose POP3 server library in the ecosystem with the
// exact session lifecycle this spec needs (lazy RETR caching, deferred
// DELE/RSET, mid-session STLS); this package hand-rolls the protocol over
// bufio/net/textproto the same way the retrieved reference POP3 servers do.
package pop3d

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"m365proxy/config"
	"m365proxy/credverify"
	"m365proxy/mailbox"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	maxCmdLength = 512
)

type sessionState int

const (
	stateAuthorization sessionState = iota
	stateTransaction
	stateUpdate
)

// MailboxAccessor is the subset of Mailbox Operations the POP3 front-end
// uses.
type MailboxAccessor interface {
	List(ctx context.Context, mailboxAddr string) ([]mailbox.Descriptor, error)
	FetchRaw(ctx context.Context, mailboxAddr, id string) ([]byte, bool)
	Delete(ctx context.Context, mailboxAddr, id, etag string) error
}

// Frontend owns the POP3 listener(s): one plaintext/STLS-capable server on
// pop3_port, one implicit-TLS server on pop3s_port.
type Frontend struct {
	cfg       *config.Config
	verifier  *credverify.Verifier
	ops       MailboxAccessor
	log       *zap.Logger
	tlsConfig *tls.Config

	listeners []net.Listener
}

// New builds the POP3 Front-End's listeners from cfg. It does not start
// listening; call Run.
func New(cfg *config.Config, verifier *credverify.Verifier, ops MailboxAccessor, log *zap.Logger) (*Frontend, error) {
	f := &Frontend{cfg: cfg, verifier: verifier, ops: ops, log: log}

	if cfg.TLS != nil {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("pop3d: load tls cert/key: %w", err)
		}
		f.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	if cfg.POP3Port != nil {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Bind, *cfg.POP3Port))
		if err != nil {
			return nil, fmt.Errorf("pop3d: listen pop3_port: %w", err)
		}
		f.listeners = append(f.listeners, ln)
	}
	if cfg.POP3SPort != nil {
		if f.tlsConfig == nil {
			return nil, fmt.Errorf("pop3d: pop3s_port requires tls.tls_cert and tls.tls_key")
		}
		ln, err := tls.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Bind, *cfg.POP3SPort), f.tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("pop3d: listen pop3s_port: %w", err)
		}
		f.listeners = append(f.listeners, ln)
	}

	return f, nil
}

// Run accepts connections on every configured listener until ctx is
// cancelled, at which point all listeners are closed (new connections
// rejected; in-flight sessions run to completion).
func (f *Frontend) Run(ctx context.Context) {
	if len(f.listeners) == 0 {
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	for _, ln := range f.listeners {
		ln := ln
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.log.Info("pop3: listening", zap.String("addr", ln.Addr().String()))
			for {
				conn, err := ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					f.log.Error("pop3: accept failed", zap.Error(err))
					return
				}
				go f.handleConn(conn)
			}
		}()
	}

	<-ctx.Done()
	for _, ln := range f.listeners {
		_ = ln.Close()
	}
	wg.Wait()
}

func (f *Frontend) handleConn(conn net.Conn) {
	s := newSession(f, conn)
	defer s.conn.Close()
	s.run()
}

// session is one POP3 connection's state: the Authorization/Transaction
// state machine, the fixed Descriptor list captured on authentication, the
// lazy RETR body cache, and the deferred delete set.
type session struct {
	front *Frontend
	conn  net.Conn
	rd    *textproto.Reader
	wr    *textproto.Writer
	state sessionState

	tlsActive bool

	user string // pending USER, cleared on PASS

	awaitingAuth string // "", "plain", "login-user", "login-pass"
	loginUser    string

	mailboxAddr string
	descriptors []mailbox.Descriptor
	deleted     map[int]bool
	bodyCache   map[string][]byte
}

func newSession(f *Frontend, conn net.Conn) *session {
	_, implicit := conn.(*tls.Conn)
	return &session{
		front:     f,
		conn:      conn,
		rd:        textproto.NewReader(bufio.NewReaderSize(conn, maxCmdLength)),
		wr:        textproto.NewWriter(bufio.NewWriter(conn)),
		deleted:   make(map[int]bool),
		tlsActive: implicit,
	}
}

func (s *session) run() {
	if err := s.writeOK("POP3 server ready"); err != nil {
		return
	}

	for {
		s.setDeadline()
		line, err := s.rd.ReadLine()
		if err != nil {
			return
		}

		if s.awaitingAuth != "" {
			if s.handleAuthContinuation(line) == errQuit {
				return
			}
			continue
		}

		if s.dispatch(line) == errQuit {
			return
		}
	}
}

var errQuit = fmt.Errorf("pop3d: quit")

func (s *session) setDeadline() {
	_ = s.conn.SetDeadline(time.Now().Add(readTimeout + writeTimeout))
}

func (s *session) dispatch(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		_ = s.writeErr("invalid command")
		return nil
	}
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch s.state {
	case stateAuthorization:
		return s.dispatchAuthorization(cmd, args)
	case stateTransaction:
		return s.dispatchTransaction(cmd, args)
	default:
		return errQuit
	}
}

func (s *session) dispatchAuthorization(cmd string, args []string) error {
	switch cmd {
	case "USER", "PASS", "AUTH":
		// Credentials cross the wire only once TLS is active; without any
		// TLS configured the session is allowed but flagged.
		if s.front.tlsConfig != nil && !s.tlsActive {
			return s.writeErr("STLS required before authentication")
		}
		if s.front.tlsConfig == nil {
			s.front.log.Warn("pop3: accepting authentication over plaintext (no TLS configured)")
		}
		switch cmd {
		case "USER":
			return s.onUser(args)
		case "PASS":
			return s.onPass(args)
		default:
			return s.onAuth(args)
		}
	case "STLS":
		return s.onSTLS(args)
	case "CAPA":
		return s.onCapa(args)
	case "QUIT":
		return s.onQuit()
	case "NOOP":
		return s.ok("")
	default:
		return s.writeErr("invalid command: '%s'", cmd)
	}
}

func (s *session) onUser(args []string) error {
	if len(args) != 1 {
		return s.writeErr("no user specified")
	}
	s.user = args[0]
	return s.writeOK("%s is a real hoopy frood", s.user)
}

func (s *session) onPass(args []string) error {
	if len(args) != 1 {
		return s.writeErr("no password specified")
	}
	if s.user == "" {
		return s.writeErr("no user specified")
	}
	user := s.user
	s.user = ""
	return s.authenticate(user, args[0])
}

func (s *session) onAuth(args []string) error {
	if len(args) == 0 {
		return s.writeErr("AUTH requires a mechanism")
	}
	switch strings.ToUpper(args[0]) {
	case "PLAIN":
		s.awaitingAuth = "plain"
		return s.writeLine("+ ")
	case "LOGIN":
		s.awaitingAuth = "login-user"
		return s.writeLine("+ %s", encodeChallenge("Username:"))
	default:
		return s.writeErr("unsupported authentication mechanism")
	}
}

// handleAuthContinuation consumes one continuation line. No command
// parsing occurs while awaitingAuth is set, even if the line looks like a
// command, so pipelining clients cannot confuse the exchange.
func (s *session) handleAuthContinuation(line string) error {
	switch s.awaitingAuth {
	case "plain":
		s.awaitingAuth = ""
		username, password, ok := decodePlain(line)
		if !ok {
			return s.writeErr("invalid AUTH PLAIN response")
		}
		return s.authenticate(username, password)
	case "login-user":
		username, ok := decodeContinuation(line)
		if !ok {
			s.awaitingAuth = ""
			return s.writeErr("invalid AUTH LOGIN response")
		}
		s.loginUser = username
		s.awaitingAuth = "login-pass"
		return s.writeLine("+ %s", encodeChallenge("Password:"))
	case "login-pass":
		s.awaitingAuth = ""
		password, ok := decodeContinuation(line)
		if !ok {
			return s.writeErr("invalid AUTH LOGIN response")
		}
		return s.authenticate(s.loginUser, password)
	default:
		s.awaitingAuth = ""
		return s.writeErr("unexpected continuation")
	}
}

func (s *session) authenticate(username, password string) error {
	if !s.front.verifier.Check(username, password) {
		return s.writeErr("invalid credentials")
	}

	// List the maildrop before confirming authentication: a permanent
	// upstream failure must surface on PASS/AUTH rather than present a
	// silently-empty maildrop.
	mailboxAddr := strings.ToLower(username)
	descriptors, err := s.front.ops.List(context.Background(), mailboxAddr)
	if err != nil {
		s.front.log.Warn("pop3: failed to list maildrop",
			zap.String("mailbox", mailboxAddr), zap.Error(err))
		return s.writeErr("failed to list messages")
	}

	s.mailboxAddr = mailboxAddr
	s.startTransaction(descriptors)
	return s.writeOK("maildrop locked and ready")
}

// startTransaction initializes the authenticated session: store the fixed
// Descriptor list (listed exactly once per authentication), clear
// deleted/cache.
func (s *session) startTransaction(descriptors []mailbox.Descriptor) {
	s.descriptors = descriptors
	s.deleted = make(map[int]bool)
	s.bodyCache = make(map[string][]byte)
	s.state = stateTransaction
}

func (s *session) onSTLS(args []string) error {
	if len(args) != 0 {
		return s.writeErr("STLS takes no arguments")
	}
	if s.tlsActive {
		return s.writeErr("TLS already active")
	}
	if s.front.tlsConfig == nil {
		return s.writeErr("STLS not supported")
	}
	if err := s.writeOK("Begin TLS negotiation"); err != nil {
		return err
	}

	tlsConn := tls.Server(s.conn, s.front.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return errQuit
	}
	s.conn = tlsConn
	s.rd = textproto.NewReader(bufio.NewReaderSize(tlsConn, maxCmdLength))
	s.wr = textproto.NewWriter(bufio.NewWriter(tlsConn))
	s.tlsActive = true
	return nil
}

func (s *session) onCapa(args []string) error {
	if err := s.writeOK("Capability list follows"); err != nil {
		return err
	}
	caps := []string{"USER", "UIDL", "TOP", "PIPELINING"}
	if s.front.tlsConfig != nil && !s.tlsActive {
		caps = append(caps, "STLS")
	}
	for _, c := range caps {
		if err := s.writeLine("%s", c); err != nil {
			return err
		}
	}
	return s.writeLine(".")
}

func (s *session) onQuit() error {
	_ = s.writeOK("Bye")
	return errQuit
}
