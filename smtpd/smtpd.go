// Package smtpd is the SMTP Front-End: accepts submissions on
// the configured bind/port(s), authenticates clients, runs the DATA-time
// acceptance checks, and hands accepted messages to Mailbox Operations.
package smtpd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"m365proxy/config"
	"m365proxy/credverify"
	"m365proxy/mailerr"
	"m365proxy/mailtranslate"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Sender is Mailbox Operations' send verb, as consumed by the SMTP
// front-end.
type Sender interface {
	Send(ctx context.Context, mailFrom string, rcptTos []string, raw []byte, pm *mailtranslate.ParsedMessage) error
}

// Backend implements smtp.Backend, handing out a session per connection.
type Backend struct {
	cfg      *config.Config
	verifier *credverify.Verifier
	ops      Sender
	log      *zap.Logger
}

// NewBackend builds a Backend over the given configuration, credential
// verifier, and Mailbox Operations.
func NewBackend(cfg *config.Config, verifier *credverify.Verifier, ops Sender, log *zap.Logger) *Backend {
	return &Backend{cfg: cfg, verifier: verifier, ops: ops, log: log}
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

// session implements smtp.Session and smtp.AuthSession, running the
// Greeted → HELO/EHLO → AUTH → MAIL FROM → RCPT TO+ → DATA state machine
// (the HELO/EHLO and greeting plumbing is handled by go-smtp itself).
type session struct {
	backend       *Backend
	authenticated bool
	mailFrom      string
	rcptTos       []string
}

var _ smtp.AuthSession = (*session)(nil)

// AuthMechanisms advertises PLAIN and LOGIN.
func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// Auth dispatches to the requested SASL mechanism, both of which check the
// presented credentials against the Credential Verifier.
func (s *session) Auth(mech string) (sasl.Server, error) {
	validate := func(username, password string) error {
		if !s.backend.verifier.Check(username, password) {
			return authFailure()
		}
		s.authenticated = true
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return validate(username, password)
		}), nil
	case sasl.Login:
		return newLoginAuth(validate), nil
	default:
		return nil, smtp.ErrAuthUnknownMechanism
	}
}

func authFailure() error {
	return &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
}

// Mail records the envelope sender. AUTH is required
// first.
func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.mailFrom = strings.ToLower(from)
	s.rcptTos = nil
	return nil
}

// Rcpt appends one recipient to the envelope.
func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.rcptTos = append(s.rcptTos, strings.ToLower(to))
	return nil
}

// Data runs the DATA acceptance checks in order and, if all
// pass, hands the message to Mailbox Operations.
func (s *session) Data(r io.Reader) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	if len(s.rcptTos) == 0 {
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "No recipients specified"}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	// Check 1: every recipient's domain is allowed.
	if err := s.checkRecipientDomains(); err != nil {
		return toSMTPError(err)
	}

	pm, err := mailtranslate.Parse(raw)
	if err != nil {
		return toSMTPError(err)
	}

	// Check 2: envelope MAIL FROM must equal the From: header address.
	if pm.From == "" || pm.From != s.mailFrom {
		return toSMTPError(&mailerr.PolicyReject{
			Kind:   mailerr.SenderMismatch,
			Detail: "MAIL FROM and From: header mismatch",
		})
	}

	// Check 3: the From: header address must be a configured mailbox.
	if s.backend.cfg.FindMailbox(pm.From) == nil {
		return toSMTPError(&mailerr.PolicyReject{
			Kind:   mailerr.SenderNotAllowed,
			Detail: "Sender not allowed",
		})
	}

	// Check 4: hand off to Mailbox Operations.
	if err := s.backend.ops.Send(context.Background(), s.mailFrom, s.rcptTos, raw, pm); err != nil {
		s.backend.log.Warn("send failed", zap.String("mail_from", s.mailFrom), zap.Error(err))
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 0, 0}, Message: "Failed to send message"}
	}

	return nil
}

func (s *session) checkRecipientDomains() error {
	if s.backend.cfg.AllowsAllDomains() {
		s.backend.log.Warn("allowed_domains is '*': accepting recipients on any domain (insecure)")
		return nil
	}
	for _, rcpt := range s.rcptTos {
		domain := domainOf(rcpt)
		if !s.backend.cfg.DomainAllowed(domain) {
			return &mailerr.PolicyReject{Kind: mailerr.RecipientDomainDenied, Detail: rcpt}
		}
	}
	return nil
}

func domainOf(addr string) string {
	_, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return ""
	}
	return domain
}

// Reset clears the mail transaction but not the auth state (RFC 5321).
func (s *session) Reset() {
	s.mailFrom = ""
	s.rcptTos = nil
}

func (s *session) Logout() error { return nil }

func toSMTPError(err error) error {
	var policy *mailerr.PolicyReject
	if errors.As(err, &policy) {
		code := 550
		if policy.Kind == mailerr.AttachmentTooLarge {
			code = 451
		}
		return &smtp.SMTPError{Code: code, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: policy.Error()}
	}
	var protoErr *mailerr.ProtocolError
	if errors.As(err, &protoErr) {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: protoErr.Error()}
	}
	return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 0, 0}, Message: "internal error"}
}

// Frontend owns every smtp.Server instance this proxy listens with: one
// STARTTLS-capable server on smtp_port, one implicit-TLS server on
// smtps_port.
type Frontend struct {
	servers []serverInstance
	log     *zap.Logger
}

type serverInstance struct {
	srv      *smtp.Server
	implicit bool
}

// New builds the SMTP Front-End's listeners from cfg. It does not start
// listening; call Run.
func New(cfg *config.Config, verifier *credverify.Verifier, ops Sender, log *zap.Logger) (*Frontend, error) {
	backend := NewBackend(cfg, verifier, ops, log)

	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, &mailerr.ConfigError{Field: "tls", Err: err}
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	if tlsConfig == nil {
		log.Warn("no TLS configured: AUTH is permitted over plaintext connections (insecure)")
	}

	newServer := func(addr string) *smtp.Server {
		srv := smtp.NewServer(backend)
		srv.Addr = addr
		srv.Domain = "localhost"
		srv.ReadTimeout = readTimeout
		srv.WriteTimeout = writeTimeout
		srv.MaxRecipients = 100
		srv.AllowInsecureAuth = tlsConfig == nil
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
		}
		return srv
	}

	var servers []serverInstance
	if cfg.SMTPPort != nil {
		servers = append(servers, serverInstance{srv: newServer(fmt.Sprintf("%s:%d", cfg.Bind, *cfg.SMTPPort))})
	}
	if cfg.SMTPSPort != nil {
		if tlsConfig == nil {
			return nil, &mailerr.ConfigError{Field: "smtps_port", Err: errors.New("requires tls.tls_cert/tls.tls_key")}
		}
		servers = append(servers, serverInstance{srv: newServer(fmt.Sprintf("%s:%d", cfg.Bind, *cfg.SMTPSPort)), implicit: true})
	}

	return &Frontend{servers: servers, log: log}, nil
}

// Run starts every configured listener and blocks until ctx is cancelled,
// at which point all servers are closed: listeners stop accepting and open
// client connections are closed as well, without waiting for an in-progress
// transaction to finish.
func (f *Frontend) Run(ctx context.Context) {
	if len(f.servers) == 0 {
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	for _, inst := range f.servers {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if inst.implicit {
				f.log.Info("smtp: listening (implicit TLS)", zap.String("addr", inst.srv.Addr))
				err = inst.srv.ListenAndServeTLS()
			} else {
				f.log.Info("smtp: listening", zap.String("addr", inst.srv.Addr))
				err = inst.srv.ListenAndServe()
			}
			if err != nil && ctx.Err() == nil {
				f.log.Error("smtp: server exited", zap.String("addr", inst.srv.Addr), zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	for _, inst := range f.servers {
		_ = inst.srv.Close()
	}
	wg.Wait()
}
