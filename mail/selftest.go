package mail

import (
	"fmt"

	"m365proxy/config"
)

// SelfTest drives a running proxy instance end-to-end the way a legacy mail
// client would: it submits a test message addressed to the first configured
// mailbox over SMTP, then checks the POP3 maildrop is reachable. password is
// the mailbox's plaintext password (the configuration only stores its hash).
func SelfTest(cfg *config.Config, password string, logf func(format string, args ...any)) error {
	if len(cfg.Mailboxes) == 0 {
		return fmt.Errorf("selftest: no mailboxes configured")
	}
	addr := cfg.Mailboxes[0].Username

	smtpCfg := SMTPConfig{Host: cfg.Bind, User: addr, Pass: password, Insecure: true}
	switch {
	case cfg.SMTPPort != nil:
		smtpCfg.Port = *cfg.SMTPPort
	case cfg.SMTPSPort != nil:
		smtpCfg.Port = *cfg.SMTPSPort
		smtpCfg.UseSSL = true
	default:
		return fmt.Errorf("selftest: no SMTP port configured")
	}

	smtp := NewSMTPClient(smtpCfg)
	if err := smtp.Connect(); err != nil {
		return fmt.Errorf("selftest: is the proxy running? %w", err)
	}
	defer smtp.Close()

	if err := smtp.Handshake(); err != nil {
		return err
	}
	if err := smtp.Auth(); err != nil {
		return err
	}
	if err := smtp.Send(SendRequest{
		From:    addr,
		To:      []string{addr},
		Subject: "SMTP Proxy Test",
		Body:    "This is a test message from the mail proxy self-test.",
	}); err != nil {
		return err
	}
	logf("test message submitted as %s", addr)

	pop3Cfg := POP3Config{Host: cfg.Bind, User: addr, Pass: password, Insecure: true}
	switch {
	case cfg.POP3Port != nil:
		pop3Cfg.Port = *cfg.POP3Port
	case cfg.POP3SPort != nil:
		pop3Cfg.Port = *cfg.POP3SPort
		pop3Cfg.UseSSL = true
	default:
		logf("no POP3 port configured, skipping retrieval check")
		return nil
	}

	pop3 := NewPOP3Client(pop3Cfg)
	if err := pop3.Connect(); err != nil {
		return err
	}
	defer pop3.Close()

	if err := pop3.Auth(); err != nil {
		return err
	}
	count, size, err := pop3.Stat()
	if err != nil {
		return err
	}
	logf("maildrop for %s: %d message(s), %d bytes", addr, count, size)
	return nil
}
