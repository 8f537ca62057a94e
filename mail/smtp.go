// Package mail contains small SMTP and POP3 clients used by the self-test
// command: they connect to the proxy's own listeners the way a legacy mail
// application would, so a round trip through them exercises the full
// submission and retrieval pipelines.
package mail

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"
)

const clientHello = "m365proxy-selftest"

// SMTPConfig holds connection parameters for the proxy's SMTP listener.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	// UseSSL selects implicit TLS; otherwise STARTTLS is attempted when the
	// server offers it.
	UseSSL bool
	// Insecure skips certificate verification. The self-test talks to a
	// loopback listener that usually carries a self-signed certificate.
	Insecure bool
}

// SendRequest is one message submission.
type SendRequest struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// SMTPClient speaks SMTP submission over a single TCP connection.
type SMTPClient struct {
	cfg    SMTPConfig
	conn   net.Conn
	reader *bufio.Reader
}

func NewSMTPClient(cfg SMTPConfig) *SMTPClient {
	return &SMTPClient{cfg: cfg}
}

func (c *SMTPClient) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: c.cfg.Host, InsecureSkipVerify: c.cfg.Insecure}
}

// Connect opens the connection and reads the server greeting.
func (c *SMTPClient) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	var err error

	if c.cfg.UseSSL {
		c.conn, err = tls.Dial("tcp", addr, c.tlsConfig())
	} else {
		c.conn, err = net.DialTimeout("tcp", addr, 30*time.Second)
	}
	if err != nil {
		return fmt.Errorf("smtp connect %s: %w", addr, err)
	}
	c.reader = bufio.NewReader(c.conn)

	if _, err := c.readResponse(); err != nil {
		c.conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	return nil
}

// Handshake performs EHLO and, on a cleartext connection, upgrades via
// STARTTLS when the server offers it.
func (c *SMTPClient) Handshake() error {
	resp, err := c.cmd("EHLO " + clientHello)
	if err != nil {
		return fmt.Errorf("smtp EHLO: %w", err)
	}

	if !c.cfg.UseSSL && strings.Contains(resp, "STARTTLS") {
		if resp, err := c.cmd("STARTTLS"); err == nil && strings.HasPrefix(resp, "220") {
			tlsConn := tls.Client(c.conn, c.tlsConfig())
			if err := tlsConn.Handshake(); err != nil {
				return fmt.Errorf("smtp TLS handshake: %w", err)
			}
			c.conn = tlsConn
			c.reader = bufio.NewReader(tlsConn)
			if _, err := c.cmd("EHLO " + clientHello); err != nil {
				return fmt.Errorf("smtp EHLO after STARTTLS: %w", err)
			}
		}
	}
	return nil
}

// Auth attempts AUTH PLAIN and falls back to AUTH LOGIN.
func (c *SMTPClient) Auth() error {
	creds := fmt.Sprintf("\x00%s\x00%s", c.cfg.User, c.cfg.Pass)
	encoded := base64.StdEncoding.EncodeToString([]byte(creds))

	if resp, err := c.cmd("AUTH PLAIN " + encoded); err == nil && strings.HasPrefix(resp, "235") {
		return nil
	}
	return c.authLogin()
}

func (c *SMTPClient) authLogin() error {
	if _, err := c.cmd("AUTH LOGIN"); err != nil {
		return fmt.Errorf("smtp AUTH LOGIN init: %w", err)
	}
	if _, err := c.cmd(base64.StdEncoding.EncodeToString([]byte(c.cfg.User))); err != nil {
		return fmt.Errorf("smtp AUTH LOGIN user: %w", err)
	}
	if _, err := c.cmd(base64.StdEncoding.EncodeToString([]byte(c.cfg.Pass))); err != nil {
		return fmt.Errorf("smtp AUTH LOGIN pass: %w", err)
	}
	return nil
}

// Send transmits a single message. The connection must already be
// authenticated. The From header is set to the envelope sender so the
// proxy's envelope/header alignment check passes.
func (c *SMTPClient) Send(req SendRequest) error {
	if _, err := c.cmd(fmt.Sprintf("MAIL FROM:<%s>", req.From)); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, to := range req.To {
		if _, err := c.cmd(fmt.Sprintf("RCPT TO:<%s>", to)); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", to, err)
		}
	}
	if _, err := c.cmd("DATA"); err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}

	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n",
		req.From,
		strings.Join(req.To, ", "),
		req.Subject,
		time.Now().Format(time.RFC1123Z),
		req.Body,
	)

	// Dot-stuff while writing.
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.conn, ".\r\n"); err != nil {
		return err
	}
	if _, err := c.readResponse(); err != nil {
		return fmt.Errorf("smtp DATA end: %w", err)
	}
	return nil
}

// Close sends QUIT and tears down the connection.
func (c *SMTPClient) Close() error {
	if c.conn == nil {
		return nil
	}
	c.cmd("QUIT") //nolint:errcheck
	return c.conn.Close()
}

func (c *SMTPClient) cmd(command string) (string, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", command); err != nil {
		return "", err
	}
	return c.readResponse()
}

// readResponse handles both single-line and multi-line SMTP replies and
// returns an error for 4xx / 5xx status codes. Multi-line reply text is
// joined so callers can scan it for advertised extensions.
func (c *SMTPClient) readResponse() (string, error) {
	var all []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		all = append(all, line)
		if len(line) < 4 || line[3] != '-' {
			break
		}
	}
	joined := strings.Join(all, "\n")
	last := all[len(all)-1]
	if len(last) >= 1 && (last[0] == '4' || last[0] == '5') {
		return joined, fmt.Errorf("smtp: %s", last)
	}
	return joined, nil
}
