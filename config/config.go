package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"m365proxy/mailerr"
)

// Mailbox is one configured mailbox identity: the address clients
// authenticate as, and the bcrypt hash of its password.
type Mailbox struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password"`
}

// TLSConfig is the optional certificate/key pair used for STARTTLS and
// implicit TLS.
type TLSConfig struct {
	CertFile string `json:"tls_cert"`
	KeyFile  string `json:"tls_key"`
}

// HTTPSProxy is an optional forward proxy for upstream requests.
type HTTPSProxy struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// S3Config points the Token Store / Spool at an S3 bucket instead of the
// local filesystem when StorageBackend is "s3".
type S3Config struct {
	Region string `json:"region"`
	Bucket string `json:"bucket"`
}

// Logging controls the rotating log file (see package logging).
type Logging struct {
	Level   string `json:"log_level"`
	LogFile string `json:"log_file"`
}

// Config is the immutable, fully-loaded configuration threaded through every
// component's constructor. There is no global mutable config: each
// subsystem receives the value it needs at construction time.
type Config struct {
	ClientID  string    `json:"client_id"`
	TenantID  string    `json:"tenant_id"`
	Mailboxes []Mailbox `json:"mailboxes"`

	AllowedDomains []string `json:"allowed_domains"`

	Bind string `json:"bind"`

	SMTPPort  *int `json:"smtp_port"`
	POP3Port  *int `json:"pop3_port"`
	SMTPSPort *int `json:"smtps_port,omitempty"`
	POP3SPort *int `json:"pop3s_port,omitempty"`

	TLS *TLSConfig `json:"tls,omitempty"`

	TokenPath string `json:"token_path"`
	QueueDir  string `json:"queue_dir"`

	// StorageBackend selects where the encrypted token blob and the spool
	// directory actually live: "local" (default) or "s3". The file name of
	// TokenPath is the token blob's key in either backend; the directories of
	// TokenPath and QueueDir are used only by the local backend.
	StorageBackend string    `json:"storage_backend,omitempty"`
	S3             *S3Config `json:"s3,omitempty"`

	AttachmentLimitMB int `json:"attachment_limit_mb"`

	HTTPSProxy *HTTPSProxy `json:"https_proxy,omitempty"`

	Logging *Logging `json:"logging,omitempty"`
}

// Load reads, defaults, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &mailerr.ConfigError{Field: "path", Err: err}
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &mailerr.ConfigError{Field: "json", Err: err}
	}

	c.applyDefaults()

	if err := c.validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1"
	}
	if c.AttachmentLimitMB == 0 {
		c.AttachmentLimitMB = 80
	}
	if c.StorageBackend == "" {
		c.StorageBackend = "local"
	}
	for i := range c.Mailboxes {
		c.Mailboxes[i].Username = strings.ToLower(c.Mailboxes[i].Username)
	}
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return &mailerr.ConfigError{Field: "client_id", Err: fmt.Errorf("required")}
	}
	if c.TenantID == "" {
		return &mailerr.ConfigError{Field: "tenant_id", Err: fmt.Errorf("required")}
	}
	if c.TokenPath == "" {
		return &mailerr.ConfigError{Field: "token_path", Err: fmt.Errorf("required")}
	}
	if c.QueueDir == "" {
		return &mailerr.ConfigError{Field: "queue_dir", Err: fmt.Errorf("required")}
	}
	if len(c.AllowedDomains) == 0 {
		return &mailerr.ConfigError{Field: "allowed_domains", Err: fmt.Errorf("required")}
	}
	if c.SMTPPort == nil && c.SMTPSPort == nil && c.POP3Port == nil && c.POP3SPort == nil {
		return &mailerr.ConfigError{Field: "ports", Err: fmt.Errorf("at least one of smtp_port/smtps_port/pop3_port/pop3s_port must be set")}
	}
	if (c.SMTPSPort != nil || c.POP3SPort != nil) && c.TLS == nil {
		return &mailerr.ConfigError{Field: "tls", Err: fmt.Errorf("smtps_port/pop3s_port require tls.tls_cert and tls.tls_key")}
	}
	switch c.StorageBackend {
	case "local":
	case "s3":
		if c.S3 == nil || c.S3.Region == "" || c.S3.Bucket == "" {
			return &mailerr.ConfigError{Field: "s3", Err: fmt.Errorf("storage_backend \"s3\" requires s3.region and s3.bucket")}
		}
	default:
		return &mailerr.ConfigError{Field: "storage_backend", Err: fmt.Errorf("must be \"local\" or \"s3\", got %q", c.StorageBackend)}
	}
	if err := os.MkdirAll(c.QueueDir, 0o755); err != nil {
		return &mailerr.ConfigError{Field: "queue_dir", Err: err}
	}
	if dir := filepath.Dir(c.TokenPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &mailerr.ConfigError{Field: "token_path", Err: err}
		}
	}
	return nil
}

// AllowsAllDomains reports whether the allow-list is the insecure wildcard.
func (c *Config) AllowsAllDomains() bool {
	return len(c.AllowedDomains) == 1 && c.AllowedDomains[0] == "*"
}

// DomainAllowed reports whether domain (already lowercased) may receive
// mail relayed through this proxy.
func (c *Config) DomainAllowed(domain string) bool {
	if c.AllowsAllDomains() {
		return true
	}
	for _, d := range c.AllowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// FindMailbox returns the configured mailbox record for address
// (case-insensitive), or nil if none matches.
func (c *Config) FindMailbox(address string) *Mailbox {
	address = strings.ToLower(address)
	for i := range c.Mailboxes {
		if c.Mailboxes[i].Username == address {
			return &c.Mailboxes[i]
		}
	}
	return nil
}
