package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"m365proxy/config"
)

func cmdHash(password string) int {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash: %v\n", err)
		return 1
	}
	fmt.Println(string(h))
	return 0
}

// skeletonConfig is what init-config writes: a template with every required
// key present and placeholder values the operator fills in.
func skeletonConfig() *config.Config {
	smtpPort, pop3Port := 10025, 10110
	return &config.Config{
		ClientID:       "00000000-0000-0000-0000-000000000000",
		TenantID:       "common",
		Mailboxes:      []config.Mailbox{{Username: "user@example.com", PasswordHash: "<run: m365proxy hash PASSWORD>"}},
		AllowedDomains: []string{"example.com"},
		Bind:           "127.0.0.1",
		SMTPPort:       &smtpPort,
		POP3Port:       &pop3Port,
		TokenPath:      "tokens.bin",
		QueueDir:       "queue",
	}
}

func writeConfig(path string, cfg *config.Config) error {
	out, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(out, '\n'), 0o600)
}

func cmdInitConfig(path string) int {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists, refusing to overwrite\n", path)
		return 1
	}
	if err := writeConfig(path, skeletonConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "init-config: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s; edit it, then run `m365proxy login`.\n", path)
	return 0
}

// cmdConfigure is the interactive wizard: it prompts for each setting with
// the current (or skeleton) value as the default and rewrites the file.
func cmdConfigure(path string) int {
	cfg := skeletonConfig()
	if data, err := os.ReadFile(path); err == nil {
		var existing config.Config
		if err := json.Unmarshal(data, &existing); err == nil {
			cfg = &existing
		}
	}

	rd := bufio.NewReader(os.Stdin)
	prompt := func(label, current string) string {
		fmt.Printf("%s [%s]: ", label, current)
		line, err := rd.ReadString('\n')
		if err != nil {
			return current
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return current
		}
		return line
	}
	promptPort := func(label string, current *int) *int {
		cur := "none"
		if current != nil {
			cur = strconv.Itoa(*current)
		}
		answer := prompt(label, cur)
		if answer == "none" {
			return nil
		}
		if n, err := strconv.Atoi(answer); err == nil {
			return &n
		}
		return current
	}

	cfg.ClientID = prompt("OAuth2 client id", cfg.ClientID)
	cfg.TenantID = prompt("OAuth2 tenant id", cfg.TenantID)
	cfg.Bind = prompt("Bind address", cfg.Bind)
	cfg.SMTPPort = promptPort("SMTP port ('none' to disable)", cfg.SMTPPort)
	cfg.POP3Port = promptPort("POP3 port ('none' to disable)", cfg.POP3Port)
	cfg.TokenPath = prompt("Token store path", cfg.TokenPath)
	cfg.QueueDir = prompt("Spool directory", cfg.QueueDir)
	cfg.AllowedDomains = strings.Fields(prompt("Allowed recipient domains (space-separated, * for any)",
		strings.Join(cfg.AllowedDomains, " ")))

	mailbox := prompt("Mailbox address", firstMailbox(cfg))
	fmt.Print("Mailbox password (blank to keep current hash): ")
	pwLine, _ := rd.ReadString('\n')
	pwLine = strings.TrimRight(pwLine, "\r\n")
	if pwLine != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(pwLine), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			return 1
		}
		cfg.Mailboxes = []config.Mailbox{{Username: strings.ToLower(mailbox), PasswordHash: string(h)}}
	} else if len(cfg.Mailboxes) > 0 {
		cfg.Mailboxes[0].Username = strings.ToLower(mailbox)
	}

	if err := writeConfig(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configure: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s.\n", path)
	return 0
}

func firstMailbox(cfg *config.Config) string {
	if len(cfg.Mailboxes) > 0 {
		return cfg.Mailboxes[0].Username
	}
	return "user@example.com"
}
