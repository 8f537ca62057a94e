// Package credverify is the Credential Verifier: checks a
// client-presented username/password against the configured per-mailbox
// bcrypt hash.
package credverify

import (
	"strings"

	"golang.org/x/crypto/bcrypt"

	"m365proxy/config"
)

// Verifier holds the small, static list of configured mailbox records.
type Verifier struct {
	mailboxes []config.Mailbox
}

// New builds a Verifier over the configured mailboxes.
func New(mailboxes []config.Mailbox) *Verifier {
	return &Verifier{mailboxes: mailboxes}
}

// Check performs a linear scan (the mailbox count is small, O(10)) and a
// constant-time bcrypt comparison on match. No result is cached.
func (v *Verifier) Check(username, password string) bool {
	username = strings.ToLower(username)
	for _, mb := range v.mailboxes {
		if strings.ToLower(mb.Username) != username {
			continue
		}
		return bcrypt.CompareHashAndPassword([]byte(mb.PasswordHash), []byte(password)) == nil
	}
	return false
}
