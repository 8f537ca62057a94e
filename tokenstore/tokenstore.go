// Package tokenstore persists the OAuth2 token bundle as a single encrypted
// blob, backed by a vault.Storage implementation.
package tokenstore

import (
	"context"
	"encoding/json"
	"time"

	"m365proxy/vault"
)

// Bundle is the Token Bundle data model. AdditionalFields round-trips
// verbatim through Load and Save; LoginInteractive and EnsureFresh do not
// fill it from the token endpoint's response, so fields this proxy doesn't
// interpret are not captured from there.
type Bundle struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	ExpiresIn       int       `json:"expires_in"`
	LastRefresh     time.Time `json:"last_refresh"`
	Scopes          []string  `json:"scopes"`
	AdditionalFields map[string]json.RawMessage `json:"additional_fields,omitempty"`
}

// Store loads and saves the Token Bundle under a fixed key in a
// vault.Storage backend, encrypted with a key derived from the configured
// client_id.
type Store struct {
	storage vault.Storage
	key     [32]byte
	path    string
}

// New builds a Store over storage, deriving the encryption key from
// clientID. path is the key/filename under storage at which
// the encrypted blob lives (spec's single "token_path" file).
func New(storage vault.Storage, clientID, path string) *Store {
	return &Store{
		storage: storage,
		key:     vault.DeriveTokenKey(clientID),
		path:    path,
	}
}

// Load returns the stored bundle, or (nil, false) if absent or unreadable
// for any reason: a missing file, a decryption failure, or malformed JSON
// are all treated as "absent" rather than surfaced as errors.
func (s *Store) Load(ctx context.Context) (*Bundle, bool) {
	sealed, err := s.storage.Get(ctx, s.path)
	if err != nil {
		return nil, false
	}

	plaintext, err := vault.OpenWithKey(s.key, sealed)
	if err != nil {
		return nil, false
	}

	var b Bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return nil, false
	}

	return &b, true
}

// Save encrypts and persists bundle. It reports false on any encryption or
// storage failure rather than returning a partially written blob: the
// underlying vault.Storage.Put replaces the stored object in one step, so a
// failed Save leaves the previous contents (or absence) visible to a
// concurrent Load.
func (s *Store) Save(ctx context.Context, b *Bundle) bool {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return false
	}

	sealed, err := vault.SealWithKey(s.key, plaintext)
	if err != nil {
		return false
	}

	if err := s.storage.Put(ctx, s.path, sealed); err != nil {
		return false
	}

	return true
}
