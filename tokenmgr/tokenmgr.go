// Package tokenmgr is the Token Manager: device-code login,
// refresh-token-grant renewal, and vending the current bearer token to all
// upstream callers.
package tokenmgr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"m365proxy/mailerr"
	"m365proxy/tokenstore"
)

const authority = "https://login.microsoftonline.com"

// requiredScopes are the Graph permissions the proxy needs to send and
// read mail; LoginInteractive refuses a token that lacks any of these.
var requiredScopes = []string{"Mail.Send", "Mail.Send.Shared", "Mail.ReadWrite", "Mail.ReadWrite.Shared"}

// loginScopes are requested during the device-code flow.
var loginScopes = []string{
	"https://graph.microsoft.com/Mail.Send",
	"https://graph.microsoft.com/Mail.Send.Shared",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.ReadWrite.Shared",
	"https://graph.microsoft.com/User.Read",
}

// Reachable reports upstream reachability; implemented by upstream.Adapter.
type Reachable interface {
	IsUpstreamReachable(ctx context.Context) bool
}

// Manager is the Token Manager. One Manager exists per running proxy,
// shared by the Upstream Adapter and the background refresh loop.
type Manager struct {
	store    *tokenstore.Store
	oauth    oauth2.Config
	log      *zap.Logger
	shutdown func(reason string)
}

// New builds a Manager. shutdown is invoked (by the background refresh
// loop only) when a refresh fails with an AuthError, escalating to the
// supervisor.
func New(store *tokenstore.Store, clientID, tenantID string, log *zap.Logger, shutdown func(reason string)) *Manager {
	return &Manager{
		store: store,
		oauth: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:       authority + "/" + tenantID + "/oauth2/v2.0/authorize",
				DeviceAuthURL: authority + "/" + tenantID + "/oauth2/v2.0/devicecode",
				TokenURL:      authority + "/" + tenantID + "/oauth2/v2.0/token",
			},
			Scopes: loginScopes,
		},
		log:      log,
		shutdown: shutdown,
	}
}

// LoginInteractive drives the OAuth2 device-code flow, verifies the scope
// claim embedded in the returned access token, and persists the result.
func (m *Manager) LoginInteractive(ctx context.Context, printURL func(verificationURI, userCode string)) error {
	deviceAuth, err := m.oauth.DeviceAuth(ctx)
	if err != nil {
		return &mailerr.AuthError{Reason: fmt.Sprintf("device auth start: %v", err)}
	}

	if printURL != nil {
		printURL(deviceAuth.VerificationURI, deviceAuth.UserCode)
	}

	token, err := m.oauth.DeviceAccessToken(ctx, deviceAuth)
	if err != nil {
		return &mailerr.AuthError{Reason: fmt.Sprintf("device access token: %v", err)}
	}

	if err := verifyScopes(token.AccessToken, requiredScopes); err != nil {
		return &mailerr.AuthError{Reason: err.Error()}
	}

	bundle := &tokenstore.Bundle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		LastRefresh:  time.Now().UTC(),
	}
	if !token.Expiry.IsZero() {
		bundle.ExpiresIn = int(time.Until(token.Expiry).Seconds())
	}

	if !m.store.Save(ctx, bundle) {
		return &mailerr.AuthError{Reason: "failed to persist token bundle"}
	}

	m.log.Info("interactive login succeeded")
	return nil
}

// EnsureFresh makes sure the stored access token is usable: a stored bundle
// lacking a refresh token fails; within the 1-hour window and force=false
// it is a no-op; otherwise a refresh-token grant runs.
func (m *Manager) EnsureFresh(ctx context.Context, force bool) bool {
	bundle, ok := m.store.Load(ctx)
	if !ok || bundle.RefreshToken == "" {
		m.log.Error("ensure_fresh: no refresh token available")
		return false
	}

	if !force && time.Since(bundle.LastRefresh) < time.Hour {
		return true
	}

	tokenSource := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: bundle.RefreshToken})
	fresh, err := tokenSource.Token()
	if err != nil {
		m.log.Warn("token refresh failed", zap.Error(err))
		return false
	}

	bundle.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		bundle.RefreshToken = fresh.RefreshToken
	}
	if !fresh.Expiry.IsZero() {
		bundle.ExpiresIn = int(time.Until(fresh.Expiry).Seconds())
	}
	bundle.LastRefresh = time.Now().UTC()

	if !m.store.Save(ctx, bundle) {
		m.log.Error("ensure_fresh: failed to persist refreshed bundle")
		return false
	}

	return true
}

// GetAccessToken implements upstream.TokenSource: it ensures freshness and
// returns the current access token.
func (m *Manager) GetAccessToken(ctx context.Context) (string, bool) {
	if !m.EnsureFresh(ctx, false) {
		return "", false
	}
	bundle, ok := m.store.Load(ctx)
	if !ok {
		return "", false
	}
	return bundle.AccessToken, true
}

// RunRefreshLoop is the background refresh task: checks
// reachability, sleeps 15 minutes when unreachable, otherwise calls
// EnsureFresh(false) and either sleeps 3 days or escalates shutdown on
// failure. It returns when ctx is cancelled.
func (m *Manager) RunRefreshLoop(ctx context.Context, reachable Reachable) {
	const (
		degradedSleep = 15 * time.Minute
		normalSleep   = 3 * 24 * time.Hour
	)

	for {
		if !reachable.IsUpstreamReachable(ctx) {
			if !sleepOrDone(ctx, degradedSleep) {
				return
			}
			continue
		}

		if !m.EnsureFresh(ctx, false) {
			m.log.Error("background token refresh failed, escalating shutdown")
			if m.shutdown != nil {
				m.shutdown("token refresh failed")
			}
			return
		}

		if !sleepOrDone(ctx, normalSleep) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// verifyScopes decodes the unverified payload segment of a JWT access
// token and checks that its space-separated scp claim is a superset of
// required. The signature is deliberately not verified: this is a local
// sanity check on what the token endpoint just returned over a TLS
// connection we made ourselves.
func verifyScopes(accessToken string, required []string) error {
	parts := strings.Split(accessToken, ".")
	if len(parts) < 2 {
		return fmt.Errorf("access token is not a JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("decode token payload: %w", err)
	}

	var claims struct {
		Scp string `json:"scp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fmt.Errorf("parse token claims: %w", err)
	}

	granted := make(map[string]bool)
	for _, s := range strings.Fields(claims.Scp) {
		granted[s] = true
	}

	var missing []string
	for _, r := range required {
		if !granted[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("access token missing required scopes: %s", strings.Join(missing, ", "))
	}
	return nil
}
