// Package auth supplies the bearer credential used by the sync client. It
// runs the OAuth 2.0 device authorization flow, keeps the token in the
// durable store and refreshes it shortly before it expires.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"

	"github.com/marcus/fieldsync/internal/store"
)

// EnvToken overrides the stored credential when set.
const EnvToken = "FIELDSYNC_TOKEN"

// RefreshWindow is how long before expiry a token is refreshed.
const RefreshWindow = 5 * time.Minute

// ErrNotLoggedIn is returned when no credential is available.
var ErrNotLoggedIn = errors.New("not logged in")

// Manager owns the stored credential.
type Manager struct {
	store store.Store
	oauth *oauth2.Config
}

// New creates a manager. oauth describes the device flow endpoints.
func New(s store.Store, oauth *oauth2.Config) *Manager {
	return &Manager{store: s, oauth: oauth}
}

// Login runs the device authorization flow. prompt is called with the code
// the worker must enter; Login then polls until the grant is approved,
// denied or expired.
func (m *Manager) Login(ctx context.Context, prompt func(*oauth2.DeviceAuthResponse)) (*oauth2.Token, error) {
	resp, err := m.oauth.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("start device login: %w", err)
	}
	prompt(resp)
	tok, err := m.oauth.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("device login: %w", err)
	}
	if err := m.save(ctx, tok); err != nil {
		return tok, err
	}
	slog.Info("logged in", "expiry", tok.Expiry)
	return tok, nil
}

// SetToken stores a raw bearer token, for example one minted by
// fieldsync-server token.
func (m *Manager) SetToken(ctx context.Context, raw string) error {
	if raw == "" {
		return errors.New("token is empty")
	}
	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	if claims, err := jwt.ParseInsecure([]byte(raw)); err == nil {
		tok.Expiry = claims.Expiration()
	}
	return m.save(ctx, tok)
}

// Logout removes the stored credential.
func (m *Manager) Logout(ctx context.Context) error {
	return m.store.Remove(ctx, store.KeyAuthToken)
}

// Stored returns the persisted token.
func (m *Manager) Stored(ctx context.Context) (*oauth2.Token, error) {
	raw, ok, err := m.store.Get(ctx, store.KeyAuthToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotLoggedIn
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		slog.Warn("discarding stored token", "err", &store.CorruptError{Key: store.KeyAuthToken, Err: err})
		_ = m.store.Remove(ctx, store.KeyAuthToken)
		return nil, ErrNotLoggedIn
	}
	return &tok, nil
}

func (m *Manager) save(ctx context.Context, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return m.store.Set(ctx, store.KeyAuthToken, string(data))
}

// TokenSource returns the credential source for the sync client, or nil when
// there is no credential. FIELDSYNC_TOKEN wins over the stored token.
// Tokens are refreshed within RefreshWindow of expiry and written back to
// the store.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	if v := os.Getenv(EnvToken); v != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: v, TokenType: "Bearer"})
	}
	tok, err := m.Stored(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotLoggedIn) {
			slog.Warn("load token", "err", err)
		}
		return nil
	}
	if tok.RefreshToken == "" {
		return oauth2.StaticTokenSource(tok)
	}
	src := &refreshingSource{
		ctx:     ctx,
		m:       m,
		refresh: tok.RefreshToken,
	}
	return oauth2.ReuseTokenSourceWithExpiry(tok, src, RefreshWindow)
}

// refreshingSource exchanges the refresh token on every call and saves the
// result. The reuse wrapper decides when a call is needed.
type refreshingSource struct {
	ctx context.Context
	m   *Manager

	mu      sync.Mutex
	refresh string
}

func (r *refreshingSource) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, err := r.m.oauth.TokenSource(r.ctx, &oauth2.Token{RefreshToken: r.refresh}).Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken != "" {
		r.refresh = tok.RefreshToken
	}
	if err := r.m.save(context.WithoutCancel(r.ctx), tok); err != nil {
		slog.Warn("persist refreshed token", "err", err)
	}
	slog.Debug("token refreshed", "expiry", tok.Expiry)
	return tok, nil
}

// Info describes the current credential.
type Info struct {
	LoggedIn   bool
	Source     string // "env" or "stored"
	Subject    string
	WorkerID   int64
	Expiry     time.Time
	Refreshing bool
}

// Status reports the current credential without contacting the server.
func (m *Manager) Status(ctx context.Context) (Info, error) {
	var info Info
	var tok *oauth2.Token
	if v := os.Getenv(EnvToken); v != "" {
		tok = &oauth2.Token{AccessToken: v}
		info.Source = "env"
	} else {
		stored, err := m.Stored(ctx)
		if errors.Is(err, ErrNotLoggedIn) {
			return info, nil
		}
		if err != nil {
			return info, err
		}
		tok = stored
		info.Source = "stored"
		info.Refreshing = stored.RefreshToken != ""
	}
	info.LoggedIn = true
	info.Expiry = tok.Expiry
	if claims, err := jwt.ParseInsecure([]byte(tok.AccessToken)); err == nil {
		info.Subject = claims.Subject()
		if info.Expiry.IsZero() {
			info.Expiry = claims.Expiration()
		}
		if id, err := strconv.ParseInt(claims.Subject(), 10, 64); err == nil {
			info.WorkerID = id
		}
	}
	return info, nil
}

// Expired reports whether the credential has lapsed and cannot refresh.
func (i Info) Expired(now time.Time) bool {
	return !i.Refreshing && !i.Expiry.IsZero() && now.After(i.Expiry)
}
