package api

import (
	"context"
	"sync"

	"golang.org/x/oauth2"

	"github.com/unisearch/reqcache/pkg/errors"
)

// Authenticator supplies bearer tokens and refreshes them after a 401.
type Authenticator interface {
	// Token returns the current access token, or "" when there is none.
	Token(ctx context.Context) (string, error)
	// Refresh obtains a new access token.
	Refresh(ctx context.Context) error
	// Clear forgets all stored credentials.
	Clear()
}

// RefreshFunc exchanges a refresh token for a new token pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (access, refresh string, err error)

// StaticTokens holds an access/refresh token pair in memory.
type StaticTokens struct {
	mu        sync.RWMutex
	access    string
	refresh   string
	refreshFn RefreshFunc
}

// NewStaticTokens creates token storage. refreshFn may be nil, in which case
// every Refresh fails.
func NewStaticTokens(access, refresh string, refreshFn RefreshFunc) *StaticTokens {
	return &StaticTokens{access: access, refresh: refresh, refreshFn: refreshFn}
}

func (s *StaticTokens) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access, nil
}

func (s *StaticTokens) Refresh(ctx context.Context) error {
	s.mu.RLock()
	refresh, fn := s.refresh, s.refreshFn
	s.mu.RUnlock()

	if fn == nil || refresh == "" {
		return errors.NewError(errors.ErrCodeTokenExpired, "no refresh token available").
			WithComponent("api").
			WithOperation("refresh")
	}

	access, next, err := fn(ctx, refresh)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTokenExpired, "token refresh failed", err).
			WithComponent("api").
			WithOperation("refresh")
	}

	s.mu.Lock()
	s.access = access
	if next != "" {
		s.refresh = next
	}
	s.mu.Unlock()
	return nil
}

func (s *StaticTokens) Clear() {
	s.mu.Lock()
	s.access, s.refresh = "", ""
	s.mu.Unlock()
}

// SetTokens replaces the stored pair, e.g. after the host application signs in.
func (s *StaticTokens) SetTokens(access, refresh string) {
	s.mu.Lock()
	s.access, s.refresh = access, refresh
	s.mu.Unlock()
}

// OAuth2Tokens refreshes through an OAuth2 token endpoint.
type OAuth2Tokens struct {
	mu     sync.RWMutex
	config *oauth2.Config
	token  *oauth2.Token
}

// NewOAuth2Tokens wraps config with an initial token, which may be nil.
func NewOAuth2Tokens(config *oauth2.Config, token *oauth2.Token) *OAuth2Tokens {
	return &OAuth2Tokens{config: config, token: token}
}

func (o *OAuth2Tokens) Token(context.Context) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.token == nil {
		return "", nil
	}
	return o.token.AccessToken, nil
}

// Refresh forces a refresh_token grant regardless of the current token's expiry.
func (o *OAuth2Tokens) Refresh(ctx context.Context) error {
	o.mu.RLock()
	current := o.token
	o.mu.RUnlock()

	if current == nil || current.RefreshToken == "" {
		return errors.NewError(errors.ErrCodeTokenExpired, "no refresh token available").
			WithComponent("api").
			WithOperation("refresh")
	}

	// Without an access token the source always hits the token endpoint.
	src := o.config.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	next, err := src.Token()
	if err != nil {
		return errors.Wrap(errors.ErrCodeTokenExpired, "token refresh failed", err).
			WithComponent("api").
			WithOperation("refresh")
	}

	o.mu.Lock()
	o.token = next
	o.mu.Unlock()
	return nil
}

func (o *OAuth2Tokens) Clear() {
	o.mu.Lock()
	o.token = nil
	o.mu.Unlock()
}
