package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/unisearch/reqcache/pkg/errors"
)

func TestStaticTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh rotates both tokens", func(t *testing.T) {
		tokens := NewStaticTokens("a1", "r1", func(ctx context.Context, refresh string) (string, string, error) {
			return "a2", "r2", nil
		})
		require.NoError(t, tokens.Refresh(ctx))
		access, _ := tokens.Token(ctx)
		assert.Equal(t, "a2", access)
		assert.Equal(t, "r2", tokens.refresh)
	})

	t.Run("no refresh token", func(t *testing.T) {
		tokens := NewStaticTokens("a1", "", nil)
		err := tokens.Refresh(ctx)
		assert.Equal(t, errors.ErrCodeTokenExpired, errors.CodeOf(err))
	})

	t.Run("clear", func(t *testing.T) {
		tokens := NewStaticTokens("a1", "r1", nil)
		tokens.Clear()
		access, _ := tokens.Token(ctx)
		assert.Empty(t, access)

		tokens.SetTokens("a3", "r3")
		access, _ = tokens.Token(ctx)
		assert.Equal(t, "a3", access)
	})
}

func TestOAuth2Tokens_Refresh(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "a2",
			"refresh_token": "r2",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})

	cfg := &oauth2.Config{
		ClientID: "reqcache",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/oauth/token"},
	}
	tokens := NewOAuth2Tokens(cfg, &oauth2.Token{AccessToken: "a1", RefreshToken: "r1"})
	ctx := context.Background()

	access, _ := tokens.Token(ctx)
	assert.Equal(t, "a1", access)

	require.NoError(t, tokens.Refresh(ctx))
	access, _ = tokens.Token(ctx)
	assert.Equal(t, "a2", access)
	assert.Equal(t, int32(1), srv.calls.Load())

	tokens.Clear()
	access, _ = tokens.Token(ctx)
	assert.Empty(t, access)
	assert.Equal(t, errors.ErrCodeTokenExpired, errors.CodeOf(tokens.Refresh(ctx)))
}

func TestOAuth2Tokens_RefreshRejected(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
	})
	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}
	tokens := NewOAuth2Tokens(cfg, &oauth2.Token{RefreshToken: "revoked"})

	err := tokens.Refresh(context.Background())
	assert.Equal(t, errors.ErrCodeTokenExpired, errors.CodeOf(err))
}
