package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"cvfolio/internal/config"
)

func newIdentityServer(t *testing.T, userInfo map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "valid-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-123","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(userInfo)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func registerFake(p *OAuthProviders, server *httptest.Server) {
	p.Register(ProviderGoogle, &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://api.cvfolio.test/v1/auth/oauth/google/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   server.URL + "/authorize",
			TokenURL:  server.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, server.URL+"/userinfo")
}

func TestNewOAuthProvidersEnablesConfigured(t *testing.T) {
	p := NewOAuthProviders(config.OAuthConfig{GoogleClientID: "gid", GoogleClientSecret: "gsecret"}, "https://api.cvfolio.test/")
	assert.True(t, p.Enabled(ProviderGoogle))
	assert.False(t, p.Enabled(ProviderLinkedIn))

	target, err := p.AuthCodeURL(ProviderGoogle, "state-1")
	require.NoError(t, err)
	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "state-1", u.Query().Get("state"))
	assert.Equal(t, "https://api.cvfolio.test/v1/auth/oauth/google/callback", u.Query().Get("redirect_uri"))

	_, err = p.AuthCodeURL(ProviderLinkedIn, "state-1")
	assert.ErrorIs(t, err, ErrProviderDisabled)
	_, err = p.Exchange(context.Background(), ProviderLinkedIn, "code")
	assert.ErrorIs(t, err, ErrProviderDisabled)
}

func TestExchangeReadsUserInfo(t *testing.T) {
	server := newIdentityServer(t, map[string]any{"sub": "1234", "email": " Jane@Example.COM ", "email_verified": true, "name": "Jane Doe"})
	p := NewOAuthProviders(config.OAuthConfig{}, "")
	registerFake(p, server)

	identity, err := p.Exchange(context.Background(), ProviderGoogle, "valid-code")
	require.NoError(t, err)
	assert.Equal(t, &Identity{Provider: ProviderGoogle, Subject: "1234", Email: "jane@example.com", EmailVerified: true, Name: "Jane Doe"}, identity)

	_, err = p.Exchange(context.Background(), ProviderGoogle, "bad-code")
	assert.Error(t, err)
}

func TestExchangeRequiresSubject(t *testing.T) {
	server := newIdentityServer(t, map[string]any{"email": "nosub@example.com"})
	p := NewOAuthProviders(config.OAuthConfig{}, "")
	registerFake(p, server)

	_, err := p.Exchange(context.Background(), ProviderGoogle, "valid-code")
	assert.Error(t, err)
}

func TestExchangeEmailVerifiedClaim(t *testing.T) {
	cases := []struct {
		name  string
		claim any
		want  bool
	}{
		{"bool true", true, true},
		{"string true", "true", true},
		{"string false", "false", false},
		{"bool false", false, false},
		{"missing", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := map[string]any{"sub": "attacker-1", "email": "victim@example.com"}
			if tc.claim != nil {
				info["email_verified"] = tc.claim
			}
			server := newIdentityServer(t, info)
			p := NewOAuthProviders(config.OAuthConfig{}, "")
			registerFake(p, server)

			identity, err := p.Exchange(context.Background(), ProviderGoogle, "valid-code")
			require.NoError(t, err)
			assert.Equal(t, tc.want, identity.EmailVerified)
		})
	}
}
