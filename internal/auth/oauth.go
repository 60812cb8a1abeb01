package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/linkedin"

	"cvfolio/internal/config"
)

// 支持的社交登录渠道。
const (
	ProviderLinkedIn = "linkedin"
	ProviderGoogle   = "google"
)

// ErrProviderDisabled 表示渠道未配置或不存在。
var ErrProviderDisabled = errors.New("oauth provider not enabled")

// Identity 是从 OIDC userinfo 端点取回的身份信息。
type Identity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

type oauthProvider struct {
	config      *oauth2.Config
	userInfoURL string
}

// OAuthProviders 管理 LinkedIn / Google 的 OAuth2 授权码流程。
type OAuthProviders struct {
	providers map[string]oauthProvider
}

// NewOAuthProviders 根据配置启用有 ClientID 的渠道。
// 回调地址统一为 {publicBaseURL}/v1/auth/oauth/{provider}/callback。
func NewOAuthProviders(cfg config.OAuthConfig, publicBaseURL string) *OAuthProviders {
	base := strings.TrimRight(publicBaseURL, "/")
	p := &OAuthProviders{providers: map[string]oauthProvider{}}
	if cfg.LinkedInClientID != "" {
		p.Register(ProviderLinkedIn, &oauth2.Config{
			ClientID:     cfg.LinkedInClientID,
			ClientSecret: cfg.LinkedInClientSecret,
			RedirectURL:  base + "/v1/auth/oauth/linkedin/callback",
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint:     linkedin.Endpoint,
		}, "https://api.linkedin.com/v2/userinfo")
	}
	if cfg.GoogleClientID != "" {
		p.Register(ProviderGoogle, &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  base + "/v1/auth/oauth/google/callback",
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		}, "https://openidconnect.googleapis.com/v1/userinfo")
	}
	return p
}

// Register 注册一个渠道，测试中用于指向本地假服务。
func (p *OAuthProviders) Register(name string, cfg *oauth2.Config, userInfoURL string) {
	p.providers[name] = oauthProvider{config: cfg, userInfoURL: userInfoURL}
}

// Enabled reports whether the named provider is configured.
func (p *OAuthProviders) Enabled(name string) bool {
	_, ok := p.providers[name]
	return ok
}

// AuthCodeURL 返回跳转到第三方授权页的地址。
func (p *OAuthProviders) AuthCodeURL(name, state string) (string, error) {
	provider, ok := p.providers[name]
	if !ok {
		return "", ErrProviderDisabled
	}
	return provider.config.AuthCodeURL(state), nil
}

type userInfoResponse struct {
	Sub           string    `json:"sub"`
	Email         string    `json:"email"`
	EmailVerified claimBool `json:"email_verified"`
	Name          string    `json:"name"`
}

// claimBool 兼容布尔值与 "true"/"false" 字符串两种写法。
type claimBool bool

func (b *claimBool) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(raw) {
	case "true":
		*b = true
	case "false", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid email_verified value %s", data)
	}
	return nil
}

// Exchange 用授权码换取令牌并读取用户信息。
func (p *OAuthProviders) Exchange(ctx context.Context, name, code string) (*Identity, error) {
	provider, ok := p.providers[name]
	if !ok {
		return nil, ErrProviderDisabled
	}

	token, err := provider.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	resp, err := provider.config.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("userinfo status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Sub == "" {
		return nil, errors.New("userinfo missing subject")
	}

	return &Identity{
		Provider:      name,
		Subject:       info.Sub,
		Email:         strings.ToLower(strings.TrimSpace(info.Email)),
		EmailVerified: bool(info.EmailVerified),
		Name:          strings.TrimSpace(info.Name),
	}, nil
}
