package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"cvfolio/internal/auth"
	"cvfolio/internal/database"
)

const refreshTokenCookieName = "refresh_token"
const refreshTokenBlacklistKeyPrefix = "auth:refresh:blacklist:"
const oauthStateKeyPrefix = "oauth:state:"
const oauthStateTTL = 10 * time.Minute

// TokenIssuer 是 AuthService 中处理器用到的部分。
type TokenIssuer interface {
	HashPassword(password string) (string, error)
	CheckPasswordHash(password, hash string) bool
	GenerateTokenPair(userID uint, role string, mustChangePassword bool) (auth.TokenPair, error)
	ValidateToken(tokenString string) (*auth.TokenClaims, error)
	AccessTokenTTL() time.Duration
	RefreshTokenTTL() time.Duration
}

// OAuthFlow 是社交登录的授权码流程。
type OAuthFlow interface {
	AuthCodeURL(provider, state string) (string, error)
	Exchange(ctx context.Context, provider, code string) (*auth.Identity, error)
}

// AuthOptions 汇总登录限流与 Cookie 相关参数。
type AuthOptions struct {
	LoginRateLimitPerHour int
	LoginLockThreshold    int
	LoginLockTTL          time.Duration
	CookieDomain          string
	FrontendBaseURL       string
}

// AuthHandler 处理注册、登录、刷新与退出，以及社交登录回调。
type AuthHandler struct {
	db          *gorm.DB
	authService TokenIssuer
	oauth       OAuthFlow
	redis       redis.UniversalClient
	opts        AuthOptions
	now         func() time.Time
}

// NewAuthHandler 构造认证处理器。oauth 为 nil 时社交登录返回 404。
func NewAuthHandler(db *gorm.DB, authService TokenIssuer, oauth OAuthFlow, redisClient redis.UniversalClient, opts AuthOptions) *AuthHandler {
	opts.FrontendBaseURL = strings.TrimRight(opts.FrontendBaseURL, "/")
	return &AuthHandler{
		db:          db,
		authService: authService,
		oauth:       oauth,
		redis:       redisClient,
		opts:        opts,
		now:         time.Now,
	}
}

type registerRequest struct {
	Email        string `json:"email" binding:"required,email,max=255"`
	Password     string `json:"password" binding:"required,min=8,max=72"`
	FullName     string `json:"full_name" binding:"required,max=255"`
	ReferralCode string `json:"referral_code" binding:"omitempty,max=16"`
}

var errUnknownReferralCode = errors.New("unknown referral code")

// Register 创建新用户账号；带推荐码时记录一条待奖励的推荐关系。
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	email := normalizeEmail(req.Email)
	logger := h.loggerFromContext(c).With(slog.String("email", email))

	var existing database.User
	if err := h.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error; err == nil {
		logger.Info("register conflict: user already exists")
		Conflict(c, "email already registered")
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error("register lookup failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	hashed, err := h.authService.HashPassword(req.Password)
	if err != nil {
		logger.Error("hash password failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	var user database.User
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referrer *database.User
		if code := strings.ToUpper(strings.TrimSpace(req.ReferralCode)); code != "" {
			var r database.User
			switch err := tx.Where("referral_code = ?", code).First(&r).Error; {
			case errors.Is(err, gorm.ErrRecordNotFound):
				return errUnknownReferralCode
			case err != nil:
				return err
			}
			referrer = &r
		}

		created, err := h.createUser(ctx, tx, email, strings.TrimSpace(req.FullName), hashed)
		if err != nil {
			return err
		}
		user = *created

		if referrer != nil && referrer.ID != user.ID {
			return tx.Create(&database.Referral{
				ReferrerID: referrer.ID,
				RefereeID:  user.ID,
				Status:     database.ReferralPending,
			}).Error
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errUnknownReferralCode) {
			BadRequest(c, "invalid referral code")
			return
		}
		logger.Error("create user failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	logger.Info("user registered", slog.Uint64("user_id", uint64(user.ID)))
	c.JSON(http.StatusCreated, newMeResponse(user, h.now()))
}

func (h *AuthHandler) createUser(ctx context.Context, tx *gorm.DB, email, fullName, passwordHash string) (*database.User, error) {
	code, err := database.NewReferralCode(ctx, tx)
	if err != nil {
		return nil, err
	}
	user := database.User{
		Email:        email,
		FullName:     fullName,
		PasswordHash: passwordHash,
		Role:         database.RoleUser,
		ReferralCode: code,
	}
	if err := tx.Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	AccessToken        string `json:"access_token"`
	TokenType          string `json:"token_type"`
	ExpiresIn          int    `json:"expires_in"`
	MustChangePassword bool   `json:"must_change_password"`
}

// Login 校验口令并返回 Token。
func (h *AuthHandler) Login(c *gin.Context) {
	ip := c.ClientIP()
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	email := normalizeEmail(req.Email)
	logger := h.loggerFromContext(c).With(slog.String("email", email))

	// 速率限制：每 IP+邮箱 每小时 N 次
	rateKey := "rate:login:" + ip + ":" + email + ":" + h.now().UTC().Format("2006010215")
	count, err := incrWithTTL(ctx, h.redis, rateKey, time.Hour)
	if err != nil {
		count = 0
	}
	if h.opts.LoginRateLimitPerHour > 0 && count > int64(h.opts.LoginRateLimitPerHour) {
		Error(c, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// 锁定检查
	lockKey := "lock:login:" + email
	if ttl, _ := h.redis.TTL(ctx, lockKey).Result(); ttl > 0 {
		Error(c, http.StatusTooManyRequests, "account temporarily locked")
		return
	}

	var user database.User
	if err := h.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Info("login failed: user not found")
			_ = h.incrementLoginFail(ctx, email)
			Unauthorized(c)
			return
		}
		logger.Error("login query failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	if !h.authService.CheckPasswordHash(req.Password, user.PasswordHash) {
		logger.Info("login failed: password mismatch", slog.Uint64("user_id", uint64(user.ID)))
		_ = h.incrementLoginFail(ctx, email)
		Unauthorized(c)
		return
	}

	// 登录成功：清理失败计数
	_ = h.redis.Del(ctx, "lock:login:fail:"+email).Err()

	tokenPair, err := h.authService.GenerateTokenPair(user.ID, user.Role, user.MustChangePassword)
	if err != nil {
		logger.Error("generate token pair failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	h.replyWithTokenPair(c, tokenPair, user.MustChangePassword)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh 校验刷新令牌并颁发新的 TokenPair。
func (h *AuthHandler) Refresh(c *gin.Context) {
	refreshToken := h.extractRefreshToken(c)
	if refreshToken == "" {
		Unauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c)

	claims, ok := h.validRefreshClaims(c, refreshToken)
	if !ok {
		Unauthorized(c)
		return
	}

	key := refreshTokenBlacklistKeyPrefix + claims.ID
	if err := h.redis.Get(ctx, key).Err(); err == nil {
		logger.Info("refresh token revoked", slog.String("jti", claims.ID))
		Unauthorized(c)
		return
	} else if !errors.Is(err, redis.Nil) {
		logger.Error("refresh token blacklist lookup failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	var user database.User
	if err := h.db.WithContext(ctx).First(&user, claims.UserID).Error; err != nil {
		logger.Info("refresh user not found", slog.Any("error", err))
		Unauthorized(c)
		return
	}

	tokenPair, err := h.authService.GenerateTokenPair(user.ID, user.Role, user.MustChangePassword)
	if err != nil {
		logger.Error("refresh generate token pair failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	// 旋转旧刷新令牌，防止重复使用。
	if err := h.revokeRefreshToken(ctx, key, claims.ExpiresAt); err != nil {
		logger.Error("refresh revoke old token failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	h.replyWithTokenPair(c, tokenPair, user.MustChangePassword)
}

func (h *AuthHandler) validRefreshClaims(c *gin.Context, token string) (*auth.TokenClaims, bool) {
	logger := h.loggerFromContext(c)
	claims, err := h.authService.ValidateToken(token)
	if err != nil {
		logger.Info("refresh token invalid", slog.Any("error", err))
		return nil, false
	}
	if claims.TokenType != auth.TokenTypeRefresh {
		logger.Info("refresh token wrong type", slog.String("token_type", claims.TokenType))
		return nil, false
	}
	if claims.ID == "" {
		logger.Info("refresh token missing jti")
		return nil, false
	}
	return claims, true
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required,min=8,max=72"`
	NewPassword     string `json:"new_password" binding:"required,min=8,max=72"`
	ConfirmPassword string `json:"confirm_password" binding:"required,min=8,max=72"`
}

// ChangePassword 校验当前密码并更新为新密码。
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		BadRequest(c, "password confirmation does not match")
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(slog.Uint64("user_id", uint64(userID)))

	var user database.User
	if err := h.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		logger.Info("change password: user not found", slog.Any("error", err))
		Unauthorized(c)
		return
	}

	if !h.authService.CheckPasswordHash(req.CurrentPassword, user.PasswordHash) {
		logger.Info("change password: current password mismatch")
		Unauthorized(c)
		return
	}

	if strings.TrimSpace(req.NewPassword) == strings.TrimSpace(req.CurrentPassword) {
		BadRequest(c, "new password must be different from current password")
		return
	}

	hashed, err := h.authService.HashPassword(req.NewPassword)
	if err != nil {
		logger.Error("change password: hash failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	if err := h.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"password_hash":        hashed,
		"must_change_password": false,
	}).Error; err != nil {
		logger.Error("change password: update failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	if refreshToken, err := c.Cookie(refreshTokenCookieName); err == nil && refreshToken != "" {
		if claims, err := h.authService.ValidateToken(refreshToken); err == nil && claims.TokenType == auth.TokenTypeRefresh && claims.ID != "" {
			key := refreshTokenBlacklistKeyPrefix + claims.ID
			if err := h.revokeRefreshToken(ctx, key, claims.ExpiresAt); err != nil {
				logger.Error("change password: revoke refresh failed", slog.Any("error", err))
				Internal(c, "internal error")
				return
			}
		}
	}

	tokenPair, err := h.authService.GenerateTokenPair(user.ID, user.Role, false)
	if err != nil {
		logger.Error("change password: generate token pair failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	h.replyWithTokenPair(c, tokenPair, false)
}

type meResponse struct {
	ID                 uint       `json:"id"`
	Email              string     `json:"email"`
	FullName           string     `json:"full_name"`
	Role               string     `json:"role"`
	Balance            string     `json:"balance"`
	Premium            bool       `json:"premium"`
	PremiumUntil       *time.Time `json:"premium_until"`
	ReferralCode       string     `json:"referral_code"`
	MustChangePassword bool       `json:"must_change_password"`
	HasPassword        bool       `json:"has_password"`
}

func newMeResponse(u database.User, now time.Time) meResponse {
	return meResponse{
		ID:                 u.ID,
		Email:              u.Email,
		FullName:           u.FullName,
		Role:               u.Role,
		Balance:            u.Balance.String(),
		Premium:            u.IsPremium(now),
		PremiumUntil:       u.PremiumUntil,
		ReferralCode:       u.ReferralCode,
		MustChangePassword: u.MustChangePassword,
		HasPassword:        u.PasswordHash != "",
	}
}

// Me 返回当前登录用户的资料。
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var user database.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, userID).Error; err != nil {
		Unauthorized(c)
		return
	}
	c.JSON(http.StatusOK, newMeResponse(user, h.now()))
}

func (h *AuthHandler) replyWithTokenPair(c *gin.Context, tokenPair auth.TokenPair, mustChangePassword bool) {
	h.setRefreshCookie(c, tokenPair.RefreshToken)
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:        tokenPair.AccessToken,
		TokenType:          "Bearer",
		ExpiresIn:          int(h.authService.AccessTokenTTL().Seconds()),
		MustChangePassword: mustChangePassword,
	})
}

// Logout 将刷新令牌加入黑名单，防止继续使用。
func (h *AuthHandler) Logout(c *gin.Context) {
	refreshToken := h.extractRefreshToken(c)
	if refreshToken == "" {
		BadRequest(c, "refresh token missing")
		return
	}

	claims, ok := h.validRefreshClaims(c, refreshToken)
	if !ok {
		Unauthorized(c)
		return
	}

	key := refreshTokenBlacklistKeyPrefix + claims.ID
	if err := h.revokeRefreshToken(c.Request.Context(), key, claims.ExpiresAt); err != nil {
		h.loggerFromContext(c).Error("logout revoke token failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	// 清除 Cookie。
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshTokenCookieName,
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		Secure:   h.isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Domain:   h.getCookieDomain(),
	})
	c.Status(http.StatusOK)
}

// OAuthStart 生成一次性 state 并跳转到第三方授权页。
func (h *AuthHandler) OAuthStart(c *gin.Context) {
	provider := strings.ToLower(c.Param("provider"))
	if h.oauth == nil {
		NotFound(c, "oauth provider not enabled")
		return
	}

	state, err := auth.RandomToken(24)
	if err != nil {
		Internal(c, "internal error")
		return
	}
	target, err := h.oauth.AuthCodeURL(provider, state)
	if err != nil {
		if errors.Is(err, auth.ErrProviderDisabled) {
			NotFound(c, "oauth provider not enabled")
			return
		}
		Internal(c, "internal error")
		return
	}
	if err := h.redis.Set(c.Request.Context(), oauthStateKeyPrefix+state, provider, oauthStateTTL).Err(); err != nil {
		h.loggerFromContext(c).Error("store oauth state failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}
	c.Redirect(http.StatusFound, target)
}

// OAuthCallback 消费 state、换取身份，查找或关联或创建用户后带着令牌跳回前端。
func (h *AuthHandler) OAuthCallback(c *gin.Context) {
	provider := strings.ToLower(c.Param("provider"))
	if h.oauth == nil {
		NotFound(c, "oauth provider not enabled")
		return
	}
	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(slog.String("provider", provider))

	if errParam := c.Query("error"); errParam != "" {
		logger.Info("oauth denied by user", slog.String("error", errParam))
		h.redirectToFrontend(c, url.Values{"error": {"oauth_denied"}})
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		BadRequest(c, "state and code are required")
		return
	}

	stored, err := h.redis.GetDel(ctx, oauthStateKeyPrefix+state).Result()
	if err != nil || stored != provider {
		logger.Info("oauth state invalid", slog.Any("error", err))
		BadRequest(c, "invalid oauth state")
		return
	}

	identity, err := h.oauth.Exchange(ctx, provider, code)
	if err != nil {
		if errors.Is(err, auth.ErrProviderDisabled) {
			NotFound(c, "oauth provider not enabled")
			return
		}
		logger.Warn("oauth exchange failed", slog.Any("error", err))
		Error(c, http.StatusBadGateway, "oauth exchange failed")
		return
	}

	user, err := h.userForIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, errIdentityWithoutEmail) {
			BadRequest(c, "oauth account has no email")
			return
		}
		if errors.Is(err, errIdentityEmailUnverified) {
			logger.Warn("oauth email not verified", slog.String("provider", identity.Provider))
			Error(c, http.StatusConflict, "oauth email is not verified")
			return
		}
		logger.Error("oauth user lookup failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	tokenPair, err := h.authService.GenerateTokenPair(user.ID, user.Role, user.MustChangePassword)
	if err != nil {
		Internal(c, "internal error")
		return
	}
	h.setRefreshCookie(c, tokenPair.RefreshToken)

	logger.Info("oauth login", slog.Uint64("user_id", uint64(user.ID)))
	h.redirectToFrontend(c, url.Values{
		"access_token": {tokenPair.AccessToken},
		"token_type":   {"Bearer"},
		"expires_in":   {formatSeconds(h.authService.AccessTokenTTL())},
	})
}

var (
	errIdentityWithoutEmail    = errors.New("identity has no email")
	errIdentityEmailUnverified = errors.New("identity email not verified")
)

func (h *AuthHandler) userForIdentity(ctx context.Context, identity *auth.Identity) (*database.User, error) {
	var user database.User
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account database.SocialAccount
		err := tx.Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).First(&account).Error
		if err == nil {
			return tx.First(&user, account.UserID).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		email := normalizeEmail(identity.Email)
		if email == "" {
			return errIdentityWithoutEmail
		}
		// 未验证的邮箱既不能关联已有账号，也不能用来建号。
		if !identity.EmailVerified {
			return errIdentityEmailUnverified
		}
		err = tx.Where("email = ?", email).First(&user).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			name := identity.Name
			if name == "" {
				name = email
			}
			created, err := h.createUser(ctx, tx, email, name, "")
			if err != nil {
				return err
			}
			user = *created
		case err != nil:
			return err
		}

		return tx.Create(&database.SocialAccount{
			UserID:   user.ID,
			Provider: identity.Provider,
			Subject:  identity.Subject,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// redirectToFrontend 把结果放在 fragment 中，避免令牌进入服务器日志。
func (h *AuthHandler) redirectToFrontend(c *gin.Context, values url.Values) {
	c.Redirect(http.StatusFound, h.opts.FrontendBaseURL+"/oauth/callback#"+values.Encode())
}

func formatSeconds(d time.Duration) string {
	return strconv.Itoa(int(d.Seconds()))
}

func (h *AuthHandler) extractRefreshToken(c *gin.Context) string {
	if token, err := c.Cookie(refreshTokenCookieName); err == nil && token != "" {
		return token
	}

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.RefreshToken != "" {
		return req.RefreshToken
	}
	return ""
}

func (h *AuthHandler) setRefreshCookie(c *gin.Context, refreshToken string) {
	maxAge := int(h.authService.RefreshTokenTTL().Seconds())
	if maxAge <= 0 {
		maxAge = int(time.Hour.Seconds())
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshTokenCookieName,
		Value:    refreshToken,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   h.isHTTPSRequest(c),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Domain:   h.getCookieDomain(),
		Expires:  h.now().Add(h.authService.RefreshTokenTTL()),
	})
}

func (h *AuthHandler) revokeRefreshToken(ctx context.Context, key string, expiresAt *jwt.NumericDate) error {
	var ttl time.Duration
	if expiresAt == nil {
		ttl = h.authService.RefreshTokenTTL()
	} else {
		ttl = time.Until(expiresAt.Time)
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return h.redis.Set(ctx, key, "revoked", ttl).Err()
}

func (h *AuthHandler) loggerFromContext(c *gin.Context) *slog.Logger {
	return loggerFrom(c).With(slog.String("component", "auth"))
}

func (h *AuthHandler) isHTTPSRequest(c *gin.Context) bool {
	if c.Request == nil {
		return false
	}
	if c.Request.TLS != nil {
		return true
	}
	return strings.EqualFold(c.Request.Header.Get("X-Forwarded-Proto"), "https")
}

func (h *AuthHandler) getCookieDomain() string { return strings.TrimSpace(h.opts.CookieDomain) }

func (h *AuthHandler) incrementLoginFail(ctx context.Context, email string) error {
	failKey := "lock:login:fail:" + email
	count, err := incrWithTTL(ctx, h.redis, failKey, h.opts.LoginLockTTL)
	if err != nil {
		return err
	}
	if h.opts.LoginLockThreshold > 0 && count >= int64(h.opts.LoginLockThreshold) {
		_ = h.redis.Set(ctx, "lock:login:"+email, "1", h.opts.LoginLockTTL).Err()
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
