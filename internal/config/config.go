package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config aggregates application settings sourced from environment variables.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Auth     AuthConfig     `mapstructure:"auth"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Port                  int    `mapstructure:"port"`
	PublicBaseURL         string `mapstructure:"public_base_url"`
	FrontendBaseURL       string `mapstructure:"frontend_base_url"`
	CookieDomain          string `mapstructure:"cookie_domain"`
	AllowedOrigins        string `mapstructure:"allowed_origins"`
	InternalSecret        string `mapstructure:"internal_secret"`
	MaxCVs                int    `mapstructure:"max_cvs"`
	LoginRateLimitPerHour int    `mapstructure:"login_rate_limit_per_hour"`
	LoginLockThreshold    int    `mapstructure:"login_lock_threshold"`
	LoginLockTTLMinutes   int    `mapstructure:"login_lock_ttl_minutes"`
	ClamdAddr             string `mapstructure:"clamd_addr"`
	MaxUploadBytes        int64  `mapstructure:"max_upload_bytes"`
}

// Origins 以逗号分隔解析允许的 WebSocket Origin。
func (a APIConfig) Origins() []string {
	return splitList(a.AllowedOrigins)
}

// LoginLockTTL 返回登录锁定时长。
func (a APIConfig) LoginLockTTL() time.Duration {
	return time.Duration(a.LoginLockTTLMinutes) * time.Minute
}

// DatabaseConfig contains connection options for PostgreSQL.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig 包含 Redis 连接配置。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr 返回 host:port 形式的地址。
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
type MinIOConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	PublicEndpoint   string `mapstructure:"public_endpoint"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Bucket           string `mapstructure:"bucket"`
	Region           string `mapstructure:"region"`
	BucketLookup     string `mapstructure:"bucket_lookup"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// AuthConfig 描述 JWT 签名密钥与有效期。
// PEM 既可以直接通过环境变量提供，也可以给出文件路径。
type AuthConfig struct {
	PrivateKeyPEM    string `mapstructure:"private_key_pem"`
	PublicKeyPEM     string `mapstructure:"public_key_pem"`
	PrivateKeyPath   string `mapstructure:"private_key_path"`
	PublicKeyPath    string `mapstructure:"public_key_path"`
	AccessTTLMinutes int    `mapstructure:"access_ttl_minutes"`
	RefreshTTLHours  int    `mapstructure:"refresh_ttl_hours"`
}

// AccessTTL returns the access token lifetime.
func (a AuthConfig) AccessTTL() time.Duration {
	return time.Duration(a.AccessTTLMinutes) * time.Minute
}

// RefreshTTL returns the refresh token lifetime.
func (a AuthConfig) RefreshTTL() time.Duration {
	return time.Duration(a.RefreshTTLHours) * time.Hour
}

// KeyPair 读取 PEM 内容，优先使用内联值。
func (a AuthConfig) KeyPair() (privatePEM, publicPEM []byte, err error) {
	privatePEM, err = readPEM(a.PrivateKeyPEM, a.PrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	publicPEM, err = readPEM(a.PublicKeyPEM, a.PublicKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read public key: %w", err)
	}
	return privatePEM, publicPEM, nil
}

func readPEM(inline, path string) ([]byte, error) {
	if strings.TrimSpace(inline) != "" {
		return []byte(strings.ReplaceAll(inline, `\n`, "\n")), nil
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("neither pem nor path configured")
	}
	return os.ReadFile(path)
}

// OAuthConfig 包含社交登录客户端配置。空 ClientID 表示未启用。
type OAuthConfig struct {
	LinkedInClientID     string `mapstructure:"linkedin_client_id"`
	LinkedInClientSecret string `mapstructure:"linkedin_client_secret"`
	GoogleClientID       string `mapstructure:"google_client_id"`
	GoogleClientSecret   string `mapstructure:"google_client_secret"`
}

// PaymentConfig 汇总支付相关配置。
type PaymentConfig struct {
	BaseCurrency    string         `mapstructure:"base_currency"`
	Rates           string         `mapstructure:"rates"`
	MinAmount       int64          `mapstructure:"min_amount"`
	ReferralReward  int64          `mapstructure:"referral_reward"`
	PremiumPrice    int64          `mapstructure:"premium_price"`
	PremiumDays     int            `mapstructure:"premium_days"`
	StaleAfterHours int            `mapstructure:"stale_after_hours"`
	CinetPay        CinetPayConfig `mapstructure:"cinetpay"`
	NotchPay        NotchPayConfig `mapstructure:"notchpay"`
	PayPal          PayPalConfig   `mapstructure:"paypal"`
	Fapshi          FapshiConfig   `mapstructure:"fapshi"`
}

// CinetPayConfig holds CinetPay merchant credentials.
type CinetPayConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	SiteID    string `mapstructure:"site_id"`
	SecretKey string `mapstructure:"secret_key"`
}

// NotchPayConfig holds NotchPay credentials.
type NotchPayConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	PublicKey string `mapstructure:"public_key"`
	HashKey   string `mapstructure:"hash_key"`
}

// PayPalConfig holds PayPal REST credentials.
type PayPalConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	WebhookID    string `mapstructure:"webhook_id"`
	Currency     string `mapstructure:"currency"`
}

// FapshiConfig holds Fapshi credentials.
type FapshiConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIUser string `mapstructure:"api_user"`
	APIKey  string `mapstructure:"api_key"`
}

// ParsedRates 解析 "EUR=655.957,USD=600" 形式的汇率（1 单位外币折合多少基础货币）。
// 基础货币总是 1。
func (p PaymentConfig) ParsedRates() (map[string]decimal.Decimal, error) {
	base := strings.ToUpper(strings.TrimSpace(p.BaseCurrency))
	rates := map[string]decimal.Decimal{base: decimal.NewFromInt(1)}
	for _, pair := range splitList(p.Rates) {
		code, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid rate %q", pair)
		}
		code = strings.ToUpper(strings.TrimSpace(code))
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("parse rate %q: %w", pair, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive", code)
		}
		if code == base && !rate.Equal(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("rate for base currency %s must be 1", base)
		}
		rates[code] = rate
	}
	return rates, nil
}

// StaleAfter returns how long an unfinished payment may stay open.
func (p PaymentConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterHours) * time.Hour
}

// LLMConfig 描述 AI 聊天所用的 OpenAI 兼容接口。
type LLMConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	APIKey             string `mapstructure:"api_key"`
	Model              string `mapstructure:"model"`
	SystemPrompt       string `mapstructure:"system_prompt"`
	MaxHistoryMessages int    `mapstructure:"max_history_messages"`
	MaxHistoryChars    int    `mapstructure:"max_history_chars"`
	RetainedMessages   int    `mapstructure:"retained_messages"`
	MessagesPerHour    int    `mapstructure:"messages_per_hour"`
}

// JobsConfig 描述外部职位订阅源。
type JobsConfig struct {
	FeedURLs       string `mapstructure:"feed_urls"`
	ImportSchedule string `mapstructure:"import_schedule"`
}

// Feeds returns the configured feed URLs.
func (j JobsConfig) Feeds() []string {
	return splitList(j.FeedURLs)
}

// WorkerConfig 描述异步任务执行参数。
type WorkerConfig struct {
	Concurrency       int    `mapstructure:"concurrency"`
	ReconcileSchedule string `mapstructure:"reconcile_schedule"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.public_base_url", "http://localhost:8080")
	v.SetDefault("api.frontend_base_url", "http://localhost:3000")
	v.SetDefault("api.max_cvs", 3)
	v.SetDefault("api.login_rate_limit_per_hour", 10)
	v.SetDefault("api.login_lock_threshold", 5)
	v.SetDefault("api.login_lock_ttl_minutes", 15)
	v.SetDefault("api.clamd_addr", "tcp://localhost:3310")
	v.SetDefault("api.max_upload_bytes", 5*1024*1024)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "cvfolio")
	v.SetDefault("database.user", "cvfolio")
	v.SetDefault("database.password", "cvfolio")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.public_endpoint", "http://localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "cvfolio")
	v.SetDefault("minio.bucket_lookup", "auto")
	v.SetDefault("minio.auto_create_bucket", true)
	v.SetDefault("auth.access_ttl_minutes", 15)
	v.SetDefault("auth.refresh_ttl_hours", 24*7)
	v.SetDefault("payment.base_currency", "XAF")
	v.SetDefault("payment.rates", "XOF=1,EUR=655.957,USD=600")
	v.SetDefault("payment.min_amount", 100)
	v.SetDefault("payment.referral_reward", 500)
	v.SetDefault("payment.premium_price", 5000)
	v.SetDefault("payment.premium_days", 30)
	v.SetDefault("payment.stale_after_hours", 24)
	v.SetDefault("payment.cinetpay.base_url", "https://api-checkout.cinetpay.com/v2")
	v.SetDefault("payment.notchpay.base_url", "https://api.notchpay.co")
	v.SetDefault("payment.paypal.base_url", "https://api-m.sandbox.paypal.com")
	v.SetDefault("payment.paypal.currency", "USD")
	v.SetDefault("payment.fapshi.base_url", "https://live.fapshi.com")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "You are a career assistant. Help the user improve their CV, prepare applications and interviews. Answer concisely.")
	v.SetDefault("llm.max_history_messages", 20)
	v.SetDefault("llm.max_history_chars", 12000)
	v.SetDefault("llm.retained_messages", 100)
	v.SetDefault("llm.messages_per_hour", 30)
	v.SetDefault("jobs.import_schedule", "@every 1h")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.reconcile_schedule", "@every 5m")
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                      "API_PORT",
		"api.public_base_url":           "API_PUBLIC_BASE_URL",
		"api.frontend_base_url":         "FRONTEND_BASE_URL",
		"api.cookie_domain":             "COOKIE_DOMAIN",
		"api.allowed_origins":           "WS_ALLOWED_ORIGINS",
		"api.internal_secret":           "INTERNAL_API_SECRET",
		"api.max_cvs":                   "MAX_CVS_PER_USER",
		"api.login_rate_limit_per_hour": "LOGIN_RATE_LIMIT_PER_HOUR",
		"api.login_lock_threshold":      "LOGIN_LOCK_THRESHOLD",
		"api.login_lock_ttl_minutes":    "LOGIN_LOCK_TTL_MINUTES",
		"api.clamd_addr":                "CLAMD_ADDR",
		"api.max_upload_bytes":          "MAX_UPLOAD_BYTES",
		"database.host":                 "DATABASE_HOST",
		"database.port":                 "DATABASE_PORT",
		"database.name":                 "POSTGRES_DB",
		"database.user":                 "POSTGRES_USER",
		"database.password":             "POSTGRES_PASSWORD",
		"database.sslmode":              "DATABASE_SSLMODE",
		"redis.host":                    "REDIS_HOST",
		"redis.port":                    "REDIS_PORT",
		"minio.endpoint":                "MINIO_ENDPOINT",
		"minio.public_endpoint":         "MINIO_PUBLIC_ENDPOINT",
		"minio.access_key_id":           "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key":       "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":                 "MINIO_USE_SSL",
		"minio.bucket":                  "MINIO_BUCKET",
		"minio.region":                  "MINIO_REGION",
		"minio.bucket_lookup":           "MINIO_BUCKET_LOOKUP",
		"minio.auto_create_bucket":      "MINIO_AUTO_CREATE_BUCKET",
		"auth.private_key_pem":          "JWT_PRIVATE_KEY",
		"auth.public_key_pem":           "JWT_PUBLIC_KEY",
		"auth.private_key_path":         "JWT_PRIVATE_KEY_PATH",
		"auth.public_key_path":          "JWT_PUBLIC_KEY_PATH",
		"auth.access_ttl_minutes":       "JWT_ACCESS_TTL_MINUTES",
		"auth.refresh_ttl_hours":        "JWT_REFRESH_TTL_HOURS",
		"oauth.linkedin_client_id":      "LINKEDIN_CLIENT_ID",
		"oauth.linkedin_client_secret":  "LINKEDIN_CLIENT_SECRET",
		"oauth.google_client_id":        "GOOGLE_CLIENT_ID",
		"oauth.google_client_secret":    "GOOGLE_CLIENT_SECRET",
		"payment.base_currency":         "PAYMENT_BASE_CURRENCY",
		"payment.rates":                 "PAYMENT_RATES",
		"payment.min_amount":            "PAYMENT_MIN_AMOUNT",
		"payment.referral_reward":       "REFERRAL_REWARD",
		"payment.premium_price":         "PREMIUM_PRICE",
		"payment.premium_days":          "PREMIUM_DAYS",
		"payment.stale_after_hours":     "PAYMENT_STALE_AFTER_HOURS",
		"payment.cinetpay.base_url":     "CINETPAY_BASE_URL",
		"payment.cinetpay.api_key":      "CINETPAY_API_KEY",
		"payment.cinetpay.site_id":      "CINETPAY_SITE_ID",
		"payment.cinetpay.secret_key":   "CINETPAY_SECRET_KEY",
		"payment.notchpay.base_url":     "NOTCHPAY_BASE_URL",
		"payment.notchpay.public_key":   "NOTCHPAY_PUBLIC_KEY",
		"payment.notchpay.hash_key":     "NOTCHPAY_HASH_KEY",
		"payment.paypal.base_url":       "PAYPAL_BASE_URL",
		"payment.paypal.client_id":      "PAYPAL_CLIENT_ID",
		"payment.paypal.client_secret":  "PAYPAL_CLIENT_SECRET",
		"payment.paypal.webhook_id":     "PAYPAL_WEBHOOK_ID",
		"payment.paypal.currency":       "PAYPAL_CURRENCY",
		"payment.fapshi.base_url":       "FAPSHI_BASE_URL",
		"payment.fapshi.api_user":       "FAPSHI_API_USER",
		"payment.fapshi.api_key":        "FAPSHI_API_KEY",
		"llm.base_url":                  "LLM_BASE_URL",
		"llm.api_key":                   "LLM_API_KEY",
		"llm.model":                     "LLM_MODEL",
		"llm.system_prompt":             "LLM_SYSTEM_PROMPT",
		"llm.max_history_messages":      "LLM_MAX_HISTORY_MESSAGES",
		"llm.max_history_chars":         "LLM_MAX_HISTORY_CHARS",
		"llm.retained_messages":         "LLM_RETAINED_MESSAGES",
		"llm.messages_per_hour":         "LLM_MESSAGES_PER_HOUR",
		"jobs.feed_urls":                "JOB_FEED_URLS",
		"jobs.import_schedule":          "JOB_IMPORT_SCHEDULE",
		"worker.concurrency":            "WORKER_CONCURRENCY",
		"worker.reconcile_schedule":     "PAYMENT_RECONCILE_SCHEDULE",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return errors.New("database port must be positive")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.Database.Password == "" {
		return errors.New("database password is required")
	}
	if cfg.Database.SSLMode == "" {
		return errors.New("database sslmode is required")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}
	if cfg.MinIO.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if cfg.MinIO.AccessKeyID == "" {
		return errors.New("minio access key id is required")
	}
	if cfg.MinIO.SecretAccessKey == "" {
		return errors.New("minio secret access key is required")
	}
	if cfg.MinIO.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	if strings.TrimSpace(cfg.Payment.BaseCurrency) == "" {
		return errors.New("payment base currency is required")
	}
	if _, err := cfg.Payment.ParsedRates(); err != nil {
		return fmt.Errorf("payment rates: %w", err)
	}
	if cfg.Payment.ReferralReward < 0 {
		return errors.New("referral reward must not be negative")
	}
	if cfg.Payment.PremiumPrice <= 0 {
		return errors.New("premium price must be positive")
	}
	if cfg.Payment.PremiumDays <= 0 {
		return errors.New("premium days must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
