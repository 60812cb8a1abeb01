package payment

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cvfolio/internal/config"
	"cvfolio/internal/distlock"
	"cvfolio/internal/httpretry"
)

// Registry 按名称查找支付渠道。
type Registry struct {
	providers map[string]Provider
	aliases   map[string]string
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		aliases:   map[string]string{"pluto": "fapshi"},
	}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get 解析渠道名（大小写不敏感，支持别名）。
func (r *Registry) Get(name string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewRegistryFromConfig 注册所有配置了凭据的渠道。
func NewRegistryFromConfig(cfg config.PaymentConfig, client *httpretry.Client, tokenClient *http.Client) *Registry {
	r := NewRegistry()
	if cfg.CinetPay.APIKey != "" {
		r.Register(NewCinetPay(cfg.CinetPay, client))
	}
	if cfg.NotchPay.PublicKey != "" {
		r.Register(NewNotchPay(cfg.NotchPay, client))
	}
	if cfg.PayPal.ClientID != "" {
		r.Register(NewPayPal(cfg.PayPal, client, tokenClient))
	}
	if cfg.Fapshi.APIUser != "" {
		r.Register(NewFapshi(cfg.Fapshi, client))
	}
	return r
}

// NewServiceFromConfig 按配置组装渠道、汇率与 Redis 锁（Postgres advisory lock 兜底）。
func NewServiceFromConfig(cfg *config.Config, db *gorm.DB, redisClient redis.UniversalClient, notifier Notifier, logger *slog.Logger) (*Service, error) {
	rates, err := cfg.Payment.ParsedRates()
	if err != nil {
		return nil, fmt.Errorf("parse payment rates: %w", err)
	}
	converter, err := NewConverter(cfg.Payment.BaseCurrency, rates)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("payment sql db: %w", err)
	}

	tokenClient := &http.Client{Timeout: 20 * time.Second}
	client := httpretry.New(&http.Client{Timeout: 30 * time.Second}, 3, httpretry.WithLogger(logger))
	registry := NewRegistryFromConfig(cfg.Payment, client, tokenClient)
	locker := distlock.NewLocker(redisClient, sqlDB, 30*time.Second, 5*time.Second)

	return NewService(db, registry, converter, locker, notifier, logger, Options{
		MinAmount:      decimal.NewFromInt(cfg.Payment.MinAmount),
		ReferralReward: decimal.NewFromInt(cfg.Payment.ReferralReward),
		PremiumPrice:   decimal.NewFromInt(cfg.Payment.PremiumPrice),
		PremiumDays:    cfg.Payment.PremiumDays,
		PublicBaseURL:  cfg.API.PublicBaseURL,
	}), nil
}
