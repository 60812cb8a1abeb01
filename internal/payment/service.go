package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cvfolio/internal/auth"
	"cvfolio/internal/database"
	"cvfolio/internal/distlock"
	"cvfolio/internal/metrics"
)

// Locker 串行化同一支付单的对账。
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Notifier 在支付状态变化后通知用户。
type Notifier interface {
	PaymentUpdated(ctx context.Context, userID uint, reference, status string) error
}

// Options 是支付服务的业务参数。金额均以基础货币计。
type Options struct {
	MinAmount      decimal.Decimal
	ReferralReward decimal.Decimal
	PremiumPrice   decimal.Decimal
	PremiumDays    int
	// PublicBaseURL 用于拼接 webhook 与回跳地址。
	PublicBaseURL string
}

// Service 负责下单、回调处理与对账。
type Service struct {
	db        *gorm.DB
	registry  *Registry
	converter *Converter
	locker    Locker
	notifier  Notifier
	logger    *slog.Logger
	opts      Options

	now     func() time.Time
	codeGen func() (string, error)
}

func NewService(db *gorm.DB, registry *Registry, converter *Converter, locker Locker, notifier Notifier, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &Service{
		db:        db,
		registry:  registry,
		converter: converter,
		locker:    locker,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "payment")),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		codeGen:   defaultVoucherCode,
	}
}

func defaultVoucherCode() (string, error) {
	code, err := auth.RandomCode(10)
	if err != nil {
		return "", err
	}
	return "CV-" + code, nil
}

// Registry exposes the provider registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// BaseCurrency returns the bookkeeping currency.
func (s *Service) BaseCurrency() string {
	return s.converter.Base()
}

// InitiateRequest 是发起支付的入参。UserID 为 nil 表示游客支付。
type InitiateRequest struct {
	UserID       *uint
	GuestEmail   string
	GuestPhone   string
	CustomerName string
	Provider     string
	Purpose      Purpose
	Amount       decimal.Decimal
	Currency     string
}

// Initiate 校验金额、换算为渠道扣款币种并向渠道下单。
// 渠道拒绝时支付单置为 failed，同时返回支付单与错误。
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*database.Payment, error) {
	provider, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	purpose := req.Purpose
	if req.UserID == nil {
		if strings.TrimSpace(req.GuestEmail) == "" {
			return nil, fmt.Errorf("%w: guest email required", ErrInvalidPurpose)
		}
		purpose = PurposeGuestVoucher
	} else if purpose != PurposeWalletTopUp && purpose != PurposePremium {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose)
	}

	amount := req.Amount
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.converter.Base()
	}
	if purpose == PurposePremium {
		amount = s.opts.PremiumPrice
		currency = s.converter.Base()
	}
	if !s.converter.Supports(currency) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}

	baseAmount, err := s.converter.ToBase(amount, currency)
	if err != nil {
		return nil, err
	}
	if baseAmount.LessThan(s.opts.MinAmount) {
		return nil, fmt.Errorf("%w: minimum is %s %s", ErrInvalidAmount, s.opts.MinAmount.String(), s.converter.Base())
	}

	chargeCurrency := currency
	if !supportsCurrency(provider, currency) {
		chargeCurrency = provider.Currencies()[0]
	}
	chargeAmount, err := s.converter.ChargeAmount(amount, currency, chargeCurrency)
	if err != nil {
		return nil, err
	}
	if adjuster, ok := provider.(AmountAdjuster); ok {
		chargeAmount = adjuster.AdjustAmount(chargeAmount, chargeCurrency)
	}

	p := database.Payment{
		Reference:  newReference(),
		UserID:     req.UserID,
		GuestEmail: strings.ToLower(strings.TrimSpace(req.GuestEmail)),
		GuestPhone: strings.TrimSpace(req.GuestPhone),
		Provider:   provider.Name(),
		Purpose:    string(purpose),
		Amount:     chargeAmount,
		Currency:   chargeCurrency,
		BaseAmount: baseAmount,
		Status:     string(StatusPending),
	}
	customerEmail := p.GuestEmail
	if req.UserID != nil {
		var user database.User
		if err := s.db.WithContext(ctx).Select("id", "email", "full_name").First(&user, *req.UserID).Error; err != nil {
			return nil, fmt.Errorf("load payer: %w", err)
		}
		customerEmail = user.Email
		if req.CustomerName == "" {
			req.CustomerName = user.FullName
		}
	}

	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	metrics.ObservePaymentTransition(p.Provider, p.Status)

	logger := s.logger.With(
		slog.String("reference", p.Reference),
		slog.String("provider", p.Provider),
		slog.String("purpose", p.Purpose),
	)

	initiation, err := provider.Initiate(ctx, Checkout{
		Reference:     p.Reference,
		Amount:        chargeAmount,
		Currency:      chargeCurrency,
		Description:   describe(purpose),
		CustomerName:  req.CustomerName,
		CustomerEmail: customerEmail,
		CustomerPhone: p.GuestPhone,
		NotifyURL:     s.webhookURL(provider.Name()),
		ReturnURL:     s.returnURL(provider.Name(), p.Reference),
		CancelURL:     s.returnURL(provider.Name(), p.Reference),
	})
	if err != nil {
		logger.Warn("provider initiation failed", slog.Any("error", err))
		if ferr := s.markInitiationFailed(ctx, &p, err); ferr != nil {
			logger.Error("mark payment failed", slog.Any("error", ferr))
		}
		return &p, fmt.Errorf("initiate %s payment: %w", provider.Name(), err)
	}

	res := s.db.WithContext(ctx).Model(&database.Payment{}).
		Where("id = ? AND status = ?", p.ID, string(StatusPending)).
		Updates(map[string]any{
			"status":       string(StatusInitiated),
			"provider_ref": initiation.ProviderRef,
			"checkout_url": initiation.CheckoutURL,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("store initiation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// webhook 已先行把支付单推进到终态，只补记支付链接。
		if err := s.db.WithContext(ctx).Model(&database.Payment{}).Where("id = ?", p.ID).
			Updates(map[string]any{"checkout_url": initiation.CheckoutURL}).Error; err != nil {
			logger.Error("store checkout url", slog.Any("error", err))
		}
	} else {
		metrics.ObservePaymentTransition(p.Provider, string(StatusInitiated))
	}

	logger.Info("payment initiated", slog.String("amount", p.Amount.String()), slog.String("currency", p.Currency))
	return s.Get(ctx, p.Reference)
}

func (s *Service) markInitiationFailed(ctx context.Context, p *database.Payment, cause error) error {
	reason := truncate(cause.Error(), 512)
	res := s.db.WithContext(ctx).Model(&database.Payment{}).
		Where("id = ? AND status = ?", p.ID, string(StatusPending)).
		Updates(map[string]any{"status": string(StatusFailed), "failure_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		p.Status = string(StatusFailed)
		p.FailureReason = reason
		metrics.ObservePaymentTransition(p.Provider, p.Status)
	}
	return nil
}

func (s *Service) webhookURL(provider string) string {
	return s.opts.PublicBaseURL + "/v1/webhooks/" + provider
}

func (s *Service) returnURL(provider, reference string) string {
	return s.opts.PublicBaseURL + "/v1/payments/return/" + provider + "?reference=" + url.QueryEscape(reference)
}

func describe(purpose Purpose) string {
	switch purpose {
	case PurposePremium:
		return "CVFolio premium subscription"
	case PurposeGuestVoucher:
		return "CVFolio voucher"
	default:
		return "CVFolio wallet top-up"
	}
}

func newReference() string {
	return "PAY" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Get returns the payment with the given reference.
func (s *Service) Get(ctx context.Context, reference string) (*database.Payment, error) {
	var p database.Payment
	if err := s.db.WithContext(ctx).Where("reference = ?", reference).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return &p, nil
}

// GetForUser 只返回属于 userID 的支付单。
func (s *Service) GetForUser(ctx context.Context, userID uint, reference string) (*database.Payment, error) {
	p, err := s.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.UserID == nil || *p.UserID != userID {
		return nil, ErrNotFound
	}
	return p, nil
}

// GetForGuest 要求邮箱与下单时一致。
func (s *Service) GetForGuest(ctx context.Context, reference, email string) (*database.Payment, error) {
	p, err := s.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.UserID != nil || p.GuestEmail == "" || !strings.EqualFold(p.GuestEmail, strings.TrimSpace(email)) {
		return nil, ErrNotFound
	}
	return p, nil
}

// ListForUser 按时间倒序返回用户的支付记录。
func (s *Service) ListForUser(ctx context.Context, userID uint, limit int) ([]database.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var payments []database.Payment
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

// Refresh 向渠道回查并对账，返回最新的支付单。终态支付直接返回。
func (s *Service) Refresh(ctx context.Context, reference string) (*database.Payment, error) {
	p, err := s.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if Status(p.Status).Terminal() {
		return p, nil
	}
	provider, err := s.registry.Get(p.Provider)
	if err != nil {
		return p, err
	}

	result, err := provider.Status(ctx, *p)
	if err != nil {
		return p, fmt.Errorf("query %s status: %w", p.Provider, err)
	}
	if err := s.Reconcile(ctx, reference, result); err != nil && !errors.Is(err, ErrAlreadyFinal) {
		return p, err
	}
	return s.Get(ctx, reference)
}

// HandleWebhook 校验渠道回调并对账。已是终态时返回 ErrAlreadyFinal，调用方应视为成功。
func (s *Service) HandleWebhook(ctx context.Context, providerName string, r *http.Request) error {
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return err
	}

	notification, err := provider.ParseWebhook(ctx, r)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature):
			metrics.ObserveWebhook(provider.Name(), "invalid_signature")
		case errors.Is(err, ErrInvalidPayload):
			metrics.ObserveWebhook(provider.Name(), "invalid_payload")
		default:
			metrics.ObserveWebhook(provider.Name(), "error")
		}
		return err
	}
	if notification.Ignored {
		metrics.ObserveWebhook(provider.Name(), "ignored")
		return nil
	}

	p, err := s.Get(ctx, notification.Reference)
	if err != nil {
		metrics.ObserveWebhook(provider.Name(), "unknown_reference")
		return err
	}
	if p.Provider != provider.Name() {
		metrics.ObserveWebhook(provider.Name(), "invalid_payload")
		return fmt.Errorf("%w: payment %s belongs to %s", ErrInvalidPayload, p.Reference, p.Provider)
	}
	if Status(p.Status).Terminal() {
		metrics.ObserveWebhook(provider.Name(), "duplicate")
		return ErrAlreadyFinal
	}

	result := notification.Result
	if result == nil {
		if p.ProviderRef == "" {
			p.ProviderRef = notification.ProviderRef
		}
		result, err = provider.Status(ctx, *p)
		if err != nil {
			metrics.ObserveWebhook(provider.Name(), "error")
			return fmt.Errorf("confirm %s webhook: %w", provider.Name(), err)
		}
	}
	if result.ProviderRef == "" {
		result.ProviderRef = notification.ProviderRef
	}

	err = s.Reconcile(ctx, p.Reference, result)
	switch {
	case err == nil:
		metrics.ObserveWebhook(provider.Name(), "ok")
	case errors.Is(err, ErrAlreadyFinal):
		metrics.ObserveWebhook(provider.Name(), "duplicate")
	default:
		metrics.ObserveWebhook(provider.Name(), "error")
	}
	return err
}

var errNoChange = errors.New("no status change")

// Reconcile 把渠道结果应用到支付单：持有 Redis 锁，在事务内行锁读取并带条件更新。
// 完成时的入账、会员延期、兑换码与推荐奖励在同一事务内完成。
func (s *Service) Reconcile(ctx context.Context, reference string, result *Result) error {
	if result == nil {
		return fmt.Errorf("%w: empty result", ErrInvalidPayload)
	}

	var (
		updated database.Payment
		from    Status
	)
	err := s.locker.WithLock(ctx, "payment:"+reference, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var p database.Payment
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("reference = ?", reference).
				First(&p).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return fmt.Errorf("lock payment: %w", err)
			}

			from = Status(p.Status)
			if from.Terminal() {
				return ErrAlreadyFinal
			}

			to := result.Status
			reason := result.Reason
			if to == StatusCompleted {
				if mismatch := paidMismatch(p, result); mismatch != "" {
					to = StatusFailed
					reason = mismatch
				}
			}
			if to == from {
				return errNoChange
			}
			if !CanTransition(from, to) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
			}

			now := s.now()
			updates := map[string]any{"status": string(to)}
			if result.ProviderRef != "" && p.ProviderRef == "" {
				updates["provider_ref"] = result.ProviderRef
			}
			switch to {
			case StatusFailed:
				updates["failure_reason"] = truncate(firstNonEmpty(reason, "failed"), 512)
			case StatusCompleted:
				updates["completed_at"] = now
				if Purpose(p.Purpose) == PurposeGuestVoucher {
					code, err := s.codeGen()
					if err != nil {
						return fmt.Errorf("generate voucher: %w", err)
					}
					updates["voucher_code"] = code
				}
			}

			res := tx.Model(&database.Payment{}).
				Where("id = ? AND status = ?", p.ID, string(from)).
				Updates(updates)
			if res.Error != nil {
				return fmt.Errorf("update payment: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrConcurrentUpdate
			}

			if to == StatusCompleted {
				if err := s.applyCompletion(tx, p, now); err != nil {
					return err
				}
			}
			return tx.First(&updated, p.ID).Error
		})
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		// 另一个对账仍持有锁，交给调用方稍后重试。
		return &TransientError{Err: err}
	}
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info("payment reconciled",
		slog.String("reference", reference),
		slog.String("provider", updated.Provider),
		slog.String("from", string(from)),
		slog.String("to", updated.Status),
		slog.String("vendor_status", result.VendorStatus),
	)
	metrics.ObservePaymentTransition(updated.Provider, updated.Status)
	if updated.Status == string(StatusCompleted) {
		metrics.ObserveCompletedAmount(updated.Provider, updated.Purpose, updated.BaseAmount.InexactFloat64())
	}
	if updated.UserID != nil && s.notifier != nil && Status(updated.Status).Terminal() {
		if err := s.notifier.PaymentUpdated(ctx, *updated.UserID, updated.Reference, updated.Status); err != nil {
			s.logger.Warn("notify payment update", slog.String("reference", reference), slog.Any("error", err))
		}
	}
	return nil
}

// paidMismatch 比较渠道实付与应付。渠道未返回金额时不做比较。
func paidMismatch(p database.Payment, result *Result) string {
	if result.PaidAmount.IsZero() {
		return ""
	}
	if result.PaidCurrency != "" && !strings.EqualFold(result.PaidCurrency, p.Currency) {
		return fmt.Sprintf("amount mismatch: paid %s %s, expected %s %s",
			result.PaidAmount.String(), result.PaidCurrency, p.Amount.String(), p.Currency)
	}
	if result.PaidAmount.LessThan(p.Amount) {
		return fmt.Sprintf("amount mismatch: paid %s %s, expected %s %s",
			result.PaidAmount.String(), p.Currency, p.Amount.String(), p.Currency)
	}
	return ""
}

func (s *Service) applyCompletion(tx *gorm.DB, p database.Payment, now time.Time) error {
	if p.UserID == nil {
		return nil
	}
	userID := *p.UserID

	switch Purpose(p.Purpose) {
	case PurposeWalletTopUp:
		if err := creditBalance(tx, userID, p.BaseAmount); err != nil {
			return err
		}
	case PurposePremium:
		if err := s.extendPremium(tx, userID, now); err != nil {
			return err
		}
	}
	return s.rewardReferral(tx, userID, now)
}

func creditBalance(tx *gorm.DB, userID uint, amount decimal.Decimal) error {
	res := tx.Model(&database.User{}).
		Where("id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("credit balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("credit balance: user %d not found", userID)
	}
	return nil
}

func (s *Service) extendPremium(tx *gorm.DB, userID uint, now time.Time) error {
	var user database.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id", "premium_until").First(&user, userID).Error; err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	start := now
	if user.PremiumUntil != nil && user.PremiumUntil.After(now) {
		start = *user.PremiumUntil
	}
	until := start.AddDate(0, 0, s.opts.PremiumDays)
	if err := tx.Model(&database.User{}).Where("id = ?", userID).Update("premium_until", until).Error; err != nil {
		return fmt.Errorf("extend premium: %w", err)
	}
	return nil
}

// rewardReferral 在被推荐人首笔支付完成时向推荐人发放奖励，只发一次。
func (s *Service) rewardReferral(tx *gorm.DB, refereeID uint, now time.Time) error {
	var referral database.Referral
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("referee_id = ? AND status = ?", refereeID, database.ReferralPending).
		First(&referral).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load referral: %w", err)
	}

	res := tx.Model(&database.Referral{}).
		Where("id = ? AND status = ?", referral.ID, database.ReferralPending).
		Updates(map[string]any{
			"status":      database.ReferralRewarded,
			"reward":      s.opts.ReferralReward,
			"rewarded_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("reward referral: %w", res.Error)
	}
	if res.RowsAffected == 0 || !s.opts.ReferralReward.IsPositive() {
		return nil
	}
	return creditBalance(tx, referral.ReferrerID, s.opts.ReferralReward)
}

// PendingForRefresh 返回创建超过 olderThan 仍未完成的已受理支付，用于定时回查。
func (s *Service) PendingForRefresh(ctx context.Context, olderThan time.Duration, limit int) ([]database.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var payments []database.Payment
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(StatusInitiated), s.now().Add(-olderThan)).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	return payments, nil
}

// ExpireStale 把超过 olderThan 仍未完成的支付置为 failed，返回处理数量。
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	var refs []string
	err := s.db.WithContext(ctx).Model(&database.Payment{}).
		Where("status IN ? AND created_at < ?", []string{string(StatusPending), string(StatusInitiated)}, s.now().Add(-olderThan)).
		Pluck("reference", &refs).Error
	if err != nil {
		return 0, fmt.Errorf("list stale payments: %w", err)
	}

	expired := 0
	for _, ref := range refs {
		err := s.Reconcile(ctx, ref, &Result{Status: StatusFailed, Reason: "expired"})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrAlreadyFinal):
		default:
			s.logger.Warn("expire payment", slog.String("reference", ref), slog.Any("error", err))
		}
	}
	return expired, nil
}

// RedeemVoucher 把游客支付得到的兑换码计入用户余额，每个码只能兑换一次。
func (s *Service) RedeemVoucher(ctx context.Context, userID uint, code string) (*database.Payment, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrVoucherInvalid
	}

	var redeemed database.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p database.Payment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("voucher_code = ? AND status = ?", code, string(StatusCompleted)).
			First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrVoucherInvalid
		}
		if err != nil {
			return fmt.Errorf("load voucher: %w", err)
		}
		if p.VoucherUsedBy != nil {
			return ErrVoucherInvalid
		}

		res := tx.Model(&database.Payment{}).
			Where("id = ? AND voucher_used_by IS NULL", p.ID).
			Update("voucher_used_by", userID)
		if res.Error != nil {
			return fmt.Errorf("redeem voucher: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrVoucherInvalid
		}
		if err := creditBalance(tx, userID, p.BaseAmount); err != nil {
			return err
		}
		return tx.First(&redeemed, p.ID).Error
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("voucher redeemed", slog.String("reference", redeemed.Reference), slog.Uint64("user_id", uint64(userID)))
	return &redeemed, nil
}

// BuyPremiumWithBalance 用余额购买会员，余额不足返回 ErrInsufficientBalance。
func (s *Service) BuyPremiumWithBalance(ctx context.Context, userID uint) (*database.User, error) {
	var user database.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&database.User{}).
			Where("id = ? AND balance >= ?", userID, s.opts.PremiumPrice).
			Update("balance", gorm.Expr("balance - ?", s.opts.PremiumPrice))
		if res.Error != nil {
			return fmt.Errorf("debit balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}
		if err := s.extendPremium(tx, userID, s.now()); err != nil {
			return err
		}
		return tx.First(&user, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Wallet 是钱包概览。
type Wallet struct {
	Balance      decimal.Decimal `json:"balance"`
	Currency     string          `json:"currency"`
	Premium      bool            `json:"premium"`
	PremiumUntil *time.Time      `json:"premium_until"`
	PremiumPrice decimal.Decimal `json:"premium_price"`
}

func (s *Service) Wallet(ctx context.Context, userID uint) (*Wallet, error) {
	var user database.User
	if err := s.db.WithContext(ctx).Select("id", "balance", "premium_until").First(&user, userID).Error; err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &Wallet{
		Balance:      user.Balance,
		Currency:     s.converter.Base(),
		Premium:      user.IsPremium(s.now()),
		PremiumUntil: user.PremiumUntil,
		PremiumPrice: s.opts.PremiumPrice,
	}, nil
}
