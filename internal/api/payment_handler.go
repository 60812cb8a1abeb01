package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"cvfolio/internal/database"
	"cvfolio/internal/payment"
)

// PaymentHandler 暴露下单、查询、回调、回跳与钱包接口。
type PaymentHandler struct {
	payments        *payment.Service
	frontendBaseURL string
}

func NewPaymentHandler(payments *payment.Service, frontendBaseURL string) *PaymentHandler {
	return &PaymentHandler{payments: payments, frontendBaseURL: strings.TrimRight(frontendBaseURL, "/")}
}

type paymentRequest struct {
	Provider string          `json:"provider" binding:"required,max=32"`
	Purpose  string          `json:"purpose" binding:"required,oneof=wallet_topup premium"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" binding:"omitempty,currency"`
}

type guestPaymentRequest struct {
	Provider string          `json:"provider" binding:"required,max=32"`
	Email    string          `json:"email" binding:"required,email,max=255"`
	Phone    string          `json:"phone" binding:"max=32"`
	Name     string          `json:"name" binding:"max=255"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" binding:"omitempty,currency"`
}

type paymentResponse struct {
	Reference     string     `json:"reference"`
	Provider      string     `json:"provider"`
	Purpose       string     `json:"purpose"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	BaseAmount    string     `json:"base_amount"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CheckoutURL   string     `json:"checkout_url,omitempty"`
	VoucherCode   string     `json:"voucher_code,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func newPaymentResponse(p database.Payment) paymentResponse {
	resp := paymentResponse{
		Reference:     p.Reference,
		Provider:      p.Provider,
		Purpose:       p.Purpose,
		Amount:        p.Amount.String(),
		Currency:      p.Currency,
		BaseAmount:    p.BaseAmount.String(),
		Status:        p.Status,
		FailureReason: p.FailureReason,
		CheckoutURL:   p.CheckoutURL,
		CreatedAt:     p.CreatedAt,
		CompletedAt:   p.CompletedAt,
	}
	if p.VoucherCode != nil {
		resp.VoucherCode = *p.VoucherCode
	}
	return resp
}

// respondPaymentError 把 payment 包的错误映射为 HTTP 状态码。
func respondPaymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, payment.ErrNotFound):
		NotFound(c, "payment not found")
	case errors.Is(err, payment.ErrUnknownProvider):
		BadRequest(c, "unknown payment provider")
	case errors.Is(err, payment.ErrInvalidAmount),
		errors.Is(err, payment.ErrInvalidPurpose),
		errors.Is(err, payment.ErrUnsupportedCurrency):
		BadRequest(c, err.Error())
	case errors.Is(err, payment.ErrVoucherInvalid):
		BadRequest(c, "voucher invalid or already used")
	case errors.Is(err, payment.ErrInsufficientBalance):
		Error(c, http.StatusPaymentRequired, "insufficient balance")
	case errors.Is(err, payment.ErrProviderRejected), payment.IsTransient(err):
		Error(c, http.StatusBadGateway, "payment provider unavailable")
	default:
		loggerFrom(c).Error("payment request failed", slog.Any("error", err))
		Internal(c, "payment error")
	}
}

// ListProviders 返回已启用的渠道与记账币种。
func (h *PaymentHandler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers":     h.payments.Registry().Names(),
		"base_currency": h.payments.BaseCurrency(),
	})
}

// CreatePayment 为登录用户发起充值或会员支付。
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	p, err := h.payments.Initiate(c.Request.Context(), payment.InitiateRequest{
		UserID:   &userID,
		Provider: req.Provider,
		Purpose:  payment.Purpose(req.Purpose),
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	h.replyInitiated(c, p, err)
}

// CreateGuestPayment 游客支付，完成后得到一个兑换码。
func (h *PaymentHandler) CreateGuestPayment(c *gin.Context) {
	var req guestPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	p, err := h.payments.Initiate(c.Request.Context(), payment.InitiateRequest{
		GuestEmail:   req.Email,
		GuestPhone:   req.Phone,
		CustomerName: req.Name,
		Provider:     req.Provider,
		Purpose:      payment.PurposeGuestVoucher,
		Amount:       req.Amount,
		Currency:     req.Currency,
	})
	h.replyInitiated(c, p, err)
}

func (h *PaymentHandler) replyInitiated(c *gin.Context, p *database.Payment, err error) {
	if err != nil {
		if p != nil {
			loggerFrom(c).Warn("payment initiation rejected", slog.String("reference", p.Reference), slog.Any("error", err))
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "payment provider rejected the request",
				"payment": newPaymentResponse(*p),
			})
			return
		}
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newPaymentResponse(*p))
}

// ListPayments 列出当前用户的支付记录。
func (h *PaymentHandler) ListPayments(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	payments, err := h.payments.ListForUser(c.Request.Context(), userID, queryInt(c, "limit", 50, 100))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, newPaymentResponse(p))
	}
	c.JSON(http.StatusOK, out)
}

// GetPayment 返回自己的支付单；未到终态时先向渠道回查一次。
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	p, err := h.payments.GetForUser(c.Request.Context(), userID, c.Param("ref"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentResponse(*h.refreshIfOpen(c, p)))
}

// GetGuestPayment 凭下单邮箱查询游客支付单。
func (h *PaymentHandler) GetGuestPayment(c *gin.Context) {
	email := c.Query("email")
	if strings.TrimSpace(email) == "" {
		BadRequest(c, "email is required")
		return
	}
	p, err := h.payments.GetForGuest(c.Request.Context(), c.Param("ref"), email)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentResponse(*h.refreshIfOpen(c, p)))
}

func (h *PaymentHandler) refreshIfOpen(c *gin.Context, p *database.Payment) *database.Payment {
	if payment.Status(p.Status).Terminal() {
		return p
	}
	refreshed, err := h.payments.Refresh(c.Request.Context(), p.Reference)
	if err != nil {
		loggerFrom(c).Warn("payment refresh failed", slog.String("reference", p.Reference), slog.Any("error", err))
		return p
	}
	return refreshed
}

// Webhook 接收渠道回调。已处理或重复的回调都返回 200，避免渠道无限重试。
func (h *PaymentHandler) Webhook(c *gin.Context) {
	provider := c.Param("provider")
	logger := loggerFrom(c).With(slog.String("provider", provider))

	err := h.payments.HandleWebhook(c.Request.Context(), provider, c.Request)
	switch {
	case err == nil, errors.Is(err, payment.ErrAlreadyFinal):
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, payment.ErrUnknownProvider):
		NotFound(c, "unknown payment provider")
	case errors.Is(err, payment.ErrInvalidSignature):
		logger.Warn("webhook signature rejected", slog.Any("error", err))
		Error(c, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, payment.ErrInvalidPayload):
		logger.Warn("webhook payload rejected", slog.Any("error", err))
		BadRequest(c, "invalid payload")
	case errors.Is(err, payment.ErrNotFound):
		logger.Warn("webhook for unknown payment", slog.Any("error", err))
		NotFound(c, "payment not found")
	case payment.IsTransient(err):
		logger.Warn("webhook confirmation unavailable", slog.Any("error", err))
		Error(c, http.StatusServiceUnavailable, "try again later")
	default:
		logger.Error("webhook processing failed", slog.Any("error", err))
		Internal(c, "webhook processing failed")
	}
}

// Return 是支付页完成后的回跳地址：回查渠道后跳转到前端结果页。
func (h *PaymentHandler) Return(c *gin.Context) {
	reference := c.Query("reference")
	if reference == "" {
		BadRequest(c, "reference is required")
		return
	}
	logger := loggerFrom(c).With(slog.String("reference", reference))

	status := "unknown"
	p, err := h.payments.Refresh(c.Request.Context(), reference)
	switch {
	case err == nil:
		status = p.Status
	case errors.Is(err, payment.ErrNotFound):
		NotFound(c, "payment not found")
		return
	default:
		logger.Warn("payment return refresh failed", slog.Any("error", err))
		if p != nil {
			status = p.Status
		}
	}

	values := url.Values{"reference": {reference}, "status": {status}}
	c.Redirect(http.StatusFound, h.frontendBaseURL+"/payments/result?"+values.Encode())
}

// Wallet 返回余额与会员状态。
func (h *PaymentHandler) Wallet(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	wallet, err := h.payments.Wallet(c.Request.Context(), userID)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

type redeemRequest struct {
	Code string `json:"code" binding:"required,max=32"`
}

// RedeemVoucher 把游客兑换码计入余额。
func (h *PaymentHandler) RedeemVoucher(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.payments.RedeemVoucher(ctx, userID, req.Code); err != nil {
		respondPaymentError(c, err)
		return
	}
	wallet, err := h.payments.Wallet(ctx, userID)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

// BuyPremium 用余额购买会员。
func (h *PaymentHandler) BuyPremium(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.payments.BuyPremiumWithBalance(ctx, userID); err != nil {
		respondPaymentError(c, err)
		return
	}
	wallet, err := h.payments.Wallet(ctx, userID)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

// InternalRefresh 供运维脚本强制回查一笔支付。
func (h *PaymentHandler) InternalRefresh(c *gin.Context) {
	p, err := h.payments.Refresh(c.Request.Context(), c.Param("ref"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentResponse(*p))
}
