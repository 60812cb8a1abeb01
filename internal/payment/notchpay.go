package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"cvfolio/internal/config"
	"cvfolio/internal/database"
	"cvfolio/internal/httpretry"
)

// NotchPay 适配 NotchPay 收款接口。
type NotchPay struct {
	cfg    config.NotchPayConfig
	client httpretry.Doer
}

func NewNotchPay(cfg config.NotchPayConfig, client httpretry.Doer) *NotchPay {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &NotchPay{cfg: cfg, client: client}
}

func (n *NotchPay) Name() string { return "notchpay" }

func (n *NotchPay) Currencies() []string { return []string{"XAF", "XOF", "EUR", "USD"} }

func (n *NotchPay) headers() map[string]string {
	return map[string]string{"Authorization": n.cfg.PublicKey}
}

type notchPayInitRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Name        string `json:"name,omitempty"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
	Callback    string `json:"callback,omitempty"`
}

type notchPayTransaction struct {
	Reference         string          `json:"reference"`
	MerchantReference string          `json:"merchant_reference"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

type notchPayInitResponse struct {
	Status           string              `json:"status"`
	Message          string              `json:"message"`
	Transaction      notchPayTransaction `json:"transaction"`
	AuthorizationURL string              `json:"authorization_url"`
}

func (n *NotchPay) Initiate(ctx context.Context, checkout Checkout) (*Initiation, error) {
	req := notchPayInitRequest{
		Amount:      amountString(checkout.Amount, checkout.Currency),
		Currency:    checkout.Currency,
		Email:       checkout.CustomerEmail,
		Phone:       checkout.CustomerPhone,
		Name:        checkout.CustomerName,
		Reference:   checkout.Reference,
		Description: checkout.Description,
		Callback:    checkout.ReturnURL,
	}
	var resp notchPayInitResponse
	if err := doJSON(ctx, n.client, http.MethodPost, n.cfg.BaseURL+"/payments", n.headers(), req, &resp); err != nil {
		return nil, fmt.Errorf("notchpay init: %w", err)
	}
	if resp.AuthorizationURL == "" {
		return nil, fmt.Errorf("%w: notchpay: %s", ErrProviderRejected, resp.Message)
	}
	return &Initiation{
		ProviderRef: resp.Transaction.Reference,
		CheckoutURL: resp.AuthorizationURL,
	}, nil
}

type notchPayStatusResponse struct {
	Message     string              `json:"message"`
	Transaction notchPayTransaction `json:"transaction"`
}

// Status 优先用渠道流水号查询，未拿到流水号时退回商户订单号。
func (n *NotchPay) Status(ctx context.Context, p database.Payment) (*Result, error) {
	ref := p.ProviderRef
	if ref == "" {
		ref = p.Reference
	}
	var resp notchPayStatusResponse
	endpoint := n.cfg.BaseURL + "/payments/" + url.PathEscape(ref)
	if err := doJSON(ctx, n.client, http.MethodGet, endpoint, n.headers(), nil, &resp); err != nil {
		return nil, fmt.Errorf("notchpay status: %w", err)
	}
	return notchPayResult(resp.Transaction), nil
}

func notchPayResult(tx notchPayTransaction) *Result {
	result := &Result{
		Status:       mapNotchPayStatus(tx.Status),
		ProviderRef:  tx.Reference,
		PaidAmount:   tx.Amount,
		PaidCurrency: strings.ToUpper(tx.Currency),
		VendorStatus: tx.Status,
	}
	if result.Status == StatusFailed {
		result.Reason = "notchpay: " + tx.Status
	}
	return result
}

func mapNotchPayStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "complete", "completed", "success":
		return StatusCompleted
	case "failed", "canceled", "cancelled", "expired", "rejected", "abandoned":
		return StatusFailed
	default:
		return StatusInitiated
	}
}

type notchPayEvent struct {
	Event string              `json:"event"`
	Data  notchPayTransaction `json:"data"`
}

// NotchPaySignature 计算 X-Notch-Signature：原始请求体的 HMAC-SHA256。
func NotchPaySignature(body []byte, hashKey string) string {
	mac := hmac.New(sha256.New, []byte(hashKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook 校验签名后直接采信事件中的状态。
func (n *NotchPay) ParseWebhook(_ context.Context, r *http.Request) (*Notification, error) {
	body, err := readBody(r, 1<<20)
	if err != nil {
		return nil, err
	}

	signature := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Notch-Signature")))
	if n.cfg.HashKey == "" || signature == "" ||
		!hmac.Equal([]byte(signature), []byte(NotchPaySignature(body, n.cfg.HashKey))) {
		return nil, ErrInvalidSignature
	}

	var event notchPayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	reference := firstNonEmpty(event.Data.MerchantReference)
	if reference == "" {
		return nil, fmt.Errorf("%w: merchant_reference missing", ErrInvalidPayload)
	}

	notification := &Notification{
		Reference:   reference,
		ProviderRef: event.Data.Reference,
	}
	switch event.Event {
	case "payment.complete", "payment.failed", "payment.canceled", "payment.expired":
		notification.Result = notchPayResult(event.Data)
	default:
		notification.Ignored = true
	}
	return notification, nil
}
