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

// CinetPay 适配 CinetPay v2 checkout。
type CinetPay struct {
	cfg    config.CinetPayConfig
	client httpretry.Doer
}

// NewCinetPay creates the CinetPay adapter.
func NewCinetPay(cfg config.CinetPayConfig, client httpretry.Doer) *CinetPay {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &CinetPay{cfg: cfg, client: client}
}

func (c *CinetPay) Name() string { return "cinetpay" }

func (c *CinetPay) Currencies() []string { return []string{"XAF", "XOF", "USD"} }

func cinetPayAmount(amount decimal.Decimal, currency string) (json.Number, error) {
	units := MinorUnits(currency)
	if units == 0 {
		if !amount.IsInteger() || !amount.Mod(decimal.NewFromInt(5)).IsZero() {
			return "", fmt.Errorf("%w: cinetpay amount must be a multiple of 5", ErrInvalidAmount)
		}
		return json.Number(amount.String()), nil
	}
	if !amount.Equal(amount.Round(units)) {
		return "", fmt.Errorf("%w: cinetpay amount has more than %d decimals", ErrInvalidAmount, units)
	}
	return json.Number(amount.StringFixed(units)), nil
}

// AdjustAmount 把 XAF/XOF 金额向上取整到 5 的倍数。
func (c *CinetPay) AdjustAmount(amount decimal.Decimal, currency string) decimal.Decimal {
	if MinorUnits(currency) != 0 {
		return amount
	}
	five := decimal.NewFromInt(5)
	return amount.Div(five).Ceil().Mul(five)
}

type cinetPayInitRequest struct {
	APIKey        string      `json:"apikey"`
	SiteID        string      `json:"site_id"`
	TransactionID string      `json:"transaction_id"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	Description   string      `json:"description"`
	NotifyURL     string      `json:"notify_url"`
	ReturnURL     string      `json:"return_url"`
	Channels      string      `json:"channels"`
	Lang          string      `json:"lang"`
	CustomerName  string      `json:"customer_name,omitempty"`
	CustomerEmail string      `json:"customer_email,omitempty"`
	CustomerPhone string      `json:"customer_phone_number,omitempty"`
}

type cinetPayInitResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
	Data        struct {
		PaymentToken string `json:"payment_token"`
		PaymentURL   string `json:"payment_url"`
	} `json:"data"`
}

// Initiate 创建 CinetPay 支付链接。XAF/XOF 金额须为 5 的整数倍，USD 保留两位小数。
func (c *CinetPay) Initiate(ctx context.Context, checkout Checkout) (*Initiation, error) {
	amount, err := cinetPayAmount(checkout.Amount, checkout.Currency)
	if err != nil {
		return nil, err
	}

	req := cinetPayInitRequest{
		APIKey:        c.cfg.APIKey,
		SiteID:        c.cfg.SiteID,
		TransactionID: checkout.Reference,
		Amount:        amount,
		Currency:      checkout.Currency,
		Description:   sanitizeCinetPayDescription(checkout.Description),
		NotifyURL:     checkout.NotifyURL,
		ReturnURL:     checkout.ReturnURL,
		Channels:      "ALL",
		Lang:          "fr",
		CustomerName:  checkout.CustomerName,
		CustomerEmail: checkout.CustomerEmail,
		CustomerPhone: checkout.CustomerPhone,
	}

	var resp cinetPayInitResponse
	if err := doJSON(ctx, c.client, http.MethodPost, c.cfg.BaseURL+"/payment", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("cinetpay init: %w", err)
	}
	if resp.Code != "201" || resp.Data.PaymentURL == "" {
		return nil, fmt.Errorf("%w: cinetpay code %s: %s %s", ErrProviderRejected, resp.Code, resp.Message, resp.Description)
	}

	return &Initiation{
		ProviderRef: resp.Data.PaymentToken,
		CheckoutURL: resp.Data.PaymentURL,
	}, nil
}

type cinetPayCheckRequest struct {
	APIKey        string `json:"apikey"`
	SiteID        string `json:"site_id"`
	TransactionID string `json:"transaction_id"`
}

type cinetPayCheckResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Amount        string `json:"amount"`
		Currency      string `json:"currency"`
		Status        string `json:"status"`
		PaymentMethod string `json:"payment_method"`
		OperatorID    string `json:"operator_id"`
	} `json:"data"`
}

// Status 调用 /payment/check 查询交易状态。
func (c *CinetPay) Status(ctx context.Context, p database.Payment) (*Result, error) {
	req := cinetPayCheckRequest{
		APIKey:        c.cfg.APIKey,
		SiteID:        c.cfg.SiteID,
		TransactionID: p.Reference,
	}
	var resp cinetPayCheckResponse
	if err := doJSON(ctx, c.client, http.MethodPost, c.cfg.BaseURL+"/payment/check", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("cinetpay check: %w", err)
	}

	result := &Result{
		Status:       mapCinetPayStatus(resp.Code, resp.Data.Status),
		ProviderRef:  resp.Data.OperatorID,
		PaidCurrency: strings.ToUpper(resp.Data.Currency),
		VendorStatus: firstNonEmpty(resp.Data.Status, resp.Message),
	}
	if amount, err := decimal.NewFromString(strings.TrimSpace(resp.Data.Amount)); err == nil {
		result.PaidAmount = amount
	}
	if result.Status == StatusFailed {
		result.Reason = "cinetpay: " + firstNonEmpty(resp.Data.Status, resp.Message)
	}
	return result, nil
}

// 00 = SUCCES；600 = PAYMENT_FAILED；627 = TRANSACTION_CANCEL；其余视为处理中。
func mapCinetPayStatus(code, status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ACCEPTED":
		return StatusCompleted
	case "REFUSED", "CANCELED", "CANCELLED":
		return StatusFailed
	}
	switch code {
	case "600", "627":
		return StatusFailed
	}
	return StatusInitiated
}

// cinetPayTokenFields 为 x-token HMAC 的拼接顺序。
var cinetPayTokenFields = []string{
	"cpm_site_id",
	"cpm_trans_id",
	"cpm_trans_date",
	"cpm_amount",
	"cpm_currency",
	"signature",
	"payment_method",
	"cel_phone_num",
	"cpm_phone_prefixe",
	"cpm_language",
	"cpm_version",
	"cpm_payment_config",
	"cpm_page_action",
	"cpm_custom",
	"cpm_designation",
	"cpm_error_message",
}

// CinetPayToken 计算 webhook 表单的 x-token。
func CinetPayToken(form url.Values, secretKey string) string {
	var b strings.Builder
	for _, field := range cinetPayTokenFields {
		b.WriteString(form.Get(field))
	}
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook 校验 x-token 与站点号。表单内容不含最终状态，需要回查 /payment/check。
func (c *CinetPay) ParseWebhook(_ context.Context, r *http.Request) (*Notification, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: parse form: %v", ErrInvalidPayload, err)
	}
	form := r.PostForm

	transID := strings.TrimSpace(form.Get("cpm_trans_id"))
	if transID == "" {
		return nil, fmt.Errorf("%w: cpm_trans_id missing", ErrInvalidPayload)
	}

	token := strings.ToLower(strings.TrimSpace(r.Header.Get("x-token")))
	expected := CinetPayToken(form, c.cfg.SecretKey)
	if c.cfg.SecretKey == "" || token == "" || !hmac.Equal([]byte(token), []byte(expected)) {
		return nil, ErrInvalidSignature
	}
	if form.Get("cpm_site_id") != c.cfg.SiteID {
		return nil, fmt.Errorf("%w: site id mismatch", ErrInvalidSignature)
	}

	return &Notification{Reference: transID}, nil
}

func sanitizeCinetPayDescription(desc string) string {
	// CinetPay 拒绝描述中的 # / $ _ & 等特殊字符。
	replacer := strings.NewReplacer("#", "", "/", " ", "$", "", "_", " ", "&", " ")
	desc = strings.TrimSpace(replacer.Replace(desc))
	if desc == "" {
		return "cvfolio payment"
	}
	return desc
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
