package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"cvfolio/internal/config"
	"cvfolio/internal/database"
	"cvfolio/internal/httpretry"
)

// PayPal 适配 PayPal Orders v2。访问令牌通过 client credentials 获取并缓存。
type PayPal struct {
	cfg    config.PayPalConfig
	client httpretry.Doer
	tokens oauth2.TokenSource
}

// NewPayPal 创建适配器。tokenClient 用于请求 /v1/oauth2/token，为 nil 时使用默认客户端。
func NewPayPal(cfg config.PayPalConfig, client httpretry.Doer, tokenClient *http.Client) *PayPal {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.Background()
	if tokenClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, tokenClient)
	}
	return &PayPal{cfg: cfg, client: client, tokens: cc.TokenSource(ctx)}
}

func (p *PayPal) Name() string { return "paypal" }

func (p *PayPal) Currencies() []string {
	if p.cfg.Currency == "EUR" {
		return []string{"EUR", "USD"}
	}
	return []string{p.cfg.Currency, "EUR"}
}

func (p *PayPal) authHeaders(extra map[string]string) (map[string]string, error) {
	token, err := p.tokens.Token()
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("paypal token: %w", err)}
	}
	headers := map[string]string{"Authorization": "Bearer " + token.AccessToken}
	for k, v := range extra {
		headers[k] = v
	}
	return headers, nil
}

type paypalAmount struct {
	CurrencyCode string          `json:"currency_code"`
	Value        decimal.Decimal `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalCapture struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Amount paypalAmount `json:"amount"`
}

type paypalPurchaseUnit struct {
	ReferenceID string        `json:"reference_id,omitempty"`
	CustomID    string        `json:"custom_id,omitempty"`
	Description string        `json:"description,omitempty"`
	Amount      *paypalAmount `json:"amount,omitempty"`
	Payments    *struct {
		Captures []paypalCapture `json:"captures"`
	} `json:"payments,omitempty"`
}

type paypalOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
	Links         []paypalLink         `json:"links"`
}

// paypalAmountValue 以字符串写出金额（PayPal 要求 "10.00" 形式）。
type paypalAmountValue struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func (p *PayPal) Initiate(ctx context.Context, checkout Checkout) (*Initiation, error) {
	unit := map[string]any{
		"reference_id": checkout.Reference,
		"custom_id":    checkout.Reference,
		"description":  truncate(checkout.Description, 127),
		"amount": paypalAmountValue{
			CurrencyCode: checkout.Currency,
			Value:        amountString(checkout.Amount, checkout.Currency),
		},
	}
	body := map[string]any{
		"intent":         "CAPTURE",
		"purchase_units": []any{unit},
		"application_context": map[string]string{
			"brand_name":  "CVFolio",
			"user_action": "PAY_NOW",
			"return_url":  checkout.ReturnURL,
			"cancel_url":  firstNonEmpty(checkout.CancelURL, checkout.ReturnURL),
		},
	}

	headers, err := p.authHeaders(map[string]string{"PayPal-Request-Id": checkout.Reference})
	if err != nil {
		return nil, err
	}
	var order paypalOrder
	if err := doJSON(ctx, p.client, http.MethodPost, p.cfg.BaseURL+"/v2/checkout/orders", headers, body, &order); err != nil {
		return nil, fmt.Errorf("paypal create order: %w", err)
	}

	approve := ""
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			approve = link.Href
			break
		}
	}
	if order.ID == "" || approve == "" {
		return nil, fmt.Errorf("%w: paypal order without approval link", ErrProviderRejected)
	}
	return &Initiation{ProviderRef: order.ID, CheckoutURL: approve}, nil
}

// Status 查询订单；买家已批准（APPROVED）时立即 capture。
func (p *PayPal) Status(ctx context.Context, payment database.Payment) (*Result, error) {
	if payment.ProviderRef == "" {
		return nil, fmt.Errorf("%w: paypal order id missing", ErrInvalidPayload)
	}
	orderURL := p.cfg.BaseURL + "/v2/checkout/orders/" + url.PathEscape(payment.ProviderRef)

	headers, err := p.authHeaders(nil)
	if err != nil {
		return nil, err
	}
	var order paypalOrder
	if err := doJSON(ctx, p.client, http.MethodGet, orderURL, headers, nil, &order); err != nil {
		return nil, fmt.Errorf("paypal get order: %w", err)
	}

	if order.Status == "APPROVED" {
		headers, err := p.authHeaders(map[string]string{"PayPal-Request-Id": payment.Reference + "-capture"})
		if err != nil {
			return nil, err
		}
		order = paypalOrder{}
		if err := doJSON(ctx, p.client, http.MethodPost, orderURL+"/capture", headers, map[string]any{}, &order); err != nil {
			return nil, fmt.Errorf("paypal capture: %w", err)
		}
	}

	return paypalOrderResult(order), nil
}

func paypalOrderResult(order paypalOrder) *Result {
	result := &Result{ProviderRef: order.ID, VendorStatus: order.Status}

	var capture *paypalCapture
	for _, unit := range order.PurchaseUnits {
		if unit.Payments != nil && len(unit.Payments.Captures) > 0 {
			capture = &unit.Payments.Captures[0]
			break
		}
	}

	switch {
	case capture != nil:
		result.VendorStatus = capture.Status
		result.Status = mapPayPalCaptureStatus(capture.Status)
		result.PaidAmount = capture.Amount.Value
		result.PaidCurrency = strings.ToUpper(capture.Amount.CurrencyCode)
	case order.Status == "VOIDED":
		result.Status = StatusFailed
	default:
		result.Status = StatusInitiated
	}
	if result.Status == StatusFailed {
		result.Reason = "paypal: " + result.VendorStatus
	}
	return result
}

func mapPayPalCaptureStatus(status string) Status {
	switch status {
	case "COMPLETED":
		return StatusCompleted
	case "DECLINED", "FAILED", "VOIDED":
		return StatusFailed
	default:
		return StatusInitiated
	}
}

type paypalEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type paypalCaptureResource struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"`
	CustomID          string       `json:"custom_id"`
	Amount            paypalAmount `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// ParseWebhook 通过 verify-webhook-signature 接口验证来源，再按事件类型解析。
func (p *PayPal) ParseWebhook(ctx context.Context, r *http.Request) (*Notification, error) {
	body, err := readBody(r, 1<<20)
	if err != nil {
		return nil, err
	}
	if err := p.verifyWebhook(ctx, r.Header, body); err != nil {
		return nil, err
	}

	var event paypalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		var order paypalOrder
		if err := json.Unmarshal(event.Resource, &order); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		reference := ""
		for _, unit := range order.PurchaseUnits {
			if reference = firstNonEmpty(unit.CustomID, unit.ReferenceID); reference != "" {
				break
			}
		}
		if reference == "" {
			return nil, fmt.Errorf("%w: custom_id missing", ErrInvalidPayload)
		}
		// 需要回查并 capture。
		return &Notification{Reference: reference, ProviderRef: order.ID}, nil

	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		var capture paypalCaptureResource
		if err := json.Unmarshal(event.Resource, &capture); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if capture.CustomID == "" {
			return nil, fmt.Errorf("%w: custom_id missing", ErrInvalidPayload)
		}
		result := &Result{
			Status:       mapPayPalCaptureStatus(capture.Status),
			ProviderRef:  capture.SupplementaryData.RelatedIDs.OrderID,
			PaidAmount:   capture.Amount.Value,
			PaidCurrency: strings.ToUpper(capture.Amount.CurrencyCode),
			VendorStatus: capture.Status,
		}
		if event.EventType != "PAYMENT.CAPTURE.COMPLETED" {
			result.Status = StatusFailed
			result.Reason = "paypal: " + event.EventType
		}
		return &Notification{
			Reference:   capture.CustomID,
			ProviderRef: result.ProviderRef,
			Result:      result,
		}, nil

	default:
		return &Notification{Ignored: true}, nil
	}
}

type paypalVerifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

func (p *PayPal) verifyWebhook(ctx context.Context, h http.Header, body []byte) error {
	if p.cfg.WebhookID == "" || h.Get("PAYPAL-TRANSMISSION-SIG") == "" {
		return ErrInvalidSignature
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not json", ErrInvalidPayload)
	}
	req := map[string]any{
		"auth_algo":         h.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          h.Get("PAYPAL-CERT-URL"),
		"transmission_id":   h.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  h.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": h.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        p.cfg.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}
	headers, err := p.authHeaders(nil)
	if err != nil {
		return err
	}
	var resp paypalVerifyResponse
	if err := doJSON(ctx, p.client, http.MethodPost, p.cfg.BaseURL+"/v1/notifications/verify-webhook-signature", headers, req, &resp); err != nil {
		return fmt.Errorf("paypal verify webhook: %w", err)
	}
	if resp.VerificationStatus != "SUCCESS" {
		return ErrInvalidSignature
	}
	return nil
}
