package payment

import (
	"context"
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

// Fapshi 适配 Fapshi 收款（旧称 Pluto）。只收 XAF，回调不带签名，一律回查。
type Fapshi struct {
	cfg    config.FapshiConfig
	client httpretry.Doer
}

func NewFapshi(cfg config.FapshiConfig, client httpretry.Doer) *Fapshi {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Fapshi{cfg: cfg, client: client}
}

func (f *Fapshi) Name() string { return "fapshi" }

func (f *Fapshi) Currencies() []string { return []string{"XAF"} }

func (f *Fapshi) headers() map[string]string {
	return map[string]string{"apiuser": f.cfg.APIUser, "apikey": f.cfg.APIKey}
}

type fapshiInitRequest struct {
	Amount      int64  `json:"amount"`
	Email       string `json:"email,omitempty"`
	ExternalID  string `json:"externalId"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	Message     string `json:"message,omitempty"`
}

type fapshiInitResponse struct {
	Message string `json:"message"`
	Link    string `json:"link"`
	TransID string `json:"transId"`
}

func (f *Fapshi) Initiate(ctx context.Context, checkout Checkout) (*Initiation, error) {
	amount := checkout.Amount.Ceil().IntPart()
	if amount < 100 {
		return nil, fmt.Errorf("%w: fapshi minimum is 100 XAF", ErrInvalidAmount)
	}
	req := fapshiInitRequest{
		Amount:      amount,
		Email:       checkout.CustomerEmail,
		ExternalID:  checkout.Reference,
		RedirectURL: checkout.ReturnURL,
		Message:     checkout.Description,
	}
	var resp fapshiInitResponse
	if err := doJSON(ctx, f.client, http.MethodPost, f.cfg.BaseURL+"/initiate-pay", f.headers(), req, &resp); err != nil {
		return nil, fmt.Errorf("fapshi init: %w", err)
	}
	if resp.Link == "" || resp.TransID == "" {
		return nil, fmt.Errorf("%w: fapshi: %s", ErrProviderRejected, resp.Message)
	}
	return &Initiation{ProviderRef: resp.TransID, CheckoutURL: resp.Link}, nil
}

type fapshiStatusResponse struct {
	TransID    string          `json:"transId"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	ExternalID string          `json:"externalId"`
}

func (f *Fapshi) Status(ctx context.Context, p database.Payment) (*Result, error) {
	if p.ProviderRef == "" {
		return nil, fmt.Errorf("%w: fapshi transId missing", ErrInvalidPayload)
	}
	var resp fapshiStatusResponse
	endpoint := f.cfg.BaseURL + "/payment-status/" + url.PathEscape(p.ProviderRef)
	if err := doJSON(ctx, f.client, http.MethodGet, endpoint, f.headers(), nil, &resp); err != nil {
		return nil, fmt.Errorf("fapshi status: %w", err)
	}
	if resp.ExternalID != "" && resp.ExternalID != p.Reference {
		return nil, fmt.Errorf("%w: fapshi externalId %s does not match", ErrInvalidPayload, resp.ExternalID)
	}

	result := &Result{
		Status:       mapFapshiStatus(resp.Status),
		ProviderRef:  resp.TransID,
		PaidAmount:   resp.Amount,
		PaidCurrency: "XAF",
		VendorStatus: resp.Status,
	}
	if result.Status == StatusFailed {
		result.Reason = "fapshi: " + resp.Status
	}
	return result, nil
}

func mapFapshiStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESSFUL":
		return StatusCompleted
	case "FAILED", "EXPIRED":
		return StatusFailed
	default:
		return StatusInitiated
	}
}

type fapshiWebhook struct {
	TransID    string `json:"transId"`
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
}

// ParseWebhook 只取出交易标识，状态以回查结果为准。
func (f *Fapshi) ParseWebhook(_ context.Context, r *http.Request) (*Notification, error) {
	body, err := readBody(r, 64<<10)
	if err != nil {
		return nil, err
	}
	var hook fapshiWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if hook.ExternalID == "" || hook.TransID == "" {
		return nil, fmt.Errorf("%w: externalId and transId required", ErrInvalidPayload)
	}
	return &Notification{Reference: hook.ExternalID, ProviderRef: hook.TransID}, nil
}
