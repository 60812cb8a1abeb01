package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"cvfolio/internal/database"
	"cvfolio/internal/httpretry"
)

// Checkout 是发起支付时传给渠道的参数。Amount/Currency 已换算为渠道扣款币种。
type Checkout struct {
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	NotifyURL     string
	ReturnURL     string
	CancelURL     string
}

// Initiation 是渠道受理后的返回。
type Initiation struct {
	ProviderRef string
	CheckoutURL string
}

// Result 是渠道侧查询到的支付结果（已映射为内部状态）。
// PaidAmount 为零表示渠道没有返回金额。
type Result struct {
	Status       Status
	ProviderRef  string
	PaidAmount   decimal.Decimal
	PaidCurrency string
	VendorStatus string
	Reason       string
}

// Notification 是校验通过的 webhook。Result 为 nil 时需要回查渠道接口确认状态。
type Notification struct {
	Reference   string
	ProviderRef string
	Result      *Result
	Ignored     bool
}

// Provider 是单个支付渠道的适配器。
type Provider interface {
	Name() string
	// Currencies 返回渠道支持的扣款币种，第一个为默认币种。
	Currencies() []string
	Initiate(ctx context.Context, checkout Checkout) (*Initiation, error)
	Status(ctx context.Context, p database.Payment) (*Result, error)
	ParseWebhook(ctx context.Context, r *http.Request) (*Notification, error)
}

// AmountAdjuster 由对金额粒度有额外要求的渠道实现（如 CinetPay 要求 5 的倍数）。
type AmountAdjuster interface {
	AdjustAmount(amount decimal.Decimal, currency string) decimal.Decimal
}

func supportsCurrency(p Provider, currency string) bool {
	for _, c := range p.Currencies() {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// doJSON 发送 JSON 请求并解码响应。网络错误与 5xx/429 包装为 TransientError。
func doJSON(ctx context.Context, client httpretry.Doer, method, url string, headers map[string]string, body any, out any) error {
	var reader io.Reader
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, truncate(string(data), 512))
		if httpretry.IsRetryableStatus(resp.StatusCode) {
			return &TransientError{Err: statusErr}
		}
		return fmt.Errorf("%w: %w", ErrProviderRejected, statusErr)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, ErrInvalidPayload
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// amountString 以渠道要求的精度输出金额。
func amountString(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(MinorUnits(currency))
}
