package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvfolio/internal/api/middleware"
	"cvfolio/internal/database"
	"cvfolio/internal/payment"
)

func (f *apiFixture) webhook(provider, signature string, body map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(f.t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/"+provider, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Test-Signature", signature)
	}
	return f.send(req)
}

func (f *apiFixture) balance(userID uint) decimal.Decimal {
	f.t.Helper()
	var u database.User
	require.NoError(f.t, f.db.First(&u, userID).Error)
	return u.Balance
}

func TestListProviders(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(http.MethodGet, "/v1/payments/providers", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON[struct {
		Providers    []string `json:"providers"`
		BaseCurrency string   `json:"base_currency"`
	}](t, w)
	assert.Equal(t, []string{"testpay"}, body.Providers)
	assert.Equal(t, "XAF", body.BaseCurrency)
}

func TestWalletTopUpViaWebhook(t *testing.T) {
	f := newAPIFixture(t)
	user, token := f.user("payer@example.com")

	w := f.do(http.MethodPost, "/v1/payments", map[string]any{"provider": "testpay", "purpose": "wallet_topup", "amount": "1000"}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJSON[paymentResponse](t, w)
	assert.Equal(t, string(payment.StatusInitiated), created.Status)
	assert.Equal(t, "https://pay.test/"+created.Reference, created.CheckoutURL)

	assert.Equal(t, http.StatusUnauthorized, f.webhook("testpay", "forged", map[string]string{"reference": created.Reference, "status": "paid"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.webhook("testpay", "ok", map[string]string{"status": "paid"}).Code)
	assert.Equal(t, http.StatusNotFound, f.webhook("nopay", "ok", map[string]string{"reference": created.Reference}).Code)
	assert.Equal(t, http.StatusNotFound, f.webhook("testpay", "ok", map[string]string{"reference": "PAY-UNKNOWN", "status": "paid"}).Code)
	assert.True(t, f.balance(user.ID).IsZero())

	require.Equal(t, http.StatusOK, f.webhook("testpay", "ok", map[string]string{"reference": created.Reference, "status": "paid"}).Code)
	assert.True(t, decimal.NewFromInt(1000).Equal(f.balance(user.ID)))

	require.Equal(t, http.StatusOK, f.webhook("testpay", "ok", map[string]string{"reference": created.Reference, "status": "paid"}).Code, "duplicate webhooks are acknowledged")
	assert.True(t, decimal.NewFromInt(1000).Equal(f.balance(user.ID)), "duplicate webhooks do not credit twice")

	w = f.do(http.MethodGet, "/v1/payments/"+created.Reference, nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(payment.StatusCompleted), decodeJSON[paymentResponse](t, w).Status)

	w = f.do(http.MethodGet, "/v1/payments", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]paymentResponse](t, w), 1)

	_, otherToken := f.user("other@example.com")
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/payments/"+created.Reference, nil, otherToken).Code)
}

func TestWebhookRetriesWhileLocked(t *testing.T) {
	f := newAPIFixture(t)
	user, token := f.user("locked@example.com")
	created := decodeJSON[paymentResponse](t, f.do(http.MethodPost, "/v1/payments", map[string]any{"provider": "testpay", "purpose": "wallet_topup", "amount": "1000"}, token))

	require.NoError(t, f.mr.Set("lock:payment:"+created.Reference, "another-worker"))
	assert.Equal(t, http.StatusServiceUnavailable, f.webhook("testpay", "ok", map[string]string{"reference": created.Reference, "status": "paid"}).Code)
	assert.True(t, f.balance(user.ID).IsZero())

	f.mr.Del("lock:payment:" + created.Reference)
	require.Equal(t, http.StatusOK, f.webhook("testpay", "ok", map[string]string{"reference": created.Reference, "status": "paid"}).Code)
	assert.True(t, decimal.NewFromInt(1000).Equal(f.balance(user.ID)))
}

func TestCreatePaymentValidation(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.user("payer@example.com")

	cases := []map[string]any{
		{"provider": "testpay", "purpose": "wallet_topup", "amount": "10"},
		{"provider": "testpay", "purpose": "donation", "amount": "1000"},
		{"provider": "nopay", "purpose": "wallet_topup", "amount": "1000"},
		{"provider": "testpay", "purpose": "wallet_topup", "amount": "1000", "currency": "EUR"},
	}
	for _, body := range cases {
		w := f.do(http.MethodPost, "/v1/payments", body, token)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body=%v response=%s", body, w.Body.String())
	}
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/v1/payments", cases[0], "").Code)
}

func TestGuestVoucherFlow(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/v1/guest/payments", map[string]any{"provider": "testpay", "email": "guest@example.com", "amount": "2000"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJSON[paymentResponse](t, w)
	assert.Equal(t, string(payment.PurposeGuestVoucher), created.Purpose)

	require.Equal(t, http.StatusOK, f.webhook("testpay", "ok", map[string]string{"reference": created.Reference, "status": "paid"}).Code)

	guestPath := "/v1/guest/payments/" + created.Reference
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, guestPath, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, guestPath+"?email=intruder@example.com", nil, "").Code)

	w = f.do(http.MethodGet, guestPath+"?email="+url.QueryEscape("guest@example.com"), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	paid := decodeJSON[paymentResponse](t, w)
	require.NotEmpty(t, paid.VoucherCode)

	user, token := f.user("redeemer@example.com")
	w = f.do(http.MethodPost, "/v1/wallet/redeem", map[string]string{"code": strings.ToLower(paid.VoucherCode)}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decimal.NewFromInt(2000).Equal(f.balance(user.ID)))

	_, secondToken := f.user("second@example.com")
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/wallet/redeem", map[string]string{"code": paid.VoucherCode}, secondToken).Code)
}

func TestBuyPremiumWithBalance(t *testing.T) {
	f := newAPIFixture(t)
	user, token := f.user("premium@example.com")

	assert.Equal(t, http.StatusPaymentRequired, f.do(http.MethodPost, "/v1/wallet/premium", nil, token).Code)

	require.NoError(t, f.db.Model(&database.User{}).Where("id = ?", user.ID).Update("balance", decimal.NewFromInt(6000)).Error)
	w := f.do(http.MethodPost, "/v1/wallet/premium", nil, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	wallet := decodeJSON[payment.Wallet](t, w)
	assert.True(t, wallet.Premium)
	assert.True(t, decimal.NewFromInt(1000).Equal(wallet.Balance))
}

func TestPaymentReturnRedirects(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.user("payer@example.com")
	created := decodeJSON[paymentResponse](t, f.do(http.MethodPost, "/v1/payments", map[string]any{"provider": "testpay", "purpose": "wallet_topup", "amount": "500"}, token))

	w := f.do(http.MethodGet, "/v1/payments/return/testpay?reference="+created.Reference, nil, "")
	require.Equal(t, http.StatusFound, w.Code)
	target, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/payments/result", target.Path)
	assert.Equal(t, created.Reference, target.Query().Get("reference"))
	assert.Equal(t, string(payment.StatusInitiated), target.Query().Get("status"))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/payments/return/testpay?reference=PAY-NONE", nil, "").Code)
}

func TestInternalRefreshRequiresSecret(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.user("payer@example.com")
	created := decodeJSON[paymentResponse](t, f.do(http.MethodPost, "/v1/payments", map[string]any{"provider": "testpay", "purpose": "wallet_topup", "amount": "500"}, token))
	path := "/internal/payments/" + created.Reference + "/refresh"

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, path, nil, "").Code)

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set(middleware.InternalSecretHeader, "internal-secret")
	w := f.send(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, created.Reference, decodeJSON[paymentResponse](t, w).Reference)
}
