package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvfolio/internal/config"
	"cvfolio/internal/database"
	"cvfolio/internal/httpretry"
)

func retryClient(srv *httptest.Server) *httpretry.Client {
	return httpretry.New(srv.Client(), 1, httpretry.WithBackoff(time.Millisecond, 2*time.Millisecond))
}

func TestCinetPayInitiateAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "key", body["apikey"])
		assert.Equal(t, "site", body["site_id"])

		switch r.URL.Path {
		case "/payment":
			assert.Equal(t, float64(5000), body["amount"])
			assert.Equal(t, "ALL", body["channels"])
			_, _ = w.Write([]byte(`{"code":"201","message":"CREATED","data":{"payment_token":"tok1","payment_url":"https://checkout.cinetpay.test/tok1"}}`))
		case "/payment/check":
			assert.Equal(t, "PAY1", body["transaction_id"])
			_, _ = w.Write([]byte(`{"code":"00","message":"SUCCES","data":{"amount":"5000","currency":"XAF","status":"ACCEPTED","operator_id":"op-9"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cp := NewCinetPay(config.CinetPayConfig{BaseURL: srv.URL, APIKey: "key", SiteID: "site", SecretKey: "secret"}, retryClient(srv))

	initiation, err := cp.Initiate(context.Background(), Checkout{
		Reference: "PAY1",
		Amount:    decimal.NewFromInt(5000),
		Currency:  "XAF",
	})
	require.NoError(t, err)
	assert.Equal(t, "tok1", initiation.ProviderRef)
	assert.Equal(t, "https://checkout.cinetpay.test/tok1", initiation.CheckoutURL)

	result, err := cp.Status(context.Background(), database.Payment{Reference: "PAY1"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, result.PaidAmount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "XAF", result.PaidCurrency)
}

func TestCinetPayInitiateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"608","message":"MINIMUM_REQUIRED_FIELDS","description":"amount"}`))
	}))
	defer srv.Close()

	cp := NewCinetPay(config.CinetPayConfig{BaseURL: srv.URL}, retryClient(srv))
	_, err := cp.Initiate(context.Background(), Checkout{Reference: "PAY1", Amount: decimal.NewFromInt(100), Currency: "XAF"})
	require.ErrorIs(t, err, ErrProviderRejected)

	_, err = cp.Initiate(context.Background(), Checkout{Reference: "PAY1", Amount: decimal.NewFromInt(101), Currency: "XAF"})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCinetPayInitiateUSD(t *testing.T) {
	var amounts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		amounts = append(amounts, string(body["amount"]))
		_, _ = w.Write([]byte(`{"code":"201","message":"CREATED","data":{"payment_token":"tok","payment_url":"https://checkout.cinetpay.test/tok"}}`))
	}))
	defer srv.Close()

	cp := NewCinetPay(config.CinetPayConfig{BaseURL: srv.URL, APIKey: "key", SiteID: "site"}, retryClient(srv))
	for _, raw := range []string{"12.00", "9.01", "10.4"} {
		amount := cp.AdjustAmount(decimal.RequireFromString(raw), "USD")
		_, err := cp.Initiate(context.Background(), Checkout{Reference: "PAY-USD", Amount: amount, Currency: "USD"})
		require.NoError(t, err, raw)
	}
	assert.Equal(t, []string{"12.00", "9.01", "10.40"}, amounts, "usd amounts are sent unchanged")

	_, err := cp.Initiate(context.Background(), Checkout{Reference: "PAY-USD", Amount: decimal.RequireFromString("9.015"), Currency: "USD"})
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.Len(t, amounts, 3)

	_, err = cp.Initiate(context.Background(), Checkout{Reference: "PAY-XAF", Amount: decimal.RequireFromString("100.5"), Currency: "XAF"})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCinetPayAdjustAmount(t *testing.T) {
	cp := NewCinetPay(config.CinetPayConfig{}, nil)
	assert.Equal(t, "105", cp.AdjustAmount(decimal.NewFromInt(101), "XAF").String())
	assert.Equal(t, "100", cp.AdjustAmount(decimal.NewFromInt(100), "XOF").String())
	assert.Equal(t, "8.34", cp.AdjustAmount(decimal.RequireFromString("8.34"), "USD").String())
}

func TestMapCinetPayStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, mapCinetPayStatus("00", "ACCEPTED"))
	assert.Equal(t, StatusFailed, mapCinetPayStatus("600", ""))
	assert.Equal(t, StatusFailed, mapCinetPayStatus("627", ""))
	assert.Equal(t, StatusFailed, mapCinetPayStatus("00", "REFUSED"))
	assert.Equal(t, StatusInitiated, mapCinetPayStatus("662", "WAITING_CUSTOMER_PAYMENT"))
}

func cinetPayWebhookRequest(form url.Values, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/cinetpay", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("x-token", token)
	}
	return req
}

func TestCinetPayWebhookSignature(t *testing.T) {
	cp := NewCinetPay(config.CinetPayConfig{SiteID: "site", SecretKey: "secret"}, nil)
	form := url.Values{
		"cpm_site_id":    {"site"},
		"cpm_trans_id":   {"PAY1"},
		"cpm_trans_date": {"2024-01-01 10:00:00"},
		"cpm_amount":     {"5000"},
		"cpm_currency":   {"XAF"},
	}

	n, err := cp.ParseWebhook(context.Background(), cinetPayWebhookRequest(form, CinetPayToken(form, "secret")))
	require.NoError(t, err)
	assert.Equal(t, "PAY1", n.Reference)
	assert.Nil(t, n.Result, "cinetpay notifications must be confirmed with /payment/check")

	_, err = cp.ParseWebhook(context.Background(), cinetPayWebhookRequest(form, CinetPayToken(form, "other")))
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = cp.ParseWebhook(context.Background(), cinetPayWebhookRequest(form, ""))
	require.ErrorIs(t, err, ErrInvalidSignature)

	form.Set("cpm_site_id", "foreign")
	_, err = cp.ParseWebhook(context.Background(), cinetPayWebhookRequest(form, CinetPayToken(form, "secret")))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNotchPayWebhook(t *testing.T) {
	np := NewNotchPay(config.NotchPayConfig{HashKey: "hash"}, nil)
	body := []byte(`{"event":"payment.complete","data":{"reference":"trx.1","merchant_reference":"PAY2","status":"complete","amount":5000,"currency":"XAF"}}`)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/notchpay", strings.NewReader(string(body)))
	req.Header.Set("X-Notch-Signature", NotchPaySignature(body, "hash"))
	n, err := np.ParseWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "PAY2", n.Reference)
	require.NotNil(t, n.Result)
	assert.Equal(t, StatusCompleted, n.Result.Status)
	assert.True(t, n.Result.PaidAmount.Equal(decimal.NewFromInt(5000)))

	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/notchpay", strings.NewReader(string(body)))
	req.Header.Set("X-Notch-Signature", NotchPaySignature([]byte("tampered"), "hash"))
	_, err = np.ParseWebhook(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidSignature)

	other := []byte(`{"event":"transfer.complete","data":{"merchant_reference":"PAY2"}}`)
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/notchpay", strings.NewReader(string(other)))
	req.Header.Set("X-Notch-Signature", NotchPaySignature(other, "hash"))
	n, err = np.ParseWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, n.Ignored)
}

func TestNotchPayInitiateAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pk_test", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/payments":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "5000", body["amount"])
			assert.Equal(t, "PAY2", body["reference"])
			_, _ = w.Write([]byte(`{"status":"Accepted","transaction":{"reference":"trx.1","status":"pending"},"authorization_url":"https://pay.notchpay.test/trx.1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/payments/trx.1":
			_, _ = w.Write([]byte(`{"transaction":{"reference":"trx.1","merchant_reference":"PAY2","status":"expired","amount":5000,"currency":"XAF"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	np := NewNotchPay(config.NotchPayConfig{BaseURL: srv.URL, PublicKey: "pk_test"}, retryClient(srv))
	initiation, err := np.Initiate(context.Background(), Checkout{Reference: "PAY2", Amount: decimal.NewFromInt(5000), Currency: "XAF"})
	require.NoError(t, err)
	assert.Equal(t, "trx.1", initiation.ProviderRef)

	result, err := np.Status(context.Background(), database.Payment{Reference: "PAY2", ProviderRef: "trx.1"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Reason, "expired")
}

func TestPayPalFlow(t *testing.T) {
	var captures atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/oauth2/token" {
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "client", user)
			assert.Equal(t, "secret", pass)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/checkout/orders":
			var body struct {
				PurchaseUnits []struct {
					CustomID string `json:"custom_id"`
					Amount   struct {
						CurrencyCode string `json:"currency_code"`
						Value        string `json:"value"`
					} `json:"amount"`
				} `json:"purchase_units"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Len(t, body.PurchaseUnits, 1)
			assert.Equal(t, "PAY3", body.PurchaseUnits[0].CustomID)
			assert.Equal(t, "8.34", body.PurchaseUnits[0].Amount.Value)
			assert.Equal(t, "USD", body.PurchaseUnits[0].Amount.CurrencyCode)
			_, _ = w.Write([]byte(`{"id":"ORDER1","status":"CREATED","links":[{"href":"https://paypal.test/checkoutnow?token=ORDER1","rel":"approve"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/checkout/orders/ORDER1":
			_, _ = w.Write([]byte(`{"id":"ORDER1","status":"APPROVED"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v2/checkout/orders/ORDER1/capture":
			captures.Add(1)
			assert.Equal(t, "PAY3-capture", r.Header.Get("PayPal-Request-Id"))
			_, _ = w.Write([]byte(`{"id":"ORDER1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP1","status":"COMPLETED","amount":{"currency_code":"USD","value":"8.34"}}]}}]}`))
		case r.URL.Path == "/v1/notifications/verify-webhook-signature":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			status := "FAILURE"
			if body["transmission_sig"] == "good" && body["webhook_id"] == "WH1" {
				status = "SUCCESS"
			}
			_, _ = w.Write([]byte(`{"verification_status":"` + status + `"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	pp := NewPayPal(config.PayPalConfig{
		BaseURL:      srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookID:    "WH1",
	}, retryClient(srv), srv.Client())
	assert.Equal(t, "USD", pp.Currencies()[0])

	initiation, err := pp.Initiate(context.Background(), Checkout{Reference: "PAY3", Amount: decimal.RequireFromString("8.34"), Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "ORDER1", initiation.ProviderRef)
	assert.Contains(t, initiation.CheckoutURL, "token=ORDER1")

	result, err := pp.Status(context.Background(), database.Payment{Reference: "PAY3", ProviderRef: "ORDER1"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "USD", result.PaidCurrency)
	assert.True(t, result.PaidAmount.Equal(decimal.RequireFromString("8.34")))
	assert.Equal(t, int32(1), captures.Load())

	event := `{"id":"WH-EVT","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP1","status":"COMPLETED","custom_id":"PAY3","amount":{"currency_code":"USD","value":"8.34"},"supplementary_data":{"related_ids":{"order_id":"ORDER1"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/paypal", strings.NewReader(event))
	req.Header.Set("PAYPAL-TRANSMISSION-SIG", "good")
	n, err := pp.ParseWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "PAY3", n.Reference)
	require.NotNil(t, n.Result)
	assert.Equal(t, StatusCompleted, n.Result.Status)
	assert.Equal(t, "ORDER1", n.Result.ProviderRef)

	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/paypal", strings.NewReader(event))
	req.Header.Set("PAYPAL-TRANSMISSION-SIG", "forged")
	_, err = pp.ParseWebhook(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidSignature)

	ignored := `{"id":"WH-2","event_type":"BILLING.SUBSCRIPTION.CREATED","resource":{}}`
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/paypal", strings.NewReader(ignored))
	req.Header.Set("PAYPAL-TRANSMISSION-SIG", "good")
	n, err = pp.ParseWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, n.Ignored)
}

func TestFapshiFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user", r.Header.Get("apiuser"))
		assert.Equal(t, "key", r.Header.Get("apikey"))
		switch r.URL.Path {
		case "/initiate-pay":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, float64(1500), body["amount"])
			assert.Equal(t, "PAY4", body["externalId"])
			_, _ = w.Write([]byte(`{"message":"Request successful","link":"https://checkout.fapshi.test/abc","transId":"abc"}`))
		case "/payment-status/abc":
			_, _ = w.Write([]byte(`{"transId":"abc","status":"SUCCESSFUL","amount":1500,"externalId":"PAY4"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fp := NewFapshi(config.FapshiConfig{BaseURL: srv.URL, APIUser: "user", APIKey: "key"}, retryClient(srv))
	initiation, err := fp.Initiate(context.Background(), Checkout{Reference: "PAY4", Amount: decimal.NewFromInt(1500), Currency: "XAF"})
	require.NoError(t, err)
	assert.Equal(t, "abc", initiation.ProviderRef)

	_, err = fp.Initiate(context.Background(), Checkout{Reference: "PAY5", Amount: decimal.NewFromInt(50), Currency: "XAF"})
	require.ErrorIs(t, err, ErrInvalidAmount)

	result, err := fp.Status(context.Background(), database.Payment{Reference: "PAY4", ProviderRef: "abc"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	_, err = fp.Status(context.Background(), database.Payment{Reference: "OTHER", ProviderRef: "abc"})
	require.ErrorIs(t, err, ErrInvalidPayload)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/fapshi", strings.NewReader(`{"transId":"abc","externalId":"PAY4","status":"SUCCESSFUL"}`))
	n, err := fp.ParseWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "PAY4", n.Reference)
	assert.Nil(t, n.Result, "unsigned webhooks are always re-queried")
}

func TestProviderServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fp := NewFapshi(config.FapshiConfig{BaseURL: srv.URL}, retryClient(srv))
	_, err := fp.Status(context.Background(), database.Payment{Reference: "PAY4", ProviderRef: "abc"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistryAliases(t *testing.T) {
	fp := NewFapshi(config.FapshiConfig{}, nil)
	r := NewRegistry(fp, NewNotchPay(config.NotchPayConfig{}, nil))

	p, err := r.Get("Pluto")
	require.NoError(t, err)
	assert.Equal(t, "fapshi", p.Name())

	_, err = r.Get("stripe")
	require.ErrorIs(t, err, ErrUnknownProvider)

	assert.Equal(t, []string{"fapshi", "notchpay"}, r.Names())
}
