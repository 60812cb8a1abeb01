package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cvfolio/internal/database"
	"cvfolio/internal/distlock"
	"cvfolio/internal/testutil"
)

type fakeProvider struct {
	name       string
	currencies []string

	mu           sync.Mutex
	checkouts    []Checkout
	initErr      error
	status       *Result
	statusCalls  int
	notification *Notification
	parseErr     error
	// onInitiate 在返回支付链接前调用，用来模拟先到的 webhook。
	onInitiate func(Checkout)
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) Currencies() []string { return f.currencies }

func (f *fakeProvider) Initiate(_ context.Context, c Checkout) (*Initiation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, c)
	if f.initErr != nil {
		return nil, f.initErr
	}
	if f.onInitiate != nil {
		f.onInitiate(c)
	}
	return &Initiation{ProviderRef: "prov-" + c.Reference, CheckoutURL: "https://pay.test/" + c.Reference}, nil
}

func (f *fakeProvider) Status(_ context.Context, _ database.Payment) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.status == nil {
		return &Result{Status: StatusInitiated}, nil
	}
	copied := *f.status
	return &copied, nil
}

func (f *fakeProvider) ParseWebhook(_ context.Context, _ *http.Request) (*Notification, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	copied := *f.notification
	return &copied, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) PaymentUpdated(_ context.Context, _ uint, reference, status string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, reference+":"+status)
	return nil
}

type serviceFixture struct {
	db       *gorm.DB
	svc      *Service
	provider *fakeProvider
	usd      *fakeProvider
	notifier *recordingNotifier
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := testutil.NewDB(t)
	_, redisClient := testutil.NewRedis(t)

	converter, err := NewConverter("XAF", map[string]decimal.Decimal{
		"XAF": decimal.NewFromInt(1),
		"USD": decimal.NewFromInt(600),
	})
	require.NoError(t, err)

	provider := &fakeProvider{name: "fakepay", currencies: []string{"XAF"}}
	usd := &fakeProvider{name: "dollarpay", currencies: []string{"USD"}}
	notifier := &recordingNotifier{}
	locker := distlock.NewLocker(redisClient, nil, 5*time.Second, time.Second)

	svc := NewService(db, NewRegistry(provider, usd), converter, locker, notifier, nil, Options{
		MinAmount:      decimal.NewFromInt(100),
		ReferralReward: decimal.NewFromInt(500),
		PremiumPrice:   decimal.NewFromInt(5000),
		PremiumDays:    30,
		PublicBaseURL:  "https://api.cvfolio.test/",
	})
	return &serviceFixture{db: db, svc: svc, provider: provider, usd: usd, notifier: notifier}
}

func (f *serviceFixture) user(t *testing.T, email string) database.User {
	return testutil.CreateUser(t, f.db, email)
}

func (f *serviceFixture) reload(t *testing.T, id uint) database.User {
	t.Helper()
	var u database.User
	require.NoError(t, f.db.First(&u, id).Error)
	return u
}

func uintPtr(v uint) *uint { return &v }

func TestInitiateStoresInitiatedPayment(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "alice@example.com")

	p, err := f.svc.Initiate(context.Background(), InitiateRequest{
		UserID:   uintPtr(u.ID),
		Provider: "fakepay",
		Purpose:  PurposeWalletTopUp,
		Amount:   decimal.NewFromInt(2000),
	})
	require.NoError(t, err)
	assert.Equal(t, string(StatusInitiated), p.Status)
	assert.Equal(t, "prov-"+p.Reference, p.ProviderRef)
	assert.Equal(t, "XAF", p.Currency)
	assert.True(t, p.BaseAmount.Equal(decimal.NewFromInt(2000)))

	require.Len(t, f.provider.checkouts, 1)
	checkout := f.provider.checkouts[0]
	assert.Equal(t, "https://api.cvfolio.test/v1/webhooks/fakepay", checkout.NotifyURL)
	assert.Contains(t, checkout.ReturnURL, "/v1/payments/return/fakepay?reference="+p.Reference)
	assert.Equal(t, "alice@example.com", checkout.CustomerEmail)
}

func TestInitiateConvertsToProviderCurrency(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "bob@example.com")

	p, err := f.svc.Initiate(context.Background(), InitiateRequest{
		UserID:   uintPtr(u.ID),
		Provider: "dollarpay",
		Purpose:  PurposePremium,
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, "8.34", p.Amount.StringFixed(2))
	assert.True(t, p.BaseAmount.Equal(decimal.NewFromInt(5000)))
}

func TestInitiateValidation(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "carol@example.com")
	ctx := context.Background()

	_, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(50)})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeGuestVoucher, Amount: decimal.NewFromInt(500)})
	require.ErrorIs(t, err, ErrInvalidPurpose)

	_, err = f.svc.Initiate(ctx, InitiateRequest{Provider: "fakepay", Amount: decimal.NewFromInt(500)})
	require.ErrorIs(t, err, ErrInvalidPurpose)

	_, err = f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(500), Currency: "GBP"})
	require.ErrorIs(t, err, ErrUnsupportedCurrency)

	_, err = f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "nope", Amount: decimal.NewFromInt(500)})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestInitiateProviderFailureMarksFailed(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "dan@example.com")
	f.provider.initErr = errors.New("vendor down")

	p, err := f.svc.Initiate(context.Background(), InitiateRequest{
		UserID:   uintPtr(u.ID),
		Provider: "fakepay",
		Purpose:  PurposeWalletTopUp,
		Amount:   decimal.NewFromInt(1000),
	})
	require.Error(t, err)
	require.NotNil(t, p)

	stored, err := f.svc.Get(context.Background(), p.Reference)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), stored.Status)
	assert.Contains(t, stored.FailureReason, "vendor down")
}

func TestWebhookCompletesTopUpOnce(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "erin@example.com")
	ctx := context.Background()

	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(2000)})
	require.NoError(t, err)

	f.provider.notification = &Notification{
		Reference: p.Reference,
		Result:    &Result{Status: StatusCompleted, PaidAmount: decimal.NewFromInt(2000), PaidCurrency: "XAF"},
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/fakepay", nil)
	require.NoError(t, f.svc.HandleWebhook(ctx, "fakepay", req))

	err = f.svc.HandleWebhook(ctx, "fakepay", req)
	require.ErrorIs(t, err, ErrAlreadyFinal)

	err = f.svc.Reconcile(ctx, p.Reference, &Result{Status: StatusCompleted})
	require.ErrorIs(t, err, ErrAlreadyFinal)

	stored := f.reload(t, u.ID)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(2000)), "balance %s", stored.Balance)

	payment, err := f.svc.Get(ctx, p.Reference)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), payment.Status)
	assert.NotNil(t, payment.CompletedAt)
	assert.Equal(t, []string{p.Reference + ":completed"}, f.notifier.events)
}

func TestConcurrentReconcileCreditsOnce(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "frank@example.com")
	ctx := context.Background()

	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.Reconcile(ctx, p.Reference, &Result{Status: StatusCompleted})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyFinal)
	}
	assert.Equal(t, 1, succeeded)
	assert.True(t, f.reload(t, u.ID).Balance.Equal(decimal.NewFromInt(1000)))
}

func TestWebhookWithoutResultRequeriesProvider(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "gina@example.com")
	ctx := context.Background()

	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	f.provider.notification = &Notification{Reference: p.Reference}
	f.provider.status = &Result{Status: StatusFailed, Reason: "fakepay: REFUSED"}
	require.NoError(t, f.svc.HandleWebhook(ctx, "fakepay", httptest.NewRequest(http.MethodPost, "/", nil)))
	assert.Equal(t, 1, f.provider.statusCalls)

	stored, err := f.svc.Get(ctx, p.Reference)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), stored.Status)
	assert.Equal(t, "fakepay: REFUSED", stored.FailureReason)
	assert.True(t, f.reload(t, u.ID).Balance.IsZero())
}

func TestWebhookRejectsForeignProvider(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "hank@example.com")
	ctx := context.Background()

	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	f.usd.notification = &Notification{Reference: p.Reference, Result: &Result{Status: StatusCompleted}}
	err = f.svc.HandleWebhook(ctx, "dollarpay", httptest.NewRequest(http.MethodPost, "/", nil))
	require.ErrorIs(t, err, ErrInvalidPayload)

	f.provider.parseErr = ErrInvalidSignature
	err = f.svc.HandleWebhook(ctx, "fakepay", httptest.NewRequest(http.MethodPost, "/", nil))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestReconcileAmountMismatchFails(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "ivy@example.com")
	ctx := context.Background()

	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(5000)})
	require.NoError(t, err)

	require.NoError(t, f.svc.Reconcile(ctx, p.Reference, &Result{
		Status:       StatusCompleted,
		PaidAmount:   decimal.NewFromInt(100),
		PaidCurrency: "XAF",
	}))

	stored, err := f.svc.Get(ctx, p.Reference)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), stored.Status)
	assert.Contains(t, stored.FailureReason, "amount mismatch")
	assert.True(t, f.reload(t, u.ID).Balance.IsZero())
}

func TestInitiateAfterEarlyWebhookKeepsCheckoutURL(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "mona@example.com")
	ctx := context.Background()

	f.provider.onInitiate = func(c Checkout) {
		require.NoError(t, f.svc.Reconcile(ctx, c.Reference, &Result{Status: StatusCompleted}))
	}
	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), p.Status)
	assert.Equal(t, "https://pay.test/"+p.Reference, p.CheckoutURL)
}

func TestInitiateLogsCheckoutURLStoreFailure(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "nina@example.com")
	ctx := context.Background()

	var logs bytes.Buffer
	f.svc.logger = slog.New(slog.NewTextHandler(&logs, nil))
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_checkout_url", func(tx *gorm.DB) {
		if values, ok := tx.Statement.Dest.(map[string]any); ok && len(values) == 1 {
			if _, ok := values["checkout_url"]; ok {
				_ = tx.AddError(errors.New("disk full"))
			}
		}
	}))

	f.provider.onInitiate = func(c Checkout) {
		require.NoError(t, f.svc.Reconcile(ctx, c.Reference, &Result{Status: StatusCompleted}))
	}
	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), p.Status)
	assert.Empty(t, p.CheckoutURL)
	assert.Contains(t, logs.String(), "store checkout url")
	assert.Contains(t, logs.String(), "disk full")
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return fmt.Errorf("%w: payment", distlock.ErrNotAcquired)
}

func TestReconcileLockContentionIsTransient(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "lena@example.com")
	ctx := context.Background()

	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)

	f.svc.locker = busyLocker{}
	err = f.svc.Reconcile(ctx, p.Reference, &Result{Status: StatusCompleted})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, distlock.ErrNotAcquired)
	assert.True(t, f.reload(t, u.ID).Balance.IsZero())
}

func TestReconcileInitiatedResultIsNoop(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "jack@example.com")
	ctx := context.Background()

	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)

	require.NoError(t, f.svc.Reconcile(ctx, p.Reference, &Result{Status: StatusInitiated}))
	refreshed, err := f.svc.Refresh(ctx, p.Reference)
	require.NoError(t, err)
	assert.Equal(t, string(StatusInitiated), refreshed.Status)
	assert.Empty(t, f.notifier.events)
}

func TestPremiumExtendsFromCurrentExpiry(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "kate@example.com")
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	until := now.AddDate(0, 0, 10)
	require.NoError(t, f.db.Model(&database.User{}).Where("id = ?", u.ID).Update("premium_until", until).Error)

	p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposePremium})
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(5000)))

	require.NoError(t, f.svc.Reconcile(ctx, p.Reference, &Result{Status: StatusCompleted}))

	stored := f.reload(t, u.ID)
	require.NotNil(t, stored.PremiumUntil)
	assert.True(t, stored.PremiumUntil.Equal(until.AddDate(0, 0, 30)), "premium until %s", stored.PremiumUntil)
	assert.True(t, stored.Balance.IsZero())
}

func TestReferralRewardedOnFirstCompletion(t *testing.T) {
	f := newServiceFixture(t)
	referrer := f.user(t, "leo@example.com")
	referee := f.user(t, "mia@example.com")
	ctx := context.Background()

	require.NoError(t, f.db.Create(&database.Referral{
		ReferrerID: referrer.ID,
		RefereeID:  referee.ID,
		Status:     database.ReferralPending,
		Reward:     decimal.Zero,
	}).Error)

	for i := 0; i < 2; i++ {
		p, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(referee.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(1000)})
		require.NoError(t, err)
		require.NoError(t, f.svc.Reconcile(ctx, p.Reference, &Result{Status: StatusCompleted}))
	}

	assert.True(t, f.reload(t, referrer.ID).Balance.Equal(decimal.NewFromInt(500)))
	assert.True(t, f.reload(t, referee.ID).Balance.Equal(decimal.NewFromInt(2000)))

	var referral database.Referral
	require.NoError(t, f.db.Where("referee_id = ?", referee.ID).First(&referral).Error)
	assert.Equal(t, database.ReferralRewarded, referral.Status)
	assert.True(t, referral.Reward.Equal(decimal.NewFromInt(500)))
	assert.NotNil(t, referral.RewardedAt)
}

func TestGuestVoucherRedeemOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.svc.codeGen = func() (string, error) { return "CV-TESTCODE", nil }

	p, err := f.svc.Initiate(ctx, InitiateRequest{
		GuestEmail: "Guest@Example.com",
		Provider:   "fakepay",
		Amount:     decimal.NewFromInt(3000),
	})
	require.NoError(t, err)
	assert.Equal(t, string(PurposeGuestVoucher), p.Purpose)
	assert.Nil(t, p.UserID)

	_, err = f.svc.GetForGuest(ctx, p.Reference, "someone@else.com")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.RedeemVoucher(ctx, 1, "CV-TESTCODE")
	require.ErrorIs(t, err, ErrVoucherInvalid, "voucher does not exist before completion")

	require.NoError(t, f.svc.Reconcile(ctx, p.Reference, &Result{Status: StatusCompleted}))
	guest, err := f.svc.GetForGuest(ctx, p.Reference, "guest@example.com")
	require.NoError(t, err)
	require.NotNil(t, guest.VoucherCode)
	assert.Equal(t, "CV-TESTCODE", *guest.VoucherCode)

	u := f.user(t, "nora@example.com")
	redeemed, err := f.svc.RedeemVoucher(ctx, u.ID, " cv-testcode ")
	require.NoError(t, err)
	require.NotNil(t, redeemed.VoucherUsedBy)
	assert.Equal(t, u.ID, *redeemed.VoucherUsedBy)
	assert.True(t, f.reload(t, u.ID).Balance.Equal(decimal.NewFromInt(3000)))

	other := f.user(t, "oscar@example.com")
	_, err = f.svc.RedeemVoucher(ctx, other.ID, "CV-TESTCODE")
	require.ErrorIs(t, err, ErrVoucherInvalid)
	assert.True(t, f.reload(t, other.ID).Balance.IsZero())
}

func TestBuyPremiumWithBalance(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "paul@example.com")
	ctx := context.Background()

	_, err := f.svc.BuyPremiumWithBalance(ctx, u.ID)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, f.db.Model(&database.User{}).Where("id = ?", u.ID).Update("balance", decimal.NewFromInt(6000)).Error)
	updated, err := f.svc.BuyPremiumWithBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, updated.Balance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, updated.IsPremium(time.Now()))

	wallet, err := f.svc.Wallet(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, wallet.Premium)
	assert.Equal(t, "XAF", wallet.Currency)
}

func TestExpireStaleAndPendingForRefresh(t *testing.T) {
	f := newServiceFixture(t)
	u := f.user(t, "quinn@example.com")
	ctx := context.Background()

	old, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	recent, err := f.svc.Initiate(ctx, InitiateRequest{UserID: uintPtr(u.ID), Provider: "fakepay", Purpose: PurposeWalletTopUp, Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&database.Payment{}).Where("id = ?", old.ID).
		UpdateColumn("created_at", time.Now().UTC().Add(-48*time.Hour)).Error)
	require.NoError(t, f.db.Model(&database.Payment{}).Where("id = ?", recent.ID).
		UpdateColumn("created_at", time.Now().UTC().Add(-10*time.Minute)).Error)

	pending, err := f.svc.PendingForRefresh(ctx, 2*time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	expired, err := f.svc.ExpireStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	stored, err := f.svc.Get(ctx, old.Reference)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), stored.Status)
	assert.Equal(t, "expired", stored.FailureReason)

	stored, err = f.svc.Get(ctx, recent.Reference)
	require.NoError(t, err)
	assert.Equal(t, string(StatusInitiated), stored.Status)

	list, err := f.svc.ListForUser(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.svc.GetForUser(ctx, u.ID+100, old.Reference)
	require.ErrorIs(t, err, ErrNotFound)
}
