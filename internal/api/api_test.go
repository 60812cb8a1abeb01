package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cvfolio/internal/auth"
	"cvfolio/internal/chat"
	"cvfolio/internal/config"
	"cvfolio/internal/database"
	"cvfolio/internal/distlock"
	"cvfolio/internal/notify"
	"cvfolio/internal/payment"
	"cvfolio/internal/storage"
	"cvfolio/internal/testutil"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

type fakeOAuth struct{}

func (fakeOAuth) AuthCodeURL(name, state string) (string, error) {
	if name != "google" {
		return "", auth.ErrProviderDisabled
	}
	return "https://idp.test/authorize?state=" + state, nil
}

func (fakeOAuth) Exchange(_ context.Context, name, code string) (*auth.Identity, error) {
	switch code {
	case "good-code":
		return &auth.Identity{Provider: name, Subject: "sub-42", Email: "Oauth.User@example.com", EmailVerified: true, Name: "OAuth User"}, nil
	case "unverified-code":
		return &auth.Identity{Provider: name, Subject: "attacker-1", Email: "oauth.user@example.com", Name: "Mallory"}, nil
	}
	return nil, errors.New("exchange rejected")
}

type fakeScanner struct {
	err error
}

func (s fakeScanner) Scan(_ context.Context, r io.Reader) error {
	_, _ = io.Copy(io.Discard, r)
	return s.err
}

type fakeChat struct {
	err     error
	history []database.ChatMessage
	cleared bool
}

func (f *fakeChat) Send(_ context.Context, userID uint, text string) (*chat.Reply, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &chat.Reply{
		UserMessage:      database.ChatMessage{UserID: userID, Role: "user", Content: text},
		AssistantMessage: database.ChatMessage{UserID: userID, Role: "assistant", Content: "Tailor your summary to the job."},
		Remaining:        19,
	}, nil
}

func (f *fakeChat) History(_ context.Context, _ uint, _ int) ([]database.ChatMessage, error) {
	return f.history, nil
}

func (f *fakeChat) Clear(_ context.Context, _ uint) error {
	f.cleared = true
	return nil
}

// webhookProvider 是测试用渠道：签名头为 "ok" 时接受形如 {"reference","status"} 的回调。
type webhookProvider struct{}

func (webhookProvider) Name() string         { return "testpay" }
func (webhookProvider) Currencies() []string { return []string{"XAF"} }

func (webhookProvider) Initiate(_ context.Context, c payment.Checkout) (*payment.Initiation, error) {
	return &payment.Initiation{ProviderRef: "tp-" + c.Reference, CheckoutURL: "https://pay.test/" + c.Reference}, nil
}

func (webhookProvider) Status(_ context.Context, _ database.Payment) (*payment.Result, error) {
	return &payment.Result{Status: payment.StatusInitiated}, nil
}

func (webhookProvider) ParseWebhook(_ context.Context, r *http.Request) (*payment.Notification, error) {
	if r.Header.Get("X-Test-Signature") != "ok" {
		return nil, payment.ErrInvalidSignature
	}
	var body struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reference == "" {
		return nil, payment.ErrInvalidPayload
	}
	status := payment.StatusInitiated
	if body.Status == "paid" {
		status = payment.StatusCompleted
	}
	return &payment.Notification{
		Reference:   body.Reference,
		ProviderRef: "tp-" + body.Reference,
		Result:      &payment.Result{Status: status, VendorStatus: body.Status},
	}, nil
}

type apiFixture struct {
	t        *testing.T
	db       *gorm.DB
	mr       *miniredis.Miniredis
	redis    *redis.Client
	auth     *auth.AuthService
	store    *storage.Memory
	enqueuer *fakeEnqueuer
	chat     *fakeChat
	scanner  *fakeScanner
	router   *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	mr, redisClient := testutil.NewRedis(t)
	authService := newTestAuthService(t)
	store := storage.NewMemory()

	converter, err := payment.NewConverter("XAF", map[string]decimal.Decimal{"XAF": decimal.NewFromInt(1)})
	require.NoError(t, err)
	payments := payment.NewService(db, payment.NewRegistry(webhookProvider{}), converter,
		distlock.NewLocker(redisClient, nil, 5*time.Second, time.Second),
		notify.NewPublisher(redisClient), nil, payment.Options{
			MinAmount:      decimal.NewFromInt(100),
			ReferralReward: decimal.NewFromInt(500),
			PremiumPrice:   decimal.NewFromInt(5000),
			PremiumDays:    30,
			PublicBaseURL:  "https://api.cvfolio.test",
		})

	cfg := &config.Config{API: config.APIConfig{
		FrontendBaseURL:       "https://app.cvfolio.test",
		InternalSecret:        "internal-secret",
		MaxCVs:                2,
		LoginRateLimitPerHour: 10,
		LoginLockThreshold:    3,
		LoginLockTTLMinutes:   15,
		MaxUploadBytes:        1 << 20,
	}}

	f := &apiFixture{
		t:        t,
		db:       db,
		mr:       mr,
		redis:    redisClient,
		auth:     authService,
		store:    store,
		enqueuer: &fakeEnqueuer{},
		chat:     &fakeChat{},
		scanner:  &fakeScanner{},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.router = NewRouter(logger)
	RegisterRoutes(f.router, Dependencies{
		Config:   cfg,
		DB:       db,
		Redis:    redisClient,
		Enqueuer: f.enqueuer,
		Auth:     authService,
		OAuth:    fakeOAuth{},
		Store:    store,
		Scanner:  f.scanner,
		Payments: payments,
		Chat:     f.chat,
		Logger:   logger,
	})
	return f
}

func newTestAuthService(t *testing.T) *auth.AuthService {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	svc, err := auth.NewAuthService(privPEM, pubPEM, 15*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	return svc
}

// user 创建一个可登录的普通用户并返回访问令牌。
func (f *apiFixture) user(email string) (database.User, string) {
	f.t.Helper()
	u := testutil.CreateUser(f.t, f.db, email)
	return u, f.tokenFor(u)
}

func (f *apiFixture) tokenFor(u database.User) string {
	f.t.Helper()
	pair, err := f.auth.GenerateTokenPair(u.ID, u.Role, u.MustChangePassword)
	require.NoError(f.t, err)
	return pair.AccessToken
}

func (f *apiFixture) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) send(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body=%s", w.Body.String())
	return out
}
